// Package modbus implements a Modbus protocol stack providing both a
// master (client) and a slave (server) over three transports: Modbus TCP,
// Modbus UDP and Modbus RTU (serial).
//
// Function codes 1 (read coils), 2 (read discrete inputs), 3 (read holding
// registers), 4 (read input registers), 5 (write single coil), 6 (write
// single register), 15 (write multiple coils), 16 (write multiple
// registers) and 23 (read/write multiple registers) are supported.
//
// A master is created with NewClient and driven synchronously:
//
//	client, err := modbus.NewClient(&modbus.ClientConfiguration{
//		URL: "tcp://plc.example.com:502",
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := client.Open(); err != nil {
//		log.Fatal(err)
//	}
//	defer client.Close()
//
//	values, err := client.ReadHoldingRegisters(0x0000, 10)
//
// A slave is created with NewServer. Unlike the master, the server owns
// its four register banks directly (Coils, DiscreteInputs,
// HoldingRegisters, InputRegisters) rather than delegating storage to a
// caller-supplied handler:
//
//	server, err := modbus.NewServer(&modbus.ServerConfiguration{
//		URL: "tcp://0.0.0.0:502",
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	server.SetHoldingRegister(0, 42)
//	if err := server.Start(); err != nil {
//		log.Fatal(err)
//	}
//	defer server.Stop()
package modbus
