package modbus

import (
	"net"
	"sync"
	"testing"
	"time"
)

// serveOneTCPTransaction accepts a single connection on ln, reads one
// request and replies with res, then closes the connection.
func serveOneTCPTransaction(t *testing.T, ln net.Listener, fc uint8, respond func(req *pdu) *pdu) {
	t.Helper()

	go func() {
		sock, err := ln.Accept()
		if err != nil {
			return
		}
		defer sock.Close()

		tt := newTCPTransport(sock, time.Second, nil)
		req, err := tt.ReadRequest()
		if err != nil {
			return
		}

		res := respond(req)
		tt.WriteResponse(res)
	}()
}

func TestClientReadHoldingRegistersOverTCP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	defer ln.Close()

	serveOneTCPTransaction(t, ln, fcReadHoldingRegisters, func(req *pdu) *pdu {
		return &pdu{
			functionCode: fcReadHoldingRegisters,
			payload:      encodeReadRegistersResponse([]int16{111, 222, 333}),
		}
	})

	c, err := NewClient(&ClientConfiguration{
		URL:     "tcp://" + ln.Addr().String(),
		Timeout: time.Second,
	})
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}

	if err := c.Open(); err != nil {
		t.Fatalf("failed to open: %v", err)
	}
	defer c.Close()

	values, err := c.ReadHoldingRegisters(0, 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []int16{111, 222, 333}
	for i := range want {
		if values[i] != want[i] {
			t.Errorf("index %d: expected %d, got %d", i, want[i], values[i])
		}
	}
}

func TestClientWriteSingleCoilOverTCP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	defer ln.Close()

	var gotAddr uint16
	var gotValue uint16

	serveOneTCPTransaction(t, ln, fcWriteSingleCoil, func(req *pdu) *pdu {
		gotAddr, gotValue, _ = decodeWriteSingleCoilRequest(req.payload)
		return &pdu{
			functionCode: fcWriteSingleCoil,
			payload:      encodeWriteEchoResponse(gotAddr, gotValue),
		}
	})

	c, err := NewClient(&ClientConfiguration{
		URL:     "tcp://" + ln.Addr().String(),
		Timeout: time.Second,
	})
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}

	if err := c.Open(); err != nil {
		t.Fatalf("failed to open: %v", err)
	}
	defer c.Close()

	if err := c.WriteSingleCoil(0x10, true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if gotAddr != 0x10 || gotValue != 0xff00 {
		t.Errorf("unexpected write: addr=%x value=%x", gotAddr, gotValue)
	}
}

func TestClientReceivesExceptionAsError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	defer ln.Close()

	serveOneTCPTransaction(t, ln, fcReadHoldingRegisters, func(req *pdu) *pdu {
		return exceptionPDU(req.functionCode, exIllegalDataAddress)
	})

	c, err := NewClient(&ClientConfiguration{
		URL:     "tcp://" + ln.Addr().String(),
		Timeout: time.Second,
	})
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}

	if err := c.Open(); err != nil {
		t.Fatalf("failed to open: %v", err)
	}
	defer c.Close()

	_, err = c.ReadHoldingRegisters(0, 1)
	if err != ErrIllegalDataAddress {
		t.Errorf("expected ErrIllegalDataAddress, got %v", err)
	}
}

func TestClientOperationsFailWhenNotConnected(t *testing.T) {
	c, err := NewClient(&ClientConfiguration{URL: "tcp://127.0.0.1:1"})
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}

	if _, err := c.ReadHoldingRegisters(0, 1); err != ErrNotConnected {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
}

func TestNewClientRejectsUnknownScheme(t *testing.T) {
	_, err := NewClient(&ClientConfiguration{URL: "foo://bar"})
	if err != ErrIllegalArgument {
		t.Errorf("expected ErrIllegalArgument, got %v", err)
	}
}

// TestClientRTURetriesOnCorruptCRCThenFails drives an RTU client
// against a fake link that answers every request with a frame whose
// CRC has been deliberately corrupted, and checks that the client
// retries up to NumberOfRetries times before surfacing the CRC error.
func TestClientRTURetriesOnCorruptCRCThenFails(t *testing.T) {
	masterLink, slaveLink := newPipeLinkPair()

	c, err := NewClient(&ClientConfiguration{
		URL:             "rtu:///dev/test",
		Speed:           19200,
		Timeout:         50 * time.Millisecond,
		NumberOfRetries: 2,
	})
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	c.transport = newRTUTransport(masterLink, "master", c.conf.Speed, c.conf.Timeout, nil)
	c.connected = true

	stop := make(chan struct{})
	defer close(stop)

	var mu sync.Mutex
	var attempts int

	go func() {
		for {
			select {
			case <-stop:
				return
			default:
			}

			slaveLink.mu.Lock()
			pending := len(slaveLink.inbound) > 0
			if pending {
				slaveLink.inbound = nil
			}
			slaveLink.mu.Unlock()

			if !pending {
				time.Sleep(time.Millisecond)
				continue
			}

			mu.Lock()
			attempts++
			mu.Unlock()

			res := &pdu{
				unitID:       c.unitID,
				functionCode: fcReadHoldingRegisters,
				payload:      encodeReadRegistersResponse([]int16{42}),
			}
			frame := assembleADU(0, res)[mbapHeaderLen:]
			frame[len(frame)-1] ^= 0xff // corrupt the CRC trailer
			slaveLink.Write(frame)
		}
	}()

	_, err = c.ReadHoldingRegisters(0, 1)
	if err != ErrCrcCheckFailed {
		t.Fatalf("expected ErrCrcCheckFailed after exhausting retries, got %v", err)
	}

	wantAttempts := int(c.conf.NumberOfRetries) + 1
	mu.Lock()
	gotAttempts := attempts
	mu.Unlock()
	if gotAttempts != wantAttempts {
		t.Errorf("expected %d request attempts, observed %d", wantAttempts, gotAttempts)
	}
}
