package modbus

import (
	"testing"
	"time"
)

func newTestTCPServer(t *testing.T, unitID uint8) (*Server, string) {
	t.Helper()

	s, err := NewServer(&ServerConfiguration{
		URL:    "tcp://127.0.0.1:0",
		UnitID: unitID,
	})
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}

	if err := s.Start(); err != nil {
		t.Fatalf("failed to start server: %v", err)
	}
	t.Cleanup(func() { s.Stop() })

	return s, s.tcpListener.Addr().String()
}

func TestServerTCPReadHoldingRegisters(t *testing.T) {
	s, addr := newTestTCPServer(t, 1)
	s.SetHoldingRegister(5, 4242)

	c, err := NewClient(&ClientConfiguration{URL: "tcp://" + addr, Timeout: time.Second})
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	if err := c.Open(); err != nil {
		t.Fatalf("failed to open: %v", err)
	}
	defer c.Close()

	values, err := c.ReadHoldingRegisters(5, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if values[0] != 4242 {
		t.Errorf("expected 4242, got %d", values[0])
	}
}

func TestServerTCPWriteMultipleRegisters(t *testing.T) {
	s, addr := newTestTCPServer(t, 1)

	c, err := NewClient(&ClientConfiguration{URL: "tcp://" + addr, Timeout: time.Second})
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	if err := c.Open(); err != nil {
		t.Fatalf("failed to open: %v", err)
	}
	defer c.Close()

	if err := c.WriteMultipleRegisters(10, []int16{1, 2, 3}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if s.GetHoldingRegister(10) != 1 || s.GetHoldingRegister(11) != 2 || s.GetHoldingRegister(12) != 3 {
		t.Errorf("unexpected register values: %d %d %d",
			s.GetHoldingRegister(10), s.GetHoldingRegister(11), s.GetHoldingRegister(12))
	}
}

func TestServerTCPIllegalDataAddressException(t *testing.T) {
	_, addr := newTestTCPServer(t, 1)

	c, err := NewClient(&ClientConfiguration{URL: "tcp://" + addr, Timeout: time.Second})
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	if err := c.Open(); err != nil {
		t.Fatalf("failed to open: %v", err)
	}
	defer c.Close()

	_, err = c.ReadHoldingRegisters(65530, 100)
	if err != ErrIllegalDataAddress {
		t.Errorf("expected ErrIllegalDataAddress, got %v", err)
	}
}

func TestServerTCPZeroQuantityRejectedByClient(t *testing.T) {
	_, addr := newTestTCPServer(t, 1)

	c, err := NewClient(&ClientConfiguration{URL: "tcp://" + addr, Timeout: time.Second})
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	if err := c.Open(); err != nil {
		t.Fatalf("failed to open: %v", err)
	}
	defer c.Close()

	_, err = c.ReadHoldingRegisters(0, 0)
	if err != ErrIllegalArgument {
		t.Errorf("expected ErrIllegalArgument (rejected client-side), got %v", err)
	}
}

func TestServerTCPWrongUnitIDGetsNoReply(t *testing.T) {
	_, addr := newTestTCPServer(t, 7)

	c, err := NewClient(&ClientConfiguration{URL: "tcp://" + addr, Timeout: 200 * time.Millisecond, UnitID: 3})
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	if err := c.Open(); err != nil {
		t.Fatalf("failed to open: %v", err)
	}
	defer c.Close()

	_, err = c.ReadHoldingRegisters(0, 1)
	if err == nil {
		t.Errorf("expected a timeout since the server answers unit id 7 only")
	}
}

func TestServerTCPFunctionCodeDisabled(t *testing.T) {
	s, err := NewServer(&ServerConfiguration{
		URL:                  "tcp://127.0.0.1:0",
		UnitID:               1,
		DisableFunctionCodes: []uint8{fcWriteMultipleRegisters},
	})
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}

	if err := s.Start(); err != nil {
		t.Fatalf("failed to start server: %v", err)
	}
	t.Cleanup(func() { s.Stop() })

	c, err := NewClient(&ClientConfiguration{URL: "tcp://" + s.tcpListener.Addr().String(), Timeout: time.Second})
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	if err := c.Open(); err != nil {
		t.Fatalf("failed to open: %v", err)
	}
	defer c.Close()

	err = c.WriteMultipleRegisters(0, []int16{1})
	if err != ErrIllegalFunction {
		t.Errorf("expected ErrIllegalFunction, got %v", err)
	}
}
