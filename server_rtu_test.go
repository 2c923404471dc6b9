package modbus

import (
	"testing"
	"time"
)

func TestServerRTUReadHoldingRegisters(t *testing.T) {
	s, err := NewServer(&ServerConfiguration{
		URL:    "rtu:///dev/test",
		UnitID: 0x11,
		Speed:  19200,
	})
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}

	masterLink, slaveLink := newPipeLinkPair()
	s.serialLink = slaveLink
	s.started = true
	go s.listenRTU()
	defer func() { s.started = false }()

	var seed uint16 = 0xbeef
	s.SetHoldingRegister(0, int16(seed))

	payload, err := encodeReadRequest(0, 1, maxRegsPerRequest)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	req := &pdu{unitID: 0x11, functionCode: fcReadHoldingRegisters, payload: payload}
	frame := assembleADU(0, req)[mbapHeaderLen:]

	if _, err := masterLink.Write(frame); err != nil {
		t.Fatalf("failed to write request: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	masterLink.SetDeadline(deadline)

	var rxbuf []byte
	buf := make([]byte, maxRTUFrameLength)
	for time.Now().Before(deadline) {
		n, err := masterLink.Read(buf)
		if n > 0 {
			rxbuf = append(rxbuf, buf[:n]...)
			if detectValidFrame(rxbuf) {
				break
			}
		}
		if err != nil {
			break
		}
		time.Sleep(time.Millisecond)
	}

	if !detectValidFrame(rxbuf) {
		t.Fatalf("did not receive a valid response frame, got %v", rxbuf)
	}

	res := &pdu{
		unitID:       rxbuf[0],
		functionCode: rxbuf[1],
		payload:      rxbuf[2 : len(rxbuf)-2],
	}
	if res.unitID != 0x11 || res.functionCode != fcReadHoldingRegisters {
		t.Fatalf("unexpected response header: %+v", res)
	}

	values, err := decodeReadRegistersResponse(res.payload, 1)
	if err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	if values[0] != int16(seed) {
		t.Errorf("expected 0xbeef, got %#x", uint16(values[0]))
	}
}

func TestServerRTUBroadcastGetsNoReply(t *testing.T) {
	s, err := NewServer(&ServerConfiguration{
		URL:    "rtu:///dev/test",
		UnitID: 0x11,
		Speed:  19200,
	})
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}

	masterLink, slaveLink := newPipeLinkPair()
	s.serialLink = slaveLink
	s.started = true
	go s.listenRTU()
	defer func() { s.started = false }()

	payload := encodeWriteSingleCoilRequest(0, true)
	req := &pdu{unitID: 0, functionCode: fcWriteSingleCoil, payload: payload}
	frame := assembleADU(0, req)[mbapHeaderLen:]

	if _, err := masterLink.Write(frame); err != nil {
		t.Fatalf("failed to write request: %v", err)
	}

	// give the listener time to process the broadcast, then confirm the
	// coil was set locally even though nothing gets sent back
	time.Sleep(50 * time.Millisecond)
	if !s.GetCoil(0) {
		t.Errorf("expected broadcast write to still apply locally")
	}

	masterLink.SetDeadline(time.Now().Add(20 * time.Millisecond))
	buf := make([]byte, maxRTUFrameLength)
	n, _ := masterLink.Read(buf)
	if n != 0 {
		t.Errorf("expected no reply to a broadcast request, got %d bytes", n)
	}
}
