package modbus

import (
	"net"
	"testing"
	"time"
)

func TestUDPMasterTransportRoundTrip(t *testing.T) {
	serverConn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	defer serverConn.Close()

	client, err := newUDPMasterTransport(serverConn.LocalAddr().String(), time.Second, nil)
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	defer client.Close()

	payload, err := encodeReadRequest(0, 1, maxRegsPerRequest)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	req := &pdu{unitID: 1, functionCode: fcReadHoldingRegisters, payload: payload}

	respCh := make(chan *pdu, 1)
	errCh := make(chan error, 1)
	go func() {
		res, err := client.ExecuteRequest(req)
		respCh <- res
		errCh <- err
	}()

	buf := make([]byte, maxTCPFrameLength)
	serverConn.SetReadDeadline(time.Now().Add(time.Second))
	n, peer, err := serverConn.ReadFrom(buf)
	if err != nil {
		t.Fatalf("server failed to read datagram: %v", err)
	}

	got, err := decodeUDPDatagram(buf[:n])
	if err != nil {
		t.Fatalf("failed to decode datagram: %v", err)
	}
	if got.functionCode != fcReadHoldingRegisters {
		t.Fatalf("unexpected function code: %x", got.functionCode)
	}

	respPayload := encodeReadRegistersResponse([]int16{99})
	resp := &pdu{functionCode: fcReadHoldingRegisters, payload: respPayload}
	adu := assembleADU(1, resp)
	_, err = serverConn.WriteTo(adu[:len(adu)-2], peer)
	if err != nil {
		t.Fatalf("server failed to write response: %v", err)
	}

	res := <-respCh
	if err := <-errCh; err != nil {
		t.Fatalf("client failed to execute request: %v", err)
	}

	values, err := decodeReadRegistersResponse(res.payload, 1)
	if err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	if values[0] != 99 {
		t.Errorf("expected 99, got %d", values[0])
	}
}

func TestDecodeUDPDatagramRejectsShortBuffer(t *testing.T) {
	_, err := decodeUDPDatagram([]byte{0x00, 0x01})
	if err != ErrUnexpectedParams {
		t.Errorf("expected ErrUnexpectedParams, got %v", err)
	}
}

func TestDecodeUDPDatagramRejectsBadProtocolID(t *testing.T) {
	buf := []byte{0x00, 0x01, 0x00, 0x01, 0x00, 0x02, 0x01, 0x03}
	_, err := decodeUDPDatagram(buf)
	if err != ErrUnexpectedParams {
		t.Errorf("expected ErrUnexpectedParams, got %v", err)
	}
}
