package modbus

import (
	"fmt"
	"io"
	"log"
	"net"
	"time"
)

const (
	maxTCPFrameLength int = 260
)

type tcpTransport struct {
	logger    *logger
	socket    net.Conn
	timeout   time.Duration
	lastTxnID uint16
}

// newTCPTransport returns a new TCP transport wrapping an already
// connected or accepted socket.
func newTCPTransport(socket net.Conn, timeout time.Duration, customLogger *log.Logger) (tt *tcpTransport) {
	tt = &tcpTransport{
		socket:  socket,
		timeout: timeout,
		logger:  newLogger(fmt.Sprintf("tcp-transport(%s)", socket.RemoteAddr()), customLogger),
	}

	return
}

// Close closes the underlying TCP socket.
func (tt *tcpTransport) Close() (err error) {
	err = tt.socket.Close()

	return
}

// ExecuteRequest runs a request across the socket and returns the
// matching response.
func (tt *tcpTransport) ExecuteRequest(req *pdu) (res *pdu, err error) {
	err = tt.socket.SetDeadline(time.Now().Add(tt.timeout))
	if err != nil {
		return
	}

	tt.lastTxnID++

	adu := assembleADU(tt.lastTxnID, req)
	_, err = tt.socket.Write(adu[:len(adu)-2])
	if err != nil {
		return
	}

	res, err = tt.readResponse()

	return
}

// ReadRequest reads a request from the socket, used by the slave
// listener.
func (tt *tcpTransport) ReadRequest() (req *pdu, err error) {
	var txnID uint16

	err = tt.socket.SetDeadline(time.Now().Add(tt.timeout))
	if err != nil {
		return
	}

	req, txnID, err = tt.readMBAPFrame()
	if err != nil {
		return
	}

	tt.lastTxnID = txnID

	return
}

// WriteResponse writes a response to the socket, echoing the
// transaction id of the request that elicited it.
func (tt *tcpTransport) WriteResponse(res *pdu) (err error) {
	adu := assembleADU(tt.lastTxnID, res)
	_, err = tt.socket.Write(adu[:len(adu)-2])

	return
}

// readResponse reads as many MBAP frames as necessary until either the
// response matching tt.lastTxnID is received or an error occurs.
// Responses carrying a mismatched transaction id are discarded and
// the read continues until the deadline set in ExecuteRequest expires.
func (tt *tcpTransport) readResponse() (res *pdu, err error) {
	var txnID uint16

	for {
		res, txnID, err = tt.readMBAPFrame()
		if err != nil {
			return
		}

		if tt.lastTxnID != txnID {
			tt.logger.Warningf("received unexpected transaction id "+
				"(expected 0x%04x, received 0x%04x)",
				tt.lastTxnID, txnID)
			continue
		}

		break
	}

	return
}

// readMBAPFrame reads an entire MBAP header plus PDU from the socket.
func (tt *tcpTransport) readMBAPFrame() (p *pdu, txnID uint16, err error) {
	var rxbuf []byte
	var bytesNeeded int
	var protocolID uint16
	var unitID uint8

	rxbuf = make([]byte, mbapHeaderLen+1)
	_, err = io.ReadFull(tt.socket, rxbuf)
	if err != nil {
		return
	}

	txnID = wordAt(rxbuf[0:2])
	protocolID = wordAt(rxbuf[2:4])
	unitID = rxbuf[6]

	bytesNeeded = int(wordAt(rxbuf[4:6]))
	bytesNeeded-- // the length field includes the unit id we already read

	if bytesNeeded+mbapHeaderLen+1 > maxTCPFrameLength {
		err = ErrUnexpectedParams
		return
	}

	if bytesNeeded <= 0 {
		err = ErrUnexpectedParams
		return
	}

	rxbuf = make([]byte, bytesNeeded)
	_, err = io.ReadFull(tt.socket, rxbuf)
	if err != nil {
		return
	}

	if protocolID != 0x0000 {
		tt.logger.Warningf("received unexpected protocol id 0x%04x", protocolID)
		err = ErrUnexpectedParams
		return
	}

	p = &pdu{
		unitID:       unitID,
		functionCode: rxbuf[0],
		payload:      rxbuf[1:],
	}

	return
}
