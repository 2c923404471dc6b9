package modbus

import (
	"log"
	"net"
	"time"
)

// udpConnWrapper wraps a connected net.UDPConn so that a byte-oriented
// reader (io.ReadFull, as used by tcpTransport's MBAP framing) can
// consume it one datagram at a time rather than getting a short read
// whenever a caller asks for fewer bytes than one full datagram
// contains. Any bytes left over from a datagram are held until the
// next Read call instead of being dropped.
type udpConnWrapper struct {
	net.Conn
	leftoverCount int
	rxbuf         []byte
}

func newUDPConnWrapper(conn net.Conn) (ucw *udpConnWrapper) {
	ucw = &udpConnWrapper{
		Conn:  conn,
		rxbuf: make([]byte, maxTCPFrameLength),
	}

	return
}

func (ucw *udpConnWrapper) Read(buf []byte) (rlen int, err error) {
	var copied int

	if ucw.leftoverCount > 0 {
		copied = copy(buf, ucw.rxbuf[0:ucw.leftoverCount])
		if ucw.leftoverCount > copied {
			copy(ucw.rxbuf, ucw.rxbuf[copied:ucw.leftoverCount])
		}
		ucw.leftoverCount -= copied
	} else {
		var n int
		n, err = ucw.Conn.Read(ucw.rxbuf)
		if err != nil {
			return
		}
		copied = copy(buf, ucw.rxbuf[0:n])
		if n > copied {
			copy(ucw.rxbuf, ucw.rxbuf[copied:n])
		}
		ucw.leftoverCount = n - copied
	}

	rlen = copied

	return
}

// newUDPMasterTransport dials a UDP peer and returns a transport
// speaking the exact same MBAP framing as TCP; one ADU is expected
// per datagram.
func newUDPMasterTransport(addr string, timeout time.Duration, customLogger *log.Logger) (tr *tcpTransport, err error) {
	conn, err := net.Dial("udp", addr)
	if err != nil {
		return
	}

	tr = newTCPTransport(newUDPConnWrapper(conn), timeout, customLogger)

	return
}

// udpDatagramTransport adapts a single already-received datagram, and
// the socket it arrived on, to the shared transport interface so the
// slave dispatcher can serve UDP requests through the same code path
// used for TCP. ReadRequest returns the pre-decoded request exactly
// once; a second call reports io.EOF-equivalent behavior via
// ErrUnexpectedParams so handleTransport's loop exits after one
// exchange, matching the one-datagram-one-exchange model of UDP.
type udpDatagramTransport struct {
	sock     net.PacketConn
	peerAddr net.Addr
	pending  *pdu
	served   bool
}

func (dt *udpDatagramTransport) Close() error { return nil }

func (dt *udpDatagramTransport) ExecuteRequest(*pdu) (*pdu, error) {
	return nil, ErrUnexpectedParams
}

func (dt *udpDatagramTransport) ReadRequest() (req *pdu, err error) {
	if dt.served {
		err = ErrUnexpectedParams
		return
	}

	dt.served = true
	req = dt.pending

	return
}

func (dt *udpDatagramTransport) WriteResponse(res *pdu) (err error) {
	adu := assembleADU(0, res)
	_, err = dt.sock.WriteTo(adu[:len(adu)-2], dt.peerAddr)

	return
}

// decodeUDPDatagram parses a single UDP datagram's bytes as an MBAP
// frame; unlike the TCP path there is no stream to read incrementally
// from, so the entire datagram must already be in memory.
func decodeUDPDatagram(buf []byte) (p *pdu, err error) {
	if len(buf) < mbapHeaderLen+2 {
		err = ErrUnexpectedParams
		return
	}

	protocolID := wordAt(buf[2:4])
	if protocolID != 0x0000 {
		err = ErrUnexpectedParams
		return
	}

	length := int(wordAt(buf[4:6]))
	if length < 2 || mbapHeaderLen+1+length-1 > len(buf) {
		err = ErrUnexpectedParams
		return
	}

	unitID := buf[6]
	pduBytes := buf[7 : mbapHeaderLen+1+length-1]

	p = &pdu{
		unitID:       unitID,
		functionCode: pduBytes[0],
		payload:      pduBytes[1:],
	}

	return
}
