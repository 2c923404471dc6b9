package modbus

import (
	"fmt"
	"io"
	"log"
	"time"
)

const (
	maxRTUFrameLength int = 256
)

// rtuLink is the byte-oriented contract a serial port (or a test
// double) must satisfy to back an rtuTransport.
type rtuLink interface {
	Close() error
	Read([]byte) (int, error)
	Write([]byte) (int, error)
	SetDeadline(time.Time) error
}

// rtuTransport drives the master side of an RTU link: it knows how
// many bytes a response should contain from the function code alone,
// so it can read a complete frame without depending on the generic
// silent-interval accumulation the slave listener uses instead.
type rtuTransport struct {
	logger       *logger
	link         rtuLink
	timeout      time.Duration
	lastActivity time.Time
	t35          time.Duration
	t1           time.Duration
}

func newRTUTransport(link rtuLink, addr string, speed uint, timeout time.Duration, customLogger *log.Logger) (rt *rtuTransport) {
	rt = &rtuTransport{
		logger:  newLogger(fmt.Sprintf("rtu-transport(%s)", addr), customLogger),
		link:    link,
		timeout: timeout,
		t1:      serialCharTime(speed),
	}

	if speed >= 19200 {
		rt.t35 = 1750 * time.Microsecond
	} else {
		rt.t35 = (serialCharTime(speed) * 35) / 10
	}

	return
}

// Close closes the underlying link.
func (rt *rtuTransport) Close() (err error) {
	err = rt.link.Close()

	return
}

// ExecuteRequest runs a single request/response exchange over the
// link. Retrying on CRC mismatch or timeout is the caller's
// responsibility (see client.go), since the number of retries is a
// per-client configuration value, not a transport concern.
func (rt *rtuTransport) ExecuteRequest(req *pdu) (res *pdu, err error) {
	var ts time.Time
	var t time.Duration
	var n int

	err = rt.link.SetDeadline(time.Now().Add(rt.timeout))
	if err != nil {
		return
	}

	t = time.Since(rt.lastActivity.Add(rt.t35))
	if t < 0 {
		time.Sleep(t * (-1))
	}

	ts = time.Now()

	frame := assembleADU(0, req)[mbapHeaderLen:]
	n, err = rt.link.Write(frame)
	if err != nil {
		return
	}

	rt.lastActivity = ts.Add(time.Duration(n) * rt.t1)
	time.Sleep(rt.lastActivity.Add(rt.t35).Sub(time.Now()))

	// A frame carrying a different unit id is not this request's
	// response: discard it and keep listening until the deadline set
	// above expires, rather than failing the request outright.
	for {
		res, err = rt.readRTUFrame()
		if err != nil {
			break
		}
		if res.unitID != req.unitID {
			rt.logger.Warningf("discarding response with unit id %d, expected %d", res.unitID, req.unitID)
			continue
		}
		break
	}

	if err == ErrCrcCheckFailed || err == ErrUnexpectedParams {
		time.Sleep(time.Duration(maxRTUFrameLength) * rt.t1)
		discardLink(rt.link)
	}

	if err != ErrTimeoutExpired {
		rt.lastActivity = time.Now()
	}

	return
}

// ReadRequest is unsupported: only the slave listener reads requests
// off an RTU link, and it does so with its own silent-interval
// accumulation loop rather than through this transport.
func (rt *rtuTransport) ReadRequest() (req *pdu, err error) {
	err = fmt.Errorf("unimplemented")

	return
}

// WriteResponse writes a response frame to the link. Used by the
// slave RTU listener once it has decoded and dispatched a request.
func (rt *rtuTransport) WriteResponse(res *pdu) (err error) {
	var n int

	frame := assembleADU(0, res)[mbapHeaderLen:]
	n, err = rt.link.Write(frame)
	if err != nil {
		return
	}

	rt.lastActivity = time.Now().Add(rt.t1 * time.Duration(n))

	return
}

// readRTUFrame reads exactly as many bytes as the function code
// promises, then validates the CRC.
func (rt *rtuTransport) readRTUFrame() (res *pdu, err error) {
	var rxbuf []byte
	var byteCount int
	var bytesNeeded int

	rxbuf = make([]byte, maxRTUFrameLength)

	byteCount, err = io.ReadFull(rt.link, rxbuf[0:3])
	if (byteCount > 0 || err == nil) && byteCount != 3 {
		err = ErrUnexpectedParams
		return
	}
	if err != nil && err != io.ErrUnexpectedEOF {
		return
	}

	bytesNeeded, err = expectedResponseLength(rxbuf[1], rxbuf[2])
	if err != nil {
		return
	}

	bytesNeeded += 2 // trailing CRC

	if byteCount+bytesNeeded > maxRTUFrameLength {
		err = ErrUnexpectedParams
		return
	}

	byteCount, err = io.ReadFull(rt.link, rxbuf[3:3+bytesNeeded])
	if err != nil && err != io.ErrUnexpectedEOF {
		return
	}
	if byteCount != bytesNeeded {
		rt.logger.Warningf("expected %v bytes, received %v", bytesNeeded, byteCount)
		err = ErrUnexpectedParams
		return
	}

	var c crc
	c.init().add(rxbuf[0 : 3+bytesNeeded-2])
	if !c.isEqual(rxbuf[3+bytesNeeded-2], rxbuf[3+bytesNeeded-1]) {
		err = ErrCrcCheckFailed
		return
	}

	res = &pdu{
		unitID:       rxbuf[0],
		functionCode: rxbuf[1],
		payload:      rxbuf[2 : 3+bytesNeeded-2],
	}

	return
}

// expectedResponseLength returns how many bytes remain to be read
// after the 3-byte header (unit id, function code, first payload
// byte) for a given response function code, excluding the trailing
// CRC.
func expectedResponseLength(responseCode uint8, responseLength uint8) (byteCount int, err error) {
	switch responseCode {
	case fcReadHoldingRegisters,
		fcReadInputRegisters,
		fcReadCoils,
		fcReadDiscreteInputs,
		fcReadWriteMultipleRegisters:
		byteCount = int(responseLength)
	case fcWriteSingleRegister,
		fcWriteMultipleRegisters,
		fcWriteSingleCoil,
		fcWriteMultipleCoils:
		byteCount = 3
	case fcReadHoldingRegisters | exceptionBit,
		fcReadInputRegisters | exceptionBit,
		fcReadCoils | exceptionBit,
		fcReadDiscreteInputs | exceptionBit,
		fcReadWriteMultipleRegisters | exceptionBit,
		fcWriteSingleRegister | exceptionBit,
		fcWriteMultipleRegisters | exceptionBit,
		fcWriteSingleCoil | exceptionBit,
		fcWriteMultipleCoils | exceptionBit:
		byteCount = 0
	default:
		err = ErrUnexpectedParams
	}

	return
}

// discardLink eats up to 1kB of whatever is sitting in the link's
// receive buffer, used to resynchronize with a device after a bad
// frame.
func discardLink(link rtuLink) {
	rxbuf := make([]byte, 1024)

	link.SetDeadline(time.Now().Add(500 * time.Microsecond))
	io.ReadFull(link, rxbuf)
}

// serialCharTime returns how long it takes to send a single RTU byte
// (1 start bit, 8 data bits, 1 parity/stop bit, 1 stop bit) on the
// wire at the given baud rate.
func serialCharTime(rateBps uint) (ct time.Duration) {
	ct = 11 * time.Second / time.Duration(rateBps)

	return
}
