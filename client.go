package modbus

import (
	"fmt"
	"log"
	"net"
	"strings"
	"sync"
	"time"
)

// ClientConfiguration describes how a Client should reach its target:
// exactly one of the URL schemes below is expected.
//
//   - tcp://host:port
//   - udp://host:port
//   - rtu://device (serial port name, e.g. /dev/ttyUSB0 or COM3)
type ClientConfiguration struct {
	URL             string
	Speed           uint
	DataBits        uint
	Parity          Parity
	StopBits        StopBits
	Timeout         time.Duration
	UnitID          uint8
	NumberOfRetries uint
	Logger          *log.Logger
}

// Client is a Modbus master driving a single transport: TCP, UDP or
// RTU. Every public operation blocks until it completes or the
// configured timeout (and, for RTU, retry budget) is exhausted.
type Client struct {
	conf          ClientConfiguration
	logger        *logger
	lock          sync.Mutex
	transportType transportType
	transport     transport
	unitID        uint8
	txnID         uint16
	connected     bool
	serialConf    *serialPortConfig

	OnSendData         func([]byte)
	OnReceiveData      func([]byte)
	OnConnectedChanged func(bool)
}

// NewClient validates conf and returns a Client ready to be Open()ed.
func NewClient(conf *ClientConfiguration) (c *Client, err error) {
	c = &Client{
		conf: *conf,
	}

	if c.conf.UnitID == 0 {
		c.conf.UnitID = 1
	}
	if c.conf.Timeout == 0 {
		c.conf.Timeout = 1000 * time.Millisecond
	}
	if c.conf.NumberOfRetries == 0 {
		c.conf.NumberOfRetries = 3
	}

	switch {
	case strings.HasPrefix(c.conf.URL, "tcp://"):
		c.conf.URL = strings.TrimPrefix(c.conf.URL, "tcp://")
		c.transportType = modbusTCP

	case strings.HasPrefix(c.conf.URL, "udp://"):
		c.conf.URL = strings.TrimPrefix(c.conf.URL, "udp://")
		c.transportType = modbusUDP

	case strings.HasPrefix(c.conf.URL, "rtu://"):
		c.conf.URL = strings.TrimPrefix(c.conf.URL, "rtu://")
		c.transportType = modbusRTU

		if c.conf.Speed == 0 {
			c.conf.Speed = 9600
		}
		if c.conf.DataBits == 0 {
			c.conf.DataBits = 8
		}
		if c.conf.StopBits == 0 {
			if c.conf.Parity == PARITY_NONE {
				c.conf.StopBits = STOPBITS_TWO
			} else {
				c.conf.StopBits = STOPBITS_ONE
			}
		}

		c.serialConf = &serialPortConfig{
			Device:   c.conf.URL,
			Speed:    c.conf.Speed,
			DataBits: c.conf.DataBits,
			Parity:   c.conf.Parity,
			StopBits: c.conf.StopBits,
		}

	default:
		err = ErrIllegalArgument
		return
	}

	c.unitID = c.conf.UnitID
	c.logger = newLogger(fmt.Sprintf("modbus-client(%s)", c.conf.URL), c.conf.Logger)

	return
}

// Open connects the underlying transport: a TCP or UDP socket, or a
// serial port for RTU.
func (c *Client) Open() (err error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	switch c.transportType {
	case modbusTCP:
		var conn net.Conn
		conn, err = net.DialTimeout("tcp", c.conf.URL, c.conf.Timeout)
		if err != nil {
			err = ErrConnectionFailed
			return
		}
		c.transport = newTCPTransport(conn, c.conf.Timeout, c.conf.Logger)

	case modbusUDP:
		c.transport, err = newUDPMasterTransport(c.conf.URL, c.conf.Timeout, c.conf.Logger)
		if err != nil {
			return
		}

	case modbusRTU:
		link := newSerialPortWrapper(c.serialConf)
		err = link.Open()
		if err != nil {
			return
		}
		c.transport = newRTUTransport(link, c.conf.URL, c.conf.Speed, c.conf.Timeout, c.conf.Logger)
	}

	c.connected = true
	if c.OnConnectedChanged != nil {
		c.OnConnectedChanged(true)
	}

	return
}

// Close disconnects the underlying transport.
func (c *Client) Close() (err error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	if !c.connected {
		return
	}

	err = c.transport.Close()
	c.connected = false
	if c.OnConnectedChanged != nil {
		c.OnConnectedChanged(false)
	}

	return
}

// SetUnitID changes the unit identifier used by subsequent requests.
func (c *Client) SetUnitID(id uint8) {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.unitID = id
}

// ReadCoils reads qty coils starting at addr.
func (c *Client) ReadCoils(addr uint16, qty uint16) (values []bool, err error) {
	payload, err := encodeReadRequest(addr, qty, maxBitsPerRequest)
	if err != nil {
		return
	}

	res, err := c.transact(fcReadCoils, payload)
	if err != nil {
		return
	}

	return decodeReadBitsResponse(res.payload, qty)
}

// ReadDiscreteInputs reads qty discrete inputs starting at addr.
func (c *Client) ReadDiscreteInputs(addr uint16, qty uint16) (values []bool, err error) {
	payload, err := encodeReadRequest(addr, qty, maxBitsPerRequest)
	if err != nil {
		return
	}

	res, err := c.transact(fcReadDiscreteInputs, payload)
	if err != nil {
		return
	}

	return decodeReadBitsResponse(res.payload, qty)
}

// ReadHoldingRegisters reads qty holding registers starting at addr.
func (c *Client) ReadHoldingRegisters(addr uint16, qty uint16) (values []int16, err error) {
	payload, err := encodeReadRequest(addr, qty, maxRegsPerRequest)
	if err != nil {
		return
	}

	res, err := c.transact(fcReadHoldingRegisters, payload)
	if err != nil {
		return
	}

	return decodeReadRegistersResponse(res.payload, qty)
}

// ReadInputRegisters reads qty input registers starting at addr.
func (c *Client) ReadInputRegisters(addr uint16, qty uint16) (values []int16, err error) {
	payload, err := encodeReadRequest(addr, qty, maxRegsPerRequest)
	if err != nil {
		return
	}

	res, err := c.transact(fcReadInputRegisters, payload)
	if err != nil {
		return
	}

	return decodeReadRegistersResponse(res.payload, qty)
}

// WriteSingleCoil sets the coil at addr to value.
func (c *Client) WriteSingleCoil(addr uint16, value bool) (err error) {
	payload := encodeWriteSingleCoilRequest(addr, value)

	res, err := c.transact(fcWriteSingleCoil, payload)
	if err != nil {
		return
	}

	rAddr, rValue, err := decodeEchoResponse(res.payload)
	if err != nil {
		return
	}

	wantValue := uint16(0)
	if value {
		wantValue = 0xff00
	}
	if rAddr != addr || rValue != wantValue {
		err = ErrUnexpectedParams
	}

	return
}

// WriteSingleRegister sets the holding register at addr to value.
func (c *Client) WriteSingleRegister(addr uint16, value int16) (err error) {
	payload := encodeWriteSingleRegisterRequest(addr, value)

	res, err := c.transact(fcWriteSingleRegister, payload)
	if err != nil {
		return
	}

	rAddr, rValue, err := decodeEchoResponse(res.payload)
	if err != nil {
		return
	}
	if rAddr != addr || int16(rValue) != value {
		err = ErrUnexpectedParams
	}

	return
}

// WriteMultipleCoils sets qty consecutive coils starting at addr.
func (c *Client) WriteMultipleCoils(addr uint16, values []bool) (err error) {
	payload, err := encodeWriteMultipleCoilsRequest(addr, values)
	if err != nil {
		return
	}

	res, err := c.transact(fcWriteMultipleCoils, payload)
	if err != nil {
		return
	}

	rAddr, rQty, err := decodeEchoResponse(res.payload)
	if err != nil {
		return
	}
	if rAddr != addr || int(rQty) != len(values) {
		err = ErrUnexpectedParams
	}

	return
}

// WriteMultipleRegisters sets consecutive holding registers starting
// at addr.
func (c *Client) WriteMultipleRegisters(addr uint16, values []int16) (err error) {
	payload, err := encodeWriteMultipleRegistersRequest(addr, values)
	if err != nil {
		return
	}

	res, err := c.transact(fcWriteMultipleRegisters, payload)
	if err != nil {
		return
	}

	rAddr, rQty, err := decodeEchoResponse(res.payload)
	if err != nil {
		return
	}
	if rAddr != addr || int(rQty) != len(values) {
		err = ErrUnexpectedParams
	}

	return
}

// ReadWriteMultipleRegisters performs a single atomic write-then-read
// against holding registers (function code 23): values is written
// starting at waddr, then rqty registers starting at raddr are
// returned.
func (c *Client) ReadWriteMultipleRegisters(raddr uint16, rqty uint16, waddr uint16, values []int16) (results []int16, err error) {
	payload, err := encodeReadWriteMultipleRegistersRequest(raddr, rqty, waddr, values)
	if err != nil {
		return
	}

	res, err := c.transact(fcReadWriteMultipleRegisters, payload)
	if err != nil {
		return
	}

	return decodeReadRegistersResponse(res.payload, rqty)
}

// transact sends a request built from fc and payload and, for RTU,
// retries on CRC failure or timeout up to NumberOfRetries times.
// Matching the response's unit id against the request is the RTU
// transport's job (rtu_transport.go), since a mismatched frame is
// discarded and read past, not a failure of the whole request.
func (c *Client) transact(fc uint8, payload []byte) (res *pdu, err error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	if !c.connected {
		if c.transportType == modbusRTU {
			err = ErrSerialPortNotOpen
		} else {
			err = ErrNotConnected
		}
		return
	}

	req := &pdu{unitID: c.unitID, functionCode: fc, payload: payload}

	var retries uint
	for {
		c.txnID++

		if c.OnSendData != nil {
			c.OnSendData(assembleADU(c.txnID, req))
		}

		res, err = c.transport.ExecuteRequest(req)

		if c.transportType == modbusRTU && (err == ErrCrcCheckFailed || err == ErrTimeoutExpired) {
			if retries < c.conf.NumberOfRetries {
				retries++
				c.logger.Warningf("retrying request (attempt %d/%d) after %v", retries, c.conf.NumberOfRetries, err)
				continue
			}
		}

		break
	}

	if err != nil {
		return
	}

	if c.OnReceiveData != nil {
		c.OnReceiveData(assembleADU(c.txnID, res))
	}

	if code, isException := isExceptionResponse(fc, res); isException {
		err = mapExceptionCodeToError(code)
		return
	}

	if res.functionCode != fc {
		err = ErrUnexpectedParams
	}

	return
}
