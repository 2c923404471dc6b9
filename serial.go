package modbus

import (
	"time"

	"go.bug.st/serial"
)

// Parity selects the parity bit mode used by an RTU serial connection.
type Parity uint

const (
	PARITY_NONE Parity = 0
	PARITY_ODD  Parity = 1
	PARITY_EVEN Parity = 2
	PARITY_MARK Parity = 3
	PARITY_SPACE Parity = 4
)

// StopBits selects the number of stop bits used by an RTU serial
// connection.
type StopBits uint

const (
	STOPBITS_ONE          StopBits = 0
	STOPBITS_ONE_POINT_FIVE StopBits = 1
	STOPBITS_TWO          StopBits = 2
)

func (p Parity) toSerialParity() serial.Parity {
	switch p {
	case PARITY_ODD:
		return serial.OddParity
	case PARITY_EVEN:
		return serial.EvenParity
	case PARITY_MARK:
		return serial.MarkParity
	case PARITY_SPACE:
		return serial.SpaceParity
	default:
		return serial.NoParity
	}
}

func (s StopBits) toSerialStopBits() serial.StopBits {
	switch s {
	case STOPBITS_ONE_POINT_FIVE:
		return serial.OnePointFiveStopBits
	case STOPBITS_TWO:
		return serial.TwoStopBits
	default:
		return serial.OneStopBit
	}
}

// serialPortConfig carries the parameters used to open a serial port.
type serialPortConfig struct {
	Device   string
	Speed    uint
	DataBits uint
	Parity   Parity
	StopBits StopBits
}

// serialPortWrapper wraps a go.bug.st/serial.Port to satisfy the
// rtuLink interface and to add Read() deadline support, which the
// underlying library does not offer directly.
type serialPortWrapper struct {
	conf     *serialPortConfig
	port     serial.Port
	deadline time.Time
}

func newSerialPortWrapper(conf *serialPortConfig) (spw *serialPortWrapper) {
	spw = &serialPortWrapper{
		conf: conf,
	}

	return
}

// Open opens the underlying serial port with a short internal read
// timeout; the effective per-call deadline is enforced by Read.
func (spw *serialPortWrapper) Open() (err error) {
	spw.port, err = serial.Open(spw.conf.Device, &serial.Mode{
		BaudRate: int(spw.conf.Speed),
		DataBits: int(spw.conf.DataBits),
		Parity:   spw.conf.Parity.toSerialParity(),
		StopBits: spw.conf.StopBits.toSerialStopBits(),
	})
	if err != nil {
		return
	}

	err = spw.port.SetReadTimeout(10 * time.Millisecond)

	return
}

// Close closes the serial port.
func (spw *serialPortWrapper) Close() (err error) {
	err = spw.port.Close()

	return
}

// Read polls the serial port until the configured deadline. A read
// timeout from the underlying library is masked and returned as a
// zero-byte, nil-error read so callers using io.ReadFull retry until
// the deadline set by SetDeadline actually expires.
func (spw *serialPortWrapper) Read(rxbuf []byte) (cnt int, err error) {
	if time.Now().After(spw.deadline) {
		err = ErrTimeoutExpired
		return
	}

	cnt, err = spw.port.Read(rxbuf)
	if err != nil {
		err = nil
	}

	return
}

// Write sends bytes out over the serial port.
func (spw *serialPortWrapper) Write(txbuf []byte) (cnt int, err error) {
	cnt, err = spw.port.Write(txbuf)

	return
}

// SetDeadline records the deadline consulted by Read.
func (spw *serialPortWrapper) SetDeadline(deadline time.Time) (err error) {
	spw.deadline = deadline

	return
}
