package modbus

import (
	"fmt"
	"log"
	"net"
	"strings"
	"sync"
	"time"
)

// ServerConfiguration describes how a Server listens for requests and
// which unit id it answers to.
type ServerConfiguration struct {
	URL      string
	Timeout  time.Duration // idle TCP session timeout, 0 disables the reaper
	MaxClients uint
	UnitID   uint8

	// AllowedIPs, when non-empty, restricts accepted TCP/UDP peers to
	// the listed addresses. An empty list accepts any peer.
	AllowedIPs []string

	// Speed, DataBits, Parity and StopBits configure the serial port
	// when URL uses the rtu:// scheme.
	Speed    uint
	DataBits uint
	Parity   Parity
	StopBits StopBits

	// DisableFunctionCodes lists function codes the server should
	// reject with an illegal function exception regardless of
	// whether a handler exists for them.
	DisableFunctionCodes []uint8

	Logger *log.Logger
}

// Server is a Modbus slave: it owns the four register banks directly
// and answers to a single unit id (or the broadcast address 0) over
// TCP, UDP or RTU.
type Server struct {
	conf          ServerConfiguration
	logger        *logger
	lock          sync.Mutex
	started       bool
	transportType transportType
	banks         *registerBanks
	log           *protocolLog
	disabled      map[uint8]bool

	tcpListener net.Listener
	tcpClients  []net.Conn
	udpSock     net.PacketConn
	serialLink  rtuLink

	OnCoilsChanged            func(addr uint16, qty uint16)
	OnHoldingRegistersChanged func(addr uint16, qty uint16)
	OnConnectionCountChanged  func(count int)
	OnLogDataChanged          func(req []byte, res []byte)
}

// NewServer validates conf and returns a Server ready to be Start()ed.
func NewServer(conf *ServerConfiguration) (s *Server, err error) {
	s = &Server{
		conf:     *conf,
		banks:    newRegisterBanks(),
		log:      newProtocolLog(),
		disabled: make(map[uint8]bool),
	}

	if s.conf.UnitID == 0 {
		s.conf.UnitID = 1
	}

	for _, fc := range s.conf.DisableFunctionCodes {
		s.disabled[fc] = true
	}

	switch {
	case strings.HasPrefix(s.conf.URL, "tcp://"):
		s.conf.URL = strings.TrimPrefix(s.conf.URL, "tcp://")
		s.transportType = modbusTCP

		if s.conf.MaxClients == 0 {
			s.conf.MaxClients = 10
		}

	case strings.HasPrefix(s.conf.URL, "udp://"):
		s.conf.URL = strings.TrimPrefix(s.conf.URL, "udp://")
		s.transportType = modbusUDP

	case strings.HasPrefix(s.conf.URL, "rtu://"):
		s.conf.URL = strings.TrimPrefix(s.conf.URL, "rtu://")
		s.transportType = modbusRTU

		if s.conf.Speed == 0 {
			s.conf.Speed = 9600
		}
		if s.conf.DataBits == 0 {
			s.conf.DataBits = 8
		}

	default:
		err = ErrIllegalArgument
		return
	}

	s.logger = newLogger(fmt.Sprintf("modbus-server(%s)", s.conf.URL), s.conf.Logger)

	return
}

// Start begins accepting client connections or, for RTU, listening on
// the configured serial port.
func (s *Server) Start() (err error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.started {
		return
	}

	switch s.transportType {
	case modbusTCP:
		s.tcpListener, err = net.Listen("tcp", s.conf.URL)
		if err != nil {
			return
		}
		go s.acceptTCPClients()

	case modbusUDP:
		s.udpSock, err = net.ListenPacket("udp", s.conf.URL)
		if err != nil {
			return
		}
		go s.receiveUDPDatagrams()

	case modbusRTU:
		port := newSerialPortWrapper(&serialPortConfig{
			Device:   s.conf.URL,
			Speed:    s.conf.Speed,
			DataBits: s.conf.DataBits,
			Parity:   s.conf.Parity,
			StopBits: s.conf.StopBits,
		})
		err = port.Open()
		if err != nil {
			return
		}
		s.serialLink = port
		go s.listenRTU()
	}

	s.started = true

	return
}

// Stop stops accepting new client connections and closes any active
// session.
func (s *Server) Stop() (err error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if !s.started {
		return
	}

	s.started = false

	switch s.transportType {
	case modbusTCP:
		err = s.tcpListener.Close()
		for _, sock := range s.tcpClients {
			sock.Close()
		}

	case modbusUDP:
		err = s.udpSock.Close()

	case modbusRTU:
		err = s.serialLink.Close()
	}

	return
}

// --- bank accessors: exported, lock-holding ---

// GetCoil returns the value of the coil at addr.
func (s *Server) GetCoil(addr uint16) bool {
	s.banks.coilsLock.Lock()
	defer s.banks.coilsLock.Unlock()

	return s.banks.coil(addr)
}

// SetCoil sets the value of the coil at addr.
func (s *Server) SetCoil(addr uint16, value bool) {
	s.banks.coilsLock.Lock()
	s.banks.setCoil(addr, value)
	s.banks.coilsLock.Unlock()

	if s.OnCoilsChanged != nil {
		s.OnCoilsChanged(addr+1, 1)
	}
}

// GetDiscreteInput returns the value of the discrete input at addr.
func (s *Server) GetDiscreteInput(addr uint16) bool {
	s.banks.coilsLock.Lock()
	defer s.banks.coilsLock.Unlock()

	return s.banks.discreteInput(addr)
}

// SetDiscreteInput sets the value of the discrete input at addr.
func (s *Server) SetDiscreteInput(addr uint16, value bool) {
	s.banks.coilsLock.Lock()
	defer s.banks.coilsLock.Unlock()

	s.banks.setDiscreteInput(addr, value)
}

// GetHoldingRegister returns the value of the holding register at
// addr.
func (s *Server) GetHoldingRegister(addr uint16) int16 {
	s.banks.holdingLock.Lock()
	defer s.banks.holdingLock.Unlock()

	return s.banks.holdingRegister(addr)
}

// SetHoldingRegister sets the value of the holding register at addr.
func (s *Server) SetHoldingRegister(addr uint16, value int16) {
	s.banks.holdingLock.Lock()
	s.banks.setHoldingRegister(addr, value)
	s.banks.holdingLock.Unlock()

	if s.OnHoldingRegistersChanged != nil {
		s.OnHoldingRegistersChanged(addr+1, 1)
	}
}

// GetInputRegister returns the value of the input register at addr.
func (s *Server) GetInputRegister(addr uint16) int16 {
	s.banks.holdingLock.Lock()
	defer s.banks.holdingLock.Unlock()

	return s.banks.inputRegister(addr)
}

// SetInputRegister sets the value of the input register at addr.
func (s *Server) SetInputRegister(addr uint16, value int16) {
	s.banks.holdingLock.Lock()
	defer s.banks.holdingLock.Unlock()

	s.banks.setInputRegister(addr, value)
}

// LogSnapshot returns a copy of the most recent request/response pairs
// the server has handled, oldest first, up to protocolLogCapacity.
func (s *Server) LogSnapshot() []protocolPair {
	return s.log.snapshot()
}

// --- TCP listener ---

func (s *Server) acceptTCPClients() {
	for {
		sock, err := s.tcpListener.Accept()
		if err != nil {
			if !s.started {
				return
			}
			s.logger.Warningf("failed to accept client connection: %v", err)
			continue
		}

		if !s.peerAllowed(sock.RemoteAddr()) {
			s.logger.Warningf("rejecting connection from disallowed peer %v", sock.RemoteAddr())
			sock.Close()
			continue
		}

		s.lock.Lock()
		var accepted bool
		if uint(len(s.tcpClients)) < s.conf.MaxClients {
			accepted = true
			s.tcpClients = append(s.tcpClients, sock)
		}
		count := len(s.tcpClients)
		s.lock.Unlock()

		if !accepted {
			s.logger.Warningf("max. number of concurrent connections reached, rejecting %v", sock.RemoteAddr())
			sock.Close()
			continue
		}

		if s.OnConnectionCountChanged != nil {
			s.OnConnectionCountChanged(count)
		}

		go s.handleTCPClient(sock)
	}
}

func (s *Server) handleTCPClient(sock net.Conn) {
	timeout := s.conf.Timeout
	if timeout == 0 {
		timeout = time.Duration(1<<63 - 1)
	}

	tt := newTCPTransport(sock, timeout, s.conf.Logger)

	s.handleTransport(tt, sock.RemoteAddr().String())

	s.lock.Lock()
	for i := range s.tcpClients {
		if s.tcpClients[i] == sock {
			s.tcpClients[i] = s.tcpClients[len(s.tcpClients)-1]
			s.tcpClients = s.tcpClients[:len(s.tcpClients)-1]
			break
		}
	}
	count := len(s.tcpClients)
	s.lock.Unlock()

	if s.OnConnectionCountChanged != nil {
		s.OnConnectionCountChanged(count)
	}

	sock.Close()
}

func (s *Server) peerAllowed(addr net.Addr) bool {
	if len(s.conf.AllowedIPs) == 0 {
		return true
	}

	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		host = addr.String()
	}

	for _, allowed := range s.conf.AllowedIPs {
		if allowed == host {
			return true
		}
	}

	return false
}

// --- UDP listener ---

func (s *Server) receiveUDPDatagrams() {
	buf := make([]byte, maxTCPFrameLength)

	for {
		n, peer, err := s.udpSock.ReadFrom(buf)
		if err != nil {
			if !s.started {
				return
			}
			s.logger.Warningf("failed to read datagram: %v", err)
			continue
		}

		if !s.peerAllowed(peer) {
			continue
		}

		req, err := decodeUDPDatagram(buf[:n])
		if err != nil {
			s.logger.Warningf("failed to decode datagram from %v: %v", peer, err)
			continue
		}

		dt := &udpDatagramTransport{
			sock:     s.udpSock,
			peerAddr: peer,
			pending:  req,
		}

		go s.handleTransport(dt, peer.String())
	}
}

// --- RTU listener ---

// listenRTU accumulates bytes off the serial link until a complete,
// CRC-valid frame has been seen for at least t35 with no further
// activity, then dispatches it. Unlike the master's rtuTransport, the
// slave has no function-code-driven expected length to read towards,
// since it does not know in advance which request is coming.
func (s *Server) listenRTU() {
	t35 := (serialCharTime(s.conf.Speed) * 35) / 10
	if s.conf.Speed >= 19200 {
		t35 = 1750 * time.Microsecond
	}

	rxbuf := make([]byte, 0, maxRTUFrameLength)
	scratch := make([]byte, maxRTUFrameLength)
	var lastRx time.Time

	for {
		if !s.started {
			return
		}

		s.serialLink.SetDeadline(time.Now().Add(t35))
		n, err := s.serialLink.Read(scratch)

		if n > 0 {
			rxbuf = append(rxbuf, scratch[:n]...)
			if len(rxbuf) > maxRTUFrameLength {
				rxbuf = rxbuf[:0]
			}
			lastRx = time.Now()
			continue
		}

		// t35 elapsed with no further bytes: whatever is buffered is
		// either a complete frame or garbage, either way it's time to
		// act on it.
		if (err == ErrTimeoutExpired || time.Since(lastRx) >= t35) && len(rxbuf) > 0 {
			// detectValidFrame only admits unit ids 1..247, so the CRC
			// of a broadcast (unit id 0) frame is checked here.
			valid := detectValidFrame(rxbuf)
			if !valid && len(rxbuf) >= 6 && rxbuf[0] == 0 {
				var c crc
				c.init().add(rxbuf[:len(rxbuf)-2])
				valid = c.isEqual(rxbuf[len(rxbuf)-2], rxbuf[len(rxbuf)-1])
			}
			if valid {
				s.dispatchRTUFrame(rxbuf)
			}
			rxbuf = rxbuf[:0]
		}
	}
}

func (s *Server) dispatchRTUFrame(frame []byte) {
	req := &pdu{
		unitID:       frame[0],
		functionCode: frame[1],
		payload:      frame[2 : len(frame)-2],
	}

	res := s.dispatch(req, "")
	if res == nil || req.unitID == 0 {
		return
	}

	res.unitID = req.unitID
	adu := assembleADU(0, res)[mbapHeaderLen:]
	if _, err := s.serialLink.Write(adu); err != nil {
		s.logger.Warningf("failed to write RTU response: %v", err)
	}
}

// --- request dispatch, shared by all three transports ---

func (s *Server) handleTransport(t transport, clientAddr string) {
	for {
		req, err := t.ReadRequest()
		if err != nil {
			return
		}

		res := s.dispatch(req, clientAddr)
		if res == nil {
			continue
		}

		if req.unitID == 0 {
			continue
		}

		res.unitID = req.unitID
		if err := t.WriteResponse(res); err != nil {
			s.logger.Warningf("failed to write response to %s: %v", clientAddr, err)
			return
		}
	}
}

// dispatch validates and executes a single request per the ordering:
// unit id filter, quantity range, address range, value/bytecount
// checks, then the handler itself. It returns nil for a broadcast
// request that produces no reply.
func (s *Server) dispatch(req *pdu, clientAddr string) (res *pdu) {
	if req.unitID != s.conf.UnitID && req.unitID != 0 {
		return nil
	}

	var reqBytes, resBytes []byte
	defer func() {
		if res != nil {
			resBytes = assembleADU(0, res)
			s.log.record(reqBytes, resBytes)
			if s.OnLogDataChanged != nil {
				s.OnLogDataChanged(reqBytes, resBytes)
			}
		}
	}()
	reqBytes = assembleADU(0, req)

	if s.disabled[req.functionCode] {
		return exceptionPDU(req.functionCode, exIllegalFunction)
	}

	switch req.functionCode {
	case fcReadCoils, fcReadDiscreteInputs:
		return s.dispatchReadBits(req)

	case fcReadHoldingRegisters, fcReadInputRegisters:
		return s.dispatchReadRegisters(req)

	case fcWriteSingleCoil:
		return s.dispatchWriteSingleCoil(req)

	case fcWriteSingleRegister:
		return s.dispatchWriteSingleRegister(req)

	case fcWriteMultipleCoils:
		return s.dispatchWriteMultipleCoils(req)

	case fcWriteMultipleRegisters:
		return s.dispatchWriteMultipleRegisters(req)

	case fcReadWriteMultipleRegisters:
		return s.dispatchReadWriteMultipleRegisters(req)

	default:
		return exceptionPDU(req.functionCode, exIllegalFunction)
	}
}

func (s *Server) dispatchReadBits(req *pdu) *pdu {
	addr, qty, err := decodeReadRequest(req.payload)
	if err != nil {
		return exceptionPDU(req.functionCode, exIllegalDataValue)
	}
	if qty < 1 || qty > maxBitsPerRequest {
		return exceptionPDU(req.functionCode, exIllegalDataValue)
	}
	if !addressRangeValid(addr, qty) {
		return exceptionPDU(req.functionCode, exIllegalDataAddress)
	}

	values := make([]bool, qty)

	s.banks.coilsLock.Lock()
	for i := uint16(0); i < qty; i++ {
		if req.functionCode == fcReadCoils {
			values[i] = s.banks.coil(addr + i)
		} else {
			values[i] = s.banks.discreteInput(addr + i)
		}
	}
	s.banks.coilsLock.Unlock()

	return &pdu{functionCode: req.functionCode, payload: encodeReadBitsResponse(values)}
}

func (s *Server) dispatchReadRegisters(req *pdu) *pdu {
	addr, qty, err := decodeReadRequest(req.payload)
	if err != nil {
		return exceptionPDU(req.functionCode, exIllegalDataValue)
	}
	if qty < 1 || qty > maxRegsPerRequest {
		return exceptionPDU(req.functionCode, exIllegalDataValue)
	}
	if !addressRangeValid(addr, qty) {
		return exceptionPDU(req.functionCode, exIllegalDataAddress)
	}

	values := make([]int16, qty)

	s.banks.holdingLock.Lock()
	for i := uint16(0); i < qty; i++ {
		if req.functionCode == fcReadHoldingRegisters {
			values[i] = s.banks.holdingRegister(addr + i)
		} else {
			values[i] = s.banks.inputRegister(addr + i)
		}
	}
	s.banks.holdingLock.Unlock()

	return &pdu{functionCode: req.functionCode, payload: encodeReadRegistersResponse(values)}
}

func (s *Server) dispatchWriteSingleCoil(req *pdu) *pdu {
	addr, value, err := decodeWriteSingleCoilRequest(req.payload)
	if err != nil {
		return exceptionPDU(req.functionCode, exIllegalDataValue)
	}
	if !addressRangeValid(addr, 1) {
		return exceptionPDU(req.functionCode, exIllegalDataAddress)
	}
	if value != 0x0000 && value != 0xff00 {
		return exceptionPDU(req.functionCode, exIllegalDataValue)
	}

	s.banks.coilsLock.Lock()
	s.banks.setCoil(addr, value == 0xff00)
	s.banks.coilsLock.Unlock()

	if s.OnCoilsChanged != nil {
		s.OnCoilsChanged(addr+1, 1)
	}

	return &pdu{functionCode: req.functionCode, payload: encodeWriteEchoResponse(addr, value)}
}

func (s *Server) dispatchWriteSingleRegister(req *pdu) *pdu {
	addr, value, err := decodeWriteSingleRegisterRequest(req.payload)
	if err != nil {
		return exceptionPDU(req.functionCode, exIllegalDataValue)
	}
	if !addressRangeValid(addr, 1) {
		return exceptionPDU(req.functionCode, exIllegalDataAddress)
	}

	s.banks.holdingLock.Lock()
	s.banks.setHoldingRegister(addr, value)
	s.banks.holdingLock.Unlock()

	if s.OnHoldingRegistersChanged != nil {
		s.OnHoldingRegistersChanged(addr+1, 1)
	}

	return &pdu{functionCode: req.functionCode, payload: encodeWriteEchoResponse(addr, uint16(value))}
}

func (s *Server) dispatchWriteMultipleCoils(req *pdu) *pdu {
	addr, qty, values, err := decodeWriteMultipleCoilsRequest(req.payload)
	if err != nil {
		return exceptionPDU(req.functionCode, exIllegalDataValue)
	}
	if qty < 1 || qty > maxBitsPerRequest || int(qty) != len(values) {
		return exceptionPDU(req.functionCode, exIllegalDataValue)
	}
	if !addressRangeValid(addr, qty) {
		return exceptionPDU(req.functionCode, exIllegalDataAddress)
	}

	s.banks.coilsLock.Lock()
	for i, v := range values {
		s.banks.setCoil(addr+uint16(i), v)
	}
	s.banks.coilsLock.Unlock()

	if s.OnCoilsChanged != nil {
		s.OnCoilsChanged(addr+1, qty)
	}

	return &pdu{functionCode: req.functionCode, payload: encodeWriteEchoResponse(addr, qty)}
}

func (s *Server) dispatchWriteMultipleRegisters(req *pdu) *pdu {
	addr, qty, values, err := decodeWriteMultipleRegistersRequest(req.payload)
	if err != nil {
		return exceptionPDU(req.functionCode, exIllegalDataValue)
	}
	if qty < 1 || qty > maxRegsPerRequest || int(qty) != len(values) {
		return exceptionPDU(req.functionCode, exIllegalDataValue)
	}
	if !addressRangeValid(addr, qty) {
		return exceptionPDU(req.functionCode, exIllegalDataAddress)
	}

	s.banks.holdingLock.Lock()
	for i, v := range values {
		s.banks.setHoldingRegister(addr+uint16(i), v)
	}
	s.banks.holdingLock.Unlock()

	if s.OnHoldingRegistersChanged != nil {
		s.OnHoldingRegistersChanged(addr+1, qty)
	}

	return &pdu{functionCode: req.functionCode, payload: encodeWriteEchoResponse(addr, qty)}
}

func (s *Server) dispatchReadWriteMultipleRegisters(req *pdu) *pdu {
	raddr, rqty, waddr, wqty, values, err := decodeReadWriteMultipleRegistersRequest(req.payload)
	if err != nil {
		return exceptionPDU(req.functionCode, exIllegalDataValue)
	}
	if rqty < 1 || rqty > maxRegsPerRequest {
		return exceptionPDU(req.functionCode, exIllegalDataValue)
	}
	if wqty < 1 || wqty > maxRWWriteRegisters || int(wqty) != len(values) {
		return exceptionPDU(req.functionCode, exIllegalDataValue)
	}
	if !addressRangeValid(raddr, rqty) || !addressRangeValid(waddr, wqty) {
		return exceptionPDU(req.functionCode, exIllegalDataAddress)
	}

	s.banks.holdingLock.Lock()
	for i, v := range values {
		s.banks.setHoldingRegister(waddr+uint16(i), v)
	}
	results := make([]int16, rqty)
	for i := uint16(0); i < rqty; i++ {
		results[i] = s.banks.holdingRegister(raddr + i)
	}
	s.banks.holdingLock.Unlock()

	if s.OnHoldingRegistersChanged != nil {
		s.OnHoldingRegistersChanged(waddr+1, wqty)
	}

	return &pdu{functionCode: req.functionCode, payload: encodeReadRegistersResponse(results)}
}
