package modbus

// Quantity limits enforced at encode time on the master side; the
// slave enforces the same limits against a decoded request inside its
// dispatcher (see server.go), producing an exception rather than a
// local error.
const (
	maxBitsPerRequest   = 2000
	maxRegsPerRequest   = 125
	maxRWWriteRegisters = 121
)

// mbapHeaderLen is the length, in bytes, of the transaction id,
// protocol id and length fields that precede the unit id in the MBAP
// shape.
const mbapHeaderLen = 6

// assembleADU builds a single contiguous buffer holding the MBAP
// header, the unit id, the PDU, and a two-byte CRC trailer computed
// over the unit id and PDU. TCP and UDP transports transmit
// buf[0 : len(buf)-2], dropping the CRC trailer; the RTU transport
// transmits buf[mbapHeaderLen:], dropping the MBAP header instead and
// keeping the CRC. This lets every function code share one builder
// regardless of which transport ultimately sends it.
func assembleADU(txnID uint16, p *pdu) []byte {
	adu := asBytes(txnID)
	adu = append(adu, 0x00, 0x00) // protocol identifier, always zero
	adu = append(adu, asBytes(uint16(2+len(p.payload)))...)
	adu = append(adu, p.unitID)
	adu = append(adu, p.functionCode)
	adu = append(adu, p.payload...)
	adu = append(adu, 0x00, 0x00) // CRC trailer, filled below

	sum := crc16(adu[mbapHeaderLen : len(adu)-2])
	adu[len(adu)-2] = byte(sum)
	adu[len(adu)-1] = byte(sum >> 8)

	return adu
}

// detectValidFrame reports whether buf holds a complete, well-formed
// RTU frame: at least 6 bytes, a unit id in [1, 247], and a trailing
// CRC that matches the CRC of everything preceding it. The slave's
// RTU listener uses this predicate on its accumulated bytes; the
// master's response reader (readRTUFrame) does not use it, and instead
// reads a length derived from the function code and checks the CRC
// itself.
func detectValidFrame(buf []byte) bool {
	if len(buf) < 6 {
		return false
	}

	if buf[0] < 1 || buf[0] > 247 {
		return false
	}

	var c crc
	c.init().add(buf[:len(buf)-2])

	return c.isEqual(buf[len(buf)-2], buf[len(buf)-1])
}

// --- master-side request encoders ---

func encodeReadRequest(addr uint16, qty uint16, limit uint16) ([]byte, error) {
	if qty < 1 || qty > limit {
		return nil, ErrIllegalArgument
	}

	payload := asBytes(addr)
	payload = append(payload, asBytes(qty)...)

	return payload, nil
}

func encodeWriteSingleCoilRequest(addr uint16, value bool) []byte {
	var v uint16
	if value {
		v = 0xff00
	}

	payload := asBytes(addr)
	payload = append(payload, asBytes(v)...)

	return payload
}

func encodeWriteSingleRegisterRequest(addr uint16, value int16) []byte {
	payload := asBytes(addr)
	payload = append(payload, int16ToBytes(value)...)

	return payload
}

func encodeWriteMultipleCoilsRequest(addr uint16, values []bool) ([]byte, error) {
	qty := len(values)
	if qty < 1 || qty > maxBitsPerRequest {
		return nil, ErrIllegalArgument
	}

	bits := encodeBools(values)

	payload := asBytes(addr)
	payload = append(payload, asBytes(uint16(qty))...)
	payload = append(payload, byte(len(bits)))
	payload = append(payload, bits...)

	return payload, nil
}

func encodeWriteMultipleRegistersRequest(addr uint16, values []int16) ([]byte, error) {
	qty := len(values)
	if qty < 1 || qty > maxRegsPerRequest {
		return nil, ErrIllegalArgument
	}

	regs := make([]uint16, qty)
	for i, v := range values {
		regs[i] = uint16(v)
	}
	regBytes := uint16ToBytes(regs)

	payload := asBytes(addr)
	payload = append(payload, asBytes(uint16(qty))...)
	payload = append(payload, byte(len(regBytes)))
	payload = append(payload, regBytes...)

	return payload, nil
}

func encodeReadWriteMultipleRegistersRequest(
	raddr uint16, rqty uint16, waddr uint16, values []int16,
) ([]byte, error) {
	wqty := len(values)

	if rqty < 1 || rqty > maxRegsPerRequest {
		return nil, ErrIllegalArgument
	}
	if wqty < 1 || wqty > maxRWWriteRegisters {
		return nil, ErrIllegalArgument
	}

	regs := make([]uint16, wqty)
	for i, v := range values {
		regs[i] = uint16(v)
	}
	regBytes := uint16ToBytes(regs)

	payload := asBytes(raddr)
	payload = append(payload, asBytes(rqty)...)
	payload = append(payload, asBytes(waddr)...)
	payload = append(payload, asBytes(uint16(wqty))...)
	payload = append(payload, byte(len(regBytes)))
	payload = append(payload, regBytes...)

	return payload, nil
}

// --- master-side response decoders ---

func decodeReadBitsResponse(payload []byte, qty uint16) ([]bool, error) {
	if len(payload) < 1 {
		return nil, ErrUnexpectedParams
	}

	byteCount := int(payload[0])
	if len(payload) != 1+byteCount || int(qty) > byteCount*8 {
		return nil, ErrUnexpectedParams
	}

	return decodeBools(qty, payload[1:]), nil
}

func decodeReadRegistersResponse(payload []byte, qty uint16) ([]int16, error) {
	if len(payload) < 1 {
		return nil, ErrUnexpectedParams
	}

	byteCount := int(payload[0])
	if len(payload) != 1+byteCount || byteCount != int(qty)*2 {
		return nil, ErrUnexpectedParams
	}

	words := bytesToUint16(payload[1:])
	values := make([]int16, len(words))
	for i, w := range words {
		values[i] = int16(w)
	}

	return values, nil
}

// decodeEchoResponse checks that a FC5/6/15/16 response payload has
// the four-byte address + value/quantity shape and returns the decoded
// fields. It does not compare them against the request; the caller
// does that.
func decodeEchoResponse(payload []byte) (addr uint16, value uint16, err error) {
	if len(payload) != 4 {
		err = ErrUnexpectedParams
		return
	}

	addr = wordAt(payload[0:2])
	value = wordAt(payload[2:4])

	return
}

// --- slave-side request decoders ---

func decodeReadRequest(payload []byte) (addr uint16, qty uint16, err error) {
	if len(payload) != 4 {
		err = ErrUnexpectedParams
		return
	}

	addr = wordAt(payload[0:2])
	qty = wordAt(payload[2:4])

	return
}

func decodeWriteSingleCoilRequest(payload []byte) (addr uint16, value uint16, err error) {
	if len(payload) != 4 {
		err = ErrUnexpectedParams
		return
	}

	addr = wordAt(payload[0:2])
	value = wordAt(payload[2:4])

	return
}

func decodeWriteSingleRegisterRequest(payload []byte) (addr uint16, value int16, err error) {
	if len(payload) != 4 {
		err = ErrUnexpectedParams
		return
	}

	addr = wordAt(payload[0:2])
	value = bytesToInt16(payload[2:4])

	return
}

func decodeWriteMultipleCoilsRequest(payload []byte) (addr uint16, qty uint16, values []bool, err error) {
	if len(payload) < 5 {
		err = ErrUnexpectedParams
		return
	}

	addr = wordAt(payload[0:2])
	qty = wordAt(payload[2:4])
	byteCount := int(payload[4])

	if len(payload) != 5+byteCount || int(qty) > byteCount*8 {
		err = ErrUnexpectedParams
		return
	}

	values = decodeBools(qty, payload[5:])

	return
}

func decodeWriteMultipleRegistersRequest(payload []byte) (addr uint16, qty uint16, values []int16, err error) {
	if len(payload) < 5 {
		err = ErrUnexpectedParams
		return
	}

	addr = wordAt(payload[0:2])
	qty = wordAt(payload[2:4])
	byteCount := int(payload[4])

	if len(payload) != 5+byteCount || byteCount != int(qty)*2 {
		err = ErrUnexpectedParams
		return
	}

	words := bytesToUint16(payload[5:])
	values = make([]int16, len(words))
	for i, w := range words {
		values[i] = int16(w)
	}

	return
}

func decodeReadWriteMultipleRegistersRequest(payload []byte) (
	raddr uint16, rqty uint16, waddr uint16, wqty uint16, values []int16, err error,
) {
	if len(payload) < 9 {
		err = ErrUnexpectedParams
		return
	}

	raddr = wordAt(payload[0:2])
	rqty = wordAt(payload[2:4])
	waddr = wordAt(payload[4:6])
	wqty = wordAt(payload[6:8])
	byteCount := int(payload[8])

	if len(payload) != 9+byteCount || byteCount != int(wqty)*2 {
		err = ErrUnexpectedParams
		return
	}

	words := bytesToUint16(payload[9:])
	values = make([]int16, len(words))
	for i, w := range words {
		values[i] = int16(w)
	}

	return
}

// --- slave-side response encoders ---

func encodeReadBitsResponse(values []bool) []byte {
	bits := encodeBools(values)

	payload := []byte{byte(len(bits))}
	payload = append(payload, bits...)

	return payload
}

func encodeReadRegistersResponse(values []int16) []byte {
	regs := make([]uint16, len(values))
	for i, v := range values {
		regs[i] = uint16(v)
	}
	regBytes := uint16ToBytes(regs)

	payload := []byte{byte(len(regBytes))}
	payload = append(payload, regBytes...)

	return payload
}

func encodeWriteEchoResponse(addr uint16, value uint16) []byte {
	payload := asBytes(addr)
	payload = append(payload, asBytes(value)...)

	return payload
}

// exceptionPDU builds the PDU for a Modbus exception response to the
// given request function code.
func exceptionPDU(requestFC uint8, exceptionCode uint8) *pdu {
	return &pdu{
		functionCode: requestFC | exceptionBit,
		payload:      []byte{exceptionCode},
	}
}

// isExceptionResponse reports whether a response PDU's function code
// carries the exception bit set relative to the given request function
// code, returning the exception code if so.
func isExceptionResponse(requestFC uint8, resp *pdu) (exceptionCode uint8, isException bool) {
	if resp.functionCode != requestFC|exceptionBit {
		return 0, false
	}

	if len(resp.payload) < 1 {
		return 0, false
	}

	return resp.payload[0], true
}

// addressRangeValid applies the slave-side address range check shared
// by every function code: starting_address + 1 + quantity must not
// exceed 65535.
func addressRangeValid(addr uint16, qty uint16) bool {
	return uint32(addr)+1+uint32(qty) <= 65535
}
