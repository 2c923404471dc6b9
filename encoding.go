package modbus

import (
	"encoding/binary"
)

// asBytes packs a single 16-bit value into its big-endian wire pair,
// as used for addresses, quantities and register values.
func asBytes(in uint16) []byte {
	out := make([]byte, 2)
	binary.BigEndian.PutUint16(out, in)
	return out
}

// uint16ToBytes packs a sequence of 16-bit register values into their
// big-endian wire representation, one pair per value.
func uint16ToBytes(in []uint16) (out []byte) {
	for i := range in {
		out = append(out, asBytes(in[i])...)
	}

	return
}

// bytesToUint16 unpacks a sequence of big-endian register pairs into
// 16-bit values.
func bytesToUint16(in []byte) (out []uint16) {
	for i := 0; i < len(in); i += 2 {
		out = append(out, binary.BigEndian.Uint16(in[i:i+2]))
	}

	return
}

// int16ToBytes packs a signed register value into its big-endian wire
// pair. The bit pattern is preserved; sign only matters to the caller.
func int16ToBytes(in int16) []byte {
	return asBytes(uint16(in))
}

// bytesToInt16 unpacks a big-endian register pair into a signed 16-bit
// value, permitting negative registers as required by the wire format.
func bytesToInt16(in []byte) int16 {
	return int16(binary.BigEndian.Uint16(in))
}

// wordAt reads a single big-endian 16-bit field out of a byte slice,
// used throughout the frame codec to pull addresses and quantities
// out of request/response payloads.
func wordAt(in []byte) uint16 {
	return binary.BigEndian.Uint16(in)
}

// encodeBools packs a slice of bits into bytes, LSB-first within each
// byte, in ascending address order, as used for coil and discrete
// input responses.
func encodeBools(in []bool) (out []byte) {
	var byteCount uint
	var i uint

	byteCount = uint(len(in)) / 8
	if len(in)%8 != 0 {
		byteCount++
	}

	out = make([]byte, byteCount)
	for i = 0; i < uint(len(in)); i++ {
		if in[i] {
			out[i/8] |= 0x01 << (i % 8)
		}
	}

	return
}

// decodeBools unpacks quantity bits from in, LSB-first within each
// byte, in ascending address order.
func decodeBools(quantity uint16, in []byte) (out []bool) {
	for i := uint(0); i < uint(quantity); i++ {
		out = append(out, ((in[i/8]>>(i%8))&0x01) == 0x01)
	}

	return
}
