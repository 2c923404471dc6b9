package modbus

import (
	"reflect"
	"testing"
)

func TestAsBytes(t *testing.T) {
	got := asBytes(0x022b)
	want := []byte{0x02, 0x2b}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestUint16RoundTrip(t *testing.T) {
	in := []uint16{555, 0, 100}
	b := uint16ToBytes(in)
	out := bytesToUint16(b)
	if !reflect.DeepEqual(in, out) {
		t.Errorf("expected %v, got %v", in, out)
	}
}

func TestInt16RoundTripNegative(t *testing.T) {
	in := int16(-12345)
	b := int16ToBytes(in)
	out := bytesToInt16(b)
	if out != in {
		t.Errorf("expected %d, got %d", in, out)
	}
}

func TestEncodeDecodeBoolsRoundTrip(t *testing.T) {
	in := []bool{true, false, true, true, false, false, false, true, true}
	b := encodeBools(in)
	out := decodeBools(uint16(len(in)), b)
	if !reflect.DeepEqual(in, out) {
		t.Errorf("expected %v, got %v", in, out)
	}
}

func TestEncodeBoolsNoCoilsSet(t *testing.T) {
	in := make([]bool, 8)
	b := encodeBools(in)
	want := []byte{0x00}
	if !reflect.DeepEqual(b, want) {
		t.Errorf("expected %v, got %v", want, b)
	}
}
