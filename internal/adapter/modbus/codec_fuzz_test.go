package modbus

import (
	"bytes"
	"errors"
	"math"
	"testing"

	"github.com/nexus-edge/acquisition-gateway/internal/domain"
)

var registerTypes = []domain.ValueType{
	domain.ValueTypeInt16,
	domain.ValueTypeUInt16,
	domain.ValueTypeInt32,
	domain.ValueTypeUInt32,
	domain.ValueTypeFloat32,
	domain.ValueTypeFloat64,
	domain.ValueTypeByteArray,
}

func fuzzWordOrder(swapped bool) domain.WordOrder {
	if swapped {
		return domain.WordOrderSwapped
	}
	return domain.WordOrderNormal
}

func isNaN(v interface{}) bool {
	switch f := v.(type) {
	case float32:
		return math.IsNaN(float64(f))
	case float64:
		return math.IsNaN(f)
	}
	return false
}

// FuzzCodecRoundTrip decodes arbitrary register bytes and checks that encoding
// the value gives back the same bytes.
func FuzzCodecRoundTrip(f *testing.F) {
	f.Add(uint8(0), false, []byte{0xFF, 0xFF})
	f.Add(uint8(2), true, []byte{0x00, 0x14, 0x00, 0x1E})
	f.Add(uint8(3), false, []byte{0xFF, 0xFF, 0xFF, 0xFF})
	f.Add(uint8(4), false, []byte{0x7F, 0x80, 0x00, 0x00}) // +Inf
	f.Add(uint8(4), true, []byte{0x00, 0x00, 0x7F, 0xC0})  // NaN, swapped
	f.Add(uint8(4), false, []byte{0x7F, 0x7F, 0xFF, 0xFF}) // max float32
	f.Add(uint8(5), true, []byte{0x40, 0x09, 0x21, 0xFB, 0x54, 0x44, 0x2D, 0x18})
	f.Add(uint8(6), false, []byte{0xDE, 0xAD, 0xBE, 0xEF, 0x00})

	f.Fuzz(func(t *testing.T, typeIdx uint8, swapped bool, raw []byte) {
		vt := registerTypes[int(typeIdx)%len(registerTypes)]
		order := fuzzWordOrder(swapped)

		length := vt.RegisterCount()
		if vt == domain.ValueTypeByteArray {
			n := len(raw) / 2
			if n > MaxRegistersPerRequest {
				n = MaxRegistersPerRequest
			}
			length = uint16(n)
		}
		if length == 0 || len(raw) < int(length)*2 {
			return
		}
		raw = raw[:int(length)*2]

		value, err := DecodeRegisters(raw, 0, vt, length, order)
		if err != nil {
			t.Fatalf("DecodeRegisters(% x, %s, %s) error: %v", raw, vt, order, err)
		}
		encoded, err := EncodeRegisters(vt, order, length, value)
		if err != nil {
			t.Fatalf("EncodeRegisters(%v, %s, %s) error: %v", value, vt, order, err)
		}

		// NaN payloads may change across float widths; the value must stay NaN.
		if isNaN(value) {
			again, err := DecodeRegisters(encoded, 0, vt, length, order)
			if err != nil || !isNaN(again) {
				t.Fatalf("NaN round trip = %v, %v", again, err)
			}
			return
		}
		if !bytes.Equal(encoded, raw) {
			t.Fatalf("round trip %s/%s: % x -> %v -> % x", vt, order, raw, value, encoded)
		}
	})
}

// FuzzDecodeRegisters feeds arbitrary buffers and offsets to the decoders.
// They must return a value or an error and never panic.
func FuzzDecodeRegisters(f *testing.F) {
	f.Add([]byte{0x00, 0x0A, 0x00, 0x14, 0x00, 0x1E}, 0, uint8(2), uint16(0), false)
	f.Add([]byte{0x01}, 7, uint8(7), uint16(1), false)
	f.Add([]byte{}, 0, uint8(6), uint16(125), true)
	f.Add([]byte{0x00, 0x01}, -1, uint8(0), uint16(0), false)
	f.Add([]byte{0x00, 0x01, 0x02, 0x03}, math.MaxInt, uint8(5), uint16(0), true)
	f.Add([]byte{0x00, 0x01, 0x02, 0x03}, math.MaxInt/2+1, uint8(3), uint16(0), false)

	types := append([]domain.ValueType{domain.ValueTypeBool, domain.ValueType("bogus")}, registerTypes...)
	codes := []domain.FunctionCode{
		domain.FuncReadCoils,
		domain.FuncReadDiscreteInputs,
		domain.FuncReadHoldingRegisters,
		domain.FuncReadInputRegisters,
	}

	f.Fuzz(func(t *testing.T, buf []byte, offset int, typeIdx uint8, length uint16, swapped bool) {
		vt := types[int(typeIdx)%len(types)]
		order := fuzzWordOrder(swapped)

		v, err := DecodeRegisters(buf, offset, vt, length, order)
		if err == nil {
			if vt == domain.ValueTypeByteArray && len(v.([]byte)) != int(length)*2 {
				t.Fatalf("byte array of %d registers decoded to %d bytes", length, len(v.([]byte)))
			}
		} else if !errors.Is(err, domain.ErrInvalidDataLength) && !errors.Is(err, domain.ErrInvalidValueType) {
			t.Fatalf("DecodeRegisters error = %v, want a codec error", err)
		}

		for _, fc := range codes {
			_, _ = Decode(fc, buf, offset, length, vt, order)
		}
		_, _ = DecodeBit(buf, offset)
	})
}
