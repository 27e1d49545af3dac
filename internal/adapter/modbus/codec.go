// Package modbus implements the Modbus TCP polling engine: the register codec,
// the request grouper, the link driver and the device that ties them together.
package modbus

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/nexus-edge/acquisition-gateway/internal/domain"
)

// Decode extracts one typed value from a response buffer. For bit function
// codes offset is a bit index into the packed bit array; for register function
// codes it is a register index, so the value starts at byte offset*2.
func Decode(fc domain.FunctionCode, buf []byte, offset int, length uint16, vt domain.ValueType, order domain.WordOrder) (interface{}, error) {
	if fc.IsBitAccess() {
		if vt != domain.ValueTypeBool {
			return nil, fmt.Errorf("%w: %s on %s", domain.ErrInvalidValueType, vt, fc)
		}
		return DecodeBit(buf, offset)
	}
	return DecodeRegisters(buf, offset*2, vt, length, order)
}

// DecodeBit returns bit bitIndex of a Modbus packed bit array (LSB of the first
// byte is bit 0).
func DecodeBit(buf []byte, bitIndex int) (bool, error) {
	if bitIndex < 0 || bitIndex/8 >= len(buf) {
		return false, fmt.Errorf("%w: bit %d of %d bytes", domain.ErrInvalidDataLength, bitIndex, len(buf))
	}
	return buf[bitIndex/8]&(1<<(uint(bitIndex)%8)) != 0, nil
}

// DecodeRegisters interprets the registers starting at byteOffset as vt.
// length is the register count; it only matters for byte arrays.
func DecodeRegisters(buf []byte, byteOffset int, vt domain.ValueType, length uint16, order domain.WordOrder) (interface{}, error) {
	size := int(vt.RegisterCount()) * 2
	if vt == domain.ValueTypeByteArray {
		size = int(length) * 2
	}
	if size == 0 && vt != domain.ValueTypeByteArray {
		return nil, fmt.Errorf("%w: %q", domain.ErrInvalidValueType, vt)
	}
	if byteOffset < 0 || byteOffset > len(buf)-size {
		return nil, fmt.Errorf("%w: need %d bytes at %d, have %d",
			domain.ErrInvalidDataLength, size, byteOffset, len(buf))
	}

	raw := buf[byteOffset : byteOffset+size]

	switch vt {
	case domain.ValueTypeInt16:
		return int16(binary.BigEndian.Uint16(raw)), nil

	case domain.ValueTypeUInt16:
		return binary.BigEndian.Uint16(raw), nil

	case domain.ValueTypeInt32:
		return int32(binary.BigEndian.Uint32(orderWords(raw, order))), nil

	case domain.ValueTypeUInt32:
		return binary.BigEndian.Uint32(orderWords(raw, order)), nil

	case domain.ValueTypeFloat32:
		return math.Float32frombits(binary.BigEndian.Uint32(orderWords(raw, order))), nil

	case domain.ValueTypeFloat64:
		return math.Float64frombits(binary.BigEndian.Uint64(orderWords(raw, order))), nil

	case domain.ValueTypeByteArray:
		out := make([]byte, size)
		copy(out, raw)
		return out, nil

	default:
		// bool is only carried by bit function codes
		return nil, fmt.Errorf("%w: %s cannot be decoded from registers", domain.ErrInvalidValueType, vt)
	}
}

// EncodeRegisters converts value to the wire bytes of length registers.
// Fixed-size types occupy their leading registers and the rest are zero.
func EncodeRegisters(vt domain.ValueType, order domain.WordOrder, length uint16, value interface{}) ([]byte, error) {
	if length == 0 {
		length = vt.RegisterCount()
	}
	if length < vt.RegisterCount() {
		return nil, fmt.Errorf("%w: %d registers for %s", domain.ErrInvalidLength, length, vt)
	}

	out := make([]byte, int(length)*2)

	switch vt {
	case domain.ValueTypeInt16:
		v, err := toIntInRange(value, math.MinInt16, math.MaxInt16, vt)
		if err != nil {
			return nil, err
		}
		binary.BigEndian.PutUint16(out, uint16(int16(v)))

	case domain.ValueTypeUInt16:
		v, err := toIntInRange(value, 0, math.MaxUint16, vt)
		if err != nil {
			return nil, err
		}
		binary.BigEndian.PutUint16(out, uint16(v))

	case domain.ValueTypeInt32:
		v, err := toIntInRange(value, math.MinInt32, math.MaxInt32, vt)
		if err != nil {
			return nil, err
		}
		binary.BigEndian.PutUint32(out, uint32(int32(v)))
		copy(out, orderWords(out[:4], order))

	case domain.ValueTypeUInt32:
		v, err := toIntInRange(value, 0, math.MaxUint32, vt)
		if err != nil {
			return nil, err
		}
		binary.BigEndian.PutUint32(out, uint32(v))
		copy(out, orderWords(out[:4], order))

	case domain.ValueTypeFloat32:
		v, ok := toFloat64(value)
		if !ok {
			return nil, fmt.Errorf("%w: cannot convert %T to float32", domain.ErrInvalidWriteValue, value)
		}
		if !math.IsInf(v, 0) && math.Abs(v) > math.MaxFloat32 {
			return nil, fmt.Errorf("%w: %v out of range for %s", domain.ErrInvalidWriteValue, v, vt)
		}
		binary.BigEndian.PutUint32(out, math.Float32bits(float32(v)))
		copy(out, orderWords(out[:4], order))

	case domain.ValueTypeFloat64:
		v, ok := toFloat64(value)
		if !ok {
			return nil, fmt.Errorf("%w: cannot convert %T to float64", domain.ErrInvalidWriteValue, value)
		}
		binary.BigEndian.PutUint64(out, math.Float64bits(v))
		copy(out, orderWords(out[:8], order))

	case domain.ValueTypeByteArray:
		b, ok := value.([]byte)
		if !ok {
			return nil, fmt.Errorf("%w: byte array needs []byte, got %T", domain.ErrInvalidWriteValue, value)
		}
		if len(b) != len(out) {
			return nil, fmt.Errorf("%w: byte array needs %d bytes, got %d", domain.ErrInvalidWriteValue, len(out), len(b))
		}
		copy(out, b)

	default:
		return nil, fmt.Errorf("%w: %s cannot be encoded to registers", domain.ErrInvalidValueType, vt)
	}

	return out, nil
}

// EncodeBits packs bits into the Modbus bit array layout.
func EncodeBits(bits []bool) []byte {
	out := make([]byte, (len(bits)+7)/8)
	for i, b := range bits {
		if b {
			out[i/8] |= 1 << (uint(i) % 8)
		}
	}
	return out
}

// EncodeBool converts a write value to a single coil state.
func EncodeBool(value interface{}) (bool, error) {
	b, ok := toBool(value)
	if !ok {
		return false, fmt.Errorf("%w: cannot convert %T to bool", domain.ErrInvalidWriteValue, value)
	}
	return b, nil
}

// orderWords returns the registers of a multi-register value in big-endian
// word order. Swapped values arrive low word first, so the words are reversed.
// The operation is its own inverse and is used for encoding too.
func orderWords(data []byte, order domain.WordOrder) []byte {
	if order != domain.WordOrderSwapped || len(data) <= 2 {
		return data
	}
	words := len(data) / 2
	result := make([]byte, len(data))
	for i := 0; i < words; i++ {
		j := words - 1 - i
		result[i*2] = data[j*2]
		result[i*2+1] = data[j*2+1]
	}
	return result
}

// toIntInRange converts numeric input to an integer within [lo, hi]. Floats
// are accepted when they carry an integral value (JSON numbers decode as float64).
func toIntInRange(value interface{}, lo, hi int64, vt domain.ValueType) (int64, error) {
	var v int64
	switch val := value.(type) {
	case float32:
		return toIntInRange(float64(val), lo, hi, vt)
	case float64:
		if val != math.Trunc(val) || val < float64(lo) || val > float64(hi) {
			return 0, fmt.Errorf("%w: %v out of range for %s", domain.ErrInvalidWriteValue, val, vt)
		}
		return int64(val), nil
	case uint64:
		if val > uint64(hi) {
			return 0, fmt.Errorf("%w: %v out of range for %s", domain.ErrInvalidWriteValue, val, vt)
		}
		v = int64(val)
	case uint:
		return toIntInRange(uint64(val), lo, hi, vt)
	default:
		i, ok := toInt64(value)
		if !ok {
			return 0, fmt.Errorf("%w: cannot convert %T to %s", domain.ErrInvalidWriteValue, value, vt)
		}
		v = i
	}
	if v < lo || v > hi {
		return 0, fmt.Errorf("%w: %d out of range for %s", domain.ErrInvalidWriteValue, v, vt)
	}
	return v, nil
}

// toBool converts a value to bool.
func toBool(v interface{}) (bool, bool) {
	switch val := v.(type) {
	case bool:
		return val, true
	case int:
		return val != 0, true
	case int64:
		return val != 0, true
	case float64:
		return val != 0, true
	default:
		if i, ok := toInt64(v); ok {
			return i != 0, true
		}
		return false, false
	}
}

// toInt64 converts a signed or small unsigned integer to int64.
func toInt64(v interface{}) (int64, bool) {
	switch val := v.(type) {
	case int:
		return int64(val), true
	case int8:
		return int64(val), true
	case int16:
		return int64(val), true
	case int32:
		return int64(val), true
	case int64:
		return val, true
	case uint8:
		return int64(val), true
	case uint16:
		return int64(val), true
	case uint32:
		return int64(val), true
	default:
		return 0, false
	}
}

// toFloat64 converts a value to float64.
func toFloat64(v interface{}) (float64, bool) {
	switch val := v.(type) {
	case float32:
		return float64(val), true
	case float64:
		return val, true
	case uint:
		return float64(val), true
	case uint64:
		return float64(val), true
	default:
		if i, ok := toInt64(v); ok {
			return float64(i), true
		}
		return 0, false
	}
}
