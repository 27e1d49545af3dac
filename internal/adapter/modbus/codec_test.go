package modbus

import (
	"bytes"
	"errors"
	"math"
	"testing"

	"github.com/nexus-edge/acquisition-gateway/internal/domain"
)

func registers(values ...uint16) []byte {
	out := make([]byte, len(values)*2)
	for i, v := range values {
		out[i*2] = byte(v >> 8)
		out[i*2+1] = byte(v)
	}
	return out
}

func TestDecode_GroupScenario(t *testing.T) {
	// Response of one read [5,8): registers 10, 20, 30.
	buf := registers(10, 20, 30)

	v5, err := Decode(domain.FuncReadHoldingRegisters, buf, 0, 1, domain.ValueTypeUInt16, domain.WordOrderNormal)
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	if v5 != uint16(10) {
		t.Errorf("variable at 5 = %v, want 10", v5)
	}

	tests := []struct {
		name  string
		order domain.WordOrder
		want  int32
	}{
		{"normal order", domain.WordOrderNormal, 20*65536 + 30},
		{"swapped order", domain.WordOrderSwapped, 30*65536 + 20},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode(domain.FuncReadHoldingRegisters, buf, 1, 2, domain.ValueTypeInt32, tt.order)
			if err != nil {
				t.Fatalf("Decode() error: %v", err)
			}
			if got != tt.want {
				t.Errorf("Decode() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDecode_Float64WordOrder(t *testing.T) {
	value := 1234.5678
	bits := math.Float64bits(value)
	w := []uint16{uint16(bits >> 48), uint16(bits >> 32), uint16(bits >> 16), uint16(bits)}

	got, err := DecodeRegisters(registers(w[0], w[1], w[2], w[3]), 0, domain.ValueTypeFloat64, 4, domain.WordOrderNormal)
	if err != nil || got != value {
		t.Errorf("normal: got %v, %v, want %v", got, err, value)
	}

	got, err = DecodeRegisters(registers(w[3], w[2], w[1], w[0]), 0, domain.ValueTypeFloat64, 4, domain.WordOrderSwapped)
	if err != nil || got != value {
		t.Errorf("swapped: got %v, %v, want %v", got, err, value)
	}
}

func TestDecodeBit(t *testing.T) {
	buf := []byte{0b0000_0101, 0b1000_0000}

	tests := []struct {
		bit  int
		want bool
	}{
		{0, true}, {1, false}, {2, true}, {7, false}, {15, true}, {8, false},
	}
	for _, tt := range tests {
		got, err := DecodeBit(buf, tt.bit)
		if err != nil {
			t.Fatalf("DecodeBit(%d) error: %v", tt.bit, err)
		}
		if got != tt.want {
			t.Errorf("DecodeBit(%d) = %v, want %v", tt.bit, got, tt.want)
		}
	}

	if _, err := DecodeBit(buf, 16); !errors.Is(err, domain.ErrInvalidDataLength) {
		t.Errorf("DecodeBit out of range error = %v, want ErrInvalidDataLength", err)
	}
}

func TestDecodeRegisters_ShortBuffer(t *testing.T) {
	_, err := DecodeRegisters(registers(1), 0, domain.ValueTypeUInt32, 2, domain.WordOrderNormal)
	if !errors.Is(err, domain.ErrInvalidDataLength) {
		t.Errorf("error = %v, want ErrInvalidDataLength", err)
	}
}

func TestDecodeRegisters_ByteArrayIsCopy(t *testing.T) {
	buf := registers(0x0102, 0x0304)
	got, err := DecodeRegisters(buf, 0, domain.ValueTypeByteArray, 2, domain.WordOrderSwapped)
	if err != nil {
		t.Fatalf("error: %v", err)
	}
	b := got.([]byte)
	if !bytes.Equal(b, []byte{1, 2, 3, 4}) {
		t.Errorf("byte array = % x, word order must not apply", b)
	}
	b[0] = 0xFF
	if buf[0] != 0x01 {
		t.Error("byte array shares the response buffer")
	}
}

func TestCodec_RoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		vt    domain.ValueType
		value interface{}
	}{
		{"int16 zero", domain.ValueTypeInt16, int16(0)},
		{"int16 min", domain.ValueTypeInt16, int16(math.MinInt16)},
		{"int16 max", domain.ValueTypeInt16, int16(math.MaxInt16)},
		{"int16 minus one", domain.ValueTypeInt16, int16(-1)},
		{"uint16 zero", domain.ValueTypeUInt16, uint16(0)},
		{"uint16 max", domain.ValueTypeUInt16, uint16(math.MaxUint16)},
		{"int32 min", domain.ValueTypeInt32, int32(math.MinInt32)},
		{"int32 max", domain.ValueTypeInt32, int32(math.MaxInt32)},
		{"int32 sign boundary", domain.ValueTypeInt32, int32(-65536)},
		{"uint32 zero", domain.ValueTypeUInt32, uint32(0)},
		{"uint32 max", domain.ValueTypeUInt32, uint32(math.MaxUint32)},
		{"uint32 word boundary", domain.ValueTypeUInt32, uint32(65536)},
		{"float32", domain.ValueTypeFloat32, float32(-273.15)},
		{"float32 max", domain.ValueTypeFloat32, float32(math.MaxFloat32)},
		{"float64", domain.ValueTypeFloat64, 6.02214076e23},
		{"float64 smallest", domain.ValueTypeFloat64, math.SmallestNonzeroFloat64},
		{"byte array", domain.ValueTypeByteArray, []byte{0xDE, 0xAD, 0xBE, 0xEF, 0x00, 0x01}},
	}

	for _, order := range []domain.WordOrder{domain.WordOrderNormal, domain.WordOrderSwapped} {
		for _, tt := range tests {
			t.Run(string(order)+"/"+tt.name, func(t *testing.T) {
				var length uint16
				if b, ok := tt.value.([]byte); ok {
					length = uint16(len(b) / 2)
				}

				raw, err := EncodeRegisters(tt.vt, order, length, tt.value)
				if err != nil {
					t.Fatalf("EncodeRegisters() error: %v", err)
				}
				got, err := DecodeRegisters(raw, 0, tt.vt, length, order)
				if err != nil {
					t.Fatalf("DecodeRegisters() error: %v", err)
				}

				if b, ok := tt.value.([]byte); ok {
					if !bytes.Equal(got.([]byte), b) {
						t.Errorf("round trip = % x, want % x", got, b)
					}
					return
				}
				if got != tt.value {
					t.Errorf("round trip = %v (%T), want %v (%T)", got, got, tt.value, tt.value)
				}
			})
		}
	}
}

func TestCodec_BoolRoundTrip(t *testing.T) {
	bits := []bool{true, false, true, true, false, false, false, true, true}
	packed := EncodeBits(bits)
	if len(packed) != 2 {
		t.Fatalf("packed length = %d, want 2", len(packed))
	}
	for i, want := range bits {
		got, err := Decode(domain.FuncReadCoils, packed, i, 1, domain.ValueTypeBool, domain.WordOrderNormal)
		if err != nil {
			t.Fatalf("Decode bit %d error: %v", i, err)
		}
		if got != want {
			t.Errorf("bit %d = %v, want %v", i, got, want)
		}
	}
}

func TestEncodeRegisters_SwappedLayout(t *testing.T) {
	raw, err := EncodeRegisters(domain.ValueTypeUInt32, domain.WordOrderSwapped, 2, uint32(0x0014001E))
	if err != nil {
		t.Fatalf("error: %v", err)
	}
	// 0x0014001E = 20<<16 | 30; swapped sends the low word first.
	if !bytes.Equal(raw, registers(30, 20)) {
		t.Errorf("raw = % x, want % x", raw, registers(30, 20))
	}
}

func TestEncodeRegisters_JSONNumbers(t *testing.T) {
	tests := []struct {
		name    string
		vt      domain.ValueType
		value   interface{}
		wantErr bool
	}{
		{"integral float to int16", domain.ValueTypeInt16, float64(-12), false},
		{"fractional float to int16", domain.ValueTypeInt16, 1.5, true},
		{"int16 overflow", domain.ValueTypeInt16, 40000, true},
		{"uint16 negative", domain.ValueTypeUInt16, -1, true},
		{"uint32 from float", domain.ValueTypeUInt32, float64(4294967295), false},
		{"uint32 overflow", domain.ValueTypeUInt32, uint64(1) << 33, true},
		{"float32 from int", domain.ValueTypeFloat32, 42, false},
		{"float32 overflow", domain.ValueTypeFloat32, 1e300, true},
		{"float32 negative overflow", domain.ValueTypeFloat32, -1e39, true},
		{"float32 infinity kept", domain.ValueTypeFloat32, math.Inf(1), false},
		{"float32 NaN kept", domain.ValueTypeFloat32, math.NaN(), false},
		{"string rejected", domain.ValueTypeFloat32, "42", true},
		{"byte array wrong size", domain.ValueTypeByteArray, []byte{1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			length := tt.vt.RegisterCount()
			if tt.vt == domain.ValueTypeByteArray {
				length = 2
			}
			_, err := EncodeRegisters(tt.vt, domain.WordOrderNormal, length, tt.value)
			if (err != nil) != tt.wantErr {
				t.Fatalf("error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, domain.ErrInvalidWriteValue) {
				t.Errorf("error = %v, want ErrInvalidWriteValue", err)
			}
		})
	}
}
