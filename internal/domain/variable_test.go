package domain_test

import (
	"errors"
	"testing"

	"github.com/nexus-edge/acquisition-gateway/internal/domain"
)

func TestVariable_Validate(t *testing.T) {
	tests := []struct {
		name    string
		v       domain.Variable
		wantErr error
	}{
		{
			name: "valid holding register float",
			v: domain.Variable{
				ID: "power", FunctionCode: domain.FuncReadHoldingRegisters,
				Offset: 100, SampleTime: 1, ValueType: domain.ValueTypeFloat32,
			},
		},
		{
			name: "valid coil",
			v: domain.Variable{
				ID: "breaker", FunctionCode: domain.FuncReadCoils,
				Offset: 3, SampleTime: 5, ValueType: domain.ValueTypeBool,
			},
		},
		{
			name: "valid byte array",
			v: domain.Variable{
				ID: "serial", FunctionCode: domain.FuncReadInputRegisters,
				Length: 8, SampleTime: 60, ValueType: domain.ValueTypeByteArray,
			},
		},
		{
			name:    "missing id",
			v:       domain.Variable{FunctionCode: domain.FuncReadCoils, SampleTime: 1, ValueType: domain.ValueTypeBool},
			wantErr: domain.ErrVariableIDRequired,
		},
		{
			name:    "write function code",
			v:       domain.Variable{ID: "x", FunctionCode: domain.FuncWriteSingleRegister, SampleTime: 1, ValueType: domain.ValueTypeInt16},
			wantErr: domain.ErrInvalidFunctionCode,
		},
		{
			name:    "zero sample time",
			v:       domain.Variable{ID: "x", FunctionCode: domain.FuncReadHoldingRegisters, ValueType: domain.ValueTypeInt16},
			wantErr: domain.ErrInvalidSampleTime,
		},
		{
			name:    "unknown value type",
			v:       domain.Variable{ID: "x", FunctionCode: domain.FuncReadHoldingRegisters, SampleTime: 1, ValueType: "int64"},
			wantErr: domain.ErrInvalidValueType,
		},
		{
			name:    "bool on register function code",
			v:       domain.Variable{ID: "x", FunctionCode: domain.FuncReadHoldingRegisters, SampleTime: 1, ValueType: domain.ValueTypeBool},
			wantErr: domain.ErrInvalidValueType,
		},
		{
			name:    "number on coil function code",
			v:       domain.Variable{ID: "x", FunctionCode: domain.FuncReadCoils, SampleTime: 1, ValueType: domain.ValueTypeUInt16},
			wantErr: domain.ErrInvalidValueType,
		},
		{
			name:    "length too short",
			v:       domain.Variable{ID: "x", FunctionCode: domain.FuncReadHoldingRegisters, Length: 1, SampleTime: 1, ValueType: domain.ValueTypeInt32},
			wantErr: domain.ErrInvalidLength,
		},
		{
			name:    "byte array without length",
			v:       domain.Variable{ID: "x", FunctionCode: domain.FuncReadHoldingRegisters, SampleTime: 1, ValueType: domain.ValueTypeByteArray},
			wantErr: domain.ErrInvalidLength,
		},
		{
			name:    "address overflow",
			v:       domain.Variable{ID: "x", FunctionCode: domain.FuncReadHoldingRegisters, Offset: 65535, SampleTime: 1, ValueType: domain.ValueTypeFloat32},
			wantErr: domain.ErrInvalidAddress,
		},
		{
			name:    "invalid word order",
			v:       domain.Variable{ID: "x", FunctionCode: domain.FuncReadHoldingRegisters, SampleTime: 1, ValueType: domain.ValueTypeInt32, WordOrder: "little"},
			wantErr: domain.ErrInvalidWordOrder,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.v.Validate()
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("Validate() unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestVariable_ValidateDefaults(t *testing.T) {
	v := domain.Variable{ID: "e", FunctionCode: domain.FuncReadInputRegisters, SampleTime: 1, ValueType: domain.ValueTypeFloat64}
	if err := v.Validate(); err != nil {
		t.Fatalf("Validate() error: %v", err)
	}
	if v.Length != 4 {
		t.Errorf("Length = %d, want 4", v.Length)
	}
	if v.WordOrder != domain.WordOrderNormal {
		t.Errorf("WordOrder = %q, want normal", v.WordOrder)
	}
}

func TestIsDue(t *testing.T) {
	for _, tick := range []uint64{0, 4, 8, 12, 400} {
		if !domain.IsDue(tick, 4) {
			t.Errorf("IsDue(%d, 4) = false, want true", tick)
		}
	}
	for _, tick := range []uint64{1, 2, 3, 5, 6, 7, 9, 401} {
		if domain.IsDue(tick, 4) {
			t.Errorf("IsDue(%d, 4) = true, want false", tick)
		}
	}
	if domain.IsDue(0, 0) {
		t.Error("IsDue with sample time 0 must never be due")
	}
	if !domain.IsDue(7, 1) {
		t.Error("sample time 1 must be due on every tick")
	}
}

func TestFunctionCode_WriteCode(t *testing.T) {
	tests := []struct {
		fc       domain.FunctionCode
		quantity uint16
		want     domain.FunctionCode
		wantErr  bool
	}{
		{domain.FuncReadCoils, 1, domain.FuncWriteSingleCoil, false},
		{domain.FuncReadCoils, 8, domain.FuncWriteMultipleCoils, false},
		{domain.FuncReadHoldingRegisters, 1, domain.FuncWriteSingleRegister, false},
		{domain.FuncReadHoldingRegisters, 2, domain.FuncWriteMultipleRegisters, false},
		{domain.FuncReadDiscreteInputs, 1, 0, true},
		{domain.FuncReadInputRegisters, 2, 0, true},
	}

	for _, tt := range tests {
		got, err := tt.fc.WriteCode(tt.quantity)
		if (err != nil) != tt.wantErr {
			t.Errorf("%s.WriteCode(%d) error = %v, wantErr %v", tt.fc, tt.quantity, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("%s.WriteCode(%d) = %s, want %s", tt.fc, tt.quantity, got, tt.want)
		}
	}
}

func TestVariable_CloneDoesNotShareBuffer(t *testing.T) {
	v := domain.Variable{ID: "raw", LastValue: []byte{1, 2}}
	c := v.Clone()
	c.LastValue.([]byte)[0] = 9
	if v.LastValue.([]byte)[0] != 1 {
		t.Error("Clone shares the last value buffer")
	}
}
