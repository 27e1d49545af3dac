// Package domain contains core business entities.
package domain

import (
	"fmt"
	"strconv"
)

// ValueType represents how the raw registers or bits of a variable are interpreted.
type ValueType string

const (
	ValueTypeBool      ValueType = "bool"
	ValueTypeInt16     ValueType = "int16"
	ValueTypeUInt16    ValueType = "uint16"
	ValueTypeInt32     ValueType = "int32"
	ValueTypeUInt32    ValueType = "uint32"
	ValueTypeFloat32   ValueType = "float32"
	ValueTypeFloat64   ValueType = "float64"
	ValueTypeByteArray ValueType = "byte_array"
)

// Valid reports whether v is one of the supported value types.
func (v ValueType) Valid() bool {
	switch v {
	case ValueTypeBool, ValueTypeInt16, ValueTypeUInt16, ValueTypeInt32,
		ValueTypeUInt32, ValueTypeFloat32, ValueTypeFloat64, ValueTypeByteArray:
		return true
	}
	return false
}

// RegisterCount returns the number of 16-bit registers (or bits, for bool) the
// type occupies. Byte arrays have no fixed size and report 0.
func (v ValueType) RegisterCount() uint16 {
	switch v {
	case ValueTypeBool, ValueTypeInt16, ValueTypeUInt16:
		return 1
	case ValueTypeInt32, ValueTypeUInt32, ValueTypeFloat32:
		return 2
	case ValueTypeFloat64:
		return 4
	default:
		return 0
	}
}

// WordOrder represents the order of 16-bit words in a multi-register value.
type WordOrder string

const (
	WordOrderNormal  WordOrder = "normal"  // high word first
	WordOrderSwapped WordOrder = "swapped" // low word first
)

// FunctionCode is a Modbus PDU function code.
type FunctionCode uint8

const (
	FuncReadCoils              FunctionCode = 1
	FuncReadDiscreteInputs     FunctionCode = 2
	FuncReadHoldingRegisters   FunctionCode = 3
	FuncReadInputRegisters     FunctionCode = 4
	FuncWriteSingleCoil        FunctionCode = 5
	FuncWriteSingleRegister    FunctionCode = 6
	FuncWriteMultipleCoils     FunctionCode = 15
	FuncWriteMultipleRegisters FunctionCode = 16
)

// Valid reports whether the function code is one the gateway can execute.
func (f FunctionCode) Valid() bool {
	return f.IsRead() || f.IsWrite()
}

// IsRead returns true for function codes 1-4.
func (f FunctionCode) IsRead() bool {
	return f >= FuncReadCoils && f <= FuncReadInputRegisters
}

// IsWrite returns true for function codes 5, 6, 15 and 16.
func (f FunctionCode) IsWrite() bool {
	switch f {
	case FuncWriteSingleCoil, FuncWriteSingleRegister, FuncWriteMultipleCoils, FuncWriteMultipleRegisters:
		return true
	}
	return false
}

// IsBitAccess returns true when the function code addresses single bits
// (coils or discrete inputs) instead of 16-bit registers.
func (f FunctionCode) IsBitAccess() bool {
	switch f {
	case FuncReadCoils, FuncReadDiscreteInputs, FuncWriteSingleCoil, FuncWriteMultipleCoils:
		return true
	}
	return false
}

// WriteCode returns the write function code matching a read function code for a
// write of the given quantity. Only coils and holding registers are writable.
func (f FunctionCode) WriteCode(quantity uint16) (FunctionCode, error) {
	switch f {
	case FuncReadCoils:
		if quantity == 1 {
			return FuncWriteSingleCoil, nil
		}
		return FuncWriteMultipleCoils, nil
	case FuncReadHoldingRegisters:
		if quantity == 1 {
			return FuncWriteSingleRegister, nil
		}
		return FuncWriteMultipleRegisters, nil
	default:
		return 0, fmt.Errorf("%w: function code %d", ErrVariableNotWritable, f)
	}
}

func (f FunctionCode) String() string {
	switch f {
	case FuncReadCoils:
		return "read_coils"
	case FuncReadDiscreteInputs:
		return "read_discrete_inputs"
	case FuncReadHoldingRegisters:
		return "read_holding_registers"
	case FuncReadInputRegisters:
		return "read_input_registers"
	case FuncWriteSingleCoil:
		return "write_single_coil"
	case FuncWriteSingleRegister:
		return "write_single_register"
	case FuncWriteMultipleCoils:
		return "write_multiple_coils"
	case FuncWriteMultipleRegisters:
		return "write_multiple_registers"
	default:
		return "fc_" + strconv.Itoa(int(f))
	}
}

// Variable is a single typed value read from a device on a fixed tick schedule.
type Variable struct {
	// ID is the unique identifier of the variable within its device
	ID string `json:"id" yaml:"id"`

	// Name is a human-readable name for the variable
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// Unit is the engineering unit (e.g., "V", "kWh")
	Unit string `json:"unit,omitempty" yaml:"unit,omitempty"`

	// FunctionCode is the Modbus read function code (1-4)
	FunctionCode FunctionCode `json:"function_code" yaml:"function_code"`

	// Offset is the 0-based register or bit address
	Offset uint16 `json:"offset" yaml:"offset"`

	// Length is the register count (bit count for coils and discrete inputs)
	Length uint16 `json:"length,omitempty" yaml:"length,omitempty"`

	// SampleTime is the polling period in sampler ticks
	SampleTime int `json:"sample_time" yaml:"sample_time"`

	// ValueType specifies how to interpret the raw data
	ValueType ValueType `json:"value_type" yaml:"value_type"`

	// WordOrder specifies the word order for multi-register values
	WordOrder WordOrder `json:"word_order,omitempty" yaml:"word_order,omitempty"`

	// LastValue is the most recently decoded value
	LastValue interface{} `json:"last_value,omitempty" yaml:"-"`

	// LastValueTick is the tick on which LastValue was read
	LastValueTick uint64 `json:"last_value_tick,omitempty" yaml:"-"`
}

// Validate checks the variable and fills in defaults for Length and WordOrder.
func (v *Variable) Validate() error {
	if v.ID == "" {
		return ErrVariableIDRequired
	}
	if !v.FunctionCode.IsRead() {
		return fmt.Errorf("%w: %d for variable %s", ErrInvalidFunctionCode, v.FunctionCode, v.ID)
	}
	if v.SampleTime < 1 {
		return fmt.Errorf("%w: variable %s", ErrInvalidSampleTime, v.ID)
	}
	if !v.ValueType.Valid() {
		return fmt.Errorf("%w: %q for variable %s", ErrInvalidValueType, v.ValueType, v.ID)
	}

	switch v.WordOrder {
	case "":
		v.WordOrder = WordOrderNormal
	case WordOrderNormal, WordOrderSwapped:
	default:
		return fmt.Errorf("%w: %q for variable %s", ErrInvalidWordOrder, v.WordOrder, v.ID)
	}

	// Bit function codes carry only booleans; register function codes never do.
	if v.FunctionCode.IsBitAccess() != (v.ValueType == ValueTypeBool) {
		return fmt.Errorf("%w: %s is not readable with %s (variable %s)",
			ErrInvalidValueType, v.ValueType, v.FunctionCode, v.ID)
	}

	expected := v.ValueType.RegisterCount()
	if v.Length == 0 {
		if expected == 0 {
			return fmt.Errorf("%w: byte array variable %s needs an explicit length", ErrInvalidLength, v.ID)
		}
		v.Length = expected
	} else if v.Length < expected {
		return fmt.Errorf("%w: length %d is insufficient for %s (needs %d, variable %s)",
			ErrInvalidLength, v.Length, v.ValueType, expected, v.ID)
	}
	if v.ValueType == ValueTypeBool && v.Length != 1 {
		return fmt.Errorf("%w: bool variable %s must have length 1", ErrInvalidLength, v.ID)
	}

	if int(v.Offset)+int(v.Length) > 65536 {
		return fmt.Errorf("%w: offset %d + length %d for variable %s", ErrInvalidAddress, v.Offset, v.Length, v.ID)
	}
	return nil
}

// End returns the first address after the variable.
func (v *Variable) End() int {
	return int(v.Offset) + int(v.Length)
}

// IsDue reports whether the variable should be read on the given tick.
func (v *Variable) IsDue(tick uint64) bool {
	return IsDue(tick, v.SampleTime)
}

// IsWritable returns true if the variable lives in a writable Modbus table.
// Coils and holding registers are writable.
func (v *Variable) IsWritable() bool {
	return v.FunctionCode == FuncReadCoils || v.FunctionCode == FuncReadHoldingRegisters
}

// Clone returns a copy of the variable that does not share its last value buffer.
func (v *Variable) Clone() Variable {
	c := *v
	if b, ok := v.LastValue.([]byte); ok {
		c.LastValue = append([]byte(nil), b...)
	}
	return c
}

// IsDue implements the tick-divisibility rule: a sample time S is due on tick T
// iff T mod S == 0. Non-positive sample times are never due.
func IsDue(tick uint64, sampleTime int) bool {
	if sampleTime < 1 {
		return false
	}
	return tick%uint64(sampleTime) == 0
}
