// Package domain contains core business entities.
package domain

import "errors"

// Link errors. These make up the taxonomy every wire operation reports through.
var (
	ErrNotActive               = errors.New("link is not active")
	ErrBusy                    = errors.New("link is busy")
	ErrConnectTimeout          = errors.New("connect timeout")
	ErrReadTimeout             = errors.New("read timeout")
	ErrWriteTimeout            = errors.New("write timeout")
	ErrTransport               = errors.New("transport error")
	ErrUnsupportedFunctionCode = errors.New("unsupported function code")
	ErrGrouping                = errors.New("variable exceeds maximum request length")
)

// Device configuration errors.
var (
	ErrDeviceIDRequired    = errors.New("device ID is required")
	ErrHostRequired        = errors.New("host is required")
	ErrInvalidPort         = errors.New("port must be between 1 and 65535")
	ErrInvalidUnitID       = errors.New("invalid unit ID")
	ErrInvalidLinkKind     = errors.New("invalid link kind")
	ErrVariableIDRequired  = errors.New("variable ID is required")
	ErrInvalidSampleTime   = errors.New("sample time must be at least 1 tick")
	ErrInvalidFunctionCode = errors.New("invalid function code")
	ErrInvalidValueType    = errors.New("invalid value type")
	ErrInvalidWordOrder    = errors.New("invalid word order")
	ErrInvalidLength       = errors.New("invalid length")
	ErrInvalidAddress      = errors.New("invalid register address")
)

// Value errors.
var (
	ErrInvalidDataLength   = errors.New("invalid data length")
	ErrInvalidWriteValue   = errors.New("invalid value for write operation")
	ErrVariableNotWritable = errors.New("variable is not writable")
)

// Modbus-specific errors.
var (
	ErrModbusIllegalFunction        = errors.New("modbus: illegal function")
	ErrModbusIllegalAddress         = errors.New("modbus: illegal data address")
	ErrModbusIllegalValue           = errors.New("modbus: illegal data value")
	ErrModbusDeviceFailure          = errors.New("modbus: slave device failure")
	ErrModbusAcknowledge            = errors.New("modbus: acknowledge - long operation in progress")
	ErrModbusBusy                   = errors.New("modbus: slave device busy")
	ErrModbusNegativeAck            = errors.New("modbus: negative acknowledge")
	ErrModbusMemoryParityError      = errors.New("modbus: memory parity error")
	ErrModbusGatewayPathUnavailable = errors.New("modbus: gateway path unavailable")
	ErrModbusGatewayTargetFailed    = errors.New("modbus: gateway target device failed to respond")
	ErrModbusException              = errors.New("modbus: exception response")
)

// MQTT errors.
var (
	ErrMQTTConnectionFailed = errors.New("MQTT connection failed")
	ErrMQTTPublishFailed    = errors.New("MQTT publish failed")
	ErrMQTTNotConnected     = errors.New("MQTT client not connected")
	ErrMQTTSubscribeFailed  = errors.New("MQTT subscribe failed")
)

// Service errors.
var (
	ErrSamplerStopped   = errors.New("sampler is not running")
	ErrDeviceNotFound   = errors.New("device not found")
	ErrDeviceExists     = errors.New("device already exists")
	ErrVariableNotFound = errors.New("variable not found")
	ErrVariableExists   = errors.New("variable already exists")
	ErrInvalidConfig    = errors.New("invalid configuration")
	ErrCircuitOpen      = errors.New("circuit breaker is open")
)

// ModbusExceptionToError converts a Modbus exception code to a domain error.
func ModbusExceptionToError(code byte) error {
	switch code {
	case 0x01:
		return ErrModbusIllegalFunction
	case 0x02:
		return ErrModbusIllegalAddress
	case 0x03:
		return ErrModbusIllegalValue
	case 0x04:
		return ErrModbusDeviceFailure
	case 0x05:
		return ErrModbusAcknowledge
	case 0x06:
		return ErrModbusBusy
	case 0x07:
		return ErrModbusNegativeAck
	case 0x08:
		return ErrModbusMemoryParityError
	case 0x0A:
		return ErrModbusGatewayPathUnavailable
	case 0x0B:
		return ErrModbusGatewayTargetFailed
	default:
		return ErrModbusException
	}
}

// ErrorKind returns a short, stable label for err suitable for metrics and logs.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrNotActive):
		return "not_active"
	case errors.Is(err, ErrBusy):
		return "busy"
	case errors.Is(err, ErrConnectTimeout):
		return "connect_timeout"
	case errors.Is(err, ErrReadTimeout):
		return "read_timeout"
	case errors.Is(err, ErrWriteTimeout):
		return "write_timeout"
	case errors.Is(err, ErrTransport):
		return "transport"
	case errors.Is(err, ErrUnsupportedFunctionCode):
		return "unsupported_function_code"
	case errors.Is(err, ErrGrouping):
		return "grouping"
	case errors.Is(err, ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(err, ErrInvalidDataLength):
		return "decode"
	default:
		for _, exc := range []error{
			ErrModbusIllegalFunction, ErrModbusIllegalAddress, ErrModbusIllegalValue,
			ErrModbusDeviceFailure, ErrModbusAcknowledge, ErrModbusBusy,
			ErrModbusNegativeAck, ErrModbusMemoryParityError,
			ErrModbusGatewayPathUnavailable, ErrModbusGatewayTargetFailed, ErrModbusException,
		} {
			if errors.Is(err, exc) {
				return "exception"
			}
		}
		return "other"
	}
}
