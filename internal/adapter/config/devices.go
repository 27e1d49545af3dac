package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/nexus-edge/acquisition-gateway/internal/domain"
	"gopkg.in/yaml.v3"
)

// DevicesFile is the top-level device descriptor file.
type DevicesFile struct {
	Version string         `yaml:"version"`
	Devices []DeviceConfig `yaml:"devices"`
}

// DeviceConfig is the YAML form of a device.
type DeviceConfig struct {
	ID         string           `yaml:"id"`
	Name       string           `yaml:"name"`
	Link       string           `yaml:"link,omitempty"`
	Active     *bool            `yaml:"active,omitempty"`
	Connection ConnectionConfig `yaml:"connection"`
	Variables  []VariableConfig `yaml:"variables"`
}

// ConnectionConfig is the YAML form of a device connection.
type ConnectionConfig struct {
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	UnitID  int    `yaml:"unit_id"`
	Timeout string `yaml:"timeout,omitempty"`
}

// VariableConfig is the YAML form of a variable.
type VariableConfig struct {
	ID           string `yaml:"id"`
	Name         string `yaml:"name,omitempty"`
	Unit         string `yaml:"unit,omitempty"`
	FunctionCode string `yaml:"function_code"`
	Offset       int    `yaml:"offset"`
	Length       int    `yaml:"length,omitempty"`
	SampleTime   int    `yaml:"sample_time,omitempty"`
	Type         string `yaml:"type"`
	WordOrder    string `yaml:"word_order,omitempty"`
}

// functionCodeNames maps the register area names accepted in addition to
// the numeric function codes.
var functionCodeNames = map[string]domain.FunctionCode{
	"coil":             domain.FuncReadCoils,
	"discrete_input":   domain.FuncReadDiscreteInputs,
	"holding_register": domain.FuncReadHoldingRegisters,
	"input_register":   domain.FuncReadInputRegisters,
}

// LoadDevices reads the device descriptor file at path. Devices without a
// timeout get defaultTimeout; devices without an active flag are active.
func LoadDevices(path string, defaultTimeout time.Duration) ([]domain.DeviceConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read devices file: %w", err)
	}
	return ParseDevices(data, defaultTimeout)
}

// ParseDevices decodes and validates a device descriptor document.
func ParseDevices(data []byte, defaultTimeout time.Duration) ([]domain.DeviceConfig, error) {
	var file DevicesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse devices file: %w", err)
	}

	seenIDs := make(map[string]int)
	devices := make([]domain.DeviceConfig, 0, len(file.Devices))
	for idx, dc := range file.Devices {
		if prevIdx, exists := seenIDs[dc.ID]; exists {
			return nil, fmt.Errorf("duplicate device ID '%s' at index %d (first seen at index %d)", dc.ID, idx, prevIdx)
		}
		seenIDs[dc.ID] = idx

		device, err := convertDeviceConfig(dc, defaultTimeout)
		if err != nil {
			return nil, fmt.Errorf("error in device %s: %w", dc.ID, err)
		}
		devices = append(devices, device)
	}
	return devices, nil
}

func convertDeviceConfig(dc DeviceConfig, defaultTimeout time.Duration) (domain.DeviceConfig, error) {
	timeout := defaultTimeout
	if dc.Connection.Timeout != "" {
		var err error
		timeout, err = time.ParseDuration(dc.Connection.Timeout)
		if err != nil {
			return domain.DeviceConfig{}, fmt.Errorf("invalid timeout: %w", err)
		}
	}
	if dc.Connection.UnitID < 0 || dc.Connection.UnitID > 255 {
		return domain.DeviceConfig{}, fmt.Errorf("%w: %d", domain.ErrInvalidUnitID, dc.Connection.UnitID)
	}

	variables := make([]domain.Variable, 0, len(dc.Variables))
	for _, vc := range dc.Variables {
		v, err := convertVariableConfig(vc)
		if err != nil {
			return domain.DeviceConfig{}, fmt.Errorf("error in variable %s: %w", vc.ID, err)
		}
		variables = append(variables, v)
	}

	active := true
	if dc.Active != nil {
		active = *dc.Active
	}

	device := domain.DeviceConfig{
		ID:       dc.ID,
		Name:     dc.Name,
		LinkKind: domain.LinkKind(dc.Link),
		Active:   active,
		Connection: domain.ConnectionConfig{
			Host:    dc.Connection.Host,
			Port:    dc.Connection.Port,
			UnitID:  uint8(dc.Connection.UnitID),
			Timeout: timeout,
		},
		Variables: variables,
	}
	if err := device.Validate(); err != nil {
		return domain.DeviceConfig{}, err
	}
	return device, nil
}

func convertVariableConfig(vc VariableConfig) (domain.Variable, error) {
	fc, err := parseFunctionCode(vc.FunctionCode)
	if err != nil {
		return domain.Variable{}, err
	}
	if vc.Offset < 0 || vc.Offset > 65535 {
		return domain.Variable{}, fmt.Errorf("%w: offset %d", domain.ErrInvalidAddress, vc.Offset)
	}
	if vc.Length < 0 || vc.Length > 65535 {
		return domain.Variable{}, fmt.Errorf("%w: %d", domain.ErrInvalidLength, vc.Length)
	}

	sampleTime := vc.SampleTime
	if sampleTime == 0 {
		sampleTime = 1
	}

	return domain.Variable{
		ID:           vc.ID,
		Name:         vc.Name,
		Unit:         vc.Unit,
		FunctionCode: fc,
		Offset:       uint16(vc.Offset),
		Length:       uint16(vc.Length),
		SampleTime:   sampleTime,
		ValueType:    domain.ValueType(strings.ToLower(vc.Type)),
		WordOrder:    domain.WordOrder(strings.ToLower(vc.WordOrder)),
	}, nil
}

// parseFunctionCode accepts a read function code number or a register area name.
func parseFunctionCode(s string) (domain.FunctionCode, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if fc, ok := functionCodeNames[s]; ok {
		return fc, nil
	}
	var n int
	if _, err := fmt.Sscanf(s, "%d", &n); err == nil && n > 0 && n < 256 {
		fc := domain.FunctionCode(n)
		if fc.IsRead() {
			return fc, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", domain.ErrInvalidFunctionCode, s)
}

// SaveDevices writes device configurations to a YAML file.
func SaveDevices(path string, devices []domain.DeviceConfig) error {
	file := DevicesFile{Version: "1.0", Devices: make([]DeviceConfig, 0, len(devices))}
	for _, d := range devices {
		file.Devices = append(file.Devices, convertToDeviceConfig(d))
	}

	data, err := yaml.Marshal(&file)
	if err != nil {
		return fmt.Errorf("failed to marshal devices: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write devices file: %w", err)
	}
	return nil
}

func convertToDeviceConfig(d domain.DeviceConfig) DeviceConfig {
	active := d.Active
	out := DeviceConfig{
		ID:     d.ID,
		Name:   d.Name,
		Link:   string(d.LinkKind),
		Active: &active,
		Connection: ConnectionConfig{
			Host:   d.Connection.Host,
			Port:   d.Connection.Port,
			UnitID: int(d.Connection.UnitID),
		},
		Variables: make([]VariableConfig, 0, len(d.Variables)),
	}
	if d.Connection.Timeout > 0 {
		out.Connection.Timeout = d.Connection.Timeout.String()
	}
	for _, v := range d.Variables {
		out.Variables = append(out.Variables, VariableConfig{
			ID:           v.ID,
			Name:         v.Name,
			Unit:         v.Unit,
			FunctionCode: fmt.Sprintf("%d", v.FunctionCode),
			Offset:       int(v.Offset),
			Length:       int(v.Length),
			SampleTime:   v.SampleTime,
			Type:         string(v.ValueType),
			WordOrder:    string(v.WordOrder),
		})
	}
	return out
}
