package config

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/nexus-edge/acquisition-gateway/internal/domain"
)

const devicesYAML = `
version: "1.0"
devices:
  - id: meter-1
    name: Main meter
    connection:
      host: 10.0.0.5
      port: 502
      unit_id: 1
      timeout: 500ms
    variables:
      - id: voltage
        function_code: holding_register
        offset: 5
        type: uint16
        sample_time: 4
      - id: energy
        function_code: "4"
        offset: 100
        type: float32
        word_order: SWAPPED
      - id: pump
        function_code: coil
        offset: 2
        type: bool
  - id: drive-7
    link: tcp_gateway
    active: false
    connection:
      host: 10.0.0.9
      port: 502
      unit_id: 7
    variables:
      - id: serial
        function_code: 3
        offset: 0
        length: 4
        type: byte_array
`

func TestParseDevices(t *testing.T) {
	devices, err := ParseDevices([]byte(devicesYAML), 2*time.Second)
	if err != nil {
		t.Fatalf("ParseDevices() error: %v", err)
	}
	if len(devices) != 2 {
		t.Fatalf("devices = %d, want 2", len(devices))
	}

	meter := devices[0]
	if !meter.Active || meter.LinkKind != domain.LinkKindTCP {
		t.Errorf("meter active/link = %v/%q", meter.Active, meter.LinkKind)
	}
	if meter.Connection.Timeout != 500*time.Millisecond {
		t.Errorf("meter timeout = %v", meter.Connection.Timeout)
	}
	v := meter.Variables[0]
	if v.FunctionCode != domain.FuncReadHoldingRegisters || v.SampleTime != 4 || v.Length != 1 {
		t.Errorf("voltage = %+v", v)
	}
	e := meter.Variables[1]
	if e.FunctionCode != domain.FuncReadInputRegisters || e.WordOrder != domain.WordOrderSwapped || e.Length != 2 || e.SampleTime != 1 {
		t.Errorf("energy = %+v", e)
	}
	if meter.Variables[2].FunctionCode != domain.FuncReadCoils {
		t.Errorf("pump function code = %v", meter.Variables[2].FunctionCode)
	}

	drive := devices[1]
	if drive.Active || drive.LinkKind != domain.LinkKindGateway || drive.Connection.UnitID != 7 {
		t.Errorf("drive = %+v", drive)
	}
	if drive.Connection.Timeout != 2*time.Second {
		t.Errorf("drive timeout = %v, want default", drive.Connection.Timeout)
	}
}

func TestParseDevices_Errors(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		wantErr error
	}{
		{
			name: "write function code",
			doc: `devices: [{id: d, connection: {host: h, port: 502},
  variables: [{id: v, function_code: "16", offset: 0, type: uint16}]}]`,
			wantErr: domain.ErrInvalidFunctionCode,
		},
		{
			name: "unknown area",
			doc: `devices: [{id: d, connection: {host: h, port: 502},
  variables: [{id: v, function_code: register, offset: 0, type: uint16}]}]`,
			wantErr: domain.ErrInvalidFunctionCode,
		},
		{
			name:    "unit id range",
			doc:     `devices: [{id: d, connection: {host: h, port: 502, unit_id: 300}}]`,
			wantErr: domain.ErrInvalidUnitID,
		},
		{
			name: "offset range",
			doc: `devices: [{id: d, connection: {host: h, port: 502},
  variables: [{id: v, function_code: "3", offset: 70000, type: uint16}]}]`,
			wantErr: domain.ErrInvalidAddress,
		},
		{
			name:    "missing host",
			doc:     `devices: [{id: d, connection: {port: 502}}]`,
			wantErr: domain.ErrHostRequired,
		},
		{
			name: "bad value type",
			doc: `devices: [{id: d, connection: {host: h, port: 502},
  variables: [{id: v, function_code: "3", offset: 0, type: uint64}]}]`,
			wantErr: domain.ErrInvalidValueType,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseDevices([]byte(tt.doc), time.Second)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("ParseDevices() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseDevices_DuplicateID(t *testing.T) {
	doc := `devices:
  - {id: d, connection: {host: a, port: 502}}
  - {id: d, connection: {host: b, port: 502}}
`
	if _, err := ParseDevices([]byte(doc), time.Second); err == nil {
		t.Fatal("duplicate device IDs must be rejected")
	}
}

func TestParseDevices_InvalidTimeout(t *testing.T) {
	doc := `devices: [{id: d, connection: {host: h, port: 502, timeout: soon}}]`
	if _, err := ParseDevices([]byte(doc), time.Second); err == nil {
		t.Fatal("invalid timeout must be rejected")
	}
}

func TestSaveDevices_RoundTrip(t *testing.T) {
	devices, err := ParseDevices([]byte(devicesYAML), 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "devices.yaml")
	if err := SaveDevices(path, devices); err != nil {
		t.Fatalf("SaveDevices() error: %v", err)
	}

	loaded, err := LoadDevices(path, time.Minute)
	if err != nil {
		t.Fatalf("LoadDevices() error: %v", err)
	}
	if len(loaded) != len(devices) {
		t.Fatalf("loaded %d devices, want %d", len(loaded), len(devices))
	}
	for i := range devices {
		a, b := devices[i], loaded[i]
		if a.ID != b.ID || a.Active != b.Active || a.Connection != b.Connection || len(a.Variables) != len(b.Variables) {
			t.Errorf("device %d: saved %+v, loaded %+v", i, a, b)
		}
		for j := range a.Variables {
			if a.Variables[j] != b.Variables[j] {
				t.Errorf("variable %s: saved %+v, loaded %+v", a.Variables[j].ID, a.Variables[j], b.Variables[j])
			}
		}
	}
}

func TestLoadDevices_MissingFile(t *testing.T) {
	if _, err := LoadDevices(filepath.Join(t.TempDir(), "none.yaml"), time.Second); err == nil {
		t.Fatal("missing file must fail")
	}
}
