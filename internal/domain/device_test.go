package domain_test

import (
	"errors"
	"testing"

	"github.com/nexus-edge/acquisition-gateway/internal/domain"
)

func validDevice() domain.DeviceConfig {
	return domain.DeviceConfig{
		ID:       "meter-1",
		Name:     "Main meter",
		LinkKind: domain.LinkKindTCP,
		Connection: domain.ConnectionConfig{
			Host:   "192.168.1.10",
			Port:   502,
			UnitID: 1,
		},
		Active: true,
		Variables: []domain.Variable{
			{ID: "voltage", FunctionCode: domain.FuncReadHoldingRegisters, Offset: 0, SampleTime: 1, ValueType: domain.ValueTypeFloat32},
		},
	}
}

func TestDeviceConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*domain.DeviceConfig)
		wantErr error
	}{
		{name: "valid", modify: func(*domain.DeviceConfig) {}},
		{name: "missing id", modify: func(d *domain.DeviceConfig) { d.ID = "" }, wantErr: domain.ErrDeviceIDRequired},
		{name: "missing host", modify: func(d *domain.DeviceConfig) { d.Connection.Host = "" }, wantErr: domain.ErrHostRequired},
		{name: "bad port", modify: func(d *domain.DeviceConfig) { d.Connection.Port = 70000 }, wantErr: domain.ErrInvalidPort},
		{name: "unknown link kind", modify: func(d *domain.DeviceConfig) { d.LinkKind = "rtu" }, wantErr: domain.ErrInvalidLinkKind},
		{
			name: "gateway without unit id",
			modify: func(d *domain.DeviceConfig) {
				d.LinkKind = domain.LinkKindGateway
				d.Connection.UnitID = 0
			},
			wantErr: domain.ErrInvalidUnitID,
		},
		{
			name: "duplicate variable",
			modify: func(d *domain.DeviceConfig) {
				d.Variables = append(d.Variables, d.Variables[0])
			},
			wantErr: domain.ErrVariableExists,
		},
		{
			name: "invalid variable",
			modify: func(d *domain.DeviceConfig) {
				d.Variables[0].SampleTime = 0
			},
			wantErr: domain.ErrInvalidSampleTime,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := validDevice()
			tt.modify(&d)
			err := d.Validate()
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

func TestDeviceConfig_ValidateDefaults(t *testing.T) {
	d := validDevice()
	d.LinkKind = ""
	if err := d.Validate(); err != nil {
		t.Fatalf("Validate() error: %v", err)
	}
	if d.LinkKind != domain.LinkKindTCP {
		t.Errorf("LinkKind = %q, want tcp", d.LinkKind)
	}
	if d.Connection.Timeout != domain.DefaultTimeout {
		t.Errorf("Timeout = %v, want %v", d.Connection.Timeout, domain.DefaultTimeout)
	}
}

func TestDeviceConfig_LinkKey(t *testing.T) {
	a := validDevice()
	b := validDevice()
	b.ID = "meter-2"
	b.Connection.UnitID = 2

	if a.LinkKey() != "192.168.1.10:502" {
		t.Errorf("LinkKey() = %q", a.LinkKey())
	}
	if a.LinkKey() != b.LinkKey() {
		t.Error("devices on the same host and port must share a link key")
	}
}

func TestErrorKind(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "none"},
		{domain.ErrBusy, "busy"},
		{errors.Join(errors.New("ctx"), domain.ErrReadTimeout), "read_timeout"},
		{domain.ModbusExceptionToError(0x02), "exception"},
		{domain.ModbusExceptionToError(0x42), "exception"},
		{errors.New("boom"), "other"},
	}
	for _, tt := range tests {
		if got := domain.ErrorKind(tt.err); got != tt.want {
			t.Errorf("ErrorKind(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
