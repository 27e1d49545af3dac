// Package domain contains the core business entities.
// These are transport-agnostic and shared by the Modbus adapter, the sampler
// and the downstream sinks.
package domain

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

// DeviceStatus represents the current operational status of a device.
type DeviceStatus string

const (
	DeviceStatusOnline   DeviceStatus = "online"
	DeviceStatusOffline  DeviceStatus = "offline"
	DeviceStatusInactive DeviceStatus = "inactive"
	DeviceStatusError    DeviceStatus = "error"
	DeviceStatusUnknown  DeviceStatus = "unknown"
)

// LinkKind describes how a device is reached over TCP.
type LinkKind string

const (
	// LinkKindTCP is a Modbus TCP device addressed directly.
	LinkKindTCP LinkKind = "tcp"
	// LinkKindGateway is a device behind a Modbus TCP gateway; the unit ID
	// selects the downstream device and must be set explicitly.
	LinkKindGateway LinkKind = "tcp_gateway"
)

// DefaultTimeout is the wire timeout used when a connection does not set one.
const DefaultTimeout = 2 * time.Second

// ConnectionConfig holds the parameters of the physical link to a device.
// Changing any of them replaces the device's link driver.
type ConnectionConfig struct {
	// Host is the IP address or hostname of the device or gateway
	Host string `json:"host" yaml:"host"`

	// Port is the TCP port number
	Port int `json:"port" yaml:"port"`

	// UnitID is the Modbus unit/slave identifier
	UnitID uint8 `json:"unit_id" yaml:"unit_id"`

	// Timeout bounds every connect, read and write on the link
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// Address returns the host:port dial address.
func (c ConnectionConfig) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// DeviceConfig is the in-memory descriptor of a Modbus device and its variables.
type DeviceConfig struct {
	// ID is the unique identifier for this device
	ID string `json:"id" yaml:"id"`

	// Name is a human-readable name for the device
	Name string `json:"name" yaml:"name"`

	// LinkKind selects direct TCP or gateway-relayed addressing
	LinkKind LinkKind `json:"link_kind" yaml:"link_kind"`

	// Connection holds the link parameters
	Connection ConnectionConfig `json:"connection" yaml:"connection"`

	// Active is the operator intent: whether the link should be used
	Active bool `json:"active" yaml:"active"`

	// Variables defines the values sampled from this device
	Variables []Variable `json:"variables" yaml:"variables"`
}

// Validate performs validation on the device configuration and its variables.
func (d *DeviceConfig) Validate() error {
	if d.ID == "" {
		return ErrDeviceIDRequired
	}
	if d.LinkKind == "" {
		d.LinkKind = LinkKindTCP
	}
	if err := d.Connection.validate(d.LinkKind); err != nil {
		return fmt.Errorf("device %q: %w", d.ID, err)
	}

	seen := make(map[string]struct{}, len(d.Variables))
	for i := range d.Variables {
		if err := d.Variables[i].Validate(); err != nil {
			return fmt.Errorf("invalid variable for device %q: %w", d.ID, err)
		}
		if _, dup := seen[d.Variables[i].ID]; dup {
			return fmt.Errorf("device %q: %w: %s", d.ID, ErrVariableExists, d.Variables[i].ID)
		}
		seen[d.Variables[i].ID] = struct{}{}
	}
	return nil
}

func (c *ConnectionConfig) validate(kind LinkKind) error {
	if c.Host == "" {
		return ErrHostRequired
	}
	if c.Port < 1 || c.Port > 65535 {
		return ErrInvalidPort
	}
	switch kind {
	case LinkKindTCP:
		// 0 and 255 are both common for direct TCP devices.
	case LinkKindGateway:
		if c.UnitID < 1 || c.UnitID > 247 {
			return fmt.Errorf("%w: %d (gateway devices need 1-247)", ErrInvalidUnitID, c.UnitID)
		}
	default:
		return fmt.Errorf("%w: %q", ErrInvalidLinkKind, kind)
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	return nil
}

// LinkKey identifies the physical connection. Devices sharing a link key are
// never refreshed concurrently.
func (d *DeviceConfig) LinkKey() string {
	return d.Connection.Address()
}
