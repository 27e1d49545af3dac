// Package modbus provides types and utilities for Modbus TCP communication.
package modbus

import (
	"sync/atomic"
	"time"

	"github.com/nexus-edge/acquisition-gateway/internal/domain"
)

// Protocol limits per request (Modbus application protocol v1.1b3).
const (
	MaxRegistersPerRequest = 125
	MaxBitsPerRequest      = 2000
)

// GroupConfig configures how variables are packed into wire requests.
type GroupConfig struct {
	// MaxRegistersPerRequest caps register reads (function codes 3 and 4)
	MaxRegistersPerRequest uint16

	// MaxBitsPerRequest caps bit reads (function codes 1 and 2)
	MaxBitsPerRequest uint16

	// MaxGap is the largest address gap still merged into one request.
	// 0 merges only contiguous or overlapping variables; a value of at least
	// the request maximum always merges within the maximum length.
	MaxGap uint16
}

// DefaultGroupConfig returns the protocol maximums with contiguous-only merging.
func DefaultGroupConfig() GroupConfig {
	return GroupConfig{
		MaxRegistersPerRequest: MaxRegistersPerRequest,
		MaxBitsPerRequest:      MaxBitsPerRequest,
		MaxGap:                 0,
	}
}

func (c GroupConfig) withDefaults() GroupConfig {
	if c.MaxRegistersPerRequest == 0 {
		c.MaxRegistersPerRequest = MaxRegistersPerRequest
	}
	if c.MaxBitsPerRequest == 0 {
		c.MaxBitsPerRequest = MaxBitsPerRequest
	}
	return c
}

// maxFor returns the maximum request length for a function code.
func (c GroupConfig) maxFor(fc domain.FunctionCode) int {
	if fc.IsBitAccess() {
		return int(c.MaxBitsPerRequest)
	}
	return int(c.MaxRegistersPerRequest)
}

// DriverConfig holds configuration for a link driver.
type DriverConfig struct {
	// Address is the host:port of the device or gateway
	Address string

	// UnitID is the Modbus unit/slave ID placed in every MBAP header
	UnitID byte

	// Timeout bounds each connect attempt and each wire call
	Timeout time.Duration
}

// DriverStats tracks link driver counters.
type DriverStats struct {
	Requests     atomic.Uint64
	Errors       atomic.Uint64
	Timeouts     atomic.Uint64
	Connects     atomic.Uint64
	Reconnects   atomic.Uint64
	TotalWireNs  atomic.Int64
	RejectedBusy atomic.Uint64
}

// DriverStatsSnapshot is a point-in-time copy of DriverStats.
type DriverStatsSnapshot struct {
	Requests     uint64
	Errors       uint64
	Timeouts     uint64
	Connects     uint64
	Reconnects   uint64
	RejectedBusy uint64
	AvgWireMs    float64
}

// VariableDiagnostic tracks per-variable decode success and errors.
type VariableDiagnostic struct {
	VariableID      string
	ReadCount       atomic.Uint64
	ErrorCount      atomic.Uint64
	LastError       atomic.Value // stores error
	LastErrorTime   atomic.Value // stores time.Time
	LastSuccessTime atomic.Value // stores time.Time
}

// DeviceStatusInfo holds the current status of a device.
type DeviceStatusInfo struct {
	DeviceID     string              `json:"device_id"`
	Name         string              `json:"name,omitempty"`
	LinkKey      string              `json:"link_key"`
	LinkKind     domain.LinkKind     `json:"link_kind"`
	Status       domain.DeviceStatus `json:"status"`
	Active       bool                `json:"active"`
	Connected    bool                `json:"connected"`
	Variables    int                 `json:"variables"`
	Requests     int                 `json:"requests"`
	LastTick     uint64              `json:"last_tick"`
	LastRefresh  time.Time           `json:"last_refresh,omitempty"`
	LastError    string              `json:"last_error,omitempty"`
	RefreshCount uint64              `json:"refresh_count"`
	ErrorCount   uint64              `json:"error_count"`
	Driver       DriverStatsSnapshot `json:"driver"`
}
