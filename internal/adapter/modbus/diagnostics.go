package modbus

import (
	"time"

	"github.com/nexus-edge/acquisition-gateway/internal/domain"
)

// VariableDiagnostic returns diagnostic information for a specific variable.
func (d *Device) VariableDiagnostic(variableID string) *VariableDiagnostic {
	if diag, ok := d.diagnostics.Load(variableID); ok {
		return diag.(*VariableDiagnostic)
	}
	return nil
}

// AllVariableDiagnostics returns diagnostics for all variables read so far.
func (d *Device) AllVariableDiagnostics() map[string]*VariableDiagnostic {
	result := make(map[string]*VariableDiagnostic)
	d.diagnostics.Range(func(key, value interface{}) bool {
		result[key.(string)] = value.(*VariableDiagnostic)
		return true
	})
	return result
}

func (d *Device) recordVariableSuccess(variableID string, at time.Time) {
	diag := d.getOrCreateDiagnostic(variableID)
	diag.ReadCount.Add(1)
	diag.LastSuccessTime.Store(at)
}

func (d *Device) recordVariableError(variableID string, err error, at time.Time) {
	diag := d.getOrCreateDiagnostic(variableID)
	diag.ErrorCount.Add(1)
	diag.LastError.Store(err)
	diag.LastErrorTime.Store(at)
}

func (d *Device) getOrCreateDiagnostic(variableID string) *VariableDiagnostic {
	if diag, ok := d.diagnostics.Load(variableID); ok {
		return diag.(*VariableDiagnostic)
	}
	actual, _ := d.diagnostics.LoadOrStore(variableID, &VariableDiagnostic{VariableID: variableID})
	return actual.(*VariableDiagnostic)
}

// Status returns the current status of the device.
func (d *Device) Status() DeviceStatusInfo {
	drv := d.driver.Load()
	set := d.buckets.Load()

	d.mu.RLock()
	info := DeviceStatusInfo{
		DeviceID:     d.id,
		Name:         d.name,
		LinkKey:      d.connection.Address(),
		LinkKind:     d.kind,
		Active:       drv.IsActive(),
		Connected:    drv.IsConnected(),
		Variables:    len(d.variables),
		Requests:     set.requestCount(),
		LastTick:     d.lastTick,
		LastRefresh:  d.lastRefresh,
		RefreshCount: d.refreshCount,
		ErrorCount:   d.errorCount,
		Driver:       drv.Stats(),
	}
	lastErr := d.lastError
	d.mu.RUnlock()

	if lastErr != nil {
		info.LastError = lastErr.Error()
	}

	switch {
	case !info.Active:
		info.Status = domain.DeviceStatusInactive
	case lastErr != nil:
		info.Status = domain.DeviceStatusError
	case !info.Connected:
		info.Status = domain.DeviceStatusOffline
	case !info.LastRefresh.IsZero():
		info.Status = domain.DeviceStatusOnline
	default:
		info.Status = domain.DeviceStatusUnknown
	}
	return info
}
