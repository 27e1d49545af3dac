package domain

import "time"

// TickResult carries the values a device produced for one sampler tick.
// It is the hand-off point to archiving, forwarding and calculation consumers.
type TickResult struct {
	DeviceID  string
	Tick      uint64
	Values    map[string]interface{}
	Timestamp time.Time
	Err       error
}

// Empty reports whether the result carries no values.
func (r *TickResult) Empty() bool {
	return r == nil || len(r.Values) == 0
}
