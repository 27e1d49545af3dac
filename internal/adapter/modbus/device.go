package modbus

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nexus-edge/acquisition-gateway/internal/domain"
	"github.com/nexus-edge/acquisition-gateway/internal/metrics"
	"github.com/nexus-edge/acquisition-gateway/pkg/logging"
	"github.com/rs/zerolog"
)

// DeviceOptions holds the shared settings a Device is built with.
type DeviceOptions struct {
	Grouping GroupConfig
	Logger   zerolog.Logger
	Metrics  *metrics.Registry
}

// bucketSet is the immutable result of a group rebuild. It is swapped
// atomically, so a refresh always sees one complete set.
type bucketSet struct {
	sampleTimes []int // ascending
	groups      map[int][]*RequestGroup
}

func (s *bucketSet) requestCount() int {
	n := 0
	for _, g := range s.groups {
		n += len(g)
	}
	return n
}

// Device is a Modbus TCP device: its variables, its link driver and the request
// groups built for each sample time.
type Device struct {
	id     string
	name   string
	kind   domain.LinkKind
	opts   DeviceOptions
	logger zerolog.Logger

	buckets atomic.Pointer[bucketSet]
	driver  atomic.Pointer[Driver]

	mu           sync.RWMutex
	connection   domain.ConnectionConfig
	variables    map[string]*domain.Variable
	lastTick     uint64
	lastRefresh  time.Time
	lastError    error
	refreshCount uint64
	errorCount   uint64

	diagnostics sync.Map // map[string]*VariableDiagnostic

	dial dialFunc // nil uses the TCP dialer
}

// NewDevice validates the configuration, builds the request groups and creates
// the link driver. The device starts inactive; call Connect to activate it.
func NewDevice(cfg domain.DeviceConfig, opts DeviceOptions) (*Device, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	opts.Grouping = opts.Grouping.withDefaults()

	d := &Device{
		id:         cfg.ID,
		name:       cfg.Name,
		kind:       cfg.LinkKind,
		opts:       opts,
		logger:     logging.WithDeviceContext(opts.Logger, cfg.ID, cfg.LinkKey()),
		connection: cfg.Connection,
		variables:  make(map[string]*domain.Variable, len(cfg.Variables)),
	}
	for i := range cfg.Variables {
		v := cfg.Variables[i]
		d.variables[v.ID] = &v
	}

	set, err := d.buildBucketSet(d.variables, cfg.Connection.UnitID)
	if err != nil {
		return nil, fmt.Errorf("device %q: %w", cfg.ID, err)
	}
	d.buckets.Store(set)
	d.driver.Store(d.newDriver(cfg.Connection))

	d.logger.Debug().
		Int("variables", len(d.variables)).
		Int("requests", set.requestCount()).
		Msg("Device created")
	return d, nil
}

func (d *Device) newDriver(conn domain.ConnectionConfig) *Driver {
	drv := NewDriver(DriverConfig{
		Address: conn.Address(),
		UnitID:  conn.UnitID,
		Timeout: conn.Timeout,
	}, d.logger, d.opts.Metrics)
	if d.dial != nil {
		drv.dial = d.dial
	}
	return drv
}

// ID returns the device identifier.
func (d *Device) ID() string { return d.id }

// Name returns the device name.
func (d *Device) Name() string { return d.name }

// LinkKind returns how the device is reached.
func (d *Device) LinkKind() domain.LinkKind { return d.kind }

// LinkKey identifies the physical connection shared with other devices.
func (d *Device) LinkKey() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.connection.Address()
}

// Connection returns the current link parameters.
func (d *Device) Connection() domain.ConnectionConfig {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.connection
}

// Connect activates the device's link.
func (d *Device) Connect(ctx context.Context) error {
	return d.driver.Load().Connect(ctx)
}

// Disconnect deactivates the device's link.
func (d *Device) Disconnect() error {
	return d.driver.Load().Disconnect()
}

// IsActive returns true if the device should be polled.
func (d *Device) IsActive() bool {
	return d.driver.Load().IsActive()
}

// IsConnected returns true if the device's socket is open.
func (d *Device) IsConnected() bool {
	return d.driver.Load().IsConnected()
}

// SampleTimes returns the distinct sample times in use, ascending.
func (d *Device) SampleTimes() []int {
	return append([]int(nil), d.buckets.Load().sampleTimes...)
}

// Due reports whether any bucket is due on tick.
func (d *Device) Due(tick uint64) bool {
	for _, st := range d.buckets.Load().sampleTimes {
		if domain.IsDue(tick, st) {
			return true
		}
	}
	return false
}

// Refresh reads every bucket due on tick in one driver batch and returns the
// decoded values keyed by variable ID. It returns nil, nil when the device is
// inactive or nothing is due. Values that decoded successfully are returned
// even when a decode error is reported.
func (d *Device) Refresh(ctx context.Context, tick uint64) (map[string]interface{}, error) {
	drv := d.driver.Load()
	if !drv.IsActive() {
		return nil, nil
	}

	set := d.buckets.Load()
	var batch []*RequestGroup
	for _, st := range set.sampleTimes {
		if !domain.IsDue(tick, st) {
			continue
		}
		for _, g := range set.groups[st] {
			batch = append(batch, g.clone())
		}
	}
	if len(batch) == 0 {
		return nil, nil
	}

	requests := make([]*Request, len(batch))
	for i := range batch {
		requests[i] = &batch[i].Request
	}

	if err := drv.InvokeRequests(ctx, requests); err != nil {
		d.recordRefresh(tick, err)
		return nil, err
	}

	values, decodeErr := ConvertRequestsToIDValuePair(batch)
	now := time.Now()

	d.mu.Lock()
	for _, g := range batch {
		for _, m := range g.Members {
			v, ok := d.variables[m.Variable.ID]
			value, decoded := values[m.Variable.ID]
			if !decoded {
				d.recordVariableError(m.Variable.ID, decodeErr, now)
				continue
			}
			d.recordVariableSuccess(m.Variable.ID, now)
			if ok {
				v.LastValue = value
				v.LastValueTick = tick
			}
		}
	}
	d.mu.Unlock()

	d.recordRefresh(tick, decodeErr)
	return values, decodeErr
}

func (d *Device) recordRefresh(tick uint64, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastTick = tick
	d.lastError = err
	d.refreshCount++
	if err != nil {
		d.errorCount++
	} else {
		d.lastRefresh = time.Now()
	}
}

// Variables returns snapshots of all variables ordered by ID.
func (d *Device) Variables() []domain.Variable {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]domain.Variable, 0, len(d.variables))
	for _, v := range d.variables {
		out = append(out, v.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Variable returns a snapshot of one variable.
func (d *Device) Variable(id string) (domain.Variable, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	v, ok := d.variables[id]
	if !ok {
		return domain.Variable{}, fmt.Errorf("%w: %s", domain.ErrVariableNotFound, id)
	}
	return v.Clone(), nil
}

// AddVariable adds a variable and rebuilds the request groups.
func (d *Device) AddVariable(v domain.Variable) error {
	if err := v.Validate(); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.variables[v.ID]; exists {
		return fmt.Errorf("%w: %s", domain.ErrVariableExists, v.ID)
	}
	next := d.copyVariables()
	v.LastValue, v.LastValueTick = nil, 0
	next[v.ID] = &v
	return d.applyVariables(next)
}

// EditVariable replaces an existing variable and rebuilds the request groups.
// The last value survives the edit only when the wire layout is unchanged.
func (d *Device) EditVariable(v domain.Variable) error {
	if err := v.Validate(); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	old, exists := d.variables[v.ID]
	if !exists {
		return fmt.Errorf("%w: %s", domain.ErrVariableNotFound, v.ID)
	}
	if sameLayout(old, &v) {
		v.LastValue, v.LastValueTick = old.LastValue, old.LastValueTick
	} else {
		v.LastValue, v.LastValueTick = nil, 0
	}

	next := d.copyVariables()
	next[v.ID] = &v
	return d.applyVariables(next)
}

// RemoveVariable removes a variable and rebuilds the request groups.
func (d *Device) RemoveVariable(id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.variables[id]; !exists {
		return fmt.Errorf("%w: %s", domain.ErrVariableNotFound, id)
	}
	next := d.copyVariables()
	delete(next, id)
	if err := d.applyVariables(next); err != nil {
		return err
	}
	d.diagnostics.Delete(id)
	return nil
}

func sameLayout(a, b *domain.Variable) bool {
	return a.FunctionCode == b.FunctionCode &&
		a.Offset == b.Offset &&
		a.Length == b.Length &&
		a.ValueType == b.ValueType &&
		a.WordOrder == b.WordOrder
}

// copyVariables must be called with mu held.
func (d *Device) copyVariables() map[string]*domain.Variable {
	next := make(map[string]*domain.Variable, len(d.variables)+1)
	for id, v := range d.variables {
		next[id] = v
	}
	return next
}

// applyVariables rebuilds the groups for next and, on success, installs both.
// On error the current variables and groups are left untouched.
// Must be called with mu held.
func (d *Device) applyVariables(next map[string]*domain.Variable) error {
	set, err := d.buildBucketSet(next, d.connection.UnitID)
	if err != nil {
		d.logger.Error().Err(err).Msg("Request group rebuild failed, keeping previous groups")
		return err
	}
	d.variables = next
	d.buckets.Store(set)

	d.logger.Debug().
		Int("variables", len(next)).
		Int("requests", set.requestCount()).
		Ints("sample_times", set.sampleTimes).
		Msg("Request groups rebuilt")
	return nil
}

func (d *Device) buildBucketSet(vars map[string]*domain.Variable, unitID byte) (*bucketSet, error) {
	list := make([]domain.Variable, 0, len(vars))
	for _, v := range vars {
		c := *v
		c.LastValue = nil
		list = append(list, c)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })

	groups, err := BuildBuckets(list, unitID, d.opts.Grouping)
	if err != nil {
		return nil, err
	}

	set := &bucketSet{groups: groups}
	for st := range groups {
		set.sampleTimes = append(set.sampleTimes, st)
	}
	sort.Ints(set.sampleTimes)
	return set, nil
}

// UpdateConnection replaces the link driver with one built for conn. The old
// driver finishes any in-flight batch and is then closed. If the device was
// active the new driver is connected.
func (d *Device) UpdateConnection(ctx context.Context, conn domain.ConnectionConfig) error {
	probe := domain.DeviceConfig{ID: d.id, LinkKind: d.kind, Connection: conn}
	if err := probe.Validate(); err != nil {
		return err
	}
	conn = probe.Connection

	d.mu.Lock()
	var set *bucketSet
	if conn.UnitID != d.connection.UnitID {
		var err error
		if set, err = d.buildBucketSet(d.variables, conn.UnitID); err != nil {
			d.mu.Unlock()
			return err
		}
	}
	d.connection = conn
	next := d.newDriver(conn)
	old := d.driver.Swap(next)
	if set != nil {
		d.buckets.Store(set)
	}
	d.mu.Unlock()

	wasActive := old.IsActive()
	old.Retire()

	d.logger.Info().
		Str("link", conn.Address()).
		Uint8("unit_id", conn.UnitID).
		Dur("timeout", conn.Timeout).
		Msg("Connection parameters changed, link driver replaced")

	if wasActive {
		return next.Connect(ctx)
	}
	return nil
}

// WriteVariable encodes value for the variable and writes it with function
// code 5, 6 or 16. The write goes through the driver's busy guard.
func (d *Device) WriteVariable(ctx context.Context, id string, value interface{}) error {
	v, err := d.Variable(id)
	if err != nil {
		return err
	}
	req, err := NewWriteRequest(v, value)
	if err != nil {
		return err
	}

	err = d.driver.Load().InvokeRequests(ctx, []*Request{req})
	if d.opts.Metrics != nil {
		d.opts.Metrics.RecordWrite(d.id, err == nil)
	}
	if err != nil {
		d.logger.Warn().Err(err).Str("variable_id", id).Msg("Write failed")
		return err
	}

	d.logger.Debug().
		Str("variable_id", id).
		Str("function", req.FunctionCode.String()).
		Interface("value", value).
		Msg("Variable written")
	return nil
}

// Driver returns the current link driver.
func (d *Device) Driver() *Driver {
	return d.driver.Load()
}
