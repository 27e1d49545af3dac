// Package service provides the sampler that drives device refreshes on a
// global tick clock and the command handler that routes writes to it.
package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nexus-edge/acquisition-gateway/internal/domain"
	"github.com/nexus-edge/acquisition-gateway/internal/metrics"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// writePollInterval is how often WriteVariable retries a busy link.
const writePollInterval = 10 * time.Millisecond

// Refresher is a device the sampler can schedule.
type Refresher interface {
	ID() string
	LinkKey() string
	IsActive() bool
	IsConnected() bool
	Due(tick uint64) bool
	Refresh(ctx context.Context, tick uint64) (map[string]interface{}, error)
}

// VariableWriter is implemented by devices that accept variable writes.
type VariableWriter interface {
	WriteVariable(ctx context.Context, variableID string, value interface{}) error
}

// Sink receives the values of every device refresh.
type Sink interface {
	Publish(ctx context.Context, result *domain.TickResult) error
}

// SamplerConfig holds configuration for the sampler.
type SamplerConfig struct {
	// TickInterval is the base clock period
	TickInterval time.Duration

	// RefreshTimeout bounds one device refresh; 0 relies on the driver timeouts
	RefreshTimeout time.Duration

	CircuitBreaker CircuitBreakerConfig
}

// CircuitBreakerConfig configures the optional per-link circuit breaker.
type CircuitBreakerConfig struct {
	Enabled      bool
	MaxRequests  uint32
	Interval     time.Duration
	Timeout      time.Duration
	MinRequests  uint32
	FailureRatio float64
}

// Sampler owns the registered devices and refreshes them on a global tick clock.
// Devices sharing a link key are never refreshed concurrently: a tick that finds
// the link busy is dropped for that link's devices.
type Sampler struct {
	config  SamplerConfig
	logger  zerolog.Logger
	metrics *metrics.Registry
	sinks   []Sink

	mu      sync.RWMutex
	devices map[string]*scheduledDevice
	links   map[string]*linkState

	tick    atomic.Uint64
	started atomic.Bool
	cancel  context.CancelFunc // guarded by mu
	wg      sync.WaitGroup
	stats   SamplerStats
}

// SamplerStats tracks sampler counters.
type SamplerStats struct {
	Ticks      atomic.Uint64
	Refreshes  atomic.Uint64
	Successes  atomic.Uint64
	Failures   atomic.Uint64
	Skipped    atomic.Uint64
	ValuesRead atomic.Uint64
}

// linkState serializes refreshes sharing one physical link.
type linkState struct {
	key     string
	busy    atomic.Bool
	breaker *gobreaker.CircuitBreaker
}

type scheduledDevice struct {
	dev Refresher

	mu          sync.RWMutex
	lastTick    uint64
	lastRefresh time.Time
	lastError   error

	refreshCount atomic.Uint64
	errorCount   atomic.Uint64
	skippedCount atomic.Uint64
	valuesRead   atomic.Uint64
}

// NewSampler creates a sampler. Results of every refresh go to sinks.
func NewSampler(config SamplerConfig, logger zerolog.Logger, metricsReg *metrics.Registry, sinks ...Sink) *Sampler {
	if config.TickInterval <= 0 {
		config.TickInterval = time.Second
	}
	cb := &config.CircuitBreaker
	if cb.MaxRequests == 0 {
		cb.MaxRequests = 3
	}
	if cb.Interval <= 0 {
		cb.Interval = 10 * time.Second
	}
	if cb.Timeout <= 0 {
		cb.Timeout = 30 * time.Second
	}
	if cb.MinRequests == 0 {
		cb.MinRequests = 10
	}
	if cb.FailureRatio <= 0 {
		cb.FailureRatio = 0.6
	}

	return &Sampler{
		config:  config,
		logger:  logger.With().Str("component", "sampler").Logger(),
		metrics: metricsReg,
		sinks:   sinks,
		devices: make(map[string]*scheduledDevice),
		links:   make(map[string]*linkState),
	}
}

// IsDue reports whether something with the given sample time is due on tick.
func IsDue(tick uint64, sampleTime int) bool {
	return domain.IsDue(tick, sampleTime)
}

// Start begins ticking. The first tick is number 0, on which every bucket is due.
func (s *Sampler) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	s.cancel = cancel
	deviceCount := len(s.devices)
	s.mu.Unlock()

	s.logger.Info().
		Int("devices", deviceCount).
		Dur("tick_interval", s.config.TickInterval).
		Bool("circuit_breaker", s.config.CircuitBreaker.Enabled).
		Msg("Starting sampler")

	s.wg.Add(1)
	go s.run(runCtx)
	return nil
}

// run ticks until ctx is cancelled. Each Start passes its own ctx.
func (s *Sampler) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.TickInterval)
	defer ticker.Stop()

	for {
		s.RunTick(ctx, s.tick.Load())
		s.tick.Add(1)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Stop halts the clock and waits for in-flight refreshes until ctx expires.
func (s *Sampler) Stop(ctx context.Context) error {
	if !s.started.Load() {
		return nil
	}

	s.logger.Info().Msg("Stopping sampler")
	s.mu.RLock()
	cancel := s.cancel
	s.mu.RUnlock()
	cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info().Msg("Sampler stopped")
	case <-ctx.Done():
		s.logger.Warn().Msg("Timeout waiting for in-flight refreshes")
	}

	s.started.Store(false)
	return nil
}

// AddDevice registers a device for scheduling. The caller owns the device's
// connection lifecycle.
func (s *Sampler) AddDevice(dev Refresher) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.devices[dev.ID()]; exists {
		return fmt.Errorf("%w: %s", domain.ErrDeviceExists, dev.ID())
	}
	s.devices[dev.ID()] = &scheduledDevice{dev: dev}
	s.updateDeviceCountLocked()

	s.logger.Info().
		Str("device_id", dev.ID()).
		Str("link", dev.LinkKey()).
		Msg("Registered device for sampling")
	return nil
}

// RemoveDevice unregisters a device. An in-flight refresh is allowed to finish.
func (s *Sampler) RemoveDevice(deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.devices[deviceID]; !exists {
		return fmt.Errorf("%w: %s", domain.ErrDeviceNotFound, deviceID)
	}
	delete(s.devices, deviceID)
	s.updateDeviceCountLocked()

	s.logger.Info().Str("device_id", deviceID).Msg("Unregistered device")
	return nil
}

func (s *Sampler) updateDeviceCountLocked() {
	if s.metrics == nil {
		return
	}
	connected := 0
	for _, sd := range s.devices {
		if sd.dev.IsConnected() {
			connected++
		}
	}
	s.metrics.UpdateDeviceCount(len(s.devices), connected)
}

// Device returns a registered device.
func (s *Sampler) Device(deviceID string) (Refresher, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sd, exists := s.devices[deviceID]
	if !exists {
		return nil, fmt.Errorf("%w: %s", domain.ErrDeviceNotFound, deviceID)
	}
	return sd.dev, nil
}

// Devices returns the registered devices ordered by ID.
func (s *Sampler) Devices() []Refresher {
	s.mu.RLock()
	out := make([]Refresher, 0, len(s.devices))
	for _, sd := range s.devices {
		out = append(out, sd.dev)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// TickNumber returns the number of the next tick.
func (s *Sampler) TickNumber() uint64 {
	return s.tick.Load()
}

// link returns the state for key, creating it on first use.
func (s *Sampler) link(key string) *linkState {
	s.mu.RLock()
	ls, ok := s.links[key]
	s.mu.RUnlock()
	if ok {
		return ls
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if ls, ok = s.links[key]; ok {
		return ls
	}
	ls = &linkState{key: key}
	if s.config.CircuitBreaker.Enabled {
		ls.breaker = s.newBreaker(key)
	}
	s.links[key] = ls
	return ls
}

func (s *Sampler) newBreaker(key string) *gobreaker.CircuitBreaker {
	cfg := s.config.CircuitBreaker
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "link-" + key,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= cfg.MinRequests && failureRatio >= cfg.FailureRatio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			s.logger.Info().
				Str("link", key).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Link circuit breaker state changed")
		},
	})
}

// RunTick dispatches one tick. Due devices are grouped by link key; each free
// link gets one goroutine that refreshes its devices in ID order. Devices on a
// busy link are skipped for this tick.
func (s *Sampler) RunTick(ctx context.Context, tick uint64) {
	s.stats.Ticks.Add(1)
	if s.metrics != nil {
		s.metrics.RecordTick(tick)
	}

	s.mu.RLock()
	byLink := make(map[string][]*scheduledDevice)
	for _, sd := range s.devices {
		if !sd.dev.IsActive() || !sd.dev.Due(tick) {
			continue
		}
		key := sd.dev.LinkKey()
		byLink[key] = append(byLink[key], sd)
	}
	s.mu.RUnlock()

	keys := make([]string, 0, len(byLink))
	for key := range byLink {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		due := byLink[key]
		sort.Slice(due, func(i, j int) bool { return due[i].dev.ID() < due[j].dev.ID() })

		ls := s.link(key)
		if !ls.busy.CompareAndSwap(false, true) {
			for _, sd := range due {
				s.skip(sd, tick, "link busy")
			}
			continue
		}

		s.wg.Add(1)
		go func(ls *linkState, due []*scheduledDevice) {
			defer s.wg.Done()
			defer ls.busy.Store(false)
			for _, sd := range due {
				if ctx.Err() != nil {
					return
				}
				s.refreshDevice(ctx, ls, sd, tick)
			}
		}(ls, due)
	}

	if s.metrics != nil {
		s.metrics.UpdateLinksBusy(s.busyLinks())
	}
}

func (s *Sampler) busyLinks() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, ls := range s.links {
		if ls.busy.Load() {
			n++
		}
	}
	return n
}

func (s *Sampler) skip(sd *scheduledDevice, tick uint64, reason string) {
	s.stats.Skipped.Add(1)
	sd.skippedCount.Add(1)
	if s.metrics != nil {
		s.metrics.RecordRefreshSkipped(sd.dev.ID())
	}
	s.logger.Debug().
		Str("device_id", sd.dev.ID()).
		Uint64("tick", tick).
		Str("reason", reason).
		Msg("Refresh skipped")
}

// refreshDevice runs one refresh and hands the result to the sinks. Errors are
// recorded and logged, never returned.
func (s *Sampler) refreshDevice(ctx context.Context, ls *linkState, sd *scheduledDevice, tick uint64) {
	refreshCtx := ctx
	if s.config.RefreshTimeout > 0 {
		var cancel context.CancelFunc
		refreshCtx, cancel = context.WithTimeout(ctx, s.config.RefreshTimeout)
		defer cancel()
	}

	start := time.Now()
	values, err := s.execute(refreshCtx, ls, sd.dev, tick)
	duration := time.Since(start)

	if errors.Is(err, domain.ErrCircuitOpen) {
		s.skip(sd, tick, "circuit open")
		sd.mu.Lock()
		sd.lastError = err
		sd.mu.Unlock()
		return
	}
	if values == nil && err == nil {
		return
	}

	s.stats.Refreshes.Add(1)
	sd.refreshCount.Add(1)
	s.stats.ValuesRead.Add(uint64(len(values)))
	sd.valuesRead.Add(uint64(len(values)))

	sd.mu.Lock()
	sd.lastTick = tick
	sd.lastError = err
	if err == nil {
		sd.lastRefresh = time.Now()
	}
	sd.mu.Unlock()

	if err != nil {
		s.stats.Failures.Add(1)
		sd.errorCount.Add(1)
		if s.metrics != nil {
			s.metrics.RecordRefreshError(sd.dev.ID(), domain.ErrorKind(err))
		}
		s.logger.Warn().
			Err(err).
			Str("device_id", sd.dev.ID()).
			Uint64("tick", tick).
			Int("values", len(values)).
			Msg("Device refresh failed")
	} else {
		s.stats.Successes.Add(1)
		if s.metrics != nil {
			s.metrics.RecordRefreshSuccess(sd.dev.ID(), duration.Seconds(), len(values))
		}
		s.logger.Debug().
			Str("device_id", sd.dev.ID()).
			Uint64("tick", tick).
			Int("values", len(values)).
			Dur("duration", duration).
			Msg("Device refreshed")
	}

	if len(values) == 0 || len(s.sinks) == 0 {
		return
	}
	result := &domain.TickResult{
		DeviceID:  sd.dev.ID(),
		Tick:      tick,
		Values:    values,
		Timestamp: time.Now(),
		Err:       err,
	}
	for _, sink := range s.sinks {
		if perr := sink.Publish(ctx, result); perr != nil {
			s.logger.Warn().
				Err(perr).
				Str("device_id", sd.dev.ID()).
				Msg("Failed to hand off refresh result")
		}
	}
}

// execute calls Refresh, through the link's circuit breaker when one is set.
// Panics in a device are converted to errors so one device cannot stop the loop.
func (s *Sampler) execute(ctx context.Context, ls *linkState, dev Refresher, tick uint64) (values map[string]interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			values, err = nil, fmt.Errorf("refresh panicked: %v", r)
		}
	}()

	if ls.breaker == nil {
		return dev.Refresh(ctx, tick)
	}

	result, err := ls.breaker.Execute(func() (interface{}, error) {
		return dev.Refresh(ctx, tick)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %s", domain.ErrCircuitOpen, ls.key)
	}
	values, _ = result.(map[string]interface{})
	return values, err
}

// WriteVariable writes one variable, waiting until the device's link is free.
// The link is held for the duration of the write, so ticks arriving meanwhile
// are dropped for that link.
func (s *Sampler) WriteVariable(ctx context.Context, deviceID, variableID string, value interface{}) error {
	dev, err := s.Device(deviceID)
	if err != nil {
		return err
	}
	w, ok := dev.(VariableWriter)
	if !ok {
		return fmt.Errorf("%w: device %s does not accept writes", domain.ErrVariableNotWritable, deviceID)
	}

	ls := s.link(dev.LinkKey())
	for !ls.busy.CompareAndSwap(false, true) {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", domain.ErrBusy, ctx.Err())
		case <-time.After(writePollInterval):
		}
	}
	defer ls.busy.Store(false)

	return w.WriteVariable(ctx, variableID, value)
}

// StatsSnapshot holds a point-in-time snapshot of sampler statistics.
type StatsSnapshot struct {
	Ticks      uint64 `json:"ticks"`
	Refreshes  uint64 `json:"refreshes"`
	Successes  uint64 `json:"successes"`
	Failures   uint64 `json:"failures"`
	Skipped    uint64 `json:"skipped"`
	ValuesRead uint64 `json:"values_read"`
}

// Stats returns a snapshot of the sampler statistics.
func (s *Sampler) Stats() StatsSnapshot {
	return StatsSnapshot{
		Ticks:      s.stats.Ticks.Load(),
		Refreshes:  s.stats.Refreshes.Load(),
		Successes:  s.stats.Successes.Load(),
		Failures:   s.stats.Failures.Load(),
		Skipped:    s.stats.Skipped.Load(),
		ValuesRead: s.stats.ValuesRead.Load(),
	}
}

// DeviceStatus holds the scheduling status of a device.
type DeviceStatus struct {
	DeviceID     string              `json:"device_id"`
	LinkKey      string              `json:"link_key"`
	Status       domain.DeviceStatus `json:"status"`
	Active       bool                `json:"active"`
	Connected    bool                `json:"connected"`
	LastTick     uint64              `json:"last_tick"`
	LastRefresh  time.Time           `json:"last_refresh,omitempty"`
	LastError    string              `json:"last_error,omitempty"`
	RefreshCount uint64              `json:"refresh_count"`
	ErrorCount   uint64              `json:"error_count"`
	SkippedCount uint64              `json:"skipped_count"`
	ValuesRead   uint64              `json:"values_read"`
}

// DeviceStatuses returns the scheduling status of every device ordered by ID.
func (s *Sampler) DeviceStatuses() []DeviceStatus {
	s.mu.RLock()
	list := make([]*scheduledDevice, 0, len(s.devices))
	for _, sd := range s.devices {
		list = append(list, sd)
	}
	s.mu.RUnlock()

	out := make([]DeviceStatus, 0, len(list))
	for _, sd := range list {
		out = append(out, sd.status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

func (sd *scheduledDevice) status() DeviceStatus {
	sd.mu.RLock()
	st := DeviceStatus{
		DeviceID:     sd.dev.ID(),
		LinkKey:      sd.dev.LinkKey(),
		Active:       sd.dev.IsActive(),
		Connected:    sd.dev.IsConnected(),
		LastTick:     sd.lastTick,
		LastRefresh:  sd.lastRefresh,
		RefreshCount: sd.refreshCount.Load(),
		ErrorCount:   sd.errorCount.Load(),
		SkippedCount: sd.skippedCount.Load(),
		ValuesRead:   sd.valuesRead.Load(),
	}
	lastErr := sd.lastError
	sd.mu.RUnlock()

	if lastErr != nil {
		st.LastError = lastErr.Error()
	}
	switch {
	case !st.Active:
		st.Status = domain.DeviceStatusInactive
	case lastErr != nil:
		st.Status = domain.DeviceStatusError
	case !st.Connected:
		st.Status = domain.DeviceStatusOffline
	case !st.LastRefresh.IsZero():
		st.Status = domain.DeviceStatusOnline
	default:
		st.Status = domain.DeviceStatusUnknown
	}
	return st
}

// HealthCheck reports an error when the sampler is not running.
func (s *Sampler) HealthCheck(ctx context.Context) error {
	if !s.started.Load() {
		return domain.ErrSamplerStopped
	}
	return nil
}
