package modbus

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goburrow/modbus"
	"github.com/nexus-edge/acquisition-gateway/internal/domain"
	"github.com/nexus-edge/acquisition-gateway/internal/metrics"
	"github.com/rs/zerolog"
)

// wireConn is one open socket: the goburrow client and the handler that owns
// the TCP connection.
type wireConn struct {
	client modbus.Client
	closer io.Closer
}

// dialFunc opens a new socket for the driver.
type dialFunc func(cfg DriverConfig, logger zerolog.Logger) (*wireConn, error)

// Driver owns one physical Modbus TCP link.
//
// Its state has two orthogonal axes: active/connected (operator intent and
// actual socket) crossed with idle/busy. A batch is rejected with ErrBusy
// while another batch is in flight; there is no queue.
type Driver struct {
	config  DriverConfig
	logger  zerolog.Logger
	metrics *metrics.Registry
	dial    dialFunc

	active  atomic.Bool
	busy    atomic.Bool
	retired atomic.Bool

	mu   sync.Mutex // guards conn
	conn *wireConn

	stats DriverStats
}

// NewDriver creates a driver for one link. It does not connect.
func NewDriver(config DriverConfig, logger zerolog.Logger, metricsReg *metrics.Registry) *Driver {
	if config.Timeout <= 0 {
		config.Timeout = domain.DefaultTimeout
	}
	return &Driver{
		config:  config,
		logger:  logger.With().Str("link", config.Address).Uint8("unit_id", config.UnitID).Logger(),
		metrics: metricsReg,
		dial:    dialTCP,
	}
}

// dialTCP connects a goburrow TCP handler. The handler's own deadline is the
// driver timeout and its idle reaper is disabled: the driver decides when the
// socket closes.
func dialTCP(cfg DriverConfig, logger zerolog.Logger) (*wireConn, error) {
	handler := modbus.NewTCPClientHandler(cfg.Address)
	handler.Timeout = cfg.Timeout
	handler.SlaveId = cfg.UnitID
	handler.IdleTimeout = 0
	if logger.GetLevel() <= zerolog.TraceLevel {
		handler.Logger = log.New(logger.Level(zerolog.TraceLevel), "", 0)
	}

	if err := handler.Connect(); err != nil {
		return nil, err
	}
	return &wireConn{client: modbus.NewClient(handler), closer: handler}, nil
}

// Config returns the driver configuration.
func (d *Driver) Config() DriverConfig {
	return d.config
}

// Connect activates the link and attempts one timeout-guarded connect.
// On failure the driver stays active but disconnected, and the next request
// retries the connection.
func (d *Driver) Connect(ctx context.Context) error {
	d.active.Store(true)
	d.retired.Store(false)
	d.busy.Store(false)

	if d.IsConnected() {
		return nil
	}

	d.logger.Debug().Msg("Connecting to Modbus device")
	if _, err := d.ensureConnected(ctx); err != nil {
		d.logger.Warn().Err(err).Msg("Connect failed, will retry on next request")
		return err
	}
	d.logger.Info().Msg("Connected to Modbus device")
	return nil
}

// Disconnect deactivates the link and closes the socket. It is idempotent.
func (d *Driver) Disconnect() error {
	d.active.Store(false)
	d.closeConn(nil)
	d.busy.Store(false)
	d.logger.Debug().Msg("Disconnected from Modbus device")
	return nil
}

// Retire deactivates a driver that is being replaced. The socket is closed now
// if the driver is idle, otherwise as soon as the in-flight batch finishes.
func (d *Driver) Retire() {
	d.active.Store(false)
	d.retired.Store(true)
	if d.busy.CompareAndSwap(false, true) {
		d.closeConn(nil)
		d.busy.Store(false)
	}
}

// IsActive returns the operator intent for the link.
func (d *Driver) IsActive() bool {
	return d.active.Load()
}

// IsConnected returns true if a socket is currently open.
func (d *Driver) IsConnected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conn != nil
}

// IsBusy returns true while a batch is in flight.
func (d *Driver) IsBusy() bool {
	return d.busy.Load()
}

// InvokeRequests executes the requests strictly in order. The first failing
// request aborts the batch and its error is returned; responses of requests
// already executed are left in place but callers must not rely on them.
func (d *Driver) InvokeRequests(ctx context.Context, requests []*Request) error {
	if !d.active.Load() {
		return domain.ErrNotActive
	}
	if !d.busy.CompareAndSwap(false, true) {
		d.stats.RejectedBusy.Add(1)
		return domain.ErrBusy
	}
	defer func() {
		if d.retired.Load() {
			d.closeConn(nil)
		}
		d.busy.Store(false)
	}()

	for i, req := range requests {
		if err := d.execute(ctx, req); err != nil {
			return fmt.Errorf("request %d/%d (%s addr=%d qty=%d): %w",
				i+1, len(requests), req.FunctionCode, req.Address, req.Quantity, err)
		}
	}
	return nil
}

// execute performs one request, reconnecting once if the socket is closed.
func (d *Driver) execute(ctx context.Context, req *Request) error {
	if !req.FunctionCode.Valid() {
		return fmt.Errorf("%w: %d", domain.ErrUnsupportedFunctionCode, req.FunctionCode)
	}

	conn, err := d.ensureConnected(ctx)
	if err != nil {
		return err
	}

	d.stats.Requests.Add(1)
	start := time.Now()
	data, err := d.call(ctx, conn, req)
	elapsed := time.Since(start)
	d.stats.TotalWireNs.Add(elapsed.Nanoseconds())
	if d.metrics != nil {
		d.metrics.RecordRequest(req.FunctionCode.String(), err == nil, elapsed.Seconds())
	}
	if err != nil {
		d.stats.Errors.Add(1)
		return err
	}

	req.Response = data
	return nil
}

type callResult struct {
	data []byte
	err  error
}

// call runs one wire call under the driver timeout. Timeouts and transport
// errors close the socket without deactivating the driver; exception
// responses keep it.
func (d *Driver) call(ctx context.Context, conn *wireConn, req *Request) ([]byte, error) {
	done := make(chan callResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- callResult{err: fmt.Errorf("panic in modbus client: %v", r)}
			}
		}()
		data, err := invoke(conn.client, req)
		done <- callResult{data: data, err: err}
	}()

	timer := time.NewTimer(d.config.Timeout)
	defer timer.Stop()

	select {
	case r := <-done:
		if r.err == nil {
			return r.data, nil
		}
		return nil, d.classify(conn, req, r.err)

	case <-timer.C:
		d.closeConn(conn)
		return nil, d.timeoutError(req, nil)

	case <-ctx.Done():
		d.closeConn(conn)
		return nil, d.timeoutError(req, ctx.Err())
	}
}

func (d *Driver) classify(conn *wireConn, req *Request, err error) error {
	var mbErr *modbus.ModbusError
	if errors.As(err, &mbErr) {
		return fmt.Errorf("%w: %v", domain.ModbusExceptionToError(mbErr.ExceptionCode), err)
	}
	if errors.Is(err, domain.ErrUnsupportedFunctionCode) || errors.Is(err, domain.ErrInvalidWriteValue) {
		return err
	}

	d.closeConn(conn)
	if isTimeout(err) {
		return d.timeoutError(req, err)
	}
	d.logger.Debug().Err(err).Msg("Transport error, socket closed")
	return fmt.Errorf("%w: %v", domain.ErrTransport, err)
}

func (d *Driver) timeoutError(req *Request, cause error) error {
	d.stats.Timeouts.Add(1)
	sentinel, op := domain.ErrReadTimeout, "read"
	if req.FunctionCode.IsWrite() {
		sentinel, op = domain.ErrWriteTimeout, "write"
	}
	if d.metrics != nil {
		d.metrics.RecordTimeout(op)
	}
	d.logger.Debug().Str("function", req.FunctionCode.String()).Msg("Request timed out, socket closed")
	if cause != nil {
		return fmt.Errorf("%w after %s: %v", sentinel, d.config.Timeout, cause)
	}
	return fmt.Errorf("%w after %s", sentinel, d.config.Timeout)
}

// ensureConnected returns the open socket, dialing once if there is none.
func (d *Driver) ensureConnected(ctx context.Context) (*wireConn, error) {
	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()
	if conn != nil {
		return conn, nil
	}

	start := time.Now()
	conn, err := d.dialWithTimeout(ctx)
	if d.metrics != nil {
		d.metrics.RecordConnect(err == nil, time.Since(start).Seconds())
	}
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn != nil {
		// Another caller connected first.
		go conn.closer.Close()
		return d.conn, nil
	}
	d.conn = conn
	if d.stats.Connects.Add(1) > 1 {
		d.stats.Reconnects.Add(1)
	}
	return conn, nil
}

func (d *Driver) dialWithTimeout(ctx context.Context) (*wireConn, error) {
	ctx, cancel := context.WithTimeout(ctx, d.config.Timeout)
	defer cancel()

	type dialResult struct {
		conn *wireConn
		err  error
	}
	done := make(chan dialResult, 1)
	go func() {
		conn, err := d.dial(d.config, d.logger)
		done <- dialResult{conn: conn, err: err}
	}()

	select {
	case r := <-done:
		if r.err == nil {
			return r.conn, nil
		}
		if isTimeout(r.err) {
			d.recordConnectTimeout()
			return nil, fmt.Errorf("%w: %v", domain.ErrConnectTimeout, r.err)
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrTransport, r.err)

	case <-ctx.Done():
		// Close the socket if the dial completes after we gave up on it.
		go func() {
			if r := <-done; r.conn != nil {
				r.conn.closer.Close()
			}
		}()
		d.recordConnectTimeout()
		return nil, fmt.Errorf("%w: %v", domain.ErrConnectTimeout, ctx.Err())
	}
}

func (d *Driver) recordConnectTimeout() {
	d.stats.Timeouts.Add(1)
	if d.metrics != nil {
		d.metrics.RecordTimeout("connect")
	}
}

// closeConn closes conn if it is still the current socket, or the current
// socket when conn is nil. The close runs asynchronously since goburrow's
// Close waits for an in-flight Send to return.
func (d *Driver) closeConn(conn *wireConn) {
	d.mu.Lock()
	current := d.conn
	if current == nil || (conn != nil && conn != current) {
		d.mu.Unlock()
		return
	}
	d.conn = nil
	d.mu.Unlock()

	go func() {
		if err := current.closer.Close(); err != nil {
			d.logger.Debug().Err(err).Msg("Error closing Modbus connection")
		}
	}()
}

// Stats returns a snapshot of the driver counters.
func (d *Driver) Stats() DriverStatsSnapshot {
	requests := d.stats.Requests.Load()
	var avg float64
	if requests > 0 {
		avg = float64(d.stats.TotalWireNs.Load()) / float64(requests) / 1e6
	}
	return DriverStatsSnapshot{
		Requests:     requests,
		Errors:       d.stats.Errors.Load(),
		Timeouts:     d.stats.Timeouts.Load(),
		Connects:     d.stats.Connects.Load(),
		Reconnects:   d.stats.Reconnects.Load(),
		RejectedBusy: d.stats.RejectedBusy.Load(),
		AvgWireMs:    avg,
	}
}

// invoke dispatches a request to the goburrow client by function code.
func invoke(client modbus.Client, req *Request) ([]byte, error) {
	switch req.FunctionCode {
	case domain.FuncReadCoils:
		return client.ReadCoils(req.Address, req.Quantity)
	case domain.FuncReadDiscreteInputs:
		return client.ReadDiscreteInputs(req.Address, req.Quantity)
	case domain.FuncReadHoldingRegisters:
		return client.ReadHoldingRegisters(req.Address, req.Quantity)
	case domain.FuncReadInputRegisters:
		return client.ReadInputRegisters(req.Address, req.Quantity)
	case domain.FuncWriteSingleCoil:
		if len(req.Payload) < 2 {
			return nil, fmt.Errorf("%w: single coil payload", domain.ErrInvalidWriteValue)
		}
		return client.WriteSingleCoil(req.Address, binary.BigEndian.Uint16(req.Payload))
	case domain.FuncWriteSingleRegister:
		if len(req.Payload) < 2 {
			return nil, fmt.Errorf("%w: single register payload", domain.ErrInvalidWriteValue)
		}
		return client.WriteSingleRegister(req.Address, binary.BigEndian.Uint16(req.Payload))
	case domain.FuncWriteMultipleCoils:
		return client.WriteMultipleCoils(req.Address, req.Quantity, req.Payload)
	case domain.FuncWriteMultipleRegisters:
		return client.WriteMultipleRegisters(req.Address, req.Quantity, req.Payload)
	default:
		return nil, fmt.Errorf("%w: %d", domain.ErrUnsupportedFunctionCode, req.FunctionCode)
	}
}

// isTimeout checks if the error is a network timeout.
func isTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// NewWriteRequest builds the wire request writing value to variable v.
func NewWriteRequest(v domain.Variable, value interface{}) (*Request, error) {
	if !v.IsWritable() {
		return nil, fmt.Errorf("%w: %s", domain.ErrVariableNotWritable, v.ID)
	}

	if v.FunctionCode.IsBitAccess() {
		on, err := EncodeBool(value)
		if err != nil {
			return nil, err
		}
		payload := []byte{0x00, 0x00}
		if on {
			payload[0] = 0xFF
		}
		return &Request{FunctionCode: domain.FuncWriteSingleCoil, Address: v.Offset, Quantity: 1, Payload: payload}, nil
	}

	data, err := EncodeRegisters(v.ValueType, v.WordOrder, v.Length, value)
	if err != nil {
		return nil, err
	}
	quantity := uint16(len(data) / 2)
	fc, err := v.FunctionCode.WriteCode(quantity)
	if err != nil {
		return nil, err
	}
	return &Request{FunctionCode: fc, Address: v.Offset, Quantity: quantity, Payload: data}, nil
}
