package modbus

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goburrow/modbus"
	"github.com/nexus-edge/acquisition-gateway/internal/domain"
	"github.com/rs/zerolog"
)

// mockClient is a goburrow modbus.Client with configurable responses.
type mockClient struct {
	mu sync.Mutex

	// ReadFunc overrides reads; the default returns a zeroed response.
	ReadFunc func(fc domain.FunctionCode, address, quantity uint16) ([]byte, error)
	// WriteFunc overrides writes; the default echoes success.
	WriteFunc func(fc domain.FunctionCode, address, quantity uint16, payload []byte) ([]byte, error)

	Calls []mockCall
}

// mockCall records one wire call.
type mockCall struct {
	FunctionCode domain.FunctionCode
	Address      uint16
	Quantity     uint16
	Payload      []byte
}

func (m *mockClient) record(fc domain.FunctionCode, address, quantity uint16, payload []byte) {
	m.mu.Lock()
	m.Calls = append(m.Calls, mockCall{FunctionCode: fc, Address: address, Quantity: quantity, Payload: payload})
	m.mu.Unlock()
}

func (m *mockClient) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}

func (m *mockClient) read(fc domain.FunctionCode, address, quantity uint16) ([]byte, error) {
	m.record(fc, address, quantity, nil)
	if m.ReadFunc != nil {
		return m.ReadFunc(fc, address, quantity)
	}
	if fc.IsBitAccess() {
		return make([]byte, (int(quantity)+7)/8), nil
	}
	return make([]byte, int(quantity)*2), nil
}

func (m *mockClient) write(fc domain.FunctionCode, address, quantity uint16, payload []byte) ([]byte, error) {
	m.record(fc, address, quantity, payload)
	if m.WriteFunc != nil {
		return m.WriteFunc(fc, address, quantity, payload)
	}
	return []byte{byte(address >> 8), byte(address), byte(quantity >> 8), byte(quantity)}, nil
}

func (m *mockClient) ReadCoils(address, quantity uint16) ([]byte, error) {
	return m.read(domain.FuncReadCoils, address, quantity)
}

func (m *mockClient) ReadDiscreteInputs(address, quantity uint16) ([]byte, error) {
	return m.read(domain.FuncReadDiscreteInputs, address, quantity)
}

func (m *mockClient) ReadHoldingRegisters(address, quantity uint16) ([]byte, error) {
	return m.read(domain.FuncReadHoldingRegisters, address, quantity)
}

func (m *mockClient) ReadInputRegisters(address, quantity uint16) ([]byte, error) {
	return m.read(domain.FuncReadInputRegisters, address, quantity)
}

func (m *mockClient) WriteSingleCoil(address, value uint16) ([]byte, error) {
	return m.write(domain.FuncWriteSingleCoil, address, 1, []byte{byte(value >> 8), byte(value)})
}

func (m *mockClient) WriteSingleRegister(address, value uint16) ([]byte, error) {
	return m.write(domain.FuncWriteSingleRegister, address, 1, []byte{byte(value >> 8), byte(value)})
}

func (m *mockClient) WriteMultipleCoils(address, quantity uint16, value []byte) ([]byte, error) {
	return m.write(domain.FuncWriteMultipleCoils, address, quantity, value)
}

func (m *mockClient) WriteMultipleRegisters(address, quantity uint16, value []byte) ([]byte, error) {
	return m.write(domain.FuncWriteMultipleRegisters, address, quantity, value)
}

func (m *mockClient) ReadWriteMultipleRegisters(readAddress, readQuantity, writeAddress, writeQuantity uint16, value []byte) ([]byte, error) {
	return nil, errors.New("not implemented")
}

func (m *mockClient) MaskWriteRegister(address, andMask, orMask uint16) ([]byte, error) {
	return nil, errors.New("not implemented")
}

func (m *mockClient) ReadFIFOQueue(address uint16) ([]byte, error) {
	return nil, errors.New("not implemented")
}

var _ modbus.Client = (*mockClient)(nil)

// mockLink stands in for the TCP dialer and counts dials and closes.
type mockLink struct {
	client  *mockClient
	dialErr atomic.Value // stores error
	dials   atomic.Int32
	closes  atomic.Int32
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func newMockLink() *mockLink {
	return &mockLink{client: &mockClient{}}
}

func (l *mockLink) setDialErr(err error) {
	l.dialErr.Store(&err)
}

func (l *mockLink) dial(cfg DriverConfig, logger zerolog.Logger) (*wireConn, error) {
	l.dials.Add(1)
	if p, ok := l.dialErr.Load().(*error); ok && *p != nil {
		return nil, *p
	}
	return &wireConn{
		client: l.client,
		closer: closerFunc(func() error {
			l.closes.Add(1)
			return nil
		}),
	}, nil
}

// newTestDriver returns a driver wired to a mock link.
func newTestDriver(timeout time.Duration) (*Driver, *mockLink) {
	link := newMockLink()
	d := NewDriver(DriverConfig{Address: "10.0.0.1:502", UnitID: 1, Timeout: timeout}, zerolog.Nop(), nil)
	d.dial = link.dial
	return d, link
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }
