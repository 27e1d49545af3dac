package modbus

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nexus-edge/acquisition-gateway/internal/domain"
	"github.com/rs/zerolog"
	"github.com/tbrandon/mbserver"
)

// freeAddr reserves a loopback port and releases it for the caller.
func freeAddr(t *testing.T) (string, int) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := l.Addr().(*net.TCPAddr)
	l.Close()
	return "127.0.0.1:" + strconv.Itoa(addr.Port), addr.Port
}

func startSlave(t *testing.T) (*mbserver.Server, int) {
	t.Helper()
	addr, port := freeAddr(t)
	serv := mbserver.NewServer()
	if err := serv.ListenTCP(addr); err != nil {
		t.Fatalf("ListenTCP(%s): %v", addr, err)
	}
	t.Cleanup(serv.Close)
	return serv, port
}

func wireDevice(t *testing.T, port int, timeout time.Duration, vars ...domain.Variable) *Device {
	t.Helper()
	cfg := meterConfig(vars...)
	cfg.Connection = domain.ConnectionConfig{Host: "127.0.0.1", Port: port, UnitID: 1, Timeout: timeout}
	dev, err := NewDevice(cfg, DeviceOptions{Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("NewDevice() error: %v", err)
	}
	t.Cleanup(func() { dev.Disconnect() })
	return dev
}

func TestDevice_WireReadAndWrite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping wire test in short mode")
	}
	serv, port := startSlave(t)
	serv.HoldingRegisters[5] = 10
	serv.HoldingRegisters[6] = 20
	serv.HoldingRegisters[7] = 30
	serv.Coils[2] = 1

	dev := wireDevice(t, port, time.Second,
		holding("a", 5, 1, domain.ValueTypeUInt16),
		holding("b", 6, 2, domain.ValueTypeInt32),
		coil("valve", 2),
		coil("pump", 3),
	)
	if err := dev.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}

	values, err := dev.Refresh(context.Background(), 0)
	if err != nil {
		t.Fatalf("Refresh() error: %v", err)
	}
	want := map[string]interface{}{"a": uint16(10), "b": int32(1310750), "valve": true, "pump": false}
	for id, w := range want {
		if values[id] != w {
			t.Errorf("%s = %v (%T), want %v", id, values[id], values[id], w)
		}
	}

	if err := dev.WriteVariable(context.Background(), "b", 1966100); err != nil {
		t.Fatalf("WriteVariable(b) error: %v", err)
	}
	if err := dev.WriteVariable(context.Background(), "pump", true); err != nil {
		t.Fatalf("WriteVariable(pump) error: %v", err)
	}
	if serv.HoldingRegisters[6] != 30 || serv.HoldingRegisters[7] != 20 {
		t.Errorf("registers after write = %d,%d; want 30,20", serv.HoldingRegisters[6], serv.HoldingRegisters[7])
	}

	values, err = dev.Refresh(context.Background(), 1)
	if err != nil {
		t.Fatalf("Refresh() error: %v", err)
	}
	if values["b"] != int32(1966100) || values["pump"] != true {
		t.Errorf("values after write = %v", values)
	}
	if st := dev.Driver().Stats(); st.Connects != 1 || st.Errors != 0 {
		t.Errorf("driver stats = %+v", st)
	}
}

// silentSlave accepts connections and never answers.
type silentSlave struct {
	l        net.Listener
	accepted atomic.Int32
	mu       sync.Mutex
	conns    []net.Conn
}

func startSilentSlave(t *testing.T) (*silentSlave, int) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := &silentSlave{l: l}
	go func() {
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			s.accepted.Add(1)
			s.mu.Lock()
			s.conns = append(s.conns, c)
			s.mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		l.Close()
		s.mu.Lock()
		for _, c := range s.conns {
			c.Close()
		}
		s.mu.Unlock()
	})
	return s, l.Addr().(*net.TCPAddr).Port
}

func TestDevice_WireTimeoutReconnects(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping wire test in short mode")
	}
	slave, port := startSilentSlave(t)
	dev := wireDevice(t, port, 100*time.Millisecond, holding("a", 0, 1, domain.ValueTypeUInt16))
	if err := dev.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}

	_, err := dev.Refresh(context.Background(), 0)
	if !errors.Is(err, domain.ErrReadTimeout) {
		t.Fatalf("Refresh() error = %v, want ErrReadTimeout", err)
	}
	if !dev.IsActive() {
		t.Error("a timeout must not deactivate the device")
	}
	waitFor(t, "socket close", func() bool { return !dev.IsConnected() })
	if dev.Driver().IsBusy() {
		t.Error("busy flag must be cleared after the batch")
	}

	_, err = dev.Refresh(context.Background(), 1)
	if !errors.Is(err, domain.ErrReadTimeout) {
		t.Fatalf("second Refresh() error = %v, want ErrReadTimeout", err)
	}
	waitFor(t, "reconnect", func() bool { return slave.accepted.Load() == 2 })
}

func TestDevice_WireConnectRefused(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping wire test in short mode")
	}
	_, port := freeAddr(t)
	dev := wireDevice(t, port, 200*time.Millisecond, holding("a", 0, 1, domain.ValueTypeUInt16))

	if err := dev.Connect(context.Background()); !errors.Is(err, domain.ErrTransport) && !errors.Is(err, domain.ErrConnectTimeout) {
		t.Fatalf("Connect() error = %v, want a link error", err)
	}
	if !dev.IsActive() {
		t.Error("a failed connect must leave the device active for the next attempt")
	}
}
