package manager

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fingerd/fingerd/biometric"
	"github.com/fingerd/fingerd/device"
	"github.com/fingerd/fingerd/fperr"
	"github.com/fingerd/fingerd/storage"
)

type stubBus struct {
	mu       sync.Mutex
	vanishes map[string]func()
}

func newStubBus() *stubBus {
	return &stubBus{vanishes: map[string]func(){}}
}

func (b *stubBus) Emit(dbus.ObjectPath, string, ...interface{}) error { return nil }

func (b *stubBus) UsernameForSender(sender string) (string, error) {
	return "alice", nil
}

func (b *stubBus) CommandForSender(string) string { return "manager_test" }

func (b *stubBus) WatchSender(sender string, vanished func()) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.vanishes[sender] = vanished
	return func() {}, nil
}

func (b *stubBus) vanish(sender string) {
	b.mu.Lock()
	cb := b.vanishes[sender]
	b.mu.Unlock()
	if cb != nil {
		cb()
	}
}

type allowAll struct{}

func (allowAll) CheckAuthorization(context.Context, string, string) (bool, error) {
	return true, nil
}

func startManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	if cfg.Store == nil {
		cfg.Store = storage.New(t.TempDir())
	}
	if cfg.Authority == nil {
		cfg.Authority = allowAll{}
	}
	if cfg.Bus == nil {
		cfg.Bus = newStubBus()
	}

	m := New(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go m.Run(ctx)
	return m
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 2*time.Millisecond)
}

func TestEnumerationAssignsStablePaths(t *testing.T) {
	source := biometric.NewSimulator(
		biometric.NewVirtual(biometric.VirtualConfig{Name: "first"}),
		biometric.NewVirtual(biometric.VirtualConfig{Name: "second"}),
	)
	m := startManager(t, Config{Source: source})

	waitFor(t, func() bool { return len(m.Devices()) == 2 })

	paths, derr := m.GetDevices()
	require.Nil(t, derr)
	assert.Equal(t, []dbus.ObjectPath{
		"/net/reactivated/Fprint/Device/0",
		"/net/reactivated/Fprint/Device/1",
	}, paths)

	def, derr := m.GetDefaultDevice()
	require.Nil(t, derr)
	assert.Equal(t, dbus.ObjectPath("/net/reactivated/Fprint/Device/0"), def)
}

func TestGetDefaultDeviceEmpty(t *testing.T) {
	m := startManager(t, Config{Source: biometric.NewSimulator()})

	_, derr := m.GetDefaultDevice()
	require.NotNil(t, derr)
	assert.Equal(t, fperr.NameNoSuchDevice, derr.Name)
}

func TestHotplugNeverReusesNumbers(t *testing.T) {
	first := biometric.NewVirtual(biometric.VirtualConfig{Name: "first"})
	source := biometric.NewSimulator(first)
	m := startManager(t, Config{Source: source})

	waitFor(t, func() bool { return len(m.Devices()) == 1 })

	source.Unplug(first)
	waitFor(t, func() bool { return len(m.Devices()) == 0 })

	source.Plug(biometric.NewVirtual(biometric.VirtualConfig{Name: "second"}))
	waitFor(t, func() bool { return len(m.Devices()) == 1 })

	assert.Equal(t, dbus.ObjectPath("/net/reactivated/Fprint/Device/1"),
		m.Devices()[0].Path())
}

func TestIdleExit(t *testing.T) {
	exited := make(chan struct{}, 1)
	m := startManager(t, Config{
		Source:      biometric.NewSimulator(biometric.NewVirtual(biometric.VirtualConfig{})),
		IdleTimeout: 20 * time.Millisecond,
		Exit:        func() { exited <- struct{}{} },
	})
	waitFor(t, func() bool { return len(m.Devices()) == 1 })

	select {
	case <-exited:
	case <-time.After(2 * time.Second):
		t.Fatal("idle exit never fired")
	}
}

func TestIdleExitHeldOffWhileInUse(t *testing.T) {
	bus := newStubBus()
	exited := make(chan struct{}, 1)
	m := startManager(t, Config{
		Source:      biometric.NewSimulator(biometric.NewVirtual(biometric.VirtualConfig{})),
		Bus:         bus,
		IdleTimeout: 100 * time.Millisecond,
		Exit:        func() { exited <- struct{}{} },
	})
	waitFor(t, func() bool { return len(m.Devices()) == 1 })

	d := m.Devices()[0]
	require.Nil(t, d.Claim(":1.5", ""))

	select {
	case <-exited:
		t.Fatal("exited while a device was claimed")
	case <-time.After(300 * time.Millisecond):
	}

	// The client dropping off the bus re-arms the timer.
	bus.vanish(":1.5")
	select {
	case <-exited:
	case <-time.After(2 * time.Second):
		t.Fatal("idle exit never fired after release")
	}
}

func TestNoTimeoutDisablesIdleExit(t *testing.T) {
	exited := make(chan struct{}, 1)
	startManager(t, Config{
		Source:      biometric.NewSimulator(),
		IdleTimeout: 0,
		Exit:        func() { exited <- struct{}{} },
	})

	select {
	case <-exited:
		t.Fatal("exited despite timeout being disabled")
	case <-time.After(100 * time.Millisecond):
	}
}

var _ device.Bus = (*stubBus)(nil)
