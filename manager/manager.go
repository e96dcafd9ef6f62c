// Package manager maintains the registry of attached fingerprint readers,
// assigns their bus paths, and exits the daemon after a period of
// inactivity.
package manager

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/fingerd/fingerd/biometric"
	"github.com/fingerd/fingerd/device"
	"github.com/fingerd/fingerd/fperr"
	"github.com/fingerd/fingerd/logging"
	"github.com/fingerd/fingerd/polkit"
	"github.com/fingerd/fingerd/storage"
)

const (
	// Path is the fixed object path of the manager.
	Path dbus.ObjectPath = "/net/reactivated/Fprint/Manager"
	// Interface is the manager's bus interface.
	Interface = "net.reactivated.Fprint.Manager"
)

// DefaultIdleTimeout is how long the daemon stays alive with no client
// holding any device.
const DefaultIdleTimeout = 30 * time.Second

// Config assembles a Manager. Conn may be nil, in which case devices are
// tracked but never published on a bus.
type Config struct {
	Store     *storage.Store
	Authority polkit.Authority
	Bus       device.Bus
	Source    biometric.Source
	Conn      *dbus.Conn

	// IdleTimeout <= 0 disables the inactivity exit.
	IdleTimeout time.Duration

	// Exit is called when the idle timeout fires. Defaults to a clean
	// process exit.
	Exit func()
}

// Manager owns the device list. Devices keep their path for their whole
// lifetime; numbers are never reused within one daemon run.
type Manager struct {
	store     *storage.Store
	authority polkit.Authority
	bus       device.Bus
	source    biometric.Source
	conn      *dbus.Conn
	timeout   time.Duration
	exit      func()

	mu      sync.Mutex
	devices []*device.Device
	nextID  uint32
	timer   *time.Timer
}

// New builds a Manager from cfg.
func New(cfg Config) *Manager {
	exit := cfg.Exit
	if exit == nil {
		exit = func() { os.Exit(0) }
	}
	return &Manager{
		store:     cfg.Store,
		authority: cfg.Authority,
		bus:       cfg.Bus,
		source:    cfg.Source,
		conn:      cfg.Conn,
		timeout:   cfg.IdleTimeout,
		exit:      exit,
	}
}

// Run enumerates the readers already present, then tracks hotplug events
// until ctx is cancelled. Enumeration completes before Run starts serving
// hotplug, so a GetDevices issued right after startup sees every reader
// that was attached at launch.
func (m *Manager) Run(ctx context.Context) error {
	for _, dev := range m.source.Devices() {
		m.addDevice(dev)
	}
	m.usageChanged()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case dev := <-m.source.Added():
			m.addDevice(dev)
		case dev := <-m.source.Removed():
			m.removeDevice(dev)
		}
	}
}

func (m *Manager) addDevice(dev biometric.Device) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	d := device.New(id, dev, m.store, m.authority, m.bus)
	d.SetOnInUseChanged(m.usageChanged)
	m.devices = append(m.devices, d)
	m.mu.Unlock()

	if m.conn != nil {
		if err := d.Export(m.conn); err != nil {
			logging.Errorf("failed to export device %d: %s", id, err)
		}
	}
	logging.Infof("device %s (%s) registered at %s", dev.Name(), dev.Driver(), d.Path())
}

func (m *Manager) removeDevice(dev biometric.Device) {
	m.mu.Lock()
	var removed *device.Device
	for i, d := range m.devices {
		if d.Reader() == dev {
			removed = d
			m.devices = append(m.devices[:i], m.devices[i+1:]...)
			break
		}
	}
	m.mu.Unlock()

	if removed == nil {
		return
	}
	if m.conn != nil {
		removed.Unexport(m.conn)
	}
	logging.Infof("device %s unplugged, removed %s", dev.Name(), removed.Path())
	m.usageChanged()
}

// Devices returns the registered devices in registration order.
func (m *Manager) Devices() []*device.Device {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*device.Device, len(m.devices))
	copy(out, m.devices)
	return out
}

// GetDevices returns the object paths of all registered devices.
func (m *Manager) GetDevices() ([]dbus.ObjectPath, *dbus.Error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	paths := make([]dbus.ObjectPath, 0, len(m.devices))
	for _, d := range m.devices {
		paths = append(paths, d.Path())
	}
	return paths, nil
}

// GetDefaultDevice returns the first registered device.
func (m *Manager) GetDefaultDevice() (dbus.ObjectPath, *dbus.Error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.devices) == 0 {
		return "/", fperr.NoSuchDevice("No devices available")
	}
	return m.devices[0].Path(), nil
}

func (m *Manager) anyInUse() bool {
	m.mu.Lock()
	devices := m.devices
	m.mu.Unlock()
	for _, d := range devices {
		if d.InUse() {
			return true
		}
	}
	return false
}

// usageChanged re-arms or pauses the inactivity timer whenever a device's
// in-use state flips.
func (m *Manager) usageChanged() {
	if m.timeout <= 0 {
		return
	}

	inUse := m.anyInUse()

	m.mu.Lock()
	defer m.mu.Unlock()
	if inUse {
		if m.timer != nil {
			m.timer.Stop()
			m.timer = nil
		}
		return
	}
	if m.timer != nil {
		m.timer.Stop()
	}
	m.timer = time.AfterFunc(m.timeout, m.idleExpired)
}

func (m *Manager) idleExpired() {
	if m.anyInUse() {
		return
	}
	logging.Infof("no activity for %s, exiting", m.timeout)
	m.exit()
}
