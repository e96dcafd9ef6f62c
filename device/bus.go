package device

import (
	"fmt"
	"os"
	"os/user"
	"strconv"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"

	"github.com/fingerd/fingerd/logging"
)

// Bus is the slice of the message bus a device object needs: signal
// emission, caller credential lookup, and client liveness tracking. The
// production implementation wraps a D-Bus connection; tests substitute a
// recorder.
type Bus interface {
	Emit(path dbus.ObjectPath, member string, values ...interface{}) error

	// UsernameForSender resolves the bus client to its OS account name.
	UsernameForSender(sender string) (string, error)

	// CommandForSender returns the caller's process name, best-effort,
	// for diagnostics. Empty when unavailable.
	CommandForSender(sender string) string

	// WatchSender invokes vanished once when the client drops off the
	// bus. The returned func cancels the watch.
	WatchSender(sender string, vanished func()) (cancel func(), err error)
}

// SystemBus adapts a *dbus.Conn to the Bus interface.
type SystemBus struct {
	conn *dbus.Conn

	mu      sync.Mutex
	nextID  int
	watches map[string]map[int]func()
	started bool
}

// NewSystemBus wraps conn.
func NewSystemBus(conn *dbus.Conn) *SystemBus {
	return &SystemBus{
		conn:    conn,
		watches: make(map[string]map[int]func()),
	}
}

func (b *SystemBus) Emit(path dbus.ObjectPath, member string, values ...interface{}) error {
	return b.conn.Emit(path, member, values...)
}

func (b *SystemBus) UsernameForSender(sender string) (string, error) {
	var uid uint32
	err := b.conn.BusObject().Call("org.freedesktop.DBus.GetConnectionUnixUser", 0, sender).Store(&uid)
	if err != nil {
		return "", fmt.Errorf("looking up uid of %s: %w", sender, err)
	}
	u, err := user.LookupId(strconv.FormatUint(uint64(uid), 10))
	if err != nil {
		return "", fmt.Errorf("looking up user for uid %d: %w", uid, err)
	}
	return u.Username, nil
}

func (b *SystemBus) CommandForSender(sender string) string {
	var pid uint32
	err := b.conn.BusObject().Call("org.freedesktop.DBus.GetConnectionUnixProcessID", 0, sender).Store(&pid)
	if err != nil {
		return ""
	}
	comm, err := os.ReadFile(fmt.Sprintf("/proc/%d/comm", pid))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(comm))
}

func (b *SystemBus) WatchSender(sender string, vanished func()) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.started {
		err := b.conn.AddMatchSignal(
			dbus.WithMatchSender("org.freedesktop.DBus"),
			dbus.WithMatchInterface("org.freedesktop.DBus"),
			dbus.WithMatchMember("NameOwnerChanged"),
		)
		if err != nil {
			return nil, fmt.Errorf("subscribing to name owner changes: %w", err)
		}
		ch := make(chan *dbus.Signal, 32)
		b.conn.Signal(ch)
		go b.pump(ch)
		b.started = true
	}

	b.nextID++
	id := b.nextID
	if b.watches[sender] == nil {
		b.watches[sender] = make(map[int]func())
	}
	b.watches[sender][id] = vanished

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if m := b.watches[sender]; m != nil {
			delete(m, id)
			if len(m) == 0 {
				delete(b.watches, sender)
			}
		}
	}
	return cancel, nil
}

func (b *SystemBus) pump(ch chan *dbus.Signal) {
	for sig := range ch {
		if sig.Name != "org.freedesktop.DBus.NameOwnerChanged" || len(sig.Body) != 3 {
			continue
		}
		name, _ := sig.Body[0].(string)
		newOwner, _ := sig.Body[2].(string)
		if newOwner != "" {
			continue
		}

		b.mu.Lock()
		callbacks := b.watches[name]
		delete(b.watches, name)
		b.mu.Unlock()

		if len(callbacks) > 0 {
			logging.Debugf("bus client %s vanished", name)
		}
		for _, cb := range callbacks {
			cb()
		}
	}
}
