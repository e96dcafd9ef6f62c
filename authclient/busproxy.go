package authclient

import (
	"fmt"

	"github.com/godbus/dbus/v5"

	"github.com/fingerd/fingerd/fperr"
	"github.com/fingerd/fingerd/logging"
)

const (
	serviceName      = "net.reactivated.Fprint"
	managerPath      = "/net/reactivated/Fprint/Manager"
	managerInterface = "net.reactivated.Fprint.Manager"
	deviceInterface  = "net.reactivated.Fprint.Device"
)

// BusRegistry talks to the daemon over the system bus.
type BusRegistry struct {
	conn *dbus.Conn
}

// ConnectSystem opens a private system bus connection for the duration of
// the authentication attempt.
func ConnectSystem() (*BusRegistry, error) {
	conn, err := dbus.SystemBusPrivate()
	if err != nil {
		return nil, fmt.Errorf("connecting to system bus: %w", err)
	}
	if err := conn.Auth(nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("authenticating to system bus: %w", err)
	}
	if err := conn.Hello(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("greeting system bus: %w", err)
	}
	return &BusRegistry{conn: conn}, nil
}

// Close drops the bus connection.
func (r *BusRegistry) Close() error {
	return r.conn.Close()
}

// Devices lists the daemon's devices in registration order.
func (r *BusRegistry) Devices() ([]DeviceHandle, error) {
	manager := r.conn.Object(serviceName, dbus.ObjectPath(managerPath))

	var paths []dbus.ObjectPath
	if err := manager.Call(managerInterface+".GetDevices", 0).Store(&paths); err != nil {
		return nil, fmt.Errorf("listing fingerprint devices: %w", err)
	}

	handles := make([]DeviceHandle, 0, len(paths))
	for _, path := range paths {
		handles = append(handles, &busDevice{
			conn: r.conn,
			obj:  r.conn.Object(serviceName, path),
			path: path,
		})
	}
	return handles, nil
}

type busDevice struct {
	conn *dbus.Conn
	obj  dbus.BusObject
	path dbus.ObjectPath

	signals chan *dbus.Signal
	events  chan Event
}

func (d *busDevice) Name() string {
	return d.stringProperty("name")
}

func (d *busDevice) ScanType() string {
	return d.stringProperty("scan-type")
}

func (d *busDevice) stringProperty(name string) string {
	v, err := d.obj.GetProperty(deviceInterface + "." + name)
	if err != nil {
		return ""
	}
	s, _ := v.Value().(string)
	return s
}

func (d *busDevice) EnrolledCount(username string) (int, error) {
	var fingers []string
	err := d.obj.Call(deviceInterface+".ListEnrolledFingers", 0, username).Store(&fingers)
	if err != nil {
		if fperr.Is(err, fperr.NameNoEnrolledPrints) {
			return 0, nil
		}
		return 0, fmt.Errorf("listing enrolled fingers on %s: %w", d.path, err)
	}
	return len(fingers), nil
}

func (d *busDevice) Claim(username string) error {
	if err := d.subscribe(); err != nil {
		return err
	}
	if err := d.obj.Call(deviceInterface+".Claim", 0, username).Err; err != nil {
		d.unsubscribe()
		return fmt.Errorf("claiming %s: %w", d.path, err)
	}
	return nil
}

func (d *busDevice) Release() error {
	err := d.obj.Call(deviceInterface+".Release", 0).Err
	d.unsubscribe()
	if err != nil {
		return fmt.Errorf("releasing %s: %w", d.path, err)
	}
	return nil
}

func (d *busDevice) VerifyStart(finger string) error {
	return d.obj.Call(deviceInterface+".VerifyStart", 0, finger).Err
}

func (d *busDevice) VerifyStop() error {
	return d.obj.Call(deviceInterface+".VerifyStop", 0).Err
}

func (d *busDevice) Events() <-chan Event {
	return d.events
}

func (d *busDevice) subscribe() error {
	err := d.conn.AddMatchSignal(
		dbus.WithMatchInterface(deviceInterface),
		dbus.WithMatchObjectPath(d.path),
	)
	if err != nil {
		return fmt.Errorf("subscribing to device signals: %w", err)
	}

	d.signals = make(chan *dbus.Signal, 16)
	d.events = make(chan Event, 16)
	d.conn.Signal(d.signals)
	go d.pump()
	return nil
}

func (d *busDevice) unsubscribe() {
	if d.signals == nil {
		return
	}
	d.conn.RemoveSignal(d.signals)
	if err := d.conn.RemoveMatchSignal(
		dbus.WithMatchInterface(deviceInterface),
		dbus.WithMatchObjectPath(d.path),
	); err != nil {
		logging.Debugf("removing signal match: %s", err)
	}
	close(d.signals)
	d.signals = nil
}

// pump converts raw bus signals into typed events. Events are dropped, not
// blocked on, when the consumer has already moved past them.
func (d *busDevice) pump() {
	for sig := range d.signals {
		if sig.Path != d.path {
			continue
		}
		var ev Event
		switch sig.Name {
		case deviceInterface + ".VerifyStatus":
			if len(sig.Body) != 2 {
				logging.Warnf("malformed VerifyStatus payload: %v", sig.Body)
				continue
			}
			result, rok := sig.Body[0].(string)
			done, dok := sig.Body[1].(bool)
			if !rok || !dok {
				logging.Warnf("malformed VerifyStatus payload: %v", sig.Body)
				continue
			}
			ev = StatusEvent{Result: result, Done: done}
		case deviceInterface + ".VerifyFingerSelected":
			if len(sig.Body) != 1 {
				continue
			}
			finger, ok := sig.Body[0].(string)
			if !ok {
				continue
			}
			ev = FingerSelectedEvent{Finger: finger}
		default:
			continue
		}

		select {
		case d.events <- ev:
		default:
			logging.Debugf("dropping unconsumed device event %v", ev)
		}
	}
}

var _ Registry = (*BusRegistry)(nil)
var _ DeviceHandle = (*busDevice)(nil)
