package device

import (
	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
	"github.com/godbus/dbus/v5/prop"
)

// busObject is the wire-facing view of a Device. Only these methods are
// exported; godbus fills in the sender for the first argument.
type busObject struct {
	d *Device
}

func (o busObject) Claim(sender dbus.Sender, username string) *dbus.Error {
	return o.d.Claim(string(sender), username)
}

func (o busObject) Release(sender dbus.Sender) *dbus.Error {
	return o.d.Release(string(sender))
}

func (o busObject) VerifyStart(sender dbus.Sender, finger string) *dbus.Error {
	return o.d.VerifyStart(string(sender), finger)
}

func (o busObject) VerifyStop(sender dbus.Sender) *dbus.Error {
	return o.d.VerifyStop(string(sender))
}

func (o busObject) EnrollStart(sender dbus.Sender, finger string) *dbus.Error {
	return o.d.EnrollStart(string(sender), finger)
}

func (o busObject) EnrollStop(sender dbus.Sender) *dbus.Error {
	return o.d.EnrollStop(string(sender))
}

func (o busObject) ListEnrolledFingers(sender dbus.Sender, username string) ([]string, *dbus.Error) {
	return o.d.ListEnrolledFingers(string(sender), username)
}

func (o busObject) DeleteEnrolledFingers(sender dbus.Sender, username string) *dbus.Error {
	return o.d.DeleteEnrolledFingers(string(sender), username)
}

func (o busObject) DeleteEnrolledFingers2(sender dbus.Sender) *dbus.Error {
	return o.d.DeleteEnrolledFingers2(string(sender))
}

var deviceIntrospection = introspect.Interface{
	Name: Interface,
	Methods: []introspect.Method{
		{Name: "Claim", Args: []introspect.Arg{
			{Name: "username", Type: "s", Direction: "in"},
		}},
		{Name: "Release"},
		{Name: "VerifyStart", Args: []introspect.Arg{
			{Name: "finger_name", Type: "s", Direction: "in"},
		}},
		{Name: "VerifyStop"},
		{Name: "EnrollStart", Args: []introspect.Arg{
			{Name: "finger_name", Type: "s", Direction: "in"},
		}},
		{Name: "EnrollStop"},
		{Name: "ListEnrolledFingers", Args: []introspect.Arg{
			{Name: "username", Type: "s", Direction: "in"},
			{Name: "enrolled_fingers", Type: "as", Direction: "out"},
		}},
		{Name: "DeleteEnrolledFingers", Args: []introspect.Arg{
			{Name: "username", Type: "s", Direction: "in"},
		}},
		{Name: "DeleteEnrolledFingers2"},
	},
	Signals: []introspect.Signal{
		{Name: SignalVerifyFingerSelected, Args: []introspect.Arg{
			{Name: "finger_name", Type: "s"},
		}},
		{Name: SignalVerifyStatus, Args: []introspect.Arg{
			{Name: "result", Type: "s"},
			{Name: "done", Type: "b"},
		}},
		{Name: SignalEnrollStatus, Args: []introspect.Arg{
			{Name: "result", Type: "s"},
			{Name: "done", Type: "b"},
		}},
	},
	Properties: []introspect.Property{
		{Name: "in-use", Type: "b", Access: "read"},
		{Name: "name", Type: "s", Access: "read"},
		{Name: "scan-type", Type: "s", Access: "read"},
		{Name: "num-enroll-stages", Type: "i", Access: "read"},
	},
}

// Export publishes the device on conn.
func (d *Device) Export(conn *dbus.Conn) error {
	if err := conn.Export(busObject{d}, d.path, Interface); err != nil {
		return err
	}

	props, err := prop.Export(conn, d.path, prop.Map{
		Interface: {
			"in-use":            {Value: false, Emit: prop.EmitTrue},
			"name":              {Value: d.dev.Name(), Emit: prop.EmitConst},
			"scan-type":         {Value: string(d.dev.ScanType()), Emit: prop.EmitConst},
			"num-enroll-stages": {Value: int32(d.dev.NumEnrollStages()), Emit: prop.EmitConst},
		},
	})
	if err != nil {
		return err
	}
	d.propMu.Lock()
	d.props = props
	d.propMu.Unlock()

	node := &introspect.Node{
		Name: string(d.path),
		Interfaces: []introspect.Interface{
			introspect.IntrospectData,
			prop.IntrospectData,
			deviceIntrospection,
		},
	}
	return conn.Export(introspect.NewIntrospectable(node), d.path,
		"org.freedesktop.DBus.Introspectable")
}

// Unexport removes the device from conn after unplug.
func (d *Device) Unexport(conn *dbus.Conn) {
	conn.Export(nil, d.path, Interface)
	conn.Export(nil, d.path, "org.freedesktop.DBus.Properties")
	conn.Export(nil, d.path, "org.freedesktop.DBus.Introspectable")

	d.propMu.Lock()
	d.props = nil
	d.propMu.Unlock()
}
