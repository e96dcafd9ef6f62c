package manager

import (
	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
)

var managerIntrospection = introspect.Interface{
	Name: Interface,
	Methods: []introspect.Method{
		{Name: "GetDevices", Args: []introspect.Arg{
			{Name: "devices", Type: "ao", Direction: "out"},
		}},
		{Name: "GetDefaultDevice", Args: []introspect.Arg{
			{Name: "device", Type: "o", Direction: "out"},
		}},
	},
}

// Export publishes the manager object on conn.
func (m *Manager) Export(conn *dbus.Conn) error {
	if err := conn.Export(m, Path, Interface); err != nil {
		return err
	}

	node := &introspect.Node{
		Name: string(Path),
		Interfaces: []introspect.Interface{
			introspect.IntrospectData,
			managerIntrospection,
		},
	}
	return conn.Export(introspect.NewIntrospectable(node), Path,
		"org.freedesktop.DBus.Introspectable")
}
