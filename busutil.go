package main

import (
	"errors"
	"fmt"
	"os/user"

	"github.com/godbus/dbus/v5"

	"github.com/fingerd/fingerd/device"
	"github.com/fingerd/fingerd/manager"
)

var flagUsername string

// callerUsername resolves the -u flag, defaulting to the invoking user.
func callerUsername() (string, error) {
	if flagUsername != "" {
		return flagUsername, nil
	}
	u, err := user.Current()
	if err != nil {
		return "", fmt.Errorf("resolving current user: %w", err)
	}
	return u.Username, nil
}

// deviceClient is a minimal command-line client for one device object.
type deviceClient struct {
	conn    *dbus.Conn
	obj     dbus.BusObject
	path    dbus.ObjectPath
	signals chan *dbus.Signal
}

// connectDefaultDevice connects to the system bus and opens the daemon's
// default device.
func connectDefaultDevice() (*deviceClient, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("connecting to system bus: %w", err)
	}

	mgr := conn.Object(device.ServiceName, manager.Path)
	var path dbus.ObjectPath
	if err := mgr.Call(manager.Interface+".GetDefaultDevice", 0).Store(&path); err != nil {
		conn.Close()
		return nil, fmt.Errorf("no fingerprint device: %w", err)
	}
	if path == "" || path == "/" {
		conn.Close()
		return nil, errors.New("no fingerprint device available")
	}

	return &deviceClient{
		conn: conn,
		obj:  conn.Object(device.ServiceName, path),
		path: path,
	}, nil
}

func (c *deviceClient) close() {
	c.conn.Close()
}

// subscribe routes this device's signals into c.signals.
func (c *deviceClient) subscribe() error {
	err := c.conn.AddMatchSignal(
		dbus.WithMatchInterface(device.Interface),
		dbus.WithMatchObjectPath(c.path),
	)
	if err != nil {
		return fmt.Errorf("subscribing to device signals: %w", err)
	}
	c.signals = make(chan *dbus.Signal, 16)
	c.conn.Signal(c.signals)
	return nil
}

func (c *deviceClient) call(method string, args ...interface{}) error {
	return c.obj.Call(device.Interface+"."+method, 0, args...).Err
}

func (c *deviceClient) claim(username string) error {
	if err := c.call("Claim", username); err != nil {
		return fmt.Errorf("claiming device: %w", err)
	}
	return nil
}

func (c *deviceClient) release() {
	if err := c.call("Release"); err != nil {
		fmt.Printf("Error releasing device: %s\n", err)
	}
}
