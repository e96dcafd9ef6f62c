package main

import (
	"fmt"

	"github.com/godbus/dbus/v5"
	"github.com/spf13/cobra"

	"github.com/fingerd/fingerd/device"
	"github.com/fingerd/fingerd/fperr"
	"github.com/fingerd/fingerd/manager"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List enrolled fingerprints on every device",
	Args:  cobra.NoArgs,
	RunE:  runList,
}

func init() {
	listCmd.Flags().StringVarP(&flagUsername, "username", "u", "", "list another user's fingerprints")
}

func runList(cmd *cobra.Command, args []string) error {
	username, err := callerUsername()
	if err != nil {
		return err
	}

	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return fmt.Errorf("connecting to system bus: %w", err)
	}
	defer conn.Close()

	mgr := conn.Object(device.ServiceName, manager.Path)
	var paths []dbus.ObjectPath
	if err := mgr.Call(manager.Interface+".GetDevices", 0).Store(&paths); err != nil {
		return fmt.Errorf("listing devices: %w", err)
	}
	if len(paths) == 0 {
		return fmt.Errorf("no fingerprint devices available")
	}

	for _, path := range paths {
		obj := conn.Object(device.ServiceName, path)

		name := "unknown device"
		if v, err := obj.GetProperty(device.Interface + ".name"); err == nil {
			if s, ok := v.Value().(string); ok {
				name = s
			}
		}

		var fingers []string
		err := obj.Call(device.Interface+".ListEnrolledFingers", 0, username).Store(&fingers)
		switch {
		case fperr.Is(err, fperr.NameNoEnrolledPrints):
			fmt.Printf("%s: no fingers enrolled for %s\n", name, username)
			continue
		case err != nil:
			fmt.Printf("%s: %s\n", name, err)
			continue
		}

		fmt.Printf("%s:\n", name)
		for _, f := range fingers {
			fmt.Printf("  %s\n", f)
		}
	}
	return nil
}
