package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/godbus/dbus/v5"
	"github.com/spf13/cobra"

	"github.com/fingerd/fingerd/biometric"
	"github.com/fingerd/fingerd/config"
	"github.com/fingerd/fingerd/device"
	"github.com/fingerd/fingerd/logging"
	"github.com/fingerd/fingerd/manager"
	"github.com/fingerd/fingerd/polkit"
	"github.com/fingerd/fingerd/storage"
)

var flagNoTimeout bool

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the fingerprint service",
	Args:  cobra.NoArgs,
	RunE:  runDaemon,
}

func init() {
	daemonCmd.Flags().BoolVar(&flagNoTimeout, "no-timeout", false, "never exit on inactivity")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return err
	}
	logging.SetDebug(flagDebug || cfg.Debug)

	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return fmt.Errorf("connecting to system bus: %w", err)
	}
	defer conn.Close()

	reply, err := conn.RequestName(device.ServiceName, dbus.NameFlagDoNotQueue)
	if err != nil {
		return fmt.Errorf("requesting bus name: %w", err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return fmt.Errorf("%s is already owned, is another daemon running?", device.ServiceName)
	}

	timeout := cfg.IdleTimeout
	if cfg.NoTimeout || flagNoTimeout {
		timeout = 0
	}

	mgr := manager.New(manager.Config{
		Store:       storage.New(cfg.StorageDir),
		Authority:   polkit.NewAuthority(conn),
		Bus:         device.NewSystemBus(conn),
		Source:      buildSource(cfg),
		Conn:        conn,
		IdleTimeout: timeout,
	})
	if err := mgr.Export(conn); err != nil {
		return fmt.Errorf("exporting manager: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logging.Infof("fingerd %s up on %s", version, device.ServiceName)
	if err := mgr.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	logging.Infof("shutting down")
	return nil
}

// buildSource assembles the reader source from configuration. Without any
// configured device a single default simulated reader is registered, so a
// fresh install has something to talk to.
func buildSource(cfg *config.Config) biometric.Source {
	if len(cfg.Devices) == 0 {
		return biometric.NewSimulator(biometric.NewVirtual(biometric.VirtualConfig{
			Driver: "virtual",
			Name:   "Virtual fingerprint reader",
			Scan:   biometric.ScanTypePress,
		}))
	}

	devs := make([]biometric.Device, 0, len(cfg.Devices))
	for _, dc := range cfg.Devices {
		scan := biometric.ScanTypePress
		if dc.ScanType == string(biometric.ScanTypeSwipe) {
			scan = biometric.ScanTypeSwipe
		}
		devs = append(devs, biometric.NewVirtual(biometric.VirtualConfig{
			Driver:   dc.Driver,
			Name:     dc.Name,
			Scan:     scan,
			Stages:   dc.EnrollStages,
			Identify: dc.Identify,
			Storage:  dc.Storage,
		}))
	}
	return biometric.NewSimulator(devs...)
}
