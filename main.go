// fingerd is a fingerprint authentication service: the daemon subcommand
// exposes enrolled readers on the system bus, and the utility subcommands
// enroll, verify, and manage fingerprints against a running daemon.
package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/fingerd/fingerd/logging"
)

const version = "1.0.0"

var (
	flagConfig string
	flagDebug  bool
)

var rootCmd = &cobra.Command{
	Use:     "fingerd",
	Short:   "Fingerprint authentication service",
	Version: version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logging.SetDebug(flagDebug)
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "path to the configuration file")
	rootCmd.PersistentFlags().BoolVarP(&flagDebug, "debug", "d", false, "enable debug logging")

	rootCmd.AddCommand(
		daemonCmd,
		enrollCmd,
		verifyCmd,
		listCmd,
		deleteCmd,
		authCmd,
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		logging.Errorf("%s", err)
		os.Exit(1)
	}
}
