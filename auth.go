package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/fingerd/fingerd/authclient"
)

var flagAuthOptions []string

var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Authenticate with a fingerprint, racing a password prompt",
	Long: `Run a full authentication attempt the way a login module would:
claim the best device, verify against a deadline, and let a typed password
interrupt the scan. Module options are passed with -o, for example
-o max-tries=5 -o timeout=15 -o no-need-enter.`,
	Args: cobra.NoArgs,
	RunE: runAuth,
}

func init() {
	authCmd.Flags().StringVarP(&flagUsername, "username", "u", "", "authenticate another user")
	authCmd.Flags().StringArrayVarP(&flagAuthOptions, "option", "o", nil, "module option token")
}

func runAuth(cmd *cobra.Command, args []string) error {
	username, err := callerUsername()
	if err != nil {
		return err
	}

	opts := authclient.ParseOptions(flagAuthOptions)
	if flagDebug {
		opts.Debug = true
	}

	registry, err := authclient.ConnectSystem()
	if err != nil {
		return err
	}
	defer registry.Close()

	// Without a terminal the prompt goes through a graphical pinentry.
	var conv authclient.Conv = authclient.NewTerminalConv()
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		conv = authclient.NewPinentryConv()
	}

	client := authclient.New(opts, registry, conv, username)
	if opts.SingleThread {
		client.SetInputSource(authclient.NewTerminalInput())
	}

	result, err := client.Authenticate(cmd.Context())
	if err != nil {
		return err
	}

	switch result.Outcome {
	case authclient.OutcomeSuccess:
		fmt.Println("Fingerprint verified")
		return nil
	case authclient.OutcomePassword:
		// The surrounding stack owns password validation; here we can
		// only report that the password path won the race.
		fmt.Println("Password entered before the fingerprint concluded")
		return nil
	default:
		return fmt.Errorf("authentication failed: %s", result.Outcome)
	}
}
