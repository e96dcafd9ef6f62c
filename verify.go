package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fingerd/fingerd/device"
)

var verifyCmd = &cobra.Command{
	Use:   "verify [finger]",
	Short: "Verify a fingerprint",
	Long: `Run one verification cycle on the default device. The finger
defaults to "any", letting the daemon pick among the enrolled ones.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runVerify,
}

func init() {
	verifyCmd.Flags().StringVarP(&flagUsername, "username", "u", "", "verify another user")
}

func runVerify(cmd *cobra.Command, args []string) error {
	fingerName := "any"
	if len(args) == 1 {
		fingerName = args[0]
	}

	username, err := callerUsername()
	if err != nil {
		return err
	}

	c, err := connectDefaultDevice()
	if err != nil {
		return err
	}
	defer c.close()

	if err := c.subscribe(); err != nil {
		return err
	}
	if err := c.claim(username); err != nil {
		return err
	}
	defer c.release()

	if err := c.call("VerifyStart", fingerName); err != nil {
		return fmt.Errorf("starting verification: %w", err)
	}

	for sig := range c.signals {
		switch sig.Name {
		case device.Interface + ".VerifyFingerSelected":
			if len(sig.Body) == 1 {
				fmt.Printf("Verifying: %v\n", sig.Body[0])
			}
		case device.Interface + ".VerifyStatus":
			if len(sig.Body) != 2 {
				continue
			}
			result, _ := sig.Body[0].(string)
			done, _ := sig.Body[1].(bool)
			fmt.Printf("Verify result: %s\n", result)
			if !done {
				continue
			}
			if err := c.call("VerifyStop"); err != nil {
				return fmt.Errorf("stopping verification: %w", err)
			}
			if result != "verify-match" {
				return fmt.Errorf("verification failed: %s", result)
			}
			return nil
		}
	}
	return fmt.Errorf("lost connection to the daemon")
}
