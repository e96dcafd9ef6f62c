package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fingerd/fingerd/biometric"
	"github.com/fingerd/fingerd/device"
)

var enrollCmd = &cobra.Command{
	Use:   "enroll [finger]",
	Short: "Enroll a fingerprint",
	Long: `Enroll a fingerprint on the default device. The finger defaults to
right-index-finger; run "fingerd enroll --fingers" to list valid names.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runEnroll,
}

var flagListFingers bool

func init() {
	enrollCmd.Flags().StringVarP(&flagUsername, "username", "u", "", "enroll for another user")
	enrollCmd.Flags().BoolVar(&flagListFingers, "fingers", false, "list valid finger names")
}

func runEnroll(cmd *cobra.Command, args []string) error {
	if flagListFingers {
		for _, f := range biometric.Fingers() {
			fmt.Println(f)
		}
		return nil
	}

	fingerName := "right-index-finger"
	if len(args) == 1 {
		fingerName = args[0]
	}
	if biometric.FingerFromName(fingerName) == biometric.FingerAny {
		return fmt.Errorf("invalid finger name %q", fingerName)
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

	if err := c.call("EnrollStart", fingerName); err != nil {
		return fmt.Errorf("starting enrollment: %w", err)
	}
	fmt.Printf("Enrolling %s for %s\n", fingerName, username)

	for sig := range c.signals {
		if sig.Name != device.Interface+".EnrollStatus" || len(sig.Body) != 2 {
			continue
		}
		result, _ := sig.Body[0].(string)
		done, _ := sig.Body[1].(bool)
		fmt.Printf("Enroll result: %s\n", result)
		if !done {
			continue
		}
		if err := c.call("EnrollStop"); err != nil {
			return fmt.Errorf("stopping enrollment: %w", err)
		}
		if result != "enroll-completed" {
			return fmt.Errorf("enrollment failed: %s", result)
		}
		return nil
	}
	return fmt.Errorf("lost connection to the daemon")
}
