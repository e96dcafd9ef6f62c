package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var deleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Delete all enrolled fingerprints",
	Args:  cobra.NoArgs,
	RunE:  runDelete,
}

func init() {
	deleteCmd.Flags().StringVarP(&flagUsername, "username", "u", "", "delete another user's fingerprints")
}

func runDelete(cmd *cobra.Command, args []string) error {
	username, err := callerUsername()
	if err != nil {
		return err
	}

	c, err := connectDefaultDevice()
	if err != nil {
		return err
	}
	defer c.close()

	if err := c.claim(username); err != nil {
		return err
	}
	defer c.release()

	if err := c.call("DeleteEnrolledFingers2"); err != nil {
		return fmt.Errorf("deleting fingerprints: %w", err)
	}
	fmt.Printf("Deleted all fingerprints of %s\n", username)
	return nil
}
