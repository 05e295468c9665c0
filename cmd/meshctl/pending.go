package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var pendingCmd = &cobra.Command{
	Use:   "pending <bundleId>",
	Short: "to_pending: move a bundle from outbox to pending",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, closeStore, err := openEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer closeStore()

		if err := eng.ToPending(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Println(args[0], "moved to pending")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(pendingCmd)
}
