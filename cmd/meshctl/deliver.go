package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var deliverCmd = &cobra.Command{
	Use:   "deliver <bundleId>",
	Short: "mark_delivered: move a bundle from inbox to delivered",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, closeStore, err := openEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer closeStore()

		if err := eng.MarkDelivered(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Println(args[0], "marked delivered")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(deliverCmd)
}
