package main

import (
	"github.com/spf13/cobra"
)

var reapCmd = &cobra.Command{
	Use:   "reap",
	Short: "run one TTL reaper tick synchronously (administrative control)",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, closeStore, err := openEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer closeStore()

		result, err := eng.Reap(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(result)
	},
}

func init() {
	rootCmd.AddCommand(reapCmd)
}
