package main

import (
	"github.com/spf13/cobra"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "stats: per-queue counts, cache usage, and forwarding counters",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, closeStore, err := openEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer closeStore()

		stats, err := eng.Stats(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(stats)
	},
}

func init() {
	rootCmd.AddCommand(statsCmd)
}
