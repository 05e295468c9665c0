package main

import (
	"github.com/spf13/cobra"
)

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "node_info: print this node's public key and fingerprint",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, closeStore, err := openEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer closeStore()

		return printJSON(eng.NodeInfo())
	},
}

func init() {
	rootCmd.AddCommand(infoCmd)
}
