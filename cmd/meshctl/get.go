package main

import (
	"github.com/spf13/cobra"
)

var getCmd = &cobra.Command{
	Use:   "get <bundleId>",
	Short: "get_bundle: retrieve a bundle by id",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, closeStore, err := openEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer closeStore()

		b, err := eng.GetBundle(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(b)
	},
}

func init() {
	rootCmd.AddCommand(getCmd)
}
