package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/commons-mesh/bundleengine/bundle"
)

var (
	listLimit  int
	listOffset int
)

var listCmd = &cobra.Command{
	Use:   "list [queue]",
	Short: "list_queue: list bundles in a named queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		queue := bundle.Queue(args[0])
		if !queue.Valid() {
			return fmt.Errorf("unknown queue %q (want one of %v)", args[0], bundle.AllQueues)
		}

		eng, closeStore, err := openEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer closeStore()

		bundles, err := eng.ListQueue(cmd.Context(), queue, listLimit, listOffset)
		if err != nil {
			return err
		}
		return printJSON(bundles)
	},
}

func init() {
	listCmd.Flags().IntVar(&listLimit, "limit", 0, "max results (0 = unbounded)")
	listCmd.Flags().IntVar(&listOffset, "offset", 0, "pagination offset")
	rootCmd.AddCommand(listCmd)
}
