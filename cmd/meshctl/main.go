// Package main implements meshctl, the operator control CLI for the DTN
// bundle engine: the seven Control API operations (spec.md §6) plus the
// administrative reap/evict triggers and a peer sync command, all built
// directly against the engine package rather than over a network API —
// meshctl and meshd share the same configured store.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configDir string

var rootCmd = &cobra.Command{
	Use:   "meshctl",
	Short: "meshctl operates a DTN bundle engine node",
	Long: `meshctl is the operator-facing control CLI for one meshd node. It opens
the same Queue Store and identity meshd uses (configured the same way) and
exposes the seven Control API operations as subcommands, plus manual
triggers for the TTL reaper and cache eviction passes and a one-shot peer
sync.`,
}

func main() {
	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", "config", "directory containing <env>.yaml / default.yaml")
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "meshctl: %v\n", err)
		os.Exit(1)
	}
}
