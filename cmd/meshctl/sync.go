package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/commons-mesh/bundleengine/bundle"
	"github.com/commons-mesh/bundleengine/intake"
	"github.com/commons-mesh/bundleengine/peersync"
	"github.com/commons-mesh/bundleengine/policy"
)

var (
	syncIsLocal   bool
	syncTrust     float64
	syncMax       int
	syncFetchOnly bool
)

// syncCmd runs one forwarding opportunity against a remote meshd: it
// requests the remote index, fetches the remote bundles this node does not
// hold in inbox/outbox/pending, and (unless --fetch-only) pushes every local
// outbox and pending bundle for the remote intake pipeline to judge (§4.9).
// It does not call Pull, and it applies no local forwarding policy to what
// it pushes.
var syncCmd = &cobra.Command{
	Use:   "sync <ws://host:port/sync>",
	Short: "run one pairwise sync pass against a remote node",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, closeStore, err := openEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer closeStore()

		client, err := peersync.Dial(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		defer client.Close()

		peer := peersync.PeerDescriptor{IsLocal: syncIsLocal, TrustScore: syncTrust}
		eng.RememberPeer(args[0], policy.Peer{IsLocal: peer.IsLocal, TrustScore: peer.TrustScore})

		idx, err := client.Index(cmd.Context(), peersync.IndexRequest{})
		if err != nil {
			return fmt.Errorf("indexing remote: %w", err)
		}

		var want []string
		for _, s := range idx.Summaries {
			known, err := eng.Store().ExistsIn(cmd.Context(), s.BundleID, bundle.QueueInbox, bundle.QueueOutbox, bundle.QueuePending)
			if err != nil {
				return err
			}
			if !known {
				want = append(want, s.BundleID)
			}
		}

		fetched := 0
		if len(want) > 0 {
			resp, err := client.Fetch(cmd.Context(), peersync.FetchRequest{BundleIDs: want, Peer: peer})
			if err != nil {
				return fmt.Errorf("fetching from remote: %w", err)
			}
			results, err := eng.Intake().SubmitBatch(cmd.Context(), resp.Bundles, time.Now())
			if err != nil {
				return fmt.Errorf("submitting fetched bundles: %w", err)
			}
			for _, r := range results {
				if r.Outcome == intake.OutcomeAccepted {
					fetched++
				}
			}
		}

		pushed := 0
		if !syncFetchOnly {
			var toPush []*bundle.Bundle
			for _, q := range []bundle.Queue{bundle.QueueOutbox, bundle.QueuePending} {
				bundles, err := eng.Store().List(cmd.Context(), q, 0, 0)
				if err != nil {
					return err
				}
				toPush = append(toPush, bundles...)
			}
			if len(toPush) > 0 {
				resp, err := client.Push(cmd.Context(), peersync.PushRequest{Bundles: toPush})
				if err != nil {
					return fmt.Errorf("pushing to remote: %w", err)
				}
				for _, st := range resp.Statuses {
					if st.Accepted {
						pushed++
					}
				}
			}
		}

		fmt.Printf("sync complete: %d remote summaries, %d fetched, %d pushed\n", len(idx.Summaries), fetched, pushed)
		return nil
	},
}

func init() {
	syncCmd.Flags().BoolVar(&syncIsLocal, "local", false, "present this node as local to the remote peer's forwarding policy")
	syncCmd.Flags().Float64Var(&syncTrust, "trust", 0, "trust score to present to the remote peer's forwarding policy")
	syncCmd.Flags().IntVar(&syncMax, "max", 0, "reserved for a future pull-only mode")
	syncCmd.Flags().BoolVar(&syncFetchOnly, "fetch-only", false, "skip the push half of the exchange")
	rootCmd.AddCommand(syncCmd)
}
