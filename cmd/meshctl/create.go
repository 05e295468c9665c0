package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/commons-mesh/bundleengine/bundle"
)

var (
	createPriority    string
	createAudience    string
	createTopic       string
	createTags        string
	createPayloadType string
	createPayloadFile string
	createHopLimit    int
	createReceipt     string
)

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "create_bundle: sign and store a new bundle in outbox",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, closeStore, err := openEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer closeStore()

		payload := []byte{}
		if createPayloadFile != "" {
			payload, err = os.ReadFile(createPayloadFile)
			if err != nil {
				return fmt.Errorf("reading payload file: %w", err)
			}
		}

		var tags []string
		if createTags != "" {
			tags = strings.Split(createTags, ",")
		}

		hopLimit := &createHopLimit
		if createHopLimit <= 0 {
			hopLimit = nil
		}

		b, err := eng.CreateBundle(cmd.Context(), bundle.Params{
			Priority:      bundle.Priority(createPriority),
			Audience:      bundle.Audience(createAudience),
			Topic:         createTopic,
			Tags:          tags,
			PayloadType:   createPayloadType,
			Payload:       payload,
			HopLimit:      hopLimit,
			ReceiptPolicy: bundle.ReceiptPolicy(createReceipt),
		})
		if err != nil {
			return err
		}

		return printJSON(b)
	},
}

func init() {
	createCmd.Flags().StringVar(&createPriority, "priority", string(bundle.PriorityNormal), "emergency|perishable|normal|low")
	createCmd.Flags().StringVar(&createAudience, "audience", string(bundle.AudiencePublic), "public|local|trusted|private")
	createCmd.Flags().StringVar(&createTopic, "topic", "", "application topic, e.g. mutual-aid")
	createCmd.Flags().StringVar(&createTags, "tags", "", "comma-separated tags")
	createCmd.Flags().StringVar(&createPayloadType, "payload-type", "", "application payload schema tag, e.g. vf:Listing")
	createCmd.Flags().StringVar(&createPayloadFile, "payload-file", "", "path to the opaque payload bytes")
	createCmd.Flags().IntVar(&createHopLimit, "hop-limit", 0, "max relay hops (0 = default_hop_limit)")
	createCmd.Flags().StringVar(&createReceipt, "receipt-policy", string(bundle.ReceiptNone), "none|requested|required")
	rootCmd.AddCommand(createCmd)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
