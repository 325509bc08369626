package cmd

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/austindbirch/harbor_relay/internal/ingest"
)

var sendCmd = &cobra.Command{
	Use:   "send [payload-json]",
	Short: "Send an event to the ingress endpoint",
	Long: `Send an event for the account identified by --app-token. The payload is
read from the argument, or from stdin when the argument is "-". A random event
id is generated unless --event-id is given.

Example:
  harborctl send --app-token tok_123 '{"order_id":"ord_789","total":42}'`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eventID, _ := cmd.Flags().GetString("event-id")

		raw := "{}"
		if len(args) == 1 {
			raw = args[0]
		}
		if raw == "-" {
			b, err := io.ReadAll(cmd.InOrStdin())
			if err != nil {
				return fmt.Errorf("read stdin: %w", err)
			}
			raw = string(b)
		}
		payload, err := parseJSON(raw)
		if err != nil {
			return fmt.Errorf("invalid payload JSON: %w", err)
		}

		res, eventID, err := sendEvent(cmd.Context(), appToken, eventID, payload)
		if err != nil {
			return fmt.Errorf("send failed: %w", err)
		}
		if res.StatusCode != http.StatusOK {
			return fmt.Errorf("event %s rejected: HTTP %d: %s", eventID, res.StatusCode, res.Message())
		}

		if outputJSON {
			printOutput(cmd.OutOrStdout(), map[string]any{
				"event_id": eventID,
				"status":   res.StatusCode,
				"message":  res.Message(),
			})
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "Sent event: %s\n", eventID)
			fmt.Fprintf(cmd.OutOrStdout(), "  Response: %s\n", res.Message())
		}
		return nil
	},
}

// sendEvent posts payload to the ingress endpoint, generating an event id
// when none is given. It returns the id that was used.
func sendEvent(ctx context.Context, token, eventID string, payload []byte) (apiResponse, string, error) {
	if token == "" {
		return apiResponse{}, "", fmt.Errorf("an app token is required (--app-token or APP_TOKEN)")
	}
	if eventID == "" {
		eventID = uuid.NewString()
	}
	if ctx == nil {
		ctx = context.Background()
	}
	res, err := doRequest(ctx, http.MethodPost, "/server/incoming_data", map[string]string{
		ingest.TokenHeader:   token,
		ingest.EventIDHeader: eventID,
	}, payload)
	return res, eventID, err
}

func init() {
	rootCmd.AddCommand(sendCmd)
	sendCmd.Flags().String("event-id", "", "event id to send (default: random UUID)")
}
