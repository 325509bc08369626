package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/spf13/cobra"

	"github.com/austindbirch/harbor_relay/internal/ingest"
)

var eventCmd = &cobra.Command{
	Use:   "event",
	Short: "Inspect webhook events",
	Long:  `Look up events and their delivery attempts.`,
}

var eventGetCmd = &cobra.Command{
	Use:   "get [event-id]",
	Short: "Show the delivery status of an event",
	Long: `Fetch an event and its per-destination attempts from the status API.
Requires a JWT for the owning account (--token or JWT_TOKEN).

Example:
  harborctl event get 6f1c2a8e-0d5b-4a52-9d0e-2b1f3c4d5e6f`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, st, err := getEvent(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		if outputJSON {
			printOutput(cmd.OutOrStdout(), raw)
			return nil
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Event: %s\n", st.Event.EventID)
		fmt.Fprintf(out, "  Account: %s\n", st.Event.AccountID)
		fmt.Fprintf(out, "  Status: %s (aggregate %s)\n", st.Event.Status, st.Aggregate)
		fmt.Fprintf(out, "  Received: %s\n", st.Event.ReceivedAt.Format("2006-01-02 15:04:05"))
		if st.Event.ProcessedAt != nil {
			fmt.Fprintf(out, "  Processed: %s\n", st.Event.ProcessedAt.Format("2006-01-02 15:04:05"))
		}
		if st.Event.ErrorMessage != "" {
			fmt.Fprintf(out, "  Error: %s\n", st.Event.ErrorMessage)
		}
		fmt.Fprintf(out, "  Destinations: %d\n", st.Event.DestinationCount)
		for _, a := range st.Attempts {
			fmt.Fprintf(out, "    #%d %s http=%d latency=%dms", a.DestinationID, a.Status, a.HTTPStatus, a.LatencyMS)
			if a.ErrorMessage != "" {
				fmt.Fprintf(out, " error=%q", a.ErrorMessage)
			}
			fmt.Fprintln(out)
		}
		return nil
	},
}

func getEvent(ctx context.Context, eventID string) (json.RawMessage, ingest.EventStatus, error) {
	if jwtToken == "" {
		return nil, ingest.EventStatus{}, fmt.Errorf("a JWT is required (--token or JWT_TOKEN)")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	res, err := doRequest(ctx, http.MethodGet, "/v1/events/"+url.PathEscape(eventID), nil, nil)
	if err != nil {
		return nil, ingest.EventStatus{}, fmt.Errorf("status request failed: %w", err)
	}
	if res.StatusCode != http.StatusOK {
		return nil, ingest.EventStatus{}, fmt.Errorf("HTTP %d: %s", res.StatusCode, res.Message())
	}

	var st ingest.EventStatus
	if err := json.Unmarshal(res.Body, &st); err != nil {
		return nil, ingest.EventStatus{}, fmt.Errorf("decode status: %w", err)
	}
	return res.Body, st, nil
}

func init() {
	rootCmd.AddCommand(eventCmd)
	eventCmd.AddCommand(eventGetCmd)
}
