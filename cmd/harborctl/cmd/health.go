package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the health of the ingest service",
	Long: `Check the ingest service through its /healthz endpoint, or through the
gRPC health service with --grpc.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		useGRPC, _ := cmd.Flags().GetBool("grpc")
		if useGRPC {
			status, err := grpcHealth(ctx, grpcAddr)
			if err != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "✗ Service is unhealthy: %v\n", err)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s Service status: %s (gRPC)\n", mark(status == healthpb.HealthCheckResponse_SERVING), status)
			return nil
		}

		res, err := doRequest(ctx, http.MethodGet, "/healthz", nil, nil)
		if err != nil {
			return fmt.Errorf("HTTP health check failed: %w", err)
		}
		if outputJSON {
			printOutput(cmd.OutOrStdout(), jsonOrString(res.Body))
			return nil
		}
		if res.StatusCode == http.StatusOK {
			fmt.Fprintln(cmd.OutOrStdout(), "✓ Service is healthy (HTTP)")
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "✗ Service is unhealthy (HTTP %d): %s\n", res.StatusCode, res.Message())
		}
		return nil
	},
}

func grpcHealth(ctx context.Context, addr string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}

func mark(ok bool) string {
	if ok {
		return "✓"
	}
	return "✗"
}

func init() {
	rootCmd.AddCommand(healthCmd)
	healthCmd.Flags().Bool("grpc", false, "use the gRPC health service instead of /healthz")
}

func jsonOrString(b []byte) any {
	if json.Valid(b) {
		return json.RawMessage(b)
	}
	return string(b)
}
