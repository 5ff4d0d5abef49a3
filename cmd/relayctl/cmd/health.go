package cmd

import (
	"fmt"
	"io"
	"net/http"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/austindbirch/status_relay/internal/health"
)

// healthCmd represents the health command
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the health of the relay",
	Long:  `Check the health of the relay over HTTP, or through the gRPC health service with --grpc.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		useGRPC, _ := cmd.Flags().GetBool("grpc")
		if useGRPC {
			return grpcHealth(cmd.OutOrStdout())
		}

		ctx, cancel := requestContext()
		defer cancel()

		var st health.Status
		if err := doJSON(ctx, http.MethodGet, "/healthz", nil, &st); err != nil {
			fmt.Fprintf(cmd.OutOrStdout(), "✗ Relay is unhealthy: %v\n", err)
			return nil
		}
		printOutput(cmd.OutOrStdout(), st, func(w io.Writer) {
			fmt.Fprintln(w, "✓ Relay is healthy")
			fmt.Fprintf(w, "  Durable storage: %v\n", st.Database)
			fmt.Fprintf(w, "  Active sessions: %d\n", st.ActiveSessions)
			fmt.Fprintf(w, "  Pending jobs: %d\n", st.PendingJobs)
		})
		return nil
	},
}

func grpcHealth(w io.Writer) error {
	conn, err := grpc.NewClient(grpcAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close()

	ctx, cancel := requestContext()
	defer cancel()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		fmt.Fprintf(w, "✗ Relay is unhealthy: %v\n", err)
		return nil
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		fmt.Fprintf(w, "✗ Relay is %s\n", resp.GetStatus())
		return nil
	}
	fmt.Fprintln(w, "✓ Relay is healthy (gRPC)")
	return nil
}

func init() {
	rootCmd.AddCommand(healthCmd)
	healthCmd.Flags().Bool("grpc", false, "use the gRPC health service")
}
