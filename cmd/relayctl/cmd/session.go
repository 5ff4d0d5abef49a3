package cmd

import (
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/spf13/cobra"

	"github.com/austindbirch/status_relay/internal/perfmem"
)

// sessionCmd represents the session command
var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage a session's delivery queue and state",
}

var abandonCmd = &cobra.Command{
	Use:   "abandon",
	Short: "Drop every queued and running delivery job of the session",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		session, err := requireSession()
		if err != nil {
			return err
		}
		ctx, cancel := requestContext()
		defer cancel()

		var out struct {
			Abandoned int `json:"abandoned"`
		}
		if err := doJSON(ctx, http.MethodDelete, "/v1/sessions/"+url.PathEscape(session)+"/queue", nil, &out); err != nil {
			return fmt.Errorf("failed to abandon queue: %w", err)
		}
		printOutput(cmd.OutOrStdout(), out, func(w io.Writer) {
			fmt.Fprintf(w, "Abandoned %d job(s) for session %s\n", out.Abandoned, session)
		})
		return nil
	},
}

var performanceCmd = &cobra.Command{
	Use:   "performance",
	Short: "Show the remembered batch performance of the session",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		session, err := requireSession()
		if err != nil {
			return err
		}
		ctx, cancel := requestContext()
		defer cancel()

		var rec perfmem.Record
		if err := doJSON(ctx, http.MethodGet, "/v1/sessions/"+url.PathEscape(session)+"/performance", nil, &rec); err != nil {
			return fmt.Errorf("failed to get performance: %w", err)
		}
		printOutput(cmd.OutOrStdout(), rec, func(w io.Writer) {
			fmt.Fprintf(w, "Performance for session %s\n", session)
			fmt.Fprintf(w, "  Proven batch size: %d\n", rec.ProvenSize)
			fmt.Fprintf(w, "  Average latency: %s\n", rec.AverageLatency)
			fmt.Fprintf(w, "  Success rate: %.0f%%\n", rec.SuccessRate*100)
			fmt.Fprintf(w, "  Samples: %d\n", rec.Samples)
			fmt.Fprintf(w, "  Last success: %s\n", rec.LastSuccessAt.Format("2006-01-02 15:04:05"))
		})
		return nil
	},
}

var hydrateCmd = &cobra.Command{
	Use:   "hydrate",
	Short: "Reload the session's posts and receipts from storage",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		session, err := requireSession()
		if err != nil {
			return err
		}
		ctx, cancel := requestContext()
		defer cancel()

		var out struct {
			Hydrated int `json:"hydrated"`
		}
		if err := doJSON(ctx, http.MethodPost, "/v1/sessions/"+url.PathEscape(session)+"/hydrate", nil, &out); err != nil {
			return fmt.Errorf("failed to hydrate session: %w", err)
		}
		printOutput(cmd.OutOrStdout(), out, func(w io.Writer) {
			fmt.Fprintf(w, "Hydrated %d post(s) for session %s\n", out.Hydrated, session)
		})
		return nil
	},
}

func init() {
	rootCmd.AddCommand(sessionCmd)
	sessionCmd.AddCommand(abandonCmd, performanceCmd, hydrateCmd)
}
