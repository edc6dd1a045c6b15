package cmd

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/austindbirch/harbor_beacon/internal/health"
)

// healthCmd represents the health command
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the health of a relay",
	Long:  `Check the health status of a relay, including its delivery queue, using its /healthz endpoint.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		st, code, err := fetchHealth(ctx, &http.Client{Timeout: timeout}, relayAddr)
		if err != nil {
			return fmt.Errorf("HTTP health check failed: %w", err)
		}
		if outputJSON {
			printOutput(cmd.OutOrStdout(), st)
			return nil
		}
		printHealth(cmd.OutOrStdout(), st, code)
		return nil
	},
}

// fetchHealth reads /healthz from a relay
func fetchHealth(ctx context.Context, client *http.Client, addr string) (health.Status, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("http://%s/healthz", addr), nil)
	if err != nil {
		return health.Status{}, 0, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return health.Status{}, 0, err
	}
	defer resp.Body.Close()

	var st health.Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return health.Status{}, resp.StatusCode, fmt.Errorf("decode health status (HTTP %d): %w", resp.StatusCode, err)
	}
	return st, resp.StatusCode, nil
}

func printHealth(w io.Writer, st health.Status, code int) {
	if st.OK {
		fmt.Fprintln(w, "✓ Relay is healthy")
	} else {
		fmt.Fprintf(w, "✗ Relay is unhealthy (HTTP %d): %s\n", code, st.Message)
	}
	fmt.Fprintf(w, "  Database: %v\n", st.Database)
	if q := st.Queue; q != nil {
		fmt.Fprintf(w, "  Queue: state=%s depth=%d paused=%v cursor=%d\n", q.StateName, q.Depth, q.Paused, q.Cursor)
	}
}

func init() {
	rootCmd.AddCommand(healthCmd)
}
