package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/bardlex/gomp-miner/internal/api"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the status of a running miner",
	Long:  `Query the HTTP API of a running miner and print its pools and statistics.`,
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().String("api-url", "http://localhost:8080", "API server URL")
	statusCmd.Flags().Bool("json", false, "print the raw status document")
	statusCmd.Flags().Duration("timeout", 5*time.Second, "request timeout")
}

func runStatus(cmd *cobra.Command, _ []string) error {
	apiURL, _ := cmd.Flags().GetString("api-url")
	raw, _ := cmd.Flags().GetBool("json")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	status, err := fetchStatus(ctx, http.DefaultClient, apiURL)
	if err != nil {
		return fmt.Errorf("failed to fetch status: %w", err)
	}

	if raw {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(status)
	}
	printStatus(cmd.OutOrStdout(), status, time.Now())
	return nil
}

func fetchStatus(ctx context.Context, client *http.Client, apiURL string) (*api.Status, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(apiURL, "/")+"/api/status", nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var status api.Status
	body := api.Response{Data: &status}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("invalid response: %w", err)
	}
	if resp.StatusCode != http.StatusOK || !body.Success {
		return nil, fmt.Errorf("API returned status %d: %s", resp.StatusCode, body.Error)
	}
	return &status, nil
}

func printStatus(w io.Writer, status *api.Status, now time.Time) {
	state := "idle"
	if status.Mining {
		state = "mining"
	}

	var total float64
	for _, m := range status.Miners {
		total += m.HashRate + m.AlternateHashRate
	}

	fmt.Fprintf(w, "Status           : %s\n", state)
	fmt.Fprintf(w, "Schedule policy  : %s\n", status.SchedulePolicy)
	fmt.Fprintf(w, "CPU cores        : %d\n", status.CPUCoreCount)
	fmt.Fprintf(w, "Total hashrate   : %s\n", humanize.SIWithDigits(total, 2, "H/s"))

	if len(status.Miners) == 0 {
		fmt.Fprintln(w, "\nNo pools configured")
		return
	}

	fmt.Fprintln(w, "\nPools:")
	for _, m := range status.Miners {
		marker := " "
		if m.Active {
			marker = "*"
		}
		fmt.Fprintf(w, "%s %2d %-36s %-8s rate=%s good=%s bad=%s",
			marker, m.Index, m.Pool, m.State,
			humanize.SIWithDigits(m.HashRate, 2, "H/s"),
			humanize.Comma(int64(m.GoodShares)),
			humanize.Comma(int64(m.BadShares)),
		)
		if m.AlternateHashRate > 0 || m.GoodAlternateShares > 0 {
			fmt.Fprintf(w, " alt=%s/%s",
				humanize.SIWithDigits(m.AlternateHashRate, 2, "H/s"),
				humanize.Comma(int64(m.GoodAlternateShares)))
		}
		if m.ConnectionErrors > 0 {
			fmt.Fprintf(w, " errors=%d last=%s", m.ConnectionErrors, humanize.RelTime(m.LastConnectionError, now, "ago", "from now"))
		}
		fmt.Fprintln(w)
	}
}
