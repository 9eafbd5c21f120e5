package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"broadlistening/internal/config"
	"broadlistening/internal/core"
	"broadlistening/internal/pipeline"
	"broadlistening/internal/tui"
	"broadlistening/internal/workspace"

	"github.com/spf13/cobra"
)

// NewWatchCmd creates the watch command
func NewWatchCmd() *cobra.Command {
	var (
		serverURL string
		interval  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "watch <slug>",
		Short: "Watch a report run in an interactive terminal view",
		Long: `Watch polls the status of a report until it completes or fails.

Without --server the status is read from the local workspace, which is
updated on every stage transition. With --server the admin API of a running
'broadlistening serve' is polled, which also shows per-item progress.

Examples:
  broadlistening watch city
  broadlistening watch city --server http://localhost:8080`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			slug := args[0]
			fetch, err := statusFetcher(cmd.Context(), slug, serverURL)
			if err != nil {
				return err
			}
			st, err := tui.Watch(slug, fetch, interval)
			if err != nil {
				return err
			}
			if st.State == core.RunError {
				return fmt.Errorf("report %s failed at %s", slug, st.ErrorStep())
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&serverURL, "server", "", "Base URL of a running server to poll instead of the local workspace")
	cmd.Flags().DurationVar(&interval, "interval", time.Second, "Poll interval")

	return cmd
}

func statusFetcher(ctx context.Context, slug, serverURL string) (tui.FetchFunc, error) {
	if err := core.ValidateSlug(slug); err != nil {
		return nil, err
	}
	cfg := config.Get()
	if serverURL == "" {
		reportsDir := cfg.Storage.ReportsDir
		return func() (core.Status, error) {
			ws, err := workspace.Lookup(reportsDir, slug)
			if err != nil {
				return core.Status{}, err
			}
			return pipeline.RecoverStatus(ws)
		}, nil
	}

	endpoint, err := url.JoinPath(strings.TrimRight(serverURL, "/"), "admin", "reports", slug, "status")
	if err != nil {
		return nil, fmt.Errorf("invalid server URL: %w", err)
	}
	client := &http.Client{Timeout: 10 * time.Second}
	return func() (core.Status, error) {
		return fetchRemoteStatus(ctx, client, endpoint, cfg.Server.AdminAPIKey)
	}, nil
}

func fetchRemoteStatus(ctx context.Context, client *http.Client, endpoint, apiKey string) (core.Status, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return core.Status{}, err
	}
	req.Header.Set("x-api-key", apiKey)

	resp, err := client.Do(req)
	if err != nil {
		return core.Status{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return core.Status{}, fmt.Errorf("status request failed: %s", resp.Status)
	}
	var st core.Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return core.Status{}, fmt.Errorf("failed to decode status: %w", err)
	}
	return st, nil
}
