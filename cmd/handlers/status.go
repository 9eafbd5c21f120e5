package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"broadlistening/internal/core"
	"broadlistening/internal/pipeline"
	"broadlistening/internal/store"
	"broadlistening/internal/workspace"

	"github.com/spf13/cobra"
)

// NewStatusCmd creates the status command
func NewStatusCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status <slug>",
		Short: "Show the pipeline status of a report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd.Context(), cmd.OutOrStdout(), args[0], asJSON)
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the status document as JSON")

	return cmd
}

func runStatus(ctx context.Context, out io.Writer, slug string, asJSON bool) error {
	a, err := newApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.Close()

	ws, err := workspace.Lookup(a.cfg.Storage.ReportsDir, slug)
	if err != nil {
		return err
	}
	st, err := pipeline.RecoverStatus(ws)
	if err != nil {
		return err
	}

	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	}

	report, err := a.store.Get(ctx, slug)
	switch {
	case errors.Is(err, store.ErrNotFound):
		report = nil
	case err != nil:
		return err
	}
	printStatus(out, slug, report, st)
	return nil
}

func printStatus(out io.Writer, slug string, report *core.Report, st core.Status) {
	fmt.Fprintln(out, stageStyle.Render("Report "+slug))
	if report != nil {
		fmt.Fprintf(out, "  %s\n", report.Title)
		fmt.Fprintf(out, "  %s %s\n", dimStyle.Render("registry:"), report.Status)
	}
	fmt.Fprintf(out, "  %s %s\n", dimStyle.Render("step:"), st.CurrentStep())
	if st.State == core.RunRunning && st.Total > 0 {
		fmt.Fprintf(out, "  %s %d/%d\n", dimStyle.Render("progress:"), st.Processed, st.Total)
	}
	for _, c := range st.Completed {
		note := c.Duration.Round(time.Millisecond).String()
		if c.Skipped {
			note = "reused"
		}
		fmt.Fprintf(out, "  %s %-24s %s\n", okStyle.Render("✓"), c.Stage.DisplayName(), dimStyle.Render(note))
	}
	if st.State == core.RunError {
		fmt.Fprintf(out, "  %s %s: %s\n", failStyle.Render("✗"), st.ErrorStep(), st.Message)
	}
}
