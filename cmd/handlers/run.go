package handlers

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"broadlistening/internal/core"
	"broadlistening/internal/pipeline"
	"broadlistening/internal/workspace"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

var (
	stageStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63"))
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	failStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

// NewRunCmd creates the run command
func NewRunCmd() *cobra.Command {
	var (
		force    bool
		interval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "run <submission-file>",
		Short: "Run the report pipeline for a submission",
		Long: `Run every pipeline stage for the submission in the given JSON or YAML
file. Stages whose outputs are intact and whose parameters are unchanged
since the last run are reused.

Press Ctrl+C to cancel; the report then ends in the error state and a later
run resumes from the interrupted stage.

Examples:
  # Run a report
  broadlistening run city.yaml

  # Discard earlier outputs and recompute everything
  broadlistening run city.yaml --force`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runReport(ctx, cmd.OutOrStdout(), args[0], force, interval)
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Recompute every stage even if outputs can be reused")
	cmd.Flags().DurationVar(&interval, "interval", 500*time.Millisecond, "How often to print progress")

	return cmd
}

func runReport(ctx context.Context, out io.Writer, path string, force bool, interval time.Duration) error {
	a, err := newApp(ctx, true)
	if err != nil {
		return err
	}
	defer a.Close()

	sub, err := core.LoadSubmission(path)
	if err != nil {
		return err
	}
	sub.ApplyDefaults(a.defaults())
	if err := sub.Validate(); err != nil {
		return err
	}

	m := a.manager()
	if err := m.Launch(ctx, sub, pipeline.Options{Force: force}); err != nil {
		return err
	}
	fmt.Fprintf(out, "%s %s (%d comments, model %s)\n",
		stageStyle.Render("Running report"), sub.ID, len(sub.Comments), sub.Model)

	st := follow(ctx, out, m, sub.ID, interval)
	return printOutcome(out, a.cfg.Storage.ReportsDir, sub.ID, st)
}

// follow prints stage transitions until the run ends. Cancelling ctx cancels
// the run and waits for it to record its final status.
func follow(ctx context.Context, out io.Writer, m *pipeline.Manager, slug string, interval time.Duration) core.Status {
	done := m.Done(slug)
	if done == nil {
		closed := make(chan struct{})
		close(closed)
		done = closed
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var printed int
	var current core.Stage
	report := func(st core.Status) {
		for ; printed < len(st.Completed); printed++ {
			c := st.Completed[printed]
			note := c.Duration.Round(time.Millisecond).String()
			if c.Skipped {
				note = "reused"
			}
			fmt.Fprintf(out, "  %s %-24s %s\n", okStyle.Render("✓"), c.Stage.DisplayName(), dimStyle.Render(note))
		}
		if st.State == core.RunRunning && st.Stage != current {
			current = st.Stage
			fmt.Fprintf(out, "  ▶ %s\n", st.Stage.DisplayName())
		}
	}

	for {
		select {
		case <-ctx.Done():
			fmt.Fprintln(out, dimStyle.Render("Cancelling..."))
			_ = m.Cancel(slug)
			<-done
		case <-done:
		case <-ticker.C:
			if st, err := m.Status(slug); err == nil {
				report(st)
			}
			continue
		}
		st, _ := m.Status(slug)
		report(st)
		return st
	}
}

func printOutcome(out io.Writer, reportsDir, slug string, st core.Status) error {
	if st.State != core.RunCompleted {
		fmt.Fprintf(out, "%s at %s: %s\n", failStyle.Render("Report failed"), st.ErrorStep(), st.Message)
		return fmt.Errorf("report %s failed at %s", slug, st.ErrorStep())
	}

	fmt.Fprintln(out, okStyle.Render("Report ready"))
	ws, err := workspace.Lookup(reportsDir, slug)
	if err != nil {
		return err
	}
	for _, name := range []string{workspace.ResultFile, workspace.ReportHTMLFile, workspace.CommentsCSVFile} {
		if ws.Exists(name) {
			fmt.Fprintf(out, "  %s\n", ws.Path(name))
		}
	}
	return nil
}
