package handlers

import (
	"context"
	"io"

	"broadlistening/internal/core"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

// NewReportsCmd creates the reports command
func NewReportsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reports",
		Short: "List registered reports",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReports(cmd.Context(), cmd.OutOrStdout())
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <slug>",
		Short: "Remove a report from the registry (its workspace is kept)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.store.Delete(cmd.Context(), args[0])
		},
	})

	return cmd
}

func runReports(ctx context.Context, out io.Writer) error {
	a, err := newApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.Close()

	reports, err := a.store.List(ctx)
	if err != nil {
		return err
	}
	renderReports(out, reports)
	return nil
}

func renderReports(out io.Writer, reports []core.Report) {
	tw := table.NewWriter()
	tw.SetOutputMirror(out)
	tw.AppendHeader(table.Row{"Slug", "Title", "Status", "Error Step", "Public", "Updated"})
	for _, r := range reports {
		tw.AppendRow(table.Row{r.Slug, r.Title, r.Status, r.ErrorStep, r.IsPublic, r.UpdatedAt.Format("2006-01-02 15:04")})
	}
	tw.Render()
}
