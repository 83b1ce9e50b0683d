package cmd

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/progress-reconciler/internal/progress"
)

func newWatchCmd(opts *rootOptions) *cobra.Command {
	var kind string
	cmd := &cobra.Command{
		Use:   "watch <job_id>",
		Short: "Follows one job until it completes or fails",
		Long: `Tracks a single job through the configured push and poll channels and
prints one line per merged change. Exits non-zero when the job fails.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			app, err := newApp(ctx, opts.cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			runCtx, cancel := context.WithCancel(ctx)
			app.Start(runCtx)

			out := cmd.OutOrStdout()
			watchErr := app.Watch(runCtx, args[0], progress.JobKind(kind), func(rec progress.JobProgress) {
				printProgress(out, rec)
			})
			cancel()
			if err := app.Close(context.WithoutCancel(ctx)); err != nil {
				return fmt.Errorf("close: %w", err)
			}
			return watchErr
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "job kind: source, audience_validation or audience_build")
	return cmd
}

func printProgress(w io.Writer, rec progress.JobProgress) {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", rec.JobID, rec.Status)
	total := "?"
	if rec.Total != nil {
		total = strconv.FormatInt(*rec.Total, 10)
	}
	fmt.Fprintf(&b, " %d/%s", rec.Processed, total)
	if rec.Total != nil && *rec.Total > 0 {
		pct := float64(min(rec.Processed, *rec.Total)) / float64(*rec.Total) * 100
		fmt.Fprintf(&b, " (%.0f%%)", pct)
	}
	if rec.Matched != nil {
		fmt.Fprintf(&b, " matched=%d", *rec.Matched)
	}
	if rec.ETASeconds != nil && !rec.Status.Terminal() {
		fmt.Fprintf(&b, " eta=%.0fs", *rec.ETASeconds)
	}
	fmt.Fprintln(w, b.String())
}
