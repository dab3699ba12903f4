package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/oddlid/rlunch/internal/app"
)

// newScrapeCmd creates the 'scrape' subcommand. Without --cron it runs one
// pass, prints the summary and exits; with it, passes run on the schedule
// until the process is signalled.
func newScrapeCmd(build appBuilder) *cobra.Command {
	var (
		cron   string
		dryRun bool
	)
	cmd := &cobra.Command{
		Use:   "scrape",
		Short: "Run a scrape pass, or scheduled passes with --cron",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts := app.Options{DryRun: dryRun, Cron: cron}
			return withApp(cmd.Context(), build, opts, func(a *app.App, logger *zap.Logger) error {
				if cron != "" {
					return a.RunScheduled(cmd.Context())
				}
				summary, err := a.RunPass(cmd.Context())
				if summary.ID != uuid.Nil {
					out, merr := json.MarshalIndent(summary, "", "  ")
					if merr != nil {
						return fmt.Errorf("encode summary: %w", merr)
					}
					fmt.Fprintln(cmd.OutOrStdout(), string(out))
				}
				if err != nil {
					return err
				}
				logger.Info("scrape finished", zap.String("pass_id", summary.ID.String()))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&cron, "cron", "", `run passes on this schedule until stopped, e.g. "0 30 10 * * MON-FRI"`)
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "keep writes and published summaries in memory")
	return cmd
}
