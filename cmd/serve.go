package cmd

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/oddlid/rlunch/internal/app"
)

// newServeCmd creates the 'serve' subcommand: the read API, plus the
// scheduler and the manual trigger endpoint when a schedule is set.
func newServeCmd(build appBuilder) *cobra.Command {
	var cron string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve menus over HTTP, optionally scraping on a schedule",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), build, app.Options{Cron: cron}, func(a *app.App, logger *zap.Logger) error {
				logger.Info("serving", zap.Int("sites", a.Registry().Len()))
				return a.Serve(cmd.Context())
			})
		},
	}
	cmd.Flags().StringVar(&cron, "cron", "", "scrape on this schedule while serving (overrides scrape.cron)")
	return cmd
}
