package cmd

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/oddlid/rlunch/internal/app"
)

func newBootstrapCmd(build appBuilder) *cobra.Command {
	return &cobra.Command{
		Use:   "bootstrap",
		Short: "Create the schema and the country, city and site rows of every known site",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), build, app.Options{}, func(a *app.App, _ *zap.Logger) error {
				return a.Bootstrap(cmd.Context())
			})
		},
	}
}
