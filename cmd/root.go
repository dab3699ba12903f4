// Package cmd defines and implements the CLI commands for the rlunch
// executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/oddlid/rlunch/internal/app"
	"github.com/oddlid/rlunch/internal/config"
	"github.com/oddlid/rlunch/internal/logging"
	"github.com/oddlid/rlunch/internal/lunch"
)

// Exit codes.
const (
	exitOK          = 0
	exitFailure     = 1
	exitConfigError = 2
)

// runtimeKeyType is the key for storing the runtime in the context.
type runtimeKeyType struct{}

// runtime is what PersistentPreRunE hands to every subcommand.
type runtime struct {
	cfg    config.Config
	logger *zap.Logger
}

// appBuilder is the application factory. It's a variable so tests can
// replace it.
type appBuilder func(ctx context.Context, cfg config.Config, logger *zap.Logger, opts app.Options) (*app.App, error)

// newRootCmd creates and configures the root command.
func newRootCmd(build appBuilder) *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "rlunch",
		Short: "Scrapes restaurant lunch menus and serves them over HTTP.",
		Long: `rlunch runs scrape passes over a compiled-in table of lunch sites,
stores every restaurant's current dish list and serves the result as JSON.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       app.Version,

		// Config and logger are built before any subcommand runs so that a
		// bad setting fails before any scraper does.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Format)
			if err != nil {
				return &lunch.ConfigError{Field: "logging", Err: err}
			}
			zap.ReplaceGlobals(logger)
			cmd.SetContext(context.WithValue(cmd.Context(), runtimeKeyType{}, &runtime{cfg: cfg, logger: logger}))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if rt, err := resolveRuntime(cmd.Context()); err == nil {
				_ = rt.logger.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); RLUNCH_* environment variables override it")

	cmd.AddCommand(
		newScrapeCmd(build),
		newServeCmd(build),
		newBootstrapCmd(build),
		newSitesCmd(),
	)
	return cmd
}

func resolveRuntime(ctx context.Context) (*runtime, error) {
	rt, ok := ctx.Value(runtimeKeyType{}).(*runtime)
	if !ok || rt == nil {
		return nil, errors.New("configuration not loaded")
	}
	return rt, nil
}

// withApp builds the application, runs fn and closes the application.
func withApp(ctx context.Context, build appBuilder, opts app.Options, fn func(*app.App, *zap.Logger) error) error {
	rt, err := resolveRuntime(ctx)
	if err != nil {
		return err
	}
	a, err := build(ctx, rt.cfg, rt.logger, opts)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(context.WithoutCancel(ctx)); cerr != nil {
			rt.logger.Warn("close failed", zap.Error(cerr))
		}
	}()
	return fn(a, rt.logger)
}

// Execute runs the CLI until it finishes or SIGINT/SIGTERM arrives and
// returns the process exit code.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return execute(ctx, newRootCmd(app.Build), os.Args[1:])
}

func execute(ctx context.Context, root *cobra.Command, args []string) int {
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	if err == nil {
		return exitOK
	}
	// zap.L is a no-op until PersistentPreRunE replaced it.
	zap.L().Error("command failed", zap.Error(err))
	fmt.Fprintln(root.ErrOrStderr(), "Error:", err)
	if lunch.IsConfigError(err) {
		return exitConfigError
	}
	return exitFailure
}
