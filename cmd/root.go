// Package cmd defines and implements the CLI commands for the agenda service.
package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ajslaghu/open-agenda-api/internal/alias"
	"github.com/ajslaghu/open-agenda-api/internal/app"
	"github.com/ajslaghu/open-agenda-api/internal/config"
	"github.com/ajslaghu/open-agenda-api/internal/coord"
	"github.com/ajslaghu/open-agenda-api/internal/ingest"
	"github.com/ajslaghu/open-agenda-api/internal/logging"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App defines the application services the commands use.
// Tests inject a fake through newApp.
type App interface {
	Config() config.Config
	Logger() *zap.Logger
	Execute(ctx context.Context, slugs []string) (ingest.Run, error)
	Evaluate(ctx context.Context) (coord.Evaluation, error)
	Coordinate(ctx context.Context, interval time.Duration) error
	SwapAliases(ctx context.Context) ([]alias.Result, error)
	Serve(ctx context.Context, ln net.Listener) error
	Close(ctx context.Context) error
}

// newApp is the application factory.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (App, error) {
	return app.New(ctx, cfg, logger)
}

// newRootCmd creates the root command and its subcommands.
func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "agendad",
		Short: "Ingests municipal meeting agendas into versioned search indices.",
		Long: `agendad crawls the configured council information systems, enriches the
documents it finds, bulk indexes them into a fresh index generation and
swaps the public aliases once every pipeline of the batch has finished.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			zap.ReplaceGlobals(logger)

			appInstance, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (defaults and AGENDA_* environment variables otherwise)")

	cmd.AddCommand(
		newRunCmd(),
		newCoordinateCmd(),
		newSwapCmd(),
		newServeCmd(),
	)
	return cmd
}

// Execute is the main entry point.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// withApp runs fn against the injected App and always closes it afterwards.
func withApp(fn func(cmd *cobra.Command, args []string, appInstance App) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) (err error) {
		appInstance, err := resolveApp(cmd.Context())
		if err != nil {
			return err
		}
		defer func() {
			err = errors.Join(err, closeApp(cmd.Context(), appInstance))
		}()
		return fn(cmd, args, appInstance)
	}
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// closeApp closes appInstance on a context that outlives cancellation and
// flushes its logger.
func closeApp(ctx context.Context, appInstance App) error {
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), appInstance.Config().ShutdownTimeout())
	defer cancel()
	err := appInstance.Close(closeCtx)
	_ = appInstance.Logger().Sync()
	return err
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
