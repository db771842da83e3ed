package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/amoylab/timerbridge/internal/common/cnst"
	"github.com/amoylab/timerbridge/internal/common/config"
	"github.com/amoylab/timerbridge/internal/core"
	"github.com/amoylab/timerbridge/internal/session"
	"github.com/amoylab/timerbridge/internal/storage"
	"github.com/amoylab/timerbridge/pkg/logger"
	"github.com/amoylab/timerbridge/pkg/trace"
	"github.com/amoylab/timerbridge/pkg/version"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

var (
	configPath string
	listenPort int

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of " + cnst.CommandName,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s version %s\n", cnst.CommandName, version.Get())
		},
	}

	testCmd = &cobra.Command{
		Use:   "test [<ip[:port]>]",
		Short: "Load and validate the configuration, then exit",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, path, err := loadConfig(args)
			if err != nil {
				return err
			}
			if path == "" {
				path = "built-in defaults"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "configuration %s is valid, upstream %s\n", path, cfg.Upstream.Target)
			return nil
		},
	}

	rootCmd = &cobra.Command{
		Use:   cnst.CommandName + " <ip[:port]>",
		Short: "Bridge downstream sessions to a timing device",
		Long: `timerbridge accepts WebSocket sessions on /socket and relays their
named events to a timing device over its own WebSocket link, one link per
session. Replies are acknowledged in order and device notifications are
forwarded as events.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), args)
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "conf", "c", "", "path to configuration file, defaults to "+cnst.DefaultConfigFile)
	rootCmd.PersistentFlags().IntVarP(&listenPort, "port", "p", 0, "port downstream sessions connect to")
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(testCmd)
}

// loadConfig reads the configuration and applies the command line on top.
// A missing default file falls back to built-in defaults; an explicit
// --conf must exist.
func loadConfig(args []string) (*config.BridgeConfig, string, error) {
	name := configPath
	if name == "" {
		name = cnst.DefaultConfigFile
	}

	cfg, path, err := config.LoadConfig[config.BridgeConfig](name)
	if err != nil {
		if configPath != "" || !errors.Is(err, fs.ErrNotExist) {
			return nil, path, fmt.Errorf("failed to load configuration %s: %w", path, err)
		}
		cfg, path = &config.BridgeConfig{}, ""
		cfg.SetDefaults()
	}

	if len(args) > 0 {
		cfg.Upstream.Target = args[0]
	}
	if listenPort != 0 {
		cfg.Port = listenPort
	}
	if err := cfg.Validate(); err != nil {
		return nil, path, fmt.Errorf("invalid configuration:\n%w", err)
	}
	return cfg, path, nil
}

func run(ctx context.Context, args []string) error {
	cfg, cfgPath, err := loadConfig(args)
	if err != nil {
		return err
	}

	lg, err := logger.NewLogger(&cfg.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = lg.Sync() }()

	if cfg.Logger.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	lg.Info("Starting "+cnst.AppName,
		zap.String("version", version.Get()),
		zap.String("config", cfgPath))

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Tracing.Enabled {
		shutdownTracing, err := trace.InitTracing(ctx, &cfg.Tracing, lg)
		if err != nil {
			return fmt.Errorf("failed to initialize tracing: %w", err)
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := shutdownTracing(sctx); err != nil {
				lg.Warn("failed to flush traces", zap.Error(err))
			}
		}()
	}

	sessions, err := session.NewStore(ctx, lg, &cfg.Session)
	if err != nil {
		return fmt.Errorf("failed to initialize session store: %w", err)
	}
	defer func() {
		if err := sessions.Close(); err != nil {
			lg.Warn("failed to close session store", zap.Error(err))
		}
	}()

	history, err := storage.NewStore(lg, &cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer func() {
		if err := history.Close(); err != nil {
			lg.Warn("failed to close storage", zap.Error(err))
		}
	}()

	srv, err := core.NewServer(lg, cfg, sessions, history)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.ListenAndServe)
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	if err := g.Wait(); err != nil {
		lg.Error("server stopped with error", zap.Error(err))
		return err
	}
	lg.Info("server stopped")
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
