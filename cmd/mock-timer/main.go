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
	"github.com/amoylab/timerbridge/internal/device"
	"github.com/amoylab/timerbridge/pkg/logger"
	"github.com/amoylab/timerbridge/pkg/version"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	configPath  string
	listenPort  int
	frequencies []int

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of " + cnst.MockTimerCommandName,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s version %s\n", cnst.MockTimerCommandName, version.Get())
		},
	}

	rootCmd = &cobra.Command{
		Use:   cnst.MockTimerCommandName,
		Short: "Emulate a timing device for local testing",
		Long: `mock-timer serves the timing device protocol over WebSocket: it answers
get_version, get_settings and get_timestamp, accepts JSON setters, sends
heartbeat notifications and emits a pass_record on POST /api/pass?node=N.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context())
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "conf", "c", "", "path to configuration file, defaults to "+cnst.DefaultMockTimerConfigFile)
	rootCmd.PersistentFlags().IntVarP(&listenPort, "port", "p", 0, "port the device listens on")
	rootCmd.Flags().IntSliceVarP(&frequencies, "frequency", "f", nil, "receiver node frequencies in MHz, one per node")
	rootCmd.AddCommand(versionCmd)
}

func loadConfig() (*config.MockTimerConfig, string, error) {
	name := configPath
	if name == "" {
		name = cnst.DefaultMockTimerConfigFile
	}

	cfg, path, err := config.LoadConfig[config.MockTimerConfig](name)
	if err != nil {
		if configPath != "" || !errors.Is(err, fs.ErrNotExist) {
			return nil, path, fmt.Errorf("failed to load configuration %s: %w", path, err)
		}
		cfg, path = &config.MockTimerConfig{}, ""
		cfg.SetDefaults()
	}

	if listenPort != 0 {
		cfg.Port = listenPort
	}
	if len(frequencies) > 0 {
		cfg.Frequencies = frequencies
	}
	if err := cfg.Validate(); err != nil {
		return nil, path, fmt.Errorf("invalid configuration:\n%w", err)
	}
	return cfg, path, nil
}

func run(ctx context.Context) error {
	cfg, cfgPath, err := loadConfig()
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
	lg.Info("Starting "+cnst.MockTimerCommandName,
		zap.String("version", version.Get()),
		zap.String("config", cfgPath),
		zap.Ints("frequencies", cfg.Frequencies))

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dev := device.New(lg, cfg)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(dev.ListenAndServe)
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return dev.Shutdown(sctx)
	})
	return g.Wait()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
