package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/3FT-io/matsync/pkg/api"
	"github.com/3FT-io/matsync/pkg/config"
	"github.com/3FT-io/matsync/pkg/core"
	"github.com/3FT-io/matsync/pkg/project"
)

func main() {
	var (
		configPath = pflag.StringP("config", "c", "", "path to a YAML config file")
		dataDir    = pflag.String("data-dir", "", "directory holding the library and its database")
		apiPort    = pflag.Int("api-port", 0, "HTTP API port")
		logLevel   = pflag.String("log-level", "", "debug, info, warn or error")
		logFormat  = pflag.String("log-format", "", "json or console")
		p2pEnabled = pflag.Bool("p2p", false, "announce library changes to peers")
		bootstrap  = pflag.StringSlice("bootstrap", nil, "bootstrap peer multiaddrs")
		syncMTL    = pflag.String("sync", "", "synchronize one .mtl file and exit")
		trim       = pflag.Int("trim", -1, "trim the library to N entries and exit")
	)
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
		cfg.DatabasePath, cfg.LibraryPath = "", ""
	}
	if *apiPort != 0 {
		cfg.APIPort = *apiPort
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *logFormat != "" {
		cfg.LogFormat = *logFormat
	}
	if pflag.CommandLine.Changed("p2p") {
		cfg.P2PEnabled = *p2pEnabled
	}
	if len(*bootstrap) > 0 {
		cfg.BootstrapPeers = *bootstrap
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()

	oneShot := *syncMTL != "" || *trim >= 0
	if oneShot {
		// no background work for a single command
		cfg.WatchResources = false
		cfg.MaintenanceInterval = 0
		cfg.P2PEnabled = false
	}

	engine, err := core.NewEngine(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to create engine", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := engine.Start(ctx); err != nil {
		logger.Fatal("Failed to start engine", zap.Error(err))
	}

	if oneShot {
		err := runOnce(ctx, engine, *syncMTL, *trim)
		if stopErr := engine.Stop(); stopErr != nil {
			logger.Error("Error during shutdown", zap.Error(stopErr))
		}
		if err != nil {
			logger.Fatal("Command failed", zap.Error(err))
		}
		return
	}

	// Initialize API
	server, err := api.NewAPI(engine, cfg.APIPort, logger)
	if err != nil {
		logger.Fatal("Failed to create API", zap.Error(err))
	}

	// Start API server
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("API server error", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("Shutting down", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("Error shutting down API server", zap.Error(err))
	}

	// Graceful shutdown
	if err := engine.Stop(); err != nil {
		logger.Error("Error during shutdown", zap.Error(err))
	}
}

func runOnce(ctx context.Context, engine *core.Engine, mtl string, trim int) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	if mtl != "" {
		p, err := project.LoadMTL(mtl)
		if err != nil {
			return err
		}
		report, err := engine.TriggerSync(ctx, p)
		if report != nil {
			if encErr := enc.Encode(report); encErr != nil {
				return encErr
			}
		}
		if err != nil {
			return err
		}
		for _, f := range report.Failures {
			fmt.Fprintln(os.Stderr, f.Error())
		}
	}

	if trim >= 0 {
		deleted, err := engine.Trim(ctx, trim)
		if err != nil {
			return err
		}
		return enc.Encode(map[string]interface{}{"deleted": deleted})
	}
	return nil
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}

	zcfg := zap.NewProductionConfig()
	if cfg.LogFormat == "console" {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}
