package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Sentinel-Gate/filtergate/internal/adapter/inbound/http"
	"github.com/Sentinel-Gate/filtergate/internal/config"
	"github.com/Sentinel-Gate/filtergate/internal/service"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the gateway",
	Long: `Start the filtergate HTTP gateway.

Routes, filter chains and handlers come from the config file. The
process serves until SIGINT or SIGTERM, then stops accepting requests,
drains the audit queue and exits.

Examples:
  # Start with config file settings
  filtergate start

  # Start with a catch-all echo route and debug logging
  filtergate start --dev

  # Start with a specific config file
  filtergate --config /path/to/filtergate.yaml start`,
	RunE: runStart,
}

var devMode bool

// shutdownTimeout bounds the audit drain after the listener stops.
const shutdownTimeout = 10 * time.Second

func init() {
	startCmd.Flags().BoolVar(&devMode, "dev", false, "Enable development mode (debug logging, echo route when none configured)")
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	// Load without validation so CLI flags can override first.
	cfg, err := config.LoadConfigRaw()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if devMode {
		cfg.DevMode = true
	}
	cfg.SetDevDefaults()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	// stop() restores default signal handling so a second Ctrl+C kills hard.
	ctx, stop := signal.NotifyContext(context.Background(), gracefulSignals()...)
	go func() {
		<-ctx.Done()
		stop()
	}()

	logLevel := parseLogLevel(cfg.Server.LogLevel)
	if cfg.DevMode {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))
	logger.Debug("log level configured", "level", cfg.Server.LogLevel, "effective", logLevel.String())

	if configFile := config.ConfigFileUsed(); configFile != "" {
		logger.Info("loaded config", "file", configFile)
	}

	pidPath := pidFilePath()
	if err := writePIDFile(pidPath); err != nil {
		logger.Warn("failed to write PID file", "path", pidPath, "error", err)
	} else {
		defer os.Remove(pidPath)
	}

	if err := run(ctx, cfg, logger); err != nil {
		return err
	}

	logger.Info("filtergate stopped")
	return nil
}

// run wires the gateway to the HTTP transport and serves until ctx ends.
func run(ctx context.Context, cfg *config.GatewayConfig, logger *slog.Logger) error {
	if cfg.DevMode {
		logger.Warn("development mode enabled; do not expose this instance")
	}

	registry := http.NewRegistry()
	metrics := http.NewMetrics(registry)

	gw, err := service.BuildGateway(ctx, cfg, logger, service.WithGatewayAuditMetrics(metrics))
	if err != nil {
		return err
	}
	gw.Start(ctx)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := gw.Close(closeCtx); err != nil {
			logger.Error("gateway shutdown", "error", err)
		}
	}()

	gatewayOpts := []http.GatewayOption{
		http.WithMaxRequestBody(cfg.Server.MaxRequestBody),
	}
	if cfg.Server.TrustTransactionID {
		gatewayOpts = append(gatewayOpts, http.WithTrustedTransactionID())
	}

	opts := []http.Option{
		http.WithAddr(cfg.Server.HTTPAddr),
		http.WithAllowedOrigins(cfg.Server.AllowedOrigins),
		http.WithTrustProxyHeaders(cfg.Server.TrustProxyHeaders),
		http.WithLogger(logger),
		http.WithMetrics(registry, metrics),
		http.WithHealthChecker(http.NewHealthChecker(gw.RateLimiter(), gw.AuditService(), gw.Routes(), Version)),
		http.WithGatewayOptions(gatewayOpts...),
	}
	if cfg.Server.TLSCertFile != "" {
		opts = append(opts, http.WithTLS(cfg.Server.TLSCertFile, cfg.Server.TLSKeyFile))
	}
	if q := gw.AuditQuery(); q != nil {
		if cfg.Server.AdminToken == "" {
			logger.Warn("audit query API has no admin token; serving loopback clients only")
		}
		opts = append(opts, http.WithAuditQuery(q, cfg.Server.AdminToken))
	}

	transport := http.NewHTTPTransport(gw.Pipeline(), opts...)
	logger.Info("filtergate ready", "routes", gw.Routes(), "addr", cfg.Server.HTTPAddr, "version", Version)
	return transport.Start(ctx)
}

// parseLogLevel maps a configured level name to a slog.Level.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
