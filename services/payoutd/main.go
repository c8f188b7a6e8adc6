package payoutd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"whitelistpayouts/observability/logging"
	telemetry "whitelistpayouts/observability/otel"
	"whitelistpayouts/storage"
)

// Main initialises and runs the payout daemon.
func Main() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/payoutd/config.yaml", "path to payoutd configuration")
	flag.Parse()

	cfg, err := LoadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	env := strings.TrimSpace(os.Getenv("PAYOUTD_ENV"))
	logger, logCloser := logging.Setup("payoutd", env, logging.Options{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
	})
	defer logCloser.Close()
	logger.Info("configuration loaded",
		slog.String("config", cfgPath),
		slog.String("coordinator", cfg.Coordinator),
		slog.String("factory", cfg.Factory),
		slog.String("oracle_mode", cfg.Oracle.Mode),
		slog.Bool("stranded_tracking", cfg.StrandedTracking),
		logging.MaskField("jwt_secret", cfg.Auth.JWTSecret),
		logging.MaskField("admin_bearer_token", cfg.Admin.BearerToken))

	otlpEndpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	insecure := true
	if value := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			insecure = parsed
		}
	}
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "payoutd",
		Environment: env,
		Endpoint:    otlpEndpoint,
		Insecure:    insecure,
		Headers:     telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")),
		Metrics:     otlpEndpoint != "",
		Traces:      otlpEndpoint != "",
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() { _ = shutdownTelemetry(context.Background()) }()

	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	db, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "ledger"))
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	daemon, err := NewDaemon(cfg, db, logger)
	if err != nil {
		return errors.Join(err, db.Close())
	}
	defer func() {
		if err := daemon.Close(); err != nil {
			logger.Error("close daemon", slog.Any("error", err))
		}
	}()

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := daemon.Start(stopCtx); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	return daemon.Serve(stopCtx)
}
