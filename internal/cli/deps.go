package cli

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/aaronromeo/paywatch/internal/announcer"
	"github.com/aaronromeo/paywatch/internal/config"
	"github.com/aaronromeo/paywatch/internal/imapclient"
	"github.com/aaronromeo/paywatch/internal/mailbox"
	"github.com/aaronromeo/paywatch/internal/services"
	"github.com/aaronromeo/paywatch/internal/telemetry"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
)

const (
	configEnvVar   = "PAYWATCH_CONFIG"
	defaultEnvFile = ".env"
	telemetryFlush = 5 * time.Second
)

// Intervals are variables so tests can shorten them.
var (
	reloadInterval = 5 * time.Minute
	statusInterval = 5 * time.Second
)

// deps is the state shared by every command.
type deps struct {
	cfgPath  string
	cfg      config.Config
	logger   *slog.Logger
	counters *telemetry.Counters
	dialer   mailbox.Dialer
	shutdown func(context.Context) error
}

func setup(cmd *cobra.Command) (*deps, error) {
	cfgPath, err := resolveConfigPath(cmd)
	if err != nil {
		return nil, err
	}

	if err := loadEnvFile(); err != nil {
		return nil, err
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		return nil, err
	}

	verbose, err := cmd.Flags().GetBool("verbose")
	if err != nil {
		return nil, err
	}

	shutdown, err := telemetry.Setup(cmd.Context(), version)
	if err != nil {
		return nil, err
	}

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := telemetry.Logger(slog.New(slog.NewJSONHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level})))

	counters, err := telemetry.NewCounters(otel.Meter(telemetry.ServiceName))
	if err != nil {
		_ = shutdown(context.Background())
		return nil, err
	}

	return &deps{
		cfgPath:  cfgPath,
		cfg:      cfg,
		logger:   logger,
		counters: counters,
		dialer:   imapclient.NewDialer(imapclient.WithLogger(logger)),
		shutdown: shutdown,
	}, nil
}

// close flushes telemetry.
func (d *deps) close() {
	ctx, cancel := context.WithTimeout(context.Background(), telemetryFlush)
	defer cancel()
	if err := d.shutdown(ctx); err != nil {
		d.logger.Warn("telemetry shutdown failed", "error", err)
	}
}

// startAnnouncer posts events to the webhook when one is configured. The
// returned func unsubscribes.
func (d *deps) startAnnouncer(ctx context.Context, svc services.WatchService) func() {
	webhookURL := config.WebhookURL()
	a := announcer.New(announcer.WithWebhookURL(webhookURL), announcer.WithLogger(d.logger))
	if !a.Enabled() {
		return func() {}
	}
	events, unsubscribe := svc.Subscribe(d.cfg.Dispatch.Buffer)
	go a.Run(ctx, events)
	d.logger.Info("reporting payment events", "webhook", webhookURL)
	return unsubscribe
}

// reloadConfig re-reads the config file every reloadInterval and hands it to
// svc. Invalid files are logged and skipped.
func (d *deps) reloadConfig(ctx context.Context, svc services.WatchService) {
	if d.cfgPath == "" {
		return
	}
	ticker := time.NewTicker(reloadInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			updated, err := loadConfig(d.cfgPath)
			if err != nil {
				d.logger.Warn("config reload failed", "path", d.cfgPath, "error", err)
				continue
			}
			if err := svc.Reload(ctx, updated); err != nil {
				d.logger.Error("applying reloaded config failed", "error", err)
				continue
			}
			d.logger.Debug("config reloaded", "path", d.cfgPath)
		}
	}
}

func loadConfig(path string) (config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, err
	}
	if err := config.Validate(cfg); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// resolveConfigPath returns the --config flag, falling back to
// PAYWATCH_CONFIG. An empty path selects the built-in defaults.
func resolveConfigPath(cmd *cobra.Command) (string, error) {
	cfgPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(cfgPath) == "" {
		cfgPath = os.Getenv(configEnvVar)
	}
	return strings.TrimSpace(cfgPath), nil
}

func loadEnvFile() error {
	if _, err := os.Stat(defaultEnvFile); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	return godotenv.Load(defaultEnvFile)
}
