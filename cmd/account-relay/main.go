// Package main is the entry point for the account relay.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	_ "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"github.com/relaysmith/account-relay/internal/accept"
	"github.com/relaysmith/account-relay/internal/config"
	"github.com/relaysmith/account-relay/internal/directory"
	"github.com/relaysmith/account-relay/internal/mailer"
	"github.com/relaysmith/account-relay/internal/mailer/ses"
	"github.com/relaysmith/account-relay/internal/mailer/smtpout"
	"github.com/relaysmith/account-relay/internal/mailer/stdout"
	"github.com/relaysmith/account-relay/internal/relay"
	"github.com/relaysmith/account-relay/internal/smtp"
	"github.com/relaysmith/account-relay/internal/spool"
	relaytls "github.com/relaysmith/account-relay/internal/tls"
)

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file (optional)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.Logging.Level)

	tlsConfig, err := relaytls.LoadOrGenerate(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.SMTP.Hostname)
	if err != nil {
		slog.Error("failed to setup TLS", "error", err)
		os.Exit(1)
	}

	store, err := spool.New(spoolDir(cfg.Relay.SpoolDir), cfg.Relay.QuarantineDir)
	if err != nil {
		slog.Error("failed to setup spool", "error", err)
		os.Exit(1)
	}

	resolver, err := buildResolver(cfg)
	if err != nil {
		slog.Error("failed to setup directory", "error", err)
		os.Exit(1)
	}

	outbound, err := selectMailer(cfg)
	if err != nil {
		slog.Error("failed to setup mailer", "error", err)
		os.Exit(1)
	}

	pipeline := relay.NewPipeline(
		resolver,
		outbound,
		accept.New(cfg.Relay.AcceptTimeout),
		relay.Classifier{Marker: cfg.Relay.RegistrationSubject},
		store,
	)
	fanout := relay.NewFanout(store, pipeline, relay.AckMode(cfg.Relay.AckMode))

	server := smtp.New(smtp.ServerConfig{
		ListenAddr:     cfg.SMTP.Listen,
		Hostname:       cfg.SMTP.Hostname,
		Handler:        fanout,
		TLSConfig:      tlsConfig,
		AuthUsername:   cfg.SMTP.Username,
		AuthPassword:   cfg.SMTP.Password,
		MaxMessageSize: cfg.SMTP.MaxMessageSize,
	})

	slog.Info("starting account-relay",
		"listen", cfg.SMTP.Listen,
		"directory", cfg.Directory.Provider,
		"mailer", outbound.Name(),
		"ack_mode", cfg.Relay.AckMode,
		"spool", store.Dir(),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		sig := <-sigCh
		slog.Info("received signal, initiating shutdown", "signal", sig)
		cancel()
	}()

	// Blocks until the context is cancelled
	if err := server.ListenAndServe(ctx); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	slog.Info("account-relay stopped")
}

// loadConfig loads configuration from the specified path (YAML + env
// override) or from environment variables only if no path is given.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

// setupLogger configures the global slog logger with JSON output and the
// specified log level.
func setupLogger(level string) {
	var logLevel slog.Level

	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}

// spoolDir scopes a relative spool directory name under the system temp dir.
func spoolDir(dir string) string {
	if dir == "" || filepath.IsAbs(dir) {
		return dir
	}
	return filepath.Join(os.TempDir(), dir)
}

// buildResolver constructs the configured directory backend and stacks the
// retry policy and, when configured, the redis cache on top of it.
func buildResolver(cfg *config.Config) (directory.Resolver, error) {
	var base directory.Resolver

	switch cfg.Directory.Provider {
	case "sql":
		db, err := sqlx.Connect(cfg.Directory.SQL.Driver, cfg.Directory.SQL.DSN)
		if err != nil {
			return nil, err
		}
		base = directory.NewSQLResolver(db, cfg.Directory.SQL.Table)

	default:
		base = directory.NewHTTPResolver(directory.HTTPConfig{
			BaseURL:  cfg.Directory.HTTP.BaseURL,
			ID:       cfg.Directory.HTTP.ID,
			Password: cfg.Directory.HTTP.Password,
		})
	}

	resolver := directory.Resolver(directory.NewRetryingResolver(base, directory.RetryPolicy{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   cfg.Retry.BaseDelay,
		Exponent:    cfg.Retry.Exponent,
	}))

	if cfg.Directory.Cache.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Directory.Cache.Addr,
			Password: cfg.Directory.Cache.Password,
			DB:       cfg.Directory.Cache.DB,
		})
		resolver = directory.NewCachedResolver(resolver, client, cfg.Directory.Cache.TTL)
		slog.Info("directory cache enabled", "addr", cfg.Directory.Cache.Addr)
	}

	return resolver, nil
}

// selectMailer chooses the outbound delivery backend based on configuration.
func selectMailer(cfg *config.Config) (mailer.Mailer, error) {
	switch cfg.Mailer.Provider {
	case "smtp":
		return smtpout.New(smtpout.Config{
			Host:       cfg.Mailer.SMTP.Host,
			Port:       cfg.Mailer.SMTP.Port,
			Username:   cfg.Mailer.SMTP.Username,
			Password:   cfg.Mailer.SMTP.Password,
			TLSMode:    cfg.Mailer.SMTP.TLSMode,
			SkipVerify: cfg.Mailer.SMTP.SkipVerify,
		}), nil

	case "ses":
		return ses.New(context.Background(), ses.Config{
			Region:          cfg.Mailer.SES.Region,
			AccessKeyID:     cfg.Mailer.SES.AccessKeyID,
			SecretAccessKey: cfg.Mailer.SES.SecretAccessKey,
		})

	default:
		return stdout.New(), nil
	}
}
