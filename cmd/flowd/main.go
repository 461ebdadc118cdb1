package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/rendis/flowd/internal/actions"
	"github.com/rendis/flowd/internal/ai"
	"github.com/rendis/flowd/internal/engine"
	"github.com/rendis/flowd/internal/expressions"
	"github.com/rendis/flowd/internal/lock"
	"github.com/rendis/flowd/internal/logging"
	"github.com/rendis/flowd/internal/mail"
	"github.com/rendis/flowd/internal/sandbox"
	"github.com/rendis/flowd/internal/scheduler"
	"github.com/rendis/flowd/internal/secrets"
	"github.com/rendis/flowd/internal/store"
)

func main() {
	cfg := loadConfig()

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("flowd exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg Config, logger *slog.Logger) error {
	ctx := context.Background()

	if err := os.MkdirAll(flowdDir(), 0o755); err != nil {
		return err
	}

	st, err := store.NewLibSQLStore(cfg.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return err
	}

	var vault secrets.Vault
	if cfg.VaultPassphrase != "" {
		vault, err = secrets.NewAESVault(secrets.VaultConfig{
			Passphrase: cfg.VaultPassphrase,
			Salt:       []byte(cfg.VaultSalt),
		})
		if err != nil {
			return err
		}
	}

	resolver := expressions.NewResolver(st, logger)
	cel, err := expressions.NewCELEngine()
	if err != nil {
		return err
	}
	exprEngine := expressions.NewExprEngine()

	var mailer actions.Mailer
	if cfg.SMTPHost != "" {
		mailer = mail.NewSMTPMailer(mail.Config{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
		}, logger)
	}

	dispatcher := actions.NewDispatcher(actions.Deps{
		Store:    st,
		Resolver: resolver,
		Sandbox:  sandbox.NewRuntime(logger),
		Vault:    vault,
		Mailer:   mailer,
		AI:       ai.NewClient(nil, logger),
		Services: actions.NewRegistry(),
		BaseURL:  cfg.BaseURL,
		Logger:   logger,
	})

	orch := engine.NewOrchestrator(st, dispatcher, resolver, cel, logger, engine.Config{
		MaxTotalHops:      cfg.MaxTotalHops,
		MaxStepExecutions: cfg.MaxStepExecutions,
		BaseURL:           cfg.BaseURL,
	})

	locks := lock.NewManager(st, logger)
	sched := scheduler.New(st, orch, locks, cel, exprEngine, mailer, logger, scheduler.Config{})
	orch.SetResumeScheduler(sched)
	dispatcher.SetRunner(sched)

	if err := sched.Start(ctx); err != nil {
		return err
	}

	logger.Info("flowd engine started", "db_path", cfg.DBPath, "base_url", cfg.BaseURL)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down")
	sched.Stop()
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	inner := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(inner))
}
