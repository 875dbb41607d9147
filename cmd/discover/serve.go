package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/discoversutd/discover/internal/auth/database"
	"github.com/discoversutd/discover/internal/auth/handlers"
	authmw "github.com/discoversutd/discover/internal/auth/middleware"
	"github.com/discoversutd/discover/internal/auth/permissions"
	"github.com/discoversutd/discover/internal/auth/service"
	"github.com/discoversutd/discover/internal/auth/token"
	"github.com/discoversutd/discover/internal/auth/validation"
	"github.com/discoversutd/discover/internal/config"
	"github.com/discoversutd/discover/internal/db"
	"github.com/discoversutd/discover/internal/events"
	"github.com/discoversutd/discover/internal/health"
	"github.com/discoversutd/discover/internal/logger"
	"github.com/discoversutd/discover/internal/metrics"
	"github.com/discoversutd/discover/internal/middleware"
	"github.com/discoversutd/discover/internal/notify"
	"github.com/discoversutd/discover/internal/server"
	"github.com/discoversutd/discover/internal/shutdown"
)

const ShutdownGracePeriod = 15 * time.Second

func newServeCommand(opts *rootOptions) *cobra.Command {
	var migrate bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(commandContext(cmd))
			defer cancel()

			cfg, lm, log, err := bootstrap(ctx, opts)
			if err != nil {
				return err
			}
			defer syncLoggers(lm)

			return runServe(ctx, cancel, cfg, lm, log, migrate)
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", true, "Apply pending migrations before serving")
	return cmd
}

func serviceConfig(cfg *config.Discover) service.Config {
	a := cfg.Auth
	return service.Config{
		MaxLoginAttempts: a.MaxLoginAttempts,
		LockDuration:     a.LockDuration,
		SessionTTL:       a.SessionTTL,
		CleanupInterval:  a.SessionCleanupInterval,
		Password: validation.PasswordPolicy{
			MinLength:         a.Password.MinLength,
			RequireUppercase:  a.Password.RequireUppercase,
			RequireLowercase:  true,
			RequireNumbers:    a.Password.RequireNumber,
			RequireSpecial:    a.Password.RequireSpecial,
			MaxRepeatingChars: 3,
			PreventSequential: true,
			PreventEmailPart:  true,
		},
	}
}

func runServe(
	ctx context.Context,
	cancel context.CancelFunc,
	cfg *config.Discover,
	lm *logger.LoggerManager,
	log *zap.Logger,
	migrate bool,
) error {
	d, err := db.Open(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	shutdownManager := shutdown.NewManager(log)
	shutdownManager.RegisterShutdown("database", func(context.Context) error { return d.Close() })

	if migrate {
		if err := d.Migrate(ctx); err != nil {
			_ = shutdownManager.Shutdown(context.Background())
			return err
		}
	}

	issuer, err := token.NewIssuer(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.Audience, cfg.Auth.TokenExpiry())
	if err != nil {
		_ = shutdownManager.Shutdown(context.Background())
		return err
	}

	mode, err := permissions.ParseMatchMode(cfg.Auth.RestrictionMatch)
	if err != nil {
		_ = shutdownManager.Shutdown(context.Background())
		return err
	}

	m := metrics.New()
	svc, err := service.New(database.New(d), issuer, serviceConfig(cfg),
		service.WithNotifier(notify.New(cfg.Mail, log)),
		service.WithMetrics(m),
		service.WithLoggers(log, lm.Get(logger.NameAudit)),
	)
	if err != nil {
		_ = shutdownManager.Shutdown(context.Background())
		return err
	}
	svc.StartSessionCleanup(ctx)
	shutdownManager.Register("session cleanup", svc.Close)

	checker := health.NewChecker(d, 10*time.Second, 2*time.Second, log.Named("health"))
	checker.Start(ctx)
	shutdownManager.Register("health checker", checker.Stop)

	allowlist, err := middleware.NewIPAllowlist(cfg.Server.MetricsAllowlist, log)
	if err != nil {
		_ = shutdownManager.Shutdown(context.Background())
		return err
	}

	mw := authmw.NewAuthMiddleware(svc, permissions.Policy{Mode: mode}, cfg.Auth.CookieName, m, log)
	authHandler := handlers.NewAuthHandler(svc, mw, handlers.CookieConfig{
		Name:   cfg.Auth.CookieName,
		Secure: cfg.Auth.CookieSecure,
	}, log)

	srv := server.New(server.Deps{
		Config:     cfg,
		Auth:       authHandler,
		Events:     events.NewHandler(events.NewStore(d), mw, log, events.WithClock(svc.Now)),
		Health:     checker,
		Metrics:    m,
		Logger:     log,
		HTTPLogger: lm.Get(logger.NameHTTP),

		MetricsAllowlist: allowlist,
	})

	errChan := make(chan error, 1)
	srv.Start(errChan)
	shutdownManager.RegisterShutdown("http server", srv.Shutdown)

	log.Info("Restriction matching", zap.Stringer("mode", mode))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	var runErr error
	select {
	case <-sigChan:
		log.Warn("Shutdown signal received. Initializing graceful shutdown")
	case runErr = <-errChan:
		log.Error("Server error triggered shutdown", zap.Error(runErr))
	case <-ctx.Done():
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), ShutdownGracePeriod)
	defer shutdownCancel()
	if err := shutdownManager.Shutdown(shutdownCtx); err != nil {
		log.Error("Error during shutdown", zap.Error(err))
		if runErr == nil {
			runErr = err
		}
	}
	log.Info("Server shutdown completed")
	return runErr
}
