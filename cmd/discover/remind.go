package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/discoversutd/discover/internal/config"
	"github.com/discoversutd/discover/internal/db"
	"github.com/discoversutd/discover/internal/logger"
	"github.com/discoversutd/discover/internal/metrics"
	"github.com/discoversutd/discover/internal/middleware"
	"github.com/discoversutd/discover/internal/reminder"
	"github.com/discoversutd/discover/internal/shutdown"
)

func newRemindCommand(opts *rootOptions) *cobra.Command {
	var once bool

	cmd := &cobra.Command{
		Use:   "remind",
		Short: "Run the Telegram reminder dispatcher (single instance)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(commandContext(cmd))
			defer cancel()

			cfg, lm, _, err := bootstrap(ctx, opts)
			if err != nil {
				return err
			}
			defer syncLoggers(lm)

			if err := cfg.ValidateReminder(); err != nil {
				return err
			}
			return runRemind(ctx, cfg, lm.Get(logger.NameReminder), once)
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "Run a single dispatch pass and exit")
	return cmd
}

func runRemind(ctx context.Context, cfg *config.Discover, log *zap.Logger, once bool) error {
	d, err := db.Open(ctx, cfg.Database)
	if err != nil {
		return err
	}
	shutdownManager := shutdown.NewManager(log)
	shutdownManager.RegisterShutdown("database", func(context.Context) error { return d.Close() })
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownGracePeriod)
		defer cancel()
		if err := shutdownManager.Shutdown(shutdownCtx); err != nil {
			log.Error("Error during shutdown", zap.Error(err))
		}
	}()

	rc := cfg.Reminder
	sender, err := reminder.NewTelegramSender(rc.BotToken, rc.SendTimeout)
	if err != nil {
		return err
	}
	log.Info("Telegram bot authorized", zap.String("bot", sender.BotName()))

	m := metrics.New()
	dispatcher := reminder.New(reminder.NewSQLStore(d), sender, reminder.Config{
		LeadWindow:   rc.LeadWindow,
		MessageDelay: rc.MessageDelay,
		MaxPerUser:   rc.MaxPerUser,
		Retention:    rc.Retention,
	}, reminder.WithLogger(log), reminder.WithMetrics(m))

	if once {
		report, err := dispatcher.RunOnce(ctx)
		if err != nil {
			return err
		}
		log.Info("Dispatch pass finished", zap.Int("sent", report.Sent), zap.Int("pending", report.Pending))
		return nil
	}

	if rc.MetricsAddr != "" {
		allowlist, err := middleware.NewIPAllowlist(cfg.Server.MetricsAllowlist, log)
		if err != nil {
			return err
		}
		msrv := &http.Server{
			Addr:              rc.MetricsAddr,
			Handler:           allowlist.Middleware(m.Handler()),
			ReadHeaderTimeout: 5 * time.Second,
			ErrorLog:          logger.StdLogger(log, zapcore.ErrorLevel, "metrics: "),
		}
		go func() {
			if err := msrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("Metrics listener failed", zap.Error(err))
			}
		}()
		shutdownManager.RegisterShutdown("metrics listener", msrv.Shutdown)
		log.Info("Metrics listener started", zap.String("listen_on", rc.MetricsAddr))
	}

	scheduler := reminder.NewScheduler(dispatcher, rc.TickInterval, rc.CleanupInterval, log)
	scheduler.Start(ctx)
	shutdownManager.Register("scheduler", scheduler.Stop)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case <-sigChan:
		log.Warn("Shutdown signal received. Stopping dispatcher")
	case <-ctx.Done():
	}
	return nil
}
