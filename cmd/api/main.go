package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mcclellann/storecredit/pkg/config"
	"github.com/mcclellann/storecredit/pkg/ledger"
	"github.com/mcclellann/storecredit/pkg/logger"
	"github.com/mcclellann/storecredit/pkg/store"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// termsFromConfig maps the credit section of the configuration onto ledger terms.
func termsFromConfig(c config.CreditConfig) ledger.Terms {
	return ledger.Terms{
		DownPaymentRatio:        c.DownPaymentRatio,
		FinanceSurchargeRatio:   c.FinanceSurchargeRatio,
		AnnualInterestRate:      c.AnnualInterestRate,
		TaxRate:                 c.TaxRate,
		GenerateOnSale:          c.GenerateOnSale,
		AbsorbRoundingRemainder: c.AbsorbRoundingRemainder,
	}
}

// scheduleAudit registers the read-only consistency audit on a cron schedule.
func scheduleAudit(server *Server, spec string) (*cron.Cron, error) {
	c := cron.New()
	if _, err := c.AddFunc(spec, func() { server.runAudit(context.Background()) }); err != nil {
		return nil, fmt.Errorf("invalid audit schedule %q: %w", spec, err)
	}
	return c, nil
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log, err := logger.New(&logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Sync()
	log = log.With(zap.String("app", cfg.App.Name), zap.String("env", cfg.App.Env))

	sqliteStore, err := store.NewSQLiteStore(cfg.Database.Path, store.WithBusyTimeout(cfg.Database.BusyTimeout))
	if err != nil {
		return fmt.Errorf("failed to initialize SQLite store: %w", err)
	}
	defer sqliteStore.Close()
	log.Info("database ready", zap.String("path", cfg.Database.Path))

	server := NewServer(sqliteStore, log, ledger.WithTerms(termsFromConfig(cfg.Credit)))

	if cfg.Audit.Enabled {
		auditCron, err := scheduleAudit(server, cfg.Audit.Schedule)
		if err != nil {
			return err
		}
		auditCron.Start()
		defer auditCron.Stop()
		log.Info("audit scheduled", zap.String("schedule", cfg.Audit.Schedule))
	}

	httpServer := &http.Server{
		Addr:              ":" + cfg.App.Port,
		Handler:           server.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Info("server starting", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
