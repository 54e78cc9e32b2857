package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"Mailer/internal/api"
	"Mailer/internal/db"
	"Mailer/internal/email"
	"Mailer/internal/metrics"
	"Mailer/internal/models"
	"Mailer/internal/outcome"
	"Mailer/internal/queue"
	"Mailer/internal/ratelimit"
	"Mailer/internal/templates"
	"Mailer/internal/worker"
)

const (
	shutdownTimeout    = 5 * time.Second
	queueStatsInterval = 15 * time.Second
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the workers, the HTTP API and the metrics server",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	// ------------------------------------------------
	// Root Context + Shutdown
	// ------------------------------------------------
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
		cancel()
	}()

	// ------------------------------------------------
	// Database
	// ------------------------------------------------
	store, err := db.Open(ctx, cfg.Database, logger.Named("store"))
	if err != nil {
		logger.Error("database connection failed", zap.Error(err))
		return err
	}
	defer store.Close()

	q := queue.New(store, queue.Options{
		LeaseTTL:    cfg.Worker.LeaseTTL,
		MaxAttempts: cfg.Worker.MaxAttempts,
	}, logger.Named("queue"))

	// ------------------------------------------------
	// Metrics
	// ------------------------------------------------
	metrics.Init()

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())

		metricsServer = &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		serve(metricsServer, "metrics", logger, cancel)
	}

	go reportQueueStats(ctx, q, logger)

	// ------------------------------------------------
	// Templates + Sender
	// ------------------------------------------------
	resolver, err := templates.NewResolver(cfg, logger.Named("templates"))
	if err != nil {
		logger.Error("template source setup failed", zap.Error(err))
		return err
	}
	renderer := templates.NewRenderer(cfg.Mail.Name, cfg.Mail.Email, logger.Named("render"))
	sender := email.NewSender(cfg.Mail, logger.Named("smtp"))

	recorder := outcome.New(cfg.Outcome, logger)
	defer recorder.Close()

	// ------------------------------------------------
	// Worker Pool
	// ------------------------------------------------
	var wg sync.WaitGroup

	if cfg.Mail.Enabled {
		workers := worker.StartPool(ctx, &wg, cfg.Worker.Count, cfg.Worker.Owner,
			worker.Deps{
				Queue:    q,
				Resolver: resolver,
				Renderer: renderer,
				Limiter:  ratelimit.New(cfg.Mail.RateLimitCount, cfg.Mail.RateWindow()),
				Sender:   sender,
				Recorder: recorder,
				Log:      logger,
			},
			worker.Options{
				Mode:         cfg.Templates.Mode,
				PollInterval: cfg.Worker.PollInterval,
			},
		)
		logger.Info("worker pool started",
			zap.Int("workers", len(workers)),
			zap.String("smtp", cfg.Mail.Addr()),
			zap.String("security", cfg.Mail.Security),
		)
	} else {
		logger.Warn("mail delivery is disabled, commands stay pending")
	}

	// ------------------------------------------------
	// HTTP API Server
	// ------------------------------------------------
	var apiServer *http.Server
	if cfg.API.Enabled {
		apiHandler := &api.Handler{
			Queue: q,
			Log:   logger.Named("api"),
		}

		apiServer = &http.Server{
			Addr:              cfg.API.Addr,
			Handler:           apiHandler.Router(cfg.API),
			ReadHeaderTimeout: 5 * time.Second,
		}
		serve(apiServer, "api", logger, cancel)
	}

	// ------------------------------------------------
	// Wait for shutdown
	// ------------------------------------------------
	<-ctx.Done()

	logger.Info("shutting down services...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Stop accepting new commands before draining the workers.
	if apiServer != nil {
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("api shutdown failed", zap.Error(err))
		}
	}

	// Workers settle the command they hold before returning.
	wg.Wait()

	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("metrics shutdown failed", zap.Error(err))
		}
	}

	logger.Info("application shutdown complete")
	return nil
}

// serve runs srv in the background. A listener failure stops the process.
func serve(srv *http.Server, name string, logger *zap.Logger, cancel context.CancelFunc) {
	go func() {
		logger.Info(name+" server started", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(name+" server error", zap.Error(err))
			cancel()
		}
	}()
}

func reportQueueStats(ctx context.Context, q *queue.Queue, logger *zap.Logger) {
	ticker := time.NewTicker(queueStatsInterval)
	defer ticker.Stop()

	for {
		stats, err := q.Stats(ctx)
		if err != nil {
			logger.Debug("queue stats unavailable", zap.Error(err))
		} else {
			setQueueGauges(stats)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func setQueueGauges(s *models.QueueStats) {
	metrics.QueueCommands.WithLabelValues(string(models.StatePending)).Set(float64(s.Pending))
	metrics.QueueCommands.WithLabelValues(string(models.StateClaimed)).Set(float64(s.Claimed))
	metrics.QueueCommands.WithLabelValues(string(models.StateDone)).Set(float64(s.Done))
	metrics.QueueCommands.WithLabelValues(string(models.StateFailed)).Set(float64(s.Failed))
}
