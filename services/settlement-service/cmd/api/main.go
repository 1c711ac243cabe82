package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/sync/errgroup"

	pkgdb "github.com/fishauctions/settlement/pkg/database"
	"github.com/fishauctions/settlement/services/settlement-service/internal/adapters/events"
	"github.com/fishauctions/settlement/services/settlement-service/internal/adapters/gateway"
	"github.com/fishauctions/settlement/services/settlement-service/internal/app"
	"github.com/fishauctions/settlement/services/settlement-service/internal/config"
	"github.com/fishauctions/settlement/services/settlement-service/internal/domain/closing"
)

func main() {
	// Initialize structured logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("Settlement service failed", "error", err)
		os.Exit(1)
	}
	logger.Info("Settlement service stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	clock := clockwork.NewRealClock()

	// 1. Storage
	stores := app.MemoryStores()
	var pool *pgxpool.Pool
	if cfg.UsePostgres() {
		var err error
		pool, err = app.OpenPostgres(ctx, cfg.Database.URL, logger)
		if err != nil {
			return err
		}
		defer pool.Close()

		if err := app.Migrate(cfg.Database.URL); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}

		txManager := pkgdb.NewPostgresTransactionManager(pool, cfg.Database.LockTimeout)
		stores = app.PostgresStores(pool, txManager, clock)
	} else {
		logger.Warn("SETTLEMENT_DB_URL is not set, using the in-memory store")
	}

	// 2. Locks
	locker, closeLocker, err := app.NewLocker(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeLocker()

	// 3. Services
	svc := app.NewServices(stores, locker, gateway.NewSandbox(), clock, events.NewLogSink(logger), app.ServiceOptions(cfg), logger)
	defer svc.Scheduler.Stop()

	closed, err := svc.Engine.Recover(ctx)
	if err != nil {
		return fmt.Errorf("failed to recover open lots: %w", err)
	}
	logger.Info("Recovered open lots", "closed_overdue", closed)

	sweeper := closing.NewSweeper(svc.Engine, cfg.Settle.SweepSchedule, logger)
	if err := sweeper.Start(ctx); err != nil {
		return err
	}
	defer sweeper.Stop()

	// 4. HTTP server
	path, handler := svc.Handler().Routes()
	mux := http.NewServeMux()
	mux.Handle(path, handler)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	// Use h2c for HTTP/2 without TLS
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           h2c.NewHandler(mux, &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Starting Settlement Service API", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	// 5. Outbox relay, when there is an outbox and a broker
	if pool != nil && cfg.RabbitMQ.URL != "" {
		amqpConn, err := amqp.Dial(cfg.RabbitMQ.URL)
		if err != nil {
			return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
		}
		defer amqpConn.Close()
		logger.Info("RabbitMQ Connected")

		producer, err := events.NewSettlementEventsProducer(pool, amqpConn, events.ProducerConfig{
			Exchange:  cfg.RabbitMQ.Exchange,
			BatchSize: cfg.Outbox.BatchSize,
			Interval:  cfg.Outbox.Interval,
		}, logger)
		if err != nil {
			return err
		}
		defer producer.Close()

		g.Go(func() error {
			logger.Info("Starting Outbox Relay...")
			return producer.Run(gctx)
		})
	}

	return g.Wait()
}
