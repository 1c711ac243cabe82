package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jonboulle/clockwork"
	amqp "github.com/rabbitmq/amqp091-go"

	pkgdb "github.com/fishauctions/settlement/pkg/database"
	"github.com/fishauctions/settlement/services/settlement-service/internal/adapters/events"
	"github.com/fishauctions/settlement/services/settlement-service/internal/adapters/gateway"
	"github.com/fishauctions/settlement/services/settlement-service/internal/app"
	"github.com/fishauctions/settlement/services/settlement-service/internal/config"
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

	// 1. Initialize Postgres Connection Pool
	if !cfg.UsePostgres() {
		logger.Error("SETTLEMENT_DB_URL is not set")
		os.Exit(1)
	}
	pool, err := app.OpenPostgres(ctx, cfg.Database.URL, logger)
	if err != nil {
		logger.Error("Unable to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	// 2. Initialize Dependencies
	locker, closeLocker, err := app.NewLocker(ctx, cfg, logger)
	if err != nil {
		logger.Error("Unable to create locker", "error", err)
		os.Exit(1)
	}
	defer closeLocker()

	clock := clockwork.NewRealClock()
	txManager := pkgdb.NewPostgresTransactionManager(pool, cfg.Database.LockTimeout)
	opts := app.ServiceOptions(cfg)
	opts.InlineInvoicing = false
	svc := app.NewServices(app.PostgresStores(pool, txManager, clock), locker, gateway.NewSandbox(), clock, nil, opts, logger)
	defer svc.Scheduler.Stop()

	// 3. Connect to RabbitMQ
	if cfg.RabbitMQ.URL == "" {
		logger.Error("RABBITMQ_URL is not set")
		os.Exit(1)
	}
	amqpConn, err := amqp.Dial(cfg.RabbitMQ.URL)
	if err != nil {
		logger.Error("Failed to connect to RabbitMQ", "error", err)
		os.Exit(1)
	}
	defer amqpConn.Close()

	// 4. Start Consumer
	consumer := events.NewLotClosedConsumer(amqpConn, svc.Invoices, cfg.RabbitMQ.Exchange, cfg.RabbitMQ.Queue, logger)
	logger.Info("Starting invoicing consumer...")
	if err := consumer.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("Consumer failed", "error", err)
		os.Exit(1)
	}
	logger.Info("Invoicing consumer stopped")
}
