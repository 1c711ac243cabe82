package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/redis/go-redis/v9"

	pkgdb "github.com/fishauctions/settlement/pkg/database"
	"github.com/fishauctions/settlement/pkg/locks"
	"github.com/fishauctions/settlement/services/settlement-service/internal/adapters/database"
	"github.com/fishauctions/settlement/services/settlement-service/internal/adapters/memory"
	"github.com/fishauctions/settlement/services/settlement-service/internal/config"
	"github.com/fishauctions/settlement/services/settlement-service/internal/domain/auction"
	"github.com/fishauctions/settlement/services/settlement-service/migrations"
)

// OpenPostgres connects a pool and pings it.
func OpenPostgres(ctx context.Context, url string, logger *slog.Logger) (*pgxpool.Pool, error) {
	dbConfig, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, dbConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}
	logger.Info("Postgres Connected")
	return pool, nil
}

// Migrate applies the embedded goose migrations.
func Migrate(url string) error {
	db, err := sql.Open("pgx", url)
	if err != nil {
		return err
	}
	defer db.Close()

	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.Up(db, ".")
}

// PostgresStores builds the pgx repositories over pool. Writers share one
// outbox so every durable event commits with its state change.
func PostgresStores(pool *pgxpool.Pool, tm pkgdb.TransactionManager, clock clockwork.Clock) Stores {
	outbox := database.NewPostgresOutbox(clock)
	return Stores{
		Auctions: database.NewPostgresAuctionRepository(pool),
		Lots:     database.NewPostgresLotRepository(pool, tm, outbox),
		Invoices: database.NewPostgresInvoiceRepository(pool, tm, outbox),
		Refunds:  database.NewPostgresRefundRepository(pool, tm, outbox),
	}
}

// MemoryStores backs every store with one in-process Store.
func MemoryStores() Stores {
	store := memory.NewStore()
	return Stores{Auctions: store, Lots: store, Invoices: store, Refunds: store}
}

// NewLocker builds the configured lock backend. The returned func releases
// any connection it opened.
func NewLocker(ctx context.Context, cfg *config.Config, logger *slog.Logger) (auction.Locker, func(), error) {
	if cfg.Locks.Backend != config.LockBackendRedis {
		return locks.NewKeyedMutex(), func() {}, nil
	}

	client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("redis connection failed: %w", err)
	}
	logger.Info("Redis Connected")

	locker := locks.NewRedisLocker(client, logger,
		locks.WithLockExpiry(cfg.Locks.TTL),
	)
	return locker, func() { _ = client.Close() }, nil
}

// ServiceOptions maps config onto the service tunables.
func ServiceOptions(cfg *config.Config) Options {
	return Options{
		Policy:          cfg.ExtensionPolicy(),
		Increment:       auction.FlatIncrement(100),
		SettleTimeout:   cfg.Settle.WaitTimeout,
		SettlePoll:      cfg.Settle.PollInterval,
		InlineInvoicing: cfg.Invoicing.Mode == config.InvoicingInline,
	}
}
