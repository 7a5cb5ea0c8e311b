// Package postgres implements store.Store backed by PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/lsm/wikiflow/internal/retry"
	"github.com/lsm/wikiflow/internal/store"
	"github.com/lsm/wikiflow/internal/tracing"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Config holds connection pool settings.
type Config struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// PostgresStore implements store.Store backed by a PostgreSQL database.
type PostgresStore struct {
	db     *sqlx.DB
	tracer trace.Tracer
}

// Compile-time check that PostgresStore implements store.Store.
var _ store.Store = (*PostgresStore)(nil)

// New opens a connection to the database, configures the pool, and runs any
// pending migrations. A missing URL, rejected credentials and migration
// failures are marked retry.Permanent.
func New(ctx context.Context, cfg Config) (*PostgresStore, error) {
	if cfg.URL == "" {
		return nil, retry.Permanent(fmt.Errorf("database url is required"))
	}

	db, err := sqlx.Open("postgres", cfg.URL)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("open database: %w", err))
	}

	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 25
	}
	maxIdle := cfg.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 5
	}
	lifetime := cfg.ConnMaxLifetime
	if lifetime <= 0 {
		lifetime = 5 * time.Minute
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(lifetime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, classifyConnectError(fmt.Errorf("ping database: %w", err))
	}

	if err := runMigrations(db.DB); err != nil {
		db.Close()
		return nil, retry.Permanent(fmt.Errorf("run migrations: %w", err))
	}

	return NewWithDB(db), nil
}

// NewWithDB wraps an already open database. Migrations are not applied.
func NewWithDB(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{
		db:     db,
		tracer: noop.NewTracerProvider().Tracer("postgres-store"),
	}
}

// SetTracer sets the tracer used for transaction spans.
func (s *PostgresStore) SetTracer(tracer trace.Tracer) {
	s.tracer = tracer
}

// classifyConnectError marks authorization failures (SQLSTATE class 28) as
// permanent. Anything else may be the server still starting.
func classifyConnectError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code.Class() == "28" {
		return retry.Permanent(err)
	}
	return err
}

func runMigrations(db *sql.DB) error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	dbDriver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("create migration db driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "postgres", dbDriver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}

	return nil
}

// Ping verifies the database is reachable.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// UpsertPage returns the page with page.Title, inserting it when absent.
func (s *PostgresStore) UpsertPage(ctx context.Context, page store.Page) (store.Page, error) {
	return queryUpsertPage(ctx, s.db, page)
}

// UpsertUser returns the user named username, inserting it when absent.
func (s *PostgresStore) UpsertUser(ctx context.Context, username string) (store.User, error) {
	return queryUpsertUser(ctx, s.db, username)
}

// InsertEvent inserts event and sets its ID.
func (s *PostgresStore) InsertEvent(ctx context.Context, event *store.Event) error {
	return queryInsertEvent(ctx, s.db, event)
}

// InsertRawCapture stores data as received.
func (s *PostgresStore) InsertRawCapture(ctx context.Context, data string) (store.RawCapture, error) {
	return queryInsertRawCapture(ctx, s.db, data)
}

// GetPageByTitle returns the page with title, or store.ErrNotFound.
func (s *PostgresStore) GetPageByTitle(ctx context.Context, title string) (store.Page, error) {
	return queryGetPageByTitle(ctx, s.db, title)
}

// GetUserByUsername returns the user named username, or store.ErrNotFound.
func (s *PostgresStore) GetUserByUsername(ctx context.Context, username string) (store.User, error) {
	return queryGetUserByUsername(ctx, s.db, username)
}

// Stats counts the rows in every table.
func (s *PostgresStore) Stats(ctx context.Context) (store.Stats, error) {
	return queryStats(ctx, s.db)
}

// RunInTransaction begins a transaction, calls fn with a txStore bound to it,
// and commits on success or rolls back on error.
func (s *PostgresStore) RunInTransaction(ctx context.Context, fn func(tx store.Store) error) error {
	ctx, span := tracing.StartSpan(ctx, s.tracer, tracing.SpanStoreTransaction)
	defer span.End()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		tracing.SetSpanError(span, err)
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(&txStore{tx: tx}); err != nil {
		_ = tx.Rollback()
		tracing.SetSpanError(span, err)
		return err
	}

	if err := tx.Commit(); err != nil {
		tracing.SetSpanError(span, err)
		return fmt.Errorf("commit transaction: %w", err)
	}
	tracing.SetSpanOK(span)
	return nil
}

// txStore implements store.Store using a *sqlx.Tx.
type txStore struct {
	tx *sqlx.Tx
}

// Compile-time check that txStore implements store.Store.
var _ store.Store = (*txStore)(nil)

func (s *txStore) UpsertPage(ctx context.Context, page store.Page) (store.Page, error) {
	return queryUpsertPage(ctx, s.tx, page)
}

func (s *txStore) UpsertUser(ctx context.Context, username string) (store.User, error) {
	return queryUpsertUser(ctx, s.tx, username)
}

func (s *txStore) InsertEvent(ctx context.Context, event *store.Event) error {
	return queryInsertEvent(ctx, s.tx, event)
}

func (s *txStore) InsertRawCapture(ctx context.Context, data string) (store.RawCapture, error) {
	return queryInsertRawCapture(ctx, s.tx, data)
}

func (s *txStore) Stats(ctx context.Context) (store.Stats, error) {
	return queryStats(ctx, s.tx)
}

// RunInTransaction on a txStore reuses the open transaction.
func (s *txStore) RunInTransaction(_ context.Context, fn func(tx store.Store) error) error {
	return fn(s)
}

func (s *txStore) Ping(context.Context) error { return nil }

func (s *txStore) Close() error {
	return fmt.Errorf("close called on transaction store")
}
