// Package postgres opens a SyncState store shared by several workers or
// hosts, backed by PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/custodia-labs/d365-sync/internal/adapters/driven/storage"
	"github.com/custodia-labs/d365-sync/internal/config"
	"github.com/custodia-labs/d365-sync/internal/logger"
)

//go:embed migrations/*.sql
var migrations embed.FS

// ErrDatabaseURLEmpty is returned when no database url is configured.
var ErrDatabaseURLEmpty = errors.New("database URL cannot be empty")

// MigrationsTable is the golang-migrate bookkeeping table.
const MigrationsTable = "d365sync_schema_migrations"

const (
	defaultMaxOpenConns    = 10
	defaultMaxIdleConns    = 5
	defaultConnMaxLifetime = 30 * time.Minute
	defaultConnMaxIdleTime = 10 * time.Minute
)

// Config holds connection pool settings.
type Config struct {
	DatabaseURL     string
	MaxOpenConns    int           // Maximum number of open connections
	MaxIdleConns    int           // Maximum number of idle connections
	ConnMaxLifetime time.Duration // Maximum lifetime of connections
	ConnMaxIdleTime time.Duration // Maximum idle time for connections
}

// LoadConfig returns pool settings for databaseURL, overridable through
// DATABASE_* environment variables.
func LoadConfig(databaseURL string) Config {
	return Config{
		DatabaseURL:     databaseURL,
		MaxOpenConns:    config.GetEnvInt("DATABASE_MAX_OPEN_CONNS", defaultMaxOpenConns),
		MaxIdleConns:    config.GetEnvInt("DATABASE_MAX_IDLE_CONNS", defaultMaxIdleConns),
		ConnMaxLifetime: config.GetEnvDuration("DATABASE_CONN_MAX_LIFETIME", defaultConnMaxLifetime),
		ConnMaxIdleTime: config.GetEnvDuration("DATABASE_CONN_MAX_IDLE_TIME", defaultConnMaxIdleTime),
	}
}

// Open connects, verifies the connection and applies migrations.
func Open(ctx context.Context, cfg Config) (*storage.Store, error) {
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		return nil, ErrDatabaseURLEmpty
	}
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := migrateUp(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	logger.Debug("store: connected to postgres %s", MaskDatabaseURL(cfg.DatabaseURL))
	return storage.New(db, storage.Postgres), nil
}

func migrateUp(db *sql.DB) error {
	source, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	driver, err := migratepg.WithInstance(db, &migratepg.Config{MigrationsTable: MigrationsTable})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	defer func() {
		_ = source.Close()
	}()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// MaskDatabaseURL hides the password of a connection URL for logging.
func MaskDatabaseURL(databaseURL string) string {
	u, err := url.Parse(databaseURL)
	if err != nil || u.User == nil {
		return databaseURL
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), "xxxxx")
	}
	return u.String()
}
