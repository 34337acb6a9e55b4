package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	persistence "github.com/goliatone/go-persistence-bun"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	"github.com/goliatone/go-appclient/migrations"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// DatabaseConfig satisfies the go-persistence-bun config contract.
type DatabaseConfig struct {
	Driver      string
	DSN         string
	Debug       bool
	PingTimeout time.Duration
}

func (c DatabaseConfig) GetDebug() bool { return c.Debug }

func (c DatabaseConfig) GetDriver() string { return c.driver() }

func (c DatabaseConfig) GetServer() string { return strings.TrimSpace(c.DSN) }

func (c DatabaseConfig) GetPingTimeout() time.Duration {
	if c.PingTimeout <= 0 {
		return 5 * time.Second
	}
	return c.PingTimeout
}

func (c DatabaseConfig) GetOtelIdentifier() string { return "go-appclient" }

func (c DatabaseConfig) driver() string {
	driver := strings.TrimSpace(strings.ToLower(c.Driver))
	switch driver {
	case "", "sqlite":
		return DriverSQLite
	case "postgresql", "pg":
		return DriverPostgres
	default:
		return driver
	}
}

// Open connects, registers the embedded migrations for the configured
// dialect and migrates to the latest version.
func Open(ctx context.Context, cfg DatabaseConfig) (*persistence.Client, error) {
	if cfg.GetServer() == "" {
		return nil, fmt.Errorf("sqlstore: database dsn is required")
	}
	driver := cfg.driver()
	if driver != DriverSQLite && driver != DriverPostgres {
		return nil, fmt.Errorf("sqlstore: unsupported driver %q", cfg.Driver)
	}
	sqlDB, err := sql.Open(driver, cfg.GetServer())
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open %s: %w", driver, err)
	}

	var (
		client        *persistence.Client
		targetDialect string
	)
	if driver == DriverSQLite {
		sqlDB.SetMaxOpenConns(1)
		targetDialect = migrations.DialectSQLite
		client, err = persistence.New(cfg, sqlDB, sqlitedialect.New())
	} else {
		targetDialect = migrations.DialectPostgres
		client, err = persistence.New(cfg, sqlDB, pgdialect.New())
	}
	if err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("sqlstore: new persistence client: %w", err)
	}

	if _, err := migrations.Apply(client, targetDialect); err != nil {
		_ = client.Close()
		return nil, err
	}
	if err := client.Migrate(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("sqlstore: migrate: %w", err)
	}
	return client, nil
}
