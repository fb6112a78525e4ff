// Package db manages the database connection, migrations, at-rest
// encryption and the advisory lock primitive. SQLite (modernc pure-Go
// driver, no CGO) and PostgreSQL are supported; migrations are embedded and
// applied on startup via golang-migrate.
package db

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
	gormpostgres "gorm.io/driver/postgres"
	gormsqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	// Registers the "sqlite" driver in database/sql.
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Config describes the database to open. An empty Driver selects sqlite.
type Config struct {
	Driver   string // "sqlite" or "postgres"
	DSN      string
	Logger   *zap.Logger
	LogLevel gormlogger.LogLevel
}

// New opens the database, applies pending migrations and returns a ready
// *gorm.DB.
func New(cfg Config) (*gorm.DB, error) {
	if cfg.Logger == nil {
		return nil, errors.New("db: logger is required")
	}
	driver := cfg.Driver
	if driver == "" {
		driver = "sqlite"
	}

	database, sqlDB, err := open(driver, cfg)
	if err != nil {
		return nil, err
	}
	if err := migrateUp(sqlDB, driver, cfg.Logger); err != nil {
		return nil, fmt.Errorf("db: migrations: %w", err)
	}
	return database, nil
}

func open(driver string, cfg Config) (*gorm.DB, *sql.DB, error) {
	gormCfg := &gorm.Config{Logger: newZapGORMLogger(cfg.Logger, cfg.LogLevel)}

	switch driver {
	case "sqlite":
		// modernc registers itself under "sqlite", not "sqlite3", so the
		// connection is opened through database/sql first and the existing
		// handle is given to GORM's dialector.
		sqlDB, err := sql.Open("sqlite", cfg.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("db: open sqlite: %w", err)
		}
		// SQLite allows one writer at a time.
		sqlDB.SetMaxOpenConns(1)

		database, err := gorm.Open(gormsqlite.Dialector{Conn: sqlDB}, gormCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("db: gorm over sqlite: %w", err)
		}
		return database, sqlDB, nil

	case "postgres":
		database, err := gorm.Open(gormpostgres.Open(cfg.DSN), gormCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("db: open postgres: %w", err)
		}
		sqlDB, err := database.DB()
		if err != nil {
			return nil, nil, fmt.Errorf("db: unwrap sql.DB: %w", err)
		}
		sqlDB.SetMaxOpenConns(25)
		sqlDB.SetMaxIdleConns(5)
		sqlDB.SetConnMaxLifetime(30 * time.Minute)
		return database, sqlDB, nil

	default:
		return nil, nil, fmt.Errorf("db: unsupported driver %q, use \"sqlite\" or \"postgres\"", driver)
	}
}

// Ping reports whether the underlying connection is still alive.
func Ping(ctx context.Context, database *gorm.DB) error {
	sqlDB, err := database.DB()
	if err != nil {
		return fmt.Errorf("db: unwrap sql.DB: %w", err)
	}
	return sqlDB.PingContext(ctx)
}

// migrateUp applies pending up-migrations from the embedded SQL files.
// ErrNoChange means the schema is already current.
func migrateUp(sqlDB *sql.DB, driver string, log *zap.Logger) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}

	var instance *migrate.Migrate
	switch driver {
	case "sqlite":
		drv, err := migratesqlite.WithInstance(sqlDB, &migratesqlite.Config{})
		if err != nil {
			return fmt.Errorf("sqlite migrate driver: %w", err)
		}
		instance, err = migrate.NewWithInstance("iofs", src, "sqlite", drv)
		if err != nil {
			return fmt.Errorf("migrator: %w", err)
		}
	case "postgres":
		drv, err := migratepg.WithInstance(sqlDB, &migratepg.Config{})
		if err != nil {
			return fmt.Errorf("postgres migrate driver: %w", err)
		}
		instance, err = migrate.NewWithInstance("iofs", src, "postgres", drv)
		if err != nil {
			return fmt.Errorf("migrator: %w", err)
		}
	}

	if err := instance.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	log.Info("database schema up to date")
	return nil
}
