// Package migrate applies embedded SQL migrations on startup.
package migrate

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"

	"github.com/pressly/goose/v3"
	"go.uber.org/zap"

	"github.com/and161185/trustcore/migrations"
)

// Driver names accepted by Up and Version.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

func dialect(driver string) (goose.Dialect, string, error) {
	switch driver {
	case DriverPostgres:
		return goose.DialectPostgres, "postgres", nil
	case DriverSQLite:
		return goose.DialectSQLite3, "sqlite", nil
	}
	return "", "", fmt.Errorf("unsupported driver %q", driver)
}

// Up runs all pending migrations for driver against db.
func Up(ctx context.Context, driver string, db *sql.DB, log *zap.Logger) error {
	if log == nil {
		log = zap.NewNop()
	}
	d, dir, err := dialect(driver)
	if err != nil {
		return err
	}
	sub, err := fs.Sub(migrations.FS, dir)
	if err != nil {
		return err
	}
	p, err := goose.NewProvider(d, db, sub)
	if err != nil {
		return fmt.Errorf("goose provider: %w", err)
	}
	res, err := p.Up(ctx)
	if err != nil {
		return fmt.Errorf("migrate up: %w", err)
	}
	for _, r := range res {
		log.Info("migration applied", zap.String("driver", driver), zap.Int64("version", r.Source.Version), zap.Duration("took", r.Duration))
	}
	return nil
}

// Version reports the current schema version.
func Version(ctx context.Context, driver string, db *sql.DB) (int64, error) {
	d, dir, err := dialect(driver)
	if err != nil {
		return 0, err
	}
	sub, err := fs.Sub(migrations.FS, dir)
	if err != nil {
		return 0, err
	}
	p, err := goose.NewProvider(d, db, sub)
	if err != nil {
		return 0, fmt.Errorf("goose provider: %w", err)
	}
	return p.GetDBVersion(ctx)
}
