package engine

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// migrate brings the schema up to date. A goose Provider is used instead of
// the package-level goose API so that concurrently open handles do not share
// dialect or base FS state.
func migrate(ctx context.Context, db *sql.DB) error {
	fsys, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return err
	}
	p, err := goose.NewProvider(goose.DialectSQLite3, db, fsys)
	if err != nil {
		return fmt.Errorf("engine: failed to load migrations: %w", err)
	}
	if _, err := p.Up(ctx); err != nil {
		return fmt.Errorf("engine: migration failed: %w", err)
	}
	return nil
}

// SchemaVersion returns the applied goose version of an open handle.
func (h *Handle) SchemaVersion(ctx context.Context) (int64, error) {
	db, err := h.conn()
	if err != nil {
		return 0, err
	}
	fsys, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return 0, err
	}
	p, err := goose.NewProvider(goose.DialectSQLite3, db, fsys)
	if err != nil {
		return 0, err
	}
	return p.GetDBVersion(ctx)
}
