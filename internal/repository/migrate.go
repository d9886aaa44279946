package repository

import (
	"context"
	"embed"
	"io/fs"
	"sort"

	"github.com/tulkenz-ims/be-ops-approvals/internal/platform/database"
	"github.com/tulkenz-ims/be-ops-approvals/internal/platform/errors"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Migrate applies the embedded schema. Every statement is idempotent.
func Migrate(ctx context.Context, db *database.DB) error {
	names, err := fs.Glob(migrationFS, "migrations/*.sql")
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to list migrations")
	}
	sort.Strings(names)

	for _, name := range names {
		sql, err := migrationFS.ReadFile(name)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to read migration "+name)
		}
		if _, err := db.Exec(ctx, string(sql)); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to apply migration "+name)
		}
	}
	return nil
}
