package repository

import (
	"context"
	"embed"
	"fmt"
	"path/filepath"
	"sort"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Migrate applies every embedded *.sql file in lexical order. It is
// intentionally minimal (no version tracking table): migrations are written
// idempotently (CREATE TABLE IF NOT EXISTS) so re-running on an
// already-migrated database is a no-op, matching how this codebase's own
// integration tests already apply migrations at suite startup.
func (r *Repository) Migrate(ctx context.Context) error {
	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("repository: read migrations: %w", err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".sql" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		content, err := migrationFS.ReadFile(filepath.Join("migrations", name))
		if err != nil {
			return fmt.Errorf("repository: read migration %s: %w", name, err)
		}
		if _, err := r.pool.Exec(ctx, string(content)); err != nil {
			return fmt.Errorf("repository: apply migration %s: %w", name, err)
		}
	}
	return nil
}
