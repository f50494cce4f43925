package store

import (
	"context"
	"embed"
	"fmt"
	"path"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations/central/*.sql migrations/tenant/*.sql
var migrationFiles embed.FS

// RunCentralMigrations executes the embedded central SQL migrations in order.
func RunCentralMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	return runMigrations(ctx, pool, "migrations/central", nil)
}

// runTenantMigrations creates or upgrades a tenant schema. schema must already be sanitized.
func runTenantMigrations(ctx context.Context, pool *pgxpool.Pool, schema string) error {
	return runMigrations(ctx, pool, "migrations/tenant", strings.NewReplacer("{{schema}}", schema))
}

func runMigrations(ctx context.Context, pool *pgxpool.Pool, dir string, r *strings.Replacer) error {
	entries, err := migrationFiles.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		content, err := migrationFiles.ReadFile(path.Join(dir, e.Name()))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", e.Name(), err)
		}
		sql := strings.TrimSpace(string(content))
		if sql == "" {
			continue
		}
		if r != nil {
			sql = r.Replace(sql)
		}
		if _, err := pool.Exec(ctx, sql); err != nil {
			return fmt.Errorf("exec migration %s: %w", e.Name(), err)
		}
	}
	return nil
}
