package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"render-dispatcher/internal/models"
)

var tenantIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

const (
	// maxIdentifierLen is Postgres' NAMEDATALEN-1; longer names are truncated.
	maxIdentifierLen = 63
	schemaSlugLen    = 16
)

// ValidTenantID reports whether id can name a tenant.
func ValidTenantID(id string) bool {
	return tenantIDPattern.MatchString(id)
}

// PostgresResolver maps tenants to schemas through the central tenants table.
type PostgresResolver struct {
	pool          *pgxpool.Pool
	autoProvision bool

	mu       sync.Mutex
	migrated map[string]bool
}

// NewPostgresResolver builds a resolver. With autoProvision, unknown tenants get
// a schema on first bind.
func NewPostgresResolver(pool *pgxpool.Pool, autoProvision bool) *PostgresResolver {
	return &PostgresResolver{pool: pool, autoProvision: autoProvision, migrated: make(map[string]bool)}
}

// Bind returns the tenant's store. The release func is a no-op for pooled
// connections but keeps callers honest about the binding's scope.
func (r *PostgresResolver) Bind(ctx context.Context, tenantID string) (TenantStore, func(), error) {
	if !ValidTenantID(tenantID) {
		return nil, nil, fmt.Errorf("tenant id %q: %w", tenantID, models.ErrValidation)
	}
	schema, err := r.lookupSchema(ctx, tenantID)
	if err != nil {
		return nil, nil, err
	}
	if err := r.ensureMigrated(ctx, schema); err != nil {
		return nil, nil, err
	}
	return newPostgresTenantStore(r.pool, tenantID, schema), func() {}, nil
}

func (r *PostgresResolver) lookupSchema(ctx context.Context, tenantID string) (string, error) {
	var schema string
	var active bool
	err := r.pool.QueryRow(ctx, `SELECT schema_name, is_active FROM tenants WHERE id = $1`, tenantID).Scan(&schema, &active)
	if err == nil {
		if !active {
			return "", fmt.Errorf("tenant %s inactive: %w", tenantID, models.ErrTenantNotFound)
		}
		return schema, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("query tenant: %w", err)
	}
	if !r.autoProvision {
		return "", fmt.Errorf("tenant %s: %w", tenantID, models.ErrTenantNotFound)
	}

	// The stored row wins if another binder provisioned the tenant first.
	if err := r.pool.QueryRow(ctx, `
		INSERT INTO tenants (id, schema_name) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET id = tenants.id
		RETURNING schema_name, is_active
	`, tenantID, schemaName(tenantID)).Scan(&schema, &active); err != nil {
		return "", fmt.Errorf("provision tenant: %w", err)
	}
	if !active {
		return "", fmt.Errorf("tenant %s inactive: %w", tenantID, models.ErrTenantNotFound)
	}
	return schema, nil
}

func (r *PostgresResolver) ensureMigrated(ctx context.Context, schema string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.migrated[schema] {
		return nil
	}
	if err := runTenantMigrations(ctx, r.pool, pgx.Identifier{schema}.Sanitize()); err != nil {
		return fmt.Errorf("migrate tenant schema %s: %w", schema, err)
	}
	r.migrated[schema] = true
	return nil
}

// schemaName derives a tenant's schema. The readable slug is lossy, so the
// name is keyed by a hash of the exact id and always fits an identifier.
func schemaName(tenantID string) string {
	slug := make([]byte, 0, schemaSlugLen)
	for _, c := range []byte(strings.ToLower(tenantID)) {
		if len(slug) == schemaSlugLen {
			break
		}
		if (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') {
			slug = append(slug, c)
		} else {
			slug = append(slug, '_')
		}
	}
	sum := sha256.Sum256([]byte(tenantID))
	return "tenant_" + string(slug) + "_" + hex.EncodeToString(sum[:16])
}
