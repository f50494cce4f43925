// Package catalog resolves effects to their prices and input contracts.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"render-dispatcher/internal/models"
)

// Catalog looks up active effects. Unknown and inactive effects yield models.ErrNotFound.
type Catalog interface {
	Effect(ctx context.Context, id string) (models.Effect, error)
}

// PostgresCatalog reads the central effects table.
type PostgresCatalog struct {
	pool *pgxpool.Pool
}

func NewPostgresCatalog(pool *pgxpool.Pool) *PostgresCatalog {
	return &PostgresCatalog{pool: pool}
}

func (c *PostgresCatalog) Effect(ctx context.Context, id string) (models.Effect, error) {
	var e models.Effect
	var schema []byte
	err := c.pool.QueryRow(ctx, `
		SELECT id, name, provider, token_cost, input_schema, output_content_type, is_active
		FROM effects WHERE id = $1
	`, id).Scan(&e.ID, &e.Name, &e.Provider, &e.TokenCost, &schema, &e.OutputContentType, &e.IsActive)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Effect{}, fmt.Errorf("effect %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return models.Effect{}, fmt.Errorf("query effect: %w", err)
	}
	if !e.IsActive {
		return models.Effect{}, fmt.Errorf("effect %s inactive: %w", id, models.ErrNotFound)
	}
	if len(schema) > 0 {
		if err := json.Unmarshal(schema, &e.InputSchema); err != nil {
			return models.Effect{}, fmt.Errorf("unmarshal input schema: %w", err)
		}
	}
	return e, nil
}

// MemoryCatalog serves a fixed set of effects.
type MemoryCatalog struct {
	mu      sync.RWMutex
	effects map[string]models.Effect
}

func NewMemoryCatalog(effects ...models.Effect) *MemoryCatalog {
	c := &MemoryCatalog{effects: make(map[string]models.Effect, len(effects))}
	for _, e := range effects {
		c.effects[e.ID] = e
	}
	return c
}

// Put adds or replaces an effect.
func (c *MemoryCatalog) Put(e models.Effect) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.effects[e.ID] = e
}

func (c *MemoryCatalog) Effect(_ context.Context, id string) (models.Effect, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.effects[id]
	if !ok || !e.IsActive {
		return models.Effect{}, fmt.Errorf("effect %s: %w", id, models.ErrNotFound)
	}
	return e, nil
}

// CachedCatalog is a Redis read-through cache in front of another Catalog.
// Misses are not cached so a newly activated effect is visible immediately.
type CachedCatalog struct {
	next   Catalog
	client *redis.Client
	ttl    time.Duration
}

func NewCachedCatalog(next Catalog, client *redis.Client, ttl time.Duration) *CachedCatalog {
	return &CachedCatalog{next: next, client: client, ttl: ttl}
}

func (c *CachedCatalog) key(id string) string {
	return "catalog:effect:" + id
}

func (c *CachedCatalog) Effect(ctx context.Context, id string) (models.Effect, error) {
	raw, err := c.client.Get(ctx, c.key(id)).Bytes()
	if err == nil {
		var e models.Effect
		if err := json.Unmarshal(raw, &e); err == nil {
			return e, nil
		}
	}
	// Redis errors fall through to the source of truth.
	e, err := c.next.Effect(ctx, id)
	if err != nil {
		return models.Effect{}, err
	}
	if raw, err := json.Marshal(e); err == nil {
		_ = c.client.Set(ctx, c.key(id), raw, c.ttl).Err()
	}
	return e, nil
}

// Invalidate drops a cached effect.
func (c *CachedCatalog) Invalidate(ctx context.Context, id string) error {
	return c.client.Del(ctx, c.key(id)).Err()
}
