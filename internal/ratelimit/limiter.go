// Package ratelimit throttles job submissions per tenant with a Redis-backed
// token bucket shared by every API replica.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "rl:submit:"

// Limiter decides whether a tenant may submit another job.
type Limiter interface {
	Allow(ctx context.Context, tenantID string) (bool, error)
}

// TenantBucket keeps one bucket per tenant in a Redis hash.
type TenantBucket struct {
	client   *redis.Client
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
	now      func() time.Time
}

// NewTenantBucket returns a limiter that allows capacity bursts refilled at
// refillPerSecond. Idle buckets expire after ttl.
func NewTenantBucket(client *redis.Client, capacity int, refillPerSecond float64, ttl time.Duration) *TenantBucket {
	return &TenantBucket{
		client:   client,
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
		now:      time.Now,
	}
}

// Allow takes one token from the tenant's bucket if any remain.
func (b *TenantBucket) Allow(ctx context.Context, tenantID string) (bool, error) {
	allowed, _, err := b.take(ctx, tenantID)
	return allowed, err
}

// take returns whether a token was taken and how many are left.
func (b *TenantBucket) take(ctx context.Context, tenantID string) (bool, float64, error) {
	res, err := bucketScript.Run(ctx, b.client, []string{keyPrefix + tenantID},
		b.capacity, b.refill, b.now().UnixMilli(), b.ttl.Milliseconds()).Result()
	if err != nil {
		return false, 0, fmt.Errorf("rate limit %s: %w", tenantID, err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return false, 0, fmt.Errorf("rate limit %s: unexpected reply %v", tenantID, res)
	}
	allowed, _ := arr[0].(int64)
	// Redis truncates Lua numbers to integers in replies, so the script sends
	// the remainder as a string.
	var remaining float64
	if s, ok := arr[1].(string); ok {
		remaining, _ = strconv.ParseFloat(s, 64)
	}
	return allowed == 1, remaining, nil
}

var bucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local data = redis.call('HMGET', key, 'tokens', 'last_ms')
local tokens = tonumber(data[1])
local last = tonumber(data[2])
if tokens == nil then tokens = capacity end
if last == nil then last = now end

local delta = math.max(0, now - last)
tokens = math.min(capacity, tokens + delta / 1000 * refill)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call('HMSET', key, 'tokens', tokens, 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, tostring(tokens)}
`)
