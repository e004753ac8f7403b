package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"lending-api/internal/client"
	"lending-api/internal/models"
	"lending-api/internal/repository"
	"lending-api/internal/util"
)

const (
	fieldAttempts    = "attempts"
	fieldRLBlocked   = "blocked_until"
	fieldRLExpiresAt = "expires_at"
)

// incrementAttempt applies one failure in a single step. A lapsed block
// starts the record over. The block is set once, when attempts reach the
// threshold. The key never expires before the window or the block ends.
//
// KEYS[1] record key
// ARGV[1] now (unix ms)         ARGV[2] expires_at (unix ms)
// ARGV[3] max attempts          ARGV[4] blocked_until if set now (unix ms)
// ARGV[5] window ttl (ms)       ARGV[6] ttl when a block is set (ms)
var incrementAttempt = redis.NewScript(`
local now = tonumber(ARGV[1])
local blocked = tonumber(redis.call('HGET', KEYS[1], 'blocked_until') or '0')
if blocked > 0 and blocked <= now then
  redis.call('DEL', KEYS[1])
  blocked = 0
end
local attempts = redis.call('HINCRBY', KEYS[1], 'attempts', 1)
redis.call('HSET', KEYS[1], 'expires_at', ARGV[2])
if blocked == 0 and attempts >= tonumber(ARGV[3]) then
  redis.call('HSET', KEYS[1], 'blocked_until', ARGV[4])
  redis.call('PEXPIRE', KEYS[1], ARGV[6])
elseif redis.call('PTTL', KEYS[1]) < tonumber(ARGV[5]) then
  redis.call('PEXPIRE', KEYS[1], ARGV[5])
end
return redis.call('HGETALL', KEYS[1])
`)

// RateLimitStore keeps one hash per (action, source) that expires with the
// record.
type RateLimitStore struct {
	client *client.RedisClient
	prefix string
}

func NewRateLimitStore(client *client.RedisClient, prefix string) *RateLimitStore {
	if prefix == "" {
		prefix = "rate_limit"
	}
	return &RateLimitStore{client: client, prefix: prefix}
}

func (s *RateLimitStore) key(source, action string) string {
	return fmt.Sprintf("%s:%s:%s", s.prefix, action, source)
}

func (s *RateLimitStore) Get(ctx context.Context, source, action string) (*models.RateLimitRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	fields, err := s.client.HGetAll(ctx, s.key(source, action))
	if err != nil {
		return nil, fmt.Errorf("failed to get rate limit record: %w", err)
	}
	if len(fields) == 0 {
		return nil, repository.ErrNotFound
	}
	return decodeRateLimit(source, action, fields)
}

// Increment counts one failure for the pair and returns the record as it
// stands afterwards.
func (s *RateLimitStore) Increment(ctx context.Context, source, action string, now time.Time, policy models.RateLimitPolicy) (*models.RateLimitRecord, error) {
	if policy.MaxAttempts < 1 || policy.Window <= 0 || policy.BlockDuration <= 0 {
		return nil, fmt.Errorf("invalid rate limit policy %+v", policy)
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	blockTTL := policy.Window
	if policy.BlockDuration > blockTTL {
		blockTTL = policy.BlockDuration
	}

	res, err := s.client.RunScript(ctx, incrementAttempt, []string{s.key(source, action)},
		now.UnixMilli(),
		now.Add(policy.Window).UnixMilli(),
		policy.MaxAttempts,
		now.Add(policy.BlockDuration).UnixMilli(),
		policy.Window.Milliseconds(),
		blockTTL.Milliseconds(),
	)
	if err != nil {
		util.Error("Failed to increment rate limit record",
			zap.String("action", action),
			zap.Error(err))
		return nil, fmt.Errorf("failed to increment rate limit record: %w", err)
	}

	fields, err := pairsToMap(res)
	if err != nil {
		return nil, err
	}
	return decodeRateLimit(source, action, fields)
}

func (s *RateLimitStore) Delete(ctx context.Context, source, action string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := s.client.Del(ctx, s.key(source, action)); err != nil {
		return fmt.Errorf("failed to delete rate limit record: %w", err)
	}
	return nil
}

func pairsToMap(res interface{}) (map[string]string, error) {
	items, ok := res.([]interface{})
	if !ok || len(items)%2 != 0 {
		return nil, fmt.Errorf("unexpected rate limit script reply %T", res)
	}
	fields := make(map[string]string, len(items)/2)
	for i := 0; i < len(items); i += 2 {
		k, _ := items[i].(string)
		v, _ := items[i+1].(string)
		fields[k] = v
	}
	return fields, nil
}

func decodeRateLimit(source, action string, fields map[string]string) (*models.RateLimitRecord, error) {
	record := &models.RateLimitRecord{Source: source, Action: action}

	var err error
	if record.Attempts, err = strconv.Atoi(fields[fieldAttempts]); err != nil {
		return nil, fmt.Errorf("corrupt rate limit field %s: %w", fieldAttempts, err)
	}
	if raw := fields[fieldRLExpiresAt]; raw != "" {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("corrupt rate limit field %s: %w", fieldRLExpiresAt, err)
		}
		record.ExpiresAt = time.UnixMilli(ms).UTC()
	}
	if raw := fields[fieldRLBlocked]; raw != "" {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("corrupt rate limit field %s: %w", fieldRLBlocked, err)
		}
		until := time.UnixMilli(ms).UTC()
		record.BlockedUntil = &until
	}
	return record, nil
}
