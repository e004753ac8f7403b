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
	otpPrefix      = "otp:"
	otpIndexPrefix = "otp_index:"
	opTimeout      = 5 * time.Second
)

// Hash fields of an otp:{token} entry.
const (
	fieldPhoneHash     = "phoneHash"
	fieldOTPHash       = "otpHash"
	fieldContext       = "context"
	fieldCreatedAt     = "createdAt"
	fieldExpiresAt     = "expiresAt"
	fieldPurgeAt       = "purgeAt"
	fieldWrongAttempts = "wrongAttempts"
	fieldBlockedUntil  = "blockedUntil"
	fieldRequestCount  = "requestCount"
	fieldVerified      = "verified"
	fieldIPAddress     = "ipAddress"
)

// Writes to a purged record must not resurrect it as a partial hash without
// a TTL, so field updates only apply when the key still exists.
var (
	incrIfExists = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
return redis.call('HINCRBY', KEYS[1], ARGV[1], 1)
`)
	setIfExists = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
return 1
`)
)

// OTPStore keeps each record in a hash keyed by token plus a sorted-set
// index per (context, phoneHash) scored by creation time.
type OTPStore struct {
	client *client.RedisClient
}

func NewOTPStore(client *client.RedisClient) *OTPStore {
	return &OTPStore{client: client}
}

func otpKey(token string) string {
	return otpPrefix + token
}

func otpIndexKey(otpContext, phoneHash string) string {
	return otpIndexPrefix + otpContext + ":" + phoneHash
}

func (s *OTPStore) Create(ctx context.Context, record *models.OTPRecord) error {
	ttl := record.PurgeAt.Sub(record.CreatedAt)
	if ttl <= 0 {
		return fmt.Errorf("invalid purge time for otp record")
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	fields := map[string]interface{}{
		fieldPhoneHash:     record.PhoneHash,
		fieldOTPHash:       record.OTPHash,
		fieldContext:       record.Context,
		fieldCreatedAt:     formatTime(record.CreatedAt),
		fieldExpiresAt:     formatTime(record.ExpiresAt),
		fieldPurgeAt:       formatTime(record.PurgeAt),
		fieldWrongAttempts: record.WrongAttempts,
		fieldRequestCount:  record.RequestCount,
		fieldVerified:      strconv.FormatBool(record.Verified),
		fieldIPAddress:     record.IPAddress,
	}
	if record.BlockedUntil != nil {
		fields[fieldBlockedUntil] = formatTime(*record.BlockedUntil)
	}

	key := otpKey(record.Token)
	indexKey := otpIndexKey(record.Context, record.PhoneHash)

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, ttl)
	pipe.ZAdd(ctx, indexKey, redis.Z{Score: float64(record.CreatedAt.UnixMilli()), Member: record.Token})
	pipe.Expire(ctx, indexKey, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		util.Error("Failed to store OTP record",
			util.HashPrefix("phone_hash", record.PhoneHash),
			zap.String("context", record.Context),
			zap.Error(err))
		return fmt.Errorf("failed to store otp record: %w", err)
	}

	util.Debug("OTP record stored",
		util.HashPrefix("phone_hash", record.PhoneHash),
		zap.Duration("ttl", ttl))
	return nil
}

func (s *OTPStore) FindByToken(ctx context.Context, token string) (*models.OTPRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	fields, err := s.client.HGetAll(ctx, otpKey(token))
	if err != nil {
		return nil, fmt.Errorf("failed to load otp record: %w", err)
	}
	if len(fields) == 0 {
		return nil, repository.ErrNotFound
	}
	return decodeRecord(token, fields)
}

func (s *OTPStore) FindRecent(ctx context.Context, phoneHash, otpContext string, since time.Time) ([]*models.OTPRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	indexKey := otpIndexKey(otpContext, phoneHash)
	tokens, err := s.client.ZRevRangeByScore(ctx, indexKey, strconv.FormatInt(since.UnixMilli(), 10), "+inf")
	if err != nil {
		return nil, fmt.Errorf("failed to query otp index: %w", err)
	}

	records := make([]*models.OTPRecord, 0, len(tokens))
	var stale []interface{}
	for _, token := range tokens {
		fields, err := s.client.HGetAll(ctx, otpKey(token))
		if err != nil {
			return nil, fmt.Errorf("failed to load otp record: %w", err)
		}
		if len(fields) == 0 {
			stale = append(stale, token)
			continue
		}
		record, err := decodeRecord(token, fields)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}

	if len(stale) > 0 {
		if err := s.client.ZRem(ctx, indexKey, stale...); err != nil {
			util.Warn("Failed to prune otp index", zap.String("key", indexKey), zap.Error(err))
		}
	}
	return records, nil
}

func (s *OTPStore) IncrementWrongAttempts(ctx context.Context, token string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := s.client.RunScript(ctx, incrIfExists, []string{otpKey(token)}, fieldWrongAttempts)
	if err != nil {
		return 0, fmt.Errorf("failed to increment wrong attempts: %w", err)
	}
	n, _ := res.(int64)
	if n < 0 {
		return 0, repository.ErrNotFound
	}
	return int(n), nil
}

func (s *OTPStore) SetBlockedUntil(ctx context.Context, token string, until time.Time) error {
	return s.setField(ctx, token, fieldBlockedUntil, formatTime(until))
}

func (s *OTPStore) MarkVerified(ctx context.Context, token string) error {
	return s.setField(ctx, token, fieldVerified, strconv.FormatBool(true))
}

func (s *OTPStore) setField(ctx context.Context, token, field, value string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := s.client.RunScript(ctx, setIfExists, []string{otpKey(token)}, field, value)
	if err != nil {
		return fmt.Errorf("failed to update otp record: %w", err)
	}
	if n, _ := res.(int64); n < 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (s *OTPStore) Delete(ctx context.Context, token string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	key := otpKey(token)
	fields, err := s.client.HGetAll(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to load otp record: %w", err)
	}
	if len(fields) == 0 {
		return nil
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.ZRem(ctx, otpIndexKey(fields[fieldContext], fields[fieldPhoneHash]), token)
	if _, err := pipe.Exec(ctx); err != nil {
		util.Error("Failed to delete OTP record", zap.Error(err))
		return fmt.Errorf("failed to delete otp record: %w", err)
	}
	return nil
}

func (s *OTPStore) HealthCheck(ctx context.Context) error {
	return s.client.HealthCheck(ctx)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func decodeRecord(token string, fields map[string]string) (*models.OTPRecord, error) {
	record := &models.OTPRecord{
		Token:     token,
		PhoneHash: fields[fieldPhoneHash],
		OTPHash:   fields[fieldOTPHash],
		Context:   fields[fieldContext],
		IPAddress: fields[fieldIPAddress],
		Verified:  fields[fieldVerified] == "true",
	}

	var err error
	if record.CreatedAt, err = parseTimeField(fields, fieldCreatedAt); err != nil {
		return nil, err
	}
	if record.ExpiresAt, err = parseTimeField(fields, fieldExpiresAt); err != nil {
		return nil, err
	}
	if record.PurgeAt, err = parseTimeField(fields, fieldPurgeAt); err != nil {
		return nil, err
	}
	if raw := fields[fieldBlockedUntil]; raw != "" {
		until, err := parseTimeField(fields, fieldBlockedUntil)
		if err != nil {
			return nil, err
		}
		record.BlockedUntil = &until
	}
	if record.WrongAttempts, err = strconv.Atoi(fields[fieldWrongAttempts]); err != nil {
		return nil, fmt.Errorf("corrupt otp record field %s: %w", fieldWrongAttempts, err)
	}
	if record.RequestCount, err = strconv.Atoi(fields[fieldRequestCount]); err != nil {
		return nil, fmt.Errorf("corrupt otp record field %s: %w", fieldRequestCount, err)
	}
	return record, nil
}

func parseTimeField(fields map[string]string, name string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, fields[name])
	if err != nil {
		return time.Time{}, fmt.Errorf("corrupt otp record field %s: %w", name, err)
	}
	return t, nil
}
