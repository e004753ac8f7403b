package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"lending-api/internal/config"
	"lending-api/internal/models"
	"lending-api/internal/repository"
)

// LimitStatus is the outcome of a limiter check or increment.
type LimitStatus struct {
	Blocked           bool
	RetryAfter        time.Duration
	AttemptsRemaining int
	Message           string
}

// RateLimiter counts failed actions per (source address, action) pair. It is
// shared by the OTP verify path and login. Storage failures never block a
// caller.
type RateLimiter struct {
	store  repository.RateLimitStore
	cfg    config.RateLimitConfig
	logger *zap.Logger
	now    func() time.Time
}

func NewRateLimiter(store repository.RateLimitStore, cfg config.RateLimitConfig, logger *zap.Logger) *RateLimiter {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 5
	}
	if cfg.Window <= 0 {
		cfg.Window = 10 * time.Minute
	}
	if cfg.BlockDuration <= 0 {
		cfg.BlockDuration = 10 * time.Minute
	}
	return &RateLimiter{store: store, cfg: cfg, logger: logger, now: time.Now}
}

// WithClock replaces the limiter's time source.
func (l *RateLimiter) WithClock(now func() time.Time) *RateLimiter {
	l.now = now
	return l
}

func (l *RateLimiter) Check(ctx context.Context, source, action string) LimitStatus {
	rec, err := l.store.Get(ctx, source, action)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			l.logger.Warn("Rate limit check failed, allowing request",
				zap.String("action", action),
				zap.Error(err),
			)
		}
		return LimitStatus{AttemptsRemaining: l.cfg.MaxAttempts}
	}

	now := l.now()
	if rec.IsBlocked(now) {
		return l.blocked(rec.BlockedUntil.Sub(now))
	}
	return LimitStatus{AttemptsRemaining: l.remaining(rec.Attempts)}
}

// Increment records one failure. A record whose block has lapsed starts over
// at one attempt. Every increment pushes the record's expiry forward by the
// window.
func (l *RateLimiter) Increment(ctx context.Context, source, action string) LimitStatus {
	now := l.now()

	rec, err := l.store.Increment(ctx, source, action, now, models.RateLimitPolicy{
		MaxAttempts:   l.cfg.MaxAttempts,
		Window:        l.cfg.Window,
		BlockDuration: l.cfg.BlockDuration,
	})
	if err != nil {
		l.logger.Warn("Rate limit increment failed",
			zap.String("action", action),
			zap.Error(err),
		)
		return LimitStatus{AttemptsRemaining: l.cfg.MaxAttempts - 1}
	}

	if rec.IsBlocked(now) {
		return l.blocked(rec.BlockedUntil.Sub(now))
	}
	return LimitStatus{AttemptsRemaining: l.remaining(rec.Attempts)}
}

// Reset forgets all failures for the pair.
func (l *RateLimiter) Reset(ctx context.Context, source, action string) {
	if err := l.store.Delete(ctx, source, action); err != nil {
		l.logger.Warn("Rate limit reset failed",
			zap.String("action", action),
			zap.Error(err),
		)
	}
}

func (l *RateLimiter) MaxAttempts() int {
	return l.cfg.MaxAttempts
}

func (l *RateLimiter) BlockDuration() time.Duration {
	return l.cfg.BlockDuration
}

func (l *RateLimiter) remaining(attempts int) int {
	if r := l.cfg.MaxAttempts - attempts; r > 0 {
		return r
	}
	return 0
}

func (l *RateLimiter) blocked(d time.Duration) LimitStatus {
	return LimitStatus{
		Blocked:    true,
		RetryAfter: d,
		Message:    fmt.Sprintf("Too many failed attempts. Try again in %d minutes.", ceilMinutes(d)),
	}
}
