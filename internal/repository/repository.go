package repository

import (
	"context"
	"errors"
	"time"

	"lending-api/internal/models"
)

// ErrNotFound is returned when a record does not exist or has been purged.
var ErrNotFound = errors.New("record not found")

// OTPStore persists issued passcodes. Implementations purge a record at its
// PurgeAt time, not at ExpiresAt, so the hourly request throttle still sees
// expired records.
type OTPStore interface {
	Create(ctx context.Context, record *models.OTPRecord) error
	FindByToken(ctx context.Context, token string) (*models.OTPRecord, error)
	// FindRecent returns records for (phoneHash, otpContext) created at or
	// after since, newest first.
	FindRecent(ctx context.Context, phoneHash, otpContext string, since time.Time) ([]*models.OTPRecord, error)
	// IncrementWrongAttempts atomically adds one and returns the new count.
	IncrementWrongAttempts(ctx context.Context, token string) (int, error)
	SetBlockedUntil(ctx context.Context, token string, until time.Time) error
	MarkVerified(ctx context.Context, token string) error
	Delete(ctx context.Context, token string) error
	HealthCheck(ctx context.Context) error
}

// RateLimitStore persists per-(source, action) failure counters.
type RateLimitStore interface {
	Get(ctx context.Context, source, action string) (*models.RateLimitRecord, error)
	// Increment must apply the whole update atomically; concurrent failures
	// from one source all count.
	Increment(ctx context.Context, source, action string, now time.Time, policy models.RateLimitPolicy) (*models.RateLimitRecord, error)
	Delete(ctx context.Context, source, action string) error
}

// ProfileRepository stores derived credit profiles and the encrypted raw
// reports they were derived from.
type ProfileRepository interface {
	SaveProfile(ctx context.Context, profile *models.CreditProfile) error
	GetProfile(ctx context.Context, userID string) (*models.CreditProfile, error)
	ArchiveReport(ctx context.Context, archive *models.CreditReportArchive) error
	HealthCheck(ctx context.Context) error
}
