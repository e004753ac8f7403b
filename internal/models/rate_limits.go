package models

import "time"

// Action types sharing the source-address limiter.
const (
	ActionLogin = "login"
	ActionOTP   = "otp"
)

// RateLimitPolicy is the threshold and timing applied on each increment.
type RateLimitPolicy struct {
	MaxAttempts   int
	Window        time.Duration
	BlockDuration time.Duration
}

// RateLimitRecord tracks failed actions for one (source, action) pair.
type RateLimitRecord struct {
	Source       string     `json:"source"`
	Action       string     `json:"action"`
	Attempts     int        `json:"attempts"`
	BlockedUntil *time.Time `json:"blocked_until,omitempty"`
	ExpiresAt    time.Time  `json:"expires_at"`
}

func (r *RateLimitRecord) IsBlocked(now time.Time) bool {
	return r.BlockedUntil != nil && r.BlockedUntil.After(now)
}

func (r *RateLimitRecord) BlockLapsed(now time.Time) bool {
	return r.BlockedUntil != nil && !r.BlockedUntil.After(now)
}
