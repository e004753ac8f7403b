package models

import "time"

// OTPRecord is one issued passcode. The plaintext phone number and passcode
// are never stored.
type OTPRecord struct {
	Token         string     `json:"token" bson:"token"`
	PhoneHash     string     `json:"phone_hash" bson:"phoneHash"`
	OTPHash       string     `json:"otp_hash" bson:"otpHash"`
	Context       string     `json:"context" bson:"context"`
	CreatedAt     time.Time  `json:"created_at" bson:"createdAt"`
	ExpiresAt     time.Time  `json:"expires_at" bson:"expiresAt"`
	PurgeAt       time.Time  `json:"purge_at" bson:"purgeAt"`
	WrongAttempts int        `json:"wrong_attempts" bson:"wrongAttempts"`
	BlockedUntil  *time.Time `json:"blocked_until,omitempty" bson:"blockedUntil,omitempty"`
	RequestCount  int        `json:"request_count" bson:"requestCount"`
	Verified      bool       `json:"verified" bson:"verified"`
	IPAddress     string     `json:"ip_address,omitempty" bson:"ipAddress,omitempty"`
}

// IsBlocked reports whether the record-level lockout is still running at now.
func (r *OTPRecord) IsBlocked(now time.Time) bool {
	return r.BlockedUntil != nil && r.BlockedUntil.After(now)
}

// BlockLapsed reports whether a block was set and has since expired.
func (r *OTPRecord) BlockLapsed(now time.Time) bool {
	return r.BlockedUntil != nil && !r.BlockedUntil.After(now)
}

func (r *OTPRecord) IsExpired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}
