package models

import "time"

// Security event types written to the analytics store.
const (
	EventOTPRequested       = "otp_requested"
	EventOTPRequestRefused  = "otp_request_refused"
	EventOTPVerified        = "otp_verified"
	EventOTPWrongAttempt    = "otp_wrong_attempt"
	EventOTPRecordBlocked   = "otp_record_blocked"
	EventSourceBlocked      = "source_blocked"
	EventOTPMismatchBinding = "otp_binding_mismatch"
)

type SecurityEvent struct {
	EventBucket int       `db:"event_bucket"`
	EventDate   string    `db:"event_date"`
	EventTime   time.Time `db:"event_time"`
	EventType   string    `db:"event_type"`
	PhoneHash   string    `db:"phone_hash"`
	Context     string    `db:"context"`
	IPAddress   string    `db:"ip_address"`
	RiskScore   int       `db:"risk_score"`
	Details     string    `db:"details"`
}
