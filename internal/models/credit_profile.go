package models

import "time"

// Derivation outcomes stored next to the metrics. A failed derivation keeps
// the zero-valued metrics and must not be read as a clean history.
const (
	DerivationDerived = "derived"
	DerivationFailed  = "derivation_failed"
)

type CreditProfile struct {
	UserBucket       int           `json:"user_bucket" db:"user_bucket"`
	UserID           string        `json:"user_id" db:"user_id"`
	DerivationStatus string        `json:"derivation_status" db:"derivation_status"`
	ReportDate       *time.Time    `json:"report_date,omitempty" db:"report_date"`
	Metrics          CreditMetrics `json:"metrics" db:"metrics"`
	UpdatedAt        time.Time     `json:"updated_at" db:"updated_at"`
}

// CreditReportArchive is the encrypted raw bureau response kept for audit.
type CreditReportArchive struct {
	UserBucket   int       `db:"user_bucket"`
	UserID       string    `db:"user_id"`
	ReportID     string    `db:"report_id"`
	FetchedAt    time.Time `db:"fetched_at"`
	Ciphertext   string    `db:"ciphertext"`
	EncryptedDEK string    `db:"encrypted_dek"`
	KeyID        string    `db:"key_id"`
}
