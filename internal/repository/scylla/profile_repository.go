package scylla

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"lending-api/internal/bucketing"
	"lending-api/internal/models"
	"lending-api/internal/repository"
	"lending-api/internal/util"
)

type ProfileRepository struct {
	client  *ScyllaClient
	buckets *bucketing.BucketingManager
}

func NewProfileRepository(client *ScyllaClient, buckets *bucketing.BucketingManager) *ProfileRepository {
	return &ProfileRepository{
		client:  client,
		buckets: buckets,
	}
}

// profileRow is the column layout of credit_profiles. Metrics are stored as
// a JSON document so new rollup fields need no schema change.
type profileRow struct {
	UserBucket       int
	UserID           string
	DerivationStatus string
	ReportDate       time.Time
	CreditScore      int
	Metrics          string
	UpdatedAt        time.Time
}

func toProfileRow(p *models.CreditProfile) (profileRow, error) {
	metrics, err := json.Marshal(p.Metrics)
	if err != nil {
		return profileRow{}, fmt.Errorf("failed to encode metrics: %w", err)
	}
	row := profileRow{
		UserBucket:       p.UserBucket,
		UserID:           p.UserID,
		DerivationStatus: p.DerivationStatus,
		CreditScore:      p.Metrics.CreditScore,
		Metrics:          string(metrics),
		UpdatedAt:        p.UpdatedAt,
	}
	if p.ReportDate != nil {
		row.ReportDate = *p.ReportDate
	}
	return row, nil
}

func (row profileRow) toProfile() (*models.CreditProfile, error) {
	p := &models.CreditProfile{
		UserBucket:       row.UserBucket,
		UserID:           row.UserID,
		DerivationStatus: row.DerivationStatus,
		UpdatedAt:        row.UpdatedAt.UTC(),
	}
	if !row.ReportDate.IsZero() {
		reportDate := row.ReportDate.UTC()
		p.ReportDate = &reportDate
	}
	if row.Metrics != "" {
		if err := json.Unmarshal([]byte(row.Metrics), &p.Metrics); err != nil {
			return nil, fmt.Errorf("failed to decode metrics: %w", err)
		}
	}
	return p, nil
}

func (r *ProfileRepository) SaveProfile(ctx context.Context, profile *models.CreditProfile) error {
	profile.UserBucket = r.buckets.GetUserBucket(profile.UserID)
	if profile.UpdatedAt.IsZero() {
		profile.UpdatedAt = time.Now().UTC()
	}

	row, err := toProfileRow(profile)
	if err != nil {
		return err
	}

	var reportDate interface{}
	if profile.ReportDate != nil {
		reportDate = row.ReportDate
	}

	query := r.client.Session.Query(r.client.Prepared.UpsertProfile.Statement(),
		row.UserBucket, row.UserID, row.DerivationStatus, reportDate,
		row.CreditScore, row.Metrics, row.UpdatedAt).WithContext(ctx)

	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		util.Error("Failed to save credit profile",
			zap.String("user_id", profile.UserID),
			zap.Error(err))
		return fmt.Errorf("failed to save credit profile: %w", err)
	}

	util.Info("Credit profile saved",
		zap.String("user_id", profile.UserID),
		zap.String("derivation_status", profile.DerivationStatus))
	return nil
}

func (r *ProfileRepository) GetProfile(ctx context.Context, userID string) (*models.CreditProfile, error) {
	bucket := r.buckets.GetUserBucket(userID)
	query := r.client.Session.Query(r.client.Prepared.GetProfile.Statement(), bucket, userID).WithContext(ctx)

	var row profileRow
	err := r.client.ScanWithRetry(query,
		&row.UserBucket, &row.UserID, &row.DerivationStatus, &row.ReportDate,
		&row.CreditScore, &row.Metrics, &row.UpdatedAt)
	if err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return nil, repository.ErrNotFound
		}
		util.Error("Failed to get credit profile",
			zap.String("user_id", userID),
			zap.Error(err))
		return nil, fmt.Errorf("failed to get credit profile: %w", err)
	}

	return row.toProfile()
}

func (r *ProfileRepository) ArchiveReport(ctx context.Context, archive *models.CreditReportArchive) error {
	archive.UserBucket = r.buckets.GetUserBucket(archive.UserID)

	query := r.client.Session.Query(r.client.Prepared.InsertReport.Statement(),
		archive.UserBucket, archive.UserID, archive.FetchedAt, archive.ReportID,
		archive.Ciphertext, archive.EncryptedDEK, archive.KeyID).WithContext(ctx)

	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		util.Error("Failed to archive credit report",
			zap.String("user_id", archive.UserID),
			zap.String("report_id", archive.ReportID),
			zap.Error(err))
		return fmt.Errorf("failed to archive credit report: %w", err)
	}
	return nil
}

func (r *ProfileRepository) HealthCheck(ctx context.Context) error {
	return r.client.HealthCheck(ctx)
}
