package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"lending-api/internal/bucketing"
	"lending-api/internal/client"
	"lending-api/internal/creditmetrics"
	"lending-api/internal/encryption"
	"lending-api/internal/events"
	"lending-api/internal/hashing"
	"lending-api/internal/metrics"
	"lending-api/internal/models"
	"lending-api/internal/repository"
	"lending-api/internal/util"
)

type BureauFetcher interface {
	FetchReport(ctx context.Context, inquiry client.BureauInquiry) ([]byte, error)
}

// ReportSealer envelope-encrypts raw reports before they are archived.
type ReportSealer interface {
	Encrypt(ctx context.Context, plaintext []byte) (*encryption.EncryptedData, error)
}

type MetricsIndexer interface {
	IndexProfile(ctx context.Context, profile *models.CreditProfile) error
}

type CreditEventPublisher interface {
	PublishCreditDerived(ctx context.Context, event events.CreditDerivedEvent) error
}

type CreditReportRequest struct {
	UserID      string `json:"userId" validate:"required,max=64"`
	FirstName   string `json:"firstName" validate:"required,max=100"`
	LastName    string `json:"lastName" validate:"max=100"`
	PAN         string `json:"pan" validate:"required,len=10,alphanum"`
	DateOfBirth string `json:"dateOfBirth" validate:"required,datetime=2006-01-02"`
	Mobile      string `json:"mobile" validate:"required"`
	Pincode     string `json:"pincode" validate:"omitempty,numeric,len=6"`
}

// CreditService fetches bureau reports, derives metrics and fans the result
// out to storage, search and the event stream.
type CreditService struct {
	bureau   BureauFetcher
	profiles repository.ProfileRepository
	sealer   ReportSealer
	indexer  MetricsIndexer
	events   CreditEventPublisher
	buckets  *bucketing.BucketingManager
	metrics  *metrics.Metrics
	logger   *zap.Logger
	now      func() time.Time
}

func NewCreditService(
	bureau BureauFetcher,
	profiles repository.ProfileRepository,
	sealer ReportSealer,
	indexer MetricsIndexer,
	publisher CreditEventPublisher,
	buckets *bucketing.BucketingManager,
	m *metrics.Metrics,
	logger *zap.Logger,
) *CreditService {
	return &CreditService{
		bureau:   bureau,
		profiles: profiles,
		sealer:   sealer,
		indexer:  indexer,
		events:   publisher,
		buckets:  buckets,
		metrics:  m,
		logger:   logger,
		now:      time.Now,
	}
}

// WithClock replaces the service's time source.
func (s *CreditService) WithClock(now func() time.Time) *CreditService {
	s.now = now
	return s
}

// FetchAndDerive pulls a fresh report and replaces the user's profile. A
// report that cannot be derived still produces a profile, marked
// derivation_failed with default metrics.
func (s *CreditService) FetchAndDerive(ctx context.Context, req *CreditReportRequest) (*models.CreditProfile, error) {
	start := s.now()

	mobile, err := hashing.NormalizePhone(req.Mobile)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	raw, err := s.bureau.FetchReport(ctx, client.BureauInquiry{
		FirstName:   req.FirstName,
		LastName:    req.LastName,
		PAN:         req.PAN,
		DateOfBirth: req.DateOfBirth,
		Mobile:      mobile,
		Pincode:     req.Pincode,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBureauUnavailable, err)
	}

	profile := &models.CreditProfile{
		UserBucket:       s.buckets.GetUserBucket(req.UserID),
		UserID:           req.UserID,
		DerivationStatus: models.DerivationDerived,
		UpdatedAt:        s.now().UTC(),
	}

	result, derr := creditmetrics.DeriveJSON(raw)
	profile.Metrics = result.Metrics
	if derr != nil {
		profile.DerivationStatus = models.DerivationFailed
		s.logger.Warn("Credit metrics derivation failed",
			util.String("user_id", req.UserID),
			util.ErrorField(derr),
		)
	} else if !result.ReportDate.IsZero() {
		reportDate := result.ReportDate
		profile.ReportDate = &reportDate
	}
	s.metrics.CreditDerived(profile.DerivationStatus)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := s.profiles.SaveProfile(gctx, profile); err != nil {
			return fmt.Errorf("failed to save credit profile: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return s.archive(gctx, profile, raw)
	})

	// Search and events are derived views; their failures do not fail the request.
	g.Go(func() error {
		if err := s.indexer.IndexProfile(gctx, profile); err != nil {
			s.logger.Warn("Failed to index credit metrics",
				util.String("user_id", profile.UserID),
				util.ErrorField(err),
			)
		}
		return nil
	})

	g.Go(func() error {
		err := s.events.PublishCreditDerived(gctx, events.CreditDerivedEvent{
			UserID:           profile.UserID,
			DerivationStatus: profile.DerivationStatus,
			ReportDate:       profile.ReportDate,
			Metrics:          profile.Metrics,
			At:               profile.UpdatedAt,
		})
		if err != nil {
			s.logger.Warn("Failed to publish credit event",
				util.String("user_id", profile.UserID),
				util.ErrorField(err),
			)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}

	s.logger.Info("Credit profile updated",
		util.String("user_id", profile.UserID),
		util.String("derivation_status", profile.DerivationStatus),
		util.Duration("duration", s.now().Sub(start)),
	)
	return profile, nil
}

func (s *CreditService) archive(ctx context.Context, profile *models.CreditProfile, raw []byte) error {
	sealed, err := s.sealer.Encrypt(ctx, raw)
	if err != nil {
		return fmt.Errorf("failed to encrypt bureau report: %w", err)
	}
	err = s.profiles.ArchiveReport(ctx, &models.CreditReportArchive{
		UserBucket:   profile.UserBucket,
		UserID:       profile.UserID,
		ReportID:     uuid.NewString(),
		FetchedAt:    profile.UpdatedAt,
		Ciphertext:   sealed.EncryptedValue,
		EncryptedDEK: sealed.EncryptedDEK,
		KeyID:        sealed.KeyID,
	})
	if err != nil {
		return fmt.Errorf("failed to archive bureau report: %w", err)
	}
	return nil
}

func (s *CreditService) GetProfile(ctx context.Context, userID string) (*models.CreditProfile, error) {
	profile, err := s.profiles.GetProfile(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrProfileNotFound
		}
		return nil, fmt.Errorf("failed to load credit profile: %w", err)
	}
	return profile, nil
}
