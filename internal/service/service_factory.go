package service

import (
	"go.uber.org/zap"

	"lending-api/internal/bucketing"
	"lending-api/internal/config"
	"lending-api/internal/encryption"
	"lending-api/internal/events"
	"lending-api/internal/hashing"
	"lending-api/internal/metrics"
	"lending-api/internal/repository"
	"lending-api/internal/search"
)

// Dependencies are the collaborators the services are built from. Optional
// sinks left nil fall back to no-ops.
type Dependencies struct {
	Config         *config.Config
	OTPStore       repository.OTPStore
	RateLimitStore repository.RateLimitStore
	Profiles       repository.ProfileRepository
	Hasher         *hashing.Hasher
	Cipher         *encryption.PayloadCipher
	Sealer         ReportSealer
	Buckets        *bucketing.BucketingManager
	SMS            SMSSender
	Bureau         BureauFetcher
	OTPEvents      OTPEventPublisher
	CreditEvents   CreditEventPublisher
	Indexer        MetricsIndexer
	Recorder       SecurityRecorder
	Metrics        *metrics.Metrics
}

// ServiceFactory creates and manages service instances
type ServiceFactory struct {
	deps          Dependencies
	logger        *zap.Logger
	rateLimiter   *RateLimiter
	otpService    *OTPService
	creditService *CreditService
}

func NewServiceFactory(deps Dependencies, logger *zap.Logger) *ServiceFactory {
	return &ServiceFactory{deps: deps, logger: logger}
}

func (f *ServiceFactory) RateLimiter() *RateLimiter {
	if f.rateLimiter == nil {
		f.rateLimiter = NewRateLimiter(f.deps.RateLimitStore, f.deps.Config.RateLimit, f.logger)
	}
	return f.rateLimiter
}

// OTPService returns the OTP service instance (singleton)
func (f *ServiceFactory) OTPService() *OTPService {
	if f.otpService == nil {
		opts := []OTPOption{WithMetrics(f.deps.Metrics)}
		if f.deps.OTPEvents != nil {
			opts = append(opts, WithOTPEvents(f.deps.OTPEvents))
		}
		if f.deps.Recorder != nil {
			opts = append(opts, WithSecurityRecorder(f.deps.Recorder))
		}
		f.otpService = NewOTPService(
			f.deps.OTPStore,
			f.RateLimiter(),
			f.deps.Hasher,
			f.deps.Cipher,
			f.deps.SMS,
			f.deps.Config.OTP,
			f.logger,
			opts...,
		)
	}
	return f.otpService
}

// CreditService returns the credit service instance (singleton)
func (f *ServiceFactory) CreditService() *CreditService {
	if f.creditService == nil {
		var indexer MetricsIndexer = search.NoopIndexer{}
		if f.deps.Indexer != nil {
			indexer = f.deps.Indexer
		}
		var publisher CreditEventPublisher = events.NoopPublisher{}
		if f.deps.CreditEvents != nil {
			publisher = f.deps.CreditEvents
		}
		f.creditService = NewCreditService(
			f.deps.Bureau,
			f.deps.Profiles,
			f.deps.Sealer,
			indexer,
			publisher,
			f.deps.Buckets,
			f.deps.Metrics,
			f.logger,
		)
	}
	return f.creditService
}
