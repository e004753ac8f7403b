package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"lending-api/internal/config"
	"lending-api/internal/encryption"
	"lending-api/internal/events"
	"lending-api/internal/hashing"
	"lending-api/internal/metrics"
	"lending-api/internal/models"
	"lending-api/internal/repository"
	"lending-api/internal/util"
)

const DefaultOTPContext = "public"

// SMSSender delivers a passcode to a bare 10-digit phone number.
type SMSSender interface {
	SendOTP(ctx context.Context, phone, otp string) error
}

type OTPEventPublisher interface {
	PublishOTPEvent(ctx context.Context, event events.OTPEvent) error
}

type SecurityRecorder interface {
	Record(event models.SecurityEvent)
}

// Scheduler runs f once after d, outside of any request.
type Scheduler interface {
	AfterFunc(d time.Duration, f func())
}

// TimerScheduler schedules work with time.AfterFunc.
type TimerScheduler struct{}

func (TimerScheduler) AfterFunc(d time.Duration, f func()) {
	time.AfterFunc(d, f)
}

type OTPRequestInput struct {
	EncryptedPhone *encryption.EncryptedPayload
	PhoneHash      string
	Context        string
	IPAddress      string
}

type OTPRequestResult struct {
	Token          string
	EncryptedToken *encryption.EncryptedPayload
	ExpiresIn      time.Duration
	Cooldown       time.Duration
}

// OTPVerifyInput accepts either Token and OTPHash, or EncryptedToken and
// EncryptedOTP. EncryptedPhone or PhoneHash, when given, must match the
// phone the passcode was issued to.
type OTPVerifyInput struct {
	Token          string
	OTPHash        string
	EncryptedToken *encryption.EncryptedPayload
	EncryptedOTP   *encryption.EncryptedPayload
	EncryptedPhone *encryption.EncryptedPayload
	PhoneHash      string
	Context        string
	IPAddress      string
}

type OTPVerifyResult struct {
	VerificationToken *encryption.EncryptedPayload
}

type OTPService struct {
	store     repository.OTPStore
	limiter   *RateLimiter
	hasher    *hashing.Hasher
	cipher    *encryption.PayloadCipher
	sms       SMSSender
	events    OTPEventPublisher
	recorder  SecurityRecorder
	scheduler Scheduler
	metrics   *metrics.Metrics
	cfg       config.OTPConfig
	logger    *zap.Logger
	now       func() time.Time
}

type OTPOption func(*OTPService)

func WithClock(now func() time.Time) OTPOption {
	return func(s *OTPService) { s.now = now }
}

func WithScheduler(scheduler Scheduler) OTPOption {
	return func(s *OTPService) { s.scheduler = scheduler }
}

func WithOTPEvents(publisher OTPEventPublisher) OTPOption {
	return func(s *OTPService) { s.events = publisher }
}

func WithSecurityRecorder(recorder SecurityRecorder) OTPOption {
	return func(s *OTPService) { s.recorder = recorder }
}

func WithMetrics(m *metrics.Metrics) OTPOption {
	return func(s *OTPService) { s.metrics = m }
}

func NewOTPService(
	store repository.OTPStore,
	limiter *RateLimiter,
	hasher *hashing.Hasher,
	cipher *encryption.PayloadCipher,
	sms SMSSender,
	cfg config.OTPConfig,
	logger *zap.Logger,
	opts ...OTPOption,
) *OTPService {
	s := &OTPService{
		store:     store,
		limiter:   limiter,
		hasher:    hasher,
		cipher:    cipher,
		sms:       sms,
		events:    events.NoopPublisher{},
		recorder:  noopRecorder{},
		scheduler: TimerScheduler{},
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Request issues a new passcode for the phone in input.EncryptedPhone.
func (s *OTPService) Request(ctx context.Context, input OTPRequestInput) (*OTPRequestResult, error) {
	now := s.now()
	otpContext := contextOrDefault(input.Context)

	phone, err := s.decryptPhone(input.EncryptedPhone)
	if err != nil {
		s.metrics.OTPRequested("invalid")
		return nil, err
	}

	phoneHash := s.hasher.PhoneHash(phone)
	if input.PhoneHash != "" && !hashing.Equal(input.PhoneHash, phoneHash) {
		s.metrics.OTPRequested("invalid")
		return nil, newOTPError(ErrValidation, "Phone hash does not match phone number")
	}

	recent, err := s.store.FindRecent(ctx, phoneHash, otpContext, now.Add(-s.cfg.RequestWindow))
	if err != nil {
		return nil, fmt.Errorf("failed to load recent otp records: %w", err)
	}

	var prior *models.OTPRecord
	if len(recent) > 0 {
		prior = recent[0]
	}

	if prior != nil && prior.IsBlocked(now) {
		wait := prior.BlockedUntil.Sub(now)
		s.refuseRequest(input, phoneHash, otpContext, "blocked")
		return nil, &OTPError{
			Kind:       ErrBlocked,
			Message:    fmt.Sprintf("Too many wrong attempts. Try again in %d seconds.", ceilSeconds(wait)),
			RetryAfter: wait,
		}
	}

	unverified := 0
	var oldest time.Time
	for _, r := range recent {
		if r.Verified {
			continue
		}
		unverified++
		if oldest.IsZero() || r.CreatedAt.Before(oldest) {
			oldest = r.CreatedAt
		}
	}
	if unverified >= s.cfg.MaxRequestsPerHour {
		wait := oldest.Add(s.cfg.RequestWindow).Sub(now)
		s.refuseRequest(input, phoneHash, otpContext, "rate_limited")
		return nil, &OTPError{
			Kind:       ErrRateLimited,
			Message:    fmt.Sprintf("Too many OTP requests. Try again in %d minutes.", ceilMinutes(wait)),
			RetryAfter: wait,
		}
	}

	code, err := hashing.GenerateCode(s.cfg.CodeLength)
	if err != nil {
		return nil, fmt.Errorf("failed to generate otp: %w", err)
	}
	token, err := hashing.GenerateToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate token: %w", err)
	}

	record := &models.OTPRecord{
		Token:        token,
		PhoneHash:    phoneHash,
		OTPHash:      hashing.OTPHash(code, token),
		Context:      otpContext,
		CreatedAt:    now,
		ExpiresAt:    now.Add(s.cfg.TTL),
		PurgeAt:      now.Add(s.cfg.RequestWindow),
		RequestCount: unverified + 1,
		IPAddress:    input.IPAddress,
	}
	if prior != nil && !prior.BlockLapsed(now) {
		record.WrongAttempts = prior.WrongAttempts
	}

	if err := s.sms.SendOTP(ctx, phone, code); err != nil {
		s.metrics.OTPRequested("dispatch_failed")
		s.logger.Error("OTP dispatch failed",
			util.HashPrefix("phone_hash", phoneHash),
			util.ErrorField(err),
		)
		return nil, newOTPError(ErrDispatch, "Failed to send OTP")
	}

	if err := s.store.Create(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to store otp record: %w", err)
	}

	encryptedToken, err := s.cipher.EncryptJSON(map[string]any{
		"token":     token,
		"expiresAt": record.ExpiresAt.UnixMilli(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt token: %w", err)
	}

	s.metrics.OTPRequested("issued")
	s.recorder.Record(models.SecurityEvent{
		EventTime: now,
		EventType: models.EventOTPRequested,
		PhoneHash: phoneHash,
		Context:   otpContext,
		IPAddress: input.IPAddress,
	})
	s.publish(ctx, events.TypeOTPRequested, phoneHash, otpContext, input.IPAddress, now)

	s.logger.Info("OTP issued",
		util.HashPrefix("phone_hash", phoneHash),
		util.String("context", otpContext),
		util.Int("request_count", record.RequestCount),
	)

	return &OTPRequestResult{
		Token:          token,
		EncryptedToken: encryptedToken,
		ExpiresIn:      s.cfg.TTL,
		Cooldown:       s.cfg.Cooldown,
	}, nil
}

// Verify checks a passcode. The source-address limiter is consulted before
// any record is loaded.
func (s *OTPService) Verify(ctx context.Context, input OTPVerifyInput) (*OTPVerifyResult, error) {
	now := s.now()
	otpContext := contextOrDefault(input.Context)

	if status := s.limiter.Check(ctx, input.IPAddress, models.ActionOTP); status.Blocked {
		s.metrics.OTPVerified("source_blocked")
		return nil, &OTPError{
			Kind:              ErrRateLimited,
			Message:           status.Message,
			RetryAfter:        status.RetryAfter,
			AttemptsRemaining: intPtr(0),
		}
	}

	token, otpHash, err := s.resolveCredentials(input)
	if err != nil {
		s.metrics.OTPVerified("invalid")
		return nil, err
	}

	record, err := s.store.FindByToken(ctx, token)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			s.metrics.OTPVerified("not_found")
			return nil, newOTPError(ErrNotFound, "OTP is invalid or has expired")
		}
		return nil, fmt.Errorf("failed to load otp record: %w", err)
	}

	if record.IsBlocked(now) {
		wait := record.BlockedUntil.Sub(now)
		s.metrics.OTPVerified("blocked")
		return nil, &OTPError{
			Kind:       ErrBlocked,
			Message:    fmt.Sprintf("Too many wrong attempts. Try again in %d seconds.", ceilSeconds(wait)),
			RetryAfter: wait,
		}
	}

	if record.Context != otpContext {
		s.metrics.OTPVerified("context_mismatch")
		return nil, newOTPError(ErrContextMismatch, "OTP was issued for a different context")
	}

	if err := s.checkPhoneBinding(input, record); err != nil {
		if !errors.Is(err, ErrPhoneMismatch) {
			s.metrics.OTPVerified("invalid")
			return nil, err
		}
		s.metrics.OTPVerified("phone_mismatch")
		s.recorder.Record(models.SecurityEvent{
			EventTime: now,
			EventType: models.EventOTPMismatchBinding,
			PhoneHash: record.PhoneHash,
			Context:   record.Context,
			IPAddress: input.IPAddress,
		})
		return nil, err
	}

	if record.IsExpired(now) {
		if err := s.store.Delete(ctx, record.Token); err != nil && !errors.Is(err, repository.ErrNotFound) {
			s.logger.Warn("Failed to delete expired otp record", util.ErrorField(err))
		}
		s.metrics.OTPVerified("expired")
		return nil, newOTPError(ErrExpired, "OTP has expired")
	}

	if !hashing.Equal(otpHash, record.OTPHash) {
		return nil, s.wrongAttempt(ctx, record, input.IPAddress, now)
	}

	return s.verified(ctx, record, input.IPAddress, now)
}

func (s *OTPService) wrongAttempt(ctx context.Context, record *models.OTPRecord, ip string, now time.Time) error {
	attempts, err := s.store.IncrementWrongAttempts(ctx, record.Token)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		s.metrics.OTPVerified("not_found")
		return newOTPError(ErrNotFound, "OTP is invalid or has expired")
	case err != nil:
		return fmt.Errorf("failed to record wrong attempt: %w", err)
	}

	s.recorder.Record(models.SecurityEvent{
		EventTime: now,
		EventType: models.EventOTPWrongAttempt,
		PhoneHash: record.PhoneHash,
		Context:   record.Context,
		IPAddress: ip,
		Details:   fmt.Sprintf("attempts=%d", attempts),
	})

	if attempts == s.cfg.MaxWrongAttempts {
		if err := s.store.SetBlockedUntil(ctx, record.Token, now.Add(s.cfg.BlockDuration)); err != nil && !errors.Is(err, repository.ErrNotFound) {
			s.logger.Error("Failed to block otp record", util.ErrorField(err))
		}
		s.recorder.Record(models.SecurityEvent{
			EventTime: now,
			EventType: models.EventOTPRecordBlocked,
			PhoneHash: record.PhoneHash,
			Context:   record.Context,
			IPAddress: ip,
		})
		s.publish(ctx, events.TypeOTPBlocked, record.PhoneHash, record.Context, ip, now)
		s.logger.Warn("OTP record blocked after wrong attempts",
			util.HashPrefix("phone_hash", record.PhoneHash),
			util.Int("attempts", attempts),
			util.Time("blocked_until", now.Add(s.cfg.BlockDuration)),
		)
	}

	status := s.limiter.Increment(ctx, ip, models.ActionOTP)
	if status.Blocked {
		s.metrics.OTPVerified("source_blocked")
		s.recorder.Record(models.SecurityEvent{
			EventTime: now,
			EventType: models.EventSourceBlocked,
			PhoneHash: record.PhoneHash,
			Context:   record.Context,
			IPAddress: ip,
		})
		return &OTPError{
			Kind:              ErrRateLimited,
			Message:           status.Message,
			RetryAfter:        s.limiter.BlockDuration(),
			AttemptsRemaining: intPtr(0),
		}
	}

	s.metrics.OTPVerified("wrong_otp")
	return &OTPError{
		Kind:              ErrInvalidOTP,
		Message:           "Invalid OTP",
		AttemptsRemaining: intPtr(status.AttemptsRemaining),
	}
}

func (s *OTPService) verified(ctx context.Context, record *models.OTPRecord, ip string, now time.Time) (*OTPVerifyResult, error) {
	s.limiter.Reset(ctx, ip, models.ActionOTP)

	if !record.Verified {
		if err := s.store.MarkVerified(ctx, record.Token); err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return nil, newOTPError(ErrNotFound, "OTP is invalid or has expired")
			}
			return nil, fmt.Errorf("failed to mark otp verified: %w", err)
		}
		s.scheduleDelete(record.Token)
		s.recorder.Record(models.SecurityEvent{
			EventTime: now,
			EventType: models.EventOTPVerified,
			PhoneHash: record.PhoneHash,
			Context:   record.Context,
			IPAddress: ip,
		})
		s.publish(ctx, events.TypeOTPVerified, record.PhoneHash, record.Context, ip, now)
	}

	assertion, err := s.cipher.EncryptJSON(map[string]any{
		"verified":  true,
		"phoneHash": record.PhoneHash,
		"timestamp": now.UnixMilli(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt verification token: %w", err)
	}

	s.metrics.OTPVerified("verified")
	s.logger.Info("OTP verified",
		util.HashPrefix("phone_hash", record.PhoneHash),
		util.String("context", record.Context),
	)
	return &OTPVerifyResult{VerificationToken: assertion}, nil
}

// scheduleDelete removes a verified record after the configured delay so a
// duplicate in-flight verify still finds it.
func (s *OTPService) scheduleDelete(token string) {
	s.scheduler.AfterFunc(s.cfg.DeleteDelay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.store.Delete(ctx, token); err != nil && !errors.Is(err, repository.ErrNotFound) {
			util.Warn("Deferred otp delete failed", util.ErrorField(err))
		}
	})
}

func (s *OTPService) resolveCredentials(input OTPVerifyInput) (token, otpHash string, err error) {
	switch {
	case input.Token != "" && input.OTPHash != "":
		return input.Token, input.OTPHash, nil
	case input.EncryptedToken != nil && input.EncryptedOTP != nil:
		token, err := s.cipher.DecryptString(input.EncryptedToken)
		if err != nil {
			return "", "", newOTPError(ErrDecryption, "Invalid encrypted token")
		}
		otp, err := s.cipher.DecryptString(input.EncryptedOTP)
		if err != nil {
			return "", "", newOTPError(ErrDecryption, "Invalid encrypted OTP")
		}
		return token, hashing.OTPHash(otp, token), nil
	default:
		return "", "", newOTPError(ErrValidation, "Provide token and otpHash, or encryptedToken and encryptedOtp")
	}
}

func (s *OTPService) checkPhoneBinding(input OTPVerifyInput, record *models.OTPRecord) error {
	phoneHash := input.PhoneHash
	if input.EncryptedPhone != nil {
		phone, err := s.decryptPhone(input.EncryptedPhone)
		if err != nil {
			return err
		}
		phoneHash = s.hasher.PhoneHash(phone)
	}
	if phoneHash != "" && !hashing.Equal(phoneHash, record.PhoneHash) {
		return newOTPError(ErrPhoneMismatch, "Phone number does not match this OTP")
	}
	return nil
}

func (s *OTPService) decryptPhone(payload *encryption.EncryptedPayload) (string, error) {
	if payload == nil {
		return "", newOTPError(ErrValidation, "Encrypted phone is required")
	}
	raw, err := s.cipher.DecryptString(payload)
	if err != nil {
		return "", newOTPError(ErrDecryption, "Invalid encrypted phone")
	}
	phone, err := hashing.NormalizePhone(raw)
	if err != nil {
		return "", newOTPError(ErrValidation, "Phone number must have 10 digits")
	}
	return phone, nil
}

func (s *OTPService) refuseRequest(input OTPRequestInput, phoneHash, otpContext, reason string) {
	s.metrics.OTPRequested(reason)
	s.recorder.Record(models.SecurityEvent{
		EventTime: s.now(),
		EventType: models.EventOTPRequestRefused,
		PhoneHash: phoneHash,
		Context:   otpContext,
		IPAddress: input.IPAddress,
		Details:   reason,
	})
	s.logger.Info("OTP request refused",
		util.HashPrefix("phone_hash", phoneHash),
		util.String("reason", reason),
	)
}

func (s *OTPService) publish(ctx context.Context, eventType, phoneHash, otpContext, ip string, at time.Time) {
	err := s.events.PublishOTPEvent(ctx, events.OTPEvent{
		Type:      eventType,
		PhoneHash: phoneHash,
		Context:   otpContext,
		IPAddress: ip,
		At:        at,
	})
	if err != nil {
		s.logger.Warn("Failed to publish otp event",
			util.String("event_type", eventType),
			util.ErrorField(err),
		)
	}
}

func contextOrDefault(c string) string {
	if c == "" {
		return DefaultOTPContext
	}
	return c
}

type noopRecorder struct{}

func (noopRecorder) Record(models.SecurityEvent) {}
