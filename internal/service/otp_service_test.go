package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap/zaptest"

	"lending-api/internal/config"
	"lending-api/internal/encryption"
	"lending-api/internal/hashing"
	"lending-api/internal/metrics"
	"lending-api/internal/models"
)

const testPhone = "+91 98765 43210"

var (
	sharedCipher     *encryption.PayloadCipher
	sharedCipherOnce sync.Once
)

func testCipher(t *testing.T) *encryption.PayloadCipher {
	t.Helper()
	sharedCipherOnce.Do(func() {
		c, err := encryption.NewPayloadCipher("test-server-secret")
		if err != nil {
			panic(err)
		}
		sharedCipher = c
	})
	return sharedCipher
}

type otpHarness struct {
	svc      *OTPService
	store    *memOTPStore
	limits   *memRateLimitStore
	sms      *fakeSMS
	sched    *manualScheduler
	recorder *recordingRecorder
	metrics  *metrics.Metrics
	clock    *testClock
	cipher   *encryption.PayloadCipher
	hasher   *hashing.Hasher
}

func newOTPHarness(t *testing.T) *otpHarness {
	t.Helper()
	clock := newTestClock()
	logger := zaptest.NewLogger(t)
	m, err := metrics.New(prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}

	h := &otpHarness{
		store:    newMemOTPStore(clock.Now),
		limits:   newMemRateLimitStore(clock.Now),
		sms:      &fakeSMS{},
		sched:    &manualScheduler{},
		recorder: &recordingRecorder{},
		metrics:  m,
		clock:    clock,
		cipher:   testCipher(t),
		hasher:   hashing.NewHasher(&config.Config{Crypto: config.CryptoConfig{PhoneSalt: "pepper"}}),
	}

	limiter := NewRateLimiter(h.limits, config.RateLimitConfig{
		MaxAttempts:   5,
		Window:        10 * time.Minute,
		BlockDuration: 10 * time.Minute,
	}, logger).WithClock(clock.Now)

	h.svc = NewOTPService(h.store, limiter, h.hasher, h.cipher, h.sms, config.OTPConfig{
		CodeLength:         6,
		TTL:                5 * time.Minute,
		RequestWindow:      time.Hour,
		MaxRequestsPerHour: 3,
		MaxWrongAttempts:   5,
		BlockDuration:      10 * time.Minute,
		Cooldown:           time.Minute,
		DeleteDelay:        5 * time.Second,
	}, logger,
		WithClock(clock.Now),
		WithScheduler(h.sched),
		WithSecurityRecorder(h.recorder),
		WithMetrics(m),
	)
	return h
}

func (h *otpHarness) encrypt(t *testing.T, s string) *encryption.EncryptedPayload {
	t.Helper()
	p, err := h.cipher.EncryptString(s)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	return p
}

// request issues an OTP for phone and returns the token and the code sent.
func (h *otpHarness) request(t *testing.T, phone, otpContext string) (string, string) {
	t.Helper()
	res, err := h.svc.Request(context.Background(), OTPRequestInput{
		EncryptedPhone: h.encrypt(t, phone),
		Context:        otpContext,
		IPAddress:      "198.51.100.1",
	})
	if err != nil {
		t.Fatalf("Request returned error: %v", err)
	}
	return res.Token, h.sms.last().otp
}

func (h *otpHarness) verify(token, otpHash, ip string) (*OTPVerifyResult, error) {
	return h.svc.Verify(context.Background(), OTPVerifyInput{
		Token:     token,
		OTPHash:   otpHash,
		IPAddress: ip,
	})
}

func requireOTPError(t *testing.T, err error, kind error) *OTPError {
	t.Helper()
	if !errors.Is(err, kind) {
		t.Fatalf("expected %v, got %v", kind, err)
	}
	var otpErr *OTPError
	if !errors.As(err, &otpErr) {
		t.Fatalf("expected *OTPError, got %T", err)
	}
	return otpErr
}

func TestRequest_IssuesTokenAndSendsSMS(t *testing.T) {
	h := newOTPHarness(t)

	res, err := h.svc.Request(context.Background(), OTPRequestInput{
		EncryptedPhone: h.encrypt(t, testPhone),
		IPAddress:      "198.51.100.1",
	})
	if err != nil {
		t.Fatalf("Request returned error: %v", err)
	}
	if len(res.Token) != 64 {
		t.Fatalf("expected 64-char token, got %q", res.Token)
	}
	if res.ExpiresIn != 5*time.Minute || res.Cooldown != time.Minute {
		t.Fatalf("unexpected timings %v/%v", res.ExpiresIn, res.Cooldown)
	}

	sent := h.sms.last()
	if sent.phone != "9876543210" || len(sent.otp) != 6 {
		t.Fatalf("unexpected sms %+v", sent)
	}

	rec, ok := h.store.get(res.Token)
	if !ok {
		t.Fatalf("record not stored")
	}
	if rec.PhoneHash != h.hasher.PhoneHash("9876543210") || rec.Context != DefaultOTPContext {
		t.Fatalf("unexpected record %+v", rec)
	}
	if rec.OTPHash != hashing.OTPHash(sent.otp, res.Token) {
		t.Fatalf("otp hash not bound to token")
	}
	if !rec.ExpiresAt.Equal(h.clock.Now().Add(5*time.Minute)) || !rec.PurgeAt.Equal(h.clock.Now().Add(time.Hour)) {
		t.Fatalf("unexpected expiry %v / purge %v", rec.ExpiresAt, rec.PurgeAt)
	}

	var body struct {
		Token     string `json:"token"`
		ExpiresAt int64  `json:"expiresAt"`
	}
	raw, err := h.cipher.Decrypt(res.EncryptedToken)
	if err != nil {
		t.Fatalf("decrypt token: %v", err)
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		t.Fatalf("decode token: %v", err)
	}
	if body.Token != res.Token || body.ExpiresAt != rec.ExpiresAt.UnixMilli() {
		t.Fatalf("unexpected encrypted token body %+v", body)
	}
	if h.recorder.count(models.EventOTPRequested) != 1 {
		t.Fatalf("expected otp_requested security event")
	}
}

func TestRequest_TwiceGivesDistinctTokensSharingCount(t *testing.T) {
	h := newOTPHarness(t)

	first, _ := h.request(t, testPhone, "")
	h.clock.Advance(10 * time.Second)
	second, _ := h.request(t, "9876543210", "")

	if first == second {
		t.Fatalf("expected distinct tokens")
	}
	rec1, _ := h.store.get(first)
	rec2, _ := h.store.get(second)
	if rec1.RequestCount != 1 || rec2.RequestCount != 2 {
		t.Fatalf("expected request counts 1 and 2, got %d and %d", rec1.RequestCount, rec2.RequestCount)
	}
}

func TestRequest_FourthWithinHourIsRefused(t *testing.T) {
	h := newOTPHarness(t)

	for i := 0; i < 3; i++ {
		h.request(t, testPhone, "")
		h.clock.Advance(10 * time.Minute)
	}

	_, err := h.svc.Request(context.Background(), OTPRequestInput{EncryptedPhone: h.encrypt(t, testPhone)})
	otpErr := requireOTPError(t, err, ErrRateLimited)
	if otpErr.RetryAfter != 30*time.Minute {
		t.Fatalf("expected 30m until oldest ages out, got %v", otpErr.RetryAfter)
	}
	if otpErr.Message != "Too many OTP requests. Try again in 30 minutes." {
		t.Fatalf("unexpected message %q", otpErr.Message)
	}
	if len(h.sms.sent) != 3 {
		t.Fatalf("refused request must not send sms")
	}

	// A different context has its own budget.
	if _, err := h.svc.Request(context.Background(), OTPRequestInput{
		EncryptedPhone: h.encrypt(t, testPhone),
		Context:        "loan",
	}); err != nil {
		t.Fatalf("other context should be allowed: %v", err)
	}

	h.clock.Advance(31 * time.Minute)
	if _, err := h.svc.Request(context.Background(), OTPRequestInput{EncryptedPhone: h.encrypt(t, testPhone)}); err != nil {
		t.Fatalf("expected request allowed once the oldest aged out: %v", err)
	}
}

func TestRequest_DispatchFailureStoresNothing(t *testing.T) {
	h := newOTPHarness(t)
	h.sms.err = errors.New("gateway down")

	_, err := h.svc.Request(context.Background(), OTPRequestInput{EncryptedPhone: h.encrypt(t, testPhone)})
	requireOTPError(t, err, ErrDispatch)
	if h.store.count() != 0 {
		t.Fatalf("expected no record after dispatch failure")
	}
}

func TestRequest_InvalidInput(t *testing.T) {
	h := newOTPHarness(t)
	ctx := context.Background()

	tampered := h.encrypt(t, testPhone)
	tampered.AuthTag = "00000000000000000000000000000000"
	_, err := h.svc.Request(ctx, OTPRequestInput{EncryptedPhone: tampered})
	requireOTPError(t, err, ErrDecryption)

	_, err = h.svc.Request(ctx, OTPRequestInput{EncryptedPhone: h.encrypt(t, "12345")})
	requireOTPError(t, err, ErrValidation)

	_, err = h.svc.Request(ctx, OTPRequestInput{})
	requireOTPError(t, err, ErrValidation)

	_, err = h.svc.Request(ctx, OTPRequestInput{
		EncryptedPhone: h.encrypt(t, testPhone),
		PhoneHash:      h.hasher.PhoneHash("9123456789"),
	})
	requireOTPError(t, err, ErrValidation)
}

func TestVerify_SucceedsOnceThenGone(t *testing.T) {
	h := newOTPHarness(t)
	token, code := h.request(t, testPhone, "")

	res, err := h.verify(token, hashing.OTPHash(code, token), "198.51.100.1")
	if err != nil {
		t.Fatalf("Verify returned error: %v", err)
	}

	var assertion struct {
		Verified  bool   `json:"verified"`
		PhoneHash string `json:"phoneHash"`
		Timestamp int64  `json:"timestamp"`
	}
	raw, err := h.cipher.Decrypt(res.VerificationToken)
	if err != nil {
		t.Fatalf("decrypt assertion: %v", err)
	}
	if err := json.Unmarshal(raw, &assertion); err != nil {
		t.Fatalf("decode assertion: %v", err)
	}
	if !assertion.Verified || assertion.PhoneHash != h.hasher.PhoneHash("9876543210") {
		t.Fatalf("unexpected assertion %+v", assertion)
	}
	if assertion.Timestamp != h.clock.Now().UnixMilli() {
		t.Fatalf("unexpected timestamp %d", assertion.Timestamp)
	}

	if len(h.sched.delays) != 1 || h.sched.delays[0] != 5*time.Second {
		t.Fatalf("expected one delete scheduled after 5s, got %v", h.sched.delays)
	}

	// A duplicate inside the grace window gets the same answer.
	if _, err := h.verify(token, hashing.OTPHash(code, token), "198.51.100.1"); err != nil {
		t.Fatalf("duplicate verify in grace window failed: %v", err)
	}
	if len(h.sched.delays) != 1 {
		t.Fatalf("duplicate verify must not schedule another delete")
	}

	h.sched.RunAll()
	_, err = h.verify(token, hashing.OTPHash(code, token), "198.51.100.1")
	requireOTPError(t, err, ErrNotFound)
}

func TestVerify_UnknownToken(t *testing.T) {
	h := newOTPHarness(t)
	_, err := h.verify("missing", "hash", "198.51.100.1")
	requireOTPError(t, err, ErrNotFound)
}

func TestVerify_FiveWrongAttemptsBlockRecord(t *testing.T) {
	h := newOTPHarness(t)
	token, code := h.request(t, testPhone, "")

	// Distinct sources keep the source limiter out of the way.
	for i := 1; i <= 5; i++ {
		_, err := h.verify(token, "wrong-hash", fmt.Sprintf("10.0.0.%d", i))
		otpErr := requireOTPError(t, err, ErrInvalidOTP)
		if otpErr.AttemptsRemaining == nil || *otpErr.AttemptsRemaining != 4 {
			t.Fatalf("attempt %d: expected source limiter remaining 4, got %v", i, otpErr.AttemptsRemaining)
		}
	}

	rec, _ := h.store.get(token)
	if rec.WrongAttempts != 5 || rec.BlockedUntil == nil {
		t.Fatalf("expected record blocked after 5 wrong attempts, got %+v", rec)
	}
	if !rec.BlockedUntil.Equal(h.clock.Now().Add(10 * time.Minute)) {
		t.Fatalf("unexpected block end %v", rec.BlockedUntil)
	}

	_, err := h.verify(token, hashing.OTPHash(code, token), "10.0.0.99")
	otpErr := requireOTPError(t, err, ErrBlocked)
	if otpErr.RetryAfter != 10*time.Minute {
		t.Fatalf("expected 10m retry, got %v", otpErr.RetryAfter)
	}
	if h.recorder.count(models.EventOTPRecordBlocked) != 1 {
		t.Fatalf("expected exactly one record-blocked event")
	}

	_, err = h.svc.Request(context.Background(), OTPRequestInput{EncryptedPhone: h.encrypt(t, testPhone)})
	requireOTPError(t, err, ErrBlocked)
}

func TestVerify_SourceLimiterSpansTokens(t *testing.T) {
	h := newOTPHarness(t)
	const ip = "203.0.113.7"

	tok1, _ := h.request(t, testPhone, "")
	tok2, _ := h.request(t, testPhone, "")
	tok3, code3 := h.request(t, testPhone, "")

	for i, tok := range []string{tok1, tok1, tok2, tok2} {
		_, err := h.verify(tok, "wrong-hash", ip)
		otpErr := requireOTPError(t, err, ErrInvalidOTP)
		if want := 4 - i; *otpErr.AttemptsRemaining != want {
			t.Fatalf("attempt %d: expected %d remaining, got %d", i+1, want, *otpErr.AttemptsRemaining)
		}
	}

	_, err := h.verify(tok3, "wrong-hash", ip)
	otpErr := requireOTPError(t, err, ErrRateLimited)
	if *otpErr.AttemptsRemaining != 0 || otpErr.RetryAfter != 10*time.Minute {
		t.Fatalf("unexpected source block %+v", otpErr)
	}

	// The source check happens before the record is even loaded.
	_, err = h.verify(tok3, hashing.OTPHash(code3, tok3), ip)
	requireOTPError(t, err, ErrRateLimited)

	if _, err := h.verify(tok3, hashing.OTPHash(code3, tok3), "203.0.113.8"); err != nil {
		t.Fatalf("other source should verify: %v", err)
	}
}

func TestVerify_SuccessResetsSourceLimiter(t *testing.T) {
	h := newOTPHarness(t)
	const ip = "203.0.113.7"
	token, code := h.request(t, testPhone, "")

	if _, err := h.verify(token, "wrong-hash", ip); err == nil {
		t.Fatalf("expected wrong attempt to fail")
	}
	if !h.limits.has(ip, models.ActionOTP) {
		t.Fatalf("expected limiter record after failure")
	}
	if _, err := h.verify(token, hashing.OTPHash(code, token), ip); err != nil {
		t.Fatalf("Verify returned error: %v", err)
	}
	if h.limits.has(ip, models.ActionOTP) {
		t.Fatalf("expected limiter reset after success")
	}
}

func TestVerify_ExpiredDeletesRecord(t *testing.T) {
	h := newOTPHarness(t)
	token, code := h.request(t, testPhone, "")

	h.clock.Advance(5*time.Minute + time.Second)
	_, err := h.verify(token, hashing.OTPHash(code, token), "198.51.100.1")
	requireOTPError(t, err, ErrExpired)

	if _, ok := h.store.get(token); ok {
		t.Fatalf("expected expired record deleted")
	}
}

func TestVerify_ContextAndPhoneBinding(t *testing.T) {
	h := newOTPHarness(t)
	ctx := context.Background()
	token, code := h.request(t, testPhone, "loan")
	otpHash := hashing.OTPHash(code, token)

	_, err := h.svc.Verify(ctx, OTPVerifyInput{Token: token, OTPHash: otpHash})
	requireOTPError(t, err, ErrContextMismatch)

	_, err = h.svc.Verify(ctx, OTPVerifyInput{
		Token:     token,
		OTPHash:   otpHash,
		Context:   "loan",
		PhoneHash: h.hasher.PhoneHash("9123456789"),
	})
	requireOTPError(t, err, ErrPhoneMismatch)

	_, err = h.svc.Verify(ctx, OTPVerifyInput{
		Token:          token,
		OTPHash:        otpHash,
		Context:        "loan",
		EncryptedPhone: h.encrypt(t, "09123456789"),
	})
	requireOTPError(t, err, ErrPhoneMismatch)
	if h.recorder.count(models.EventOTPMismatchBinding) != 2 {
		t.Fatalf("expected both binding mismatches recorded")
	}

	if _, err := h.svc.Verify(ctx, OTPVerifyInput{
		Token:          token,
		OTPHash:        otpHash,
		Context:        "loan",
		EncryptedPhone: h.encrypt(t, "919876543210"),
	}); err != nil {
		t.Fatalf("matching phone should verify: %v", err)
	}

	rec, _ := h.store.get(token)
	if rec.WrongAttempts != 0 {
		t.Fatalf("binding failures must not count as wrong attempts")
	}
}

func TestVerify_UndecryptablePhoneIsNotABindingMismatch(t *testing.T) {
	h := newOTPHarness(t)
	token, code := h.request(t, testPhone, "loan")

	tampered := h.encrypt(t, "9876543210")
	tampered.AuthTag = h.encrypt(t, "9876543210").AuthTag

	_, err := h.svc.Verify(context.Background(), OTPVerifyInput{
		Token:          token,
		OTPHash:        hashing.OTPHash(code, token),
		Context:        "loan",
		EncryptedPhone: tampered,
	})
	requireOTPError(t, err, ErrDecryption)

	if got := testutil.ToFloat64(h.metrics.OTPVerifications.WithLabelValues("invalid")); got != 1 {
		t.Fatalf("expected invalid outcome counted once, got %v", got)
	}
	if got := testutil.ToFloat64(h.metrics.OTPVerifications.WithLabelValues("phone_mismatch")); got != 0 {
		t.Fatalf("decryption failure counted as phone mismatch")
	}
	if h.recorder.count(models.EventOTPMismatchBinding) != 0 {
		t.Fatalf("decryption failure recorded as binding mismatch")
	}
}

func TestVerify_EncryptedFlow(t *testing.T) {
	h := newOTPHarness(t)
	token, code := h.request(t, testPhone, "")

	_, err := h.svc.Verify(context.Background(), OTPVerifyInput{
		EncryptedToken: h.encrypt(t, token),
		EncryptedOTP:   h.encrypt(t, code),
	})
	if err != nil {
		t.Fatalf("encrypted flow failed: %v", err)
	}
}

func TestVerify_MalformedCredentials(t *testing.T) {
	h := newOTPHarness(t)
	ctx := context.Background()

	_, err := h.svc.Verify(ctx, OTPVerifyInput{Token: "only-token"})
	requireOTPError(t, err, ErrValidation)

	bad := h.encrypt(t, "token")
	bad.IV = "abcd"
	_, err = h.svc.Verify(ctx, OTPVerifyInput{EncryptedToken: bad, EncryptedOTP: h.encrypt(t, "123456")})
	requireOTPError(t, err, ErrDecryption)
}

func TestRequest_WrongAttemptsCarryUntilBlockLapses(t *testing.T) {
	h := newOTPHarness(t)

	first, _ := h.request(t, testPhone, "")
	for i := 0; i < 2; i++ {
		_, _ = h.verify(first, "wrong-hash", fmt.Sprintf("10.1.0.%d", i))
	}
	h.clock.Advance(time.Minute)
	second, _ := h.request(t, testPhone, "")
	rec, _ := h.store.get(second)
	if rec.WrongAttempts != 2 {
		t.Fatalf("expected wrong attempts carried forward, got %d", rec.WrongAttempts)
	}

	for i := 0; i < 3; i++ {
		_, _ = h.verify(second, "wrong-hash", fmt.Sprintf("10.2.0.%d", i))
	}
	rec, _ = h.store.get(second)
	if rec.BlockedUntil == nil {
		t.Fatalf("expected carried attempts to reach the block threshold")
	}

	h.clock.Advance(11 * time.Minute)
	third, _ := h.request(t, testPhone, "")
	rec, _ = h.store.get(third)
	if rec.WrongAttempts != 0 {
		t.Fatalf("expected attempts reset after block lapsed, got %d", rec.WrongAttempts)
	}
}
