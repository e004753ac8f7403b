package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"lending-api/internal/bucketing"
	"lending-api/internal/client"
	"lending-api/internal/config"
	"lending-api/internal/encryption"
	"lending-api/internal/events"
	"lending-api/internal/models"
	"lending-api/internal/repository"
)

const sampleReport = `{
  "consumerCreditData": [{
    "sourceInquiry": {"inquiryTimestamp": "2025-11-13T09:12:44+05:30"},
    "scores": [{"score": "745", "populationRank": "81", "scoreName": "CIBILTUSC3"}],
    "enquiries": [{"enquiryDate": "2025-10-20"}],
    "accounts": [{
      "accountType": "10",
      "currentBalance": 66132,
      "highCreditAmount": 100000,
      "monthlyPayStatus": []
    }]
  }]
}`

type fakeBureau struct {
	raw     []byte
	err     error
	inquiry client.BureauInquiry
}

func (f *fakeBureau) FetchReport(_ context.Context, inquiry client.BureauInquiry) ([]byte, error) {
	f.inquiry = inquiry
	return f.raw, f.err
}

type fakeProfiles struct {
	mu       sync.Mutex
	profiles map[string]*models.CreditProfile
	archives []*models.CreditReportArchive
	saveErr  error
}

func newFakeProfiles() *fakeProfiles {
	return &fakeProfiles{profiles: make(map[string]*models.CreditProfile)}
}

func (f *fakeProfiles) SaveProfile(_ context.Context, p *models.CreditProfile) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return f.saveErr
	}
	f.profiles[p.UserID] = p
	return nil
}

func (f *fakeProfiles) GetProfile(_ context.Context, userID string) (*models.CreditProfile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.profiles[userID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return p, nil
}

func (f *fakeProfiles) ArchiveReport(_ context.Context, a *models.CreditReportArchive) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.archives = append(f.archives, a)
	return nil
}

func (f *fakeProfiles) HealthCheck(context.Context) error { return nil }

type fakeSealer struct{ err error }

func (f fakeSealer) Encrypt(_ context.Context, plaintext []byte) (*encryption.EncryptedData, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &encryption.EncryptedData{EncryptedValue: "sealed", EncryptedDEK: "dek", KeyID: "local"}, nil
}

type fakeMetricsIndexer struct {
	mu      sync.Mutex
	indexed []*models.CreditProfile
	err     error
}

func (f *fakeMetricsIndexer) IndexProfile(_ context.Context, p *models.CreditProfile) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexed = append(f.indexed, p)
	return f.err
}

type fakeCreditEvents struct {
	mu     sync.Mutex
	events []events.CreditDerivedEvent
}

func (f *fakeCreditEvents) PublishCreditDerived(_ context.Context, e events.CreditDerivedEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
	return nil
}

type creditHarness struct {
	svc      *CreditService
	bureau   *fakeBureau
	profiles *fakeProfiles
	indexer  *fakeMetricsIndexer
	events   *fakeCreditEvents
}

func newCreditHarness(t *testing.T, sealer ReportSealer) *creditHarness {
	t.Helper()
	h := &creditHarness{
		bureau:   &fakeBureau{raw: []byte(sampleReport)},
		profiles: newFakeProfiles(),
		indexer:  &fakeMetricsIndexer{},
		events:   &fakeCreditEvents{},
	}
	buckets := bucketing.NewBucketingManager(&config.Config{Bucketing: config.BucketingConfig{UserBuckets: 64, EventBuckets: 8}})
	h.svc = NewCreditService(h.bureau, h.profiles, sealer, h.indexer, h.events, buckets, nil, zaptest.NewLogger(t)).
		WithClock(func() time.Time { return time.Date(2025, 11, 14, 8, 0, 0, 0, time.UTC) })
	return h
}

func validCreditRequest() *CreditReportRequest {
	return &CreditReportRequest{
		UserID:      "user-42",
		FirstName:   "Asha",
		LastName:    "Rao",
		PAN:         "ABCDE1234F",
		DateOfBirth: "1990-04-01",
		Mobile:      "+91 98765 43210",
	}
}

func TestFetchAndDerive_FansOut(t *testing.T) {
	h := newCreditHarness(t, fakeSealer{})

	profile, err := h.svc.FetchAndDerive(context.Background(), validCreditRequest())
	if err != nil {
		t.Fatalf("FetchAndDerive returned error: %v", err)
	}
	if h.bureau.inquiry.Mobile != "9876543210" {
		t.Fatalf("expected normalized mobile, got %q", h.bureau.inquiry.Mobile)
	}
	if profile.DerivationStatus != models.DerivationDerived {
		t.Fatalf("expected derived status, got %s", profile.DerivationStatus)
	}
	if profile.Metrics.CreditScore != 745 || profile.Metrics.TotalUnsecuredLoans != 66132 {
		t.Fatalf("unexpected metrics %+v", profile.Metrics)
	}
	if profile.Metrics.InquiriesLast1Month != 1 {
		t.Fatalf("expected inquiry inside the 1-month window, got %d", profile.Metrics.InquiriesLast1Month)
	}
	if profile.ReportDate == nil || !profile.ReportDate.Equal(time.Date(2025, 11, 13, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected report date %v", profile.ReportDate)
	}
	if profile.UserBucket < 0 || profile.UserBucket >= 64 {
		t.Fatalf("bucket out of range: %d", profile.UserBucket)
	}

	if _, ok := h.profiles.profiles["user-42"]; !ok {
		t.Fatalf("profile not saved")
	}
	if len(h.profiles.archives) != 1 || h.profiles.archives[0].Ciphertext != "sealed" || h.profiles.archives[0].ReportID == "" {
		t.Fatalf("unexpected archive %+v", h.profiles.archives)
	}
	if len(h.indexer.indexed) != 1 || len(h.events.events) != 1 {
		t.Fatalf("expected one index and one event, got %d/%d", len(h.indexer.indexed), len(h.events.events))
	}
}

func TestFetchAndDerive_UnparseableReportMarkedFailed(t *testing.T) {
	h := newCreditHarness(t, fakeSealer{})
	h.bureau.raw = []byte(`{"status": "ok", "payload": []}`)

	profile, err := h.svc.FetchAndDerive(context.Background(), validCreditRequest())
	if err != nil {
		t.Fatalf("FetchAndDerive returned error: %v", err)
	}
	if profile.DerivationStatus != models.DerivationFailed {
		t.Fatalf("expected derivation_failed, got %s", profile.DerivationStatus)
	}
	if profile.Metrics.SMATag != models.TagNo || profile.Metrics.CreditScore != 0 {
		t.Fatalf("expected default metrics, got %+v", profile.Metrics)
	}
	if profile.ReportDate != nil {
		t.Fatalf("failed derivation should not carry a report date")
	}
	if len(h.profiles.archives) != 1 {
		t.Fatalf("raw report should still be archived")
	}
}

func TestFetchAndDerive_Errors(t *testing.T) {
	t.Run("bureau", func(t *testing.T) {
		h := newCreditHarness(t, fakeSealer{})
		h.bureau.err = client.ErrBureauUnavailable
		_, err := h.svc.FetchAndDerive(context.Background(), validCreditRequest())
		if !errors.Is(err, ErrBureauUnavailable) {
			t.Fatalf("expected ErrBureauUnavailable, got %v", err)
		}
	})

	t.Run("mobile", func(t *testing.T) {
		h := newCreditHarness(t, fakeSealer{})
		req := validCreditRequest()
		req.Mobile = "123"
		_, err := h.svc.FetchAndDerive(context.Background(), req)
		if !errors.Is(err, ErrValidation) {
			t.Fatalf("expected ErrValidation, got %v", err)
		}
	})

	t.Run("save", func(t *testing.T) {
		h := newCreditHarness(t, fakeSealer{})
		h.profiles.saveErr = errors.New("scylla down")
		if _, err := h.svc.FetchAndDerive(context.Background(), validCreditRequest()); err == nil {
			t.Fatalf("expected save error")
		}
	})

	t.Run("seal", func(t *testing.T) {
		h := newCreditHarness(t, fakeSealer{err: errors.New("kms down")})
		if _, err := h.svc.FetchAndDerive(context.Background(), validCreditRequest()); err == nil {
			t.Fatalf("expected archive error")
		}
	})

	t.Run("index failure is tolerated", func(t *testing.T) {
		h := newCreditHarness(t, fakeSealer{})
		h.indexer.err = errors.New("es down")
		if _, err := h.svc.FetchAndDerive(context.Background(), validCreditRequest()); err != nil {
			t.Fatalf("index failures must not fail the request: %v", err)
		}
	})
}

func TestGetProfile(t *testing.T) {
	h := newCreditHarness(t, fakeSealer{})
	if _, err := h.svc.GetProfile(context.Background(), "nobody"); !errors.Is(err, ErrProfileNotFound) {
		t.Fatalf("expected ErrProfileNotFound, got %v", err)
	}

	if _, err := h.svc.FetchAndDerive(context.Background(), validCreditRequest()); err != nil {
		t.Fatalf("FetchAndDerive returned error: %v", err)
	}
	profile, err := h.svc.GetProfile(context.Background(), "user-42")
	if err != nil || profile.UserID != "user-42" {
		t.Fatalf("unexpected profile %+v, err %v", profile, err)
	}
}
