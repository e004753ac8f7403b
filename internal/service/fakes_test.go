package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"lending-api/internal/models"
	"lending-api/internal/repository"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2025, 11, 13, 10, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// memOTPStore purges records at PurgeAt, like the real backends.
type memOTPStore struct {
	mu      sync.Mutex
	now     func() time.Time
	records map[string]models.OTPRecord
}

func newMemOTPStore(now func() time.Time) *memOTPStore {
	return &memOTPStore{now: now, records: make(map[string]models.OTPRecord)}
}

func (s *memOTPStore) live(token string) (models.OTPRecord, bool) {
	rec, ok := s.records[token]
	if !ok || !rec.PurgeAt.After(s.now()) {
		return models.OTPRecord{}, false
	}
	return rec, true
}

func (s *memOTPStore) Create(_ context.Context, record *models.OTPRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[record.Token] = *record
	return nil
}

func (s *memOTPStore) FindByToken(_ context.Context, token string) (*models.OTPRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.live(token)
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &rec, nil
}

func (s *memOTPStore) FindRecent(_ context.Context, phoneHash, otpContext string, since time.Time) ([]*models.OTPRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.OTPRecord
	for token := range s.records {
		rec, ok := s.live(token)
		if !ok || rec.PhoneHash != phoneHash || rec.Context != otpContext || rec.CreatedAt.Before(since) {
			continue
		}
		out = append(out, &rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *memOTPStore) IncrementWrongAttempts(_ context.Context, token string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.live(token)
	if !ok {
		return 0, repository.ErrNotFound
	}
	rec.WrongAttempts++
	s.records[token] = rec
	return rec.WrongAttempts, nil
}

func (s *memOTPStore) SetBlockedUntil(_ context.Context, token string, until time.Time) error {
	return s.update(token, func(r *models.OTPRecord) { r.BlockedUntil = &until })
}

func (s *memOTPStore) MarkVerified(_ context.Context, token string) error {
	return s.update(token, func(r *models.OTPRecord) { r.Verified = true })
}

func (s *memOTPStore) update(token string, fn func(*models.OTPRecord)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.live(token)
	if !ok {
		return repository.ErrNotFound
	}
	fn(&rec)
	s.records[token] = rec
	return nil
}

func (s *memOTPStore) Delete(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, token)
	return nil
}

func (s *memOTPStore) HealthCheck(context.Context) error { return nil }

func (s *memOTPStore) get(token string) (models.OTPRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live(token)
}

func (s *memOTPStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

type memRateLimitStore struct {
	mu      sync.Mutex
	now     func() time.Time
	records map[string]models.RateLimitRecord
	expires map[string]time.Time
	err     error
}

func newMemRateLimitStore(now func() time.Time) *memRateLimitStore {
	return &memRateLimitStore{
		now:     now,
		records: make(map[string]models.RateLimitRecord),
		expires: make(map[string]time.Time),
	}
}

func rlKey(source, action string) string { return action + ":" + source }

func (s *memRateLimitStore) Get(_ context.Context, source, action string) (*models.RateLimitRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	key := rlKey(source, action)
	rec, ok := s.records[key]
	if !ok || !s.expires[key].After(s.now()) {
		return nil, repository.ErrNotFound
	}
	return &rec, nil
}

func (s *memRateLimitStore) Increment(_ context.Context, source, action string, now time.Time, policy models.RateLimitPolicy) (*models.RateLimitRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	key := rlKey(source, action)
	rec, ok := s.records[key]
	if !ok || !s.expires[key].After(s.now()) || rec.BlockLapsed(now) {
		rec = models.RateLimitRecord{Source: source, Action: action}
		delete(s.expires, key)
	}
	rec.Attempts++
	rec.ExpiresAt = now.Add(policy.Window)

	ttl := policy.Window
	if rec.BlockedUntil == nil && rec.Attempts >= policy.MaxAttempts {
		until := now.Add(policy.BlockDuration)
		rec.BlockedUntil = &until
		if policy.BlockDuration > ttl {
			ttl = policy.BlockDuration
		}
	}
	if expires := now.Add(ttl); expires.After(s.expires[key]) {
		s.expires[key] = expires
	}
	s.records[key] = rec
	out := rec
	return &out, nil
}

// put seeds a record directly.
func (s *memRateLimitStore) put(record models.RateLimitRecord, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := rlKey(record.Source, record.Action)
	s.records[key] = record
	s.expires[key] = s.now().Add(ttl)
}

func (s *memRateLimitStore) Delete(_ context.Context, source, action string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	key := rlKey(source, action)
	delete(s.records, key)
	delete(s.expires, key)
	return nil
}

func (s *memRateLimitStore) has(source, action string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.records[rlKey(source, action)]
	return ok
}

type sentSMS struct {
	phone string
	otp   string
}

type fakeSMS struct {
	mu   sync.Mutex
	sent []sentSMS
	err  error
}

func (f *fakeSMS) SendOTP(_ context.Context, phone, otp string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, sentSMS{phone: phone, otp: otp})
	return nil
}

func (f *fakeSMS) last() sentSMS {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent[len(f.sent)-1]
}

type manualScheduler struct {
	mu     sync.Mutex
	delays []time.Duration
	fns    []func()
}

func (s *manualScheduler) AfterFunc(d time.Duration, f func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays = append(s.delays, d)
	s.fns = append(s.fns, f)
}

func (s *manualScheduler) RunAll() {
	s.mu.Lock()
	fns := s.fns
	s.fns = nil
	s.mu.Unlock()
	for _, f := range fns {
		f()
	}
}

type recordingRecorder struct {
	mu     sync.Mutex
	events []models.SecurityEvent
}

func (r *recordingRecorder) Record(e models.SecurityEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingRecorder) count(eventType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.EventType == eventType {
			n++
		}
	}
	return n
}
