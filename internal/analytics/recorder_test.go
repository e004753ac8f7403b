package analytics

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"lending-api/internal/bucketing"
	"lending-api/internal/config"
	"lending-api/internal/models"
)

type fakeInserter struct {
	mu      sync.Mutex
	batches [][][]interface{}
	err     error
}

func (f *fakeInserter) BatchInsert(_ context.Context, _ string, rows [][]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.batches = append(f.batches, rows)
	return nil
}

func (f *fakeInserter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

func newRecorder(inserter Inserter, batchSize int, interval time.Duration) *SecurityRecorder {
	cfg := &config.Config{Bucketing: config.BucketingConfig{UserBuckets: 16, EventBuckets: 8}}
	return NewSecurityRecorder(inserter, bucketing.NewBucketingManager(cfg), config.ClickhouseConfig{
		BatchSize:     batchSize,
		FlushInterval: interval,
	})
}

func TestSecurityRecorder_FlushBuildsRows(t *testing.T) {
	inserter := &fakeInserter{}
	r := newRecorder(inserter, 100, time.Hour)

	at := time.Date(2025, 11, 13, 23, 30, 0, 0, time.UTC)
	r.Record(models.SecurityEvent{
		EventTime: at,
		EventType: models.EventOTPRecordBlocked,
		PhoneHash: "phonehash",
		Context:   "public",
		IPAddress: "10.0.0.1",
	})
	if r.Pending() != 1 {
		t.Fatalf("expected 1 pending event, got %d", r.Pending())
	}

	if err := r.Flush(context.Background()); err != nil {
		t.Fatalf("Flush returned error: %v", err)
	}
	if r.Pending() != 0 {
		t.Fatalf("expected empty buffer after flush")
	}

	row := inserter.batches[0][0]
	if len(row) != 9 {
		t.Fatalf("expected 9 columns, got %d", len(row))
	}
	if bucket := row[0].(uint16); bucket >= 8 {
		t.Fatalf("bucket %d out of range", bucket)
	}
	if row[1].(string) != "2025-11-13" {
		t.Fatalf("unexpected event date %v", row[1])
	}
	if row[3].(string) != models.EventOTPRecordBlocked {
		t.Fatalf("unexpected event type %v", row[3])
	}
	if row[7].(uint8) != 70 {
		t.Fatalf("expected default risk score 70, got %v", row[7])
	}
}

func TestSecurityRecorder_FlushesWhenBatchFills(t *testing.T) {
	inserter := &fakeInserter{}
	r := newRecorder(inserter, 2, time.Hour)
	r.Start()
	defer r.Close()

	r.Record(models.SecurityEvent{EventType: models.EventOTPWrongAttempt})
	r.Record(models.SecurityEvent{EventType: models.EventOTPWrongAttempt})

	deadline := time.Now().Add(2 * time.Second)
	for inserter.count() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("batch was not flushed")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSecurityRecorder_CloseFlushesRemainder(t *testing.T) {
	inserter := &fakeInserter{}
	r := newRecorder(inserter, 100, time.Hour)
	r.Start()

	r.Record(models.SecurityEvent{EventType: models.EventSourceBlocked})
	r.Close()
	r.Close()

	if inserter.count() != 1 {
		t.Fatalf("expected final flush on close, got %d batches", inserter.count())
	}
}

func TestSecurityRecorder_FailedBatchIsDropped(t *testing.T) {
	inserter := &fakeInserter{err: errors.New("clickhouse down")}
	r := newRecorder(inserter, 100, time.Hour)

	r.Record(models.SecurityEvent{EventType: models.EventOTPVerified})
	if err := r.Flush(context.Background()); err == nil {
		t.Fatalf("expected insert error")
	}
	if r.Pending() != 0 {
		t.Fatalf("failed batch should not be requeued")
	}
}
