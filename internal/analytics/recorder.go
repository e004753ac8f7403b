package analytics

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"lending-api/internal/bucketing"
	"lending-api/internal/config"
	"lending-api/internal/models"
	"lending-api/internal/util"
)

const insertSecurityEvents = `INSERT INTO security_events (
	event_bucket, event_date, event_time, event_type, phone_hash, context, ip_address, risk_score, details
)`

// Inserter is implemented by client.ClickHouseClient.
type Inserter interface {
	BatchInsert(ctx context.Context, query string, rows [][]interface{}) error
}

// Risk scores attached to each event type.
var riskScores = map[string]int{
	models.EventOTPRequested:       5,
	models.EventOTPRequestRefused:  40,
	models.EventOTPVerified:        0,
	models.EventOTPWrongAttempt:    30,
	models.EventOTPRecordBlocked:   70,
	models.EventSourceBlocked:      90,
	models.EventOTPMismatchBinding: 60,
}

// SecurityRecorder buffers security events and writes them to ClickHouse in
// batches, either when the batch fills or on every flush interval. Record
// never blocks on the network.
type SecurityRecorder struct {
	inserter  Inserter
	buckets   *bucketing.BucketingManager
	batchSize int
	interval  time.Duration

	mu     sync.Mutex
	buffer []models.SecurityEvent

	flushCh   chan struct{}
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func NewSecurityRecorder(inserter Inserter, buckets *bucketing.BucketingManager, cfg config.ClickhouseConfig) *SecurityRecorder {
	batchSize := cfg.BatchSize
	if batchSize < 1 {
		batchSize = 500
	}
	interval := cfg.FlushInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &SecurityRecorder{
		inserter:  inserter,
		buckets:   buckets,
		batchSize: batchSize,
		interval:  interval,
		buffer:    make([]models.SecurityEvent, 0, batchSize),
		flushCh:   make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

// Start runs the background flush loop until Close.
func (r *SecurityRecorder) Start() {
	r.wg.Add(1)
	go r.loop()
}

func (r *SecurityRecorder) loop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.flushLogged()
		case <-r.flushCh:
			r.flushLogged()
		case <-r.done:
			return
		}
	}
}

func (r *SecurityRecorder) flushLogged() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.Flush(ctx); err != nil {
		util.Error("Failed to flush security events", util.ErrorField(err))
	}
}

// Record fills in bucket, date and risk score and queues the event.
func (r *SecurityRecorder) Record(event models.SecurityEvent) {
	if event.EventTime.IsZero() {
		event.EventTime = time.Now()
	}
	event.EventTime = event.EventTime.UTC()
	event.EventDate = r.buckets.GetDateBucket(event.EventTime)
	event.EventBucket = r.buckets.GetEventBucket(event.PhoneHash + event.IPAddress)
	if event.RiskScore == 0 {
		event.RiskScore = riskScores[event.EventType]
	}

	r.mu.Lock()
	r.buffer = append(r.buffer, event)
	full := len(r.buffer) >= r.batchSize
	r.mu.Unlock()

	if full {
		select {
		case r.flushCh <- struct{}{}:
		default:
		}
	}
}

// Pending returns the number of buffered events.
func (r *SecurityRecorder) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buffer)
}

// Flush writes everything buffered so far. A failed batch is dropped.
func (r *SecurityRecorder) Flush(ctx context.Context) error {
	r.mu.Lock()
	if len(r.buffer) == 0 {
		r.mu.Unlock()
		return nil
	}
	batch := r.buffer
	r.buffer = make([]models.SecurityEvent, 0, r.batchSize)
	r.mu.Unlock()

	rows := make([][]interface{}, 0, len(batch))
	for _, e := range batch {
		rows = append(rows, []interface{}{
			uint16(e.EventBucket),
			e.EventDate,
			e.EventTime,
			e.EventType,
			e.PhoneHash,
			e.Context,
			e.IPAddress,
			uint8(e.RiskScore),
			e.Details,
		})
	}

	if err := r.inserter.BatchInsert(ctx, insertSecurityEvents, rows); err != nil {
		util.Warn("Dropping security event batch", zap.Int("events", len(rows)))
		return err
	}
	util.Debug("Security events flushed", zap.Int("events", len(rows)))
	return nil
}

// Close stops the loop and flushes what is left.
func (r *SecurityRecorder) Close() {
	r.closeOnce.Do(func() {
		close(r.done)
		r.wg.Wait()
		r.flushLogged()
	})
}

// NoopRecorder is used when ClickHouse is disabled.
type NoopRecorder struct{}

func (NoopRecorder) Record(models.SecurityEvent) {}
