package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap/zaptest"

	"lending-api/internal/models"
)

type fakeWriter struct {
	messages []kafka.Message
	err      error
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.messages = append(f.messages, msgs...)
	return nil
}

func TestPublishOTPEvent(t *testing.T) {
	writer := &fakeWriter{}
	publisher := NewKafkaPublisher(writer, "lending", zaptest.NewLogger(t))

	at := time.Date(2025, 11, 13, 10, 0, 0, 0, time.UTC)
	err := publisher.PublishOTPEvent(context.Background(), OTPEvent{
		Type:      TypeOTPRequested,
		PhoneHash: "abc123",
		Context:   "public",
		At:        at,
	})
	if err != nil {
		t.Fatalf("PublishOTPEvent returned error: %v", err)
	}
	if len(writer.messages) != 1 {
		t.Fatalf("expected one message, got %d", len(writer.messages))
	}

	msg := writer.messages[0]
	if msg.Topic != "lending.otp-events" {
		t.Fatalf("unexpected topic %q", msg.Topic)
	}
	if string(msg.Key) != "abc123" {
		t.Fatalf("expected phone hash key, got %q", msg.Key)
	}

	var env struct {
		EventID   string         `json:"event_id"`
		EventType string         `json:"event_type"`
		Timestamp time.Time      `json:"timestamp"`
		Payload   map[string]any `json:"payload"`
	}
	if err := json.Unmarshal(msg.Value, &env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if env.EventID == "" || env.EventType != TypeOTPRequested {
		t.Fatalf("unexpected envelope %+v", env)
	}
	if !env.Timestamp.Equal(at) {
		t.Fatalf("expected timestamp %v, got %v", at, env.Timestamp)
	}
	if env.Payload["phone_hash"] != "abc123" || env.Payload["context"] != "public" {
		t.Fatalf("unexpected payload %v", env.Payload)
	}
}

func TestPublishCreditDerived(t *testing.T) {
	writer := &fakeWriter{}
	publisher := NewKafkaPublisher(writer, "", zaptest.NewLogger(t))

	err := publisher.PublishCreditDerived(context.Background(), CreditDerivedEvent{
		UserID:           "user-1",
		DerivationStatus: models.DerivationDerived,
		Metrics:          models.CreditMetrics{CreditScore: 745},
	})
	if err != nil {
		t.Fatalf("PublishCreditDerived returned error: %v", err)
	}
	msg := writer.messages[0]
	if msg.Topic != "credit-profiles" || string(msg.Key) != "user-1" {
		t.Fatalf("unexpected message topic=%q key=%q", msg.Topic, msg.Key)
	}
	if len(msg.Headers) != 1 || string(msg.Headers[0].Value) != TypeCreditDerived {
		t.Fatalf("expected event_type header")
	}
}

func TestPublishWriteFailure(t *testing.T) {
	writer := &fakeWriter{err: errors.New("broker down")}
	publisher := NewKafkaPublisher(writer, "lending", zaptest.NewLogger(t))

	err := publisher.PublishOTPEvent(context.Background(), OTPEvent{Type: TypeOTPBlocked, PhoneHash: "h"})
	if err == nil {
		t.Fatalf("expected error from failing writer")
	}
}
