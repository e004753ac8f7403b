package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"lending-api/internal/models"
)

const schemaVersion = "1.0"

// Event types carried in the envelope.
const (
	TypeOTPRequested  = "otp.requested"
	TypeOTPVerified   = "otp.verified"
	TypeOTPBlocked    = "otp.blocked"
	TypeCreditDerived = "credit.metrics.derived"
)

const (
	otpTopic    = "otp-events"
	creditTopic = "credit-profiles"
)

// Writer is the subset of kafka.Writer the publisher needs.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// OTPEvent never carries the phone number, the passcode or the token.
type OTPEvent struct {
	Type      string    `json:"-"`
	PhoneHash string    `json:"phone_hash"`
	Context   string    `json:"context"`
	IPAddress string    `json:"ip_address,omitempty"`
	At        time.Time `json:"-"`
}

type CreditDerivedEvent struct {
	UserID           string               `json:"user_id"`
	DerivationStatus string               `json:"derivation_status"`
	ReportDate       *time.Time           `json:"report_date,omitempty"`
	Metrics          models.CreditMetrics `json:"metrics"`
	At               time.Time            `json:"-"`
}

type envelope struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version"`
	Source    string    `json:"source"`
	Payload   any       `json:"payload"`
}

type KafkaPublisher struct {
	writer      Writer
	topicPrefix string
	logger      *zap.Logger
}

func NewKafkaPublisher(writer Writer, topicPrefix string, logger *zap.Logger) *KafkaPublisher {
	return &KafkaPublisher{writer: writer, topicPrefix: topicPrefix, logger: logger}
}

// TopicName prefixes a topic with the configured prefix, if any.
func (p *KafkaPublisher) TopicName(topic string) string {
	if p.topicPrefix == "" {
		return topic
	}
	return p.topicPrefix + "." + topic
}

// PublishOTPEvent keys the message by phone hash so a phone's events stay in order.
func (p *KafkaPublisher) PublishOTPEvent(ctx context.Context, event OTPEvent) error {
	return p.publish(ctx, otpTopic, event.Type, event.PhoneHash, event.At, event)
}

func (p *KafkaPublisher) PublishCreditDerived(ctx context.Context, event CreditDerivedEvent) error {
	return p.publish(ctx, creditTopic, TypeCreditDerived, event.UserID, event.At, event)
}

func (p *KafkaPublisher) publish(ctx context.Context, topic, eventType, key string, ts time.Time, payload any) error {
	if ts.IsZero() {
		ts = time.Now()
	}

	body, err := json.Marshal(envelope{
		EventID:   uuid.NewString(),
		EventType: eventType,
		Timestamp: ts.UTC(),
		Version:   schemaVersion,
		Source:    "lending-api",
		Payload:   payload,
	})
	if err != nil {
		return fmt.Errorf("marshal event envelope: %w", err)
	}

	msg := kafka.Message{
		Topic: p.TopicName(topic),
		Key:   []byte(key),
		Value: body,
		Time:  ts,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(eventType)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.Warn("Failed to publish event",
			zap.String("event_type", eventType),
			zap.String("topic", msg.Topic),
			zap.Error(err),
		)
		return fmt.Errorf("failed to publish %s: %w", eventType, err)
	}
	return nil
}

// NoopPublisher is used when Kafka is disabled.
type NoopPublisher struct{}

func (NoopPublisher) PublishOTPEvent(context.Context, OTPEvent) error { return nil }

func (NoopPublisher) PublishCreditDerived(context.Context, CreditDerivedEvent) error { return nil }
