package search

import (
	"context"
	"fmt"
	"time"

	"lending-api/internal/models"
)

// DocumentIndexer is implemented by client.ESClient.
type DocumentIndexer interface {
	IndexDocument(ctx context.Context, index, id string, document interface{}) error
}

// metricsDocument is the searchable snapshot of a user's latest credit profile.
type metricsDocument struct {
	UserID           string     `json:"user_id"`
	DerivationStatus string     `json:"derivation_status"`
	ReportDate       *time.Time `json:"report_date,omitempty"`
	IndexedAt        time.Time  `json:"indexed_at"`
	models.CreditMetrics
}

type MetricsIndexer struct {
	client DocumentIndexer
	index  string
}

func NewMetricsIndexer(client DocumentIndexer, index string) *MetricsIndexer {
	return &MetricsIndexer{client: client, index: index}
}

// IndexProfile replaces the user's document, so the index only ever holds the
// latest derivation.
func (m *MetricsIndexer) IndexProfile(ctx context.Context, profile *models.CreditProfile) error {
	doc := metricsDocument{
		UserID:           profile.UserID,
		DerivationStatus: profile.DerivationStatus,
		ReportDate:       profile.ReportDate,
		IndexedAt:        profile.UpdatedAt.UTC(),
		CreditMetrics:    profile.Metrics,
	}
	if err := m.client.IndexDocument(ctx, m.index, profile.UserID, doc); err != nil {
		return fmt.Errorf("failed to index credit metrics: %w", err)
	}
	return nil
}

// NoopIndexer is used when Elasticsearch is disabled.
type NoopIndexer struct{}

func (NoopIndexer) IndexProfile(context.Context, *models.CreditProfile) error { return nil }
