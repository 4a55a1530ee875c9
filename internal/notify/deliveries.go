package notify

import (
	"context"
	"sync"

	"github.com/pitabwire/procura/internal/storage"
)

// MemoryDeliveryStore keeps delivery records in memory.
type MemoryDeliveryStore struct {
	mu         sync.RWMutex
	deliveries []Delivery
}

// NewMemoryDeliveryStore creates an empty in-memory delivery store.
func NewMemoryDeliveryStore() *MemoryDeliveryStore {
	return &MemoryDeliveryStore{}
}

// RecordDelivery appends d.
func (s *MemoryDeliveryStore) RecordDelivery(_ context.Context, d Delivery) error {
	s.mu.Lock()
	s.deliveries = append(s.deliveries, d)
	s.mu.Unlock()
	return nil
}

// Deliveries returns a copy of all records.
func (s *MemoryDeliveryStore) Deliveries() []Delivery {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Delivery, len(s.deliveries))
	copy(out, s.deliveries)
	return out
}

// PgDeliveryStore records deliveries in webhook_deliveries.
type PgDeliveryStore struct {
	db storage.DB
}

// NewPgDeliveryStore creates a PostgreSQL delivery store.
func NewPgDeliveryStore(db storage.DB) *PgDeliveryStore {
	return &PgDeliveryStore{db: db}
}

// RecordDelivery inserts d.
func (s *PgDeliveryStore) RecordDelivery(ctx context.Context, d Delivery) error {
	var statusCode *int
	if d.StatusCode != 0 {
		statusCode = &d.StatusCode
	}
	var errText *string
	if d.Error != "" {
		errText = &d.Error
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO webhook_deliveries (
			id, organization_id, webhook_id, event_id, event_type,
			status, status_code, error, duration_ms, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		d.ID, d.OrganizationID, d.WebhookID, d.EventID, d.EventType,
		d.Status, statusCode, errText, d.DurationMs, d.CreatedAt,
	)
	if err != nil {
		return storage.Classify(err, "insert webhook delivery")
	}
	return nil
}
