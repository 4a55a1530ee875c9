// Package audit keeps the organization-wide audit log. Writes happen after
// the audited change has been committed; a failed write is logged and
// counted but never fails the caller's operation.
package audit

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/procura/internal/observability"
	"github.com/pitabwire/procura/model"
)

// Audit actions.
const (
	ActionCreate     = "create"
	ActionUpdate     = "update"
	ActionReplace    = "replace"
	ActionDelete     = "delete"
	ActionTransition = "transition"
	ActionDecide     = "decide"
)

// Store persists audit entries.
type Store interface {
	Append(ctx context.Context, entry model.AuditEntry) error
	// List returns entries of orgID newest first, with the total match count.
	List(ctx context.Context, orgID string, filters model.AuditFilters) ([]model.AuditEntry, int, error)
}

// Recorder writes audit entries on behalf of services.
type Recorder struct {
	store   Store
	metrics *observability.Metrics
	logger  *zap.Logger
	now     func() time.Time
}

// NewRecorder creates a Recorder.
func NewRecorder(store Store, metrics *observability.Metrics, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{store: store, metrics: metrics, logger: logger, now: time.Now}
}

// Record appends one audit row for the caller in ac. Sensitive values in
// changes are redacted with the given field names.
func (r *Recorder) Record(ctx context.Context, ac *model.AuthContext, action, resourceType, resourceID string,
	changes map[string]any, sensitive []string) {
	if r == nil || r.store == nil {
		return
	}

	entry := model.AuditEntry{
		ID:             uuid.New().String(),
		OrganizationID: ac.OrgID,
		ActorID:        ac.UserID,
		Action:         action,
		ResourceType:   resourceType,
		ResourceID:     resourceID,
		Changes:        observability.RedactBody(changes, sensitive),
		CreatedAt:      r.now().UTC(),
	}

	if err := r.store.Append(ctx, entry); err != nil {
		r.metrics.RecordAuditFailure("audit")
		observability.RequestLogger(ctx, r.logger).Warn("audit write failed",
			zap.String("action", action),
			zap.String("resource_type", resourceType),
			zap.String("resource_id", resourceID),
			zap.Error(err),
		)
	}
}

// List returns audit entries of the caller's organization. Only owners and
// admins may read the log.
func (r *Recorder) List(ctx context.Context, ac *model.AuthContext, filters model.AuditFilters) ([]model.AuditEntry, int, error) {
	if !ac.HasRole(model.RoleOwner, model.RoleAdmin) {
		return nil, 0, model.NewForbiddenError("only owners and admins may read the audit log")
	}
	return r.store.List(ctx, ac.OrgID, filters)
}

// MemoryStore is an in-memory Store.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []model.AuditEntry
}

// NewMemoryStore creates an empty in-memory audit store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Append adds an entry.
func (s *MemoryStore) Append(_ context.Context, entry model.AuditEntry) error {
	s.mu.Lock()
	s.entries = append(s.entries, entry)
	s.mu.Unlock()
	return nil
}

// List returns matching entries newest first.
func (s *MemoryStore) List(_ context.Context, orgID string, f model.AuditFilters) ([]model.AuditEntry, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []model.AuditEntry
	for _, e := range s.entries {
		if e.OrganizationID != orgID {
			continue
		}
		if f.ResourceType != "" && e.ResourceType != f.ResourceType {
			continue
		}
		if f.ResourceID != "" && e.ResourceID != f.ResourceID {
			continue
		}
		if f.ActorID != "" && e.ActorID != f.ActorID {
			continue
		}
		matched = append(matched, e)
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	return paginate(matched, f.Offset, f.Limit), total, nil
}

// Len returns the number of stored entries across all organizations.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func paginate[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

