// Package resource serves the definition-driven CRUD resources. Each
// resource is one organization-scoped table whose columns are declared in a
// YAML definition.
package resource

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"reflect"
	"slices"
	"sync"
	"time"

	"github.com/pitabwire/procura/model"
)

// Store persists records of any definition.
type Store interface {
	// Create inserts rec into the definition's table.
	Create(ctx context.Context, def model.ResourceDefinition, rec model.Record) error

	// Get returns one record of orgID, or NOT_FOUND.
	Get(ctx context.Context, def model.ResourceDefinition, orgID, id string) (model.Record, error)

	// List returns one page of records of orgID and the total match count.
	List(ctx context.Context, def model.ResourceDefinition, orgID string, q model.RecordQuery) ([]model.Record, int, error)

	// Update overwrites the attributes of rec if the stored version still
	// equals rec.Version. Returns the stored row, or CONFLICT.
	Update(ctx context.Context, def model.ResourceDefinition, rec model.Record) (model.Record, error)

	// Delete removes one record of orgID, or returns NOT_FOUND.
	Delete(ctx context.Context, def model.ResourceDefinition, orgID, id string) error
}

// MemoryStore is an in-memory Store for tests and the memory driver.
type MemoryStore struct {
	mu     sync.RWMutex
	tables map[string]map[string]model.Record // table -> id -> record
	now    func() time.Time
}

// NewMemoryStore creates an empty in-memory resource store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tables: make(map[string]map[string]model.Record),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Create inserts rec.
func (s *MemoryStore) Create(_ context.Context, def model.ResourceDefinition, rec model.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.tables[def.Table]
	if t == nil {
		t = make(map[string]model.Record)
		s.tables[def.Table] = t
	}
	if _, exists := t[rec.ID]; exists {
		return model.NewConflictError(fmt.Sprintf("%s %q already exists", def.Name, rec.ID))
	}
	rec.Attributes = maps.Clone(rec.Attributes)
	t[rec.ID] = rec
	return nil
}

// Get returns one record scoped to orgID.
func (s *MemoryStore) Get(_ context.Context, def model.ResourceDefinition, orgID, id string) (model.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.tables[def.Table][id]
	if !ok || rec.OrganizationID != orgID {
		return model.Record{}, notFound(def, id)
	}
	rec.Attributes = maps.Clone(rec.Attributes)
	return rec, nil
}

// List filters by equality, sorts and pages the records of orgID.
func (s *MemoryStore) List(_ context.Context, def model.ResourceDefinition, orgID string, q model.RecordQuery) ([]model.Record, int, error) {
	s.mu.RLock()
	var matched []model.Record
	for _, rec := range s.tables[def.Table] {
		if rec.OrganizationID != orgID || !matches(rec, q.Filters) {
			continue
		}
		rec.Attributes = maps.Clone(rec.Attributes)
		matched = append(matched, rec)
	}
	s.mu.RUnlock()

	slices.SortFunc(matched, func(a, b model.Record) int {
		c := compareField(a, b, q.Sort)
		if c == 0 {
			c = cmp.Compare(a.ID, b.ID)
		}
		if q.Descending {
			return -c
		}
		return c
	})

	total := len(matched)
	if q.Offset >= total {
		return []model.Record{}, total, nil
	}
	matched = matched[q.Offset:]
	if q.Limit > 0 && q.Limit < len(matched) {
		matched = matched[:q.Limit]
	}
	return matched, total, nil
}

// Update overwrites rec under the version guard.
func (s *MemoryStore) Update(_ context.Context, def model.ResourceDefinition, rec model.Record) (model.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.tables[def.Table][rec.ID]
	if !ok || existing.OrganizationID != rec.OrganizationID {
		return model.Record{}, notFound(def, rec.ID)
	}
	if existing.Version != rec.Version {
		return model.Record{}, model.NewConflictError(
			fmt.Sprintf("%s %q version conflict (expected %d, got %d)", def.Name, rec.ID, rec.Version, existing.Version),
		)
	}
	existing.Attributes = maps.Clone(rec.Attributes)
	existing.Version++
	existing.UpdatedAt = s.now()
	s.tables[def.Table][rec.ID] = existing

	out := existing
	out.Attributes = maps.Clone(existing.Attributes)
	return out, nil
}

// Delete removes one record scoped to orgID.
func (s *MemoryStore) Delete(_ context.Context, def model.ResourceDefinition, orgID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.tables[def.Table][id]
	if !ok || rec.OrganizationID != orgID {
		return notFound(def, id)
	}
	delete(s.tables[def.Table], id)
	return nil
}

func matches(rec model.Record, filters map[string]any) bool {
	for k, want := range filters {
		if !reflect.DeepEqual(rec.Attributes[k], want) {
			return false
		}
	}
	return true
}

func sortedKeys(m map[string]any) []string {
	return slices.Sorted(maps.Keys(m))
}

func compareField(a, b model.Record, field string) int {
	switch field {
	case "", "created_at":
		return a.CreatedAt.Compare(b.CreatedAt)
	case "updated_at":
		return a.UpdatedAt.Compare(b.UpdatedAt)
	}
	return compareValues(a.Attributes[field], b.Attributes[field])
}

// compareValues orders nil first, then by the canonical attribute type.
func compareValues(x, y any) int {
	switch {
	case x == nil && y == nil:
		return 0
	case x == nil:
		return -1
	case y == nil:
		return 1
	}
	switch xv := x.(type) {
	case string:
		if yv, ok := y.(string); ok {
			return cmp.Compare(xv, yv)
		}
	case float64:
		if yv, ok := y.(float64); ok {
			return cmp.Compare(xv, yv)
		}
	case int64:
		if yv, ok := y.(int64); ok {
			return cmp.Compare(xv, yv)
		}
	case bool:
		if yv, ok := y.(bool); ok {
			switch {
			case xv == yv:
				return 0
			case !xv:
				return -1
			}
			return 1
		}
	case time.Time:
		if yv, ok := y.(time.Time); ok {
			return xv.Compare(yv)
		}
	}
	return cmp.Compare(fmt.Sprint(x), fmt.Sprint(y))
}

func notFound(def model.ResourceDefinition, id string) error {
	return model.NewNotFoundError(fmt.Sprintf("%s %q not found", def.Name, id))
}
