package procurement

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/pitabwire/procura/model"
)

// MemoryStore is an in-memory Store for tests and the memory driver.
type MemoryStore struct {
	mu         sync.RWMutex
	requests   map[string]model.ProcurementRequest // key: request ID
	steps      map[string]model.ApprovalStep       // key: step ID
	activities []model.RequestActivity

	// FailActivity makes AppendActivity return this error when set.
	FailActivity error

	now func() time.Time
}

// NewMemoryStore creates an empty in-memory procurement store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests: make(map[string]model.ProcurementRequest),
		steps:    make(map[string]model.ApprovalStep),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// CreateRequest persists a new request.
func (s *MemoryStore) CreateRequest(_ context.Context, req model.ProcurementRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.requests[req.ID]; exists {
		return model.NewConflictError(fmt.Sprintf("request %q already exists", req.ID))
	}
	s.requests[req.ID] = req
	return nil
}

// GetRequest retrieves a request scoped to orgID.
func (s *MemoryStore) GetRequest(_ context.Context, orgID, requestID string) (model.ProcurementRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	req, ok := s.requests[requestID]
	if !ok || req.OrganizationID != orgID {
		return model.ProcurementRequest{}, requestNotFound(requestID)
	}
	return req, nil
}

// ListRequests filters, sorts and pages the requests of orgID.
func (s *MemoryStore) ListRequests(_ context.Context, orgID string, f model.RequestFilters) ([]model.ProcurementRequest, int, error) {
	s.mu.RLock()
	var matched []model.ProcurementRequest
	for _, r := range s.requests {
		if r.OrganizationID != orgID {
			continue
		}
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		if f.RequesterID != "" && r.RequesterID != f.RequesterID {
			continue
		}
		if f.Category != "" && r.Category != f.Category {
			continue
		}
		matched = append(matched, r)
	}
	s.mu.RUnlock()

	slices.SortFunc(matched, func(a, b model.ProcurementRequest) int {
		c := compareRequests(a, b, f.Sort)
		if c == 0 {
			c = cmp.Compare(a.ID, b.ID)
		}
		if f.Descending {
			return -c
		}
		return c
	})
	return page(matched, f.Offset, f.Limit), len(matched), nil
}

func compareRequests(a, b model.ProcurementRequest, field string) int {
	switch field {
	case "updated_at":
		return a.UpdatedAt.Compare(b.UpdatedAt)
	case "estimated_total":
		return cmp.Compare(a.EstimatedTotal, b.EstimatedTotal)
	case "priority":
		return cmp.Compare(priorityRank[a.Priority], priorityRank[b.Priority])
	case "title":
		return cmp.Compare(a.Title, b.Title)
	}
	return a.CreatedAt.Compare(b.CreatedAt)
}

// UpdateRequest writes req under the version guard.
func (s *MemoryStore) UpdateRequest(_ context.Context, req model.ProcurementRequest) (model.ProcurementRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateRequestLocked(req)
}

func (s *MemoryStore) updateRequestLocked(req model.ProcurementRequest) (model.ProcurementRequest, error) {
	existing, ok := s.requests[req.ID]
	if !ok || existing.OrganizationID != req.OrganizationID {
		return model.ProcurementRequest{}, requestNotFound(req.ID)
	}
	if existing.Version != req.Version {
		return model.ProcurementRequest{}, model.NewConflictError(
			fmt.Sprintf("request %q version conflict (expected %d, got %d)", req.ID, req.Version, existing.Version),
		)
	}
	req.Version++
	req.UpdatedAt = s.now()
	req.CreatedAt = existing.CreatedAt
	s.requests[req.ID] = req
	return req, nil
}

// OpenRound updates the request and inserts steps in one critical section.
func (s *MemoryStore) OpenRound(_ context.Context, req model.ProcurementRequest, steps []model.ApprovalStep) (model.ProcurementRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, st := range steps {
		if _, exists := s.steps[st.ID]; exists {
			return model.ProcurementRequest{}, model.NewConflictError(fmt.Sprintf("approval step %q already exists", st.ID))
		}
	}
	updated, err := s.updateRequestLocked(req)
	if err != nil {
		return model.ProcurementRequest{}, err
	}
	for _, st := range steps {
		s.steps[st.ID] = st
	}
	return updated, nil
}

// GetStep retrieves an approval step scoped to orgID.
func (s *MemoryStore) GetStep(_ context.Context, orgID, stepID string) (model.ApprovalStep, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.steps[stepID]
	if !ok || st.OrganizationID != orgID {
		return model.ApprovalStep{}, stepNotFound(stepID)
	}
	return st, nil
}

// awaitingDecision reports whether st belongs to the open round of a
// request that still awaits approval. Callers hold s.mu.
func (s *MemoryStore) awaitingDecision(st model.ApprovalStep) bool {
	req, ok := s.requests[st.RequestID]
	if !ok || req.OrganizationID != st.OrganizationID || req.ApprovalRound != st.Round {
		return false
	}
	return req.Status == model.RequestSubmitted || req.Status == model.RequestUnderReview
}

// ListSteps filters, sorts and pages the approval steps of orgID.
func (s *MemoryStore) ListSteps(_ context.Context, orgID string, f model.ApprovalFilters) ([]model.ApprovalStep, int, error) {
	s.mu.RLock()
	var matched []model.ApprovalStep
	for _, st := range s.steps {
		if st.OrganizationID != orgID {
			continue
		}
		if f.ApproverID != "" && st.ApproverID != f.ApproverID {
			continue
		}
		if f.Status != "" && st.Status != f.Status {
			continue
		}
		if f.RequestID != "" && st.RequestID != f.RequestID {
			continue
		}
		if f.AwaitingDecision && !s.awaitingDecision(st) {
			continue
		}
		matched = append(matched, st)
	}
	s.mu.RUnlock()

	slices.SortFunc(matched, func(a, b model.ApprovalStep) int {
		var c int
		switch f.Sort {
		case "updated_at":
			c = a.UpdatedAt.Compare(b.UpdatedAt)
		case "step_order":
			c = cmp.Compare(a.StepOrder, b.StepOrder)
		case "status":
			c = cmp.Compare(a.Status, b.Status)
		default:
			c = a.CreatedAt.Compare(b.CreatedAt)
		}
		if c == 0 {
			c = cmp.Compare(a.ID, b.ID)
		}
		if f.Descending {
			return -c
		}
		return c
	})
	return page(matched, f.Offset, f.Limit), len(matched), nil
}

// RoundSteps returns one round's steps ordered by step_order.
func (s *MemoryStore) RoundSteps(_ context.Context, orgID, requestID string, round int) ([]model.ApprovalStep, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var steps []model.ApprovalStep
	for _, st := range s.steps {
		if st.OrganizationID == orgID && st.RequestID == requestID && st.Round == round {
			steps = append(steps, st)
		}
	}
	slices.SortFunc(steps, func(a, b model.ApprovalStep) int { return cmp.Compare(a.StepOrder, b.StepOrder) })
	return steps, nil
}

// UpdateStep writes step under the version guard.
func (s *MemoryStore) UpdateStep(_ context.Context, step model.ApprovalStep) (model.ApprovalStep, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.steps[step.ID]
	if !ok || existing.OrganizationID != step.OrganizationID {
		return model.ApprovalStep{}, stepNotFound(step.ID)
	}
	if existing.Version != step.Version {
		return model.ApprovalStep{}, model.NewConflictError(
			fmt.Sprintf("approval step %q version conflict (expected %d, got %d)", step.ID, step.Version, existing.Version),
		)
	}
	step.Version++
	step.UpdatedAt = s.now()
	step.CreatedAt = existing.CreatedAt
	s.steps[step.ID] = step
	return step, nil
}

// AppendActivity adds an activity entry.
func (s *MemoryStore) AppendActivity(_ context.Context, a model.RequestActivity) error {
	if s.FailActivity != nil {
		return s.FailActivity
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activities = append(s.activities, a)
	return nil
}

// ListActivity returns a request's trail oldest first.
func (s *MemoryStore) ListActivity(_ context.Context, orgID, requestID string) ([]model.RequestActivity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []model.RequestActivity{}
	for _, a := range s.activities {
		if a.OrganizationID == orgID && a.RequestID == requestID {
			out = append(out, a)
		}
	}
	slices.SortStableFunc(out, func(a, b model.RequestActivity) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, nil
}

var priorityRank = map[string]int{
	model.PriorityLow:    0,
	model.PriorityNormal: 1,
	model.PriorityHigh:   2,
	model.PriorityUrgent: 3,
}

func page[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

func requestNotFound(id string) error {
	return model.NewNotFoundError(fmt.Sprintf("procurement request %q not found", id))
}

func stepNotFound(id string) error {
	return model.NewNotFoundError(fmt.Sprintf("approval step %q not found", id))
}
