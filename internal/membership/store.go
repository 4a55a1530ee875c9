// Package membership resolves a user's role within an organization and keeps
// a short-lived cache of the answer in front of the store.
package membership

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pitabwire/procura/model"
)

// Store reads organization memberships.
type Store interface {
	// Get returns the membership of userID in orgID. Returns NOT_FOUND when
	// the user has no membership row in the organization.
	Get(ctx context.Context, orgID, userID string) (model.Membership, error)

	// ListActiveByRole returns active members of orgID holding role, ordered
	// by user id.
	ListActiveByRole(ctx context.Context, orgID string, role model.Role) ([]model.Membership, error)
}

// MemoryStore is an in-memory Store for tests and the memory driver.
type MemoryStore struct {
	mu      sync.RWMutex
	members map[string]model.Membership // key: org ID + "/" + user ID
}

// NewMemoryStore creates an empty in-memory membership store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{members: make(map[string]model.Membership)}
}

// Put adds or replaces a membership.
func (s *MemoryStore) Put(m model.Membership) {
	if m.Status == "" {
		m.Status = model.MembershipActive
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	s.members[m.OrganizationID+"/"+m.UserID] = m
	s.mu.Unlock()
}

// Get returns the membership of userID in orgID.
func (s *MemoryStore) Get(_ context.Context, orgID, userID string) (model.Membership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.members[orgID+"/"+userID]
	if !ok {
		return model.Membership{}, model.NewNotFoundError(
			fmt.Sprintf("membership of %q in %q not found", userID, orgID),
		)
	}
	return m, nil
}

// ListActiveByRole returns active members of orgID holding role.
func (s *MemoryStore) ListActiveByRole(_ context.Context, orgID string, role model.Role) ([]model.Membership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Membership
	for _, m := range s.members {
		if m.OrganizationID == orgID && m.Role == role && m.Active() {
			result = append(result, m)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].UserID < result[j].UserID })
	return result, nil
}
