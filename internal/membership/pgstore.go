package membership

import (
	"context"
	"fmt"

	"github.com/pitabwire/procura/internal/storage"
	"github.com/pitabwire/procura/model"
)

// PgStore is a PostgreSQL-backed Store over organization_members.
type PgStore struct {
	db storage.DB
}

// NewPgStore creates a PostgreSQL membership store.
func NewPgStore(db storage.DB) *PgStore {
	return &PgStore{db: db}
}

// Get returns the membership of userID in orgID.
func (s *PgStore) Get(ctx context.Context, orgID, userID string) (model.Membership, error) {
	var m model.Membership
	err := s.db.QueryRow(ctx, `
		SELECT organization_id, user_id, role, status, created_at
		FROM organization_members
		WHERE organization_id = $1 AND user_id = $2`,
		orgID, userID,
	).Scan(&m.OrganizationID, &m.UserID, &m.Role, &m.Status, &m.CreatedAt)
	if storage.IsNoRows(err) {
		return model.Membership{}, model.NewNotFoundError(
			fmt.Sprintf("membership of %q in %q not found", userID, orgID),
		)
	}
	if err != nil {
		return model.Membership{}, storage.Classify(err, "query membership")
	}
	return m, nil
}

// ListActiveByRole returns active members of orgID holding role.
func (s *PgStore) ListActiveByRole(ctx context.Context, orgID string, role model.Role) ([]model.Membership, error) {
	rows, err := s.db.Query(ctx, `
		SELECT organization_id, user_id, role, status, created_at
		FROM organization_members
		WHERE organization_id = $1 AND role = $2 AND status = 'active'
		ORDER BY user_id ASC`,
		orgID, role,
	)
	if err != nil {
		return nil, storage.Classify(err, "query members by role")
	}
	defer rows.Close()

	var result []model.Membership
	for rows.Next() {
		var m model.Membership
		if err := rows.Scan(&m.OrganizationID, &m.UserID, &m.Role, &m.Status, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan membership: %w", err)
		}
		result = append(result, m)
	}
	return result, rows.Err()
}
