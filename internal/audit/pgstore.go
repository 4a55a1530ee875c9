package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pitabwire/procura/internal/storage"
	"github.com/pitabwire/procura/model"
)

// PgStore is a PostgreSQL-backed Store over audit_logs.
type PgStore struct {
	db storage.DB
}

// NewPgStore creates a PostgreSQL audit store.
func NewPgStore(db storage.DB) *PgStore {
	return &PgStore{db: db}
}

// Append inserts one audit row.
func (s *PgStore) Append(ctx context.Context, e model.AuditEntry) error {
	changesJSON, err := json.Marshal(e.Changes)
	if err != nil {
		return fmt.Errorf("marshal audit changes: %w", err)
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO audit_logs (
			id, organization_id, actor_id, action, resource_type, resource_id, changes, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID, e.OrganizationID, e.ActorID, e.Action, e.ResourceType, e.ResourceID, changesJSON, e.CreatedAt,
	)
	if err != nil {
		return storage.Classify(err, "insert audit log")
	}
	return nil
}

// List returns entries of orgID newest first.
func (s *PgStore) List(ctx context.Context, orgID string, f model.AuditFilters) ([]model.AuditEntry, int, error) {
	where := " WHERE organization_id = $1"
	args := []any{orgID}
	argIdx := 2

	for _, c := range []struct{ col, val string }{
		{"resource_type", f.ResourceType},
		{"resource_id", f.ResourceID},
		{"actor_id", f.ActorID},
	} {
		if c.val == "" {
			continue
		}
		where += fmt.Sprintf(" AND %s = $%d", c.col, argIdx)
		args = append(args, c.val)
		argIdx++
	}

	var total int
	if err := s.db.QueryRow(ctx, "SELECT count(*) FROM audit_logs"+where, args...).Scan(&total); err != nil {
		return nil, 0, storage.Classify(err, "count audit logs")
	}

	query := `SELECT id, organization_id, actor_id, action, resource_type, resource_id, changes, created_at
	          FROM audit_logs` + where + " ORDER BY created_at DESC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, f.Limit)
		argIdx++
	}
	if f.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, f.Offset)
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, storage.Classify(err, "query audit logs")
	}
	defer rows.Close()

	entries := []model.AuditEntry{}
	for rows.Next() {
		var e model.AuditEntry
		var changesJSON []byte
		if err := rows.Scan(&e.ID, &e.OrganizationID, &e.ActorID, &e.Action,
			&e.ResourceType, &e.ResourceID, &changesJSON, &e.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("scan audit log: %w", err)
		}
		if changesJSON != nil {
			_ = json.Unmarshal(changesJSON, &e.Changes)
		}
		entries = append(entries, e)
	}
	return entries, total, rows.Err()
}
