package procurement

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pitabwire/procura/internal/storage"
	"github.com/pitabwire/procura/model"
)

const requestColumns = `id, organization_id, requester_id, title, description, category, priority,
	estimated_total, currency, status, approved_by, approved_at, rejected_reason,
	approval_round, created_at, updated_at, version`

const stepColumns = `id, organization_id, request_id, approver_id, step_order, round, status, notes,
	approved_at, decided_by, decided_at, created_at, updated_at, version`

// awaitingDecision keeps steps of the current round of a request that is
// still open for approval.
const awaitingDecision = ` AND EXISTS (
	SELECT 1 FROM procurement_requests r
	WHERE r.id = approval_steps.request_id
	  AND r.organization_id = approval_steps.organization_id
	  AND r.approval_round = approval_steps.round
	  AND r.status IN ('submitted', 'under_review'))`

// requestSortColumns maps allow-listed sort keys to SQL expressions.
var requestSortColumns = map[string]string{
	"created_at":      "created_at",
	"updated_at":      "updated_at",
	"estimated_total": "estimated_total",
	"title":           "title",
	"priority":        "CASE priority WHEN 'low' THEN 0 WHEN 'normal' THEN 1 WHEN 'high' THEN 2 ELSE 3 END",
}

var stepSortColumns = map[string]string{
	"created_at": "created_at",
	"updated_at": "updated_at",
	"step_order": "step_order",
	"status":     "status",
}

// PgStore is a PostgreSQL-backed Store using pgx/v5.
type PgStore struct {
	db storage.TxDB
}

// NewPgStore creates a PostgreSQL procurement store.
func NewPgStore(db storage.TxDB) *PgStore {
	return &PgStore{db: db}
}

// CreateRequest inserts a new request.
func (s *PgStore) CreateRequest(ctx context.Context, r model.ProcurementRequest) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO procurement_requests (`+requestColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		r.ID, r.OrganizationID, r.RequesterID, r.Title, r.Description, r.Category, r.Priority,
		r.EstimatedTotal, r.Currency, r.Status, r.ApprovedBy, r.ApprovedAt, r.RejectedReason,
		r.ApprovalRound, r.CreatedAt, r.UpdatedAt, r.Version,
	)
	return storage.Classify(err, "insert procurement request")
}

// GetRequest retrieves a request scoped to orgID.
func (s *PgStore) GetRequest(ctx context.Context, orgID, requestID string) (model.ProcurementRequest, error) {
	row := s.db.QueryRow(ctx, `SELECT `+requestColumns+`
		FROM procurement_requests WHERE id = $1 AND organization_id = $2`, requestID, orgID)
	r, err := scanRequest(row)
	if storage.IsNoRows(err) {
		return model.ProcurementRequest{}, requestNotFound(requestID)
	}
	if err != nil {
		return model.ProcurementRequest{}, storage.Classify(err, "query procurement request")
	}
	return r, nil
}

// ListRequests returns a page of requests of orgID.
func (s *PgStore) ListRequests(ctx context.Context, orgID string, f model.RequestFilters) ([]model.ProcurementRequest, int, error) {
	q := newQuery(orgID)
	q.eq("status", string(f.Status))
	q.eq("requester_id", f.RequesterID)
	q.eq("category", f.Category)

	var total int
	if err := s.db.QueryRow(ctx, "SELECT count(*) FROM procurement_requests"+q.where, q.args...).Scan(&total); err != nil {
		return nil, 0, storage.Classify(err, "count procurement requests")
	}

	sql := "SELECT " + requestColumns + " FROM procurement_requests" + q.where +
		q.orderBy(requestSortColumns, f.Sort, f.Descending) + q.page(f.Limit, f.Offset)
	rows, err := s.db.Query(ctx, sql, q.args...)
	if err != nil {
		return nil, 0, storage.Classify(err, "query procurement requests")
	}
	defer rows.Close()

	out := []model.ProcurementRequest{}
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan procurement request: %w", err)
		}
		out = append(out, r)
	}
	return out, total, rows.Err()
}

// UpdateRequest writes r under the version guard.
func (s *PgStore) UpdateRequest(ctx context.Context, r model.ProcurementRequest) (model.ProcurementRequest, error) {
	return updateRequest(ctx, s.db, r)
}

func updateRequest(ctx context.Context, db storage.DB, r model.ProcurementRequest) (model.ProcurementRequest, error) {
	row := db.QueryRow(ctx, `
		UPDATE procurement_requests SET
			title = $1, description = $2, category = $3, priority = $4,
			estimated_total = $5, currency = $6, status = $7,
			approved_by = $8, approved_at = $9, rejected_reason = $10,
			approval_round = $11, updated_at = $12, version = version + 1
		WHERE id = $13 AND organization_id = $14 AND version = $15
		RETURNING `+requestColumns,
		r.Title, r.Description, r.Category, r.Priority,
		r.EstimatedTotal, r.Currency, r.Status,
		r.ApprovedBy, r.ApprovedAt, r.RejectedReason,
		r.ApprovalRound, time.Now().UTC(),
		r.ID, r.OrganizationID, r.Version,
	)
	updated, err := scanRequest(row)
	if storage.IsNoRows(err) {
		return model.ProcurementRequest{}, model.NewConflictError(
			fmt.Sprintf("request %q version conflict (expected %d)", r.ID, r.Version),
		)
	}
	if err != nil {
		return model.ProcurementRequest{}, storage.Classify(err, "update procurement request")
	}
	return updated, nil
}

// OpenRound updates the request and inserts the round's steps in one
// transaction.
func (s *PgStore) OpenRound(ctx context.Context, r model.ProcurementRequest, steps []model.ApprovalStep) (model.ProcurementRequest, error) {
	var updated model.ProcurementRequest
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		var err error
		updated, err = updateRequest(ctx, tx, r)
		if err != nil {
			return err
		}
		batch := &pgx.Batch{}
		for _, st := range steps {
			batch.Queue(`INSERT INTO approval_steps (`+stepColumns+`)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
				st.ID, st.OrganizationID, st.RequestID, st.ApproverID, st.StepOrder, st.Round, st.Status, st.Notes,
				st.ApprovedAt, st.DecidedBy, st.DecidedAt, st.CreatedAt, st.UpdatedAt, st.Version,
			)
		}
		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		return model.ProcurementRequest{}, storage.Classify(err, "open approval round")
	}
	return updated, nil
}

// GetStep retrieves an approval step scoped to orgID.
func (s *PgStore) GetStep(ctx context.Context, orgID, stepID string) (model.ApprovalStep, error) {
	row := s.db.QueryRow(ctx, `SELECT `+stepColumns+`
		FROM approval_steps WHERE id = $1 AND organization_id = $2`, stepID, orgID)
	st, err := scanStep(row)
	if storage.IsNoRows(err) {
		return model.ApprovalStep{}, stepNotFound(stepID)
	}
	if err != nil {
		return model.ApprovalStep{}, storage.Classify(err, "query approval step")
	}
	return st, nil
}

// ListSteps returns a page of approval steps of orgID.
func (s *PgStore) ListSteps(ctx context.Context, orgID string, f model.ApprovalFilters) ([]model.ApprovalStep, int, error) {
	q := newQuery(orgID)
	q.eq("approver_id", f.ApproverID)
	q.eq("status", string(f.Status))
	q.eq("request_id", f.RequestID)
	if f.AwaitingDecision {
		q.where += awaitingDecision
	}

	var total int
	if err := s.db.QueryRow(ctx, "SELECT count(*) FROM approval_steps"+q.where, q.args...).Scan(&total); err != nil {
		return nil, 0, storage.Classify(err, "count approval steps")
	}

	sql := "SELECT " + stepColumns + " FROM approval_steps" + q.where +
		q.orderBy(stepSortColumns, f.Sort, f.Descending) + q.page(f.Limit, f.Offset)
	steps, err := s.querySteps(ctx, sql, q.args...)
	if err != nil {
		return nil, 0, err
	}
	return steps, total, nil
}

// RoundSteps returns one round's steps ordered by step_order.
func (s *PgStore) RoundSteps(ctx context.Context, orgID, requestID string, round int) ([]model.ApprovalStep, error) {
	return s.querySteps(ctx, `SELECT `+stepColumns+` FROM approval_steps
		WHERE organization_id = $1 AND request_id = $2 AND round = $3
		ORDER BY step_order`, orgID, requestID, round)
}

func (s *PgStore) querySteps(ctx context.Context, sql string, args ...any) ([]model.ApprovalStep, error) {
	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, storage.Classify(err, "query approval steps")
	}
	defer rows.Close()

	out := []model.ApprovalStep{}
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("scan approval step: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// UpdateStep writes st under the version guard.
func (s *PgStore) UpdateStep(ctx context.Context, st model.ApprovalStep) (model.ApprovalStep, error) {
	row := s.db.QueryRow(ctx, `
		UPDATE approval_steps SET
			approver_id = $1, status = $2, notes = $3, approved_at = $4,
			decided_by = $5, decided_at = $6, updated_at = $7, version = version + 1
		WHERE id = $8 AND organization_id = $9 AND version = $10
		RETURNING `+stepColumns,
		st.ApproverID, st.Status, st.Notes, st.ApprovedAt,
		st.DecidedBy, st.DecidedAt, time.Now().UTC(),
		st.ID, st.OrganizationID, st.Version,
	)
	updated, err := scanStep(row)
	if storage.IsNoRows(err) {
		return model.ApprovalStep{}, model.NewConflictError(
			fmt.Sprintf("approval step %q version conflict (expected %d)", st.ID, st.Version),
		)
	}
	if err != nil {
		return model.ApprovalStep{}, storage.Classify(err, "update approval step")
	}
	return updated, nil
}

// AppendActivity inserts one activity row.
func (s *PgStore) AppendActivity(ctx context.Context, a model.RequestActivity) error {
	metaJSON, err := json.Marshal(a.Metadata)
	if err != nil {
		return fmt.Errorf("marshal activity metadata: %w", err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO request_activities (
			id, organization_id, request_id, user_id, action, description, metadata, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		a.ID, a.OrganizationID, a.RequestID, a.UserID, a.Action, a.Description, metaJSON, a.CreatedAt,
	)
	return storage.Classify(err, "insert request activity")
}

// ListActivity returns a request's trail oldest first.
func (s *PgStore) ListActivity(ctx context.Context, orgID, requestID string) ([]model.RequestActivity, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, organization_id, request_id, user_id, action, description, metadata, created_at
		FROM request_activities
		WHERE organization_id = $1 AND request_id = $2
		ORDER BY created_at ASC, id ASC`, orgID, requestID)
	if err != nil {
		return nil, storage.Classify(err, "query request activities")
	}
	defer rows.Close()

	out := []model.RequestActivity{}
	for rows.Next() {
		var a model.RequestActivity
		var metaJSON []byte
		if err := rows.Scan(&a.ID, &a.OrganizationID, &a.RequestID, &a.UserID,
			&a.Action, &a.Description, &metaJSON, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan request activity: %w", err)
		}
		if metaJSON != nil {
			_ = json.Unmarshal(metaJSON, &a.Metadata)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanRequest(row pgx.Row) (model.ProcurementRequest, error) {
	var r model.ProcurementRequest
	err := row.Scan(
		&r.ID, &r.OrganizationID, &r.RequesterID, &r.Title, &r.Description, &r.Category, &r.Priority,
		&r.EstimatedTotal, &r.Currency, &r.Status, &r.ApprovedBy, &r.ApprovedAt, &r.RejectedReason,
		&r.ApprovalRound, &r.CreatedAt, &r.UpdatedAt, &r.Version,
	)
	return r, err
}

func scanStep(row pgx.Row) (model.ApprovalStep, error) {
	var st model.ApprovalStep
	err := row.Scan(
		&st.ID, &st.OrganizationID, &st.RequestID, &st.ApproverID, &st.StepOrder, &st.Round, &st.Status, &st.Notes,
		&st.ApprovedAt, &st.DecidedBy, &st.DecidedAt, &st.CreatedAt, &st.UpdatedAt, &st.Version,
	)
	return st, err
}

// query accumulates an org-scoped WHERE clause with positional arguments.
type query struct {
	where string
	args  []any
}

func newQuery(orgID string) *query {
	return &query{where: " WHERE organization_id = $1", args: []any{orgID}}
}

func (q *query) eq(col, val string) {
	if val == "" {
		return
	}
	q.args = append(q.args, val)
	q.where += fmt.Sprintf(" AND %s = $%d", col, len(q.args))
}

// orderBy only ever emits expressions from columns, so field never reaches
// the SQL text.
func (q *query) orderBy(columns map[string]string, field string, desc bool) string {
	col, ok := columns[field]
	if !ok {
		col = "created_at"
	}
	dir := " ASC"
	if desc {
		dir = " DESC"
	}
	return " ORDER BY " + col + dir + ", id" + dir
}

func (q *query) page(limit, offset int) string {
	var s string
	if limit > 0 {
		q.args = append(q.args, limit)
		s += fmt.Sprintf(" LIMIT $%d", len(q.args))
	}
	if offset > 0 {
		q.args = append(q.args, offset)
		s += fmt.Sprintf(" OFFSET $%d", len(q.args))
	}
	return s
}
