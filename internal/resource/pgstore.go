package resource

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pitabwire/procura/internal/storage"
	"github.com/pitabwire/procura/model"
)

// PgStore is a PostgreSQL-backed Store. Table and column names come from
// validated definitions and are still quoted with pgx.Identifier.
type PgStore struct {
	db storage.DB
}

// NewPgStore creates a PostgreSQL resource store.
func NewPgStore(db storage.DB) *PgStore {
	return &PgStore{db: db}
}

// Create inserts rec.
func (s *PgStore) Create(ctx context.Context, def model.ResourceDefinition, rec model.Record) error {
	cols := columnNames(def)
	args := make([]any, 0, len(cols))
	args = append(args, rec.ID, rec.OrganizationID)
	for _, f := range def.Fields {
		args = append(args, toColumn(f, rec.Attributes[f.Name]))
	}
	args = append(args, rec.CreatedBy, rec.CreatedAt, rec.UpdatedAt, rec.Version)

	placeholders := make([]string, len(cols))
	for i := range cols {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}

	_, err := s.db.Exec(ctx, fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		ident(def.Table), strings.Join(cols, ", "), strings.Join(placeholders, ", ")), args...)
	return storage.Classify(err, "insert "+def.Name)
}

// Get retrieves one record scoped to orgID.
func (s *PgStore) Get(ctx context.Context, def model.ResourceDefinition, orgID, id string) (model.Record, error) {
	recs, err := s.query(ctx, def, fmt.Sprintf("SELECT %s FROM %s WHERE id = $1 AND organization_id = $2",
		strings.Join(columnNames(def), ", "), ident(def.Table)), id, orgID)
	if err != nil {
		return model.Record{}, err
	}
	if len(recs) == 0 {
		return model.Record{}, notFound(def, id)
	}
	return recs[0], nil
}

// List returns one page of records of orgID and the total match count.
func (s *PgStore) List(ctx context.Context, def model.ResourceDefinition, orgID string, q model.RecordQuery) ([]model.Record, int, error) {
	where := " WHERE organization_id = $1"
	args := []any{orgID}
	for _, name := range sortedKeys(q.Filters) {
		f, ok := def.Field(name)
		if !ok {
			return nil, 0, model.NewBadRequestError(fmt.Sprintf("unknown filter %q", name))
		}
		v := toColumn(f, q.Filters[name])
		if v == nil {
			where += fmt.Sprintf(" AND %s IS NULL", ident(name))
			continue
		}
		args = append(args, v)
		where += fmt.Sprintf(" AND %s = $%d", ident(name), len(args))
	}

	var total int
	if err := s.db.QueryRow(ctx, "SELECT count(*) FROM "+ident(def.Table)+where, args...).Scan(&total); err != nil {
		return nil, 0, storage.Classify(err, "count "+def.Name)
	}

	sql := fmt.Sprintf("SELECT %s FROM %s%s%s", strings.Join(columnNames(def), ", "), ident(def.Table), where,
		orderBy(def, q.Sort, q.Descending))
	if q.Limit > 0 {
		args = append(args, q.Limit)
		sql += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if q.Offset > 0 {
		args = append(args, q.Offset)
		sql += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	recs, err := s.query(ctx, def, sql, args...)
	if err != nil {
		return nil, 0, err
	}
	return recs, total, nil
}

// Update overwrites every field column under the version guard.
func (s *PgStore) Update(ctx context.Context, def model.ResourceDefinition, rec model.Record) (model.Record, error) {
	sets := make([]string, 0, len(def.Fields)+2)
	args := make([]any, 0, len(def.Fields)+4)
	for _, f := range def.Fields {
		args = append(args, toColumn(f, rec.Attributes[f.Name]))
		sets = append(sets, fmt.Sprintf("%s = $%d", ident(f.Name), len(args)))
	}
	args = append(args, time.Now().UTC())
	sets = append(sets, fmt.Sprintf("updated_at = $%d", len(args)), "version = version + 1")
	args = append(args, rec.ID, rec.OrganizationID, rec.Version)
	n := len(args)

	recs, err := s.query(ctx, def, fmt.Sprintf("UPDATE %s SET %s WHERE id = $%d AND organization_id = $%d AND version = $%d RETURNING %s",
		ident(def.Table), strings.Join(sets, ", "), n-2, n-1, n, strings.Join(columnNames(def), ", ")), args...)
	if err != nil {
		return model.Record{}, err
	}
	if len(recs) == 0 {
		if _, getErr := s.Get(ctx, def, rec.OrganizationID, rec.ID); getErr != nil {
			return model.Record{}, getErr
		}
		return model.Record{}, model.NewConflictError(
			fmt.Sprintf("%s %q version conflict (expected %d)", def.Name, rec.ID, rec.Version),
		)
	}
	return recs[0], nil
}

// Delete removes one record scoped to orgID.
func (s *PgStore) Delete(ctx context.Context, def model.ResourceDefinition, orgID, id string) error {
	tag, err := s.db.Exec(ctx, "DELETE FROM "+ident(def.Table)+" WHERE id = $1 AND organization_id = $2", id, orgID)
	if err != nil {
		return storage.Classify(err, "delete "+def.Name)
	}
	if tag.RowsAffected() == 0 {
		return notFound(def, id)
	}
	return nil
}

func (s *PgStore) query(ctx context.Context, def model.ResourceDefinition, sql string, args ...any) ([]model.Record, error) {
	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, storage.Classify(err, "query "+def.Name)
	}
	rowMaps, err := pgx.CollectRows(rows, pgx.RowToMap)
	if err != nil {
		return nil, storage.Classify(err, "scan "+def.Name)
	}

	out := make([]model.Record, 0, len(rowMaps))
	for _, m := range rowMaps {
		rec, err := recordFromRow(def, m)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", def.Name, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

func recordFromRow(def model.ResourceDefinition, m map[string]any) (model.Record, error) {
	rec := model.Record{Attributes: make(map[string]any, len(def.Fields))}
	var ok bool
	if rec.ID, ok = m["id"].(string); !ok {
		return rec, fmt.Errorf("id column has type %T", m["id"])
	}
	rec.OrganizationID, _ = m["organization_id"].(string)
	rec.CreatedBy, _ = m["created_by"].(string)
	rec.CreatedAt, _ = m["created_at"].(time.Time)
	rec.UpdatedAt, _ = m["updated_at"].(time.Time)
	if n, ok := toFloat(m["version"]); ok {
		rec.Version = int(n)
	}
	for _, f := range def.Fields {
		rec.Attributes[f.Name] = fromColumn(f, m[f.Name])
	}
	return rec, nil
}

// toColumn converts a canonical attribute value into the value bound for
// the field's column.
func toColumn(f model.FieldDefinition, v any) any {
	if v == nil {
		return nil
	}
	if f.Type == model.FieldDate {
		if s, ok := v.(string); ok {
			if d, err := time.Parse(DateLayout, s); err == nil {
				return d
			}
		}
	}
	return v
}

// fromColumn converts a scanned column value into the canonical attribute
// type.
func fromColumn(f model.FieldDefinition, v any) any {
	if v == nil {
		return nil
	}
	switch f.Type {
	case model.FieldDate:
		if d, ok := v.(time.Time); ok {
			return d.Format(DateLayout)
		}
	case model.FieldDateTime:
		if ts, ok := v.(time.Time); ok {
			return ts.UTC()
		}
	case model.FieldInteger:
		if n, ok := toFloat(v); ok {
			return int64(n)
		}
	case model.FieldNumber:
		if n, ok := toFloat(v); ok {
			return n
		}
	case model.FieldStringList:
		if items, ok := v.([]any); ok {
			out := make([]string, 0, len(items))
			for _, item := range items {
				if s, ok := item.(string); ok {
					out = append(out, s)
				}
			}
			return out
		}
	}
	return v
}

func columnNames(def model.ResourceDefinition) []string {
	cols := make([]string, 0, len(def.Fields)+6)
	cols = append(cols, "id", "organization_id")
	for _, f := range def.Fields {
		cols = append(cols, ident(f.Name))
	}
	return append(cols, "created_by", "created_at", "updated_at", "version")
}

// orderBy only emits columns the definition declares sortable.
func orderBy(def model.ResourceDefinition, field string, desc bool) string {
	col := "created_at"
	if field == "updated_at" || (field != "" && slices.Contains(def.Sortable, field)) {
		col = ident(field)
	}
	dir := " ASC"
	if desc {
		dir = " DESC"
	}
	return " ORDER BY " + col + dir + ", id" + dir
}

func ident(name string) string {
	return pgx.Identifier{name}.Sanitize()
}
