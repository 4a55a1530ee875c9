package resource

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/pitabwire/procura/internal/audit"
	"github.com/pitabwire/procura/internal/definition"
	"github.com/pitabwire/procura/internal/notify"
	"github.com/pitabwire/procura/internal/observability"
	"github.com/pitabwire/procura/internal/validation"
	"github.com/pitabwire/procura/model"
)

// versionKey is accepted in write bodies alongside the fields and selects
// the version the caller last read.
const versionKey = "version"

// ListInput selects a page of records. Page is 1-based.
type ListInput struct {
	Page       int
	PageSize   int
	Sort       string
	Descending bool
	// Filters hold raw query-string values keyed by field name.
	Filters map[string]string
}

// Service runs org-scoped CRUD over every registered definition.
type Service struct {
	registry    *definition.Registry
	store       Store
	audit       *audit.Recorder
	events      notify.Publisher
	metrics     *observability.Metrics
	logger      *zap.Logger
	maxPageSize int

	now   func() time.Time
	newID func() string
}

// NewService creates a resource service. auditor, events and metrics may
// be nil. maxPageSize caps ListInput.PageSize.
func NewService(registry *definition.Registry, store Store, auditor *audit.Recorder, events notify.Publisher,
	metrics *observability.Metrics, logger *zap.Logger, maxPageSize int) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if events == nil {
		events = notify.Nop{}
	}
	if maxPageSize <= 0 {
		maxPageSize = 100
	}
	return &Service{
		registry:    registry,
		store:       store,
		audit:       auditor,
		events:      events,
		metrics:     metrics,
		logger:      logger,
		maxPageSize: maxPageSize,
		now:         func() time.Time { return time.Now().UTC() },
		newID:       func() string { return uuid.New().String() },
	}
}

// Definition resolves a URL path segment to its definition.
func (s *Service) Definition(path string) (model.ResourceDefinition, error) {
	def, ok := s.registry.ByPath(path)
	if !ok {
		return model.ResourceDefinition{}, model.NewNotFoundError(fmt.Sprintf("resource %q not found", path))
	}
	return def, nil
}

// List returns one page of records visible to the caller.
func (s *Service) List(ctx context.Context, ac *model.AuthContext, def model.ResourceDefinition, in ListInput) (page model.Page[model.Record], err error) {
	ctx, span := observability.StartSpan(ctx, "resource.list", observability.AttrResource.String(def.Name))
	defer func() { s.finish(span, def, "list", err) }()

	if !mayRead(ac, def) {
		return page, model.NewForbiddenError(fmt.Sprintf("role %q may not read %s", ac.Role, def.Name))
	}

	if in.Page < 1 {
		in.Page = 1
	}
	switch {
	case in.PageSize < 1:
		in.PageSize = 20
	case in.PageSize > s.maxPageSize:
		in.PageSize = s.maxPageSize
	}

	q := model.RecordQuery{
		Sort:       in.Sort,
		Descending: in.Descending,
		Limit:      in.PageSize,
		Offset:     (in.Page - 1) * in.PageSize,
	}
	if q.Sort == "" {
		q.Sort = def.DefaultSort
	}
	if !sortable(def, q.Sort) {
		return page, model.NewFieldError("sort", "ONEOF", fmt.Sprintf("cannot sort %s by %q", def.Name, q.Sort))
	}

	if len(in.Filters) > 0 {
		q.Filters = make(map[string]any, len(in.Filters))
		for name, raw := range in.Filters {
			f, ok := def.Field(name)
			if !ok || !filterable(def, name) {
				return page, model.NewFieldError(name, "FILTER", fmt.Sprintf("cannot filter %s by %q", def.Name, name))
			}
			v, err := ParseFilter(f, raw)
			if err != nil {
				return page, err
			}
			q.Filters[name] = v
		}
	}

	recs, total, err := s.store.List(ctx, def, ac.OrgID, q)
	if err != nil {
		return page, err
	}
	for i := range recs {
		recs[i] = present(def, recs[i])
	}
	return model.Page[model.Record]{Data: recs, TotalCount: total, Page: in.Page, PageSize: in.PageSize}, nil
}

// Get returns one record visible to the caller.
func (s *Service) Get(ctx context.Context, ac *model.AuthContext, def model.ResourceDefinition, id string) (rec model.Record, err error) {
	ctx, span := observability.StartSpan(ctx, "resource.get", observability.AttrResource.String(def.Name))
	defer func() { s.finish(span, def, "get", err) }()

	if !mayRead(ac, def) {
		return rec, model.NewForbiddenError(fmt.Sprintf("role %q may not read %s", ac.Role, def.Name))
	}
	rec, err = s.store.Get(ctx, def, ac.OrgID, id)
	if err != nil {
		return model.Record{}, err
	}
	return present(def, rec), nil
}

// Create validates body and stores a new record.
func (s *Service) Create(ctx context.Context, ac *model.AuthContext, def model.ResourceDefinition, body map[string]any) (rec model.Record, err error) {
	ctx, span := observability.StartSpan(ctx, "resource.create", observability.AttrResource.String(def.Name))
	defer func() { s.finish(span, def, "create", err) }()

	if !ac.HasRole(def.WriteRoles...) {
		return rec, model.NewForbiddenError(fmt.Sprintf("role %q may not write %s", ac.Role, def.Name))
	}
	body = maps.Clone(body)
	delete(body, versionKey)

	attrs, err := Normalize(def, body, ModeCreate, nil)
	if err != nil {
		return rec, err
	}
	if err := s.checkReferences(ctx, ac, def, attrs); err != nil {
		return rec, err
	}

	now := s.now()
	rec = model.Record{
		ID:             s.newID(),
		OrganizationID: ac.OrgID,
		Attributes:     attrs,
		CreatedBy:      ac.UserID,
		CreatedAt:      now,
		UpdatedAt:      now,
		Version:        1,
	}
	if err := s.store.Create(ctx, def, rec); err != nil {
		return model.Record{}, err
	}

	s.audit.Record(ctx, ac, audit.ActionCreate, def.Name, rec.ID, attrs, sensitiveFields(def))
	s.publish(ctx, ac, def, "created", rec.ID, attrs)
	return present(def, rec), nil
}

// Replace is a PUT: every mutable field is rewritten from body.
func (s *Service) Replace(ctx context.Context, ac *model.AuthContext, def model.ResourceDefinition, id string, body map[string]any) (model.Record, error) {
	return s.write(ctx, ac, def, id, body, ModeReplace)
}

// Patch rewrites only the fields present in body.
func (s *Service) Patch(ctx context.Context, ac *model.AuthContext, def model.ResourceDefinition, id string, body map[string]any) (model.Record, error) {
	return s.write(ctx, ac, def, id, body, ModePatch)
}

func (s *Service) write(ctx context.Context, ac *model.AuthContext, def model.ResourceDefinition, id string,
	body map[string]any, mode Mode) (rec model.Record, err error) {
	op, action := "patch", audit.ActionUpdate
	if mode == ModeReplace {
		op, action = "replace", audit.ActionReplace
	}
	ctx, span := observability.StartSpan(ctx, "resource."+op, observability.AttrResource.String(def.Name))
	defer func() { s.finish(span, def, op, err) }()

	if !ac.HasRole(def.WriteRoles...) {
		return rec, model.NewForbiddenError(fmt.Sprintf("role %q may not write %s", ac.Role, def.Name))
	}

	body = maps.Clone(body)
	expected, hasVersion, err := bodyVersion(body)
	if err != nil {
		return rec, err
	}

	current, err := s.store.Get(ctx, def, ac.OrgID, id)
	if err != nil {
		return rec, err
	}
	if hasVersion && expected != current.Version {
		return rec, model.NewConflictError(
			fmt.Sprintf("%s %q version conflict (expected %d, got %d)", def.Name, id, expected, current.Version),
		)
	}

	changes, err := Normalize(def, body, mode, current.Attributes)
	if err != nil {
		return rec, err
	}
	if err := s.checkReferences(ctx, ac, def, changes); err != nil {
		return rec, err
	}

	next := current
	next.Attributes = maps.Clone(current.Attributes)
	maps.Copy(next.Attributes, changes)

	updated, err := s.store.Update(ctx, def, next)
	if err != nil {
		return rec, err
	}

	s.audit.Record(ctx, ac, action, def.Name, id, changes, sensitiveFields(def))
	s.publish(ctx, ac, def, "updated", id, changes)
	return present(def, updated), nil
}

// Delete removes one record.
func (s *Service) Delete(ctx context.Context, ac *model.AuthContext, def model.ResourceDefinition, id string) (err error) {
	ctx, span := observability.StartSpan(ctx, "resource.delete", observability.AttrResource.String(def.Name))
	defer func() { s.finish(span, def, "delete", err) }()

	roles := def.DeleteRoles
	if len(roles) == 0 {
		roles = def.WriteRoles
	}
	if !ac.HasRole(roles...) {
		return model.NewForbiddenError(fmt.Sprintf("role %q may not delete %s", ac.Role, def.Name))
	}
	if err := s.checkUnreferenced(ctx, ac, def, id); err != nil {
		return err
	}
	if err := s.store.Delete(ctx, def, ac.OrgID, id); err != nil {
		return err
	}

	s.audit.Record(ctx, ac, audit.ActionDelete, def.Name, id, nil, nil)
	s.publish(ctx, ac, def, "deleted", id, nil)
	return nil
}

// checkReferences confirms that every reference field in attrs names a
// record of the caller's organization. An id of another organization fails
// exactly like a missing one.
func (s *Service) checkReferences(ctx context.Context, ac *model.AuthContext, def model.ResourceDefinition, attrs map[string]any) error {
	var details []model.FieldError
	for _, f := range def.Fields {
		id, _ := attrs[f.Name].(string)
		if f.References == "" || id == "" {
			continue
		}
		target, ok := s.registry.Get(f.References)
		if !ok {
			return fmt.Errorf("%s.%s references unregistered resource %q", def.Name, f.Name, f.References)
		}
		_, err := s.store.Get(ctx, target, ac.OrgID, id)
		switch {
		case model.HasCode(err, model.ErrNotFound):
			details = append(details, validation.FieldError(f.Name, "exists", f.References))
		case err != nil:
			return err
		}
	}
	if len(details) > 0 {
		return model.NewValidationError(details)
	}
	return nil
}

// checkUnreferenced refuses to delete a record that records of the same
// organization still point at. It answers like a foreign key violation.
func (s *Service) checkUnreferenced(ctx context.Context, ac *model.AuthContext, def model.ResourceDefinition, id string) error {
	for _, other := range s.registry.All() {
		for _, f := range other.Fields {
			if f.References != def.Name {
				continue
			}
			_, n, err := s.store.List(ctx, other, ac.OrgID, model.RecordQuery{Filters: map[string]any{f.Name: id}, Limit: 1})
			if err != nil {
				return err
			}
			if n > 0 {
				return model.NewUpstreamError(nil, true,
					fmt.Sprintf("%s %q is still referenced by %s.%s", def.Name, id, other.Name, f.Name))
			}
		}
	}
	return nil
}

// finish ends span and counts the operation. Validation failures are
// counted separately.
func (s *Service) finish(span trace.Span, def model.ResourceDefinition, op string, err error) {
	observability.EndSpanWithError(span, err)
	s.metrics.RecordResourceOperation(def.Name, op, operationResult(err))
	if model.HasCode(err, model.ErrValidationError) {
		s.metrics.RecordValidationFailure(def.Name)
	}
}

func (s *Service) publish(ctx context.Context, ac *model.AuthContext, def model.ResourceDefinition, verb, id string, data map[string]any) {
	if !def.Events {
		return
	}
	event := notify.NewEvent(ac, def.Name+"."+verb, def.Name, id, observability.RedactBody(data, sensitiveFields(def)))
	if err := s.events.Publish(ctx, event); err != nil {
		observability.RequestLogger(ctx, s.logger).Warn("event publish failed",
			zap.String("event_type", event.Type),
			zap.String("resource_id", id),
			zap.Error(err),
		)
	}
}

func operationResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case model.HasCode(err, model.ErrForbidden):
		return "forbidden"
	case model.HasCode(err, model.ErrNotFound):
		return "not_found"
	case model.HasCode(err, model.ErrConflict):
		return "conflict"
	case model.HasCode(err, model.ErrValidationError), model.HasCode(err, model.ErrUpstreamRejected):
		return "invalid"
	}
	return "error"
}

func mayRead(ac *model.AuthContext, def model.ResourceDefinition) bool {
	return len(def.ReadRoles) == 0 || ac.HasRole(def.ReadRoles...)
}

func sortable(def model.ResourceDefinition, field string) bool {
	switch field {
	case "", "created_at", "updated_at":
		return true
	}
	return slices.Contains(def.Sortable, field)
}

func filterable(def model.ResourceDefinition, field string) bool {
	return slices.Contains(def.Filterable, field)
}

func sensitiveFields(def model.ResourceDefinition) []string {
	var out []string
	for _, f := range def.Fields {
		if f.Sensitive || f.WriteOnly {
			out = append(out, f.Name)
		}
	}
	return out
}

// present strips write-only values from a record leaving the service.
func present(def model.ResourceDefinition, rec model.Record) model.Record {
	for _, f := range def.Fields {
		if f.WriteOnly {
			delete(rec.Attributes, f.Name)
		}
	}
	return rec
}

// bodyVersion removes the version key from body. JSON numbers decode as
// float64.
func bodyVersion(body map[string]any) (int, bool, error) {
	raw, ok := body[versionKey]
	if !ok {
		return 0, false, nil
	}
	delete(body, versionKey)
	n, ok := toFloat(raw)
	if !ok || n != float64(int(n)) || n < 1 {
		return 0, false, model.NewFieldError(versionKey, "TYPE", "must be a positive integer")
	}
	return int(n), true, nil
}
