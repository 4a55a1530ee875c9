package procurement

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/procura/internal/audit"
	"github.com/pitabwire/procura/internal/notify"
	"github.com/pitabwire/procura/internal/observability"
	"github.com/pitabwire/procura/internal/validation"
	"github.com/pitabwire/procura/model"
)

const (
	resourceRequest = "procurement_request"
	resourceStep    = "approval_step"
)

// CreateInput is the body of a new procurement request.
type CreateInput struct {
	Title          string  `json:"title"           validate:"required,max=200"`
	Description    string  `json:"description"     validate:"max=5000"`
	Category       string  `json:"category"        validate:"required,max=100"`
	Priority       string  `json:"priority"        validate:"omitempty,oneof=low normal high urgent"`
	EstimatedTotal float64 `json:"estimated_total" validate:"gte=0"`
	Currency       string  `json:"currency"        validate:"required,len=3,uppercase"`
}

// UpdateInput patches a draft request. Absent fields are left unchanged.
// When Version is set it must match the stored version.
type UpdateInput struct {
	Title          *string  `json:"title"           validate:"omitnil,min=1,max=200"`
	Description    *string  `json:"description"     validate:"omitnil,max=5000"`
	Category       *string  `json:"category"        validate:"omitnil,min=1,max=100"`
	Priority       *string  `json:"priority"        validate:"omitnil,oneof=low normal high urgent"`
	EstimatedTotal *float64 `json:"estimated_total" validate:"omitnil,gte=0"`
	Currency       *string  `json:"currency"        validate:"omitnil,len=3,uppercase"`
	Version        *int     `json:"version"`
}

// TransitionInput requests a lifecycle move. Approvers is only read by
// submit and overrides the routing rules.
type TransitionInput struct {
	Event     model.RequestEvent `json:"event"     validate:"required"`
	Reason    string             `json:"reason"    validate:"max=2000"`
	Approvers []string           `json:"approvers" validate:"omitempty,max=20"`
}

// Service runs the procurement request lifecycle and the approval
// workflow on top of a Store.
type Service struct {
	store   Store
	router  *Router
	members MemberDirectory
	audit   *audit.Recorder
	events  notify.Publisher
	metrics *observability.Metrics
	logger  *zap.Logger

	now   func() time.Time
	newID func() string
}

// NewService creates a procurement service. auditor, events and metrics
// may be nil.
func NewService(store Store, router *Router, members MemberDirectory, auditor *audit.Recorder,
	events notify.Publisher, metrics *observability.Metrics, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if events == nil {
		events = notify.Nop{}
	}
	if router == nil {
		router = &Router{members: members}
	}
	return &Service{
		store:   store,
		router:  router,
		members: members,
		audit:   auditor,
		events:  events,
		metrics: metrics,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
		newID:   func() string { return uuid.New().String() },
	}
}

// Create stores a new draft request owned by the caller.
func (s *Service) Create(ctx context.Context, ac *model.AuthContext, in CreateInput) (model.ProcurementRequest, error) {
	if ac.Role == model.RoleViewer {
		return model.ProcurementRequest{}, model.NewForbiddenError("viewers cannot create procurement requests")
	}
	if err := validation.Struct(in); err != nil {
		return model.ProcurementRequest{}, err
	}
	if in.Priority == "" {
		in.Priority = model.PriorityNormal
	}

	now := s.now()
	req := model.ProcurementRequest{
		ID:             s.newID(),
		OrganizationID: ac.OrgID,
		RequesterID:    ac.UserID,
		Title:          in.Title,
		Description:    in.Description,
		Category:       in.Category,
		Priority:       in.Priority,
		EstimatedTotal: in.EstimatedTotal,
		Currency:       in.Currency,
		Status:         model.RequestDraft,
		CreatedAt:      now,
		UpdatedAt:      now,
		Version:        1,
	}
	if err := s.store.CreateRequest(ctx, req); err != nil {
		return model.ProcurementRequest{}, err
	}

	s.appendActivity(ctx, ac, req.ID, model.ActivityCreated, "request created", nil)
	s.audit.Record(ctx, ac, audit.ActionCreate, resourceRequest, req.ID, requestChanges(req), nil)
	s.publish(ctx, ac, "request.created", resourceRequest, req.ID, requestChanges(req))
	return req, nil
}

// Get returns one request of the caller's organization.
func (s *Service) Get(ctx context.Context, ac *model.AuthContext, id string) (model.ProcurementRequest, error) {
	return s.store.GetRequest(ctx, ac.OrgID, id)
}

// List returns a page of requests of the caller's organization.
func (s *Service) List(ctx context.Context, ac *model.AuthContext, f model.RequestFilters) ([]model.ProcurementRequest, int, error) {
	if f.Sort != "" && !slices.Contains(model.RequestSortFields, f.Sort) {
		return nil, 0, sortError(f.Sort, model.RequestSortFields)
	}
	if f.Status != "" && !f.Status.Valid() {
		return nil, 0, model.NewFieldError("status", "ONEOF", fmt.Sprintf("unknown status %q", f.Status))
	}
	return s.store.ListRequests(ctx, ac.OrgID, f)
}

// Update patches a draft request. Only the requester or an elevated role
// may edit it.
func (s *Service) Update(ctx context.Context, ac *model.AuthContext, id string, in UpdateInput) (model.ProcurementRequest, error) {
	if err := validation.Struct(in); err != nil {
		return model.ProcurementRequest{}, err
	}
	req, err := s.store.GetRequest(ctx, ac.OrgID, id)
	if err != nil {
		return model.ProcurementRequest{}, err
	}
	if req.RequesterID != ac.UserID && !ac.IsElevated() {
		return model.ProcurementRequest{}, model.NewForbiddenError("only the requester or a manager may edit this request")
	}
	if req.Status != model.RequestDraft {
		return model.ProcurementRequest{}, &model.ErrorEnvelope{
			Code:    model.ErrInvalidTransition,
			Message: fmt.Sprintf("request in status %q can no longer be edited", req.Status),
		}
	}
	if in.Version != nil && *in.Version != req.Version {
		return model.ProcurementRequest{}, model.NewConflictError(
			fmt.Sprintf("request %q version conflict (expected %d, got %d)", id, *in.Version, req.Version),
		)
	}

	changes := map[string]any{}
	set := func(field string, dst *string, v *string) {
		if v != nil && *v != *dst {
			changes[field] = *v
			*dst = *v
		}
	}
	set("title", &req.Title, in.Title)
	set("description", &req.Description, in.Description)
	set("category", &req.Category, in.Category)
	set("priority", &req.Priority, in.Priority)
	set("currency", &req.Currency, in.Currency)
	if in.EstimatedTotal != nil && *in.EstimatedTotal != req.EstimatedTotal {
		changes["estimated_total"] = *in.EstimatedTotal
		req.EstimatedTotal = *in.EstimatedTotal
	}
	if len(changes) == 0 {
		return req, nil
	}

	updated, err := s.store.UpdateRequest(ctx, req)
	if err != nil {
		return model.ProcurementRequest{}, err
	}
	s.appendActivity(ctx, ac, id, model.ActivityUpdated, "request updated", changes)
	s.audit.Record(ctx, ac, audit.ActionUpdate, resourceRequest, id, changes, nil)
	s.publish(ctx, ac, "request.updated", resourceRequest, id, changes)
	return updated, nil
}

// Transition applies a lifecycle event. An illegal move returns
// INVALID_TRANSITION and leaves the stored row untouched.
func (s *Service) Transition(ctx context.Context, ac *model.AuthContext, id string, in TransitionInput) (result model.ProcurementRequest, err error) {
	ctx, span := observability.StartSpan(ctx, "procurement.transition",
		observability.AttrOrgID.String(ac.OrgID),
		observability.AttrRequestID.String(id),
		observability.AttrAction.String(string(in.Event)),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	if err := validation.Struct(in); err != nil {
		return model.ProcurementRequest{}, err
	}
	target, ok := in.Event.Target()
	if !ok {
		return model.ProcurementRequest{}, model.NewFieldError("event", "ONEOF", fmt.Sprintf("unknown event %q", in.Event))
	}

	req, err := s.store.GetRequest(ctx, ac.OrgID, id)
	if err != nil {
		return model.ProcurementRequest{}, err
	}
	if !mayTransition(ac, req, in.Event) {
		s.metrics.RecordTransition(string(req.Status), string(target), "forbidden")
		return model.ProcurementRequest{}, model.NewForbiddenError(fmt.Sprintf("role %q may not %s this request", ac.Role, in.Event))
	}

	from := req.Status
	next, err := model.ApplyEvent(from, in.Event)
	if err != nil {
		s.metrics.RecordTransition(string(from), string(target), "invalid")
		return model.ProcurementRequest{}, err
	}
	req.Status = next

	var steps []model.ApprovalStep
	switch in.Event {
	case model.EventSubmit:
		steps, err = s.openRound(ctx, ac, &req, in.Approvers)
		if err != nil {
			return model.ProcurementRequest{}, err
		}
	case model.EventApprove:
		now, by := s.now(), ac.UserID
		req.ApprovedBy = &by
		req.ApprovedAt = &now
		req.RejectedReason = nil
	case model.EventReject:
		if in.Reason != "" {
			reason := in.Reason
			req.RejectedReason = &reason
		}
	}

	var updated model.ProcurementRequest
	if in.Event == model.EventSubmit {
		updated, err = s.store.OpenRound(ctx, req, steps)
	} else {
		updated, err = s.store.UpdateRequest(ctx, req)
	}
	if err != nil {
		s.metrics.RecordTransition(string(from), string(next), "error")
		return model.ProcurementRequest{}, err
	}
	s.metrics.RecordTransition(string(from), string(next), "ok")

	observability.RequestLogger(ctx, s.logger).Info("procurement request transitioned",
		zap.String("request_id", id),
		zap.String("from", string(from)),
		zap.String("to", string(next)),
		zap.Int("approval_round", updated.ApprovalRound),
	)

	meta := map[string]any{"from": string(from), "to": string(next), "event": string(in.Event)}
	if in.Reason != "" {
		meta["reason"] = in.Reason
	}
	s.appendActivity(ctx, ac, id, model.ActivityTransitioned,
		fmt.Sprintf("request moved from %s to %s", from, next), meta)
	for _, st := range steps {
		s.appendActivity(ctx, ac, id, model.ActivityStepCreated,
			fmt.Sprintf("approval step %d assigned", st.StepOrder),
			map[string]any{"step_id": st.ID, "approver_id": st.ApproverID, "round": st.Round})
	}
	s.audit.Record(ctx, ac, audit.ActionTransition, resourceRequest, id, meta, nil)
	s.publish(ctx, ac, "request."+string(next), resourceRequest, id, meta)
	return updated, nil
}

// openRound prepares req for a new approval round and builds its steps.
// Explicit approvers win over routing rules.
func (s *Service) openRound(ctx context.Context, ac *model.AuthContext, req *model.ProcurementRequest, explicit []string) ([]model.ApprovalStep, error) {
	var approvers []string
	if len(explicit) > 0 {
		if err := s.router.Explicit(ctx, *req, explicit); err != nil {
			return nil, err
		}
		approvers = explicit
	} else {
		routed, err := s.router.Route(ctx, *req)
		if err != nil {
			return nil, err
		}
		if len(routed) == 0 {
			return nil, model.NewFieldError("approvers", "NO_APPROVER",
				"no approval rule matched the request; name the approvers explicitly")
		}
		approvers = routed
	}

	req.ApprovalRound++
	req.ApprovedBy = nil
	req.ApprovedAt = nil
	req.RejectedReason = nil

	now := s.now()
	steps := make([]model.ApprovalStep, 0, len(approvers))
	for i, approver := range approvers {
		steps = append(steps, model.ApprovalStep{
			ID:             s.newID(),
			OrganizationID: ac.OrgID,
			RequestID:      req.ID,
			ApproverID:     approver,
			StepOrder:      i + 1,
			Round:          req.ApprovalRound,
			Status:         model.StepPending,
			CreatedAt:      now,
			UpdatedAt:      now,
			Version:        1,
		})
	}
	return steps, nil
}

// Activity returns the request's trail oldest first.
func (s *Service) Activity(ctx context.Context, ac *model.AuthContext, id string) ([]model.RequestActivity, error) {
	if _, err := s.store.GetRequest(ctx, ac.OrgID, id); err != nil {
		return nil, err
	}
	return s.store.ListActivity(ctx, ac.OrgID, id)
}

// Steps returns the steps of the request's current round.
func (s *Service) Steps(ctx context.Context, ac *model.AuthContext, id string) ([]model.ApprovalStep, error) {
	req, err := s.store.GetRequest(ctx, ac.OrgID, id)
	if err != nil {
		return nil, err
	}
	if req.ApprovalRound == 0 {
		return []model.ApprovalStep{}, nil
	}
	return s.store.RoundSteps(ctx, ac.OrgID, id, req.ApprovalRound)
}

// mayTransition: submit and cancel belong to the requester; every other
// event, and acting on someone else's request, needs an elevated role.
func mayTransition(ac *model.AuthContext, req model.ProcurementRequest, event model.RequestEvent) bool {
	if ac.IsElevated() {
		return true
	}
	switch event {
	case model.EventSubmit, model.EventCancel:
		return req.RequesterID == ac.UserID
	}
	return false
}

// appendActivity never fails the caller: the trail is written after the
// state change it describes has been committed.
func (s *Service) appendActivity(ctx context.Context, ac *model.AuthContext, requestID, action, description string, meta map[string]any) {
	err := s.store.AppendActivity(ctx, model.RequestActivity{
		ID:             s.newID(),
		OrganizationID: ac.OrgID,
		RequestID:      requestID,
		UserID:         ac.UserID,
		Action:         action,
		Description:    description,
		Metadata:       meta,
		CreatedAt:      s.now(),
	})
	if err != nil {
		s.metrics.RecordAuditFailure("activity")
		observability.RequestLogger(ctx, s.logger).Warn("request activity write failed",
			zap.String("request_id", requestID),
			zap.String("action", action),
			zap.Error(err),
		)
	}
}

func (s *Service) publish(ctx context.Context, ac *model.AuthContext, eventType, subject, subjectID string, data map[string]any) {
	ev := notify.NewEvent(ac, eventType, subject, subjectID, data)
	if err := s.events.Publish(ctx, ev); err != nil {
		observability.RequestLogger(ctx, s.logger).Warn("event publish failed",
			zap.String("event_type", eventType),
			zap.String("subject_id", subjectID),
			zap.Error(err),
		)
	}
}

func requestChanges(r model.ProcurementRequest) map[string]any {
	return map[string]any{
		"title":           r.Title,
		"category":        r.Category,
		"priority":        r.Priority,
		"estimated_total": r.EstimatedTotal,
		"currency":        r.Currency,
		"status":          string(r.Status),
	}
}

func sortError(field string, allowed []string) error {
	return model.NewFieldError("sort", "ONEOF",
		fmt.Sprintf("cannot sort by %q; allowed: %v", field, allowed))
}
