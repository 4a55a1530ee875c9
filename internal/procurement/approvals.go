package procurement

import (
	"context"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/pitabwire/procura/internal/audit"
	"github.com/pitabwire/procura/internal/observability"
	"github.com/pitabwire/procura/internal/validation"
	"github.com/pitabwire/procura/model"
)

// rollUpAttempts bounds how often a roll-up re-reads after losing the
// request version race.
const rollUpAttempts = 2

// DecisionInput is an approver's decision on a pending step.
type DecisionInput struct {
	Action     model.DecisionAction `json:"action"      validate:"required"`
	Notes      string               `json:"notes"       validate:"max=2000"`
	DelegateTo string               `json:"delegate_to" validate:"max=200"`
}

// ListApprovals returns approval steps of the caller's organization. mine
// narrows the list to pending steps assigned to the caller that can still
// be decided.
func (s *Service) ListApprovals(ctx context.Context, ac *model.AuthContext, mine bool, f model.ApprovalFilters) ([]model.ApprovalStep, int, error) {
	if f.Sort != "" && !slices.Contains(model.ApprovalSortFields, f.Sort) {
		return nil, 0, sortError(f.Sort, model.ApprovalSortFields)
	}
	if f.Status != "" && !f.Status.Terminal() && f.Status != model.StepPending {
		return nil, 0, model.NewFieldError("status", "ONEOF", fmt.Sprintf("unknown step status %q", f.Status))
	}
	if mine {
		f.ApproverID = ac.UserID
		f.Status = model.StepPending
		f.AwaitingDecision = true
	}
	return s.store.ListSteps(ctx, ac.OrgID, f)
}

// Decide records the caller's decision on a pending step. Terminal
// decisions roll the round up into the parent request.
func (s *Service) Decide(ctx context.Context, ac *model.AuthContext, stepID string, in DecisionInput) (result model.ApprovalStep, err error) {
	ctx, span := observability.StartSpan(ctx, "procurement.decide",
		observability.AttrOrgID.String(ac.OrgID),
		observability.AttrUserID.String(ac.UserID),
		observability.AttrStepID.String(stepID),
		observability.AttrAction.String(string(in.Action)),
	)
	defer func() {
		action := string(in.Action)
		if !in.Action.Valid() {
			action = "unknown"
		}
		s.metrics.RecordDecision(action, decisionResult(err))
		observability.EndSpanWithError(span, err)
	}()

	if err := validation.Struct(in); err != nil {
		return model.ApprovalStep{}, err
	}
	if !in.Action.Valid() {
		return model.ApprovalStep{}, model.NewFieldError("action", "ONEOF",
			"must be one of: approve, reject, delegate, skip, request_info")
	}

	step, err := s.store.GetStep(ctx, ac.OrgID, stepID)
	if err != nil {
		return model.ApprovalStep{}, err
	}
	span.SetAttributes(observability.AttrRequestID.String(step.RequestID))

	if step.ApproverID != ac.UserID && !ac.IsElevated() {
		return model.ApprovalStep{}, model.NewForbiddenError("only the assigned approver or a manager may decide this step")
	}
	if step.Status != model.StepPending {
		return model.ApprovalStep{}, model.NewBadRequestError(
			fmt.Sprintf("approval step is already %s", step.Status))
	}

	req, err := s.store.GetRequest(ctx, ac.OrgID, step.RequestID)
	if err != nil {
		return model.ApprovalStep{}, err
	}
	if step.Round != req.ApprovalRound ||
		(req.Status != model.RequestSubmitted && req.Status != model.RequestUnderReview) {
		return model.ApprovalStep{}, model.NewBadRequestError(
			fmt.Sprintf("request in status %q is not awaiting this approval", req.Status))
	}

	switch in.Action {
	case model.ActionRequestInfo:
		s.appendActivity(ctx, ac, step.RequestID, model.ActivityInfoRequested,
			"more information requested",
			map[string]any{"step_id": step.ID, "notes": in.Notes})
		s.audit.Record(ctx, ac, audit.ActionDecide, resourceStep, step.ID,
			map[string]any{"action": string(in.Action), "notes": in.Notes}, nil)
		s.publish(ctx, ac, "approval.request_info", resourceStep, step.ID,
			map[string]any{"request_id": step.RequestID, "notes": in.Notes})
		return step, nil

	case model.ActionDelegate:
		return s.delegate(ctx, ac, req, step, in)
	}

	status, _ := in.Action.StepStatus()
	now, by := s.now(), ac.UserID
	step.Status = status
	step.DecidedBy = &by
	step.DecidedAt = &now
	if in.Notes != "" {
		step.Notes = in.Notes
	}
	if status == model.StepApproved {
		step.ApprovedAt = &now
	}

	updated, err := s.store.UpdateStep(ctx, step)
	if err != nil {
		return model.ApprovalStep{}, err
	}

	meta := map[string]any{"step_id": updated.ID, "step_order": updated.StepOrder, "round": updated.Round}
	if in.Notes != "" {
		meta["notes"] = in.Notes
	}
	s.appendActivity(ctx, ac, updated.RequestID, stepActivity[status],
		fmt.Sprintf("approval step %d %s", updated.StepOrder, status), meta)
	s.audit.Record(ctx, ac, audit.ActionDecide, resourceStep, updated.ID,
		map[string]any{"action": string(in.Action), "status": string(status), "notes": in.Notes}, nil)
	s.publish(ctx, ac, "approval."+string(in.Action), resourceStep, updated.ID,
		map[string]any{"request_id": updated.RequestID, "status": string(status)})

	// The decision is already stored. A roll-up that keeps losing leaves the
	// request open for a manager to conclude.
	if err := s.rollUp(ctx, ac, updated.RequestID, updated.Round); err != nil {
		observability.RequestLogger(ctx, s.logger).Error("approval roll-up failed",
			zap.String("request_id", updated.RequestID),
			zap.String("step_id", updated.ID),
			zap.Error(err),
		)
	}
	return updated, nil
}

var stepActivity = map[model.StepStatus]string{
	model.StepApproved: model.ActivityStepApproved,
	model.StepRejected: model.ActivityStepRejected,
	model.StepSkipped:  model.ActivityStepSkipped,
}

func (s *Service) delegate(ctx context.Context, ac *model.AuthContext, req model.ProcurementRequest, step model.ApprovalStep, in DecisionInput) (model.ApprovalStep, error) {
	switch {
	case in.DelegateTo == "":
		return model.ApprovalStep{}, model.NewFieldError("delegate_to", "REQUIRED", "is required")
	case in.DelegateTo == step.ApproverID:
		return model.ApprovalStep{}, model.NewFieldError("delegate_to", "UNCHANGED", "step is already assigned to this user")
	case in.DelegateTo == req.RequesterID:
		return model.ApprovalStep{}, model.NewFieldError("delegate_to", "SELF_APPROVAL", "the requester cannot approve their own request")
	}
	ok, err := s.members.ActiveMember(ctx, ac.OrgID, in.DelegateTo)
	if err != nil {
		return model.ApprovalStep{}, err
	}
	if !ok {
		return model.ApprovalStep{}, model.NewFieldError("delegate_to", "NOT_A_MEMBER",
			"delegate is not an active member of the organization")
	}

	from := step.ApproverID
	step.ApproverID = in.DelegateTo
	if in.Notes != "" {
		step.Notes = in.Notes
	}
	updated, err := s.store.UpdateStep(ctx, step)
	if err != nil {
		return model.ApprovalStep{}, err
	}

	meta := map[string]any{"step_id": updated.ID, "from": from, "to": in.DelegateTo}
	s.appendActivity(ctx, ac, updated.RequestID, model.ActivityStepDelegated,
		fmt.Sprintf("approval step %d delegated", updated.StepOrder), meta)
	s.audit.Record(ctx, ac, audit.ActionDecide, resourceStep, updated.ID,
		map[string]any{"action": string(model.ActionDelegate), "from": from, "to": in.DelegateTo}, nil)
	s.publish(ctx, ac, "approval.delegate", resourceStep, updated.ID,
		map[string]any{"request_id": updated.RequestID, "approver_id": in.DelegateTo})
	return updated, nil
}

// rollUp re-reads every step of round and, once all are decided, moves the
// request to approved or rejected. A lost version race is retried against
// a fresh read.
func (s *Service) rollUp(ctx context.Context, ac *model.AuthContext, requestID string, round int) error {
	log := observability.RequestLogger(ctx, s.logger)

	for attempt := 0; attempt < rollUpAttempts; attempt++ {
		req, err := s.store.GetRequest(ctx, ac.OrgID, requestID)
		if err != nil {
			return err
		}
		if req.ApprovalRound != round {
			return nil
		}
		steps, err := s.store.RoundSteps(ctx, ac.OrgID, requestID, round)
		if err != nil {
			return err
		}
		outcome, done := model.RollUp(steps)
		if !done || req.Status == outcome {
			return nil
		}

		event := model.EventApprove
		if outcome == model.RequestRejected {
			event = model.EventReject
		}
		from := req.Status
		next, err := model.ApplyEvent(from, event)
		if err != nil {
			log.Warn("approval roll-up skipped",
				zap.String("request_id", requestID),
				zap.String("status", string(from)),
				zap.String("outcome", string(outcome)),
			)
			return nil
		}

		req.Status = next
		if next == model.RequestApproved {
			now, by := s.now(), ac.UserID
			req.ApprovedBy = &by
			req.ApprovedAt = &now
			req.RejectedReason = nil
		} else {
			req.RejectedReason = rejectionReason(steps)
		}

		updated, err := s.store.UpdateRequest(ctx, req)
		if model.HasCode(err, model.ErrConflict) {
			s.metrics.RecordRollUpConflict()
			log.Debug("approval roll-up lost version race, retrying", zap.String("request_id", requestID))
			continue
		}
		if err != nil {
			return err
		}

		s.metrics.RecordRollUp(string(next))
		s.metrics.RecordTransition(string(from), string(next), "ok")
		log.Info("approval round concluded",
			zap.String("request_id", requestID),
			zap.Int("approval_round", round),
			zap.String("outcome", string(next)),
		)

		meta := map[string]any{"from": string(from), "to": string(next), "round": round}
		s.appendActivity(ctx, ac, requestID, model.ActivityRolledUp,
			fmt.Sprintf("approval round %d concluded: %s", round, next), meta)
		s.audit.Record(ctx, ac, audit.ActionTransition, resourceRequest, requestID, meta, nil)
		s.publish(ctx, ac, "request."+string(next), resourceRequest, updated.ID, meta)
		return nil
	}
	return model.NewConflictError(fmt.Sprintf("request %q kept changing during approval roll-up", requestID))
}

// rejectionReason is the notes of the first rejecting step, if any.
func rejectionReason(steps []model.ApprovalStep) *string {
	for _, st := range steps {
		if st.Status == model.StepRejected && st.Notes != "" {
			notes := st.Notes
			return &notes
		}
	}
	return nil
}

func decisionResult(err error) string {
	if err == nil {
		return "ok"
	}
	if ee := model.AsEnvelope(err); ee != nil {
		switch ee.Code {
		case model.ErrForbidden:
			return "forbidden"
		case model.ErrConflict:
			return "conflict"
		case model.ErrNotFound:
			return "not_found"
		case model.ErrBadRequest, model.ErrValidationError:
			return "invalid"
		}
	}
	return "error"
}
