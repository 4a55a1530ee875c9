package model

import "time"

// StepStatus is the state of a single approval step.
type StepStatus string

// Approval step statuses.
const (
	StepPending  StepStatus = "pending"
	StepApproved StepStatus = "approved"
	StepRejected StepStatus = "rejected"
	StepSkipped  StepStatus = "skipped"
)

// Terminal reports whether the step has been decided.
func (s StepStatus) Terminal() bool {
	return s == StepApproved || s == StepRejected || s == StepSkipped
}

// DecisionAction is what an approver does with a pending step.
type DecisionAction string

// Decision actions.
const (
	ActionApprove     DecisionAction = "approve"
	ActionReject      DecisionAction = "reject"
	ActionDelegate    DecisionAction = "delegate"
	ActionSkip        DecisionAction = "skip"
	ActionRequestInfo DecisionAction = "request_info"
)

// StepStatus returns the step status a terminal action produces.
func (a DecisionAction) StepStatus() (StepStatus, bool) {
	switch a {
	case ActionApprove:
		return StepApproved, true
	case ActionReject:
		return StepRejected, true
	case ActionSkip:
		return StepSkipped, true
	}
	return "", false
}

// Valid reports whether a is a known action.
func (a DecisionAction) Valid() bool {
	switch a {
	case ActionApprove, ActionReject, ActionDelegate, ActionSkip, ActionRequestInfo:
		return true
	}
	return false
}

// ApprovalStep is one ordered checkpoint in a request's approval round.
type ApprovalStep struct {
	ID             string     `json:"id"`
	OrganizationID string     `json:"organization_id"`
	RequestID      string     `json:"request_id"`
	ApproverID     string     `json:"approver_id"`
	StepOrder      int        `json:"step_order"`
	Round          int        `json:"round"`
	Status         StepStatus `json:"status"`
	Notes          string     `json:"notes,omitempty"`
	ApprovedAt     *time.Time `json:"approved_at,omitempty"`
	DecidedBy      *string    `json:"decided_by,omitempty"`
	DecidedAt      *time.Time `json:"decided_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	Version        int        `json:"version"`
}

// ApprovalFilters are optional filters for listing approval steps.
type ApprovalFilters struct {
	ApproverID       string
	Status           StepStatus
	RequestID        string
	// AwaitingDecision keeps only steps of their request's current round
	// while that request is submitted or under review.
	AwaitingDecision bool
	Sort             string
	Descending       bool
	Limit            int
	Offset           int
}

// ApprovalSortFields is the allow-list of sortable approval step columns.
var ApprovalSortFields = []string{"created_at", "updated_at", "step_order", "status"}

// RollUp derives the request outcome from the steps of one round. done is
// false while any step is still pending or when there are no steps. A single
// rejection rejects the request; otherwise it is approved.
func RollUp(steps []ApprovalStep) (outcome RequestStatus, done bool) {
	if len(steps) == 0 {
		return "", false
	}
	rejected := false
	for _, s := range steps {
		if !s.Status.Terminal() {
			return "", false
		}
		if s.Status == StepRejected {
			rejected = true
		}
	}
	if rejected {
		return RequestRejected, true
	}
	return RequestApproved, true
}
