package model

import (
	"fmt"
	"time"
)

// RequestStatus is the lifecycle state of a procurement request.
type RequestStatus string

// Procurement request statuses.
const (
	RequestDraft       RequestStatus = "draft"
	RequestSubmitted   RequestStatus = "submitted"
	RequestUnderReview RequestStatus = "under_review"
	RequestApproved    RequestStatus = "approved"
	RequestRejected    RequestStatus = "rejected"
	RequestCancelled   RequestStatus = "cancelled"
	RequestConverted   RequestStatus = "converted"
)

// RequestEvent names an attempted lifecycle move. Every event has exactly one
// target status; whether the move is legal depends on the current status.
type RequestEvent string

// Procurement request events.
const (
	EventSubmit      RequestEvent = "submit"
	EventStartReview RequestEvent = "start_review"
	EventApprove     RequestEvent = "approve"
	EventReject      RequestEvent = "reject"
	EventCancel      RequestEvent = "cancel"
	EventConvert     RequestEvent = "convert"
)

var eventTargets = map[RequestEvent]RequestStatus{
	EventSubmit:      RequestSubmitted,
	EventStartReview: RequestUnderReview,
	EventApprove:     RequestApproved,
	EventReject:      RequestRejected,
	EventCancel:      RequestCancelled,
	EventConvert:     RequestConverted,
}

// transitions is the allow-list of status moves. Statuses with an empty
// target set are terminal.
var transitions = map[RequestStatus][]RequestStatus{
	RequestDraft:       {RequestSubmitted, RequestCancelled},
	RequestSubmitted:   {RequestUnderReview, RequestApproved, RequestRejected, RequestCancelled},
	RequestUnderReview: {RequestApproved, RequestRejected, RequestCancelled},
	RequestRejected:    {RequestSubmitted},
	RequestApproved:    {RequestConverted, RequestCancelled},
	RequestCancelled:   {},
	RequestConverted:   {},
}

// Valid reports whether s is a known status.
func (s RequestStatus) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Terminal reports whether no transition leaves s.
func (s RequestStatus) Terminal() bool {
	return len(transitions[s]) == 0
}

// CanTransition reports whether from -> to is in the allow-list.
func CanTransition(from, to RequestStatus) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Target returns the status an event moves to.
func (e RequestEvent) Target() (RequestStatus, bool) {
	s, ok := eventTargets[e]
	return s, ok
}

// ApplyEvent computes the status that results from applying event to state.
// It returns an INVALID_TRANSITION error when the move is not allowed and
// BAD_REQUEST for an unknown event. It has no side effects.
func ApplyEvent(state RequestStatus, event RequestEvent) (RequestStatus, error) {
	target, ok := event.Target()
	if !ok {
		return state, NewBadRequestError(fmt.Sprintf("unknown event %q", event))
	}
	if !CanTransition(state, target) {
		return state, NewInvalidTransitionError(state, target)
	}
	return target, nil
}

// Request priorities.
const (
	PriorityLow    = "low"
	PriorityNormal = "normal"
	PriorityHigh   = "high"
	PriorityUrgent = "urgent"
)

// ProcurementRequest is a purchase request moving through approval.
type ProcurementRequest struct {
	ID             string        `json:"id"`
	OrganizationID string        `json:"organization_id"`
	RequesterID    string        `json:"requester_id"`
	Title          string        `json:"title"`
	Description    string        `json:"description,omitempty"`
	Category       string        `json:"category"`
	Priority       string        `json:"priority"`
	EstimatedTotal float64       `json:"estimated_total"`
	Currency       string        `json:"currency"`
	Status         RequestStatus `json:"status"`
	ApprovedBy     *string       `json:"approved_by,omitempty"`
	ApprovedAt     *time.Time    `json:"approved_at,omitempty"`
	RejectedReason *string       `json:"rejected_reason,omitempty"`
	ApprovalRound  int           `json:"approval_round"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
	Version        int           `json:"version"`
}

// RequestFilters are optional filters for listing requests.
type RequestFilters struct {
	Status      RequestStatus
	RequesterID string
	Category    string
	Sort        string
	Descending  bool
	Limit       int
	Offset      int
}

// RequestSortFields is the allow-list of sortable request columns.
var RequestSortFields = []string{"created_at", "updated_at", "estimated_total", "priority", "title"}
