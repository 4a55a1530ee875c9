package model

import "time"

// Activity action names recorded on procurement requests.
const (
	ActivityCreated       = "request_created"
	ActivityUpdated       = "request_updated"
	ActivityTransitioned  = "request_transitioned"
	ActivityStepCreated   = "approval_step_created"
	ActivityStepApproved  = "approval_approved"
	ActivityStepRejected  = "approval_rejected"
	ActivityStepSkipped   = "approval_skipped"
	ActivityStepDelegated = "approval_delegated"
	ActivityInfoRequested = "approval_info_requested"
	ActivityRolledUp      = "request_rolled_up"
)

// RequestActivity is an append-only trail entry for a procurement request.
type RequestActivity struct {
	ID             string         `json:"id"`
	OrganizationID string         `json:"organization_id"`
	RequestID      string         `json:"request_id"`
	UserID         string         `json:"user_id"`
	Action         string         `json:"action"`
	Description    string         `json:"description"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// AuditEntry is one row of the organization-wide audit log.
type AuditEntry struct {
	ID             string         `json:"id"`
	OrganizationID string         `json:"organization_id"`
	ActorID        string         `json:"actor_id"`
	Action         string         `json:"action"`
	ResourceType   string         `json:"resource_type"`
	ResourceID     string         `json:"resource_id"`
	Changes        map[string]any `json:"changes,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// AuditFilters are optional filters for listing audit entries.
type AuditFilters struct {
	ResourceType string
	ResourceID   string
	ActorID      string
	Limit        int
	Offset       int
}

// Event is a domain notification fanned out to subscribers after a change
// has been persisted.
type Event struct {
	ID             string         `json:"id"`
	Type           string         `json:"type"`
	OrganizationID string         `json:"organization_id"`
	ActorID        string         `json:"actor_id"`
	Subject        string         `json:"subject"`
	SubjectID      string         `json:"subject_id"`
	Data           map[string]any `json:"data,omitempty"`
	OccurredAt     time.Time      `json:"occurred_at"`
}
