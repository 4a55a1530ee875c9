// Package procurement implements the procurement request lifecycle and its
// ordered approval steps.
package procurement

import (
	"context"

	"github.com/pitabwire/procura/model"
)

// Store persists procurement requests, their approval steps and the
// activity trail. Every method is scoped to one organization; a row of
// another organization behaves exactly like a missing row.
type Store interface {
	// CreateRequest inserts a new request.
	CreateRequest(ctx context.Context, req model.ProcurementRequest) error

	// GetRequest returns the request, or NOT_FOUND.
	GetRequest(ctx context.Context, orgID, requestID string) (model.ProcurementRequest, error)

	// ListRequests returns one page of requests and the total match count.
	ListRequests(ctx context.Context, orgID string, filters model.RequestFilters) ([]model.ProcurementRequest, int, error)

	// UpdateRequest writes req if the stored version still equals
	// req.Version. Returns the stored row with the bumped version, or
	// CONFLICT when zero rows matched.
	UpdateRequest(ctx context.Context, req model.ProcurementRequest) (model.ProcurementRequest, error)

	// OpenRound applies the version-guarded request update and inserts the
	// round's steps atomically.
	OpenRound(ctx context.Context, req model.ProcurementRequest, steps []model.ApprovalStep) (model.ProcurementRequest, error)

	// GetStep returns the approval step, or NOT_FOUND.
	GetStep(ctx context.Context, orgID, stepID string) (model.ApprovalStep, error)

	// ListSteps returns one page of approval steps and the total match count.
	ListSteps(ctx context.Context, orgID string, filters model.ApprovalFilters) ([]model.ApprovalStep, int, error)

	// RoundSteps returns the steps of one approval round ordered by
	// step_order.
	RoundSteps(ctx context.Context, orgID, requestID string, round int) ([]model.ApprovalStep, error)

	// UpdateStep writes step under the same version guard as UpdateRequest.
	UpdateStep(ctx context.Context, step model.ApprovalStep) (model.ApprovalStep, error)

	// AppendActivity adds an entry to a request's trail.
	AppendActivity(ctx context.Context, activity model.RequestActivity) error

	// ListActivity returns the request's trail oldest first.
	ListActivity(ctx context.Context, orgID, requestID string) ([]model.RequestActivity, error)
}
