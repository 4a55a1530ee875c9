package model

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorEnvelope_Error(t *testing.T) {
	e := &ErrorEnvelope{Code: ErrNotFound, Message: "request not found"}
	want := "NOT_FOUND: request not found"
	if got := e.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestErrorEnvelope_implements_error(t *testing.T) {
	var _ error = (*ErrorEnvelope)(nil)
}

func TestNewValidationError(t *testing.T) {
	details := []FieldError{
		{Field: "title", Code: "required", Message: "title is required"},
		{Field: "estimated_total", Code: "gte", Message: "estimated_total must be >= 0"},
	}
	e := NewValidationError(details)
	if e.Code != ErrValidationError {
		t.Errorf("Code = %q, want %q", e.Code, ErrValidationError)
	}
	if len(e.Details) != 2 {
		t.Fatalf("Details length = %d, want 2", len(e.Details))
	}
	if e.Details[1].Field != "estimated_total" {
		t.Errorf("Details[1].Field = %q", e.Details[1].Field)
	}
}

func TestNewInvalidTransitionError(t *testing.T) {
	e := NewInvalidTransitionError(RequestCancelled, RequestSubmitted)
	if e.Code != ErrInvalidTransition {
		t.Errorf("Code = %q, want %q", e.Code, ErrInvalidTransition)
	}
	want := `cannot move request from "cancelled" to "submitted"`
	if e.Message != want {
		t.Errorf("Message = %q, want %q", e.Message, want)
	}
}

func TestNewUpstreamError(t *testing.T) {
	cause := errors.New("duplicate key value violates unique constraint")

	rejected := NewUpstreamError(cause, true, "vendor already exists")
	if rejected.Code != ErrUpstreamRejected {
		t.Errorf("caller caused Code = %q, want %q", rejected.Code, ErrUpstreamRejected)
	}
	if !errors.Is(rejected, cause) {
		t.Error("errors.Is(rejected, cause) = false, want true")
	}

	failed := NewUpstreamError(cause, false, "storage failure")
	if failed.Code != ErrUpstreamFailure {
		t.Errorf("Code = %q, want %q", failed.Code, ErrUpstreamFailure)
	}
}

func TestAsEnvelope_wrapped(t *testing.T) {
	err := fmt.Errorf("decide: %w", NewConflictError("step changed"))
	ee := AsEnvelope(err)
	if ee == nil {
		t.Fatal("AsEnvelope() = nil, want envelope")
	}
	if ee.Code != ErrConflict {
		t.Errorf("Code = %q, want %q", ee.Code, ErrConflict)
	}
	if !HasCode(err, ErrConflict) {
		t.Error("HasCode(CONFLICT) = false")
	}
	if HasCode(errors.New("plain"), ErrConflict) {
		t.Error("HasCode on plain error = true")
	}
}
