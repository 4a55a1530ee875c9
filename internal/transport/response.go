// Package transport contains the HTTP router, the middleware chain that
// builds the AuthContext, and the request handlers.
package transport

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/pitabwire/procura/internal/observability"
	"github.com/pitabwire/procura/model"
)

// statusForCode maps ErrorEnvelope codes to HTTP status codes.
var statusForCode = map[string]int{
	model.ErrBadRequest:        http.StatusBadRequest,
	model.ErrUnauthorized:      http.StatusUnauthorized,
	model.ErrForbidden:         http.StatusForbidden,
	model.ErrNotFound:          http.StatusNotFound,
	model.ErrConflict:          http.StatusConflict,
	model.ErrValidationError:   http.StatusBadRequest,
	model.ErrInvalidTransition: http.StatusBadRequest,
	model.ErrUpstreamRejected:  http.StatusBadRequest,
	model.ErrUpstreamFailure:   http.StatusInternalServerError,
	model.ErrInternalError:     http.StatusInternalServerError,
}

// StatusFor returns the HTTP status of an error code.
func StatusFor(code string) int {
	if status, ok := statusForCode[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

// Errors renders service errors. Errors that are not envelopes, and
// upstream failures, are logged and rendered without their cause.
type Errors struct {
	logger *zap.Logger
}

// NewErrors creates an error renderer.
func NewErrors(logger *zap.Logger) *Errors {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Errors{logger: logger}
}

// Write renders err with the status of its code.
func (e *Errors) Write(w http.ResponseWriter, r *http.Request, err error) {
	ee := model.AsEnvelope(err)
	if ee == nil {
		observability.RequestLogger(r.Context(), e.logger).Error("unhandled error",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		ee = model.NewInternalError()
	}

	status := StatusFor(ee.Code)
	if status >= http.StatusInternalServerError && errors.Unwrap(ee) != nil {
		observability.RequestLogger(r.Context(), e.logger).Error("upstream failure",
			zap.String("code", ee.Code),
			zap.Error(errors.Unwrap(ee)),
		)
	}

	out := *ee
	if out.TraceID == "" {
		out.TraceID = observability.TraceIDFromContext(r.Context())
	}
	WriteJSON(w, status, &out)
}

// decodeJSON decodes a JSON body into v. Struct targets reject unknown
// fields.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	if _, isMap := v.(*map[string]any); !isMap {
		dec.DisallowUnknownFields()
	}
	if err := dec.Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxErr):
			return model.NewBadRequestError("request body too large")
		case errors.Is(err, io.EOF):
			return model.NewBadRequestError("request body is required")
		}
		return model.NewBadRequestError("invalid JSON body: " + err.Error())
	}
	if dec.More() {
		return model.NewBadRequestError("request body must hold a single JSON value")
	}
	return nil
}
