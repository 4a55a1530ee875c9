package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/pitabwire/procura/model"
)

func TestWriteJSON(t *testing.T) {
	w := httptest.NewRecorder()
	WriteJSON(w, http.StatusOK, map[string]string{"hello": "world"})

	if w.Code != 200 {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}

	var body map[string]string
	json.NewDecoder(w.Body).Decode(&body)
	if body["hello"] != "world" {
		t.Errorf("body = %v", body)
	}
}

func TestErrors_Write_envelope(t *testing.T) {
	w := httptest.NewRecorder()
	NewErrors(nil).Write(w, httptest.NewRequest(http.MethodGet, "/", nil), model.NewNotFoundError("request not found"))

	if w.Code != 404 {
		t.Errorf("status = %d, want 404", w.Code)
	}
	var env model.ErrorEnvelope
	json.NewDecoder(w.Body).Decode(&env)
	if env.Code != model.ErrNotFound || env.Message != "request not found" {
		t.Errorf("envelope = %+v", env)
	}
}

func TestErrors_Write_hidesUnknownCause(t *testing.T) {
	w := httptest.NewRecorder()
	NewErrors(nil).Write(w, httptest.NewRequest(http.MethodGet, "/", nil), fmt.Errorf("dial tcp 10.0.0.1: refused"))

	if w.Code != 500 {
		t.Fatalf("status = %d, want 500", w.Code)
	}
	if strings.Contains(w.Body.String(), "10.0.0.1") {
		t.Error("internal cause leaked into the response")
	}
}

func TestErrors_Write_upstreamCause(t *testing.T) {
	w := httptest.NewRecorder()
	err := model.NewUpstreamError(errors.New("connection reset"), false, "database unavailable")
	NewErrors(nil).Write(w, httptest.NewRequest(http.MethodGet, "/", nil), err)

	if w.Code != 500 {
		t.Fatalf("status = %d, want 500", w.Code)
	}
	if strings.Contains(w.Body.String(), "connection reset") {
		t.Error("upstream cause leaked into the response")
	}
}

func TestStatusFor_coverage(t *testing.T) {
	for _, tc := range []struct {
		code   string
		status int
	}{
		{model.ErrBadRequest, 400},
		{model.ErrUnauthorized, 401},
		{model.ErrForbidden, 403},
		{model.ErrNotFound, 404},
		{model.ErrConflict, 409},
		{model.ErrValidationError, 400},
		{model.ErrInvalidTransition, 400},
		{model.ErrUpstreamRejected, 400},
		{model.ErrUpstreamFailure, 500},
		{model.ErrInternalError, 500},
		{"SOMETHING_ELSE", 500},
	} {
		if got := StatusFor(tc.code); got != tc.status {
			t.Errorf("StatusFor(%s) = %d, want %d", tc.code, got, tc.status)
		}
	}
}

func TestDecodeJSON(t *testing.T) {
	type body struct {
		Name string `json:"name"`
	}
	newReq := func(s string) *http.Request {
		return httptest.NewRequest(http.MethodPost, "/", strings.NewReader(s))
	}

	var b body
	if err := decodeJSON(newReq(`{"name":"x"}`), &b); err != nil || b.Name != "x" {
		t.Fatalf("decode = %v, %+v", err, b)
	}
	for _, in := range []string{``, `{"nam":"x"}`, `{"name":"x"} {}`, `[`} {
		if err := decodeJSON(newReq(in), &body{}); !model.HasCode(err, model.ErrBadRequest) {
			t.Errorf("decode(%q) err = %v, want BAD_REQUEST", in, err)
		}
	}

	var m map[string]any
	if err := decodeJSON(newReq(`{"anything":1}`), &m); err != nil {
		t.Errorf("map targets accept any field: %v", err)
	}

	req := newReq(`{"name":"` + strings.Repeat("x", 100) + `"}`)
	req.Body = http.MaxBytesReader(httptest.NewRecorder(), req.Body, 10)
	if err := decodeJSON(req, &body{}); !model.HasCode(err, model.ErrBadRequest) {
		t.Errorf("oversized body err = %v, want BAD_REQUEST", err)
	}
}
