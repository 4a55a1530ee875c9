package audit

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/procura/model"
)

type failingStore struct{}

func (failingStore) Append(context.Context, model.AuditEntry) error {
	return errors.New("disk full")
}

func (failingStore) List(context.Context, string, model.AuditFilters) ([]model.AuditEntry, int, error) {
	return nil, 0, nil
}

func testAuth(org, user string) *model.AuthContext {
	return &model.AuthContext{OrgID: org, UserID: user, Role: model.RoleAdmin}
}

func TestRecorder_Record_redactsSensitiveFields(t *testing.T) {
	store := NewMemoryStore()
	r := NewRecorder(store, nil, nil)

	r.Record(context.Background(), testAuth("org-1", "alice"), ActionCreate, "webhooks", "wh-1",
		map[string]any{"url": "https://example.com/hook", "secret": "s3cr3t-value", "note": "x"},
		[]string{"note"})

	entries, total, _ := store.List(context.Background(), "org-1", model.AuditFilters{})
	if total != 1 {
		t.Fatalf("total = %d, want 1", total)
	}
	e := entries[0]
	if e.ActorID != "alice" || e.ResourceType != "webhooks" || e.ResourceID != "wh-1" {
		t.Errorf("entry = %+v", e)
	}
	if e.Changes["secret"] != "[REDACTED]" {
		t.Errorf("secret = %v, want redacted", e.Changes["secret"])
	}
	if e.Changes["note"] != "[REDACTED]" {
		t.Errorf("note = %v, want redacted", e.Changes["note"])
	}
	if e.Changes["url"] != "https://example.com/hook" {
		t.Errorf("url = %v", e.Changes["url"])
	}
}

func TestRecorder_Record_failureIsLoggedNotReturned(t *testing.T) {
	var buf bytes.Buffer
	core := zapcore.NewCore(zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()), zapcore.AddSync(&buf), zapcore.DebugLevel)
	r := NewRecorder(failingStore{}, nil, zap.New(core))

	r.Record(context.Background(), testAuth("org-1", "alice"), ActionDelete, "vendors", "v-1", nil, nil)

	if !strings.Contains(buf.String(), "audit write failed") {
		t.Errorf("expected warning log, got %q", buf.String())
	}
}

func TestRecorder_nilIsNoop(t *testing.T) {
	var r *Recorder
	r.Record(context.Background(), testAuth("org-1", "alice"), ActionCreate, "x", "y", nil, nil)
}

func TestMemoryStore_List_scopedAndFiltered(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	s.Append(ctx, model.AuditEntry{ID: "1", OrganizationID: "org-1", ResourceType: "vendors", CreatedAt: base})
	s.Append(ctx, model.AuditEntry{ID: "2", OrganizationID: "org-1", ResourceType: "tasks", CreatedAt: base.Add(time.Minute)})
	s.Append(ctx, model.AuditEntry{ID: "3", OrganizationID: "org-1", ResourceType: "vendors", CreatedAt: base.Add(2 * time.Minute)})
	s.Append(ctx, model.AuditEntry{ID: "4", OrganizationID: "org-2", ResourceType: "vendors", CreatedAt: base})

	got, total, _ := s.List(ctx, "org-1", model.AuditFilters{ResourceType: "vendors"})
	if total != 2 {
		t.Fatalf("total = %d, want 2", total)
	}
	if got[0].ID != "3" || got[1].ID != "1" {
		t.Errorf("order = %s,%s, want newest first", got[0].ID, got[1].ID)
	}

	page, total, _ := s.List(ctx, "org-1", model.AuditFilters{Limit: 1, Offset: 1})
	if total != 3 || len(page) != 1 || page[0].ID != "2" {
		t.Errorf("page = %+v total = %d", page, total)
	}
}

func TestRecorder_List_requiresOwnerOrAdmin(t *testing.T) {
	store := NewMemoryStore()
	r := NewRecorder(store, nil, nil)
	ctx := context.Background()
	r.Record(ctx, &model.AuthContext{UserID: "alice", OrgID: "org-1"}, ActionCreate, "vendors", "v-1", nil, nil)

	_, _, err := r.List(ctx, &model.AuthContext{UserID: "bob", OrgID: "org-1", Role: model.RoleManager}, model.AuditFilters{})
	if !model.HasCode(err, model.ErrForbidden) {
		t.Fatalf("manager List err = %v, want FORBIDDEN", err)
	}

	entries, total, err := r.List(ctx, &model.AuthContext{UserID: "dave", OrgID: "org-1", Role: model.RoleAdmin}, model.AuditFilters{})
	if err != nil || total != 1 || len(entries) != 1 {
		t.Fatalf("admin List = %d entries, total %d, err %v", len(entries), total, err)
	}
}
