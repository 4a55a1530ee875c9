package resource

import (
	"context"
	"testing"
	"time"

	"github.com/pitabwire/procura/model"
)

func TestService_CreateGet(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	def, err := f.svc.Definition("vendors")
	if err != nil {
		t.Fatalf("Definition: %v", err)
	}

	rec, err := f.svc.Create(ctx, caller("alice", model.RoleMember), def, map[string]any{
		"name": "Acme", "tax_id": "T-1",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if rec.Version != 1 || rec.CreatedBy != "alice" || rec.OrganizationID != testOrg {
		t.Errorf("rec = %+v", rec)
	}

	got, err := f.svc.Get(ctx, caller("vic", model.RoleViewer), def, rec.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Attributes["name"] != "Acme" || got.Attributes["status"] != "active" {
		t.Errorf("attributes = %v", got.Attributes)
	}

	if f.audit.Len() != 1 {
		t.Fatalf("audit rows = %d, want 1", f.audit.Len())
	}
	entries, _, _ := f.audit.List(ctx, testOrg, model.AuditFilters{})
	if entries[0].Changes["tax_id"] == "T-1" {
		t.Error("sensitive field must be redacted in audit")
	}
	if len(f.events.events) != 1 || f.events.events[0].Type != "vendors.created" {
		t.Errorf("events = %+v", f.events.events)
	}
}

func TestService_unknownPath(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Definition("nope")
	wantCode(t, err, model.ErrNotFound)
}

func TestService_tenantIsolation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	def := vendorsDef()

	rec, err := f.svc.Create(ctx, caller("alice", model.RoleMember), def, map[string]any{"name": "Acme"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	other := &model.AuthContext{UserID: "mallory", OrgID: "org-2", Role: model.RoleOwner}
	_, err = f.svc.Get(ctx, other, def, rec.ID)
	wantCode(t, err, model.ErrNotFound)
	err = f.svc.Delete(ctx, other, def, rec.ID)
	wantCode(t, err, model.ErrNotFound)

	page, err := f.svc.List(ctx, other, def, ListInput{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if page.TotalCount != 0 {
		t.Errorf("org-2 sees %d records", page.TotalCount)
	}
}

func TestService_roleChecksWriteNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Create(ctx, caller("vic", model.RoleViewer), vendorsDef(), map[string]any{"name": "Acme"})
	wantCode(t, err, model.ErrForbidden)

	_, err = f.svc.Create(ctx, caller("alice", model.RoleMember), webhooksDef(), map[string]any{
		"url": "https://example.com/hook", "secret": "0123456789abcdef", "events": []any{"*"},
	})
	wantCode(t, err, model.ErrForbidden)

	_, err = f.svc.List(ctx, caller("alice", model.RoleMember), webhooksDef(), ListInput{})
	wantCode(t, err, model.ErrForbidden)

	if f.audit.Len() != 0 {
		t.Errorf("audit rows = %d, want 0", f.audit.Len())
	}
}

func TestService_deleteRoles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	def := vendorsDef()

	rec, err := f.svc.Create(ctx, caller("alice", model.RoleMember), def, map[string]any{"name": "Acme"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	err = f.svc.Delete(ctx, caller("alice", model.RoleMember), def, rec.ID)
	wantCode(t, err, model.ErrForbidden)

	if err := f.svc.Delete(ctx, caller("dave", model.RoleAdmin), def, rec.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	_, err = f.svc.Get(ctx, caller("dave", model.RoleAdmin), def, rec.ID)
	wantCode(t, err, model.ErrNotFound)
}

func TestService_ReplaceAndPatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	def := vendorsDef()
	alice := caller("alice", model.RoleMember)

	rec, err := f.svc.Create(ctx, alice, def, map[string]any{
		"name": "Acme", "email": "sales@acme.example", "tax_id": "T-1", "rating": float64(3),
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	patched, err := f.svc.Patch(ctx, alice, def, rec.ID, map[string]any{"rating": float64(5), "version": float64(1)})
	if err != nil {
		t.Fatalf("Patch: %v", err)
	}
	if patched.Version != 2 || patched.Attributes["rating"] != int64(5) || patched.Attributes["email"] != "sales@acme.example" {
		t.Errorf("patched = %+v", patched)
	}

	replaced, err := f.svc.Replace(ctx, alice, def, rec.ID, map[string]any{"name": "Acme Ltd"})
	if err != nil {
		t.Fatalf("Replace: %v", err)
	}
	if replaced.Attributes["email"] != nil || replaced.Attributes["rating"] != nil {
		t.Errorf("replace should clear absent optional fields: %v", replaced.Attributes)
	}
	if replaced.Attributes["tax_id"] != "T-1" {
		t.Errorf("immutable tax_id = %v, want T-1", replaced.Attributes["tax_id"])
	}
	if replaced.Attributes["status"] != "active" {
		t.Errorf("status default not applied on replace: %v", replaced.Attributes["status"])
	}
}

func TestService_failedWriteLeavesRowUnchanged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	def := vendorsDef()
	alice := caller("alice", model.RoleMember)

	rec, err := f.svc.Create(ctx, alice, def, map[string]any{"name": "Acme", "rating": float64(3)})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	_, err = f.svc.Replace(ctx, alice, def, rec.ID, map[string]any{"name": "", "rating": float64(7)})
	env := wantCode(t, err, model.ErrValidationError)
	if len(env.Details) != 2 {
		t.Errorf("details = %+v, want name and rating", env.Details)
	}

	got, _ := f.svc.Get(ctx, alice, def, rec.ID)
	if got.Version != 1 || got.Attributes["name"] != "Acme" || got.Attributes["rating"] != int64(3) {
		t.Errorf("row changed after failed replace: %+v", got)
	}
}

func TestService_staleVersionConflicts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	def := vendorsDef()
	alice := caller("alice", model.RoleMember)

	rec, _ := f.svc.Create(ctx, alice, def, map[string]any{"name": "Acme"})
	if _, err := f.svc.Patch(ctx, alice, def, rec.ID, map[string]any{"rating": float64(2)}); err != nil {
		t.Fatalf("Patch: %v", err)
	}

	_, err := f.svc.Patch(ctx, alice, def, rec.ID, map[string]any{"rating": float64(4), "version": float64(1)})
	wantCode(t, err, model.ErrConflict)

	_, err = f.svc.Patch(ctx, alice, def, rec.ID, map[string]any{"version": "two"})
	wantCode(t, err, model.ErrValidationError)
}

func TestService_List(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	def := vendorsDef()
	alice := caller("alice", model.RoleMember)

	for _, v := range []map[string]any{
		{"name": "Cobalt", "rating": float64(2)},
		{"name": "Acme", "rating": float64(4)},
		{"name": "Birch", "rating": float64(4), "status": "inactive"},
	} {
		if _, err := f.svc.Create(ctx, alice, def, v); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	page, err := f.svc.List(ctx, alice, def, ListInput{PageSize: 2})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if page.TotalCount != 3 || len(page.Data) != 2 || page.Data[0].Attributes["name"] != "Acme" {
		t.Errorf("default sort page = %+v", page)
	}

	page, err = f.svc.List(ctx, alice, def, ListInput{Filters: map[string]string{"rating": "4", "status": "active"}})
	if err != nil {
		t.Fatalf("List filtered: %v", err)
	}
	if page.TotalCount != 1 || page.Data[0].Attributes["name"] != "Acme" {
		t.Errorf("filtered page = %+v", page)
	}

	page, err = f.svc.List(ctx, alice, def, ListInput{Sort: "rating", Descending: true, PageSize: 500})
	if err != nil {
		t.Fatalf("List sorted: %v", err)
	}
	if page.PageSize != 50 {
		t.Errorf("page size = %d, want capped at 50", page.PageSize)
	}
	if page.Data[2].Attributes["name"] != "Cobalt" {
		t.Errorf("rating desc order = %v", page.Data)
	}

	_, err = f.svc.List(ctx, alice, def, ListInput{Sort: "email"})
	wantCode(t, err, model.ErrValidationError)
	_, err = f.svc.List(ctx, alice, def, ListInput{Filters: map[string]string{"email": "x"}})
	wantCode(t, err, model.ErrValidationError)
}

func TestService_writeOnlyFieldsNeverReturned(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	def := webhooksDef()
	dave := caller("dave", model.RoleAdmin)

	rec, err := f.svc.Create(ctx, dave, def, map[string]any{
		"url": "https://example.com/hook", "secret": "0123456789abcdef", "events": []any{"request.approved"},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, ok := rec.Attributes["secret"]; ok {
		t.Error("create response leaked secret")
	}
	got, _ := f.svc.Get(ctx, dave, def, rec.ID)
	if _, ok := got.Attributes["secret"]; ok {
		t.Error("get response leaked secret")
	}
	if len(f.events.events) != 0 {
		t.Errorf("webhooks definition has events disabled, got %d", len(f.events.events))
	}

	eps, err := NewEndpoints(f.reg, f.store).ActiveEndpoints(ctx, testOrg)
	if err != nil {
		t.Fatalf("ActiveEndpoints: %v", err)
	}
	if len(eps) != 1 || eps[0].Secret != "0123456789abcdef" || !eps[0].Wants("request.approved") {
		t.Errorf("endpoints = %+v", eps)
	}
}

func TestEndpoints_skipsInactive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	dave := caller("dave", model.RoleAdmin)

	_, err := f.svc.Create(ctx, dave, webhooksDef(), map[string]any{
		"url": "https://example.com/off", "secret": "0123456789abcdef", "events": []any{"*"}, "active": false,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	eps, err := NewEndpoints(f.reg, f.store).ActiveEndpoints(ctx, testOrg)
	if err != nil {
		t.Fatalf("ActiveEndpoints: %v", err)
	}
	if len(eps) != 0 {
		t.Errorf("endpoints = %+v, want none", eps)
	}
}

func TestService_referencesStayInOrganization(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := caller("alice", model.RoleMember)
	mallory := &model.AuthContext{UserID: "mallory", OrgID: "org-2", Role: model.RoleOwner}

	vendor, err := f.svc.Create(ctx, alice, vendorsDef(), map[string]any{"name": "Acme"})
	if err != nil {
		t.Fatalf("Create vendor: %v", err)
	}
	if _, err := f.svc.Create(ctx, alice, contractsDef(), map[string]any{"title": "Steel", "vendor_id": vendor.ID}); err != nil {
		t.Fatalf("Create contract: %v", err)
	}

	_, err = f.svc.Create(ctx, mallory, contractsDef(), map[string]any{"title": "Borrowed", "vendor_id": vendor.ID})
	foreign := wantCode(t, err, model.ErrValidationError)
	if detailCodes(foreign)["vendor_id"] != "EXISTS" {
		t.Errorf("details = %+v", foreign.Details)
	}
	_, err = f.svc.Create(ctx, mallory, contractsDef(), map[string]any{
		"title": "Borrowed", "vendor_id": "7b0c6f0e-1f7a-4c61-9a49-3f1f5d3b9d01",
	})
	missing := wantCode(t, err, model.ErrValidationError)
	if foreign.Message != missing.Message || detailCodes(foreign)["vendor_id"] != detailCodes(missing)["vendor_id"] {
		t.Errorf("cross-org answer %+v differs from missing answer %+v", foreign, missing)
	}

	err = f.svc.Delete(ctx, mallory, vendorsDef(), vendor.ID)
	wantCode(t, err, model.ErrNotFound)
	err = f.svc.Delete(ctx, caller("dave", model.RoleAdmin), vendorsDef(), vendor.ID)
	wantCode(t, err, model.ErrUpstreamRejected)
}

func TestService_otherOrganizationsReferencesDoNotBlockDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	vendor, err := f.svc.Create(ctx, caller("alice", model.RoleMember), vendorsDef(), map[string]any{"name": "Acme"})
	if err != nil {
		t.Fatalf("Create vendor: %v", err)
	}
	// Written straight to the store, the way a row from before the check would look.
	now := time.Now().UTC()
	err = f.store.Create(ctx, contractsDef(), model.Record{
		ID: "c-1", OrganizationID: "org-2", CreatedBy: "mallory", CreatedAt: now, UpdatedAt: now, Version: 1,
		Attributes: map[string]any{"title": "Borrowed", "vendor_id": vendor.ID},
	})
	if err != nil {
		t.Fatalf("store.Create: %v", err)
	}
	if err := f.svc.Delete(ctx, caller("dave", model.RoleAdmin), vendorsDef(), vendor.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
}
