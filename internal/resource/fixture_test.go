package resource

import (
	"context"
	"sync"
	"testing"

	"github.com/pitabwire/procura/internal/audit"
	"github.com/pitabwire/procura/internal/definition"
	"github.com/pitabwire/procura/model"
)

const testOrg = "org-1"

func vendorsDef() model.ResourceDefinition {
	return model.ResourceDefinition{
		Name:        "vendors",
		Path:        "vendors",
		Table:       "vendors",
		WriteRoles:  []model.Role{model.RoleOwner, model.RoleAdmin, model.RoleManager, model.RoleMember},
		DeleteRoles: []model.Role{model.RoleOwner, model.RoleAdmin},
		Sortable:    []string{"name", "rating"},
		Filterable:  []string{"status", "rating"},
		DefaultSort: "name",
		Events:      true,
		Fields: []model.FieldDefinition{
			{Name: "name", Type: model.FieldString, Required: true, Validate: "max=100"},
			{Name: "email", Type: model.FieldEmail},
			{Name: "tax_id", Type: model.FieldString, Sensitive: true, Immutable: true},
			{Name: "status", Type: model.FieldEnum, Values: []string{"active", "inactive"}, Default: "active"},
			{Name: "rating", Type: model.FieldInteger, Validate: "min=1,max=5"},
			{Name: "tags", Type: model.FieldStringList},
		},
	}
}

func contractsDef() model.ResourceDefinition {
	return model.ResourceDefinition{
		Name:        "contracts",
		Path:        "contracts",
		Table:       "contracts",
		WriteRoles:  []model.Role{model.RoleOwner, model.RoleAdmin, model.RoleMember},
		DeleteRoles: []model.Role{model.RoleOwner, model.RoleAdmin},
		Filterable:  []string{"vendor_id"},
		Fields: []model.FieldDefinition{
			{Name: "title", Type: model.FieldString, Required: true},
			{Name: "vendor_id", Type: model.FieldUUID, Required: true, Immutable: true, References: "vendors"},
		},
	}
}

func webhooksDef() model.ResourceDefinition {
	admins := []model.Role{model.RoleOwner, model.RoleAdmin}
	return model.ResourceDefinition{
		Name:       "webhooks",
		Path:       "webhooks",
		Table:      "webhooks",
		ReadRoles:  admins,
		WriteRoles: admins,
		Filterable: []string{"active"},
		Fields: []model.FieldDefinition{
			{Name: "url", Type: model.FieldURL, Required: true, Validate: "startswith=https://"},
			{Name: "secret", Type: model.FieldString, Required: true, Sensitive: true, WriteOnly: true},
			{Name: "events", Type: model.FieldStringList, Required: true},
			{Name: "active", Type: model.FieldBoolean, Default: true},
		},
	}
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []model.Event
}

func (p *recordingPublisher) Publish(_ context.Context, ev model.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

type fixture struct {
	store  *MemoryStore
	audit  *audit.MemoryStore
	events *recordingPublisher
	reg    *definition.Registry
	svc    *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:  NewMemoryStore(),
		audit:  audit.NewMemoryStore(),
		events: &recordingPublisher{},
		reg:    definition.NewRegistry([]model.ResourceDefinition{vendorsDef(), contractsDef(), webhooksDef()}),
	}
	f.svc = NewService(f.reg, f.store, audit.NewRecorder(f.audit, nil, nil), f.events, nil, nil, 50)
	return f
}

func caller(user string, role model.Role) *model.AuthContext {
	return &model.AuthContext{UserID: user, OrgID: testOrg, Role: role}
}

func wantCode(t *testing.T, err error, code string) *model.ErrorEnvelope {
	t.Helper()
	env := model.AsEnvelope(err)
	if env == nil || env.Code != code {
		t.Fatalf("err = %v, want %s", err, code)
	}
	return env
}

func detailCodes(env *model.ErrorEnvelope) map[string]string {
	out := make(map[string]string, len(env.Details))
	for _, d := range env.Details {
		out[d.Field] = d.Code
	}
	return out
}
