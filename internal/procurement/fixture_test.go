package procurement

import (
	"context"
	"sync"
	"testing"

	"github.com/pitabwire/procura/internal/audit"
	"github.com/pitabwire/procura/internal/config"
	"github.com/pitabwire/procura/internal/membership"
	"github.com/pitabwire/procura/model"
)

const testOrg = "org-1"

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

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, ev := range p.events {
		out = append(out, ev.Type)
	}
	return out
}

type fixture struct {
	store   *MemoryStore
	members *membership.MemoryStore
	audit   *audit.MemoryStore
	events  *recordingPublisher
	svc     *Service
}

// newFixture seeds org-1 with:
//
//	alice  member   (usual requester)
//	bob    manager
//	carol  member
//	dave   admin
//	vic    viewer
//	sam    member, suspended
//
// and org-2 with mallory as owner.
func newFixture(t *testing.T, rules ...config.RoutingRuleConfig) *fixture {
	t.Helper()
	members := membership.NewMemoryStore()
	for _, m := range []model.Membership{
		{OrganizationID: testOrg, UserID: "alice", Role: model.RoleMember},
		{OrganizationID: testOrg, UserID: "bob", Role: model.RoleManager},
		{OrganizationID: testOrg, UserID: "carol", Role: model.RoleMember},
		{OrganizationID: testOrg, UserID: "dave", Role: model.RoleAdmin},
		{OrganizationID: testOrg, UserID: "vic", Role: model.RoleViewer},
		{OrganizationID: testOrg, UserID: "sam", Role: model.RoleMember, Status: model.MembershipSuspended},
		{OrganizationID: "org-2", UserID: "mallory", Role: model.RoleOwner},
	} {
		members.Put(m)
	}
	resolver := membership.NewResolver(members, nil, 0, nil, nil)

	router, err := NewRouter(rules, resolver)
	if err != nil {
		t.Fatalf("NewRouter() error = %v", err)
	}

	f := &fixture{
		store:   NewMemoryStore(),
		members: members,
		audit:   audit.NewMemoryStore(),
		events:  &recordingPublisher{},
	}
	f.svc = NewService(f.store, router, resolver, audit.NewRecorder(f.audit, nil, nil), f.events, nil, nil)
	return f
}

func (f *fixture) auth(t *testing.T, user string) *model.AuthContext {
	t.Helper()
	org := testOrg
	if user == "mallory" {
		org = "org-2"
	}
	m, err := f.members.Get(context.Background(), org, user)
	if err != nil {
		t.Fatalf("unknown test user %q", user)
	}
	return &model.AuthContext{UserID: user, OrgID: org, Role: m.Role}
}

func (f *fixture) createDraft(t *testing.T, user string) model.ProcurementRequest {
	t.Helper()
	req, err := f.svc.Create(context.Background(), f.auth(t, user), CreateInput{
		Title:          "Laptops",
		Category:       "it",
		EstimatedTotal: 4200,
		Currency:       "EUR",
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	return req
}

// submitted creates a request by alice and submits it to approvers.
func (f *fixture) submitted(t *testing.T, approvers ...string) (model.ProcurementRequest, []model.ApprovalStep) {
	t.Helper()
	req := f.createDraft(t, "alice")
	req, err := f.svc.Transition(context.Background(), f.auth(t, "alice"), req.ID,
		TransitionInput{Event: model.EventSubmit, Approvers: approvers})
	if err != nil {
		t.Fatalf("submit error = %v", err)
	}
	steps, err := f.svc.Steps(context.Background(), f.auth(t, "alice"), req.ID)
	if err != nil {
		t.Fatalf("Steps() error = %v", err)
	}
	return req, steps
}

func (f *fixture) activityActions(t *testing.T, requestID string) []string {
	t.Helper()
	trail, err := f.store.ListActivity(context.Background(), testOrg, requestID)
	if err != nil {
		t.Fatalf("ListActivity() error = %v", err)
	}
	out := make([]string, 0, len(trail))
	for _, a := range trail {
		out = append(out, a.Action)
	}
	return out
}

func wantCode(t *testing.T, err error, code string) {
	t.Helper()
	if !model.HasCode(err, code) {
		t.Fatalf("error = %v, want code %s", err, code)
	}
}
