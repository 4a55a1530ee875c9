// Package integration provides a reusable test harness for end-to-end
// testing of the procura API. It starts the full HTTP stack with in-memory
// stores, a miniredis-backed membership cache and idempotency store, a test
// JWT issuer and a TLS webhook receiver.
package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/procura/internal/audit"
	"github.com/pitabwire/procura/internal/config"
	"github.com/pitabwire/procura/internal/definition"
	"github.com/pitabwire/procura/internal/idempotency"
	"github.com/pitabwire/procura/internal/membership"
	"github.com/pitabwire/procura/internal/notify"
	"github.com/pitabwire/procura/internal/observability"
	"github.com/pitabwire/procura/internal/openapi"
	"github.com/pitabwire/procura/internal/procurement"
	"github.com/pitabwire/procura/internal/resource"
	"github.com/pitabwire/procura/internal/transport"
	"github.com/pitabwire/procura/model"
)

// Organizations seeded by the harness.
const (
	OrgAcme   = "acme"
	OrgGlobex = "globex"
)

// TestHarness encapsulates a fully wired procura instance.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server
	issuer *tokenIssuer

	// Internal components exposed for advanced test scenarios.
	Registry    *definition.Registry
	Members     *membership.MemoryStore
	Audit       *audit.MemoryStore
	Deliveries  *notify.MemoryDeliveryStore
	Redis       *miniredis.Miniredis
	Webhooks    *WebhookReceiver
	Procurement *procurement.Service
	Resources   *resource.Service

	cfg *config.Config
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	definitionDirs []string
	rules          []config.RoutingRuleConfig
	handlerTimeout time.Duration
	breaker        config.CircuitBreakerConfig
}

// WithDefinitions sets the definition directories to load.
func WithDefinitions(dirs ...string) HarnessOption {
	return func(c *harnessConfig) {
		c.definitionDirs = dirs
	}
}

// WithRoutingRules replaces the default approval routing rules.
func WithRoutingRules(rules ...config.RoutingRuleConfig) HarnessOption {
	return func(c *harnessConfig) {
		c.rules = rules
	}
}

// WithHandlerTimeout sets the per-request handler timeout.
func WithHandlerTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.handlerTimeout = d
	}
}

// WithCircuitBreaker sets the webhook circuit breaker settings.
func WithCircuitBreaker(cb config.CircuitBreakerConfig) HarnessOption {
	return func(c *harnessConfig) {
		c.breaker = cb
	}
}

// NewTestHarness creates and starts a full test instance. The server is
// automatically cleaned up when the test completes.
//
// Memberships in acme: olivia owner, adam admin, maria manager, mike and
// mia members, vera viewer, sid suspended member. globex: gary owner.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		definitionDirs: []string{filepath.Join(repoRoot(), "definitions")},
		rules: []config.RoutingRuleConfig{
			{Name: "manager", When: "true", ApproverRole: "manager", StepOrder: 1},
			{Name: "large", When: "estimated_total >= 10000", ApproverRole: "admin", StepOrder: 2},
		},
		handlerTimeout: 10 * time.Second,
		breaker:        config.CircuitBreakerConfig{FailureThreshold: 3, SuccessThreshold: 1, Timeout: time.Minute},
	}
	for _, opt := range opts {
		opt(hc)
	}

	logger := zap.NewNop()
	h := &TestHarness{
		t:          t,
		issuer:     newTokenIssuer(t),
		Members:    membership.NewMemoryStore(),
		Audit:      audit.NewMemoryStore(),
		Deliveries: notify.NewMemoryDeliveryStore(),
		Redis:      miniredis.RunT(t),
		Webhooks:   newWebhookReceiver(t),
	}
	for _, m := range []model.Membership{
		{OrganizationID: OrgAcme, UserID: "olivia", Role: model.RoleOwner},
		{OrganizationID: OrgAcme, UserID: "adam", Role: model.RoleAdmin},
		{OrganizationID: OrgAcme, UserID: "maria", Role: model.RoleManager},
		{OrganizationID: OrgAcme, UserID: "mike", Role: model.RoleMember},
		{OrganizationID: OrgAcme, UserID: "mia", Role: model.RoleMember},
		{OrganizationID: OrgAcme, UserID: "vera", Role: model.RoleViewer},
		{OrganizationID: OrgAcme, UserID: "sid", Role: model.RoleMember, Status: model.MembershipSuspended},
		{OrganizationID: OrgGlobex, UserID: "gary", Role: model.RoleOwner},
	} {
		h.Members.Put(m)
	}

	defs, err := definition.NewLoader().LoadAll(hc.definitionDirs)
	if err != nil {
		t.Fatalf("load definitions: %v", err)
	}
	if verrs := definition.NewValidator().Validate(defs); len(verrs) > 0 {
		t.Fatalf("definitions invalid: %v", verrs)
	}
	h.Registry = definition.NewRegistry(defs)

	h.cfg = config.Defaults()
	h.cfg.Server.HandlerTimeout = hc.handlerTimeout
	h.cfg.Server.CORS.AllowedOrigins = []string{"http://localhost:3000"}
	h.cfg.Identity.Issuer = h.issuer.issuer
	h.cfg.Identity.Audience = h.issuer.audience
	h.cfg.Identity.JWKSURL = h.issuer.JWKSURL()
	h.cfg.Approvals.Rules = hc.rules
	h.cfg.Notifications.Webhooks.Enabled = true
	h.cfg.Notifications.Webhooks.Workers = 2
	h.cfg.Notifications.Webhooks.CircuitBreaker = hc.breaker

	rdb := redis.NewClient(&redis.Options{Addr: h.Redis.Addr()})
	t.Cleanup(func() { rdb.Close() })

	members := membership.NewResolver(h.Members, membership.NewRedisCache(rdb), time.Minute, nil, logger)
	resourceStore := resource.NewMemoryStore()

	dispatcher := notify.NewDispatcher(h.cfg.Notifications.Webhooks,
		resource.NewEndpoints(h.Registry, resourceStore), h.Deliveries, h.Webhooks.server.Client(), nil, logger)
	ctx, cancel := context.WithCancel(context.Background())
	dispatcher.Start(ctx)
	t.Cleanup(func() {
		stopCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		dispatcher.Stop(stopCtx)
		cancel()
	})
	events := notify.NewMulti(nil, logger, dispatcher)

	auditor := audit.NewRecorder(h.Audit, nil, logger)
	approvalRouter, err := procurement.NewRouter(hc.rules, members)
	if err != nil {
		t.Fatalf("routing rules: %v", err)
	}
	h.Procurement = procurement.NewService(procurement.NewMemoryStore(), approvalRouter, members, auditor, events, nil, logger)
	h.Resources = resource.NewService(h.Registry, resourceStore, auditor, events, nil, logger, h.cfg.Resources.MaxPageSize)

	errs := transport.NewErrors(logger)
	router := transport.NewRouter(transport.Dependencies{
		Config:      h.cfg,
		Logger:      logger,
		Errors:      errs,
		Keys:        transport.NewJWKSClient(h.issuer.JWKSURL(), time.Hour, logger),
		Members:     members,
		Procurement: h.Procurement,
		Resources:   h.Resources,
		Audit:       auditor,
		Idempotency: idempotency.NewMiddleware(idempotency.NewRedisStore(rdb), time.Hour, errs.Write, nil, logger).Handler,

		HealthHandler: observability.HandleHealth(),
		ReadyHandler: observability.HandleReady(observability.ReadinessChecks{
			DefinitionsLoaded: func() bool { return h.Registry.Len() > 0 },
			Dependencies:      map[string]observability.HealthChecker{"redis": idempotency.RedisChecker{Client: rdb}},
		}),
		OpenAPIHandler: openapi.NewHandler(h.Registry, "test", logger),
	})

	h.server = httptest.NewServer(router)
	t.Cleanup(h.server.Close)
	return h
}

// BaseURL returns the test server's base URL.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// Token creates a valid JWT for userID.
func (h *TestHarness) Token(userID string) string {
	return h.issuer.GenerateToken(TestClaims{UserID: userID, Email: userID + "@example.com"})
}

// ExpiredToken creates a JWT for userID that has already expired.
func (h *TestHarness) ExpiredToken(userID string) string {
	return h.issuer.GenerateExpiredToken(TestClaims{UserID: userID})
}

// OrgPath builds a path under an organization.
func OrgPath(orgID, format string, args ...any) string {
	return "/api/v1/organizations/" + orgID + fmt.Sprintf(format, args...)
}

// --- HTTP client helpers ---

// Do performs a request as userID; an empty userID sends no credentials.
func (h *TestHarness) Do(method, path, userID string, body any, headers ...string) *http.Response {
	h.t.Helper()
	token := ""
	if userID != "" {
		token = h.Token(userID)
	}
	return h.DoWithToken(method, path, token, body, headers...)
}

// DoWithToken performs a request with a raw bearer token. headers are
// name/value pairs.
func (h *TestHarness) DoWithToken(method, path, token string, body any, headers ...string) *http.Response {
	h.t.Helper()

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(context.Background(), method, h.server.URL+path, bodyReader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// ParseJSON reads the response body and unmarshals it into the target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("unmarshal response body: %v\nbody: %s", err, string(data))
	}
}

// AssertStatus checks that the response has the expected status code and
// closes the body.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	defer resp.Body.Close()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		t.Errorf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
}

// AssertJSON checks that the response has the expected status and parses the body.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
	h.ParseJSON(resp, target)
}

// AssertError checks the status and error code of an error response.
func (h *TestHarness) AssertError(t *testing.T, resp *http.Response, expected int, code string) model.ErrorEnvelope {
	t.Helper()
	var env model.ErrorEnvelope
	h.AssertJSON(t, resp, expected, &env)
	if env.Code != code {
		t.Fatalf("code = %q, want %q (%s)", env.Code, code, env.Message)
	}
	return env
}

// repoRoot returns the absolute path of the module root.
func repoRoot() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "..", "..")
}
