package transport

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pitabwire/procura/internal/config"
)

// --- test helpers ---

func generateRSAKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	return key
}

func generateECKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	return key
}

func rsaKeyToJWK(kid string, pub *rsa.PublicKey) map[string]any {
	return map[string]any{
		"kid": kid,
		"kty": "RSA",
		"alg": "RS256",
		"use": "sig",
		"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
		"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
	}
}

func ecKeyToJWK(kid string, pub *ecdsa.PublicKey) map[string]any {
	return map[string]any{
		"kid": kid,
		"kty": "EC",
		"crv": "P-256",
		"use": "sig",
		"x":   base64.RawURLEncoding.EncodeToString(pub.X.FillBytes(make([]byte, 32))),
		"y":   base64.RawURLEncoding.EncodeToString(pub.Y.FillBytes(make([]byte, 32))),
	}
}

func startJWKSServer(t *testing.T, keys ...map[string]any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"keys": keys})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func signJWT(t *testing.T, key any, method jwt.SigningMethod, kid string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(method, claims)
	token.Header["kid"] = kid
	s, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("SignedString: %v", err)
	}
	return s
}

func testIdentityCfg() config.IdentityConfig {
	return config.IdentityConfig{
		Issuer:     "https://auth.example.com",
		Audience:   "procura",
		Algorithms: []string{"RS256", "ES256"},
		ClaimPaths: map[string]string{
			"user_id": "sub",
			"email":   "email",
		},
		SessionCookie: "session",
	}
}

func validClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"sub":   "user-1",
		"email": "user@example.com",
		"iss":   "https://auth.example.com",
		"aud":   "procura",
		"exp":   jwt.NewNumericDate(time.Now().Add(1 * time.Hour)),
		"iat":   jwt.NewNumericDate(time.Now()),
	}
}

// serveAuth runs req through an Authenticator and returns the recorder and
// the identity seen by the wrapped handler.
func serveAuth(t *testing.T, cfg config.IdentityConfig, keys KeySource, req *http.Request) (*httptest.ResponseRecorder, *Identity) {
	t.Helper()
	var seen *Identity
	h := NewAuthenticator(cfg, keys, NewErrors(nil)).Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = IdentityFrom(r.Context())
		w.WriteHeader(http.StatusOK)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec, seen
}

func bearer(token string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

// --- JWKSClient tests ---

func TestJWKSClient_GetKey_RSA(t *testing.T) {
	rsaKey := generateRSAKey(t)
	jwks := startJWKSServer(t, rsaKeyToJWK("rsa-key-1", &rsaKey.PublicKey))

	client := NewJWKSClient(jwks.URL, 1*time.Hour, nil)
	key, err := client.GetKey(context.Background(), "rsa-key-1")
	if err != nil {
		t.Fatalf("GetKey: %v", err)
	}
	pubKey, ok := key.(*rsa.PublicKey)
	if !ok {
		t.Fatalf("key type = %T, want *rsa.PublicKey", key)
	}
	if pubKey.N.Cmp(rsaKey.PublicKey.N) != 0 {
		t.Error("RSA modulus mismatch")
	}
}

func TestJWKSClient_GetKey_EC(t *testing.T) {
	ecKey := generateECKey(t)
	jwks := startJWKSServer(t, ecKeyToJWK("ec-key-1", &ecKey.PublicKey))

	client := NewJWKSClient(jwks.URL, 1*time.Hour, nil)
	key, err := client.GetKey(context.Background(), "ec-key-1")
	if err != nil {
		t.Fatalf("GetKey: %v", err)
	}
	pubKey, ok := key.(*ecdsa.PublicKey)
	if !ok {
		t.Fatalf("key type = %T, want *ecdsa.PublicKey", key)
	}
	if pubKey.X.Cmp(ecKey.PublicKey.X) != 0 {
		t.Error("EC X coordinate mismatch")
	}
}

func TestJWKSClient_GetKey_unknown(t *testing.T) {
	jwks := startJWKSServer(t)
	client := NewJWKSClient(jwks.URL, 1*time.Hour, nil)
	if _, err := client.GetKey(context.Background(), "nonexistent"); err == nil {
		t.Fatal("expected error for unknown key")
	}
}

func TestJWKSClient_caching(t *testing.T) {
	var calls atomic.Int32
	rsaKey := generateRSAKey(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		json.NewEncoder(w).Encode(map[string]any{"keys": []map[string]any{rsaKeyToJWK("cached-key", &rsaKey.PublicKey)}})
	}))
	defer srv.Close()

	client := NewJWKSClient(srv.URL, 1*time.Hour, nil)
	client.minRefresh = 0

	client.GetKey(context.Background(), "cached-key")
	client.GetKey(context.Background(), "cached-key")

	if n := calls.Load(); n != 1 {
		t.Errorf("JWKS fetched %d times, want 1", n)
	}
}

func TestJWKSClient_staleKeyServedWhenRefreshFails(t *testing.T) {
	rsaKey := generateRSAKey(t)
	var down atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if down.Load() {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"keys": []map[string]any{rsaKeyToJWK("k", &rsaKey.PublicKey)}})
	}))
	defer srv.Close()

	client := NewJWKSClient(srv.URL, time.Nanosecond, nil)
	client.minRefresh = 0
	if _, err := client.GetKey(context.Background(), "k"); err != nil {
		t.Fatalf("GetKey: %v", err)
	}

	down.Store(true)
	time.Sleep(time.Millisecond)
	if _, err := client.GetKey(context.Background(), "k"); err != nil {
		t.Fatalf("GetKey with provider down: %v", err)
	}
}

// --- Authenticator tests ---

func TestJWKS_skipsUnusableKeys(t *testing.T) {
	rsaKey := generateRSAKey(t)
	enc := rsaKeyToJWK("enc-key", &rsaKey.PublicKey)
	enc["use"] = "enc"
	badCurve := ecKeyToJWK("bad-curve", &generateECKey(t).PublicKey)
	badCurve["crv"] = "P-192"
	noKid := rsaKeyToJWK("", &rsaKey.PublicKey)

	client := NewJWKSClient(startJWKSServer(t, enc, badCurve, noKid, rsaKeyToJWK("good", &rsaKey.PublicKey)).URL, time.Hour, nil)
	if _, err := client.GetKey(context.Background(), "good"); err != nil {
		t.Fatalf("GetKey(good): %v", err)
	}
	for _, kid := range []string{"enc-key", "bad-curve"} {
		if _, err := client.GetKey(context.Background(), kid); err == nil {
			t.Errorf("GetKey(%s) should fail", kid)
		}
	}
}

func TestAuthenticator_validToken(t *testing.T) {
	rsaKey := generateRSAKey(t)
	keys := NewJWKSClient(startJWKSServer(t, rsaKeyToJWK("test-key", &rsaKey.PublicKey)).URL, time.Hour, nil)

	rec, id := serveAuth(t, testIdentityCfg(), keys, bearer(signJWT(t, rsaKey, jwt.SigningMethodRS256, "test-key", validClaims())))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body)
	}
	if id == nil || id.UserID != "user-1" || id.Email != "user@example.com" {
		t.Errorf("identity = %+v", id)
	}
}

func TestAuthenticator_validToken_EC(t *testing.T) {
	ecKey := generateECKey(t)
	keys := NewJWKSClient(startJWKSServer(t, ecKeyToJWK("ec-test", &ecKey.PublicKey)).URL, time.Hour, nil)

	rec, _ := serveAuth(t, testIdentityCfg(), keys, bearer(signJWT(t, ecKey, jwt.SigningMethodES256, "ec-test", validClaims())))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 for ES256 token", rec.Code)
	}
}

func TestAuthenticator_sessionCookie(t *testing.T) {
	rsaKey := generateRSAKey(t)
	keys := NewJWKSClient(startJWKSServer(t, rsaKeyToJWK("test-key", &rsaKey.PublicKey)).URL, time.Hour, nil)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: "session", Value: signJWT(t, rsaKey, jwt.SigningMethodRS256, "test-key", validClaims())})

	rec, id := serveAuth(t, testIdentityCfg(), keys, req)
	if rec.Code != http.StatusOK || id == nil {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestAuthenticator_nestedClaimPath(t *testing.T) {
	rsaKey := generateRSAKey(t)
	keys := NewJWKSClient(startJWKSServer(t, rsaKeyToJWK("test-key", &rsaKey.PublicKey)).URL, time.Hour, nil)

	cfg := testIdentityCfg()
	cfg.ClaimPaths["user_id"] = "ext.uid"
	claims := validClaims()
	claims["ext"] = map[string]any{"uid": "u-nested"}

	rec, id := serveAuth(t, cfg, keys, bearer(signJWT(t, rsaKey, jwt.SigningMethodRS256, "test-key", claims)))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if id.UserID != "u-nested" {
		t.Errorf("UserID = %q, want u-nested", id.UserID)
	}
}

func TestAuthenticator_rejections(t *testing.T) {
	rsaKey := generateRSAKey(t)
	otherKey := generateRSAKey(t)
	jwksURL := startJWKSServer(t, rsaKeyToJWK("test-key", &rsaKey.PublicKey)).URL

	sign := func(mut func(jwt.MapClaims)) string {
		c := validClaims()
		if mut != nil {
			mut(c)
		}
		return signJWT(t, rsaKey, jwt.SigningMethodRS256, "test-key", c)
	}

	tests := []struct {
		name    string
		req     *http.Request
		cfg     func(*config.IdentityConfig)
		message string
	}{
		{name: "no credentials", req: httptest.NewRequest(http.MethodGet, "/", nil), message: "Missing credentials"},
		{name: "basic scheme", req: func() *http.Request {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
			return r
		}(), message: "Invalid authorization header format"},
		{name: "malformed", req: bearer("not.a.jwt"), message: "Malformed token"},
		{name: "expired", req: bearer(sign(func(c jwt.MapClaims) {
			c["exp"] = jwt.NewNumericDate(time.Now().Add(-time.Hour))
		})), message: "Token expired"},
		{name: "missing exp", req: bearer(sign(func(c jwt.MapClaims) { delete(c, "exp") }))},
		{name: "wrong issuer", req: bearer(sign(func(c jwt.MapClaims) { c["iss"] = "https://evil.example.com" })), message: "Invalid token issuer"},
		{name: "wrong audience", req: bearer(sign(func(c jwt.MapClaims) { c["aud"] = "other" })), message: "Invalid token audience"},
		{name: "no subject", req: bearer(sign(func(c jwt.MapClaims) { delete(c, "sub") })), message: "Token has no subject"},
		{name: "bad signature", req: bearer(signJWT(t, otherKey, jwt.SigningMethodRS256, "test-key", validClaims())), message: "Invalid token signature"},
		{name: "unknown kid", req: bearer(signJWT(t, rsaKey, jwt.SigningMethodRS256, "unknown-key", validClaims()))},
		{name: "disallowed algorithm", req: bearer(sign(nil)), cfg: func(c *config.IdentityConfig) {
			c.Algorithms = []string{"ES256"}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testIdentityCfg()
			if tt.cfg != nil {
				tt.cfg(&cfg)
			}
			keys := NewJWKSClient(jwksURL, time.Hour, nil)
			keys.minRefresh = 0

			rec, id := serveAuth(t, cfg, keys, tt.req)
			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("status = %d, want 401", rec.Code)
			}
			if id != nil {
				t.Error("handler should not be reached")
			}
			var env struct {
				Code  string `json:"code"`
				Error string `json:"error"`
			}
			if err := json.NewDecoder(rec.Body).Decode(&env); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if env.Code != "UNAUTHORIZED" {
				t.Errorf("code = %q, want UNAUTHORIZED", env.Code)
			}
			if tt.message != "" && env.Error != tt.message {
				t.Errorf("error = %q, want %q", env.Error, tt.message)
			}
		})
	}
}

func TestAuthenticator_clockSkewTolerance(t *testing.T) {
	rsaKey := generateRSAKey(t)
	keys := NewJWKSClient(startJWKSServer(t, rsaKeyToJWK("test-key", &rsaKey.PublicKey)).URL, time.Hour, nil)

	claims := validClaims()
	claims["exp"] = jwt.NewNumericDate(time.Now().Add(-15 * time.Second))

	rec, _ := serveAuth(t, testIdentityCfg(), keys, bearer(signJWT(t, rsaKey, jwt.SigningMethodRS256, "test-key", claims)))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 within clock skew tolerance", rec.Code)
	}
}

func TestClaimString_dotNotation(t *testing.T) {
	claims := map[string]any{
		"ext": map[string]any{"tenant": map[string]any{"id": "t-1"}},
		"sub": "user-1",
		"n":   42.0,
	}

	if v := claimString(claims, "sub"); v != "user-1" {
		t.Errorf("sub = %q, want user-1", v)
	}
	if v := claimString(claims, "ext.tenant.id"); v != "t-1" {
		t.Errorf("ext.tenant.id = %q, want t-1", v)
	}
	if v := claimString(claims, "sub.x"); v != "" {
		t.Errorf("sub.x = %q, want empty", v)
	}
	if v := claimString(claims, "n"); v != "" {
		t.Errorf("non-string claim = %q, want empty", v)
	}
	if v := claimString(nil, "sub"); v != "" {
		t.Errorf("nil claims = %q, want empty", v)
	}
}
