package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/svchub/gateway/internal/broker"
	"github.com/svchub/gateway/internal/config"
	"github.com/svchub/gateway/internal/metrics"
	"github.com/svchub/gateway/internal/model"
	"github.com/svchub/gateway/internal/proxy"
	"github.com/svchub/gateway/internal/ratelimit"
	"github.com/svchub/gateway/internal/registry"
	"github.com/svchub/gateway/internal/ssrf"
	"github.com/svchub/gateway/internal/storage"
	"github.com/svchub/gateway/internal/store"
	"github.com/svchub/gateway/internal/upstreamauth"
	"github.com/svchub/gateway/internal/vault"
)

const testAdminToken = "test-admin-token"

type fixture struct {
	ts       *httptest.Server
	admin    *httptest.Server
	upstream *httptest.Server
	hits     *atomic.Int64
	vault    *vault.Vault
	sessions *SessionAuth
}

func newGateway(t *testing.T) *fixture {
	t.Helper()

	var hits atomic.Int64
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"path":%q}`, r.URL.Path)
	}))
	t.Cleanup(upstream.Close)

	guard, err := ssrf.New([]string{"127.0.0.0/8", "::1/128"})
	if err != nil {
		t.Fatalf("ssrf.New: %v", err)
	}
	db := storage.NewMemoryStore()
	v, err := vault.New(bytes.Repeat([]byte{0x55}, 32), db)
	if err != nil {
		t.Fatalf("vault.New: %v", err)
	}

	cfg := config.DefaultConfig()
	cfg.Admin.Token = testAdminToken
	cfg.Session.JWTSecret = "test-session-secret"
	cfg.Session.Issuer = "svchub"
	cfg.Broker.CallbackBaseURL = "https://gw.example.com"

	reg := registry.New(db)
	keys := NewKeyManager(db)
	sessions := NewSessionAuth(cfg.Session)
	kv := store.NewMemoryStore()
	sw := ratelimit.NewSlidingWindow()
	t.Cleanup(sw.Close)
	m := metrics.New(prometheus.NewRegistry())
	authEngine := upstreamauth.New(v)
	engine := proxy.New(guard, authEngine, m, cfg.Defaults.UpstreamTimeout)
	t.Cleanup(engine.Close)

	proxyHandler := NewProxyHandler(reg, keys, sessions, sw, ratelimit.NewQuota(kv), engine, db, m, cfg.Defaults)
	adminAPI := NewAdminAPI(reg, keys, v, db, guard)
	authSurface := NewAuthSurface(broker.New(cfg.Broker, kv, v), sessions, m)

	srv := NewServer(cfg, proxyHandler, adminAPI, authSurface)
	ts := httptest.NewServer(srv.public.Handler)
	t.Cleanup(ts.Close)
	admin := httptest.NewServer(srv.ops.Handler)
	t.Cleanup(admin.Close)

	return &fixture{ts: ts, admin: admin, upstream: upstream, hits: &hits, vault: v, sessions: sessions}
}

// adminDo sends an authenticated request to the management listener.
func (f *fixture) adminDo(t *testing.T, method, path string, body io.Reader) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, f.admin.URL+path, body)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+testAdminToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func (f *fixture) adminPost(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return f.adminDo(t, http.MethodPost, path, bytes.NewReader(raw))
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

// seedConnector creates and publishes a connector with one endpoint and
// returns its ID.
func (f *fixture) seedConnector(t *testing.T, slug string, endpoint map[string]any) string {
	t.Helper()
	resp := f.adminPost(t, "/gw/admin/connectors", map[string]any{
		"owner_id":  "owner-1",
		"slug":      slug,
		"base_url":  f.upstream.URL,
		"auth_type": "none",
	})
	if resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("create connector: %d %s", resp.StatusCode, body)
	}
	var connector model.Connector
	decodeBody(t, resp, &connector)
	id := connector.ID.String()

	resp = f.adminPost(t, "/gw/admin/connectors/"+id+"/endpoints", endpoint)
	if resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("create endpoint: %d %s", resp.StatusCode, body)
	}
	resp.Body.Close()

	resp = f.adminPost(t, "/gw/admin/connectors/"+id+"/publish", nil)
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("publish: %d %s", resp.StatusCode, body)
	}
	resp.Body.Close()
	return id
}

func (f *fixture) issueKey(t *testing.T, extra map[string]any) string {
	t.Helper()
	body := map[string]any{"owner_id": "owner-1", "name": "test key"}
	for k, v := range extra {
		body[k] = v
	}
	resp := f.adminPost(t, "/gw/admin/keys", body)
	if resp.StatusCode != http.StatusCreated {
		raw, _ := io.ReadAll(resp.Body)
		t.Fatalf("issue key: %d %s", resp.StatusCode, raw)
	}
	var out struct {
		RawKey string `json:"raw_key"`
	}
	decodeBody(t, resp, &out)
	if !strings.HasPrefix(out.RawKey, "gw_") {
		t.Fatalf("raw key = %q, want gw_ prefix", out.RawKey)
	}
	return out.RawKey
}

func (f *fixture) call(t *testing.T, method, path, key string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, f.ts.URL+path, nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func TestProxyEndToEnd(t *testing.T) {
	f := newGateway(t)
	f.seedConnector(t, "petstore", map[string]any{
		"name": "get pet", "method": "GET",
		"path": "/pets/:id", "upstream_path": "/v2/pets/:id",
	})
	key := f.issueKey(t, nil)

	resp := f.call(t, http.MethodGet, "/gw/petstore/pets/99", key)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("status = %d, body = %s", resp.StatusCode, body)
	}
	var out struct {
		Path string `json:"path"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Path != "/v2/pets/99" {
		t.Errorf("upstream path = %q, want /v2/pets/99", out.Path)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("response should carry a request ID")
	}
}

func TestProxyRequiresAuth(t *testing.T) {
	f := newGateway(t)
	f.seedConnector(t, "petstore", map[string]any{
		"name": "get pet", "method": "GET",
		"path": "/pets/:id", "upstream_path": "/v2/pets/:id",
	})

	resp := f.call(t, http.MethodGet, "/gw/petstore/pets/1", "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	if f.hits.Load() != 0 {
		t.Error("unauthenticated request must not reach the upstream")
	}
}

func TestProxyRejectsRevokedKey(t *testing.T) {
	f := newGateway(t)
	f.seedConnector(t, "petstore", map[string]any{
		"name": "get pet", "method": "GET",
		"path": "/pets/:id", "upstream_path": "/v2/pets/:id",
	})

	resp := f.adminPost(t, "/gw/admin/keys", map[string]any{"owner_id": "o", "name": "k"})
	var out struct {
		RawKey string `json:"raw_key"`
		Key    struct {
			ID string `json:"id"`
		} `json:"key"`
	}
	decodeBody(t, resp, &out)

	revokeResp := f.adminDo(t, http.MethodDelete, "/gw/admin/keys/"+out.Key.ID, nil)
	revokeResp.Body.Close()

	callResp := f.call(t, http.MethodGet, "/gw/petstore/pets/1", out.RawKey)
	defer callResp.Body.Close()
	if callResp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 for revoked key", callResp.StatusCode)
	}
}

func TestProxyRouteNotFound(t *testing.T) {
	f := newGateway(t)
	f.seedConnector(t, "petstore", map[string]any{
		"name": "get pet", "method": "GET",
		"path": "/pets/:id", "upstream_path": "/v2/pets/:id",
	})
	key := f.issueKey(t, nil)

	resp := f.call(t, http.MethodGet, "/gw/unknown/pets/1", key)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestProxySessionTokenAuth(t *testing.T) {
	f := newGateway(t)
	f.seedConnector(t, "petstore", map[string]any{
		"name": "get pet", "method": "GET",
		"path": "/pets/:id", "upstream_path": "/v2/pets/:id",
	})

	token, err := f.sessions.IssueToken("user-5", time.Minute)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	resp := f.call(t, http.MethodGet, "/gw/petstore/pets/7", token)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("status = %d, body = %s", resp.StatusCode, body)
	}
}

func TestRateLimitExactlyK(t *testing.T) {
	f := newGateway(t)
	f.seedConnector(t, "limited", map[string]any{
		"name": "op", "method": "GET",
		"path": "/op", "upstream_path": "/op",
		"rate_limit": 5, "rate_window_ms": 60000,
	})
	key := f.issueKey(t, nil)

	const n = 20
	var ok, limited atomic.Int64
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			resp := f.call(t, http.MethodGet, "/gw/limited/op", key)
			defer resp.Body.Close()
			switch resp.StatusCode {
			case http.StatusOK:
				ok.Add(1)
			case http.StatusTooManyRequests:
				limited.Add(1)
				if resp.Header.Get("Retry-After") == "" {
					t.Error("rate limited response missing Retry-After")
				}
			default:
				t.Errorf("unexpected status %d", resp.StatusCode)
			}
		}()
	}
	close(start)
	wg.Wait()

	if ok.Load() != 5 {
		t.Errorf("succeeded = %d, want exactly 5", ok.Load())
	}
	if limited.Load() != n-5 {
		t.Errorf("rate limited = %d, want %d", limited.Load(), n-5)
	}
}

func TestDailyQuotaDistinctFromRateLimit(t *testing.T) {
	f := newGateway(t)
	f.seedConnector(t, "quotad", map[string]any{
		"name": "op", "method": "GET",
		"path": "/op", "upstream_path": "/op",
		"rate_limit": 100, "rate_window_ms": 60000,
	})

	planResp := f.adminPost(t, "/gw/admin/plans", map[string]any{
		"name": "tiny", "rate_limit": 100, "rate_window_ms": 60000, "daily_quota": 3,
	})
	var plan model.GatewayPlan
	decodeBody(t, planResp, &plan)
	key := f.issueKey(t, map[string]any{"plan_id": plan.ID.String()})

	for i := 0; i < 3; i++ {
		resp := f.call(t, http.MethodGet, "/gw/quotad/op", key)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("request %d: status = %d", i+1, resp.StatusCode)
		}
	}
	resp := f.call(t, http.MethodGet, "/gw/quotad/op", key)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", resp.StatusCode)
	}
	var body struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Code != "quota_exceeded" {
		t.Errorf("code = %q, want quota_exceeded (distinct from rate_limited)", body.Code)
	}
}

func TestMissingSecretYields502(t *testing.T) {
	f := newGateway(t)
	resp := f.adminPost(t, "/gw/admin/connectors", map[string]any{
		"owner_id":    "owner-1",
		"slug":        "sekrit",
		"base_url":    f.upstream.URL,
		"auth_type":   "api-key",
		"auth_config": map[string]string{"header": "X-Api-Key"},
	})
	var connector model.Connector
	decodeBody(t, resp, &connector)
	id := connector.ID.String()

	epResp := f.adminPost(t, "/gw/admin/connectors/"+id+"/endpoints", map[string]any{
		"name": "op", "method": "GET", "path": "/op", "upstream_path": "/op",
	})
	epResp.Body.Close()
	pubResp := f.adminPost(t, "/gw/admin/connectors/"+id+"/publish", nil)
	pubResp.Body.Close()

	key := f.issueKey(t, nil)
	callResp := f.call(t, http.MethodGet, "/gw/sekrit/op", key)
	defer callResp.Body.Close()
	if callResp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", callResp.StatusCode)
	}
	if f.hits.Load() != 0 {
		t.Error("request must not be forwarded without credentials")
	}
}

func TestConnectorBoundKey(t *testing.T) {
	f := newGateway(t)
	idA := f.seedConnector(t, "aaa", map[string]any{
		"name": "op", "method": "GET", "path": "/op", "upstream_path": "/op",
	})
	f.seedConnector(t, "bbb", map[string]any{
		"name": "op", "method": "GET", "path": "/op", "upstream_path": "/op",
	})
	key := f.issueKey(t, map[string]any{"connector_id": idA})

	resp := f.call(t, http.MethodGet, "/gw/aaa/op", key)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("bound connector call: status = %d", resp.StatusCode)
	}

	resp = f.call(t, http.MethodGet, "/gw/bbb/op", key)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("other connector call: status = %d, want 403", resp.StatusCode)
	}
}

func TestDuplicateSlugConflict(t *testing.T) {
	f := newGateway(t)
	body := map[string]any{
		"owner_id": "o", "slug": "dup", "base_url": f.upstream.URL, "auth_type": "none",
	}
	first := f.adminPost(t, "/gw/admin/connectors", body)
	first.Body.Close()
	if first.StatusCode != http.StatusCreated {
		t.Fatalf("first create: %d", first.StatusCode)
	}
	second := f.adminPost(t, "/gw/admin/connectors", body)
	defer second.Body.Close()
	if second.StatusCode != http.StatusConflict {
		t.Fatalf("second create: %d, want 409", second.StatusCode)
	}
}

func TestSecretsNeverListedInPlaintext(t *testing.T) {
	f := newGateway(t)
	resp := f.adminPost(t, "/gw/admin/connectors", map[string]any{
		"owner_id": "o", "slug": "vaulted", "base_url": f.upstream.URL, "auth_type": "none",
	})
	var connector model.Connector
	decodeBody(t, resp, &connector)
	id := connector.ID.String()

	putResp := f.adminPost(t, "/gw/admin/connectors/"+id+"/secrets", map[string]any{
		"name": "api_key", "value": "super-secret-value",
	})
	putResp.Body.Close()
	if putResp.StatusCode != http.StatusNoContent {
		t.Fatalf("put secret: %d", putResp.StatusCode)
	}

	listResp := f.adminDo(t, http.MethodGet, "/gw/admin/connectors/"+id+"/secrets", nil)
	defer listResp.Body.Close()
	raw, _ := io.ReadAll(listResp.Body)
	if strings.Contains(string(raw), "super-secret-value") {
		t.Fatal("secret value leaked through the listing API")
	}
	var out struct {
		Names []string `json:"names"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Names) != 1 || out.Names[0] != "api_key" {
		t.Errorf("names = %v, want [api_key]", out.Names)
	}
}

func TestDeprecatedConnectorWarns(t *testing.T) {
	f := newGateway(t)
	id := f.seedConnector(t, "old", map[string]any{
		"name": "op", "method": "GET", "path": "/op", "upstream_path": "/op",
	})
	depResp := f.adminPost(t, "/gw/admin/connectors/"+id+"/deprecate", nil)
	depResp.Body.Close()

	key := f.issueKey(t, nil)
	resp := f.call(t, http.MethodGet, "/gw/old/op", key)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, deprecated connectors still serve", resp.StatusCode)
	}
	if resp.Header.Get("Warning") == "" {
		t.Error("deprecated connector response should carry a Warning header")
	}
}

func TestAdminSurfaceIsolatedFromPublicListener(t *testing.T) {
	f := newGateway(t)

	// The public listener has no admin routes: even an authenticated
	// proxy caller falls through to route resolution and misses.
	key := f.issueKey(t, nil)
	resp := f.call(t, http.MethodPost, "/gw/admin/connectors", key)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("public listener admin call: status = %d, want 404", resp.StatusCode)
	}

	// On the management listener the configured token is required.
	resp, err := http.Post(f.admin.URL+"/gw/admin/connectors", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("tokenless admin call: status = %d, want 401", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, f.admin.URL+"/gw/admin/connectors", nil)
	req.Header.Set("Authorization", "Bearer wrong-token")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong-token admin call: status = %d, want 401", resp.StatusCode)
	}

	listResp := f.adminDo(t, http.MethodGet, "/gw/admin/connectors", nil)
	defer listResp.Body.Close()
	if listResp.StatusCode != http.StatusOK {
		t.Fatalf("authenticated admin call: status = %d, want 200", listResp.StatusCode)
	}
}

func TestHealthEndpoint(t *testing.T) {
	f := newGateway(t)
	resp, err := http.Get(f.ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestKeyManagerRawKeyNotRecoverable(t *testing.T) {
	db := storage.NewMemoryStore()
	km := NewKeyManager(db)

	raw, key, err := km.IssueKey(t.Context(), IssueKeyInput{OwnerID: "o", Name: "k"})
	if err != nil {
		t.Fatalf("IssueKey: %v", err)
	}
	if key.KeyHash == raw || strings.Contains(key.KeyHash, raw) {
		t.Error("stored hash must not contain the raw key")
	}
	if !strings.HasPrefix(raw, key.KeyPrefix) {
		t.Errorf("key prefix %q should be a prefix of the raw key", key.KeyPrefix)
	}

	authed, err := km.Authenticate(t.Context(), raw)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if authed.ID != key.ID {
		t.Error("authenticate should resolve the issued key")
	}
}
