package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sony/gobreaker/v2"

	"github.com/svchub/gateway/internal/errors"
	"github.com/svchub/gateway/internal/metrics"
	"github.com/svchub/gateway/internal/model"
	"github.com/svchub/gateway/internal/registry"
	"github.com/svchub/gateway/internal/ssrf"
	"github.com/svchub/gateway/internal/storage"
	"github.com/svchub/gateway/internal/upstreamauth"
	"github.com/svchub/gateway/internal/vault"
)

func newTestEngine(t *testing.T) (*Engine, *vault.Vault) {
	t.Helper()
	guard, err := ssrf.New([]string{"127.0.0.0/8", "::1/128"})
	if err != nil {
		t.Fatalf("ssrf.New: %v", err)
	}
	v, err := vault.New(bytes.Repeat([]byte{0x33}, 32), storage.NewMemoryStore())
	if err != nil {
		t.Fatalf("vault.New: %v", err)
	}
	m := metrics.New(prometheus.NewRegistry())
	e := New(guard, upstreamauth.New(v), m, 5*time.Second)
	t.Cleanup(e.Close)
	return e, v
}

func upstreamConnector(t *testing.T, baseURL string, authType model.AuthType) *model.Connector {
	t.Helper()
	u, err := url.Parse(baseURL)
	if err != nil {
		t.Fatalf("parse base url: %v", err)
	}
	return &model.Connector{
		ID:           uuid.New(),
		Slug:         "upstream",
		BaseURL:      strings.TrimRight(baseURL, "/"),
		AllowedHosts: []string{u.Hostname()},
		AuthType:     authType,
		Status:       model.StatusPublished,
	}
}

func resolution(c *model.Connector, ep *model.Endpoint, upstreamPath string) *registry.Resolution {
	ep.ConnectorID = c.ID
	return &registry.Resolution{
		Connector:    c,
		Endpoint:     ep,
		UpstreamPath: upstreamPath,
	}
}

func TestForwardPassthrough(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/items/42" {
			t.Errorf("upstream path = %q", r.URL.Path)
		}
		if r.URL.Query().Get("full") != "1" {
			t.Error("query string should be forwarded")
		}
		if r.Header.Get("Authorization") != "" {
			t.Error("gateway credential must not reach the upstream")
		}
		if r.Header.Get("X-Custom") != "yes" {
			t.Error("caller headers should be forwarded")
		}
		w.Header().Set("X-Upstream", "hit")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":42}`))
	}))
	defer srv.Close()

	e, _ := newTestEngine(t)
	c := upstreamConnector(t, srv.URL, model.AuthNone)
	ep := &model.Endpoint{Method: http.MethodGet, Path: "/items/:id"}

	r := httptest.NewRequest(http.MethodGet, "http://gw.local/gw/upstream/items/42?full=1", nil)
	r.Header.Set("Authorization", "Bearer gw_secret")
	r.Header.Set("X-Custom", "yes")
	w := httptest.NewRecorder()

	if err := e.Forward(w, r, resolution(c, ep, "/v1/items/42"), ""); err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if w.Code != http.StatusCreated {
		t.Errorf("status = %d, want 201", w.Code)
	}
	if w.Header().Get("X-Upstream") != "hit" {
		t.Error("upstream headers should be forwarded")
	}
	if w.Body.String() != `{"id":42}` {
		t.Errorf("body = %q", w.Body.String())
	}
}

func TestForwardNon2xxVerbatim(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"no such item"}`))
	}))
	defer srv.Close()

	e, _ := newTestEngine(t)
	c := upstreamConnector(t, srv.URL, model.AuthNone)
	ep := &model.Endpoint{Method: http.MethodGet, Path: "/items/:id"}

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "http://gw.local/x", nil)
	if err := e.Forward(w, r, resolution(c, ep, "/missing"), ""); err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want upstream 404 passed through", w.Code)
	}
	if w.Body.String() != `{"error":"no such item"}` {
		t.Errorf("body = %q", w.Body.String())
	}
}

func TestForwardResponseWrapper(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"name":"widget"}`))
	}))
	defer srv.Close()

	e, _ := newTestEngine(t)
	c := upstreamConnector(t, srv.URL, model.AuthNone)
	c.ResponseWrapper = true
	ep := &model.Endpoint{Method: http.MethodGet, Path: "/w"}

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "http://gw.local/w", nil)
	if err := e.Forward(w, r, resolution(c, ep, "/w"), ""); err != nil {
		t.Fatalf("Forward: %v", err)
	}

	var envelope struct {
		Data json.RawMessage `json:"data"`
		Meta struct {
			Status    int    `json:"status"`
			Connector string `json:"connector"`
		} `json:"meta"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if string(envelope.Data) != `{"name":"widget"}` {
		t.Errorf("data = %s", envelope.Data)
	}
	if envelope.Meta.Status != 200 || envelope.Meta.Connector != "upstream" {
		t.Errorf("meta = %+v", envelope.Meta)
	}
}

func TestForwardFormTransform(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "application/x-www-form-urlencoded" {
			t.Errorf("Content-Type = %q", ct)
		}
		if err := r.ParseForm(); err != nil {
			t.Fatalf("ParseForm: %v", err)
		}
		if r.PostForm.Get("name") != "widget" || r.PostForm.Get("count") != "3" {
			t.Errorf("form = %v", r.PostForm)
		}
	}))
	defer srv.Close()

	e, _ := newTestEngine(t)
	c := upstreamConnector(t, srv.URL, model.AuthNone)
	ep := &model.Endpoint{Method: http.MethodPost, Path: "/f", BodyTransform: model.TransformForm}

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "http://gw.local/f", strings.NewReader(`{"name":"widget","count":3}`))
	r.Header.Set("Content-Type", "application/json")
	if err := e.Forward(w, r, resolution(c, ep, "/f"), ""); err != nil {
		t.Fatalf("Forward: %v", err)
	}
}

func TestForwardFormTransformRejectsNonObject(t *testing.T) {
	e, _ := newTestEngine(t)
	c := upstreamConnector(t, "http://127.0.0.1:1", model.AuthNone)
	ep := &model.Endpoint{Method: http.MethodPost, Path: "/f", BodyTransform: model.TransformForm}

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "http://gw.local/f", strings.NewReader(`[1,2]`))
	err := e.Forward(w, r, resolution(c, ep, "/f"), "")
	if !errors.Is(err, errors.ErrBadRequest) {
		t.Fatalf("err = %v, want bad_request", err)
	}
}

func TestForwardBinaryTransform(t *testing.T) {
	payload := []byte{0x00, 0x01, 0xff, 0xfe}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "application/octet-stream" {
			t.Errorf("Content-Type = %q", ct)
		}
		body, _ := io.ReadAll(r.Body)
		if !bytes.Equal(body, payload) {
			t.Errorf("body = %x", body)
		}
	}))
	defer srv.Close()

	e, _ := newTestEngine(t)
	c := upstreamConnector(t, srv.URL, model.AuthNone)
	ep := &model.Endpoint{Method: http.MethodPut, Path: "/b", BodyTransform: model.TransformBinary}

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPut, "http://gw.local/b", bytes.NewReader(payload))
	if err := e.Forward(w, r, resolution(c, ep, "/b"), ""); err != nil {
		t.Fatalf("Forward: %v", err)
	}
}

func TestForwardTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	e, _ := newTestEngine(t)
	c := upstreamConnector(t, srv.URL, model.AuthNone)
	ep := &model.Endpoint{Method: http.MethodPost, Path: "/slow", Timeout: 50 * time.Millisecond}

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "http://gw.local/slow", strings.NewReader("x"))
	err := e.Forward(w, r, resolution(c, ep, "/slow"), "")
	if !errors.Is(err, errors.ErrTimeout) {
		t.Fatalf("err = %v, want timeout", err)
	}
}

func TestForwardMissingSecret(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("request must not be forwarded without credentials")
	}))
	defer srv.Close()

	e, _ := newTestEngine(t)
	c := upstreamConnector(t, srv.URL, model.AuthAPIKey)
	c.AuthConfig = map[string]string{"header": "X-Api-Key"}
	ep := &model.Endpoint{Method: http.MethodGet, Path: "/p"}

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "http://gw.local/p", nil)
	err := e.Forward(w, r, resolution(c, ep, "/p"), "")
	if !errors.Is(err, errors.ErrUpstreamAuthUnavailable) {
		t.Fatalf("err = %v, want upstream_auth_unavailable", err)
	}
}

func TestForwardInjectsVaultedKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("X-Api-Key"); got != "sk-123" {
			t.Errorf("X-Api-Key = %q", got)
		}
	}))
	defer srv.Close()

	e, v := newTestEngine(t)
	c := upstreamConnector(t, srv.URL, model.AuthAPIKey)
	c.AuthConfig = map[string]string{"header": "X-Api-Key"}
	if err := v.Put(context.Background(), c.SecretScope(), "api_key", []byte("sk-123")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	ep := &model.Endpoint{Method: http.MethodGet, Path: "/p"}

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "http://gw.local/p", nil)
	if err := e.Forward(w, r, resolution(c, ep, "/p"), ""); err != nil {
		t.Fatalf("Forward: %v", err)
	}
}

func TestForwardHostNotAllowed(t *testing.T) {
	e, _ := newTestEngine(t)
	c := upstreamConnector(t, "http://api.example.com", model.AuthNone)
	c.AllowedHosts = []string{"other.example.com"}
	ep := &model.Endpoint{Method: http.MethodGet, Path: "/p"}

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "http://gw.local/p", nil)
	err := e.Forward(w, r, resolution(c, ep, "/p"), "")
	if !errors.Is(err, errors.ErrForbidden) {
		t.Fatalf("err = %v, want forbidden", err)
	}
}

func TestForwardSSRFBlockedAtCallTime(t *testing.T) {
	guard, err := ssrf.New(nil) // no loopback exemption
	if err != nil {
		t.Fatalf("ssrf.New: %v", err)
	}
	v, err := vault.New(bytes.Repeat([]byte{0x33}, 32), storage.NewMemoryStore())
	if err != nil {
		t.Fatalf("vault.New: %v", err)
	}
	e := New(guard, upstreamauth.New(v), metrics.New(prometheus.NewRegistry()), time.Second)
	defer e.Close()

	c := upstreamConnector(t, "http://127.0.0.1:9", model.AuthNone)
	ep := &model.Endpoint{Method: http.MethodGet, Path: "/p"}

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "http://gw.local/p", nil)
	err = e.Forward(w, r, resolution(c, ep, "/p"), "")
	if !errors.Is(err, errors.ErrSSRFBlocked) {
		t.Fatalf("err = %v, want ssrf_blocked", err)
	}
}

func TestForwardStreaming(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		for i := 0; i < 3; i++ {
			w.Write([]byte("chunk\n"))
			flusher.Flush()
		}
	}))
	defer srv.Close()

	e, _ := newTestEngine(t)
	c := upstreamConnector(t, srv.URL, model.AuthNone)
	ep := &model.Endpoint{Method: http.MethodGet, Path: "/s", Streaming: true}

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "http://gw.local/s", nil)
	if err := e.Forward(w, r, resolution(c, ep, "/s"), ""); err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if w.Body.String() != "chunk\nchunk\nchunk\n" {
		t.Errorf("body = %q", w.Body.String())
	}
	if !w.Flushed {
		t.Error("streaming responses should be flushed incrementally")
	}
}

func TestRetryablePolicy(t *testing.T) {
	refused := &net.OpError{Op: "dial", Err: stderrors.New("connection refused")}
	if !retryable(http.MethodGet, refused) {
		t.Error("GET on connection refused should be retryable")
	}
	if retryable(http.MethodPost, refused) {
		t.Error("POST must never be retried")
	}
	if retryable(http.MethodGet, context.DeadlineExceeded) {
		t.Error("timeouts must not be retried")
	}
}

func TestJSONToForm(t *testing.T) {
	encoded, err := jsonToForm([]byte(`{"a":"x","n":2.5,"b":true,"z":null,"nested":{"k":1}}`))
	if err != nil {
		t.Fatalf("jsonToForm: %v", err)
	}
	form, err := url.ParseQuery(encoded)
	if err != nil {
		t.Fatalf("ParseQuery: %v", err)
	}
	if form.Get("a") != "x" || form.Get("n") != "2.5" || form.Get("b") != "true" {
		t.Errorf("form = %v", form)
	}
	if form.Get("nested") != `{"k":1}` {
		t.Errorf("nested = %q", form.Get("nested"))
	}
}

func TestBreakerStateReportedToGauge(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	reg := newBreakerRegistry(m)
	cb := reg.get("flaky")

	gauge := m.CircuitBreakerState.WithLabelValues("flaky")
	if got := testutil.ToFloat64(gauge); got != 0 {
		t.Fatalf("fresh breaker gauge = %v, want 0 (closed)", got)
	}

	for i := 0; i < 5; i++ {
		cb.Execute(func() (*http.Response, error) {
			return nil, stderrors.New("upstream down")
		})
	}
	if cb.State() != gobreaker.StateOpen {
		t.Fatalf("breaker state = %v, want open", cb.State())
	}
	if got := testutil.ToFloat64(gauge); got != 2 {
		t.Fatalf("open breaker gauge = %v, want 2", got)
	}
}
