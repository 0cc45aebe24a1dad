package gateway

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/svchub/gateway/internal/config"
	"github.com/svchub/gateway/internal/errors"
	"github.com/svchub/gateway/internal/metrics"
	"github.com/svchub/gateway/internal/model"
	"github.com/svchub/gateway/internal/proxy"
	"github.com/svchub/gateway/internal/ratelimit"
	"github.com/svchub/gateway/internal/registry"
	"github.com/svchub/gateway/internal/storage"
)

// ProxyHandler is the gateway front door: it authenticates the caller,
// admits the request under its rate and quota ceilings, resolves the
// route, and hands off to the proxy engine.
type ProxyHandler struct {
	registry *registry.Registry
	keys     *KeyManager
	sessions *SessionAuth
	limiter  ratelimit.Limiter
	quota    *ratelimit.Quota
	proxy    *proxy.Engine
	store    storage.Store
	metrics  *metrics.Metrics
	defaults config.DefaultsConfig
}

// NewProxyHandler assembles the proxy surface.
func NewProxyHandler(
	reg *registry.Registry,
	keys *KeyManager,
	sessions *SessionAuth,
	limiter ratelimit.Limiter,
	quota *ratelimit.Quota,
	engine *proxy.Engine,
	store storage.Store,
	m *metrics.Metrics,
	defaults config.DefaultsConfig,
) *ProxyHandler {
	return &ProxyHandler{
		registry: reg,
		keys:     keys,
		sessions: sessions,
		limiter:  limiter,
		quota:    quota,
		proxy:    engine,
		store:    store,
		metrics:  m,
		defaults: defaults,
	}
}

// identity is the authenticated caller of one request.
type identity struct {
	key    *model.GatewayAPIKey
	userID string
}

func (id identity) rateKey() string {
	if id.key != nil {
		return "key:" + id.key.ID.String()
	}
	return "user:" + id.userID
}

func (h *ProxyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := RequestIDFrom(r.Context())

	id, err := h.authenticate(r)
	if err != nil {
		h.metrics.RecordReject("unauthorized")
		h.writeError(w, err, requestID)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/gw")
	res, err := h.registry.Resolve(r.Method, path)
	if err != nil {
		h.metrics.RecordReject("route_not_found")
		h.writeError(w, err, requestID)
		return
	}

	// A connector-bound key cannot reach other connectors.
	if id.key != nil && id.key.ConnectorID != nil && *id.key.ConnectorID != res.Connector.ID {
		h.metrics.RecordReject("forbidden")
		h.writeError(w, errors.ErrForbidden.WithDetails("key is not bound to this connector"), requestID)
		return
	}

	if err := h.admit(w, r, id, res); err != nil {
		h.writeError(w, err, requestID)
		return
	}

	if res.Connector.Status == model.StatusDeprecated {
		w.Header().Set("Warning", `299 - "connector is deprecated"`)
	}

	if err := h.proxy.Forward(w, r, res, id.userID); err != nil {
		h.writeError(w, err, requestID)
	}
}

// authenticate accepts a gateway API key or a session token, both via
// the Authorization header.
func (h *ProxyHandler) authenticate(r *http.Request) (identity, error) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return identity{}, errors.ErrUnauthorized.WithDetails("missing Authorization header")
	}
	token := strings.TrimPrefix(auth, "Bearer ")

	if strings.HasPrefix(token, rawKeyPrefix) {
		key, err := h.keys.Authenticate(r.Context(), token)
		if err != nil {
			return identity{}, err
		}
		return identity{key: key, userID: key.OwnerID}, nil
	}

	if h.sessions.Enabled() {
		userID, err := h.sessions.ValidateToken(token)
		if err != nil {
			return identity{}, err
		}
		return identity{userID: userID}, nil
	}
	return identity{}, errors.ErrUnauthorized
}

// admit enforces the sliding rate limit and the daily quota. Limits are
// taken from the endpoint first, then the key's plan, then defaults.
func (h *ProxyHandler) admit(w http.ResponseWriter, r *http.Request, id identity, res *registry.Resolution) error {
	limit := res.Endpoint.RateLimit
	window := res.Endpoint.RateWindow
	dailyQuota := h.defaults.DailyQuota

	var plan *model.GatewayPlan
	if id.key != nil && id.key.PlanID != nil {
		p, err := h.store.GetPlan(r.Context(), *id.key.PlanID)
		if err != nil && !errors.Is(err, errors.ErrNotFound) {
			return err
		}
		plan = p
	}
	if plan != nil {
		if limit <= 0 {
			limit = plan.RateLimit
		}
		if window <= 0 {
			window = plan.RateWindow
		}
		if plan.DailyQuota > 0 {
			dailyQuota = plan.DailyQuota
		}
	}
	if limit <= 0 {
		limit = h.defaults.RateLimit
	}
	if window <= 0 {
		window = h.defaults.RateWindow
	}

	rateKey := id.rateKey() + ":" + res.Endpoint.ID.String()
	allowed, remaining, reset := h.limiter.Allow(r.Context(), rateKey, limit, window)
	if limit > 0 {
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))
		if remaining >= 0 {
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		}
		if !reset.IsZero() {
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(reset.Unix(), 10))
		}
	}
	if !allowed {
		h.metrics.RecordReject("rate_limited")
		return errors.ErrRateLimited.WithRetryAfter(ratelimit.RetryAfterSeconds(reset))
	}

	// Daily quota applies to API keys only; session callers ride the
	// per-user rate limit.
	if id.key != nil && dailyQuota > 0 {
		result, err := h.quota.Allow(r.Context(), id.key.ID.String(), dailyQuota)
		if err != nil {
			return err
		}
		w.Header().Set("X-Quota-Limit", strconv.FormatInt(result.Limit, 10))
		w.Header().Set("X-Quota-Remaining", strconv.FormatInt(result.Remaining, 10))
		if !result.Allowed {
			h.metrics.RecordReject("quota_exceeded")
			return errors.ErrQuotaExceeded.WithRetryAfter(int(time.Until(result.Reset).Seconds()))
		}
	}
	return nil
}

func (h *ProxyHandler) writeError(w http.ResponseWriter, err error, requestID string) {
	if gwErr, ok := errors.AsGatewayError(err); ok {
		gwErr.WithRequestID(requestID).WriteJSON(w)
		return
	}
	errors.ErrInternal.WithRequestID(requestID).WriteJSON(w)
}
