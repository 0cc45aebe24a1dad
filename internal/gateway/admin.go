package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"

	"github.com/svchub/gateway/internal/errors"
	"github.com/svchub/gateway/internal/metrics"
	"github.com/svchub/gateway/internal/model"
	"github.com/svchub/gateway/internal/registry"
	"github.com/svchub/gateway/internal/ssrf"
	"github.com/svchub/gateway/internal/storage"
	"github.com/svchub/gateway/internal/vault"
)

// AdminAPI serves the connector lifecycle endpoints. All creates are
// idempotent-safe: re-issuing one for an existing slug or name returns
// a conflict instead of a duplicate row.
type AdminAPI struct {
	registry *registry.Registry
	keys     *KeyManager
	vault    *vault.Vault
	store    storage.Store
	guard    *ssrf.Guard
	started  time.Time
}

// NewAdminAPI creates the admin surface.
func NewAdminAPI(reg *registry.Registry, keys *KeyManager, v *vault.Vault, store storage.Store, guard *ssrf.Guard) *AdminAPI {
	return &AdminAPI{
		registry: reg,
		keys:     keys,
		vault:    v,
		store:    store,
		guard:    guard,
		started:  time.Now(),
	}
}

// Routes mounts the admin endpoints on a router.
func (a *AdminAPI) Routes() http.Handler {
	router := httprouter.New()

	router.POST("/gw/admin/connectors", a.createConnector)
	router.GET("/gw/admin/connectors", a.listConnectors)
	router.GET("/gw/admin/connectors/:id", a.getConnector)
	router.POST("/gw/admin/connectors/:id/endpoints", a.createEndpoint)
	router.GET("/gw/admin/connectors/:id/endpoints", a.listEndpoints)
	router.POST("/gw/admin/connectors/:id/publish", a.publish)
	router.POST("/gw/admin/connectors/:id/deprecate", a.deprecate)
	router.POST("/gw/admin/connectors/:id/secrets", a.putSecret)
	router.GET("/gw/admin/connectors/:id/secrets", a.listSecretNames)
	router.DELETE("/gw/admin/connectors/:id/secrets/:name", a.deleteSecret)
	router.POST("/gw/admin/plans", a.createPlan)
	router.POST("/gw/admin/keys", a.issueKey)
	router.DELETE("/gw/admin/keys/:id", a.revokeKey)

	router.NotFound = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		errors.ErrRouteNotFound.WriteJSON(w)
	})
	return router
}

type createConnectorRequest struct {
	OwnerID         string            `json:"owner_id"`
	TeamID          string            `json:"team_id"`
	Slug            string            `json:"slug"`
	DisplayName     string            `json:"display_name"`
	Description     string            `json:"description"`
	BaseURL         string            `json:"base_url"`
	AllowedHosts    []string          `json:"allowed_hosts"`
	DefaultTimeout  int               `json:"default_timeout_ms"`
	AuthType        model.AuthType    `json:"auth_type"`
	AuthConfig      map[string]string `json:"auth_config"`
	RequiredSecrets []string          `json:"required_secrets"`
	ResponseWrapper bool              `json:"response_wrapper"`
	Tags            []string          `json:"tags"`
}

func (a *AdminAPI) createConnector(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req createConnectorRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}

	// Registration-time destination check. The proxy re-validates at
	// call time.
	if req.BaseURL != "" {
		if err := a.guard.Validate(r.Context(), req.BaseURL); err != nil {
			a.writeError(w, r, errors.Wrap(errors.ErrSSRFBlocked, err))
			return
		}
	}

	connector, err := a.registry.CreateConnector(r.Context(), registry.CreateConnectorInput{
		OwnerID:         req.OwnerID,
		TeamID:          req.TeamID,
		Slug:            req.Slug,
		DisplayName:     req.DisplayName,
		Description:     req.Description,
		BaseURL:         req.BaseURL,
		AllowedHosts:    req.AllowedHosts,
		DefaultTimeout:  time.Duration(req.DefaultTimeout) * time.Millisecond,
		AuthType:        req.AuthType,
		AuthConfig:      req.AuthConfig,
		RequiredSecrets: req.RequiredSecrets,
		ResponseWrapper: req.ResponseWrapper,
		Tags:            req.Tags,
	})
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, connector)
}

func (a *AdminAPI) listConnectors(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	q := r.URL.Query()
	connectors, err := a.registry.ListConnectors(r.Context(), storage.ConnectorFilter{
		OwnerID: q.Get("owner_id"),
		Status:  model.ConnectorStatus(q.Get("status")),
		Tag:     q.Get("tag"),
	})
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"connectors": connectors})
}

func (a *AdminAPI) getConnector(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id, err := uuid.Parse(ps.ByName("id"))
	if err != nil {
		a.writeError(w, r, errors.ErrBadRequest.WithDetails("invalid connector id"))
		return
	}
	connector, err := a.store.GetConnector(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, connector)
}

type createEndpointRequest struct {
	Name          string              `json:"name"`
	Method        string              `json:"method"`
	Path          string              `json:"path"`
	UpstreamPath  string              `json:"upstream_path"`
	BodyTransform model.BodyTransform `json:"body_transform"`
	RateLimit     int                 `json:"rate_limit"`
	RateWindowMS  int                 `json:"rate_window_ms"`
	TimeoutMS     int                 `json:"timeout_ms"`
	CacheTTLMS    int                 `json:"cache_ttl_ms"`
	Streaming     bool                `json:"streaming"`
}

func (a *AdminAPI) createEndpoint(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id, err := uuid.Parse(ps.ByName("id"))
	if err != nil {
		a.writeError(w, r, errors.ErrBadRequest.WithDetails("invalid connector id"))
		return
	}
	var req createEndpointRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	endpoint, err := a.registry.CreateEndpoint(r.Context(), id, registry.CreateEndpointInput{
		Name:          req.Name,
		Method:        req.Method,
		Path:          req.Path,
		UpstreamPath:  req.UpstreamPath,
		BodyTransform: req.BodyTransform,
		RateLimit:     req.RateLimit,
		RateWindow:    time.Duration(req.RateWindowMS) * time.Millisecond,
		Timeout:       time.Duration(req.TimeoutMS) * time.Millisecond,
		CacheTTL:      time.Duration(req.CacheTTLMS) * time.Millisecond,
		Streaming:     req.Streaming,
	})
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, endpoint)
}

func (a *AdminAPI) listEndpoints(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id, err := uuid.Parse(ps.ByName("id"))
	if err != nil {
		a.writeError(w, r, errors.ErrBadRequest.WithDetails("invalid connector id"))
		return
	}
	endpoints, err := a.store.ListEndpoints(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"endpoints": endpoints})
}

func (a *AdminAPI) publish(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	a.transition(w, r, ps, a.registry.Publish)
}

func (a *AdminAPI) deprecate(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	a.transition(w, r, ps, a.registry.Deprecate)
}

func (a *AdminAPI) transition(w http.ResponseWriter, r *http.Request, ps httprouter.Params,
	fn func(ctx context.Context, id uuid.UUID) (*model.Connector, error)) {
	id, err := uuid.Parse(ps.ByName("id"))
	if err != nil {
		a.writeError(w, r, errors.ErrBadRequest.WithDetails("invalid connector id"))
		return
	}
	connector, err := fn(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, connector)
}

type putSecretRequest struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// putSecret vaults a connector credential. The value is write-only:
// nothing on the admin surface returns it back.
func (a *AdminAPI) putSecret(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id, err := uuid.Parse(ps.ByName("id"))
	if err != nil {
		a.writeError(w, r, errors.ErrBadRequest.WithDetails("invalid connector id"))
		return
	}
	connector, err := a.store.GetConnector(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	var req putSecretRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	if req.Name == "" {
		a.writeError(w, r, errors.ErrBadRequest.WithDetails("name is required"))
		return
	}
	if err := a.vault.Put(r.Context(), connector.SecretScope(), req.Name, []byte(req.Value)); err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

func (a *AdminAPI) listSecretNames(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id, err := uuid.Parse(ps.ByName("id"))
	if err != nil {
		a.writeError(w, r, errors.ErrBadRequest.WithDetails("invalid connector id"))
		return
	}
	connector, err := a.store.GetConnector(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	names, err := a.vault.ListNames(r.Context(), connector.SecretScope())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"names": names})
}

func (a *AdminAPI) deleteSecret(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id, err := uuid.Parse(ps.ByName("id"))
	if err != nil {
		a.writeError(w, r, errors.ErrBadRequest.WithDetails("invalid connector id"))
		return
	}
	connector, err := a.store.GetConnector(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if err := a.vault.Delete(r.Context(), connector.SecretScope(), ps.ByName("name")); err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

type createPlanRequest struct {
	Name         string `json:"name"`
	DisplayName  string `json:"display_name"`
	RateLimit    int    `json:"rate_limit"`
	RateWindowMS int    `json:"rate_window_ms"`
	DailyQuota   int64  `json:"daily_quota"`
}

func (a *AdminAPI) createPlan(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req createPlanRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	if req.Name == "" {
		a.writeError(w, r, errors.ErrBadRequest.WithDetails("name is required"))
		return
	}
	plan := &model.GatewayPlan{
		ID:          uuid.New(),
		Name:        req.Name,
		DisplayName: req.DisplayName,
		RateLimit:   req.RateLimit,
		RateWindow:  time.Duration(req.RateWindowMS) * time.Millisecond,
		DailyQuota:  req.DailyQuota,
		CreatedAt:   time.Now(),
	}
	if err := a.store.CreatePlan(r.Context(), plan); err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, plan)
}

func (a *AdminAPI) issueKey(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req IssueKeyInput
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	rawKey, key, err := a.keys.IssueKey(r.Context(), req)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"key":     key,
		"raw_key": rawKey, // shown exactly once
	})
}

func (a *AdminAPI) revokeKey(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id, err := uuid.Parse(ps.ByName("id"))
	if err != nil {
		a.writeError(w, r, errors.ErrBadRequest.WithDetails("invalid key id"))
		return
	}
	if err := a.keys.Revoke(r.Context(), id); err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

// Health reports liveness plus storage reachability.
func (a *AdminAPI) Health(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if err := a.store.Ping(r.Context()); err != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status": status,
		"uptime": time.Since(a.started).String(),
	})
}

// Stats summarizes registry contents and guard activity.
func (a *AdminAPI) Stats(w http.ResponseWriter, r *http.Request) {
	connectors, err := a.registry.ListConnectors(r.Context(), storage.ConnectorFilter{})
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	byStatus := map[model.ConnectorStatus]int{}
	for _, c := range connectors {
		byStatus[c.Status]++
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"connectors":   len(connectors),
		"by_status":    byStatus,
		"ssrf_blocked": a.guard.BlockedCount(),
	})
}

// MetricsHandler exposes the Prometheus endpoint.
func (a *AdminAPI) MetricsHandler() http.Handler {
	return metrics.Handler()
}

func (a *AdminAPI) writeError(w http.ResponseWriter, r *http.Request, err error) {
	requestID := RequestIDFrom(r.Context())
	if gwErr, ok := errors.AsGatewayError(err); ok {
		gwErr.WithRequestID(requestID).WriteJSON(w)
		return
	}
	errors.ErrInternal.WithRequestID(requestID).WriteJSON(w)
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.ErrBadRequest.WithDetails("invalid JSON body: " + err.Error())
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	if v == nil {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
