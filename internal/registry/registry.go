// Package registry owns connector and endpoint lifecycle and resolves
// inbound gateway paths to (connector, endpoint, params). Routing
// metadata is parsed once per endpoint and held in an in-memory table
// rebuilt from storage on boot.
package registry

import (
	"context"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/svchub/gateway/internal/errors"
	"github.com/svchub/gateway/internal/logging"
	"github.com/svchub/gateway/internal/model"
	"github.com/svchub/gateway/internal/storage"
)

var slugPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{1,63}$`)

var validMethods = map[string]bool{
	"GET": true, "HEAD": true, "POST": true, "PUT": true,
	"DELETE": true, "PATCH": true, "OPTIONS": true,
}

// route is one cached, parsed endpoint.
type route struct {
	endpoint *model.Endpoint
	inbound  *Template
	upstream *Template
	idx      int // insertion order, tie-breaker after specificity
}

// connectorRoutes is the routing state for one connector slug.
type connectorRoutes struct {
	connector *model.Connector
	routes    []*route
}

// Resolution is the result of resolving an inbound request.
type Resolution struct {
	Connector  *model.Connector
	Endpoint   *model.Endpoint
	PathParams map[string]string
	// UpstreamPath is the endpoint's upstream template expanded with
	// the captured params.
	UpstreamPath string
}

// Registry is the connector/endpoint service.
type Registry struct {
	store storage.Store

	mu     sync.RWMutex
	bySlug map[string]*connectorRoutes
	nextID int
}

// New creates a Registry over store. Call Load before serving.
func New(store storage.Store) *Registry {
	return &Registry{
		store:  store,
		bySlug: make(map[string]*connectorRoutes),
	}
}

// Load rebuilds the routing table from storage.
func (r *Registry) Load(ctx context.Context) error {
	connectors, err := r.store.ListConnectors(ctx, storage.ConnectorFilter{})
	if err != nil {
		return err
	}

	table := make(map[string]*connectorRoutes, len(connectors))
	total := 0
	for _, c := range connectors {
		cr := &connectorRoutes{connector: c}
		endpoints, err := r.store.ListEndpoints(ctx, c.ID)
		if err != nil {
			return err
		}
		for i, e := range endpoints {
			in, err := ParseTemplate(e.Path)
			if err != nil {
				logging.Warn("skipping endpoint with unparsable template",
					zap.String("connector", c.Slug), zap.String("path", e.Path), zap.Error(err))
				continue
			}
			up, err := ParseTemplate(e.UpstreamPath)
			if err != nil {
				logging.Warn("skipping endpoint with unparsable upstream template",
					zap.String("connector", c.Slug), zap.String("path", e.UpstreamPath), zap.Error(err))
				continue
			}
			cr.routes = append(cr.routes, &route{endpoint: e, inbound: in, upstream: up, idx: i})
			total++
		}
		sortRoutes(cr.routes)
		table[c.Slug] = cr
	}

	r.mu.Lock()
	r.bySlug = table
	r.mu.Unlock()

	logging.Info("routing table loaded",
		zap.Int("connectors", len(connectors)), zap.Int("endpoints", total))
	return nil
}

// sortRoutes orders candidates: longest static match first, then fewest
// wildcards, then registration order. This makes resolution
// deterministic regardless of registration order.
func sortRoutes(routes []*route) {
	sort.SliceStable(routes, func(i, j int) bool {
		si, sj := routes[i].inbound.StaticCount(), routes[j].inbound.StaticCount()
		if si != sj {
			return si > sj
		}
		wi, wj := 0, 0
		if routes[i].inbound.HasWildcard() {
			wi = 1
		}
		if routes[j].inbound.HasWildcard() {
			wj = 1
		}
		if wi != wj {
			return wi < wj
		}
		return routes[i].idx < routes[j].idx
	})
}

// CreateConnectorInput is the admin-facing connector definition.
type CreateConnectorInput struct {
	OwnerID         string
	TeamID          string
	Slug            string
	DisplayName     string
	Description     string
	BaseURL         string
	AllowedHosts    []string
	DefaultTimeout  time.Duration
	AuthType        model.AuthType
	AuthConfig      map[string]string
	RequiredSecrets []string
	ResponseWrapper bool
	Tags            []string
}

// CreateConnector validates and persists a new draft connector.
func (r *Registry) CreateConnector(ctx context.Context, in CreateConnectorInput) (*model.Connector, error) {
	if !slugPattern.MatchString(in.Slug) {
		return nil, errors.ErrBadRequest.WithDetails("slug must match " + slugPattern.String())
	}
	if in.OwnerID == "" {
		return nil, errors.ErrBadRequest.WithDetails("owner is required")
	}
	if !in.AuthType.Valid() {
		return nil, errors.ErrBadRequest.WithDetails("unknown auth type: " + string(in.AuthType))
	}

	base, err := url.Parse(in.BaseURL)
	if err != nil || (base.Scheme != "http" && base.Scheme != "https") || base.Host == "" {
		return nil, errors.ErrBadRequest.WithDetails("base_url must be an absolute http(s) URL")
	}

	hosts := in.AllowedHosts
	if len(hosts) == 0 {
		hosts = []string{base.Hostname()}
	}
	c := &model.Connector{
		ID:              uuid.New(),
		OwnerID:         in.OwnerID,
		TeamID:          in.TeamID,
		Slug:            in.Slug,
		DisplayName:     in.DisplayName,
		Description:     in.Description,
		BaseURL:         strings.TrimRight(in.BaseURL, "/"),
		AllowedHosts:    hosts,
		DefaultTimeout:  in.DefaultTimeout,
		AuthType:        in.AuthType,
		AuthConfig:      in.AuthConfig,
		RequiredSecrets: in.RequiredSecrets,
		ResponseWrapper: in.ResponseWrapper,
		Status:          model.StatusDraft,
		Tags:            in.Tags,
		CreatedAt:       time.Now(),
		UpdatedAt:       time.Now(),
	}
	if !c.HostAllowed(base.Hostname()) {
		return nil, errors.ErrBadRequest.WithDetails("allowed_hosts must include the base URL host")
	}

	if err := r.store.CreateConnector(ctx, c); err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.bySlug[c.Slug] = &connectorRoutes{connector: c}
	r.mu.Unlock()
	return c, nil
}

// GetConnector returns a connector by slug.
func (r *Registry) GetConnector(ctx context.Context, slug string) (*model.Connector, error) {
	return r.store.GetConnectorBySlug(ctx, slug)
}

// ListConnectors lists connectors matching the filter.
func (r *Registry) ListConnectors(ctx context.Context, f storage.ConnectorFilter) ([]*model.Connector, error) {
	return r.store.ListConnectors(ctx, f)
}

// CreateEndpointInput is the admin-facing endpoint definition.
type CreateEndpointInput struct {
	Name          string
	Method        string
	Path          string
	UpstreamPath  string
	BodyTransform model.BodyTransform
	RateLimit     int
	RateWindow    time.Duration
	Timeout       time.Duration
	CacheTTL      time.Duration
	Streaming     bool
}

// CreateEndpoint validates and persists a new endpoint for connectorID.
// A (method, path) collision returns Conflict and leaves the existing
// endpoint untouched, so seeding tools can re-run safely.
func (r *Registry) CreateEndpoint(ctx context.Context, connectorID uuid.UUID, in CreateEndpointInput) (*model.Endpoint, error) {
	method := strings.ToUpper(in.Method)
	if !validMethods[method] {
		return nil, errors.ErrBadRequest.WithDetails("invalid HTTP method: " + in.Method)
	}
	if !in.BodyTransform.Valid() {
		return nil, errors.ErrBadRequest.WithDetails("unknown body transform: " + string(in.BodyTransform))
	}

	inbound, err := ParseTemplate(in.Path)
	if err != nil {
		return nil, errors.ErrBadRequest.WithDetails(err.Error())
	}
	upstream, err := ParseTemplate(in.UpstreamPath)
	if err != nil {
		return nil, errors.ErrBadRequest.WithDetails(err.Error())
	}

	// Every placeholder the upstream template consumes must be captured
	// by the inbound template.
	captured := inbound.ParamNames()
	for name := range upstream.ParamNames() {
		if !captured[name] {
			return nil, errors.ErrBadRequest.WithDetails("upstream placeholder :" + name + " is not captured by the inbound path")
		}
	}

	c, err := r.store.GetConnector(ctx, connectorID)
	if err != nil {
		return nil, err
	}

	transform := in.BodyTransform
	if transform == "" {
		transform = model.TransformPassthrough
	}
	e := &model.Endpoint{
		ID:            uuid.New(),
		ConnectorID:   connectorID,
		Name:          in.Name,
		Method:        method,
		Path:          in.Path,
		UpstreamPath:  in.UpstreamPath,
		BodyTransform: transform,
		RateLimit:     in.RateLimit,
		RateWindow:    in.RateWindow,
		Timeout:       in.Timeout,
		CacheTTL:      in.CacheTTL,
		Streaming:     in.Streaming,
		CreatedAt:     time.Now(),
	}
	if err := r.store.CreateEndpoint(ctx, e); err != nil {
		return nil, err
	}

	r.mu.Lock()
	cr, ok := r.bySlug[c.Slug]
	if !ok {
		cr = &connectorRoutes{connector: c}
		r.bySlug[c.Slug] = cr
	}
	r.nextID++
	cr.routes = append(cr.routes, &route{endpoint: e, inbound: inbound, upstream: upstream, idx: r.nextID})
	sortRoutes(cr.routes)
	r.mu.Unlock()
	return e, nil
}

// Publish transitions a connector from draft to published. A connector
// with no endpoints, or one already deprecated, cannot be published.
func (r *Registry) Publish(ctx context.Context, connectorID uuid.UUID) (*model.Connector, error) {
	return r.transition(ctx, connectorID, model.StatusPublished)
}

// Deprecate transitions a published connector to deprecated.
func (r *Registry) Deprecate(ctx context.Context, connectorID uuid.UUID) (*model.Connector, error) {
	return r.transition(ctx, connectorID, model.StatusDeprecated)
}

func (r *Registry) transition(ctx context.Context, connectorID uuid.UUID, target model.ConnectorStatus) (*model.Connector, error) {
	c, err := r.store.GetConnector(ctx, connectorID)
	if err != nil {
		return nil, err
	}

	switch target {
	case model.StatusPublished:
		if c.Status == model.StatusDeprecated {
			return nil, errors.ErrInvalidState.WithDetails("deprecated connectors cannot be re-published")
		}
		endpoints, err := r.store.ListEndpoints(ctx, connectorID)
		if err != nil {
			return nil, err
		}
		if len(endpoints) == 0 {
			return nil, errors.ErrInvalidState.WithDetails("connector has no endpoints")
		}
	case model.StatusDeprecated:
		if c.Status != model.StatusPublished {
			return nil, errors.ErrInvalidState.WithDetails("only published connectors can be deprecated")
		}
	}

	c.Status = target
	c.UpdatedAt = time.Now()
	if err := r.store.UpdateConnector(ctx, c); err != nil {
		return nil, err
	}

	r.mu.Lock()
	if cr, ok := r.bySlug[c.Slug]; ok {
		cr.connector = c
	}
	r.mu.Unlock()
	return c, nil
}

// Resolve maps an inbound (method, path) to a connector and endpoint.
// The path is the portion after the /gw prefix: "/{slug}/rest...".
// Draft connectors are not routable.
func (r *Registry) Resolve(method, path string) (*Resolution, error) {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil, errors.ErrRouteNotFound
	}
	parts := strings.Split(trimmed, "/")
	slug := parts[0]
	rest := parts[1:]

	r.mu.RLock()
	defer r.mu.RUnlock()

	cr, ok := r.bySlug[slug]
	if !ok || cr.connector.Status == model.StatusDraft {
		return nil, errors.ErrRouteNotFound
	}

	method = strings.ToUpper(method)
	for _, rt := range cr.routes {
		if rt.endpoint.Method != method {
			continue
		}
		params, ok := rt.inbound.Match(rest)
		if !ok {
			continue
		}
		return &Resolution{
			Connector:    cr.connector,
			Endpoint:     rt.endpoint,
			PathParams:   params,
			UpstreamPath: rt.upstream.Expand(params),
		}, nil
	}
	return nil, errors.ErrRouteNotFound
}
