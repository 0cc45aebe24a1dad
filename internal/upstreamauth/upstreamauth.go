// Package upstreamauth turns a connector's declared auth type into the
// outbound request transformation needed to reach the upstream. Each
// scheme is its own Strategy; adding a scheme is additive.
package upstreamauth

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/svchub/gateway/internal/errors"
	"github.com/svchub/gateway/internal/model"
	"github.com/svchub/gateway/internal/vault"
)

// Strategy applies one auth scheme to an outbound request.
type Strategy interface {
	Apply(ctx context.Context, r *http.Request) error
}

// Engine builds strategies and mediates vault reads. Decrypted values
// are held only in a short-TTL cache, never persisted.
type Engine struct {
	vault *vault.Vault
	creds *expirable.LRU[string, string]
}

// New creates an engine backed by the given vault.
func New(v *vault.Vault) *Engine {
	return &Engine{
		vault: v,
		creds: expirable.NewLRU[string, string](1024, nil, 30*time.Second),
	}
}

// For returns the strategy for a connector. userID selects the
// caller's personal credential scope for oauth-token connectors; when
// empty the connector's own scope is used.
func (e *Engine) For(c *model.Connector, userID string) (Strategy, error) {
	switch c.AuthType {
	case model.AuthNone, "":
		return noneStrategy{}, nil
	case model.AuthAPIKey:
		return newAPIKeyStrategy(e, c)
	case model.AuthRequestSigning:
		return newSigningStrategy(e, c)
	case model.AuthOAuthToken:
		return newOAuthStrategy(e, c, userID), nil
	default:
		return nil, fmt.Errorf("unknown auth type %q", c.AuthType)
	}
}

// secret reads one vaulted value, going through the decrypted-value
// cache. A missing secret surfaces as UpstreamAuthUnavailable so the
// request fails instead of forwarding unauthenticated.
func (e *Engine) secret(ctx context.Context, scope, name string) (string, error) {
	cacheKey := scope + "\x00" + name
	if v, ok := e.creds.Get(cacheKey); ok {
		return v, nil
	}
	plaintext, err := e.vault.Get(ctx, scope, name)
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			return "", errors.Wrap(errors.ErrUpstreamAuthUnavailable,
				fmt.Errorf("secret %s missing in scope %s", name, scope))
		}
		return "", errors.Wrap(errors.ErrUpstreamAuthUnavailable, err)
	}
	v := string(plaintext)
	e.creds.Add(cacheKey, v)
	return v, nil
}

// Invalidate drops cached values for a scope+name, used after secret
// rotation.
func (e *Engine) Invalidate(scope, name string) {
	e.creds.Remove(scope + "\x00" + name)
}

// noneStrategy forwards the request untouched.
type noneStrategy struct{}

func (noneStrategy) Apply(context.Context, *http.Request) error { return nil }

// apiKeyStrategy injects a vaulted value as a header or query param.
// The value is read from the vault at call time, not at build time, so
// rotation takes effect without re-publishing the connector.
type apiKeyStrategy struct {
	engine     *Engine
	scope      string
	secretName string
	header     string
	query      string
	prefix     string
}

func newAPIKeyStrategy(e *Engine, c *model.Connector) (*apiKeyStrategy, error) {
	s := &apiKeyStrategy{
		engine:     e,
		scope:      c.SecretScope(),
		secretName: c.AuthConfig["secret"],
		header:     c.AuthConfig["header"],
		query:      c.AuthConfig["query"],
		prefix:     c.AuthConfig["prefix"],
	}
	if s.secretName == "" {
		s.secretName = "api_key"
	}
	if s.header == "" && s.query == "" {
		return nil, fmt.Errorf("api-key auth needs a header or query target")
	}
	return s, nil
}

func (s *apiKeyStrategy) Apply(ctx context.Context, r *http.Request) error {
	value, err := s.engine.secret(ctx, s.scope, s.secretName)
	if err != nil {
		return err
	}
	if s.header != "" {
		r.Header.Set(s.header, s.prefix+value)
		return nil
	}
	q := r.URL.Query()
	q.Set(s.query, value)
	r.URL.RawQuery = q.Encode()
	return nil
}

// oauthStrategy attaches a bearer token produced by a completed broker
// session, or a long-lived token vaulted under the connector's scope.
type oauthStrategy struct {
	engine     *Engine
	scope      string
	secretName string
}

func newOAuthStrategy(e *Engine, c *model.Connector, userID string) *oauthStrategy {
	s := &oauthStrategy{engine: e}
	provider := c.AuthConfig["provider"]
	if provider == "" {
		provider = c.Slug
	}
	if userID != "" {
		s.scope = "gw:personal:" + userID
		s.secretName = "oauth:" + provider
	} else {
		s.scope = c.SecretScope()
		s.secretName = c.AuthConfig["secret"]
		if s.secretName == "" {
			s.secretName = "access_token"
		}
	}
	return s
}

func (s *oauthStrategy) Apply(ctx context.Context, r *http.Request) error {
	token, err := s.engine.secret(ctx, s.scope, s.secretName)
	if err != nil {
		return err
	}
	r.Header.Set("Authorization", "Bearer "+token)
	return nil
}
