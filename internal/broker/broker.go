// Package broker runs the "log in to connect a third-party account"
// handshake. The gateway relays the caller to the provider's auth page,
// receives the callback, exchanges the short-lived callback token for a
// durable credential, and vaults it for the auth engine to consume.
package broker

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/svchub/gateway/internal/config"
	"github.com/svchub/gateway/internal/errors"
	"github.com/svchub/gateway/internal/logging"
	"github.com/svchub/gateway/internal/model"
	"github.com/svchub/gateway/internal/store"
	"github.com/svchub/gateway/internal/vault"
)

const (
	sessionKeyPrefix = "session:"
	stateKeyPrefix   = "state:"
)

// Broker manages brokered OAuth login sessions. Sessions live in the
// TTL store so the same logic runs against the in-process map in tests
// and a shared Redis in production.
type Broker struct {
	providers   map[string]config.ProviderConfig
	sessions    store.Store
	vault       *vault.Vault
	client      *http.Client
	callbackURL string
	ttl         time.Duration
	pollAfterMS int
	startLimit  *rate.Limiter
	now         func() time.Time
}

// New creates a broker from the configured providers.
func New(cfg config.BrokerConfig, sessions store.Store, v *vault.Vault) *Broker {
	providers := make(map[string]config.ProviderConfig, len(cfg.Providers))
	for _, p := range cfg.Providers {
		providers[p.Slug] = p
	}
	ttl := cfg.SessionTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	pollAfter := cfg.PollAfterMS
	if pollAfter <= 0 {
		pollAfter = 1500
	}
	return &Broker{
		providers:   providers,
		sessions:    sessions,
		vault:       v,
		client:      &http.Client{Timeout: 15 * time.Second},
		callbackURL: strings.TrimRight(cfg.CallbackBaseURL, "/"),
		ttl:         ttl,
		pollAfterMS: pollAfter,
		startLimit:  rate.NewLimiter(rate.Limit(10), 20),
		now:         time.Now,
	}
}

// StartRequest carries the caller context for a new login session.
// Anonymous starts are allowed when a gateway instance ID is supplied;
// the durable credential is then scoped to that instance.
type StartRequest struct {
	GatewayNonce      string `json:"gateway_nonce"`
	GatewayInstanceID string `json:"gateway_instance_id"`
	UserID            string `json:"user_id"`
}

// StartResult is returned to the caller, who opens AuthURL in a browser
// and polls the session until it settles.
type StartResult struct {
	AuthURL        string `json:"auth_url"`
	LoginSessionID string `json:"login_session_id"`
	ExpiresIn      int    `json:"expires_in"`
	PollAfterMS    int    `json:"poll_after_ms"`
}

// Start creates a pending session and builds the provider redirect URL.
func (b *Broker) Start(ctx context.Context, providerSlug string, req StartRequest) (*StartResult, error) {
	provider, ok := b.providers[providerSlug]
	if !ok {
		return nil, errors.ErrNotFound.WithDetails("unknown provider " + providerSlug)
	}
	if req.UserID == "" && req.GatewayInstanceID == "" {
		return nil, errors.ErrBadRequest.WithDetails("user_id or gateway_instance_id is required")
	}
	if !b.startLimit.Allow() {
		return nil, errors.ErrRateLimited
	}

	state, err := randomState()
	if err != nil {
		return nil, fmt.Errorf("broker: generate state: %w", err)
	}
	now := b.now()
	session := &model.OAuthSession{
		LoginSessionID:    uuid.NewString(),
		ProviderSlug:      providerSlug,
		GatewayNonce:      req.GatewayNonce,
		GatewayInstanceID: req.GatewayInstanceID,
		UserID:            req.UserID,
		State:             state,
		Status:            model.SessionPending,
		CreatedAt:         now,
		ExpiresAt:         now.Add(b.ttl),
	}

	if err := b.saveSession(ctx, session); err != nil {
		return nil, err
	}
	if err := b.sessions.Set(ctx, stateKeyPrefix+state, []byte(session.LoginSessionID), b.ttl); err != nil {
		return nil, fmt.Errorf("broker: index state: %w", err)
	}

	authURL, err := b.buildAuthURL(provider, session)
	if err != nil {
		return nil, err
	}

	logging.Info("brokered login started",
		zap.String("provider", providerSlug),
		zap.String("login_session_id", session.LoginSessionID))

	return &StartResult{
		AuthURL:        authURL,
		LoginSessionID: session.LoginSessionID,
		ExpiresIn:      int(b.ttl.Seconds()),
		PollAfterMS:    b.pollAfterMS,
	}, nil
}

// Callback settles the session identified by state. Exactly one
// exchange happens per session: a concurrent or repeated callback loses
// the compare-and-swap and is rejected without a second exchange call.
func (b *Broker) Callback(ctx context.Context, providerSlug, token, state, providerUserID string) (*model.OAuthSession, error) {
	provider, ok := b.providers[providerSlug]
	if !ok {
		return nil, errors.ErrNotFound.WithDetails("unknown provider " + providerSlug)
	}

	idRaw, found, err := b.sessions.Get(ctx, stateKeyPrefix+state)
	if err != nil {
		return nil, fmt.Errorf("broker: lookup state: %w", err)
	}
	if !found {
		return nil, errors.ErrSessionExpired
	}

	sessionKey := sessionKeyPrefix + string(idRaw)
	raw, found, err := b.sessions.Get(ctx, sessionKey)
	if err != nil {
		return nil, fmt.Errorf("broker: load session: %w", err)
	}
	if !found {
		return nil, errors.ErrSessionExpired
	}
	var session model.OAuthSession
	if err := json.Unmarshal(raw, &session); err != nil {
		return nil, fmt.Errorf("broker: decode session: %w", err)
	}

	if session.ProviderSlug != providerSlug {
		return nil, errors.ErrProviderMismatch
	}
	if session.Redeemed || session.Status != model.SessionPending || session.Expired(b.now()) {
		return nil, errors.ErrSessionExpired
	}

	// Claim the session before touching the provider. Two callbacks
	// racing here produce exactly one winner.
	claimed := session
	claimed.Redeemed = true
	next, err := json.Marshal(&claimed)
	if err != nil {
		return nil, fmt.Errorf("broker: encode session: %w", err)
	}
	won, err := b.sessions.CompareAndSwap(ctx, sessionKey, raw, next, b.ttl)
	if err != nil {
		return nil, fmt.Errorf("broker: claim session: %w", err)
	}
	if !won {
		return nil, errors.ErrSessionExpired
	}
	session = claimed

	durable, err := b.exchange(ctx, provider, token)
	if err != nil {
		session.Status = model.SessionFailed
		session.Error = "token exchange failed"
		if saveErr := b.saveSession(ctx, &session); saveErr != nil {
			logging.Error("failed to persist failed session", zap.Error(saveErr))
		}
		logging.Warn("token exchange failed",
			zap.String("provider", providerSlug),
			zap.String("login_session_id", session.LoginSessionID),
			zap.Error(err))
		return nil, errors.Wrap(errors.ErrUpstreamError, err)
	}

	if err := b.vault.Put(ctx, session.CredentialScope(), "oauth:"+providerSlug, []byte(durable)); err != nil {
		session.Status = model.SessionFailed
		session.Error = "credential storage failed"
		if saveErr := b.saveSession(ctx, &session); saveErr != nil {
			logging.Error("failed to persist failed session", zap.Error(saveErr))
		}
		return nil, fmt.Errorf("broker: vault credential: %w", err)
	}

	// The vault holds the only copy of the durable token. The session
	// record tracks handshake state and never carries token material.
	session.Status = model.SessionComplete
	session.ProviderUserID = providerUserID
	if err := b.saveSession(ctx, &session); err != nil {
		return nil, err
	}

	logging.Info("brokered login complete",
		zap.String("provider", providerSlug),
		zap.String("login_session_id", session.LoginSessionID))
	return &session, nil
}

// PollResult is the caller-visible session status.
type PollResult struct {
	Status         model.SessionStatus `json:"status"`
	ProviderUserID string              `json:"provider_user_id,omitempty"`
	Error          string              `json:"error,omitempty"`
}

// Poll reports the status of a session by its login session ID.
func (b *Broker) Poll(ctx context.Context, loginSessionID string) (*PollResult, error) {
	raw, found, err := b.sessions.Get(ctx, sessionKeyPrefix+loginSessionID)
	if err != nil {
		return nil, fmt.Errorf("broker: load session: %w", err)
	}
	if !found {
		return nil, errors.ErrSessionExpired
	}
	var session model.OAuthSession
	if err := json.Unmarshal(raw, &session); err != nil {
		return nil, fmt.Errorf("broker: decode session: %w", err)
	}
	return &PollResult{
		Status:         session.Status,
		ProviderUserID: session.ProviderUserID,
		Error:          session.Error,
	}, nil
}

// Providers lists the configured provider slugs and display names.
func (b *Broker) Providers() map[string]string {
	out := make(map[string]string, len(b.providers))
	for slug, p := range b.providers {
		out[slug] = p.DisplayName
	}
	return out
}

func (b *Broker) saveSession(ctx context.Context, s *model.OAuthSession) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("broker: encode session: %w", err)
	}
	if err := b.sessions.Set(ctx, sessionKeyPrefix+s.LoginSessionID, raw, b.ttl); err != nil {
		return fmt.Errorf("broker: save session: %w", err)
	}
	return nil
}

func (b *Broker) buildAuthURL(p config.ProviderConfig, s *model.OAuthSession) (string, error) {
	u, err := url.Parse(p.AuthURL)
	if err != nil {
		return "", fmt.Errorf("broker: provider auth url: %w", err)
	}
	q := u.Query()
	q.Set("state", s.State)
	q.Set("redirect_uri", fmt.Sprintf("%s/auth/providers/%s/callback", b.callbackURL, p.Slug))
	if p.ClientID != "" {
		q.Set("client_id", p.ClientID)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// exchange trades the short-lived callback token for the provider's
// durable credential.
func (b *Broker) exchange(ctx context.Context, p config.ProviderConfig, token string) (string, error) {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	form := url.Values{}
	form.Set("token", token)
	if p.ClientID != "" {
		form.Set("client_id", p.ClientID)
	}
	if p.ClientSecret != "" {
		form.Set("client_secret", p.ClientSecret)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.TokenExchangeURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := b.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("token exchange returned %d", resp.StatusCode)
	}

	field := p.TokenField
	if field == "" {
		field = "access_token"
	}
	durable := gjson.GetBytes(body, field)
	if !durable.Exists() || durable.String() == "" {
		return "", fmt.Errorf("token exchange response missing %q", field)
	}
	return durable.String(), nil
}

func randomState() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
