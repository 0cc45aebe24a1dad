package model

import (
	"time"

	"github.com/google/uuid"
)

// AuthType declares how a connector authenticates to its upstream.
type AuthType string

const (
	AuthNone           AuthType = "none"
	AuthAPIKey         AuthType = "api-key"
	AuthRequestSigning AuthType = "request-signing"
	AuthOAuthToken     AuthType = "oauth-token"
)

// Valid reports whether t is a known auth type.
func (t AuthType) Valid() bool {
	switch t {
	case AuthNone, AuthAPIKey, AuthRequestSigning, AuthOAuthToken:
		return true
	}
	return false
}

// ConnectorStatus is the lifecycle state of a connector.
type ConnectorStatus string

const (
	StatusDraft      ConnectorStatus = "draft"
	StatusPublished  ConnectorStatus = "published"
	StatusDeprecated ConnectorStatus = "deprecated"
)

// BodyTransform selects how an endpoint forwards the request body.
type BodyTransform string

const (
	TransformPassthrough BodyTransform = "passthrough"
	TransformBinary      BodyTransform = "binary"
	TransformForm        BodyTransform = "form"
)

// Valid reports whether bt is a known transform.
func (bt BodyTransform) Valid() bool {
	switch bt {
	case TransformPassthrough, TransformBinary, TransformForm, "":
		return true
	}
	return false
}

// Connector is a registered integration with one upstream third-party API.
type Connector struct {
	ID              uuid.UUID         `json:"id"`
	OwnerID         string            `json:"owner_id"`
	TeamID          string            `json:"team_id,omitempty"`
	Slug            string            `json:"slug"`
	DisplayName     string            `json:"display_name"`
	Description     string            `json:"description,omitempty"`
	BaseURL         string            `json:"base_url"`
	AllowedHosts    []string          `json:"allowed_hosts"`
	DefaultTimeout  time.Duration     `json:"default_timeout"`
	AuthType        AuthType          `json:"auth_type"`
	AuthConfig      map[string]string `json:"auth_config,omitempty"`
	RequiredSecrets []string          `json:"required_secrets,omitempty"`
	ResponseWrapper bool              `json:"response_wrapper"`
	Status          ConnectorStatus   `json:"status"`
	Tags            []string          `json:"tags,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// HostAllowed reports whether host is on the connector's allow-list.
func (c *Connector) HostAllowed(host string) bool {
	for _, h := range c.AllowedHosts {
		if h == host {
			return true
		}
	}
	return false
}

// SecretScope is the vault scope holding this connector's credentials.
func (c *Connector) SecretScope() string {
	return "gw:connector:" + c.ID.String()
}

// Endpoint is one routable operation exposed through a connector.
type Endpoint struct {
	ID            uuid.UUID     `json:"id"`
	ConnectorID   uuid.UUID     `json:"connector_id"`
	Name          string        `json:"name"`
	Method        string        `json:"method"`
	Path          string        `json:"path"`
	UpstreamPath  string        `json:"upstream_path"`
	BodyTransform BodyTransform `json:"body_transform,omitempty"`
	RateLimit     int           `json:"rate_limit,omitempty"`
	RateWindow    time.Duration `json:"rate_window,omitempty"`
	Timeout       time.Duration `json:"timeout,omitempty"`
	CacheTTL      time.Duration `json:"cache_ttl,omitempty"`
	Streaming     bool          `json:"streaming,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
}

// GatewayPlan is a named bundle of rate/quota limits attachable to a key.
type GatewayPlan struct {
	ID          uuid.UUID     `json:"id"`
	Name        string        `json:"name"`
	DisplayName string        `json:"display_name"`
	RateLimit   int           `json:"rate_limit"`
	RateWindow  time.Duration `json:"rate_window"`
	DailyQuota  int64         `json:"daily_quota"`
	CreatedAt   time.Time     `json:"created_at"`
}

// KeyStatus is the lifecycle state of a gateway API key.
type KeyStatus string

const (
	KeyActive  KeyStatus = "active"
	KeyRevoked KeyStatus = "revoked"
)

// GatewayAPIKey is a caller credential for the proxy surface. The raw key
// is returned exactly once at creation; only KeyHash is persisted.
type GatewayAPIKey struct {
	ID          uuid.UUID  `json:"id"`
	OwnerID     string     `json:"owner_id"`
	ConnectorID *uuid.UUID `json:"connector_id,omitempty"`
	PlanID      *uuid.UUID `json:"plan_id,omitempty"`
	Name        string     `json:"name"`
	KeyHash     string     `json:"-"`
	KeyPrefix   string     `json:"key_prefix"`
	Status      KeyStatus  `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	RevokedAt   *time.Time `json:"revoked_at,omitempty"`
	LastUsedAt  *time.Time `json:"last_used_at,omitempty"`
}

// SecretRecord is a vaulted credential. Plaintext never leaves the
// authentication engine's decrypt-and-use path.
type SecretRecord struct {
	Scope      string    `json:"scope"`
	Name       string    `json:"name"`
	Ciphertext []byte    `json:"-"`
	Nonce      []byte    `json:"-"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// SessionStatus is the state of a brokered OAuth login session.
type SessionStatus string

const (
	SessionPending  SessionStatus = "pending"
	SessionComplete SessionStatus = "complete"
	SessionFailed   SessionStatus = "failed"
)

// OAuthSession is the state of one brokered third-party login handshake.
type OAuthSession struct {
	LoginSessionID    string        `json:"login_session_id"`
	ProviderSlug      string        `json:"provider_slug"`
	GatewayNonce      string        `json:"gateway_nonce,omitempty"`
	GatewayInstanceID string        `json:"gateway_instance_id,omitempty"`
	UserID            string        `json:"user_id,omitempty"`
	State             string        `json:"state"`
	Status            SessionStatus `json:"status"`
	ProviderUserID    string        `json:"provider_user_id,omitempty"`
	Error             string        `json:"error,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
	ExpiresAt         time.Time     `json:"expires_at"`
	Redeemed          bool          `json:"redeemed"`
}

// Expired reports whether the session TTL has elapsed at now.
func (s *OAuthSession) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// CredentialScope is the vault scope a completed session writes into.
// Anonymous starts fall back to the caller-supplied instance ID.
func (s *OAuthSession) CredentialScope() string {
	if s.UserID != "" {
		return "gw:personal:" + s.UserID
	}
	return "gw:instance:" + s.GatewayInstanceID
}
