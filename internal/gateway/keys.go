// Package gateway wires the HTTP surfaces together: the proxy front
// door, the admin API, and the brokered auth endpoints.
package gateway

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/svchub/gateway/internal/errors"
	"github.com/svchub/gateway/internal/model"
	"github.com/svchub/gateway/internal/storage"
)

const rawKeyPrefix = "gw_"

// KeyManager issues and authenticates gateway API keys. The raw key is
// visible exactly once at issue time; only its SHA-256 hash persists.
type KeyManager struct {
	store storage.Store
}

// NewKeyManager creates a key manager over the given store.
func NewKeyManager(store storage.Store) *KeyManager {
	return &KeyManager{store: store}
}

// IssueKeyInput describes a new key.
type IssueKeyInput struct {
	OwnerID     string     `json:"owner_id"`
	Name        string     `json:"name"`
	ConnectorID *uuid.UUID `json:"connector_id,omitempty"`
	PlanID      *uuid.UUID `json:"plan_id,omitempty"`
}

// IssueKey generates a key, persists its hash, and returns the raw
// value. The raw value cannot be recovered afterwards.
func (m *KeyManager) IssueKey(ctx context.Context, in IssueKeyInput) (string, *model.GatewayAPIKey, error) {
	if in.OwnerID == "" {
		return "", nil, errors.ErrBadRequest.WithDetails("owner_id is required")
	}
	if in.Name == "" {
		return "", nil, errors.ErrBadRequest.WithDetails("name is required")
	}

	rawBytes := make([]byte, 32)
	if _, err := rand.Read(rawBytes); err != nil {
		return "", nil, fmt.Errorf("generating key: %w", err)
	}
	rawKey := rawKeyPrefix + hex.EncodeToString(rawBytes)

	key := &model.GatewayAPIKey{
		ID:          uuid.New(),
		OwnerID:     in.OwnerID,
		ConnectorID: in.ConnectorID,
		PlanID:      in.PlanID,
		Name:        in.Name,
		KeyHash:     hashKey(rawKey),
		KeyPrefix:   rawKey[:len(rawKeyPrefix)+8],
		Status:      model.KeyActive,
		CreatedAt:   time.Now(),
	}
	if err := m.store.CreateKey(ctx, key); err != nil {
		return "", nil, err
	}
	return rawKey, key, nil
}

// Authenticate resolves a caller credential taken from the
// Authorization header. Revoked keys fail the same way as unknown ones.
func (m *KeyManager) Authenticate(ctx context.Context, rawKey string) (*model.GatewayAPIKey, error) {
	rawKey = strings.TrimPrefix(rawKey, "Bearer ")
	if !strings.HasPrefix(rawKey, rawKeyPrefix) {
		return nil, errors.ErrUnauthorized
	}
	key, err := m.store.GetKeyByHash(ctx, hashKey(rawKey))
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			return nil, errors.ErrUnauthorized
		}
		return nil, err
	}
	if key.Status != model.KeyActive {
		return nil, errors.ErrUnauthorized
	}
	return key, nil
}

// Revoke deactivates a key by ID.
func (m *KeyManager) Revoke(ctx context.Context, id uuid.UUID) error {
	return m.store.RevokeKey(ctx, id)
}

func hashKey(rawKey string) string {
	sum := sha256.Sum256([]byte(rawKey))
	return hex.EncodeToString(sum[:])
}
