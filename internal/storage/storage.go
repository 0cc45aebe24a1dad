// Package storage persists connectors, endpoints, plans, keys, and
// vaulted secrets. Two implementations exist: Postgres for production
// and an in-process store for tests and single-node evaluation.
package storage

import (
	"context"

	"github.com/google/uuid"
	"github.com/svchub/gateway/internal/model"
)

// ConnectorFilter narrows ListConnectors results. Zero values match all.
type ConnectorFilter struct {
	OwnerID string
	Status  model.ConnectorStatus
	Tag     string
}

// Store is the persistence boundary for the registry, key manager, and
// vault. Creates must be idempotent-safe: a duplicate slug / (connector,
// method, path) / plan name returns errors.ErrConflict and never
// overwrites the existing row. Secrets are upserts keyed by scope+name
// and are never returned alongside other entities.
type Store interface {
	CreateConnector(ctx context.Context, c *model.Connector) error
	UpdateConnector(ctx context.Context, c *model.Connector) error
	GetConnector(ctx context.Context, id uuid.UUID) (*model.Connector, error)
	GetConnectorBySlug(ctx context.Context, slug string) (*model.Connector, error)
	ListConnectors(ctx context.Context, f ConnectorFilter) ([]*model.Connector, error)

	CreateEndpoint(ctx context.Context, e *model.Endpoint) error
	ListEndpoints(ctx context.Context, connectorID uuid.UUID) ([]*model.Endpoint, error)

	CreatePlan(ctx context.Context, p *model.GatewayPlan) error
	UpdatePlan(ctx context.Context, p *model.GatewayPlan) error
	GetPlan(ctx context.Context, id uuid.UUID) (*model.GatewayPlan, error)
	GetPlanByName(ctx context.Context, name string) (*model.GatewayPlan, error)

	CreateKey(ctx context.Context, k *model.GatewayAPIKey) error
	GetKeyByHash(ctx context.Context, keyHash string) (*model.GatewayAPIKey, error)
	RevokeKey(ctx context.Context, id uuid.UUID) error

	UpsertSecret(ctx context.Context, rec *model.SecretRecord) error
	GetSecret(ctx context.Context, scope, name string) (*model.SecretRecord, error)
	DeleteSecret(ctx context.Context, scope, name string) error
	ListSecretNames(ctx context.Context, scope string) ([]string, error)

	Ping(ctx context.Context) error
	Close()
}
