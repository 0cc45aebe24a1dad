package storage

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/svchub/gateway/internal/errors"
	"github.com/svchub/gateway/internal/model"
)

const uniqueViolation = "23505"

const schema = `
CREATE TABLE IF NOT EXISTS connectors (
    id               UUID PRIMARY KEY,
    owner_id         TEXT NOT NULL,
    team_id          TEXT NOT NULL DEFAULT '',
    slug             TEXT NOT NULL UNIQUE,
    display_name     TEXT NOT NULL DEFAULT '',
    description      TEXT NOT NULL DEFAULT '',
    base_url         TEXT NOT NULL,
    allowed_hosts    JSONB NOT NULL DEFAULT '[]',
    default_timeout_ms BIGINT NOT NULL DEFAULT 0,
    auth_type        TEXT NOT NULL,
    auth_config      JSONB NOT NULL DEFAULT '{}',
    required_secrets JSONB NOT NULL DEFAULT '[]',
    response_wrapper BOOLEAN NOT NULL DEFAULT FALSE,
    status           TEXT NOT NULL DEFAULT 'draft',
    tags             JSONB NOT NULL DEFAULT '[]',
    created_at       TIMESTAMPTZ NOT NULL,
    updated_at       TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS endpoints (
    id             UUID PRIMARY KEY,
    connector_id   UUID NOT NULL REFERENCES connectors(id) ON DELETE CASCADE,
    name           TEXT NOT NULL DEFAULT '',
    method         TEXT NOT NULL,
    path           TEXT NOT NULL,
    upstream_path  TEXT NOT NULL,
    body_transform TEXT NOT NULL DEFAULT 'passthrough',
    rate_limit     INT NOT NULL DEFAULT 0,
    rate_window_ms BIGINT NOT NULL DEFAULT 0,
    timeout_ms     BIGINT NOT NULL DEFAULT 0,
    cache_ttl_ms   BIGINT NOT NULL DEFAULT 0,
    streaming      BOOLEAN NOT NULL DEFAULT FALSE,
    created_at     TIMESTAMPTZ NOT NULL,
    UNIQUE (connector_id, method, path)
);

CREATE TABLE IF NOT EXISTS plans (
    id             UUID PRIMARY KEY,
    name           TEXT NOT NULL UNIQUE,
    display_name   TEXT NOT NULL DEFAULT '',
    rate_limit     INT NOT NULL,
    rate_window_ms BIGINT NOT NULL,
    daily_quota    BIGINT NOT NULL,
    created_at     TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS api_keys (
    id           UUID PRIMARY KEY,
    owner_id     TEXT NOT NULL,
    connector_id UUID REFERENCES connectors(id) ON DELETE SET NULL,
    plan_id      UUID REFERENCES plans(id),
    name         TEXT NOT NULL DEFAULT '',
    key_hash     TEXT NOT NULL UNIQUE,
    key_prefix   TEXT NOT NULL,
    status       TEXT NOT NULL DEFAULT 'active',
    created_at   TIMESTAMPTZ NOT NULL,
    revoked_at   TIMESTAMPTZ,
    last_used_at TIMESTAMPTZ
);

-- Secrets live in their own table, never joined into entity queries.
CREATE TABLE IF NOT EXISTS vault_secrets (
    scope      TEXT NOT NULL,
    name       TEXT NOT NULL,
    ciphertext BYTEA NOT NULL,
    nonce      BYTEA NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (scope, name)
);
`

// PostgresStore is the production Store backed by pgx.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects, verifies the connection, and ensures the
// schema exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("schema setup failed: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return stderrors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func (ps *PostgresStore) CreateConnector(ctx context.Context, c *model.Connector) error {
	hosts, _ := json.Marshal(c.AllowedHosts)
	authCfg, _ := json.Marshal(c.AuthConfig)
	secrets, _ := json.Marshal(c.RequiredSecrets)
	tags, _ := json.Marshal(c.Tags)

	_, err := ps.pool.Exec(ctx, `
		INSERT INTO connectors (id, owner_id, team_id, slug, display_name, description,
			base_url, allowed_hosts, default_timeout_ms, auth_type, auth_config,
			required_secrets, response_wrapper, status, tags, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
	`, c.ID, c.OwnerID, c.TeamID, c.Slug, c.DisplayName, c.Description,
		c.BaseURL, hosts, c.DefaultTimeout.Milliseconds(), c.AuthType, authCfg,
		secrets, c.ResponseWrapper, c.Status, tags, c.CreatedAt, c.UpdatedAt)
	if isUniqueViolation(err) {
		return errors.ErrConflict.WithDetails("connector slug already registered: " + c.Slug)
	}
	if err != nil {
		return fmt.Errorf("failed to create connector: %w", err)
	}
	return nil
}

func (ps *PostgresStore) UpdateConnector(ctx context.Context, c *model.Connector) error {
	hosts, _ := json.Marshal(c.AllowedHosts)
	authCfg, _ := json.Marshal(c.AuthConfig)
	secrets, _ := json.Marshal(c.RequiredSecrets)
	tags, _ := json.Marshal(c.Tags)

	tag, err := ps.pool.Exec(ctx, `
		UPDATE connectors
		SET display_name=$2, description=$3, base_url=$4, allowed_hosts=$5,
			default_timeout_ms=$6, auth_type=$7, auth_config=$8, required_secrets=$9,
			response_wrapper=$10, status=$11, tags=$12, updated_at=$13
		WHERE id=$1
	`, c.ID, c.DisplayName, c.Description, c.BaseURL, hosts,
		c.DefaultTimeout.Milliseconds(), c.AuthType, authCfg, secrets,
		c.ResponseWrapper, c.Status, tags, time.Now())
	if err != nil {
		return fmt.Errorf("failed to update connector: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errors.ErrNotFound
	}
	return nil
}

const connectorColumns = `id, owner_id, team_id, slug, display_name, description,
	base_url, allowed_hosts, default_timeout_ms, auth_type, auth_config,
	required_secrets, response_wrapper, status, tags, created_at, updated_at`

func scanConnector(row pgx.Row) (*model.Connector, error) {
	var c model.Connector
	var hosts, authCfg, secrets, tags []byte
	var timeoutMS int64

	err := row.Scan(&c.ID, &c.OwnerID, &c.TeamID, &c.Slug, &c.DisplayName,
		&c.Description, &c.BaseURL, &hosts, &timeoutMS, &c.AuthType, &authCfg,
		&secrets, &c.ResponseWrapper, &c.Status, &tags, &c.CreatedAt, &c.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, errors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan connector: %w", err)
	}

	c.DefaultTimeout = time.Duration(timeoutMS) * time.Millisecond
	json.Unmarshal(hosts, &c.AllowedHosts)
	json.Unmarshal(authCfg, &c.AuthConfig)
	json.Unmarshal(secrets, &c.RequiredSecrets)
	json.Unmarshal(tags, &c.Tags)
	return &c, nil
}

func (ps *PostgresStore) GetConnector(ctx context.Context, id uuid.UUID) (*model.Connector, error) {
	return scanConnector(ps.pool.QueryRow(ctx,
		`SELECT `+connectorColumns+` FROM connectors WHERE id = $1`, id))
}

func (ps *PostgresStore) GetConnectorBySlug(ctx context.Context, slug string) (*model.Connector, error) {
	return scanConnector(ps.pool.QueryRow(ctx,
		`SELECT `+connectorColumns+` FROM connectors WHERE slug = $1`, slug))
}

func (ps *PostgresStore) ListConnectors(ctx context.Context, f ConnectorFilter) ([]*model.Connector, error) {
	rows, err := ps.pool.Query(ctx, `
		SELECT `+connectorColumns+` FROM connectors
		WHERE ($1 = '' OR owner_id = $1)
		  AND ($2 = '' OR status = $2)
		  AND ($3 = '' OR tags ? $3)
		ORDER BY slug
	`, f.OwnerID, string(f.Status), f.Tag)
	if err != nil {
		return nil, fmt.Errorf("failed to list connectors: %w", err)
	}
	defer rows.Close()

	var out []*model.Connector
	for rows.Next() {
		c, err := scanConnector(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (ps *PostgresStore) CreateEndpoint(ctx context.Context, e *model.Endpoint) error {
	_, err := ps.pool.Exec(ctx, `
		INSERT INTO endpoints (id, connector_id, name, method, path, upstream_path,
			body_transform, rate_limit, rate_window_ms, timeout_ms, cache_ttl_ms,
			streaming, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	`, e.ID, e.ConnectorID, e.Name, e.Method, e.Path, e.UpstreamPath,
		e.BodyTransform, e.RateLimit, e.RateWindow.Milliseconds(),
		e.Timeout.Milliseconds(), e.CacheTTL.Milliseconds(), e.Streaming, e.CreatedAt)
	if isUniqueViolation(err) {
		return errors.ErrConflict.WithDetails("endpoint already registered: " + e.Method + " " + e.Path)
	}
	if err != nil {
		return fmt.Errorf("failed to create endpoint: %w", err)
	}
	return nil
}

func (ps *PostgresStore) ListEndpoints(ctx context.Context, connectorID uuid.UUID) ([]*model.Endpoint, error) {
	rows, err := ps.pool.Query(ctx, `
		SELECT id, connector_id, name, method, path, upstream_path, body_transform,
			rate_limit, rate_window_ms, timeout_ms, cache_ttl_ms, streaming, created_at
		FROM endpoints WHERE connector_id = $1 ORDER BY created_at
	`, connectorID)
	if err != nil {
		return nil, fmt.Errorf("failed to list endpoints: %w", err)
	}
	defer rows.Close()

	var out []*model.Endpoint
	for rows.Next() {
		var e model.Endpoint
		var rateWindowMS, timeoutMS, cacheTTLMS int64
		if err := rows.Scan(&e.ID, &e.ConnectorID, &e.Name, &e.Method, &e.Path,
			&e.UpstreamPath, &e.BodyTransform, &e.RateLimit, &rateWindowMS,
			&timeoutMS, &cacheTTLMS, &e.Streaming, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan endpoint: %w", err)
		}
		e.RateWindow = time.Duration(rateWindowMS) * time.Millisecond
		e.Timeout = time.Duration(timeoutMS) * time.Millisecond
		e.CacheTTL = time.Duration(cacheTTLMS) * time.Millisecond
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (ps *PostgresStore) CreatePlan(ctx context.Context, p *model.GatewayPlan) error {
	_, err := ps.pool.Exec(ctx, `
		INSERT INTO plans (id, name, display_name, rate_limit, rate_window_ms, daily_quota, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, p.ID, p.Name, p.DisplayName, p.RateLimit, p.RateWindow.Milliseconds(), p.DailyQuota, p.CreatedAt)
	if isUniqueViolation(err) {
		return errors.ErrConflict.WithDetails("plan already exists: " + p.Name)
	}
	if err != nil {
		return fmt.Errorf("failed to create plan: %w", err)
	}
	return nil
}

func (ps *PostgresStore) UpdatePlan(ctx context.Context, p *model.GatewayPlan) error {
	tag, err := ps.pool.Exec(ctx, `
		UPDATE plans SET display_name=$2, rate_limit=$3, rate_window_ms=$4, daily_quota=$5
		WHERE id=$1
	`, p.ID, p.DisplayName, p.RateLimit, p.RateWindow.Milliseconds(), p.DailyQuota)
	if err != nil {
		return fmt.Errorf("failed to update plan: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errors.ErrNotFound
	}
	return nil
}

func scanPlan(row pgx.Row) (*model.GatewayPlan, error) {
	var p model.GatewayPlan
	var rateWindowMS int64
	err := row.Scan(&p.ID, &p.Name, &p.DisplayName, &p.RateLimit, &rateWindowMS, &p.DailyQuota, &p.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, errors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan plan: %w", err)
	}
	p.RateWindow = time.Duration(rateWindowMS) * time.Millisecond
	return &p, nil
}

func (ps *PostgresStore) GetPlan(ctx context.Context, id uuid.UUID) (*model.GatewayPlan, error) {
	return scanPlan(ps.pool.QueryRow(ctx,
		`SELECT id, name, display_name, rate_limit, rate_window_ms, daily_quota, created_at FROM plans WHERE id = $1`, id))
}

func (ps *PostgresStore) GetPlanByName(ctx context.Context, name string) (*model.GatewayPlan, error) {
	return scanPlan(ps.pool.QueryRow(ctx,
		`SELECT id, name, display_name, rate_limit, rate_window_ms, daily_quota, created_at FROM plans WHERE name = $1`, name))
}

func (ps *PostgresStore) CreateKey(ctx context.Context, k *model.GatewayAPIKey) error {
	_, err := ps.pool.Exec(ctx, `
		INSERT INTO api_keys (id, owner_id, connector_id, plan_id, name, key_hash,
			key_prefix, status, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, k.ID, k.OwnerID, k.ConnectorID, k.PlanID, k.Name, k.KeyHash, k.KeyPrefix, k.Status, k.CreatedAt)
	if isUniqueViolation(err) {
		return errors.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("failed to create api key: %w", err)
	}
	return nil
}

func (ps *PostgresStore) GetKeyByHash(ctx context.Context, keyHash string) (*model.GatewayAPIKey, error) {
	var k model.GatewayAPIKey
	err := ps.pool.QueryRow(ctx, `
		SELECT id, owner_id, connector_id, plan_id, name, key_hash, key_prefix,
			status, created_at, revoked_at, last_used_at
		FROM api_keys WHERE key_hash = $1
	`, keyHash).Scan(&k.ID, &k.OwnerID, &k.ConnectorID, &k.PlanID, &k.Name,
		&k.KeyHash, &k.KeyPrefix, &k.Status, &k.CreatedAt, &k.RevokedAt, &k.LastUsedAt)
	if err == pgx.ErrNoRows {
		return nil, errors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query api key: %w", err)
	}
	return &k, nil
}

func (ps *PostgresStore) RevokeKey(ctx context.Context, id uuid.UUID) error {
	tag, err := ps.pool.Exec(ctx,
		`UPDATE api_keys SET status='revoked', revoked_at=NOW() WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("failed to revoke api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errors.ErrNotFound
	}
	return nil
}

func (ps *PostgresStore) UpsertSecret(ctx context.Context, rec *model.SecretRecord) error {
	_, err := ps.pool.Exec(ctx, `
		INSERT INTO vault_secrets (scope, name, ciphertext, nonce, updated_at)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (scope, name)
		DO UPDATE SET ciphertext = EXCLUDED.ciphertext, nonce = EXCLUDED.nonce,
			updated_at = EXCLUDED.updated_at
	`, rec.Scope, rec.Name, rec.Ciphertext, rec.Nonce, time.Now())
	if err != nil {
		return fmt.Errorf("failed to upsert secret: %w", err)
	}
	return nil
}

func (ps *PostgresStore) GetSecret(ctx context.Context, scope, name string) (*model.SecretRecord, error) {
	rec := &model.SecretRecord{Scope: scope, Name: name}
	err := ps.pool.QueryRow(ctx,
		`SELECT ciphertext, nonce, updated_at FROM vault_secrets WHERE scope=$1 AND name=$2`,
		scope, name).Scan(&rec.Ciphertext, &rec.Nonce, &rec.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, errors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query secret: %w", err)
	}
	return rec, nil
}

func (ps *PostgresStore) DeleteSecret(ctx context.Context, scope, name string) error {
	_, err := ps.pool.Exec(ctx,
		`DELETE FROM vault_secrets WHERE scope=$1 AND name=$2`, scope, name)
	return err
}

func (ps *PostgresStore) ListSecretNames(ctx context.Context, scope string) ([]string, error) {
	rows, err := ps.pool.Query(ctx,
		`SELECT name FROM vault_secrets WHERE scope=$1 ORDER BY name`, scope)
	if err != nil {
		return nil, fmt.Errorf("failed to list secret names: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

func (ps *PostgresStore) Ping(ctx context.Context) error {
	return ps.pool.Ping(ctx)
}

func (ps *PostgresStore) Close() {
	ps.pool.Close()
}
