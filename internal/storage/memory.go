package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/svchub/gateway/internal/errors"
	"github.com/svchub/gateway/internal/model"
)

// MemoryStore is an in-process Store for tests and single-node use.
type MemoryStore struct {
	mu         sync.RWMutex
	connectors map[uuid.UUID]*model.Connector
	bySlug     map[string]uuid.UUID
	endpoints  map[uuid.UUID][]*model.Endpoint // connectorID → endpoints
	plans      map[uuid.UUID]*model.GatewayPlan
	planNames  map[string]uuid.UUID
	keys       map[uuid.UUID]*model.GatewayAPIKey
	keyHashes  map[string]uuid.UUID
	secrets    map[string]*model.SecretRecord // scope + "\x00" + name
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		connectors: make(map[uuid.UUID]*model.Connector),
		bySlug:     make(map[string]uuid.UUID),
		endpoints:  make(map[uuid.UUID][]*model.Endpoint),
		plans:      make(map[uuid.UUID]*model.GatewayPlan),
		planNames:  make(map[string]uuid.UUID),
		keys:       make(map[uuid.UUID]*model.GatewayAPIKey),
		keyHashes:  make(map[string]uuid.UUID),
		secrets:    make(map[string]*model.SecretRecord),
	}
}

func secretKey(scope, name string) string {
	return scope + "\x00" + name
}

func (ms *MemoryStore) CreateConnector(_ context.Context, c *model.Connector) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if _, exists := ms.bySlug[c.Slug]; exists {
		return errors.ErrConflict.WithDetails("connector slug already registered: " + c.Slug)
	}
	cp := *c
	ms.connectors[c.ID] = &cp
	ms.bySlug[c.Slug] = c.ID
	return nil
}

func (ms *MemoryStore) UpdateConnector(_ context.Context, c *model.Connector) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if _, ok := ms.connectors[c.ID]; !ok {
		return errors.ErrNotFound
	}
	cp := *c
	ms.connectors[c.ID] = &cp
	return nil
}

func (ms *MemoryStore) GetConnector(_ context.Context, id uuid.UUID) (*model.Connector, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	c, ok := ms.connectors[id]
	if !ok {
		return nil, errors.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (ms *MemoryStore) GetConnectorBySlug(_ context.Context, slug string) (*model.Connector, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	id, ok := ms.bySlug[slug]
	if !ok {
		return nil, errors.ErrNotFound
	}
	cp := *ms.connectors[id]
	return &cp, nil
}

func (ms *MemoryStore) ListConnectors(_ context.Context, f ConnectorFilter) ([]*model.Connector, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	var out []*model.Connector
	for _, c := range ms.connectors {
		if f.OwnerID != "" && c.OwnerID != f.OwnerID {
			continue
		}
		if f.Status != "" && c.Status != f.Status {
			continue
		}
		if f.Tag != "" && !contains(c.Tags, f.Tag) {
			continue
		}
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out, nil
}

func (ms *MemoryStore) CreateEndpoint(_ context.Context, e *model.Endpoint) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if _, ok := ms.connectors[e.ConnectorID]; !ok {
		return errors.ErrNotFound.WithDetails("connector does not exist")
	}
	for _, existing := range ms.endpoints[e.ConnectorID] {
		if existing.Method == e.Method && existing.Path == e.Path {
			return errors.ErrConflict.WithDetails("endpoint already registered: " + e.Method + " " + e.Path)
		}
	}
	cp := *e
	ms.endpoints[e.ConnectorID] = append(ms.endpoints[e.ConnectorID], &cp)
	return nil
}

func (ms *MemoryStore) ListEndpoints(_ context.Context, connectorID uuid.UUID) ([]*model.Endpoint, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	eps := ms.endpoints[connectorID]
	out := make([]*model.Endpoint, len(eps))
	for i, e := range eps {
		cp := *e
		out[i] = &cp
	}
	return out, nil
}

func (ms *MemoryStore) CreatePlan(_ context.Context, p *model.GatewayPlan) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if _, exists := ms.planNames[p.Name]; exists {
		return errors.ErrConflict.WithDetails("plan already exists: " + p.Name)
	}
	cp := *p
	ms.plans[p.ID] = &cp
	ms.planNames[p.Name] = p.ID
	return nil
}

func (ms *MemoryStore) UpdatePlan(_ context.Context, p *model.GatewayPlan) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if _, ok := ms.plans[p.ID]; !ok {
		return errors.ErrNotFound
	}
	cp := *p
	ms.plans[p.ID] = &cp
	return nil
}

func (ms *MemoryStore) GetPlan(_ context.Context, id uuid.UUID) (*model.GatewayPlan, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	p, ok := ms.plans[id]
	if !ok {
		return nil, errors.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (ms *MemoryStore) GetPlanByName(_ context.Context, name string) (*model.GatewayPlan, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	id, ok := ms.planNames[name]
	if !ok {
		return nil, errors.ErrNotFound
	}
	cp := *ms.plans[id]
	return &cp, nil
}

func (ms *MemoryStore) CreateKey(_ context.Context, k *model.GatewayAPIKey) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if _, exists := ms.keyHashes[k.KeyHash]; exists {
		return errors.ErrConflict
	}
	cp := *k
	ms.keys[k.ID] = &cp
	ms.keyHashes[k.KeyHash] = k.ID
	return nil
}

func (ms *MemoryStore) GetKeyByHash(_ context.Context, keyHash string) (*model.GatewayAPIKey, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	id, ok := ms.keyHashes[keyHash]
	if !ok {
		return nil, errors.ErrNotFound
	}
	cp := *ms.keys[id]
	return &cp, nil
}

func (ms *MemoryStore) RevokeKey(_ context.Context, id uuid.UUID) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	k, ok := ms.keys[id]
	if !ok {
		return errors.ErrNotFound
	}
	now := time.Now()
	k.Status = model.KeyRevoked
	k.RevokedAt = &now
	return nil
}

func (ms *MemoryStore) UpsertSecret(_ context.Context, rec *model.SecretRecord) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	cp := *rec
	cp.Ciphertext = append([]byte(nil), rec.Ciphertext...)
	cp.Nonce = append([]byte(nil), rec.Nonce...)
	ms.secrets[secretKey(rec.Scope, rec.Name)] = &cp
	return nil
}

func (ms *MemoryStore) GetSecret(_ context.Context, scope, name string) (*model.SecretRecord, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	rec, ok := ms.secrets[secretKey(scope, name)]
	if !ok {
		return nil, errors.ErrNotFound
	}
	cp := *rec
	cp.Ciphertext = append([]byte(nil), rec.Ciphertext...)
	cp.Nonce = append([]byte(nil), rec.Nonce...)
	return &cp, nil
}

func (ms *MemoryStore) DeleteSecret(_ context.Context, scope, name string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	delete(ms.secrets, secretKey(scope, name))
	return nil
}

func (ms *MemoryStore) ListSecretNames(_ context.Context, scope string) ([]string, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	var names []string
	for _, rec := range ms.secrets {
		if rec.Scope == scope {
			names = append(names, rec.Name)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (ms *MemoryStore) Ping(context.Context) error { return nil }
func (ms *MemoryStore) Close()                     {}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
