package persistence

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/fhirserver/internal/platform/db"
	"github.com/ehr/fhirserver/internal/platform/fhir"
)

// IDGenerator mints logical ids for new resources.
type IDGenerator func() string

// UUIDGenerator returns random UUIDs.
func UUIDGenerator() IDGenerator {
	return uuid.NewString
}

// SequentialIDs returns prefix-0, prefix-1, ... which keeps tests and
// offline bundle runs deterministic.
func SequentialIDs(prefix string) IDGenerator {
	var n atomic.Int64
	return func() string {
		return fmt.Sprintf("%s-%d", prefix, n.Add(1)-1)
	}
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithIDGenerator replaces the random UUID generator.
func WithIDGenerator(gen IDGenerator) MemoryOption {
	return func(s *MemoryStore) { s.ids = gen }
}

// WithClock sets the clock stamped into meta.lastUpdated.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.now = now }
}

// versions of one resource, oldest first. Stored values are never mutated
// once appended, so snapshots may share them.
type versions []*Stored

type tenantData map[string]versions

func (t tenantData) clone() tenantData {
	out := make(tenantData, len(t))
	for k, v := range t {
		out[k] = append(versions(nil), v...)
	}
	return out
}

type memoryTxKey struct{}

type memoryTx struct {
	store    *MemoryStore
	tenant   string
	snapshot tenantData
	done     bool
}

// MemoryStore keeps every tenant's resources in process memory. Writes of
// one tenant are serialized; a transaction holds that tenant's write lock
// until it commits or rolls back. While it is open, readers outside the
// transaction see the data as it was when the transaction began.
type MemoryStore struct {
	ids IDGenerator
	now func() time.Time

	mu      sync.RWMutex
	tenants map[string]tenantData
	// committed holds the pre-transaction data of tenants with an open
	// transaction.
	committed map[string]tenantData
	writers   map[string]*sync.Mutex
}

var _ Persistence = (*MemoryStore)(nil)

// NewMemoryStore returns an empty store minting UUIDs.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		ids:       UUIDGenerator(),
		now:       time.Now,
		tenants:   make(map[string]tenantData),
		committed: make(map[string]tenantData),
		writers:   make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) GenerateID() string {
	return s.ids()
}

func key(resourceType, id string) string {
	return resourceType + "/" + id
}

func (s *MemoryStore) writer(tenant string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.writers[tenant]
	if !ok {
		w = &sync.Mutex{}
		s.writers[tenant] = w
	}
	return w
}

func (s *MemoryStore) activeTx(ctx context.Context, tenant string) *memoryTx {
	tx, _ := ctx.Value(memoryTxKey{}).(*memoryTx)
	if tx == nil || tx.store != s || tx.tenant != tenant || tx.done {
		return nil
	}
	return tx
}

// write runs fn with the tenant's data under its write lock, unless ctx
// already carries a transaction holding it.
func (s *MemoryStore) write(ctx context.Context, fn func(data tenantData) error) error {
	tenant := db.TenantFromContext(ctx)
	if s.activeTx(ctx, tenant) == nil {
		w := s.writer(tenant)
		w.Lock()
		defer w.Unlock()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.tenants[tenant]
	if !ok {
		data = make(tenantData)
		s.tenants[tenant] = data
	}
	return fn(data)
}

// view returns the tenant data visible to ctx. The caller must hold s.mu.
func (s *MemoryStore) view(ctx context.Context) tenantData {
	tenant := db.TenantFromContext(ctx)
	if s.activeTx(ctx, tenant) == nil {
		if data, ok := s.committed[tenant]; ok {
			return data
		}
	}
	return s.tenants[tenant]
}

// versionsOf returns a copy of the version list of one resource as visible
// to ctx.
func (s *MemoryStore) versionsOf(ctx context.Context, resourceType, id string) versions {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append(versions(nil), s.view(ctx)[key(resourceType, id)]...)
}

func (s *MemoryStore) newVersion(resourceType, id string, version int, resource map[string]interface{}) *Stored {
	now := s.now().UTC()
	body := fhir.DeepCopy(resource)
	fhir.SetMeta(body, id, version, now)
	return &Stored{ResourceType: resourceType, ID: id, Version: version, LastUpdated: now, Resource: body}
}

func export(st *Stored) *Stored {
	out := *st
	out.Resource = fhir.DeepCopy(st.Resource)
	return &out
}

func (s *MemoryStore) Create(ctx context.Context, resourceType, id string, resource map[string]interface{}) (*Stored, error) {
	var created *Stored
	err := s.write(ctx, func(data tenantData) error {
		k := key(resourceType, id)
		if len(data[k]) > 0 {
			return fmt.Errorf("create %s: %w", k, ErrAlreadyExists)
		}
		created = s.newVersion(resourceType, id, 1, resource)
		data[k] = versions{created}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return export(created), nil
}

func (s *MemoryStore) Read(ctx context.Context, resourceType, id string) (*Stored, error) {
	vs := s.versionsOf(ctx, resourceType, id)
	if len(vs) == 0 {
		return nil, ErrNotFound
	}
	cur := vs[len(vs)-1]
	if cur.Deleted {
		return nil, ErrGone
	}
	return export(cur), nil
}

func (s *MemoryStore) VRead(ctx context.Context, resourceType, id string, version int) (*Stored, error) {
	vs := s.versionsOf(ctx, resourceType, id)
	if len(vs) == 0 {
		return nil, ErrNotFound
	}
	for _, v := range vs {
		if v.Version != version {
			continue
		}
		if v.Deleted {
			return nil, ErrGone
		}
		return export(v), nil
	}
	return nil, ErrVersionNotFound
}

func (s *MemoryStore) Update(ctx context.Context, resourceType, id string, resource map[string]interface{}) (*Stored, error) {
	var updated *Stored
	err := s.write(ctx, func(data tenantData) error {
		k := key(resourceType, id)
		next := 1
		if vs := data[k]; len(vs) > 0 {
			next = vs[len(vs)-1].Version + 1
		}
		updated = s.newVersion(resourceType, id, next, resource)
		data[k] = append(data[k], updated)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return export(updated), nil
}

func (s *MemoryStore) Delete(ctx context.Context, resourceType, id string) (int, error) {
	var version int
	err := s.write(ctx, func(data tenantData) error {
		k := key(resourceType, id)
		vs := data[k]
		if len(vs) == 0 {
			return ErrNotFound
		}
		cur := vs[len(vs)-1]
		if cur.Deleted {
			version = cur.Version
			return nil
		}
		version = cur.Version + 1
		data[k] = append(vs, &Stored{
			ResourceType: resourceType,
			ID:           id,
			Version:      version,
			LastUpdated:  s.now().UTC(),
			Deleted:      true,
		})
		return nil
	})
	return version, err
}

func (s *MemoryStore) History(ctx context.Context, resourceType, id string) ([]*Stored, error) {
	vs := s.versionsOf(ctx, resourceType, id)
	if len(vs) == 0 {
		return nil, ErrNotFound
	}
	out := make([]*Stored, 0, len(vs))
	for i := len(vs) - 1; i >= 0; i-- {
		out = append(out, export(vs[i]))
	}
	return out, nil
}

func (s *MemoryStore) Search(ctx context.Context, resourceType string, params url.Values) ([]*Stored, error) {
	s.mu.RLock()
	var out []*Stored
	for _, vs := range s.view(ctx) {
		cur := vs[len(vs)-1]
		if cur.ResourceType != resourceType || cur.Deleted {
			continue
		}
		if Matches(cur.ID, cur.Resource, params) {
			out = append(out, export(cur))
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Begin takes the tenant's write lock and snapshots its data. Nested calls
// with a context already in a transaction of this store join it.
func (s *MemoryStore) Begin(ctx context.Context) (context.Context, Tx, error) {
	tenant := db.TenantFromContext(ctx)
	if tx := s.activeTx(ctx, tenant); tx != nil {
		return ctx, nestedTx{}, nil
	}
	s.writer(tenant).Lock()

	s.mu.Lock()
	snapshot := s.tenants[tenant].clone()
	s.committed[tenant] = snapshot.clone()
	s.mu.Unlock()

	tx := &memoryTx{store: s, tenant: tenant, snapshot: snapshot}
	return context.WithValue(ctx, memoryTxKey{}, tx), tx, nil
}

func (tx *memoryTx) Commit(context.Context) error {
	if tx.done {
		return errors.New("transaction already closed")
	}
	tx.done = true
	tx.store.mu.Lock()
	delete(tx.store.committed, tx.tenant)
	tx.store.mu.Unlock()
	tx.store.writer(tx.tenant).Unlock()
	return nil
}

func (tx *memoryTx) Rollback(context.Context) error {
	if tx.done {
		return nil
	}
	tx.done = true
	tx.store.mu.Lock()
	tx.store.tenants[tx.tenant] = tx.snapshot
	delete(tx.store.committed, tx.tenant)
	tx.store.mu.Unlock()
	tx.store.writer(tx.tenant).Unlock()
	return nil
}

// nestedTx leaves commit and rollback to the outer transaction.
type nestedTx struct{}

func (nestedTx) Commit(context.Context) error   { return nil }
func (nestedTx) Rollback(context.Context) error { return nil }
