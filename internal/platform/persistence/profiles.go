package persistence

import (
	"context"
	"fmt"
	"net/url"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/fhirserver/internal/platform/db"
	"github.com/ehr/fhirserver/internal/platform/fhir"
)

// Scope prepares a context addressing the tenant that holds conformance
// resources. The returned func releases whatever the scope acquired.
type Scope func(ctx context.Context) (context.Context, func(), error)

// TenantScope addresses tenant on a store that keys data by the context
// tenant alone, such as MemoryStore.
func TenantScope(tenant string) Scope {
	return func(ctx context.Context) (context.Context, func(), error) {
		return db.WithTenant(db.WithoutTx(ctx), tenant), func() {}, nil
	}
}

// PostgresScope acquires a connection bound to the tenant schema.
func PostgresScope(pool *pgxpool.Pool, tenant string) Scope {
	return func(ctx context.Context) (context.Context, func(), error) {
		return db.AcquireTenantConn(db.WithTenant(db.WithoutTx(ctx), tenant), pool, tenant)
	}
}

// ProfileSource resolves profiles from StructureDefinition resources kept in
// one conformance tenant, shared by every tenant of the server.
type ProfileSource struct {
	store Persistence
	scope Scope
}

func NewProfileSource(store Persistence, scope Scope) *ProfileSource {
	return &ProfileSource{store: store, scope: scope}
}

// FetchProfile returns the StructureDefinition with the given canonical url
// and version, or the highest version when version is empty. A missing
// definition is (nil, nil).
func (s *ProfileSource) FetchProfile(ctx context.Context, canonical, version string) (*fhir.ProfileDefinition, error) {
	ctx, release, err := s.scope(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	params := url.Values{"url:exact": {canonical}}
	if version != "" {
		params.Set("version:exact", version)
	}
	hits, err := s.store.Search(ctx, "StructureDefinition", params)
	if err != nil {
		return nil, fmt.Errorf("search StructureDefinition %s: %w", canonical, err)
	}

	var best *fhir.ProfileDefinition
	for _, h := range hits {
		def := profileDefinition(h.Resource)
		if best == nil || fhir.CompareVersions(def.Version, best.Version) > 0 {
			best = def
		}
	}
	return best, nil
}

func profileDefinition(sd map[string]interface{}) *fhir.ProfileDefinition {
	str := func(key string) string {
		s, _ := sd[key].(string)
		return s
	}
	return &fhir.ProfileDefinition{
		URL:     str("url"),
		Version: str("version"),
		Name:    str("name"),
		Type:    str("type"),
	}
}
