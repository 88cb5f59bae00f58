package bundle

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/ehr/fhirserver/internal/domain/interaction"
	"github.com/ehr/fhirserver/internal/platform/fhir"
)

// ResolvedIdentity is the server identity a bundle-local reference stands
// for. VersionID is zero until the target entry has executed.
type ResolvedIdentity struct {
	ResourceType string
	LogicalID    string
	VersionID    int
}

// Reference is the unversioned Type/id form references are rewritten to.
func (r ResolvedIdentity) Reference() string {
	return fhir.FormatReference(r.ResourceType, r.LogicalID)
}

// LocalReferenceResolver maps the fullUrls of a bundle's entries to server
// identities and rewrites references accordingly. Identities are known in
// two phases: plain creates and PUTs by id are bound before any entry runs,
// conditional creates and updates only once they have executed. A reference
// whose target has no identity yet is left as written.
type LocalReferenceResolver struct {
	baseURI    string
	entries    []fhir.BundleEntry
	keys       [][]string
	identities map[string]ResolvedIdentity
	assigned   map[int]string
}

// NewLocalReferenceResolver indexes the fullUrl of every entry, resolved
// against baseURI.
func NewLocalReferenceResolver(entries []fhir.BundleEntry, baseURI string) *LocalReferenceResolver {
	r := &LocalReferenceResolver{
		baseURI:    baseURI,
		entries:    entries,
		keys:       make([][]string, len(entries)),
		identities: make(map[string]ResolvedIdentity),
		assigned:   make(map[int]string),
	}
	for i, e := range entries {
		if e.FullURL != "" {
			r.keys[i] = append(r.keys[i], fhir.NormalizeReference(e.FullURL, baseURI))
		}
		if rt, id, ok := putTarget(e, baseURI); ok {
			r.keys[i] = append(r.keys[i], fhir.FormatReference(rt, id))
		}
	}
	return r
}

// Preassign binds the identities knowable before execution, walking the
// entries in processing order: a POST without ifNoneExist gets a freshly
// generated id and a PUT by id keeps its own.
func (r *LocalReferenceResolver) Preassign(order []int, generateID func() string) {
	for _, i := range order {
		e := r.entries[i]
		if e.Request == nil {
			continue
		}
		t, err := interaction.ParseTarget(e.Request.URL, r.baseURI)
		if err != nil || t.History {
			continue
		}
		switch strings.ToUpper(e.Request.Method) {
		case http.MethodPost:
			if t.ID != "" || e.Request.IfNoneExist != "" {
				continue
			}
			id := generateID()
			r.assigned[i] = id
			r.Bind(i, ResolvedIdentity{ResourceType: t.ResourceType, LogicalID: id})
		case http.MethodPut:
			if t.ID != "" {
				r.Bind(i, ResolvedIdentity{ResourceType: t.ResourceType, LogicalID: t.ID})
			}
		}
	}
}

// PreassignedID returns the id generated for a plain POST entry.
func (r *LocalReferenceResolver) PreassignedID(i int) (string, bool) {
	id, ok := r.assigned[i]
	return id, ok
}

// DeclaredID returns the id carried by entry i's fullUrl when it is a
// Type/id URL of the given type.
func (r *LocalReferenceResolver) DeclaredID(i int, resourceType string) string {
	ref := fhir.NormalizeReference(r.entries[i].FullURL, r.baseURI)
	p, ok := fhir.ParseRelativeReference(ref)
	if !ok || p.ResourceType != resourceType || p.VersionID != "" {
		return ""
	}
	return p.ID
}

// Bind makes identity the resolution of every key of entry i.
func (r *LocalReferenceResolver) Bind(i int, identity ResolvedIdentity) {
	for _, k := range r.keys[i] {
		r.identities[k] = identity
	}
}

// Forget drops entry i's identity, e.g. after it failed in a batch.
func (r *LocalReferenceResolver) Forget(i int) {
	for _, k := range r.keys[i] {
		delete(r.identities, k)
	}
}

// Register records the identity an executed entry ended up with.
func (r *LocalReferenceResolver) Register(i int, out *interaction.Outcome) {
	switch out.Status {
	case interaction.StatusCreated, interaction.StatusUpdated, interaction.StatusMatched, interaction.StatusValidated:
	default:
		return
	}
	if out.ID == "" {
		return
	}
	r.Bind(i, ResolvedIdentity{ResourceType: out.ResourceType, LogicalID: out.ID, VersionID: out.Version})
}

// Lookup resolves one reference string.
func (r *LocalReferenceResolver) Lookup(ref string) (ResolvedIdentity, bool) {
	id, ok := r.identities[fhir.NormalizeReference(ref, r.baseURI)]
	return id, ok
}

// Identity returns what entry i currently resolves to.
func (r *LocalReferenceResolver) Identity(i int) (ResolvedIdentity, bool) {
	for _, k := range r.keys[i] {
		if id, ok := r.identities[k]; ok {
			return id, true
		}
	}
	return ResolvedIdentity{}, false
}

// Rewrite replaces every resolvable reference in resource and reports how
// many were changed.
func (r *LocalReferenceResolver) Rewrite(resource map[string]interface{}) int {
	n := 0
	fhir.WalkReferences(resource, func(ref string) (string, bool) {
		id, ok := r.Lookup(ref)
		if !ok {
			return "", false
		}
		repl := id.Reference()
		if repl != ref {
			n++
		}
		return repl, true
	})
	return n
}

// RewriteQuery rewrites resolvable values of a search query string. The
// query is returned untouched when nothing resolves.
func (r *LocalReferenceResolver) RewriteQuery(query string) string {
	if query == "" {
		return query
	}
	params, err := url.ParseQuery(query)
	if err != nil {
		return query
	}
	changed := false
	for _, values := range params {
		for j, v := range values {
			if id, ok := r.Lookup(v); ok {
				values[j] = id.Reference()
				changed = true
			}
		}
	}
	if !changed {
		return query
	}
	return params.Encode()
}

// RewriteURL rewrites the query part of a request URL.
func (r *LocalReferenceResolver) RewriteURL(rawURL string) string {
	path, query, ok := strings.Cut(rawURL, "?")
	if !ok {
		return rawURL
	}
	return path + "?" + r.RewriteQuery(query)
}
