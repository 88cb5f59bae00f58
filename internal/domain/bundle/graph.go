// Package bundle processes FHIR transaction and batch bundles: it orders
// entries by their local reference dependencies, rewrites bundle-local
// references to server identities and assembles the response bundle.
package bundle

import (
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/ehr/fhirserver/internal/domain/interaction"
	"github.com/ehr/fhirserver/internal/platform/fhir"
)

// Edge records that entry From references entry To.
type Edge struct {
	From int
	To   int
}

// ReferenceGraph is the dependency graph between the entries of one bundle.
// Entries are addressed by their position in the request; out[i] lists the
// entries that entry i references.
type ReferenceGraph struct {
	size int
	out  [][]int
}

// NewReferenceGraph scans every entry's resource body and conditional
// request criteria for references to other entries. A reference points at
// an entry when it equals that entry's fullUrl (normalized against baseURI)
// or the Type/id a PUT with an explicit id targets.
func NewReferenceGraph(entries []fhir.BundleEntry, baseURI string) *ReferenceGraph {
	g := &ReferenceGraph{size: len(entries), out: make([][]int, len(entries))}
	targets := entryKeys(entries, baseURI)

	for i, e := range entries {
		seen := map[int]bool{}
		for _, ref := range entryReferences(e) {
			j, ok := targets[fhir.NormalizeReference(ref, baseURI)]
			if !ok || j == i || seen[j] {
				continue
			}
			seen[j] = true
			g.out[i] = append(g.out[i], j)
		}
		sort.Ints(g.out[i])
	}
	return g
}

// entryKeys maps every identifying key of an entry to its position. The
// first entry wins a key; duplicates are rejected by bundle validation.
func entryKeys(entries []fhir.BundleEntry, baseURI string) map[string]int {
	keys := make(map[string]int)
	add := func(key string, i int) {
		if key == "" {
			return
		}
		if _, taken := keys[key]; !taken {
			keys[key] = i
		}
	}
	for i, e := range entries {
		add(fhir.NormalizeReference(e.FullURL, baseURI), i)
		if rt, id, ok := putTarget(e, baseURI); ok {
			add(fhir.FormatReference(rt, id), i)
		}
	}
	return keys
}

// putTarget returns the Type/id of a PUT addressed by id.
func putTarget(e fhir.BundleEntry, baseURI string) (string, string, bool) {
	if e.Request == nil || !strings.EqualFold(e.Request.Method, http.MethodPut) {
		return "", "", false
	}
	t, err := interaction.ParseTarget(e.Request.URL, baseURI)
	if err != nil || t.ID == "" || t.History {
		return "", "", false
	}
	return t.ResourceType, t.ID, true
}

// entryReferences lists the references in the entry's resource followed by
// the values of its conditional search criteria.
func entryReferences(e fhir.BundleEntry) []string {
	refs := fhir.ExtractReferences(e.Resource)
	if e.Request == nil {
		return refs
	}
	for _, q := range []string{queryOf(e.Request.URL), e.Request.IfNoneExist} {
		params, err := url.ParseQuery(q)
		if err != nil {
			continue
		}
		keys := make([]string, 0, len(params))
		for k := range params {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			refs = append(refs, params[k]...)
		}
	}
	return refs
}

func queryOf(rawURL string) string {
	_, q, _ := strings.Cut(rawURL, "?")
	return q
}

// Edges returns every edge ordered by source, then target.
func (g *ReferenceGraph) Edges() []Edge {
	var edges []Edge
	for from, targets := range g.out {
		for _, to := range targets {
			edges = append(edges, Edge{From: from, To: to})
		}
	}
	return edges
}

// DependsOn returns the entries entry i references.
func (g *ReferenceGraph) DependsOn(i int) []int {
	return g.out[i]
}

// Order returns entry positions so that each entry comes after the entries
// it references. Among ready entries the lowest position goes first. When
// only cyclic entries remain, the lowest remaining position is taken as if
// it were ready.
func (g *ReferenceGraph) Order() []int {
	done := make([]bool, g.size)
	order := make([]int, 0, g.size)

	for len(order) < g.size {
		next := -1
		for i := 0; i < g.size; i++ {
			if !done[i] && g.ready(i, done) {
				next = i
				break
			}
		}
		if next == -1 {
			for i := 0; i < g.size; i++ {
				if !done[i] {
					next = i
					break
				}
			}
		}
		done[next] = true
		order = append(order, next)
	}
	return order
}

func (g *ReferenceGraph) ready(i int, done []bool) bool {
	for _, j := range g.out[i] {
		if !done[j] {
			return false
		}
	}
	return true
}
