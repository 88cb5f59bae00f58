package fhir

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// US Core IG canonical profile URLs registered by default.
const (
	USCorePatientURL           = "http://hl7.org/fhir/us/core/StructureDefinition/us-core-patient"
	USCoreEncounterURL         = "http://hl7.org/fhir/us/core/StructureDefinition/us-core-encounter"
	USCoreProcedureURL         = "http://hl7.org/fhir/us/core/StructureDefinition/us-core-procedure"
	USCoreConditionURL         = "http://hl7.org/fhir/us/core/StructureDefinition/us-core-condition-problems-health-concerns"
	USCoreObservationLabURL    = "http://hl7.org/fhir/us/core/StructureDefinition/us-core-observation-lab"
	USCoreMedicationRequestURL = "http://hl7.org/fhir/us/core/StructureDefinition/us-core-medicationrequest"
	USCoreVersion              = "6.1.0"
)

// ProfileDefinition is the subset of a StructureDefinition the server needs
// to decide whether a declared profile is supported.
type ProfileDefinition struct {
	URL     string
	Version string
	Name    string
	Type    string
}

// Canonical renders url|version, or the bare url when unversioned.
func (p ProfileDefinition) Canonical() string {
	if p.Version == "" {
		return p.URL
	}
	return p.URL + "|" + p.Version
}

// SplitCanonical splits a canonical "url|version" into its parts.
func SplitCanonical(canonical string) (url, version string) {
	url, version, _ = strings.Cut(canonical, "|")
	return url, version
}

// ProfileSource is a backing store of profile definitions consulted when a
// profile is not registered in memory, such as StructureDefinition rows
// loaded into the database.
type ProfileSource interface {
	FetchProfile(ctx context.Context, url, version string) (*ProfileDefinition, error)
}

type resolution struct {
	def   *ProfileDefinition
	found bool
}

// ProfileRegistry stores profile definitions and resolves canonical URLs.
// Lookups that fall through to the ProfileSource are cached, including
// misses, for the configured TTL.
type ProfileRegistry struct {
	mu       sync.RWMutex
	byKey    map[string]*ProfileDefinition
	latest   map[string]*ProfileDefinition
	source   ProfileSource
	resolved *ttlcache.Cache[string, resolution]
}

// NewProfileRegistry creates an empty registry. source may be nil.
func NewProfileRegistry(source ProfileSource, cacheTTL time.Duration) *ProfileRegistry {
	if cacheTTL <= 0 {
		cacheTTL = 5 * time.Minute
	}
	return &ProfileRegistry{
		byKey:  make(map[string]*ProfileDefinition),
		latest: make(map[string]*ProfileDefinition),
		source: source,
		resolved: ttlcache.New[string, resolution](
			ttlcache.WithTTL[string, resolution](cacheTTL),
		),
	}
}

// NewDefaultProfileRegistry returns a registry preloaded with the base
// resource StructureDefinitions and the US Core profiles.
func NewDefaultProfileRegistry(source ProfileSource, cacheTTL time.Duration) *ProfileRegistry {
	r := NewProfileRegistry(source, cacheTTL)
	for rt := range knownResourceTypes {
		r.Register(ProfileDefinition{
			URL:     "http://hl7.org/fhir/StructureDefinition/" + rt,
			Version: "4.0.1",
			Name:    rt,
			Type:    rt,
		})
	}
	for url, rt := range map[string]string{
		USCorePatientURL:           "Patient",
		USCoreEncounterURL:         "Encounter",
		USCoreProcedureURL:         "Procedure",
		USCoreConditionURL:         "Condition",
		USCoreObservationLabURL:    "Observation",
		USCoreMedicationRequestURL: "MedicationRequest",
	} {
		r.Register(ProfileDefinition{URL: url, Version: USCoreVersion, Name: url[strings.LastIndex(url, "/")+1:], Type: rt})
	}
	return r
}

// Register adds or replaces a profile definition.
func (r *ProfileRegistry) Register(profile ProfileDefinition) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p := profile
	r.byKey[p.Canonical()] = &p
	if cur, ok := r.latest[p.URL]; !ok || CompareVersions(p.Version, cur.Version) >= 0 {
		r.latest[p.URL] = &p
	}
	r.resolved.DeleteAll()
}

// Resolve looks up a profile by canonical URL and optional version. An empty
// version resolves to the latest registered version of the URL.
func (r *ProfileRegistry) Resolve(ctx context.Context, url, version string) (*ProfileDefinition, bool) {
	r.mu.RLock()
	var def *ProfileDefinition
	if version == "" {
		def = r.latest[url]
	} else {
		def = r.byKey[url+"|"+version]
	}
	r.mu.RUnlock()
	if def != nil {
		return def, true
	}
	if r.source == nil {
		return nil, false
	}

	key := url + "|" + version
	if item := r.resolved.Get(key); item != nil {
		res := item.Value()
		return res.def, res.found
	}
	fetched, err := r.source.FetchProfile(ctx, url, version)
	if err != nil {
		// not cached, so a transient source failure is retried next time
		return nil, false
	}
	res := resolution{def: fetched, found: fetched != nil}
	r.resolved.Set(key, res, ttlcache.DefaultTTL)
	return res.def, res.found
}

// CompareVersions orders dotted version strings numerically where possible.
func CompareVersions(a, b string) int {
	as, bs := strings.Split(a, "."), strings.Split(b, ".")
	for i := 0; i < len(as) || i < len(bs); i++ {
		var x, y string
		if i < len(as) {
			x = as[i]
		}
		if i < len(bs) {
			y = bs[i]
		}
		if x == y {
			continue
		}
		if len(x) != len(y) {
			if len(x) < len(y) {
				return -1
			}
			return 1
		}
		if x < y {
			return -1
		}
		return 1
	}
	return 0
}
