package interaction

import (
	"github.com/rs/zerolog"

	"github.com/ehr/fhirserver/internal/config"
	"github.com/ehr/fhirserver/internal/platform/fhir"
	"github.com/ehr/fhirserver/internal/platform/persistence"
)

const testBaseURI = "http://localhost:8000/fhir"

func newTestProcessor() (*Processor, *persistence.MemoryStore) {
	store := persistence.NewMemoryStore(persistence.WithIDGenerator(persistence.SequentialIDs("generated")))
	p := NewProcessor(store, fhir.NewValidator(), fhir.NewDefaultProfileRegistry(nil, 0), zerolog.Nop())
	return p, store
}

func testContext(tenant *config.TenantConfig) RequestContext {
	return NewRequestContext("default", testBaseURI, "", fhir.PreferDirective{}, tenant)
}

func interactions(names ...string) *[]string {
	if names == nil {
		names = []string{}
	}
	return &names
}

func boolPtr(b bool) *bool { return &b }

func newPatient(family string) map[string]interface{} {
	return map[string]interface{}{
		"resourceType": "Patient",
		"name":         []interface{}{map[string]interface{}{"family": family}},
	}
}

func withProfiles(resource map[string]interface{}, profiles ...string) map[string]interface{} {
	list := make([]interface{}, len(profiles))
	for i, p := range profiles {
		list[i] = p
	}
	resource["meta"] = map[string]interface{}{"profile": list}
	return resource
}
