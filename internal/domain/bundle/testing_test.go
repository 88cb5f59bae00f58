package bundle

import (
	"github.com/rs/zerolog"

	"github.com/ehr/fhirserver/internal/config"
	"github.com/ehr/fhirserver/internal/domain/interaction"
	"github.com/ehr/fhirserver/internal/platform/fhir"
	"github.com/ehr/fhirserver/internal/platform/persistence"
)

const testBaseURI = "http://localhost:8000/fhir"

func newTestOrchestrator() (*Orchestrator, *persistence.MemoryStore) {
	store := persistence.NewMemoryStore(persistence.WithIDGenerator(persistence.SequentialIDs("generated")))
	p := interaction.NewProcessor(store, fhir.NewValidator(), fhir.NewDefaultProfileRegistry(nil, 0), zerolog.Nop())
	return NewOrchestrator(p, zerolog.Nop()), store
}

func testContext(ret fhir.ReturnPreference, tenant *config.TenantConfig) interaction.RequestContext {
	return interaction.NewRequestContext("default", testBaseURI, "", fhir.PreferDirective{Return: ret}, tenant)
}

func ref(reference string) map[string]interface{} {
	return map[string]interface{}{"reference": reference}
}

// refEntry is an entry whose Basic resource references each of refs.
func refEntry(fullURL, method, url string, refs ...string) fhir.BundleEntry {
	ext := make([]interface{}, len(refs))
	for i, r := range refs {
		ext[i] = map[string]interface{}{"url": "urn:test", "valueReference": ref(r)}
	}
	return fhir.BundleEntry{
		FullURL:  fullURL,
		Resource: map[string]interface{}{"resourceType": "Basic", "extension": ext},
		Request:  &fhir.BundleRequest{Method: method, URL: url},
	}
}

func post(fullURL string, resource map[string]interface{}) fhir.BundleEntry {
	return fhir.BundleEntry{
		FullURL:  fullURL,
		Resource: resource,
		Request:  &fhir.BundleRequest{Method: "POST", URL: fhir.ResourceTypeOf(resource)},
	}
}

func newBundle(bundleType string, entries ...fhir.BundleEntry) *fhir.Bundle {
	return &fhir.Bundle{ResourceType: "Bundle", Type: bundleType, Entry: entries}
}

func patient(family string) map[string]interface{} {
	return map[string]interface{}{
		"resourceType": "Patient",
		"name":         []interface{}{map[string]interface{}{"family": family}},
	}
}

func procedure(subject string) map[string]interface{} {
	return map[string]interface{}{
		"resourceType": "Procedure",
		"status":       "completed",
		"subject":      ref(subject),
	}
}

func referenceAt(resource map[string]interface{}, field string) string {
	switch v := resource[field].(type) {
	case map[string]interface{}:
		s, _ := v["reference"].(string)
		return s
	case []interface{}:
		if len(v) == 0 {
			return ""
		}
		m, _ := v[0].(map[string]interface{})
		s, _ := m["reference"].(string)
		return s
	}
	return ""
}
