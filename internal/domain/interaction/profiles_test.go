package interaction

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ehr/fhirserver/internal/config"
	"github.com/ehr/fhirserver/internal/platform/fhir"
)

const legacyProfile = "http://example.org/StructureDefinition/legacy-patient"

func profileTenant(rules config.ProfileRules) *config.TenantConfig {
	return &config.TenantConfig{Resources: config.ResourcesConfig{
		Types: map[string]config.ResourceTypeConfig{"Patient": {Profiles: rules}},
	}}
}

func issueCodes(issues []fhir.OperationOutcomeIssue) []string {
	var out []string
	for _, is := range issues {
		out = append(out, is.Severity+"/"+is.Code)
	}
	return out
}

func TestCheckProfiles(t *testing.T) {
	registry := fhir.NewDefaultProfileRegistry(nil, 0)
	usCore := fhir.USCorePatientURL
	usCoreV := usCore + "|" + fhir.USCoreVersion

	tests := []struct {
		name     string
		rules    config.ProfileRules
		declared []string
		want     []string
	}{
		{"no rules no profiles", config.ProfileRules{}, nil, nil},
		{"known profile", config.ProfileRules{}, []string{usCoreV}, nil},
		{"unknown profile tolerated", config.ProfileRules{}, []string{legacyProfile}, []string{"warning/not-supported"}},
		{"unknown profile rejected", config.ProfileRules{AllowUnknown: boolPtr(false)}, []string{legacyProfile}, []string{"error/not-supported"}},
		{"unknown version", config.ProfileRules{}, []string{usCore + "|1.0.0"}, []string{"warning/not-supported"}},
		{"disallowed", config.ProfileRules{NotAllowed: []string{usCoreV}}, []string{usCoreV}, []string{"error/business-rule"}},
		{"disallowed needs exact match", config.ProfileRules{NotAllowed: []string{usCoreV}}, []string{usCore}, nil},
		{"required missing", config.ProfileRules{AtLeastOne: []string{usCore}}, nil, []string{"error/business-rule"}},
		{"required unversioned matches any version", config.ProfileRules{AtLeastOne: []string{usCore}}, []string{usCoreV}, nil},
		{"required version mismatch", config.ProfileRules{AtLeastOne: []string{usCore + "|5.0.1"}}, []string{usCoreV}, []string{"error/business-rule"}},
		{
			"required version via default",
			config.ProfileRules{AtLeastOne: []string{usCoreV}, DefaultVersions: []config.DefaultVersion{{URL: usCore, Version: fhir.USCoreVersion}}},
			[]string{usCore},
			nil,
		},
		{
			"all three collected",
			config.ProfileRules{AtLeastOne: []string{usCore}, NotAllowed: []string{legacyProfile}, AllowUnknown: boolPtr(false)},
			[]string{legacyProfile},
			[]string{"error/business-rule", "error/business-rule", "error/not-supported"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resource := withProfiles(newPatient("Smith"), tt.declared...)
			got := checkProfiles(context.Background(), registry, profileTenant(tt.rules), "Patient", resource)
			if diff := cmp.Diff(tt.want, issueCodes(got)); diff != "" {
				t.Errorf("issues mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

type versionedOnly struct{ known string }

func (v versionedOnly) Resolve(_ context.Context, url, version string) (*fhir.ProfileDefinition, bool) {
	if url+"|"+version == v.known {
		return &fhir.ProfileDefinition{URL: url, Version: version}, true
	}
	return nil, false
}

func TestCheckProfiles_DefaultVersionRetry(t *testing.T) {
	url := "http://example.org/StructureDefinition/p"
	resolver := versionedOnly{known: url + "|2.0"}
	tenant := &config.TenantConfig{ProfileValidation: config.ProfileValidationConfig{
		AllowUnknown:    boolPtr(false),
		DefaultVersions: []config.DefaultVersion{{URL: url, Version: "2.0"}},
	}}

	issues := checkProfiles(context.Background(), resolver, tenant, "Patient", withProfiles(newPatient("A"), url))
	if len(issues) != 0 {
		t.Errorf("expected default version to resolve the profile, got %+v", issues)
	}

	issues = checkProfiles(context.Background(), resolver, config.DefaultTenantConfig("x"), "Patient", withProfiles(newPatient("A"), url))
	if diff := cmp.Diff([]string{"warning/not-supported"}, issueCodes(issues)); diff != "" {
		t.Errorf("issues mismatch (-want +got):\n%s", diff)
	}
}
