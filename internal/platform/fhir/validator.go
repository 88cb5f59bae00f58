package fhir

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// idPattern is the FHIR R4 id datatype.
var idPattern = regexp.MustCompile(`^[A-Za-z0-9\-\.]{1,64}$`)

// knownResourceTypes lists FHIR R4 resource types recognized by this server.
var knownResourceTypes = map[string]bool{
	"Patient": true, "Practitioner": true, "PractitionerRole": true,
	"Organization": true, "Location": true, "Encounter": true,
	"Condition": true, "Observation": true, "AllergyIntolerance": true,
	"Procedure": true, "Medication": true, "MedicationRequest": true,
	"MedicationAdministration": true, "MedicationStatement": true,
	"ServiceRequest": true, "DiagnosticReport": true, "Specimen": true,
	"Appointment": true, "Coverage": true, "Claim": true,
	"Consent": true, "DocumentReference": true, "Composition": true,
	"Communication": true, "Questionnaire": true, "QuestionnaireResponse": true,
	"CareTeam": true, "CarePlan": true, "Device": true, "Group": true,
	"RelatedPerson": true, "Immunization": true, "Provenance": true,
	"Basic": true, "Binary": true, "Bundle": true, "List": true,
	"StructureDefinition": true, "ValueSet": true, "CodeSystem": true,
}

// statusValues maps resource types to their valid status values per FHIR R4.
var statusValues = map[string][]string{
	"Encounter":         {"planned", "arrived", "triaged", "in-progress", "onleave", "finished", "cancelled", "entered-in-error", "unknown"},
	"Observation":       {"registered", "preliminary", "final", "amended", "corrected", "cancelled", "entered-in-error", "unknown"},
	"Procedure":         {"preparation", "in-progress", "not-done", "on-hold", "stopped", "completed", "entered-in-error", "unknown"},
	"MedicationRequest": {"active", "on-hold", "cancelled", "completed", "entered-in-error", "stopped", "draft", "unknown"},
	"ServiceRequest":    {"draft", "active", "on-hold", "revoked", "completed", "entered-in-error", "unknown"},
	"DiagnosticReport":  {"registered", "partial", "preliminary", "final", "amended", "corrected", "appended", "cancelled", "entered-in-error", "unknown"},
	"Appointment":       {"proposed", "pending", "booked", "arrived", "fulfilled", "cancelled", "noshow", "entered-in-error", "checked-in", "waitlist"},
	"Coverage":          {"active", "cancelled", "draft", "entered-in-error"},
	"Consent":           {"draft", "proposed", "active", "rejected", "inactive", "entered-in-error"},
	"DocumentReference": {"current", "superseded", "entered-in-error"},
	"Composition":       {"preliminary", "final", "amended", "entered-in-error"},
}

// Validator checks the generic structural rules every resource must satisfy
// before it is persisted.
type Validator struct{}

// NewValidator creates a new FHIR Validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate returns the issues found in a resource. An empty result means the
// resource is acceptable.
func (v *Validator) Validate(_ context.Context, resource map[string]interface{}) []OperationOutcomeIssue {
	var issues []OperationOutcomeIssue
	if !v.validateResourceType(resource, &issues) {
		return issues
	}
	v.validateID(resource, &issues)
	v.validateStatus(resource, &issues)
	v.validateReferences(resource, &issues)
	return issues
}

func (v *Validator) validateResourceType(resource map[string]interface{}, issues *[]OperationOutcomeIssue) bool {
	rt, ok := resource["resourceType"]
	if !ok {
		*issues = append(*issues, OperationOutcomeIssue{
			Severity:    IssueSeverityError,
			Code:        IssueTypeRequired,
			Diagnostics: "resourceType is required",
			Expression:  []string{"resourceType"},
		})
		return false
	}

	rtStr, ok := rt.(string)
	if !ok || rtStr == "" {
		*issues = append(*issues, OperationOutcomeIssue{
			Severity:    IssueSeverityError,
			Code:        IssueTypeValue,
			Diagnostics: "resourceType must be a non-empty string",
			Expression:  []string{"resourceType"},
		})
		return false
	}

	if !knownResourceTypes[rtStr] {
		*issues = append(*issues, OperationOutcomeIssue{
			Severity:    IssueSeverityError,
			Code:        IssueTypeNotSupported,
			Diagnostics: fmt.Sprintf("Resource type '%s' is not supported.", rtStr),
			Expression:  []string{"resourceType"},
		})
		return false
	}
	return true
}

func (v *Validator) validateID(resource map[string]interface{}, issues *[]OperationOutcomeIssue) {
	id, ok := resource["id"]
	if !ok {
		return
	}
	idStr, ok := id.(string)
	if !ok || !idPattern.MatchString(idStr) {
		*issues = append(*issues, OperationOutcomeIssue{
			Severity:    IssueSeverityError,
			Code:        IssueTypeValue,
			Diagnostics: fmt.Sprintf("invalid id '%v'", id),
			Expression:  []string{"id"},
		})
	}
}

func (v *Validator) validateStatus(resource map[string]interface{}, issues *[]OperationOutcomeIssue) {
	status, ok := resource["status"]
	if !ok {
		return
	}

	rt := ResourceTypeOf(resource)
	statusStr, ok := status.(string)
	if !ok {
		*issues = append(*issues, OperationOutcomeIssue{
			Severity:    IssueSeverityError,
			Code:        IssueTypeValue,
			Diagnostics: "status must be a string",
			Expression:  []string{rt + ".status"},
		})
		return
	}

	valid, has := statusValues[rt]
	if !has {
		return
	}
	for _, vs := range valid {
		if vs == statusStr {
			return
		}
	}
	*issues = append(*issues, OperationOutcomeIssue{
		Severity:    IssueSeverityError,
		Code:        IssueTypeCodeInvalid,
		Diagnostics: fmt.Sprintf("invalid status '%s' for %s; valid values: %s", statusStr, rt, strings.Join(valid, ", ")),
		Expression:  []string{rt + ".status"},
	})
}

func (v *Validator) validateReferences(resource map[string]interface{}, issues *[]OperationOutcomeIssue) {
	v.walkReferences(resource, ResourceTypeOf(resource), issues)
}

func (v *Validator) walkReferences(obj map[string]interface{}, path string, issues *[]OperationOutcomeIssue) {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		currentPath := path + "." + key
		switch typed := obj[key].(type) {
		case map[string]interface{}:
			if ref, ok := typed["reference"].(string); ok && !ValidateReferenceFormat(ref) {
				*issues = append(*issues, OperationOutcomeIssue{
					Severity:    IssueSeverityError,
					Code:        IssueTypeValue,
					Diagnostics: fmt.Sprintf("invalid reference format '%s'", ref),
					Expression:  []string{currentPath + ".reference"},
				})
			}
			v.walkReferences(typed, currentPath, issues)
		case []interface{}:
			for i, item := range typed {
				if m, ok := item.(map[string]interface{}); ok {
					v.walkReferences(m, fmt.Sprintf("%s[%d]", currentPath, i), issues)
				}
			}
		}
	}
}

// IsKnownResourceType returns true if the resource type is recognized.
func IsKnownResourceType(rt string) bool {
	return knownResourceTypes[rt]
}
