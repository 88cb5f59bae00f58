package fhir

import (
	"context"
	"testing"
)

func TestValidator_Validate(t *testing.T) {
	v := NewValidator()
	tests := []struct {
		name     string
		resource map[string]interface{}
		codes    []string
	}{
		{"valid patient", map[string]interface{}{"resourceType": "Patient", "id": "p-1"}, nil},
		{"missing resourceType", map[string]interface{}{"id": "x"}, []string{IssueTypeRequired}},
		{"empty resourceType", map[string]interface{}{"resourceType": ""}, []string{IssueTypeValue}},
		{"unknown type", map[string]interface{}{"resourceType": "Spaceship"}, []string{IssueTypeNotSupported}},
		{"bad id", map[string]interface{}{"resourceType": "Patient", "id": "has space"}, []string{IssueTypeValue}},
		{"bad status", map[string]interface{}{"resourceType": "Encounter", "status": "bogus"}, []string{IssueTypeCodeInvalid}},
		{"good status", map[string]interface{}{"resourceType": "Observation", "status": "final"}, nil},
		{"status of type without a value set", map[string]interface{}{"resourceType": "Basic", "status": "anything"}, nil},
		{"non-string status", map[string]interface{}{"resourceType": "Encounter", "status": 3.0}, []string{IssueTypeValue}},
		{"bad nested reference", map[string]interface{}{
			"resourceType": "Procedure",
			"performer": []interface{}{
				map[string]interface{}{"actor": map[string]interface{}{"reference": "not a reference"}},
			},
		}, []string{IssueTypeValue}},
		{"urn references are accepted", map[string]interface{}{
			"resourceType": "Procedure",
			"subject":      map[string]interface{}{"reference": "urn:uuid:1"},
		}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			issues := v.Validate(context.Background(), tt.resource)
			if len(issues) != len(tt.codes) {
				t.Fatalf("got %d issues %+v, want codes %v", len(issues), issues, tt.codes)
			}
			for i, code := range tt.codes {
				if issues[i].Code != code {
					t.Errorf("issue %d code = %s, want %s", i, issues[i].Code, code)
				}
			}
		})
	}
}

func TestValidator_ReferenceExpression(t *testing.T) {
	issues := NewValidator().Validate(context.Background(), map[string]interface{}{
		"resourceType": "Procedure",
		"performer": []interface{}{
			map[string]interface{}{"actor": map[string]interface{}{"reference": "bad ref"}},
		},
	})
	if len(issues) != 1 {
		t.Fatalf("expected one issue, got %+v", issues)
	}
	if got := issues[0].Expression[0]; got != "Procedure.performer[0].actor.reference" {
		t.Errorf("expression = %q", got)
	}
}

func TestIsKnownResourceType(t *testing.T) {
	if !IsKnownResourceType("Patient") || IsKnownResourceType("patient") {
		t.Error("resource type lookup is case sensitive")
	}
}
