package interaction

import (
	"net/http"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ehr/fhirserver/internal/platform/fhir"
)

func TestOutcome_Body(t *testing.T) {
	resource := map[string]interface{}{"resourceType": "Patient", "id": "p1"}
	warning := fhir.NewIssue(fhir.IssueSeverityWarning, fhir.IssueTypeNotSupported, "Profile 'x' is not supported")

	created := &Outcome{Status: StatusCreated, HTTPStatus: http.StatusCreated, ResourceType: "Patient", ID: "p1", Version: 1, Resource: resource}
	createdWithWarning := &Outcome{Status: StatusCreated, HTTPStatus: http.StatusCreated, Resource: resource, Issues: []fhir.OperationOutcomeIssue{warning}}
	deleted := &Outcome{Status: StatusDeleted, HTTPStatus: http.StatusOK, Issues: []fhir.OperationOutcomeIssue{
		fhir.NewIssue(fhir.IssueSeverityInformation, fhir.IssueTypeInformational, "Deleted 1 Patient resource(s) with the following id(s): p1"),
	}}
	read := &Outcome{Status: StatusRead, HTTPStatus: http.StatusOK, Resource: resource}

	tests := []struct {
		name string
		out  *Outcome
		ret  fhir.ReturnPreference
		want map[string]interface{}
	}{
		{"representation returns resource", created, fhir.ReturnRepresentation, resource},
		{"minimal returns nothing", created, fhir.ReturnMinimal, nil},
		{"outcome without issues is all ok", created, fhir.ReturnOperationOutcome, fhir.AllOKOutcome().ToMap()},
		{"outcome carries warnings", createdWithWarning, fhir.ReturnOperationOutcome, fhir.MultipleIssuesOutcome([]fhir.OperationOutcomeIssue{warning}).ToMap()},
		{"delete representation falls back to issues", deleted, fhir.ReturnRepresentation, fhir.MultipleIssuesOutcome(deleted.Issues).ToMap()},
		{"read ignores minimal", read, fhir.ReturnMinimal, resource},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, tt.out.Body(tt.ret)); diff != "" {
				t.Errorf("Body() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestOutcome_LocationAndETag(t *testing.T) {
	out := &Outcome{ResourceType: "Patient", ID: "p1", Version: 3}
	if out.Location() != "Patient/p1/_history/3" {
		t.Errorf("unexpected location %q", out.Location())
	}
	if out.ETag() != `W/"3"` {
		t.Errorf("unexpected etag %q", out.ETag())
	}

	empty := &Outcome{ResourceType: "Patient"}
	if empty.Location() != "" || empty.ETag() != "" {
		t.Error("outcome without a version has no location or etag")
	}
}

func TestOutcome_NoticeOutcome(t *testing.T) {
	if (&Outcome{}).NoticeOutcome() != nil {
		t.Error("no issues means no notice")
	}
	allOK := &Outcome{Issues: fhir.AllOKOutcome().Issue}
	if allOK.NoticeOutcome() != nil {
		t.Error("the all-clear alone is not a notice")
	}
	warn := &Outcome{Issues: []fhir.OperationOutcomeIssue{fhir.NewIssue(fhir.IssueSeverityWarning, fhir.IssueTypeProcessing, "w")}}
	if n := warn.NoticeOutcome(); n == nil || len(n.Issue) != 1 {
		t.Errorf("expected one-issue notice, got %+v", n)
	}
}

func TestErrorOutcome(t *testing.T) {
	opErr := fhir.NewOperationError(fhir.NotFoundIssue("Patient", "x"))
	out := ErrorOutcome(opErr)
	if out.Status != StatusError || out.HTTPStatus != http.StatusNotFound || out.StatusCode() != "404" {
		t.Errorf("unexpected error outcome %+v", out)
	}
	if out.IsWrite() {
		t.Error("error outcome is not a write")
	}
	body := out.Body(fhir.ReturnMinimal)
	if body["resourceType"] != "OperationOutcome" {
		t.Errorf("error body must be an OperationOutcome, got %v", body)
	}
}
