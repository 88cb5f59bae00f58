package interaction

import (
	"net/http"
	"strconv"
	"time"

	"github.com/ehr/fhirserver/internal/platform/fhir"
)

// Status classifies what an interaction did.
type Status string

const (
	StatusCreated   Status = "created"
	StatusUpdated   Status = "updated"
	StatusRead      Status = "read"
	StatusDeleted   Status = "deleted"
	StatusMatched   Status = "matched"
	StatusValidated Status = "validated"
	StatusError     Status = "error"
)

// Outcome is the result of one interaction.
type Outcome struct {
	Status       Status
	HTTPStatus   int
	ResourceType string
	ID           string
	Version      int
	LastModified *time.Time
	Resource     map[string]interface{}
	Issues       []fhir.OperationOutcomeIssue
}

// Location is Type/id/_history/version, or empty when no version exists.
func (o *Outcome) Location() string {
	if o.ID == "" || o.Version == 0 {
		return ""
	}
	return fhir.FormatLocation(o.ResourceType, o.ID, o.Version)
}

// ETag is the weak ETag of the resulting version.
func (o *Outcome) ETag() string {
	if o.Version == 0 {
		return ""
	}
	return fhir.FormatETag(o.Version)
}

// IsWrite reports whether the outcome came from a create, update or delete.
func (o *Outcome) IsWrite() bool {
	switch o.Status {
	case StatusCreated, StatusUpdated, StatusDeleted, StatusMatched:
		return true
	}
	return false
}

// StatusCode renders the HTTP status as Bundle response.status does.
func (o *Outcome) StatusCode() string {
	return strconv.Itoa(o.HTTPStatus)
}

// Body picks the payload for the client's return preference. Read, vread,
// history and search always return what they read. Otherwise minimal
// returns nothing, OperationOutcome returns the outcome issues (or the
// generic All OK outcome) and representation returns the resource, falling
// back to the issues when there is no resource, as for delete.
func (o *Outcome) Body(ret fhir.ReturnPreference) map[string]interface{} {
	if o.Status == StatusError {
		return fhir.MultipleIssuesOutcome(o.Issues).ToMap()
	}
	if o.Status == StatusRead {
		return o.Resource
	}
	switch ret {
	case fhir.ReturnMinimal:
		return nil
	case fhir.ReturnOperationOutcome:
		return o.outcomeOrAllOK().ToMap()
	default:
		if o.Resource != nil {
			return o.Resource
		}
		if len(o.Issues) > 0 {
			return fhir.MultipleIssuesOutcome(o.Issues).ToMap()
		}
		return nil
	}
}

func (o *Outcome) outcomeOrAllOK() *fhir.OperationOutcome {
	if fhir.IsAllOK(o.Issues) {
		return fhir.AllOKOutcome()
	}
	return fhir.MultipleIssuesOutcome(o.Issues)
}

// NoticeOutcome returns the warning or informational issues worth attaching
// to a response, or nil when there is nothing beyond the all-clear.
func (o *Outcome) NoticeOutcome() *fhir.OperationOutcome {
	if fhir.IsAllOK(o.Issues) {
		return nil
	}
	return fhir.MultipleIssuesOutcome(o.Issues)
}

// ErrorOutcome converts a failure into the Outcome a batch entry reports.
func ErrorOutcome(opErr *fhir.OperationError) *Outcome {
	status := opErr.Status
	if status == 0 {
		status = http.StatusInternalServerError
	}
	return &Outcome{Status: StatusError, HTTPStatus: status, Issues: opErr.Issues()}
}
