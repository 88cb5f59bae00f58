package fhir

import (
	"fmt"
	"net/http"
	"strings"
)

// OperationOutcome severity levels (FHIR R4 IssueSeverity).
const (
	IssueSeverityFatal       = "fatal"
	IssueSeverityError       = "error"
	IssueSeverityWarning     = "warning"
	IssueSeverityInformation = "information"
)

// OperationOutcome issue type codes (FHIR R4 IssueType).
const (
	IssueTypeInvalid       = "invalid"
	IssueTypeStructure     = "structure"
	IssueTypeRequired      = "required"
	IssueTypeValue         = "value"
	IssueTypeNotFound      = "not-found"
	IssueTypeConflict      = "conflict"
	IssueTypeProcessing    = "processing"
	IssueTypeNotSupported  = "not-supported"
	IssueTypeBusinessRule  = "business-rule"
	IssueTypeException     = "exception"
	IssueTypeDuplicate     = "duplicate"
	IssueTypeDeleted       = "deleted"
	IssueTypeCodeInvalid   = "code-invalid"
	IssueTypeMultipleMatch = "multiple-matches"
	IssueTypeInformational = "informational"
	IssueTypeTooCostly     = "too-costly"
	IssueTypeTransient     = "transient"
	IssueTypeLogin         = "login"
)

// AllOKDiagnostics is the diagnostic text of the generic success outcome.
const AllOKDiagnostics = "All OK"

// OutcomeBuilder provides a fluent API for constructing OperationOutcome resources.
type OutcomeBuilder struct {
	outcome *OperationOutcome
}

// NewOutcomeBuilder creates a new OutcomeBuilder.
func NewOutcomeBuilder() *OutcomeBuilder {
	return &OutcomeBuilder{
		outcome: &OperationOutcome{
			ResourceType: "OperationOutcome",
		},
	}
}

// AddIssue adds a single issue to the OperationOutcome.
func (b *OutcomeBuilder) AddIssue(severity, code, diagnostics string) *OutcomeBuilder {
	b.outcome.Issue = append(b.outcome.Issue, OperationOutcomeIssue{
		Severity:    severity,
		Code:        code,
		Diagnostics: diagnostics,
	})
	return b
}

// AddIssueWithLocation adds an issue including an expression/location path.
func (b *OutcomeBuilder) AddIssueWithLocation(severity, code, diagnostics, location string) *OutcomeBuilder {
	b.outcome.Issue = append(b.outcome.Issue, OperationOutcomeIssue{
		Severity:    severity,
		Code:        code,
		Diagnostics: diagnostics,
		Expression:  []string{location},
	})
	return b
}

// AddIssues appends already-built issues.
func (b *OutcomeBuilder) AddIssues(issues ...OperationOutcomeIssue) *OutcomeBuilder {
	b.outcome.Issue = append(b.outcome.Issue, issues...)
	return b
}

// Build returns the constructed OperationOutcome.
func (b *OutcomeBuilder) Build() *OperationOutcome {
	return b.outcome
}

// HasErrors reports whether any issue is of severity error or fatal.
func HasErrors(issues []OperationOutcomeIssue) bool {
	for _, issue := range issues {
		if issue.Severity == IssueSeverityError || issue.Severity == IssueSeverityFatal {
			return true
		}
	}
	return false
}

// NewIssue is shorthand for a single issue value.
func NewIssue(severity, code, diagnostics string) OperationOutcomeIssue {
	return OperationOutcomeIssue{Severity: severity, Code: code, Diagnostics: diagnostics}
}

// AllOKOutcome is the generic success outcome returned under
// Prefer: return=OperationOutcome.
func AllOKOutcome() *OperationOutcome {
	return NewOperationOutcome(IssueSeverityInformation, IssueTypeInformational, AllOKDiagnostics)
}

// IsAllOK reports whether the issue list is empty or is exactly the generic
// success notice.
func IsAllOK(issues []OperationOutcomeIssue) bool {
	if len(issues) == 0 {
		return true
	}
	return len(issues) == 1 &&
		issues[0].Severity == IssueSeverityInformation &&
		issues[0].Code == IssueTypeInformational &&
		issues[0].Diagnostics == AllOKDiagnostics
}

// MultipleIssuesOutcome creates an OperationOutcome with multiple issues.
func MultipleIssuesOutcome(issues []OperationOutcomeIssue) *OperationOutcome {
	return NewOutcomeBuilder().AddIssues(issues...).Build()
}

// OperationError is a failed FHIR interaction. It carries the HTTP status to
// answer with and the ordered issue list explaining the failure.
type OperationError struct {
	Status  int
	Outcome *OperationOutcome
}

// NewOperationError builds an OperationError whose status is derived from
// the issue codes.
func NewOperationError(issues ...OperationOutcomeIssue) *OperationError {
	return &OperationError{
		Status:  StatusForIssues(issues),
		Outcome: MultipleIssuesOutcome(issues),
	}
}

// NewOperationErrorWithStatus builds an OperationError with an explicit status.
func NewOperationErrorWithStatus(status int, issues ...OperationOutcomeIssue) *OperationError {
	return &OperationError{
		Status:  status,
		Outcome: MultipleIssuesOutcome(issues),
	}
}

func (e *OperationError) Error() string {
	if e.Outcome == nil || len(e.Outcome.Issue) == 0 {
		return fmt.Sprintf("FHIR operation failed with status %d", e.Status)
	}
	msgs := make([]string, 0, len(e.Outcome.Issue))
	for _, is := range e.Outcome.Issue {
		msgs = append(msgs, fmt.Sprintf("%s/%s: %s", is.Severity, is.Code, is.Diagnostics))
	}
	return strings.Join(msgs, "; ")
}

// Issues returns the ordered issue list.
func (e *OperationError) Issues() []OperationOutcomeIssue {
	if e.Outcome == nil {
		return nil
	}
	return e.Outcome.Issue
}

// StatusForIssues maps the most significant issue to an HTTP status code.
// The first error or fatal issue decides.
func StatusForIssues(issues []OperationOutcomeIssue) int {
	for _, is := range issues {
		if is.Severity != IssueSeverityError && is.Severity != IssueSeverityFatal {
			continue
		}
		return StatusForIssueCode(is.Code)
	}
	return http.StatusOK
}

// StatusForIssueCode maps an issue type code to an HTTP status.
func StatusForIssueCode(code string) int {
	switch code {
	case IssueTypeNotFound:
		return http.StatusNotFound
	case IssueTypeDeleted:
		return http.StatusGone
	case IssueTypeConflict:
		return http.StatusConflict
	case IssueTypeMultipleMatch:
		return http.StatusPreconditionFailed
	case IssueTypeException:
		return http.StatusInternalServerError
	case IssueTypeTooCostly:
		return http.StatusRequestEntityTooLarge
	case IssueTypeNotSupported, IssueTypeBusinessRule, IssueTypeInvalid, IssueTypeStructure,
		IssueTypeRequired, IssueTypeValue, IssueTypeDuplicate, IssueTypeCodeInvalid, IssueTypeProcessing:
		return http.StatusBadRequest
	default:
		return http.StatusBadRequest
	}
}
