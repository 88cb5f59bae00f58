package fhir

import "fmt"

// NotFoundIssue reports a missing resource instance.
func NotFoundIssue(resourceType, id string) OperationOutcomeIssue {
	return NewIssue(IssueSeverityError, IssueTypeNotFound,
		fmt.Sprintf("Resource '%s/%s' not found.", resourceType, id))
}

// GoneIssue reports a resource that exists only as a deletion marker.
func GoneIssue(resourceType, id string) OperationOutcomeIssue {
	return NewIssue(IssueSeverityError, IssueTypeDeleted,
		fmt.Sprintf("Resource '%s/%s' has been deleted.", resourceType, id))
}

// ExceptionIssue wraps an unexpected internal failure.
func ExceptionIssue(err error) OperationOutcomeIssue {
	return NewIssue(IssueSeverityError, IssueTypeException, err.Error())
}

// MultipleMatchesIssue reports a conditional interaction whose search
// criteria selected more than one resource.
func MultipleMatchesIssue(interaction, resourceType, query string, count int) OperationOutcomeIssue {
	return NewIssue(IssueSeverityError, IssueTypeMultipleMatch,
		fmt.Sprintf("The search criteria specified for a conditional %s operation returned multiple matches: %d '%s' resources matched '%s'.",
			interaction, count, resourceType, query))
}

// VersionConflictIssue reports an If-Match precondition that did not hold.
func VersionConflictIssue(resourceType, id string, expected, actual int) OperationOutcomeIssue {
	return NewIssue(IssueSeverityError, IssueTypeConflict,
		fmt.Sprintf("If-Match version '%d' does not match current version '%d' of resource '%s/%s'.",
			expected, actual, resourceType, id))
}

// NoMatchIssue reports a conditional interaction whose search criteria
// selected nothing where a match is required.
func NoMatchIssue(interaction, resourceType, query string) OperationOutcomeIssue {
	return NewIssue(IssueSeverityError, IssueTypeNotFound,
		fmt.Sprintf("The search criteria specified for a conditional %s operation matched no '%s' resources: '%s'.",
			interaction, resourceType, query))
}
