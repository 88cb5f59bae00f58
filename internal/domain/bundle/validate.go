package bundle

import (
	"fmt"
	"strings"

	"github.com/ehr/fhirserver/internal/platform/fhir"
)

// ValidateBundle checks the bundle-level constraints of a request bundle.
// A wrong Bundle.type is reported on its own; every other violation is
// collected behind a leading summary issue. The result is nil when the
// bundle is well formed.
func ValidateBundle(b *fhir.Bundle, baseURI string) *fhir.OperationError {
	if b.Type != fhir.BundleTypeBatch && b.Type != fhir.BundleTypeTransaction {
		return outcomeError(fhir.NewOutcomeBuilder().
			AddIssueWithLocation(fhir.IssueSeverityFatal, fhir.IssueTypeValue,
				"Bundle.type must be either 'batch' or 'transaction'.", "Bundle.type"))
	}

	issues := structuralIssues(b, baseURI)
	if len(issues) == 0 {
		return nil
	}
	return outcomeError(fhir.NewOutcomeBuilder().
		AddIssue(fhir.IssueSeverityFatal, fhir.IssueTypeInvalid,
			fmt.Sprintf("One or more errors were encountered while validating a '%s' request bundle.", b.Type)).
		AddIssues(issues...))
}

func outcomeError(b *fhir.OutcomeBuilder) *fhir.OperationError {
	oo := b.Build()
	return &fhir.OperationError{Status: fhir.StatusForIssues(oo.Issue), Outcome: oo}
}

func fatal(code, expression, format string, args ...interface{}) fhir.OperationOutcomeIssue {
	return fhir.OperationOutcomeIssue{
		Severity:    fhir.IssueSeverityFatal,
		Code:        code,
		Diagnostics: fmt.Sprintf(format, args...),
		Expression:  []string{expression},
	}
}

func structuralIssues(b *fhir.Bundle, baseURI string) []fhir.OperationOutcomeIssue {
	var issues []fhir.OperationOutcomeIssue
	if b.Total != nil {
		issues = append(issues, fatal(fhir.IssueTypeInvalid, "Bundle.total",
			"Bundle.total must not be present in a '%s' request bundle.", b.Type))
	}

	fullURLs := make(map[string]int)
	localIDs := make(map[string]int)
	for i, e := range b.Entry {
		path := fmt.Sprintf("Bundle.entry[%d]", i)
		if e.Request == nil {
			issues = append(issues, fatal(fhir.IssueTypeRequired, path+".request",
				"Bundle.entry[%d].request is required in a '%s' request bundle.", i, b.Type))
		}
		if e.Search != nil {
			issues = append(issues, fatal(fhir.IssueTypeInvalid, path+".search",
				"Bundle.entry[%d].search must not be present in a request bundle.", i))
		}
		if e.Response != nil {
			issues = append(issues, fatal(fhir.IssueTypeInvalid, path+".response",
				"Bundle.entry[%d].response must not be present in a request bundle.", i))
		}

		if e.FullURL == "" {
			continue
		}
		if fhir.IsVersionSpecific(e.FullURL) {
			issues = append(issues, fatal(fhir.IssueTypeValue, path+".fullUrl",
				"Bundle.entry[%d].fullUrl '%s' must not be a version-specific reference.", i, e.FullURL))
		}
		key := fhir.NormalizeReference(e.FullURL, baseURI)
		if first, dup := fullURLs[key]; dup {
			issues = append(issues, fatal(fhir.IssueTypeDuplicate, path+".fullUrl",
				"Duplicate fullUrl '%s' in Bundle.entry[%d]; it is already used by Bundle.entry[%d].", e.FullURL, i, first))
			continue
		}
		fullURLs[key] = i

		if fhir.IsURNReference(e.FullURL) {
			local := strings.ToLower(e.FullURL)
			if first, dup := localIDs[local]; dup {
				issues = append(issues, fatal(fhir.IssueTypeDuplicate, path+".fullUrl",
					"Local identifier '%s' in Bundle.entry[%d] collides with Bundle.entry[%d].", e.FullURL, i, first))
				continue
			}
			localIDs[local] = i
		}
	}
	return issues
}
