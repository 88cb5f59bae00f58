package interaction

import (
	"context"
	"fmt"
	"strings"

	"github.com/ehr/fhirserver/internal/config"
	"github.com/ehr/fhirserver/internal/platform/fhir"
)

// ProfileResolver looks up profile definitions by canonical URL.
type ProfileResolver interface {
	Resolve(ctx context.Context, url, version string) (*fhir.ProfileDefinition, bool)
}

// checkProfiles runs the disallowed, required and unsupported profile checks
// against the resource's meta.profile and returns every issue found.
func checkProfiles(ctx context.Context, resolver ProfileResolver, tenant *config.TenantConfig, resourceType string, resource map[string]interface{}) []fhir.OperationOutcomeIssue {
	declared := fhir.DeclaredProfiles(resource)
	rules := tenant.ProfileRulesFor(resourceType)

	var issues []fhir.OperationOutcomeIssue
	if bad := disallowedProfiles(declared, rules.NotAllowed); len(bad) > 0 {
		issues = append(issues, fhir.NewIssue(fhir.IssueSeverityError, fhir.IssueTypeBusinessRule,
			fmt.Sprintf("A profile was specified which is not allowed. Resources of type '%s' are not allowed to declare conformance to any of the following profiles: [%s]",
				resourceType, strings.Join(bad, ", "))))
	}
	if len(rules.AtLeastOne) > 0 && !declaresRequired(tenant, resourceType, declared, rules.AtLeastOne) {
		issues = append(issues, fhir.NewIssue(fhir.IssueSeverityError, fhir.IssueTypeBusinessRule,
			fmt.Sprintf("A required profile was not specified. Resources of type '%s' must declare conformance to at least one of the following profiles: [%s]",
				resourceType, strings.Join(rules.AtLeastOne, ", "))))
	}
	if resolver != nil {
		issues = append(issues, unsupportedProfiles(ctx, resolver, tenant, resourceType, declared)...)
	}
	return issues
}

func disallowedProfiles(declared, notAllowed []string) []string {
	var bad []string
	for _, p := range declared {
		for _, na := range notAllowed {
			if p == na {
				bad = append(bad, p)
				break
			}
		}
	}
	return bad
}

// declaresRequired reports whether any declared profile satisfies one of the
// required entries. An unversioned requirement accepts every version; a
// versioned one needs that version, where an unversioned declaration is
// read as the configured default version.
func declaresRequired(tenant *config.TenantConfig, resourceType string, declared, required []string) bool {
	for _, d := range declared {
		dURL, dVer := fhir.SplitCanonical(d)
		if dVer == "" {
			dVer, _ = tenant.DefaultProfileVersion(resourceType, dURL)
		}
		for _, r := range required {
			rURL, rVer := fhir.SplitCanonical(r)
			if rURL != dURL {
				continue
			}
			if rVer == "" || rVer == dVer {
				return true
			}
		}
	}
	return false
}

func unsupportedProfiles(ctx context.Context, resolver ProfileResolver, tenant *config.TenantConfig, resourceType string, declared []string) []fhir.OperationOutcomeIssue {
	severity := fhir.IssueSeverityError
	if tenant.AllowUnknownProfiles(resourceType) {
		severity = fhir.IssueSeverityWarning
	}

	var issues []fhir.OperationOutcomeIssue
	for _, p := range declared {
		url, version := fhir.SplitCanonical(p)
		if _, ok := resolver.Resolve(ctx, url, version); ok {
			continue
		}
		if version == "" {
			if dv, ok := tenant.DefaultProfileVersion(resourceType, url); ok {
				if _, ok := resolver.Resolve(ctx, url, dv); ok {
					continue
				}
			}
		}
		issues = append(issues, fhir.NewIssue(severity, fhir.IssueTypeNotSupported,
			fmt.Sprintf("Profile '%s' is not supported", p)))
	}
	return issues
}
