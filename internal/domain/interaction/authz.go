package interaction

import (
	"fmt"

	"github.com/ehr/fhirserver/internal/config"
	"github.com/ehr/fhirserver/internal/platform/fhir"
)

// authorize checks an interaction against the tenant configuration. A
// resource type without a section of its own is only served when the
// tenant is open. The interaction list of the type's own section wins over
// the generic Resource section; with neither configured every interaction
// is allowed.
func authorize(tenant *config.TenantConfig, interaction, resourceType string) *fhir.OperationError {
	typeCfg, declared := tenant.ResourceType(resourceType)
	if !declared && !tenant.IsOpen() {
		return fhir.NewOperationError(fhir.NewIssue(fhir.IssueSeverityError, fhir.IssueTypeNotFound,
			fmt.Sprintf("The requested resource type '%s' is not found.", resourceType)))
	}

	allowed := typeCfg.Interactions
	if allowed == nil {
		if generic, ok := tenant.ResourceType(config.GenericResourceType); ok {
			allowed = generic.Interactions
		}
	}
	if allowed == nil {
		return nil
	}
	for _, name := range *allowed {
		if name == interaction {
			return nil
		}
	}
	return fhir.NewOperationError(fhir.NewIssue(fhir.IssueSeverityError, fhir.IssueTypeBusinessRule,
		fmt.Sprintf("The requested interaction of type '%s' is not allowed for resource type '%s'.", interaction, resourceType)))
}
