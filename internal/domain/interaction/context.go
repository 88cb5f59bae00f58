package interaction

import (
	"github.com/ehr/fhirserver/internal/config"
	"github.com/ehr/fhirserver/internal/platform/fhir"
)

// RequestContext is everything about the incoming request the interactions
// need besides the interaction itself. It is built once per request and
// passed by value.
type RequestContext struct {
	TenantID   string
	BaseURI    string
	RequestURI string
	Return     fhir.ReturnPreference
	Handling   fhir.HandlingPreference
	Tenant     *config.TenantConfig
}

// NewRequestContext builds a RequestContext from the parsed Prefer header.
// A nil tenant config means every interaction is allowed.
func NewRequestContext(tenantID, baseURI, requestURI string, prefer fhir.PreferDirective, tenant *config.TenantConfig) RequestContext {
	if tenant == nil {
		tenant = config.DefaultTenantConfig(tenantID)
	}
	if prefer.Return == "" {
		prefer.Return = fhir.ReturnRepresentation
	}
	return RequestContext{
		TenantID:   tenantID,
		BaseURI:    baseURI,
		RequestURI: requestURI,
		Return:     prefer.Return,
		Handling:   prefer.Handling,
		Tenant:     tenant,
	}
}

func (rc RequestContext) tenant() *config.TenantConfig {
	if rc.Tenant == nil {
		return config.DefaultTenantConfig(rc.TenantID)
	}
	return rc.Tenant
}
