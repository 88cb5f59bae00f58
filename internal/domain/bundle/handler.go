package bundle

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/ehr/fhirserver/internal/domain/interaction"
	"github.com/ehr/fhirserver/internal/platform/fhir"
)

// Handler serves POST on the FHIR base path.
type Handler struct {
	orchestrator *Orchestrator
	contexts     interaction.ContextBuilder
}

// NewHandler serves bundle posts through orchestrator.
func NewHandler(orchestrator *Orchestrator, contexts interaction.ContextBuilder) *Handler {
	return &Handler{orchestrator: orchestrator, contexts: contexts}
}

func (h *Handler) RegisterRoutes(fhirGroup *echo.Group) {
	fhirGroup.POST("", h.ProcessBundle)
}

// ProcessBundle handles POST /fhir with a transaction or batch Bundle.
// ?_validate=true runs every check without persisting.
func (h *Handler) ProcessBundle(c echo.Context) error {
	var b fhir.Bundle
	if err := json.NewDecoder(c.Request().Body).Decode(&b); err != nil {
		return interaction.WriteError(c, fhir.NewOperationError(fhir.NewIssue(fhir.IssueSeverityFatal, fhir.IssueTypeStructure,
			"invalid Bundle JSON: "+err.Error())))
	}
	if b.ResourceType != "Bundle" {
		return interaction.WriteError(c, fhir.NewOperationError(fhir.NewIssue(fhir.IssueSeverityFatal, fhir.IssueTypeInvalid,
			"request body must be a Bundle resource")))
	}

	validateOnly := false
	if v := c.QueryParam("_validate"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			return interaction.WriteError(c, fhir.NewOperationError(fhir.NewIssue(fhir.IssueSeverityError, fhir.IssueTypeValue,
				"_validate must be true or false")))
		}
		validateOnly = parsed
	}

	rc, err := h.contexts.FromEcho(c)
	if err != nil {
		return interaction.WriteError(c, err)
	}
	resp, err := h.orchestrator.ProcessBundle(c.Request().Context(), rc, &b, validateOnly)
	if err != nil {
		return interaction.WriteError(c, err)
	}
	return interaction.WriteFHIR(c, http.StatusOK, resp)
}
