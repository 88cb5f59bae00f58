package interaction

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/ehr/fhirserver/internal/config"
	"github.com/ehr/fhirserver/internal/platform/db"
	"github.com/ehr/fhirserver/internal/platform/fhir"
)

const ContentTypeFHIRJSON = "application/fhir+json"

// TenantSource supplies tenant configuration by tenant id.
type TenantSource interface {
	Get(tenantID string) (*config.TenantConfig, error)
}

// ContextBuilder derives a RequestContext from an echo request. The tenant
// id is expected in the request context (see db.TenantMiddleware).
type ContextBuilder struct {
	Tenants TenantSource
	BaseURI string
}

func (b ContextBuilder) FromEcho(c echo.Context) (RequestContext, error) {
	tenantID := db.TenantFromContext(c.Request().Context())
	var tenant *config.TenantConfig
	if b.Tenants != nil {
		cfg, err := b.Tenants.Get(tenantID)
		if err != nil {
			return RequestContext{}, fhir.NewOperationError(fhir.NewIssue(fhir.IssueSeverityError, fhir.IssueTypeNotFound,
				fmt.Sprintf("Tenant configuration for '%s' could not be loaded: %v", tenantID, err)))
		}
		tenant = cfg
	}
	prefer := fhir.ParsePreferHeader(c.Request().Header.Get("Prefer"))
	return NewRequestContext(tenantID, b.BaseURI, c.Request().RequestURI, prefer, tenant), nil
}

// WriteFHIR writes a FHIR JSON body, or only the status when body is nil.
func WriteFHIR(c echo.Context, status int, body interface{}) error {
	if body == nil {
		return c.NoContent(status)
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	return c.Blob(status, ContentTypeFHIRJSON, data)
}

// WriteError renders err as an OperationOutcome with its HTTP status.
func WriteError(c echo.Context, err error) error {
	var opErr *fhir.OperationError
	if !errors.As(err, &opErr) {
		opErr = fhir.NewOperationError(fhir.ExceptionIssue(err))
	}
	return WriteFHIR(c, opErr.Status, opErr.Outcome.ToMap())
}

func badRequest(c echo.Context, format string, args ...interface{}) error {
	return WriteError(c, invalid(format, args...))
}

// Handler serves single interactions under the FHIR base path.
type Handler struct {
	processor *Processor
	contexts  ContextBuilder
}

// NewHandler serves single interactions through processor.
func NewHandler(processor *Processor, contexts ContextBuilder) *Handler {
	return &Handler{processor: processor, contexts: contexts}
}

func (h *Handler) RegisterRoutes(fhirGroup *echo.Group) {
	fhirGroup.POST("/:type", h.Create)
	fhirGroup.PUT("/:type", h.Update)
	fhirGroup.PUT("/:type/:id", h.Update)
	fhirGroup.PATCH("/:type", h.Patch)
	fhirGroup.PATCH("/:type/:id", h.Patch)
	fhirGroup.DELETE("/:type", h.Delete)
	fhirGroup.DELETE("/:type/:id", h.Delete)
	fhirGroup.GET("/:type", h.Search)
	fhirGroup.GET("/:type/:id", h.Read)
	fhirGroup.GET("/:type/:id/_history", h.History)
	fhirGroup.GET("/:type/:id/_history/:vid", h.VRead)
}

func (h *Handler) run(c echo.Context, k Kind) error {
	rc, err := h.contexts.FromEcho(c)
	if err != nil {
		return WriteError(c, err)
	}
	out, err := h.processor.ProcessSingle(c.Request().Context(), rc, k)
	if err != nil {
		return WriteError(c, err)
	}
	h.setHeaders(c, rc, out)
	body := out.Body(rc.Return)
	if body == nil {
		return c.NoContent(out.HTTPStatus)
	}
	return WriteFHIR(c, out.HTTPStatus, body)
}

func (h *Handler) setHeaders(c echo.Context, rc RequestContext, out *Outcome) {
	header := c.Response().Header()
	if out.IsWrite() {
		if loc := out.Location(); loc != "" {
			header.Set(echo.HeaderLocation, rc.BaseURI+"/"+loc)
		}
	}
	if out.ID != "" {
		if etag := out.ETag(); etag != "" {
			header.Set("ETag", etag)
		}
	}
	if out.LastModified != nil {
		header.Set(echo.HeaderLastModified, out.LastModified.UTC().Format(http.TimeFormat))
	}
}

func readResource(c echo.Context) (map[string]interface{}, error) {
	data, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return nil, fmt.Errorf("read request body: %w", err)
	}
	var resource map[string]interface{}
	if err := json.Unmarshal(data, &resource); err != nil {
		return nil, fmt.Errorf("request body is not a JSON object: %w", err)
	}
	return resource, nil
}

// conditionalQuery is the request query string minus the tenant selector.
func conditionalQuery(c echo.Context) string {
	params, err := url.ParseQuery(c.QueryString())
	if err != nil {
		return c.QueryString()
	}
	params.Del("tenant_id")
	return params.Encode()
}

func (h *Handler) Create(c echo.Context) error {
	resource, err := readResource(c)
	if err != nil {
		return badRequest(c, "%v", err)
	}
	return h.run(c, Create{
		ResourceType: c.Param("type"),
		Resource:     resource,
		IfNoneExist:  c.Request().Header.Get("If-None-Exist"),
	})
}

func (h *Handler) Update(c echo.Context) error {
	resource, err := readResource(c)
	if err != nil {
		return badRequest(c, "%v", err)
	}
	k := Update{
		ResourceType: c.Param("type"),
		ID:           c.Param("id"),
		Resource:     resource,
		IfMatch:      c.Request().Header.Get("If-Match"),
	}
	if k.ID == "" {
		k.Query = conditionalQuery(c)
		if k.Query == "" {
			return badRequest(c, "PUT requires a resource id or search criteria")
		}
	}
	return h.run(c, k)
}

func (h *Handler) Patch(c echo.Context) error {
	if ct := c.Request().Header.Get(echo.HeaderContentType); !strings.Contains(ct, "json-patch+json") {
		return WriteFHIR(c, http.StatusUnsupportedMediaType, fhir.ErrorOutcome(
			"PATCH requires Content-Type: "+fhir.ContentTypeJSONPatch).ToMap())
	}
	data, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return badRequest(c, "read request body: %v", err)
	}
	ops, err := fhir.ParseJSONPatch(data)
	if err != nil {
		return badRequest(c, "%v", err)
	}
	k := Patch{
		ResourceType: c.Param("type"),
		ID:           c.Param("id"),
		Operations:   ops,
		IfMatch:      c.Request().Header.Get("If-Match"),
	}
	if k.ID == "" {
		k.Query = conditionalQuery(c)
		if k.Query == "" {
			return badRequest(c, "PATCH requires a resource id or search criteria")
		}
	}
	return h.run(c, k)
}

func (h *Handler) Delete(c echo.Context) error {
	k := Delete{
		ResourceType: c.Param("type"),
		ID:           c.Param("id"),
		IfMatch:      c.Request().Header.Get("If-Match"),
	}
	if k.ID == "" {
		k.Query = conditionalQuery(c)
		if k.Query == "" {
			return badRequest(c, "DELETE requires a resource id or search criteria")
		}
	}
	return h.run(c, k)
}

func (h *Handler) Read(c echo.Context) error {
	return h.run(c, Read{ResourceType: c.Param("type"), ID: c.Param("id")})
}

func (h *Handler) VRead(c echo.Context) error {
	v, err := strconv.Atoi(c.Param("vid"))
	if err != nil {
		return badRequest(c, "invalid version id '%s'", c.Param("vid"))
	}
	return h.run(c, VRead{ResourceType: c.Param("type"), ID: c.Param("id"), Version: v})
}

func (h *Handler) History(c echo.Context) error {
	return h.run(c, History{ResourceType: c.Param("type"), ID: c.Param("id")})
}

func (h *Handler) Search(c echo.Context) error {
	params, err := url.ParseQuery(c.QueryString())
	if err != nil {
		return badRequest(c, "invalid search query: %v", err)
	}
	params.Del("tenant_id")
	return h.run(c, Search{ResourceType: c.Param("type"), Params: params})
}
