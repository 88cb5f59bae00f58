package bundle

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/ehr/fhirserver/internal/domain/interaction"
	"github.com/ehr/fhirserver/internal/platform/db"
)

func newTestServer() *echo.Echo {
	o, _ := newTestOrchestrator()
	e := echo.New()
	g := e.Group("/fhir", db.TenantMiddleware(nil, "default"))
	NewHandler(o, interaction.ContextBuilder{BaseURI: testBaseURI}).RegisterRoutes(g)
	return e
}

func postBundle(e *echo.Echo, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, interaction.ContentTypeFHIRJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

const transactionJSON = `{
  "resourceType": "Bundle",
  "type": "transaction",
  "entry": [
    {
      "fullUrl": "urn:uuid:61ebe359-bfdc-4613-8bf2-c5e300945f0a",
      "resource": {"resourceType": "Patient", "name": [{"family": "Smith"}]},
      "request": {"method": "POST", "url": "Patient"}
    },
    {
      "resource": {
        "resourceType": "Observation",
        "status": "final",
        "subject": {"reference": "urn:uuid:61ebe359-bfdc-4613-8bf2-c5e300945f0a"}
      },
      "request": {"method": "POST", "url": "Observation"}
    }
  ]
}`

func TestHandler_ProcessBundle(t *testing.T) {
	e := newTestServer()
	rec := postBundle(e, "/fhir", transactionJSON)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Type  string `json:"type"`
		Entry []struct {
			Resource map[string]interface{} `json:"resource"`
			Response struct {
				Status   string `json:"status"`
				Location string `json:"location"`
			} `json:"response"`
		} `json:"entry"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid response JSON: %v", err)
	}
	if resp.Type != "transaction-response" || len(resp.Entry) != 2 {
		t.Fatalf("unexpected response %+v", resp)
	}
	if resp.Entry[1].Response.Location != "Observation/generated-1/_history/1" {
		t.Errorf("unexpected location %q", resp.Entry[1].Response.Location)
	}
	subject := resp.Entry[1].Resource["subject"].(map[string]interface{})
	if subject["reference"] != "Patient/generated-0" {
		t.Errorf("unexpected subject %v", subject)
	}
}

func TestHandler_ProcessBundle_Validate(t *testing.T) {
	e := newTestServer()
	rec := postBundle(e, "/fhir?_validate=true", transactionJSON)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if strings.Contains(rec.Body.String(), `"location"`) {
		t.Error("validate-only responses carry no locations")
	}

	rec = postBundle(e, "/fhir?_validate=maybe", transactionJSON)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad _validate, got %d", rec.Code)
	}
}

func TestHandler_ProcessBundle_Errors(t *testing.T) {
	e := newTestServer()
	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"malformed", `{`, http.StatusBadRequest},
		{"not a bundle", `{"resourceType":"Patient"}`, http.StatusBadRequest},
		{"collection", `{"resourceType":"Bundle","type":"collection"}`, http.StatusBadRequest},
		{"duplicate fullUrl", `{"resourceType":"Bundle","type":"batch","entry":[
			{"fullUrl":"test","request":{"method":"GET","url":"Patient"}},
			{"fullUrl":"test","request":{"method":"GET","url":"Patient"}}]}`, http.StatusBadRequest},
		{"failing transaction", `{"resourceType":"Bundle","type":"transaction","entry":[
			{"request":{"method":"GET","url":"Patient/missing"}}]}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := postBundle(e, "/fhir", tt.body)
			if rec.Code != tt.status {
				t.Errorf("expected %d, got %d: %s", tt.status, rec.Code, rec.Body.String())
			}
			var body map[string]interface{}
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil || body["resourceType"] != "OperationOutcome" {
				t.Errorf("expected OperationOutcome body, got %s", rec.Body.String())
			}
		})
	}
}
