package interaction

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"testing"

	"github.com/ehr/fhirserver/internal/config"
	"github.com/ehr/fhirserver/internal/platform/fhir"
)

func mustOpError(t *testing.T, err error) *fhir.OperationError {
	t.Helper()
	var opErr *fhir.OperationError
	if !errors.As(err, &opErr) {
		t.Fatalf("expected *fhir.OperationError, got %T (%v)", err, err)
	}
	return opErr
}

func TestProcessor_Create(t *testing.T) {
	p, store := newTestProcessor()
	ctx := context.Background()

	out, err := p.ProcessSingle(ctx, testContext(nil), Create{ResourceType: "Patient", Resource: newPatient("Smith")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Status != StatusCreated || out.HTTPStatus != http.StatusCreated {
		t.Errorf("unexpected outcome %+v", out)
	}
	if out.Location() != "Patient/generated-0/_history/1" {
		t.Errorf("unexpected location %s", out.Location())
	}
	if out.ETag() != `W/"1"` {
		t.Errorf("unexpected etag %s", out.ETag())
	}
	if _, err := store.Read(ctx, "Patient", "generated-0"); err != nil {
		t.Errorf("expected stored resource: %v", err)
	}
}

func TestProcessor_CreateWithPreassignedID(t *testing.T) {
	p, _ := newTestProcessor()
	out, err := p.ProcessSingle(context.Background(), testContext(nil), Create{ResourceType: "Patient", ID: "fixed", Resource: newPatient("A")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.ID != "fixed" {
		t.Errorf("expected pre-assigned id, got %s", out.ID)
	}
}

func TestProcessor_CreateRejectsTypeMismatch(t *testing.T) {
	p, _ := newTestProcessor()
	_, err := p.ProcessSingle(context.Background(), testContext(nil), Create{ResourceType: "Observation", Resource: newPatient("A")})
	opErr := mustOpError(t, err)
	if opErr.Status != http.StatusBadRequest || opErr.Issues()[0].Code != fhir.IssueTypeInvalid {
		t.Errorf("unexpected error %v", opErr)
	}
}

func TestProcessor_CreateValidationFailure(t *testing.T) {
	p, store := newTestProcessor()
	ctx := context.Background()
	enc := map[string]interface{}{"resourceType": "Encounter", "status": "bogus"}

	_, err := p.ProcessSingle(ctx, testContext(nil), Create{ResourceType: "Encounter", Resource: enc})
	opErr := mustOpError(t, err)
	if opErr.Issues()[0].Code != fhir.IssueTypeCodeInvalid {
		t.Errorf("expected code-invalid, got %+v", opErr.Issues())
	}
	if hits, _ := store.Search(ctx, "Encounter", url.Values{}); len(hits) != 0 {
		t.Error("failed create must not persist")
	}
}

func TestProcessor_ConditionalCreate(t *testing.T) {
	p, store := newTestProcessor()
	ctx := context.Background()
	rc := testContext(nil)

	existing := newPatient("Smith")
	existing["identifier"] = []interface{}{map[string]interface{}{"system": "urn:mrn", "value": "42"}}
	store.Create(ctx, "Patient", "p1", existing)

	out, err := p.ProcessSingle(ctx, rc, Create{ResourceType: "Patient", Resource: newPatient("Other"), IfNoneExist: "identifier=urn:mrn|42"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Status != StatusMatched || out.HTTPStatus != http.StatusOK || out.Location() != "Patient/p1/_history/1" {
		t.Errorf("expected match of p1, got %+v", out)
	}
	if len(out.Issues) != 1 || out.Issues[0].Severity != fhir.IssueSeverityInformation {
		t.Errorf("expected informational issue, got %+v", out.Issues)
	}

	out, err = p.ProcessSingle(ctx, rc, Create{ResourceType: "Patient", Resource: newPatient("New"), IfNoneExist: "identifier=urn:mrn|99"})
	if err != nil || out.Status != StatusCreated {
		t.Fatalf("expected create on no match, got %+v %v", out, err)
	}

	store.Create(ctx, "Patient", "p2", existing)
	_, err = p.ProcessSingle(ctx, rc, Create{ResourceType: "Patient", Resource: newPatient("X"), IfNoneExist: "identifier=urn:mrn|42"})
	if opErr := mustOpError(t, err); opErr.Status != http.StatusPreconditionFailed {
		t.Errorf("expected 412 on multiple matches, got %d", opErr.Status)
	}
}

func TestProcessor_Update(t *testing.T) {
	p, _ := newTestProcessor()
	ctx := context.Background()
	rc := testContext(nil)

	out, err := p.ProcessSingle(ctx, rc, Update{ResourceType: "Patient", ID: "p1", Resource: newPatient("A")})
	if err != nil || out.Status != StatusCreated || out.HTTPStatus != http.StatusCreated {
		t.Fatalf("expected update-as-create, got %+v %v", out, err)
	}

	out, err = p.ProcessSingle(ctx, rc, Update{ResourceType: "Patient", ID: "p1", Resource: newPatient("B"), IfMatch: `W/"1"`})
	if err != nil || out.Status != StatusUpdated || out.Version != 2 {
		t.Fatalf("expected version 2 update, got %+v %v", out, err)
	}

	_, err = p.ProcessSingle(ctx, rc, Update{ResourceType: "Patient", ID: "p1", Resource: newPatient("C"), IfMatch: `W/"1"`})
	if opErr := mustOpError(t, err); opErr.Status != http.StatusPreconditionFailed || opErr.Issues()[0].Code != fhir.IssueTypeConflict {
		t.Errorf("expected 412 conflict, got %v", opErr)
	}

	body := newPatient("D")
	body["id"] = "other"
	_, err = p.ProcessSingle(ctx, rc, Update{ResourceType: "Patient", ID: "p1", Resource: body})
	if opErr := mustOpError(t, err); opErr.Status != http.StatusBadRequest {
		t.Errorf("expected 400 for id mismatch, got %d", opErr.Status)
	}
}

func TestProcessor_ConditionalUpdate(t *testing.T) {
	p, store := newTestProcessor()
	ctx := context.Background()
	rc := testContext(nil)

	out, err := p.ProcessSingle(ctx, rc, Update{ResourceType: "Patient", Query: "name=smith", Resource: newPatient("Smith")})
	if err != nil || out.Status != StatusCreated || out.ID != "generated-0" {
		t.Fatalf("expected create with generated id, got %+v %v", out, err)
	}

	withID := newPatient("Jones")
	withID["id"] = "declared"
	out, err = p.ProcessSingle(ctx, rc, Update{ResourceType: "Patient", Query: "name=jones", Resource: withID})
	if err != nil || out.ID != "declared" {
		t.Fatalf("expected create with body id, got %+v %v", out, err)
	}

	out, err = p.ProcessSingle(ctx, rc, Update{ResourceType: "Patient", Query: "name=smith", Resource: newPatient("Smith")})
	if err != nil || out.Status != StatusUpdated || out.ID != "generated-0" || out.Version != 2 {
		t.Fatalf("expected update of the match, got %+v %v", out, err)
	}

	store.Create(ctx, "Patient", "dup", newPatient("Smithers"))
	_, err = p.ProcessSingle(ctx, rc, Update{ResourceType: "Patient", Query: "name=smith", Resource: newPatient("Smith")})
	if opErr := mustOpError(t, err); opErr.Status != http.StatusPreconditionFailed {
		t.Errorf("expected 412, got %d", opErr.Status)
	}
}

func TestProcessor_ConditionalUpdatePrefersFallbackID(t *testing.T) {
	p, _ := newTestProcessor()
	ctx := context.Background()
	rc := testContext(nil)

	out, err := p.ProcessSingle(ctx, rc, Update{ResourceType: "Patient", Query: "name=lee", Resource: newPatient("Lee"), FallbackID: "from-fullurl"})
	if err != nil || out.ID != "from-fullurl" {
		t.Fatalf("expected create with the fallback id, got %+v %v", out, err)
	}

	body := newPatient("Kim")
	body["id"] = "from-body"
	_, err = p.ProcessSingle(ctx, rc, Update{ResourceType: "Patient", Query: "name=kim", Resource: body, FallbackID: "from-fullurl-2"})
	if opErr := mustOpError(t, err); opErr.Status != http.StatusBadRequest || !strings.Contains(opErr.Error(), "from-fullurl-2") {
		t.Errorf("expected id mismatch against the fallback id, got %v", opErr)
	}
}

func TestProcessor_UpdateCreateDisabled(t *testing.T) {
	p, store := newTestProcessor()
	ctx := context.Background()
	tenant := config.DefaultTenantConfig("default")
	tenant.Resources.UpdateCreateEnabled = boolPtr(false)
	rc := testContext(tenant)

	tests := []struct {
		name string
		kind Update
	}{
		{"update of missing id", Update{ResourceType: "Patient", ID: "nobody", Resource: newPatient("A")}},
		{"conditional update without match", Update{ResourceType: "Patient", Query: "name=nobody", Resource: newPatient("Nobody")}},
		{"conditional update with fallback id", Update{ResourceType: "Patient", Query: "name=nobody", Resource: newPatient("Nobody"), FallbackID: "declared"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.ProcessSingle(ctx, rc, tt.kind)
			opErr := mustOpError(t, err)
			if opErr.Status != http.StatusNotFound || opErr.Issues()[0].Code != fhir.IssueTypeNotFound {
				t.Errorf("expected 404 not-found, got %v", opErr)
			}
		})
	}
	if hits, _ := store.Search(ctx, "Patient", url.Values{}); len(hits) != 0 {
		t.Errorf("nothing may be created, got %d", len(hits))
	}

	store.Create(ctx, "Patient", "p1", newPatient("Existing"))
	out, err := p.ProcessSingle(ctx, rc, Update{ResourceType: "Patient", ID: "p1", Resource: newPatient("Changed")})
	if err != nil || out.Status != StatusUpdated || out.Version != 2 {
		t.Errorf("updates of existing resources still succeed, got %+v %v", out, err)
	}
}

func TestProcessor_Patch(t *testing.T) {
	p, store := newTestProcessor()
	ctx := context.Background()
	rc := testContext(nil)
	store.Create(ctx, "Patient", "p1", newPatient("A"))

	ops := []fhir.PatchOperation{{Op: "add", Path: "/active", Value: true}}
	out, err := p.ProcessSingle(ctx, rc, Patch{ResourceType: "Patient", ID: "p1", Operations: ops})
	if err != nil || out.Version != 2 || out.Resource["active"] != true {
		t.Fatalf("unexpected patch outcome %+v %v", out, err)
	}

	_, err = p.ProcessSingle(ctx, rc, Patch{ResourceType: "Patient", ID: "p1", Operations: []fhir.PatchOperation{{Op: "replace", Path: "/id", Value: "x"}}})
	if opErr := mustOpError(t, err); opErr.Status != http.StatusBadRequest {
		t.Errorf("expected 400 for id change, got %d", opErr.Status)
	}

	_, err = p.ProcessSingle(ctx, rc, Patch{ResourceType: "Patient", ID: "p1", Operations: []fhir.PatchOperation{{Op: "remove", Path: "/nope"}}})
	if opErr := mustOpError(t, err); opErr.Issues()[0].Code != fhir.IssueTypeProcessing {
		t.Errorf("expected processing issue, got %+v", opErr.Issues())
	}

	_, err = p.ProcessSingle(ctx, rc, Patch{ResourceType: "Patient", ID: "missing", Operations: ops})
	if opErr := mustOpError(t, err); opErr.Status != http.StatusNotFound {
		t.Errorf("expected 404, got %d", opErr.Status)
	}
}

func TestProcessor_Delete(t *testing.T) {
	p, store := newTestProcessor()
	ctx := context.Background()
	rc := testContext(nil)
	store.Create(ctx, "Patient", "p1", newPatient("A"))

	out, err := p.ProcessSingle(ctx, rc, Delete{ResourceType: "Patient", ID: "p1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Status != StatusDeleted || out.HTTPStatus != http.StatusOK || out.Location() != "Patient/p1/_history/2" {
		t.Errorf("unexpected delete outcome %+v", out)
	}
	if len(out.Issues) != 1 || !strings.Contains(out.Issues[0].Diagnostics, "p1") {
		t.Errorf("expected informational issue naming p1, got %+v", out.Issues)
	}

	_, err = p.ProcessSingle(ctx, rc, Read{ResourceType: "Patient", ID: "p1"})
	if opErr := mustOpError(t, err); opErr.Status != http.StatusGone {
		t.Errorf("expected 410 after delete, got %d", opErr.Status)
	}

	_, err = p.ProcessSingle(ctx, rc, Delete{ResourceType: "Patient", ID: "never"})
	if opErr := mustOpError(t, err); opErr.Status != http.StatusNotFound {
		t.Errorf("expected 404, got %d", opErr.Status)
	}

	out, err = p.ProcessSingle(ctx, rc, Delete{ResourceType: "Patient", Query: "name=nobody"})
	if err != nil || out.ID != "" || len(out.Issues) != 1 {
		t.Errorf("expected no-match informational outcome, got %+v %v", out, err)
	}
}

func TestProcessor_ReadLike(t *testing.T) {
	p, store := newTestProcessor()
	ctx := context.Background()
	rc := testContext(nil)
	store.Create(ctx, "Patient", "p1", newPatient("A"))
	store.Update(ctx, "Patient", "p1", newPatient("B"))

	out, err := p.ProcessSingle(ctx, rc, Read{ResourceType: "Patient", ID: "p1"})
	if err != nil || out.Version != 2 || out.Status != StatusRead {
		t.Fatalf("unexpected read %+v %v", out, err)
	}

	out, err = p.ProcessSingle(ctx, rc, VRead{ResourceType: "Patient", ID: "p1", Version: 1})
	if err != nil || out.Version != 1 {
		t.Fatalf("unexpected vread %+v %v", out, err)
	}

	out, err = p.ProcessSingle(ctx, rc, History{ResourceType: "Patient", ID: "p1"})
	if err != nil || out.Resource["type"] != fhir.BundleTypeHistory {
		t.Fatalf("unexpected history %+v %v", out, err)
	}
	if entries := out.Resource["entry"].([]interface{}); len(entries) != 2 {
		t.Errorf("expected 2 history entries, got %d", len(entries))
	}

	out, err = p.ProcessSingle(ctx, rc, Search{ResourceType: "Patient", Params: url.Values{"name": {"b"}}})
	if err != nil || out.Resource["type"] != fhir.BundleTypeSearchset || out.Resource["total"] != 1 {
		t.Fatalf("unexpected search %+v %v", out, err)
	}

	_, err = p.ProcessSingle(ctx, rc, Read{ResourceType: "Patient", ID: "nope"})
	if opErr := mustOpError(t, err); opErr.Status != http.StatusNotFound {
		t.Errorf("expected 404, got %d", opErr.Status)
	}
}

func TestProcessor_SearchPaging(t *testing.T) {
	p, store := newTestProcessor()
	ctx := context.Background()
	for _, id := range []string{"p1", "p2", "p3"} {
		store.Create(ctx, "Patient", id, newPatient("Smith"))
	}

	out, err := p.ProcessSingle(ctx, testContext(nil), Search{ResourceType: "Patient", Params: url.Values{"_count": {"2"}}})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if out.Resource["total"] != 3 {
		t.Errorf("total = %v, want 3", out.Resource["total"])
	}
	if entries := out.Resource["entry"].([]interface{}); len(entries) != 2 {
		t.Errorf("expected 2 entries on first page, got %d", len(entries))
	}
	links := out.Resource["link"].([]interface{})
	if len(links) != 2 {
		t.Fatalf("expected self and next links, got %v", links)
	}
	next := links[1].(map[string]interface{})
	if next["relation"] != "next" || next["url"] != testBaseURI+"/Patient?_count=2&_offset=2" {
		t.Errorf("unexpected next link %v", next)
	}
}

func TestProcessor_Authorization(t *testing.T) {
	p, _ := newTestProcessor()
	tenant := &config.TenantConfig{Resources: config.ResourcesConfig{
		Types: map[string]config.ResourceTypeConfig{"Patient": {Interactions: interactions("read")}},
	}}

	_, err := p.ProcessSingle(context.Background(), testContext(tenant), Create{ResourceType: "Patient", Resource: newPatient("A")})
	opErr := mustOpError(t, err)
	if opErr.Issues()[0].Code != fhir.IssueTypeBusinessRule {
		t.Errorf("expected business-rule, got %+v", opErr.Issues())
	}
}

func TestProcessor_ValidateOnly(t *testing.T) {
	p, store := newTestProcessor()
	ctx := context.Background()

	out, err := p.Execute(ctx, testContext(nil), Create{ResourceType: "Patient", Resource: withProfiles(newPatient("A"), legacyProfile)}, Options{ValidateOnly: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Status != StatusValidated || out.HTTPStatus != http.StatusOK {
		t.Errorf("unexpected outcome %+v", out)
	}
	if len(out.Issues) != 1 || out.Issues[0].Severity != fhir.IssueSeverityWarning {
		t.Errorf("expected tolerated profile warning, got %+v", out.Issues)
	}
	if hits, _ := store.Search(ctx, "Patient", url.Values{}); len(hits) != 0 {
		t.Error("validate-only must not persist")
	}
}

func TestProcessor_BeforePersist(t *testing.T) {
	p, store := newTestProcessor()
	ctx := context.Background()

	var seenID string
	opts := Options{BeforePersist: func(rt, id string, body map[string]interface{}) {
		seenID = id
		body["link"] = []interface{}{map[string]interface{}{"other": map[string]interface{}{"reference": rt + "/" + id}}}
	}}
	out, err := p.Execute(ctx, testContext(nil), Create{ResourceType: "Patient", Resource: newPatient("A")}, opts)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if seenID != out.ID {
		t.Errorf("hook saw id %s, outcome has %s", seenID, out.ID)
	}
	st, _ := store.Read(ctx, "Patient", out.ID)
	refs := fhir.ExtractReferences(st.Resource)
	if len(refs) != 1 || refs[0] != "Patient/"+out.ID {
		t.Errorf("expected hook changes persisted, got %v", refs)
	}
}

func TestProcessor_StorageErrorsBecomeOutcomes(t *testing.T) {
	p, store := newTestProcessor()
	ctx := context.Background()
	store.Create(ctx, "Patient", "taken", newPatient("A"))

	_, err := p.ProcessSingle(ctx, testContext(nil), Create{ResourceType: "Patient", ID: "taken", Resource: newPatient("B")})
	opErr := mustOpError(t, err)
	if opErr.Status != http.StatusConflict || opErr.Issues()[0].Code != fhir.IssueTypeDuplicate {
		t.Errorf("expected 409 duplicate, got %v", opErr)
	}
}
