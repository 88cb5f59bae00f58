package interaction

import (
	"encoding/base64"
	"net/url"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ehr/fhirserver/internal/platform/fhir"
)

func TestParseTarget(t *testing.T) {
	tests := []struct {
		url     string
		want    Target
		wantErr bool
	}{
		{"Patient", Target{ResourceType: "Patient"}, false},
		{"/Patient/123", Target{ResourceType: "Patient", ID: "123"}, false},
		{"Patient?identifier=a|b", Target{ResourceType: "Patient", Query: "identifier=a|b"}, false},
		{"Patient/1/_history", Target{ResourceType: "Patient", ID: "1", History: true}, false},
		{"Patient/1/_history/2", Target{ResourceType: "Patient", ID: "1", History: true, Version: "2"}, false},
		{testBaseURI + "/Patient/9", Target{ResourceType: "Patient", ID: "9"}, false},
		{"", Target{}, true},
		{"Patient/1/foo", Target{}, true},
		{"Patient/1/_history/2/x", Target{}, true},
		{"Patient/", Target{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			got, err := ParseTarget(tt.url, testBaseURI)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseTarget(%q) error = %v, wantErr %v", tt.url, err, tt.wantErr)
			}
			if err == nil {
				if diff := cmp.Diff(tt.want, got); diff != "" {
					t.Errorf("ParseTarget(%q) mismatch (-want +got):\n%s", tt.url, diff)
				}
			}
		})
	}
}

func TestFromRequest(t *testing.T) {
	body := newPatient("Smith")
	patchDoc := base64.StdEncoding.EncodeToString([]byte(`[{"op":"replace","path":"/active","value":false}]`))
	binary := map[string]interface{}{
		"resourceType": "Binary",
		"contentType":  fhir.ContentTypeJSONPatch,
		"data":         patchDoc,
	}

	tests := []struct {
		name     string
		req      fhir.BundleRequest
		resource map[string]interface{}
		want     Kind
		wantErr  bool
	}{
		{
			name:     "post",
			req:      fhir.BundleRequest{Method: "POST", URL: "Patient", IfNoneExist: "identifier=x"},
			resource: body,
			want:     Create{ResourceType: "Patient", Resource: body, IfNoneExist: "identifier=x"},
		},
		{
			name:     "put by id",
			req:      fhir.BundleRequest{Method: "PUT", URL: "Patient/1", IfMatch: `W/"2"`},
			resource: body,
			want:     Update{ResourceType: "Patient", ID: "1", Resource: body, IfMatch: `W/"2"`},
		},
		{
			name:     "conditional put",
			req:      fhir.BundleRequest{Method: "PUT", URL: "Patient?identifier=x"},
			resource: body,
			want:     Update{ResourceType: "Patient", Query: "identifier=x", Resource: body},
		},
		{
			name:     "patch",
			req:      fhir.BundleRequest{Method: "PATCH", URL: "Patient/1"},
			resource: binary,
			want:     Patch{ResourceType: "Patient", ID: "1", Operations: []fhir.PatchOperation{{Op: "replace", Path: "/active", Value: false}}},
		},
		{
			name: "delete",
			req:  fhir.BundleRequest{Method: "DELETE", URL: "Patient/1"},
			want: Delete{ResourceType: "Patient", ID: "1"},
		},
		{
			name: "conditional delete",
			req:  fhir.BundleRequest{Method: "DELETE", URL: "Patient?name=x"},
			want: Delete{ResourceType: "Patient", Query: "name=x"},
		},
		{
			name: "read",
			req:  fhir.BundleRequest{Method: "GET", URL: "Patient/1"},
			want: Read{ResourceType: "Patient", ID: "1"},
		},
		{
			name: "vread",
			req:  fhir.BundleRequest{Method: "GET", URL: "Patient/1/_history/3"},
			want: VRead{ResourceType: "Patient", ID: "1", Version: 3},
		},
		{
			name: "history",
			req:  fhir.BundleRequest{Method: "GET", URL: "Patient/1/_history"},
			want: History{ResourceType: "Patient", ID: "1"},
		},
		{
			name: "search",
			req:  fhir.BundleRequest{Method: "GET", URL: "Patient?name=smith&gender=female"},
			want: Search{ResourceType: "Patient", Params: url.Values{"name": {"smith"}, "gender": {"female"}}},
		},
		{name: "post with id", req: fhir.BundleRequest{Method: "POST", URL: "Patient/1"}, wantErr: true},
		{name: "put without target", req: fhir.BundleRequest{Method: "PUT", URL: "Patient"}, wantErr: true},
		{name: "patch not binary", req: fhir.BundleRequest{Method: "PATCH", URL: "Patient/1"}, resource: body, wantErr: true},
		{name: "bad version", req: fhir.BundleRequest{Method: "GET", URL: "Patient/1/_history/x"}, wantErr: true},
		{name: "unknown method", req: fhir.BundleRequest{Method: "HEAD", URL: "Patient/1"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := FromRequest(tt.req, tt.resource, testBaseURI)
			if (err != nil) != tt.wantErr {
				t.Fatalf("FromRequest() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("FromRequest() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}
