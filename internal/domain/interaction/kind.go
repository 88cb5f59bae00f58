package interaction

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/ehr/fhirserver/internal/config"
	"github.com/ehr/fhirserver/internal/platform/fhir"
)

// Kind is one of the interaction types below. The set is closed: Processor
// dispatches on the concrete type.
type Kind interface {
	// Name is the interaction name used in tenant configuration.
	Name() string
	Type() string
	kind()
}

// Create adds a new resource. ID is a pre-assigned logical id; when empty
// the store generates one. IfNoneExist makes the create conditional.
type Create struct {
	ResourceType string
	ID           string
	Resource     map[string]interface{}
	IfNoneExist  string
}

// Update replaces a resource addressed by ID, or by Query when ID is empty.
// FallbackID is the id a conditional update creates with when nothing
// matches and the body carries no id of its own.
type Update struct {
	ResourceType string
	ID           string
	Query        string
	Resource     map[string]interface{}
	IfMatch      string
	FallbackID   string
}

// Patch applies a JSON Patch to a resource addressed by ID or Query.
type Patch struct {
	ResourceType string
	ID           string
	Query        string
	Operations   []fhir.PatchOperation
	IfMatch      string
}

// Delete removes a resource addressed by ID or Query.
type Delete struct {
	ResourceType string
	ID           string
	Query        string
	IfMatch      string
}

// Read fetches the current version of a resource.
type Read struct {
	ResourceType string
	ID           string
}

// VRead fetches one version of a resource.
type VRead struct {
	ResourceType string
	ID           string
	Version      int
}

// History lists every version of a resource, newest first.
type History struct {
	ResourceType string
	ID           string
}

// Search finds the current resources of a type matching Params.
type Search struct {
	ResourceType string
	Params       url.Values
}

func (Create) Name() string  { return config.InteractionCreate }
func (Update) Name() string  { return config.InteractionUpdate }
func (Patch) Name() string   { return config.InteractionPatch }
func (Delete) Name() string  { return config.InteractionDelete }
func (Read) Name() string    { return config.InteractionRead }
func (VRead) Name() string   { return config.InteractionVRead }
func (History) Name() string { return config.InteractionHistory }
func (Search) Name() string  { return config.InteractionSearch }

func (k Create) Type() string  { return k.ResourceType }
func (k Update) Type() string  { return k.ResourceType }
func (k Patch) Type() string   { return k.ResourceType }
func (k Delete) Type() string  { return k.ResourceType }
func (k Read) Type() string    { return k.ResourceType }
func (k VRead) Type() string   { return k.ResourceType }
func (k History) Type() string { return k.ResourceType }
func (k Search) Type() string  { return k.ResourceType }

func (Create) kind()  {}
func (Update) kind()  {}
func (Patch) kind()   {}
func (Delete) kind()  {}
func (Read) kind()    {}
func (VRead) kind()   {}
func (History) kind() {}
func (Search) kind()  {}

// Target is the parsed path of an interaction URL.
type Target struct {
	ResourceType string
	ID           string
	History      bool
	Version      string
	Query        string
}

// ParseTarget splits a relative interaction URL ("Patient/1",
// "Patient?identifier=x", "Patient/1/_history/2") into its parts. Absolute
// URLs under baseURI are accepted too.
func ParseTarget(rawURL, baseURI string) (Target, error) {
	u := fhir.NormalizeReference(strings.TrimSpace(rawURL), baseURI)
	u = strings.TrimPrefix(u, "/")

	var t Target
	path, query, hasQuery := strings.Cut(u, "?")
	if hasQuery {
		t.Query = query
	}

	parts := strings.Split(path, "/")
	if path == "" || parts[0] == "" {
		return t, fmt.Errorf("missing resource type in URL %q", rawURL)
	}
	t.ResourceType = parts[0]
	switch len(parts) {
	case 1:
	case 2:
		t.ID = parts[1]
	case 3, 4:
		if parts[2] != "_history" {
			return t, fmt.Errorf("unsupported URL %q", rawURL)
		}
		t.ID = parts[1]
		t.History = true
		if len(parts) == 4 {
			t.Version = parts[3]
		}
	default:
		return t, fmt.Errorf("unsupported URL %q", rawURL)
	}
	if t.ID == "" && len(parts) > 1 {
		return t, fmt.Errorf("empty resource id in URL %q", rawURL)
	}
	return t, nil
}

// FromRequest maps an HTTP method, URL and payload onto an interaction kind.
// A PATCH payload is a Binary resource wrapping the JSON Patch document.
func FromRequest(req fhir.BundleRequest, resource map[string]interface{}, baseURI string) (Kind, error) {
	t, err := ParseTarget(req.URL, baseURI)
	if err != nil {
		return nil, err
	}

	switch strings.ToUpper(req.Method) {
	case http.MethodPost:
		if t.ID != "" || t.History {
			return nil, fmt.Errorf("POST URL must name only a resource type, got %q", req.URL)
		}
		return Create{ResourceType: t.ResourceType, Resource: resource, IfNoneExist: req.IfNoneExist}, nil

	case http.MethodPut:
		if t.History || (t.ID == "" && t.Query == "") {
			return nil, fmt.Errorf("PUT URL must name a resource id or search criteria, got %q", req.URL)
		}
		return Update{ResourceType: t.ResourceType, ID: t.ID, Query: t.Query, Resource: resource, IfMatch: req.IfMatch}, nil

	case http.MethodPatch:
		if t.History || (t.ID == "" && t.Query == "") {
			return nil, fmt.Errorf("PATCH URL must name a resource id or search criteria, got %q", req.URL)
		}
		ops, err := fhir.PatchFromBinary(resource)
		if err != nil {
			return nil, err
		}
		return Patch{ResourceType: t.ResourceType, ID: t.ID, Query: t.Query, Operations: ops, IfMatch: req.IfMatch}, nil

	case http.MethodDelete:
		if t.History || (t.ID == "" && t.Query == "") {
			return nil, fmt.Errorf("DELETE URL must name a resource id or search criteria, got %q", req.URL)
		}
		return Delete{ResourceType: t.ResourceType, ID: t.ID, Query: t.Query, IfMatch: req.IfMatch}, nil

	case http.MethodGet:
		switch {
		case t.History && t.Version != "":
			v, err := strconv.Atoi(t.Version)
			if err != nil {
				return nil, fmt.Errorf("invalid version %q in URL %q", t.Version, req.URL)
			}
			return VRead{ResourceType: t.ResourceType, ID: t.ID, Version: v}, nil
		case t.History:
			return History{ResourceType: t.ResourceType, ID: t.ID}, nil
		case t.ID != "":
			return Read{ResourceType: t.ResourceType, ID: t.ID}, nil
		default:
			params, err := url.ParseQuery(t.Query)
			if err != nil {
				return nil, fmt.Errorf("invalid search query in URL %q: %w", req.URL, err)
			}
			return Search{ResourceType: t.ResourceType, Params: params}, nil
		}
	}
	return nil, fmt.Errorf("unsupported request method %q", req.Method)
}
