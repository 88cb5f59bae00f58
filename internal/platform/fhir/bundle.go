package fhir

import (
	"time"

	"github.com/google/uuid"
)

// Bundle.type codes.
const (
	BundleTypeDocument            = "document"
	BundleTypeMessage             = "message"
	BundleTypeTransaction         = "transaction"
	BundleTypeTransactionResponse = "transaction-response"
	BundleTypeBatch               = "batch"
	BundleTypeBatchResponse       = "batch-response"
	BundleTypeHistory             = "history"
	BundleTypeSearchset           = "searchset"
	BundleTypeCollection          = "collection"
)

// Bundle represents a FHIR Bundle resource.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id,omitempty"`
	Type         string        `json:"type"`
	Timestamp    *time.Time    `json:"timestamp,omitempty"`
	Total        *int          `json:"total,omitempty"`
	Link         []BundleLink  `json:"link,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
}

type BundleLink struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}

// BundleEntry is one unit of work (request side) or one result (response side).
type BundleEntry struct {
	FullURL  string                 `json:"fullUrl,omitempty"`
	Resource map[string]interface{} `json:"resource,omitempty"`
	Search   *BundleSearch          `json:"search,omitempty"`
	Request  *BundleRequest         `json:"request,omitempty"`
	Response *BundleResponse        `json:"response,omitempty"`
}

type BundleSearch struct {
	Mode  string   `json:"mode,omitempty"`
	Score *float64 `json:"score,omitempty"`
}

// BundleRequest carries the interaction of a transaction or batch entry,
// including the conditional HTTP headers.
type BundleRequest struct {
	Method          string `json:"method"`
	URL             string `json:"url"`
	IfNoneMatch     string `json:"ifNoneMatch,omitempty"`
	IfModifiedSince string `json:"ifModifiedSince,omitempty"`
	IfMatch         string `json:"ifMatch,omitempty"`
	IfNoneExist     string `json:"ifNoneExist,omitempty"`
}

type BundleResponse struct {
	Status       string            `json:"status"`
	Location     string            `json:"location,omitempty"`
	Etag         string            `json:"etag,omitempty"`
	LastModified *time.Time        `json:"lastModified,omitempty"`
	Outcome      *OperationOutcome `json:"outcome,omitempty"`
}

// NewResponseBundle creates an empty transaction-response or batch-response
// Bundle sized for the given number of entries.
func NewResponseBundle(requestType string, entries int) *Bundle {
	now := time.Now().UTC()
	t := BundleTypeBatchResponse
	if requestType == BundleTypeTransaction {
		t = BundleTypeTransactionResponse
	}
	return &Bundle{
		ResourceType: "Bundle",
		ID:           uuid.NewString(),
		Type:         t,
		Timestamp:    &now,
		Entry:        make([]BundleEntry, entries),
	}
}

// NewSearchBundle creates a searchset Bundle holding one page of matches.
// total counts every match, not just the page.
func NewSearchBundle(resources []map[string]interface{}, total int, links []BundleLink) *Bundle {
	now := time.Now().UTC()
	entries := make([]BundleEntry, len(resources))
	for i, r := range resources {
		entries[i] = BundleEntry{
			FullURL:  FormatReference(ResourceTypeOf(r), IDOf(r)),
			Resource: r,
			Search:   &BundleSearch{Mode: "match"},
		}
	}
	return &Bundle{
		ResourceType: "Bundle",
		ID:           uuid.NewString(),
		Type:         BundleTypeSearchset,
		Timestamp:    &now,
		Total:        &total,
		Link:         links,
		Entry:        entries,
	}
}

// HistoryVersion is one entry of a history Bundle.
type HistoryVersion struct {
	ResourceType string
	ID           string
	VersionID    int
	Deleted      bool
	LastUpdated  time.Time
	Resource     map[string]interface{}
}

// NewHistoryBundle creates a FHIR Bundle of type "history". Versions are
// expected newest first.
func NewHistoryBundle(versions []HistoryVersion) *Bundle {
	now := time.Now().UTC()
	total := len(versions)
	entries := make([]BundleEntry, len(versions))

	for i, v := range versions {
		method := "PUT"
		status := "200"
		switch {
		case v.Deleted:
			method = "DELETE"
		case v.VersionID == 1:
			method = "POST"
			status = "201"
		}
		lastMod := v.LastUpdated
		entries[i] = BundleEntry{
			FullURL:  FormatReference(v.ResourceType, v.ID),
			Resource: v.Resource,
			Request: &BundleRequest{
				Method: method,
				URL:    FormatReference(v.ResourceType, v.ID),
			},
			Response: &BundleResponse{
				Status:       status,
				Etag:         FormatETag(v.VersionID),
				LastModified: &lastMod,
			},
		}
	}

	return &Bundle{
		ResourceType: "Bundle",
		ID:           uuid.NewString(),
		Type:         BundleTypeHistory,
		Timestamp:    &now,
		Total:        &total,
		Entry:        entries,
	}
}

// ToMap renders a Bundle as a generic resource map for embedding in a
// response entry.
func (b *Bundle) ToMap() map[string]interface{} {
	entries := make([]interface{}, 0, len(b.Entry))
	for _, e := range b.Entry {
		m := map[string]interface{}{}
		if e.FullURL != "" {
			m["fullUrl"] = e.FullURL
		}
		if e.Resource != nil {
			m["resource"] = e.Resource
		}
		if e.Search != nil {
			m["search"] = map[string]interface{}{"mode": e.Search.Mode}
		}
		if e.Request != nil {
			m["request"] = map[string]interface{}{"method": e.Request.Method, "url": e.Request.URL}
		}
		if e.Response != nil {
			resp := map[string]interface{}{"status": e.Response.Status}
			if e.Response.Etag != "" {
				resp["etag"] = e.Response.Etag
			}
			if e.Response.LastModified != nil {
				resp["lastModified"] = e.Response.LastModified.UTC().Format(time.RFC3339Nano)
			}
			m["response"] = resp
		}
		entries = append(entries, m)
	}
	out := map[string]interface{}{
		"resourceType": "Bundle",
		"type":         b.Type,
	}
	if b.ID != "" {
		out["id"] = b.ID
	}
	if b.Total != nil {
		out["total"] = *b.Total
	}
	if len(b.Link) > 0 {
		links := make([]interface{}, len(b.Link))
		for i, l := range b.Link {
			links[i] = map[string]interface{}{"relation": l.Relation, "url": l.URL}
		}
		out["link"] = links
	}
	if len(entries) > 0 {
		out["entry"] = entries
	}
	return out
}
