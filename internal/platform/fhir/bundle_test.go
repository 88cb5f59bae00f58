package fhir

import (
	"testing"
	"time"
)

func TestNewResponseBundle(t *testing.T) {
	tx := NewResponseBundle(BundleTypeTransaction, 3)
	if tx.Type != BundleTypeTransactionResponse || len(tx.Entry) != 3 || tx.ID == "" || tx.Timestamp == nil {
		t.Errorf("unexpected transaction response %+v", tx)
	}
	if b := NewResponseBundle(BundleTypeBatch, 0); b.Type != BundleTypeBatchResponse {
		t.Errorf("batch response type = %s", b.Type)
	}
}

func TestNewSearchBundle(t *testing.T) {
	b := NewSearchBundle([]map[string]interface{}{
		{"resourceType": "Patient", "id": "1"},
		{"resourceType": "Patient", "id": "2"},
	}, 7, []BundleLink{{Relation: "self", URL: "http://x/fhir/Patient?name=a"}})
	if b.Type != BundleTypeSearchset || *b.Total != 7 {
		t.Fatalf("unexpected bundle %+v", b)
	}
	if b.Entry[1].FullURL != "Patient/2" || b.Entry[1].Search.Mode != "match" {
		t.Errorf("unexpected entry %+v", b.Entry[1])
	}
	if b.Link[0].Relation != "self" {
		t.Errorf("unexpected link %+v", b.Link)
	}
	links, ok := b.ToMap()["link"].([]interface{})
	if !ok || links[0].(map[string]interface{})["url"] != "http://x/fhir/Patient?name=a" {
		t.Errorf("links not rendered: %v", b.ToMap()["link"])
	}
}

func TestNewHistoryBundle(t *testing.T) {
	now := time.Now()
	b := NewHistoryBundle([]HistoryVersion{
		{ResourceType: "Patient", ID: "1", VersionID: 3, Deleted: true, LastUpdated: now},
		{ResourceType: "Patient", ID: "1", VersionID: 2, LastUpdated: now, Resource: map[string]interface{}{"resourceType": "Patient"}},
		{ResourceType: "Patient", ID: "1", VersionID: 1, LastUpdated: now, Resource: map[string]interface{}{"resourceType": "Patient"}},
	})
	want := []struct{ method, status, etag string }{
		{"DELETE", "200", `W/"3"`},
		{"PUT", "200", `W/"2"`},
		{"POST", "201", `W/"1"`},
	}
	for i, w := range want {
		e := b.Entry[i]
		if e.Request.Method != w.method || e.Response.Status != w.status || e.Response.Etag != w.etag {
			t.Errorf("entry %d = %s %s %s, want %+v", i, e.Request.Method, e.Response.Status, e.Response.Etag, w)
		}
	}
	if b.Entry[0].Resource != nil {
		t.Error("a deletion carries no resource")
	}
}

func TestBundle_ToMap(t *testing.T) {
	b := NewHistoryBundle([]HistoryVersion{{ResourceType: "Patient", ID: "1", VersionID: 1, LastUpdated: time.Now(),
		Resource: map[string]interface{}{"resourceType": "Patient"}}})
	m := b.ToMap()
	if m["type"] != BundleTypeHistory {
		t.Errorf("type = %v", m["type"])
	}
	entries, ok := m["entry"].([]interface{})
	if !ok || len(entries) != 1 {
		t.Fatalf("entry = %#v", m["entry"])
	}
	resp := entries[0].(map[string]interface{})["response"].(map[string]interface{})
	if resp["status"] != "201" || resp["etag"] != `W/"1"` {
		t.Errorf("unexpected response %v", resp)
	}
}
