package bundle

import (
	"github.com/ehr/fhirserver/internal/domain/interaction"
	"github.com/ehr/fhirserver/internal/platform/fhir"
)

// ResponseAssembler turns per-entry outcomes into the response bundle.
type ResponseAssembler struct {
	rc interaction.RequestContext
}

// NewResponseAssembler renders outcomes for the request context rc.
func NewResponseAssembler(rc interaction.RequestContext) ResponseAssembler {
	return ResponseAssembler{rc: rc}
}

// Assemble builds the response bundle. outcomes is indexed by request entry
// position, so entry i of the result answers request entry i.
func (a ResponseAssembler) Assemble(requestType string, outcomes []*interaction.Outcome) *fhir.Bundle {
	b := fhir.NewResponseBundle(requestType, len(outcomes))
	for i, out := range outcomes {
		b.Entry[i] = a.Entry(out)
	}
	return b
}

// Entry renders one outcome as a response entry. Failed entries carry their
// OperationOutcome both as resource and as response.outcome.
func (a ResponseAssembler) Entry(out *interaction.Outcome) fhir.BundleEntry {
	resp := &fhir.BundleResponse{Status: out.StatusCode()}

	if out.Status == interaction.StatusError {
		oo := fhir.MultipleIssuesOutcome(out.Issues)
		resp.Outcome = oo
		return fhir.BundleEntry{Resource: oo.ToMap(), Response: resp}
	}

	if out.IsWrite() {
		resp.Location = out.Location()
	}
	resp.Etag = out.ETag()
	if out.IsWrite() && out.LastModified != nil {
		lm := out.LastModified.UTC()
		resp.LastModified = &lm
	}
	resp.Outcome = out.NoticeOutcome()

	entry := fhir.BundleEntry{Response: resp, Resource: out.Body(a.rc.Return)}
	if out.IsWrite() && out.Status != interaction.StatusDeleted && out.ID != "" && a.rc.BaseURI != "" {
		entry.FullURL = a.rc.BaseURI + "/" + fhir.FormatReference(out.ResourceType, out.ID)
	}
	return entry
}
