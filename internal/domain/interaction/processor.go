// Package interaction executes single FHIR interactions (create, update,
// patch, delete, read, vread, history, search) against the persistence
// layer, gated by tenant interaction rules, resource validation and profile
// assertions.
package interaction

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/fhirserver/internal/platform/fhir"
	"github.com/ehr/fhirserver/internal/platform/persistence"
	"github.com/ehr/fhirserver/pkg/pagination"
)

// Validator checks a resource before it is persisted.
type Validator interface {
	Validate(ctx context.Context, resource map[string]interface{}) []fhir.OperationOutcomeIssue
}

// Options adjust a single Execute call.
type Options struct {
	// ValidateOnly runs every check but persists nothing.
	ValidateOnly bool
	// BeforePersist sees the final logical id and body of a create or
	// update right before it is stored and may modify the body.
	BeforePersist func(resourceType, id string, resource map[string]interface{})
}

// Processor executes single FHIR interactions against the store, enforcing
// tenant permissions, validation and profile rules.
type Processor struct {
	store     persistence.Persistence
	validator Validator
	profiles  ProfileResolver
	logger    zerolog.Logger
}

// NewProcessor wires a Processor. validator and profiles may be nil to skip
// those checks.
func NewProcessor(store persistence.Persistence, validator Validator, profiles ProfileResolver, logger zerolog.Logger) *Processor {
	return &Processor{store: store, validator: validator, profiles: profiles, logger: logger}
}

// Store exposes the persistence layer, e.g. to open a transaction.
func (p *Processor) Store() persistence.Persistence {
	return p.store
}

// ProcessSingle runs one interaction outside of any bundle.
func (p *Processor) ProcessSingle(ctx context.Context, rc RequestContext, k Kind) (*Outcome, error) {
	return p.Execute(ctx, rc, k, Options{})
}

// Execute runs one interaction. Failures are returned as
// *fhir.OperationError.
func (p *Processor) Execute(ctx context.Context, rc RequestContext, k Kind, opts Options) (*Outcome, error) {
	if err := authorize(rc.tenant(), k.Name(), k.Type()); err != nil {
		return nil, err
	}

	var (
		out *Outcome
		err error
	)
	switch k := k.(type) {
	case Create:
		out, err = p.create(ctx, rc, k, opts)
	case Update:
		out, err = p.update(ctx, rc, k, opts)
	case Patch:
		out, err = p.patch(ctx, rc, k, opts)
	case Delete:
		out, err = p.delete(ctx, rc, k, opts)
	case Read:
		out, err = p.read(ctx, k)
	case VRead:
		out, err = p.vread(ctx, k)
	case History:
		out, err = p.history(ctx, k)
	case Search:
		out, err = p.search(ctx, rc, k)
	default:
		err = fhir.NewOperationError(fhir.NewIssue(fhir.IssueSeverityError, fhir.IssueTypeException,
			fmt.Sprintf("unsupported interaction %T", k)))
	}
	if err != nil {
		return nil, toOperationError(err, k)
	}
	return out, nil
}

// toOperationError maps storage errors onto FHIR outcomes.
func toOperationError(err error, k Kind) *fhir.OperationError {
	var opErr *fhir.OperationError
	if errors.As(err, &opErr) {
		return opErr
	}
	id := ""
	switch k := k.(type) {
	case Update:
		id = k.ID
	case Patch:
		id = k.ID
	case Delete:
		id = k.ID
	case Read:
		id = k.ID
	case VRead:
		id = k.ID
	case History:
		id = k.ID
	case Create:
		id = k.ID
	}
	switch {
	case errors.Is(err, persistence.ErrNotFound), errors.Is(err, persistence.ErrVersionNotFound):
		return fhir.NewOperationError(fhir.NotFoundIssue(k.Type(), id))
	case errors.Is(err, persistence.ErrGone):
		return fhir.NewOperationError(fhir.GoneIssue(k.Type(), id))
	case errors.Is(err, persistence.ErrAlreadyExists):
		return fhir.NewOperationErrorWithStatus(http.StatusConflict, fhir.NewIssue(fhir.IssueSeverityError, fhir.IssueTypeDuplicate,
			fmt.Sprintf("Resource '%s/%s' already exists.", k.Type(), id)))
	}
	return fhir.NewOperationError(fhir.ExceptionIssue(err))
}

func invalid(format string, args ...interface{}) *fhir.OperationError {
	return fhir.NewOperationError(fhir.NewIssue(fhir.IssueSeverityError, fhir.IssueTypeInvalid, fmt.Sprintf(format, args...)))
}

// checkResource validates the body and its profile assertions, collecting
// every issue. Any error or fatal issue fails the interaction.
func (p *Processor) checkResource(ctx context.Context, rc RequestContext, resourceType string, resource map[string]interface{}) ([]fhir.OperationOutcomeIssue, error) {
	var issues []fhir.OperationOutcomeIssue
	if p.validator != nil {
		issues = append(issues, p.validator.Validate(ctx, resource)...)
	}
	issues = append(issues, checkProfiles(ctx, p.profiles, rc.tenant(), resourceType, resource)...)
	if fhir.HasErrors(issues) {
		return nil, fhir.NewOperationError(issues...)
	}
	return issues, nil
}

func requireBody(resourceType string, resource map[string]interface{}) error {
	if resource == nil {
		return fhir.NewOperationError(fhir.NewIssue(fhir.IssueSeverityError, fhir.IssueTypeRequired,
			fmt.Sprintf("A resource of type '%s' is required.", resourceType)))
	}
	if rt := fhir.ResourceTypeOf(resource); rt != resourceType {
		return invalid("Resource type '%s' does not match the requested type '%s'.", rt, resourceType)
	}
	return nil
}

// match runs a conditional search and returns its hits.
func (p *Processor) match(ctx context.Context, resourceType, query string) ([]*persistence.Stored, error) {
	params, err := url.ParseQuery(query)
	if err != nil {
		return nil, invalid("Invalid search criteria '%s': %v", query, err)
	}
	if len(params) == 0 {
		return nil, invalid("Empty search criteria for a conditional interaction on '%s'.", resourceType)
	}
	return p.store.Search(ctx, resourceType, params)
}

func checkIfMatch(ifMatch string, current *persistence.Stored) error {
	if ifMatch == "" {
		return nil
	}
	want, err := fhir.ParseETag(ifMatch)
	if err != nil {
		return invalid("%v", err)
	}
	if want != current.Version {
		return fhir.NewOperationErrorWithStatus(http.StatusPreconditionFailed,
			fhir.VersionConflictIssue(current.ResourceType, current.ID, want, current.Version))
	}
	return nil
}

func stored(status Status, httpStatus int, st *persistence.Stored, issues []fhir.OperationOutcomeIssue) *Outcome {
	lm := st.LastUpdated
	return &Outcome{
		Status:       status,
		HTTPStatus:   httpStatus,
		ResourceType: st.ResourceType,
		ID:           st.ID,
		Version:      st.Version,
		LastModified: &lm,
		Resource:     st.Resource,
		Issues:       issues,
	}
}

func validated(resourceType, id string, resource map[string]interface{}, issues []fhir.OperationOutcomeIssue) *Outcome {
	return &Outcome{
		Status:       StatusValidated,
		HTTPStatus:   http.StatusOK,
		ResourceType: resourceType,
		ID:           id,
		Resource:     resource,
		Issues:       issues,
	}
}

func (p *Processor) create(ctx context.Context, rc RequestContext, k Create, opts Options) (*Outcome, error) {
	if err := requireBody(k.ResourceType, k.Resource); err != nil {
		return nil, err
	}

	if k.IfNoneExist != "" {
		matches, err := p.match(ctx, k.ResourceType, k.IfNoneExist)
		if err != nil {
			return nil, err
		}
		switch len(matches) {
		case 0:
		case 1:
			m := matches[0]
			out := stored(StatusMatched, http.StatusOK, m, []fhir.OperationOutcomeIssue{
				fhir.NewIssue(fhir.IssueSeverityInformation, fhir.IssueTypeInformational,
					fmt.Sprintf("Conditional create matched existing resource '%s/%s'; no new resource was created.", m.ResourceType, m.ID)),
			})
			return out, nil
		default:
			return nil, fhir.NewOperationError(fhir.MultipleMatchesIssue("create", k.ResourceType, k.IfNoneExist, len(matches)))
		}
	}

	id := k.ID
	if id == "" {
		id = p.store.GenerateID()
	}
	body := fhir.DeepCopy(k.Resource)
	body["id"] = id

	issues, err := p.checkResource(ctx, rc, k.ResourceType, body)
	if err != nil {
		return nil, err
	}
	if opts.ValidateOnly {
		return validated(k.ResourceType, id, body, issues), nil
	}
	if opts.BeforePersist != nil {
		opts.BeforePersist(k.ResourceType, id, body)
	}

	st, err := p.store.Create(ctx, k.ResourceType, id, body)
	if err != nil {
		return nil, err
	}
	p.logger.Debug().Str("resource", fhir.FormatLocation(st.ResourceType, st.ID, st.Version)).Msg("resource created")
	return stored(StatusCreated, http.StatusCreated, st, issues), nil
}

func (p *Processor) update(ctx context.Context, rc RequestContext, k Update, opts Options) (*Outcome, error) {
	if err := requireBody(k.ResourceType, k.Resource); err != nil {
		return nil, err
	}
	bodyID := fhir.IDOf(k.Resource)

	id := k.ID
	if id == "" {
		matches, err := p.match(ctx, k.ResourceType, k.Query)
		if err != nil {
			return nil, err
		}
		switch len(matches) {
		case 0:
			if !rc.tenant().UpdateCreateEnabled() {
				return nil, fhir.NewOperationError(fhir.NoMatchIssue("update", k.ResourceType, k.Query))
			}
			id = k.FallbackID
			if id == "" {
				id = bodyID
			}
			if id == "" {
				id = p.store.GenerateID()
			}
		case 1:
			id = matches[0].ID
		default:
			return nil, fhir.NewOperationError(fhir.MultipleMatchesIssue("update", k.ResourceType, k.Query, len(matches)))
		}
	}
	if bodyID != "" && bodyID != id {
		return nil, invalid("Resource id '%s' does not match the target id '%s'.", bodyID, id)
	}

	created := false
	current, err := p.store.Read(ctx, k.ResourceType, id)
	switch {
	case err == nil:
		if err := checkIfMatch(k.IfMatch, current); err != nil {
			return nil, err
		}
	case errors.Is(err, persistence.ErrNotFound), errors.Is(err, persistence.ErrGone):
		if k.IfMatch != "" || !rc.tenant().UpdateCreateEnabled() {
			return nil, fhir.NewOperationError(fhir.NotFoundIssue(k.ResourceType, id))
		}
		created = true
	default:
		return nil, err
	}

	body := fhir.DeepCopy(k.Resource)
	body["id"] = id

	issues, err := p.checkResource(ctx, rc, k.ResourceType, body)
	if err != nil {
		return nil, err
	}
	if opts.ValidateOnly {
		return validated(k.ResourceType, id, body, issues), nil
	}
	if opts.BeforePersist != nil {
		opts.BeforePersist(k.ResourceType, id, body)
	}

	st, err := p.store.Update(ctx, k.ResourceType, id, body)
	if err != nil {
		return nil, err
	}
	if created {
		return stored(StatusCreated, http.StatusCreated, st, issues), nil
	}
	return stored(StatusUpdated, http.StatusOK, st, issues), nil
}

// target resolves the id of a patch or delete addressed by id or query.
// found is false when a conditional query matched nothing.
func (p *Processor) target(ctx context.Context, interaction, resourceType, id, query string) (string, bool, error) {
	if id != "" {
		return id, true, nil
	}
	matches, err := p.match(ctx, resourceType, query)
	if err != nil {
		return "", false, err
	}
	switch len(matches) {
	case 0:
		return "", false, nil
	case 1:
		return matches[0].ID, true, nil
	}
	return "", false, fhir.NewOperationError(fhir.MultipleMatchesIssue(interaction, resourceType, query, len(matches)))
}

func (p *Processor) patch(ctx context.Context, rc RequestContext, k Patch, opts Options) (*Outcome, error) {
	id, found, err := p.target(ctx, "patch", k.ResourceType, k.ID, k.Query)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fhir.NewOperationError(fhir.NewIssue(fhir.IssueSeverityError, fhir.IssueTypeNotFound,
			fmt.Sprintf("No '%s' resource matched the conditional patch criteria '%s'.", k.ResourceType, k.Query)))
	}

	current, err := p.store.Read(ctx, k.ResourceType, id)
	if err != nil {
		return nil, toOperationError(err, Patch{ResourceType: k.ResourceType, ID: id})
	}
	if err := checkIfMatch(k.IfMatch, current); err != nil {
		return nil, err
	}

	body, err := fhir.ApplyJSONPatch(current.Resource, k.Operations)
	if err != nil {
		return nil, fhir.NewOperationError(fhir.NewIssue(fhir.IssueSeverityError, fhir.IssueTypeProcessing,
			fmt.Sprintf("Failed to apply patch to '%s/%s': %v", k.ResourceType, id, err)))
	}
	if fhir.ResourceTypeOf(body) != k.ResourceType || fhir.IDOf(body) != id {
		return nil, invalid("A patch must not change the resource type or id of '%s/%s'.", k.ResourceType, id)
	}

	issues, err := p.checkResource(ctx, rc, k.ResourceType, body)
	if err != nil {
		return nil, err
	}
	if opts.ValidateOnly {
		return validated(k.ResourceType, id, body, issues), nil
	}
	if opts.BeforePersist != nil {
		opts.BeforePersist(k.ResourceType, id, body)
	}

	st, err := p.store.Update(ctx, k.ResourceType, id, body)
	if err != nil {
		return nil, err
	}
	return stored(StatusUpdated, http.StatusOK, st, issues), nil
}

func (p *Processor) delete(ctx context.Context, _ RequestContext, k Delete, opts Options) (*Outcome, error) {
	id, found, err := p.target(ctx, "delete", k.ResourceType, k.ID, k.Query)
	if err != nil {
		return nil, err
	}
	if !found {
		return &Outcome{
			Status:       StatusDeleted,
			HTTPStatus:   http.StatusOK,
			ResourceType: k.ResourceType,
			Issues: []fhir.OperationOutcomeIssue{fhir.NewIssue(fhir.IssueSeverityInformation, fhir.IssueTypeInformational,
				fmt.Sprintf("Search criteria '%s' matched no '%s' resources; nothing was deleted.", k.Query, k.ResourceType))},
		}, nil
	}

	if k.IfMatch != "" {
		current, err := p.store.Read(ctx, k.ResourceType, id)
		if err != nil {
			return nil, toOperationError(err, Delete{ResourceType: k.ResourceType, ID: id})
		}
		if err := checkIfMatch(k.IfMatch, current); err != nil {
			return nil, err
		}
	}
	if opts.ValidateOnly {
		return validated(k.ResourceType, id, nil, nil), nil
	}

	version, err := p.store.Delete(ctx, k.ResourceType, id)
	if err != nil {
		return nil, toOperationError(err, Delete{ResourceType: k.ResourceType, ID: id})
	}
	now := time.Now().UTC()
	return &Outcome{
		Status:       StatusDeleted,
		HTTPStatus:   http.StatusOK,
		ResourceType: k.ResourceType,
		ID:           id,
		Version:      version,
		LastModified: &now,
		Issues: []fhir.OperationOutcomeIssue{fhir.NewIssue(fhir.IssueSeverityInformation, fhir.IssueTypeInformational,
			fmt.Sprintf("Deleted 1 %s resource(s) with the following id(s): %s", k.ResourceType, id))},
	}, nil
}

func (p *Processor) read(ctx context.Context, k Read) (*Outcome, error) {
	st, err := p.store.Read(ctx, k.ResourceType, k.ID)
	if err != nil {
		return nil, err
	}
	return stored(StatusRead, http.StatusOK, st, nil), nil
}

func (p *Processor) vread(ctx context.Context, k VRead) (*Outcome, error) {
	st, err := p.store.VRead(ctx, k.ResourceType, k.ID, k.Version)
	if err != nil {
		return nil, err
	}
	return stored(StatusRead, http.StatusOK, st, nil), nil
}

func (p *Processor) history(ctx context.Context, k History) (*Outcome, error) {
	all, err := p.store.History(ctx, k.ResourceType, k.ID)
	if err != nil {
		return nil, err
	}
	versions := make([]fhir.HistoryVersion, len(all))
	for i, st := range all {
		versions[i] = fhir.HistoryVersion{
			ResourceType: st.ResourceType,
			ID:           st.ID,
			VersionID:    st.Version,
			Deleted:      st.Deleted,
			LastUpdated:  st.LastUpdated,
			Resource:     st.Resource,
		}
	}
	return &Outcome{
		Status:       StatusRead,
		HTTPStatus:   http.StatusOK,
		ResourceType: k.ResourceType,
		ID:           k.ID,
		Resource:     fhir.NewHistoryBundle(versions).ToMap(),
	}, nil
}

func (p *Processor) search(ctx context.Context, rc RequestContext, k Search) (*Outcome, error) {
	hits, err := p.store.Search(ctx, k.ResourceType, k.Params)
	if err != nil {
		return nil, err
	}
	page := pagination.FromValues(k.Params)
	start, end := page.Window(len(hits))
	resources := make([]map[string]interface{}, 0, end-start)
	for _, st := range hits[start:end] {
		resources = append(resources, st.Resource)
	}
	var links []fhir.BundleLink
	for _, l := range page.FHIRLinks(rc.BaseURI+"/"+k.ResourceType, k.Params, len(hits)) {
		links = append(links, fhir.BundleLink{Relation: l.Relation, URL: l.URL})
	}
	return &Outcome{
		Status:       StatusRead,
		HTTPStatus:   http.StatusOK,
		ResourceType: k.ResourceType,
		Resource:     fhir.NewSearchBundle(resources, len(hits), links).ToMap(),
	}, nil
}
