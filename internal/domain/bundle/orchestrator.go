package bundle

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/ehr/fhirserver/internal/domain/interaction"
	"github.com/ehr/fhirserver/internal/platform/fhir"
)

// Orchestrator processes transaction and batch bundles.
type Orchestrator struct {
	processor *interaction.Processor
	logger    zerolog.Logger
}

// NewOrchestrator returns an Orchestrator executing entries with processor.
func NewOrchestrator(processor *interaction.Processor, logger zerolog.Logger) *Orchestrator {
	return &Orchestrator{processor: processor, logger: logger}
}

// ProcessBundle validates b, runs its entries in reference order and returns
// the response bundle, whose entries follow the request order.
//
// Structural failures and, for transactions, any entry failure are returned
// as *fhir.OperationError and nothing is persisted. Batch entry failures
// become that entry's response.
func (o *Orchestrator) ProcessBundle(ctx context.Context, rc interaction.RequestContext, b *fhir.Bundle, validateOnly bool) (*fhir.Bundle, error) {
	if opErr := ValidateBundle(b, rc.BaseURI); opErr != nil {
		return nil, opErr
	}
	logger := o.logger.With().
		Str("tenant_id", rc.TenantID).
		Str("bundle_type", b.Type).
		Int("entries", len(b.Entry)).
		Logger()

	order := NewReferenceGraph(b.Entry, rc.BaseURI).Order()
	resolver := NewLocalReferenceResolver(b.Entry, rc.BaseURI)
	resolver.Preassign(order, o.processor.Store().GenerateID)

	transaction := b.Type == fhir.BundleTypeTransaction
	runCtx := ctx
	var commit, rollback func() error
	if transaction {
		txCtx, tx, err := o.processor.Store().Begin(ctx)
		if err != nil {
			return nil, fhir.NewOperationError(fhir.ExceptionIssue(fmt.Errorf("begin transaction: %w", err)))
		}
		runCtx = txCtx
		commit = func() error { return tx.Commit(ctx) }
		rollback = func() error { return tx.Rollback(ctx) }
		defer rollback()
	}

	outcomes := make([]*interaction.Outcome, len(b.Entry))
	for _, i := range order {
		out, err := o.processEntry(runCtx, rc, b.Entry[i], i, resolver, validateOnly)
		if err != nil {
			opErr := asOperationError(err)
			if transaction {
				logger.Warn().Int("entry", i).Int("status", opErr.Status).Msg("transaction entry failed, rolling back")
				if rbErr := rollback(); rbErr != nil {
					logger.Error().Err(rbErr).Msg("transaction rollback failed")
				}
				return nil, atEntry(opErr, i)
			}
			logger.Debug().Int("entry", i).Int("status", opErr.Status).Msg("batch entry failed")
			resolver.Forget(i)
			outcomes[i] = interaction.ErrorOutcome(opErr)
			continue
		}
		resolver.Register(i, out)
		outcomes[i] = out
		logger.Debug().Int("entry", i).Str("status", out.StatusCode()).Str("location", out.Location()).Msg("entry processed")
	}

	if transaction {
		if err := commit(); err != nil {
			return nil, fhir.NewOperationError(fhir.ExceptionIssue(fmt.Errorf("commit transaction: %w", err)))
		}
	}
	logger.Info().Bool("validate_only", validateOnly).Msg("bundle processed")
	return NewResponseAssembler(rc).Assemble(b.Type, outcomes), nil
}

// processEntry rewrites the references of entry i and executes it.
func (o *Orchestrator) processEntry(ctx context.Context, rc interaction.RequestContext, e fhir.BundleEntry, i int, resolver *LocalReferenceResolver, validateOnly bool) (*interaction.Outcome, error) {
	resource := fhir.DeepCopy(e.Resource)
	resolver.Rewrite(resource)

	req := *e.Request
	req.URL = resolver.RewriteURL(req.URL)
	req.IfNoneExist = resolver.RewriteQuery(req.IfNoneExist)

	k, err := interaction.FromRequest(req, resource, rc.BaseURI)
	if err != nil {
		return nil, fhir.NewOperationError(fhir.OperationOutcomeIssue{
			Severity:    fhir.IssueSeverityError,
			Code:        fhir.IssueTypeInvalid,
			Diagnostics: err.Error(),
			Expression:  []string{fmt.Sprintf("Bundle.entry[%d].request", i)},
		})
	}

	switch kk := k.(type) {
	case interaction.Create:
		if id, ok := resolver.PreassignedID(i); ok {
			kk.ID = id
			k = kk
		}
	case interaction.Update:
		if kk.ID == "" {
			kk.FallbackID = resolver.DeclaredID(i, kk.ResourceType)
			k = kk
		}
	}

	opts := interaction.Options{
		ValidateOnly: validateOnly,
		BeforePersist: func(resourceType, id string, body map[string]interface{}) {
			// Self references resolve against the entry's final identity.
			resolver.Bind(i, ResolvedIdentity{ResourceType: resourceType, LogicalID: id})
			resolver.Rewrite(body)
		},
	}
	return o.processor.Execute(ctx, rc, k, opts)
}

func asOperationError(err error) *fhir.OperationError {
	var opErr *fhir.OperationError
	if errors.As(err, &opErr) {
		return opErr
	}
	return fhir.NewOperationError(fhir.ExceptionIssue(err))
}

// atEntry points issues without a location at the failed entry.
func atEntry(opErr *fhir.OperationError, i int) *fhir.OperationError {
	issues := make([]fhir.OperationOutcomeIssue, len(opErr.Issues()))
	for j, is := range opErr.Issues() {
		if len(is.Expression) == 0 {
			is.Expression = []string{fmt.Sprintf("Bundle.entry[%d]", i)}
		}
		issues[j] = is
	}
	return fhir.NewOperationErrorWithStatus(opErr.Status, issues...)
}
