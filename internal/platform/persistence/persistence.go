// Package persistence stores versioned FHIR resources. Two implementations
// exist: an in-memory store used by default and in tests, and a Postgres
// store backed by a per-tenant schema.
package persistence

import (
	"context"
	"errors"
	"net/url"
	"time"
)

var (
	ErrNotFound        = errors.New("resource not found")
	ErrGone            = errors.New("resource deleted")
	ErrAlreadyExists   = errors.New("resource already exists")
	ErrVersionNotFound = errors.New("resource version not found")
)

// Stored is one version of a resource as held by the store.
type Stored struct {
	ResourceType string
	ID           string
	Version      int
	LastUpdated  time.Time
	Deleted      bool
	Resource     map[string]interface{}
}

// Tx is an open transaction. Commit and Rollback are terminal; calling
// Rollback after Commit is a no-op so it can be deferred.
type Tx interface {
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Persistence is the storage contract the FHIR interactions run against.
// Every call is scoped to the tenant carried by ctx. Resources passed in are
// copied; resources returned are owned by the caller.
type Persistence interface {
	// Create stores version 1 of a new resource. It fails with
	// ErrAlreadyExists when the id is taken.
	Create(ctx context.Context, resourceType, id string, resource map[string]interface{}) (*Stored, error)
	// Read returns the current version, ErrNotFound or ErrGone.
	Read(ctx context.Context, resourceType, id string) (*Stored, error)
	VRead(ctx context.Context, resourceType, id string, version int) (*Stored, error)
	// Update stores a new version, creating the resource when it does not
	// exist or has been deleted.
	Update(ctx context.Context, resourceType, id string, resource map[string]interface{}) (*Stored, error)
	// Delete records a deletion and returns its version. Deleting an
	// already deleted resource returns the existing deletion version.
	Delete(ctx context.Context, resourceType, id string) (int, error)
	// History returns every version, newest first.
	History(ctx context.Context, resourceType, id string) ([]*Stored, error)
	// Search returns the current, non-deleted resources matching params.
	Search(ctx context.Context, resourceType string, params url.Values) ([]*Stored, error)
	GenerateID() string
	// Begin opens a transaction. Calls made with the returned context run
	// inside it.
	Begin(ctx context.Context) (context.Context, Tx, error)
}
