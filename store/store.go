// Package store defines the persistence boundary of the anonymous review core.
//
// The single concurrency and correctness primitive every backend provides is
// insert-if-absent: a relational unique constraint in Postgres and SQLite, a
// compare-and-set under a mutex in the memory store. Claim quotas and token
// burning rely on it and on nothing else.
package store

import (
	"context"
	"errors"

	"github.com/collapsinghierarchy/blindreview/model"
)

var (
	ErrDuplicate = errors.New("store: duplicate key")
	ErrNotFound  = errors.New("store: not found")
)

// ClaimLedger is the per-user-per-cycle issuance ledger.
type ClaimLedger interface {
	// InsertClaim inserts rec if (UserHash, CycleID) is absent and returns
	// ErrDuplicate otherwise.
	InsertClaim(ctx context.Context, rec *model.ClaimRecord) error
	// GetClaim returns ErrNotFound when no claim exists.
	GetClaim(ctx context.Context, userHash, cycleID string) (*model.ClaimRecord, error)
}

// Professors is the read-only view of the professor catalogue owned by the
// CRUD layer.
type Professors interface {
	ProfessorExists(ctx context.Context, profID string) (bool, error)
}

// ProfessorSeeder is implemented by backends that can register professors
// themselves, used for SEED_PROFESSORS in development.
type ProfessorSeeder interface {
	UpsertProfessor(ctx context.Context, profID, name string) error
}

// SubmissionStore holds the replay ledger and the pending queue.
type SubmissionStore interface {
	// BurnAndEnqueue inserts used and pending in one transaction. If the
	// token was already burned nothing is written and ErrDuplicate is returned.
	BurnAndEnqueue(ctx context.Context, used *model.UsedToken, pending *model.PendingReview) error
}

// PublishFunc receives the pending rows exclusively held by the current
// transaction and returns the reviews to publish, in publication order. A
// non-nil error rolls the transaction back and leaves the rows pending.
type PublishFunc func(pending []*model.PendingReview) ([]*model.PublishedReview, error)

// ShuffleStore is the pending-to-published side of the queue.
type ShuffleStore interface {
	PendingGroups(ctx context.Context) ([]model.PendingGroup, error)
	// PublishGroup holds the group's pending rows so that no concurrent
	// invocation can see them, calls fn, inserts what fn returns and deletes
	// every row it handed to fn, all in one transaction. If no rows can be
	// held fn is not called and (0, nil) is returned.
	PublishGroup(ctx context.Context, profID, cycleID string, fn PublishFunc) (int, error)
	ListPublished(ctx context.Context, profID string) ([]*model.PublishedReview, error)
}

// Store is everything a backend provides.
type Store interface {
	ClaimLedger
	Professors
	SubmissionStore
	ShuffleStore
}
