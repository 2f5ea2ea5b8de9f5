package domain

import "context"

// Transaction exposes the domain operations that a persistence implementation
// must support within an atomic scope. A snapshot's status, document bag, and
// renewal list are always written as one unit; partial column writes cannot
// occur through this interface.
type Transaction interface {
	Snapshot() TransactionView
	// AllocatePermitID returns the next WP-<n> identifier. Allocation is
	// serialized store-wide and an identifier is never handed out twice, even
	// when the transaction that received it ultimately fails.
	AllocatePermitID() (string, error)
	// InsertPermit stores a new permit. A duplicate PermitID yields
	// ConflictError, never a silent overwrite.
	InsertPermit(Permit) (Permit, error)
	// UpdatePermit replaces the whole snapshot through a mutator, committing
	// only if the stored revision still equals expectedRevision. A lost race
	// yields ConflictError.
	UpdatePermit(permitID string, expectedRevision int64, mutator func(*Permit) error) (Permit, error)
	PutUser(User) (User, error)
	DeleteUser(email string) error
}

// TransactionView provides read-only access to snapshot data for rules and
// dashboard reads.
type TransactionView interface {
	FindPermit(permitID string) (Permit, bool)
	ListPermits() []Permit
	FindUser(email string) (User, bool)
	ListUsers() []User
}

// PersistentStore is a minimal abstraction over durable backends. Mutations go
// through RunInTransaction; reads may be served from committed state and can be
// stale relative to in-flight writes.
type PersistentStore interface {
	RunInTransaction(ctx context.Context, fn func(Transaction) error) (Result, error)
	View(ctx context.Context, fn func(TransactionView) error) error
	GetPermit(permitID string) (Permit, bool)
	ListPermits() []Permit
	GetUser(email string) (User, bool)
	ListUsers() []User
}
