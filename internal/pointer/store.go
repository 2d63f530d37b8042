package pointer

import (
	"context"

	"github.com/google/uuid"
)

// Store is the persistence contract for pointers, stored data, and receipt
// chains. Stores are interface-driven to keep the domain logic testable and to
// allow swapping in-memory and PostgreSQL implementations without rewiring
// business code. Implementations return pkg/platform/sentinel errors for
// factual states (not found, conflict); services translate them.
type Store interface {
	EnsureOrganization(ctx context.Context, org *Organization) error

	CreateData(ctx context.Context, data *StoredData) error
	GetData(ctx context.Context, id uuid.UUID) (*StoredData, error)

	CreatePointer(ctx context.Context, p *Pointer) error
	GetPointer(ctx context.Context, id uuid.UUID) (*Pointer, error)
	// GetPointerForUpdate locks the pointer row for the duration of the
	// surrounding chain transaction, linearizing read-latest-then-append.
	GetPointerForUpdate(ctx context.Context, id uuid.UUID) (*Pointer, error)
	MarkOrphaned(ctx context.Context, p *Pointer) error
	ListBySubject(ctx context.Context, subjectID string) ([]*Pointer, error)

	AppendReceipt(ctx context.Context, r *Receipt) error
	LatestReceiptHash(ctx context.Context, pointerID uuid.UUID) (*string, error)
	ListReceipts(ctx context.Context, pointerID uuid.UUID) ([]*Receipt, error)
}

// ChainTx serializes chain appends per pointer. Two concurrent appenders for
// the same pointer must never both observe the same latest digest; appends to
// different pointers proceed in parallel. The function receives a context that
// scopes any underlying database transaction, so store and audit writes inside
// fn commit or roll back as one unit.
type ChainTx interface {
	RunInTx(ctx context.Context, pointerID uuid.UUID, fn func(ctx context.Context, store Store) error) error
}

// OrphanCache is an optional fast path for the enforcement gate. Only the
// terminal Orphaned state is ever cached, so a stale miss falls through to the
// store and a hit can never readmit access.
type OrphanCache interface {
	MarkOrphaned(ctx context.Context, id uuid.UUID)
	IsOrphaned(ctx context.Context, id uuid.UUID) bool
}
