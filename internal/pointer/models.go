package pointer

import (
	"time"

	"github.com/google/uuid"

	"veto/internal/crypto"
)

// Status is the lifecycle state of a pointer. The only legal transition is
// Active to Orphaned, exactly once.
type Status string

const (
	StatusActive   Status = "active"
	StatusOrphaned Status = "orphaned"
)

// Operation names one governed action recorded by a receipt.
type Operation string

const (
	OperationCreate  Operation = "create"
	OperationResolve Operation = "resolve"
	OperationOrphan  Operation = "orphan"
)

// Organization owns pointers and their stored data.
type Organization struct {
	ID        uuid.UUID
	Name      string
	CreatedAt time.Time
}

// Pointer is a revocable reference binding a subject to stored data. It is
// never deleted; orphaning blocks access, not history.
type Pointer struct {
	ID           uuid.UUID
	OrgID        uuid.UUID
	DataID       uuid.UUID
	SubjectID    string
	Status       Status
	CreatedAt    time.Time
	OrphanedAt   *time.Time
	OrphanReason *string
	Metadata     crypto.Metadata
}

// StoredData is the write-once record a pointer references. The payload is
// opaque bytes to the core and survives orphaning untouched.
type StoredData struct {
	ID               uuid.UUID
	OrgID            uuid.UUID
	SubjectID        string
	ContentHash      string
	EncryptedPayload []byte
	CreatedAt        time.Time
}

// Receipt is one immutable link in a pointer's append-only chain. PrevHash is
// nil only for the first link.
type Receipt struct {
	ID          uuid.UUID
	PointerID   uuid.UUID
	OrgID       uuid.UUID
	Operation   Operation
	ReceiptJSON []byte
	ReceiptHash string
	Signature   []byte
	Algorithm   string
	PrevHash    *string
	Timestamp   time.Time
}
