package audit

import (
	"time"

	"github.com/google/uuid"
)

// Event is emitted from domain logic to capture key actions for human-facing
// audit queries. Events are informational: unlike receipts they carry no
// cryptographic guarantee and weakly reference a pointer by id only.
type Event struct {
	ID        uuid.UUID
	OrgID     *uuid.UUID
	PointerID *uuid.UUID
	SubjectID string
	EventType string
	EventData map[string]any
	ActorID   string
	Timestamp time.Time
}

// Event types recorded alongside chain operations.
const (
	EventPointerCreated  = "pointer_created"
	EventPointerOrphaned = "pointer_orphaned"
)
