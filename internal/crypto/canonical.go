package crypto

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// canonicalTimeLayout renders timestamps with full nanosecond precision and an
// explicit numeric offset. Together with forcing UTC this makes the textual
// form a pure function of the instant, so independent verifiers re-encoding
// the same fields get the same bytes.
const canonicalTimeLayout = "2006-01-02T15:04:05.000000000-07:00"

// Metadata is an opaque, order-insensitive key/value document attached to a
// receipt. The core never inspects its contents; it only serializes it
// canonically.
type Metadata map[string]any

// Document holds the logical fields of one receipt before encoding. PrevHash
// is nil for the first link of a chain.
type Document struct {
	PointerID uuid.UUID
	Operation string
	Timestamp time.Time
	SubjectID string
	PrevHash  *string
	Metadata  Metadata
}

// CanonicalJSON encodes the document deterministically: compact output, keys
// in a fixed lexicographic order, nested metadata keys sorted by the JSON
// encoder, timestamps normalized to UTC. The prev_hash key is always present,
// serialized as null for the first link.
func (d Document) CanonicalJSON() ([]byte, error) {
	meta := d.Metadata
	if meta == nil {
		meta = Metadata{}
	}
	// Field declaration order matches lexicographic key order, which is what
	// keeps the output canonical.
	return json.Marshal(struct {
		Metadata  Metadata `json:"metadata"`
		Operation string   `json:"operation"`
		PointerID string   `json:"pointer_id"`
		PrevHash  *string  `json:"prev_hash"`
		SubjectID string   `json:"subject_id"`
		Timestamp string   `json:"timestamp"`
	}{
		Metadata:  meta,
		Operation: d.Operation,
		PointerID: d.PointerID.String(),
		PrevHash:  d.PrevHash,
		SubjectID: d.SubjectID,
		Timestamp: d.Timestamp.UTC().Format(canonicalTimeLayout),
	})
}
