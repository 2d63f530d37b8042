package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"veto/internal/audit"
	txcontext "veto/pkg/platform/tx"
)

// Store persists audit events in PostgreSQL and, when Kafka is configured,
// stages them in the outbox table inside the same transaction. The outbox
// worker drains staged entries to the broker, so an event is only ever
// published if the domain change that produced it committed.
type Store struct {
	db          *sql.DB
	stageOutbox bool
}

// New creates a PostgreSQL audit store. stageOutbox controls whether events
// are also written to the outbox for Kafka publishing.
func New(db *sql.DB, stageOutbox bool) *Store {
	return &Store{db: db, stageOutbox: stageOutbox}
}

type dbExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) execer(ctx context.Context) dbExecutor {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

// Append writes an audit event, joining any transaction carried in ctx.
func (s *Store) Append(ctx context.Context, event audit.Event) error {
	payload, err := json.Marshal(event.EventData)
	if err != nil {
		return fmt.Errorf("marshal audit event data: %w", err)
	}

	var orgID, pointerID any
	if event.OrgID != nil {
		orgID = *event.OrgID
	}
	if event.PointerID != nil {
		pointerID = *event.PointerID
	}

	query := `
		INSERT INTO audit_events (id, org_id, pointer_id, subject_id, event_type, event_data, actor_id, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	if _, err := s.execer(ctx).ExecContext(ctx, query,
		event.ID, orgID, pointerID, event.SubjectID, event.EventType, payload, event.ActorID, event.Timestamp,
	); err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}

	if !s.stageOutbox {
		return nil
	}

	envelope, err := json.Marshal(outboxPayload{
		ID:        event.ID.String(),
		SubjectID: event.SubjectID,
		EventType: event.EventType,
		EventData: event.EventData,
		ActorID:   event.ActorID,
		Timestamp: event.Timestamp.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("marshal outbox payload: %w", err)
	}
	outboxQuery := `
		INSERT INTO outbox (id, event_type, payload, created_at)
		VALUES ($1, $2, $3, $4)
	`
	if _, err := s.execer(ctx).ExecContext(ctx, outboxQuery,
		uuid.New(), event.EventType, envelope, time.Now(),
	); err != nil {
		return fmt.Errorf("insert outbox entry: %w", err)
	}
	return nil
}

// outboxPayload is the JSON envelope published to Kafka.
type outboxPayload struct {
	ID        string         `json:"id"`
	SubjectID string         `json:"subject_id"`
	EventType string         `json:"event_type"`
	EventData map[string]any `json:"event_data,omitempty"`
	ActorID   string         `json:"actor_id,omitempty"`
	Timestamp string         `json:"timestamp"`
}

// ListBySubject returns a subject's events newest first.
func (s *Store) ListBySubject(ctx context.Context, subjectID string) ([]audit.Event, error) {
	query := `
		SELECT id, org_id, pointer_id, subject_id, event_type, event_data, actor_id, timestamp
		FROM audit_events
		WHERE subject_id = $1
		ORDER BY timestamp DESC
	`
	rows, err := s.db.QueryContext(ctx, query, subjectID)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()

	var events []audit.Event
	for rows.Next() {
		var (
			e         audit.Event
			orgID     uuid.NullUUID
			pointerID uuid.NullUUID
			payload   []byte
		)
		if err := rows.Scan(&e.ID, &orgID, &pointerID, &e.SubjectID, &e.EventType, &payload, &e.ActorID, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		if orgID.Valid {
			e.OrgID = &orgID.UUID
		}
		if pointerID.Valid {
			e.PointerID = &pointerID.UUID
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &e.EventData); err != nil {
				return nil, fmt.Errorf("decode audit event data: %w", err)
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// OutboxEntry is one staged, unpublished audit envelope.
type OutboxEntry struct {
	ID        uuid.UUID
	EventType string
	Payload   []byte
}

// FetchUnpublished returns up to limit staged entries oldest first.
func (s *Store) FetchUnpublished(ctx context.Context, limit int) ([]OutboxEntry, error) {
	query := `
		SELECT id, event_type, payload
		FROM outbox
		WHERE published_at IS NULL
		ORDER BY created_at ASC
		LIMIT $1
	`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch outbox entries: %w", err)
	}
	defer rows.Close()

	var entries []OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		if err := rows.Scan(&e.ID, &e.EventType, &e.Payload); err != nil {
			return nil, fmt.Errorf("scan outbox entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// MarkPublished stamps entries as delivered to the broker.
func (s *Store) MarkPublished(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	query := `UPDATE outbox SET published_at = NOW() WHERE id = ANY($1)`
	if _, err := s.db.ExecContext(ctx, query, pq.Array(ids)); err != nil {
		return fmt.Errorf("mark outbox entries published: %w", err)
	}
	return nil
}
