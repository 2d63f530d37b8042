package audit

import "context"

// Store persists audit events. ListBySubject returns events newest first.
type Store interface {
	Append(ctx context.Context, event Event) error
	ListBySubject(ctx context.Context, subjectID string) ([]Event, error)
}
