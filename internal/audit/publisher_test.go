package audit_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"veto/internal/audit"
	auditmemory "veto/internal/audit/store/memory"
)

func TestEmitFillsIdentityAndTimestamp(t *testing.T) {
	ctx := context.Background()
	pub := audit.NewPublisher(auditmemory.New())

	err := pub.Emit(ctx, audit.Event{
		SubjectID: "user_1",
		EventType: audit.EventPointerCreated,
	})
	require.NoError(t, err)

	events, err := pub.List(ctx, "user_1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.NotEqual(t, uuid.Nil, events[0].ID)
	assert.False(t, events[0].Timestamp.IsZero())
}

func TestListBySubject_NewestFirstAndScoped(t *testing.T) {
	ctx := context.Background()
	pub := audit.NewPublisher(auditmemory.New())
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	for i, evt := range []audit.Event{
		{SubjectID: "user_1", EventType: audit.EventPointerCreated},
		{SubjectID: "user_1", EventType: audit.EventPointerOrphaned},
		{SubjectID: "user_2", EventType: audit.EventPointerCreated},
	} {
		evt.Timestamp = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, pub.Emit(ctx, evt))
	}

	events, err := pub.List(ctx, "user_1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, audit.EventPointerOrphaned, events[0].EventType)
	assert.Equal(t, audit.EventPointerCreated, events[1].EventType)
}
