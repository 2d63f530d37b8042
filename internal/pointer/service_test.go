package pointer_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"veto/internal/audit"
	auditmemory "veto/internal/audit/store/memory"
	"veto/internal/crypto"
	"veto/internal/pointer"
	"veto/internal/pointer/store"
	dErrors "veto/pkg/domain-errors"
)

type fixture struct {
	service *pointer.Service
	store   *store.MemoryStore
	keys    *crypto.Keypair
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	keys, err := crypto.GenerateKeypair()
	require.NoError(t, err)
	memStore := store.NewMemoryStore()
	svc := pointer.NewService(pointer.Deps{
		Store:  memStore,
		Chain:  store.NewMemoryChainTx(memStore),
		Keys:   keys,
		Audit:  audit.NewPublisher(auditmemory.New()),
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		OrgID:  uuid.New(),
	})
	return &fixture{service: svc, store: memStore, keys: keys}
}

func (f *fixture) chain(t *testing.T, pointerID uuid.UUID) []*pointer.Receipt {
	t.Helper()
	receipts, err := f.store.ListReceipts(context.Background(), pointerID)
	require.NoError(t, err)
	return receipts
}

func TestCreate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.service.Create(ctx, pointer.CreateParams{
		SubjectID:   "user_123",
		ContentHash: "abc",
	})
	require.NoError(t, err)

	assert.Equal(t, pointer.StatusActive, created.Pointer.Status)
	assert.Equal(t, created.Data.ID, created.Pointer.DataID)

	chain := f.chain(t, created.Pointer.ID)
	require.Len(t, chain, 1)
	assert.Equal(t, pointer.OperationCreate, chain[0].Operation)
	assert.Nil(t, chain[0].PrevHash)
	require.NoError(t, crypto.VerifyReceipt(
		chain[0].ReceiptJSON, chain[0].ReceiptHash, chain[0].Signature, f.keys.PublicKey(),
	))
}

func TestCreate_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		params pointer.CreateParams
	}{
		{"missing subject", pointer.CreateParams{ContentHash: "abc"}},
		{"missing content hash", pointer.CreateParams{SubjectID: "user_123"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.service.Create(ctx, tt.params)
			require.Error(t, err)
			assert.True(t, dErrors.HasCode(err, dErrors.CodeBadRequest))
		})
	}
}

// TestPointerLifecycle walks the full governed lifecycle and checks the chain
// after every step: create, resolve, orphan, then a denied resolve.
func TestPointerLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.service.Create(ctx, pointer.CreateParams{
		SubjectID:   "user_123",
		ContentHash: "abc",
	})
	require.NoError(t, err)
	pointerID := created.Pointer.ID

	resolved, err := f.service.Resolve(ctx, pointerID)
	require.NoError(t, err)
	assert.Equal(t, "abc", resolved.Data.ContentHash)

	chain := f.chain(t, pointerID)
	require.Len(t, chain, 2)
	assert.Equal(t, pointer.OperationResolve, chain[1].Operation)
	require.NotNil(t, chain[1].PrevHash)
	assert.Equal(t, chain[0].ReceiptHash, *chain[1].PrevHash)

	reason := "consent_revoked"
	orphaned, err := f.service.Orphan(ctx, pointerID, &reason, "admin_7")
	require.NoError(t, err)
	assert.Equal(t, pointer.StatusOrphaned, orphaned.Pointer.Status)
	require.NotNil(t, orphaned.Pointer.OrphanedAt)

	chain = f.chain(t, pointerID)
	require.Len(t, chain, 3)
	assert.Equal(t, pointer.OperationOrphan, chain[2].Operation)
	require.NotNil(t, chain[2].PrevHash)
	assert.Equal(t, chain[1].ReceiptHash, *chain[2].PrevHash)

	_, err = f.service.Resolve(ctx, pointerID)
	require.Error(t, err)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeOrphaned))
	assert.Len(t, f.chain(t, pointerID), 3, "denied resolve must not append a receipt")
}

func TestOrphan_AlreadyOrphanedConflict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.service.Create(ctx, pointer.CreateParams{
		SubjectID:   "user_123",
		ContentHash: "abc",
	})
	require.NoError(t, err)

	_, err = f.service.Orphan(ctx, created.Pointer.ID, nil, "")
	require.NoError(t, err)

	_, err = f.service.Orphan(ctx, created.Pointer.ID, nil, "")
	require.Error(t, err)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeConflict))
	assert.Len(t, f.chain(t, created.Pointer.ID), 2)
}

func TestOrphan_PreservesStoredData(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.service.Create(ctx, pointer.CreateParams{
		SubjectID:   "user_123",
		ContentHash: "abc",
		Payload:     []byte("ciphertext"),
	})
	require.NoError(t, err)

	_, err = f.service.Orphan(ctx, created.Pointer.ID, nil, "")
	require.NoError(t, err)

	data, err := f.store.GetData(ctx, created.Data.ID)
	require.NoError(t, err)
	assert.Equal(t, "abc", data.ContentHash)
	assert.Equal(t, []byte("ciphertext"), data.EncryptedPayload)
}

func TestResolve_NotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.service.Resolve(context.Background(), uuid.New())
	require.Error(t, err)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeNotFound))
}

// TestResolve_ConcurrentAppendsLinearize runs many resolves against one
// pointer in parallel and requires the resulting chain to be a single line:
// every link's prev hash equals its predecessor's digest, and no digest is
// claimed as predecessor twice.
func TestResolve_ConcurrentAppendsLinearize(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.service.Create(ctx, pointer.CreateParams{
		SubjectID:   "user_123",
		ContentHash: "abc",
	})
	require.NoError(t, err)

	const resolvers = 20
	var wg sync.WaitGroup
	errs := make(chan error, resolvers)
	for i := 0; i < resolvers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.service.Resolve(ctx, created.Pointer.ID)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	chain := f.chain(t, created.Pointer.ID)
	require.Len(t, chain, resolvers+1)

	seen := make(map[string]bool)
	var prev *string
	for i, r := range chain {
		if i == 0 {
			require.Nil(t, r.PrevHash)
		} else {
			require.NotNil(t, r.PrevHash, "link %d missing prev hash", i)
			assert.Equal(t, *prev, *r.PrevHash, "link %d does not extend its predecessor", i)
			assert.False(t, seen[*r.PrevHash], "digest claimed as predecessor twice: fork")
			seen[*r.PrevHash] = true
		}
		hash := r.ReceiptHash
		prev = &hash
	}
}

func TestReceipts_VerifiesChain(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.service.Create(ctx, pointer.CreateParams{
		SubjectID:   "user_123",
		ContentHash: "abc",
	})
	require.NoError(t, err)
	_, err = f.service.Resolve(ctx, created.Pointer.ID)
	require.NoError(t, err)

	result, err := f.service.Receipts(ctx, created.Pointer.ID)
	require.NoError(t, err)
	assert.Len(t, result.Receipts, 2)
	assert.True(t, result.Verified)

	_, err = f.service.Receipts(ctx, uuid.New())
	require.Error(t, err)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeNotFound))
}

func TestAuditTrail(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.service.Create(ctx, pointer.CreateParams{
		SubjectID:   "user_123",
		ContentHash: "abc",
	})
	require.NoError(t, err)
	_, err = f.service.Create(ctx, pointer.CreateParams{
		SubjectID:   "user_123",
		ContentHash: "def",
	})
	require.NoError(t, err)
	_, err = f.service.Orphan(ctx, first.Pointer.ID, nil, "admin_7")
	require.NoError(t, err)

	trail, err := f.service.AuditTrail(ctx, "user_123")
	require.NoError(t, err)
	assert.Equal(t, 2, trail.Total)
	assert.Equal(t, 1, trail.Active)
	assert.Equal(t, 1, trail.Orphaned)

	require.Len(t, trail.Events, 3)
	for i := 1; i < len(trail.Events); i++ {
		assert.False(t, trail.Events[i].Timestamp.After(trail.Events[i-1].Timestamp),
			"events must be ordered newest first")
	}
	assert.Equal(t, audit.EventPointerOrphaned, trail.Events[0].EventType)

	other, err := f.service.AuditTrail(ctx, "user_999")
	require.NoError(t, err)
	assert.Equal(t, 0, other.Total)
	assert.Empty(t, other.Events)
}
