//go:build integration

package store_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"veto/internal/pointer"
	"veto/internal/pointer/store"
	"veto/pkg/platform/sentinel"
	txcontext "veto/pkg/platform/tx"
	"veto/pkg/testutil/containers"
)

type PostgresStoreSuite struct {
	suite.Suite
	postgres *containers.PostgresContainer
	store    *store.PostgresStore
	orgID    uuid.UUID
}

func TestPostgresStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresStoreSuite))
}

func (s *PostgresStoreSuite) SetupSuite() {
	mgr := containers.GetManager()
	s.postgres = mgr.GetPostgres(s.T())
	s.store = store.NewPostgresStore(s.postgres.DB)
	s.orgID = uuid.New()
}

func (s *PostgresStoreSuite) SetupTest() {
	ctx := context.Background()
	err := s.postgres.TruncateTables(ctx,
		"governance_receipts", "pointers", "data_store", "audit_events", "outbox", "organizations",
	)
	s.Require().NoError(err)

	err = s.store.EnsureOrganization(ctx, &pointer.Organization{
		ID:        s.orgID,
		Name:      "test-org",
		CreatedAt: time.Now().UTC(),
	})
	s.Require().NoError(err)
}

// fakeHash builds a well-formed 128-character digest from a short seed.
func fakeHash(seed string) string {
	return (seed + strings.Repeat("0", 128))[:128]
}

func (s *PostgresStoreSuite) newPointer(subjectID string) (*pointer.Pointer, *pointer.StoredData) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	data := &pointer.StoredData{
		ID:               uuid.New(),
		OrgID:            s.orgID,
		SubjectID:        subjectID,
		ContentHash:      "content-hash",
		EncryptedPayload: []byte("ciphertext"),
		CreatedAt:        now,
	}
	s.Require().NoError(s.store.CreateData(ctx, data))

	p := &pointer.Pointer{
		ID:        uuid.New(),
		OrgID:     s.orgID,
		DataID:    data.ID,
		SubjectID: subjectID,
		Status:    pointer.StatusActive,
		CreatedAt: now,
	}
	s.Require().NoError(s.store.CreatePointer(ctx, p))
	return p, data
}

func (s *PostgresStoreSuite) newReceipt(pointerID uuid.UUID, op pointer.Operation, hash string, prev *string, at time.Time) *pointer.Receipt {
	return &pointer.Receipt{
		ID:          uuid.New(),
		PointerID:   pointerID,
		OrgID:       s.orgID,
		Operation:   op,
		ReceiptJSON: []byte(`{"operation":"` + string(op) + `"}`),
		ReceiptHash: hash,
		Signature:   []byte("signature"),
		Algorithm:   "ED25519",
		PrevHash:    prev,
		Timestamp:   at,
	}
}

func (s *PostgresStoreSuite) TestPointerRoundTrip() {
	ctx := context.Background()
	p, data := s.newPointer("user_1")

	got, err := s.store.GetPointer(ctx, p.ID)
	s.Require().NoError(err)
	s.Equal(p.ID, got.ID)
	s.Equal(data.ID, got.DataID)
	s.Equal(pointer.StatusActive, got.Status)
	s.Nil(got.OrphanedAt)
	s.Nil(got.OrphanReason)

	gotData, err := s.store.GetData(ctx, data.ID)
	s.Require().NoError(err)
	s.Equal("content-hash", gotData.ContentHash)
	s.Equal([]byte("ciphertext"), gotData.EncryptedPayload)
}

func (s *PostgresStoreSuite) TestGetPointer_NotFound() {
	_, err := s.store.GetPointer(context.Background(), uuid.New())
	s.Require().ErrorIs(err, sentinel.ErrNotFound)
}

func (s *PostgresStoreSuite) TestMarkOrphaned() {
	ctx := context.Background()
	p, _ := s.newPointer("user_1")

	reason := "user_consent_revoked"
	now := time.Now().UTC().Truncate(time.Microsecond)
	p.Status = pointer.StatusOrphaned
	p.OrphanedAt = &now
	p.OrphanReason = &reason

	s.Require().NoError(s.store.MarkOrphaned(ctx, p))

	got, err := s.store.GetPointer(ctx, p.ID)
	s.Require().NoError(err)
	s.Equal(pointer.StatusOrphaned, got.Status)
	s.Require().NotNil(got.OrphanedAt)
	s.Require().NotNil(got.OrphanReason)
	s.Equal(reason, *got.OrphanReason)

	// The transition is one-way: a second mark finds no active row.
	err = s.store.MarkOrphaned(ctx, p)
	s.Require().ErrorIs(err, sentinel.ErrInvalidState)
}

func (s *PostgresStoreSuite) TestListBySubject() {
	ctx := context.Background()
	p1, _ := s.newPointer("user_1")
	p2, _ := s.newPointer("user_1")
	s.newPointer("user_2")

	got, err := s.store.ListBySubject(ctx, "user_1")
	s.Require().NoError(err)
	s.Require().Len(got, 2)
	s.Equal(p1.ID, got[0].ID)
	s.Equal(p2.ID, got[1].ID)
}

func (s *PostgresStoreSuite) TestReceiptChain() {
	ctx := context.Background()
	p, _ := s.newPointer("user_1")
	base := time.Now().UTC().Truncate(time.Microsecond)

	genesis := fakeHash("aa")
	second := fakeHash("bb")

	s.Require().NoError(s.store.AppendReceipt(ctx,
		s.newReceipt(p.ID, pointer.OperationCreate, genesis, nil, base)))

	latest, err := s.store.LatestReceiptHash(ctx, p.ID)
	s.Require().NoError(err)
	s.Require().NotNil(latest)
	s.Equal(genesis, *latest)

	s.Require().NoError(s.store.AppendReceipt(ctx,
		s.newReceipt(p.ID, pointer.OperationResolve, second, &genesis, base.Add(time.Second))))

	latest, err = s.store.LatestReceiptHash(ctx, p.ID)
	s.Require().NoError(err)
	s.Require().NotNil(latest)
	s.Equal(second, *latest)

	chain, err := s.store.ListReceipts(ctx, p.ID)
	s.Require().NoError(err)
	s.Require().Len(chain, 2)
	s.Nil(chain[0].PrevHash)
	s.Require().NotNil(chain[1].PrevHash)
	s.Equal(genesis, *chain[1].PrevHash)
}

func (s *PostgresStoreSuite) TestLatestReceiptHash_EmptyChain() {
	p, _ := s.newPointer("user_1")

	latest, err := s.store.LatestReceiptHash(context.Background(), p.ID)
	s.Require().NoError(err)
	s.Nil(latest)
}

func (s *PostgresStoreSuite) TestAppendReceipt_DuplicatePredecessorConflicts() {
	ctx := context.Background()
	p, _ := s.newPointer("user_1")
	base := time.Now().UTC().Truncate(time.Microsecond)

	genesis := fakeHash("aa")
	s.Require().NoError(s.store.AppendReceipt(ctx,
		s.newReceipt(p.ID, pointer.OperationCreate, genesis, nil, base)))

	// Second genesis for the same pointer hits the partial unique index.
	err := s.store.AppendReceipt(ctx,
		s.newReceipt(p.ID, pointer.OperationCreate, fakeHash("bb"), nil, base.Add(time.Second)))
	s.Require().ErrorIs(err, sentinel.ErrConflict)

	s.Require().NoError(s.store.AppendReceipt(ctx,
		s.newReceipt(p.ID, pointer.OperationResolve, fakeHash("cc"), &genesis, base.Add(2*time.Second))))

	// Two successors claiming the same predecessor would fork the chain.
	err = s.store.AppendReceipt(ctx,
		s.newReceipt(p.ID, pointer.OperationResolve, fakeHash("dd"), &genesis, base.Add(3*time.Second)))
	s.Require().ErrorIs(err, sentinel.ErrConflict)
}

func (s *PostgresStoreSuite) TestConcurrentGenesisAppends() {
	ctx := context.Background()
	p, _ := s.newPointer("user_1")
	base := time.Now().UTC().Truncate(time.Microsecond)

	const goroutines = 20
	var wg sync.WaitGroup
	var succeeded atomic.Int32
	var conflicted atomic.Int32

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := s.store.AppendReceipt(ctx,
				s.newReceipt(p.ID, pointer.OperationCreate, fakeHash(uuid.NewString()), nil, base.Add(time.Duration(i)*time.Millisecond)))
			switch {
			case err == nil:
				succeeded.Add(1)
			case errors.Is(err, sentinel.ErrConflict):
				conflicted.Add(1)
			default:
				s.T().Errorf("unexpected append error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	s.Equal(int32(1), succeeded.Load(), "exactly one genesis append should win")
	s.Equal(int32(goroutines-1), conflicted.Load())

	chain, err := s.store.ListReceipts(ctx, p.ID)
	s.Require().NoError(err)
	s.Len(chain, 1)
}

func (s *PostgresStoreSuite) TestTxRollbackDiscardsWrites() {
	ctx := context.Background()
	p, _ := s.newPointer("user_1")

	tx, err := s.postgres.DB.BeginTx(ctx, nil)
	s.Require().NoError(err)

	txCtx := txcontext.WithTx(ctx, tx)
	err = s.store.AppendReceipt(txCtx,
		s.newReceipt(p.ID, pointer.OperationCreate, fakeHash("aa"), nil, time.Now().UTC()))
	s.Require().NoError(err)

	s.Require().NoError(tx.Rollback())

	chain, err := s.store.ListReceipts(ctx, p.ID)
	s.Require().NoError(err)
	s.Empty(chain)
}
