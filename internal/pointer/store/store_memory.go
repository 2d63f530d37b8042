package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"veto/internal/pointer"
	dErrors "veto/pkg/domain-errors"
	"veto/pkg/platform/sentinel"
)

// MemoryStore is an in-memory implementation for tests and development.
// Receipts are kept append-ordered per pointer.
type MemoryStore struct {
	mu       sync.RWMutex
	orgs     map[uuid.UUID]*pointer.Organization
	data     map[uuid.UUID]*pointer.StoredData
	pointers map[uuid.UUID]*pointer.Pointer
	receipts map[uuid.UUID][]*pointer.Receipt
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orgs:     make(map[uuid.UUID]*pointer.Organization),
		data:     make(map[uuid.UUID]*pointer.StoredData),
		pointers: make(map[uuid.UUID]*pointer.Pointer),
		receipts: make(map[uuid.UUID][]*pointer.Receipt),
	}
}

func (s *MemoryStore) EnsureOrganization(_ context.Context, org *pointer.Organization) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orgs[org.ID]; !ok {
		cp := *org
		s.orgs[org.ID] = &cp
	}
	return nil
}

func (s *MemoryStore) CreateData(_ context.Context, data *pointer.StoredData) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[data.ID]; ok {
		return sentinel.ErrConflict
	}
	cp := *data
	s.data[data.ID] = &cp
	return nil
}

func (s *MemoryStore) GetData(_ context.Context, id uuid.UUID) (*pointer.StoredData, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.data[id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	cp := *data
	return &cp, nil
}

func (s *MemoryStore) CreatePointer(_ context.Context, p *pointer.Pointer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pointers[p.ID]; ok {
		return sentinel.ErrConflict
	}
	cp := *p
	s.pointers[p.ID] = &cp
	return nil
}

func (s *MemoryStore) GetPointer(_ context.Context, id uuid.UUID) (*pointer.Pointer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getPointerLocked(id)
}

// GetPointerForUpdate has no extra locking here: the per-pointer critical
// section is provided by MemoryChainTx.
func (s *MemoryStore) GetPointerForUpdate(ctx context.Context, id uuid.UUID) (*pointer.Pointer, error) {
	return s.GetPointer(ctx, id)
}

func (s *MemoryStore) getPointerLocked(id uuid.UUID) (*pointer.Pointer, error) {
	p, ok := s.pointers[id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) MarkOrphaned(_ context.Context, p *pointer.Pointer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.pointers[p.ID]
	if !ok {
		return sentinel.ErrNotFound
	}
	if stored.Status == pointer.StatusOrphaned {
		return sentinel.ErrInvalidState
	}
	stored.Status = pointer.StatusOrphaned
	stored.OrphanedAt = p.OrphanedAt
	stored.OrphanReason = p.OrphanReason
	return nil
}

func (s *MemoryStore) ListBySubject(_ context.Context, subjectID string) ([]*pointer.Pointer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*pointer.Pointer
	for _, p := range s.pointers {
		if p.SubjectID == subjectID {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) AppendReceipt(_ context.Context, r *pointer.Receipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	chain := s.receipts[r.PointerID]
	// Mirror of the postgres partial unique index: a link claiming an already
	// claimed predecessor means a concurrent writer won the race.
	for _, existing := range chain {
		if equalPrevHash(existing.PrevHash, r.PrevHash) {
			return sentinel.ErrConflict
		}
	}
	cp := *r
	s.receipts[r.PointerID] = append(chain, &cp)
	return nil
}

func equalPrevHash(a, b *string) bool {
	if (a == nil) != (b == nil) {
		return false
	}
	return a == nil || *a == *b
}

func (s *MemoryStore) LatestReceiptHash(_ context.Context, pointerID uuid.UUID) (*string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chain := s.receipts[pointerID]
	if len(chain) == 0 {
		return nil, nil
	}
	hash := chain[len(chain)-1].ReceiptHash
	return &hash, nil
}

func (s *MemoryStore) ListReceipts(_ context.Context, pointerID uuid.UUID) ([]*pointer.Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chain := s.receipts[pointerID]
	out := make([]*pointer.Receipt, 0, len(chain))
	for _, r := range chain {
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}

// numChainShards spreads per-pointer locks across a fixed set of mutexes so
// appends to different pointers rarely contend while appends to one pointer
// are strictly linearized.
const numChainShards = 128

// defaultChainTxTimeout bounds one chain transaction.
const defaultChainTxTimeout = 5 * time.Second

// MemoryChainTx provides the per-pointer critical section around the
// read-latest-hash/append pair for the in-memory store.
type MemoryChainTx struct {
	shards  [numChainShards]sync.Mutex
	store   pointer.Store
	timeout time.Duration
}

func NewMemoryChainTx(store pointer.Store) *MemoryChainTx {
	return &MemoryChainTx{store: store}
}

func (t *MemoryChainTx) RunInTx(ctx context.Context, pointerID uuid.UUID, fn func(ctx context.Context, store pointer.Store) error) error {
	if err := ctx.Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "transaction aborted: context cancelled")
	}

	timeout := t.timeout
	if timeout == 0 {
		timeout = defaultChainTxTimeout
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	shard := shardFor(pointerID)
	t.shards[shard].Lock()
	defer t.shards[shard].Unlock()

	if err := ctx.Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "transaction aborted: context cancelled")
	}
	return fn(ctx, t.store)
}

// shardFor uses FNV-1a over the pointer UUID bytes for distribution.
func shardFor(id uuid.UUID) int {
	const (
		fnvOffset = 2166136261
		fnvPrime  = 16777619
	)
	h := uint32(fnvOffset)
	for _, b := range id {
		h ^= uint32(b)
		h *= fnvPrime
	}
	return int(h % numChainShards)
}
