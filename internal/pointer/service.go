package pointer

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"veto/internal/audit"
	"veto/internal/crypto"
	"veto/internal/platform/metrics"
	dErrors "veto/pkg/domain-errors"
	"veto/pkg/platform/sentinel"
)

// defaultOrphanReason is recorded in the orphan receipt when the caller gives
// no explicit reason.
const defaultOrphanReason = "user_consent_revoked"

// Deps wires the service. Cache and Metrics may be nil.
type Deps struct {
	Store   Store
	Chain   ChainTx
	Keys    *crypto.Keypair
	Audit   *audit.Publisher
	Cache   OrphanCache
	Metrics *metrics.Metrics
	Logger  *slog.Logger
	OrgID   uuid.UUID
}

// Service owns the pointer lifecycle and the per-pointer receipt chain. Every
// governed operation runs the gate first, then builds a signed link binding
// the operation to the latest existing digest, all inside one per-pointer
// transaction so chains cannot fork and lifecycle transitions cannot commit
// without their receipt.
type Service struct {
	store   Store
	chain   ChainTx
	keys    *crypto.Keypair
	builder *crypto.Builder
	audit   *audit.Publisher
	cache   OrphanCache
	metrics *metrics.Metrics
	logger  *slog.Logger
	orgID   uuid.UUID
}

func NewService(d Deps) *Service {
	return &Service{
		store:   d.Store,
		chain:   d.Chain,
		keys:    d.Keys,
		builder: crypto.NewBuilder(d.Keys),
		audit:   d.Audit,
		cache:   d.Cache,
		metrics: d.Metrics,
		logger:  d.Logger,
		orgID:   d.OrgID,
	}
}

// CreateParams carries the inputs of a create operation. Payload is opaque
// bytes, already decoded by the transport layer.
type CreateParams struct {
	SubjectID   string
	ContentHash string
	Payload     []byte
	ActorID     string
}

type CreateResult struct {
	Pointer *Pointer
	Data    *StoredData
	Receipt *Receipt
}

// Create stores the data record, creates an Active pointer referencing it, and
// appends the first chain link (no prior hash) in a single transaction.
func (s *Service) Create(ctx context.Context, params CreateParams) (*CreateResult, error) {
	if params.SubjectID == "" {
		return nil, dErrors.New(dErrors.CodeBadRequest, "subject_id is required")
	}
	if params.ContentHash == "" {
		return nil, dErrors.New(dErrors.CodeBadRequest, "content_hash is required")
	}

	start := time.Now()
	now := start
	data := &StoredData{
		ID:               uuid.New(),
		OrgID:            s.orgID,
		SubjectID:        params.SubjectID,
		ContentHash:      params.ContentHash,
		EncryptedPayload: params.Payload,
		CreatedAt:        now,
	}
	ptr := &Pointer{
		ID:        uuid.New(),
		OrgID:     s.orgID,
		DataID:    data.ID,
		SubjectID: params.SubjectID,
		Status:    StatusActive,
		CreatedAt: now,
		Metadata:  crypto.Metadata{},
	}

	var receipt *Receipt
	err := s.chain.RunInTx(ctx, ptr.ID, func(txCtx context.Context, store Store) error {
		if err := store.CreateData(txCtx, data); err != nil {
			return err
		}
		if err := store.CreatePointer(txCtx, ptr); err != nil {
			return err
		}
		var err error
		receipt, err = s.appendReceipt(txCtx, store, ptr, OperationCreate, nil, crypto.Metadata{
			"content_hash": params.ContentHash,
		}, now)
		if err != nil {
			return err
		}
		return s.audit.Emit(txCtx, audit.Event{
			OrgID:     &s.orgID,
			PointerID: &ptr.ID,
			SubjectID: params.SubjectID,
			EventType: audit.EventPointerCreated,
			EventData: map[string]any{
				"subject_id":   params.SubjectID,
				"content_hash": params.ContentHash,
			},
			ActorID:   params.ActorID,
			Timestamp: now,
		})
	})
	if err != nil {
		return nil, s.translate(err, "pointer")
	}

	s.metrics.IncPointersCreated()
	s.metrics.ObserveReceiptAppend(start)
	s.logger.InfoContext(ctx, "pointer created",
		"pointer_id", ptr.ID,
		"data_id", data.ID,
		"subject_id", params.SubjectID,
	)
	return &CreateResult{Pointer: ptr, Data: data, Receipt: receipt}, nil
}

type ResolveResult struct {
	Pointer *Pointer
	Data    *StoredData
	Receipt *Receipt
}

// Resolve runs the enforcement gate and, when access is allowed, appends a
// resolve receipt linked to the latest digest and returns the current data.
// Orphaned pointers are denied without producing any receipt.
func (s *Service) Resolve(ctx context.Context, pointerID uuid.UUID) (*ResolveResult, error) {
	if s.cache != nil && s.cache.IsOrphaned(ctx, pointerID) {
		s.metrics.IncGateDenials()
		return nil, dErrors.New(dErrors.CodeOrphaned, "pointer has been orphaned and cannot be resolved")
	}

	start := time.Now()
	var result ResolveResult
	err := s.chain.RunInTx(ctx, pointerID, func(txCtx context.Context, store Store) error {
		ptr, err := store.GetPointerForUpdate(txCtx, pointerID)
		if err != nil {
			return err
		}
		if err := CheckAccess(ptr); err != nil {
			if s.cache != nil {
				s.cache.MarkOrphaned(txCtx, pointerID)
			}
			s.metrics.IncGateDenials()
			return err
		}
		data, err := store.GetData(txCtx, ptr.DataID)
		if err != nil {
			return err
		}
		receipt, err := s.appendLinked(txCtx, store, ptr, OperationResolve, crypto.Metadata{
			"data_id": data.ID.String(),
		}, time.Now())
		if err != nil {
			return err
		}
		result = ResolveResult{Pointer: ptr, Data: data, Receipt: receipt}
		return nil
	})
	if err != nil {
		return nil, s.translate(err, "pointer")
	}

	s.metrics.IncPointersResolved()
	s.metrics.ObserveReceiptAppend(start)
	return &result, nil
}

type OrphanResult struct {
	Pointer *Pointer
	Receipt *Receipt
}

// Orphan applies the one-way lifecycle transition and appends the orphan
// receipt as a single atomic unit: if the append fails the transition rolls
// back. Re-orphaning is a conflict and leaves the chain untouched.
func (s *Service) Orphan(ctx context.Context, pointerID uuid.UUID, reason *string, actorID string) (*OrphanResult, error) {
	if s.cache != nil && s.cache.IsOrphaned(ctx, pointerID) {
		return nil, dErrors.New(dErrors.CodeConflict, "pointer is already orphaned")
	}

	start := time.Now()
	receiptReason := defaultOrphanReason
	if reason != nil {
		receiptReason = *reason
	}

	var result OrphanResult
	err := s.chain.RunInTx(ctx, pointerID, func(txCtx context.Context, store Store) error {
		ptr, err := store.GetPointerForUpdate(txCtx, pointerID)
		if err != nil {
			return err
		}
		now := time.Now()
		if err := ptr.Orphan(reason, now); err != nil {
			return err
		}
		if err := store.MarkOrphaned(txCtx, ptr); err != nil {
			return err
		}
		receipt, err := s.appendLinked(txCtx, store, ptr, OperationOrphan, crypto.Metadata{
			"reason":      receiptReason,
			"orphaned_at": now.UTC().Format(time.RFC3339Nano),
		}, now)
		if err != nil {
			return err
		}
		if err := s.audit.Emit(txCtx, audit.Event{
			OrgID:     &ptr.OrgID,
			PointerID: &ptr.ID,
			SubjectID: ptr.SubjectID,
			EventType: audit.EventPointerOrphaned,
			EventData: map[string]any{
				"subject_id": ptr.SubjectID,
				"reason":     receiptReason,
			},
			ActorID:   actorID,
			Timestamp: now,
		}); err != nil {
			return err
		}
		result = OrphanResult{Pointer: ptr, Receipt: receipt}
		return nil
	})
	if err != nil {
		return nil, s.translate(err, "pointer")
	}

	// The transition is terminal and committed, so caching it is always safe.
	if s.cache != nil {
		s.cache.MarkOrphaned(ctx, pointerID)
	}
	s.metrics.IncPointersOrphaned()
	s.metrics.ObserveReceiptAppend(start)
	s.logger.InfoContext(ctx, "pointer orphaned",
		"pointer_id", pointerID,
		"reason", receiptReason,
	)
	return &result, nil
}

type ChainResult struct {
	Receipts []*Receipt
	Verified bool
}

// Receipts returns a pointer's full chain ordered by time ascending, plus a
// verification verdict: every link's digest recomputed from its canonical
// document, every signature checked, and every prev-hash matched against its
// predecessor.
func (s *Service) Receipts(ctx context.Context, pointerID uuid.UUID) (*ChainResult, error) {
	if _, err := s.store.GetPointer(ctx, pointerID); err != nil {
		return nil, s.translate(err, "pointer")
	}
	receipts, err := s.store.ListReceipts(ctx, pointerID)
	if err != nil {
		return nil, s.translate(err, "receipts")
	}
	return &ChainResult{Receipts: receipts, Verified: s.verifyChain(ctx, pointerID, receipts)}, nil
}

func (s *Service) verifyChain(ctx context.Context, pointerID uuid.UUID, receipts []*Receipt) bool {
	var prevHash *string
	for i, r := range receipts {
		if err := crypto.VerifyReceipt(r.ReceiptJSON, r.ReceiptHash, r.Signature, s.keys.PublicKey()); err != nil {
			s.logger.ErrorContext(ctx, "receipt chain integrity failure",
				"pointer_id", pointerID,
				"receipt_id", r.ID,
				"link", i,
				"error", err,
			)
			return false
		}
		if (prevHash == nil) != (r.PrevHash == nil) || (prevHash != nil && *prevHash != *r.PrevHash) {
			s.logger.ErrorContext(ctx, "receipt chain linkage broken",
				"pointer_id", pointerID,
				"receipt_id", r.ID,
				"link", i,
			)
			return false
		}
		hash := r.ReceiptHash
		prevHash = &hash
	}
	return true
}

// Trail is the read-side audit projection for one subject.
type Trail struct {
	SubjectID string
	Total     int
	Active    int
	Orphaned  int
	Events    []audit.Event
}

// AuditTrail aggregates pointer counts by state and the subject's audit
// events, newest first. Purely derived from persisted state.
func (s *Service) AuditTrail(ctx context.Context, subjectID string) (*Trail, error) {
	if subjectID == "" {
		return nil, dErrors.New(dErrors.CodeBadRequest, "subject_id is required")
	}
	pointers, err := s.store.ListBySubject(ctx, subjectID)
	if err != nil {
		return nil, s.translate(err, "pointers")
	}
	events, err := s.audit.List(ctx, subjectID)
	if err != nil {
		return nil, s.translate(err, "audit events")
	}
	trail := &Trail{SubjectID: subjectID, Total: len(pointers), Events: events}
	for _, p := range pointers {
		switch p.Status {
		case StatusActive:
			trail.Active++
		case StatusOrphaned:
			trail.Orphaned++
		}
	}
	return trail, nil
}

// appendLinked fetches the latest digest for the pointer and appends a new
// link claiming it as predecessor. Callers must hold the per-pointer critical
// section (RunInTx) so the read-latest-then-append pair is atomic.
func (s *Service) appendLinked(ctx context.Context, store Store, ptr *Pointer, op Operation, meta crypto.Metadata, now time.Time) (*Receipt, error) {
	prevHash, err := store.LatestReceiptHash(ctx, ptr.ID)
	if err != nil {
		return nil, err
	}
	return s.appendReceipt(ctx, store, ptr, op, prevHash, meta, now)
}

func (s *Service) appendReceipt(ctx context.Context, store Store, ptr *Pointer, op Operation, prevHash *string, meta crypto.Metadata, now time.Time) (*Receipt, error) {
	signed, err := s.builder.Build(crypto.Document{
		PointerID: ptr.ID,
		Operation: string(op),
		Timestamp: now,
		SubjectID: ptr.SubjectID,
		PrevHash:  prevHash,
		Metadata:  meta,
	})
	if err != nil {
		return nil, err
	}
	receipt := &Receipt{
		ID:          uuid.New(),
		PointerID:   ptr.ID,
		OrgID:       ptr.OrgID,
		Operation:   op,
		ReceiptJSON: signed.ReceiptJSON,
		ReceiptHash: signed.ReceiptHash,
		Signature:   signed.Signature,
		Algorithm:   signed.Algorithm,
		PrevHash:    prevHash,
		Timestamp:   now,
	}
	if err := store.AppendReceipt(ctx, receipt); err != nil {
		return nil, err
	}
	return receipt, nil
}

// translate maps store sentinels and context failures onto domain codes.
// Domain errors pass through untouched.
func (s *Service) translate(err error, entity string) error {
	var de *dErrors.Error
	switch {
	case errors.As(err, &de):
		return err
	case errors.Is(err, sentinel.ErrNotFound):
		return dErrors.Wrap(err, dErrors.CodeNotFound, entity+" not found")
	case errors.Is(err, sentinel.ErrConflict):
		s.metrics.IncChainConflicts()
		return dErrors.Wrap(err, dErrors.CodeConflict, "concurrent update, retry the operation")
	case errors.Is(err, sentinel.ErrInvalidState):
		return dErrors.Wrap(err, dErrors.CodeConflict, "pointer is already orphaned")
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return dErrors.Wrap(err, dErrors.CodeTimeout, "operation timed out")
	case errors.Is(err, sentinel.ErrUnavailable):
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "storage unavailable")
	default:
		return dErrors.Wrap(err, dErrors.CodeInternal, "internal failure")
	}
}
