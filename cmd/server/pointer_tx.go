package main

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"veto/internal/pointer"
	dErrors "veto/pkg/domain-errors"
	txcontext "veto/pkg/platform/tx"
)

const defaultChainTxTimeout = 5 * time.Second

// pointerPostgresTx implements pointer.ChainTx over a database transaction.
// Per-pointer serialization comes from the row lock taken by
// GetPointerForUpdate inside fn; the unique index on
// governance_receipts(pointer_id, prev_hash) backstops any path that skips
// the lock.
type pointerPostgresTx struct {
	db      *sql.DB
	store   pointer.Store
	timeout time.Duration
}

func newPointerPostgresTx(db *sql.DB, store pointer.Store) *pointerPostgresTx {
	return &pointerPostgresTx{db: db, store: store}
}

func (t *pointerPostgresTx) RunInTx(ctx context.Context, _ uuid.UUID, fn func(ctx context.Context, store pointer.Store) error) error {
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

	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(txcontext.WithTx(ctx, tx), t.store); err != nil {
		return err
	}
	return tx.Commit()
}
