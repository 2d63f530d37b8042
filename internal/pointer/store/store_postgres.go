package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"veto/internal/pointer"
	"veto/pkg/platform/sentinel"
	txcontext "veto/pkg/platform/tx"
)

// PostgresStore persists pointers, stored data, and receipt chains in
// PostgreSQL. All methods join a transaction carried in ctx when present, so
// chain appends, lifecycle updates, and audit writes commit as one unit.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

type dbConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *PostgresStore) conn(ctx context.Context) dbConn {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

func (s *PostgresStore) EnsureOrganization(ctx context.Context, org *pointer.Organization) error {
	query := `
		INSERT INTO organizations (org_id, name, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (org_id) DO NOTHING
	`
	if _, err := s.conn(ctx).ExecContext(ctx, query, org.ID, org.Name, org.CreatedAt); err != nil {
		return fmt.Errorf("ensure organization: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateData(ctx context.Context, data *pointer.StoredData) error {
	query := `
		INSERT INTO data_store (data_id, org_id, subject_id, content_hash, encrypted_payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := s.conn(ctx).ExecContext(ctx, query,
		data.ID, data.OrgID, data.SubjectID, data.ContentHash, data.EncryptedPayload, data.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert data store row: %w", mapPQError(err))
	}
	return nil
}

func (s *PostgresStore) GetData(ctx context.Context, id uuid.UUID) (*pointer.StoredData, error) {
	query := `
		SELECT data_id, org_id, subject_id, content_hash, encrypted_payload, created_at
		FROM data_store
		WHERE data_id = $1
	`
	var data pointer.StoredData
	err := s.conn(ctx).QueryRowContext(ctx, query, id).Scan(
		&data.ID, &data.OrgID, &data.SubjectID, &data.ContentHash, &data.EncryptedPayload, &data.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get data store row: %w", err)
	}
	return &data, nil
}

func (s *PostgresStore) CreatePointer(ctx context.Context, p *pointer.Pointer) error {
	query := `
		INSERT INTO pointers (pointer_id, org_id, data_id, subject_id, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := s.conn(ctx).ExecContext(ctx, query,
		p.ID, p.OrgID, p.DataID, p.SubjectID, string(p.Status), p.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert pointer: %w", mapPQError(err))
	}
	return nil
}

func (s *PostgresStore) GetPointer(ctx context.Context, id uuid.UUID) (*pointer.Pointer, error) {
	return s.getPointer(ctx, id, false)
}

// GetPointerForUpdate locks the pointer row until the surrounding transaction
// ends, serializing concurrent chain appends for this pointer.
func (s *PostgresStore) GetPointerForUpdate(ctx context.Context, id uuid.UUID) (*pointer.Pointer, error) {
	return s.getPointer(ctx, id, true)
}

func (s *PostgresStore) getPointer(ctx context.Context, id uuid.UUID, forUpdate bool) (*pointer.Pointer, error) {
	query := `
		SELECT pointer_id, org_id, data_id, subject_id, status, created_at, orphaned_at, orphan_reason
		FROM pointers
		WHERE pointer_id = $1
	`
	if forUpdate {
		query += " FOR UPDATE"
	}
	var (
		p          pointer.Pointer
		status     string
		orphanedAt sql.NullTime
		reason     sql.NullString
	)
	err := s.conn(ctx).QueryRowContext(ctx, query, id).Scan(
		&p.ID, &p.OrgID, &p.DataID, &p.SubjectID, &status, &p.CreatedAt, &orphanedAt, &reason,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get pointer: %w", err)
	}
	p.Status = pointer.Status(status)
	if orphanedAt.Valid {
		p.OrphanedAt = &orphanedAt.Time
	}
	if reason.Valid {
		p.OrphanReason = &reason.String
	}
	return &p, nil
}

func (s *PostgresStore) MarkOrphaned(ctx context.Context, p *pointer.Pointer) error {
	// Status guard in the WHERE clause keeps the transition one-way even if a
	// caller skips the row lock.
	query := `
		UPDATE pointers
		SET status = $2, orphaned_at = $3, orphan_reason = $4
		WHERE pointer_id = $1 AND status = $5
	`
	res, err := s.conn(ctx).ExecContext(ctx, query,
		p.ID, string(pointer.StatusOrphaned), p.OrphanedAt, orphanReason(p), string(pointer.StatusActive),
	)
	if err != nil {
		return fmt.Errorf("mark pointer orphaned: %w", mapPQError(err))
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark pointer orphaned: %w", err)
	}
	if affected == 0 {
		return sentinel.ErrInvalidState
	}
	return nil
}

func orphanReason(p *pointer.Pointer) any {
	if p.OrphanReason == nil {
		return nil
	}
	return *p.OrphanReason
}

func (s *PostgresStore) ListBySubject(ctx context.Context, subjectID string) ([]*pointer.Pointer, error) {
	query := `
		SELECT pointer_id, org_id, data_id, subject_id, status, created_at, orphaned_at, orphan_reason
		FROM pointers
		WHERE subject_id = $1
		ORDER BY created_at ASC
	`
	rows, err := s.conn(ctx).QueryContext(ctx, query, subjectID)
	if err != nil {
		return nil, fmt.Errorf("list pointers by subject: %w", err)
	}
	defer rows.Close()

	var out []*pointer.Pointer
	for rows.Next() {
		var (
			p          pointer.Pointer
			status     string
			orphanedAt sql.NullTime
			reason     sql.NullString
		)
		if err := rows.Scan(&p.ID, &p.OrgID, &p.DataID, &p.SubjectID, &status, &p.CreatedAt, &orphanedAt, &reason); err != nil {
			return nil, fmt.Errorf("scan pointer: %w", err)
		}
		p.Status = pointer.Status(status)
		if orphanedAt.Valid {
			p.OrphanedAt = &orphanedAt.Time
		}
		if reason.Valid {
			p.OrphanReason = &reason.String
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) AppendReceipt(ctx context.Context, r *pointer.Receipt) error {
	query := `
		INSERT INTO governance_receipts (receipt_id, pointer_id, org_id, operation, receipt_json, receipt_hash, signature, signature_algorithm, prev_hash, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	var prevHash any
	if r.PrevHash != nil {
		prevHash = *r.PrevHash
	}
	_, err := s.conn(ctx).ExecContext(ctx, query,
		r.ID, r.PointerID, r.OrgID, string(r.Operation), r.ReceiptJSON, r.ReceiptHash, r.Signature, r.Algorithm, prevHash, r.Timestamp,
	)
	if err != nil {
		// The unique index on (pointer_id, prev_hash) turns a lost
		// read-latest/append race into a conflict instead of a forked chain.
		return fmt.Errorf("append receipt: %w", mapPQError(err))
	}
	return nil
}

func (s *PostgresStore) LatestReceiptHash(ctx context.Context, pointerID uuid.UUID) (*string, error) {
	query := `
		SELECT receipt_hash
		FROM governance_receipts
		WHERE pointer_id = $1
		ORDER BY timestamp DESC, receipt_id DESC
		LIMIT 1
	`
	var hash string
	err := s.conn(ctx).QueryRowContext(ctx, query, pointerID).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest receipt hash: %w", err)
	}
	return &hash, nil
}

func (s *PostgresStore) ListReceipts(ctx context.Context, pointerID uuid.UUID) ([]*pointer.Receipt, error) {
	query := `
		SELECT receipt_id, pointer_id, org_id, operation, receipt_json, receipt_hash, signature, signature_algorithm, prev_hash, timestamp
		FROM governance_receipts
		WHERE pointer_id = $1
		ORDER BY timestamp ASC, receipt_id ASC
	`
	rows, err := s.conn(ctx).QueryContext(ctx, query, pointerID)
	if err != nil {
		return nil, fmt.Errorf("list receipts: %w", err)
	}
	defer rows.Close()

	var out []*pointer.Receipt
	for rows.Next() {
		var (
			r         pointer.Receipt
			operation string
			prevHash  sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.PointerID, &r.OrgID, &operation, &r.ReceiptJSON, &r.ReceiptHash, &r.Signature, &r.Algorithm, &prevHash, &r.Timestamp); err != nil {
			return nil, fmt.Errorf("scan receipt: %w", err)
		}
		r.Operation = pointer.Operation(operation)
		if prevHash.Valid {
			r.PrevHash = &prevHash.String
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// mapPQError translates driver errors into store sentinels. Unique violations
// and serialization failures both mean a concurrent writer won; the caller
// may retry.
func mapPQError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23505", "40001":
			return sentinel.ErrConflict
		}
	}
	return err
}
