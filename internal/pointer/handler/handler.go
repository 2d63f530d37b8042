package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"veto/internal/platform/middleware"
	"veto/internal/pointer"
	"veto/internal/transport/http/shared"
	dErrors "veto/pkg/domain-errors"
)

// Service defines the pointer operations the HTTP layer needs.
type Service interface {
	Create(ctx context.Context, params pointer.CreateParams) (*pointer.CreateResult, error)
	Resolve(ctx context.Context, pointerID uuid.UUID) (*pointer.ResolveResult, error)
	Orphan(ctx context.Context, pointerID uuid.UUID, reason *string, actorID string) (*pointer.OrphanResult, error)
	Receipts(ctx context.Context, pointerID uuid.UUID) (*pointer.ChainResult, error)
	AuditTrail(ctx context.Context, subjectID string) (*pointer.Trail, error)
}

// Handler is the thin HTTP layer over the pointer service. It decodes
// requests, delegates, and translates domain errors; business logic stays in
// the service.
type Handler struct {
	service Service
	logger  *slog.Logger
}

func New(service Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// Register mounts the pointer routes on r.
func (h *Handler) Register(r chi.Router) {
	r.Post("/pointers", h.handleCreate)
	r.Get("/pointers/{pointerID}", h.handleResolve)
	r.Post("/pointers/{pointerID}/orphan", h.handleOrphan)
	r.Get("/pointers/{pointerID}/receipts", h.handleReceipts)
	r.Get("/audit/{subjectID}", h.handleAuditTrail)
}

type createRequest struct {
	SubjectID        string `json:"subject_id"`
	ContentHash      string `json:"content_hash"`
	EncryptedPayload string `json:"encrypted_payload,omitempty"`
}

type receiptInfo struct {
	ReceiptHash        string  `json:"receipt_hash"`
	Signature          string  `json:"signature"`
	SignatureAlgorithm string  `json:"signature_algorithm"`
	PrevHash           *string `json:"prev_hash"`
	Timestamp          string  `json:"timestamp"`
}

func toReceiptInfo(r *pointer.Receipt) receiptInfo {
	return receiptInfo{
		ReceiptHash:        r.ReceiptHash,
		Signature:          base64.StdEncoding.EncodeToString(r.Signature),
		SignatureAlgorithm: r.Algorithm,
		PrevHash:           r.PrevHash,
		Timestamp:          r.Timestamp.UTC().Format(time.RFC3339Nano),
	}
}

type createResponse struct {
	PointerID uuid.UUID   `json:"pointer_id"`
	DataID    uuid.UUID   `json:"data_id"`
	Status    string      `json:"status"`
	Receipt   receiptInfo `json:"receipt"`
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		shared.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return
	}

	// Decode before any persistence or chain work begins.
	var payload []byte
	if req.EncryptedPayload != "" {
		decoded, err := base64.StdEncoding.DecodeString(req.EncryptedPayload)
		if err != nil {
			shared.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "encrypted_payload is not valid base64"))
			return
		}
		payload = decoded
	}

	result, err := h.service.Create(ctx, pointer.CreateParams{
		SubjectID:   req.SubjectID,
		ContentHash: req.ContentHash,
		Payload:     payload,
		ActorID:     middleware.GetActorID(ctx),
	})
	if err != nil {
		h.logError(ctx, "create pointer failed", err)
		shared.WriteError(w, err)
		return
	}

	shared.WriteJSON(w, http.StatusCreated, createResponse{
		PointerID: result.Pointer.ID,
		DataID:    result.Data.ID,
		Status:    string(result.Pointer.Status),
		Receipt:   toReceiptInfo(result.Receipt),
	})
}

type resolveResponse struct {
	PointerID   uuid.UUID   `json:"pointer_id"`
	DataID      uuid.UUID   `json:"data_id"`
	SubjectID   string      `json:"subject_id"`
	ContentHash string      `json:"content_hash"`
	Status      string      `json:"status"`
	CreatedAt   string      `json:"created_at"`
	Receipt     receiptInfo `json:"receipt"`
}

func (h *Handler) handleResolve(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	pointerID, err := parsePointerID(r)
	if err != nil {
		shared.WriteError(w, err)
		return
	}

	result, err := h.service.Resolve(ctx, pointerID)
	if err != nil {
		h.logError(ctx, "resolve pointer failed", err)
		shared.WriteError(w, err)
		return
	}

	shared.WriteJSON(w, http.StatusOK, resolveResponse{
		PointerID:   result.Pointer.ID,
		DataID:      result.Data.ID,
		SubjectID:   result.Pointer.SubjectID,
		ContentHash: result.Data.ContentHash,
		Status:      string(result.Pointer.Status),
		CreatedAt:   result.Pointer.CreatedAt.UTC().Format(time.RFC3339Nano),
		Receipt:     toReceiptInfo(result.Receipt),
	})
}

type orphanRequest struct {
	Reason *string `json:"reason,omitempty"`
}

type orphanResponse struct {
	PointerID  uuid.UUID   `json:"pointer_id"`
	Status     string      `json:"status"`
	OrphanedAt string      `json:"orphaned_at"`
	Receipt    receiptInfo `json:"receipt"`
}

func (h *Handler) handleOrphan(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	pointerID, err := parsePointerID(r)
	if err != nil {
		shared.WriteError(w, err)
		return
	}

	var req orphanRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			shared.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
			return
		}
	}

	result, err := h.service.Orphan(ctx, pointerID, req.Reason, middleware.GetActorID(ctx))
	if err != nil {
		h.logError(ctx, "orphan pointer failed", err)
		shared.WriteError(w, err)
		return
	}

	shared.WriteJSON(w, http.StatusOK, orphanResponse{
		PointerID:  result.Pointer.ID,
		Status:     string(result.Pointer.Status),
		OrphanedAt: result.Pointer.OrphanedAt.UTC().Format(time.RFC3339Nano),
		Receipt:    toReceiptInfo(result.Receipt),
	})
}

type receiptSummary struct {
	Operation          string  `json:"operation"`
	ReceiptHash        string  `json:"receipt_hash"`
	Signature          string  `json:"signature"`
	SignatureAlgorithm string  `json:"signature_algorithm"`
	PrevHash           *string `json:"prev_hash"`
	Timestamp          string  `json:"timestamp"`
}

type receiptsResponse struct {
	PointerID uuid.UUID        `json:"pointer_id"`
	Verified  bool             `json:"verified"`
	Receipts  []receiptSummary `json:"receipts"`
}

func (h *Handler) handleReceipts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	pointerID, err := parsePointerID(r)
	if err != nil {
		shared.WriteError(w, err)
		return
	}

	result, err := h.service.Receipts(ctx, pointerID)
	if err != nil {
		h.logError(ctx, "list receipts failed", err)
		shared.WriteError(w, err)
		return
	}

	summaries := make([]receiptSummary, 0, len(result.Receipts))
	for _, rec := range result.Receipts {
		summaries = append(summaries, receiptSummary{
			Operation:          string(rec.Operation),
			ReceiptHash:        rec.ReceiptHash,
			Signature:          base64.StdEncoding.EncodeToString(rec.Signature),
			SignatureAlgorithm: rec.Algorithm,
			PrevHash:           rec.PrevHash,
			Timestamp:          rec.Timestamp.UTC().Format(time.RFC3339Nano),
		})
	}
	shared.WriteJSON(w, http.StatusOK, receiptsResponse{
		PointerID: pointerID,
		Verified:  result.Verified,
		Receipts:  summaries,
	})
}

type auditEventSummary struct {
	EventType string         `json:"event_type"`
	Timestamp string         `json:"timestamp"`
	PointerID *uuid.UUID     `json:"pointer_id,omitempty"`
	EventData map[string]any `json:"event_data"`
}

type auditTrailResponse struct {
	SubjectID        string              `json:"subject_id"`
	TotalPointers    int                 `json:"total_pointers"`
	ActivePointers   int                 `json:"active_pointers"`
	OrphanedPointers int                 `json:"orphaned_pointers"`
	AuditEvents      []auditEventSummary `json:"audit_events"`
}

func (h *Handler) handleAuditTrail(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	subjectID := chi.URLParam(r, "subjectID")

	trail, err := h.service.AuditTrail(ctx, subjectID)
	if err != nil {
		h.logError(ctx, "audit trail failed", err)
		shared.WriteError(w, err)
		return
	}

	events := make([]auditEventSummary, 0, len(trail.Events))
	for _, e := range trail.Events {
		events = append(events, auditEventSummary{
			EventType: e.EventType,
			Timestamp: e.Timestamp.UTC().Format(time.RFC3339Nano),
			PointerID: e.PointerID,
			EventData: e.EventData,
		})
	}
	shared.WriteJSON(w, http.StatusOK, auditTrailResponse{
		SubjectID:        trail.SubjectID,
		TotalPointers:    trail.Total,
		ActivePointers:   trail.Active,
		OrphanedPointers: trail.Orphaned,
		AuditEvents:      events,
	})
}

func parsePointerID(r *http.Request) (uuid.UUID, error) {
	raw := chi.URLParam(r, "pointerID")
	id, err := uuid.Parse(raw)
	if err != nil || id == uuid.Nil {
		return uuid.Nil, dErrors.New(dErrors.CodeBadRequest, "pointer id must be a valid UUID")
	}
	return id, nil
}

// logError keeps 5xx noise out of warn-level logs: expected domain outcomes
// (not found, gate denial, conflict) log at warn, everything else at error.
func (h *Handler) logError(ctx context.Context, msg string, err error) {
	requestID := middleware.GetRequestID(ctx)
	switch dErrors.CodeOf(err) {
	case dErrors.CodeInternal, dErrors.CodeIntegrity, dErrors.CodeUnavailable, dErrors.CodeTimeout:
		h.logger.ErrorContext(ctx, msg, "error", err, "request_id", requestID)
	default:
		h.logger.WarnContext(ctx, msg, "error", err, "request_id", requestID)
	}
}
