/*
handlers.go - HTTP API handlers for the trip ledger

PURPOSE:
  Exposes the ledger service via REST API. Handles HTTP request/response and
  JSON serialization, and delegates everything else to ledger.Service.

ENDPOINTS:
  Participations:
    GET    /api/participations/{id}                  Participation details
    GET    /api/participations/{id}/balance          Balance (?scope= optional)
    GET    /api/participations/{id}/history          Entries, newest first (?scope=)
    GET    /api/participations/{id}/related          Same person, other trips
    GET    /api/participations/{id}/outstanding      Unpaid trips of the same person
    GET    /api/participations/{id}/quick-amounts    Preset amounts (?scope= required)
    POST   /api/participations/{id}/payments         Register a payment
    POST   /api/participations/{id}/settle           Pay the remaining balance
    PUT    /api/participations/{id}/charges/{scope}  Change an owed charge

  Entries:
    POST   /api/entries/{id}/void                    Void an entry

  Trips:
    GET    /api/trips/{id}/roster                    Current roster
    PUT    /api/trips/{id}/roster                    Replace roster atomically
    GET    /api/trips/{id}/balances                  Cached balances (?outstanding=true)

  Admin:
    POST   /api/admin/reconcile                      Recompute all snapshots
    GET    /api/events                               Audit trail (?type=, ?limit=)

ERROR HANDLING:
  - 400: Validation errors
  - 404: Participation or entry not found
  - 409: Already settled, overpayment, invalid state, concurrent modification
  - 422: Idempotency key reused for a different request
  - 503: Storage unavailable, try again
  Refused payments always include the current balance.

SECURITY NOTE:
  No authentication. Operators are a small trusted set; actor is informational.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/warp/trip-ledger/audit"
	"github.com/warp/trip-ledger/ledger"
	"github.com/warp/trip-ledger/roster"
)

// maxBodyBytes bounds request bodies; rosters are the largest.
const maxBodyBytes = 1 << 20

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Service    *ledger.Service
	Store      ledger.TxStore
	Intake     *roster.Intake
	Reconciler *ledger.Reconciler
	Events     audit.EventLogger
	Currency   string

	logger *slog.Logger

	// Track currently loaded scenario
	mu              sync.Mutex
	currentScenario string
}

type Deps struct {
	Service    *ledger.Service
	Store      ledger.TxStore
	Intake     *roster.Intake
	Reconciler *ledger.Reconciler
	Events     audit.EventLogger
	Currency   string
	Logger     *slog.Logger
}

func NewHandler(d Deps) *Handler {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	currency := d.Currency
	if currency == "" {
		currency = ledger.DefaultCurrency
	}
	return &Handler{
		Service:    d.Service,
		Store:      d.Store,
		Intake:     d.Intake,
		Reconciler: d.Reconciler,
		Events:     d.Events,
		Currency:   currency,
		logger:     logger.With("component", "api"),
	}
}

// =============================================================================
// PARTICIPATION ENDPOINTS
// =============================================================================

func (h *Handler) GetParticipation(w http.ResponseWriter, r *http.Request) {
	p, err := h.Service.GetParticipation(r.Context(), participationID(r))
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toParticipationDTO(p))
}

func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	scope, err := ledger.ParseOptionalScope(r.URL.Query().Get("scope"))
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}
	view, err := h.Service.GetBalance(r.Context(), participationID(r), scope)
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toBalanceDTO(view))
}

func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	scope, err := ledger.ParseOptionalScope(r.URL.Query().Get("scope"))
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}
	entries, err := h.Service.GetHistory(r.Context(), participationID(r), scope)
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toEntryDTOs(entries))
}

func (h *Handler) GetRelated(w http.ResponseWriter, r *http.Request) {
	related, err := h.Service.GetRelatedParticipations(r.Context(), participationID(r))
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toParticipationDTOs(related))
}

func (h *Handler) GetOutstanding(w http.ResponseWriter, r *http.Request) {
	out, err := h.Service.OutstandingForPerson(r.Context(), participationID(r))
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toOutstandingDTO(out))
}

func (h *Handler) GetQuickAmounts(w http.ResponseWriter, r *http.Request) {
	scope, err := ledger.ParseScope(r.URL.Query().Get("scope"))
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}
	amounts, err := h.Service.QuickAmounts(r.Context(), participationID(r), scope)
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toQuickAmountDTOs(amounts))
}

// RegisterPayment records a payment. The idempotency key comes from the body
// or, when the body has none, the Idempotency-Key header.
func (h *Handler) RegisterPayment(w http.ResponseWriter, r *http.Request) {
	var req PaymentRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	scope, err := ledger.ParseScope(req.Scope)
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}
	pid := participationID(r)
	view, err := h.Service.RegisterPayment(r.Context(), ledger.PaymentRequest{
		ParticipationID: pid,
		Scope:           scope,
		Amount:          ledger.Amount{Value: req.Amount},
		Method:          req.Method,
		Description:     req.Description,
		IdempotencyKey:  firstNonEmpty(req.IdempotencyKey, r.Header.Get("Idempotency-Key")),
		Actor:           actor(r, req.Actor),
	})
	if err != nil {
		h.writeSettlementError(w, r.Context(), err, pid, scope)
		return
	}
	writeJSON(w, http.StatusCreated, toBalanceDTO(view))
}

func (h *Handler) SettleFully(w http.ResponseWriter, r *http.Request) {
	var req SettleRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	scope, err := ledger.ParseScope(req.Scope)
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}
	pid := participationID(r)
	view, err := h.Service.SettleFully(r.Context(), ledger.SettleRequest{
		ParticipationID: pid,
		Scope:           scope,
		Method:          req.Method,
		Description:     req.Description,
		IdempotencyKey:  firstNonEmpty(req.IdempotencyKey, r.Header.Get("Idempotency-Key")),
		Actor:           actor(r, req.Actor),
	})
	if err != nil {
		h.writeSettlementError(w, r.Context(), err, pid, scope)
		return
	}
	writeJSON(w, http.StatusCreated, toBalanceDTO(view))
}

func (h *Handler) SetCharge(w http.ResponseWriter, r *http.Request) {
	scope, err := ledger.ParseScope(chi.URLParam(r, "scope"))
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}
	var req ChargeRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	view, err := h.Service.SetChargeAmount(r.Context(), participationID(r), scope,
		ledger.Amount{Value: req.Amount}, actor(r, req.Actor))
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toBalanceDTO(view))
}

// =============================================================================
// ENTRY ENDPOINTS
// =============================================================================

func (h *Handler) VoidEntry(w http.ResponseWriter, r *http.Request) {
	var req VoidRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	e, err := h.Service.VoidEntry(r.Context(), ledger.EntryID(chi.URLParam(r, "id")), req.Reason, actor(r, req.Actor))
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toEntryDTO(e))
}

// =============================================================================
// TRIP ENDPOINTS
// =============================================================================

func (h *Handler) GetRoster(w http.ResponseWriter, r *http.Request) {
	trip := ledger.TripID(chi.URLParam(r, "id"))
	ps, err := h.Store.ListParticipations(r.Context(), ledger.ParticipationFilter{TripID: trip})
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}
	if len(ps) == 0 {
		h.writeLedgerError(w, &ledger.NotFoundError{Resource: "trip", ID: string(trip)})
		return
	}
	writeJSON(w, http.StatusOK, roster.ToJSON(trip, ps))
}

func (h *Handler) PutRoster(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	ros, err := roster.Parse(body, h.Currency)
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}
	if trip := chi.URLParam(r, "id"); string(ros.TripID) != trip {
		writeError(w, http.StatusBadRequest, "Trip mismatch",
			errors.New("trip_id in body does not match the URL"))
		return
	}
	diff, err := h.Intake.Apply(r.Context(), ros, actor(r, ""))
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRosterDiffDTO(diff))
}

func (h *Handler) GetTripBalances(w http.ResponseWriter, r *http.Request) {
	onlyOutstanding, _ := strconv.ParseBool(r.URL.Query().Get("outstanding"))
	snaps, err := h.Service.TripBalances(r.Context(), ledger.TripID(chi.URLParam(r, "id")), onlyOutstanding)
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSnapshotDTOs(snaps))
}

// =============================================================================
// ADMIN ENDPOINTS
// =============================================================================

func (h *Handler) TriggerReconcile(w http.ResponseWriter, r *http.Request) {
	report, err := h.Reconciler.Run(r.Context(), ledger.TripID(r.URL.Query().Get("trip")))
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toReconcileDTO(report))
}

func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	var (
		events []audit.Event
		err    error
	)
	if typ := r.URL.Query().Get("type"); typ != "" {
		events, err = h.Events.GetByType(r.Context(), typ)
	} else {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		events, err = h.Events.Recent(r.Context(), limit)
	}
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, eventsOrEmpty(events))
}

// =============================================================================
// HELPERS
// =============================================================================

func participationID(r *http.Request) ledger.ParticipationID {
	return ledger.ParticipationID(chi.URLParam(r, "id"))
}

// actor prefers the body field, then the X-Operator header.
func actor(r *http.Request, fromBody string) string {
	return firstNonEmpty(fromBody, r.Header.Get("X-Operator"))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// statusFor maps the ledger error taxonomy onto HTTP.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, ledger.ErrValidation):
		return http.StatusBadRequest, "Invalid request"
	case errors.Is(err, ledger.ErrNotFound):
		return http.StatusNotFound, "Not found"
	case errors.Is(err, ledger.ErrAlreadySettled):
		return http.StatusConflict, "Already settled"
	case errors.Is(err, ledger.ErrOverpayment):
		return http.StatusConflict, "Payment exceeds balance"
	case errors.Is(err, ledger.ErrIdempotencyMismatch):
		return http.StatusUnprocessableEntity, "Idempotency key reused"
	case errors.Is(err, ledger.ErrInvalidState):
		return http.StatusConflict, "Invalid state"
	case errors.Is(err, ledger.ErrConcurrencyConflict):
		return http.StatusConflict, "Concurrent modification, try again"
	case errors.Is(err, ledger.ErrStorage),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "Temporarily unavailable, try again"
	}
	return http.StatusInternalServerError, "Internal error"
}

func (h *Handler) writeLedgerError(w http.ResponseWriter, err error) {
	status, message := statusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("unhandled error", "error", err)
	}
	resp := ErrorResponse{Error: message, Details: err.Error()}
	if v, ok := ledger.ViewOf(err); ok {
		b := toBalanceDTO(v)
		resp.Balance = &b
	}
	writeJSON(w, status, resp)
}

// writeSettlementError attaches the current balance to every refused payment.
func (h *Handler) writeSettlementError(w http.ResponseWriter, ctx context.Context, err error, pid ledger.ParticipationID, scope ledger.Scope) {
	status, message := statusFor(err)
	resp := ErrorResponse{Error: message, Details: err.Error()}
	if v, ok := ledger.ViewOf(err); ok {
		b := toBalanceDTO(v)
		resp.Balance = &b
	} else if !errors.Is(err, ledger.ErrValidation) && !errors.Is(err, ledger.ErrNotFound) && ctx.Err() == nil {
		if v, berr := h.Service.GetBalance(ctx, pid, &scope); berr == nil {
			b := toBalanceDTO(v)
			resp.Balance = &b
		}
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("unhandled settlement error", "participation_id", pid, "error", err)
	}
	writeJSON(w, status, resp)
}
