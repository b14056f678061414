package handlers

import (
	"bytes"
	"errors"
	"net/http"
	"strings"

	"github.com/corebank/ledger/internal/models"
	"github.com/corebank/ledger/internal/services"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	IdempotencyKeyHeader = "Idempotency-Key"
	maxIdempotencyKey    = 128

	contentTypeCSV  = "text/csv; charset=utf-8"
	contentTypeXLSX = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

type TransactionHandler struct {
	ledger    *services.LedgerService
	history   *services.HistoryService
	receipts  *services.ReceiptService
	iso       *services.ISO20022Service
	validator *services.ValidationHelper
	logger    *zap.Logger
}

func NewTransactionHandler(
	ledger *services.LedgerService,
	history *services.HistoryService,
	receipts *services.ReceiptService,
	iso *services.ISO20022Service,
	logger *zap.Logger,
) *TransactionHandler {
	return &TransactionHandler{
		ledger:    ledger,
		history:   history,
		receipts:  receipts,
		iso:       iso,
		validator: services.NewValidationHelper(),
		logger:    logger.Named("transactions"),
	}
}

type CreateTransactionRequest struct {
	Type          string          `json:"type" validate:"required,oneof=deposit withdraw transfer"`
	AccountNumber string          `json:"account_number" validate:"required,account_number"`
	TargetAccount string          `json:"target_account,omitempty" validate:"omitempty,account_number"`
	Amount        decimal.Decimal `json:"amount" swaggertype:"string" example:"125.50"`
	Fee           decimal.Decimal `json:"fee,omitempty" swaggertype:"string" example:"0.00"`
	Note          *string         `json:"note,omitempty"`
}

// PatchTransactionRequest either edits the note or drives a transition.
type PatchTransactionRequest struct {
	Note   *string `json:"note,omitempty"`
	Action string  `json:"action,omitempty" validate:"omitempty,oneof=complete void"`
	Reason string  `json:"reason,omitempty" validate:"max=500"`
}

type VoidRequest struct {
	Reason string `json:"reason,omitempty" validate:"max=500"`
}

// CreateTransaction records a Pending transaction
// @Summary Create transaction
// @Description Record a Pending deposit, withdrawal or transfer. Balances move on completion only.
// @Tags Transactions
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param Idempotency-Key header string false "Replay key, unique per creator"
// @Param request body CreateTransactionRequest true "Transaction"
// @Success 201 {object} models.Transaction
// @Success 200 {object} models.Transaction "Replay of an earlier request"
// @Failure 400 {object} services.ErrorResponse
// @Failure 401 {object} services.ErrorResponse
// @Failure 403 {object} services.ErrorResponse
// @Failure 404 {object} services.ErrorResponse
// @Router /transactions [post]
func (h *TransactionHandler) CreateTransaction(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerOf(w, r)
	if !ok {
		return
	}

	var req CreateTransactionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		services.SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	key := strings.TrimSpace(r.Header.Get(IdempotencyKeyHeader))
	if len(key) > maxIdempotencyKey {
		services.SendErrorResponse(w, "Idempotency-Key is too long", http.StatusBadRequest, nil)
		return
	}

	tx, replayed, err := h.ledger.CreateOrReplay(r.Context(), services.CreateRequest{
		Type:           models.TransactionType(req.Type),
		Source:         req.AccountNumber,
		Target:         req.TargetAccount,
		Amount:         req.Amount,
		Fee:            req.Fee,
		Note:           req.Note,
		IdempotencyKey: key,
	}, caller)
	if err != nil {
		fail(h.logger, w, r, err)
		return
	}

	status := http.StatusCreated
	if replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, tx)
}

// ListTransactions returns history, an export or a monthly statement
// @Summary List transactions
// @Description Filtered, cursor-paginated history. format=csv|xlsx exports up to the export limit; format=statement returns the monthly statement.
// @Tags Transactions
// @Produce json
// @Produce text/csv
// @Security BearerAuth
// @Param account query string false "Account number (defaults to the caller's)"
// @Param from query string false "RFC 3339 or YYYY-MM-DD"
// @Param to query string false "RFC 3339 or YYYY-MM-DD"
// @Param month query string false "YYYY-MM"
// @Param type query string false "deposit|withdraw|transfer"
// @Param status query string false "Pending|Completed|Voided"
// @Param direction query string false "in|out"
// @Param min_amount query string false "Minimum amount"
// @Param max_amount query string false "Maximum amount"
// @Param q query string false "Note search"
// @Param limit query int false "Page size"
// @Param cursor query string false "next_cursor of the previous page"
// @Param format query string false "json|csv|xlsx|statement"
// @Success 200 {object} services.HistoryPage
// @Failure 400 {object} services.ErrorResponse
// @Failure 403 {object} services.ErrorResponse
// @Router /transactions [get]
func (h *TransactionHandler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerOf(w, r)
	if !ok {
		return
	}

	q, err := historyQuery(r)
	if err != nil {
		fail(h.logger, w, r, err)
		return
	}

	switch format := r.URL.Query().Get("format"); format {
	case "", "json":
		page, err := h.history.History(r.Context(), q, caller)
		if err != nil {
			fail(h.logger, w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, page)

	case "csv", "xlsx":
		var buf bytes.Buffer
		contentType := contentTypeCSV
		if format == "csv" {
			err = h.history.ExportCSV(r.Context(), &buf, q, caller)
		} else {
			contentType = contentTypeXLSX
			err = h.history.ExportXLSX(r.Context(), &buf, q, caller)
		}
		if err != nil {
			fail(h.logger, w, r, err)
			return
		}
		w.Header().Set("Content-Type", contentType)
		w.Header().Set("Content-Disposition", `attachment; filename="transactions.`+format+`"`)
		w.WriteHeader(http.StatusOK)
		w.Write(buf.Bytes())

	case "statement":
		st, err := h.history.Statement(r.Context(), q.Account, q.Month, caller)
		if err != nil {
			fail(h.logger, w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, st)

	default:
		fail(h.logger, w, r, models.NewError(models.KindInvalidArgument, "format must be json, csv, xlsx or statement"))
	}
}

// GetTransaction returns one record
// @Summary Get transaction
// @Tags Transactions
// @Produce json
// @Security BearerAuth
// @Param id path int true "Transaction ID"
// @Success 200 {object} models.Transaction
// @Failure 403 {object} services.ErrorResponse
// @Failure 404 {object} services.ErrorResponse
// @Router /transactions/{id} [get]
func (h *TransactionHandler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerOf(w, r)
	if !ok {
		return
	}
	id, err := transactionID(r)
	if err != nil {
		fail(h.logger, w, r, err)
		return
	}

	tx, err := h.ledger.Get(r.Context(), id, caller)
	if err != nil {
		fail(h.logger, w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

// PatchTransaction edits the note of a Pending record or completes/voids it
// @Summary Update transaction
// @Description Send either {"note"} or {"action":"complete"|"void","reason"}.
// @Tags Transactions
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path int true "Transaction ID"
// @Param request body PatchTransactionRequest true "Note or action"
// @Success 200 {object} models.Transaction
// @Failure 400 {object} services.ErrorResponse
// @Failure 403 {object} services.ErrorResponse
// @Failure 409 {object} services.ErrorResponse
// @Failure 422 {object} services.ErrorResponse
// @Router /transactions/{id} [patch]
func (h *TransactionHandler) PatchTransaction(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerOf(w, r)
	if !ok {
		return
	}
	id, err := transactionID(r)
	if err != nil {
		fail(h.logger, w, r, err)
		return
	}

	var req PatchTransactionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		services.SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}
	if (req.Note == nil) == (req.Action == "") {
		services.SendErrorResponse(w, "Send either note or action", http.StatusBadRequest, nil)
		return
	}

	var tx *models.Transaction
	switch {
	case req.Note != nil:
		tx, err = h.ledger.UpdateNote(r.Context(), id, *req.Note, caller)
	case req.Action == "complete":
		tx, err = h.ledger.Complete(r.Context(), id, caller)
	default:
		tx, err = h.ledger.Void(r.Context(), id, req.Reason, caller)
	}
	if err != nil {
		fail(h.logger, w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

// CompleteTransaction applies a Pending record to the balances
// @Summary Complete transaction
// @Tags Transactions
// @Produce json
// @Security BearerAuth
// @Param id path int true "Transaction ID"
// @Success 200 {object} models.Transaction
// @Failure 403 {object} services.ErrorResponse
// @Failure 409 {object} services.ErrorResponse
// @Failure 422 {object} services.ErrorResponse
// @Router /transactions/{id}/complete [post]
func (h *TransactionHandler) CompleteTransaction(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerOf(w, r)
	if !ok {
		return
	}
	id, err := transactionID(r)
	if err != nil {
		fail(h.logger, w, r, err)
		return
	}

	tx, err := h.ledger.Complete(r.Context(), id, caller)
	if err != nil {
		fail(h.logger, w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

// VoidTransaction cancels a Pending record or reverses a Completed one
// @Summary Void transaction
// @Tags Transactions
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path int true "Transaction ID"
// @Param request body VoidRequest false "Reason"
// @Success 200 {object} models.Transaction
// @Failure 403 {object} services.ErrorResponse
// @Failure 409 {object} services.ErrorResponse
// @Failure 422 {object} services.ErrorResponse
// @Router /transactions/{id}/void [post]
func (h *TransactionHandler) VoidTransaction(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerOf(w, r)
	if !ok {
		return
	}
	id, err := transactionID(r)
	if err != nil {
		fail(h.logger, w, r, err)
		return
	}

	var req VoidRequest
	if err := decodeJSON(w, r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		services.SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	tx, err := h.ledger.Void(r.Context(), id, req.Reason, caller)
	if err != nil {
		fail(h.logger, w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

// GetAuditTrail lists the audit entries of a record
// @Summary Transaction audit trail
// @Tags Transactions
// @Produce json
// @Security BearerAuth
// @Param id path int true "Transaction ID"
// @Success 200 {array} models.AuditEntry
// @Failure 403 {object} services.ErrorResponse
// @Failure 404 {object} services.ErrorResponse
// @Router /transactions/{id}/audit [get]
func (h *TransactionHandler) GetAuditTrail(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerOf(w, r)
	if !ok {
		return
	}
	id, err := transactionID(r)
	if err != nil {
		fail(h.logger, w, r, err)
		return
	}

	entries, err := h.ledger.AuditTrail(r.Context(), id, caller)
	if err != nil {
		fail(h.logger, w, r, err)
		return
	}
	if entries == nil {
		entries = []models.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// GetReceipt returns the receipt with its QR code
// @Summary Transaction receipt
// @Tags Transactions
// @Produce json
// @Security BearerAuth
// @Param id path int true "Transaction ID"
// @Success 200 {object} services.Receipt
// @Failure 403 {object} services.ErrorResponse
// @Failure 404 {object} services.ErrorResponse
// @Router /transactions/{id}/receipt [get]
func (h *TransactionHandler) GetReceipt(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerOf(w, r)
	if !ok {
		return
	}
	id, err := transactionID(r)
	if err != nil {
		fail(h.logger, w, r, err)
		return
	}

	receipt, err := h.receipts.Receipt(r.Context(), id, caller)
	if err != nil {
		fail(h.logger, w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

// GetISO20022 renders a record as an ISO 20022 message
// @Summary ISO 20022 message
// @Tags Transactions
// @Produce xml
// @Security BearerAuth
// @Param id path int true "Transaction ID"
// @Param message query string false "pacs.008.001.08 (default) or pacs.002.001.08"
// @Success 200 {string} string "XML document"
// @Failure 400 {object} services.ErrorResponse
// @Failure 409 {object} services.ErrorResponse
// @Router /transactions/{id}/iso20022 [get]
func (h *TransactionHandler) GetISO20022(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerOf(w, r)
	if !ok {
		return
	}
	id, err := transactionID(r)
	if err != nil {
		fail(h.logger, w, r, err)
		return
	}

	doc, err := h.iso.Render(r.Context(), id, r.URL.Query().Get("message"), caller)
	if err != nil {
		fail(h.logger, w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(doc))
}
