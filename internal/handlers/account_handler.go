package handlers

import (
	"net/http"
	"strconv"

	"github.com/corebank/ledger/internal/models"
	"github.com/corebank/ledger/internal/services"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type AccountHandler struct {
	ledger    *services.LedgerService
	validator *services.ValidationHelper
	logger    *zap.Logger
}

func NewAccountHandler(ledger *services.LedgerService, logger *zap.Logger) *AccountHandler {
	return &AccountHandler{
		ledger:    ledger,
		validator: services.NewValidationHelper(),
		logger:    logger.Named("accounts"),
	}
}

// AdjustmentRequest carries a signed balance correction.
type AdjustmentRequest struct {
	Amount decimal.Decimal `json:"amount" swaggertype:"string" example:"-12.00"`
	Note   string          `json:"note" validate:"required,max=500"`
}

// ListAccounts returns the account directory
// @Summary List accounts
// @Description Administrator only. Archived accounts are hidden unless include_archived=true.
// @Tags Accounts
// @Produce json
// @Security BearerAuth
// @Param q query string false "Matches account number or name"
// @Param include_archived query bool false "Include archived accounts"
// @Success 200 {array} models.Account
// @Failure 403 {object} services.ErrorResponse
// @Router /accounts [get]
func (h *AccountHandler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerOf(w, r)
	if !ok {
		return
	}

	filter := models.AccountFilter{Query: r.URL.Query().Get("q")}
	if raw := r.URL.Query().Get("include_archived"); raw != "" {
		include, err := strconv.ParseBool(raw)
		if err != nil {
			fail(h.logger, w, r, models.NewError(models.KindInvalidArgument, "include_archived must be a boolean"))
			return
		}
		filter.IncludeArchived = include
	}

	accounts, err := h.ledger.ListAccounts(r.Context(), filter, caller)
	if err != nil {
		fail(h.logger, w, r, err)
		return
	}
	if accounts == nil {
		accounts = []models.Account{}
	}
	writeJSON(w, http.StatusOK, accounts)
}

// AdjustBalance books a completed correction on one account
// @Summary Adjust balance
// @Description Administrator only. A positive amount credits, a negative amount debits. The adjustment is a regular ledger record and can be voided.
// @Tags Accounts
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param number path string true "Account number"
// @Param request body AdjustmentRequest true "Adjustment"
// @Success 201 {object} models.Transaction
// @Failure 400 {object} services.ErrorResponse
// @Failure 403 {object} services.ErrorResponse
// @Failure 404 {object} services.ErrorResponse
// @Failure 422 {object} services.ErrorResponse
// @Router /accounts/{number}/adjustments [post]
func (h *AccountHandler) AdjustBalance(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerOf(w, r)
	if !ok {
		return
	}

	var req AdjustmentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		services.SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	tx, err := h.ledger.Adjust(r.Context(), chi.URLParam(r, "number"), req.Amount, req.Note, caller)
	if err != nil {
		fail(h.logger, w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, tx)
}
