package services

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/corebank/ledger/internal/models"
	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
)

type adjustmentForm struct {
	Account string `validate:"required,account_number"`
	Amount  string `validate:"required,numeric"`
	Note    string `validate:"max=10"`
}

func TestValidationHelper_ValidateStruct(t *testing.T) {
	vh := NewValidationHelper()

	t.Run("valid struct", func(t *testing.T) {
		err := vh.ValidateStruct(&adjustmentForm{Account: "1001", Amount: "12.50"})
		assert.NoError(t, err)
	})

	t.Run("invalid struct - every field", func(t *testing.T) {
		err := vh.ValidateStruct(&adjustmentForm{Account: "12", Note: "far too long a note"})
		assert.Error(t, err)

		validationErrors, ok := err.(validator.ValidationErrors)
		assert.True(t, ok)
		assert.Len(t, validationErrors, 3)
	})

	t.Run("account number format", func(t *testing.T) {
		err := vh.ValidateStruct(&adjustmentForm{Account: "ABCD", Amount: "1"})

		validationErrors, ok := err.(validator.ValidationErrors)
		assert.True(t, ok)
		assert.Len(t, validationErrors, 1)
		assert.Equal(t, "Account", validationErrors[0].Field())
		assert.Equal(t, "account_number", validationErrors[0].Tag())
	})
}

func TestSendErrorResponse(t *testing.T) {
	t.Run("error response without validation errors", func(t *testing.T) {
		w := httptest.NewRecorder()

		SendErrorResponse(w, "Something went wrong", http.StatusInternalServerError, nil)

		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

		var response ErrorResponse
		err := json.Unmarshal(w.Body.Bytes(), &response)
		assert.NoError(t, err)
		assert.Equal(t, "Something went wrong", response.Error)
		assert.Nil(t, response.Details)
	})

	t.Run("error response with validation errors", func(t *testing.T) {
		validationErr := NewValidationHelper().ValidateStruct(&adjustmentForm{Account: "1"})
		assert.Error(t, validationErr)

		w := httptest.NewRecorder()
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, validationErr)

		assert.Equal(t, http.StatusBadRequest, w.Code)

		var response ErrorResponse
		err := json.Unmarshal(w.Body.Bytes(), &response)
		assert.NoError(t, err)
		assert.Equal(t, "Validation failed", response.Error)
		assert.Contains(t, response.Details, "Account")
		assert.Contains(t, response.Details, "Amount")
	})

	t.Run("non validation error adds no details", func(t *testing.T) {
		w := httptest.NewRecorder()
		SendErrorResponse(w, "Invalid request", http.StatusBadRequest, errors.New("eof"))

		var response ErrorResponse
		assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
		assert.Nil(t, response.Details)
	})
}

func TestWriteLedgerError(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		status  int
		kind    string
		message string
	}{
		{"invalid argument", models.NewError(models.KindInvalidArgument, "amount must be greater than zero"), http.StatusBadRequest, "InvalidArgument", "amount must be greater than zero"},
		{"forbidden", models.NewError(models.KindForbidden, "administrator only"), http.StatusForbidden, "Forbidden", "administrator only"},
		{"not found", models.NewError(models.KindNotFound, "transaction 9 not found"), http.StatusNotFound, "NotFound", "transaction 9 not found"},
		{"account not found", models.NewError(models.KindAccountNotFound, "account 1 not found"), http.StatusNotFound, "AccountNotFound", "account 1 not found"},
		{"invalid state", models.NewError(models.KindInvalidState, "already Voided"), http.StatusConflict, "InvalidState", "already Voided"},
		{"account unavailable", models.NewError(models.KindAccountUnavailable, "locked"), http.StatusConflict, "AccountUnavailable", "locked"},
		{"insufficient funds", models.NewError(models.KindInsufficientFunds, "short"), http.StatusUnprocessableEntity, "InsufficientFunds", "short"},
		{"storage hides cause", models.StorageError("commit", errors.New("dial tcp 10.0.0.1")), http.StatusInternalServerError, "StorageError", "internal storage error"},
		{"foreign error", errors.New("boom"), http.StatusInternalServerError, "StorageError", "internal storage error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			WriteLedgerError(w, tt.err)

			assert.Equal(t, tt.status, w.Code)
			var response ErrorResponse
			assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
			assert.Equal(t, tt.kind, response.Kind)
			assert.Equal(t, tt.message, response.Error)
		})
	}
}
