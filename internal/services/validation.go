package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/corebank/ledger/internal/models"
	"github.com/go-playground/validator/v10"
)

// ErrorResponse represents error response structure
type ErrorResponse struct {
	Error   string            `json:"error"`             // Error message
	Kind    string            `json:"kind,omitempty"`    // Ledger error kind
	Details map[string]string `json:"details,omitempty"` // Validation details
}

// ValidationHelper provides shared validation functionality
type ValidationHelper struct {
	validator *validator.Validate
}

// NewValidationHelper creates a new validation helper
func NewValidationHelper() *ValidationHelper {
	v := validator.New()
	v.RegisterValidation("account_number", func(fl validator.FieldLevel) bool {
		return models.ValidAccountNumber(fl.Field().String())
	})
	return &ValidationHelper{
		validator: v,
	}
}

// ValidateStruct validates a struct and returns validation errors
func (vh *ValidationHelper) ValidateStruct(s any) error {
	return vh.validator.Struct(s)
}

// SendErrorResponse sends a JSON error response
func SendErrorResponse(w http.ResponseWriter, message string, statusCode int, validationErr error) {
	writeError(w, ErrorResponse{Error: message}, statusCode, validationErr)
}

func writeError(w http.ResponseWriter, resp ErrorResponse, statusCode int, validationErr error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	var verrs validator.ValidationErrors
	if errors.As(validationErr, &verrs) {
		resp.Details = make(map[string]string)
		for _, err := range verrs {
			resp.Details[err.Field()] = fmt.Sprintf("Field Validation Failed on '%s' tag", err.Tag())
		}
	}

	json.NewEncoder(w).Encode(resp)
}

// StatusForKind maps a ledger error kind to its HTTP status.
func StatusForKind(kind models.ErrorKind) int {
	switch kind {
	case models.KindInvalidArgument:
		return http.StatusBadRequest
	case models.KindForbidden:
		return http.StatusForbidden
	case models.KindNotFound, models.KindAccountNotFound:
		return http.StatusNotFound
	case models.KindInvalidState, models.KindAccountUnavailable:
		return http.StatusConflict
	case models.KindInsufficientFunds:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// WriteLedgerError sends err with the status of its kind. Storage failures
// are reported without their cause.
func WriteLedgerError(w http.ResponseWriter, err error) {
	kind := models.KindOf(err)
	message := err.Error()
	var le *models.Error
	if errors.As(err, &le) && le.Message != "" {
		message = le.Message
	}
	if kind == models.KindStorage {
		message = "internal storage error"
	}
	writeError(w, ErrorResponse{Error: message, Kind: string(kind)}, StatusForKind(kind), nil)
}
