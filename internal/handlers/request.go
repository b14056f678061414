package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/corebank/ledger/internal/middleware"
	"github.com/corebank/ledger/internal/models"
	"github.com/corebank/ledger/internal/services"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const maxBodyBytes = 1_048_576

var errEmptyBody = errors.New("empty body")

// decodeJSON reads exactly one JSON object from the body.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("request body must only contain a single JSON object")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// callerOf returns the authenticated caller or answers 401.
func callerOf(w http.ResponseWriter, r *http.Request) (models.Caller, bool) {
	caller, ok := middleware.CallerFrom(r.Context())
	if !ok || caller.AccountNumber == "" {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return models.Caller{}, false
	}
	return caller, true
}

func transactionID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, models.NewError(models.KindInvalidArgument, "invalid transaction id %q", chi.URLParam(r, "id"))
	}
	return id, nil
}

// fail writes err with its mapped status. Storage failures are logged with
// their cause since the response hides it.
func fail(logger *zap.Logger, w http.ResponseWriter, r *http.Request, err error) {
	if models.KindOf(err) == models.KindStorage {
		logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
	} else {
		logger.Debug("request rejected",
			zap.String("path", r.URL.Path),
			zap.String("kind", string(models.KindOf(err))),
			zap.Error(err))
	}
	services.WriteLedgerError(w, err)
}

func parseTime(name, value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, value); err == nil {
			return &t, nil
		}
	}
	return nil, models.NewError(models.KindInvalidArgument, "%s must be RFC 3339 or YYYY-MM-DD", name)
}

func parseDecimal(name, value string) (*decimal.Decimal, error) {
	if value == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(value)
	if err != nil {
		return nil, models.NewError(models.KindInvalidArgument, "%s must be a decimal number", name)
	}
	return &d, nil
}

// historyQuery maps the list query string onto a HistoryQuery.
func historyQuery(r *http.Request) (services.HistoryQuery, error) {
	v := r.URL.Query()
	q := services.HistoryQuery{
		Account:   v.Get("account"),
		Month:     v.Get("month"),
		Type:      models.TransactionType(v.Get("type")),
		Status:    models.TransactionStatus(v.Get("status")),
		Direction: models.Direction(v.Get("direction")),
		Query:     v.Get("q"),
		Cursor:    v.Get("cursor"),
	}

	var err error
	if q.From, err = parseTime("from", v.Get("from")); err != nil {
		return q, err
	}
	if q.To, err = parseTime("to", v.Get("to")); err != nil {
		return q, err
	}
	// a bare date in "to" covers that whole day
	if q.To != nil && len(v.Get("to")) == len("2006-01-02") {
		end := q.To.AddDate(0, 0, 1).Add(-time.Nanosecond)
		q.To = &end
	}
	if q.MinAmount, err = parseDecimal("min_amount", v.Get("min_amount")); err != nil {
		return q, err
	}
	if q.MaxAmount, err = parseDecimal("max_amount", v.Get("max_amount")); err != nil {
		return q, err
	}
	if raw := v.Get("limit"); raw != "" {
		if q.Limit, err = strconv.Atoi(raw); err != nil {
			return q, models.NewError(models.KindInvalidArgument, "limit must be an integer")
		}
	}
	return q, nil
}
