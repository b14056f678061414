package models

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Direction string

const (
	DirectionIn  Direction = "in"
	DirectionOut Direction = "out"
)

// HistoryFilter selects ledger records touching one account. Results are
// ordered newest first; AfterID continues a previous page.
type HistoryFilter struct {
	Account   string
	From      *time.Time
	To        *time.Time
	Type      TransactionType
	Status    TransactionStatus
	Direction Direction
	MinAmount *decimal.Decimal
	MaxAmount *decimal.Decimal
	Query     string
	AfterID   int64
	Limit     int
}

// Matches applies the filter to a single record. Stores that cannot push the
// filter down to the database use it directly.
func (f HistoryFilter) Matches(t *Transaction) bool {
	if f.Account != "" {
		switch f.Direction {
		case DirectionOut:
			if t.Type() == TypeDeposit || t.SourceAccount() != f.Account {
				return false
			}
		case DirectionIn:
			in := (t.Type() == TypeDeposit && t.SourceAccount() == f.Account) ||
				(t.Type() == TypeTransfer && t.TargetAccount() == f.Account)
			if !in {
				return false
			}
		default:
			if !t.Involves(f.Account) {
				return false
			}
		}
	}
	if f.AfterID > 0 && t.ID >= f.AfterID {
		return false
	}
	if f.From != nil && t.CreatedAt.Before(*f.From) {
		return false
	}
	if f.To != nil && t.CreatedAt.After(*f.To) {
		return false
	}
	if f.Type != "" && t.Type() != f.Type {
		return false
	}
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	if f.MinAmount != nil && t.Amount.LessThan(*f.MinAmount) {
		return false
	}
	if f.MaxAmount != nil && t.Amount.GreaterThan(*f.MaxAmount) {
		return false
	}
	if f.Query != "" && !noteContains(t.Note, f.Query) {
		return false
	}
	return true
}

func noteContains(note *string, q string) bool {
	if note == nil {
		return false
	}
	return strings.Contains(strings.ToLower(*note), strings.ToLower(q))
}

// AccountFilter selects accounts for the admin listing.
type AccountFilter struct {
	Query           string
	IncludeArchived bool
}
