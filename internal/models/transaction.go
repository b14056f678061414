package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

type TransactionType string

const (
	TypeDeposit  TransactionType = "deposit"
	TypeWithdraw TransactionType = "withdraw"
	TypeTransfer TransactionType = "transfer"
)

type TransactionStatus string

const (
	StatusPending   TransactionStatus = "Pending"
	StatusCompleted TransactionStatus = "Completed"
	StatusVoided    TransactionStatus = "Voided"
)

// Leg is a signed balance change on one account.
type Leg struct {
	AccountNumber string
	Delta         decimal.Decimal
}

// Movement is the type-specific part of a ledger record. Exactly one of
// Deposit, Withdrawal or Transfer; a target account only exists on Transfer.
type Movement interface {
	Type() TransactionType
	Source() string
	// Legs returns the balance changes applied when the record completes.
	Legs(amount decimal.Decimal) []Leg
	isMovement()
}

type Deposit struct {
	Account string
}

func (Deposit) Type() TransactionType { return TypeDeposit }
func (d Deposit) Source() string      { return d.Account }
func (Deposit) isMovement()           {}

func (d Deposit) Legs(amount decimal.Decimal) []Leg {
	return []Leg{{AccountNumber: d.Account, Delta: amount}}
}

type Withdrawal struct {
	Account string
}

func (Withdrawal) Type() TransactionType { return TypeWithdraw }
func (w Withdrawal) Source() string      { return w.Account }
func (Withdrawal) isMovement()           {}

func (w Withdrawal) Legs(amount decimal.Decimal) []Leg {
	return []Leg{{AccountNumber: w.Account, Delta: amount.Neg()}}
}

type Transfer struct {
	From string
	To   string
}

func (Transfer) Type() TransactionType { return TypeTransfer }
func (t Transfer) Source() string      { return t.From }
func (Transfer) isMovement()           {}

func (t Transfer) Legs(amount decimal.Decimal) []Leg {
	return []Leg{
		{AccountNumber: t.From, Delta: amount.Neg()},
		{AccountNumber: t.To, Delta: amount},
	}
}

// NewMovement builds the variant for a flattened (type, source, target) triple.
func NewMovement(t TransactionType, source, target string) (Movement, error) {
	switch t {
	case TypeDeposit, TypeWithdraw:
		if target != "" {
			return nil, NewError(KindInvalidArgument, "target account is only allowed on transfers")
		}
		if t == TypeDeposit {
			return Deposit{Account: source}, nil
		}
		return Withdrawal{Account: source}, nil
	case TypeTransfer:
		if target == "" {
			return nil, NewError(KindInvalidArgument, "transfer requires a target account")
		}
		if target == source {
			return nil, NewError(KindInvalidArgument, "cannot transfer to the same account")
		}
		return Transfer{From: source, To: target}, nil
	default:
		return nil, NewError(KindInvalidArgument, "unknown transaction type %q", t)
	}
}

// TargetOf returns the transfer target, or "" for single-account movements.
func TargetOf(m Movement) string {
	if t, ok := m.(Transfer); ok {
		return t.To
	}
	return ""
}

// Accounts lists every account a movement touches.
func Accounts(m Movement) []string {
	if t, ok := m.(Transfer); ok {
		return []string{t.From, t.To}
	}
	return []string{m.Source()}
}

// BalanceSnapshot is recorded once, at completion, and never changes afterwards.
type BalanceSnapshot struct {
	SourceBefore decimal.Decimal  `json:"source_balance_before"`
	SourceAfter  decimal.Decimal  `json:"source_balance_after"`
	TargetBefore *decimal.Decimal `json:"target_balance_before"`
	TargetAfter  *decimal.Decimal `json:"target_balance_after"`
}

// Transaction is a ledger record: one money movement and its lifecycle state.
type Transaction struct {
	ID             int64
	Movement       Movement
	Status         TransactionStatus
	Amount         decimal.Decimal
	Fee            decimal.Decimal
	Note           *string
	CreatedBy      string
	IdempotencyKey string
	CreatedAt      time.Time
	CompletedAt    *time.Time
	VoidedAt       *time.Time
	Snapshot       *BalanceSnapshot
}

func (t *Transaction) Type() TransactionType {
	return t.Movement.Type()
}

func (t *Transaction) SourceAccount() string {
	return t.Movement.Source()
}

func (t *Transaction) TargetAccount() string {
	return TargetOf(t.Movement)
}

// Involves reports whether the account is the source or target of the record.
func (t *Transaction) Involves(accountNumber string) bool {
	for _, a := range Accounts(t.Movement) {
		if a == accountNumber {
			return true
		}
	}
	return false
}

// transactionJSON is the flattened wire form of a Transaction.
type transactionJSON struct {
	ID                  int64             `json:"id"`
	Type                TransactionType   `json:"type"`
	Status              TransactionStatus `json:"status"`
	AccountNumber       string            `json:"account_number"`
	TargetAccount       *string           `json:"target_account"`
	Amount              decimal.Decimal   `json:"amount"`
	Fee                 decimal.Decimal   `json:"fee"`
	Note                *string           `json:"note"`
	CreatedBy           string            `json:"created_by"`
	CreatedAt           time.Time         `json:"created_at"`
	CompletedAt         *time.Time        `json:"completed_at"`
	VoidedAt            *time.Time        `json:"voided_at"`
	SourceBalanceBefore *decimal.Decimal  `json:"source_balance_before"`
	SourceBalanceAfter  *decimal.Decimal  `json:"source_balance_after"`
	TargetBalanceBefore *decimal.Decimal  `json:"target_balance_before"`
	TargetBalanceAfter  *decimal.Decimal  `json:"target_balance_after"`
}

func (t Transaction) MarshalJSON() ([]byte, error) {
	out := transactionJSON{
		ID:          t.ID,
		Status:      t.Status,
		Amount:      t.Amount,
		Fee:         t.Fee,
		Note:        t.Note,
		CreatedBy:   t.CreatedBy,
		CreatedAt:   t.CreatedAt,
		CompletedAt: t.CompletedAt,
		VoidedAt:    t.VoidedAt,
	}
	if t.Movement != nil {
		out.Type = t.Movement.Type()
		out.AccountNumber = t.Movement.Source()
		if target := TargetOf(t.Movement); target != "" {
			out.TargetAccount = &target
		}
	}
	if s := t.Snapshot; s != nil {
		before, after := s.SourceBefore, s.SourceAfter
		out.SourceBalanceBefore = &before
		out.SourceBalanceAfter = &after
		out.TargetBalanceBefore = s.TargetBefore
		out.TargetBalanceAfter = s.TargetAfter
	}
	return json.Marshal(out)
}

func (t *Transaction) UnmarshalJSON(data []byte) error {
	var in transactionJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	target := ""
	if in.TargetAccount != nil {
		target = *in.TargetAccount
	}
	movement, err := NewMovement(in.Type, in.AccountNumber, target)
	if err != nil {
		return err
	}
	*t = Transaction{
		ID:          in.ID,
		Movement:    movement,
		Status:      in.Status,
		Amount:      in.Amount,
		Fee:         in.Fee,
		Note:        in.Note,
		CreatedBy:   in.CreatedBy,
		CreatedAt:   in.CreatedAt,
		CompletedAt: in.CompletedAt,
		VoidedAt:    in.VoidedAt,
	}
	if in.SourceBalanceBefore != nil && in.SourceBalanceAfter != nil {
		t.Snapshot = &BalanceSnapshot{
			SourceBefore: *in.SourceBalanceBefore,
			SourceAfter:  *in.SourceBalanceAfter,
			TargetBefore: in.TargetBalanceBefore,
			TargetAfter:  in.TargetBalanceAfter,
		}
	}
	return nil
}
