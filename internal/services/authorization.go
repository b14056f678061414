package services

import (
	"github.com/corebank/ledger/internal/models"
)

// Operation names what a caller is asking to do.
type Operation string

const (
	OpCreate       Operation = "create"
	OpUpdateNote   Operation = "update_note"
	OpComplete     Operation = "complete"
	OpVoid         Operation = "void"
	OpAdjust       Operation = "adjust"
	OpRead         Operation = "read"
	OpHistory      Operation = "history"
	OpListAccounts Operation = "list_accounts"
)

// Authorize decides whether caller may perform op on rec. It has no side
// effects and runs before any unit of work, so a refusal never takes a lock.
// rec may be nil for operations that are decided by role alone.
func Authorize(caller models.Caller, op Operation, rec *models.Transaction) error {
	if caller.IsAdmin {
		return nil
	}

	switch op {
	case OpUpdateNote:
		if rec != nil && caller.Owns(rec.SourceAccount()) {
			return nil
		}
		return models.NewError(models.KindForbidden, "only the account holder or an administrator may edit this transaction")
	case OpRead:
		if rec != nil && (caller.Owns(rec.SourceAccount()) || caller.Owns(rec.TargetAccount())) {
			return nil
		}
		return models.NewError(models.KindForbidden, "not allowed to view this transaction")
	case OpCreate:
		if rec != nil && caller.Owns(rec.SourceAccount()) {
			return nil
		}
		return models.NewError(models.KindForbidden, "transactions may only be created from your own account")
	case OpComplete, OpVoid, OpAdjust, OpListAccounts:
		return models.NewError(models.KindForbidden, "administrator only")
	default:
		return models.NewError(models.KindForbidden, "operation %q not allowed", op)
	}
}

// AuthorizeAccount is the gate for operations scoped to an account rather
// than a record.
func AuthorizeAccount(caller models.Caller, op Operation, accountNumber string) error {
	if caller.IsAdmin {
		return nil
	}
	switch op {
	case OpHistory, OpCreate:
		if caller.Owns(accountNumber) {
			return nil
		}
		return models.NewError(models.KindForbidden, "not allowed to access account %s", accountNumber)
	default:
		return Authorize(caller, op, nil)
	}
}
