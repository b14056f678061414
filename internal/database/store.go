package database

import (
	"context"
	"time"

	"github.com/corebank/ledger/internal/models"
	"github.com/shopspring/decimal"
)

// LedgerStore is the storage handle the ledger engine is constructed with.
// All writes go through WithTx; the read methods are projections that never lock.
type LedgerStore interface {
	// WithTx runs fn inside one atomic unit of work. A non-nil error from fn
	// (or from commit) discards every write made through the unit.
	WithTx(ctx context.Context, fn func(UnitOfWork) error) error

	GetTransaction(ctx context.Context, id int64) (*models.Transaction, error)
	ListAudit(ctx context.Context, transactionID int64) ([]models.AuditEntry, error)
	History(ctx context.Context, filter models.HistoryFilter) ([]models.Transaction, error)
	// Settlements returns the completed records of an account that completed
	// or were voided at or after since, ordered by completion time.
	Settlements(ctx context.Context, accountNumber string, since time.Time) ([]models.Transaction, error)
	GetAccount(ctx context.Context, accountNumber string) (*models.Account, error)
	ListAccounts(ctx context.Context, filter models.AccountFilter) ([]models.Account, error)
	Ping(ctx context.Context) error
}

// UnitOfWork is the view of the store inside one atomic unit.
type UnitOfWork interface {
	AccountStore
	RecordStore
	AuditTrail
}

// AccountStore holds balances and statuses. Only the ledger engine mutates balances.
type AccountStore interface {
	// GetAccount reads without locking.
	GetAccount(ctx context.Context, accountNumber string) (*models.Account, error)
	// LockAndRead takes an exclusive row lock held until the unit ends.
	LockAndRead(ctx context.Context, accountNumber string) (*models.Account, error)
	ApplyDelta(ctx context.Context, accountNumber string, delta decimal.Decimal) error
}

// RecordStore persists ledger records. Records are never deleted.
type RecordStore interface {
	// InsertTransaction stores a new record and assigns its ID.
	InsertTransaction(ctx context.Context, tx *models.Transaction) error
	LockTransaction(ctx context.Context, id int64) (*models.Transaction, error)
	// FindByIdempotencyKey returns nil, nil when no record carries the key.
	FindByIdempotencyKey(ctx context.Context, createdBy, key string) (*models.Transaction, error)
	// UpdateNote sets the note; nil clears it.
	UpdateNote(ctx context.Context, id int64, note *string) error
	MarkCompleted(ctx context.Context, id int64, snapshot models.BalanceSnapshot, at time.Time) error
	MarkVoided(ctx context.Context, id int64, at time.Time) error
}

// AuditTrail is append-only.
type AuditTrail interface {
	AppendAudit(ctx context.Context, entry *models.AuditEntry) error
}
