package services

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/corebank/ledger/internal/database"
	"github.com/corebank/ledger/internal/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var pgTxColumns = []string{
	"id", "type", "status", "account_number", "target_account", "amount", "fee", "note",
	"created_by", "idempotency_key", "created_at", "completed_at", "voided_at",
	"source_balance_before", "source_balance_after", "target_balance_before", "target_balance_after",
}

var pgAccountColumns = []string{"account_number", "name", "balance", "status"}

const (
	lockRecordSQL  = "SELECT .+ FROM transactions WHERE id = \\$1 FOR UPDATE"
	lockAccountSQL = "SELECT account_number, name, balance, status FROM accounts WHERE account_number = \\$1 FOR UPDATE"
	applyDeltaSQL  = "UPDATE accounts SET balance = balance \\+ \\$1 WHERE account_number = \\$2"
)

// newPostgresLedger runs the ledger on a sqlmock connection. Expectations are
// matched in order, so every test also pins the statement sequence.
func newPostgresLedger(t *testing.T) (*LedgerService, sqlmock.Sqlmock, *recordingPublisher) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	pub := &recordingPublisher{}
	store := database.NewPostgresStore(db, database.FullSchema, 0)
	svc := NewLedgerService(store, zap.NewNop(),
		WithPublisher(pub),
		WithClock(func() time.Time { return fixedNow }),
	)
	return svc, mock, pub
}

// transfer 9 moves 25 from 1002 to 1001, so ascending lock order differs
// from source-then-target order.
func pendingTransferRow() *sqlmock.Rows {
	created := fixedNow.Add(-time.Hour)
	return sqlmock.NewRows(pgTxColumns).AddRow(
		int64(9), "transfer", "Pending", "1002", "1001", "25", "0", "rent share",
		"1002", nil, created, nil, nil, nil, nil, nil, nil,
	)
}

func completedTransferRow() *sqlmock.Rows {
	created := fixedNow.Add(-2 * time.Hour)
	completed := fixedNow.Add(-time.Hour)
	return sqlmock.NewRows(pgTxColumns).AddRow(
		int64(9), "transfer", "Completed", "1002", "1001", "25", "0", "rent share",
		"1002", nil, created, completed, nil, "100", "75", "10", "35",
	)
}

func accountRow(number, balance string, status models.AccountStatus) *sqlmock.Rows {
	return sqlmock.NewRows(pgAccountColumns).AddRow(number, "Holder "+number, balance, string(status))
}

func TestLedgerService_PostgresCompleteLockOrder(t *testing.T) {
	svc, mock, pub := newPostgresLedger(t)

	mock.ExpectBegin()
	mock.ExpectQuery(lockRecordSQL).WithArgs(int64(9)).WillReturnRows(pendingTransferRow())
	mock.ExpectQuery(lockAccountSQL).WithArgs("1001").WillReturnRows(accountRow("1001", "10", models.AccountActive))
	mock.ExpectQuery(lockAccountSQL).WithArgs("1002").WillReturnRows(accountRow("1002", "100", models.AccountActive))
	mock.ExpectExec(applyDeltaSQL).WithArgs(decimal.NewFromInt(-25), "1002").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(applyDeltaSQL).WithArgs(decimal.NewFromInt(25), "1001").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE transactions SET status = \\$1, completed_at = \\$2").
		WithArgs("Completed", fixedNow,
			decimal.NewFromInt(100), decimal.NewFromInt(75), decimal.NewFromInt(10), decimal.NewFromInt(35),
			int64(9)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("INSERT INTO transaction_audit").
		WithArgs(int64(9), "complete", "0000", nil, sqlmock.AnyArg(), fixedNow).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(31)))
	mock.ExpectCommit()

	tx, err := svc.Complete(context.Background(), 9, admin)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, tx.Status)
	require.NotNil(t, tx.Snapshot)
	assert.True(t, tx.Snapshot.SourceAfter.Equal(decimal.NewFromInt(75)))
	assert.True(t, tx.Snapshot.TargetAfter.Equal(decimal.NewFromInt(35)))
	assert.Equal(t, []string{EventTransactionCompleted}, pub.Types())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerService_PostgresCompleteRollsBack(t *testing.T) {
	tests := []struct {
		name   string
		source *sqlmock.Rows
		kind   error
	}{
		{"insufficient funds", accountRow("1002", "20", models.AccountActive), models.ErrInsufficientFunds},
		{"locked source", accountRow("1002", "100", models.AccountLocked), models.ErrAccountUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, mock, pub := newPostgresLedger(t)

			mock.ExpectBegin()
			mock.ExpectQuery(lockRecordSQL).WithArgs(int64(9)).WillReturnRows(pendingTransferRow())
			mock.ExpectQuery(lockAccountSQL).WithArgs("1001").WillReturnRows(accountRow("1001", "10", models.AccountActive))
			mock.ExpectQuery(lockAccountSQL).WithArgs("1002").WillReturnRows(tt.source)
			mock.ExpectRollback()

			_, err := svc.Complete(context.Background(), 9, admin)
			assert.ErrorIs(t, err, tt.kind)
			assert.Empty(t, pub.Types())
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestLedgerService_PostgresVoidCompleted(t *testing.T) {
	svc, mock, pub := newPostgresLedger(t)

	mock.ExpectBegin()
	mock.ExpectQuery(lockRecordSQL).WithArgs(int64(9)).WillReturnRows(completedTransferRow())
	mock.ExpectQuery(lockAccountSQL).WithArgs("1001").WillReturnRows(accountRow("1001", "35", models.AccountActive))
	mock.ExpectQuery(lockAccountSQL).WithArgs("1002").WillReturnRows(accountRow("1002", "75", models.AccountActive))
	mock.ExpectExec(applyDeltaSQL).WithArgs(decimal.NewFromInt(25), "1002").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(applyDeltaSQL).WithArgs(decimal.NewFromInt(-25), "1001").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE transactions SET status = \\$1, voided_at = \\$2 WHERE id = \\$3").
		WithArgs("Voided", fixedNow, int64(9)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("INSERT INTO transaction_audit").
		WithArgs(int64(9), "void", "0000", "duplicate charge", sqlmock.AnyArg(), fixedNow).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(40)))
	mock.ExpectQuery("INSERT INTO transaction_audit").
		WithArgs(int64(9), "rollback", "0000", "duplicate charge", sqlmock.AnyArg(), fixedNow).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(41)))
	mock.ExpectCommit()

	tx, err := svc.Void(context.Background(), 9, "duplicate charge", admin)
	require.NoError(t, err)
	assert.Equal(t, models.StatusVoided, tx.Status)
	require.NotNil(t, tx.VoidedAt)
	require.NotNil(t, tx.Snapshot, "the completion snapshot survives the void")
	assert.True(t, tx.Snapshot.SourceBefore.Equal(decimal.NewFromInt(100)))
	assert.Equal(t, []string{EventTransactionVoided}, pub.Types())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerService_PostgresVoidPendingLocksNoAccounts(t *testing.T) {
	svc, mock, _ := newPostgresLedger(t)

	mock.ExpectBegin()
	mock.ExpectQuery(lockRecordSQL).WithArgs(int64(9)).WillReturnRows(pendingTransferRow())
	mock.ExpectExec("UPDATE transactions SET status = \\$1, voided_at = \\$2 WHERE id = \\$3").
		WithArgs("Voided", fixedNow, int64(9)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("INSERT INTO transaction_audit").
		WithArgs(int64(9), "void", "0000", nil, sqlmock.AnyArg(), fixedNow).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(40)))
	mock.ExpectCommit()

	_, err := svc.Void(context.Background(), 9, "", admin)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
