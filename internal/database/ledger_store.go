package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/corebank/ledger/internal/models"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// ErrDuplicateIdempotencyKey is returned by InsertTransaction when the
// creator already used the key. The unit of work is unusable afterwards.
var ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// PostgresStore implements LedgerStore on PostgreSQL row locks.
type PostgresStore struct {
	db          *sql.DB
	caps        SchemaCapabilities
	lockTimeout time.Duration
	txColumns   string
}

func NewPostgresStore(db *sql.DB, caps SchemaCapabilities, lockTimeout time.Duration) *PostgresStore {
	return &PostgresStore{
		db:          db,
		caps:        caps,
		lockTimeout: lockTimeout,
		txColumns:   transactionColumns(caps),
	}
}

func transactionColumns(caps SchemaCapabilities) string {
	fee, note, key := "0::numeric AS fee", "NULL::text AS note", "NULL::text AS idempotency_key"
	if caps.HasFee {
		fee = "fee"
	}
	if caps.HasNote {
		note = "note"
	}
	if caps.HasIdempotencyKey {
		key = "idempotency_key"
	}
	return strings.Join([]string{
		"id", "type", "status", "account_number", "target_account", "amount", fee, note,
		"created_by", key, "created_at", "completed_at", "voided_at",
		"source_balance_before", "source_balance_after", "target_balance_before", "target_balance_after",
	}, ", ")
}

func (s *PostgresStore) WithTx(ctx context.Context, fn func(UnitOfWork) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("begin unit of work", err)
	}
	defer tx.Rollback()

	if s.lockTimeout > 0 {
		stmt := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return storageErr("set lock timeout", err)
		}
	}

	if err := fn(&pgUnit{q: tx, store: s}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return storageErr("commit unit of work", err)
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) GetTransaction(ctx context.Context, id int64) (*models.Transaction, error) {
	return s.selectTransaction(ctx, s.db, id, "")
}

func (s *PostgresStore) GetAccount(ctx context.Context, accountNumber string) (*models.Account, error) {
	return selectAccount(ctx, s.db, accountNumber, "")
}

func (s *PostgresStore) ListAudit(ctx context.Context, transactionID int64) ([]models.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, transaction_id, action, performed_by, reason, details, created_at
		FROM transaction_audit
		WHERE transaction_id = $1
		ORDER BY created_at, id`, transactionID)
	if err != nil {
		return nil, storageErr("list audit", err)
	}
	defer rows.Close()

	entries := []models.AuditEntry{}
	for rows.Next() {
		var (
			e       models.AuditEntry
			reason  sql.NullString
			details []byte
		)
		if err := rows.Scan(&e.ID, &e.TransactionID, &e.Action, &e.PerformedBy, &reason, &details, &e.CreatedAt); err != nil {
			return nil, storageErr("scan audit", err)
		}
		if reason.Valid {
			e.Reason = &reason.String
		}
		if len(details) > 0 {
			if err := json.Unmarshal(details, &e.Details); err != nil {
				return nil, storageErr("decode audit details", err)
			}
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list audit", err)
	}
	return entries, nil
}

func (s *PostgresStore) History(ctx context.Context, f models.HistoryFilter) ([]models.Transaction, error) {
	var conditions []string
	var args []any
	argIndex := 1

	next := func(v any) string {
		args = append(args, v)
		p := fmt.Sprintf("$%d", argIndex)
		argIndex++
		return p
	}

	if f.Account != "" {
		p := next(f.Account)
		switch f.Direction {
		case models.DirectionOut:
			conditions = append(conditions, fmt.Sprintf("(account_number = %s AND type <> 'deposit')", p))
		case models.DirectionIn:
			conditions = append(conditions, fmt.Sprintf(
				"((type = 'deposit' AND account_number = %[1]s) OR (type = 'transfer' AND target_account = %[1]s))", p))
		default:
			conditions = append(conditions, fmt.Sprintf("(account_number = %[1]s OR target_account = %[1]s)", p))
		}
	}
	if f.AfterID > 0 {
		conditions = append(conditions, "id < "+next(f.AfterID))
	}
	if f.From != nil {
		conditions = append(conditions, "created_at >= "+next(*f.From))
	}
	if f.To != nil {
		conditions = append(conditions, "created_at <= "+next(*f.To))
	}
	if f.Type != "" {
		conditions = append(conditions, "type = "+next(string(f.Type)))
	}
	if f.Status != "" {
		conditions = append(conditions, "status = "+next(string(f.Status)))
	}
	if f.MinAmount != nil {
		conditions = append(conditions, "amount >= "+next(*f.MinAmount))
	}
	if f.MaxAmount != nil {
		conditions = append(conditions, "amount <= "+next(*f.MaxAmount))
	}
	if f.Query != "" && s.caps.HasNote {
		conditions = append(conditions, "note ILIKE "+next("%"+f.Query+"%"))
	}

	query := "SELECT " + s.txColumns + " FROM transactions"
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY id DESC"
	if f.Limit > 0 {
		query += " LIMIT " + next(f.Limit)
	}

	return s.queryTransactions(ctx, "query history", query, args...)
}

func (s *PostgresStore) Settlements(ctx context.Context, accountNumber string, since time.Time) ([]models.Transaction, error) {
	query := "SELECT " + s.txColumns + ` FROM transactions
		WHERE (account_number = $1 OR target_account = $1)
			AND completed_at IS NOT NULL
			AND (completed_at >= $2 OR voided_at >= $2)
		ORDER BY completed_at, id`
	return s.queryTransactions(ctx, "query settlements", query, accountNumber, since)
}

func (s *PostgresStore) queryTransactions(ctx context.Context, op, query string, args ...any) ([]models.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr(op, err)
	}
	defer rows.Close()

	txs := []models.Transaction{}
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(op, err)
	}
	return txs, nil
}

func (s *PostgresStore) ListAccounts(ctx context.Context, f models.AccountFilter) ([]models.Account, error) {
	var where []string
	var args []any
	if !f.IncludeArchived {
		where = append(where, "status <> 'Archived'")
	}
	if f.Query != "" {
		args = append(args, "%"+f.Query+"%")
		where = append(where, "(account_number LIKE $1 OR name ILIKE $1)")
	}
	query := "SELECT account_number, name, balance, status FROM accounts"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY account_number"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("list accounts", err)
	}
	defer rows.Close()

	accounts := []models.Account{}
	for rows.Next() {
		var a models.Account
		if err := rows.Scan(&a.AccountNumber, &a.Name, &a.Balance, &a.Status); err != nil {
			return nil, storageErr("scan account", err)
		}
		accounts = append(accounts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list accounts", err)
	}
	return accounts, nil
}

func (s *PostgresStore) selectTransaction(ctx context.Context, q querier, id int64, suffix string) (*models.Transaction, error) {
	row := q.QueryRowContext(ctx, "SELECT "+s.txColumns+" FROM transactions WHERE id = $1"+suffix, id)
	t, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.NewError(models.KindNotFound, "transaction %d not found", id)
	}
	return t, err
}

func selectAccount(ctx context.Context, q querier, accountNumber, suffix string) (*models.Account, error) {
	var a models.Account
	err := q.QueryRowContext(ctx,
		"SELECT account_number, name, balance, status FROM accounts WHERE account_number = $1"+suffix,
		accountNumber).Scan(&a.AccountNumber, &a.Name, &a.Balance, &a.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.NewError(models.KindAccountNotFound, "account %s not found", accountNumber)
	}
	if err != nil {
		return nil, storageErr("read account "+accountNumber, err)
	}
	return &a, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*models.Transaction, error) {
	var (
		t                     models.Transaction
		txType, source        string
		target, note, key     sql.NullString
		completedAt, voidedAt sql.NullTime
		srcBefore, srcAfter   decimal.NullDecimal
		trgBefore, trgAfter   decimal.NullDecimal
	)
	err := row.Scan(
		&t.ID, &txType, &t.Status, &source, &target, &t.Amount, &t.Fee, &note,
		&t.CreatedBy, &key, &t.CreatedAt, &completedAt, &voidedAt,
		&srcBefore, &srcAfter, &trgBefore, &trgAfter,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, storageErr("scan transaction", err)
	}

	t.Movement, err = models.NewMovement(models.TransactionType(txType), source, target.String)
	if err != nil {
		return nil, &models.Error{Kind: models.KindStorage, Message: fmt.Sprintf("corrupt transaction %d", t.ID), Err: err}
	}
	if note.Valid {
		t.Note = &note.String
	}
	t.IdempotencyKey = key.String
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	if voidedAt.Valid {
		t.VoidedAt = &voidedAt.Time
	}
	if srcBefore.Valid && srcAfter.Valid {
		t.Snapshot = &models.BalanceSnapshot{SourceBefore: srcBefore.Decimal, SourceAfter: srcAfter.Decimal}
		if trgBefore.Valid && trgAfter.Valid {
			t.Snapshot.TargetBefore = &trgBefore.Decimal
			t.Snapshot.TargetAfter = &trgAfter.Decimal
		}
	}
	return &t, nil
}

// pgUnit is one database transaction.
type pgUnit struct {
	q     querier
	store *PostgresStore
}

func (u *pgUnit) GetAccount(ctx context.Context, accountNumber string) (*models.Account, error) {
	return selectAccount(ctx, u.q, accountNumber, "")
}

func (u *pgUnit) LockAndRead(ctx context.Context, accountNumber string) (*models.Account, error) {
	return selectAccount(ctx, u.q, accountNumber, " FOR UPDATE")
}

func (u *pgUnit) ApplyDelta(ctx context.Context, accountNumber string, delta decimal.Decimal) error {
	result, err := u.q.ExecContext(ctx,
		`UPDATE accounts SET balance = balance + $1 WHERE account_number = $2`, delta, accountNumber)
	if err != nil {
		return storageErr("apply delta to "+accountNumber, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return storageErr("apply delta to "+accountNumber, err)
	}
	if n == 0 {
		return models.NewError(models.KindAccountNotFound, "account %s not found", accountNumber)
	}
	return nil
}

func (u *pgUnit) InsertTransaction(ctx context.Context, t *models.Transaction) error {
	cols := []string{"type", "status", "account_number", "target_account", "amount", "created_by", "created_at"}
	args := []any{
		string(t.Type()), string(t.Status), t.SourceAccount(), nullString(t.TargetAccount()),
		t.Amount, t.CreatedBy, t.CreatedAt,
	}
	if u.store.caps.HasFee {
		cols = append(cols, "fee")
		args = append(args, t.Fee)
	}
	if u.store.caps.HasNote {
		cols = append(cols, "note")
		args = append(args, nullStringPtr(t.Note))
	}
	if u.store.caps.HasIdempotencyKey {
		cols = append(cols, "idempotency_key")
		args = append(args, nullString(t.IdempotencyKey))
	}
	placeholders := make([]string, len(cols))
	for i := range cols {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}

	query := fmt.Sprintf("INSERT INTO transactions (%s) VALUES (%s) RETURNING id",
		strings.Join(cols, ", "), strings.Join(placeholders, ", "))
	err := u.q.QueryRowContext(ctx, query, args...).Scan(&t.ID)
	if isUniqueViolation(err) {
		return ErrDuplicateIdempotencyKey
	}
	if err != nil {
		return storageErr("insert transaction", err)
	}
	return nil
}

func (u *pgUnit) LockTransaction(ctx context.Context, id int64) (*models.Transaction, error) {
	return u.store.selectTransaction(ctx, u.q, id, " FOR UPDATE")
}

func (u *pgUnit) FindByIdempotencyKey(ctx context.Context, createdBy, key string) (*models.Transaction, error) {
	if !u.store.caps.HasIdempotencyKey || key == "" {
		return nil, nil
	}
	row := u.q.QueryRowContext(ctx,
		"SELECT "+u.store.txColumns+" FROM transactions WHERE created_by = $1 AND idempotency_key = $2",
		createdBy, key)
	t, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return t, err
}

func (u *pgUnit) UpdateNote(ctx context.Context, id int64, note *string) error {
	if !u.store.caps.HasNote {
		return models.NewError(models.KindInvalidArgument, "notes are not supported by this schema")
	}
	_, err := u.q.ExecContext(ctx, `UPDATE transactions SET note = $1 WHERE id = $2`, nullStringPtr(note), id)
	return storageErr("update note", err)
}

func (u *pgUnit) MarkCompleted(ctx context.Context, id int64, snap models.BalanceSnapshot, at time.Time) error {
	_, err := u.q.ExecContext(ctx, `
		UPDATE transactions SET status = $1, completed_at = $2,
			source_balance_before = $3, source_balance_after = $4,
			target_balance_before = $5, target_balance_after = $6
		WHERE id = $7`,
		string(models.StatusCompleted), at,
		snap.SourceBefore, snap.SourceAfter, nullDecimal(snap.TargetBefore), nullDecimal(snap.TargetAfter),
		id)
	return storageErr("mark completed", err)
}

func (u *pgUnit) MarkVoided(ctx context.Context, id int64, at time.Time) error {
	_, err := u.q.ExecContext(ctx,
		`UPDATE transactions SET status = $1, voided_at = $2 WHERE id = $3`,
		string(models.StatusVoided), at, id)
	return storageErr("mark voided", err)
}

func (u *pgUnit) AppendAudit(ctx context.Context, e *models.AuditEntry) error {
	var details []byte
	if len(e.Details) > 0 {
		var err error
		if details, err = json.Marshal(e.Details); err != nil {
			return storageErr("encode audit details", err)
		}
	}
	err := u.q.QueryRowContext(ctx, `
		INSERT INTO transaction_audit (transaction_id, action, performed_by, reason, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		e.TransactionID, string(e.Action), e.PerformedBy, nullStringPtr(e.Reason), details, e.CreatedAt,
	).Scan(&e.ID)
	return storageErr("append audit", err)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullStringPtr(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullDecimal(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// storageErr classifies driver failures into StorageError with a readable cause.
func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "55P03":
			op += ": lock timeout"
		case "40P01":
			op += ": deadlock detected"
		case "40001":
			op += ": serialization failure"
		}
	}
	return models.StorageError(op, err)
}
