package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/corebank/ledger/internal/config"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

// Open connects to PostgreSQL and configures the pool. The caller owns the
// returned handle and closes it at shutdown.
func Open(ctx context.Context, cfg config.DBConfig, logger *zap.Logger) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err = db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("error connecting to database: %w", err)
	}

	logger.Info("database connection established",
		zap.String("host", cfg.Host), zap.String("database", cfg.Name))
	return db, nil
}

// SchemaCapabilities records which optional transactions columns exist.
// It is determined once at startup and never re-read per request.
type SchemaCapabilities struct {
	HasFee            bool
	HasNote           bool
	HasIdempotencyKey bool
}

// FullSchema is what Migrate creates.
var FullSchema = SchemaCapabilities{HasFee: true, HasNote: true, HasIdempotencyKey: true}

// requiredColumns must exist for the engine to run at all.
var requiredColumns = []string{
	"id", "type", "status", "account_number", "target_account", "amount", "created_by",
	"created_at", "completed_at", "voided_at",
	"source_balance_before", "source_balance_after", "target_balance_before", "target_balance_after",
}

// DetectCapabilities inspects the transactions table once.
func DetectCapabilities(ctx context.Context, db *sql.DB) (SchemaCapabilities, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT column_name FROM information_schema.columns
		WHERE table_schema = current_schema() AND table_name = 'transactions'`)
	if err != nil {
		return SchemaCapabilities{}, fmt.Errorf("inspect transactions columns: %w", err)
	}
	defer rows.Close()

	cols := map[string]bool{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return SchemaCapabilities{}, err
		}
		cols[name] = true
	}
	if err := rows.Err(); err != nil {
		return SchemaCapabilities{}, err
	}

	for _, c := range requiredColumns {
		if !cols[c] {
			return SchemaCapabilities{}, fmt.Errorf("transactions table is missing required column %q", c)
		}
	}

	return SchemaCapabilities{
		HasFee:            cols["fee"],
		HasNote:           cols["note"],
		HasIdempotencyKey: cols["idempotency_key"],
	}, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS accounts (
	account_number TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	balance NUMERIC(20,2) NOT NULL DEFAULT 0,
	status TEXT NOT NULL DEFAULT 'Active' CHECK (status IN ('Active', 'Locked', 'Archived'))
);

CREATE TABLE IF NOT EXISTS transactions (
	id BIGSERIAL PRIMARY KEY,
	type TEXT NOT NULL CHECK (type IN ('deposit', 'withdraw', 'transfer')),
	status TEXT NOT NULL DEFAULT 'Pending' CHECK (status IN ('Pending', 'Completed', 'Voided')),
	account_number TEXT NOT NULL REFERENCES accounts(account_number),
	target_account TEXT REFERENCES accounts(account_number),
	amount NUMERIC(20,2) NOT NULL CHECK (amount > 0),
	fee NUMERIC(20,2) NOT NULL DEFAULT 0 CHECK (fee >= 0),
	note TEXT,
	created_by TEXT NOT NULL,
	idempotency_key TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at TIMESTAMPTZ,
	voided_at TIMESTAMPTZ,
	source_balance_before NUMERIC(20,2),
	source_balance_after NUMERIC(20,2),
	target_balance_before NUMERIC(20,2),
	target_balance_after NUMERIC(20,2),
	CHECK ((type = 'transfer') = (target_account IS NOT NULL))
);

CREATE INDEX IF NOT EXISTS idx_transactions_account ON transactions(account_number, id DESC);
CREATE INDEX IF NOT EXISTS idx_transactions_target ON transactions(target_account, id DESC)
	WHERE target_account IS NOT NULL;
CREATE UNIQUE INDEX IF NOT EXISTS idx_transactions_idempotency
	ON transactions(created_by, idempotency_key) WHERE idempotency_key IS NOT NULL;

CREATE TABLE IF NOT EXISTS transaction_audit (
	id BIGSERIAL PRIMARY KEY,
	transaction_id BIGINT NOT NULL REFERENCES transactions(id),
	action TEXT NOT NULL CHECK (action IN ('create', 'update', 'complete', 'void', 'rollback')),
	performed_by TEXT NOT NULL,
	reason TEXT,
	details JSONB,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_transaction_audit_tx ON transaction_audit(transaction_id, created_at, id);
`

// Migrate creates the ledger tables if they do not exist.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate ledger schema: %w", err)
	}
	return nil
}
