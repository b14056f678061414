package services

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/corebank/ledger/internal/database"
	"github.com/corebank/ledger/internal/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// LedgerService is the transaction state machine. Every state change runs
// inside one unit of work on the injected store.
type LedgerService struct {
	store         database.LedgerStore
	publisher     EventPublisher
	logger        *zap.Logger
	audit         *zap.Logger
	now           func() time.Time
	maxNoteLength int
}

type LedgerOption func(*LedgerService)

func WithPublisher(p EventPublisher) LedgerOption {
	return func(s *LedgerService) { s.publisher = p }
}

func WithClock(now func() time.Time) LedgerOption {
	return func(s *LedgerService) { s.now = now }
}

func WithMaxNoteLength(n int) LedgerOption {
	return func(s *LedgerService) { s.maxNoteLength = n }
}

func NewLedgerService(store database.LedgerStore, logger *zap.Logger, opts ...LedgerOption) *LedgerService {
	s := &LedgerService{
		store:         store,
		publisher:     NopPublisher{},
		logger:        logger,
		audit:         logger.Named("audit"),
		now:           func() time.Time { return time.Now().UTC() },
		maxNoteLength: 500,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateRequest is a new ledger record in flattened form.
type CreateRequest struct {
	Type           models.TransactionType
	Source         string
	Target         string
	Amount         decimal.Decimal
	Fee            decimal.Decimal
	Note           *string
	IdempotencyKey string
}

// Create records a Pending transaction. Balances are untouched until Complete.
// A repeated idempotency key from the same creator returns the first record.
func (s *LedgerService) Create(ctx context.Context, req CreateRequest, caller models.Caller) (*models.Transaction, error) {
	tx, _, err := s.CreateOrReplay(ctx, req, caller)
	return tx, err
}

// CreateOrReplay is Create that also reports whether the record was replayed
// from an earlier request with the same idempotency key.
func (s *LedgerService) CreateOrReplay(ctx context.Context, req CreateRequest, caller models.Caller) (*models.Transaction, bool, error) {
	movement, err := s.validateCreate(req)
	if err != nil {
		return nil, false, err
	}

	tx := &models.Transaction{
		Movement:       movement,
		Status:         models.StatusPending,
		Amount:         req.Amount,
		Fee:            req.Fee,
		Note:           normalizeNote(req.Note),
		CreatedBy:      caller.AccountNumber,
		IdempotencyKey: strings.TrimSpace(req.IdempotencyKey),
		CreatedAt:      s.now(),
	}
	if err := Authorize(caller, OpCreate, tx); err != nil {
		return nil, false, err
	}

	var replay *models.Transaction
	err = s.store.WithTx(ctx, func(u database.UnitOfWork) error {
		if tx.IdempotencyKey != "" {
			existing, err := u.FindByIdempotencyKey(ctx, tx.CreatedBy, tx.IdempotencyKey)
			if err != nil {
				return err
			}
			if existing != nil {
				replay = existing
				return nil
			}
		}
		return s.insert(ctx, u, tx)
	})
	if errors.Is(err, database.ErrDuplicateIdempotencyKey) {
		// a concurrent request with the same key committed first
		replay, err = s.findIdempotent(ctx, tx.CreatedBy, tx.IdempotencyKey)
	}
	if err != nil {
		return nil, false, err
	}
	if replay != nil {
		s.logger.Info("idempotent create replayed",
			zap.Int64("transaction_id", replay.ID),
			zap.String("created_by", tx.CreatedBy))
		return replay, true, nil
	}

	s.logger.Info("transaction created",
		zap.Int64("transaction_id", tx.ID),
		zap.String("type", string(tx.Type())),
		zap.String("amount", tx.Amount.String()))
	return tx, false, nil
}

func (s *LedgerService) validateCreate(req CreateRequest) (models.Movement, error) {
	if !req.Amount.IsPositive() {
		return nil, models.NewError(models.KindInvalidArgument, "amount must be greater than zero")
	}
	if req.Fee.IsNegative() {
		return nil, models.NewError(models.KindInvalidArgument, "fee must not be negative")
	}
	if !models.ValidAccountNumber(req.Source) {
		return nil, models.NewError(models.KindInvalidArgument, "invalid account number %q", req.Source)
	}
	if req.Target != "" && !models.ValidAccountNumber(req.Target) {
		return nil, models.NewError(models.KindInvalidArgument, "invalid target account number %q", req.Target)
	}
	if err := s.validateNote(req.Note); err != nil {
		return nil, err
	}
	return models.NewMovement(req.Type, req.Source, req.Target)
}

func (s *LedgerService) validateNote(note *string) error {
	if note != nil && utf8.RuneCountInString(*note) > s.maxNoteLength {
		return models.NewError(models.KindInvalidArgument, "note exceeds %d characters", s.maxNoteLength)
	}
	return nil
}

// insert checks the accounts exist, stores tx and appends the create entry.
func (s *LedgerService) insert(ctx context.Context, u database.UnitOfWork, tx *models.Transaction) error {
	for _, acct := range models.Accounts(tx.Movement) {
		if _, err := u.GetAccount(ctx, acct); err != nil {
			return err
		}
	}
	if err := u.InsertTransaction(ctx, tx); err != nil {
		return err
	}

	details := map[string]any{
		"type":           string(tx.Type()),
		"account_number": tx.SourceAccount(),
		"amount":         tx.Amount.String(),
	}
	if target := tx.TargetAccount(); target != "" {
		details["target_account"] = target
	}
	if !tx.Fee.IsZero() {
		details["fee"] = tx.Fee.String()
	}
	return s.appendAudit(ctx, u, &models.AuditEntry{
		TransactionID: tx.ID,
		Action:        models.AuditCreate,
		PerformedBy:   tx.CreatedBy,
		Details:       details,
		CreatedAt:     tx.CreatedAt,
	})
}

func (s *LedgerService) findIdempotent(ctx context.Context, createdBy, key string) (*models.Transaction, error) {
	var found *models.Transaction
	err := s.store.WithTx(ctx, func(u database.UnitOfWork) error {
		var err error
		found, err = u.FindByIdempotencyKey(ctx, createdBy, key)
		return err
	})
	if err == nil && found == nil {
		err = models.NewError(models.KindStorage, "idempotency key %q conflicted but no record was found", key)
	}
	return found, err
}

// UpdateNote replaces the note on a Pending record.
// A blank note clears the field.
func (s *LedgerService) UpdateNote(ctx context.Context, id int64, note string, caller models.Caller) (*models.Transaction, error) {
	normalized := normalizeNote(&note)
	if err := s.validateNote(normalized); err != nil {
		return nil, err
	}

	current, err := s.store.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := Authorize(caller, OpUpdateNote, current); err != nil {
		return nil, err
	}

	var updated *models.Transaction
	err = s.store.WithTx(ctx, func(u database.UnitOfWork) error {
		rec, err := u.LockTransaction(ctx, id)
		if err != nil {
			return err
		}
		if rec.Status != models.StatusPending {
			return models.NewError(models.KindInvalidState, "transaction %d is %s; only Pending notes can be edited", id, rec.Status)
		}
		if err := u.UpdateNote(ctx, id, normalized); err != nil {
			return err
		}

		details := map[string]any{"note": nil}
		if normalized != nil {
			details["note"] = *normalized
		}
		if rec.Note != nil {
			details["previous_note"] = *rec.Note
		}
		if err := s.appendAudit(ctx, u, &models.AuditEntry{
			TransactionID: id,
			Action:        models.AuditUpdate,
			PerformedBy:   caller.AccountNumber,
			Details:       details,
			CreatedAt:     s.now(),
		}); err != nil {
			return err
		}

		rec.Note = normalized
		updated = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Complete moves a Pending record to Completed and applies its balance deltas.
func (s *LedgerService) Complete(ctx context.Context, id int64, caller models.Caller) (*models.Transaction, error) {
	if err := Authorize(caller, OpComplete, nil); err != nil {
		return nil, err
	}

	var completed *models.Transaction
	err := s.store.WithTx(ctx, func(u database.UnitOfWork) error {
		rec, err := u.LockTransaction(ctx, id)
		if err != nil {
			return err
		}
		completed, err = s.complete(ctx, u, rec, caller)
		return err
	})
	if err != nil {
		s.logger.Warn("complete failed",
			zap.Int64("transaction_id", id),
			zap.String("kind", string(models.KindOf(err))),
			zap.Error(err))
		return nil, err
	}

	s.logger.Info("transaction completed", zap.Int64("transaction_id", id))
	s.publish(ctx, EventTransactionCompleted, completed, caller)
	return completed, nil
}

// complete runs with rec already locked by the current unit.
func (s *LedgerService) complete(ctx context.Context, u database.UnitOfWork, rec *models.Transaction, caller models.Caller) (*models.Transaction, error) {
	if rec.Status != models.StatusPending {
		return nil, models.NewError(models.KindInvalidState, "transaction %d is %s, not Pending", rec.ID, rec.Status)
	}

	accounts, err := lockAccounts(ctx, u, rec.Movement)
	if err != nil {
		return nil, err
	}
	for _, acct := range models.Accounts(rec.Movement) {
		if !accounts[acct].IsActive() {
			return nil, models.NewError(models.KindAccountUnavailable, "account %s is %s", acct, accounts[acct].Status)
		}
	}

	after := make(map[string]decimal.Decimal, len(accounts))
	for _, leg := range rec.Movement.Legs(rec.Amount) {
		before := accounts[leg.AccountNumber].Balance
		next := before.Add(leg.Delta)
		if leg.Delta.IsNegative() && next.IsNegative() {
			return nil, models.NewError(models.KindInsufficientFunds,
				"account %s has %s, needs %s", leg.AccountNumber, before.StringFixed(2), rec.Amount.StringFixed(2))
		}
		after[leg.AccountNumber] = next
	}

	source := rec.SourceAccount()
	snap := models.BalanceSnapshot{
		SourceBefore: accounts[source].Balance,
		SourceAfter:  after[source],
	}
	if target := rec.TargetAccount(); target != "" {
		tb, ta := accounts[target].Balance, after[target]
		snap.TargetBefore = &tb
		snap.TargetAfter = &ta
	}

	for _, leg := range rec.Movement.Legs(rec.Amount) {
		if err := u.ApplyDelta(ctx, leg.AccountNumber, leg.Delta); err != nil {
			return nil, err
		}
	}

	now := s.now()
	if err := u.MarkCompleted(ctx, rec.ID, snap, now); err != nil {
		return nil, err
	}
	if err := s.appendAudit(ctx, u, &models.AuditEntry{
		TransactionID: rec.ID,
		Action:        models.AuditComplete,
		PerformedBy:   caller.AccountNumber,
		Details:       snapshotDetails(snap),
		CreatedAt:     now,
	}); err != nil {
		return nil, err
	}

	rec.Status = models.StatusCompleted
	rec.CompletedAt = &now
	rec.Snapshot = &snap
	return rec, nil
}

// Void cancels a Pending record, or reverses a Completed one.
func (s *LedgerService) Void(ctx context.Context, id int64, reason string, caller models.Caller) (*models.Transaction, error) {
	if err := Authorize(caller, OpVoid, nil); err != nil {
		return nil, err
	}
	if err := s.validateNote(&reason); err != nil {
		return nil, err
	}
	var reasonPtr *string
	if r := strings.TrimSpace(reason); r != "" {
		reasonPtr = &r
	}

	var voided *models.Transaction
	err := s.store.WithTx(ctx, func(u database.UnitOfWork) error {
		rec, err := u.LockTransaction(ctx, id)
		if err != nil {
			return err
		}
		statusBefore := rec.Status

		switch rec.Status {
		case models.StatusPending:
		case models.StatusCompleted:
			if _, err := lockAccounts(ctx, u, rec.Movement); err != nil {
				return err
			}
			for _, leg := range rec.Movement.Legs(rec.Amount) {
				if err := u.ApplyDelta(ctx, leg.AccountNumber, leg.Delta.Neg()); err != nil {
					return err
				}
			}
		default:
			return models.NewError(models.KindInvalidState, "transaction %d is already %s", id, rec.Status)
		}

		now := s.now()
		if err := u.MarkVoided(ctx, id, now); err != nil {
			return err
		}
		if err := s.appendAudit(ctx, u, &models.AuditEntry{
			TransactionID: id,
			Action:        models.AuditVoid,
			PerformedBy:   caller.AccountNumber,
			Reason:        reasonPtr,
			Details:       map[string]any{"status_before": string(statusBefore)},
			CreatedAt:     now,
		}); err != nil {
			return err
		}
		if statusBefore == models.StatusCompleted {
			if err := s.appendAudit(ctx, u, &models.AuditEntry{
				TransactionID: id,
				Action:        models.AuditRollback,
				PerformedBy:   caller.AccountNumber,
				Reason:        reasonPtr,
				Details:       reversalDetails(rec),
				CreatedAt:     now,
			}); err != nil {
				return err
			}
		}

		rec.Status = models.StatusVoided
		rec.VoidedAt = &now
		voided = rec
		return nil
	})
	if err != nil {
		s.logger.Warn("void failed",
			zap.Int64("transaction_id", id),
			zap.String("kind", string(models.KindOf(err))),
			zap.Error(err))
		return nil, err
	}

	s.logger.Info("transaction voided", zap.Int64("transaction_id", id))
	s.publish(ctx, EventTransactionVoided, voided, caller)
	return voided, nil
}

// Adjust is the administrative balance correction. It creates and completes
// a deposit or withdrawal in one unit, so every adjustment has a ledger
// record and audit entries like any other movement.
func (s *LedgerService) Adjust(ctx context.Context, accountNumber string, delta decimal.Decimal, note string, caller models.Caller) (*models.Transaction, error) {
	if err := Authorize(caller, OpAdjust, nil); err != nil {
		return nil, err
	}
	if delta.IsZero() {
		return nil, models.NewError(models.KindInvalidArgument, "adjustment must not be zero")
	}
	txType := models.TypeDeposit
	if delta.IsNegative() {
		txType = models.TypeWithdraw
	}
	movement, err := s.validateCreate(CreateRequest{
		Type:   txType,
		Source: accountNumber,
		Amount: delta.Abs(),
		Note:   &note,
	})
	if err != nil {
		return nil, err
	}

	tx := &models.Transaction{
		Movement:  movement,
		Status:    models.StatusPending,
		Amount:    delta.Abs(),
		Fee:       decimal.Zero,
		Note:      normalizeNote(&note),
		CreatedBy: caller.AccountNumber,
		CreatedAt: s.now(),
	}

	var completed *models.Transaction
	err = s.store.WithTx(ctx, func(u database.UnitOfWork) error {
		if err := s.insert(ctx, u, tx); err != nil {
			return err
		}
		rec, err := u.LockTransaction(ctx, tx.ID)
		if err != nil {
			return err
		}
		completed, err = s.complete(ctx, u, rec, caller)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("balance adjusted",
		zap.String("account_number", accountNumber),
		zap.String("delta", delta.String()),
		zap.Int64("transaction_id", completed.ID))
	s.publish(ctx, EventTransactionCompleted, completed, caller)
	return completed, nil
}

// Get returns one record if the caller may see it.
func (s *LedgerService) Get(ctx context.Context, id int64, caller models.Caller) (*models.Transaction, error) {
	rec, err := s.store.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := Authorize(caller, OpRead, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// AuditTrail returns the entries of one record, oldest first.
func (s *LedgerService) AuditTrail(ctx context.Context, id int64, caller models.Caller) ([]models.AuditEntry, error) {
	if _, err := s.Get(ctx, id, caller); err != nil {
		return nil, err
	}
	return s.store.ListAudit(ctx, id)
}

// ListAccounts is the administrator's account directory.
func (s *LedgerService) ListAccounts(ctx context.Context, filter models.AccountFilter, caller models.Caller) ([]models.Account, error) {
	if err := Authorize(caller, OpListAccounts, nil); err != nil {
		return nil, err
	}
	return s.store.ListAccounts(ctx, filter)
}

// lockAccounts takes row locks on every account of m in ascending account
// number order. Two opposite transfers between the same pair therefore lock
// in the same order and cannot deadlock each other.
func lockAccounts(ctx context.Context, u database.UnitOfWork, m models.Movement) (map[string]*models.Account, error) {
	numbers := models.Accounts(m)
	sort.Strings(numbers)

	locked := make(map[string]*models.Account, len(numbers))
	for _, n := range numbers {
		acct, err := u.LockAndRead(ctx, n)
		if err != nil {
			return nil, err
		}
		locked[n] = acct
	}
	return locked, nil
}

func (s *LedgerService) appendAudit(ctx context.Context, u database.UnitOfWork, entry *models.AuditEntry) error {
	if err := u.AppendAudit(ctx, entry); err != nil {
		return err
	}
	fields := []zap.Field{
		zap.Int64("transaction_id", entry.TransactionID),
		zap.String("action", string(entry.Action)),
		zap.String("performed_by", entry.PerformedBy),
	}
	if entry.Reason != nil {
		fields = append(fields, zap.String("reason", *entry.Reason))
	}
	s.audit.Info("ledger audit", fields...)
	return nil
}

func (s *LedgerService) publish(ctx context.Context, eventType string, rec *models.Transaction, caller models.Caller) {
	event := Event{
		ID:          uuid.NewString(),
		Type:        eventType,
		OccurredAt:  s.now(),
		PerformedBy: caller.AccountNumber,
		Transaction: rec,
	}
	if err := s.publisher.Publish(context.WithoutCancel(ctx), event); err != nil {
		s.logger.Warn("event publish failed",
			zap.String("event_id", event.ID),
			zap.String("type", eventType),
			zap.Int64("transaction_id", rec.ID),
			zap.Error(err))
	}
}

func snapshotDetails(snap models.BalanceSnapshot) map[string]any {
	d := map[string]any{
		"source_balance_before": snap.SourceBefore.String(),
		"source_balance_after":  snap.SourceAfter.String(),
	}
	if snap.TargetBefore != nil && snap.TargetAfter != nil {
		d["target_balance_before"] = snap.TargetBefore.String()
		d["target_balance_after"] = snap.TargetAfter.String()
	}
	return d
}

func reversalDetails(rec *models.Transaction) map[string]any {
	deltas := map[string]any{}
	for _, leg := range rec.Movement.Legs(rec.Amount) {
		deltas[leg.AccountNumber] = leg.Delta.Neg().String()
	}
	return map[string]any{"reversed_deltas": deltas}
}

func normalizeNote(note *string) *string {
	if note == nil {
		return nil
	}
	n := strings.TrimSpace(*note)
	if n == "" {
		return nil
	}
	return &n
}
