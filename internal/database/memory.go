package database

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/corebank/ledger/internal/models"
	"github.com/shopspring/decimal"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// MemoryStore implements LedgerStore in process. Units of work are serialized
// by a single mutex, which gives the same outcome as row locks at lower concurrency.
type MemoryStore struct {
	mu           sync.RWMutex
	accounts     map[string]models.Account
	transactions []models.Transaction // index is ID-1
	audit        []models.AuditEntry
	idempotency  map[idemKey]int64
}

type idemKey struct {
	CreatedBy string
	Key       string
}

func NewMemoryStore(accounts ...models.Account) *MemoryStore {
	m := &MemoryStore{
		accounts:    make(map[string]models.Account),
		idempotency: make(map[idemKey]int64),
	}
	for _, a := range accounts {
		m.accounts[a.AccountNumber] = a
	}
	return m
}

// PutAccount creates or replaces an account outside any unit of work.
func (m *MemoryStore) PutAccount(a models.Account) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[a.AccountNumber] = a
}

// WithTx runs fn with the store locked, restoring a snapshot if fn fails.
func (m *MemoryStore) WithTx(ctx context.Context, fn func(UnitOfWork) error) error {
	if err := ctx.Err(); err != nil {
		return models.StorageError("begin unit of work", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	snap := m.snapshot()
	if err := fn(&memoryUnit{m: m}); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

type memorySnapshot struct {
	accounts     map[string]models.Account
	transactions []models.Transaction
	audit        []models.AuditEntry
	idempotency  map[idemKey]int64
}

func (m *MemoryStore) snapshot() memorySnapshot {
	accounts := make(map[string]models.Account, len(m.accounts))
	for k, v := range m.accounts {
		accounts[k] = v
	}
	idem := make(map[idemKey]int64, len(m.idempotency))
	for k, v := range m.idempotency {
		idem[k] = v
	}
	return memorySnapshot{
		accounts:     accounts,
		transactions: append([]models.Transaction(nil), m.transactions...),
		audit:        append([]models.AuditEntry(nil), m.audit...),
		idempotency:  idem,
	}
}

func (m *MemoryStore) restore(s memorySnapshot) {
	m.accounts = s.accounts
	m.transactions = s.transactions
	m.audit = s.audit
	m.idempotency = s.idempotency
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (m *MemoryStore) GetTransaction(_ context.Context, id int64) (*models.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.transactionLocked(id)
}

func (m *MemoryStore) GetAccount(_ context.Context, accountNumber string) (*models.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.accountLocked(accountNumber)
}

func (m *MemoryStore) ListAudit(_ context.Context, transactionID int64) ([]models.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := []models.AuditEntry{}
	for _, e := range m.audit {
		if e.TransactionID == transactionID {
			entries = append(entries, e)
		}
	}
	return entries, nil
}

func (m *MemoryStore) History(_ context.Context, f models.HistoryFilter) ([]models.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := []models.Transaction{}
	for i := len(m.transactions) - 1; i >= 0; i-- {
		t := &m.transactions[i]
		if !f.Matches(t) {
			continue
		}
		result = append(result, cloneTransaction(*t))
		if f.Limit > 0 && len(result) == f.Limit {
			break
		}
	}
	return result, nil
}

func (m *MemoryStore) Settlements(_ context.Context, accountNumber string, since time.Time) ([]models.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := []models.Transaction{}
	for i := range m.transactions {
		t := &m.transactions[i]
		if t.CompletedAt == nil || !t.Involves(accountNumber) {
			continue
		}
		if t.CompletedAt.Before(since) && (t.VoidedAt == nil || t.VoidedAt.Before(since)) {
			continue
		}
		result = append(result, cloneTransaction(*t))
	}
	// records are held in id order, so ties on completion time stay in id order
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CompletedAt.Before(*result[j].CompletedAt)
	})
	return result, nil
}

func (m *MemoryStore) ListAccounts(_ context.Context, f models.AccountFilter) ([]models.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	q := strings.ToLower(f.Query)
	result := []models.Account{}
	for _, a := range m.accounts {
		if a.Status == models.AccountArchived && !f.IncludeArchived {
			continue
		}
		if q != "" && !strings.Contains(a.AccountNumber, q) && !strings.Contains(strings.ToLower(a.Name), q) {
			continue
		}
		result = append(result, a)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].AccountNumber < result[j].AccountNumber
	})
	return result, nil
}

func (m *MemoryStore) transactionLocked(id int64) (*models.Transaction, error) {
	if id < 1 || id > int64(len(m.transactions)) {
		return nil, models.NewError(models.KindNotFound, "transaction %d not found", id)
	}
	t := cloneTransaction(m.transactions[id-1])
	return &t, nil
}

func (m *MemoryStore) accountLocked(accountNumber string) (*models.Account, error) {
	a, ok := m.accounts[accountNumber]
	if !ok {
		return nil, models.NewError(models.KindAccountNotFound, "account %s not found", accountNumber)
	}
	return &a, nil
}

// cloneTransaction copies every pointer field so callers never alias stored state.
func cloneTransaction(t models.Transaction) models.Transaction {
	if t.Note != nil {
		n := *t.Note
		t.Note = &n
	}
	if t.CompletedAt != nil {
		c := *t.CompletedAt
		t.CompletedAt = &c
	}
	if t.VoidedAt != nil {
		v := *t.VoidedAt
		t.VoidedAt = &v
	}
	if t.Snapshot != nil {
		s := *t.Snapshot
		t.Snapshot = &s
	}
	return t
}

// memoryUnit runs with the store's write lock held.
type memoryUnit struct {
	m *MemoryStore
}

func (u *memoryUnit) GetAccount(_ context.Context, accountNumber string) (*models.Account, error) {
	return u.m.accountLocked(accountNumber)
}

func (u *memoryUnit) LockAndRead(_ context.Context, accountNumber string) (*models.Account, error) {
	return u.m.accountLocked(accountNumber)
}

func (u *memoryUnit) ApplyDelta(_ context.Context, accountNumber string, delta decimal.Decimal) error {
	a, ok := u.m.accounts[accountNumber]
	if !ok {
		return models.NewError(models.KindAccountNotFound, "account %s not found", accountNumber)
	}
	a.Balance = a.Balance.Add(delta)
	u.m.accounts[accountNumber] = a
	return nil
}

func (u *memoryUnit) InsertTransaction(_ context.Context, t *models.Transaction) error {
	for _, acct := range models.Accounts(t.Movement) {
		if _, ok := u.m.accounts[acct]; !ok {
			return models.NewError(models.KindAccountNotFound, "account %s not found", acct)
		}
	}
	k := idemKey{CreatedBy: t.CreatedBy, Key: t.IdempotencyKey}
	if t.IdempotencyKey != "" {
		if _, dup := u.m.idempotency[k]; dup {
			return ErrDuplicateIdempotencyKey
		}
	}

	t.ID = int64(len(u.m.transactions)) + 1
	u.m.transactions = append(u.m.transactions, cloneTransaction(*t))
	if t.IdempotencyKey != "" {
		u.m.idempotency[k] = t.ID
	}
	return nil
}

func (u *memoryUnit) LockTransaction(_ context.Context, id int64) (*models.Transaction, error) {
	return u.m.transactionLocked(id)
}

func (u *memoryUnit) FindByIdempotencyKey(_ context.Context, createdBy, key string) (*models.Transaction, error) {
	if key == "" {
		return nil, nil
	}
	id, ok := u.m.idempotency[idemKey{CreatedBy: createdBy, Key: key}]
	if !ok {
		return nil, nil
	}
	return u.m.transactionLocked(id)
}

func (u *memoryUnit) UpdateNote(_ context.Context, id int64, note *string) error {
	return u.update(id, func(t *models.Transaction) {
		t.Note = nil
		if note != nil {
			n := *note
			t.Note = &n
		}
	})
}

func (u *memoryUnit) MarkCompleted(_ context.Context, id int64, snap models.BalanceSnapshot, at time.Time) error {
	return u.update(id, func(t *models.Transaction) {
		t.Status = models.StatusCompleted
		t.CompletedAt = &at
		t.Snapshot = &snap
	})
}

func (u *memoryUnit) MarkVoided(_ context.Context, id int64, at time.Time) error {
	return u.update(id, func(t *models.Transaction) {
		t.Status = models.StatusVoided
		t.VoidedAt = &at
	})
}

// update replaces the stored record so snapshots taken earlier stay intact.
func (u *memoryUnit) update(id int64, fn func(*models.Transaction)) error {
	t, err := u.m.transactionLocked(id)
	if err != nil {
		return err
	}
	fn(t)
	u.m.transactions[id-1] = *t
	return nil
}

func (u *memoryUnit) AppendAudit(_ context.Context, e *models.AuditEntry) error {
	e.ID = int64(len(u.m.audit)) + 1
	u.m.audit = append(u.m.audit, *e)
	return nil
}

// ParseSeedAccounts reads "number:name:balance" entries for the memory store.
func ParseSeedAccounts(entries []string) ([]models.Account, error) {
	accounts := make([]models.Account, 0, len(entries))
	for _, entry := range entries {
		parts := strings.SplitN(entry, ":", 3)
		if len(parts) != 3 {
			return nil, fmt.Errorf("seed account %q: want number:name:balance", entry)
		}
		if !models.ValidAccountNumber(parts[0]) {
			return nil, fmt.Errorf("seed account %q: invalid account number", entry)
		}
		balance, err := decimal.NewFromString(parts[2])
		if err != nil {
			return nil, fmt.Errorf("seed account %q: %w", entry, err)
		}
		accounts = append(accounts, models.Account{
			AccountNumber: parts[0],
			Name:          parts[1],
			Balance:       balance,
			Status:        models.AccountActive,
		})
	}
	return accounts, nil
}
