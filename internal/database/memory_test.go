package database

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/corebank/ledger/internal/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seededMemory() *MemoryStore {
	return NewMemoryStore(
		models.Account{AccountNumber: "1001", Name: "Ada Lovelace", Balance: decimal.NewFromInt(500), Status: models.AccountActive},
		models.Account{AccountNumber: "1002", Name: "Alan Turing", Balance: decimal.NewFromInt(50), Status: models.AccountActive},
		models.Account{AccountNumber: "1003", Name: "Closed", Balance: decimal.Zero, Status: models.AccountArchived},
	)
}

func insert(t *testing.T, m *MemoryStore, tx *models.Transaction) {
	t.Helper()
	err := m.WithTx(context.Background(), func(u UnitOfWork) error {
		return u.InsertTransaction(context.Background(), tx)
	})
	require.NoError(t, err)
}

func TestMemoryStore_RollbackDiscardsWrites(t *testing.T) {
	ctx := context.Background()
	m := seededMemory()

	boom := errors.New("boom")
	err := m.WithTx(ctx, func(u UnitOfWork) error {
		tx := &models.Transaction{
			Movement: models.Deposit{Account: "1001"}, Status: models.StatusPending,
			Amount: decimal.NewFromInt(10), CreatedBy: "1001", IdempotencyKey: "k1",
		}
		if err := u.InsertTransaction(ctx, tx); err != nil {
			return err
		}
		if err := u.ApplyDelta(ctx, "1001", decimal.NewFromInt(10)); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	acct, err := m.GetAccount(ctx, "1001")
	require.NoError(t, err)
	assert.True(t, acct.Balance.Equal(decimal.NewFromInt(500)))

	_, err = m.GetTransaction(ctx, 1)
	assert.ErrorIs(t, err, models.ErrNotFound)

	// the idempotency key was released with the rollback
	err = m.WithTx(ctx, func(u UnitOfWork) error {
		found, err := u.FindByIdempotencyKey(ctx, "1001", "k1")
		assert.Nil(t, found)
		return err
	})
	assert.NoError(t, err)
}

func TestMemoryStore_Idempotency(t *testing.T) {
	ctx := context.Background()
	m := seededMemory()

	first := &models.Transaction{
		Movement: models.Withdrawal{Account: "1001"}, Status: models.StatusPending,
		Amount: decimal.NewFromInt(5), CreatedBy: "1001", IdempotencyKey: "same",
	}
	insert(t, m, first)

	err := m.WithTx(ctx, func(u UnitOfWork) error {
		return u.InsertTransaction(ctx, &models.Transaction{
			Movement: models.Withdrawal{Account: "1001"}, Status: models.StatusPending,
			Amount: decimal.NewFromInt(5), CreatedBy: "1001", IdempotencyKey: "same",
		})
	})
	assert.ErrorIs(t, err, ErrDuplicateIdempotencyKey)

	// keys are scoped to the creator
	insert(t, m, &models.Transaction{
		Movement: models.Deposit{Account: "1002"}, Status: models.StatusPending,
		Amount: decimal.NewFromInt(5), CreatedBy: "0000", IdempotencyKey: "same",
	})

	err = m.WithTx(ctx, func(u UnitOfWork) error {
		found, err := u.FindByIdempotencyKey(ctx, "1001", "same")
		require.NotNil(t, found)
		assert.Equal(t, first.ID, found.ID)
		return err
	})
	assert.NoError(t, err)
}

func TestMemoryStore_InsertRejectsUnknownAccount(t *testing.T) {
	m := seededMemory()
	err := m.WithTx(context.Background(), func(u UnitOfWork) error {
		return u.InsertTransaction(context.Background(), &models.Transaction{
			Movement: models.Transfer{From: "1001", To: "4040"}, Status: models.StatusPending,
			Amount: decimal.NewFromInt(1), CreatedBy: "1001",
		})
	})
	assert.ErrorIs(t, err, models.ErrAccountNotFound)
}

func TestMemoryStore_ReturnedRecordsAreCopies(t *testing.T) {
	ctx := context.Background()
	m := seededMemory()
	note := "original"
	insert(t, m, &models.Transaction{
		Movement: models.Deposit{Account: "1001"}, Status: models.StatusPending,
		Amount: decimal.NewFromInt(1), Note: &note, CreatedBy: "1001",
	})

	got, err := m.GetTransaction(ctx, 1)
	require.NoError(t, err)
	*got.Note = "mutated"

	again, err := m.GetTransaction(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "original", *again.Note)
}

func TestMemoryStore_History(t *testing.T) {
	ctx := context.Background()
	m := seededMemory()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	movements := []models.Movement{
		models.Deposit{Account: "1001"},
		models.Transfer{From: "1001", To: "1002"},
		models.Withdrawal{Account: "1002"},
		models.Transfer{From: "1002", To: "1001"},
	}
	for i, mv := range movements {
		insert(t, m, &models.Transaction{
			Movement: mv, Status: models.StatusPending, Amount: decimal.NewFromInt(int64(10 * (i + 1))),
			CreatedBy: mv.Source(), CreatedAt: base.Add(time.Duration(i) * time.Hour),
		})
	}

	all, err := m.History(ctx, models.HistoryFilter{Account: "1001"})
	require.NoError(t, err)
	ids := make([]int64, len(all))
	for i, tx := range all {
		ids[i] = tx.ID
	}
	assert.Equal(t, []int64{4, 2, 1}, ids)

	in, err := m.History(ctx, models.HistoryFilter{Account: "1001", Direction: models.DirectionIn})
	require.NoError(t, err)
	require.Len(t, in, 2)
	assert.Equal(t, int64(4), in[0].ID)
	assert.Equal(t, int64(1), in[1].ID)

	page, err := m.History(ctx, models.HistoryFilter{Account: "1002", AfterID: 4, Limit: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, int64(3), page[0].ID)
}

func TestMemoryStore_Settlements(t *testing.T) {
	ctx := context.Background()
	m := seededMemory()
	march := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 4; i++ {
		insert(t, m, &models.Transaction{
			Movement: models.Deposit{Account: "1001"}, Status: models.StatusPending,
			Amount: decimal.NewFromInt(10), CreatedBy: "1001", CreatedAt: march.AddDate(0, -1, 0),
		})
	}
	insert(t, m, &models.Transaction{
		Movement: models.Transfer{From: "1002", To: "1001"}, Status: models.StatusPending,
		Amount: decimal.NewFromInt(5), CreatedBy: "1002", CreatedAt: march,
	})

	snap := models.BalanceSnapshot{}
	err := m.WithTx(ctx, func(u UnitOfWork) error {
		// 1 completes in February and is voided in March, 2 and 3 complete in
		// reverse id order, 4 stays pending, 5 arrives from 1002
		steps := []struct {
			id int64
			at time.Time
		}{
			{1, march.Add(-time.Hour)},
			{3, march.Add(time.Hour)},
			{2, march.Add(2 * time.Hour)},
			{5, march.Add(3 * time.Hour)},
		}
		for _, s := range steps {
			if err := u.MarkCompleted(ctx, s.id, snap, s.at); err != nil {
				return err
			}
		}
		return u.MarkVoided(ctx, 1, march.Add(4*time.Hour))
	})
	require.NoError(t, err)

	got, err := m.Settlements(ctx, "1001", march)
	require.NoError(t, err)
	ids := make([]int64, len(got))
	for i, tx := range got {
		ids[i] = tx.ID
	}
	assert.Equal(t, []int64{1, 3, 2, 5}, ids)

	later, err := m.Settlements(ctx, "1001", march.Add(150*time.Minute))
	require.NoError(t, err)
	require.Len(t, later, 2)
	assert.Equal(t, int64(1), later[0].ID, "voided after since")
	assert.Equal(t, int64(5), later[1].ID)

	other, err := m.Settlements(ctx, "1003", march)
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestMemoryStore_ListAccounts(t *testing.T) {
	ctx := context.Background()
	m := seededMemory()

	active, err := m.ListAccounts(ctx, models.AccountFilter{})
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "1001", active[0].AccountNumber)

	all, err := m.ListAccounts(ctx, models.AccountFilter{IncludeArchived: true})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	byName, err := m.ListAccounts(ctx, models.AccountFilter{Query: "turing"})
	require.NoError(t, err)
	require.Len(t, byName, 1)
	assert.Equal(t, "1002", byName[0].AccountNumber)
}

func TestParseSeedAccounts(t *testing.T) {
	accounts, err := ParseSeedAccounts([]string{"0000:Bank Admin:0", "1001:Ada:250.50"})
	require.NoError(t, err)
	require.Len(t, accounts, 2)
	assert.Equal(t, "Bank Admin", accounts[0].Name)
	assert.True(t, accounts[1].Balance.Equal(decimal.RequireFromString("250.50")))
	assert.Equal(t, models.AccountActive, accounts[1].Status)

	for _, bad := range []string{"1001:Ada", "12:Short:1", "1001:Ada:lots"} {
		_, err := ParseSeedAccounts([]string{bad})
		assert.Error(t, err, bad)
	}
}
