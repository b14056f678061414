package services

import (
	"bytes"
	"context"
	"encoding/csv"
	"testing"
	"time"

	"github.com/corebank/ledger/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"
)

// newHistoryFixture seeds four records for account 1001:
// two completed deposits, one completed transfer to 1002 and a pending withdrawal.
func newHistoryFixture(t *testing.T) (*HistoryService, *LedgerService) {
	t.Helper()
	ctx := context.Background()
	ledger, store, _ := newLedgerFixture(t)

	for _, amount := range []string{"100", "20"} {
		tx := mustCreate(t, ledger, CreateRequest{Type: models.TypeDeposit, Source: "1001", Amount: dec(amount)}, alice)
		_, err := ledger.Complete(ctx, tx.ID, admin)
		require.NoError(t, err)
	}
	note := "rent"
	transfer := mustCreate(t, ledger, CreateRequest{Type: models.TypeTransfer, Source: "1001", Target: "1002", Amount: dec("50"), Note: &note}, alice)
	_, err := ledger.Complete(ctx, transfer.ID, admin)
	require.NoError(t, err)
	mustCreate(t, ledger, CreateRequest{Type: models.TypeWithdraw, Source: "1001", Amount: dec("5")}, alice)

	return NewHistoryService(store, zap.NewNop(), 2, 100), ledger
}

func ids(txs []models.Transaction) []int64 {
	out := make([]int64, len(txs))
	for i, t := range txs {
		out[i] = t.ID
	}
	return out
}

func TestHistoryService_Paging(t *testing.T) {
	ctx := context.Background()
	svc, _ := newHistoryFixture(t)

	first, err := svc.History(ctx, HistoryQuery{}, alice)
	require.NoError(t, err)
	assert.Equal(t, []int64{4, 3}, ids(first.Transactions))
	require.NotEmpty(t, first.NextCursor)

	second, err := svc.History(ctx, HistoryQuery{Cursor: first.NextCursor}, alice)
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 1}, ids(second.Transactions))
	assert.Empty(t, second.NextCursor)
}

func TestHistoryService_Filters(t *testing.T) {
	ctx := context.Background()
	svc, _ := newHistoryFixture(t)
	minAmount := dec("20")

	tests := []struct {
		name  string
		query HistoryQuery
		want  []int64
	}{
		{"status", HistoryQuery{Status: models.StatusPending}, []int64{4}},
		{"type", HistoryQuery{Type: models.TypeDeposit, Limit: 10}, []int64{2, 1}},
		{"outgoing", HistoryQuery{Direction: models.DirectionOut}, []int64{4, 3}},
		{"minimum amount", HistoryQuery{MinAmount: &minAmount, Limit: 2}, []int64{3, 2}},
		{"note search", HistoryQuery{Query: "REN"}, []int64{3}},
		{"month", HistoryQuery{Month: "2024-03", Status: models.StatusCompleted, Limit: 2}, []int64{3, 2}},
		{"other month", HistoryQuery{Month: "2024-04"}, []int64{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page, err := svc.History(ctx, tt.query, alice)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ids(page.Transactions))
		})
	}
}

func TestHistoryService_TargetSeesIncomingTransfer(t *testing.T) {
	svc, _ := newHistoryFixture(t)

	page, err := svc.History(context.Background(), HistoryQuery{Direction: models.DirectionIn}, bob)
	require.NoError(t, err)
	require.Len(t, page.Transactions, 1)
	assert.Equal(t, models.TypeTransfer, page.Transactions[0].Type())
}

func TestHistoryService_Rejections(t *testing.T) {
	ctx := context.Background()
	svc, _ := newHistoryFixture(t)
	from := fixedNow
	to := fixedNow.Add(-time.Hour)
	lo, hi := dec("10"), dec("1")

	tests := []struct {
		name   string
		query  HistoryQuery
		caller models.Caller
		kind   models.ErrorKind
	}{
		{"someone else's account", HistoryQuery{Account: "1001"}, bob, models.KindForbidden},
		{"malformed account", HistoryQuery{Account: "abc"}, admin, models.KindInvalidArgument},
		{"malformed cursor", HistoryQuery{Cursor: "!!"}, alice, models.KindInvalidArgument},
		{"non numeric cursor", HistoryQuery{Cursor: EncodeCursor(0)}, alice, models.KindInvalidArgument},
		{"month with range", HistoryQuery{Month: "2024-03", From: &from}, alice, models.KindInvalidArgument},
		{"bad month", HistoryQuery{Month: "March"}, alice, models.KindInvalidArgument},
		{"inverted range", HistoryQuery{From: &from, To: &to}, alice, models.KindInvalidArgument},
		{"inverted amounts", HistoryQuery{MinAmount: &lo, MaxAmount: &hi}, alice, models.KindInvalidArgument},
		{"unknown type", HistoryQuery{Type: "refund"}, alice, models.KindInvalidArgument},
		{"unknown status", HistoryQuery{Status: "Done"}, alice, models.KindInvalidArgument},
		{"unknown direction", HistoryQuery{Direction: "sideways"}, alice, models.KindInvalidArgument},
		{"negative limit", HistoryQuery{Limit: -1}, alice, models.KindInvalidArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.History(ctx, tt.query, tt.caller)
			require.Error(t, err)
			assert.Equal(t, tt.kind, models.KindOf(err))
		})
	}
}

func TestHistoryService_AdminSeesEveryAccount(t *testing.T) {
	svc, _ := newHistoryFixture(t)

	page, err := svc.History(context.Background(), HistoryQuery{Account: "1002"}, admin)
	require.NoError(t, err)
	assert.Equal(t, []int64{3}, ids(page.Transactions))
}

func TestCursorRoundTrip(t *testing.T) {
	id, err := DecodeCursor(EncodeCursor(42))
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)
}

func TestMonthRange(t *testing.T) {
	from, to, err := MonthRange("2024-02")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC), from)
	assert.Equal(t, time.Date(2024, 2, 29, 23, 59, 59, 999999999, time.UTC), to)
}

func TestHistoryService_ExportCSV(t *testing.T) {
	svc, _ := newHistoryFixture(t)

	var buf bytes.Buffer
	require.NoError(t, svc.ExportCSV(context.Background(), &buf, HistoryQuery{}, alice))

	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 5, "header plus every record, ignoring the page size")
	assert.Equal(t, exportHeader, rows[0])
	assert.Equal(t, []string{"3", "2024-03-15T09:30:00Z", "transfer", "Completed", "1001", "1002", "50.00", "0.00", "rent", "2024-03-15T09:30:00Z", ""}, rows[2])
	assert.Equal(t, "Pending", rows[1][3])
}

func TestHistoryService_ExportCSVForbidden(t *testing.T) {
	svc, _ := newHistoryFixture(t)

	var buf bytes.Buffer
	err := svc.ExportCSV(context.Background(), &buf, HistoryQuery{Account: "1001"}, carol)
	assert.ErrorIs(t, err, models.ErrForbidden)
	assert.Zero(t, buf.Len())
}

func TestHistoryService_ExportXLSX(t *testing.T) {
	svc, _ := newHistoryFixture(t)

	var buf bytes.Buffer
	require.NoError(t, svc.ExportXLSX(context.Background(), &buf, HistoryQuery{Type: models.TypeDeposit}, alice))

	f, err := excelize.OpenReader(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	defer f.Close()

	rows, err := f.GetRows(exportSheet)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, exportHeader, rows[0])
	assert.Equal(t, "2", rows[1][0])
	assert.Equal(t, "20.00", rows[1][6])
}

func TestHistoryService_Statement(t *testing.T) {
	svc, _ := newHistoryFixture(t)

	st, err := svc.Statement(context.Background(), "1001", "2024-03", alice)
	require.NoError(t, err)

	assert.Equal(t, "Alice", st.AccountName)
	assert.Len(t, st.Lines, 3, "pending records stay off the statement")
	assert.True(t, st.TotalIn.Equal(dec("120")))
	assert.True(t, st.TotalOut.Equal(dec("50")))
	assert.True(t, st.OpeningBalance.Equal(dec("100")))
	assert.True(t, st.ClosingBalance.Equal(dec("170")))
}

func TestHistoryService_StatementTargetSide(t *testing.T) {
	svc, _ := newHistoryFixture(t)

	st, err := svc.Statement(context.Background(), "", "2024-03", bob)
	require.NoError(t, err)
	assert.Equal(t, "1002", st.AccountNumber)
	assert.True(t, st.TotalIn.Equal(dec("50")))
	assert.True(t, st.TotalOut.IsZero())
	assert.True(t, st.OpeningBalance.Equal(dec("30")))
	assert.True(t, st.ClosingBalance.Equal(dec("80")))
}

func TestHistoryService_EmptyStatement(t *testing.T) {
	svc, _ := newHistoryFixture(t)

	st, err := svc.Statement(context.Background(), "1004", "2024-03", carol)
	require.NoError(t, err)
	assert.Empty(t, st.Lines)
	assert.True(t, st.OpeningBalance.Equal(dec("10")))
	assert.True(t, st.ClosingBalance.Equal(dec("10")))
}

func TestHistoryService_StatementRejections(t *testing.T) {
	svc, _ := newHistoryFixture(t)
	ctx := context.Background()

	_, err := svc.Statement(ctx, "1001", "2024-03", bob)
	assert.ErrorIs(t, err, models.ErrForbidden)

	_, err = svc.Statement(ctx, "1001", "March", alice)
	assert.ErrorIs(t, err, models.ErrInvalidArgument)

	_, err = svc.Statement(ctx, "9999", "2024-03", admin)
	assert.ErrorIs(t, err, models.ErrAccountNotFound)
}

// stepClock advances one minute per reading, so every state change gets its
// own timestamp. Set moves it to an arbitrary instant.
type stepClock struct {
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.now = c.now.Add(time.Minute)
	return c.now
}

func (c *stepClock) Set(t time.Time) {
	c.now = t
}

func newStatementFixture(t *testing.T) (*HistoryService, *LedgerService, *stepClock) {
	t.Helper()
	store := newMemoryStore()
	clock := &stepClock{now: fixedNow}
	ledger := NewLedgerService(store, zap.NewNop(), WithClock(clock.Now))
	return NewHistoryService(store, zap.NewNop(), 10, 100), ledger, clock
}

func lineIDs(lines []StatementLine) []int64 {
	out := make([]int64, len(lines))
	for i, l := range lines {
		out[i] = l.TransactionID
	}
	return out
}

func TestHistoryService_StatementFollowsCompletionOrder(t *testing.T) {
	ctx := context.Background()
	svc, ledger, _ := newStatementFixture(t)

	deposit := mustCreate(t, ledger, CreateRequest{Type: models.TypeDeposit, Source: "1001", Amount: dec("10")}, alice)
	withdrawal := mustCreate(t, ledger, CreateRequest{Type: models.TypeWithdraw, Source: "1001", Amount: dec("30")}, alice)
	_, err := ledger.Complete(ctx, withdrawal.ID, admin)
	require.NoError(t, err)
	_, err = ledger.Complete(ctx, deposit.ID, admin)
	require.NoError(t, err)

	st, err := svc.Statement(ctx, "1001", "2024-03", alice)
	require.NoError(t, err)

	assert.Equal(t, []int64{withdrawal.ID, deposit.ID}, lineIDs(st.Lines))
	assert.True(t, st.OpeningBalance.Equal(dec("100")), st.OpeningBalance.String())
	assert.True(t, st.ClosingBalance.Equal(dec("80")), st.ClosingBalance.String())
	assert.True(t, st.Lines[0].Amount.Equal(dec("-30")))
	assert.True(t, st.Lines[0].BalanceAfter.Equal(dec("70")))
	assert.True(t, st.Lines[1].BalanceBefore.Equal(dec("70")))
	assert.True(t, st.TotalIn.Equal(dec("10")))
	assert.True(t, st.TotalOut.Equal(dec("30")))
}

func TestHistoryService_StatementUsesCompletionMonth(t *testing.T) {
	ctx := context.Background()
	svc, ledger, clock := newStatementFixture(t)

	clock.Set(time.Date(2024, 2, 29, 23, 0, 0, 0, time.UTC))
	tx := mustCreate(t, ledger, CreateRequest{Type: models.TypeDeposit, Source: "1001", Amount: dec("25")}, alice)
	clock.Set(time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC))
	_, err := ledger.Complete(ctx, tx.ID, admin)
	require.NoError(t, err)

	feb, err := svc.Statement(ctx, "1001", "2024-02", alice)
	require.NoError(t, err)
	assert.Empty(t, feb.Lines, "created in February but settled in March")
	assert.True(t, feb.OpeningBalance.Equal(dec("100")))
	assert.True(t, feb.ClosingBalance.Equal(dec("100")))

	mar, err := svc.Statement(ctx, "1001", "2024-03", alice)
	require.NoError(t, err)
	assert.Equal(t, []int64{tx.ID}, lineIDs(mar.Lines))
	assert.True(t, mar.OpeningBalance.Equal(dec("100")))
	assert.True(t, mar.ClosingBalance.Equal(dec("125")))
}

func TestHistoryService_StatementShowsReversal(t *testing.T) {
	ctx := context.Background()
	svc, ledger, clock := newStatementFixture(t)

	clock.Set(time.Date(2024, 3, 20, 10, 0, 0, 0, time.UTC))
	tx := mustCreate(t, ledger, CreateRequest{Type: models.TypeDeposit, Source: "1001", Amount: dec("40")}, alice)
	_, err := ledger.Complete(ctx, tx.ID, admin)
	require.NoError(t, err)
	dropped := mustCreate(t, ledger, CreateRequest{Type: models.TypeDeposit, Source: "1001", Amount: dec("7")}, alice)
	_, err = ledger.Void(ctx, dropped.ID, "", admin)
	require.NoError(t, err)

	clock.Set(time.Date(2024, 4, 2, 9, 0, 0, 0, time.UTC))
	_, err = ledger.Void(ctx, tx.ID, "customer dispute", admin)
	require.NoError(t, err)

	mar, err := svc.Statement(ctx, "1001", "2024-03", alice)
	require.NoError(t, err)
	require.Len(t, mar.Lines, 1, "a record voided while pending never moved money")
	assert.Equal(t, LineCompletion, mar.Lines[0].Kind)
	assert.True(t, mar.OpeningBalance.Equal(dec("100")))
	assert.True(t, mar.ClosingBalance.Equal(dec("140")))

	apr, err := svc.Statement(ctx, "1001", "2024-04", alice)
	require.NoError(t, err)
	require.Len(t, apr.Lines, 1)
	line := apr.Lines[0]
	assert.Equal(t, LineReversal, line.Kind)
	assert.Equal(t, tx.ID, line.TransactionID)
	assert.True(t, line.Amount.Equal(dec("-40")))
	assert.True(t, line.BalanceBefore.Equal(dec("140")))
	assert.True(t, line.BalanceAfter.Equal(dec("100")))
	assert.True(t, apr.OpeningBalance.Equal(dec("140")))
	assert.True(t, apr.ClosingBalance.Equal(dec("100")))
	assert.True(t, apr.TotalOut.Equal(dec("40")))
	assert.True(t, apr.TotalIn.IsZero())
}

func TestHistoryService_StatementCompleteAndVoidInOneMonth(t *testing.T) {
	ctx := context.Background()
	svc, ledger, _ := newStatementFixture(t)

	tx := mustCreate(t, ledger, CreateRequest{Type: models.TypeTransfer, Source: "1001", Target: "1002", Amount: dec("60")}, alice)
	_, err := ledger.Complete(ctx, tx.ID, admin)
	require.NoError(t, err)
	_, err = ledger.Void(ctx, tx.ID, "", admin)
	require.NoError(t, err)

	st, err := svc.Statement(ctx, "1002", "2024-03", bob)
	require.NoError(t, err)
	require.Len(t, st.Lines, 2)
	assert.Equal(t, LineCompletion, st.Lines[0].Kind)
	assert.Equal(t, LineReversal, st.Lines[1].Kind)
	assert.True(t, st.Lines[0].BalanceAfter.Equal(dec("90")))
	assert.True(t, st.Lines[1].BalanceAfter.Equal(dec("30")))
	assert.True(t, st.OpeningBalance.Equal(dec("30")))
	assert.True(t, st.ClosingBalance.Equal(dec("30")))
	assert.True(t, st.TotalIn.Equal(dec("60")))
	assert.True(t, st.TotalOut.Equal(dec("60")))
}
