package services

import (
	"context"
	"encoding/base64"
	"encoding/csv"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/corebank/ledger/internal/database"
	"github.com/corebank/ledger/internal/models"
	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"
)

// HistoryService serves the read-only projections over the ledger records.
type HistoryService struct {
	store        database.LedgerStore
	logger       *zap.Logger
	historyLimit int
	exportLimit  int
}

func NewHistoryService(store database.LedgerStore, logger *zap.Logger, historyLimit, exportLimit int) *HistoryService {
	return &HistoryService{
		store:        store,
		logger:       logger,
		historyLimit: historyLimit,
		exportLimit:  exportLimit,
	}
}

// HistoryQuery is the caller-facing filter. Month ("2006-01") is shorthand
// for a From/To range covering that calendar month in UTC.
type HistoryQuery struct {
	Account   string
	From      *time.Time
	To        *time.Time
	Month     string
	Type      models.TransactionType
	Status    models.TransactionStatus
	Direction models.Direction
	MinAmount *decimal.Decimal
	MaxAmount *decimal.Decimal
	Query     string
	Limit     int
	Cursor    string
}

type HistoryPage struct {
	Transactions []models.Transaction `json:"transactions"`
	NextCursor   string               `json:"next_cursor,omitempty"`
}

// History returns one page, newest first.
func (s *HistoryService) History(ctx context.Context, q HistoryQuery, caller models.Caller) (*HistoryPage, error) {
	filter, err := s.buildFilter(q, caller, s.historyLimit)
	if err != nil {
		return nil, err
	}

	pageSize := filter.Limit
	filter.Limit = pageSize + 1
	txs, err := s.store.History(ctx, filter)
	if err != nil {
		return nil, err
	}

	page := &HistoryPage{Transactions: txs}
	if len(txs) > pageSize {
		page.Transactions = txs[:pageSize]
		page.NextCursor = EncodeCursor(page.Transactions[pageSize-1].ID)
	}
	return page, nil
}

func (s *HistoryService) buildFilter(q HistoryQuery, caller models.Caller, maxLimit int) (models.HistoryFilter, error) {
	account := q.Account
	if account == "" && !caller.IsAdmin {
		account = caller.AccountNumber
	}
	if account != "" && !models.ValidAccountNumber(account) {
		return models.HistoryFilter{}, models.NewError(models.KindInvalidArgument, "invalid account number %q", account)
	}
	if err := AuthorizeAccount(caller, OpHistory, account); err != nil {
		return models.HistoryFilter{}, err
	}

	f := models.HistoryFilter{
		Account:   account,
		From:      q.From,
		To:        q.To,
		Type:      q.Type,
		Status:    q.Status,
		Direction: q.Direction,
		MinAmount: q.MinAmount,
		MaxAmount: q.MaxAmount,
		Query:     q.Query,
	}

	if q.Month != "" {
		if q.From != nil || q.To != nil {
			return f, models.NewError(models.KindInvalidArgument, "month cannot be combined with from/to")
		}
		from, to, err := MonthRange(q.Month)
		if err != nil {
			return f, err
		}
		f.From, f.To = &from, &to
	}
	if f.From != nil && f.To != nil && f.From.After(*f.To) {
		return f, models.NewError(models.KindInvalidArgument, "from must not be after to")
	}
	if f.MinAmount != nil && f.MaxAmount != nil && f.MinAmount.GreaterThan(*f.MaxAmount) {
		return f, models.NewError(models.KindInvalidArgument, "min_amount must not exceed max_amount")
	}

	switch f.Type {
	case "", models.TypeDeposit, models.TypeWithdraw, models.TypeTransfer:
	default:
		return f, models.NewError(models.KindInvalidArgument, "unknown type %q", f.Type)
	}
	switch f.Status {
	case "", models.StatusPending, models.StatusCompleted, models.StatusVoided:
	default:
		return f, models.NewError(models.KindInvalidArgument, "unknown status %q", f.Status)
	}
	switch f.Direction {
	case "", models.DirectionIn, models.DirectionOut:
	default:
		return f, models.NewError(models.KindInvalidArgument, "direction must be in or out")
	}

	if q.Cursor != "" {
		id, err := DecodeCursor(q.Cursor)
		if err != nil {
			return f, err
		}
		f.AfterID = id
	}

	switch {
	case q.Limit < 0:
		return f, models.NewError(models.KindInvalidArgument, "limit must not be negative")
	case q.Limit == 0 || q.Limit > maxLimit:
		f.Limit = maxLimit
	default:
		f.Limit = q.Limit
	}
	return f, nil
}

// EncodeCursor makes an opaque continuation token from the last id of a page.
func EncodeCursor(lastID int64) string {
	return base64.RawURLEncoding.EncodeToString([]byte(strconv.FormatInt(lastID, 10)))
}

func DecodeCursor(cursor string) (int64, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return 0, models.NewError(models.KindInvalidArgument, "malformed cursor")
	}
	id, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil || id <= 0 {
		return 0, models.NewError(models.KindInvalidArgument, "malformed cursor")
	}
	return id, nil
}

// MonthRange returns the first and last instant of a "2006-01" month in UTC.
func MonthRange(month string) (time.Time, time.Time, error) {
	start, err := time.Parse("2006-01", month)
	if err != nil {
		return time.Time{}, time.Time{}, models.NewError(models.KindInvalidArgument, "month must look like 2006-01")
	}
	return start, start.AddDate(0, 1, 0).Add(-time.Nanosecond), nil
}

// exportRows fetches up to exportLimit records matching q.
func (s *HistoryService) exportRows(ctx context.Context, q HistoryQuery, caller models.Caller) ([]models.Transaction, error) {
	q.Cursor = ""
	filter, err := s.buildFilter(q, caller, s.exportLimit)
	if err != nil {
		return nil, err
	}
	filter.Limit = s.exportLimit
	txs, err := s.store.History(ctx, filter)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("history export",
		zap.String("account_number", filter.Account),
		zap.Int("rows", len(txs)),
		zap.Bool("truncated", len(txs) == s.exportLimit))
	return txs, nil
}

var exportHeader = []string{
	"id", "created_at", "type", "status", "account_number", "target_account",
	"amount", "fee", "note", "completed_at", "voided_at",
}

func exportRecord(t models.Transaction) []string {
	note := ""
	if t.Note != nil {
		note = *t.Note
	}
	return []string{
		strconv.FormatInt(t.ID, 10),
		t.CreatedAt.UTC().Format(time.RFC3339),
		string(t.Type()),
		string(t.Status),
		t.SourceAccount(),
		t.TargetAccount(),
		t.Amount.StringFixed(2),
		t.Fee.StringFixed(2),
		note,
		formatOptionalTime(t.CompletedAt),
		formatOptionalTime(t.VoidedAt),
	}
}

// ExportCSV writes matching records as CSV with a header row.
func (s *HistoryService) ExportCSV(ctx context.Context, w io.Writer, q HistoryQuery, caller models.Caller) error {
	txs, err := s.exportRows(ctx, q, caller)
	if err != nil {
		return err
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(exportHeader); err != nil {
		return err
	}
	for _, t := range txs {
		if err := cw.Write(exportRecord(t)); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

const exportSheet = "Transactions"

// ExportXLSX writes matching records as a single-sheet spreadsheet.
func (s *HistoryService) ExportXLSX(ctx context.Context, w io.Writer, q HistoryQuery, caller models.Caller) error {
	txs, err := s.exportRows(ctx, q, caller)
	if err != nil {
		return err
	}

	f := excelize.NewFile()
	defer f.Close()
	if err := f.SetSheetName("Sheet1", exportSheet); err != nil {
		return err
	}

	for i, header := range exportHeader {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		f.SetCellValue(exportSheet, cell, header)
	}
	for i, t := range txs {
		for col, value := range exportRecord(t) {
			cell, _ := excelize.CoordinatesToCellName(col+1, i+2)
			f.SetCellValue(exportSheet, cell, value)
		}
	}

	_, err = f.WriteTo(w)
	return err
}

// Statement summarizes one account's settled movements for a month.
type Statement struct {
	AccountNumber  string          `json:"account_number"`
	AccountName    string          `json:"account_name"`
	Month          string          `json:"month"`
	From           time.Time       `json:"from"`
	To             time.Time       `json:"to"`
	OpeningBalance decimal.Decimal `json:"opening_balance"`
	ClosingBalance decimal.Decimal `json:"closing_balance"`
	TotalIn        decimal.Decimal `json:"total_in"`
	TotalOut       decimal.Decimal `json:"total_out"`
	Lines          []StatementLine `json:"lines"`
}

type LineKind string

const (
	LineCompletion LineKind = "completion"
	LineReversal   LineKind = "reversal"
)

// StatementLine is one balance movement on the account: the completion of a
// record, or the reversal of a completed record when it was voided.
type StatementLine struct {
	TransactionID int64                  `json:"transaction_id"`
	Kind          LineKind               `json:"kind"`
	At            time.Time              `json:"at"`
	Type          models.TransactionType `json:"type"`
	Amount        decimal.Decimal        `json:"amount"`
	BalanceBefore decimal.Decimal        `json:"balance_before"`
	BalanceAfter  decimal.Decimal        `json:"balance_after"`
	Note          *string                `json:"note"`

	snapshot bool
}

// Statement builds the monthly statement from completions and reversals in
// the order they were applied. Balances follow the completion snapshots; a
// month with no snapshot to lean on is walked back from the current balance.
func (s *HistoryService) Statement(ctx context.Context, accountNumber, month string, caller models.Caller) (*Statement, error) {
	if accountNumber == "" {
		accountNumber = caller.AccountNumber
	}
	if month == "" {
		month = time.Now().UTC().Format("2006-01")
	}
	if !models.ValidAccountNumber(accountNumber) {
		return nil, models.NewError(models.KindInvalidArgument, "invalid account number %q", accountNumber)
	}
	if err := AuthorizeAccount(caller, OpHistory, accountNumber); err != nil {
		return nil, err
	}
	from, to, err := MonthRange(month)
	if err != nil {
		return nil, err
	}

	acct, err := s.store.GetAccount(ctx, accountNumber)
	if err != nil {
		return nil, err
	}
	txs, err := s.store.Settlements(ctx, accountNumber, from)
	if err != nil {
		return nil, err
	}

	lines := settlementLines(txs, accountNumber, from)
	resolveBalances(lines, acct.Balance)

	st := &Statement{
		AccountNumber:  accountNumber,
		AccountName:    acct.Name,
		Month:          month,
		From:           from,
		To:             to,
		OpeningBalance: acct.Balance,
		TotalIn:        decimal.Zero,
		TotalOut:       decimal.Zero,
		Lines:          []StatementLine{},
	}
	if len(lines) > 0 {
		st.OpeningBalance = lines[0].BalanceBefore
	}
	st.ClosingBalance = st.OpeningBalance

	for _, line := range lines {
		if line.At.After(to) {
			break
		}
		if line.Amount.IsPositive() {
			st.TotalIn = st.TotalIn.Add(line.Amount)
		} else {
			st.TotalOut = st.TotalOut.Add(line.Amount.Neg())
		}
		st.ClosingBalance = line.BalanceAfter
		st.Lines = append(st.Lines, line)
	}

	s.logger.Debug("statement built",
		zap.String("account_number", accountNumber),
		zap.String("month", month),
		zap.Int("lines", len(st.Lines)))
	return st, nil
}

// settlementLines expands records into completion and reversal lines at or
// after since, ordered by the time they were applied.
func settlementLines(txs []models.Transaction, accountNumber string, since time.Time) []StatementLine {
	var lines []StatementLine
	for _, t := range txs {
		if t.CompletedAt == nil {
			continue
		}
		delta := deltaFor(t, accountNumber)
		if !t.CompletedAt.Before(since) {
			line := StatementLine{
				TransactionID: t.ID,
				Kind:          LineCompletion,
				At:            *t.CompletedAt,
				Type:          t.Type(),
				Amount:        delta,
				Note:          t.Note,
			}
			line.BalanceBefore, line.BalanceAfter, line.snapshot = balancesFor(t, accountNumber)
			lines = append(lines, line)
		}
		if t.VoidedAt != nil && !t.VoidedAt.Before(since) {
			lines = append(lines, StatementLine{
				TransactionID: t.ID,
				Kind:          LineReversal,
				At:            *t.VoidedAt,
				Type:          t.Type(),
				Amount:        delta.Neg(),
				Note:          t.Note,
			})
		}
	}
	sort.SliceStable(lines, func(i, j int) bool {
		return lines[i].At.Before(lines[j].At)
	})
	return lines
}

// resolveBalances fills the balances of lines without a snapshot. The first
// snapshot anchors the walk backwards; later snapshots reset the running
// balance going forwards. Without any snapshot the walk starts from current.
func resolveBalances(lines []StatementLine, current decimal.Decimal) {
	anchor := -1
	for i, line := range lines {
		if line.snapshot {
			anchor = i
			break
		}
	}

	var balance decimal.Decimal
	if anchor < 0 {
		anchor = len(lines)
		balance = current
	} else {
		balance = lines[anchor].BalanceBefore
	}
	for i := anchor - 1; i >= 0; i-- {
		lines[i].BalanceAfter = balance
		balance = balance.Sub(lines[i].Amount)
		lines[i].BalanceBefore = balance
	}

	if anchor >= len(lines) {
		return
	}
	balance = lines[anchor].BalanceAfter
	for i := anchor + 1; i < len(lines); i++ {
		if lines[i].snapshot {
			balance = lines[i].BalanceAfter
			continue
		}
		lines[i].BalanceBefore = balance
		balance = balance.Add(lines[i].Amount)
		lines[i].BalanceAfter = balance
	}
}

func deltaFor(t models.Transaction, accountNumber string) decimal.Decimal {
	total := decimal.Zero
	for _, leg := range t.Movement.Legs(t.Amount) {
		if leg.AccountNumber == accountNumber {
			total = total.Add(leg.Delta)
		}
	}
	return total
}

func balancesFor(t models.Transaction, accountNumber string) (decimal.Decimal, decimal.Decimal, bool) {
	snap := t.Snapshot
	switch {
	case snap == nil:
		return decimal.Zero, decimal.Zero, false
	case t.SourceAccount() == accountNumber:
		return snap.SourceBefore, snap.SourceAfter, true
	case snap.TargetBefore != nil && snap.TargetAfter != nil:
		return *snap.TargetBefore, *snap.TargetAfter, true
	default:
		return decimal.Zero, decimal.Zero, false
	}
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
