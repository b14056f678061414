package services

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image/png"
	"time"

	"github.com/corebank/ledger/internal/database"
	"github.com/corebank/ledger/internal/models"
	"github.com/skip2/go-qrcode"
)

// Receipt is the printable projection of one record.
type Receipt struct {
	Reference    string              `json:"reference"`
	Transaction  *models.Transaction `json:"transaction"`
	SourceName   string              `json:"source_name"`
	TargetName   string              `json:"target_name,omitempty"`
	Currency     string              `json:"currency"`
	IssuedAt     time.Time           `json:"issued_at"`
	QRPayload    string              `json:"qr_payload"`
	QRCodeBase64 string              `json:"qr_code_png"`
}

type ReceiptService struct {
	ledger   *LedgerService
	store    database.LedgerStore
	currency string
}

func NewReceiptService(ledger *LedgerService, store database.LedgerStore, currency string) *ReceiptService {
	return &ReceiptService{
		ledger:   ledger,
		store:    store,
		currency: currency,
	}
}

// ReceiptReference is the human-facing identifier printed on receipts and
// used as the ISO 20022 end-to-end id.
func ReceiptReference(id int64) string {
	return fmt.Sprintf("TX-%08d", id)
}

func (s *ReceiptService) Receipt(ctx context.Context, id int64, caller models.Caller) (*Receipt, error) {
	tx, err := s.ledger.Get(ctx, id, caller)
	if err != nil {
		return nil, err
	}

	source, err := s.store.GetAccount(ctx, tx.SourceAccount())
	if err != nil {
		return nil, err
	}
	r := &Receipt{
		Reference:   ReceiptReference(tx.ID),
		Transaction: tx,
		SourceName:  source.Name,
		Currency:    s.currency,
		IssuedAt:    s.ledger.now(),
	}
	if target := tx.TargetAccount(); target != "" {
		acct, err := s.store.GetAccount(ctx, target)
		if err != nil {
			return nil, err
		}
		r.TargetName = acct.Name
	}

	payload, err := json.Marshal(map[string]string{
		"ref":    r.Reference,
		"type":   string(tx.Type()),
		"status": string(tx.Status),
		"amount": tx.Amount.StringFixed(2) + " " + s.currency,
	})
	if err != nil {
		return nil, err
	}
	r.QRPayload = string(payload)

	r.QRCodeBase64, err = qrPNG(r.QRPayload)
	if err != nil {
		return nil, models.StorageError("render receipt qr", err)
	}
	return r, nil
}

func qrPNG(content string) (string, error) {
	qr, err := qrcode.New(content, qrcode.Medium)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, qr.Image(256)); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
