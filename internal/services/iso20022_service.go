package services

import (
	"context"
	"encoding/xml"
	"fmt"
	"strconv"

	"github.com/corebank/ledger/internal/database"
	"github.com/corebank/ledger/internal/models"
	"github.com/google/uuid"
	"github.com/moov-io/iso20022/pkg/common"
	"github.com/moov-io/iso20022/pkg/pacs_v08"
)

const (
	MessagePacs008 = "pacs.008.001.08"
	MessagePacs002 = "pacs.002.001.08"
)

// ISO20022Service renders ledger records as interbank messages for the
// settlement side of the bank. Rendering never changes ledger state.
type ISO20022Service struct {
	ledger   *LedgerService
	store    database.LedgerStore
	currency string
	bankBIC  string
}

func NewISO20022Service(ledger *LedgerService, store database.LedgerStore, currency, bankBIC string) *ISO20022Service {
	return &ISO20022Service{
		ledger:   ledger,
		store:    store,
		currency: currency,
		bankBIC:  bankBIC,
	}
}

// Render returns the XML of the requested message type for one record.
func (iso *ISO20022Service) Render(ctx context.Context, id int64, messageType string, caller models.Caller) (string, error) {
	tx, err := iso.ledger.Get(ctx, id, caller)
	if err != nil {
		return "", err
	}

	var doc any
	switch messageType {
	case MessagePacs008, "pacs.008", "":
		doc, err = iso.CreatePacs008(ctx, tx)
	case MessagePacs002, "pacs.002":
		doc, err = iso.CreatePacs002(tx)
	default:
		return "", models.NewError(models.KindInvalidArgument, "unsupported message type %q", messageType)
	}
	if err != nil {
		return "", err
	}
	return iso.ConvertToXML(doc)
}

// CreatePacs008 creates a pacs.008 FIToFICustomerCreditTransfer for a completed transfer.
func (iso *ISO20022Service) CreatePacs008(ctx context.Context, tx *models.Transaction) (*pacs_v08.FIToFICustomerCreditTransferV08, error) {
	transfer, ok := tx.Movement.(models.Transfer)
	if !ok {
		return nil, models.NewError(models.KindInvalidArgument, "only transfers can be rendered as %s", MessagePacs008)
	}
	if tx.Status != models.StatusCompleted || tx.CompletedAt == nil {
		return nil, models.NewError(models.KindInvalidState, "transaction %d is %s; only Completed transfers settle", tx.ID, tx.Status)
	}

	debtor, err := iso.store.GetAccount(ctx, transfer.From)
	if err != nil {
		return nil, err
	}
	creditor, err := iso.store.GetAccount(ctx, transfer.To)
	if err != nil {
		return nil, err
	}

	msgId := uuid.New().String()
	creDtTm := iso.ledger.now()
	settlementDate := *tx.CompletedAt
	txID := common.Max35Text(strconv.FormatInt(tx.ID, 10))
	amount := pacs_v08.ActiveCurrencyAndAmount{
		Ccy:   common.ActiveCurrencyCode(iso.currency),
		Value: tx.Amount.InexactFloat64(),
	}
	bic := common.BICFIDec2014Identifier(iso.bankBIC)

	doc := &pacs_v08.FIToFICustomerCreditTransferV08{
		GrpHdr: pacs_v08.GroupHeader93{
			MsgId:             common.Max35Text(msgId),
			CreDtTm:           common.ISODateTime(creDtTm),
			NbOfTxs:           "1",
			TtlIntrBkSttlmAmt: &amount,
			IntrBkSttlmDt:     (*common.ISODate)(&settlementDate),
			SttlmInf: pacs_v08.SettlementInstruction7{
				SttlmMtd: "INDA", // both accounts are held at this bank
			},
		},
		CdtTrfTxInf: []pacs_v08.CreditTransferTransaction39{
			{
				PmtId: pacs_v08.PaymentIdentification7{
					InstrId:    &txID,
					EndToEndId: common.Max35Text(ReceiptReference(tx.ID)),
					TxId:       &txID,
				},
				IntrBkSttlmAmt: amount,
				IntrBkSttlmDt:  (*common.ISODate)(&settlementDate),
				ChrgBr:         "SLEV",
				DbtrAgt: pacs_v08.BranchAndFinancialInstitutionIdentification6{
					FinInstnId: pacs_v08.FinancialInstitutionIdentification18{BICFI: &bic},
				},
				Dbtr: pacs_v08.PartyIdentification135{
					Nm: &[]common.Max140Text{common.Max140Text(partyName(debtor))}[0],
				},
				CdtrAgt: pacs_v08.BranchAndFinancialInstitutionIdentification6{
					FinInstnId: pacs_v08.FinancialInstitutionIdentification18{BICFI: &bic},
				},
				Cdtr: pacs_v08.PartyIdentification135{
					Nm: &[]common.Max140Text{common.Max140Text(partyName(creditor))}[0],
				},
			},
		},
	}

	return doc, nil
}

// CreatePacs002 creates a pacs.002 payment status report for any record.
func (iso *ISO20022Service) CreatePacs002(tx *models.Transaction) (*pacs_v08.FIToFIPaymentStatusReportV08, error) {
	msgId := uuid.New().String()
	creDtTm := iso.ledger.now()
	txID := common.Max35Text(strconv.FormatInt(tx.ID, 10))
	ref := common.Max35Text(ReceiptReference(tx.ID))
	status := pacs_v08.ExternalPaymentTransactionStatus1Code(PaymentStatusCode(tx.Status))

	doc := &pacs_v08.FIToFIPaymentStatusReportV08{
		GrpHdr: pacs_v08.GroupHeader53{
			MsgId:   common.Max35Text(msgId),
			CreDtTm: common.ISODateTime(creDtTm),
		},
		TxInfAndSts: []pacs_v08.PaymentTransaction80{
			{
				OrgnlInstrId:    &txID,
				OrgnlEndToEndId: &ref,
				OrgnlTxId:       &txID,
				TxSts:           &status,
			},
		},
	}

	return doc, nil
}

// PaymentStatusCode maps a ledger status to its ISO 20022 transaction status.
func PaymentStatusCode(s models.TransactionStatus) string {
	switch s {
	case models.StatusCompleted:
		return "ACSC"
	case models.StatusVoided:
		return "RJCT"
	default:
		return "PDNG"
	}
}

// ConvertToXML converts ISO20022 document to XML string
func (iso *ISO20022Service) ConvertToXML(doc any) (string, error) {
	xmlData, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal XML: %w", err)
	}
	return xml.Header + string(xmlData), nil
}

func partyName(a *models.Account) string {
	if a.Name != "" {
		return a.Name
	}
	return a.AccountNumber
}
