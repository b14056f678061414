package models

import "time"

type AuditAction string

const (
	AuditCreate   AuditAction = "create"
	AuditUpdate   AuditAction = "update"
	AuditComplete AuditAction = "complete"
	AuditVoid     AuditAction = "void"
	AuditRollback AuditAction = "rollback"
)

// AuditEntry records one action taken against a ledger record. Never updated or deleted.
type AuditEntry struct {
	ID            int64          `json:"id" db:"id"`
	TransactionID int64          `json:"transaction_id" db:"transaction_id"`
	Action        AuditAction    `json:"action" db:"action"`
	PerformedBy   string         `json:"performed_by" db:"performed_by"`
	Reason        *string        `json:"reason,omitempty" db:"reason"`
	Details       map[string]any `json:"details,omitempty" db:"details"`
	CreatedAt     time.Time      `json:"created_at" db:"created_at"`
}
