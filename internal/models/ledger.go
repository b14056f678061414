package models

import (
	"regexp"

	"github.com/shopspring/decimal"
)

type AccountStatus string

const (
	AccountActive   AccountStatus = "Active"
	AccountLocked   AccountStatus = "Locked"
	AccountArchived AccountStatus = "Archived"
)

// Account is the balance-holding row the ledger moves money between.
type Account struct {
	AccountNumber string          `json:"account_number" db:"account_number"`
	Name          string          `json:"name" db:"name"`
	Balance       decimal.Decimal `json:"balance" db:"balance"`
	Status        AccountStatus   `json:"status" db:"status"`
}

func (a Account) IsActive() bool {
	return a.Status == AccountActive
}

var accountNumberPattern = regexp.MustCompile(`^[0-9]{4,12}$`)

// ValidAccountNumber reports whether s has the fixed numeric account format.
func ValidAccountNumber(s string) bool {
	return accountNumberPattern.MatchString(s)
}

// Caller is the identity supplied by the authentication layer. It is trusted as-is.
type Caller struct {
	AccountNumber string `json:"account_number"`
	IsAdmin       bool   `json:"is_admin"`
}

// Owns reports whether the caller holds the given account.
func (c Caller) Owns(accountNumber string) bool {
	return c.AccountNumber != "" && c.AccountNumber == accountNumber
}
