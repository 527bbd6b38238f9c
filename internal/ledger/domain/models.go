// Package domain contains the persistence models for the credit ledger.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// TransactionKind classifies a ledger transaction.
type TransactionKind string

const (
	KindPurchase   TransactionKind = "purchase"
	KindUsage      TransactionKind = "usage"
	KindAdjustment TransactionKind = "adjustment"
)

// Account holds the prepaid credit balance for one owner. An owner is an
// opaque identifier chosen by the caller (an organization or a single user);
// the ledger does not interpret it.
type Account struct {
	ID        snowflake.ID    `gorm:"primaryKey"`
	OwnerID   string          `gorm:"type:text;not null;uniqueIndex:ux_accounts_owner"`
	Balance   decimal.Decimal `gorm:"type:numeric(20,4);not null"`
	Currency  string          `gorm:"type:text;not null"`
	CreatedAt time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Account) TableName() string { return "accounts" }

// Transaction is one signed balance change. Rows are append-only: never
// updated, never deleted. Invariant: accounts.balance == SUM(amount) over the
// account's transactions after every committed write.
type Transaction struct {
	ID          snowflake.ID    `gorm:"primaryKey"`
	AccountID   snowflake.ID    `gorm:"not null;index:ix_transactions_account_created,priority:1"`
	Kind        TransactionKind `gorm:"type:text;not null"`
	Amount      decimal.Decimal `gorm:"type:numeric(20,4);not null"`
	ExternalRef *string         `gorm:"type:text"`
	Description string          `gorm:"type:text"`
	CreatedAt   time.Time       `gorm:"not null;index:ix_transactions_account_created,priority:2"`
}

// TableName sets the database table name.
func (Transaction) TableName() string { return "transactions" }

// AppendRequest describes one balance mutation.
type AppendRequest struct {
	OwnerID     string
	Kind        TransactionKind
	Amount      decimal.Decimal
	Currency    string
	ExternalRef *string
	Description string
}

// Store is the only component allowed to mutate balances. Every mutation
// adjusts the balance and appends the transaction row in a single database
// transaction; mutual exclusion comes from a row lock on the account, not
// from process-local state, so any number of service instances may write.
type Store interface {
	AppendTransaction(ctx context.Context, req AppendRequest) (*Transaction, decimal.Decimal, error)
	AppendInTx(ctx context.Context, tx *gorm.DB, req AppendRequest) (*Transaction, decimal.Decimal, error)
	GetOrCreateAccount(ctx context.Context, ownerID, currency string) (*Account, error)
	FindAccount(ctx context.Context, ownerID string) (*Account, error)
}

var (
	ErrAccountNotFound   = errors.New("account_not_found")
	ErrInsufficientFunds = errors.New("insufficient_funds")
	ErrInvalidOwner      = errors.New("invalid_owner")
	ErrInvalidAmount     = errors.New("invalid_amount")
	ErrInvalidKind       = errors.New("invalid_transaction_kind")
	ErrCurrencyMismatch  = errors.New("currency_mismatch")
)

// Credits reports whether the kind may lazily create the account it posts to.
// Usage debits require an existing account; purchases (and credit-side
// adjustments) may be the account's first ledger event.
func (k TransactionKind) Credits() bool {
	return k == KindPurchase || k == KindAdjustment
}

// Valid reports whether the kind is one of the known transaction kinds.
func (k TransactionKind) Valid() bool {
	switch k {
	case KindPurchase, KindUsage, KindAdjustment:
		return true
	default:
		return false
	}
}
