// Package domain defines the feature-consumption gate over the ledger.
package domain

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

// ConsumeRequest debits a metered feature from an owner's prepaid balance.
// Endpoint and StatusCode describe the metered API call for analytics; they
// never influence the debit itself.
type ConsumeRequest struct {
	OwnerID    string          `json:"-"`
	Feature    string          `json:"feature"`
	Amount     decimal.Decimal `json:"amount"`
	Endpoint   string          `json:"endpoint"`
	StatusCode int             `json:"status_code"`
}

type ConsumeResponse struct {
	Balance  decimal.Decimal `json:"balance"`
	Currency string          `json:"currency"`
}

type BalanceResponse struct {
	Balance  decimal.Decimal `json:"balance"`
	Currency string          `json:"currency"`
}

type Service interface {
	Consume(ctx context.Context, req ConsumeRequest) (*ConsumeResponse, error)
	Balance(ctx context.Context, ownerID string) (*BalanceResponse, error)
}

var (
	ErrInvalidFeature = errors.New("invalid_feature")
	ErrInvalidAmount  = errors.New("invalid_amount")
)
