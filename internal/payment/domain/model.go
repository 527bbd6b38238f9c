// Package domain defines the payment-session dedup record and the
// reconciliation contract.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// SessionStatus is the dedup record lifecycle. Completed and failed are
// terminal: a later call with the same external session id observes the
// stored result and performs no further ledger mutation.
type SessionStatus string

const (
	SessionStatusPending    SessionStatus = "pending"
	SessionStatusProcessing SessionStatus = "processing"
	SessionStatusCompleted  SessionStatus = "completed"
	SessionStatusFailed     SessionStatus = "failed"
)

var validTransitions = map[SessionStatus][]SessionStatus{
	SessionStatusPending:    {SessionStatusProcessing},
	SessionStatusProcessing: {SessionStatusCompleted, SessionStatusFailed},
}

// CanTransitionTo reports whether the status may move to target.
func (s SessionStatus) CanTransitionTo(target SessionStatus) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == target {
			return true
		}
	}
	return false
}

// Terminal reports whether the status is final.
func (s SessionStatus) Terminal() bool {
	return s == SessionStatusCompleted || s == SessionStatusFailed
}

// PaymentSession is the dedup record keyed by the gateway's session id. The
// unique index on ExternalSessionID is what turns "credit this session" into
// an idempotent operation regardless of how many times, or through which
// path, it is invoked.
type PaymentSession struct {
	ID                snowflake.ID    `gorm:"primaryKey"`
	ExternalSessionID string          `gorm:"type:text;not null;uniqueIndex:ux_payment_sessions_external"`
	OwnerID           string          `gorm:"type:text;not null;index"`
	Status            SessionStatus   `gorm:"type:text;not null"`
	Amount            decimal.Decimal `gorm:"type:numeric(20,4);not null"`
	CreditedAmount    decimal.Decimal `gorm:"type:numeric(20,4);not null"`
	Currency          string          `gorm:"type:text;not null"`
	FailureReason     string          `gorm:"type:text"`
	ProcessedAt       *time.Time
	CreatedAt         time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (PaymentSession) TableName() string { return "payment_sessions" }

// CreditRequest asks the reconciliation service to apply a completed external
// payment. Both delivery paths (webhook push and manual confirm pull) must
// present identical (SessionID, Amount, OwnerID) for a given session; a
// mismatch against an already-stored session is a verification failure.
type CreditRequest struct {
	SessionID   string
	OwnerID     string
	Amount      decimal.Decimal
	Currency    string
	Description string
}

// CreditResult reports the observable outcome. Exactly one caller per session
// sees Credited=true; every other caller converges on Credited=false with the
// post-credit balance.
type CreditResult struct {
	Credited bool            `json:"credited"`
	Balance  decimal.Decimal `json:"balance"`
	Currency string          `json:"currency"`
}

type Service interface {
	CreditFromSession(ctx context.Context, req CreditRequest) (*CreditResult, error)
	FailSession(ctx context.Context, sessionID, reason string) error
	GetSession(ctx context.Context, sessionID string) (*PaymentSession, error)
}

var (
	ErrInvalidSession     = errors.New("invalid_session")
	ErrInvalidAccountRef  = errors.New("invalid_account_ref")
	ErrInvalidAmount      = errors.New("invalid_credit_amount")
	ErrSessionProcessing  = errors.New("session_processing")
	ErrSessionFailed      = errors.New("session_failed")
	ErrSessionNotFound    = errors.New("session_not_found")
	ErrAmountMismatch     = errors.New("session_amount_mismatch")
	ErrVerificationFailed = errors.New("gateway_verification_failed")
	ErrSessionNotPayable  = errors.New("session_not_payable")
)
