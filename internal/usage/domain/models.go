// Package domain contains the usage metering models. Metering is analytics
// only: it is derived from successful consumes and never feeds back into the
// ledger or balance reconstruction.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// UsageEvent is one metered feature call, recorded once per successful
// consume.
type UsageEvent struct {
	ID         snowflake.ID    `gorm:"primaryKey"`
	AccountID  snowflake.ID    `gorm:"not null;index:ix_usage_events_account_created,priority:1"`
	OwnerID    string          `gorm:"type:text;not null;index"`
	Feature    string          `gorm:"type:text;not null"`
	Cost       decimal.Decimal `gorm:"type:numeric(20,4);not null"`
	Endpoint   string          `gorm:"type:text"`
	StatusCode int             `gorm:"not null"`
	CreatedAt  time.Time       `gorm:"not null;index:ix_usage_events_account_created,priority:2"`
}

// TableName sets the database table name.
func (UsageEvent) TableName() string { return "usage_events" }

// Aggregate is the read-side rollup over a time window.
type Aggregate struct {
	TotalRequests int64                      `json:"total_requests"`
	SuccessRate   float64                    `json:"success_rate"`
	TotalCost     decimal.Decimal            `json:"total_cost"`
	ByEndpoint    map[string]int64           `json:"by_endpoint"`
	ByDay         map[string]int64           `json:"by_day"`
	ByFeature     map[string]decimal.Decimal `json:"by_feature"`
}

type AggregateRequest struct {
	OwnerID string
	Window  time.Duration
}

type Service interface {
	Record(ctx context.Context, event UsageEvent) error
	RecordInTx(ctx context.Context, tx *gorm.DB, event UsageEvent) error
	Aggregate(ctx context.Context, req AggregateRequest) (*Aggregate, error)
}

var (
	ErrInvalidWindow = errors.New("invalid_window")
	ErrInvalidEvent  = errors.New("invalid_usage_event")
)
