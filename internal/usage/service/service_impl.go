package service

import (
	"context"
	"strings"
	"time"

	ledgerdomain "github.com/lumacrm/ledger/internal/ledger/domain"
	usagedomain "github.com/lumacrm/ledger/internal/usage/domain"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultWindow = 30 * 24 * time.Hour
	maxWindow     = 365 * 24 * time.Hour
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	Store ledgerdomain.Store
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	store ledgerdomain.Store
}

func NewService(p Params) usagedomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("usage.service"),
		store: p.Store,
	}
}

// Record appends one usage event. The caller supplies the event ID (the
// outbox message id), so replaying the same message is a no-op instead of a
// duplicate row.
func (s *Service) Record(ctx context.Context, event usagedomain.UsageEvent) error {
	return s.RecordInTx(ctx, s.db, event)
}

// RecordInTx appends one usage event inside the caller's transaction; the
// dispatcher uses it to commit the event together with the outbox marker.
func (s *Service) RecordInTx(ctx context.Context, tx *gorm.DB, event usagedomain.UsageEvent) error {
	if event.ID == 0 || event.AccountID == 0 || strings.TrimSpace(event.Feature) == "" {
		return usagedomain.ErrInvalidEvent
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	return tx.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&event).Error
}

// Aggregate rolls up the owner's usage over the window. Purely derived data;
// grouping happens here rather than in SQL so the result is identical across
// the supported database dialects.
func (s *Service) Aggregate(ctx context.Context, req usagedomain.AggregateRequest) (*usagedomain.Aggregate, error) {
	window := req.Window
	if window == 0 {
		window = defaultWindow
	}
	if window < 0 || window > maxWindow {
		return nil, usagedomain.ErrInvalidWindow
	}

	account, err := s.store.FindAccount(ctx, req.OwnerID)
	if err != nil {
		return nil, err
	}

	since := time.Now().UTC().Add(-window)
	var events []usagedomain.UsageEvent
	if err := s.db.WithContext(ctx).
		Select("feature", "cost", "endpoint", "status_code", "created_at").
		Where("account_id = ? AND created_at >= ?", account.ID, since).
		Find(&events).Error; err != nil {
		return nil, err
	}

	agg := &usagedomain.Aggregate{
		TotalCost:  decimal.Zero,
		ByEndpoint: make(map[string]int64),
		ByDay:      make(map[string]int64),
		ByFeature:  make(map[string]decimal.Decimal),
	}

	var succeeded int64
	for _, event := range events {
		agg.TotalRequests++
		if event.StatusCode >= 200 && event.StatusCode < 400 {
			succeeded++
		}

		endpoint := event.Endpoint
		if endpoint == "" {
			endpoint = "unknown"
		}
		agg.ByEndpoint[endpoint]++
		agg.ByDay[event.CreatedAt.UTC().Format("2006-01-02")]++

		agg.TotalCost = agg.TotalCost.Add(event.Cost)
		if existing, ok := agg.ByFeature[event.Feature]; ok {
			agg.ByFeature[event.Feature] = existing.Add(event.Cost)
		} else {
			agg.ByFeature[event.Feature] = event.Cost
		}
	}

	if agg.TotalRequests > 0 {
		agg.SuccessRate = float64(succeeded) / float64(agg.TotalRequests)
	}
	return agg, nil
}
