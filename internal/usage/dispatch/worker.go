// Package dispatch drains the ledger outbox into usage events.
package dispatch

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/lumacrm/ledger/internal/config"
	"github.com/lumacrm/ledger/internal/events"
	obsmetrics "github.com/lumacrm/ledger/internal/observability/metrics"
	usagedomain "github.com/lumacrm/ledger/internal/usage/domain"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	UsageSvc   usagedomain.Service
	Policy     *config.PolicyHolder
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

// Worker polls unpublished outbox rows and turns each usage.recorded message
// into one usage event. Each row is handled in its own transaction under a
// row lock and rechecked for the published flag, so replays and competing
// workers converge on a single event per message.
type Worker struct {
	db         *gorm.DB
	log        *zap.Logger
	usageSvc   usagedomain.Service
	policy     *config.PolicyHolder
	obsMetrics *obsmetrics.Metrics
}

func NewWorker(p Params) *Worker {
	return &Worker{
		db:         p.DB,
		log:        p.Log.Named("usage.dispatch"),
		usageSvc:   p.UsageSvc,
		policy:     p.Policy,
		obsMetrics: p.ObsMetrics,
	}
}

func (w *Worker) RunForever(ctx context.Context) {
	for {
		policy := w.policy.Current()

		if _, err := w.ProcessPending(ctx, policy.Dispatch.BatchSize); err != nil && !errors.Is(err, context.Canceled) {
			w.log.Warn("usage dispatch run failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(policy.Dispatch.Interval):
		}
	}
}

// ProcessPending handles up to limit unpublished messages and returns how
// many were dispatched.
func (w *Worker) ProcessPending(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 50
	}

	var rows []events.OutboxMessage
	if err := w.db.WithContext(ctx).
		Where("published = ? AND event_type = ?", false, events.EventUsageRecorded).
		Order("created_at ASC").
		Limit(limit).
		Find(&rows).Error; err != nil {
		return 0, err
	}

	var dispatched int
	var jobErr error
	for _, row := range rows {
		if ctx.Err() != nil {
			return dispatched, ctx.Err()
		}
		if err := w.processMessage(ctx, row.ID); err != nil {
			jobErr = errors.Join(jobErr, err)
			w.log.Warn("failed to dispatch usage event",
				zap.String("message_id", row.ID.String()),
				zap.Error(err),
			)
			continue
		}
		dispatched++
	}

	w.obsMetrics.RecordOutboxDispatched(ctx, int64(dispatched))
	return dispatched, jobErr
}

func (w *Worker) processMessage(ctx context.Context, id snowflake.ID) error {
	return w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var locked events.OutboxMessage
		err := tx.WithContext(ctx).
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", id).
			First(&locked).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return err
		}
		if locked.Published {
			return nil
		}

		event, err := usageEventFromPayload(locked)
		if err != nil {
			// A malformed payload never becomes valid; mark it published so
			// it stops blocking the queue and leave the row for inspection.
			w.log.Error("dropping malformed outbox message",
				zap.String("message_id", locked.ID.String()),
				zap.Error(err),
			)
		} else if err := w.usageSvc.RecordInTx(ctx, tx, *event); err != nil {
			return err
		}

		now := time.Now().UTC()
		return tx.WithContext(ctx).Model(&events.OutboxMessage{}).
			Where("id = ?", locked.ID).
			Updates(map[string]any{
				"published":    true,
				"published_at": now,
			}).Error
	})
}

func usageEventFromPayload(msg events.OutboxMessage) (*usagedomain.UsageEvent, error) {
	accountID, err := snowflake.ParseString(payloadString(msg.Payload, "account_id"))
	if err != nil {
		return nil, usagedomain.ErrInvalidEvent
	}

	cost, err := decimal.NewFromString(payloadString(msg.Payload, "cost"))
	if err != nil {
		return nil, usagedomain.ErrInvalidEvent
	}

	feature := payloadString(msg.Payload, "feature")
	if feature == "" {
		return nil, usagedomain.ErrInvalidEvent
	}

	return &usagedomain.UsageEvent{
		ID:         msg.ID,
		AccountID:  accountID,
		OwnerID:    payloadString(msg.Payload, "owner_id"),
		Feature:    feature,
		Cost:       cost,
		Endpoint:   payloadString(msg.Payload, "endpoint"),
		StatusCode: payloadInt(msg.Payload, "status_code"),
		CreatedAt:  msg.CreatedAt,
	}, nil
}

func payloadString(payload map[string]any, key string) string {
	value, _ := payload[key].(string)
	return strings.TrimSpace(value)
}

func payloadInt(payload map[string]any, key string) int {
	switch value := payload[key].(type) {
	case float64:
		return int(value)
	case int:
		return value
	case int64:
		return int(value)
	default:
		return 0
	}
}

// Run starts the worker on service startup and stops it on shutdown.
func Run(lc fx.Lifecycle, w *Worker) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				w.RunForever(ctx)
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
				return nil
			case <-stopCtx.Done():
				return stopCtx.Err()
			}
		},
	})
}
