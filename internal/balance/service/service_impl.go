package service

import (
	"context"
	"strings"

	balancedomain "github.com/lumacrm/ledger/internal/balance/domain"
	"github.com/lumacrm/ledger/internal/events"
	ledgerdomain "github.com/lumacrm/ledger/internal/ledger/domain"
	obsmetrics "github.com/lumacrm/ledger/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Store      ledgerdomain.Store
	Outbox     *events.Outbox
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	store      ledgerdomain.Store
	outbox     *events.Outbox
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) balancedomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("balance.service"),
		store:      p.Store,
		outbox:     p.Outbox,
		obsMetrics: p.ObsMetrics,
	}
}

// Consume atomically checks and debits the owner's balance. The check and the
// debit happen under the account row lock inside the ledger store, so two
// concurrent consumes can never jointly overdraw the account. The usage event
// rides in the same transaction through the outbox, but an enqueue failure
// only loses the metering record, never the debit.
func (s *Service) Consume(ctx context.Context, req balancedomain.ConsumeRequest) (*balancedomain.ConsumeResponse, error) {
	feature := strings.TrimSpace(req.Feature)
	if feature == "" {
		return nil, balancedomain.ErrInvalidFeature
	}
	if !req.Amount.IsPositive() {
		return nil, balancedomain.ErrInvalidAmount
	}

	var resp *balancedomain.ConsumeResponse
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		txn, newBalance, err := s.store.AppendInTx(ctx, tx, ledgerdomain.AppendRequest{
			OwnerID:     req.OwnerID,
			Kind:        ledgerdomain.KindUsage,
			Amount:      req.Amount.Neg(),
			Description: feature,
		})
		if err != nil {
			return err
		}

		statusCode := req.StatusCode
		if statusCode == 0 {
			statusCode = 200
		}
		if enqErr := s.outbox.EnqueueInTx(ctx, tx, events.EventUsageRecorded, map[string]any{
			"account_id":  txn.AccountID.String(),
			"owner_id":    strings.TrimSpace(req.OwnerID),
			"feature":     feature,
			"cost":        req.Amount.String(),
			"endpoint":    strings.TrimSpace(req.Endpoint),
			"status_code": statusCode,
		}); enqErr != nil {
			// Metering is best effort; the debit stands.
			s.log.Warn("failed to enqueue usage event",
				zap.String("owner_id", req.OwnerID),
				zap.String("feature", feature),
				zap.Error(enqErr),
			)
		}

		resp = &balancedomain.ConsumeResponse{Balance: newBalance}
		return nil
	})
	if err != nil {
		s.obsMetrics.RecordConsume(ctx, "error")
		return nil, err
	}

	account, err := s.store.FindAccount(ctx, req.OwnerID)
	if err == nil {
		resp.Currency = account.Currency
	}

	s.obsMetrics.RecordConsume(ctx, "ok")
	return resp, nil
}

// Balance reads the committed balance, lazily creating the account on first
// query.
func (s *Service) Balance(ctx context.Context, ownerID string) (*balancedomain.BalanceResponse, error) {
	account, err := s.store.GetOrCreateAccount(ctx, ownerID, "")
	if err != nil {
		return nil, err
	}
	return &balancedomain.BalanceResponse{
		Balance:  account.Balance,
		Currency: account.Currency,
	}, nil
}
