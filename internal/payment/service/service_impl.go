package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	ledgerdomain "github.com/lumacrm/ledger/internal/ledger/domain"
	obsmetrics "github.com/lumacrm/ledger/internal/observability/metrics"
	paymentdomain "github.com/lumacrm/ledger/internal/payment/domain"
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
	GenID      *snowflake.Node
	Store      ledgerdomain.Store
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	store      ledgerdomain.Store
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) paymentdomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("payment.service"),
		genID:      p.GenID,
		store:      p.Store,
		obsMetrics: p.ObsMetrics,
	}
}

// CreditFromSession applies an external payment exactly once. The whole
// operation is one database transaction: insert the dedup row with the
// session id as unique key, and only the caller whose insert lands performs
// the ledger credit and marks the session completed. Every other caller, on
// any delivery path and any number of retries, observes the committed row and
// returns without touching the ledger.
func (s *Service) CreditFromSession(ctx context.Context, req paymentdomain.CreditRequest) (*paymentdomain.CreditResult, error) {
	sessionID := strings.TrimSpace(req.SessionID)
	if sessionID == "" {
		return nil, paymentdomain.ErrInvalidSession
	}
	ownerID := strings.TrimSpace(req.OwnerID)
	if ownerID == "" {
		return nil, paymentdomain.ErrInvalidAccountRef
	}
	if !req.Amount.IsPositive() {
		return nil, paymentdomain.ErrInvalidAmount
	}

	var result *paymentdomain.CreditResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()
		session := &paymentdomain.PaymentSession{
			ID:                s.genID.Generate(),
			ExternalSessionID: sessionID,
			OwnerID:           ownerID,
			Status:            paymentdomain.SessionStatusProcessing,
			Amount:            req.Amount,
			CreditedAmount:    decimal.Zero,
			Currency:          strings.ToUpper(strings.TrimSpace(req.Currency)),
			CreatedAt:         now,
		}

		res := tx.WithContext(ctx).
			Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "external_session_id"}},
				DoNothing: true,
			}).
			Create(session)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			observed, err := s.observeExisting(ctx, tx, sessionID, req)
			if err != nil {
				return err
			}
			result = observed
			return nil
		}

		description := strings.TrimSpace(req.Description)
		if description == "" {
			description = sessionID
		}
		txn, newBalance, err := s.store.AppendInTx(ctx, tx, ledgerdomain.AppendRequest{
			OwnerID:     ownerID,
			Kind:        ledgerdomain.KindPurchase,
			Amount:      req.Amount,
			Currency:    req.Currency,
			ExternalRef: &sessionID,
			Description: "purchase:" + description,
		})
		if err != nil {
			return err
		}

		// The completion marker commits atomically with the credit above;
		// there is no window where the transaction exists without it. The
		// status guard keeps the update on the processing -> completed edge.
		if !session.Status.CanTransitionTo(paymentdomain.SessionStatusCompleted) {
			return paymentdomain.ErrSessionProcessing
		}
		marked := tx.WithContext(ctx).Model(&paymentdomain.PaymentSession{}).
			Where("id = ? AND status = ?", session.ID, session.Status).
			Updates(map[string]any{
				"status":          paymentdomain.SessionStatusCompleted,
				"credited_amount": req.Amount,
				"processed_at":    now,
			})
		if marked.Error != nil {
			return marked.Error
		}
		if marked.RowsAffected == 0 {
			return paymentdomain.ErrSessionProcessing
		}

		s.log.Info("credited payment session",
			zap.String("session_id", sessionID),
			zap.String("owner_id", ownerID),
			zap.String("amount", req.Amount.String()),
			zap.String("transaction_id", txn.ID.String()),
		)
		result = &paymentdomain.CreditResult{Credited: true, Balance: newBalance, Currency: req.Currency}
		return nil
	})
	if err != nil {
		s.obsMetrics.RecordCredit(ctx, "error")
		return nil, err
	}

	if result.Credited {
		s.obsMetrics.RecordCredit(ctx, "credited")
	} else {
		s.obsMetrics.RecordCredit(ctx, "duplicate")
	}
	return result, nil
}

// observeExisting resolves a call that lost the uniqueness insert. A
// completed session is a successful no-op as long as the caller presents the
// same amount and owner; a session still processing in a concurrent
// transaction is a retryable conflict.
func (s *Service) observeExisting(ctx context.Context, tx *gorm.DB, sessionID string, req paymentdomain.CreditRequest) (*paymentdomain.CreditResult, error) {
	var existing paymentdomain.PaymentSession
	err := tx.WithContext(ctx).
		Where("external_session_id = ?", sessionID).
		First(&existing).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// The competing insert has not committed yet.
			return nil, paymentdomain.ErrSessionProcessing
		}
		return nil, err
	}

	switch existing.Status {
	case paymentdomain.SessionStatusCompleted:
		if !existing.CreditedAmount.Equal(req.Amount) || existing.OwnerID != strings.TrimSpace(req.OwnerID) {
			s.log.Error("payment session replay with mismatched details",
				zap.String("session_id", sessionID),
				zap.String("stored_amount", existing.CreditedAmount.String()),
				zap.String("request_amount", req.Amount.String()),
			)
			return nil, paymentdomain.ErrAmountMismatch
		}
		account, err := s.findAccountInTx(ctx, tx, existing.OwnerID)
		if err != nil {
			return nil, err
		}
		return &paymentdomain.CreditResult{
			Credited: false,
			Balance:  account.Balance,
			Currency: account.Currency,
		}, nil
	case paymentdomain.SessionStatusFailed:
		return nil, paymentdomain.ErrSessionFailed
	default:
		return nil, paymentdomain.ErrSessionProcessing
	}
}

// FailSession records a gateway-rejected session without any ledger
// mutation. Repeated failure reports for the same session are no-ops.
func (s *Service) FailSession(ctx context.Context, sessionID, reason string) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return paymentdomain.ErrInvalidSession
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()
		session := &paymentdomain.PaymentSession{
			ID:                s.genID.Generate(),
			ExternalSessionID: sessionID,
			Status:            paymentdomain.SessionStatusFailed,
			Amount:            decimal.Zero,
			CreditedAmount:    decimal.Zero,
			FailureReason:     strings.TrimSpace(reason),
			ProcessedAt:       &now,
			CreatedAt:         now,
		}
		res := tx.WithContext(ctx).
			Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "external_session_id"}},
				DoNothing: true,
			}).
			Create(session)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected > 0 {
			return nil
		}

		var existing paymentdomain.PaymentSession
		if err := tx.WithContext(ctx).
			Where("external_session_id = ?", sessionID).
			First(&existing).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return paymentdomain.ErrSessionProcessing
			}
			return err
		}
		if existing.Status.Terminal() {
			if existing.Status == paymentdomain.SessionStatusCompleted {
				// Terminal states are immutable; a late failure report for a
				// credited session needs an operator, not a state change.
				s.log.Error("failure reported for completed payment session",
					zap.String("session_id", sessionID),
					zap.String("reason", reason),
				)
			}
			return nil
		}

		// A committed non-terminal row moves to failed only along an edge the
		// lifecycle allows, and only if nothing else changed it first.
		if !existing.Status.CanTransitionTo(paymentdomain.SessionStatusFailed) {
			return paymentdomain.ErrSessionProcessing
		}
		marked := tx.WithContext(ctx).Model(&paymentdomain.PaymentSession{}).
			Where("id = ? AND status = ?", existing.ID, existing.Status).
			Updates(map[string]any{
				"status":         paymentdomain.SessionStatusFailed,
				"failure_reason": strings.TrimSpace(reason),
				"processed_at":   now,
			})
		if marked.Error != nil {
			return marked.Error
		}
		if marked.RowsAffected == 0 {
			return paymentdomain.ErrSessionProcessing
		}
		return nil
	})
}

func (s *Service) GetSession(ctx context.Context, sessionID string) (*paymentdomain.PaymentSession, error) {
	var session paymentdomain.PaymentSession
	err := s.db.WithContext(ctx).
		Where("external_session_id = ?", strings.TrimSpace(sessionID)).
		First(&session).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, paymentdomain.ErrSessionNotFound
		}
		return nil, err
	}
	return &session, nil
}

func (s *Service) findAccountInTx(ctx context.Context, tx *gorm.DB, ownerID string) (*ledgerdomain.Account, error) {
	var account ledgerdomain.Account
	err := tx.WithContext(ctx).Where("owner_id = ?", ownerID).First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ledgerdomain.ErrAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}
