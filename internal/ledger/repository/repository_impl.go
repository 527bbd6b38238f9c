package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	ledgerdomain "github.com/lumacrm/ledger/internal/ledger/domain"
	"github.com/lumacrm/ledger/pkg/db"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const defaultCurrency = "USD"

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
}

// Store implements ledgerdomain.Store on gorm.
type Store struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
}

func NewStore(p Params) ledgerdomain.Store {
	return &Store{
		db:    p.DB,
		log:   p.Log.Named("ledger.store"),
		genID: p.GenID,
	}
}

// AppendTransaction applies one balance change inside its own database
// transaction. On any error the balance and the transaction log are left
// untouched, so callers can always retry.
func (s *Store) AppendTransaction(ctx context.Context, req ledgerdomain.AppendRequest) (*ledgerdomain.Transaction, decimal.Decimal, error) {
	var (
		txn     *ledgerdomain.Transaction
		balance decimal.Decimal
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		txn, balance, err = s.AppendInTx(ctx, tx, req)
		return err
	})
	if err != nil {
		return nil, decimal.Zero, err
	}
	return txn, balance, nil
}

// AppendInTx applies one balance change inside the caller's transaction. The
// account row is taken FOR UPDATE first, so a concurrent append on the same
// account blocks until this one commits; the balance check and the debit are
// therefore a single atomic step.
func (s *Store) AppendInTx(ctx context.Context, tx *gorm.DB, req ledgerdomain.AppendRequest) (*ledgerdomain.Transaction, decimal.Decimal, error) {
	ownerID := strings.TrimSpace(req.OwnerID)
	if ownerID == "" {
		return nil, decimal.Zero, ledgerdomain.ErrInvalidOwner
	}
	if !req.Kind.Valid() {
		return nil, decimal.Zero, ledgerdomain.ErrInvalidKind
	}
	if req.Amount.IsZero() {
		return nil, decimal.Zero, ledgerdomain.ErrInvalidAmount
	}
	if req.Kind == ledgerdomain.KindUsage && req.Amount.IsPositive() {
		return nil, decimal.Zero, ledgerdomain.ErrInvalidAmount
	}
	if req.Kind == ledgerdomain.KindPurchase && req.Amount.IsNegative() {
		return nil, decimal.Zero, ledgerdomain.ErrInvalidAmount
	}

	account, err := s.lockAccount(ctx, tx, ownerID)
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, decimal.Zero, err
		}
		if !req.Kind.Credits() || req.Amount.IsNegative() {
			return nil, decimal.Zero, ledgerdomain.ErrAccountNotFound
		}
		account, err = s.createAccount(ctx, tx, ownerID, req.Currency)
		if err != nil {
			return nil, decimal.Zero, err
		}
	}

	if req.Currency != "" && !strings.EqualFold(req.Currency, account.Currency) {
		return nil, decimal.Zero, ledgerdomain.ErrCurrencyMismatch
	}

	newBalance := account.Balance.Add(req.Amount)
	if newBalance.IsNegative() {
		return nil, decimal.Zero, ledgerdomain.ErrInsufficientFunds
	}

	now := time.Now().UTC()
	txn := &ledgerdomain.Transaction{
		ID:          s.genID.Generate(),
		AccountID:   account.ID,
		Kind:        req.Kind,
		Amount:      req.Amount,
		ExternalRef: req.ExternalRef,
		Description: req.Description,
		CreatedAt:   now,
	}
	if err := tx.WithContext(ctx).Create(txn).Error; err != nil {
		return nil, decimal.Zero, err
	}

	if err := tx.WithContext(ctx).Model(&ledgerdomain.Account{}).
		Where("id = ?", account.ID).
		Updates(map[string]any{
			"balance":    newBalance,
			"updated_at": now,
		}).Error; err != nil {
		return nil, decimal.Zero, err
	}

	return txn, newBalance, nil
}

// GetOrCreateAccount returns the account for ownerID, creating it with a zero
// balance on first sight. Accounts are never deleted.
func (s *Store) GetOrCreateAccount(ctx context.Context, ownerID, currency string) (*ledgerdomain.Account, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return nil, ledgerdomain.ErrInvalidOwner
	}

	account, err := s.FindAccount(ctx, ownerID)
	if err == nil {
		return account, nil
	}
	if !errors.Is(err, ledgerdomain.ErrAccountNotFound) {
		return nil, err
	}

	created := &ledgerdomain.Account{
		ID:       s.genID.Generate(),
		OwnerID:  ownerID,
		Balance:  decimal.Zero,
		Currency: normalizeCurrency(currency),
	}
	if err := s.db.WithContext(ctx).Create(created).Error; err != nil {
		if db.IsDuplicateKeyErr(err) {
			// Lost the creation race; the other writer's row is the account.
			return s.FindAccount(ctx, ownerID)
		}
		return nil, err
	}
	return created, nil
}

func (s *Store) FindAccount(ctx context.Context, ownerID string) (*ledgerdomain.Account, error) {
	var account ledgerdomain.Account
	err := s.db.WithContext(ctx).Where("owner_id = ?", strings.TrimSpace(ownerID)).First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ledgerdomain.ErrAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}

func (s *Store) lockAccount(ctx context.Context, tx *gorm.DB, ownerID string) (*ledgerdomain.Account, error) {
	var account ledgerdomain.Account
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("owner_id = ?", ownerID).
		First(&account).Error
	if err != nil {
		return nil, err
	}
	return &account, nil
}

func (s *Store) createAccount(ctx context.Context, tx *gorm.DB, ownerID, currency string) (*ledgerdomain.Account, error) {
	account := &ledgerdomain.Account{
		ID:       s.genID.Generate(),
		OwnerID:  ownerID,
		Balance:  decimal.Zero,
		Currency: normalizeCurrency(currency),
	}
	if err := tx.WithContext(ctx).Create(account).Error; err != nil {
		if db.IsDuplicateKeyErr(err) {
			return s.lockAccount(ctx, tx, ownerID)
		}
		return nil, err
	}
	return account, nil
}

func normalizeCurrency(currency string) string {
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if currency == "" {
		return defaultCurrency
	}
	return currency
}
