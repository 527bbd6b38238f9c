package repository

import (
	"context"
	"errors"
	"testing"

	"github.com/bwmarrin/snowflake"
	ledgerdomain "github.com/lumacrm/ledger/internal/ledger/domain"
	"github.com/lumacrm/ledger/pkg/db"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestStore(t *testing.T) (ledgerdomain.Store, *gorm.DB) {
	t.Helper()

	conn, err := db.NewTest()
	require.NoError(t, err)
	require.NoError(t, conn.AutoMigrate(&ledgerdomain.Account{}, &ledgerdomain.Transaction{}))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	return NewStore(Params{DB: conn, Log: zap.NewNop(), GenID: node}), conn
}

func TestAppendTransaction_PurchaseCreatesAccount(t *testing.T) {
	store, conn := newTestStore(t)
	ctx := context.Background()

	txn, balance, err := store.AppendTransaction(ctx, ledgerdomain.AppendRequest{
		OwnerID: "org-1",
		Kind:    ledgerdomain.KindPurchase,
		Amount:  decimal.NewFromInt(100),
	})
	require.NoError(t, err)
	require.NotNil(t, txn)
	assert.True(t, balance.Equal(decimal.NewFromInt(100)), "balance = %s", balance)

	account, err := store.FindAccount(ctx, "org-1")
	require.NoError(t, err)
	assert.Equal(t, "USD", account.Currency)
	assert.True(t, account.Balance.Equal(decimal.NewFromInt(100)))

	var count int64
	require.NoError(t, conn.Model(&ledgerdomain.Transaction{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestAppendTransaction_UsageRequiresAccount(t *testing.T) {
	store, _ := newTestStore(t)

	_, _, err := store.AppendTransaction(context.Background(), ledgerdomain.AppendRequest{
		OwnerID: "org-missing",
		Kind:    ledgerdomain.KindUsage,
		Amount:  decimal.NewFromInt(-5),
	})
	assert.ErrorIs(t, err, ledgerdomain.ErrAccountNotFound)
}

func TestAppendTransaction_InsufficientFunds(t *testing.T) {
	store, conn := newTestStore(t)
	ctx := context.Background()

	_, _, err := store.AppendTransaction(ctx, ledgerdomain.AppendRequest{
		OwnerID: "org-1",
		Kind:    ledgerdomain.KindPurchase,
		Amount:  decimal.NewFromInt(50),
	})
	require.NoError(t, err)

	_, _, err = store.AppendTransaction(ctx, ledgerdomain.AppendRequest{
		OwnerID: "org-1",
		Kind:    ledgerdomain.KindUsage,
		Amount:  decimal.NewFromInt(-100),
	})
	assert.ErrorIs(t, err, ledgerdomain.ErrInsufficientFunds)

	// The failed debit leaves no trace.
	account, err := store.FindAccount(ctx, "org-1")
	require.NoError(t, err)
	assert.True(t, account.Balance.Equal(decimal.NewFromInt(50)))

	var count int64
	require.NoError(t, conn.Model(&ledgerdomain.Transaction{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestAppendTransaction_BalanceEqualsTransactionSum(t *testing.T) {
	store, conn := newTestStore(t)
	ctx := context.Background()

	amounts := []int64{100, -30, 25, -40, -55}
	for _, raw := range amounts {
		kind := ledgerdomain.KindPurchase
		if raw < 0 {
			kind = ledgerdomain.KindUsage
		}
		_, _, err := store.AppendTransaction(ctx, ledgerdomain.AppendRequest{
			OwnerID: "org-1",
			Kind:    kind,
			Amount:  decimal.NewFromInt(raw),
		})
		require.NoError(t, err)
	}

	account, err := store.FindAccount(ctx, "org-1")
	require.NoError(t, err)

	var rows []ledgerdomain.Transaction
	require.NoError(t, conn.Where("account_id = ?", account.ID).Find(&rows).Error)
	require.Len(t, rows, len(amounts))

	sum := decimal.Zero
	for _, row := range rows {
		sum = sum.Add(row.Amount)
	}
	assert.True(t, account.Balance.Equal(sum), "balance %s != sum %s", account.Balance, sum)
	assert.True(t, account.Balance.Equal(decimal.NewFromInt(0)))
}

func TestAppendTransaction_CurrencyMismatch(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_, _, err := store.AppendTransaction(ctx, ledgerdomain.AppendRequest{
		OwnerID:  "org-1",
		Kind:     ledgerdomain.KindPurchase,
		Amount:   decimal.NewFromInt(10),
		Currency: "EUR",
	})
	require.NoError(t, err)

	_, _, err = store.AppendTransaction(ctx, ledgerdomain.AppendRequest{
		OwnerID:  "org-1",
		Kind:     ledgerdomain.KindPurchase,
		Amount:   decimal.NewFromInt(10),
		Currency: "USD",
	})
	assert.ErrorIs(t, err, ledgerdomain.ErrCurrencyMismatch)

	// Currency comparison is case-insensitive.
	_, balance, err := store.AppendTransaction(ctx, ledgerdomain.AppendRequest{
		OwnerID:  "org-1",
		Kind:     ledgerdomain.KindPurchase,
		Amount:   decimal.NewFromInt(10),
		Currency: "eur",
	})
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.NewFromInt(20)))
}

func TestAppendTransaction_Validation(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	cases := []struct {
		name string
		req  ledgerdomain.AppendRequest
		want error
	}{
		{
			name: "empty owner",
			req:  ledgerdomain.AppendRequest{OwnerID: "  ", Kind: ledgerdomain.KindPurchase, Amount: decimal.NewFromInt(1)},
			want: ledgerdomain.ErrInvalidOwner,
		},
		{
			name: "unknown kind",
			req:  ledgerdomain.AppendRequest{OwnerID: "org-1", Kind: "refund", Amount: decimal.NewFromInt(1)},
			want: ledgerdomain.ErrInvalidKind,
		},
		{
			name: "zero amount",
			req:  ledgerdomain.AppendRequest{OwnerID: "org-1", Kind: ledgerdomain.KindPurchase, Amount: decimal.Zero},
			want: ledgerdomain.ErrInvalidAmount,
		},
		{
			name: "positive usage",
			req:  ledgerdomain.AppendRequest{OwnerID: "org-1", Kind: ledgerdomain.KindUsage, Amount: decimal.NewFromInt(5)},
			want: ledgerdomain.ErrInvalidAmount,
		},
		{
			name: "negative purchase",
			req:  ledgerdomain.AppendRequest{OwnerID: "org-1", Kind: ledgerdomain.KindPurchase, Amount: decimal.NewFromInt(-5)},
			want: ledgerdomain.ErrInvalidAmount,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := store.AppendTransaction(ctx, tc.req)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestAppendInTx_RollbackDiscardsWrites(t *testing.T) {
	store, conn := newTestStore(t)
	ctx := context.Background()

	_, _, err := store.AppendTransaction(ctx, ledgerdomain.AppendRequest{
		OwnerID: "org-1",
		Kind:    ledgerdomain.KindPurchase,
		Amount:  decimal.NewFromInt(50),
	})
	require.NoError(t, err)

	rollback := errors.New("abort")
	err = conn.Transaction(func(tx *gorm.DB) error {
		_, _, err := store.AppendInTx(ctx, tx, ledgerdomain.AppendRequest{
			OwnerID: "org-1",
			Kind:    ledgerdomain.KindUsage,
			Amount:  decimal.NewFromInt(-10),
		})
		require.NoError(t, err)
		return rollback
	})
	require.ErrorIs(t, err, rollback)

	account, err := store.FindAccount(ctx, "org-1")
	require.NoError(t, err)
	assert.True(t, account.Balance.Equal(decimal.NewFromInt(50)))

	var count int64
	require.NoError(t, conn.Model(&ledgerdomain.Transaction{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestGetOrCreateAccount(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	first, err := store.GetOrCreateAccount(ctx, "org-1", "eur")
	require.NoError(t, err)
	assert.True(t, first.Balance.IsZero())
	assert.Equal(t, "EUR", first.Currency)

	second, err := store.GetOrCreateAccount(ctx, "org-1", "")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "EUR", second.Currency)

	_, err = store.GetOrCreateAccount(ctx, "   ", "")
	assert.ErrorIs(t, err, ledgerdomain.ErrInvalidOwner)
}
