package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	ledgerdomain "github.com/lumacrm/ledger/internal/ledger/domain"
	ledgerrepo "github.com/lumacrm/ledger/internal/ledger/repository"
	paymentdomain "github.com/lumacrm/ledger/internal/payment/domain"
	"github.com/lumacrm/ledger/pkg/db"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fixture struct {
	svc   paymentdomain.Service
	store ledgerdomain.Store
	conn  *gorm.DB
	node  *snowflake.Node
}

func newFixture(t *testing.T) fixture {
	t.Helper()

	conn, err := db.NewTest()
	require.NoError(t, err)
	require.NoError(t, conn.AutoMigrate(
		&ledgerdomain.Account{},
		&ledgerdomain.Transaction{},
		&paymentdomain.PaymentSession{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	store := ledgerrepo.NewStore(ledgerrepo.Params{DB: conn, Log: zap.NewNop(), GenID: node})
	svc := NewService(Params{DB: conn, Log: zap.NewNop(), GenID: node, Store: store})

	return fixture{svc: svc, store: store, conn: conn, node: node}
}

func creditReq(sessionID string, amount int64) paymentdomain.CreditRequest {
	return paymentdomain.CreditRequest{
		SessionID: sessionID,
		OwnerID:   "org-1",
		Amount:    decimal.NewFromInt(amount),
		Currency:  "USD",
	}
}

func TestCreditFromSession_CreditsExactlyOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.CreditFromSession(ctx, creditReq("cs_1", 100))
	require.NoError(t, err)
	assert.True(t, first.Credited)
	assert.True(t, first.Balance.Equal(decimal.NewFromInt(100)))

	// The same session delivered again, on any path, is a successful no-op.
	second, err := f.svc.CreditFromSession(ctx, creditReq("cs_1", 100))
	require.NoError(t, err)
	assert.False(t, second.Credited)
	assert.True(t, second.Balance.Equal(decimal.NewFromInt(100)))

	var txnCount int64
	require.NoError(t, f.conn.Model(&ledgerdomain.Transaction{}).Count(&txnCount).Error)
	assert.Equal(t, int64(1), txnCount)

	session, err := f.svc.GetSession(ctx, "cs_1")
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.SessionStatusCompleted, session.Status)
	assert.True(t, session.CreditedAmount.Equal(decimal.NewFromInt(100)))
	require.NotNil(t, session.ProcessedAt)
}

func TestCreditFromSession_DistinctSessionsBothCredit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.CreditFromSession(ctx, creditReq("cs_1", 100))
	require.NoError(t, err)

	result, err := f.svc.CreditFromSession(ctx, creditReq("cs_2", 50))
	require.NoError(t, err)
	assert.True(t, result.Credited)
	assert.True(t, result.Balance.Equal(decimal.NewFromInt(150)))
}

func TestCreditFromSession_ConcurrentCallersConvergeOnOneCredit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// The webhook and several manual confirms deliver the same session at
	// once. Exactly one caller may perform the ledger credit.
	const callers = 4
	results := make(chan *paymentdomain.CreditResult, callers)
	errs := make(chan error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := f.svc.CreditFromSession(ctx, creditReq("cs_race", 100))
			if err != nil {
				errs <- err
				return
			}
			results <- result
		}()
	}
	wg.Wait()
	close(results)
	close(errs)

	var credited, observed int
	for result := range results {
		if result.Credited {
			credited++
		} else {
			observed++
			assert.True(t, result.Balance.Equal(decimal.NewFromInt(100)))
		}
	}
	for err := range errs {
		// A caller racing the winner's uncommitted insert gets a retryable
		// conflict instead of a result.
		assert.ErrorIs(t, err, paymentdomain.ErrSessionProcessing)
	}
	assert.Equal(t, 1, credited)

	var txnCount int64
	require.NoError(t, f.conn.Model(&ledgerdomain.Transaction{}).Count(&txnCount).Error)
	assert.Equal(t, int64(1), txnCount)

	account, err := f.store.FindAccount(ctx, "org-1")
	require.NoError(t, err)
	assert.True(t, account.Balance.Equal(decimal.NewFromInt(100)), "balance = %s", account.Balance)
}

func TestCreditFromSession_ReplayWithMismatchedDetails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.CreditFromSession(ctx, creditReq("cs_1", 100))
	require.NoError(t, err)

	_, err = f.svc.CreditFromSession(ctx, creditReq("cs_1", 250))
	assert.ErrorIs(t, err, paymentdomain.ErrAmountMismatch)

	mismatchedOwner := creditReq("cs_1", 100)
	mismatchedOwner.OwnerID = "org-2"
	_, err = f.svc.CreditFromSession(ctx, mismatchedOwner)
	assert.ErrorIs(t, err, paymentdomain.ErrAmountMismatch)

	// The replay never touches the ledger.
	account, err := f.store.FindAccount(ctx, "org-1")
	require.NoError(t, err)
	assert.True(t, account.Balance.Equal(decimal.NewFromInt(100)))
}

func TestCreditFromSession_AfterFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.svc.FailSession(ctx, "cs_1", "card_declined"))

	_, err := f.svc.CreditFromSession(ctx, creditReq("cs_1", 100))
	assert.ErrorIs(t, err, paymentdomain.ErrSessionFailed)

	_, err = f.store.FindAccount(ctx, "org-1")
	assert.ErrorIs(t, err, ledgerdomain.ErrAccountNotFound)
}

func TestFailSession_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.svc.FailSession(ctx, "cs_1", "card_declined"))
	require.NoError(t, f.svc.FailSession(ctx, "cs_1", "card_declined"))

	session, err := f.svc.GetSession(ctx, "cs_1")
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.SessionStatusFailed, session.Status)
	assert.Equal(t, "card_declined", session.FailureReason)
}

func TestFailSession_MovesStuckProcessingToFailed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// A processing row left behind by an interrupted reconciliation run.
	now := time.Now().UTC()
	require.NoError(t, f.conn.Create(&paymentdomain.PaymentSession{
		ID:                f.node.Generate(),
		ExternalSessionID: "cs_stuck",
		OwnerID:           "org-1",
		Status:            paymentdomain.SessionStatusProcessing,
		Amount:            decimal.NewFromInt(100),
		CreditedAmount:    decimal.Zero,
		Currency:          "USD",
		CreatedAt:         now,
	}).Error)

	require.NoError(t, f.svc.FailSession(ctx, "cs_stuck", "gateway_timeout"))

	session, err := f.svc.GetSession(ctx, "cs_stuck")
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.SessionStatusFailed, session.Status)
	assert.Equal(t, "gateway_timeout", session.FailureReason)
	require.NotNil(t, session.ProcessedAt)

	// The failed session can no longer be credited.
	_, err = f.svc.CreditFromSession(ctx, creditReq("cs_stuck", 100))
	assert.ErrorIs(t, err, paymentdomain.ErrSessionFailed)
}

func TestFailSession_AfterCreditKeepsCompleted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.CreditFromSession(ctx, creditReq("cs_1", 100))
	require.NoError(t, err)

	// A late failure report for a credited session must not roll anything back.
	require.NoError(t, f.svc.FailSession(ctx, "cs_1", "card_declined"))

	session, err := f.svc.GetSession(ctx, "cs_1")
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.SessionStatusCompleted, session.Status)

	account, err := f.store.FindAccount(ctx, "org-1")
	require.NoError(t, err)
	assert.True(t, account.Balance.Equal(decimal.NewFromInt(100)))
}

func TestCreditFromSession_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := creditReq("  ", 100)
	_, err := f.svc.CreditFromSession(ctx, req)
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidSession)

	req = creditReq("cs_1", 100)
	req.OwnerID = ""
	_, err = f.svc.CreditFromSession(ctx, req)
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidAccountRef)

	req = creditReq("cs_1", 0)
	_, err = f.svc.CreditFromSession(ctx, req)
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidAmount)

	req = creditReq("cs_1", -10)
	_, err = f.svc.CreditFromSession(ctx, req)
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidAmount)
}

func TestGetSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.GetSession(ctx, "cs_missing")
	assert.ErrorIs(t, err, paymentdomain.ErrSessionNotFound)

	_, err = f.svc.CreditFromSession(ctx, creditReq("cs_1", 100))
	require.NoError(t, err)

	session, err := f.svc.GetSession(ctx, "cs_1")
	require.NoError(t, err)
	assert.Equal(t, "cs_1", session.ExternalSessionID)
	assert.Equal(t, "org-1", session.OwnerID)
}
