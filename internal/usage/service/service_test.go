package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	ledgerdomain "github.com/lumacrm/ledger/internal/ledger/domain"
	ledgerrepo "github.com/lumacrm/ledger/internal/ledger/repository"
	usagedomain "github.com/lumacrm/ledger/internal/usage/domain"
	"github.com/lumacrm/ledger/pkg/db"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fixture struct {
	svc   usagedomain.Service
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
		&usagedomain.UsageEvent{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	store := ledgerrepo.NewStore(ledgerrepo.Params{DB: conn, Log: zap.NewNop(), GenID: node})
	svc := NewService(Params{DB: conn, Log: zap.NewNop(), Store: store})

	return fixture{svc: svc, store: store, conn: conn, node: node}
}

func (f fixture) seedAccount(t *testing.T, ownerID string) *ledgerdomain.Account {
	t.Helper()
	account, err := f.store.GetOrCreateAccount(context.Background(), ownerID, "")
	require.NoError(t, err)
	return account
}

func TestRecord_ReplaySameEventIsNoop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	account := f.seedAccount(t, "org-1")

	event := usagedomain.UsageEvent{
		ID:         f.node.Generate(),
		AccountID:  account.ID,
		OwnerID:    "org-1",
		Feature:    "contact.export",
		Cost:       decimal.NewFromInt(2),
		StatusCode: 200,
	}
	require.NoError(t, f.svc.Record(ctx, event))
	require.NoError(t, f.svc.Record(ctx, event))

	var count int64
	require.NoError(t, f.conn.Model(&usagedomain.UsageEvent{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestRecord_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	account := f.seedAccount(t, "org-1")

	err := f.svc.Record(ctx, usagedomain.UsageEvent{
		AccountID: account.ID,
		Feature:   "contact.export",
	})
	assert.ErrorIs(t, err, usagedomain.ErrInvalidEvent)

	err = f.svc.Record(ctx, usagedomain.UsageEvent{
		ID:        f.node.Generate(),
		AccountID: account.ID,
		Feature:   "  ",
	})
	assert.ErrorIs(t, err, usagedomain.ErrInvalidEvent)
}

func TestAggregate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	account := f.seedAccount(t, "org-1")

	now := time.Now().UTC()
	seed := []usagedomain.UsageEvent{
		{Feature: "contact.export", Cost: decimal.NewFromInt(2), Endpoint: "/v1/contacts/export", StatusCode: 200, CreatedAt: now},
		{Feature: "contact.export", Cost: decimal.NewFromInt(2), Endpoint: "/v1/contacts/export", StatusCode: 500, CreatedAt: now},
		{Feature: "email.send", Cost: decimal.NewFromInt(1), Endpoint: "", StatusCode: 201, CreatedAt: now.Add(-48 * time.Hour)},
		{Feature: "email.send", Cost: decimal.NewFromInt(1), Endpoint: "/v1/emails", StatusCode: 302, CreatedAt: now.Add(-48 * time.Hour)},
	}
	for _, event := range seed {
		event.ID = f.node.Generate()
		event.AccountID = account.ID
		event.OwnerID = "org-1"
		require.NoError(t, f.svc.Record(ctx, event))
	}

	agg, err := f.svc.Aggregate(ctx, usagedomain.AggregateRequest{OwnerID: "org-1"})
	require.NoError(t, err)

	assert.Equal(t, int64(4), agg.TotalRequests)
	assert.InDelta(t, 0.75, agg.SuccessRate, 1e-9)
	assert.True(t, agg.TotalCost.Equal(decimal.NewFromInt(6)), "total cost = %s", agg.TotalCost)

	assert.True(t, agg.ByFeature["contact.export"].Equal(decimal.NewFromInt(4)))
	assert.True(t, agg.ByFeature["email.send"].Equal(decimal.NewFromInt(2)))

	assert.Equal(t, int64(2), agg.ByEndpoint["/v1/contacts/export"])
	assert.Equal(t, int64(1), agg.ByEndpoint["/v1/emails"])
	assert.Equal(t, int64(1), agg.ByEndpoint["unknown"])

	assert.Equal(t, int64(2), agg.ByDay[now.Format("2006-01-02")])
	assert.Equal(t, int64(2), agg.ByDay[now.Add(-48*time.Hour).Format("2006-01-02")])
}

func TestAggregate_WindowClipsOldEvents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	account := f.seedAccount(t, "org-1")

	now := time.Now().UTC()
	old := usagedomain.UsageEvent{
		ID:         f.node.Generate(),
		AccountID:  account.ID,
		OwnerID:    "org-1",
		Feature:    "contact.export",
		Cost:       decimal.NewFromInt(2),
		StatusCode: 200,
		CreatedAt:  now.Add(-72 * time.Hour),
	}
	recent := old
	recent.ID = f.node.Generate()
	recent.CreatedAt = now
	require.NoError(t, f.svc.Record(ctx, old))
	require.NoError(t, f.svc.Record(ctx, recent))

	agg, err := f.svc.Aggregate(ctx, usagedomain.AggregateRequest{
		OwnerID: "org-1",
		Window:  24 * time.Hour,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), agg.TotalRequests)
}

func TestAggregate_WindowValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedAccount(t, "org-1")

	_, err := f.svc.Aggregate(ctx, usagedomain.AggregateRequest{
		OwnerID: "org-1",
		Window:  366 * 24 * time.Hour,
	})
	assert.ErrorIs(t, err, usagedomain.ErrInvalidWindow)

	_, err = f.svc.Aggregate(ctx, usagedomain.AggregateRequest{
		OwnerID: "org-1",
		Window:  -time.Hour,
	})
	assert.ErrorIs(t, err, usagedomain.ErrInvalidWindow)
}

func TestAggregate_UnknownOwner(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Aggregate(context.Background(), usagedomain.AggregateRequest{OwnerID: "org-missing"})
	assert.ErrorIs(t, err, ledgerdomain.ErrAccountNotFound)
}
