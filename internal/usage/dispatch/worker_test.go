package dispatch

import (
	"context"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/lumacrm/ledger/internal/events"
	ledgerdomain "github.com/lumacrm/ledger/internal/ledger/domain"
	ledgerrepo "github.com/lumacrm/ledger/internal/ledger/repository"
	usagedomain "github.com/lumacrm/ledger/internal/usage/domain"
	usageservice "github.com/lumacrm/ledger/internal/usage/service"
	"github.com/lumacrm/ledger/pkg/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fixture struct {
	worker *Worker
	store  ledgerdomain.Store
	outbox *events.Outbox
	conn   *gorm.DB
}

func newFixture(t *testing.T) fixture {
	t.Helper()

	conn, err := db.NewTest()
	require.NoError(t, err)
	require.NoError(t, conn.AutoMigrate(
		&ledgerdomain.Account{},
		&ledgerdomain.Transaction{},
		&usagedomain.UsageEvent{},
		&events.OutboxMessage{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	store := ledgerrepo.NewStore(ledgerrepo.Params{DB: conn, Log: zap.NewNop(), GenID: node})
	usageSvc := usageservice.NewService(usageservice.Params{DB: conn, Log: zap.NewNop(), Store: store})
	outbox := events.NewOutbox(events.Params{GenID: node})
	worker := NewWorker(Params{DB: conn, Log: zap.NewNop(), UsageSvc: usageSvc})

	return fixture{worker: worker, store: store, outbox: outbox, conn: conn}
}

func (f fixture) enqueue(t *testing.T, payload map[string]any) {
	t.Helper()
	err := f.conn.Transaction(func(tx *gorm.DB) error {
		return f.outbox.EnqueueInTx(context.Background(), tx, events.EventUsageRecorded, payload)
	})
	require.NoError(t, err)
}

func TestProcessPending_DispatchesEachMessageOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	account, err := f.store.GetOrCreateAccount(ctx, "org-1", "")
	require.NoError(t, err)

	f.enqueue(t, map[string]any{
		"account_id":  account.ID.String(),
		"owner_id":    "org-1",
		"feature":     "contact.export",
		"cost":        "2.5",
		"endpoint":    "/v1/contacts/export",
		"status_code": 200,
	})

	dispatched, err := f.worker.ProcessPending(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, dispatched)

	var recorded []usagedomain.UsageEvent
	require.NoError(t, f.conn.Find(&recorded).Error)
	require.Len(t, recorded, 1)
	assert.Equal(t, account.ID, recorded[0].AccountID)
	assert.Equal(t, "contact.export", recorded[0].Feature)
	assert.Equal(t, 200, recorded[0].StatusCode)
	assert.Equal(t, "2.5", recorded[0].Cost.String())

	var msg events.OutboxMessage
	require.NoError(t, f.conn.First(&msg).Error)
	assert.True(t, msg.Published)
	require.NotNil(t, msg.PublishedAt)
	assert.Equal(t, msg.ID, recorded[0].ID)

	// A second run finds nothing and records nothing new.
	dispatched, err = f.worker.ProcessPending(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, dispatched)

	var count int64
	require.NoError(t, f.conn.Model(&usagedomain.UsageEvent{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestProcessPending_MalformedPayloadIsRetired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.enqueue(t, map[string]any{
		"owner_id": "org-1",
		"feature":  "contact.export",
	})

	dispatched, err := f.worker.ProcessPending(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, dispatched)

	var count int64
	require.NoError(t, f.conn.Model(&usagedomain.UsageEvent{}).Count(&count).Error)
	assert.Zero(t, count)

	// The poisoned row is marked published so it stops blocking the queue.
	var msg events.OutboxMessage
	require.NoError(t, f.conn.First(&msg).Error)
	assert.True(t, msg.Published)
}

func TestProcessPending_RespectsLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	account, err := f.store.GetOrCreateAccount(ctx, "org-1", "")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		f.enqueue(t, map[string]any{
			"account_id":  account.ID.String(),
			"owner_id":    "org-1",
			"feature":     "contact.export",
			"cost":        "1",
			"status_code": 200,
		})
	}

	dispatched, err := f.worker.ProcessPending(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, dispatched)

	dispatched, err = f.worker.ProcessPending(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, dispatched)
}

func TestProcessPending_SkipsForeignEventTypes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := f.conn.Transaction(func(tx *gorm.DB) error {
		return f.outbox.EnqueueInTx(ctx, tx, "invoice.created", map[string]any{"invoice_id": "inv_1"})
	})
	require.NoError(t, err)

	dispatched, err := f.worker.ProcessPending(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, dispatched)

	var msg events.OutboxMessage
	require.NoError(t, f.conn.First(&msg).Error)
	assert.False(t, msg.Published)
}
