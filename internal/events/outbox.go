// Package events provides the transactional outbox that decouples
// non-financial side effects from the ledger write path. Producers enqueue
// rows inside the same database transaction as the ledger mutation; a
// background dispatcher drains them after commit.
package events

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	// EventUsageRecorded is emitted once per successful consume.
	EventUsageRecorded = "usage.recorded"
)

// OutboxMessage is one pending event. Published rows are kept for audit and
// skipped by the dispatcher.
type OutboxMessage struct {
	ID          snowflake.ID      `gorm:"primaryKey"`
	EventType   string            `gorm:"type:text;not null;index"`
	Payload     datatypes.JSONMap `gorm:"type:jsonb"`
	Published   bool              `gorm:"not null;default:false;index"`
	PublishedAt *time.Time
	CreatedAt   time.Time `gorm:"not null;index"`
}

// TableName sets the database table name.
func (OutboxMessage) TableName() string { return "ledger_outbox" }

type Params struct {
	fx.In

	GenID *snowflake.Node
}

// Outbox enqueues messages; it never opens its own transaction.
type Outbox struct {
	genID *snowflake.Node
}

func NewOutbox(p Params) *Outbox {
	return &Outbox{genID: p.GenID}
}

// EnqueueInTx inserts one pending message inside the caller's transaction so
// the message commits or rolls back together with the business write.
func (o *Outbox) EnqueueInTx(ctx context.Context, tx *gorm.DB, eventType string, payload map[string]any) error {
	msg := &OutboxMessage{
		ID:        o.genID.Generate(),
		EventType: eventType,
		Payload:   datatypes.JSONMap(payload),
		CreatedAt: time.Now().UTC(),
	}
	return tx.WithContext(ctx).Create(msg).Error
}

var Module = fx.Module("events",
	fx.Provide(NewOutbox),
)
