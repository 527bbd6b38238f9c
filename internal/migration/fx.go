package migration

import (
	"github.com/lumacrm/ledger/internal/config"
	"github.com/lumacrm/ledger/internal/events"
	ledgerdomain "github.com/lumacrm/ledger/internal/ledger/domain"
	paymentdomain "github.com/lumacrm/ledger/internal/payment/domain"
	usagedomain "github.com/lumacrm/ledger/internal/usage/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config) error {
		if cfg.DBType == "postgres" {
			sqlDB, err := conn.DB()
			if err != nil {
				return err
			}
			return RunMigrations(sqlDB)
		}

		// Non-postgres deployments (sqlite, mysql) are development
		// setups; gorm derives the schema from the models there.
		return conn.AutoMigrate(
			&ledgerdomain.Account{},
			&ledgerdomain.Transaction{},
			&paymentdomain.PaymentSession{},
			&usagedomain.UsageEvent{},
			&events.OutboxMessage{},
		)
	}),
)
