package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/lumacrm/ledger/internal/config"
	"github.com/lumacrm/ledger/internal/migration"
	"github.com/lumacrm/ledger/internal/observability"
	"github.com/lumacrm/ledger/internal/server"
	"github.com/lumacrm/ledger/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		migration.Module,
		server.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
