package usage

import (
	"github.com/lumacrm/ledger/internal/usage/dispatch"
	"github.com/lumacrm/ledger/internal/usage/service"
	"go.uber.org/fx"
)

var Module = fx.Module("usage.service",
	fx.Provide(service.NewService),
	fx.Provide(dispatch.NewWorker),
	fx.Invoke(dispatch.Run),
)
