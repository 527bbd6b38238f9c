package ledger

import (
	"github.com/lumacrm/ledger/internal/ledger/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("ledger.store",
	fx.Provide(repository.NewStore),
)
