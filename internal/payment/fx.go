package payment

import (
	"github.com/lumacrm/ledger/internal/config"
	"github.com/lumacrm/ledger/internal/payment/gateway"
	"github.com/lumacrm/ledger/internal/payment/service"
	"go.uber.org/fx"
)

var Module = fx.Module("payment.service",
	fx.Provide(service.NewService),
	fx.Provide(newVerifier),
	fx.Provide(newGatewayClient),
)

func newVerifier(cfg config.Config) *gateway.Verifier {
	return gateway.NewVerifier(cfg.Gateway.WebhookSecret, cfg.Gateway.SignatureTolerance)
}

func newGatewayClient(cfg config.Config) gateway.Client {
	return gateway.NewHTTPClient(cfg.Gateway.BaseURL, cfg.Gateway.APIKey, cfg.Gateway.RequestTimeout)
}
