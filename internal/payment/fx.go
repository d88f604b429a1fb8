package payment

import (
	"github.com/lunachat/luna/internal/config"
	paymentdomain "github.com/lunachat/luna/internal/payment/domain"
	"github.com/lunachat/luna/internal/payment/providers"
	"github.com/lunachat/luna/internal/payment/providers/mercadopago"
	"github.com/lunachat/luna/internal/payment/providers/stripe"
	"github.com/lunachat/luna/internal/payment/reconcile"
	"github.com/lunachat/luna/internal/payment/repository"
	"github.com/lunachat/luna/internal/payment/webhook"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("payment",
	fx.Provide(repository.Provide),
	fx.Provide(func(cfg config.Config, log *zap.Logger) *providers.Registry {
		return providers.NewRegistry(
			mercadopago.New(mercadopago.Config{
				AccessToken:   cfg.MercadoPagoAccessToken,
				WebhookSecret: cfg.MercadoPagoWebhookSecret,
				BaseURL:       cfg.MercadoPagoBaseURL,
				Timeout:       cfg.ProviderTimeout,
				SuccessURL:    cfg.CheckoutSuccessURL,
				FailureURL:    cfg.CheckoutCancelURL,
			}, log),
			stripe.New(stripe.Config{
				SecretKey:     cfg.StripeSecretKey,
				WebhookSecret: cfg.StripeWebhookSecret,
				SuccessURL:    cfg.CheckoutSuccessURL,
				CancelURL:     cfg.CheckoutCancelURL,
			}, log),
		)
	}),
	fx.Provide(reconcile.NewEngine),
	fx.Provide(func(engine *reconcile.Engine) paymentdomain.Engine { return engine }),
	fx.Provide(webhook.NewService),
)
