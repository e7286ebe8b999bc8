package slack

import (
	"github.com/smallbiznis/bookingpay/internal/config"
	"go.uber.org/fx"
)

var Module = fx.Module("providers.slack",
	fx.Provide(NewFromConfig),
)

func NewFromConfig(cfg config.Config) Provider {
	if cfg.Alert.WebhookURL == "" {
		return &NoOpProvider{}
	}
	return NewWebhook(cfg.Alert.WebhookURL, nil)
}
