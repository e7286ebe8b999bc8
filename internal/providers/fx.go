package providers

import (
	"github.com/smallbiznis/bookingpay/internal/providers/email"
	"github.com/smallbiznis/bookingpay/internal/providers/slack"
	"go.uber.org/fx"
)

var Module = fx.Module("providers",
	email.Module,
	slack.Module,
)
