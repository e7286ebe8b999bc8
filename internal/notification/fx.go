package notification

import (
	"context"
	"time"

	"github.com/smallbiznis/bookingpay/internal/notification/service"
	"go.uber.org/fx"
)

var Module = fx.Module("notification.service",
	fx.Provide(service.NewService),
	fx.Provide(service.ProvideNotifier),
	fx.Invoke(runRetryQueue),
)

const retryPollInterval = time.Second

func runRetryQueue(lc fx.Lifecycle, svc *service.Service) {
	startLoop(lc, func(ctx context.Context) {
		svc.RunForever(ctx, retryPollInterval)
	})
}

// startLoop runs loop for the life of the app. Stop cancels it and waits
// for it to return.
func startLoop(lc fx.Lifecycle, loop func(ctx context.Context)) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				loop(ctx)
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
				return nil
			case <-stopCtx.Done():
				return stopCtx.Err()
			}
		},
	})
}
