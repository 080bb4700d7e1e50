package retention

import (
	"context"

	"go.uber.org/fx"
)

var Module = fx.Module("retention",
	fx.Provide(NewPruner, NewScheduler),
	fx.Invoke(registerScheduler),
)

func registerScheduler(lc fx.Lifecycle, s *Scheduler) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error { return s.Start(ctx) },
		OnStop:  func(ctx context.Context) error { return s.Stop(ctx) },
	})
}
