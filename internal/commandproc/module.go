package commandproc

import (
	"context"

	"go.uber.org/fx"

	"ghost/internal/bus"
	"ghost/internal/config"
	"ghost/internal/config/logger"
	"ghost/internal/supervisor"
	"ghost/internal/tracker"
	"ghost/internal/worker"
)

func provide(cfg *config.Config, sup *supervisor.Supervisor, tr *tracker.Tracker, b *bus.Bus, wp worker.Pool, log logger.Logger) *Processor {
	return New(cfg, sup, tr, b, wp, log)
}

func registerLifecycle(lc fx.Lifecycle, p *Processor) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return p.Start(context.Background())
		},
		OnStop: func(ctx context.Context) error {
			p.Close()
			return nil
		},
	})
}

// Module provides the fx dependency injection options for the commandproc package.
var Module = fx.Options(
	fx.Provide(provide),
	fx.Invoke(registerLifecycle),
)
