package tracker

import (
	"context"

	"go.uber.org/fx"

	"ghost/internal/bus"
	"ghost/internal/config"
	"ghost/internal/config/logger"
)

func provide(cfg *config.Config, b *bus.Bus, log logger.Logger) *Tracker {
	return New(cfg, b, log)
}

func registerLifecycle(lc fx.Lifecycle, t *Tracker) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			t.Start()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return t.Close()
		},
	})
}

// Module provides the fx dependency injection options for the tracker package.
var Module = fx.Options(
	fx.Provide(provide),
	fx.Invoke(registerLifecycle),
)
