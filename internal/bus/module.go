package bus

import (
	"context"

	"go.uber.org/fx"
)

// registerLifecycle hooks the Bus's background loops into the fx
// lifecycle.
func registerLifecycle(lc fx.Lifecycle, b *Bus) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			b.Start()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return b.Close()
		},
	})
}

// Module provides the fx dependency injection options for the bus package.
var Module = fx.Options(
	fx.Provide(New),
	fx.Invoke(registerLifecycle),
)
