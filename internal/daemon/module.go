package daemon

import (
	"context"

	"go.uber.org/fx"
)

func registerLifecycle(lc fx.Lifecycle, d *Shell) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return d.Start(ctx)
		},
		OnStop: func(ctx context.Context) error {
			return d.Close(ctx)
		},
	})
}

// Module provides the fx dependency injection options for the daemon package.
var Module = fx.Options(
	fx.Provide(New),
	fx.Invoke(registerLifecycle),
)
