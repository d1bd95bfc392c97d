package supervisor

import (
	"context"

	"go.uber.org/fx"

	"ghost/internal/bus"
	"ghost/internal/config"
	"ghost/internal/config/logger"
	"ghost/internal/store"
	"ghost/internal/worker"
)

func provide(cfg *config.Config, st *store.Store, b *bus.Bus, wp worker.Pool, log logger.Logger) (*Supervisor, error) {
	return New(cfg, st, b, wp, log)
}

// registerLifecycle hooks the Supervisor's shutdown sequence into the
// fx lifecycle; there is no OnStart side effect, since processes are
// only spawned in response to Register/Start calls from the Daemon
// Shell or Command Processor, not at injection time.
func registerLifecycle(lc fx.Lifecycle, s *Supervisor) {
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			s.Close(ctx)
			return nil
		},
	})
}

// Module provides the fx dependency injection options for the supervisor package.
var Module = fx.Options(
	fx.Provide(provide),
	fx.Invoke(registerLifecycle),
)
