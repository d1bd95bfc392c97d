package outbox

import (
	"go.uber.org/fx"

	"ghost/internal/config/logger"
	"ghost/internal/store"
)

// provide constructs an Outbox sharing the state store's sqlite
// connection: a single-writer sqlite file serves both the state store
// and the outbox.
func provide(s *store.Store, log logger.Logger) *Outbox {
	return New(s.DB(), log)
}

// Module provides the fx dependency injection options for the outbox package.
var Module = fx.Options(
	fx.Provide(provide),
)
