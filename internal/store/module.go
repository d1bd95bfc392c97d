package store

import "go.uber.org/fx"

// Module provides the fx dependency injection options for the store package.
var Module = fx.Options(
	fx.Provide(New),
)
