package worker

import "go.uber.org/fx"

// Module provides the fx dependency injection options for the worker package.
var Module = fx.Options(
	fx.Provide(NewWorkerPool),
)
