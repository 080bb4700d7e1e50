package userlock

import "go.uber.org/fx"

// Module provides the shared per-user lock registry.
var Module = fx.Module("userlock",
	fx.Provide(NewRegistry),
)
