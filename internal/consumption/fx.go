package consumption

import (
	"github.com/forgeapp/meterd/internal/consumption/service"
	"go.uber.org/fx"
)

var Module = fx.Module("consumption.service",
	fx.Provide(service.NewService),
)
