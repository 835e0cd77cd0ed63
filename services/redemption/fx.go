package redemption

import "go.uber.org/fx"

var Module = fx.Module("redemption",
	fx.Provide(
		NewService,
		NewHandler,
	),
	fx.Invoke(RegisterRoutes),
)
