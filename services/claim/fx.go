package claim

import (
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"

	"coupon-engine/services/catalog"
)

var Module = fx.Module("claim",
	fx.Provide(
		NewRepository,
		NewService,
		NewHandler,
		NewSweeper,
		func(rdb *redis.Client, loader *catalog.Service) *FlashGate {
			return NewFlashGate(rdb, loader)
		},
		// The catalog routes total-count changes through the allocator so
		// stock arithmetic stays in one place.
		func(r *Repository) catalog.StockAdjuster {
			return r
		},
	),
	fx.Invoke(
		RegisterRoutes,
		RunSweeper,
	),
)
