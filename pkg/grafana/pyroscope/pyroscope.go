package pyroscope

import (
	"context"

	"coupon-engine/pkg/config"

	"github.com/grafana/pyroscope-go"
	"go.uber.org/fx"
)

var ProvidePyroscope = fx.Module("pyroscope",
	fx.Provide(NewConfig),
	fx.Invoke(Start),
)

func NewConfig(cfg *config.Config) pyroscope.Config {
	return pyroscope.Config{
		ApplicationName: cfg.AppName,
		ServerAddress:   cfg.Pyroscope.Addr,
		ProfileTypes: []pyroscope.ProfileType{
			pyroscope.ProfileCPU,
			pyroscope.ProfileAllocObjects,
			pyroscope.ProfileAllocSpace,
			pyroscope.ProfileInuseObjects,
			pyroscope.ProfileInuseSpace,
			pyroscope.ProfileGoroutines,
			pyroscope.ProfileMutexCount,
			pyroscope.ProfileMutexDuration,
			pyroscope.ProfileBlockCount,
			pyroscope.ProfileBlockDuration,
		},
	}
}

// Start runs the profiler for the process lifetime. Skipped when no server
// address is configured.
func Start(lc fx.Lifecycle, cfg pyroscope.Config) error {
	if cfg.ServerAddress == "" {
		return nil
	}

	profiler, err := pyroscope.Start(cfg)
	if err != nil {
		return err
	}

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return profiler.Stop()
		},
	})

	return nil
}
