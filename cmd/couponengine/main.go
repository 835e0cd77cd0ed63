package main

import (
	"log"
	"os"

	"github.com/bwmarrin/snowflake"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"gorm.io/gorm"

	asynqfx "coupon-engine/pkg/asynq"
	"coupon-engine/pkg/config"
	"coupon-engine/pkg/db"
	"coupon-engine/pkg/featureflags"
	"coupon-engine/pkg/grafana/pyroscope"
	"coupon-engine/pkg/hashistack/secretmanager"
	"coupon-engine/pkg/health"
	"coupon-engine/pkg/logger"
	"coupon-engine/pkg/otelcol"
	"coupon-engine/pkg/otelcol/exporters"
	redisfx "coupon-engine/pkg/redis"
	"coupon-engine/pkg/sequence"
	"coupon-engine/pkg/server"
	"coupon-engine/services/catalog"
	"coupon-engine/services/claim"
	"coupon-engine/services/notify"
	"coupon-engine/services/redemption"
)

func main() {
	opts := []fx.Option{
		config.Module,
	}
	if os.Getenv("VAULT_ADDR") != "" {
		opts = append(opts, secretmanager.Module)
	}
	opts = append(opts,
		logger.Module,
		db.Module,
		redisfx.Module,
		sequence.Module,
		featureflags.Module,
		health.Module,
		asynqfx.Client,
		asynqfx.Server,
		fx.Provide(
			provideSnowflakeNode,
			provideSpanExporter,
			provideTracerProvider,
		),
		fx.Invoke(
			registerTracerProvider,
			migrate,
			db.Otel,
			db.Metric,
		),
		notify.Module,
		catalog.Module,
		claim.Module,
		redemption.Module,
		server.ProvideHTTPServer,
		pyroscope.ProvidePyroscope,
		fxLogger,
	)

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	fx.New(opts...).Run()
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	return fxevent.NopLogger
})

func provideSnowflakeNode() (*snowflake.Node, error) {
	return snowflake.NewNode(1)
}

func provideSpanExporter(cfg *config.Config) (sdktrace.SpanExporter, error) {
	if cfg.Otel.Protocol == "grpc" {
		return exporters.ProvideGrpc(cfg)
	}
	return exporters.ProvideHttp(cfg)
}

func provideTracerProvider(exporter sdktrace.SpanExporter) *sdktrace.TracerProvider {
	return otelcol.ProvideTrace(exporter)
}

func registerTracerProvider(tp *sdktrace.TracerProvider) {
	otel.SetTracerProvider(tp)
}

func migrate(gdb *gorm.DB) error {
	return gdb.AutoMigrate(
		&catalog.CouponDefinition{},
		&claim.ClaimedCoupon{},
	)
}
