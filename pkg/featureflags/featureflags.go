package featureflags

import (
	"context"

	"coupon-engine/pkg/config"

	"github.com/Flagsmith/flagsmith-go-client/v2"
	"go.uber.org/fx"
)

var Module = fx.Module("featureflags", fx.Provide(ProvideFeatureFlag))

// FlashClaimFlag gates the high-contention claim path per merchant.
const FlashClaimFlag = "flash_claim"

type FeatureFlag interface {
	IsEnabled(ctx context.Context, feature string) bool
}

type featureflag struct {
	client *flagsmith.Client
}

type FeatureParams struct {
	fx.In
	Config *config.Config
}

func ProvideFeatureFlag(p FeatureParams) FeatureFlag {
	if p.Config.Flagsmith.ApiKey == "" {
		return &featureflag{}
	}

	opts := []flagsmith.Option{
		flagsmith.WithBaseURL(p.Config.Flagsmith.Addr),
		flagsmith.WithAnalytics(),
	}

	return &featureflag{
		client: flagsmith.NewClient(p.Config.Flagsmith.ApiKey, opts...),
	}
}

// IsEnabled defaults to enabled when no flag backend is configured, so local
// and test deployments exercise every path.
func (s *featureflag) IsEnabled(ctx context.Context, feature string) bool {
	if s.client == nil {
		return true
	}

	flags, err := s.client.GetEnvironmentFlags()
	if err != nil {
		return false
	}

	enabled, err := flags.IsFeatureEnabled(feature)
	if err != nil {
		return false
	}

	return enabled
}
