package claim

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"coupon-engine/pkg/config"
	"coupon-engine/pkg/errutil"
	"coupon-engine/pkg/featureflags"
	"coupon-engine/services/catalog"
	"coupon-engine/services/notify"
)

type Service struct {
	repo       *Repository
	gate       *FlashGate
	node       *snowflake.Node
	flags      featureflags.FeatureFlag
	dispatcher *notify.Dispatcher

	codeKey [32]byte
	keyVer  string
}

type ServiceParams struct {
	fx.In
	Config     *config.Config
	Repo       *Repository
	Gate       *FlashGate
	Node       *snowflake.Node
	Flags      featureflags.FeatureFlag
	Dispatcher *notify.Dispatcher
}

func NewService(p ServiceParams) *Service {
	keyVer := p.Config.Coupon.CodeKeyVersion
	if keyVer == "" {
		keyVer = "v1"
	}
	return &Service{
		repo:       p.Repo,
		gate:       p.Gate,
		node:       p.Node,
		flags:      p.Flags,
		dispatcher: p.Dispatcher,
		codeKey:    DeriveCodeKey(p.Config.SecretAES),
		keyVer:     keyVer,
	}
}

// TryClaim attempts one claim against the authoritative store. All outcomes
// other than infrastructure failure come back as a ClaimResult code.
func (s *Service) TryClaim(ctx context.Context, definitionID, userID snowflake.ID) (*ClaimResult, error) {
	now := time.Now()

	var plain string
	code, row, err := s.repo.TryClaim(ctx, definitionID, userID, now,
		func(def *catalog.CouponDefinition, seq int) (*ClaimedCoupon, error) {
			generated, err := NewRedemptionCode()
			if err != nil {
				return nil, err
			}
			enc, err := EncryptRedemptionCode(generated, s.codeKey)
			if err != nil {
				return nil, err
			}
			plain = generated

			_, redeemUntil := def.RedemptionWindow()
			return &ClaimedCoupon{
				ID:                 s.node.Generate(),
				CouponDefinitionID: def.ID,
				MerchantID:         def.MerchantID,
				ShopID:             def.ShopID,
				UserID:             userID,
				ClaimSeq:           seq,
				CodeHash:           HashRedemptionCode(generated),
				CodeEnc:            enc,
				KeyVer:             s.keyVer,
				Status:             StatusUnused,
				ExpiresAt:          redeemUntil,
			}, nil
		})
	if err != nil {
		return nil, err
	}
	if code != ClaimOK {
		return &ClaimResult{Code: code}, nil
	}

	zap.L().Info("coupon claimed",
		zap.String("claim_id", row.ID.String()),
		zap.String("definition_id", definitionID.String()),
		zap.String("user_id", userID.String()),
		zap.Int("claim_seq", row.ClaimSeq),
	)

	s.dispatcher.CouponClaimed(ctx, notify.CouponClaimedPayload{
		ClaimID:            row.ID.String(),
		CouponDefinitionID: row.CouponDefinitionID.String(),
		MerchantID:         row.MerchantID.String(),
		UserID:             row.UserID.String(),
		ExpiresAt:          row.ExpiresAt,
		ClaimedAt:          now,
	})

	return &ClaimResult{Code: ClaimOK, Claim: row, PlainCode: plain}, nil
}

// FlashClaim front-loads the Redis admission gate before the database
// transaction. The gate only rejects; it never mints a claim, and when it is
// unavailable or unseeded the request falls through to the plain path.
func (s *Service) FlashClaim(ctx context.Context, definitionID, userID snowflake.ID) (*ClaimResult, error) {
	if !s.flags.IsEnabled(ctx, featureflags.FlashClaimFlag) {
		return s.TryClaim(ctx, definitionID, userID)
	}

	def, err := s.gate.Definition(ctx, definitionID)
	if err != nil {
		var be errutil.BaseError
		if errors.As(err, &be) && be.Code == errutil.StatusNotFound {
			return &ClaimResult{Code: ClaimNotFound}, nil
		}
		return nil, err
	}

	admit, err := s.gate.Admit(ctx, def, userID)
	if err != nil {
		zap.L().Warn("flash gate unavailable, falling through",
			zap.String("definition_id", definitionID.String()),
			zap.Error(err),
		)
		return s.TryClaim(ctx, definitionID, userID)
	}

	switch admit {
	case AdmitSoldOut:
		return &ClaimResult{Code: ClaimSoldOut}, nil
	case AdmitLimited:
		return &ClaimResult{Code: ClaimLimitReached}, nil
	case AdmitUnseeded:
		return s.TryClaim(ctx, definitionID, userID)
	}

	result, err := s.TryClaim(ctx, definitionID, userID)
	if err != nil || result == nil || result.Code != ClaimOK {
		// The database said no after the gate said yes. Hand the shadow unit
		// back so the gate does not under-admit for the rest of the drop.
		s.gate.Release(ctx, definitionID, userID)
	}
	return result, err
}

// ListUserClaims pages the user's ledger newest first, optionally filtered by
// status, with expiry derived at read time.
func (s *Service) ListUserClaims(ctx context.Context, userID snowflake.ID, status ClaimStatus, beforeID snowflake.ID, limit int) ([]*ClaimedCoupon, error) {
	switch status {
	case "", StatusUnused, StatusUsed, StatusExpired:
	default:
		return nil, errutil.BadRequest("invalid status filter", nil,
			errutil.WithDetails(errutil.Detail{Field: "status", Message: "must be one of unused, used, expired"}))
	}
	if limit <= 0 {
		limit = 20
	}
	now := time.Now()
	rows, err := s.repo.ListByUser(ctx, userID, status, now, beforeID, limit)
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		row.Status = row.EffectiveStatus(now)
	}
	return rows, nil
}

// RevealCode decrypts a stored redemption code for support tooling.
func (s *Service) RevealCode(row *ClaimedCoupon) (string, error) {
	return DecryptRedemptionCode(row.CodeEnc, s.codeKey)
}
