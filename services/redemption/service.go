package redemption

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"coupon-engine/pkg/middleware"
	"coupon-engine/services/catalog"
	"coupon-engine/services/claim"
	"coupon-engine/services/notify"
)

// VerificationStatus classifies what a till may do with a presented code.
type VerificationStatus string

const (
	StatusValid            VerificationStatus = "VALID"
	StatusInvalidCode      VerificationStatus = "INVALID_CODE"
	StatusAlreadyUsed      VerificationStatus = "ALREADY_USED"
	StatusExpired          VerificationStatus = "EXPIRED"
	StatusNotRedeemableYet VerificationStatus = "NOT_REDEEMABLE_YET"
	StatusScopeMismatch    VerificationStatus = "SCOPE_MISMATCH"
)

// Verification is the read-only answer to "can this code be redeemed here".
// It never mutates the ledger; only Redeem does.
type Verification struct {
	Status VerificationStatus        `json:"status"`
	Claim  *claim.ClaimedCoupon      `json:"claim,omitempty"`
	Coupon *catalog.CouponDefinition `json:"coupon,omitempty"`
}

type Service struct {
	claims *claim.Repository
	defs   *catalog.Service
	notify *notify.Dispatcher
}

type ServiceParams struct {
	fx.In
	Claims     *claim.Repository
	Catalog    *catalog.Service
	Dispatcher *notify.Dispatcher
}

func NewService(p ServiceParams) *Service {
	return &Service{
		claims: p.Claims,
		defs:   p.Catalog,
		notify: p.Dispatcher,
	}
}

// Verify is informational only: the answer can go stale the moment it is
// returned, and a VALID here never guarantees the later Redeem will win.
func (s *Service) Verify(ctx context.Context, code string, shopID *snowflake.ID) (*Verification, error) {
	row, def, status, err := s.lookup(ctx, code, shopID, time.Now())
	if err != nil {
		return nil, err
	}
	return &Verification{Status: status, Claim: row, Coupon: def}, nil
}

// RedeemRequest carries everything a till sends alongside a presented code.
type RedeemRequest struct {
	ShopID     *snowflake.ID
	OperatorID *snowflake.ID
	OrderID    *string
}

// Redeem consumes the claim and stamps where, by whom, and for which order it
// was used, all in the same status-guarded update. That update is what decides
// races; every check before it is advisory. Retrying with the same order id
// after a win is answered VALID again, so point-of-sale retries are safe.
func (s *Service) Redeem(ctx context.Context, code string, req RedeemRequest) (*Verification, error) {
	now := time.Now()

	row, def, status, err := s.lookup(ctx, code, req.ShopID, now)
	if err != nil {
		return nil, err
	}
	if status != StatusValid {
		if status == StatusAlreadyUsed && sameOrder(row, req.OrderID) {
			return &Verification{Status: StatusValid, Claim: row, Coupon: def}, nil
		}
		return &Verification{Status: status, Claim: row, Coupon: def}, nil
	}

	won, err := s.claims.MarkRedeemed(ctx, row.ID, now, claim.RedemptionStamp{
		ShopID:     req.ShopID,
		OperatorID: req.OperatorID,
		OrderID:    req.OrderID,
	})
	if err != nil {
		return nil, err
	}
	if !won {
		// Lost to a concurrent redeem or the expiry sweep. Re-read to report
		// which one.
		fresh, err := s.claims.FindByCodeHash(ctx, row.CodeHash)
		if err != nil {
			return nil, err
		}
		status := StatusAlreadyUsed
		if fresh != nil && fresh.EffectiveStatus(now) == claim.StatusExpired {
			status = StatusExpired
		}
		if fresh != nil && status == StatusAlreadyUsed && sameOrder(fresh, req.OrderID) {
			return &Verification{Status: StatusValid, Claim: fresh, Coupon: def}, nil
		}
		return &Verification{Status: status, Claim: fresh, Coupon: def}, nil
	}

	row.Status = claim.StatusUsed
	row.RedeemedAt = &now
	row.UsedAtShopID = req.ShopID
	row.RedeemedByOperatorID = req.OperatorID
	row.OrderID = req.OrderID

	channel := middleware.GetChannel(ctx)
	zap.L().Info("coupon redeemed",
		zap.String("claim_id", row.ID.String()),
		zap.String("definition_id", row.CouponDefinitionID.String()),
		zap.String("user_id", row.UserID.String()),
		zap.String("channel", channel),
	)

	payload := notify.CouponRedeemedPayload{
		ClaimID:            row.ID.String(),
		CouponDefinitionID: row.CouponDefinitionID.String(),
		MerchantID:         row.MerchantID.String(),
		UserID:             row.UserID.String(),
		Channel:            channel,
		RedeemedAt:         now,
	}
	if req.ShopID != nil {
		payload.UsedAtShopID = req.ShopID.String()
	}
	if req.OperatorID != nil {
		payload.RedeemedByOperatorID = req.OperatorID.String()
	}
	if req.OrderID != nil {
		payload.OrderID = *req.OrderID
	}
	s.notify.CouponRedeemed(ctx, payload)

	return &Verification{Status: StatusValid, Claim: row, Coupon: def}, nil
}

// lookup resolves a presented code to its ledger row and classification.
// INVALID_CODE deliberately reveals nothing about whether the code ever
// existed.
func (s *Service) lookup(ctx context.Context, code string, shopID *snowflake.ID, now time.Time) (*claim.ClaimedCoupon, *catalog.CouponDefinition, VerificationStatus, error) {
	row, err := s.claims.FindByCodeHash(ctx, claim.HashRedemptionCode(code))
	if err != nil {
		return nil, nil, "", err
	}
	if row == nil {
		return nil, nil, StatusInvalidCode, nil
	}

	def, err := s.defs.GetDefinition(ctx, row.CouponDefinitionID)
	if err != nil {
		return nil, nil, "", err
	}

	switch row.EffectiveStatus(now) {
	case claim.StatusUsed:
		return row, def, StatusAlreadyUsed, nil
	case claim.StatusExpired:
		return row, def, StatusExpired, nil
	}

	redeemFrom, redeemUntil := def.RedemptionWindow()
	if now.Before(redeemFrom) {
		return row, def, StatusNotRedeemableYet, nil
	}
	if !now.Before(redeemUntil) {
		return row, def, StatusExpired, nil
	}

	if def.ScopedToShop() && (shopID == nil || *shopID != *def.ShopID) {
		return row, def, StatusScopeMismatch, nil
	}

	return row, def, StatusValid, nil
}

func sameOrder(row *claim.ClaimedCoupon, orderID *string) bool {
	return row != nil && orderID != nil && row.OrderID != nil && *row.OrderID == *orderID
}
