package notify

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	TypeCouponClaimed  = "coupon:claimed"
	TypeCouponRedeemed = "coupon:redeemed"
)

type CouponClaimedPayload struct {
	ClaimID            string    `json:"claim_id"`
	CouponDefinitionID string    `json:"coupon_definition_id"`
	MerchantID         string    `json:"merchant_id"`
	UserID             string    `json:"user_id"`
	Title              string    `json:"title"`
	ExpiresAt          time.Time `json:"expires_at"`
	ClaimedAt          time.Time `json:"claimed_at"`
}

type CouponRedeemedPayload struct {
	ClaimID              string    `json:"claim_id"`
	CouponDefinitionID   string    `json:"coupon_definition_id"`
	MerchantID           string    `json:"merchant_id"`
	UserID               string    `json:"user_id"`
	Channel              string    `json:"channel"`
	UsedAtShopID         string    `json:"used_at_shop_id,omitempty"`
	RedeemedByOperatorID string    `json:"redeemed_by_operator_id,omitempty"`
	OrderID              string    `json:"order_id,omitempty"`
	RedeemedAt           time.Time `json:"redeemed_at"`
}

func NewCouponClaimedTask(payload CouponClaimedPayload) (*asynq.Task, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeCouponClaimed, b, asynq.Queue("default")), nil
}

func NewCouponRedeemedTask(payload CouponRedeemedPayload) (*asynq.Task, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeCouponRedeemed, b, asynq.Queue("default")), nil
}
