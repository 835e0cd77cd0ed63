package catalog

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type CouponType string

const (
	TypeFixedAmount CouponType = "fixed_amount"
	TypeDiscount    CouponType = "discount"
	TypeVoucher     CouponType = "voucher"
)

func (t CouponType) Valid() bool {
	switch t {
	case TypeFixedAmount, TypeDiscount, TypeVoucher:
		return true
	default:
		return false
	}
}

type DefinitionStatus string

const (
	StatusActive DefinitionStatus = "active"
	StatusPaused DefinitionStatus = "paused"
	StatusEnded  DefinitionStatus = "ended"
)

// CouponDefinition is the merchant-owned template users claim instances of.
// RemainingCount is mutated exclusively through the stock allocator's
// conditional updates, never assigned in application code.
type CouponDefinition struct {
	ID          snowflake.ID  `gorm:"column:id;primaryKey" json:"id"`
	MerchantID  snowflake.ID  `gorm:"column:merchant_id;index;not null" json:"merchant_id"`
	ShopID      *snowflake.ID `gorm:"column:shop_id;index" json:"shop_id,omitempty"` // nil = all shops under merchant
	Code        string        `gorm:"column:code;uniqueIndex;not null" json:"code"`
	Title       string        `gorm:"column:title;not null" json:"title"`
	Description string        `gorm:"column:description" json:"description,omitempty"`

	Type         CouponType `gorm:"column:type;not null" json:"type"`
	Amount       int64      `gorm:"column:amount;not null;default:0" json:"amount"`
	DiscountRate float64    `gorm:"column:discount_rate;not null;default:0" json:"discount_rate"`
	MinimumSpend int64      `gorm:"column:minimum_spend;not null;default:0" json:"minimum_spend"`

	TotalCount     int64 `gorm:"column:total_count;not null;default:0" json:"total_count"`
	RemainingCount int64 `gorm:"column:remaining_count;not null;default:0" json:"remaining_count"`
	PerUserLimit   int   `gorm:"column:per_user_limit;not null;default:1" json:"per_user_limit"`

	ValidFrom   time.Time  `gorm:"column:valid_from;not null" json:"valid_from"`
	ValidUntil  time.Time  `gorm:"column:valid_until;not null" json:"valid_until"`
	RedeemFrom  *time.Time `gorm:"column:redeem_from" json:"redeem_from,omitempty"`
	RedeemUntil *time.Time `gorm:"column:redeem_until" json:"redeem_until,omitempty"`

	Stackable bool             `gorm:"column:stackable;default:false" json:"stackable"`
	Status    DefinitionStatus `gorm:"column:status;index;not null;default:'active'" json:"status"`
	Metadata  datatypes.JSON   `gorm:"column:metadata" json:"metadata,omitempty"`

	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

func (CouponDefinition) TableName() string {
	return "coupon_definitions"
}

// RedemptionWindow returns the window a claimed instance may be redeemed in.
// Falls back to the claim validity window when no dedicated window is set.
func (d *CouponDefinition) RedemptionWindow() (time.Time, time.Time) {
	from, until := d.ValidFrom, d.ValidUntil
	if d.RedeemFrom != nil {
		from = *d.RedeemFrom
	}
	if d.RedeemUntil != nil {
		until = *d.RedeemUntil
	}
	return from, until
}

// ScopedToShop reports whether redemption is restricted to a single shop.
func (d *CouponDefinition) ScopedToShop() bool {
	return d.ShopID != nil
}
