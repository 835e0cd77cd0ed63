package claim

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type ClaimStatus string

const (
	StatusUnused  ClaimStatus = "unused"
	StatusUsed    ClaimStatus = "used"
	StatusExpired ClaimStatus = "expired"
)

// ClaimCode classifies the outcome of a claim attempt. Callers branch on it
// instead of parsing errors; the handler layer maps codes onto HTTP statuses.
type ClaimCode string

const (
	ClaimOK           ClaimCode = "OK"
	ClaimNotFound     ClaimCode = "NOT_FOUND"
	ClaimNotActive    ClaimCode = "NOT_ACTIVE"
	ClaimNotStarted   ClaimCode = "NOT_STARTED"
	ClaimExpired      ClaimCode = "EXPIRED"
	ClaimSoldOut      ClaimCode = "SOLD_OUT"
	ClaimLimitReached ClaimCode = "LIMIT_REACHED"
)

// ClaimedCoupon is one ledger entry per successful claim. The redemption code
// is stored hashed for lookup and encrypted at rest; the plaintext exists only
// in the claim response.
type ClaimedCoupon struct {
	ID                 snowflake.ID  `gorm:"column:id;primaryKey" json:"id"`
	CouponDefinitionID snowflake.ID  `gorm:"column:coupon_definition_id;uniqueIndex:idx_claim_seq,priority:1;not null" json:"coupon_definition_id"`
	MerchantID         snowflake.ID  `gorm:"column:merchant_id;index;not null" json:"merchant_id"`
	ShopID             *snowflake.ID `gorm:"column:shop_id" json:"shop_id,omitempty"`
	UserID             snowflake.ID  `gorm:"column:user_id;uniqueIndex:idx_claim_seq,priority:2;index;not null" json:"user_id"`

	// ClaimSeq is the user's 1-based claim ordinal per definition. The unique
	// index over (definition, user, seq) backstops the per-user limit when
	// two transactions race.
	ClaimSeq int `gorm:"column:claim_seq;uniqueIndex:idx_claim_seq,priority:3;not null" json:"claim_seq"`

	CodeHash string `gorm:"column:code_hash;uniqueIndex;not null" json:"-"`
	CodeEnc  []byte `gorm:"column:code_enc;not null" json:"-"`
	KeyVer   string `gorm:"column:key_ver;not null;default:'v1'" json:"-"`

	Status    ClaimStatus `gorm:"column:status;index;not null;default:'unused'" json:"status"`
	ExpiresAt time.Time   `gorm:"column:expires_at;index;not null" json:"expires_at"`

	// Redemption attribution, stamped atomically with the status flip.
	RedeemedAt           *time.Time    `gorm:"column:redeemed_at" json:"redeemed_at,omitempty"`
	UsedAtShopID         *snowflake.ID `gorm:"column:used_at_shop_id" json:"used_at_shop_id,omitempty"`
	RedeemedByOperatorID *snowflake.ID `gorm:"column:redeemed_by_operator_id" json:"redeemed_by_operator_id,omitempty"`
	OrderID              *string       `gorm:"column:order_id" json:"order_id,omitempty"`

	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

func (ClaimedCoupon) TableName() string {
	return "claimed_coupons"
}

// EffectiveStatus derives expiry lazily so reads never depend on the sweep
// having run.
func (c *ClaimedCoupon) EffectiveStatus(now time.Time) ClaimStatus {
	if c.Status == StatusUnused && !now.Before(c.ExpiresAt) {
		return StatusExpired
	}
	return c.Status
}

// ClaimResult carries the outcome plus, on success, the ledger row and the
// plaintext redemption code. PlainCode is never persisted.
type ClaimResult struct {
	Code      ClaimCode      `json:"code"`
	Claim     *ClaimedCoupon `json:"claim,omitempty"`
	PlainCode string         `json:"redemption_code,omitempty"`
}
