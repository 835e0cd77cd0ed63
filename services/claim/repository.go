package claim

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"coupon-engine/services/catalog"
)

// Repository owns every write against coupon stock and the claim ledger.
// Stock moves only through conditional UPDATEs guarded by RowsAffected, so
// concurrent claimants can never drive remaining_count below zero.
type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// TryClaim runs the whole claim as one transaction: decrement stock, enforce
// the per-user limit, insert the ledger row. Any failure rolls back all three.
// build receives the definition and the user's next claim ordinal and returns
// the row to insert.
func (r *Repository) TryClaim(
	ctx context.Context,
	definitionID, userID snowflake.ID,
	now time.Time,
	build func(def *catalog.CouponDefinition, seq int) (*ClaimedCoupon, error),
) (ClaimCode, *ClaimedCoupon, error) {
	var (
		code  = ClaimOK
		claim *ClaimedCoupon
	)

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var def catalog.CouponDefinition
		if err := tx.Where("id = ?", definitionID).First(&def).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				code = ClaimNotFound
				return nil
			}
			return err
		}

		if c := classifyClaimability(&def, now); c != ClaimOK {
			code = c
			return nil
		}

		// Conditional decrement. The WHERE clause re-checks status and stock
		// under the row lock, so the pre-read above can be stale without
		// ever overselling.
		res := tx.Model(&catalog.CouponDefinition{}).
			Where("id = ? AND status = ? AND remaining_count > 0", definitionID, catalog.StatusActive).
			Update("remaining_count", gorm.Expr("remaining_count - 1"))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// Lost the race: either the last unit went to someone else or the
			// definition left active state between read and update.
			var fresh catalog.CouponDefinition
			if err := tx.Where("id = ?", definitionID).First(&fresh).Error; err != nil {
				return err
			}
			if c := classifyClaimability(&fresh, now); c != ClaimOK {
				code = c
			} else {
				code = ClaimSoldOut
			}
			return nil
		}

		var prior int64
		if err := tx.Model(&ClaimedCoupon{}).
			Where("coupon_definition_id = ? AND user_id = ?", definitionID, userID).
			Count(&prior).Error; err != nil {
			return err
		}
		if prior >= int64(def.PerUserLimit) {
			code = ClaimLimitReached
			return errRollbackLimit
		}

		row, err := build(&def, int(prior)+1)
		if err != nil {
			return err
		}
		if err := tx.Create(row).Error; err != nil {
			// Two transactions counted the same prior value; the unique
			// (definition, user, seq) index catches the straggler. The
			// collision does not prove the limit is reached, so recount and
			// take the next free ordinal once before giving up.
			if !errors.Is(err, gorm.ErrDuplicatedKey) {
				return err
			}
			if err := tx.Model(&ClaimedCoupon{}).
				Where("coupon_definition_id = ? AND user_id = ?", definitionID, userID).
				Count(&prior).Error; err != nil {
				return err
			}
			if prior >= int64(def.PerUserLimit) {
				code = ClaimLimitReached
				return errRollbackLimit
			}
			var maxSeq int64
			if err := tx.Model(&ClaimedCoupon{}).
				Where("coupon_definition_id = ? AND user_id = ?", definitionID, userID).
				Select("COALESCE(MAX(claim_seq), 0)").Scan(&maxSeq).Error; err != nil {
				return err
			}
			row, err = build(&def, int(maxSeq)+1)
			if err != nil {
				return err
			}
			if err := tx.Create(row).Error; err != nil {
				if errors.Is(err, gorm.ErrDuplicatedKey) {
					code = ClaimLimitReached
					return errRollbackLimit
				}
				return err
			}
		}

		claim = row
		return nil
	})

	if errors.Is(err, errRollbackLimit) {
		return ClaimLimitReached, nil, nil
	}
	if err != nil {
		return ClaimOK, nil, err
	}
	return code, claim, nil
}

// errRollbackLimit aborts the transaction so the stock decrement is undone
// when the per-user limit loses the race.
var errRollbackLimit = errors.New("per-user limit reached")

func classifyClaimability(def *catalog.CouponDefinition, now time.Time) ClaimCode {
	if def.Status != catalog.StatusActive {
		return ClaimNotActive
	}
	if now.Before(def.ValidFrom) {
		return ClaimNotStarted
	}
	if !now.Before(def.ValidUntil) {
		return ClaimExpired
	}
	if def.RemainingCount <= 0 {
		return ClaimSoldOut
	}
	return ClaimOK
}

// AdjustStock applies a signed delta to total and remaining stock in one
// statement. Remaining is clamped at zero; total never drops below the number
// already claimed, so the ledger stays consistent with the counters.
func (r *Repository) AdjustStock(ctx context.Context, definitionID snowflake.ID, delta int64) error {
	if delta == 0 {
		return nil
	}
	// total_count must be assigned before remaining_count: MySQL evaluates SET
	// clauses left to right against already-assigned values, and the total
	// clamp needs the pre-update remaining_count. The remaining clamp only
	// references itself, so it is safe in either position.
	res := r.db.WithContext(ctx).Exec(
		`UPDATE coupon_definitions
		    SET total_count = CASE WHEN total_count + ? < total_count - remaining_count
		          THEN total_count - remaining_count ELSE total_count + ? END,
		        remaining_count = CASE WHEN remaining_count + ? < 0 THEN 0 ELSE remaining_count + ? END,
		        updated_at = ?
		  WHERE id = ?`,
		delta, delta, delta, delta, time.Now(), definitionID)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// FindByCodeHash loads a ledger row by its hashed redemption code.
// Returns (nil, nil) when no row matches.
func (r *Repository) FindByCodeHash(ctx context.Context, codeHash string) (*ClaimedCoupon, error) {
	var row ClaimedCoupon
	err := r.db.WithContext(ctx).Where("code_hash = ?", codeHash).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// RedemptionStamp is the attribution written alongside the status flip: where
// the coupon was used, who keyed it in, and the order it paid for.
type RedemptionStamp struct {
	ShopID     *snowflake.ID
	OperatorID *snowflake.ID
	OrderID    *string
}

// MarkRedeemed flips an unused claim to used and stamps the redemption
// attribution in the same statement. The status guard in the WHERE clause
// makes double redemption lose cleanly; callers check the return.
func (r *Repository) MarkRedeemed(ctx context.Context, claimID snowflake.ID, now time.Time, stamp RedemptionStamp) (bool, error) {
	res := r.db.WithContext(ctx).Model(&ClaimedCoupon{}).
		Where("id = ? AND status = ?", claimID, StatusUnused).
		Updates(map[string]interface{}{
			"status":                  StatusUsed,
			"redeemed_at":             now,
			"used_at_shop_id":         stamp.ShopID,
			"redeemed_by_operator_id": stamp.OperatorID,
			"order_id":                stamp.OrderID,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// ListByUser returns the user's ledger entries, newest first, keyset paged
// on the snowflake primary key. An empty status means all statuses. The
// filter matches the read-time expiry derivation: an unused row past its
// expires_at counts as expired whether or not the sweep has run.
func (r *Repository) ListByUser(ctx context.Context, userID snowflake.ID, status ClaimStatus, now time.Time, beforeID snowflake.ID, limit int) ([]*ClaimedCoupon, error) {
	query := r.db.WithContext(ctx).Where("user_id = ?", userID)
	switch status {
	case StatusUnused:
		query = query.Where("status = ? AND expires_at > ?", StatusUnused, now)
	case StatusUsed:
		query = query.Where("status = ?", StatusUsed)
	case StatusExpired:
		query = query.Where("(status = ? OR (status = ? AND expires_at <= ?))", StatusExpired, StatusUnused, now)
	}
	if beforeID != 0 {
		query = query.Where("id < ?", beforeID)
	}
	var rows []*ClaimedCoupon
	if err := query.Order("id DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// ExpireDue marks every overdue unused claim expired in a single conditional
// update. Reads derive expiry themselves; this keeps listings and reports
// cheap, nothing more.
func (r *Repository) ExpireDue(ctx context.Context, now time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Model(&ClaimedCoupon{}).
		Where("status = ? AND expires_at <= ?", StatusUnused, now).
		Update("status", StatusExpired)
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected > 0 {
		zap.L().Info("expired overdue claims", zap.Int64("count", res.RowsAffected))
	}
	return res.RowsAffected, nil
}
