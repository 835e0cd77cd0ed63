package catalog

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"coupon-engine/pkg/db/pagination"
	"coupon-engine/pkg/errutil"
	"coupon-engine/pkg/repository"
	"coupon-engine/pkg/sequence"
)

// StockAdjuster applies signed total-stock deltas. The claim package's
// repository is the only implementation; the catalog never touches
// remaining_count itself.
type StockAdjuster interface {
	AdjustStock(ctx context.Context, definitionID snowflake.ID, delta int64) error
}

type Service struct {
	db    *gorm.DB
	node  *snowflake.Node
	seq   sequence.Generator
	stock StockAdjuster

	definitions repository.Repository[CouponDefinition]
}

type ServiceParams struct {
	fx.In
	DB    *gorm.DB
	Node  *snowflake.Node
	Seq   sequence.Generator
	Stock StockAdjuster
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:          p.DB,
		node:        p.Node,
		seq:         p.Seq,
		stock:       p.Stock,
		definitions: repository.ProvideStore[CouponDefinition](p.DB),
	}
}

type CreateDefinitionRequest struct {
	MerchantID   snowflake.ID
	ShopID       *snowflake.ID
	Title        string
	Description  string
	Type         CouponType
	Amount       int64
	DiscountRate float64
	MinimumSpend int64
	TotalCount   int64
	PerUserLimit int
	ValidFrom    time.Time
	ValidUntil   time.Time
	RedeemFrom   *time.Time
	RedeemUntil  *time.Time
	Stackable    bool
	Metadata     datatypes.JSON
}

func (s *Service) CreateDefinition(ctx context.Context, req CreateDefinitionRequest) (*CouponDefinition, error) {
	if details := validateSpec(req); len(details) > 0 {
		return nil, errutil.ValidationFailed("invalid coupon spec", nil, errutil.WithDetails(details...))
	}

	code, err := s.seq.NextCouponCode(ctx, req.MerchantID.String())
	if err != nil {
		return nil, errutil.Internal("failed to allocate coupon code", err)
	}

	minimumSpend := req.MinimumSpend
	if req.Type == TypeVoucher {
		minimumSpend = 0
	}

	def := &CouponDefinition{
		ID:             s.node.Generate(),
		MerchantID:     req.MerchantID,
		ShopID:         req.ShopID,
		Code:           code,
		Title:          req.Title,
		Description:    req.Description,
		Type:           req.Type,
		Amount:         req.Amount,
		DiscountRate:   req.DiscountRate,
		MinimumSpend:   minimumSpend,
		TotalCount:     req.TotalCount,
		RemainingCount: req.TotalCount,
		PerUserLimit:   req.PerUserLimit,
		ValidFrom:      req.ValidFrom,
		ValidUntil:     req.ValidUntil,
		RedeemFrom:     req.RedeemFrom,
		RedeemUntil:    req.RedeemUntil,
		Stackable:      req.Stackable,
		Status:         StatusActive,
		Metadata:       req.Metadata,
	}

	if err := s.definitions.Create(ctx, def); err != nil {
		return nil, errutil.Internal("failed to create coupon definition", err)
	}

	zap.L().Info("coupon definition created",
		zap.String("definition_id", def.ID.String()),
		zap.String("merchant_id", def.MerchantID.String()),
		zap.String("code", def.Code),
		zap.Int64("total_count", def.TotalCount),
	)

	return def, nil
}

func validateSpec(req CreateDefinitionRequest) []errutil.Detail {
	var details []errutil.Detail

	if !req.Type.Valid() {
		details = append(details, errutil.Detail{Field: "type", Message: "must be one of fixed_amount, discount, voucher"})
	}

	switch req.Type {
	case TypeFixedAmount, TypeVoucher:
		if req.Amount <= 0 {
			details = append(details, errutil.Detail{Field: "amount", Message: "required and must be positive for this coupon type"})
		}
		if req.DiscountRate != 0 {
			details = append(details, errutil.Detail{Field: "discount_rate", Message: "must not be set for this coupon type"})
		}
	case TypeDiscount:
		if req.DiscountRate <= 0 || req.DiscountRate >= 1 {
			details = append(details, errutil.Detail{Field: "discount_rate", Message: "must be strictly between 0 and 1"})
		}
		if req.Amount != 0 {
			details = append(details, errutil.Detail{Field: "amount", Message: "must not be set for discount coupons"})
		}
	}

	if req.MinimumSpend < 0 {
		details = append(details, errutil.Detail{Field: "minimum_spend", Message: "must not be negative"})
	}
	if req.TotalCount < 0 {
		details = append(details, errutil.Detail{Field: "total_count", Message: "must not be negative"})
	}
	if req.PerUserLimit < 1 {
		details = append(details, errutil.Detail{Field: "per_user_limit", Message: "must be at least 1"})
	}
	if !req.ValidFrom.Before(req.ValidUntil) {
		details = append(details, errutil.Detail{Field: "valid_from", Message: "must be before valid_until"})
	}
	if req.RedeemFrom != nil && req.RedeemUntil != nil && !req.RedeemFrom.Before(*req.RedeemUntil) {
		details = append(details, errutil.Detail{Field: "redeem_from", Message: "must be before redeem_until"})
	}

	return details
}

// UpdateDefinitionRequest changes mutable fields only. A non-nil TotalCount
// is applied as a signed delta against current stock through the allocator.
type UpdateDefinitionRequest struct {
	Title        *string
	Description  *string
	PerUserLimit *int
	ValidFrom    *time.Time
	ValidUntil   *time.Time
	RedeemFrom   *time.Time
	RedeemUntil  *time.Time
	Stackable    *bool
	Status       *DefinitionStatus
	TotalCount   *int64
}

func (s *Service) UpdateDefinition(ctx context.Context, id snowflake.ID, req UpdateDefinitionRequest) (*CouponDefinition, error) {
	def, err := s.GetDefinition(ctx, id)
	if err != nil {
		return nil, err
	}

	updates := map[string]interface{}{}
	if req.Title != nil {
		updates["title"] = *req.Title
	}
	if req.Description != nil {
		updates["description"] = *req.Description
	}
	if req.PerUserLimit != nil {
		if *req.PerUserLimit < 1 {
			return nil, errutil.ValidationFailed("invalid coupon spec", nil,
				errutil.WithDetails(errutil.Detail{Field: "per_user_limit", Message: "must be at least 1"}))
		}
		updates["per_user_limit"] = *req.PerUserLimit
	}
	if req.ValidFrom != nil {
		updates["valid_from"] = *req.ValidFrom
	}
	if req.ValidUntil != nil {
		updates["valid_until"] = *req.ValidUntil
	}
	if req.RedeemFrom != nil {
		updates["redeem_from"] = *req.RedeemFrom
	}
	if req.RedeemUntil != nil {
		updates["redeem_until"] = *req.RedeemUntil
	}
	if req.Stackable != nil {
		updates["stackable"] = *req.Stackable
	}
	if req.Status != nil {
		updates["status"] = *req.Status
	}

	validFrom, validUntil := def.ValidFrom, def.ValidUntil
	if req.ValidFrom != nil {
		validFrom = *req.ValidFrom
	}
	if req.ValidUntil != nil {
		validUntil = *req.ValidUntil
	}
	if !validFrom.Before(validUntil) {
		return nil, errutil.ValidationFailed("invalid coupon spec", nil,
			errutil.WithDetails(errutil.Detail{Field: "valid_from", Message: "must be before valid_until"}))
	}

	if len(updates) > 0 {
		if err := s.definitions.Update(ctx, id.String(), updates); err != nil {
			return nil, errutil.Internal("failed to update coupon definition", err)
		}
	}

	if req.TotalCount != nil {
		delta := *req.TotalCount - def.TotalCount
		if err := s.stock.AdjustStock(ctx, id, delta); err != nil {
			return nil, errutil.Internal("failed to adjust coupon stock", err)
		}
	}

	return s.GetDefinition(ctx, id)
}

func (s *Service) GetDefinition(ctx context.Context, id snowflake.ID) (*CouponDefinition, error) {
	def, err := s.definitions.FindOne(ctx, &CouponDefinition{ID: id})
	if err != nil {
		return nil, errutil.Internal("failed to load coupon definition", err)
	}
	if def == nil {
		return nil, errutil.NotFound("coupon definition not found", nil)
	}
	return def, nil
}

// ListFilter narrows the active-definition listing.
type ListFilter struct {
	MerchantID snowflake.ID
	ShopID     *snowflake.ID
	Type       CouponType
	Keyword    string
	Pagination pagination.Pagination
}

// ListActiveDefinitions returns claimable definitions: active status, inside
// the validity window, with stock remaining.
func (s *Service) ListActiveDefinitions(ctx context.Context, filter ListFilter) ([]*CouponDefinition, *pagination.PageInfo, error) {
	now := time.Now()

	limit := filter.Pagination.Limit
	if limit <= 0 {
		limit = 20
	}

	query := s.db.WithContext(ctx).
		Where("status = ?", StatusActive).
		Where("valid_from <= ? AND valid_until > ?", now, now).
		Where("remaining_count > 0")

	if filter.MerchantID != 0 {
		query = query.Where("merchant_id = ?", filter.MerchantID)
	}
	if filter.ShopID != nil {
		query = query.Where("(shop_id IS NULL OR shop_id = ?)", *filter.ShopID)
	}
	if filter.Type != "" {
		query = query.Where("type = ?", filter.Type)
	}
	if filter.Keyword != "" {
		query = query.Where("title LIKE ?", "%"+filter.Keyword+"%")
	}

	if filter.Pagination.Cursor != "" {
		cursor, err := pagination.DecodeCursor(filter.Pagination.Cursor)
		if err != nil {
			return nil, nil, errutil.BadRequest("invalid cursor", err)
		}
		query = query.Where("id < ?", cursor.ID)
	}

	var defs []*CouponDefinition
	if err := query.Order("id DESC").Limit(limit + 1).Find(&defs).Error; err != nil {
		return nil, nil, errutil.Internal("failed to list coupon definitions", err)
	}

	defs, pageInfo := pagination.BuildCursorPageInfo(defs, limit, func(d *CouponDefinition) string {
		cursor, _ := pagination.EncodeCursor(pagination.Cursor{ID: d.ID.String()})
		return cursor
	})

	return defs, pageInfo, nil
}

func (s *Service) Pause(ctx context.Context, id snowflake.ID) (*CouponDefinition, error) {
	return s.transition(ctx, id, StatusActive, StatusPaused)
}

func (s *Service) Resume(ctx context.Context, id snowflake.ID) (*CouponDefinition, error) {
	return s.transition(ctx, id, StatusPaused, StatusActive)
}

// End is terminal and doubles as the soft delete: definitions with claims
// outstanding are never removed, only ended.
func (s *Service) End(ctx context.Context, id snowflake.ID) (*CouponDefinition, error) {
	def, err := s.GetDefinition(ctx, id)
	if err != nil {
		return nil, err
	}
	if def.Status == StatusEnded {
		return def, nil
	}

	if err := s.definitions.Update(ctx, id.String(), map[string]interface{}{"status": StatusEnded}); err != nil {
		return nil, errutil.Internal("failed to end coupon definition", err)
	}
	return s.GetDefinition(ctx, id)
}

func (s *Service) transition(ctx context.Context, id snowflake.ID, from, to DefinitionStatus) (*CouponDefinition, error) {
	def, err := s.GetDefinition(ctx, id)
	if err != nil {
		return nil, err
	}

	res := s.db.WithContext(ctx).Model(&CouponDefinition{}).
		Where("id = ? AND status = ?", id, from).
		Update("status", to)
	if res.Error != nil {
		return nil, errutil.Internal("failed to update coupon status", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, errutil.Conflict("coupon is not in status "+string(from), nil,
			errutil.WithDetails(errutil.Detail{Field: "status", Message: string(def.Status)}))
	}

	return s.GetDefinition(ctx, id)
}
