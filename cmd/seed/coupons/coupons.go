package main

import (
	"fmt"
	"log"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"coupon-engine/pkg/config"
	"coupon-engine/pkg/db"
	"coupon-engine/pkg/logger"
	"coupon-engine/services/catalog"
	"coupon-engine/services/claim"
)

func main() {
	opts := []fx.Option{
		config.Module,
		logger.Module,
		db.Module,
		fx.Invoke(seedCoupons),
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	app := fx.New(opts...)

	app.Run()
}

// seedCoupons inserts sample definitions for local development. Existing
// codes are left untouched so the seeder is safe to re-run.
func seedCoupons(gdb *gorm.DB) error {
	if err := gdb.AutoMigrate(&catalog.CouponDefinition{}, &claim.ClaimedCoupon{}); err != nil {
		return err
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		return fmt.Errorf("failed to init snowflake node: %w", err)
	}

	now := time.Now()
	merchantID := node.Generate()
	shopID := node.Generate()

	definitions := []catalog.CouponDefinition{
		{
			ID:             node.Generate(),
			MerchantID:     merchantID,
			Code:           "CPN-SEED-WELCOME5",
			Title:          "Welcome credit 5.00",
			Type:           catalog.TypeFixedAmount,
			Amount:         500,
			MinimumSpend:   2000,
			TotalCount:     1000,
			RemainingCount: 1000,
			PerUserLimit:   1,
			ValidFrom:      now,
			ValidUntil:     now.AddDate(0, 1, 0),
			Status:         catalog.StatusActive,
		},
		{
			ID:             node.Generate(),
			MerchantID:     merchantID,
			Code:           "CPN-SEED-TENOFF",
			Title:          "10% off storewide",
			Type:           catalog.TypeDiscount,
			DiscountRate:   0.10,
			MinimumSpend:   5000,
			TotalCount:     500,
			RemainingCount: 500,
			PerUserLimit:   2,
			ValidFrom:      now,
			ValidUntil:     now.AddDate(0, 0, 14),
			Status:         catalog.StatusActive,
		},
		{
			ID:             node.Generate(),
			MerchantID:     merchantID,
			ShopID:         &shopID,
			Code:           "CPN-SEED-FLASH",
			Title:          "Flash drop voucher",
			Type:           catalog.TypeVoucher,
			Amount:         2500,
			TotalCount:     100,
			RemainingCount: 100,
			PerUserLimit:   1,
			ValidFrom:      now.Add(time.Hour),
			ValidUntil:     now.AddDate(0, 0, 1),
			RedeemUntil:    ptrTime(now.AddDate(0, 0, 7)),
			Status:         catalog.StatusActive,
		},
	}

	for _, def := range definitions {
		var count int64
		if err := gdb.Model(&catalog.CouponDefinition{}).Where("code = ?", def.Code).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			continue
		}
		if err := gdb.Create(&def).Error; err != nil {
			return err
		}
		zap.L().Info("seeded coupon definition",
			zap.String("code", def.Code),
			zap.String("definition_id", def.ID.String()),
		)
	}

	return nil
}

func ptrTime(t time.Time) *time.Time {
	return &t
}
