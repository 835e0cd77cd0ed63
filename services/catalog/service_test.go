package catalog

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"coupon-engine/pkg/db/pagination"
	"coupon-engine/pkg/errutil"
	"coupon-engine/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type seqStub struct {
	n int
}

func (s *seqStub) NextCouponCode(ctx context.Context, merchantID string) (string, error) {
	s.n++
	return fmt.Sprintf("CPN-TEST-%03d", s.n), nil
}

type adjusterStub struct {
	db     *gorm.DB
	deltas []int64
}

func (a *adjusterStub) AdjustStock(ctx context.Context, definitionID snowflake.ID, delta int64) error {
	a.deltas = append(a.deltas, delta)
	return a.db.WithContext(ctx).Model(&CouponDefinition{}).
		Where("id = ?", definitionID).
		Updates(map[string]interface{}{
			"total_count":     gorm.Expr("total_count + ?", delta),
			"remaining_count": gorm.Expr("remaining_count + ?", delta),
		}).Error
}

func newTestService(t *testing.T) (*Service, *adjusterStub) {
	t.Helper()

	db := testutil.NewTestDB(t, &CouponDefinition{})
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	adjuster := &adjusterStub{db: db}
	svc := NewService(ServiceParams{
		DB:    db,
		Node:  node,
		Seq:   &seqStub{},
		Stock: adjuster,
	})
	return svc, adjuster
}

func validCreateRequest(node *snowflake.Node) CreateDefinitionRequest {
	now := time.Now()
	return CreateDefinitionRequest{
		MerchantID:   node.Generate(),
		Title:        "Welcome credit",
		Type:         TypeFixedAmount,
		Amount:       500,
		TotalCount:   100,
		PerUserLimit: 1,
		ValidFrom:    now.Add(-time.Hour),
		ValidUntil:   now.Add(24 * time.Hour),
	}
}

func TestCreateDefinition(t *testing.T) {
	svc, _ := newTestService(t)

	def, err := svc.CreateDefinition(context.Background(), validCreateRequest(svc.node))
	require.NoError(t, err)
	require.Equal(t, StatusActive, def.Status)
	require.Equal(t, int64(100), def.TotalCount)
	require.Equal(t, int64(100), def.RemainingCount)
	require.Equal(t, "CPN-TEST-001", def.Code)

	got, err := svc.GetDefinition(context.Background(), def.ID)
	require.NoError(t, err)
	require.Equal(t, def.ID, got.ID)
}

func TestCreateDefinitionInvalidSpec(t *testing.T) {
	svc, _ := newTestService(t)
	node := svc.node

	cases := map[string]func(*CreateDefinitionRequest){
		"unknown type": func(r *CreateDefinitionRequest) {
			r.Type = "raincheck"
		},
		"fixed amount without amount": func(r *CreateDefinitionRequest) {
			r.Amount = 0
		},
		"fixed amount with rate": func(r *CreateDefinitionRequest) {
			r.DiscountRate = 0.5
		},
		"discount rate out of range": func(r *CreateDefinitionRequest) {
			r.Type = TypeDiscount
			r.Amount = 0
			r.DiscountRate = 1.5
		},
		"discount with amount": func(r *CreateDefinitionRequest) {
			r.Type = TypeDiscount
			r.DiscountRate = 0.2
		},
		"per user limit zero": func(r *CreateDefinitionRequest) {
			r.PerUserLimit = 0
		},
		"inverted validity window": func(r *CreateDefinitionRequest) {
			r.ValidFrom = r.ValidUntil.Add(time.Hour)
		},
		"inverted redemption window": func(r *CreateDefinitionRequest) {
			from := r.ValidUntil.Add(48 * time.Hour)
			until := r.ValidUntil.Add(time.Hour)
			r.RedeemFrom = &from
			r.RedeemUntil = &until
		},
		"negative total count": func(r *CreateDefinitionRequest) {
			r.TotalCount = -1
		},
	}

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			req := validCreateRequest(node)
			mutate(&req)

			_, err := svc.CreateDefinition(context.Background(), req)
			require.Error(t, err)

			var be errutil.BaseError
			require.True(t, errors.As(err, &be))
			require.Equal(t, errutil.StatusValidationFailed, be.Code)
			require.NotEmpty(t, be.Details)
		})
	}
}

func TestVoucherIgnoresMinimumSpend(t *testing.T) {
	svc, _ := newTestService(t)

	req := validCreateRequest(svc.node)
	req.Type = TypeVoucher
	req.MinimumSpend = 5000

	def, err := svc.CreateDefinition(context.Background(), req)
	require.NoError(t, err)
	require.Zero(t, def.MinimumSpend)
}

func TestLifecycleTransitions(t *testing.T) {
	svc, _ := newTestService(t)

	def, err := svc.CreateDefinition(context.Background(), validCreateRequest(svc.node))
	require.NoError(t, err)

	paused, err := svc.Pause(context.Background(), def.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPaused, paused.Status)

	// Pausing twice loses the conditional update.
	_, err = svc.Pause(context.Background(), def.ID)
	require.Error(t, err)

	resumed, err := svc.Resume(context.Background(), def.ID)
	require.NoError(t, err)
	require.Equal(t, StatusActive, resumed.Status)

	ended, err := svc.End(context.Background(), def.ID)
	require.NoError(t, err)
	require.Equal(t, StatusEnded, ended.Status)

	// End is idempotent.
	ended, err = svc.End(context.Background(), def.ID)
	require.NoError(t, err)
	require.Equal(t, StatusEnded, ended.Status)

	_, err = svc.Resume(context.Background(), def.ID)
	require.Error(t, err)
}

func TestUpdateDefinitionStockDelta(t *testing.T) {
	svc, adjuster := newTestService(t)

	def, err := svc.CreateDefinition(context.Background(), validCreateRequest(svc.node))
	require.NoError(t, err)

	newTotal := int64(150)
	updated, err := svc.UpdateDefinition(context.Background(), def.ID, UpdateDefinitionRequest{
		TotalCount: &newTotal,
	})
	require.NoError(t, err)
	require.Equal(t, []int64{50}, adjuster.deltas)
	require.Equal(t, int64(150), updated.TotalCount)
	require.Equal(t, int64(150), updated.RemainingCount)

	title := "Renamed"
	updated, err = svc.UpdateDefinition(context.Background(), def.ID, UpdateDefinitionRequest{Title: &title})
	require.NoError(t, err)
	require.Equal(t, "Renamed", updated.Title)
	require.Len(t, adjuster.deltas, 1)
}

func TestListActiveDefinitions(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	now := time.Now()

	active, err := svc.CreateDefinition(ctx, validCreateRequest(svc.node))
	require.NoError(t, err)

	upcoming := validCreateRequest(svc.node)
	upcoming.ValidFrom = now.Add(time.Hour)
	upcoming.ValidUntil = now.Add(48 * time.Hour)
	_, err = svc.CreateDefinition(ctx, upcoming)
	require.NoError(t, err)

	pausedReq := validCreateRequest(svc.node)
	pausedDef, err := svc.CreateDefinition(ctx, pausedReq)
	require.NoError(t, err)
	_, err = svc.Pause(ctx, pausedDef.ID)
	require.NoError(t, err)

	defs, pageInfo, err := svc.ListActiveDefinitions(ctx, ListFilter{})
	require.NoError(t, err)
	require.Len(t, defs, 1)
	require.Equal(t, active.ID, defs[0].ID)
	require.False(t, pageInfo.HasMore)
}

func TestListActiveDefinitionsShopScope(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	merchantWide := validCreateRequest(svc.node)
	merchantID := merchantWide.MerchantID
	wide, err := svc.CreateDefinition(ctx, merchantWide)
	require.NoError(t, err)

	shopA := svc.node.Generate()
	shopB := svc.node.Generate()

	scoped := validCreateRequest(svc.node)
	scoped.MerchantID = merchantID
	scoped.ShopID = &shopA
	scopedDef, err := svc.CreateDefinition(ctx, scoped)
	require.NoError(t, err)

	defs, _, err := svc.ListActiveDefinitions(ctx, ListFilter{MerchantID: merchantID, ShopID: &shopA})
	require.NoError(t, err)
	require.Len(t, defs, 2)

	defs, _, err = svc.ListActiveDefinitions(ctx, ListFilter{MerchantID: merchantID, ShopID: &shopB})
	require.NoError(t, err)
	require.Len(t, defs, 1)
	require.Equal(t, wide.ID, defs[0].ID)
	require.NotEqual(t, scopedDef.ID, defs[0].ID)
}

func TestListActiveDefinitionsPagination(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := svc.CreateDefinition(ctx, validCreateRequest(svc.node))
		require.NoError(t, err)
	}

	page, pageInfo, err := svc.ListActiveDefinitions(ctx, ListFilter{
		Pagination: pagination2(),
	})
	require.NoError(t, err)
	require.Len(t, page, 2)
	require.True(t, pageInfo.HasMore)

	seen := map[snowflake.ID]bool{}
	for _, d := range page {
		seen[d.ID] = true
	}

	next := pagination2()
	next.Cursor = pageInfo.NextCursor
	page, _, err = svc.ListActiveDefinitions(ctx, ListFilter{Pagination: next})
	require.NoError(t, err)
	require.Len(t, page, 2)
	for _, d := range page {
		require.False(t, seen[d.ID])
	}
}

func pagination2() pagination.Pagination {
	return pagination.Pagination{Limit: 2}
}
