package redemption

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"coupon-engine/pkg/middleware"
	"coupon-engine/services/catalog"
	"coupon-engine/services/claim"
	"coupon-engine/services/notify"
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

type enqueueRecorder struct {
	mu    sync.Mutex
	tasks []*asynq.Task
}

func (r *enqueueRecorder) EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks = append(r.tasks, task)
	return &asynq.TaskInfo{}, nil
}

type fixture struct {
	svc     *Service
	catalog *catalog.Service
	claims  *claim.Repository
	db      *gorm.DB
	node    *snowflake.Node
	rec     *enqueueRecorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db := testutil.NewTestDB(t, &catalog.CouponDefinition{}, &claim.ClaimedCoupon{})
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	claims := claim.NewRepository(db)
	catalogSvc := catalog.NewService(catalog.ServiceParams{
		DB:    db,
		Node:  node,
		Seq:   &seqStub{},
		Stock: claims,
	})

	rec := &enqueueRecorder{}
	svc := NewService(ServiceParams{
		Claims:     claims,
		Catalog:    catalogSvc,
		Dispatcher: notify.NewDispatcherWith(rec),
	})

	return &fixture{svc: svc, catalog: catalogSvc, claims: claims, db: db, node: node, rec: rec}
}

func (f *fixture) createDefinition(t *testing.T, mutate func(*catalog.CreateDefinitionRequest)) *catalog.CouponDefinition {
	t.Helper()

	now := time.Now()
	req := catalog.CreateDefinitionRequest{
		MerchantID:   f.node.Generate(),
		Title:        "Test coupon",
		Type:         catalog.TypeFixedAmount,
		Amount:       500,
		TotalCount:   10,
		PerUserLimit: 5,
		ValidFrom:    now.Add(-time.Hour),
		ValidUntil:   now.Add(24 * time.Hour),
	}
	if mutate != nil {
		mutate(&req)
	}

	def, err := f.catalog.CreateDefinition(context.Background(), req)
	require.NoError(t, err)
	return def
}

func (f *fixture) claimOne(t *testing.T, def *catalog.CouponDefinition) (*claim.ClaimedCoupon, string) {
	t.Helper()

	userID := f.node.Generate()
	var plain string
	code, row, err := f.claims.TryClaim(context.Background(), def.ID, userID, time.Now(),
		func(d *catalog.CouponDefinition, seq int) (*claim.ClaimedCoupon, error) {
			generated, err := claim.NewRedemptionCode()
			if err != nil {
				return nil, err
			}
			plain = generated
			_, redeemUntil := d.RedemptionWindow()
			return &claim.ClaimedCoupon{
				ID:                 f.node.Generate(),
				CouponDefinitionID: d.ID,
				MerchantID:         d.MerchantID,
				ShopID:             d.ShopID,
				UserID:             userID,
				ClaimSeq:           seq,
				CodeHash:           claim.HashRedemptionCode(generated),
				CodeEnc:            []byte(generated),
				KeyVer:             "v1",
				Status:             claim.StatusUnused,
				ExpiresAt:          redeemUntil,
			}, nil
		})
	require.NoError(t, err)
	require.Equal(t, claim.ClaimOK, code)
	return row, plain
}

func TestVerifyValid(t *testing.T) {
	f := newFixture(t)
	def := f.createDefinition(t, nil)
	row, plain := f.claimOne(t, def)

	result, err := f.svc.Verify(context.Background(), plain, nil)
	require.NoError(t, err)
	require.Equal(t, StatusValid, result.Status)
	require.Equal(t, row.ID, result.Claim.ID)
	require.Equal(t, def.ID, result.Coupon.ID)

	// Verify is read-only.
	fresh, err := f.claims.FindByCodeHash(context.Background(), row.CodeHash)
	require.NoError(t, err)
	require.Equal(t, claim.StatusUnused, fresh.Status)
}

func TestVerifyInvalidCode(t *testing.T) {
	f := newFixture(t)

	result, err := f.svc.Verify(context.Background(), "NOSUCHCODE", nil)
	require.NoError(t, err)
	require.Equal(t, StatusInvalidCode, result.Status)
	require.Nil(t, result.Claim)
	require.Nil(t, result.Coupon)
}

func TestRedeemHappyPathAndDoubleRedeem(t *testing.T) {
	f := newFixture(t)
	def := f.createDefinition(t, nil)
	_, plain := f.claimOne(t, def)
	ctx := context.Background()

	orderID := "order-1001"
	result, err := f.svc.Redeem(ctx, plain, RedeemRequest{OrderID: &orderID})
	require.NoError(t, err)
	require.Equal(t, StatusValid, result.Status)
	require.Equal(t, claim.StatusUsed, result.Claim.Status)
	require.NotNil(t, result.Claim.RedeemedAt)

	require.Len(t, f.rec.tasks, 1)
	require.Equal(t, notify.TypeCouponRedeemed, f.rec.tasks[0].Type())

	// A retry with the same order id is answered as a success.
	result, err = f.svc.Redeem(ctx, plain, RedeemRequest{OrderID: &orderID})
	require.NoError(t, err)
	require.Equal(t, StatusValid, result.Status)

	// Anyone else redeeming the code loses.
	otherOrder := "order-2002"
	result, err = f.svc.Redeem(ctx, plain, RedeemRequest{OrderID: &otherOrder})
	require.NoError(t, err)
	require.Equal(t, StatusAlreadyUsed, result.Status)

	result, err = f.svc.Redeem(ctx, plain, RedeemRequest{})
	require.NoError(t, err)
	require.Equal(t, StatusAlreadyUsed, result.Status)

	// Only the winning redemption dispatched a notification.
	require.Len(t, f.rec.tasks, 1)
}

func TestRedeemStampsAttribution(t *testing.T) {
	f := newFixture(t)
	shopID := f.node.Generate()
	def := f.createDefinition(t, func(r *catalog.CreateDefinitionRequest) {
		r.ShopID = &shopID
	})
	row, plain := f.claimOne(t, def)

	operatorID := f.node.Generate()
	orderID := "order-7007"
	ctx := context.WithValue(context.Background(), middleware.ChannelContextKey, "pos")

	result, err := f.svc.Redeem(ctx, plain, RedeemRequest{
		ShopID:     &shopID,
		OperatorID: &operatorID,
		OrderID:    &orderID,
	})
	require.NoError(t, err)
	require.Equal(t, StatusValid, result.Status)

	// The attribution lands in the ledger row itself, not just the response.
	var stored claim.ClaimedCoupon
	require.NoError(t, f.db.Where("id = ?", row.ID).First(&stored).Error)
	require.Equal(t, claim.StatusUsed, stored.Status)
	require.NotNil(t, stored.RedeemedAt)
	require.NotNil(t, stored.UsedAtShopID)
	require.Equal(t, shopID, *stored.UsedAtShopID)
	require.NotNil(t, stored.RedeemedByOperatorID)
	require.Equal(t, operatorID, *stored.RedeemedByOperatorID)
	require.NotNil(t, stored.OrderID)
	require.Equal(t, orderID, *stored.OrderID)

	require.Len(t, f.rec.tasks, 1)
	var payload notify.CouponRedeemedPayload
	require.NoError(t, json.Unmarshal(f.rec.tasks[0].Payload(), &payload))
	require.Equal(t, "pos", payload.Channel)
	require.Equal(t, shopID.String(), payload.UsedAtShopID)
	require.Equal(t, operatorID.String(), payload.RedeemedByOperatorID)
	require.Equal(t, orderID, payload.OrderID)
}

func TestRedeemConcurrent(t *testing.T) {
	f := newFixture(t)
	def := f.createDefinition(t, nil)
	_, plain := f.claimOne(t, def)
	ctx := context.Background()

	const attempts = 6
	results := make([]VerificationStatus, attempts)
	errs := make([]error, attempts)

	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.svc.Redeem(ctx, plain, RedeemRequest{})
			errs[i] = err
			if res != nil {
				results[i] = res.Status
			}
		}(i)
	}
	wg.Wait()

	var valid int
	for i := 0; i < attempts; i++ {
		require.NoError(t, errs[i])
		switch results[i] {
		case StatusValid:
			valid++
		case StatusAlreadyUsed:
		default:
			t.Fatalf("unexpected status %s", results[i])
		}
	}
	require.Equal(t, 1, valid)
}

func TestRedeemWindows(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Now()

	t.Run("not redeemable yet", func(t *testing.T) {
		from := now.Add(time.Hour)
		def := f.createDefinition(t, func(r *catalog.CreateDefinitionRequest) {
			r.RedeemFrom = &from
		})
		_, plain := f.claimOne(t, def)

		result, err := f.svc.Verify(ctx, plain, nil)
		require.NoError(t, err)
		require.Equal(t, StatusNotRedeemableYet, result.Status)

		redeemed, err := f.svc.Redeem(ctx, plain, RedeemRequest{})
		require.NoError(t, err)
		require.Equal(t, StatusNotRedeemableYet, redeemed.Status)
	})

	t.Run("expired claim", func(t *testing.T) {
		def := f.createDefinition(t, nil)
		row, plain := f.claimOne(t, def)

		require.NoError(t, f.db.Model(&claim.ClaimedCoupon{}).
			Where("id = ?", row.ID).
			Update("expires_at", time.Now().Add(-time.Minute)).Error)

		result, err := f.svc.Verify(ctx, plain, nil)
		require.NoError(t, err)
		require.Equal(t, StatusExpired, result.Status)

		redeemed, err := f.svc.Redeem(ctx, plain, RedeemRequest{})
		require.NoError(t, err)
		require.Equal(t, StatusExpired, redeemed.Status)
	})
}

func TestRedeemScopeMismatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	shopID := f.node.Generate()
	otherShop := f.node.Generate()
	def := f.createDefinition(t, func(r *catalog.CreateDefinitionRequest) {
		r.ShopID = &shopID
	})
	_, plain := f.claimOne(t, def)

	// No shop presented for a shop-scoped coupon.
	result, err := f.svc.Verify(ctx, plain, nil)
	require.NoError(t, err)
	require.Equal(t, StatusScopeMismatch, result.Status)

	// Wrong shop.
	result, err = f.svc.Redeem(ctx, plain, RedeemRequest{ShopID: &otherShop})
	require.NoError(t, err)
	require.Equal(t, StatusScopeMismatch, result.Status)

	// Right shop redeems.
	result, err = f.svc.Redeem(ctx, plain, RedeemRequest{ShopID: &shopID})
	require.NoError(t, err)
	require.Equal(t, StatusValid, result.Status)
}
