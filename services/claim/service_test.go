package claim

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"

	"coupon-engine/services/catalog"
	"coupon-engine/services/notify"
	"coupon-engine/services/testutil"
)

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

type flagStub struct {
	enabled bool
}

func (f *flagStub) IsEnabled(ctx context.Context, feature string) bool {
	return f.enabled
}

func newServiceFixture(t *testing.T) (*Service, *Repository, *snowflake.Node, *enqueueRecorder) {
	t.Helper()

	db := testutil.NewTestDB(t, &catalog.CouponDefinition{}, &ClaimedCoupon{})
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	repo := NewRepository(db)
	rec := &enqueueRecorder{}
	svc := &Service{
		repo:       repo,
		node:       node,
		flags:      &flagStub{},
		dispatcher: notify.NewDispatcherWith(rec),
		codeKey:    DeriveCodeKey("test-secret"),
		keyVer:     "v1",
	}
	return svc, repo, node, rec
}

func TestServiceTryClaim(t *testing.T) {
	svc, repo, node, rec := newServiceFixture(t)
	def := seedDefinition(t, repo, node, nil)
	userID := node.Generate()

	result, err := svc.TryClaim(context.Background(), def.ID, userID)
	require.NoError(t, err)
	require.Equal(t, ClaimOK, result.Code)
	require.NotNil(t, result.Claim)
	require.NotEmpty(t, result.PlainCode)

	// The plaintext code is recoverable from the stored ciphertext and maps
	// to the stored hash, but is never stored itself.
	require.Equal(t, HashRedemptionCode(result.PlainCode), result.Claim.CodeHash)
	plain, err := svc.RevealCode(result.Claim)
	require.NoError(t, err)
	require.Equal(t, result.PlainCode, plain)

	// Redemption deadline comes from the definition's window.
	_, redeemUntil := def.RedemptionWindow()
	require.WithinDuration(t, redeemUntil, result.Claim.ExpiresAt, time.Second)

	require.Len(t, rec.tasks, 1)
	require.Equal(t, notify.TypeCouponClaimed, rec.tasks[0].Type())

	var payload notify.CouponClaimedPayload
	require.NoError(t, json.Unmarshal(rec.tasks[0].Payload(), &payload))
	require.Equal(t, result.Claim.ID.String(), payload.ClaimID)
	require.Equal(t, userID.String(), payload.UserID)
}

func TestServiceTryClaimRejectionSendsNothing(t *testing.T) {
	svc, repo, node, rec := newServiceFixture(t)
	def := seedDefinition(t, repo, node, func(d *catalog.CouponDefinition) {
		d.RemainingCount = 0
	})

	result, err := svc.TryClaim(context.Background(), def.ID, node.Generate())
	require.NoError(t, err)
	require.Equal(t, ClaimSoldOut, result.Code)
	require.Nil(t, result.Claim)
	require.Empty(t, result.PlainCode)
	require.Empty(t, rec.tasks)
}

func TestServiceListUserClaimsDerivesExpiry(t *testing.T) {
	svc, repo, node, _ := newServiceFixture(t)
	def := seedDefinition(t, repo, node, func(d *catalog.CouponDefinition) {
		d.PerUserLimit = 10
	})
	userID := node.Generate()
	ctx := context.Background()

	first, err := svc.TryClaim(ctx, def.ID, userID)
	require.NoError(t, err)
	_, err = svc.TryClaim(ctx, def.ID, userID)
	require.NoError(t, err)

	// Age the first claim past its deadline without running the sweep.
	require.NoError(t, repo.db.Model(&ClaimedCoupon{}).
		Where("id = ?", first.Claim.ID).
		Update("expires_at", time.Now().Add(-time.Minute)).Error)

	rows, err := svc.ListUserClaims(ctx, userID, "", 0, 10)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	byID := map[snowflake.ID]ClaimStatus{}
	for _, row := range rows {
		byID[row.ID] = row.Status
	}
	require.Equal(t, StatusExpired, byID[first.Claim.ID])
}

func TestServiceListUserClaimsStatusFilter(t *testing.T) {
	svc, repo, node, _ := newServiceFixture(t)
	def := seedDefinition(t, repo, node, func(d *catalog.CouponDefinition) {
		d.PerUserLimit = 10
	})
	userID := node.Generate()
	ctx := context.Background()

	stale, err := svc.TryClaim(ctx, def.ID, userID)
	require.NoError(t, err)
	live, err := svc.TryClaim(ctx, def.ID, userID)
	require.NoError(t, err)

	require.NoError(t, repo.db.Model(&ClaimedCoupon{}).
		Where("id = ?", stale.Claim.ID).
		Update("expires_at", time.Now().Add(-time.Minute)).Error)

	unused, err := svc.ListUserClaims(ctx, userID, StatusUnused, 0, 10)
	require.NoError(t, err)
	require.Len(t, unused, 1)
	require.Equal(t, live.Claim.ID, unused[0].ID)

	// The filter agrees with the derived status even before the sweep runs.
	expired, err := svc.ListUserClaims(ctx, userID, StatusExpired, 0, 10)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	require.Equal(t, stale.Claim.ID, expired[0].ID)
	require.Equal(t, StatusExpired, expired[0].Status)

	used, err := svc.ListUserClaims(ctx, userID, StatusUsed, 0, 10)
	require.NoError(t, err)
	require.Empty(t, used)

	_, err = svc.ListUserClaims(ctx, userID, ClaimStatus("bogus"), 0, 10)
	require.Error(t, err)
}

func TestFlashClaimDisabledFallsThrough(t *testing.T) {
	svc, repo, node, _ := newServiceFixture(t)
	def := seedDefinition(t, repo, node, nil)

	// Flag off: no gate involved, straight to the database path.
	result, err := svc.FlashClaim(context.Background(), def.ID, node.Generate())
	require.NoError(t, err)
	require.Equal(t, ClaimOK, result.Code)
}
