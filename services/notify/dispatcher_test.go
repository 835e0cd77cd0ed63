package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type enqueueRecorder struct {
	tasks []*asynq.Task
	err   error
}

func (r *enqueueRecorder) EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	if r.err != nil {
		return nil, r.err
	}
	r.tasks = append(r.tasks, task)
	return &asynq.TaskInfo{}, nil
}

func TestDispatcherCouponClaimed(t *testing.T) {
	rec := &enqueueRecorder{}
	d := NewDispatcherWith(rec)

	payload := CouponClaimedPayload{
		ClaimID:   "1",
		UserID:    "2",
		Title:     "Welcome credit",
		ExpiresAt: time.Now().Add(time.Hour),
		ClaimedAt: time.Now(),
	}
	d.CouponClaimed(context.Background(), payload)

	require.Len(t, rec.tasks, 1)
	require.Equal(t, TypeCouponClaimed, rec.tasks[0].Type())

	var got CouponClaimedPayload
	require.NoError(t, json.Unmarshal(rec.tasks[0].Payload(), &got))
	require.Equal(t, payload.ClaimID, got.ClaimID)
	require.Equal(t, payload.Title, got.Title)
}

func TestDispatcherDropsOnError(t *testing.T) {
	rec := &enqueueRecorder{err: errors.New("queue down")}
	d := NewDispatcherWith(rec)

	// Must not panic or propagate; claims never fail on notification issues.
	d.CouponClaimed(context.Background(), CouponClaimedPayload{ClaimID: "1"})
	d.CouponRedeemed(context.Background(), CouponRedeemedPayload{ClaimID: "1"})
	require.Empty(t, rec.tasks)
}

func TestHandlersUnmarshal(t *testing.T) {
	task, err := NewCouponRedeemedTask(CouponRedeemedPayload{
		ClaimID:    "1",
		UserID:     "2",
		OrderID:    "order-1",
		RedeemedAt: time.Now(),
	})
	require.NoError(t, err)
	require.NoError(t, HandleCouponRedeemed(context.Background(), task))

	bad := asynq.NewTask(TypeCouponRedeemed, []byte("{"))
	require.Error(t, HandleCouponRedeemed(context.Background(), bad))

	claimed, err := NewCouponClaimedTask(CouponClaimedPayload{ClaimID: "1"})
	require.NoError(t, err)
	require.NoError(t, HandleCouponClaimed(context.Background(), claimed))
}
