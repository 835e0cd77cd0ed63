package notify

import (
	"context"
	"encoding/json"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// Enqueuer is the slice of asynq.Client the dispatcher needs. Tests swap in
// a recorder.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Dispatcher hands lifecycle events to the task queue. Dispatch is strictly
// best effort: a queue outage must never fail a claim or a redemption, so
// errors are logged and dropped.
type Dispatcher struct {
	client Enqueuer
}

func NewDispatcher(client *asynq.Client) *Dispatcher {
	return &Dispatcher{client: client}
}

func NewDispatcherWith(client Enqueuer) *Dispatcher {
	return &Dispatcher{client: client}
}

func (d *Dispatcher) CouponClaimed(ctx context.Context, payload CouponClaimedPayload) {
	task, err := NewCouponClaimedTask(payload)
	if err != nil {
		zap.L().Warn("failed to build claimed task", zap.Error(err))
		return
	}
	d.enqueue(ctx, task)
}

func (d *Dispatcher) CouponRedeemed(ctx context.Context, payload CouponRedeemedPayload) {
	task, err := NewCouponRedeemedTask(payload)
	if err != nil {
		zap.L().Warn("failed to build redeemed task", zap.Error(err))
		return
	}
	d.enqueue(ctx, task)
}

func (d *Dispatcher) enqueue(ctx context.Context, task *asynq.Task) {
	if d.client == nil {
		return
	}
	if _, err := d.client.EnqueueContext(ctx, task); err != nil {
		zap.L().Warn("failed to enqueue notification task",
			zap.String("task_type", task.Type()),
			zap.Error(err),
		)
	}
}

// RegisterHandlers wires the notification consumers onto the worker mux.
func RegisterHandlers(mux *asynq.ServeMux) {
	mux.HandleFunc(TypeCouponClaimed, HandleCouponClaimed)
	mux.HandleFunc(TypeCouponRedeemed, HandleCouponRedeemed)
}

func HandleCouponClaimed(ctx context.Context, t *asynq.Task) error {
	var payload CouponClaimedPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return err
	}

	zap.L().Info("coupon claimed notification",
		zap.String("claim_id", payload.ClaimID),
		zap.String("user_id", payload.UserID),
		zap.String("title", payload.Title),
		zap.Time("expires_at", payload.ExpiresAt),
	)
	return nil
}

func HandleCouponRedeemed(ctx context.Context, t *asynq.Task) error {
	var payload CouponRedeemedPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return err
	}

	zap.L().Info("coupon redeemed notification",
		zap.String("claim_id", payload.ClaimID),
		zap.String("user_id", payload.UserID),
		zap.String("order_id", payload.OrderID),
		zap.Time("redeemed_at", payload.RedeemedAt),
	)
	return nil
}
