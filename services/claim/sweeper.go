package claim

import (
	"context"
	"errors"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"coupon-engine/pkg/config"
)

const TypeExpireSweep = "coupon:expire_sweep"

// Sweeper periodically marks overdue unused claims expired. Listings and
// redemption both derive expiry on their own, so a missed sweep only delays
// the ledger catching up, never a wrong answer.
type Sweeper struct {
	repo     *Repository
	client   *asynq.Client
	interval time.Duration
	done     chan struct{}
}

type SweeperParams struct {
	fx.In
	Config *config.Config
	Repo   *Repository
	Client *asynq.Client
}

func NewSweeper(p SweeperParams) *Sweeper {
	interval := p.Config.Coupon.SweepInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Sweeper{
		repo:     p.Repo,
		client:   p.Client,
		interval: interval,
		done:     make(chan struct{}),
	}
}

func (s *Sweeper) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(TypeExpireSweep, s.HandleSweep)
}

func (s *Sweeper) HandleSweep(ctx context.Context, _ *asynq.Task) error {
	_, err := s.repo.ExpireDue(ctx, time.Now())
	return err
}

func (s *Sweeper) run() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			task := asynq.NewTask(TypeExpireSweep, nil, asynq.Queue("low"))
			if _, err := s.client.Enqueue(task, asynq.Unique(s.interval)); err != nil && !errors.Is(err, asynq.ErrDuplicateTask) {
				zap.L().Warn("failed to enqueue expire sweep", zap.Error(err))
			}
		case <-s.done:
			return
		}
	}
}

func RunSweeper(lc fx.Lifecycle, s *Sweeper, mux *asynq.ServeMux) {
	s.Register(mux)
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go s.run()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			close(s.done)
			return nil
		},
	})
}
