package task

import (
	"context"
	"errors"
	"time"

	"vpnhub/pkg/config"
	pkgtask "vpnhub/pkg/task"
	"vpnhub/pkg/taskname"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const defaultInterval = time.Minute

// Scheduler enqueues the sweep tasks on a fixed interval. Unique tasks keep
// several schedulers from stacking runs.
type Scheduler struct {
	enqueuer pkgtask.Enqueuer
	interval time.Duration
}

func NewScheduler(enqueuer pkgtask.Enqueuer, cfg *config.Config) *Scheduler {
	interval := defaultInterval
	if cfg != nil && cfg.Sweep.Interval > 0 {
		interval = cfg.Sweep.Interval
	}
	return &Scheduler{enqueuer: enqueuer, interval: interval}
}

func StartScheduler(lc fx.Lifecycle, s *Scheduler) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				s.run(ctx)
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
			case <-stopCtx.Done():
			}
			return nil
		},
	})
}

func (s *Scheduler) run(ctx context.Context) {
	zap.L().Info("[Scheduler] started sweep scheduler", zap.Duration("interval", s.interval))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if err := s.Tick(ctx); err != nil {
			zap.L().Error("[Scheduler] failed to enqueue sweeps", zap.Error(err))
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			zap.L().Warn("[Scheduler] stopped")
			return
		}
	}
}

// Tick enqueues one run of every sweep. Duplicates of a run still pending are not errors.
func (s *Scheduler) Tick(ctx context.Context) error {
	sweeps := []struct {
		name  string
		queue string
	}{
		{taskname.LedgerHoldRelease, pkgtask.QueueCritical},
		{taskname.PaymentTimeoutSweep, pkgtask.QueueDefault},
	}

	var errs []error
	for _, sw := range sweeps {
		info, err := s.enqueuer.Enqueue(ctx, asynq.NewTask(sw.name, nil),
			asynq.Queue(sw.queue),
			asynq.Unique(s.interval),
			asynq.MaxRetry(3),
			asynq.Timeout(s.interval),
		)
		if errors.Is(err, asynq.ErrDuplicateTask) {
			zap.L().Debug("[Scheduler] sweep already queued", zap.String("task", sw.name))
			continue
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		zap.L().Debug("[Scheduler] sweep enqueued", zap.String("task", sw.name), zap.String("task_id", info.ID))
	}
	return errors.Join(errs...)
}
