package task

import (
	"context"
	"encoding/json"
	"time"

	"vpnhub/pkg/repository"
	"vpnhub/pkg/taskname"
	"vpnhub/services/ledger"
	"vpnhub/services/payment"

	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type HoldReleaser interface {
	ReleaseExpiredHolds(ctx context.Context, now time.Time) (*ledger.SweepResult, error)
}

type PaymentExpirer interface {
	FailStale(ctx context.Context, now time.Time) (int64, error)
}

type Service struct {
	db       *gorm.DB
	node     *snowflake.Node
	holds    HoldReleaser
	payments PaymentExpirer
	clock    func() time.Time

	jobs repository.Repository[Job]
}

type Params struct {
	fx.In
	DB       *gorm.DB
	Node     *snowflake.Node
	Ledger   *ledger.Service
	Payments *payment.Service
}

func NewService(p Params) *Service {
	return &Service{
		db:       p.DB,
		node:     p.Node,
		holds:    p.Ledger,
		payments: p.Payments,
		clock:    time.Now,
		jobs:     repository.ProvideStore[Job](p.DB),
	}
}

type outcome struct {
	processed int64
	skipped   int64
	meta      map[string]any
}

// RunHoldRelease runs one hold release sweep and records it as a job.
func (s *Service) RunHoldRelease(ctx context.Context) (*ledger.SweepResult, error) {
	var res *ledger.SweepResult
	err := s.track(ctx, taskname.LedgerHoldRelease, func(ctx context.Context, now time.Time) (outcome, error) {
		r, err := s.holds.ReleaseExpiredHolds(ctx, now)
		if err != nil {
			return outcome{}, err
		}
		res = r
		return outcome{
			processed: r.Released,
			skipped:   r.Skipped,
			meta:      map[string]any{"scanned": r.Scanned},
		}, nil
	})
	return res, err
}

// RunPaymentTimeout fails stale PENDING payments and records it as a job.
func (s *Service) RunPaymentTimeout(ctx context.Context) (int64, error) {
	var failed int64
	err := s.track(ctx, taskname.PaymentTimeoutSweep, func(ctx context.Context, now time.Time) (outcome, error) {
		n, err := s.payments.FailStale(ctx, now)
		if err != nil {
			return outcome{}, err
		}
		failed = n
		return outcome{processed: n}, nil
	})
	return failed, err
}

func (s *Service) HandleHoldRelease(ctx context.Context, _ *asynq.Task) error {
	_, err := s.RunHoldRelease(ctx)
	return err
}

func (s *Service) HandlePaymentTimeout(ctx context.Context, _ *asynq.Task) error {
	_, err := s.RunPaymentTimeout(ctx)
	return err
}

func (s *Service) track(ctx context.Context, name string, run func(ctx context.Context, now time.Time) (outcome, error)) error {
	now := s.clock().UTC()
	log := zap.L().With(zap.String("task", name))

	job := &Job{
		ID:        s.node.Generate().String(),
		TaskName:  name,
		Status:    JobRunning,
		StartedAt: &now,
	}
	if err := s.jobs.Create(ctx, job); err != nil {
		// bookkeeping only, the sweep still runs
		log.Warn("failed to record job", zap.Error(err))
		job = nil
	}

	log.Info("sweep started")
	out, runErr := run(ctx, now)
	completed := s.clock().UTC()

	if job != nil {
		updates := map[string]any{
			"status":       JobSuccess,
			"processed":    out.processed,
			"skipped":      out.skipped,
			"completed_at": completed,
		}
		if runErr != nil {
			updates["status"] = JobFailed
			updates["error_msg"] = runErr.Error()
		}
		if len(out.meta) > 0 {
			if b, err := json.Marshal(out.meta); err == nil {
				updates["metadata"] = datatypes.JSON(b)
			}
		}
		if err := s.jobs.Update(context.WithoutCancel(ctx), job.ID, updates); err != nil {
			log.Warn("failed to update job", zap.String("job_id", job.ID), zap.Error(err))
		}
	}

	if runErr != nil {
		log.Error("sweep failed", zap.Error(runErr))
		return runErr
	}

	log.Info("sweep finished",
		zap.Int64("processed", out.processed),
		zap.Int64("skipped", out.skipped),
		zap.Duration("duration", completed.Sub(now)),
	)
	return nil
}
