package ledger

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

const defaultHookTimeout = 30 * time.Second

// PostCommitHook runs after a payment completion commits. Hooks never affect the ledger outcome.
type PostCommitHook interface {
	Name() string
	AfterPaymentCompleted(ctx context.Context, evt CompletedEvent) error
}

type HookFunc struct {
	HookName string
	Fn       func(ctx context.Context, evt CompletedEvent) error
}

func (h HookFunc) Name() string { return h.HookName }

func (h HookFunc) AfterPaymentCompleted(ctx context.Context, evt CompletedEvent) error {
	return h.Fn(ctx, evt)
}

// runHooks hands evt to the hooks on a detached goroutine so the caller's
// response never waits on a notification channel.
func (s *Service) runHooks(ctx context.Context, evt CompletedEvent) {
	if len(s.hooks) == 0 {
		return
	}

	timeout := s.hookTimeout
	if timeout <= 0 {
		timeout = defaultHookTimeout
	}
	hookCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)

	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		defer cancel()
		s.callHooks(hookCtx, evt)
	}()
}

func (s *Service) callHooks(ctx context.Context, evt CompletedEvent) {
	for _, h := range s.hooks {
		if h == nil {
			continue
		}
		if err := runHook(ctx, h, evt); err != nil {
			hookFailures.WithLabelValues(h.Name()).Inc()
			zap.L().Warn("post-commit hook failed",
				zap.String("hook", h.Name()),
				zap.String("payment_token", evt.Token),
				zap.Error(err),
			)
		}
	}
}

func runHook(ctx context.Context, h PostCommitHook, evt CompletedEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h.AfterPaymentCompleted(ctx, evt)
}

// WaitHooks blocks until every detached post-commit hook has returned.
func (s *Service) WaitHooks() {
	s.inflight.Wait()
}

func (s *Service) drainHooks(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.WaitHooks()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		zap.L().Warn("stopped before post-commit hooks drained", zap.Error(ctx.Err()))
		return ctx.Err()
	}
}
