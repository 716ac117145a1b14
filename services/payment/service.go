package payment

import (
	"context"
	"fmt"
	"strings"
	"time"

	"vpnhub/pkg/config"
	"vpnhub/pkg/db/option"
	"vpnhub/pkg/errutil"
	"vpnhub/pkg/repository"
	"vpnhub/pkg/sequence"
	"vpnhub/services/ledger"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const defaultTimeout = 30 * time.Minute

var (
	ErrPaymentNotPending    = errutil.UnprocessableEntity("payment is not pending", nil)
	ErrConfirmationMismatch = errutil.UnprocessableEntity("confirmation does not match payment", nil)

	timedOut = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payment_timeouts_total",
		Help: "PENDING payments moved to FAILED by the timeout sweep.",
	})
)

// ReleaseHook frees resources reserved for a payment that will never complete.
type ReleaseHook interface {
	Name() string
	ReleasePayment(ctx context.Context, p *ledger.Payment) error
}

// Completer is the ledger operation a provider confirmation ends in.
type Completer interface {
	CompletePayment(ctx context.Context, token string, opts ...ledger.CompleteOption) (*ledger.CompleteResult, error)
}

type Service struct {
	db      *gorm.DB
	node    *snowflake.Node
	tokens  sequence.Generator
	ledger  Completer
	release []ReleaseHook
	timeout time.Duration
	clock   func() time.Time

	users    repository.Repository[ledger.User]
	payments repository.Repository[ledger.Payment]
}

type ServiceParams struct {
	fx.In
	DB           *gorm.DB
	Node         *snowflake.Node
	Tokens       sequence.Generator
	Ledger       *ledger.Service
	Config       *config.Config `optional:"true"`
	ReleaseHooks []ReleaseHook  `group:"payment.release"`
}

func NewService(p ServiceParams) *Service {
	timeout := defaultTimeout
	if p.Config != nil && p.Config.Ledger.PaymentTimeout > 0 {
		timeout = p.Config.Ledger.PaymentTimeout
	}

	names := make([]string, 0, len(p.ReleaseHooks))
	for _, h := range p.ReleaseHooks {
		names = append(names, h.Name())
	}
	zap.L().Info("payment release hooks registered", zap.Strings("hooks", names))

	svc := &Service{
		db:       p.DB,
		node:     p.Node,
		tokens:   p.Tokens,
		release:  p.ReleaseHooks,
		timeout:  timeout,
		clock:    time.Now,
		users:    repository.ProvideStore[ledger.User](p.DB),
		payments: repository.ProvideStore[ledger.Payment](p.DB),
	}
	if p.Ledger != nil {
		svc.ledger = p.Ledger
	}
	return svc
}

type CreateInvoiceRequest struct {
	UserID      string          `json:"-"`
	AmountStars decimal.Decimal `json:"amount_stars"`
	CurrencyKey string          `json:"currency_key"`
	MethodKey   string          `json:"method_key"`
}

// CreateInvoice opens a PENDING payment with a fresh human readable token.
func (s *Service) CreateInvoice(ctx context.Context, req CreateInvoiceRequest) (*ledger.Payment, error) {
	if !req.AmountStars.IsPositive() {
		return nil, errutil.BadRequest("amount_stars must be positive", nil)
	}

	if req.UserID == "" {
		return nil, ledger.ErrUserNotFound
	}
	user, err := s.users.FindOne(ctx, &ledger.User{ID: req.UserID})
	if err != nil {
		return nil, fmt.Errorf("find user: %w", err)
	}
	if user == nil {
		return nil, ledger.ErrUserNotFound
	}

	token, err := s.tokens.NextPaymentToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("next payment token: %w", err)
	}

	now := s.clock().UTC()
	p := &ledger.Payment{
		ID:          s.node.Generate().String(),
		Token:       token,
		UserID:      user.ID,
		Status:      ledger.PaymentPending,
		AmountStars: req.AmountStars.Round(3),
		CurrencyKey: req.CurrencyKey,
		MethodKey:   req.MethodKey,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.payments.Create(ctx, p); err != nil {
		zap.L().Error("failed to create payment", zap.String("user_id", user.ID), zap.Error(err))
		return nil, err
	}

	zap.L().Info("invoice created",
		zap.String("payment_token", p.Token),
		zap.String("user_id", user.ID),
		zap.String("amount_stars", p.AmountStars.String()),
	)
	return p, nil
}

func (s *Service) Get(ctx context.Context, token string) (*ledger.Payment, error) {
	if token == "" {
		return nil, ledger.ErrPaymentNotFound
	}
	p, err := s.payments.FindOne(ctx, &ledger.Payment{Token: token})
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, ledger.ErrPaymentNotFound
	}
	return p, nil
}

// Cancel moves a PENDING payment to CANCELED. Cancelling twice is a no-op.
func (s *Service) Cancel(ctx context.Context, token string) (*ledger.Payment, error) {
	if token == "" {
		return nil, ledger.ErrPaymentNotFound
	}

	now := s.clock().UTC()
	res := s.db.WithContext(ctx).
		Model(&ledger.Payment{}).
		Where("token = ? AND status = ?", token, ledger.PaymentPending).
		Updates(map[string]any{"status": ledger.PaymentCanceled, "updated_at": now})
	if res.Error != nil {
		return nil, res.Error
	}

	p, err := s.Get(ctx, token)
	if err != nil {
		return nil, err
	}

	if res.RowsAffected == 0 && p.Status != ledger.PaymentCanceled {
		return nil, ErrPaymentNotPending
	}

	if res.RowsAffected > 0 {
		zap.L().Info("payment canceled", zap.String("payment_token", token))
		s.runReleaseHooks(ctx, []*ledger.Payment{p})
	}
	return p, nil
}

// FailStale moves PENDING payments created before now-timeout to FAILED and
// returns how many rows changed.
func (s *Service) FailStale(ctx context.Context, now time.Time) (int64, error) {
	cutoff := now.UTC().Add(-s.timeout)

	var (
		stale    []*ledger.Payment
		affected int64
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		found, err := s.payments.WithTrx(tx).Find(ctx,
			&ledger.Payment{Status: ledger.PaymentPending},
			option.ApplyOperator(option.Condition{Field: "created_at", Operator: option.LTE, Value: cutoff}),
			option.WithLockingUpdate(),
		)
		if err != nil {
			return err
		}
		if len(found) == 0 {
			return nil
		}

		ids := make([]string, 0, len(found))
		for _, p := range found {
			ids = append(ids, p.ID)
		}

		res := tx.Model(&ledger.Payment{}).
			Where("id IN ? AND status = ? AND created_at <= ?", ids, ledger.PaymentPending, cutoff).
			Updates(map[string]any{"status": ledger.PaymentFailed, "updated_at": now.UTC()})
		if res.Error != nil {
			return res.Error
		}

		affected = res.RowsAffected
		stale = found
		return nil
	})
	if err != nil {
		zap.L().Error("payment timeout sweep failed", zap.Error(err))
		return 0, err
	}

	if affected > 0 {
		timedOut.Add(float64(affected))
		zap.L().Info("stale payments failed", zap.Int64("count", affected), zap.Time("cutoff", cutoff))
		for _, p := range stale {
			p.Status = ledger.PaymentFailed
		}
		s.runReleaseHooks(ctx, stale)
	}
	return affected, nil
}

// Complete is the provider confirmation path.
func (s *Service) Complete(ctx context.Context, token string, meta map[string]any) (*ledger.CompleteResult, error) {
	if s.ledger == nil {
		return nil, errutil.NotImplemented("ledger is not configured", nil)
	}
	var opts []ledger.CompleteOption
	if len(meta) > 0 {
		opts = append(opts, ledger.WithProviderMetadata(meta))
	}
	return s.ledger.CompletePayment(ctx, token, opts...)
}

// Confirmation is what a provider reports about a charge.
type Confirmation struct {
	AmountStars decimal.Decimal
	CurrencyKey string
	Metadata    map[string]any
}

// Confirm completes the payment behind token only when the reported charge
// matches the invoice. Replays of a matching confirmation are no-ops.
func (s *Service) Confirm(ctx context.Context, token string, c Confirmation) (*ledger.CompleteResult, error) {
	p, err := s.Get(ctx, token)
	if err != nil {
		return nil, err
	}

	amountOK := c.AmountStars.Round(3).Equal(p.AmountStars)
	currencyOK := p.CurrencyKey == "" || strings.EqualFold(p.CurrencyKey, c.CurrencyKey)
	if !amountOK || !currencyOK {
		zap.L().Warn("provider confirmation mismatch",
			zap.String("payment_token", token),
			zap.String("expected_amount", p.AmountStars.String()),
			zap.String("reported_amount", c.AmountStars.String()),
			zap.String("expected_currency", p.CurrencyKey),
			zap.String("reported_currency", c.CurrencyKey),
		)
		return nil, ErrConfirmationMismatch
	}

	return s.Complete(ctx, token, c.Metadata)
}

func (s *Service) runReleaseHooks(ctx context.Context, payments []*ledger.Payment) {
	for _, h := range s.release {
		for _, p := range payments {
			if err := releaseOne(ctx, h, p); err != nil {
				zap.L().Warn("payment release hook failed",
					zap.String("hook", h.Name()),
					zap.String("payment_token", p.Token),
					zap.Error(err),
				)
			}
		}
	}
}

func releaseOne(ctx context.Context, h ReleaseHook, p *ledger.Payment) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h.ReleasePayment(ctx, p)
}
