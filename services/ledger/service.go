package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"vpnhub/pkg/config"
	"vpnhub/pkg/db/option"
	"vpnhub/pkg/db/pagination"
	"vpnhub/pkg/errutil"
	"vpnhub/pkg/repository"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrPaymentNotFound = errutil.NotFound("payment not found", nil)
	ErrUserNotFound    = errutil.NotFound("user not found", nil)
	ErrPaymentClosed   = errutil.UnprocessableEntity("payment is canceled or failed", nil)

	errConcurrentCompletion = errors.New("payment completed concurrently")
	errSkip                 = errors.New("skip")
)

type Service struct {
	db       *gorm.DB
	node     *snowflake.Node
	settings SettingsProvider
	hooks    []PostCommitHook
	clock    func() time.Time

	hookTimeout time.Duration
	inflight    sync.WaitGroup

	batchSize   int
	concurrency int

	users        repository.Repository[User]
	balances     repository.Repository[Balance]
	transactions repository.Repository[Transaction]
	referrals    repository.Repository[Referral]
	payments     repository.Repository[Payment]
}

type ServiceParams struct {
	fx.In
	DB       *gorm.DB
	Node     *snowflake.Node
	Config   *config.Config   `optional:"true"`
	Settings SettingsProvider `optional:"true"`
	Hooks    []PostCommitHook `group:"ledger.hooks"`

	Lifecycle fx.Lifecycle `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	var (
		holdDays    = 21
		batchSize   = 200
		concurrency = 8
	)
	if p.Config != nil {
		if p.Config.Ledger.HoldDays > 0 {
			holdDays = p.Config.Ledger.HoldDays
		}
		if p.Config.Sweep.BatchSize > 0 {
			batchSize = p.Config.Sweep.BatchSize
		}
		if p.Config.Sweep.Concurrency > 0 {
			concurrency = p.Config.Sweep.Concurrency
		}
	}

	settings := p.Settings
	if settings == nil {
		settings = NewSettingsProvider(p.DB, DefaultSettings(holdDays))
	}

	svc := &Service{
		db:          p.DB,
		node:        p.Node,
		settings:    settings,
		hooks:       p.Hooks,
		clock:       time.Now,
		hookTimeout: defaultHookTimeout,
		batchSize:   batchSize,
		concurrency: concurrency,

		users:        repository.ProvideStore[User](p.DB),
		balances:     repository.ProvideStore[Balance](p.DB),
		transactions: repository.ProvideStore[Transaction](p.DB),
		referrals:    repository.ProvideStore[Referral](p.DB),
		payments:     repository.ProvideStore[Payment](p.DB),
	}

	if p.Lifecycle != nil {
		p.Lifecycle.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				return svc.drainHooks(ctx)
			},
		})
	}
	return svc
}

func (s *Service) now() time.Time {
	return s.clock().UTC()
}

func traceFields(ctx context.Context) []zap.Field {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return nil
	}
	return []zap.Field{
		zap.String("trace_id", sc.TraceID().String()),
		zap.String("span_id", sc.SpanID().String()),
	}
}

type completeOptions struct {
	metadata map[string]any
	settings *Settings
}

type CompleteOption func(*completeOptions)

// WithProviderMetadata stores provider specific data on the payment row.
func WithProviderMetadata(meta map[string]any) CompleteOption {
	return func(o *completeOptions) { o.metadata = meta }
}

// WithSettings pins the settings snapshot instead of reading the singleton row.
func WithSettings(settings Settings) CompleteOption {
	return func(o *completeOptions) { o.settings = &settings }
}

// CompletePayment moves a PENDING payment to COMPLETED, credits the payer and
// cascades referral commissions, all in one database transaction. A payment that
// is already COMPLETED yields AlreadyCompleted without touching any balance.
func (s *Service) CompletePayment(ctx context.Context, token string, opts ...CompleteOption) (*CompleteResult, error) {
	if token == "" {
		return nil, errutil.BadRequest("payment token is required", nil)
	}
	log := zap.L().With(traceFields(ctx)...).With(zap.String("payment_token", token))

	o := completeOptions{}
	for _, opt := range opts {
		opt(&o)
	}

	var settings Settings
	if o.settings != nil {
		settings = *o.settings
	} else {
		snap, err := s.settings.Snapshot(ctx)
		if err != nil {
			log.Error("failed to load settings", zap.Error(err))
			return nil, err
		}
		settings = snap
	}

	now := s.now()
	var (
		result  *CompleteResult
		event   *CompletedEvent
		claimed *Payment
	)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		payment, err := s.payments.WithTrx(tx).FindOne(ctx, &Payment{Token: token}, option.WithLockingUpdate())
		if err != nil {
			return err
		}
		if payment == nil {
			return ErrPaymentNotFound
		}

		switch payment.Status {
		case PaymentCompleted:
			result = &CompleteResult{PaymentID: payment.ID, UserID: payment.UserID, AlreadyCompleted: true}
			return nil
		case PaymentCanceled, PaymentFailed:
			return ErrPaymentClosed
		}

		user, err := s.users.WithTrx(tx).FindOne(ctx, &User{ID: payment.UserID})
		if err != nil {
			return err
		}
		if user == nil {
			return ErrUserNotFound
		}

		res := tx.Model(&Payment{}).
			Where("id = ? AND status = ?", payment.ID, PaymentPending).
			Updates(map[string]any{
				"status":       PaymentCompleted,
				"completed_at": now,
				"updated_at":   now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			claimed = payment
			return errConcurrentCompletion
		}

		amount := payment.AmountStars
		balance, err := s.ensureBalance(ctx, tx, user.ID)
		if err != nil {
			return err
		}
		if err := s.increment(tx, balance.ID, now, map[string]decimal.Decimal{"payment": amount}); err != nil {
			return err
		}

		payerTxn, err := s.record(ctx, tx, &Transaction{
			BalanceID:   balance.ID,
			Amount:      amount,
			Direction:   DirectionPlus,
			Reason:      ReasonPayment,
			BalanceType: BalancePayment,
			ReferenceID: payment.Token,
		}, now)
		if err != nil {
			return err
		}

		updates := map[string]any{"transaction_id": payerTxn.ID}
		if len(o.metadata) > 0 {
			b, err := json.Marshal(o.metadata)
			if err != nil {
				return errutil.BadRequest("invalid provider metadata", err)
			}
			updates["metadata"] = datatypes.JSON(b)
		}
		if err := s.payments.WithTrx(tx).Update(ctx, payment.ID, updates); err != nil {
			return err
		}

		commissions, err := s.cascade(ctx, tx, user, payment, settings, now)
		if err != nil {
			return err
		}

		result = &CompleteResult{
			PaymentID:   payment.ID,
			UserID:      user.ID,
			Credited:    amount,
			Commissions: commissions,
		}
		event = &CompletedEvent{
			PaymentID:   payment.ID,
			Token:       payment.Token,
			UserID:      user.ID,
			TelegramID:  user.TelegramID,
			Amount:      amount,
			Commissions: commissions,
			CompletedAt: now,
		}
		return nil
	})
	if errors.Is(err, errConcurrentCompletion) {
		log.Warn("payment completed by a concurrent call")
		return &CompleteResult{
			PaymentID:        claimed.ID,
			UserID:           claimed.UserID,
			Credited:         decimal.Zero,
			AlreadyCompleted: true,
		}, nil
	}
	if err != nil {
		log.Error("failed to complete payment", zap.Error(err))
		return nil, err
	}

	if result.AlreadyCompleted {
		log.Info("payment already completed")
		return result, nil
	}

	paymentsCompleted.Inc()
	log.Info("payment completed",
		zap.String("user_id", result.UserID),
		zap.String("amount", result.Credited.String()),
		zap.Int("commissions", len(result.Commissions)),
	)
	s.runHooks(ctx, *event)
	return result, nil
}

// cascade pays commissions to the referred user's inviters, levels 1 to 3.
func (s *Service) cascade(ctx context.Context, tx *gorm.DB, user *User, payment *Payment, settings Settings, now time.Time) ([]Commission, error) {
	edges, err := s.referrals.WithTrx(tx).Find(ctx, &Referral{ReferralID: user.ID},
		option.ApplyOperator(option.Condition{Field: "level", Operator: option.IN, Value: []int{1, 2, 3}}),
		option.WithSortBy(option.QuerySortBy{SortBy: "level", OrderBy: "asc"}),
		option.WithLockingUpdate(),
	)
	if err != nil {
		return nil, err
	}

	holdDays := settings.HoldDays
	if holdDays <= 0 {
		holdDays = 21
	}
	holdExpiredAt := now.AddDate(0, 0, holdDays)

	commissions := make([]Commission, 0, len(edges))
	for _, edge := range edges {
		amount := payment.AmountStars.Mul(settings.Percent(edge.Level)).Round(3)
		if !amount.IsPositive() {
			continue
		}

		inviter, err := s.users.WithTrx(tx).FindOne(ctx, &User{ID: edge.InviterID})
		if err != nil {
			return nil, err
		}
		if inviter == nil {
			zap.L().Warn("referral edge points at a missing inviter",
				zap.String("referral_id", edge.ID),
				zap.String("inviter_id", edge.InviterID),
			)
			continue
		}

		balance, err := s.ensureBalance(ctx, tx, inviter.ID)
		if err != nil {
			return nil, err
		}

		bonus := decimal.Zero
		if edge.Level == 1 && !edge.IsActivated {
			bonus = settings.InviteBonus(user.IsPremium).Round(3)
		}
		if bonus.IsPositive() {
			if err := s.increment(tx, balance.ID, now, map[string]decimal.Decimal{"payment": bonus}); err != nil {
				return nil, err
			}
			if _, err := s.record(ctx, tx, &Transaction{
				BalanceID:   balance.ID,
				Amount:      bonus,
				Direction:   DirectionPlus,
				Reason:      ReasonPayment,
				BalanceType: BalancePayment,
				ReferenceID: payment.Token,
			}, now); err != nil {
				return nil, err
			}
		}

		if err := s.increment(tx, balance.ID, now, map[string]decimal.Decimal{
			"hold":                    amount,
			"total_earned_withdrawal": amount,
		}); err != nil {
			return nil, err
		}
		expires := holdExpiredAt
		if _, err := s.record(ctx, tx, &Transaction{
			BalanceID:     balance.ID,
			Amount:        amount,
			Direction:     DirectionPlus,
			Reason:        ReasonReferral,
			BalanceType:   BalanceHold,
			IsHold:        true,
			HoldExpiredAt: &expires,
			ReferenceID:   payment.Token,
		}, now); err != nil {
			return nil, err
		}

		if err := tx.Model(&Referral{}).Where("id = ?", edge.ID).Updates(map[string]any{
			"is_activated":            true,
			"total_payments_rewarded": gorm.Expr("total_payments_rewarded + ?", amount),
		}).Error; err != nil {
			return nil, err
		}

		commissionsPaid.WithLabelValues(strconv.Itoa(edge.Level)).Inc()
		commissions = append(commissions, Commission{
			InviterID:         inviter.ID,
			InviterTelegramID: inviter.TelegramID,
			Level:             edge.Level,
			Amount:            amount,
			Bonus:             bonus,
			HoldExpiredAt:     holdExpiredAt,
		})
	}

	return commissions, nil
}

// ensureBalance returns the user's balance row, creating an empty one if missing.
func (s *Service) ensureBalance(ctx context.Context, tx *gorm.DB, userID string) (*Balance, error) {
	balances := s.balances.WithTrx(tx)
	balance, err := balances.FindOne(ctx, &Balance{UserID: userID})
	if err != nil || balance != nil {
		return balance, err
	}

	now := s.now()
	if err := tx.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoNothing: true,
	}).Create(&Balance{
		ID:        s.node.Generate().String(),
		UserID:    userID,
		CreatedAt: now,
		UpdatedAt: now,
	}).Error; err != nil {
		return nil, err
	}

	balance, err = balances.FindOne(ctx, &Balance{UserID: userID})
	if err != nil {
		return nil, err
	}
	if balance == nil {
		return nil, fmt.Errorf("balance for user %s not created", userID)
	}
	return balance, nil
}

// increment applies server-side additions to balance columns.
func (s *Service) increment(tx *gorm.DB, balanceID string, now time.Time, deltas map[string]decimal.Decimal) error {
	updates := make(map[string]any, len(deltas)+1)
	for column, delta := range deltas {
		updates[column] = gorm.Expr(column+" + ?", delta)
	}
	updates["updated_at"] = now

	res := tx.Model(&Balance{}).Where("id = ?", balanceID).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("balance %s not found", balanceID)
	}
	return nil
}

func (s *Service) record(ctx context.Context, tx *gorm.DB, txn *Transaction, now time.Time) (*Transaction, error) {
	txn.ID = s.node.Generate().String()
	txn.CreatedAt = now
	if err := s.transactions.WithTrx(tx).Create(ctx, txn); err != nil {
		return nil, err
	}
	return txn, nil
}

// RewardCredit is a reward grant applied by CreditReward.
type RewardCredit struct {
	Traffic int64
	Stars   decimal.Decimal
	Tickets decimal.Decimal
}

func (r RewardCredit) IsZero() bool {
	return r.Traffic == 0 && r.Stars.IsZero() && r.Tickets.IsZero()
}

// CreditReward adds reward counters to the user's balance inside tx and writes
// one PLUS/REWARD transaction per non-zero kind.
func (s *Service) CreditReward(ctx context.Context, tx *gorm.DB, userID string, credit RewardCredit, reference string) error {
	if credit.IsZero() {
		return nil
	}

	now := s.now()
	balance, err := s.ensureBalance(ctx, tx, userID)
	if err != nil {
		return err
	}

	updates := map[string]any{"updated_at": now}
	kinds := make([]*Transaction, 0, 3)
	if credit.Traffic != 0 {
		updates["traffic"] = gorm.Expr("traffic + ?", credit.Traffic)
		kinds = append(kinds, &Transaction{Amount: decimal.NewFromInt(credit.Traffic), BalanceType: BalanceTraffic})
	}
	if !credit.Stars.IsZero() {
		updates["stars"] = gorm.Expr("stars + ?", credit.Stars)
		kinds = append(kinds, &Transaction{Amount: credit.Stars, BalanceType: BalanceStars})
	}
	if !credit.Tickets.IsZero() {
		updates["tickets"] = gorm.Expr("tickets + ?", credit.Tickets)
		kinds = append(kinds, &Transaction{Amount: credit.Tickets, BalanceType: BalanceTickets})
	}

	if err := tx.Model(&Balance{}).Where("id = ?", balance.ID).Updates(updates).Error; err != nil {
		return err
	}

	for _, txn := range kinds {
		txn.BalanceID = balance.ID
		txn.Direction = DirectionPlus
		txn.Reason = ReasonReward
		txn.ReferenceID = reference
		if _, err := s.record(ctx, tx, txn, now); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) GetBalance(ctx context.Context, userID string) (*Balance, error) {
	if userID == "" {
		return nil, ErrUserNotFound
	}
	balance, err := s.balances.FindOne(ctx, &Balance{UserID: userID})
	if err != nil {
		zap.L().With(traceFields(ctx)...).Error("failed to query balance", zap.String("user_id", userID), zap.Error(err))
		return nil, err
	}
	if balance == nil {
		return &Balance{UserID: userID}, nil
	}
	return balance, nil
}

// ListTransactions pages through a user's transactions, newest first.
func (s *Service) ListTransactions(ctx context.Context, userID string, page pagination.Pagination) ([]*Transaction, *pagination.PageInfo, error) {
	if userID == "" {
		return nil, nil, ErrUserNotFound
	}
	balance, err := s.balances.FindOne(ctx, &Balance{UserID: userID})
	if err != nil {
		return nil, nil, err
	}
	if balance == nil {
		return []*Transaction{}, &pagination.PageInfo{}, nil
	}

	limit := page.Limit
	if limit <= 0 || limit > 250 {
		limit = 20
	}

	opts := []option.QueryOption{
		option.WithSortBy(option.QuerySortBy{SortBy: "id", OrderBy: "desc"}),
		option.ApplyPagination(limit+1, 0),
	}
	if page.Cursor != "" {
		cursor, err := pagination.DecodeCursor(page.Cursor)
		if err != nil {
			return nil, nil, errutil.BadRequest("invalid cursor", err)
		}
		opts = append(opts, option.ApplyOperator(option.Condition{Field: "id", Operator: option.LT, Value: cursor.ID}))
	}

	rows, err := s.transactions.Find(ctx, &Transaction{BalanceID: balance.ID}, opts...)
	if err != nil {
		return nil, nil, err
	}

	return pagination.Trim(rows, limit, func(t *Transaction) pagination.Cursor {
		return pagination.Cursor{ID: t.ID, CreatedAt: t.CreatedAt.Format(time.RFC3339Nano)}
	})
}

// Reconcile recomputes the money columns of a balance from its transactions
// and returns every column that disagrees. It never writes.
func (s *Service) Reconcile(ctx context.Context, userID string) ([]Drift, error) {
	if userID == "" {
		return nil, ErrUserNotFound
	}
	balance, err := s.balances.FindOne(ctx, &Balance{UserID: userID})
	if err != nil {
		return nil, err
	}
	if balance == nil {
		return nil, ErrUserNotFound
	}

	rows, err := s.transactions.Find(ctx, &Transaction{BalanceID: balance.ID})
	if err != nil {
		return nil, err
	}

	expected := map[BalanceType]decimal.Decimal{}
	for _, t := range rows {
		amount := t.Amount
		if t.Direction == DirectionMinus {
			amount = amount.Neg()
		}
		// a released hold row stays in the trail, its amount now lives in withdrawal
		if t.BalanceType == BalanceHold && !t.IsHold {
			continue
		}
		expected[t.BalanceType] = expected[t.BalanceType].Add(amount)
	}

	stored := map[BalanceType]decimal.Decimal{
		BalancePayment:    balance.Payment,
		BalanceHold:       balance.Hold,
		BalanceWithdrawal: balance.Withdrawal,
		BalanceStars:      balance.Stars,
		BalanceTickets:    balance.Tickets,
		BalanceTraffic:    decimal.NewFromInt(balance.Traffic),
	}

	var drifts []Drift
	for _, bt := range []BalanceType{BalancePayment, BalanceHold, BalanceWithdrawal, BalanceStars, BalanceTickets, BalanceTraffic} {
		if !stored[bt].Equal(expected[bt]) {
			drifts = append(drifts, Drift{BalanceType: bt, Stored: stored[bt], Expected: expected[bt]})
		}
	}
	return drifts, nil
}
