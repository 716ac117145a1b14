package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"vpnhub/pkg/db/option"
	"vpnhub/pkg/db/pagination"
	"vpnhub/pkg/errutil"
	"vpnhub/pkg/repository"
	"vpnhub/services/testutil"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type repoMock[T any] struct {
	withTrxFn func(tx *gorm.DB) repository.Repository[T]
	findFn    func(ctx context.Context, query *T, opts ...option.QueryOption) ([]*T, error)
	findOneFn func(ctx context.Context, query *T, opts ...option.QueryOption) (*T, error)
	createFn  func(ctx context.Context, resource *T) error
	updateFn  func(ctx context.Context, resourceID string, resource any) error
}

func (m *repoMock[T]) WithTrx(tx *gorm.DB) repository.Repository[T] {
	if m.withTrxFn != nil {
		return m.withTrxFn(tx)
	}
	return m
}

func (m *repoMock[T]) Find(ctx context.Context, query *T, opts ...option.QueryOption) ([]*T, error) {
	if m.findFn != nil {
		return m.findFn(ctx, query, opts...)
	}
	return nil, nil
}

func (m *repoMock[T]) FindOne(ctx context.Context, query *T, opts ...option.QueryOption) (*T, error) {
	if m.findOneFn != nil {
		return m.findOneFn(ctx, query, opts...)
	}
	return nil, nil
}

func (m *repoMock[T]) Create(ctx context.Context, resource *T) error {
	if m.createFn != nil {
		return m.createFn(ctx, resource)
	}
	return nil
}

func (m *repoMock[T]) Update(ctx context.Context, resourceID string, resource any) error {
	if m.updateFn != nil {
		return m.updateFn(ctx, resourceID, resource)
	}
	return nil
}

func (m *repoMock[T]) BatchCreate(ctx context.Context, resources []*T) error { return nil }

func (m *repoMock[T]) BatchUpdate(ctx context.Context, resources []*T) error { return nil }

func (m *repoMock[T]) Count(ctx context.Context, query *T) (int64, error) { return 0, nil }

type fixture struct {
	t    *testing.T
	db   *gorm.DB
	svc  *Service
	node *snowflake.Node
	now  time.Time
}

func newFixture(t *testing.T, hooks ...PostCommitHook) *fixture {
	t.Helper()

	db := testutil.NewTestDB(t, Models()...)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := NewService(ServiceParams{
		DB:       db,
		Node:     node,
		Settings: StaticSettings(scenarioSettings()),
		Hooks:    hooks,
	})
	svc.clock = func() time.Time { return now }

	return &fixture{t: t, db: db, svc: svc, node: node, now: now}
}

func scenarioSettings() Settings {
	return Settings{
		ReferralPercents: map[int]decimal.Decimal{
			1: decimal.RequireFromString("0.10"),
			2: decimal.RequireFromString("0.05"),
			3: decimal.RequireFromString("0.02"),
		},
		InviteBonusStandard: decimal.NewFromInt(10),
		InviteBonusPremium:  decimal.NewFromInt(20),
		HoldDays:            21,
	}
}

func (f *fixture) user(key string, telegramID int64, premium bool) *User {
	u := &User{
		ID:          f.node.Generate().String(),
		TelegramID:  telegramID,
		IsPremium:   premium,
		ReferralKey: key,
		CreatedAt:   f.now,
	}
	require.NoError(f.t, f.db.Create(u).Error)
	return u
}

func (f *fixture) edge(inviter, referred *User, level int) *Referral {
	r := &Referral{
		ID:         f.node.Generate().String(),
		InviterID:  inviter.ID,
		ReferralID: referred.ID,
		Level:      level,
		CreatedAt:  f.now,
	}
	require.NoError(f.t, f.db.Create(r).Error)
	return r
}

func (f *fixture) payment(user *User, token string, amount string) *Payment {
	p := &Payment{
		ID:          f.node.Generate().String(),
		Token:       token,
		UserID:      user.ID,
		Status:      PaymentPending,
		AmountStars: decimal.RequireFromString(amount),
		CreatedAt:   f.now,
		UpdatedAt:   f.now,
	}
	require.NoError(f.t, f.db.Create(p).Error)
	return p
}

func (f *fixture) balance(user *User) *Balance {
	var b Balance
	require.NoError(f.t, f.db.Where("user_id = ?", user.ID).First(&b).Error)
	return &b
}

func (f *fixture) countTransactions() int64 {
	var n int64
	require.NoError(f.t, f.db.Model(&Transaction{}).Count(&n).Error)
	return n
}

func requireDecimal(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	require.True(t, decimal.RequireFromString(want).Equal(got), "want %s, got %s", want, got)
}

func TestNewService(t *testing.T) {
	db := testutil.NewTestDB(t)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	svc := NewService(ServiceParams{DB: db, Node: node})

	require.NotNil(t, svc.payments)
	require.NotNil(t, svc.balances)
	require.NotNil(t, svc.settings)
	require.Equal(t, 200, svc.batchSize)
	require.Equal(t, 8, svc.concurrency)
}

func TestCompletePaymentSingleReferral(t *testing.T) {
	f := newFixture(t)
	inviter := f.user("inviter", 1, false)
	payer := f.user("payer", 2, false)
	edge := f.edge(inviter, payer, 1)
	f.payment(payer, "PAY-1", "100")

	res, err := f.svc.CompletePayment(context.Background(), "PAY-1")
	require.NoError(t, err)
	require.False(t, res.AlreadyCompleted)
	requireDecimal(t, "100", res.Credited)
	require.Len(t, res.Commissions, 1)
	requireDecimal(t, "10", res.Commissions[0].Amount)
	requireDecimal(t, "10", res.Commissions[0].Bonus)

	requireDecimal(t, "100", f.balance(payer).Payment)

	ib := f.balance(inviter)
	requireDecimal(t, "10", ib.Payment)
	requireDecimal(t, "10", ib.Hold)
	requireDecimal(t, "10", ib.TotalEarnedWithdrawal)

	var updated Referral
	require.NoError(t, f.db.First(&updated, "id = ?", edge.ID).Error)
	require.True(t, updated.IsActivated)
	requireDecimal(t, "10", updated.TotalPaymentsRewarded)

	require.Equal(t, int64(3), f.countTransactions())

	var hold Transaction
	require.NoError(t, f.db.Where("reason = ?", ReasonReferral).First(&hold).Error)
	require.True(t, hold.IsHold)
	require.NotNil(t, hold.HoldExpiredAt)
	require.True(t, hold.HoldExpiredAt.Equal(f.now.AddDate(0, 0, 21)))

	var p Payment
	require.NoError(t, f.db.First(&p, "token = ?", "PAY-1").Error)
	require.Equal(t, PaymentCompleted, p.Status)
	require.NotEmpty(t, p.TransactionID)
	require.NotNil(t, p.CompletedAt)
}

func TestCompletePaymentNoDoubleCredit(t *testing.T) {
	f := newFixture(t)
	payer := f.user("payer", 2, false)
	f.payment(payer, "PAY-1", "100")

	first, err := f.svc.CompletePayment(context.Background(), "PAY-1")
	require.NoError(t, err)
	require.False(t, first.AlreadyCompleted)

	second, err := f.svc.CompletePayment(context.Background(), "PAY-1")
	require.NoError(t, err)
	require.True(t, second.AlreadyCompleted)

	requireDecimal(t, "100", f.balance(payer).Payment)
	require.Equal(t, int64(1), f.countTransactions())
}

func TestCompletePaymentConcurrentCalls(t *testing.T) {
	f := newFixture(t)
	payer := f.user("payer", 2, false)
	f.payment(payer, "PAY-1", "100")

	const callers = 5
	var wg sync.WaitGroup
	results := make([]*CompleteResult, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = f.svc.CompletePayment(context.Background(), "PAY-1")
		}()
	}
	wg.Wait()

	completed := 0
	for i := range results {
		require.NoError(t, errs[i])
		if !results[i].AlreadyCompleted {
			completed++
		}
	}
	require.Equal(t, 1, completed)
	requireDecimal(t, "100", f.balance(payer).Payment)
	require.Equal(t, int64(1), f.countTransactions())
}

func TestCompletePaymentThreeLevelCascade(t *testing.T) {
	f := newFixture(t)
	lvl3 := f.user("lvl3", 1, false)
	lvl2 := f.user("lvl2", 2, false)
	lvl1 := f.user("lvl1", 3, false)
	payer := f.user("payer", 4, true)
	f.edge(lvl1, payer, 1)
	f.edge(lvl2, payer, 2)
	f.edge(lvl3, payer, 3)
	f.payment(payer, "PAY-1", "33.333")

	res, err := f.svc.CompletePayment(context.Background(), "PAY-1")
	require.NoError(t, err)
	require.Len(t, res.Commissions, 3)

	requireDecimal(t, "3.333", f.balance(lvl1).Hold)
	requireDecimal(t, "1.667", f.balance(lvl2).Hold)
	requireDecimal(t, "0.667", f.balance(lvl3).Hold)

	// premium payer, first payment: premium bonus for the direct inviter only
	requireDecimal(t, "20", f.balance(lvl1).Payment)
	requireDecimal(t, "0", f.balance(lvl2).Payment)
	requireDecimal(t, "0", f.balance(lvl3).Payment)
	requireDecimal(t, "20", res.Commissions[0].Bonus)
	requireDecimal(t, "0", res.Commissions[1].Bonus)
	requireDecimal(t, "0", res.Commissions[2].Bonus)

	var activated int64
	require.NoError(t, f.db.Model(&Referral{}).Where("referral_id = ? AND is_activated = ?", payer.ID, true).Count(&activated).Error)
	require.Equal(t, int64(3), activated)

	f.payment(payer, "PAY-2", "100")
	_, err = f.svc.CompletePayment(context.Background(), "PAY-2")
	require.NoError(t, err)

	// edges are activated now, so no second bonus
	requireDecimal(t, "20", f.balance(lvl1).Payment)
	var holds int64
	require.NoError(t, f.db.Model(&Transaction{}).Where("reason = ?", ReasonReferral).Count(&holds).Error)
	require.Equal(t, int64(6), holds)
}

func TestCompletePaymentUnknownLevelPaysNothing(t *testing.T) {
	f := newFixture(t)
	inviter := f.user("inviter", 1, false)
	payer := f.user("payer", 2, false)
	f.edge(inviter, payer, 4)
	f.payment(payer, "PAY-1", "100")

	res, err := f.svc.CompletePayment(context.Background(), "PAY-1")
	require.NoError(t, err)
	require.Empty(t, res.Commissions)
	require.Equal(t, int64(1), f.countTransactions())
}

func TestCompletePaymentWithInjectedSettings(t *testing.T) {
	f := newFixture(t)
	inviter := f.user("inviter", 1, false)
	payer := f.user("payer", 2, false)
	f.edge(inviter, payer, 1)
	f.payment(payer, "PAY-1", "100")

	custom := scenarioSettings()
	custom.ReferralPercents[1] = decimal.RequireFromString("0.25")
	custom.InviteBonusStandard = decimal.Zero

	_, err := f.svc.CompletePayment(context.Background(), "PAY-1",
		WithSettings(custom),
		WithProviderMetadata(map[string]any{"charge_id": "ch_1"}),
	)
	require.NoError(t, err)

	ib := f.balance(inviter)
	requireDecimal(t, "25", ib.Hold)
	requireDecimal(t, "0", ib.Payment)

	var p Payment
	require.NoError(t, f.db.First(&p, "token = ?", "PAY-1").Error)
	require.Contains(t, string(p.Metadata), "ch_1")
}

func TestCompletePaymentRejections(t *testing.T) {
	f := newFixture(t)
	payer := f.user("payer", 2, false)
	p := f.payment(payer, "PAY-1", "100")
	require.NoError(t, f.db.Model(&Payment{}).Where("id = ?", p.ID).Update("status", PaymentCanceled).Error)

	_, err := f.svc.CompletePayment(context.Background(), "PAY-1")
	require.True(t, errutil.IsCode(err, errutil.StatusUnprocessableEntity))

	_, err = f.svc.CompletePayment(context.Background(), "PAY-404")
	require.True(t, errutil.IsCode(err, errutil.StatusNotFound))

	_, err = f.svc.CompletePayment(context.Background(), "")
	require.True(t, errutil.IsCode(err, errutil.StatusBadRequest))

	require.Equal(t, int64(0), f.countTransactions())
}

func TestCompletePaymentHooksAreIsolated(t *testing.T) {
	var (
		mu     sync.Mutex
		events []CompletedEvent
	)
	hooks := []PostCommitHook{
		HookFunc{HookName: "panics", Fn: func(context.Context, CompletedEvent) error { panic("boom") }},
		HookFunc{HookName: "fails", Fn: func(context.Context, CompletedEvent) error { return errors.New("down") }},
		HookFunc{HookName: "records", Fn: func(_ context.Context, evt CompletedEvent) error {
			mu.Lock()
			defer mu.Unlock()
			events = append(events, evt)
			return nil
		}},
	}

	f := newFixture(t, hooks...)
	payer := f.user("payer", 2, false)
	f.payment(payer, "PAY-1", "100")

	res, err := f.svc.CompletePayment(context.Background(), "PAY-1")
	require.NoError(t, err)
	require.False(t, res.AlreadyCompleted)
	f.svc.WaitHooks()

	require.Len(t, events, 1)
	require.Equal(t, "PAY-1", events[0].Token)
	require.Equal(t, int64(2), events[0].TelegramID)

	_, err = f.svc.CompletePayment(context.Background(), "PAY-1")
	require.NoError(t, err)
	f.svc.WaitHooks()
	require.Len(t, events, 1)
}

func TestCompletePaymentDoesNotWaitForHooks(t *testing.T) {
	release := make(chan struct{})
	hookErr := make(chan error, 1)
	hooks := []PostCommitHook{
		HookFunc{HookName: "slow", Fn: func(ctx context.Context, _ CompletedEvent) error {
			<-release
			hookErr <- ctx.Err()
			return nil
		}},
	}

	f := newFixture(t, hooks...)
	payer := f.user("payer", 2, false)
	f.payment(payer, "PAY-1", "100")

	ctx, cancel := context.WithCancel(context.Background())
	res, err := f.svc.CompletePayment(ctx, "PAY-1")
	require.NoError(t, err)
	require.False(t, res.AlreadyCompleted)
	requireDecimal(t, "100", f.balance(payer).Payment)

	// the request is over before the hook is allowed to finish
	cancel()
	close(release)
	f.svc.WaitHooks()

	require.NoError(t, <-hookErr)
}

func TestCompletePaymentLostStatusRaceKeepsIdentifiers(t *testing.T) {
	f := newFixture(t)
	payer := f.user("payer", 2, false)
	p := f.payment(payer, "PAY-1", "100")

	// flip the row to COMPLETED right before the conditional update, as a
	// second completer committing in between would
	var fired bool
	require.NoError(t, f.db.Callback().Update().Before("gorm:update").Register("test:steal_completion", func(tx *gorm.DB) {
		if fired || tx.Statement.Table != "payments" {
			return
		}
		fired = true
		_, err := tx.Statement.ConnPool.ExecContext(tx.Statement.Context,
			"UPDATE payments SET status = ? WHERE id = ?", string(PaymentCompleted), p.ID)
		require.NoError(t, err)
	}))

	res, err := f.svc.CompletePayment(context.Background(), "PAY-1")
	require.NoError(t, err)
	require.True(t, fired)
	require.True(t, res.AlreadyCompleted)
	require.Equal(t, p.ID, res.PaymentID)
	require.Equal(t, payer.ID, res.UserID)
	require.Equal(t, int64(0), f.countTransactions())
}

func TestCompletePaymentSettingsError(t *testing.T) {
	svc := &Service{settings: failingSettings{}}

	_, err := svc.CompletePayment(context.Background(), "PAY-1")
	require.Error(t, err)
}

type failingSettings struct{}

func (failingSettings) Snapshot(context.Context) (Settings, error) {
	return Settings{}, errors.New("settings unavailable")
}

func TestGetBalanceMissingRow(t *testing.T) {
	svc := &Service{
		balances: &repoMock[Balance]{},
	}

	b, err := svc.GetBalance(context.Background(), "user-1")
	require.NoError(t, err)
	require.Equal(t, "user-1", b.UserID)
	require.True(t, b.Payment.IsZero())

	_, err = svc.GetBalance(context.Background(), "")
	require.True(t, errutil.IsCode(err, errutil.StatusNotFound))
}

func TestCreditRewardAndReconcile(t *testing.T) {
	f := newFixture(t)
	u := f.user("viewer", 9, false)

	err := f.db.Transaction(func(tx *gorm.DB) error {
		return f.svc.CreditReward(context.Background(), tx, u.ID, RewardCredit{
			Traffic: 1024,
			Stars:   decimal.NewFromInt(5),
		}, "session-1")
	})
	require.NoError(t, err)

	b := f.balance(u)
	require.Equal(t, int64(1024), b.Traffic)
	requireDecimal(t, "5", b.Stars)
	require.Equal(t, int64(2), f.countTransactions())

	drifts, err := f.svc.Reconcile(context.Background(), u.ID)
	require.NoError(t, err)
	require.Empty(t, drifts)

	require.NoError(t, f.db.Model(&Balance{}).Where("id = ?", b.ID).Update("stars", 7).Error)
	drifts, err = f.svc.Reconcile(context.Background(), u.ID)
	require.NoError(t, err)
	require.Len(t, drifts, 1)
	require.Equal(t, BalanceStars, drifts[0].BalanceType)
	requireDecimal(t, "5", drifts[0].Expected)
}

func TestListTransactionsPages(t *testing.T) {
	f := newFixture(t)
	payer := f.user("payer", 2, false)
	for _, token := range []string{"PAY-1", "PAY-2", "PAY-3"} {
		f.payment(payer, token, "10")
		_, err := f.svc.CompletePayment(context.Background(), token)
		require.NoError(t, err)
	}

	rows, page, err := f.svc.ListTransactions(context.Background(), payer.ID, pagination.Pagination{Limit: 2})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.True(t, page.HasMore)

	rest, page, err := f.svc.ListTransactions(context.Background(), payer.ID, pagination.Pagination{Limit: 2, Cursor: page.NextCursor})
	require.NoError(t, err)
	require.Len(t, rest, 1)
	require.False(t, page.HasMore)
	require.Greater(t, rows[1].ID, rest[0].ID)
}
