package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func (f *fixture) holdBalance(user *User, hold string) *Balance {
	b := &Balance{
		ID:        f.node.Generate().String(),
		UserID:    user.ID,
		Hold:      decimal.RequireFromString(hold),
		CreatedAt: f.now,
		UpdatedAt: f.now,
	}
	require.NoError(f.t, f.db.Create(b).Error)
	return b
}

func (f *fixture) holdTxn(b *Balance, amount string, expiresAt time.Time) *Transaction {
	txn := &Transaction{
		ID:            f.node.Generate().String(),
		BalanceID:     b.ID,
		Amount:        decimal.RequireFromString(amount),
		Direction:     DirectionPlus,
		Reason:        ReasonReferral,
		BalanceType:   BalanceHold,
		IsHold:        true,
		HoldExpiredAt: &expiresAt,
		CreatedAt:     f.now,
	}
	require.NoError(f.t, f.db.Create(txn).Error)
	return txn
}

func (f *fixture) reload(txn *Transaction) *Transaction {
	var out Transaction
	require.NoError(f.t, f.db.First(&out, "id = ?", txn.ID).Error)
	return &out
}

func TestReleaseExpiredHolds(t *testing.T) {
	f := newFixture(t)
	u := f.user("inviter", 1, false)
	b := f.holdBalance(u, "15")
	expired := f.holdTxn(b, "10", f.now.Add(-time.Hour))
	pending := f.holdTxn(b, "5", f.now.Add(24*time.Hour))

	res, err := f.svc.ReleaseExpiredHolds(context.Background(), f.now)
	require.NoError(t, err)
	require.Equal(t, int64(1), res.Scanned)
	require.Equal(t, int64(1), res.Released)
	require.Zero(t, res.Skipped)

	after := f.balance(u)
	requireDecimal(t, "5", after.Hold)
	requireDecimal(t, "10", after.Withdrawal)
	require.False(t, f.reload(expired).IsHold)
	require.True(t, f.reload(pending).IsHold)

	var release Transaction
	require.NoError(t, f.db.Where("reason = ?", ReasonHoldRelease).First(&release).Error)
	require.Equal(t, BalanceWithdrawal, release.BalanceType)
	require.Equal(t, expired.ID, release.ReferenceID)

	again, err := f.svc.ReleaseExpiredHolds(context.Background(), f.now)
	require.NoError(t, err)
	require.Zero(t, again.Scanned)
	requireDecimal(t, "5", f.balance(u).Hold)
	requireDecimal(t, "10", f.balance(u).Withdrawal)
}

func TestReleaseHoldTwiceIsNoop(t *testing.T) {
	f := newFixture(t)
	u := f.user("inviter", 1, false)
	b := f.holdBalance(u, "20")
	txn := f.holdTxn(b, "10", f.now.Add(-time.Hour))

	ok, err := f.svc.releaseHold(context.Background(), txn, f.now)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = f.svc.releaseHold(context.Background(), txn, f.now)
	require.NoError(t, err)
	require.False(t, ok)

	after := f.balance(u)
	requireDecimal(t, "10", after.Hold)
	requireDecimal(t, "10", after.Withdrawal)
}

func TestReleaseExpiredHoldsSkipsUncoveredHold(t *testing.T) {
	f := newFixture(t)
	u := f.user("inviter", 1, false)
	b := f.holdBalance(u, "5")
	txn := f.holdTxn(b, "10", f.now.Add(-time.Hour))

	res, err := f.svc.ReleaseExpiredHolds(context.Background(), f.now)
	require.NoError(t, err)
	require.Equal(t, int64(1), res.Skipped)
	require.Zero(t, res.Released)

	after := f.balance(u)
	requireDecimal(t, "5", after.Hold)
	requireDecimal(t, "0", after.Withdrawal)
	require.True(t, f.reload(txn).IsHold)
}

func TestReleaseExpiredHoldsInBatches(t *testing.T) {
	f := newFixture(t)
	f.svc.batchSize = 2
	f.svc.concurrency = 2

	u := f.user("inviter", 1, false)
	b := f.holdBalance(u, "5")
	for i := 0; i < 5; i++ {
		f.holdTxn(b, "1", f.now.Add(-time.Duration(i+1)*time.Minute))
	}

	res, err := f.svc.ReleaseExpiredHolds(context.Background(), f.now)
	require.NoError(t, err)
	require.Equal(t, int64(5), res.Scanned)
	require.Equal(t, int64(5), res.Released)

	after := f.balance(u)
	requireDecimal(t, "0", after.Hold)
	requireDecimal(t, "5", after.Withdrawal)

	drifts, err := f.svc.Reconcile(context.Background(), u.ID)
	require.NoError(t, err)
	require.Empty(t, drifts)
}
