package referral

import (
	"context"
	"testing"
	"time"

	"vpnhub/pkg/errutil"
	"vpnhub/services/ledger"
	"vpnhub/services/testutil"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type fixture struct {
	t    *testing.T
	db   *gorm.DB
	node *snowflake.Node
	svc  *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db := testutil.NewTestDB(t, ledger.Models()...)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	svc := NewService(ServiceParams{DB: db, Node: node})
	svc.clock = func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) }
	return &fixture{t: t, db: db, node: node, svc: svc}
}

func (f *fixture) user(key string) *ledger.User {
	u := &ledger.User{
		ID:          f.node.Generate().String(),
		TelegramID:  f.node.Generate().Int64(),
		ReferralKey: key,
	}
	require.NoError(f.t, f.db.Create(u).Error)
	return u
}

func (f *fixture) invite(u *ledger.User, key string) []*ledger.Referral {
	chain, err := f.svc.RegisterInvite(context.Background(), u.ID, key)
	require.NoError(f.t, err)
	return chain
}

func levels(chain []*ledger.Referral) map[string]int {
	out := make(map[string]int, len(chain))
	for _, edge := range chain {
		out[edge.InviterID] = edge.Level
	}
	return out
}

func TestRegisterInviteBuildsChain(t *testing.T) {
	f := newFixture(t)
	a, b, c, d, e := f.user("a"), f.user("b"), f.user("c"), f.user("d"), f.user("e")

	require.Len(t, f.invite(b, "a"), 1)
	require.Len(t, f.invite(c, "b"), 2)
	require.Len(t, f.invite(d, "c"), 3)

	chain := f.invite(e, "d")
	require.Len(t, chain, 3)
	require.Equal(t, map[string]int{d.ID: 1, c.ID: 2, b.ID: 3}, levels(chain))
	for i, edge := range chain {
		require.Equal(t, i+1, edge.Level)
		require.False(t, edge.IsActivated)
	}

	chain, err := f.svc.Chain(context.Background(), d.ID)
	require.NoError(t, err)
	require.Equal(t, map[string]int{c.ID: 1, b.ID: 2, a.ID: 3}, levels(chain))
}

func TestRegisterInviteRejections(t *testing.T) {
	f := newFixture(t)
	a, b := f.user("a"), f.user("b")
	f.user("c")
	f.invite(b, "a")

	_, err := f.svc.RegisterInvite(context.Background(), a.ID, "a")
	require.True(t, errutil.IsCode(err, errutil.StatusBadRequest))

	_, err = f.svc.RegisterInvite(context.Background(), a.ID, "nobody")
	require.True(t, errutil.IsCode(err, errutil.StatusNotFound))

	_, err = f.svc.RegisterInvite(context.Background(), "missing", "a")
	require.True(t, errutil.IsCode(err, errutil.StatusNotFound))

	_, err = f.svc.RegisterInvite(context.Background(), a.ID, "b")
	require.True(t, errutil.IsCode(err, errutil.StatusBadRequest))
	require.Contains(t, err.Error(), "cycle")

	// an existing inviter is kept
	chain := f.invite(b, "c")
	require.Equal(t, map[string]int{a.ID: 1}, levels(chain))
}

func TestRebuildChain(t *testing.T) {
	f := newFixture(t)
	a, b, c := f.user("a"), f.user("b"), f.user("c")
	x := f.user("x")
	f.invite(b, "a")
	f.invite(c, "b")

	require.NoError(t, f.db.Model(&ledger.Referral{}).
		Where("referral_id = ? AND level = ?", c.ID, 1).
		Update("is_activated", true).Error)
	require.NoError(t, f.db.Where("referral_id = ? AND level = ?", c.ID, 2).Delete(&ledger.Referral{}).Error)
	require.NoError(t, f.db.Create(f.svc.newEdge(x.ID, c.ID, 3, time.Now().UTC())).Error)

	res, err := f.svc.RebuildChain(context.Background(), c.ID)
	require.NoError(t, err)
	require.Equal(t, RebuildResult{Created: 1, Deleted: 1}, res)

	chain, err := f.svc.Chain(context.Background(), c.ID)
	require.NoError(t, err)
	require.Equal(t, map[string]int{b.ID: 1, a.ID: 2}, levels(chain))
	require.True(t, chain[0].IsActivated)

	res, err = f.svc.RebuildChain(context.Background(), c.ID)
	require.NoError(t, err)
	require.Zero(t, res)
}

func TestRebuildAllAfterReparent(t *testing.T) {
	f := newFixture(t)
	f.user("a")
	b, c := f.user("b"), f.user("c")
	z := f.user("z")
	f.invite(b, "a")
	f.invite(c, "b")

	// b is moved under z by an operator
	require.NoError(t, f.db.Model(&ledger.Referral{}).
		Where("referral_id = ? AND level = ?", b.ID, 1).
		Update("inviter_id", z.ID).Error)

	res, err := f.svc.RebuildAll(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, res.Created)
	require.Equal(t, 1, res.Deleted)

	chain, err := f.svc.Chain(context.Background(), c.ID)
	require.NoError(t, err)
	require.Equal(t, map[string]int{b.ID: 1, z.ID: 2}, levels(chain))
}
