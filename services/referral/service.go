package referral

import (
	"context"
	"fmt"
	"time"

	"vpnhub/pkg/db/option"
	"vpnhub/pkg/errutil"
	"vpnhub/pkg/repository"
	"vpnhub/services/ledger"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// MaxLevel is the deepest ancestor that earns commission.
const MaxLevel = 3

var (
	ErrInviterNotFound = errutil.NotFound("inviter not found", nil)
	ErrSelfInvite      = errutil.BadRequest("user cannot invite themselves", nil)
	ErrInviteCycle     = errutil.BadRequest("invite would create a referral cycle", nil)
)

type Service struct {
	db    *gorm.DB
	node  *snowflake.Node
	clock func() time.Time

	users     repository.Repository[ledger.User]
	referrals repository.Repository[ledger.Referral]
}

type ServiceParams struct {
	fx.In
	DB   *gorm.DB
	Node *snowflake.Node
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:        p.DB,
		node:      p.Node,
		clock:     time.Now,
		users:     repository.ProvideStore[ledger.User](p.DB),
		referrals: repository.ProvideStore[ledger.Referral](p.DB),
	}
}

type RebuildResult struct {
	Created int
	Updated int
	Deleted int
}

func (r *RebuildResult) add(o RebuildResult) {
	r.Created += o.Created
	r.Updated += o.Updated
	r.Deleted += o.Deleted
}

// RegisterInvite attaches userID below the owner of inviterKey and copies the
// inviter's own ancestors as level 2 and 3 edges. A user that already has an
// inviter keeps it.
func (s *Service) RegisterInvite(ctx context.Context, userID, inviterKey string) ([]*ledger.Referral, error) {
	if userID == "" || inviterKey == "" {
		return nil, errutil.BadRequest("user id and inviter key are required", nil)
	}
	log := zap.L().With(zap.String("user_id", userID), zap.String("inviter_key", inviterKey))

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		users := s.users.WithTrx(tx)
		referrals := s.referrals.WithTrx(tx)

		inviter, err := users.FindOne(ctx, &ledger.User{ReferralKey: inviterKey})
		if err != nil {
			return err
		}
		if inviter == nil {
			return ErrInviterNotFound
		}
		if inviter.ID == userID {
			return ErrSelfInvite
		}

		user, err := users.FindOne(ctx, &ledger.User{ID: userID})
		if err != nil {
			return err
		}
		if user == nil {
			return ledger.ErrUserNotFound
		}

		existing, err := referrals.FindOne(ctx, &ledger.Referral{ReferralID: userID, Level: 1})
		if err != nil {
			return err
		}
		if existing != nil {
			log.Info("user already has an inviter", zap.String("inviter_id", existing.InviterID))
			return nil
		}

		ancestors, err := referrals.Find(ctx, &ledger.Referral{ReferralID: inviter.ID},
			option.ApplyOperator(option.Condition{Field: "level", Operator: option.LT, Value: MaxLevel}),
		)
		if err != nil {
			return err
		}
		for _, a := range ancestors {
			if a.InviterID == userID {
				return ErrInviteCycle
			}
		}

		now := s.clock().UTC()
		edges := []*ledger.Referral{s.newEdge(inviter.ID, userID, 1, now)}
		for _, a := range ancestors {
			edges = append(edges, s.newEdge(a.InviterID, userID, a.Level+1, now))
		}

		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&edges).Error
	})
	if err != nil {
		log.Warn("failed to register invite", zap.Error(err))
		return nil, err
	}

	return s.Chain(ctx, userID)
}

// Chain returns the edges above a referred user ordered by level.
func (s *Service) Chain(ctx context.Context, userID string) ([]*ledger.Referral, error) {
	if userID == "" {
		return nil, nil
	}
	return s.referrals.Find(ctx, &ledger.Referral{ReferralID: userID},
		option.WithSortBy(option.QuerySortBy{SortBy: "level", OrderBy: "asc"}),
	)
}

// RebuildChain recomputes the level 2 and 3 edges of userID by walking level 1
// edges upward. Surviving edges keep their activation state.
func (s *Service) RebuildChain(ctx context.Context, userID string) (RebuildResult, error) {
	var result RebuildResult
	if userID == "" {
		return result, errutil.BadRequest("user id is required", nil)
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		referrals := s.referrals.WithTrx(tx)

		want, err := s.ancestry(ctx, referrals, userID)
		if err != nil {
			return err
		}

		current, err := referrals.Find(ctx, &ledger.Referral{ReferralID: userID}, option.WithLockingUpdate())
		if err != nil {
			return err
		}

		have := make(map[string]*ledger.Referral, len(current))
		for _, edge := range current {
			have[edge.InviterID] = edge
		}

		now := s.clock().UTC()
		for inviterID, level := range want {
			edge, ok := have[inviterID]
			switch {
			case !ok:
				if err := referrals.Create(ctx, s.newEdge(inviterID, userID, level, now)); err != nil {
					return err
				}
				result.Created++
			case edge.Level != level:
				if err := referrals.Update(ctx, edge.ID, map[string]any{"level": level}); err != nil {
					return err
				}
				result.Updated++
			}
		}

		for inviterID, edge := range have {
			if _, keep := want[inviterID]; keep {
				continue
			}
			if err := tx.Delete(&ledger.Referral{}, "id = ?", edge.ID).Error; err != nil {
				return err
			}
			result.Deleted++
		}
		return nil
	})
	if err != nil {
		zap.L().Error("failed to rebuild referral chain", zap.String("user_id", userID), zap.Error(err))
		return RebuildResult{}, err
	}

	if result != (RebuildResult{}) {
		zap.L().Info("referral chain rebuilt",
			zap.String("user_id", userID),
			zap.Int("created", result.Created),
			zap.Int("updated", result.Updated),
			zap.Int("deleted", result.Deleted),
		)
	}
	return result, nil
}

// RebuildAll runs RebuildChain for every user that has an inviter.
func (s *Service) RebuildAll(ctx context.Context) (RebuildResult, error) {
	var total RebuildResult

	var userIDs []string
	if err := s.db.WithContext(ctx).
		Model(&ledger.Referral{}).
		Where("level = ?", 1).
		Order("referral_id").
		Pluck("referral_id", &userIDs).Error; err != nil {
		return total, err
	}

	for _, id := range userIDs {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		res, err := s.RebuildChain(ctx, id)
		if err != nil {
			return total, fmt.Errorf("rebuild %s: %w", id, err)
		}
		total.add(res)
	}
	return total, nil
}

// ancestry maps each ancestor of userID to its level, following level 1 edges.
func (s *Service) ancestry(ctx context.Context, referrals repository.Repository[ledger.Referral], userID string) (map[string]int, error) {
	want := make(map[string]int, MaxLevel)
	seen := map[string]bool{userID: true}

	cur := userID
	for level := 1; level <= MaxLevel; level++ {
		parent, err := referrals.FindOne(ctx, &ledger.Referral{ReferralID: cur, Level: 1})
		if err != nil {
			return nil, err
		}
		if parent == nil || seen[parent.InviterID] {
			break
		}
		want[parent.InviterID] = level
		seen[parent.InviterID] = true
		cur = parent.InviterID
	}
	return want, nil
}

func (s *Service) newEdge(inviterID, referralID string, level int, now time.Time) *ledger.Referral {
	return &ledger.Referral{
		ID:                       s.node.Generate().String(),
		InviterID:                inviterID,
		ReferralID:               referralID,
		Level:                    level,
		TotalPaymentsRewarded:    decimal.Zero,
		TotalWithdrawalsRewarded: decimal.Zero,
		CreatedAt:                now,
	}
}
