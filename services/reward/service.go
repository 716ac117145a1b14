package reward

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"vpnhub/pkg/celengine"
	"vpnhub/pkg/config"
	"vpnhub/pkg/errutil"
	"vpnhub/pkg/rediskey"
	"vpnhub/pkg/repository"
	"vpnhub/services/ledger"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultDuration    = 60 * time.Second
	defaultMaxAttempts = 20
	attemptsTTL        = 24 * time.Hour
	rewardSource       = "ads"
)

var (
	ErrNoEligibleBlock = errutil.NotFound("no eligible ad block", nil)

	errAlreadyClaimed = errors.New("session already claimed")

	sessionsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reward_sessions_created_total",
		Help: "Reward sessions issued.",
	})
	confirmations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reward_confirmations_total",
		Help: "Reward confirmations by outcome.",
	}, []string{"outcome"})
)

// Crediter applies reward counters to a balance inside the caller's transaction.
type Crediter interface {
	CreditReward(ctx context.Context, tx *gorm.DB, userID string, credit ledger.RewardCredit, reference string) error
}

type Service struct {
	db          *gorm.DB
	rdb         redis.UniversalClient
	node        *snowflake.Node
	ledger      Crediter
	cel         *celengine.Engine
	tokens      *TokenIssuer
	verifiers   *Registry
	maxAttempts int64
	clock       func() time.Time
	pick        func(n int) int

	users repository.Repository[ledger.User]
	views repository.Repository[AdsView]
	logs  repository.Repository[RewardLog]
}

type ServiceParams struct {
	fx.In
	DB        *gorm.DB
	Redis     *redis.Client
	Node      *snowflake.Node
	Ledger    *ledger.Service
	Config    *config.Config
	Verifiers []Verifier `group:"reward.verifiers"`
}

func NewService(p ServiceParams) (*Service, error) {
	engine, err := celengine.New()
	if err != nil {
		return nil, fmt.Errorf("cel engine: %w", err)
	}

	maxAttempts := int64(defaultMaxAttempts)
	if p.Config.Reward.MaxAttempts > 0 {
		maxAttempts = p.Config.Reward.MaxAttempts
	}
	if p.Config.Reward.TokenSecret == "" {
		zap.L().Warn("reward token secret is empty")
	}

	return &Service{
		db:          p.DB,
		rdb:         p.Redis,
		node:        p.Node,
		ledger:      p.Ledger,
		cel:         engine,
		tokens:      NewTokenIssuer(p.Config.Reward.TokenSecret),
		verifiers:   NewRegistry(p.Verifiers...),
		maxAttempts: maxAttempts,
		clock:       time.Now,
		pick:        rand.IntN,
		users:       repository.ProvideStore[ledger.User](p.DB),
		views:       repository.ProvideStore[AdsView](p.DB),
		logs:        repository.ProvideStore[RewardLog](p.DB),
	}, nil
}

func (s *Service) now() time.Time {
	return s.clock().UTC()
}

// CreateSession picks a random eligible block for placement and issues a
// proof token for it.
func (s *Service) CreateSession(ctx context.Context, userID, placement, taskType string) (*SessionTicket, error) {
	if userID == "" || placement == "" {
		return nil, errutil.BadRequest("user id and placement are required", nil)
	}
	log := zap.L().With(zap.String("user_id", userID), zap.String("placement", placement))

	user, err := s.users.FindOne(ctx, &ledger.User{ID: userID})
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, ledger.ErrUserNotFound
	}

	now := s.now()
	blocks, err := s.eligibleBlocks(ctx, user, placement, taskType, now)
	if err != nil {
		log.Error("failed to load ad blocks", zap.Error(err))
		return nil, err
	}
	if len(blocks) == 0 {
		return nil, ErrNoEligibleBlock
	}
	block := blocks[s.pick(len(blocks))]

	duration := time.Duration(block.DurationSeconds) * time.Second
	if duration <= 0 {
		duration = defaultDuration
	}

	sess := Session{
		ID:         uuid.NewString(),
		UserID:     user.ID,
		BlockID:    block.ID,
		BlockKey:   block.BlockKey,
		NetworkKey: block.NetworkKey,
		Rewards: Rewards{
			Traffic: block.RewardTraffic,
			Stars:   block.RewardStars,
			Tickets: block.RewardTickets,
		},
		CreatedAt: now,
		ExpiresAt: now.Add(duration),
	}

	if err := s.views.Create(ctx, &AdsView{
		ID:            s.node.Generate().String(),
		SessionID:     sess.ID,
		UserID:        user.ID,
		BlockID:       block.ID,
		NetworkKey:    block.NetworkKey,
		RewardTraffic: sess.Rewards.Traffic,
		RewardStars:   sess.Rewards.Stars,
		RewardTickets: sess.Rewards.Tickets,
		CreatedAt:     now,
	}); err != nil {
		log.Error("failed to create ads view", zap.Error(err))
		return nil, err
	}

	raw, err := json.Marshal(sess)
	if err != nil {
		return nil, err
	}
	if err := s.rdb.Set(ctx, rediskey.BuildAdsSessionKey(sess.ID), raw, duration).Err(); err != nil {
		log.Error("failed to store reward session", zap.Error(err))
		return nil, err
	}

	token, err := s.tokens.Issue(sess.ID, user.ID, now, sess.ExpiresAt)
	if err != nil {
		return nil, err
	}

	sessionsCreated.Inc()
	log.Info("reward session created",
		zap.String("block_key", block.BlockKey),
		zap.String("network_key", block.NetworkKey),
		zap.Duration("duration", duration),
	)

	return &SessionTicket{
		ProofToken: token,
		Rewards:    sess.Rewards,
		Duration:   duration,
		ExpiresAt:  sess.ExpiresAt,
	}, nil
}

// conditionUser and conditionBlock are the variables visible to block
// conditions as `user` and `block`.
type conditionUser struct {
	UserID       string `json:"user_id"`
	IsPremium    bool   `json:"is_premium"`
	LanguageCode string `json:"language_code"`
}

type conditionBlock struct {
	BlockKey   string `json:"block_key"`
	Placement  string `json:"placement"`
	TaskType   string `json:"task_type"`
	NetworkKey string `json:"network_key"`
}

func (s *Service) eligibleBlocks(ctx context.Context, user *ledger.User, placement, taskType string, now time.Time) ([]eligibleBlock, error) {
	q := s.db.WithContext(ctx).
		Table("ads_blocks").
		Select("ads_blocks.*, ads_networks.key AS network_key").
		Joins("JOIN ads_networks ON ads_networks.id = ads_blocks.network_id").
		Where("ads_blocks.is_active = ? AND ads_networks.is_active = ?", true, true).
		Where("ads_blocks.placement = ?", placement)
	if taskType != "" {
		q = q.Where("ads_blocks.task_type = ?", taskType)
	}

	var candidates []eligibleBlock
	if err := q.Order("ads_blocks.id").Scan(&candidates).Error; err != nil {
		return nil, err
	}

	userAttrs := celengine.StructToMap(conditionUser{
		UserID:       user.ID,
		IsPremium:    user.IsPremium,
		LanguageCode: user.LanguageCode,
	})

	out := candidates[:0]
	for _, b := range candidates {
		ok, err := s.cel.Evaluate(b.Condition, map[string]any{
			"user": userAttrs,
			"block": celengine.StructToMap(conditionBlock{
				BlockKey:   b.BlockKey,
				Placement:  b.Placement,
				TaskType:   b.TaskType,
				NetworkKey: b.NetworkKey,
			}),
			"now": now.Unix(),
		})
		if err != nil {
			zap.L().Warn("ad block condition failed, skipping block",
				zap.String("block_id", b.ID),
				zap.String("condition", b.Condition),
				zap.Error(err),
			)
			continue
		}
		if ok {
			out = append(out, b)
		}
	}
	return out, nil
}

// ConfirmSession grants the session rewards at most once. Expected rejections
// come back as an Outcome; only infrastructure failures are errors.
func (s *Service) ConfirmSession(ctx context.Context, userID, proofToken string, evidence map[string]string) (*Outcome, error) {
	now := s.now()

	claims, err := s.tokens.Parse(proofToken, now)
	if err != nil {
		zap.L().Info("reward proof token rejected", zap.String("user_id", userID), zap.Error(err))
		return reject(ReasonInvalidToken), nil
	}
	sid := claims.SessionID
	log := zap.L().With(zap.String("user_id", userID), zap.String("session_id", sid))

	if claims.UserID != userID {
		log.Warn("reward session claimed by another user", zap.String("token_user_id", claims.UserID))
		return reject(ReasonSessionMismatch), nil
	}

	s.recordAttempt(ctx, log, sid, attempt{UserID: userID, At: now, Evidence: evidence})

	sess, err := s.loadSession(ctx, sid)
	if err != nil {
		log.Error("failed to load reward session", zap.Error(err))
		return nil, err
	}
	if sess == nil {
		return reject(ReasonSessionExpired), nil
	}
	if sess.UserID != userID {
		return reject(ReasonSessionMismatch), nil
	}

	if err := s.verifiers.For(sess.NetworkKey).Verify(ctx, *sess, evidence); err != nil {
		log.Warn("reward verification failed", zap.String("network_key", sess.NetworkKey), zap.Error(err))
		return reject(ReasonVerificationFailed), nil
	}

	usedKey := rediskey.BuildAdsUsedKey(sid)
	used, err := s.rdb.Exists(ctx, usedKey).Result()
	if err != nil {
		log.Error("failed to check reward marker", zap.Error(err))
		return nil, err
	}
	if used > 0 {
		return reject(ReasonAlreadyUsed), nil
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&AdsView{}).
			Where("session_id = ? AND is_claimed = ?", sid, false).
			Updates(map[string]any{"is_claimed": true, "claimed_at": now})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errAlreadyClaimed
		}

		credit := ledger.RewardCredit{
			Traffic: sess.Rewards.Traffic,
			Stars:   sess.Rewards.Stars,
			Tickets: sess.Rewards.Tickets,
		}
		if err := s.ledger.CreditReward(ctx, tx, userID, credit, rewardSource+":"+sid); err != nil {
			return err
		}

		return s.logs.WithTrx(tx).Create(ctx, &RewardLog{
			ID:        s.node.Generate().String(),
			UserID:    userID,
			SessionID: sid,
			Traffic:   sess.Rewards.Traffic,
			Stars:     sess.Rewards.Stars,
			Tickets:   sess.Rewards.Tickets,
			Source:    rewardSource,
			CreatedAt: now,
		})
	})
	if errors.Is(err, errAlreadyClaimed) {
		return reject(ReasonAlreadyUsed), nil
	}
	if err != nil {
		log.Error("failed to grant reward", zap.Error(err))
		return nil, err
	}

	ttl := sess.ExpiresAt.Sub(now)
	if ttl < time.Second {
		ttl = time.Second
	}
	if err := s.rdb.Set(ctx, usedKey, now.Format(time.RFC3339), ttl).Err(); err != nil {
		log.Warn("failed to set reward marker, claimed row still blocks regrant", zap.Error(err))
	}

	confirmations.WithLabelValues("granted").Inc()
	log.Info("reward granted",
		zap.Int64("traffic", sess.Rewards.Traffic),
		zap.String("stars", sess.Rewards.Stars.String()),
		zap.String("tickets", sess.Rewards.Tickets.String()),
	)

	rewards := sess.Rewards
	return &Outcome{Granted: true, Rewards: &rewards}, nil
}

func reject(reason string) *Outcome {
	confirmations.WithLabelValues(reason).Inc()
	return &Outcome{Granted: false, Reason: reason}
}

func (s *Service) loadSession(ctx context.Context, sid string) (*Session, error) {
	raw, err := s.rdb.Get(ctx, rediskey.BuildAdsSessionKey(sid)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var sess Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &sess, nil
}

func (s *Service) recordAttempt(ctx context.Context, log *zap.Logger, sid string, a attempt) {
	raw, err := json.Marshal(a)
	if err != nil {
		return
	}

	key := rediskey.BuildAdsAttemptsKey(sid)
	_, err = s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, key, raw)
		pipe.LTrim(ctx, key, 0, s.maxAttempts-1)
		pipe.Expire(ctx, key, attemptsTTL)
		return nil
	})
	if err != nil {
		log.Warn("failed to record reward attempt", zap.Error(err))
	}
}
