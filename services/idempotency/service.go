package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"time"

	"vpnhub/pkg/config"
	"vpnhub/pkg/errutil"
	"vpnhub/pkg/middleware"
	"vpnhub/pkg/rediskey"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// ErrGuardContended is wrapped in a Conflict when another execution holds the
// fingerprint and no cached response appeared within the retry budget.
var ErrGuardContended = errors.New("idempotency guard contended")

const (
	defaultRetryAttempts = 10
	defaultRetryInterval = 200 * time.Millisecond
)

type Descriptor struct {
	Method   string
	Path     string
	Body     []byte
	Query    url.Values
	Identity middleware.Identity
}

type Response struct {
	Status      int    `json:"status"`
	ContentType string `json:"content_type,omitempty"`
	Body        []byte `json:"body,omitempty"`
	Replayed    bool   `json:"-"`
}

type Handler func(ctx context.Context) (Response, error)

type Options struct {
	Secret        string
	RetryAttempts int
	RetryInterval time.Duration
}

type Guard struct {
	rdb           redis.UniversalClient
	secret        []byte
	retryAttempts int
	retryInterval time.Duration
}

func New(rdb redis.UniversalClient, opts Options) *Guard {
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = defaultRetryAttempts
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = defaultRetryInterval
	}
	if opts.Secret == "" {
		zap.L().Warn("idempotency secret is empty, fingerprints are unkeyed")
	}
	return &Guard{
		rdb:           rdb,
		secret:        []byte(opts.Secret),
		retryAttempts: opts.RetryAttempts,
		retryInterval: opts.RetryInterval,
	}
}

type Params struct {
	fx.In
	Redis  *redis.Client
	Config *config.Config
}

func NewGuard(p Params) *Guard {
	return New(p.Redis, Options{
		Secret:        p.Config.Idempotency.Secret,
		RetryAttempts: p.Config.Idempotency.RetryAttempts,
		RetryInterval: p.Config.Idempotency.RetryInterval,
	})
}

// Do runs h at most once per fingerprint within ttl and replays its response
// to duplicates. A non-positive ttl disables the guard.
func (g *Guard) Do(ctx context.Context, desc Descriptor, ttl time.Duration, h Handler) (Response, error) {
	if ttl <= 0 {
		passthrough.WithLabelValues("disabled").Inc()
		return h(ctx)
	}

	fp := g.Fingerprint(desc)
	cacheKey := rediskey.BuildIdempotencyCacheKey(fp)
	lockKey := rediskey.BuildIdempotencyLockKey(fp)
	log := zap.L().With(
		zap.String("fingerprint", fp),
		zap.String("method", desc.Method),
		zap.String("path", desc.Path),
	)

	resp, ok, err := g.cached(ctx, cacheKey)
	if err != nil {
		return g.degrade(ctx, log, h, "idempotency cache read failed", err)
	}
	if ok {
		cacheHits.Inc()
		return resp, nil
	}

	acquired, err := g.rdb.SetNX(ctx, lockKey, time.Now().UTC().Format(time.RFC3339Nano), ttl).Result()
	if err != nil {
		return g.degrade(ctx, log, h, "idempotency lock failed", err)
	}

	if !acquired {
		lockContended.Inc()
		return g.wait(ctx, log, cacheKey, lockKey, h)
	}

	g.writeMeta(ctx, log, fp, desc, ttl)

	executions.Inc()
	resp, err = g.invoke(ctx, lockKey, h)
	if err != nil {
		g.release(ctx, log, lockKey)
		return resp, err
	}

	// the cache write must land before the lock is released
	if resp.Status < 500 {
		if b, merr := json.Marshal(resp); merr != nil {
			log.Warn("failed to encode response for idempotency cache", zap.Error(merr))
		} else if serr := g.rdb.Set(ctx, cacheKey, b, ttl).Err(); serr != nil {
			log.Warn("failed to write idempotency cache", zap.Error(serr))
		}
	}
	g.release(ctx, log, lockKey)

	return resp, nil
}

// wait polls the cache while another execution owns the lock. When the
// budget runs out the lock is deleted even though its owner may still be
// running, so a later retry can proceed.
func (g *Guard) wait(ctx context.Context, log *zap.Logger, cacheKey, lockKey string, h Handler) (Response, error) {
	ticker := time.NewTicker(g.retryInterval)
	defer ticker.Stop()

	for i := 0; i < g.retryAttempts; i++ {
		select {
		case <-ctx.Done():
			return Response{}, errutil.ClientClosedRequest("request canceled while waiting for duplicate", ctx.Err())
		case <-ticker.C:
		}

		resp, ok, err := g.cached(ctx, cacheKey)
		if err != nil {
			return g.degrade(ctx, log, h, "idempotency cache poll failed", err)
		}
		if ok {
			cacheHits.Inc()
			return resp, nil
		}
	}

	log.Warn("idempotency wait budget exhausted, releasing lock", zap.Int("attempts", g.retryAttempts))
	g.release(ctx, log, lockKey)
	return Response{}, errutil.Conflict("request with the same fingerprint is still in progress, retry later", ErrGuardContended)
}

func (g *Guard) cached(ctx context.Context, key string) (Response, bool, error) {
	raw, err := g.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Response{}, false, nil
	}
	if err != nil {
		return Response{}, false, err
	}

	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		// unreadable entry is treated as a miss; it expires with its ttl
		return Response{}, false, nil
	}
	resp.Replayed = true
	return resp, true, nil
}

func (g *Guard) invoke(ctx context.Context, lockKey string, h Handler) (resp Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			g.release(ctx, zap.L(), lockKey)
			panic(r)
		}
	}()
	return h(ctx)
}

func (g *Guard) release(ctx context.Context, log *zap.Logger, lockKey string) {
	if err := g.rdb.Del(context.WithoutCancel(ctx), lockKey).Err(); err != nil {
		log.Warn("failed to release idempotency lock", zap.String("lock_key", lockKey), zap.Error(err))
	}
}

func (g *Guard) writeMeta(ctx context.Context, log *zap.Logger, fp string, desc Descriptor, ttl time.Duration) {
	metaKey := rediskey.BuildIdempotencyMetaKey(fp)
	_, err := g.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, metaKey,
			"identity", desc.Identity.Key(),
			"method", strings.ToUpper(desc.Method),
			"path", desc.Path,
			"locked_at", time.Now().UTC().Format(time.RFC3339Nano),
		)
		pipe.Expire(ctx, metaKey, ttl)
		return nil
	})
	if err != nil {
		log.Debug("failed to write idempotency metadata", zap.Error(err))
	}
}

// degrade executes h without deduplication after a store failure, unless the
// failure came from the caller giving up.
func (g *Guard) degrade(ctx context.Context, log *zap.Logger, h Handler, msg string, err error) (Response, error) {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return Response{}, errutil.ClientClosedRequest("request canceled", ctxErr)
	}
	log.Warn(msg+", executing without guard", zap.Error(err))
	return g.passThrough(ctx, h, "store_error")
}

func (g *Guard) passThrough(ctx context.Context, h Handler, reason string) (Response, error) {
	passthrough.WithLabelValues(reason).Inc()
	return h(ctx)
}
