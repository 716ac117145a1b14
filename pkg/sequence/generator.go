package sequence

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"vpnhub/pkg/rediskey"

	"github.com/bwmarrin/snowflake"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
)

var Module = fx.Module("sequence",
	fx.Provide(NewRedisGenerator),
)

type Generator interface {
	// NextPaymentToken returns a human readable token like PAY-240101-00AXY.
	NextPaymentToken(ctx context.Context) (string, error)
}

type RedisGenerator struct {
	rdb  *redis.Client
	node *snowflake.Node
	now  func() time.Time
}

type Params struct {
	fx.In

	Redis *redis.Client
	Node  *snowflake.Node
}

func NewRedisGenerator(p Params) Generator {
	return &RedisGenerator{
		rdb:  p.Redis,
		node: p.Node,
		now:  time.Now,
	}
}

func (g *RedisGenerator) NextPaymentToken(ctx context.Context) (string, error) {
	return g.nextDailyCode(ctx, "PAY")
}

func (g *RedisGenerator) nextDailyCode(ctx context.Context, prefix string) (string, error) {
	now := g.now().UTC()
	today := now.Format("060102")
	key := rediskey.BuildSequenceKey(prefix, today)

	seq, err := g.rdb.Incr(ctx, key).Result()
	if err != nil {
		// counter unavailable, fall back to the snowflake id so invoices keep flowing
		if g.node == nil {
			return "", err
		}
		return fmt.Sprintf("%s-%s-%s", prefix, today, g.node.Generate().Base36()), nil
	}

	if seq == 1 {
		endOfDay := now.Truncate(24 * time.Hour).Add(24 * time.Hour)
		_ = g.rdb.Expire(ctx, key, endOfDay.Sub(now)+time.Hour).Err()
	}

	encodedSeq := strings.ToUpper(fmt.Sprintf("%03s", strconv.FormatInt(seq, 36)))
	randSuffix, err := randomAlphaNumeric(tokenSuffixLen)
	if err != nil {
		return "", err
	}

	return fmt.Sprintf("%s-%s-%s%s", prefix, today, encodedSeq, randSuffix), nil
}

// tokenSuffixLen random characters keep tokens unguessable from the daily sequence.
const tokenSuffixLen = 8

func randomAlphaNumeric(n int) (string, error) {
	const chars = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	b := make([]byte, n)
	for i := range b {
		num, err := rand.Int(rand.Reader, big.NewInt(int64(len(chars))))
		if err != nil {
			return "", err
		}
		b[i] = chars[num.Int64()]
	}
	return string(b), nil
}
