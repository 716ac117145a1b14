package sequence

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bwmarrin/snowflake"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestNextPaymentToken(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	g := NewRedisGenerator(Params{Redis: rdb}).(*RedisGenerator)
	g.now = func() time.Time { return time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC) }

	first, err := g.NextPaymentToken(context.Background())
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(first, "PAY-240101-001"), first)

	second, err := g.NextPaymentToken(context.Background())
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(second, "PAY-240101-002"), second)
	require.Len(t, first, len("PAY-240101-001")+tokenSuffixLen)
	require.NotEqual(t, first[len(first)-tokenSuffixLen:], second[len(second)-tokenSuffixLen:])

	require.True(t, mr.Exists("seq:PAY:240101"))
	require.Greater(t, mr.TTL("seq:PAY:240101"), time.Duration(0))
}

func TestNextPaymentTokenFallsBackToSnowflake(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })
	mr.Close()

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	g := NewRedisGenerator(Params{Redis: rdb, Node: node})
	token, err := g.NextPaymentToken(context.Background())
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(token, "PAY-"), token)
}
