package statuscache

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/powersol/settlement/settlement/pkg/draw"
	"github.com/powersol/settlement/settlement/pkg/lottery"
	settlementtesting "github.com/powersol/settlement/utils/pkg/testing"
)

type countingSource struct {
	calls atomic.Int32
	err   error
}

func (s *countingSource) Status(context.Context) (draw.StatusView, error) {
	n := s.calls.Add(1)
	if s.err != nil {
		return draw.StatusView{}, s.err
	}
	r := lottery.NewRound(lottery.TriDaily, time.Date(2025, 6, 14, 23, 59, 59, 0, time.UTC))
	r.ID = uint64(n)
	return draw.StatusView{
		Pending:     []draw.PendingRound{{Round: r, TimeUntilDraw: 60}},
		Recent:      []lottery.Round{},
		GeneratedAt: time.Date(2025, 6, 12, 9, 0, 0, 0, time.UTC),
	}, nil
}

func newCache(t *testing.T, src Source) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	c, err := New(Config{Logger: settlementtesting.NewLogger(), Client: client, Source: src, TTL: 10 * time.Second})
	require.NoError(t, err)
	return c, mr
}

func TestSettlement_StatusCache_ServesFromCacheUntilExpiry(t *testing.T) {
	t.Parallel()
	src := &countingSource{}
	c, mr := newCache(t, src)
	ctx := context.Background()

	first, err := c.Status(ctx)
	require.NoError(t, err)
	second, err := c.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, int32(1), src.calls.Load())
	require.Equal(t, first.Pending[0].ID, second.Pending[0].ID)
	require.True(t, mr.Exists(DefaultKey))

	mr.FastForward(11 * time.Second)
	third, err := c.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, int32(2), src.calls.Load())
	require.Equal(t, uint64(2), third.Pending[0].ID)
}

func TestSettlement_StatusCache_Invalidate(t *testing.T) {
	t.Parallel()
	src := &countingSource{}
	c, mr := newCache(t, src)
	ctx := context.Background()

	_, err := c.Status(ctx)
	require.NoError(t, err)
	c.Invalidate(ctx)
	require.False(t, mr.Exists(DefaultKey))

	_, err = c.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, int32(2), src.calls.Load())
}

func TestSettlement_StatusCache_CorruptEntryIsRefreshed(t *testing.T) {
	t.Parallel()
	src := &countingSource{}
	c, mr := newCache(t, src)
	require.NoError(t, mr.Set(DefaultKey, "{broken"))

	view, err := c.Status(context.Background())
	require.NoError(t, err)
	require.Len(t, view.Pending, 1)
	require.Equal(t, int32(1), src.calls.Load())
}

func TestSettlement_StatusCache_RedisDownFallsBackToSource(t *testing.T) {
	t.Parallel()
	src := &countingSource{}
	c, mr := newCache(t, src)
	mr.Close()

	view, err := c.Status(context.Background())
	require.NoError(t, err)
	require.Len(t, view.Pending, 1)
}

func TestSettlement_StatusCache_SourceErrorPropagates(t *testing.T) {
	t.Parallel()
	c, mr := newCache(t, &countingSource{err: errors.New("db down")})

	_, err := c.Status(context.Background())
	require.Error(t, err)
	require.False(t, mr.Exists(DefaultKey))
}
