package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRedis struct {
	vals    map[string]string
	ttls    map[string]time.Duration
	setErr  error
	deleted []string
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{vals: make(map[string]string), ttls: make(map[string]time.Duration)}
}

func (f *fakeRedis) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd {
	if f.setErr != nil {
		cmd := redis.NewBoolCmd(ctx)
		cmd.SetErr(f.setErr)
		return cmd
	}
	if _, ok := f.vals[key]; ok {
		return redis.NewBoolResult(false, nil)
	}
	f.vals[key] = value.(string)
	f.ttls[key] = expiration
	return redis.NewBoolResult(true, nil)
}

func (f *fakeRedis) Set(_ context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	if f.setErr != nil {
		return redis.NewStatusResult("", f.setErr)
	}
	f.vals[key] = value.(string)
	f.ttls[key] = expiration
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) Get(_ context.Context, key string) *redis.StringCmd {
	v, ok := f.vals[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeRedis) Del(_ context.Context, keys ...string) *redis.IntCmd {
	var n int64
	for _, k := range keys {
		if _, ok := f.vals[k]; ok {
			delete(f.vals, k)
			delete(f.ttls, k)
			n++
		}
		f.deleted = append(f.deleted, k)
	}
	return redis.NewIntResult(n, nil)
}

func TestRedisEventLedger_ClaimThenConfirm(t *testing.T) {
	rdb := newFakeRedis()
	ledger := NewRedisEventLedger(rdb, 5*time.Minute, 72*time.Hour)
	ctx := context.Background()
	key := "stripe:event:evt_1"

	ok, err := ledger.Claim(ctx, "evt_1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "processing", rdb.vals[key])
	assert.Equal(t, 5*time.Minute, rdb.ttls[key])

	ok, err = ledger.Claim(ctx, "evt_1")
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrEventInProgress)

	require.NoError(t, ledger.Confirm(ctx, "evt_1"))
	assert.Equal(t, "done", rdb.vals[key])
	assert.Equal(t, 72*time.Hour, rdb.ttls[key])

	ok, err = ledger.Claim(ctx, "evt_1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisEventLedger_ReleaseAllowsReclaim(t *testing.T) {
	rdb := newFakeRedis()
	ledger := NewRedisEventLedger(rdb, time.Minute, time.Hour)
	ctx := context.Background()

	_, _ = ledger.Claim(ctx, "evt_1")
	require.NoError(t, ledger.Release(ctx, "evt_1"))
	assert.Equal(t, []string{"stripe:event:evt_1"}, rdb.deleted)

	ok, err := ledger.Claim(ctx, "evt_1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisEventLedger_Error(t *testing.T) {
	rdb := newFakeRedis()
	rdb.setErr = errors.New("connection refused")
	ledger := NewRedisEventLedger(rdb, time.Minute, time.Hour)

	ok, err := ledger.Claim(context.Background(), "evt_1")
	assert.False(t, ok)
	assert.ErrorContains(t, err, "connection refused")
	assert.ErrorContains(t, ledger.Confirm(context.Background(), "evt_1"), "connection refused")
}

func TestMemoryEventLedger_Expiry(t *testing.T) {
	ledger := NewMemoryEventLedger(time.Minute, time.Hour)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	ledger.now = func() time.Time { return now }
	ctx := context.Background()

	ok, _ := ledger.Claim(ctx, "evt_1")
	assert.True(t, ok)
	require.NoError(t, ledger.Confirm(ctx, "evt_1"))
	ok, err := ledger.Claim(ctx, "evt_1")
	require.NoError(t, err)
	assert.False(t, ok)

	now = now.Add(30 * time.Minute)
	ok, _ = ledger.Claim(ctx, "evt_1")
	assert.False(t, ok, "confirmed events are kept for the full ttl")

	now = now.Add(time.Hour)
	ok, _ = ledger.Claim(ctx, "evt_1")
	assert.True(t, ok, "expired events are forgotten")
}

// A claim that is never confirmed or released stops blocking once the processing ttl passes.
func TestMemoryEventLedger_AbandonedClaimExpires(t *testing.T) {
	ledger := NewMemoryEventLedger(time.Minute, time.Hour)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	ledger.now = func() time.Time { return now }
	ctx := context.Background()

	ok, _ := ledger.Claim(ctx, "evt_1")
	assert.True(t, ok)

	_, err := ledger.Claim(ctx, "evt_1")
	assert.ErrorIs(t, err, ErrEventInProgress)

	now = now.Add(2 * time.Minute)
	ok, err = ledger.Claim(ctx, "evt_1")
	require.NoError(t, err)
	assert.True(t, ok)
}
