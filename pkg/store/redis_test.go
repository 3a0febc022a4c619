package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/stakeplan/pkg/plan"
)

// TestRedisStore_Integration requires a running Redis.
// We skip if connection fails.
func TestRedisStore_Integration(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	defer func() { _ = client.Close() }()
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skip("Skipping Redis integration test: redis not available")
	}

	prefix := fmt.Sprintf("stakeplan-test-%d", time.Now().UnixNano())
	s := NewRedisStore(client, prefix)
	t.Cleanup(func() {
		keys, _ := client.Keys(ctx, prefix+":*").Result()
		if len(keys) > 0 {
			_ = client.Del(ctx, keys...).Err()
		}
	})

	p := samplePlan("alice", 1)
	require.NoError(t, s.Create(ctx, p))
	assert.ErrorIs(t, s.Create(ctx, p), plan.ErrDuplicate)

	got, version, err := s.Get(ctx, p.Key())
	require.NoError(t, err)
	assert.Equal(t, int64(1), version)
	assert.Equal(t, p, got)

	next := p.Clone()
	next.IsActive = true
	require.NoError(t, s.Update(ctx, next, 1))
	assert.ErrorIs(t, s.Update(ctx, p, 1), plan.ErrConflict)
	assert.ErrorIs(t, s.Update(ctx, samplePlan("alice", 9), 1), plan.ErrNotFound)

	_, _, err = s.Get(ctx, plan.Key{Owner: "alice", ID: 9})
	assert.ErrorIs(t, err, plan.ErrNotFound)

	require.NoError(t, s.Create(ctx, samplePlan("alice", 2)))
	plans, err := s.ListByOwner(ctx, "alice", 10)
	require.NoError(t, err)
	require.Len(t, plans, 2)
	assert.True(t, plans[0].IsActive)
}

func TestRedisStore_Keys(t *testing.T) {
	s := NewRedisStore(nil, "")
	assert.Equal(t, "stakeplan:plan:alice:7", s.planKey(plan.Key{Owner: "alice", ID: 7}))
	assert.Equal(t, "stakeplan:owner:alice", s.ownerKey("alice"))
}
