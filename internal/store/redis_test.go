package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupRedisStore creates a miniredis instance and returns a connected store.
func setupRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	s, err := NewRedisStore(RedisOptions{
		URL:            fmt.Sprintf("redis://%s", mr.Addr()),
		ConnectTimeout: 5 * time.Second,
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = s.Close()
		mr.Close()
	})
	return s, mr
}

func TestRedisStore(t *testing.T) {
	s, _ := setupRedisStore(t)
	testPlanStore(t, s)
}

func TestRedisStoreKeys(t *testing.T) {
	s, mr := setupRedisStore(t)
	ctx := context.Background()

	p := newTestPlan("Audit my account")
	require.NoError(t, s.SavePlan(ctx, p))
	require.NoError(t, s.AcquireLease(ctx, p.ID, "worker-a", 30*time.Second))

	assert.True(t, mr.Exists("mission:plan:"+p.ID))
	assert.True(t, mr.Exists("mission:plan:"+p.ID+":lease"))
	members, err := mr.ZMembers("mission:plans")
	require.NoError(t, err)
	assert.Contains(t, members, p.ID)

	// Lease expiry frees the plan for another owner.
	mr.FastForward(31 * time.Second)
	assert.NoError(t, s.AcquireLease(ctx, p.ID, "worker-b", 30*time.Second))
}

func TestNewRedisStoreErrors(t *testing.T) {
	t.Run("connection failure", func(t *testing.T) {
		_, err := NewRedisStore(RedisOptions{
			URL:            "redis://localhost:99999",
			ConnectTimeout: 100 * time.Millisecond,
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to connect to Redis")
	})

	t.Run("invalid URL", func(t *testing.T) {
		_, err := NewRedisStore(RedisOptions{URL: "invalid://url"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to parse Redis URL")
	})
}
