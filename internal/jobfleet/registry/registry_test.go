package registry

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clock "k8s.io/utils/clock/testing"

	"github.com/armadaproject/jobfleet/internal/common/armadacontext"
)

const (
	testTtl          = 10 * time.Second
	testClaimTimeout = time.Second
)

var startTime = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type registryFactory func(t *testing.T, clk *clock.FakeClock) ConnectionRegistry

// Both registries must pass the same behavioural suite.
var factories = map[string]registryFactory{
	"redis": func(t *testing.T, clk *clock.FakeClock) ConnectionRegistry {
		return withRedisRegistry(t, clk)
	},
	"inmemory": func(t *testing.T, clk *clock.FakeClock) ConnectionRegistry {
		return NewInMemoryConnectionRegistry(testTtl, clk)
	},
}

func withRedisRegistry(t *testing.T, clk *clock.FakeClock) *RedisConnectionRegistry {
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisConnectionRegistry(client, "test", testTtl, testClaimTimeout, clk)
}

func forEachRegistry(t *testing.T, test func(t *testing.T, r ConnectionRegistry, clk *clock.FakeClock)) {
	for name, factory := range factories {
		t.Run(name, func(t *testing.T) {
			clk := clock.NewFakeClock(startTime)
			test(t, factory(t, clk), clk)
		})
	}
}

func TestClaim(t *testing.T) {
	forEachRegistry(t, func(t *testing.T, r ConnectionRegistry, clk *clock.FakeClock) {
		ctx := armadacontext.Background()
		require.NoError(t, r.Claim(ctx, "job-1", "nodeA"))

		owner, ok, err := r.Lookup(ctx, "job-1")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "nodeA", owner)

		// idempotent re-claim by the owner
		require.NoError(t, r.Claim(ctx, "job-1", "nodeA"))

		err = r.Claim(ctx, "job-1", "nodeB")
		var alreadyClaimed *ErrAlreadyClaimedByOther
		require.ErrorAs(t, err, &alreadyClaimed)
		assert.Equal(t, "nodeA", alreadyClaimed.Owner)
		assert.Equal(t, "job-1", alreadyClaimed.JobId)

		count, err := r.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, count)
	})
}

func TestClaim_SucceedsOnceOwnerIsStale(t *testing.T) {
	forEachRegistry(t, func(t *testing.T, r ConnectionRegistry, clk *clock.FakeClock) {
		ctx := armadacontext.Background()
		require.NoError(t, r.Claim(ctx, "job-1", "nodeA"))

		clk.Step(testTtl)
		assert.Error(t, r.Claim(ctx, "job-1", "nodeB"), "still fresh at exactly the ttl")

		clk.Step(time.Second)
		require.NoError(t, r.Claim(ctx, "job-1", "nodeB"))
		owner, ok, err := r.Lookup(ctx, "job-1")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "nodeB", owner)
	})
}

func TestClaim_SucceedsAfterExpiry(t *testing.T) {
	forEachRegistry(t, func(t *testing.T, r ConnectionRegistry, clk *clock.FakeClock) {
		ctx := armadacontext.Background()
		require.NoError(t, r.Claim(ctx, "job-1", "nodeA"))
		clk.Step(15 * time.Second)

		expired, err := r.Expire(ctx, clk.Now(), testTtl)
		require.NoError(t, err)
		assert.Equal(t, []string{"job-1"}, expired)

		require.NoError(t, r.Claim(ctx, "job-1", "nodeB"))
	})
}

func TestRefresh(t *testing.T) {
	forEachRegistry(t, func(t *testing.T, r ConnectionRegistry, clk *clock.FakeClock) {
		ctx := armadacontext.Background()
		require.NoError(t, r.Claim(ctx, "job-1", "nodeA"))

		clk.Step(8 * time.Second)
		require.NoError(t, r.Refresh(ctx, "job-1", "nodeA"))

		// 16s after the claim but only 8s after the refresh
		clk.Step(8 * time.Second)
		expired, err := r.Expire(ctx, clk.Now(), testTtl)
		require.NoError(t, err)
		assert.Empty(t, expired)

		owner, ok, err := r.Lookup(ctx, "job-1")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "nodeA", owner)
	})
}

func TestNonOwnerOperationsDoNotMutate(t *testing.T) {
	tests := map[string]func(ctx *armadacontext.Context, r ConnectionRegistry) error{
		"refresh": func(ctx *armadacontext.Context, r ConnectionRegistry) error {
			return r.Refresh(ctx, "job-1", "nodeB")
		},
		"release": func(ctx *armadacontext.Context, r ConnectionRegistry) error {
			return r.Release(ctx, "job-1", "nodeB")
		},
	}
	for name, op := range tests {
		t.Run(name, func(t *testing.T) {
			forEachRegistry(t, func(t *testing.T, r ConnectionRegistry, clk *clock.FakeClock) {
				ctx := armadacontext.Background()
				require.NoError(t, r.Claim(ctx, "job-1", "nodeA"))
				clk.Step(9 * time.Second)

				err := op(ctx, r)
				var notOwner *ErrNotOwner
				require.ErrorAs(t, err, &notOwner)
				assert.Equal(t, "nodeA", notOwner.Owner)
				assert.Equal(t, "nodeB", notOwner.Caller)

				// a non-owner refresh must not have extended the record: it expires on the original schedule
				owner, ok, err := r.Lookup(ctx, "job-1")
				require.NoError(t, err)
				assert.True(t, ok)
				assert.Equal(t, "nodeA", owner)

				clk.Step(2 * time.Second)
				expired, err := r.Expire(ctx, clk.Now(), testTtl)
				require.NoError(t, err)
				assert.Equal(t, []string{"job-1"}, expired)
			})
		})
	}
}

func TestRefreshAndReleaseWithoutRecord(t *testing.T) {
	forEachRegistry(t, func(t *testing.T, r ConnectionRegistry, clk *clock.FakeClock) {
		ctx := armadacontext.Background()
		var notOwner *ErrNotOwner
		assert.ErrorAs(t, r.Refresh(ctx, "missing", "nodeA"), &notOwner)
		assert.Equal(t, "", notOwner.Owner)
		assert.ErrorAs(t, r.Release(ctx, "missing", "nodeA"), &notOwner)

		count, err := r.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, count)
	})
}

func TestRelease(t *testing.T) {
	forEachRegistry(t, func(t *testing.T, r ConnectionRegistry, clk *clock.FakeClock) {
		ctx := armadacontext.Background()
		require.NoError(t, r.Claim(ctx, "job-1", "nodeA"))
		require.NoError(t, r.Release(ctx, "job-1", "nodeA"))

		_, ok, err := r.Lookup(ctx, "job-1")
		require.NoError(t, err)
		assert.False(t, ok)

		// releasing twice leaves the registry as releasing once
		var notOwner *ErrNotOwner
		assert.ErrorAs(t, r.Release(ctx, "job-1", "nodeA"), &notOwner)
		count, err := r.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, count)

		// another node may now claim immediately
		require.NoError(t, r.Claim(ctx, "job-1", "nodeB"))
	})
}

func TestExpire(t *testing.T) {
	forEachRegistry(t, func(t *testing.T, r ConnectionRegistry, clk *clock.FakeClock) {
		ctx := armadacontext.Background()
		require.NoError(t, r.Claim(ctx, "job-old-1", "nodeA"))
		require.NoError(t, r.Claim(ctx, "job-old-2", "nodeB"))
		clk.Step(5 * time.Second)
		require.NoError(t, r.Claim(ctx, "job-new", "nodeA"))
		clk.Step(10 * time.Second)

		expired, err := r.Expire(ctx, clk.Now(), testTtl)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"job-old-1", "job-old-2"}, expired)

		// idempotent
		expired, err = r.Expire(ctx, clk.Now(), testTtl)
		require.NoError(t, err)
		assert.Empty(t, expired)

		count, err := r.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, count)
	})
}

func TestLookup_StaleRecordIsNotLive(t *testing.T) {
	forEachRegistry(t, func(t *testing.T, r ConnectionRegistry, clk *clock.FakeClock) {
		ctx := armadacontext.Background()
		require.NoError(t, r.Claim(ctx, "job-1", "nodeA"))
		clk.Step(11 * time.Second)
		_, ok, err := r.Lookup(ctx, "job-1")
		require.NoError(t, err)
		assert.False(t, ok)

		_, ok, err = r.Lookup(ctx, "never-claimed")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestConcurrentClaim_ExactlyOneWins(t *testing.T) {
	forEachRegistry(t, func(t *testing.T, r ConnectionRegistry, clk *clock.FakeClock) {
		for i := 0; i < 20; i++ {
			jobId := fmt.Sprintf("job-%d", i)
			nodes := []string{"nodeA", "nodeB"}
			errs := make([]error, len(nodes))
			start := make(chan struct{})
			wg := sync.WaitGroup{}
			for n, node := range nodes {
				wg.Add(1)
				go func(n int, node string) {
					defer wg.Done()
					<-start
					errs[n] = r.Claim(armadacontext.Background(), jobId, node)
				}(n, node)
			}
			close(start)
			wg.Wait()

			winners := 0
			losers := 0
			for _, err := range errs {
				var alreadyClaimed *ErrAlreadyClaimedByOther
				switch {
				case err == nil:
					winners++
				case errors.As(err, &alreadyClaimed):
					losers++
				default:
					t.Fatalf("unexpected error %v", err)
				}
			}
			assert.Equal(t, 1, winners, jobId)
			assert.Equal(t, 1, losers, jobId)
		}
	})
}

func TestRedisRegistry_Unavailable(t *testing.T) {
	clk := clock.NewFakeClock(startTime)
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr(), MaxRetries: -1})
	defer client.Close()
	r := NewRedisConnectionRegistry(client, "test", testTtl, testClaimTimeout, clk)
	server.Close()

	ctx := armadacontext.Background()
	var unavailable *ErrRegistryUnavailable
	assert.ErrorAs(t, r.Claim(ctx, "job-1", "nodeA"), &unavailable)
	assert.Equal(t, "claim", unavailable.Op)
	assert.ErrorAs(t, r.Refresh(ctx, "job-1", "nodeA"), &unavailable)
	assert.ErrorAs(t, r.Release(ctx, "job-1", "nodeA"), &unavailable)
	_, _, err := r.Lookup(ctx, "job-1")
	assert.ErrorAs(t, err, &unavailable)
	_, err = r.Expire(ctx, clk.Now(), testTtl)
	assert.ErrorAs(t, err, &unavailable)
	_, err = r.Count(ctx)
	assert.ErrorAs(t, err, &unavailable)
}

func TestRedisRegistry_Namespaces(t *testing.T) {
	clk := clock.NewFakeClock(startTime)
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	defer client.Close()
	a := NewRedisConnectionRegistry(client, "a", testTtl, testClaimTimeout, clk)
	b := NewRedisConnectionRegistry(client, "b", testTtl, testClaimTimeout, clk)

	ctx := armadacontext.Background()
	require.NoError(t, a.Claim(ctx, "job-1", "nodeA"))
	require.NoError(t, b.Claim(ctx, "job-1", "nodeB"))
	assert.True(t, server.Exists("connections:a"))
	assert.True(t, server.Exists("connections:a:seen"))
	assert.True(t, server.Exists("connections:b"))
}
