package routing

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clock "k8s.io/utils/clock/testing"

	"github.com/armadaproject/jobfleet/internal/common/armadacontext"
	"github.com/armadaproject/jobfleet/internal/jobfleet/registry"
)

const ttl = 10 * time.Second

func TestRoute(t *testing.T) {
	clk := clock.NewFakeClock(time.Now())
	connections := registry.NewInMemoryConnectionRegistry(ttl, clk)
	directory := NewStaticNodeDirectory(map[string]string{"nodeA": "10.0.0.1:8080"})
	router := NewRouter(connections, directory, "nodeB", time.Minute)
	ctx := armadacontext.Background()

	require.NoError(t, connections.Claim(ctx, "job-owned", "nodeA"))
	require.NoError(t, connections.Claim(ctx, "job-unknown-node", "nodeZ"))

	tests := map[string]struct {
		jobId           string
		expectedAddress string
		expectedOk      bool
	}{
		"owned by known node":  {jobId: "job-owned", expectedAddress: "10.0.0.1:8080", expectedOk: true},
		"owner has no address": {jobId: "job-unknown-node", expectedOk: false},
		"no connection record": {jobId: "job-missing", expectedOk: false},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			address, ok, err := router.Route(ctx, tc.jobId)
			require.NoError(t, err)
			assert.Equal(t, tc.expectedOk, ok)
			assert.Equal(t, tc.expectedAddress, address)
		})
	}
}

func TestRoute_StaleOwnerIsNotRoutable(t *testing.T) {
	clk := clock.NewFakeClock(time.Now())
	connections := registry.NewInMemoryConnectionRegistry(ttl, clk)
	router := NewRouter(connections, NewStaticNodeDirectory(map[string]string{"nodeA": "a:1"}), "nodeB", time.Minute)
	ctx := armadacontext.Background()

	require.NoError(t, connections.Claim(ctx, "job-1", "nodeA"))
	clk.Step(ttl + time.Second)
	_, ok, err := router.Route(ctx, "job-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRoute_CachesAddresses(t *testing.T) {
	clk := clock.NewFakeClock(time.Now())
	connections := registry.NewInMemoryConnectionRegistry(ttl, clk)
	directory := NewStaticNodeDirectory(map[string]string{"nodeA": "old:1"})
	router := NewRouter(connections, directory, "nodeB", time.Hour)
	ctx := armadacontext.Background()

	require.NoError(t, connections.Claim(ctx, "job-1", "nodeA"))
	address, ok, err := router.Route(ctx, "job-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "old:1", address)

	directory.Set("nodeA", "new:1")
	address, _, err = router.Route(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, "old:1", address)
}

func TestIsLocal(t *testing.T) {
	clk := clock.NewFakeClock(time.Now())
	connections := registry.NewInMemoryConnectionRegistry(ttl, clk)
	router := NewRouter(connections, NewStaticNodeDirectory(nil), "nodeA", time.Minute)
	ctx := armadacontext.Background()

	require.NoError(t, connections.Claim(ctx, "mine", "nodeA"))
	require.NoError(t, connections.Claim(ctx, "theirs", "nodeB"))

	local, err := router.IsLocal(ctx, "mine")
	require.NoError(t, err)
	assert.True(t, local)

	local, err = router.IsLocal(ctx, "theirs")
	require.NoError(t, err)
	assert.False(t, local)

	local, err = router.IsLocal(ctx, "nobody")
	require.NoError(t, err)
	assert.False(t, local)
}

func withRedisDirectory(t *testing.T, nodeId string, address string, clk *clock.FakeClock) (*RedisNodeDirectory, *miniredis.Miniredis) {
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisNodeDirectory(client, "test", nodeId, address, ttl, clk), server
}

func TestRedisNodeDirectory(t *testing.T) {
	clk := clock.NewFakeClock(time.Now())
	directory, server := withRedisDirectory(t, "nodeA", "10.0.0.1:8080", clk)
	ctx := armadacontext.Background()

	_, ok, err := directory.Address(ctx, "nodeA")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, directory.Register(ctx))
	address, ok, err := directory.Address(ctx, "nodeA")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "10.0.0.1:8080", address)
	assert.Equal(t, ttl, server.TTL("nodes:test:nodeA"))

	server.FastForward(ttl + time.Second)
	_, ok, err = directory.Address(ctx, "nodeA")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisNodeDirectory_Run(t *testing.T) {
	clk := clock.NewFakeClock(time.Now())
	directory, server := withRedisDirectory(t, "nodeA", "10.0.0.1:8080", clk)

	ctx, cancel := armadacontext.WithCancel(armadacontext.Background())
	done := make(chan error)
	go func() { done <- directory.Run(ctx) }()

	assert.Eventually(t, func() bool { return server.Exists("nodes:test:nodeA") }, time.Second, 5*time.Millisecond)

	// re-registration refreshes the key's ttl
	server.FastForward(ttl / 2)
	assert.Eventually(t, clk.HasWaiters, time.Second, time.Millisecond)
	clk.Step(ttl / 3)
	assert.Eventually(t, func() bool { return server.TTL("nodes:test:nodeA") == ttl }, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.False(t, server.Exists("nodes:test:nodeA"))
}

func TestRedisNodeDirectory_RunRetriesDeregistration(t *testing.T) {
	clk := clock.NewFakeClock(time.Now())
	directory, server := withRedisDirectory(t, "nodeA", "10.0.0.1:8080", clk)

	ctx, cancel := armadacontext.WithCancel(armadacontext.Background())
	done := make(chan error)
	go func() { done <- directory.Run(ctx) }()
	assert.Eventually(t, func() bool { return server.Exists("nodes:test:nodeA") }, time.Second, 5*time.Millisecond)

	// redis rejects commands for a moment while the node shuts down
	server.SetError("LOADING")
	cancel()
	time.Sleep(2 * deregisterTimeout / 10)
	server.SetError("")

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("directory did not stop")
	}
	assert.False(t, server.Exists("nodes:test:nodeA"))
}
