package routing

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"k8s.io/utils/clock"

	"github.com/armadaproject/jobfleet/internal/common/armadacontext"
	"github.com/armadaproject/jobfleet/internal/common/logging"
	"github.com/armadaproject/jobfleet/internal/common/util"
)

const (
	nodesPrefix       = "nodes:"
	deregisterTimeout = time.Second
)

// NodeDirectory translates node ids into connectable addresses.
type NodeDirectory interface {
	Address(ctx *armadacontext.Context, nodeId string) (address string, ok bool, err error)
}

// RedisNodeDirectory keeps one expiring key per node holding its advertised address. Each node registers itself
// and re-registers periodically; a node that stops re-registering disappears once its key expires.
type RedisNodeDirectory struct {
	db        redis.UniversalClient
	namespace string
	nodeId    string
	address   string
	ttl       time.Duration
	clock     clock.WithTicker
}

func NewRedisNodeDirectory(
	db redis.UniversalClient,
	namespace string,
	nodeId string,
	address string,
	ttl time.Duration,
	clk clock.WithTicker,
) *RedisNodeDirectory {
	return &RedisNodeDirectory{
		db:        db,
		namespace: namespace,
		nodeId:    nodeId,
		address:   address,
		ttl:       ttl,
		clock:     clk,
	}
}

func (d *RedisNodeDirectory) key(nodeId string) string {
	return nodesPrefix + d.namespace + ":" + nodeId
}

func (d *RedisNodeDirectory) Address(ctx *armadacontext.Context, nodeId string) (string, bool, error) {
	address, err := d.db.Get(ctx, d.key(nodeId)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.WithStack(err)
	}
	return address, true, nil
}

// Register publishes this node's address with the directory ttl.
func (d *RedisNodeDirectory) Register(ctx *armadacontext.Context) error {
	return errors.WithStack(d.db.Set(ctx, d.key(d.nodeId), d.address, d.ttl).Err())
}

func (d *RedisNodeDirectory) Deregister(ctx *armadacontext.Context) error {
	return errors.WithStack(d.db.Del(ctx, d.key(d.nodeId)).Err())
}

// Run registers this node and re-registers every third of the ttl until ctx is cancelled, at which point the
// registration is removed.
func (d *RedisNodeDirectory) Run(ctx *armadacontext.Context) error {
	ctx = armadacontext.WithLogField(ctx, "service", "NodeDirectory")
	ticker := d.clock.NewTicker(d.ttl / 3)
	defer ticker.Stop()
	for {
		if err := d.Register(ctx); err != nil && ctx.Err() == nil {
			logging.WithStacktrace(ctx.Log, err).Warnf("failed to register node %s", d.nodeId)
		}
		select {
		case <-ctx.Done():
			deregisterCtx, cancel := armadacontext.WithTimeout(armadacontext.Background(), deregisterTimeout)
			defer cancel()
			util.RetryUntilSuccess(
				deregisterCtx,
				func() error { return d.Deregister(deregisterCtx) },
				func(err error) {
					logging.WithStacktrace(ctx.Log, err).Warnf("failed to deregister node %s", d.nodeId)
				},
				deregisterTimeout/10,
			)
			return nil
		case <-ticker.C():
		}
	}
}

// StaticNodeDirectory is a fixed mapping of node ids to addresses, used when running a single node.
type StaticNodeDirectory struct {
	mu        sync.RWMutex
	addresses map[string]string
}

func NewStaticNodeDirectory(addresses map[string]string) *StaticNodeDirectory {
	cp := make(map[string]string, len(addresses))
	for k, v := range addresses {
		cp[k] = v
	}
	return &StaticNodeDirectory{addresses: cp}
}

func (d *StaticNodeDirectory) Address(_ *armadacontext.Context, nodeId string) (string, bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	address, ok := d.addresses[nodeId]
	return address, ok, nil
}

func (d *StaticNodeDirectory) Set(nodeId string, address string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.addresses[nodeId] = address
}
