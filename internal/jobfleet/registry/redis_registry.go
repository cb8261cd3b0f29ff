package registry

import (
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"k8s.io/utils/clock"

	"github.com/armadaproject/jobfleet/internal/common/armadacontext"
)

const (
	connectionsPrefix = "connections:"
	seenSuffix        = ":seen"
	expireBatchSize   = 1000
)

// KEYS[1] owner hash, KEYS[2] last-seen sorted set. ARGV: jobId, nodeId, nowMs, ttlMs.
// Returns {1, owner} on success or {0, owner} when a different node holds a fresh record.
var claimScript = redis.NewScript(`
local owner = redis.call('HGET', KEYS[1], ARGV[1])
if owner and owner ~= ARGV[2] then
  local seen = redis.call('ZSCORE', KEYS[2], ARGV[1])
  if seen and (tonumber(ARGV[3]) - tonumber(seen)) <= tonumber(ARGV[4]) then
    return {0, owner}
  end
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[1])
return {1, ARGV[2]}
`)

// ARGV: jobId, nodeId, nowMs. Returns {1, owner} or {0, currentOwnerOrEmpty}.
var refreshScript = redis.NewScript(`
local owner = redis.call('HGET', KEYS[1], ARGV[1])
if owner ~= ARGV[2] then
  return {0, owner or ''}
end
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[1])
return {1, owner}
`)

// ARGV: jobId, nodeId. Returns {1, owner} or {0, currentOwnerOrEmpty}.
var releaseScript = redis.NewScript(`
local owner = redis.call('HGET', KEYS[1], ARGV[1])
if owner ~= ARGV[2] then
  return {0, owner or ''}
end
redis.call('HDEL', KEYS[1], ARGV[1])
redis.call('ZREM', KEYS[2], ARGV[1])
return {1, owner}
`)

// ARGV: cutoffMs, limit. Removes up to limit records last seen strictly before cutoffMs and returns their job ids.
var expireScript = redis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', '(' .. ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, jobId in ipairs(expired) do
  redis.call('HDEL', KEYS[1], jobId)
  redis.call('ZREM', KEYS[2], jobId)
end
return expired
`)

// RedisConnectionRegistry stores connection records in redis: a hash of job id to owning node plus a sorted set of
// job ids scored by last seen time in milliseconds. Every mutation is a single Lua script so the ownership check and
// the write happen atomically in one round trip.
type RedisConnectionRegistry struct {
	db           redis.UniversalClient
	ownerKey     string
	seenKey      string
	ttl          time.Duration
	claimTimeout time.Duration
	clock        clock.PassiveClock
}

func NewRedisConnectionRegistry(
	db redis.UniversalClient,
	namespace string,
	ttl time.Duration,
	claimTimeout time.Duration,
	clk clock.PassiveClock,
) *RedisConnectionRegistry {
	ownerKey := connectionsPrefix + namespace
	return &RedisConnectionRegistry{
		db:           db,
		ownerKey:     ownerKey,
		seenKey:      ownerKey + seenSuffix,
		ttl:          ttl,
		claimTimeout: claimTimeout,
		clock:        clk,
	}
}

func (r *RedisConnectionRegistry) Claim(ctx *armadacontext.Context, jobId string, nodeId string) (err error) {
	defer func() { recordOutcome("claim", err) }()
	ok, owner, err := r.runOwnershipScript(ctx, "claim", claimScript,
		jobId, nodeId, r.clock.Now().UnixMilli(), r.ttl.Milliseconds())
	if err != nil {
		return err
	}
	if !ok {
		return errors.WithStack(&ErrAlreadyClaimedByOther{JobId: jobId, Owner: owner})
	}
	return nil
}

func (r *RedisConnectionRegistry) Refresh(ctx *armadacontext.Context, jobId string, nodeId string) (err error) {
	defer func() { recordOutcome("refresh", err) }()
	ok, owner, err := r.runOwnershipScript(ctx, "refresh", refreshScript, jobId, nodeId, r.clock.Now().UnixMilli())
	if err != nil {
		return err
	}
	if !ok {
		return errors.WithStack(&ErrNotOwner{JobId: jobId, Caller: nodeId, Owner: owner})
	}
	return nil
}

func (r *RedisConnectionRegistry) Release(ctx *armadacontext.Context, jobId string, nodeId string) (err error) {
	defer func() { recordOutcome("release", err) }()
	ok, owner, err := r.runOwnershipScript(ctx, "release", releaseScript, jobId, nodeId)
	if err != nil {
		return err
	}
	if !ok {
		return errors.WithStack(&ErrNotOwner{JobId: jobId, Caller: nodeId, Owner: owner})
	}
	return nil
}

func (r *RedisConnectionRegistry) Lookup(ctx *armadacontext.Context, jobId string) (string, bool, error) {
	ctx, cancel := armadacontext.WithTimeout(ctx, r.claimTimeout)
	defer cancel()

	var ownerCmd *redis.StringCmd
	var seenCmd *redis.FloatCmd
	_, err := r.db.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		ownerCmd = pipe.HGet(ctx, r.ownerKey, jobId)
		seenCmd = pipe.ZScore(ctx, r.seenKey, jobId)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return "", false, unavailable("lookup", err)
	}
	owner, err := ownerCmd.Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	} else if err != nil {
		return "", false, unavailable("lookup", err)
	}
	seen, err := seenCmd.Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	} else if err != nil {
		return "", false, unavailable("lookup", err)
	}
	if !isFresh(time.UnixMilli(int64(seen)), r.clock.Now(), r.ttl) {
		return "", false, nil
	}
	return owner, true, nil
}

func (r *RedisConnectionRegistry) Expire(ctx *armadacontext.Context, now time.Time, ttl time.Duration) ([]string, error) {
	cutoff := now.Add(-ttl).UnixMilli()
	expired := make([]string, 0)
	for {
		batch, err := r.expireBatch(ctx, cutoff)
		if err != nil {
			return expired, err
		}
		expired = append(expired, batch...)
		if len(batch) < expireBatchSize {
			return expired, nil
		}
	}
}

func (r *RedisConnectionRegistry) expireBatch(ctx *armadacontext.Context, cutoff int64) ([]string, error) {
	ctx, cancel := armadacontext.WithTimeout(ctx, r.claimTimeout)
	defer cancel()
	result, err := expireScript.Run(ctx, r.db, []string{r.ownerKey, r.seenKey}, cutoff, expireBatchSize).StringSlice()
	if err != nil {
		return nil, unavailable("expire", err)
	}
	return result, nil
}

func (r *RedisConnectionRegistry) Count(ctx *armadacontext.Context) (int, error) {
	ctx, cancel := armadacontext.WithTimeout(ctx, r.claimTimeout)
	defer cancel()
	n, err := r.db.HLen(ctx, r.ownerKey).Result()
	if err != nil {
		return 0, unavailable("count", err)
	}
	return int(n), nil
}

// runOwnershipScript runs one of the ownership scripts, bounded by the claim timeout, and decodes its {ok, owner}
// reply.
func (r *RedisConnectionRegistry) runOwnershipScript(
	ctx *armadacontext.Context,
	op string,
	script *redis.Script,
	args ...interface{},
) (bool, string, error) {
	ctx, cancel := armadacontext.WithTimeout(ctx, r.claimTimeout)
	defer cancel()

	reply, err := script.Run(ctx, r.db, []string{r.ownerKey, r.seenKey}, args...).Slice()
	if err != nil {
		return false, "", unavailable(op, err)
	}
	if len(reply) != 2 {
		return false, "", errors.Errorf("unexpected reply from %s script: %v", op, reply)
	}
	status, ok := reply[0].(int64)
	if !ok {
		return false, "", errors.Errorf("unexpected status from %s script: %v", op, reply[0])
	}
	owner, _ := reply[1].(string)
	return status == 1, owner, nil
}

func unavailable(op string, err error) error {
	return errors.WithStack(&ErrRegistryUnavailable{Op: op, Cause: err})
}
