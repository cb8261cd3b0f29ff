package leader

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/armadaproject/jobfleet/internal/common/armadacontext"
	"github.com/armadaproject/jobfleet/internal/jobfleet/configuration"
)

const leaseKeyPrefix = "leader:"

// ARGV: identity, leaseMs. Extends the lease only while identity still holds it.
var renewScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

// ARGV: identity
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisLeaderController holds leadership through a single redis key written with SET NX PX. The holder renews the
// key every RetryPeriod. If the key is taken by someone else, or can't be renewed for RenewDeadline, leadership is
// relinquished and any outstanding token stops validating.
type RedisLeaderController struct {
	db        redis.UniversalClient
	key       string
	identity  string
	config    configuration.LeaderConfig
	clock     clock.WithTicker
	token     atomic.Value
	lastRenew time.Time
	// Holder of the lease as last observed
	currentLeaderLock sync.Mutex
	currentLeader     string
	listeners         []LeaseListener
}

func NewRedisLeaderController(
	db redis.UniversalClient,
	identity string,
	config configuration.LeaderConfig,
	clk clock.WithTicker,
) *RedisLeaderController {
	controller := &RedisLeaderController{
		db:       db,
		key:      leaseKeyPrefix + config.LeaseLockName,
		identity: identity,
		config:   config,
		clock:    clk,
	}
	controller.token.Store(InvalidLeaderToken())
	return controller
}

func (lc *RedisLeaderController) RegisterListener(listener LeaseListener) {
	lc.listeners = append(lc.listeners, listener)
}

func (lc *RedisLeaderController) GetToken() LeaderToken {
	return lc.token.Load().(LeaderToken)
}

func (lc *RedisLeaderController) ValidateToken(tok LeaderToken) bool {
	if tok.leader {
		return lc.token.Load().(LeaderToken).id == tok.id
	}
	return false
}

func (lc *RedisLeaderController) GetLeaderReport() LeaderReport {
	lc.currentLeaderLock.Lock()
	defer lc.currentLeaderLock.Unlock()
	return LeaderReport{
		LeaderName:             lc.currentLeader,
		IsCurrentProcessLeader: lc.currentLeader == lc.identity,
	}
}

// Run tries to acquire or renew the lease every RetryPeriod until ctx is cancelled, at which point a held lease is
// released so another node can take over without waiting for it to expire.
func (lc *RedisLeaderController) Run(ctx *armadacontext.Context) error {
	ctx = armadacontext.WithLogFields(ctx, logrus.Fields{
		"service":  "RedisLeaderController",
		"identity": lc.identity,
	})
	ticker := lc.clock.NewTicker(lc.config.RetryPeriod)
	defer ticker.Stop()
	for {
		lc.runOnce(ctx)
		select {
		case <-ctx.Done():
			lc.release(ctx)
			return ctx.Err()
		case <-ticker.C():
		}
	}
}

func (lc *RedisLeaderController) runOnce(ctx *armadacontext.Context) {
	if lc.isLeading() {
		lc.renew(ctx)
	} else {
		lc.tryAcquire(ctx)
	}
	lc.observeHolder(ctx)
}

func (lc *RedisLeaderController) isLeading() bool {
	return lc.GetToken().leader
}

func (lc *RedisLeaderController) tryAcquire(ctx *armadacontext.Context) {
	opCtx, cancel := armadacontext.WithTimeout(ctx, lc.config.RenewDeadline)
	defer cancel()
	acquired, err := lc.db.SetNX(opCtx, lc.key, lc.identity, lc.config.LeaseDuration).Result()
	if err != nil {
		ctx.Log.WithError(err).Warn("failed to acquire leader lease")
		return
	}
	if acquired {
		lc.lastRenew = lc.clock.Now()
		lc.startLeading(ctx)
	}
}

func (lc *RedisLeaderController) renew(ctx *armadacontext.Context) {
	opCtx, cancel := armadacontext.WithTimeout(ctx, lc.config.RenewDeadline)
	defer cancel()
	renewed, err := renewScript.Run(opCtx, lc.db, []string{lc.key}, lc.identity, lc.config.LeaseDuration.Milliseconds()).Int()
	if err != nil {
		if lc.clock.Since(lc.lastRenew) >= lc.config.RenewDeadline {
			ctx.Log.WithError(err).Warn("unable to renew leader lease before the renew deadline")
			lc.stopLeading(ctx)
		} else {
			ctx.Log.WithError(err).Warn("failed to renew leader lease; will retry")
		}
		return
	}
	if renewed == 0 {
		ctx.Log.Warn("leader lease is held by another node")
		lc.stopLeading(ctx)
		return
	}
	lc.lastRenew = lc.clock.Now()
}

func (lc *RedisLeaderController) release(ctx *armadacontext.Context) {
	if !lc.isLeading() {
		return
	}
	lc.stopLeading(ctx)
	// ctx is already cancelled here
	releaseCtx, cancel := armadacontext.WithTimeout(armadacontext.New(context.Background(), ctx.Log), lc.config.RenewDeadline)
	defer cancel()
	if err := releaseScript.Run(releaseCtx, lc.db, []string{lc.key}, lc.identity).Err(); err != nil {
		ctx.Log.WithError(err).Warn("failed to release leader lease")
	}
}

func (lc *RedisLeaderController) observeHolder(ctx *armadacontext.Context) {
	opCtx, cancel := armadacontext.WithTimeout(ctx, lc.config.RenewDeadline)
	defer cancel()
	holder, err := lc.db.Get(opCtx, lc.key).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return
	}
	lc.currentLeaderLock.Lock()
	defer lc.currentLeaderLock.Unlock()
	lc.currentLeader = holder
}

func (lc *RedisLeaderController) startLeading(ctx *armadacontext.Context) {
	ctx.Log.Infof("I am now leader")
	lc.token.Store(NewLeaderToken())
	for _, listener := range lc.listeners {
		listener.OnStartedLeading(ctx)
	}
}

func (lc *RedisLeaderController) stopLeading(ctx *armadacontext.Context) {
	ctx.Log.Infof("I am no longer leader")
	lc.token.Store(InvalidLeaderToken())
	for _, listener := range lc.listeners {
		listener.OnStoppedLeading()
	}
}
