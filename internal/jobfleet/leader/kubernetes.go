package leader

import (
	"context"
	"sync"
	"sync/atomic"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	coordinationv1client "k8s.io/client-go/kubernetes/typed/coordination/v1"
	"k8s.io/client-go/tools/leaderelection"
	"k8s.io/client-go/tools/leaderelection/resourcelock"

	"github.com/armadaproject/jobfleet/internal/common/armadacontext"
	"github.com/armadaproject/jobfleet/internal/jobfleet/configuration"
)

// KubernetesLeaderController uses the Kubernetes leader election mechanism to determine who is leader.
// This allows multiple nodes to be run for high availability.
type KubernetesLeaderController struct {
	client            coordinationv1client.LeasesGetter
	token             atomic.Value
	config            configuration.LeaderConfig
	currentLeaderLock sync.Mutex
	currentLeader     string
	listeners         []LeaseListener
}

func NewKubernetesLeaderController(config configuration.LeaderConfig, client coordinationv1client.LeasesGetter) *KubernetesLeaderController {
	controller := &KubernetesLeaderController{
		client: client,
		config: config,
	}
	controller.token.Store(InvalidLeaderToken())
	return controller
}

func (lc *KubernetesLeaderController) RegisterListener(listener LeaseListener) {
	lc.listeners = append(lc.listeners, listener)
}

func (lc *KubernetesLeaderController) GetToken() LeaderToken {
	return lc.token.Load().(LeaderToken)
}

func (lc *KubernetesLeaderController) ValidateToken(tok LeaderToken) bool {
	if tok.leader {
		return lc.token.Load().(LeaderToken).id == tok.id
	}
	return false
}

// Run starts the controller.
// This is a blocking call that returns when the provided context is cancelled.
func (lc *KubernetesLeaderController) Run(ctx *armadacontext.Context) error {
	log := ctx.Log.WithField("service", "KubernetesLeaderController")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			log.Infof("attempting to become leader")
			leaderelection.RunOrDie(ctx, leaderelection.LeaderElectionConfig{
				Lock:            lc.getNewLock(),
				ReleaseOnCancel: true,
				LeaseDuration:   lc.config.LeaseDuration,
				RenewDeadline:   lc.config.RenewDeadline,
				RetryPeriod:     lc.config.RetryPeriod,
				Callbacks: leaderelection.LeaderCallbacks{
					OnStartedLeading: func(_ context.Context) {
						log.Infof("I am now leader")
						lc.token.Store(NewLeaderToken())
						for _, listener := range lc.listeners {
							listener.OnStartedLeading(ctx)
						}
					},
					OnStoppedLeading: func() {
						log.Infof("I am no longer leader")
						lc.token.Store(InvalidLeaderToken())
						for _, listener := range lc.listeners {
							listener.OnStoppedLeading()
						}
					},
					OnNewLeader: func(identity string) {
						lc.currentLeaderLock.Lock()
						defer lc.currentLeaderLock.Unlock()
						lc.currentLeader = identity
					},
				},
			})
			log.Infof("leader election round finished")
		}
	}
}

func (lc *KubernetesLeaderController) GetLeaderReport() LeaderReport {
	lc.currentLeaderLock.Lock()
	defer lc.currentLeaderLock.Unlock()
	return LeaderReport{
		LeaderName:             lc.currentLeader,
		IsCurrentProcessLeader: lc.currentLeader == lc.config.PodName,
	}
}

func (lc *KubernetesLeaderController) getNewLock() *resourcelock.LeaseLock {
	return &resourcelock.LeaseLock{
		LeaseMeta: metav1.ObjectMeta{
			Name:      lc.config.LeaseLockName,
			Namespace: lc.config.LeaseLockNamespace,
		},
		Client: lc.client,
		LockConfig: resourcelock.ResourceLockConfig{
			Identity: lc.config.PodName,
		},
	}
}
