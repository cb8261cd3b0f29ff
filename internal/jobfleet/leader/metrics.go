package leader

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/armadaproject/jobfleet/internal/common/armadacontext"
)

var leaderStatusDesc = prometheus.NewDesc(
	"jobfleet_node_leader_election_status",
	"Gauge of if the reporting node is leader, 0 indicates follower, 1 indicates leader.",
	[]string{"name"}, nil,
)

// LeaderStatusMetricsCollector is a LeaseListener exporting whether this node currently leads.
type LeaderStatusMetricsCollector struct {
	currentInstanceName string
	isCurrentlyLeader   bool
	lock                sync.Mutex
}

func NewLeaderStatusMetricsCollector(currentInstanceName string) *LeaderStatusMetricsCollector {
	return &LeaderStatusMetricsCollector{
		currentInstanceName: currentInstanceName,
	}
}

func (l *LeaderStatusMetricsCollector) OnStartedLeading(*armadacontext.Context) {
	l.lock.Lock()
	defer l.lock.Unlock()
	l.isCurrentlyLeader = true
}

func (l *LeaderStatusMetricsCollector) OnStoppedLeading() {
	l.lock.Lock()
	defer l.lock.Unlock()
	l.isCurrentlyLeader = false
}

func (l *LeaderStatusMetricsCollector) isLeading() bool {
	l.lock.Lock()
	defer l.lock.Unlock()
	return l.isCurrentlyLeader
}

func (l *LeaderStatusMetricsCollector) Describe(desc chan<- *prometheus.Desc) {
	desc <- leaderStatusDesc
}

func (l *LeaderStatusMetricsCollector) Collect(metrics chan<- prometheus.Metric) {
	value := float64(0)
	if l.isLeading() {
		value = 1
	}
	metrics <- prometheus.MustNewConstMetric(leaderStatusDesc, prometheus.GaugeValue, value, l.currentInstanceName)
}
