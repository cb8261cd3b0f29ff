package configuration

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"k8s.io/apimachinery/pkg/api/resource"

	commonconfig "github.com/armadaproject/jobfleet/internal/common/config"
)

const (
	StorageTypePostgres = "postgres"
	StorageTypeMemory   = "memory"

	RegistryTypeRedis  = "redis"
	RegistryTypeMemory = "memory"

	LeaderModeStandalone = "standalone"
	LeaderModeKubernetes = "kubernetes"
	LeaderModeRedis      = "redis"

	EventsTypePulsar = "pulsar"
	EventsTypeLog    = "log"
)

type Configuration struct {
	Http    HttpConfig
	Metrics MetricsConfig
	// Where jobs, specifications and, for postgres, the catalog are stored
	Storage  StorageConfig
	Postgres commonconfig.PostgresConfig
	Redis    commonconfig.RedisConfig
	// Configuration controlling leader election
	Leader LeaderConfig
	Node   NodeConfig
	// Configuration of the connection registry
	Registry       RegistryConfig
	Reconciliation ReconciliationConfig
	Resolution     ResolutionConfig
	Events         EventsConfig
}

type HttpConfig struct {
	Port uint16 `validate:"required"`
}

type MetricsConfig struct {
	Port uint16 `validate:"required"`
	// How often gauges backed by the registry and job store are recomputed
	RefreshInterval time.Duration `validate:"required"`
}

type StorageConfig struct {
	Type string `validate:"oneof=postgres memory"`
	// Optional catalog seed file applied at startup
	CatalogFile string
}

type LeaderConfig struct {
	// Valid modes are "standalone", "kubernetes" or "redis"
	Mode string `validate:"oneof=standalone kubernetes redis"`
	// Name of the K8s Lock Object, or the suffix of the redis lease key
	LeaseLockName string
	// Namespace of the K8s Lock Object
	LeaseLockNamespace string
	// The name of the pod; used as the lease holder identity in kubernetes mode
	PodName string
	// How long the lease is held for.
	// Non leaders much wait this long before trying to acquire the lease
	LeaseDuration time.Duration
	// RenewDeadline is the duration that the acting leader will retry refreshing leadership before giving up.
	RenewDeadline time.Duration
	// RetryPeriod is the duration the LeaderElector clients should waite between tries of actions.
	RetryPeriod time.Duration
}

type NodeConfig struct {
	// Identity of this node. Generated at startup when empty.
	Id string
	// Address other nodes use to reach this node
	AdvertisedAddress string `validate:"required"`
	// Prefix separating this fleet's keys from others sharing the same redis
	Namespace string `validate:"required"`
	// How long a node's address stays in the directory without being re-registered
	DirectoryTtl time.Duration `validate:"required"`
	// How long resolved node addresses are cached
	AddressCacheTtl time.Duration `validate:"required"`
}

type RegistryConfig struct {
	// Valid types are "redis" or "memory"
	Type string `validate:"oneof=redis memory"`
	// A connection record not refreshed within this long is stale and may be taken over or expired
	ConnectionTtl time.Duration `validate:"required"`
	// Upper bound on every round trip to the registry
	ClaimTimeout time.Duration `validate:"required"`
}

type ReconciliationConfig struct {
	Interval time.Duration `validate:"required"`
	// Jobs RESOLVED for longer than this without a connection record are failed
	LaunchTimeLimit time.Duration `validate:"required"`
	// Jobs CLAIMED for longer than this without a connection record are failed
	ClaimTimeLimit time.Duration `validate:"required"`
	// Terminal jobs are deleted once unmodified for this long
	RetentionPeriod time.Duration `validate:"required"`
	PageSize        int           `validate:"gt=0"`
	// Maximum number of jobs deleted in a single pass
	MaxDeletionsPerRun int `validate:"gt=0"`
	// Maximum number of AWOL jobs failed per state in a single pass, and of jobs failed for having lost their agent
	MaxAwolPerRun  int `validate:"gt=0"`
	CatalogCleanup CatalogCleanupConfig
}

type CatalogCleanupConfig struct {
	Enabled bool
	// How often the catalog is swept. Passes in between skip it.
	Interval time.Duration `validate:"required"`
	// Entities are only removed once they were created at least this long ago
	MinimumAge time.Duration `validate:"required"`
	// Commands that no cluster exposes are deactivated once they were created at least this long ago
	CommandDeactivationAge time.Duration `validate:"required"`
}

type ResolutionConfig struct {
	Defaults ResourceDefaults
	// Default images keyed by logical image name, e.g. "runtime"
	Images map[string]ImageConfig
	// Archive location of a job is ArchiveLocationPrefix/<jobId>
	ArchiveLocationPrefix string `validate:"required"`
	// Working directory used when a request doesn't supply one
	JobDirectory string `validate:"required"`
	// How often defaults are re-read from configuration
	RefreshInterval time.Duration `validate:"required"`
	// Number of recently built specifications kept in memory
	SpecificationCacheSize int `validate:"gt=0"`
}

// ResourceDefaults are the system wide resource defaults. A zero value means unset, in which case the built in
// fallback applies.
type ResourceDefaults struct {
	Cpu    int32
	Gpu    int32
	Memory resource.Quantity
	Disk   resource.Quantity
	// Network bandwidth expressed as a data size per second, e.g. 1250Mi
	Network resource.Quantity
}

type ImageConfig struct {
	Name      string
	Tag       string
	Arguments []string
}

type EventsConfig struct {
	// Valid types are "pulsar" or "log"
	Type string `validate:"oneof=pulsar log"`
	// Only validated when Type is pulsar
	Pulsar commonconfig.PulsarConfig `validate:"-"`
}

func (c Configuration) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return err
	}
	if c.Storage.Type == StorageTypePostgres && len(c.Postgres.Connection) == 0 {
		return errors.New("postgres storage requires Postgres.Connection")
	}
	needsRedis := c.Registry.Type == RegistryTypeRedis || c.Leader.Mode == LeaderModeRedis
	if needsRedis && len(c.Redis.Addrs) == 0 {
		return errors.New("redis registry or redis leader election requires Redis.Addrs")
	}
	if c.Leader.Mode != LeaderModeStandalone {
		if c.Leader.LeaseLockName == "" || c.Leader.LeaseDuration <= 0 || c.Leader.RenewDeadline <= 0 || c.Leader.RetryPeriod <= 0 {
			return errors.Errorf("leader mode %s requires LeaseLockName, LeaseDuration, RenewDeadline and RetryPeriod", c.Leader.Mode)
		}
		if c.Leader.RenewDeadline >= c.Leader.LeaseDuration {
			return errors.New("Leader.RenewDeadline must be shorter than Leader.LeaseDuration")
		}
	}
	if c.Leader.Mode == LeaderModeKubernetes && (c.Leader.PodName == "" || c.Leader.LeaseLockNamespace == "") {
		return errors.New("kubernetes leader mode requires PodName and LeaseLockNamespace")
	}
	if c.Events.Type == EventsTypePulsar {
		if err := validate.Struct(c.Events.Pulsar); err != nil {
			return err
		}
	}
	return nil
}
