package jobfleet

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/apache/pulsar-client-go/pulsar"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/utils/clock"

	"github.com/armadaproject/jobfleet/internal/common"
	"github.com/armadaproject/jobfleet/internal/common/app"
	"github.com/armadaproject/jobfleet/internal/common/armadacontext"
	dbcommon "github.com/armadaproject/jobfleet/internal/common/database"
	"github.com/armadaproject/jobfleet/internal/common/health"
	"github.com/armadaproject/jobfleet/internal/common/pulsarutils"
	"github.com/armadaproject/jobfleet/internal/common/task"
	"github.com/armadaproject/jobfleet/internal/common/util"
	"github.com/armadaproject/jobfleet/internal/jobfleet/api"
	"github.com/armadaproject/jobfleet/internal/jobfleet/catalog"
	"github.com/armadaproject/jobfleet/internal/jobfleet/configuration"
	"github.com/armadaproject/jobfleet/internal/jobfleet/database"
	"github.com/armadaproject/jobfleet/internal/jobfleet/defaults"
	"github.com/armadaproject/jobfleet/internal/jobfleet/events"
	"github.com/armadaproject/jobfleet/internal/jobfleet/jobspec"
	"github.com/armadaproject/jobfleet/internal/jobfleet/leader"
	"github.com/armadaproject/jobfleet/internal/jobfleet/reconciliation"
	"github.com/armadaproject/jobfleet/internal/jobfleet/registry"
	"github.com/armadaproject/jobfleet/internal/jobfleet/resolver"
	"github.com/armadaproject/jobfleet/internal/jobfleet/routing"
	"github.com/armadaproject/jobfleet/internal/jobfleet/service"
)

// Run sets up a jobfleet node and runs it until a SIGTERM is received.
// resolution re-reads the resolution section of the configuration and may be nil, in which case the defaults in
// config are used for the lifetime of the process. When watched is non nil, changes to its config file trigger an
// immediate refresh of the defaults.
func Run(config configuration.Configuration, resolution defaults.Loader, watched *viper.Viper) error {
	g, ctx := armadacontext.ErrGroup(app.CreateContextWithShutdown())
	clk := clock.RealClock{}

	nodeId := config.Node.Id
	if nodeId == "" {
		nodeId = uuid.NewString()
	}
	ctx = armadacontext.WithLogField(ctx, "node", nodeId)
	ctx.Log.Infof("Starting jobfleet node advertised at %s", config.Node.AdvertisedAddress)

	//////////////////////////////////////////////////////////////////////////
	// Health Checks
	//////////////////////////////////////////////////////////////////////////
	mux := http.NewServeMux()

	startupCompleteCheck := health.NewStartupCompleteChecker()
	healthChecks := health.NewMultiChecker(startupCompleteCheck)
	health.SetupHttpMux(mux, healthChecks)

	// List of services to run concurrently.
	// Services are only started once all setup below has succeeded.
	var services []func() error

	//////////////////////////////////////////////////////////////////////////
	// Storage (postgres or in memory)
	//////////////////////////////////////////////////////////////////////////
	ctx.Log.Infof("Setting up %s storage", config.Storage.Type)
	var jobCatalog catalog.Catalog
	var jobRepository database.JobRepository
	var specRepository database.SpecificationRepository
	switch config.Storage.Type {
	case configuration.StorageTypePostgres:
		db, err := dbcommon.OpenPgxPool(ctx, config.Postgres)
		if err != nil {
			return errors.WithMessage(err, "Error opening connection to postgres")
		}
		defer db.Close()
		healthChecks.Add(health.CheckerFunc(func() error { return db.Ping(ctx) }))
		jobCatalog = catalog.NewPostgresCatalog(db, clk)
		postgresRepository := database.NewPostgresJobRepository(db, clk)
		jobRepository = postgresRepository
		specRepository = postgresRepository
	default:
		memCatalog, err := catalog.NewMemDbCatalogWithClock(clk)
		if err != nil {
			return errors.WithMessage(err, "error creating in memory catalog")
		}
		memRepository, err := database.NewMemDbJobRepository(clk)
		if err != nil {
			return errors.WithMessage(err, "error creating in memory job repository")
		}
		jobCatalog = memCatalog
		jobRepository = memRepository
		specRepository = memRepository
	}
	if config.Storage.CatalogFile != "" {
		if err := catalog.LoadSeedFile(ctx, jobCatalog, config.Storage.CatalogFile); err != nil {
			return errors.WithMessage(err, "error loading catalog seed")
		}
	}

	//////////////////////////////////////////////////////////////////////////
	// Redis
	//////////////////////////////////////////////////////////////////////////
	var redisClient redis.UniversalClient
	if config.Registry.Type == configuration.RegistryTypeRedis || config.Leader.Mode == configuration.LeaderModeRedis {
		ctx.Log.Infof("Setting up redis connectivity")
		redisClient = redis.NewUniversalClient(config.Redis.AsUniversalOptions())
		defer util.CloseResource("redis client", redisClient)
		healthChecks.Add(health.CheckerFunc(func() error { return redisClient.Ping(ctx).Err() }))
	}

	//////////////////////////////////////////////////////////////////////////
	// Connection registry and routing
	//////////////////////////////////////////////////////////////////////////
	var connections registry.ConnectionRegistry
	var directory routing.NodeDirectory
	switch config.Registry.Type {
	case configuration.RegistryTypeRedis:
		connections = registry.NewRedisConnectionRegistry(
			redisClient, config.Node.Namespace, config.Registry.ConnectionTtl, config.Registry.ClaimTimeout, clk)
		redisDirectory := routing.NewRedisNodeDirectory(
			redisClient, config.Node.Namespace, nodeId, config.Node.AdvertisedAddress, config.Node.DirectoryTtl, clk)
		services = append(services, func() error { return redisDirectory.Run(ctx) })
		directory = redisDirectory
	default:
		connections = registry.NewInMemoryConnectionRegistry(config.Registry.ConnectionTtl, clk)
		directory = routing.NewStaticNodeDirectory(map[string]string{nodeId: config.Node.AdvertisedAddress})
	}
	router := routing.NewRouter(connections, directory, nodeId, config.Node.AddressCacheTtl)

	//////////////////////////////////////////////////////////////////////////
	// Events
	//////////////////////////////////////////////////////////////////////////
	publisher, err := createPublisher(ctx, config.Events)
	if err != nil {
		return err
	}
	defer publisher.Close()

	//////////////////////////////////////////////////////////////////////////
	// Leader Election
	//////////////////////////////////////////////////////////////////////////
	leaderController, err := createLeaderController(config.Leader, redisClient, nodeId, clk)
	if err != nil {
		return errors.WithMessage(err, "error creating leader controller")
	}
	services = append(services, func() error { return leaderController.Run(ctx) })
	if listenable, ok := leaderController.(interface{ RegisterListener(leader.LeaseListener) }); ok {
		leaderStatusCollector := leader.NewLeaderStatusMetricsCollector(nodeId)
		listenable.RegisterListener(leaderStatusCollector)
		prometheus.MustRegister(leaderStatusCollector)
	}

	//////////////////////////////////////////////////////////////////////////
	// Resolution
	//////////////////////////////////////////////////////////////////////////
	ctx.Log.Infof("Setting up job resolution")
	var defaultsSource *defaults.Source
	if resolution != nil {
		defaultsSource, err = defaults.NewSource(resolution, clk, config.Resolution.RefreshInterval)
		if err != nil {
			return errors.WithMessage(err, "error loading system defaults")
		}
		services = append(services, func() error { return defaultsSource.Run(ctx) })
		if watched != nil {
			defaultsSource.WatchConfig(watched)
		}
	} else {
		defaultsSource = defaults.NewStaticSource(config.Resolution)
	}
	builder, err := jobspec.NewBuilder(
		resolver.NewResolver(jobCatalog),
		defaultsSource,
		specRepository,
		config.Resolution.SpecificationCacheSize,
		clk,
	)
	if err != nil {
		return errors.WithMessage(err, "error creating specification builder")
	}

	//////////////////////////////////////////////////////////////////////////
	// Api
	//////////////////////////////////////////////////////////////////////////
	submission := service.NewSubmissionService(builder, jobRepository, connections, publisher, nodeId)
	agents := service.NewAgentSessions(connections, jobRepository, builder, publisher, nodeId)
	api.NewServer(submission, agents, router).Register(mux)

	//////////////////////////////////////////////////////////////////////////
	// Reconciliation
	//////////////////////////////////////////////////////////////////////////
	reconciler := reconciliation.NewReconciler(
		connections,
		jobRepository,
		jobCatalog,
		leaderController,
		publisher,
		config.Reconciliation,
		config.Registry.ConnectionTtl,
		nodeId,
		clk,
	)
	services = append(services, func() error { return reconciler.Run(ctx) })

	//////////////////////////////////////////////////////////////////////////
	// Metrics
	//////////////////////////////////////////////////////////////////////////
	gauges := &storeMetrics{connections: connections, jobs: jobRepository}
	taskManager := task.NewBackgroundTaskManager(metricsPrefix)
	taskManager.Register(gauges.refreshConnections, config.Metrics.RefreshInterval, "connections_gauge")
	taskManager.Register(gauges.refreshJobs, config.Metrics.RefreshInterval, "jobs_gauge")
	defer taskManager.StopAll(5 * time.Second)
	shutdownMetricServer := common.ServeMetrics(config.Metrics.Port)
	defer shutdownMetricServer()

	shutdownHttpServer := common.ServeHttp(config.Http.Port, mux)
	defer shutdownHttpServer()

	// start all services
	for _, svc := range services {
		g.Go(svc)
	}

	// Mark startup as complete, will allow the health check to return healthy
	startupCompleteCheck.MarkComplete()

	return g.Wait()
}

func createPublisher(ctx *armadacontext.Context, config configuration.EventsConfig) (events.Publisher, error) {
	switch config.Type {
	case configuration.EventsTypePulsar:
		ctx.Log.Infof("Setting up Pulsar connectivity")
		pulsarClient, err := pulsarutils.NewPulsarClient(&config.Pulsar)
		if err != nil {
			return nil, errors.WithMessage(err, "Error creating pulsar client")
		}
		publisher, err := events.NewPulsarPublisher(pulsarClient, pulsar.ProducerOptions{
			Name:             fmt.Sprintf("jobfleet-%s", uuid.NewString()),
			CompressionType:  pulsarutils.CompressionType(config.Pulsar.CompressionType),
			CompressionLevel: pulsarutils.CompressionLevel(config.Pulsar.CompressionLevel),
			Topic:            config.Pulsar.EventsTopic,
		}, config.Pulsar.SendTimeout)
		if err != nil {
			pulsarClient.Close()
			return nil, errors.WithMessage(err, "error creating pulsar publisher")
		}
		return &clientClosingPublisher{Publisher: publisher, client: pulsarClient}, nil
	default:
		ctx.Log.Infof("Job events will be written to the log")
		return events.NewLogPublisher(), nil
	}
}

// clientClosingPublisher closes the pulsar client once the producer on top of it is closed.
type clientClosingPublisher struct {
	events.Publisher
	client pulsar.Client
}

func (p *clientClosingPublisher) Close() {
	p.Publisher.Close()
	p.client.Close()
}

func createLeaderController(
	config configuration.LeaderConfig,
	redisClient redis.UniversalClient,
	nodeId string,
	clk clock.WithTicker,
) (leader.LeaderController, error) {
	switch mode := strings.ToLower(config.Mode); mode {
	case configuration.LeaderModeStandalone:
		log.Infof("Node will run in standalone mode")
		return leader.NewStandaloneLeaderController(), nil
	case configuration.LeaderModeKubernetes:
		log.Infof("Node will run in kubernetes mode")
		clusterConfig, err := loadClusterConfig()
		if err != nil {
			return nil, errors.Wrapf(err, "Error creating kubernetes client")
		}
		clientSet, err := kubernetes.NewForConfig(clusterConfig)
		if err != nil {
			return nil, errors.Wrapf(err, "Error creating kubernetes client")
		}
		return leader.NewKubernetesLeaderController(config, clientSet.CoordinationV1()), nil
	case configuration.LeaderModeRedis:
		log.Infof("Node will run in redis mode")
		if redisClient == nil {
			return nil, errors.New("redis leader mode requires a redis client")
		}
		return leader.NewRedisLeaderController(redisClient, nodeId, config, clk), nil
	default:
		return nil, errors.Errorf("%s is not a valid leader mode", config.Mode)
	}
}

func loadClusterConfig() (*rest.Config, error) {
	config, err := rest.InClusterConfig()
	if err == rest.ErrNotInCluster {
		log.Info("Running with default client configuration")
		rules := clientcmd.NewDefaultClientConfigLoadingRules()
		overrides := &clientcmd.ConfigOverrides{}
		return clientcmd.NewNonInteractiveDeferredLoadingClientConfig(rules, overrides).ClientConfig()
	}
	log.Info("Running with in cluster client configuration")
	return config, err
}
