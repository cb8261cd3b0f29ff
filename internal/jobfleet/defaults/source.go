package defaults

import (
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"k8s.io/utils/clock"

	"github.com/armadaproject/jobfleet/internal/common/armadacontext"
	"github.com/armadaproject/jobfleet/internal/common/logging"
	"github.com/armadaproject/jobfleet/internal/jobfleet/configuration"
)

const DefaultRefreshInterval = 30 * time.Second

// Loader returns the current resolution configuration. It is called on every refresh.
type Loader func() (configuration.ResolutionConfig, error)

// Source holds the system defaults currently in force. Readers always see a complete set of defaults; a refresh
// that fails to load or validate leaves the previous set in place.
type Source struct {
	load     Loader
	clock    clock.WithTicker
	interval time.Duration
	mu       sync.RWMutex
	current  SystemDefaults
	config   configuration.ResolutionConfig
}

// NewSource performs an initial load, failing if the configuration is unusable.
func NewSource(load Loader, clk clock.WithTicker, interval time.Duration) (*Source, error) {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	s := &Source{load: load, clock: clk, interval: interval}
	if err := s.Refresh(); err != nil {
		return nil, err
	}
	return s, nil
}

// NewStaticSource returns a Source whose defaults never change.
func NewStaticSource(config configuration.ResolutionConfig) *Source {
	return &Source{current: FromConfig(config), config: config}
}

func (s *Source) Current() SystemDefaults {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Config returns the resolution configuration the current defaults were built from.
func (s *Source) Config() configuration.ResolutionConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config
}

// Refresh re-reads the configuration and swaps in the new defaults.
func (s *Source) Refresh() error {
	if s.load == nil {
		return nil
	}
	config, err := s.load()
	if err != nil {
		return err
	}
	validate := validator.New()
	if err := validate.Struct(config); err != nil {
		return errors.WithStack(err)
	}
	updated := FromConfig(config)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = updated
	s.config = config
	return nil
}

// Run refreshes the defaults every interval until ctx is cancelled.
func (s *Source) Run(ctx *armadacontext.Context) error {
	if s.load == nil {
		<-ctx.Done()
		return nil
	}
	ctx = armadacontext.WithLogField(ctx, "service", "DefaultsSource")
	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
			s.refreshAndLog(ctx.Log)
		}
	}
}

// WatchConfig triggers an immediate refresh whenever the config file behind v changes.
func (s *Source) WatchConfig(v *viper.Viper) {
	v.OnConfigChange(func(e fsnotify.Event) {
		logger := log.WithField("service", "DefaultsSource").WithField("file", e.Name)
		logger.Info("config file changed; refreshing defaults")
		s.refreshAndLog(logger)
	})
	v.WatchConfig()
}

func (s *Source) refreshAndLog(logger *log.Entry) {
	if err := s.Refresh(); err != nil {
		logging.WithStacktrace(logger, err).Warn("failed to refresh system defaults; keeping previous values")
	}
}
