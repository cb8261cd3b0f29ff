package common

import (
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/armadaproject/jobfleet/internal/common/armadacontext"
	commonconfig "github.com/armadaproject/jobfleet/internal/common/config"
	"github.com/armadaproject/jobfleet/internal/common/logging"
)

const baseConfigFileName = "config"

// RFC3339Millis
const logTimestampFormat = "2006-01-02T15:04:05.000Z07:00"

func BindCommandlineArguments() {
	err := viper.BindPFlags(pflag.CommandLine)
	if err != nil {
		log.Error(err.Error())
		os.Exit(-1)
	}
}

// LoadConfig reads the base config file from defaultPath, merges each user-specified file over it and then applies
// environment variables prefixed with envPrefix. The process exits if the configuration can't be read.
func LoadConfig(config interface{}, defaultPath string, overrideConfigs []string, envPrefix string) *viper.Viper {
	v, err := ReadConfig(defaultPath, overrideConfigs, envPrefix)
	if err != nil {
		log.Error(err)
		os.Exit(-1)
	}
	if err := v.Unmarshal(config, commonconfig.CustomHooks...); err != nil {
		log.Error(err)
		os.Exit(-1)
	}
	return v
}

// ReadConfig builds a fresh viper instance from the same sources as LoadConfig. It is safe to call repeatedly, which
// is how values that may change at runtime are re-read.
func ReadConfig(defaultPath string, overrideConfigs []string, envPrefix string) (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigName(baseConfigFileName)
	v.AddConfigPath(defaultPath)
	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "error reading base config path=%s name=%s", defaultPath, baseConfigFileName)
	}
	log.Debugf("Read base config from %s", v.ConfigFileUsed())

	for _, overrideConfig := range overrideConfigs {
		v.SetConfigFile(overrideConfig)
		if err := v.MergeInConfig(); err != nil {
			return nil, errors.Wrapf(err, "error reading config from %s", overrideConfig)
		}
		log.Debugf("Read config from %s", v.ConfigFileUsed())
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()
	return v, nil
}

func UnmarshalKey(v *viper.Viper, key string, item interface{}) error {
	return v.UnmarshalKey(key, item, commonconfig.CustomHooks...)
}

func ConfigureLogging() {
	log.SetLevel(readEnvironmentLogLevel())
	log.SetFormatter(readEnvironmentLogFormat())
	log.SetReportCaller(true)
	log.SetOutput(os.Stdout)
}

func ConfigureCommandLineLogging() {
	log.SetFormatter(new(logging.CommandLineFormatter))
	log.SetOutput(os.Stdout)
}

func readEnvironmentLogLevel() log.Level {
	level, ok := os.LookupEnv("LOG_LEVEL")
	if ok {
		logLevel, err := log.ParseLevel(level)
		if err == nil {
			return logLevel
		}
	}
	return log.InfoLevel
}

func readEnvironmentLogFormat() log.Formatter {
	formatStr, ok := os.LookupEnv("LOG_FORMAT")
	if !ok {
		formatStr = "colourful"
	}

	textFormatter := &log.TextFormatter{
		ForceColors:     true,
		FullTimestamp:   true,
		TimestampFormat: logTimestampFormat,
	}

	switch strings.ToLower(formatStr) {
	case "json":
		return &log.JSONFormatter{TimestampFormat: logTimestampFormat}
	case "colourful":
		return textFormatter
	case "text":
		textFormatter.ForceColors = false
		textFormatter.DisableColors = true
		return textFormatter
	default:
		fmt.Fprintf(os.Stderr, "Unknown log format %s, defaulting to colourful format\n", formatStr)
		return textFormatter
	}
}

// ServeMetrics exposes the default prometheus registry on port. The returned function shuts the server down.
func ServeMetrics(port uint16) (shutdown func()) {
	hook := promhttp.Handler()
	mux := http.NewServeMux()
	mux.Handle("/metrics", hook)
	return ServeHttp(port, mux)
}

func ServeHttp(port uint16, mux http.Handler) (shutdown func()) {
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		log.Printf("Starting http server listening on %d", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.WithStacktrace(log.NewEntry(log.StandardLogger()), errors.WithStack(err)).Error("http server failed")
			os.Exit(-1)
		}
	}()

	return func() {
		ctx, cancel := armadacontext.WithTimeout(armadacontext.Background(), 5*time.Second)
		defer cancel()
		log.Printf("Stopping http server listening on %d", port)
		if err := srv.Shutdown(ctx); err != nil {
			logging.WithStacktrace(ctx.Log, err).Error("failed to shut down http server")
		}
	}
}
