package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/armadaproject/jobfleet/internal/common"
	commonconfig "github.com/armadaproject/jobfleet/internal/common/config"
	"github.com/armadaproject/jobfleet/internal/jobfleet/configuration"
)

const (
	CustomConfigLocation string = "config"
	defaultConfigPath    string = "./config/jobfleet"
	envPrefix            string = "JOBFLEET"
)

func RootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "jobfleet",
		SilenceUsage: true,
		Short:        "Resolves, tracks and supervises jobs across a fleet of nodes",
	}

	cmd.PersistentFlags().StringSlice(
		CustomConfigLocation,
		[]string{},
		"Fully qualified path to application configuration file (for multiple config files repeat this arg or separate paths with commas)")
	// BindCommandlineArguments only sees the global flag set, so the persistent flag is bound here.
	_ = viper.BindPFlag(CustomConfigLocation, cmd.PersistentFlags().Lookup(CustomConfigLocation))

	cmd.AddCommand(
		runCmd(),
		migrateDbCmd(),
		pruneDbCmd(),
		resolveCmd(),
	)

	return cmd
}

func userSpecifiedConfigs() []string {
	return viper.GetStringSlice(CustomConfigLocation)
}

func loadConfig() (configuration.Configuration, *viper.Viper, error) {
	var config configuration.Configuration
	v := common.LoadConfig(&config, defaultConfigPath, userSpecifiedConfigs(), envPrefix)

	err := config.Validate()
	if err != nil {
		commonconfig.LogValidationErrors(err)
	}
	return config, v, err
}

// loadResolutionConfig re-reads the configuration from scratch and returns its resolution section.
func loadResolutionConfig() (configuration.ResolutionConfig, error) {
	var resolution configuration.ResolutionConfig
	v, err := common.ReadConfig(defaultConfigPath, userSpecifiedConfigs(), envPrefix)
	if err != nil {
		return resolution, err
	}
	err = common.UnmarshalKey(v, "resolution", &resolution)
	return resolution, err
}
