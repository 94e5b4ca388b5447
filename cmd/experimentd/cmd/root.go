package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/G-Research/experimentd/internal/common"
	commonconfig "github.com/G-Research/experimentd/internal/common/config"
	"github.com/G-Research/experimentd/internal/experimentd/configuration"
)

const (
	CustomConfigLocation string = "config"
)

func RootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "experimentd",
		SilenceUsage: true,
		Short:        "Orchestrates experiments and their Tensorboard and Notebook services",
	}

	cmd.PersistentFlags().StringSlice(
		CustomConfigLocation,
		[]string{},
		"Fully qualified path to application configuration file (for multiple config files repeat this arg or separate paths with commas)")
	_ = viper.BindPFlag(CustomConfigLocation, cmd.PersistentFlags().Lookup(CustomConfigLocation))

	cmd.AddCommand(
		runCmd(),
		validateCmd(),
		migrateDbCmd(),
	)

	return cmd
}

func loadConfig() (configuration.ExperimentdConfig, error) {
	var config configuration.ExperimentdConfig
	userSpecifiedConfigs := viper.GetStringSlice(CustomConfigLocation)

	common.LoadConfig(&config, "./config/experimentd", userSpecifiedConfigs)

	err := configuration.ValidateConfig(config)
	if err != nil {
		commonconfig.LogValidationErrors(err)
	}
	return config, err
}
