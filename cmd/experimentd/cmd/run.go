package cmd

import (
	"context"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/G-Research/experimentd/internal/common"
	"github.com/G-Research/experimentd/internal/common/health"
	"github.com/G-Research/experimentd/internal/experimentd"
)

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Runs experimentd",
		RunE:  runExperimentd,
	}
	return cmd
}

func runExperimentd(_ *cobra.Command, _ []string) error {
	config, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	healthChecks := health.NewMultiChecker()
	shutdownMetricServer := common.ServeMetrics(config.MetricsPort, healthChecks)
	defer shutdownMetricServer()

	log.Info("Starting...")
	return experimentd.Serve(ctx, &config, healthChecks)
}

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Loads and validates the configuration without starting anything",
		RunE: func(_ *cobra.Command, _ []string) error {
			common.ConfigureCommandLineLogging()
			if _, err := loadConfig(); err != nil {
				return err
			}
			log.Info("Configuration is valid")
			return nil
		},
	}
}
