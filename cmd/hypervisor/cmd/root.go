package cmd

import (
	"strconv"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hypervisor-io/hypervisor/internal/common"
	commonconfig "github.com/hypervisor-io/hypervisor/internal/common/config"
	"github.com/hypervisor-io/hypervisor/internal/common/hverrors"
	"github.com/hypervisor-io/hypervisor/internal/hypervisor"
	"github.com/hypervisor-io/hypervisor/internal/hypervisor/configuration"
	"github.com/hypervisor-io/hypervisor/internal/hypervisorctl"
)

const (
	CustomConfigLocation string = "config"
)

func RootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "hypervisor",
		SilenceUsage: true,
		Short:        "Admission and scheduling of deployments onto fleet capacity",
	}

	cmd.PersistentFlags().StringSlice(
		CustomConfigLocation,
		[]string{},
		"Fully qualified path to application configuration file (for multiple config files repeat this arg or separate paths with commas)")
	if err := viper.BindPFlag(CustomConfigLocation, cmd.PersistentFlags().Lookup(CustomConfigLocation)); err != nil {
		panic(err)
	}

	cmd.AddCommand(
		runCmd(),
		migrateDbCmd(),
		admitCmd(),
		clusterCmd(),
		deploymentCmd(),
		allocationCmd(),
		scheduleCmd(),
		cleanupCmd(),
	)

	return cmd
}

func loadConfig() (configuration.Configuration, error) {
	var config configuration.Configuration
	userSpecifiedConfigs := viper.GetStringSlice(CustomConfigLocation)

	common.LoadConfig(&config, "./config/hypervisor", userSpecifiedConfigs)

	err := commonconfig.Validate(config)
	if err != nil {
		commonconfig.LogValidationErrors(err)
	}
	return config, err
}

// withApp connects to the configured stores for the duration of a single operator command.
func withApp(action func(app *hypervisorctl.App) error) error {
	config, err := loadConfig()
	if err != nil {
		return err
	}
	if err := checkOperatorStorage(config); err != nil {
		return err
	}
	common.ConfigureCommandLineLogging()
	log.SetLevel(log.WarnLevel)
	components, err := hypervisor.NewComponents(config, prometheus.NewRegistry())
	if err != nil {
		return err
	}
	defer components.Close()
	return action(hypervisorctl.New(components, config.Scheduling.MaxPassDuration))
}

// checkOperatorStorage rejects memory storage: every process has its own empty memory store, so an operator
// command could never see or change the state of a running service.
func checkOperatorStorage(config configuration.Configuration) error {
	if config.Storage == commonconfig.MemoryStorage {
		return errors.WithStack(&hverrors.ErrInvalidArgument{
			Name:    "storage",
			Value:   config.Storage,
			Message: "operator commands need shared storage; memory storage only works with the run command",
		})
	}
	return nil
}

func parseId(kind string, arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		return 0, errors.Errorf("invalid %s id %q", kind, arg)
	}
	return id, nil
}
