package cmd

import (
	"github.com/spf13/cobra"

	"github.com/hypervisor-io/hypervisor/internal/common/logging"
	"github.com/hypervisor-io/hypervisor/internal/hypervisor"
)

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Runs the scheduling and cleanup passes until stopped",
		RunE:  runHypervisor,
	}
	return cmd
}

func runHypervisor(_ *cobra.Command, _ []string) error {
	config, err := loadConfig()
	if err != nil {
		return err
	}
	if err := logging.Configure(config.Logging); err != nil {
		return err
	}
	return hypervisor.Run(config)
}
