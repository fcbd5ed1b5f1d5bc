package cmd

import (
	"github.com/spf13/cobra"

	"github.com/hypervisor-io/hypervisor/internal/hypervisorctl"
)

func scheduleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schedule",
		Short: "Run a single scheduling pass over the priority queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp((*hypervisorctl.App).Schedule)
		},
	}
}

func cleanupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Run a single cleanup pass, releasing the resources of finished deployments",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp((*hypervisorctl.App).Cleanup)
		},
	}
}
