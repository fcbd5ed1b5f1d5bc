package cmd

import (
	"github.com/spf13/cobra"

	"github.com/hypervisor-io/hypervisor/internal/hypervisorctl"
)

func allocationCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "allocation",
		Short: "Manually reserve or release the resources of a deployment",
	}
	cmd.AddCommand(
		deploymentIdCmd("create", "Allocate resources to a QUEUED or IN_PROGRESS deployment, bypassing the queue",
			(*hypervisorctl.App).CreateAllocation),
		deploymentIdCmd("release", "Release the resources held by a COMPLETED or FAILED deployment",
			(*hypervisorctl.App).ReleaseAllocation),
	)
	return cmd
}

func deploymentIdCmd(use string, short string, action func(app *hypervisorctl.App, id int64) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <deployment-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseId("deployment", args[0])
			if err != nil {
				return err
			}
			return withApp(func(app *hypervisorctl.App) error {
				return action(app, id)
			})
		},
	}
}
