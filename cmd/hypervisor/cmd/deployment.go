package cmd

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/hypervisor-io/hypervisor/internal/hypervisor/admission"
	"github.com/hypervisor-io/hypervisor/internal/hypervisor/database"
	"github.com/hypervisor-io/hypervisor/internal/hypervisor/model"
	"github.com/hypervisor-io/hypervisor/internal/hypervisorctl"
)

func admitCmd() *cobra.Command {
	request := admission.DeploymentRequest{}
	var file string
	cmd := &cobra.Command{
		Use:   "admit <image-path>",
		Short: "Submit a deployment; it starts immediately if its cluster has room, otherwise it is queued",
		Long: `Submit a deployment; it starts immediately if its cluster has room, otherwise it is queued.

With --file, every deployment listed in the file is submitted in order instead:

  deployments:
    - clusterId: 1
      priority: 10
      cpu: 4
      ram: 16384
      gpu: 1
      imagePath: registry.example.com/trainer:v2`,
		Args: func(cmd *cobra.Command, args []string) error {
			if file != "" {
				return cobra.NoArgs(cmd, args)
			}
			return cobra.ExactArgs(1)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if file != "" {
				return withApp(func(app *hypervisorctl.App) error {
					return app.AdmitFile(file)
				})
			}
			request.ImagePath = args[0]
			return withApp(func(app *hypervisorctl.App) error {
				return app.Admit(request)
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "YAML or JSON file listing deployments to submit")
	cmd.Flags().Int64Var(&request.ClusterId, "cluster", 0, "Id of the cluster to run on")
	cmd.Flags().Int32Var(&request.Priority, "priority", 0, "Higher priorities are scheduled first")
	cmd.Flags().Int64Var(&request.Cpu, "cpu", 0, "Required CPU cores")
	cmd.Flags().Int64Var(&request.Ram, "ram", 0, "Required RAM in MB")
	cmd.Flags().Int64Var(&request.Gpu, "gpu", 0, "Required GPUs")
	return cmd
}

func deploymentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deployment",
		Short: "Inspect deployments and record their outcome",
	}
	cmd.AddCommand(
		deploymentGetCmd(),
		deploymentListCmd(),
		deploymentFinishCmd(),
	)
	return cmd
}

func deploymentGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <deployment-id>",
		Short: "Show a deployment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseId("deployment", args[0])
			if err != nil {
				return err
			}
			return withApp(func(app *hypervisorctl.App) error {
				return app.GetDeployment(id)
			})
		},
	}
}

func deploymentListCmd() *cobra.Command {
	var statuses []string
	var clusterId int64
	var includeDeleted bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List deployments",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := database.DeploymentFilter{IncludeDeleted: includeDeleted}
			for _, s := range statuses {
				status := model.DeploymentStatus(strings.ToUpper(s))
				if !status.IsValid() {
					return errors.Errorf("invalid status %q", s)
				}
				filter.Statuses = append(filter.Statuses, status)
			}
			if cmd.Flags().Changed("cluster") {
				filter.ClusterId = &clusterId
			}
			return withApp(func(app *hypervisorctl.App) error {
				return app.ListDeployments(filter)
			})
		},
	}
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "Only list deployments with these statuses")
	cmd.Flags().Int64Var(&clusterId, "cluster", 0, "Only list deployments on this cluster")
	cmd.Flags().BoolVar(&includeDeleted, "all", false, "Include deleted deployments")
	return cmd
}

func deploymentFinishCmd() *cobra.Command {
	var failed bool
	var release bool
	cmd := &cobra.Command{
		Use:   "finish <deployment-id>",
		Short: "Mark a deployment COMPLETED, or FAILED with --failed",
		Long: `Mark a deployment COMPLETED, or FAILED with --failed.

Its resources are released by the next cleanup pass, or immediately with --release.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseId("deployment", args[0])
			if err != nil {
				return err
			}
			status := model.DeploymentCompleted
			if failed {
				status = model.DeploymentFailed
			}
			return withApp(func(app *hypervisorctl.App) error {
				return app.UpdateDeploymentStatus(id, status, release)
			})
		},
	}
	cmd.Flags().BoolVar(&failed, "failed", false, "Mark the deployment FAILED instead of COMPLETED")
	cmd.Flags().BoolVar(&release, "release", false, "Release the deployment's resources immediately")
	return cmd
}
