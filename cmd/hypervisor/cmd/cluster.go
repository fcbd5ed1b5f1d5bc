package cmd

import (
	"github.com/spf13/cobra"

	"github.com/hypervisor-io/hypervisor/internal/hypervisor/cluster"
	"github.com/hypervisor-io/hypervisor/internal/hypervisorctl"
)

func clusterCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cluster",
		Short: "Manage clusters",
	}
	cmd.AddCommand(
		clusterCreateCmd(),
		clusterListCmd(),
		clusterAvailableCmd(),
		clusterIdCmd("delete", "Soft-delete a cluster; running deployments keep their resources", (*hypervisorctl.App).DeleteCluster),
		clusterIdCmd("restore", "Undo the deletion of a cluster", (*hypervisorctl.App).RestoreCluster),
	)
	return cmd
}

func clusterCreateCmd() *cobra.Command {
	request := cluster.ClusterRequest{}
	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Register a cluster and its total capacity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			request.Name = args[0]
			return withApp(func(app *hypervisorctl.App) error {
				return app.CreateCluster(request)
			})
		},
	}
	cmd.Flags().Int64Var(&request.OrganizationId, "organization", 0, "Id of the organization owning the cluster")
	cmd.Flags().Int64Var(&request.Cpu, "cpu", 0, "Total CPU cores")
	cmd.Flags().Int64Var(&request.Ram, "ram", 0, "Total RAM in MB")
	cmd.Flags().Int64Var(&request.Gpu, "gpu", 0, "Total GPUs")
	_ = cmd.MarkFlagRequired("organization")
	return cmd
}

func clusterListCmd() *cobra.Command {
	var includeDeleted bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List clusters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(app *hypervisorctl.App) error {
				return app.ListClusters(includeDeleted)
			})
		},
	}
	cmd.Flags().BoolVar(&includeDeleted, "all", false, "Include deleted clusters")
	return cmd
}

func clusterAvailableCmd() *cobra.Command {
	return clusterIdCmd("available", "Show the total, allocated and free capacity of a cluster", (*hypervisorctl.App).ClusterAvailability)
}

func clusterIdCmd(use string, short string, action func(app *hypervisorctl.App, id int64) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <cluster-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseId("cluster", args[0])
			if err != nil {
				return err
			}
			return withApp(func(app *hypervisorctl.App) error {
				return action(app, id)
			})
		},
	}
}
