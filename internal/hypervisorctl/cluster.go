package hypervisorctl

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/hypervisor-io/hypervisor/internal/common"
	"github.com/hypervisor-io/hypervisor/internal/hypervisor/cluster"
	"github.com/hypervisor-io/hypervisor/internal/hypervisor/model"
)

func (a *App) CreateCluster(request cluster.ClusterRequest) error {
	ctx, cancel := common.ContextWithDefaultTimeout()
	defer cancel()
	c, err := a.Components.Clusters.Create(ctx, request)
	if err != nil {
		return errors.WithMessagef(err, "error creating cluster %s", request.Name)
	}
	fmt.Fprintf(a.Out, "Created cluster %d (%s) with %s\n", c.Id, c.Name, c.Total)
	return nil
}

func (a *App) ListClusters(includeDeleted bool) error {
	ctx, cancel := common.ContextWithDefaultTimeout()
	defer cancel()
	clusters, err := a.Components.Clusters.List(ctx, includeDeleted)
	if err != nil {
		return errors.WithMessage(err, "error listing clusters")
	}
	w := a.newTabWriter()
	fmt.Fprintln(w, "ID\tNAME\tORGANIZATION\tCPU\tRAM\tGPU\tDELETED")
	for _, c := range clusters {
		fmt.Fprintf(w, "%d\t%s\t%d\t%d\t%d\t%d\t%t\n",
			c.Id, c.Name, c.OrganizationId, c.Total.Cpu, c.Total.Ram, c.Total.Gpu, c.IsDeleted)
	}
	return w.Flush()
}

func (a *App) DeleteCluster(id int64) error {
	ctx, cancel := common.ContextWithDefaultTimeout()
	defer cancel()
	if err := a.Components.Clusters.Delete(ctx, id); err != nil {
		return errors.WithMessagef(err, "error deleting cluster %d", id)
	}
	fmt.Fprintf(a.Out, "Deleted cluster %d\n", id)
	return nil
}

func (a *App) RestoreCluster(id int64) error {
	ctx, cancel := common.ContextWithDefaultTimeout()
	defer cancel()
	if err := a.Components.Clusters.Restore(ctx, id); err != nil {
		return errors.WithMessagef(err, "error restoring cluster %d", id)
	}
	fmt.Fprintf(a.Out, "Restored cluster %d\n", id)
	return nil
}

// ClusterAvailability prints the cluster's total, allocated and free capacity.
func (a *App) ClusterAvailability(id int64) error {
	ctx, cancel := common.ContextWithDefaultTimeout()
	defer cancel()
	availability, err := a.Components.Clusters.Available(ctx, id)
	if err != nil {
		return errors.WithMessagef(err, "error computing availability of cluster %d", id)
	}
	w := a.newTabWriter()
	fmt.Fprintln(w, "\tCPU\tRAM\tGPU")
	for _, row := range []struct {
		name      string
		resources model.Resources
	}{
		{"Total", availability.Total},
		{"Allocated", availability.Allocated},
		{"Available", availability.Available},
	} {
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\n", row.name, row.resources.Cpu, row.resources.Ram, row.resources.Gpu)
	}
	return w.Flush()
}
