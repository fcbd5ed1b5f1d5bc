package hypervisorctl

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/hypervisor-io/hypervisor/internal/common"
)

func (a *App) CreateAllocation(deploymentId int64) error {
	ctx, cancel := common.ContextWithDefaultTimeout()
	defer cancel()
	allocation, err := a.Components.Allocations.Create(ctx, deploymentId)
	if err != nil {
		return errors.WithMessagef(err, "error allocating resources to deployment %d", deploymentId)
	}
	fmt.Fprintf(a.Out, "Allocated %s to deployment %d on cluster %d\n",
		allocation.Allocated, deploymentId, allocation.ClusterId)
	return nil
}

func (a *App) ReleaseAllocation(deploymentId int64) error {
	ctx, cancel := common.ContextWithDefaultTimeout()
	defer cancel()
	allocation, err := a.Components.Allocations.Release(ctx, deploymentId)
	if err != nil {
		return errors.WithMessagef(err, "error releasing resources of deployment %d", deploymentId)
	}
	fmt.Fprintf(a.Out, "Released %s from deployment %d on cluster %d\n",
		allocation.Allocated, deploymentId, allocation.ClusterId)
	return nil
}
