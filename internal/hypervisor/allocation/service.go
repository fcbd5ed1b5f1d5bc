package allocation

import (
	"strconv"

	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	"github.com/hypervisor-io/hypervisor/internal/common/hvcontext"
	"github.com/hypervisor-io/hypervisor/internal/common/hverrors"
	"github.com/hypervisor-io/hypervisor/internal/hypervisor/database"
	"github.com/hypervisor-io/hypervisor/internal/hypervisor/ledger"
	"github.com/hypervisor-io/hypervisor/internal/hypervisor/model"
)

// Service exposes manual allocation management to operators.
type Service struct {
	repo  database.Repository
	store *Store
	clock clock.PassiveClock
}

func NewService(repo database.Repository, store *Store, clock clock.PassiveClock) *Service {
	return &Service{repo: repo, store: store, clock: clock}
}

// Create allocates the deployment's required resources immediately, bypassing the queue. A QUEUED deployment is
// promoted to IN_PROGRESS; its stale queue entry is pruned by the next scheduling pass.
func (s *Service) Create(ctx *hvcontext.Context, deploymentId int64) (*model.ResourceAllocation, error) {
	deployment, err := s.repo.GetDeployment(ctx, deploymentId)
	if err != nil {
		return nil, err
	}
	var allocation *model.ResourceAllocation
	err = s.repo.WithClusterLock(ctx, deployment.ClusterId, func(tx database.Tx) error {
		deployment, err := tx.GetDeployment(ctx, deploymentId)
		if err != nil {
			return err
		}
		if deployment.IsDeleted {
			return errors.WithStack(&hverrors.ErrNotFound{Type: "deployment", Value: strconv.FormatInt(deploymentId, 10)})
		}
		if deployment.Status != model.DeploymentQueued && deployment.Status != model.DeploymentInProgress {
			return errors.WithStack(&hverrors.ErrInvalidState{
				Type:    "deployment",
				Value:   strconv.FormatInt(deploymentId, 10),
				State:   string(deployment.Status),
				Message: "only QUEUED or IN_PROGRESS deployments can be allocated",
			})
		}
		if _, err := tx.GetAllocationByDeployment(ctx, deploymentId); err == nil {
			return errors.WithStack(&hverrors.ErrAlreadyExists{
				Type:  "resource_allocation",
				Value: strconv.FormatInt(deploymentId, 10),
			})
		} else if !hverrors.IsNotFound(err) {
			return err
		}
		cluster, err := tx.GetCluster(ctx, deployment.ClusterId)
		if err != nil {
			return err
		}
		if cluster.IsDeleted {
			return errors.WithStack(&hverrors.ErrNotFound{Type: "cluster", Value: strconv.FormatInt(cluster.Id, 10)})
		}
		available, err := ledger.AvailableResources(ctx, tx, cluster)
		if err != nil {
			return err
		}
		if !ledger.HasSufficientResources(deployment.Required, available) {
			return errors.WithStack(&hverrors.ErrInvalidState{
				Type:    "cluster",
				Value:   strconv.FormatInt(cluster.Id, 10),
				State:   "insufficient capacity",
				Message: "requested " + deployment.Required.String() + ", available " + available.String(),
			})
		}
		allocation, err = s.store.Create(ctx, tx, deployment)
		if err != nil {
			return err
		}
		if deployment.Status == model.DeploymentQueued {
			now := s.clock.Now()
			deployment.Status = model.DeploymentInProgress
			deployment.StartedAt = &now
			return tx.UpdateDeployment(ctx, deployment)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	ctx.Log.Infof("Manually allocated %s to deployment %d on cluster %d",
		allocation.Allocated, deploymentId, allocation.ClusterId)
	return allocation, nil
}

// Release deletes the allocation held by a COMPLETED or FAILED deployment and stamps its completion time.
// Returns *hverrors.ErrNotFound if the deployment holds no allocation.
func (s *Service) Release(ctx *hvcontext.Context, deploymentId int64) (*model.ResourceAllocation, error) {
	deployment, err := s.repo.GetDeployment(ctx, deploymentId)
	if err != nil {
		return nil, err
	}
	var allocation *model.ResourceAllocation
	err = s.repo.WithClusterLock(ctx, deployment.ClusterId, func(tx database.Tx) error {
		deployment, err := tx.GetDeployment(ctx, deploymentId)
		if err != nil {
			return err
		}
		if !deployment.Status.IsTerminal() {
			return errors.WithStack(&hverrors.ErrInvalidState{
				Type:    "deployment",
				Value:   strconv.FormatInt(deploymentId, 10),
				State:   string(deployment.Status),
				Message: "allocations can only be released from COMPLETED or FAILED deployments",
			})
		}
		allocation, err = s.store.Release(ctx, tx, deployment)
		return err
	})
	if err != nil {
		return nil, err
	}
	ctx.Log.Infof("Released %s from deployment %d on cluster %d",
		allocation.Allocated, deploymentId, allocation.ClusterId)
	return allocation, nil
}
