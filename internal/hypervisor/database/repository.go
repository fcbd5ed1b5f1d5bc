package database

import (
	"github.com/hypervisor-io/hypervisor/internal/common/hvcontext"
	"github.com/hypervisor-io/hypervisor/internal/hypervisor/model"
)

// Reader is the read-only view shared by a Repository and a Tx.
type Reader interface {
	// GetCluster returns the cluster with the given id, including soft-deleted clusters.
	// Returns *hverrors.ErrNotFound if no such cluster exists.
	GetCluster(ctx *hvcontext.Context, id int64) (*model.Cluster, error)
	// GetDeployment returns the deployment with the given id or *hverrors.ErrNotFound.
	GetDeployment(ctx *hvcontext.Context, id int64) (*model.Deployment, error)
	// GetAllocationByDeployment returns the allocation held by the deployment or *hverrors.ErrNotFound.
	GetAllocationByDeployment(ctx *hvcontext.Context, deploymentId int64) (*model.ResourceAllocation, error)
	// SumAllocations returns the per-dimension sum of every allocation bound to the cluster.
	// A cluster without allocations sums to zero.
	SumAllocations(ctx *hvcontext.Context, clusterId int64) (model.Resources, error)
}

// Tx is a unit of work executed while holding the lock of a single cluster. All writes made through a Tx are
// committed together when the action passed to WithClusterLock returns nil and discarded otherwise.
type Tx interface {
	Reader
	// CreateDeployment inserts the deployment and sets its Id.
	CreateDeployment(ctx *hvcontext.Context, deployment *model.Deployment) error
	UpdateDeployment(ctx *hvcontext.Context, deployment *model.Deployment) error
	// CreateAllocation inserts the allocation and sets its Id.
	// Returns *hverrors.ErrAlreadyExists if the deployment already holds an allocation.
	CreateAllocation(ctx *hvcontext.Context, allocation *model.ResourceAllocation) error
	DeleteAllocation(ctx *hvcontext.Context, id int64) error
}

// DeploymentFilter restricts ListDeployments. Zero values match everything except soft-deleted deployments.
type DeploymentFilter struct {
	Statuses       []model.DeploymentStatus
	ClusterId      *int64
	IncludeDeleted bool
}

// Repository is the transactional data-access interface used by the hypervisor core.
type Repository interface {
	Reader
	CreateCluster(ctx *hvcontext.Context, cluster *model.Cluster) error
	ListClusters(ctx *hvcontext.Context) ([]*model.Cluster, error)
	// SetClusterDeleted soft-deletes or restores a cluster.
	SetClusterDeleted(ctx *hvcontext.Context, id int64, deleted bool) error
	// ListDeployments returns the matching deployments ordered by id.
	ListDeployments(ctx *hvcontext.Context, filter DeploymentFilter) ([]*model.Deployment, error)
	// ListUncleanedTerminalDeployments returns non-deleted COMPLETED or FAILED deployments that still hold an
	// allocation or have not yet been stamped with a completion time.
	ListUncleanedTerminalDeployments(ctx *hvcontext.Context) ([]*model.Deployment, error)
	// ListAllocations returns every allocation bound to the cluster.
	ListAllocations(ctx *hvcontext.Context, clusterId int64) ([]*model.ResourceAllocation, error)
	// WithClusterLock runs action inside a single atomic unit while holding an exclusive lock on the cluster.
	// Returns *hverrors.ErrNotFound if the cluster doesn't exist and *hverrors.ErrLockNotAcquired if the lock
	// couldn't be obtained in time.
	WithClusterLock(ctx *hvcontext.Context, clusterId int64, action func(tx Tx) error) error
}
