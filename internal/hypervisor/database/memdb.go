package database

import (
	"sort"
	"strconv"
	"sync/atomic"

	"github.com/hashicorp/go-memdb"
	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	"github.com/hypervisor-io/hypervisor/internal/common/hvcontext"
	"github.com/hypervisor-io/hypervisor/internal/common/hverrors"
	"github.com/hypervisor-io/hypervisor/internal/hypervisor/model"
)

const (
	idIndex         = "id"
	statusIndex     = "status"
	clusterIndex    = "cluster"
	deploymentIndex = "deployment"
)

// MemRepository is a Repository implemented on top of https://github.com/hashicorp/go-memdb.
// go-memdb allows a single write transaction at a time, so WithClusterLock serializes writers across all clusters
// rather than per cluster. It's intended for tests and single-process deployments.
//
// Objects stored in the db *must not* be modified; everything read out is copied first.
type MemRepository struct {
	db            *memdb.MemDB
	clock         clock.PassiveClock
	clusterIds    atomic.Int64
	deploymentIds atomic.Int64
	allocationIds atomic.Int64
}

func NewMemRepository(clock clock.PassiveClock) (*MemRepository, error) {
	db, err := memdb.NewMemDB(memDbSchema())
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &MemRepository{db: db, clock: clock}, nil
}

func (r *MemRepository) GetCluster(_ *hvcontext.Context, id int64) (*model.Cluster, error) {
	return memGetCluster(r.db.Txn(false), id)
}

func (r *MemRepository) GetDeployment(_ *hvcontext.Context, id int64) (*model.Deployment, error) {
	return memGetDeployment(r.db.Txn(false), id)
}

func (r *MemRepository) GetAllocationByDeployment(_ *hvcontext.Context, deploymentId int64) (*model.ResourceAllocation, error) {
	return memGetAllocationByDeployment(r.db.Txn(false), deploymentId)
}

func (r *MemRepository) SumAllocations(_ *hvcontext.Context, clusterId int64) (model.Resources, error) {
	return memSumAllocations(r.db.Txn(false), clusterId)
}

func (r *MemRepository) CreateCluster(ctx *hvcontext.Context, cluster *model.Cluster) error {
	if err := ctx.Err(); err != nil {
		return errors.WithStack(err)
	}
	txn := r.db.Txn(true)
	defer txn.Abort()
	now := r.clock.Now()
	cluster.Id = r.clusterIds.Add(1)
	cluster.CreatedAt = now
	cluster.ModifiedAt = now
	stored := *cluster
	if err := txn.Insert(clustersTable, &stored); err != nil {
		return errors.WithStack(err)
	}
	txn.Commit()
	return nil
}

func (r *MemRepository) ListClusters(_ *hvcontext.Context) ([]*model.Cluster, error) {
	iter, err := r.db.Txn(false).Get(clustersTable, idIndex)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	var clusters []*model.Cluster
	for obj := iter.Next(); obj != nil; obj = iter.Next() {
		c := *obj.(*model.Cluster)
		clusters = append(clusters, &c)
	}
	sort.Slice(clusters, func(i, j int) bool { return clusters[i].Id < clusters[j].Id })
	return clusters, nil
}

func (r *MemRepository) SetClusterDeleted(ctx *hvcontext.Context, id int64, deleted bool) error {
	if err := ctx.Err(); err != nil {
		return errors.WithStack(err)
	}
	txn := r.db.Txn(true)
	defer txn.Abort()
	cluster, err := memGetCluster(txn, id)
	if err != nil {
		return err
	}
	cluster.IsDeleted = deleted
	cluster.ModifiedAt = r.clock.Now()
	if err := txn.Insert(clustersTable, cluster); err != nil {
		return errors.WithStack(err)
	}
	txn.Commit()
	return nil
}

func (r *MemRepository) ListDeployments(_ *hvcontext.Context, filter DeploymentFilter) ([]*model.Deployment, error) {
	txn := r.db.Txn(false)
	statuses := make(map[model.DeploymentStatus]bool, len(filter.Statuses))
	for _, s := range filter.Statuses {
		statuses[s] = true
	}
	return memListDeployments(txn, func(d *model.Deployment) bool {
		if len(statuses) > 0 && !statuses[d.Status] {
			return false
		}
		if filter.ClusterId != nil && d.ClusterId != *filter.ClusterId {
			return false
		}
		return filter.IncludeDeleted || !d.IsDeleted
	})
}

func (r *MemRepository) ListUncleanedTerminalDeployments(_ *hvcontext.Context) ([]*model.Deployment, error) {
	txn := r.db.Txn(false)
	var result []*model.Deployment
	for _, status := range model.TerminalStatuses {
		deployments, err := memListByStatus(txn, status)
		if err != nil {
			return nil, err
		}
		for _, d := range deployments {
			if d.IsDeleted {
				continue
			}
			if d.CompletedAt == nil {
				result = append(result, d)
				continue
			}
			allocation, err := txn.First(allocationsTable, deploymentIndex, d.Id)
			if err != nil {
				return nil, errors.WithStack(err)
			}
			if allocation != nil {
				result = append(result, d)
			}
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Id < result[j].Id })
	return result, nil
}

func (r *MemRepository) ListAllocations(_ *hvcontext.Context, clusterId int64) ([]*model.ResourceAllocation, error) {
	iter, err := r.db.Txn(false).Get(allocationsTable, clusterIndex, clusterId)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	var allocations []*model.ResourceAllocation
	for obj := iter.Next(); obj != nil; obj = iter.Next() {
		a := *obj.(*model.ResourceAllocation)
		allocations = append(allocations, &a)
	}
	sort.Slice(allocations, func(i, j int) bool { return allocations[i].Id < allocations[j].Id })
	return allocations, nil
}

func (r *MemRepository) WithClusterLock(ctx *hvcontext.Context, clusterId int64, action func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return errors.WithStack(err)
	}
	txn := r.db.Txn(true)
	defer txn.Abort()
	if _, err := memGetCluster(txn, clusterId); err != nil {
		return err
	}
	if err := action(&memTx{txn: txn, repo: r}); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

type memTx struct {
	txn  *memdb.Txn
	repo *MemRepository
}

func (t *memTx) GetCluster(_ *hvcontext.Context, id int64) (*model.Cluster, error) {
	return memGetCluster(t.txn, id)
}

func (t *memTx) GetDeployment(_ *hvcontext.Context, id int64) (*model.Deployment, error) {
	return memGetDeployment(t.txn, id)
}

func (t *memTx) GetAllocationByDeployment(_ *hvcontext.Context, deploymentId int64) (*model.ResourceAllocation, error) {
	return memGetAllocationByDeployment(t.txn, deploymentId)
}

func (t *memTx) SumAllocations(_ *hvcontext.Context, clusterId int64) (model.Resources, error) {
	return memSumAllocations(t.txn, clusterId)
}

func (t *memTx) CreateDeployment(_ *hvcontext.Context, deployment *model.Deployment) error {
	if _, err := memGetCluster(t.txn, deployment.ClusterId); err != nil {
		return err
	}
	now := t.repo.clock.Now()
	deployment.Id = t.repo.deploymentIds.Add(1)
	deployment.CreatedAt = now
	deployment.ModifiedAt = now
	return errors.WithStack(t.txn.Insert(deploymentsTable, deployment.DeepCopy()))
}

func (t *memTx) UpdateDeployment(_ *hvcontext.Context, deployment *model.Deployment) error {
	if _, err := memGetDeployment(t.txn, deployment.Id); err != nil {
		return err
	}
	deployment.ModifiedAt = t.repo.clock.Now()
	return errors.WithStack(t.txn.Insert(deploymentsTable, deployment.DeepCopy()))
}

func (t *memTx) CreateAllocation(_ *hvcontext.Context, allocation *model.ResourceAllocation) error {
	existing, err := t.txn.First(allocationsTable, deploymentIndex, allocation.DeploymentId)
	if err != nil {
		return errors.WithStack(err)
	}
	if existing != nil {
		return errors.WithStack(&hverrors.ErrAlreadyExists{
			Type:  "resource_allocation",
			Value: strconv.FormatInt(allocation.DeploymentId, 10),
		})
	}
	if _, err := memGetDeployment(t.txn, allocation.DeploymentId); err != nil {
		return err
	}
	allocation.Id = t.repo.allocationIds.Add(1)
	stored := *allocation
	return errors.WithStack(t.txn.Insert(allocationsTable, &stored))
}

func (t *memTx) DeleteAllocation(_ *hvcontext.Context, id int64) error {
	obj, err := t.txn.First(allocationsTable, idIndex, id)
	if err != nil {
		return errors.WithStack(err)
	}
	if obj == nil {
		return errors.WithStack(&hverrors.ErrNotFound{Type: "resource_allocation", Value: strconv.FormatInt(id, 10)})
	}
	return errors.WithStack(t.txn.Delete(allocationsTable, obj))
}

func memGetCluster(txn *memdb.Txn, id int64) (*model.Cluster, error) {
	obj, err := txn.First(clustersTable, idIndex, id)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if obj == nil {
		return nil, errors.WithStack(&hverrors.ErrNotFound{Type: "cluster", Value: strconv.FormatInt(id, 10)})
	}
	c := *obj.(*model.Cluster)
	return &c, nil
}

func memGetDeployment(txn *memdb.Txn, id int64) (*model.Deployment, error) {
	obj, err := txn.First(deploymentsTable, idIndex, id)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if obj == nil {
		return nil, errors.WithStack(&hverrors.ErrNotFound{Type: "deployment", Value: strconv.FormatInt(id, 10)})
	}
	return obj.(*model.Deployment).DeepCopy(), nil
}

func memGetAllocationByDeployment(txn *memdb.Txn, deploymentId int64) (*model.ResourceAllocation, error) {
	obj, err := txn.First(allocationsTable, deploymentIndex, deploymentId)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if obj == nil {
		return nil, errors.WithStack(&hverrors.ErrNotFound{
			Type:  "resource_allocation",
			Value: strconv.FormatInt(deploymentId, 10),
		})
	}
	a := *obj.(*model.ResourceAllocation)
	return &a, nil
}

func memSumAllocations(txn *memdb.Txn, clusterId int64) (model.Resources, error) {
	iter, err := txn.Get(allocationsTable, clusterIndex, clusterId)
	if err != nil {
		return model.Resources{}, errors.WithStack(err)
	}
	var total model.Resources
	for obj := iter.Next(); obj != nil; obj = iter.Next() {
		total = total.Add(obj.(*model.ResourceAllocation).Allocated)
	}
	return total, nil
}

func memListByStatus(txn *memdb.Txn, status model.DeploymentStatus) ([]*model.Deployment, error) {
	iter, err := txn.Get(deploymentsTable, statusIndex, string(status))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	var deployments []*model.Deployment
	for obj := iter.Next(); obj != nil; obj = iter.Next() {
		deployments = append(deployments, obj.(*model.Deployment).DeepCopy())
	}
	return deployments, nil
}

func memListDeployments(txn *memdb.Txn, include func(d *model.Deployment) bool) ([]*model.Deployment, error) {
	iter, err := txn.Get(deploymentsTable, idIndex)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	var deployments []*model.Deployment
	for obj := iter.Next(); obj != nil; obj = iter.Next() {
		d := obj.(*model.Deployment)
		if include(d) {
			deployments = append(deployments, d.DeepCopy())
		}
	}
	sort.Slice(deployments, func(i, j int) bool { return deployments[i].Id < deployments[j].Id })
	return deployments, nil
}

func memDbSchema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			clustersTable: {
				Name: clustersTable,
				Indexes: map[string]*memdb.IndexSchema{
					idIndex: {Name: idIndex, Unique: true, Indexer: &memdb.IntFieldIndex{Field: "Id"}},
				},
			},
			deploymentsTable: {
				Name: deploymentsTable,
				Indexes: map[string]*memdb.IndexSchema{
					idIndex:     {Name: idIndex, Unique: true, Indexer: &memdb.IntFieldIndex{Field: "Id"}},
					statusIndex: {Name: statusIndex, Indexer: &memdb.StringFieldIndex{Field: "Status"}},
				},
			},
			allocationsTable: {
				Name: allocationsTable,
				Indexes: map[string]*memdb.IndexSchema{
					idIndex:         {Name: idIndex, Unique: true, Indexer: &memdb.IntFieldIndex{Field: "Id"}},
					clusterIndex:    {Name: clusterIndex, Indexer: &memdb.IntFieldIndex{Field: "ClusterId"}},
					deploymentIndex: {Name: deploymentIndex, Unique: true, Indexer: &memdb.IntFieldIndex{Field: "DeploymentId"}},
				},
			},
		},
	}
}
