package cluster

import (
	"strconv"

	"github.com/pkg/errors"

	"github.com/hypervisor-io/hypervisor/internal/common/hvcontext"
	"github.com/hypervisor-io/hypervisor/internal/common/hverrors"
	"github.com/hypervisor-io/hypervisor/internal/common/validation"
	"github.com/hypervisor-io/hypervisor/internal/hypervisor/database"
	"github.com/hypervisor-io/hypervisor/internal/hypervisor/ledger"
	"github.com/hypervisor-io/hypervisor/internal/hypervisor/model"
)

type ClusterRequest struct {
	OrganizationId int64  `validate:"gt=0"`
	Name           string `validate:"required,max=255"`
	Cpu            int64  `validate:"gte=0"`
	Ram            int64  `validate:"gte=0"`
	Gpu            int64  `validate:"gte=0"`
}

type Service struct {
	repo database.Repository
}

func NewService(repo database.Repository) *Service {
	return &Service{repo: repo}
}

func (s *Service) Create(ctx *hvcontext.Context, request ClusterRequest) (*model.Cluster, error) {
	if err := validation.ValidateStruct(request); err != nil {
		return nil, err
	}
	cluster := &model.Cluster{
		Name:           request.Name,
		OrganizationId: request.OrganizationId,
		Total:          model.Resources{Cpu: request.Cpu, Ram: request.Ram, Gpu: request.Gpu},
	}
	if err := s.repo.CreateCluster(ctx, cluster); err != nil {
		return nil, err
	}
	ctx.Log.Infof("Created cluster %d (%s) with %s", cluster.Id, cluster.Name, cluster.Total)
	return cluster, nil
}

// Get returns the cluster or *hverrors.ErrNotFound if it doesn't exist or has been deleted.
func (s *Service) Get(ctx *hvcontext.Context, id int64) (*model.Cluster, error) {
	cluster, err := s.repo.GetCluster(ctx, id)
	if err != nil {
		return nil, err
	}
	if cluster.IsDeleted {
		return nil, notFound(id)
	}
	return cluster, nil
}

func (s *Service) List(ctx *hvcontext.Context, includeDeleted bool) ([]*model.Cluster, error) {
	clusters, err := s.repo.ListClusters(ctx)
	if err != nil {
		return nil, err
	}
	if includeDeleted {
		return clusters, nil
	}
	result := make([]*model.Cluster, 0, len(clusters))
	for _, c := range clusters {
		if !c.IsDeleted {
			result = append(result, c)
		}
	}
	return result, nil
}

// Delete soft-deletes the cluster. Running deployments keep their allocations; queued ones are dropped from the
// priority queue by the next scheduling pass.
func (s *Service) Delete(ctx *hvcontext.Context, id int64) error {
	if err := s.repo.SetClusterDeleted(ctx, id, true); err != nil {
		return err
	}
	ctx.Log.Infof("Deleted cluster %d", id)
	return nil
}

// Restore undoes Delete. Deployments still QUEUED on the cluster are re-enqueued by the next scheduling pass.
func (s *Service) Restore(ctx *hvcontext.Context, id int64) error {
	if err := s.repo.SetClusterDeleted(ctx, id, false); err != nil {
		return err
	}
	ctx.Log.Infof("Restored cluster %d", id)
	return nil
}

// Available reports the cluster's free capacity. It doesn't take the cluster lock, so the answer may be stale
// by the time it's read.
func (s *Service) Available(ctx *hvcontext.Context, id int64) (*ledger.Availability, error) {
	cluster, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return ledger.ClusterAvailability(ctx, s.repo, cluster)
}

func notFound(id int64) error {
	return errors.WithStack(&hverrors.ErrNotFound{Type: "cluster", Value: strconv.FormatInt(id, 10)})
}
