package deployment

import (
	"strconv"

	"github.com/pkg/errors"

	"github.com/hypervisor-io/hypervisor/internal/common/hvcontext"
	"github.com/hypervisor-io/hypervisor/internal/common/hverrors"
	"github.com/hypervisor-io/hypervisor/internal/hypervisor/allocation"
	"github.com/hypervisor-io/hypervisor/internal/hypervisor/database"
	"github.com/hypervisor-io/hypervisor/internal/hypervisor/model"
)

// Service is the entry point for actors outside the core that observe or finish deployments.
type Service struct {
	repo  database.Repository
	store *allocation.Store
}

func NewService(repo database.Repository, store *allocation.Store) *Service {
	return &Service{repo: repo, store: store}
}

// Get returns the deployment or *hverrors.ErrNotFound if it doesn't exist or has been deleted.
func (s *Service) Get(ctx *hvcontext.Context, id int64) (*model.Deployment, error) {
	deployment, err := s.repo.GetDeployment(ctx, id)
	if err != nil {
		return nil, err
	}
	if deployment.IsDeleted {
		return nil, notFound(id)
	}
	return deployment, nil
}

func (s *Service) List(ctx *hvcontext.Context, filter database.DeploymentFilter) ([]*model.Deployment, error) {
	return s.repo.ListDeployments(ctx, filter)
}

// UpdateStatus records that a QUEUED or IN_PROGRESS deployment has finished. Resources are released later by the
// cleanup pass, or straight away through Finalize.
func (s *Service) UpdateStatus(ctx *hvcontext.Context, id int64, status model.DeploymentStatus) (*model.Deployment, error) {
	return s.transition(ctx, id, status, false)
}

// Finalize moves the deployment to the given terminal status, releases its allocation if it holds one and stamps
// its completion time, all at once. Returns *hverrors.ErrInvalidState if the deployment has already been
// finalized.
func (s *Service) Finalize(ctx *hvcontext.Context, id int64, status model.DeploymentStatus) (*model.Deployment, error) {
	return s.transition(ctx, id, status, true)
}

func (s *Service) transition(
	ctx *hvcontext.Context,
	id int64,
	status model.DeploymentStatus,
	finalize bool,
) (*model.Deployment, error) {
	if !status.IsTerminal() {
		return nil, errors.WithStack(&hverrors.ErrInvalidArgument{
			Name:    "status",
			Value:   status,
			Message: "must be COMPLETED or FAILED",
		})
	}
	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	ctx = hvcontext.WithLogField(ctx, "deploymentId", id)

	var result *model.Deployment
	err = s.repo.WithClusterLock(ctx, current.ClusterId, func(tx database.Tx) error {
		deployment, err := tx.GetDeployment(ctx, id)
		if err != nil {
			return err
		}
		if deployment.IsCleaned() {
			return invalidState(deployment, "deployment has already been finalized")
		}
		switch {
		case deployment.Status == status && finalize:
			// Already in the requested state, only the release is outstanding.
		case deployment.Status.IsTerminal():
			return invalidState(deployment, "deployment has already finished")
		default:
			deployment.Status = status
			if err := tx.UpdateDeployment(ctx, deployment); err != nil {
				return err
			}
		}
		if finalize {
			if _, err := s.store.Finalize(ctx, tx, deployment); err != nil {
				return err
			}
		}
		result = deployment
		return nil
	})
	if err != nil {
		return nil, err
	}
	ctx.Log.Infof("Deployment is now %s", result.Status)
	return result, nil
}

func invalidState(deployment *model.Deployment, message string) error {
	return errors.WithStack(&hverrors.ErrInvalidState{
		Type:    "deployment",
		Value:   strconv.FormatInt(deployment.Id, 10),
		State:   string(deployment.Status),
		Message: message,
	})
}

func notFound(id int64) error {
	return errors.WithStack(&hverrors.ErrNotFound{Type: "deployment", Value: strconv.FormatInt(id, 10)})
}
