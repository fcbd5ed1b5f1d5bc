// Package allocation owns the ResourceAllocation records. Every capacity reservation is created and released
// here, always through a database.Tx holding the lock of the cluster concerned.
package allocation

import (
	"strconv"

	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	"github.com/hypervisor-io/hypervisor/internal/common/hvcontext"
	"github.com/hypervisor-io/hypervisor/internal/common/hverrors"
	"github.com/hypervisor-io/hypervisor/internal/hypervisor/database"
	"github.com/hypervisor-io/hypervisor/internal/hypervisor/model"
)

// Outcome describes what Finalize did to a terminal deployment.
type Outcome int

const (
	// AlreadyFinalized means the deployment held no allocation and had already been stamped.
	AlreadyFinalized Outcome = iota
	// Released means an allocation was deleted.
	Released
	// Stamped means the deployment never held an allocation and has now been stamped as completed.
	Stamped
)

func (o Outcome) String() string {
	switch o {
	case Released:
		return "released"
	case Stamped:
		return "stamped"
	default:
		return "already-finalized"
	}
}

type Store struct {
	clock clock.PassiveClock
}

func NewStore(clock clock.PassiveClock) *Store {
	return &Store{clock: clock}
}

// Create reserves exactly the deployment's required resources on its cluster.
// The caller is responsible for having checked availability under the same Tx.
func (s *Store) Create(ctx *hvcontext.Context, tx database.Tx, deployment *model.Deployment) (*model.ResourceAllocation, error) {
	allocation := &model.ResourceAllocation{
		ClusterId:    deployment.ClusterId,
		DeploymentId: deployment.Id,
		Allocated:    deployment.Required,
		AllocatedAt:  s.clock.Now(),
	}
	if err := tx.CreateAllocation(ctx, allocation); err != nil {
		return nil, err
	}
	return allocation, nil
}

// Release deletes the allocation held by the deployment and stamps its completion time if unset.
// Returns *hverrors.ErrNotFound if the deployment holds no allocation.
func (s *Store) Release(ctx *hvcontext.Context, tx database.Tx, deployment *model.Deployment) (*model.ResourceAllocation, error) {
	allocation, err := tx.GetAllocationByDeployment(ctx, deployment.Id)
	if err != nil {
		return nil, err
	}
	if err := tx.DeleteAllocation(ctx, allocation.Id); err != nil {
		return nil, err
	}
	if deployment.CompletedAt == nil {
		if err := s.stamp(ctx, tx, deployment); err != nil {
			return nil, err
		}
	}
	return allocation, nil
}

// Finalize brings a terminal deployment into its cleaned state: no allocation and a completion time.
// A deployment that started but holds no allocation without having been stamped can't be explained by any
// sequence of valid transitions, so it's reported as *hverrors.ErrInvalidState and left untouched.
func (s *Store) Finalize(ctx *hvcontext.Context, tx database.Tx, deployment *model.Deployment) (Outcome, error) {
	if !deployment.Status.IsTerminal() {
		return AlreadyFinalized, errors.WithStack(&hverrors.ErrInvalidState{
			Type:    "deployment",
			Value:   strconv.FormatInt(deployment.Id, 10),
			State:   string(deployment.Status),
			Message: "only COMPLETED or FAILED deployments can be finalized",
		})
	}
	_, err := s.Release(ctx, tx, deployment)
	if err == nil {
		return Released, nil
	}
	if !hverrors.IsNotFound(err) {
		return AlreadyFinalized, err
	}
	switch {
	case deployment.CompletedAt != nil:
		return AlreadyFinalized, nil
	case deployment.StartedAt == nil:
		return Stamped, s.stamp(ctx, tx, deployment)
	default:
		return AlreadyFinalized, errors.WithStack(&hverrors.ErrInvalidState{
			Type:    "deployment",
			Value:   strconv.FormatInt(deployment.Id, 10),
			State:   string(deployment.Status),
			Message: "deployment started but holds no allocation",
		})
	}
}

func (s *Store) stamp(ctx *hvcontext.Context, tx database.Tx, deployment *model.Deployment) error {
	now := s.clock.Now()
	deployment.CompletedAt = &now
	return tx.UpdateDeployment(ctx, deployment)
}
