package admission

import (
	"strconv"

	"github.com/avast/retry-go"
	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	"github.com/hypervisor-io/hypervisor/internal/common/hvcontext"
	"github.com/hypervisor-io/hypervisor/internal/common/hverrors"
	"github.com/hypervisor-io/hypervisor/internal/common/logging"
	"github.com/hypervisor-io/hypervisor/internal/common/validation"
	"github.com/hypervisor-io/hypervisor/internal/hypervisor/allocation"
	"github.com/hypervisor-io/hypervisor/internal/hypervisor/configuration"
	"github.com/hypervisor-io/hypervisor/internal/hypervisor/database"
	"github.com/hypervisor-io/hypervisor/internal/hypervisor/ledger"
	"github.com/hypervisor-io/hypervisor/internal/hypervisor/metrics"
	"github.com/hypervisor-io/hypervisor/internal/hypervisor/model"
	"github.com/hypervisor-io/hypervisor/internal/hypervisor/queue"
)

// DeploymentRequest is a request to run a workload on a cluster.
type DeploymentRequest struct {
	ClusterId int64 `json:"clusterId" validate:"gt=0"`
	// Higher values are scheduled first. May be negative.
	Priority  int32  `json:"priority"`
	Cpu       int64  `json:"cpu" validate:"gt=0"`
	Ram       int64  `json:"ram" validate:"gt=0"`
	Gpu       int64  `json:"gpu" validate:"gt=0"`
	ImagePath string `json:"imagePath" validate:"required,max=512"`
}

func (r DeploymentRequest) Required() model.Resources {
	return model.Resources{Cpu: r.Cpu, Ram: r.Ram, Gpu: r.Gpu}
}

// Controller decides synchronously whether a new deployment runs immediately or waits in the queue.
type Controller struct {
	repo      database.Repository
	queue     queue.PriorityQueue
	store     *allocation.Store
	clock     clock.PassiveClock
	metrics   *metrics.Metrics
	pushRetry configuration.RetryConfig
}

func NewController(
	repo database.Repository,
	queue queue.PriorityQueue,
	store *allocation.Store,
	clock clock.PassiveClock,
	metrics *metrics.Metrics,
	pushRetry configuration.RetryConfig,
) *Controller {
	return &Controller{
		repo:      repo,
		queue:     queue,
		store:     store,
		clock:     clock,
		metrics:   metrics,
		pushRetry: pushRetry,
	}
}

// Admit creates the deployment described by request. If the cluster has enough free capacity the deployment is
// created IN_PROGRESS together with its allocation, otherwise it's created QUEUED and pushed to the priority
// queue. Both outcomes are successes; the caller inspects the returned deployment's status.
//
// Returns *hverrors.ErrInvalidArgument for a malformed request and *hverrors.ErrNotFound if the cluster doesn't
// exist or has been deleted.
func (c *Controller) Admit(ctx *hvcontext.Context, request DeploymentRequest) (*model.Deployment, error) {
	if err := validation.ValidateStruct(request); err != nil {
		return nil, err
	}
	ctx = hvcontext.WithLogField(ctx, "clusterId", request.ClusterId)

	var deployment *model.Deployment
	err := c.repo.WithClusterLock(ctx, request.ClusterId, func(tx database.Tx) error {
		cluster, err := tx.GetCluster(ctx, request.ClusterId)
		if err != nil {
			return err
		}
		if cluster.IsDeleted {
			return errors.WithStack(&hverrors.ErrNotFound{
				Type:    "cluster",
				Value:   strconv.FormatInt(cluster.Id, 10),
				Message: "cluster has been deleted",
			})
		}
		available, err := ledger.AvailableResources(ctx, tx, cluster)
		if err != nil {
			return err
		}

		now := c.clock.Now()
		deployment = &model.Deployment{
			Priority:  request.Priority,
			Required:  request.Required(),
			ClusterId: cluster.Id,
			ImagePath: request.ImagePath,
			Status:    model.DeploymentQueued,
			QueuedAt:  now,
		}
		fits := ledger.HasSufficientResources(deployment.Required, available)
		if fits {
			deployment.Status = model.DeploymentInProgress
			deployment.StartedAt = &now
		}
		if err := tx.CreateDeployment(ctx, deployment); err != nil {
			return err
		}
		if fits {
			_, err = c.store.Create(ctx, tx, deployment)
			return err
		}
		return nil
	})
	if err != nil {
		var e *hverrors.ErrCapacityInconsistency
		if errors.As(err, &e) {
			c.metrics.ReportCapacityInconsistency()
		}
		return nil, err
	}

	ctx = hvcontext.WithLogField(ctx, "deploymentId", deployment.Id)
	c.metrics.ReportAdmitted(string(deployment.Status))
	if deployment.Status == model.DeploymentQueued {
		ctx.Log.Infof("Insufficient capacity for %s, deployment queued with priority %d",
			deployment.Required, deployment.Priority)
		c.enqueue(ctx, deployment)
	} else {
		ctx.Log.Infof("Allocated %s, deployment in progress", deployment.Required)
	}
	return deployment, nil
}

// enqueue pushes a committed QUEUED deployment onto the priority queue. A deployment that can't be pushed stays
// QUEUED in the store and is re-enqueued by the next scheduling pass.
func (c *Controller) enqueue(ctx *hvcontext.Context, deployment *model.Deployment) {
	err := retry.Do(
		func() error {
			return c.queue.Push(ctx, deployment.QueueKey(), deployment.QueueScore())
		},
		retry.Context(ctx),
		retry.Attempts(c.pushRetry.Attempts),
		retry.Delay(c.pushRetry.Delay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			ctx.Log.WithError(err).Warnf("Failed to push deployment to queue (attempt %d)", n+1)
		}),
	)
	if err != nil {
		c.metrics.ReportQueuePushFailure()
		logging.WithStacktrace(ctx.Log, err).Error("Failed to push deployment to queue; it will be re-enqueued by the next scheduling pass")
	}
}
