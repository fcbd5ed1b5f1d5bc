package scheduler

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/hypervisor-io/hypervisor/internal/common/hvcontext"
	"github.com/hypervisor-io/hypervisor/internal/common/hverrors"
	"github.com/hypervisor-io/hypervisor/internal/common/logging"
	"github.com/hypervisor-io/hypervisor/internal/common/util"
	"github.com/hypervisor-io/hypervisor/internal/hypervisor/allocation"
	"github.com/hypervisor-io/hypervisor/internal/hypervisor/database"
	"github.com/hypervisor-io/hypervisor/internal/hypervisor/ledger"
	"github.com/hypervisor-io/hypervisor/internal/hypervisor/metrics"
	"github.com/hypervisor-io/hypervisor/internal/hypervisor/model"
	"github.com/hypervisor-io/hypervisor/internal/hypervisor/queue"
)

// Reasons a queue entry is pruned.
const (
	unparseableEntry   = "unparseable"
	deploymentNotFound = "deployment_not_found"
	notQueued          = "not_queued"
	clusterNotFound    = "cluster_not_found"
)

// SchedulingReport summarises a single scheduling pass.
type SchedulingReport struct {
	PassId string
	// Number of QUEUED deployments that were missing from the queue and have been pushed back onto it
	Reenqueued int
	// Number of queue entries in the snapshot the pass worked through
	Considered int
	// Deployments promoted to IN_PROGRESS
	Scheduled []int64
	// Queue members removed because they no longer refer to a schedulable deployment
	Pruned []string
	// Deployments left QUEUED for lack of capacity
	StillQueued []int64
	// Deployments not considered because their cluster's lock couldn't be acquired
	Skipped []int64
	Errors  *multierror.Error
}

func (r *SchedulingReport) String() string {
	return fmt.Sprintf(
		"considered %d entries: %d scheduled, %d pruned, %d still queued, %d skipped, %d re-enqueued, %d errors",
		r.Considered, len(r.Scheduled), len(r.Pruned), len(r.StillQueued), len(r.Skipped), r.Reenqueued,
		len(r.Errors.WrappedErrors()),
	)
}

// SchedulingPass drains the priority queue, promoting every QUEUED deployment whose cluster now has room for it.
// Entries are evaluated highest priority first; an entry that doesn't fit never blocks the ones after it.
type SchedulingPass struct {
	repo    database.Repository
	queue   queue.PriorityQueue
	store   *allocation.Store
	clock   clock.PassiveClock
	metrics *metrics.Metrics
}

func NewSchedulingPass(
	repo database.Repository,
	queue queue.PriorityQueue,
	store *allocation.Store,
	clock clock.PassiveClock,
	metrics *metrics.Metrics,
) *SchedulingPass {
	return &SchedulingPass{
		repo:    repo,
		queue:   queue,
		store:   store,
		clock:   clock,
		metrics: metrics,
	}
}

// Run performs one pass. The returned error is non-nil if the pass couldn't start (e.g. the queue is unreachable)
// or if any entry failed; in the latter case every other entry has still been processed.
func (p *SchedulingPass) Run(ctx *hvcontext.Context) (*SchedulingReport, error) {
	start := time.Now()
	report := &SchedulingReport{PassId: util.NewULID()}
	ctx = hvcontext.WithLogFields(ctx, logrus.Fields{"pass": metrics.SchedulingPass, "passId": report.PassId})
	defer func() {
		p.metrics.ReportPassDuration(metrics.SchedulingPass, time.Since(start))
	}()

	entries, err := p.snapshot(ctx, report)
	if err != nil {
		return report, err
	}
	report.Considered = len(entries)
	p.metrics.ReportQueueLength(len(entries))
	if len(entries) == 0 {
		ctx.Log.Info("Priority queue is empty, nothing to schedule")
		return report, report.Errors.ErrorOrNil()
	}

	skippedClusters := map[int64]bool{}
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			report.Errors = multierror.Append(report.Errors, errors.WithStack(err))
			break
		}
		entryCtx := hvcontext.WithLogField(ctx, "deploymentId", entry.Member)
		if err := p.processEntry(entryCtx, entry, report, skippedClusters); err != nil {
			logging.WithStacktrace(entryCtx.Log, err).Error("Failed to process queue entry")
			p.metrics.ReportEntryError(metrics.SchedulingPass)
			report.Errors = multierror.Append(report.Errors, errors.WithMessagef(err, "queue entry %s", entry.Member))
		}
	}
	ctx.Log.Infof("Scheduling pass complete in %s: %s", time.Since(start), report)
	return report, report.Errors.ErrorOrNil()
}

// snapshot returns the whole queue, highest priority first, after pushing back any QUEUED deployment that's
// missing from it.
func (p *SchedulingPass) snapshot(ctx *hvcontext.Context, report *SchedulingReport) ([]queue.Entry, error) {
	entries, err := p.queue.RangeByScore(ctx, math.Inf(-1), math.Inf(1))
	if err != nil {
		return nil, err
	}
	members := make(map[string]bool, len(entries))
	for _, entry := range entries {
		members[entry.Member] = true
	}

	queued, err := p.repo.ListDeployments(ctx, database.DeploymentFilter{
		Statuses: []model.DeploymentStatus{model.DeploymentQueued},
	})
	if err != nil {
		return nil, err
	}
	var missing []string
	schedulable := map[int64]bool{}
	for _, deployment := range queued {
		if members[deployment.QueueKey()] {
			continue
		}
		ok, checked := schedulable[deployment.ClusterId]
		if !checked {
			cluster, err := p.repo.GetCluster(ctx, deployment.ClusterId)
			if err != nil && !hverrors.IsNotFound(err) {
				return nil, err
			}
			ok = err == nil && !cluster.IsDeleted
			schedulable[deployment.ClusterId] = ok
		}
		// Deployments on deleted clusters can never be scheduled, so they aren't tracked.
		if !ok {
			continue
		}
		if err := p.queue.Push(ctx, deployment.QueueKey(), deployment.QueueScore()); err != nil {
			p.metrics.ReportQueuePushFailure()
			report.Errors = multierror.Append(report.Errors, err)
			continue
		}
		missing = append(missing, deployment.QueueKey())
	}
	if len(missing) == 0 {
		return entries, nil
	}
	report.Reenqueued = len(missing)
	ctx.Log.Warnf("Re-enqueued %d queued deployments missing from the queue: %s", len(missing), strings.Join(missing, ", "))
	return p.queue.RangeByScore(ctx, math.Inf(-1), math.Inf(1))
}

func (p *SchedulingPass) processEntry(
	ctx *hvcontext.Context,
	entry queue.Entry,
	report *SchedulingReport,
	skippedClusters map[int64]bool,
) error {
	id, err := model.ParseQueueKey(entry.Member)
	if err != nil {
		return p.prune(ctx, entry, unparseableEntry, report)
	}
	deployment, err := p.repo.GetDeployment(ctx, id)
	if hverrors.IsNotFound(err) {
		return p.prune(ctx, entry, deploymentNotFound, report)
	} else if err != nil {
		return err
	}
	if deployment.IsDeleted {
		return p.prune(ctx, entry, deploymentNotFound, report)
	}
	if deployment.Status != model.DeploymentQueued {
		return p.prune(ctx, entry, notQueued, report)
	}
	if skippedClusters[deployment.ClusterId] {
		report.Skipped = append(report.Skipped, id)
		return nil
	}
	ctx = hvcontext.WithLogField(ctx, "clusterId", deployment.ClusterId)
	cluster, err := p.repo.GetCluster(ctx, deployment.ClusterId)
	if hverrors.IsNotFound(err) {
		return p.prune(ctx, entry, clusterNotFound, report)
	} else if err != nil {
		return err
	}
	if cluster.IsDeleted {
		return p.prune(ctx, entry, clusterNotFound, report)
	}

	scheduled, stale := false, false
	err = p.repo.WithClusterLock(ctx, cluster.Id, func(tx database.Tx) error {
		// Admission, another pass or an operator may have got here first.
		deployment, err := tx.GetDeployment(ctx, id)
		if err != nil {
			return err
		}
		if deployment.Status != model.DeploymentQueued || deployment.IsDeleted {
			stale = true
			return nil
		}
		cluster, err := tx.GetCluster(ctx, deployment.ClusterId)
		if err != nil {
			return err
		}
		if cluster.IsDeleted {
			stale = true
			return nil
		}
		available, err := ledger.AvailableResources(ctx, tx, cluster)
		if err != nil {
			return err
		}
		if !ledger.HasSufficientResources(deployment.Required, available) {
			return nil
		}
		if _, err := p.store.Create(ctx, tx, deployment); err != nil {
			return err
		}
		now := p.clock.Now()
		deployment.Status = model.DeploymentInProgress
		deployment.StartedAt = &now
		if err := tx.UpdateDeployment(ctx, deployment); err != nil {
			return err
		}
		scheduled = true
		return nil
	})
	switch {
	case hverrors.IsLockNotAcquired(err):
		ctx.Log.Warnf("Couldn't lock cluster %d, skipping its entries until the next pass", cluster.Id)
		skippedClusters[cluster.Id] = true
		report.Skipped = append(report.Skipped, id)
		return nil
	case hverrors.IsNotFound(err):
		return p.prune(ctx, entry, deploymentNotFound, report)
	case err != nil:
		var e *hverrors.ErrCapacityInconsistency
		if errors.As(err, &e) {
			p.metrics.ReportCapacityInconsistency()
		}
		return err
	case stale:
		return p.prune(ctx, entry, notQueued, report)
	case !scheduled:
		ctx.Log.Debugf("Insufficient capacity for %s, leaving deployment queued", deployment.Required)
		report.StillQueued = append(report.StillQueued, id)
		return nil
	}

	ctx.Log.Infof("Scheduled deployment with %s", deployment.Required)
	report.Scheduled = append(report.Scheduled, id)
	p.metrics.ReportScheduled()
	// The transition has committed. If the removal fails the entry is pruned as stale on the next pass.
	return p.queue.Remove(ctx, entry.Member)
}

func (p *SchedulingPass) prune(ctx *hvcontext.Context, entry queue.Entry, reason string, report *SchedulingReport) error {
	if err := p.queue.Remove(ctx, entry.Member); err != nil {
		return err
	}
	ctx.Log.Infof("Removed stale queue entry (%s)", reason)
	report.Pruned = append(report.Pruned, entry.Member)
	p.metrics.ReportPruned(reason)
	return nil
}
