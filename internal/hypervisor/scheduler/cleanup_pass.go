package scheduler

import (
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/hypervisor-io/hypervisor/internal/common/hvcontext"
	"github.com/hypervisor-io/hypervisor/internal/common/hverrors"
	"github.com/hypervisor-io/hypervisor/internal/common/logging"
	"github.com/hypervisor-io/hypervisor/internal/common/util"
	"github.com/hypervisor-io/hypervisor/internal/hypervisor/allocation"
	"github.com/hypervisor-io/hypervisor/internal/hypervisor/database"
	"github.com/hypervisor-io/hypervisor/internal/hypervisor/metrics"
	"github.com/hypervisor-io/hypervisor/internal/hypervisor/model"
)

// CleanupReport summarises a single cleanup pass.
type CleanupReport struct {
	PassId string
	// Deployments whose allocation was deleted
	Released []int64
	// Deployments that never held an allocation and have been stamped as completed
	Stamped []int64
	// Deployments found to have started without holding an allocation. These are left untouched.
	Inconsistent []int64
	// Deployments not processed because their cluster's lock couldn't be acquired
	Skipped []int64
	Errors  *multierror.Error
}

func (r *CleanupReport) String() string {
	return fmt.Sprintf(
		"%d released, %d stamped, %d inconsistent, %d skipped, %d errors",
		len(r.Released), len(r.Stamped), len(r.Inconsistent), len(r.Skipped), len(r.Errors.WrappedErrors()),
	)
}

// CleanupPass releases the allocations of COMPLETED and FAILED deployments and stamps their completion time.
// Running it again without any state change in between does nothing.
type CleanupPass struct {
	repo    database.Repository
	store   *allocation.Store
	metrics *metrics.Metrics
}

func NewCleanupPass(repo database.Repository, store *allocation.Store, metrics *metrics.Metrics) *CleanupPass {
	return &CleanupPass{
		repo:    repo,
		store:   store,
		metrics: metrics,
	}
}

func (p *CleanupPass) Run(ctx *hvcontext.Context) (*CleanupReport, error) {
	start := time.Now()
	report := &CleanupReport{PassId: util.NewULID()}
	ctx = hvcontext.WithLogFields(ctx, logrus.Fields{"pass": metrics.CleanupPass, "passId": report.PassId})
	defer func() {
		p.metrics.ReportPassDuration(metrics.CleanupPass, time.Since(start))
	}()

	candidates, err := p.repo.ListUncleanedTerminalDeployments(ctx)
	if err != nil {
		return report, err
	}
	if len(candidates) == 0 {
		ctx.Log.Debug("No finished deployments to clean up")
		return report, nil
	}

	for _, candidate := range candidates {
		if err := ctx.Err(); err != nil {
			report.Errors = multierror.Append(report.Errors, errors.WithStack(err))
			break
		}
		entryCtx := hvcontext.WithLogFields(ctx, logrus.Fields{
			"deploymentId": candidate.Id,
			"clusterId":    candidate.ClusterId,
		})
		if err := p.finalize(entryCtx, candidate, report); err != nil {
			logging.WithStacktrace(entryCtx.Log, err).Error("Failed to clean up deployment")
			p.metrics.ReportEntryError(metrics.CleanupPass)
			report.Errors = multierror.Append(report.Errors, errors.WithMessagef(err, "deployment %d", candidate.Id))
		}
	}
	ctx.Log.Infof("Cleanup pass complete in %s: %s", time.Since(start), report)
	return report, report.Errors.ErrorOrNil()
}

func (p *CleanupPass) finalize(ctx *hvcontext.Context, candidate *model.Deployment, report *CleanupReport) error {
	outcome := allocation.AlreadyFinalized
	err := p.repo.WithClusterLock(ctx, candidate.ClusterId, func(tx database.Tx) error {
		deployment, err := tx.GetDeployment(ctx, candidate.Id)
		if err != nil {
			return err
		}
		// Only a terminal deployment can be finalized. Anything else changed under us and is left alone.
		if deployment.IsDeleted || !deployment.Status.IsTerminal() {
			return nil
		}
		outcome, err = p.store.Finalize(ctx, tx, deployment)
		return err
	})
	if hverrors.IsLockNotAcquired(err) {
		ctx.Log.Warn("Couldn't lock cluster, deployment will be cleaned up on the next pass")
		report.Skipped = append(report.Skipped, candidate.Id)
		return nil
	}
	if err != nil {
		var e *hverrors.ErrInvalidState
		if errors.As(err, &e) {
			report.Inconsistent = append(report.Inconsistent, candidate.Id)
			p.metrics.ReportCapacityInconsistency()
		}
		return err
	}

	switch outcome {
	case allocation.Released:
		ctx.Log.Info("Released allocation of finished deployment")
		report.Released = append(report.Released, candidate.Id)
	case allocation.Stamped:
		ctx.Log.Info("Finished deployment never held an allocation, marked as completed")
		report.Stamped = append(report.Stamped, candidate.Id)
	default:
		return nil
	}
	p.metrics.ReportFinalized(outcome.String())
	return nil
}
