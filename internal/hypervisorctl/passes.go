package hypervisorctl

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/hypervisor-io/hypervisor/internal/common/hvcontext"
)

// Schedule runs a single scheduling pass and prints its report. Entries that failed are reported through the
// returned error after the report has been printed.
func (a *App) Schedule() error {
	ctx, cancel := hvcontext.WithTimeout(hvcontext.Background(), a.PassTimeout)
	defer cancel()
	report, err := a.Components.SchedulingPass.Run(ctx)
	if report != nil {
		fmt.Fprintf(a.Out, "Scheduling pass %s: %s\n", report.PassId, report)
		for _, id := range report.Scheduled {
			fmt.Fprintf(a.Out, "  scheduled deployment %d\n", id)
		}
	}
	return errors.WithMessage(err, "scheduling pass failed")
}

// Cleanup runs a single cleanup pass and prints its report.
func (a *App) Cleanup() error {
	ctx, cancel := hvcontext.WithTimeout(hvcontext.Background(), a.PassTimeout)
	defer cancel()
	report, err := a.Components.CleanupPass.Run(ctx)
	if report != nil {
		fmt.Fprintf(a.Out, "Cleanup pass %s: %s\n", report.PassId, report)
		for _, id := range report.Inconsistent {
			fmt.Fprintf(a.Out, "  deployment %d started without an allocation\n", id)
		}
	}
	return errors.WithMessage(err, "cleanup pass failed")
}
