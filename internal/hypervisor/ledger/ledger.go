// Package ledger derives the free capacity of a cluster from its total capacity and the allocations bound to it.
// There are no stored counters; availability is always recomputed so it can't drift from the allocations.
package ledger

import (
	"github.com/pkg/errors"

	"github.com/hypervisor-io/hypervisor/internal/common/hvcontext"
	"github.com/hypervisor-io/hypervisor/internal/common/hverrors"
	"github.com/hypervisor-io/hypervisor/internal/hypervisor/database"
	"github.com/hypervisor-io/hypervisor/internal/hypervisor/model"
)

// Availability is a snapshot of a cluster's capacity.
type Availability struct {
	ClusterId int64
	Total     model.Resources
	Allocated model.Resources
	Available model.Resources
}

// AvailableResources returns the cluster's total capacity minus the sum of its allocations.
// Returns *hverrors.ErrCapacityInconsistency if any dimension is negative, which means the cluster is oversubscribed.
// Callers making admission decisions must pass a Tx holding the cluster lock so that the answer stays valid
// until they commit.
func AvailableResources(ctx *hvcontext.Context, reader database.Reader, cluster *model.Cluster) (model.Resources, error) {
	availability, err := ClusterAvailability(ctx, reader, cluster)
	if err != nil {
		return model.Resources{}, err
	}
	return availability.Available, nil
}

// ClusterAvailability is AvailableResources with the totals and allocated sums included.
func ClusterAvailability(ctx *hvcontext.Context, reader database.Reader, cluster *model.Cluster) (*Availability, error) {
	allocated, err := reader.SumAllocations(ctx, cluster.Id)
	if err != nil {
		return nil, err
	}
	available := cluster.Total.Sub(allocated)
	totals, used := cluster.Total.Dimensions(), allocated.Dimensions()
	for i, dim := range available.Dimensions() {
		if dim.Value < 0 {
			ctx.Log.Errorf(
				"cluster %d is oversubscribed on %s: %d allocated out of %d",
				cluster.Id, dim.Name, used[i].Value, totals[i].Value)
			return nil, errors.WithStack(&hverrors.ErrCapacityInconsistency{
				ClusterId: cluster.Id,
				Resource:  dim.Name,
				Allocated: used[i].Value,
				Total:     totals[i].Value,
			})
		}
	}
	return &Availability{
		ClusterId: cluster.Id,
		Total:     cluster.Total,
		Allocated: allocated,
		Available: available,
	}, nil
}

// HasSufficientResources returns true if required fits within available on every dimension.
func HasSufficientResources(required, available model.Resources) bool {
	return available.Fits(required)
}
