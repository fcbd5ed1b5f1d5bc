package allocation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hypervisor-io/hypervisor/internal/common/hvcontext"
	"github.com/hypervisor-io/hypervisor/internal/common/hverrors"
	"github.com/hypervisor-io/hypervisor/internal/hypervisor/database"
	"github.com/hypervisor-io/hypervisor/internal/hypervisor/model"
	"github.com/hypervisor-io/hypervisor/internal/hypervisor/testfixtures"
)

func TestStore_Finalize(t *testing.T) {
	tests := map[string]struct {
		status          model.DeploymentStatus
		started         bool
		completed       bool
		withAllocation  bool
		expectedOutcome Outcome
		expectedError   bool
	}{
		"completed with allocation": {
			status:          model.DeploymentCompleted,
			started:         true,
			withAllocation:  true,
			expectedOutcome: Released,
		},
		"failed while queued": {
			status:          model.DeploymentFailed,
			expectedOutcome: Stamped,
		},
		"already finalized": {
			status:          model.DeploymentCompleted,
			started:         true,
			completed:       true,
			expectedOutcome: AlreadyFinalized,
		},
		"stamped but still holding an allocation": {
			status:          model.DeploymentFailed,
			started:         true,
			completed:       true,
			withAllocation:  true,
			expectedOutcome: Released,
		},
		"started without allocation": {
			status:        model.DeploymentCompleted,
			started:       true,
			expectedError: true,
		},
		"not terminal": {
			status:         model.DeploymentInProgress,
			started:        true,
			withAllocation: true,
			expectedError:  true,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			ctx := hvcontext.Background()
			clock := testfixtures.NewClock()
			repo := testfixtures.NewRepository(t, clock)
			cluster := testfixtures.CreateCluster(t, repo, testfixtures.LargeCluster)
			d := &model.Deployment{
				Priority:  1,
				Required:  model.Resources{Cpu: 4, Ram: 16384, Gpu: 1},
				ClusterId: cluster.Id,
				Status:    tc.status,
			}
			if tc.started {
				startedAt := testfixtures.BaseTime
				d.StartedAt = &startedAt
			}
			if tc.completed {
				completedAt := testfixtures.BaseTime
				d.CompletedAt = &completedAt
			}
			testfixtures.InsertDeployment(t, repo, d)
			if tc.withAllocation {
				testfixtures.InsertAllocation(t, repo, d)
			}
			clock.Step(time.Hour)

			store := NewStore(clock)
			var outcome Outcome
			err := repo.WithClusterLock(ctx, cluster.Id, func(tx database.Tx) error {
				loaded, err := tx.GetDeployment(ctx, d.Id)
				if err != nil {
					return err
				}
				outcome, err = store.Finalize(ctx, tx, loaded)
				return err
			})
			if tc.expectedError {
				var e *hverrors.ErrInvalidState
				assert.ErrorAs(t, err, &e)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.expectedOutcome, outcome)

			_, err = repo.GetAllocationByDeployment(ctx, d.Id)
			assert.True(t, hverrors.IsNotFound(err))
			loaded, err := repo.GetDeployment(ctx, d.Id)
			require.NoError(t, err)
			require.NotNil(t, loaded.CompletedAt)
			if tc.completed {
				assert.Equal(t, testfixtures.BaseTime, *loaded.CompletedAt)
			} else {
				assert.Equal(t, clock.Now(), *loaded.CompletedAt)
			}
		})
	}
}

func TestService_Create(t *testing.T) {
	ctx := hvcontext.Background()
	clock := testfixtures.NewClock()
	repo := testfixtures.NewRepository(t, clock)
	cluster := testfixtures.CreateCluster(t, repo, model.Resources{Cpu: 8, Ram: 8192, Gpu: 1})
	service := NewService(repo, NewStore(clock), clock)

	queued := testfixtures.InsertDeployment(t, repo, &model.Deployment{
		Priority:  1,
		Required:  model.Resources{Cpu: 4, Ram: 4096, Gpu: 1},
		ClusterId: cluster.Id,
		Status:    model.DeploymentQueued,
	})
	allocation, err := service.Create(ctx, queued.Id)
	require.NoError(t, err)
	assert.Equal(t, queued.Required, allocation.Allocated)

	loaded, err := repo.GetDeployment(ctx, queued.Id)
	require.NoError(t, err)
	assert.Equal(t, model.DeploymentInProgress, loaded.Status)
	require.NotNil(t, loaded.StartedAt)
	assert.Equal(t, clock.Now(), *loaded.StartedAt)

	// Allocating twice is rejected
	_, err = service.Create(ctx, queued.Id)
	var alreadyExists *hverrors.ErrAlreadyExists
	assert.ErrorAs(t, err, &alreadyExists)

	// No gpu left
	another := testfixtures.InsertDeployment(t, repo, &model.Deployment{
		Priority:  1,
		Required:  model.Resources{Cpu: 1, Ram: 1, Gpu: 1},
		ClusterId: cluster.Id,
		Status:    model.DeploymentQueued,
	})
	_, err = service.Create(ctx, another.Id)
	var invalidState *hverrors.ErrInvalidState
	assert.ErrorAs(t, err, &invalidState)
	_, err = repo.GetAllocationByDeployment(ctx, another.Id)
	assert.True(t, hverrors.IsNotFound(err))

	_, err = service.Create(ctx, 9999)
	assert.True(t, hverrors.IsNotFound(err))
}

func TestService_Release(t *testing.T) {
	ctx := hvcontext.Background()
	clock := testfixtures.NewClock()
	repo := testfixtures.NewRepository(t, clock)
	cluster := testfixtures.CreateCluster(t, repo, testfixtures.LargeCluster)
	service := NewService(repo, NewStore(clock), clock)

	d := testfixtures.RunningDeployment(t, repo, cluster.Id, model.Resources{Cpu: 4, Ram: 16384, Gpu: 1})

	// Running deployments keep their allocation
	_, err := service.Release(ctx, d.Id)
	var invalidState *hverrors.ErrInvalidState
	assert.ErrorAs(t, err, &invalidState)

	testfixtures.SetStatus(t, repo, d, model.DeploymentCompleted)
	released, err := service.Release(ctx, d.Id)
	require.NoError(t, err)
	assert.Equal(t, d.Required, released.Allocated)

	sum, err := repo.SumAllocations(ctx, cluster.Id)
	require.NoError(t, err)
	assert.True(t, sum.IsZero())
	loaded, err := repo.GetDeployment(ctx, d.Id)
	require.NoError(t, err)
	assert.NotNil(t, loaded.CompletedAt)

	_, err = service.Release(ctx, d.Id)
	assert.True(t, hverrors.IsNotFound(err))
}
