package scheduler

import (
	"math"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testclock "k8s.io/utils/clock/testing"

	"github.com/hypervisor-io/hypervisor/internal/common/hvcontext"
	"github.com/hypervisor-io/hypervisor/internal/common/hverrors"
	"github.com/hypervisor-io/hypervisor/internal/hypervisor/admission"
	"github.com/hypervisor-io/hypervisor/internal/hypervisor/allocation"
	"github.com/hypervisor-io/hypervisor/internal/hypervisor/configuration"
	"github.com/hypervisor-io/hypervisor/internal/hypervisor/database"
	"github.com/hypervisor-io/hypervisor/internal/hypervisor/deployment"
	"github.com/hypervisor-io/hypervisor/internal/hypervisor/ledger"
	"github.com/hypervisor-io/hypervisor/internal/hypervisor/metrics"
	"github.com/hypervisor-io/hypervisor/internal/hypervisor/model"
	"github.com/hypervisor-io/hypervisor/internal/hypervisor/queue"
	"github.com/hypervisor-io/hypervisor/internal/hypervisor/testfixtures"
)

type testEnv struct {
	ctx        *hvcontext.Context
	clock      *testclock.FakeClock
	repo       *database.MemRepository
	queue      *queue.RedisPriorityQueue
	redis      *miniredis.Miniredis
	scheduling *SchedulingPass
	cleanup    *CleanupPass
}

func newTestEnv(t *testing.T) *testEnv {
	clock := testfixtures.NewClock()
	repo := testfixtures.NewRepository(t, clock)
	q, server := testfixtures.NewQueue(t)
	store := allocation.NewStore(clock)
	m := metrics.NewMetrics(prometheus.NewRegistry())
	return &testEnv{
		ctx:        hvcontext.Background(),
		clock:      clock,
		repo:       repo,
		queue:      q,
		redis:      server,
		scheduling: NewSchedulingPass(repo, q, store, clock, m),
		cleanup:    NewCleanupPass(repo, store, m),
	}
}

// queueDeployment inserts a QUEUED deployment and its queue entry, as admission would.
func (e *testEnv) queueDeployment(t *testing.T, clusterId int64, priority int32, required model.Resources) *model.Deployment {
	d := testfixtures.InsertDeployment(t, e.repo, &model.Deployment{
		Priority:  priority,
		Required:  required,
		ClusterId: clusterId,
		Status:    model.DeploymentQueued,
	})
	require.NoError(t, e.queue.Push(e.ctx, d.QueueKey(), d.QueueScore()))
	return d
}

func (e *testEnv) queueMembers(t *testing.T) []string {
	entries, err := e.queue.RangeByScore(e.ctx, math.Inf(-1), math.Inf(1))
	require.NoError(t, err)
	members := make([]string, len(entries))
	for i, entry := range entries {
		members[i] = entry.Member
	}
	return members
}

func (e *testEnv) status(t *testing.T, id int64) model.DeploymentStatus {
	d, err := e.repo.GetDeployment(e.ctx, id)
	require.NoError(t, err)
	return d.Status
}

// assertInvariants checks the capacity invariant, that no allocation is orphaned and that the queue and the
// QUEUED deployments agree.
func (e *testEnv) assertInvariants(t *testing.T) {
	clusters, err := e.repo.ListClusters(e.ctx)
	require.NoError(t, err)
	for _, cluster := range clusters {
		_, err := ledger.AvailableResources(e.ctx, e.repo, cluster)
		assert.NoError(t, err, "cluster %d", cluster.Id)

		allocations, err := e.repo.ListAllocations(e.ctx, cluster.Id)
		require.NoError(t, err)
		for _, a := range allocations {
			d, err := e.repo.GetDeployment(e.ctx, a.DeploymentId)
			require.NoError(t, err)
			assert.NotEqual(t, model.DeploymentQueued, d.Status, "deployment %d", d.Id)
			assert.Equal(t, d.Required, a.Allocated)
		}
	}

	queued, err := e.repo.ListDeployments(e.ctx, database.DeploymentFilter{
		Statuses: []model.DeploymentStatus{model.DeploymentQueued},
	})
	require.NoError(t, err)
	expected := make([]string, 0, len(queued))
	for _, d := range queued {
		expected = append(expected, d.QueueKey())
	}
	assert.ElementsMatch(t, expected, e.queueMembers(t))
}

func TestSchedulingPass_PriorityOrder(t *testing.T) {
	env := newTestEnv(t)
	cluster := testfixtures.CreateCluster(t, env.repo, model.Resources{Cpu: 1, Ram: 1, Gpu: 1})
	unit := model.Resources{Cpu: 1, Ram: 1, Gpu: 1}
	p3 := env.queueDeployment(t, cluster.Id, 3, unit)
	p1 := env.queueDeployment(t, cluster.Id, 1, unit)
	p2 := env.queueDeployment(t, cluster.Id, 2, unit)

	env.clock.Step(time.Minute)
	report, err := env.scheduling.Run(env.ctx)
	require.NoError(t, err)

	assert.Equal(t, []int64{p3.Id}, report.Scheduled)
	assert.Equal(t, []int64{p2.Id, p1.Id}, report.StillQueued)
	assert.Equal(t, 3, report.Considered)
	assert.Equal(t, model.DeploymentInProgress, env.status(t, p3.Id))
	assert.Equal(t, model.DeploymentQueued, env.status(t, p1.Id))
	assert.Equal(t, model.DeploymentQueued, env.status(t, p2.Id))

	scheduled, err := env.repo.GetDeployment(env.ctx, p3.Id)
	require.NoError(t, err)
	require.NotNil(t, scheduled.StartedAt)
	assert.Equal(t, env.clock.Now(), *scheduled.StartedAt)

	assert.Equal(t, []string{p2.QueueKey(), p1.QueueKey()}, env.queueMembers(t))
	env.assertInvariants(t)
}

func TestSchedulingPass_UnschedulableEntryDoesNotBlockOthers(t *testing.T) {
	env := newTestEnv(t)
	cluster := testfixtures.CreateCluster(t, env.repo, model.Resources{Cpu: 4, Ram: 4096, Gpu: 1})
	big := env.queueDeployment(t, cluster.Id, 10, model.Resources{Cpu: 8, Ram: 1, Gpu: 1})
	small := env.queueDeployment(t, cluster.Id, 1, model.Resources{Cpu: 2, Ram: 1024, Gpu: 1})

	report, err := env.scheduling.Run(env.ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{small.Id}, report.Scheduled)
	assert.Equal(t, []int64{big.Id}, report.StillQueued)
	env.assertInvariants(t)
}

func TestSchedulingPass_EmptyQueue(t *testing.T) {
	env := newTestEnv(t)
	report, err := env.scheduling.Run(env.ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Considered)
	assert.Empty(t, report.Scheduled)
}

func TestSchedulingPass_PrunesStaleEntries(t *testing.T) {
	env := newTestEnv(t)
	cluster := testfixtures.CreateCluster(t, env.repo, testfixtures.LargeCluster)
	deletedCluster := testfixtures.CreateCluster(t, env.repo, testfixtures.LargeCluster)
	unit := model.Resources{Cpu: 1, Ram: 1, Gpu: 1}

	// Already running, e.g. allocated manually
	running := env.queueDeployment(t, cluster.Id, 1, unit)
	testfixtures.InsertAllocation(t, env.repo, running)
	testfixtures.SetStatus(t, env.repo, running, model.DeploymentInProgress)
	// Cluster soft-deleted after admission
	orphaned := env.queueDeployment(t, deletedCluster.Id, 1, unit)
	require.NoError(t, env.repo.SetClusterDeleted(env.ctx, deletedCluster.Id, true))
	// Entries with no deployment behind them
	require.NoError(t, env.queue.Push(env.ctx, "12345", -1))
	require.NoError(t, env.queue.Push(env.ctx, "not-a-number", -1))

	report, err := env.scheduling.Run(env.ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t,
		[]string{running.QueueKey(), orphaned.QueueKey(), "12345", "not-a-number"},
		report.Pruned,
	)
	assert.Empty(t, report.Scheduled)
	assert.Empty(t, env.queueMembers(t))
	// The deployment on the deleted cluster stays QUEUED but is no longer tracked
	assert.Equal(t, model.DeploymentQueued, env.status(t, orphaned.Id))
}

func TestSchedulingPass_ReenqueuesMissingEntries(t *testing.T) {
	env := newTestEnv(t)
	cluster := testfixtures.CreateCluster(t, env.repo, model.Resources{Cpu: 1, Ram: 1, Gpu: 1})
	// Queued in the store but the push after admission never made it
	lost := testfixtures.InsertDeployment(t, env.repo, &model.Deployment{
		Priority:  7,
		Required:  model.Resources{Cpu: 2, Ram: 1, Gpu: 1},
		ClusterId: cluster.Id,
		Status:    model.DeploymentQueued,
	})

	report, err := env.scheduling.Run(env.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Reenqueued)
	assert.Equal(t, []int64{lost.Id}, report.StillQueued)

	entries, err := env.queue.RangeByScore(env.ctx, math.Inf(-1), math.Inf(1))
	require.NoError(t, err)
	assert.Equal(t, []queue.Entry{{Member: lost.QueueKey(), Score: -7}}, entries)
	env.assertInvariants(t)
}

func TestSchedulingPass_QueueUnavailable(t *testing.T) {
	env := newTestEnv(t)
	env.redis.Close()
	_, err := env.scheduling.Run(env.ctx)
	assert.Error(t, err)
}

// lockFailingRepository fails to take the lock of a single cluster.
type lockFailingRepository struct {
	database.Repository
	clusterId int64
	attempts  int
}

func (r *lockFailingRepository) WithClusterLock(ctx *hvcontext.Context, clusterId int64, action func(tx database.Tx) error) error {
	if clusterId == r.clusterId {
		r.attempts++
		return &hverrors.ErrLockNotAcquired{ClusterId: clusterId}
	}
	return r.Repository.WithClusterLock(ctx, clusterId, action)
}

func TestSchedulingPass_SkipsLockedCluster(t *testing.T) {
	env := newTestEnv(t)
	locked := testfixtures.CreateCluster(t, env.repo, testfixtures.LargeCluster)
	free := testfixtures.CreateCluster(t, env.repo, testfixtures.LargeCluster)
	unit := model.Resources{Cpu: 1, Ram: 1, Gpu: 1}
	l1 := env.queueDeployment(t, locked.Id, 3, unit)
	f1 := env.queueDeployment(t, free.Id, 2, unit)
	l2 := env.queueDeployment(t, locked.Id, 1, unit)

	repo := &lockFailingRepository{Repository: env.repo, clusterId: locked.Id}
	m := metrics.NewMetrics(prometheus.NewRegistry())
	pass := NewSchedulingPass(repo, env.queue, allocation.NewStore(env.clock), env.clock, m)

	report, err := pass.Run(env.ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{f1.Id}, report.Scheduled)
	assert.Equal(t, []int64{l1.Id, l2.Id}, report.Skipped)
	assert.Equal(t, 1, repo.attempts)
	assert.Equal(t, []string{l1.QueueKey(), l2.QueueKey()}, env.queueMembers(t))
}

func TestCleanupPass_ReleasesAllocation(t *testing.T) {
	env := newTestEnv(t)
	cluster := testfixtures.CreateCluster(t, env.repo, testfixtures.LargeCluster)
	d := testfixtures.RunningDeployment(t, env.repo, cluster.Id, model.Resources{Cpu: 4, Ram: 16384, Gpu: 1})

	available, err := ledger.AvailableResources(env.ctx, env.repo, cluster)
	require.NoError(t, err)
	assert.Equal(t, model.Resources{Cpu: 12, Ram: 49152, Gpu: 3}, available)

	testfixtures.SetStatus(t, env.repo, d, model.DeploymentCompleted)
	env.clock.Step(time.Hour)
	report, err := env.cleanup.Run(env.ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{d.Id}, report.Released)

	_, err = env.repo.GetAllocationByDeployment(env.ctx, d.Id)
	assert.True(t, hverrors.IsNotFound(err))
	available, err = ledger.AvailableResources(env.ctx, env.repo, cluster)
	require.NoError(t, err)
	assert.Equal(t, testfixtures.LargeCluster, available)

	cleaned, err := env.repo.GetDeployment(env.ctx, d.Id)
	require.NoError(t, err)
	require.NotNil(t, cleaned.CompletedAt)
	assert.Equal(t, env.clock.Now(), *cleaned.CompletedAt)
	assert.Equal(t, model.DeploymentCompleted, cleaned.Status)
}

func TestCleanupPass_Idempotent(t *testing.T) {
	env := newTestEnv(t)
	cluster := testfixtures.CreateCluster(t, env.repo, testfixtures.LargeCluster)
	completed := testfixtures.RunningDeployment(t, env.repo, cluster.Id, model.Resources{Cpu: 1, Ram: 1, Gpu: 1})
	testfixtures.SetStatus(t, env.repo, completed, model.DeploymentCompleted)
	failedWhileQueued := testfixtures.InsertDeployment(t, env.repo, &model.Deployment{
		Priority:  1,
		Required:  model.Resources{Cpu: 1, Ram: 1, Gpu: 1},
		ClusterId: cluster.Id,
		Status:    model.DeploymentFailed,
	})
	stillRunning := testfixtures.RunningDeployment(t, env.repo, cluster.Id, model.Resources{Cpu: 1, Ram: 1, Gpu: 1})

	first, err := env.cleanup.Run(env.ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{completed.Id}, first.Released)
	assert.Equal(t, []int64{failedWhileQueued.Id}, first.Stamped)

	second, err := env.cleanup.Run(env.ctx)
	require.NoError(t, err)
	assert.Empty(t, second.Released)
	assert.Empty(t, second.Stamped)
	assert.Nil(t, second.Errors)

	_, err = env.repo.GetAllocationByDeployment(env.ctx, stillRunning.Id)
	assert.NoError(t, err)
	env.assertInvariants(t)
}

func TestCleanupPass_InconsistentDeploymentIsReported(t *testing.T) {
	env := newTestEnv(t)
	cluster := testfixtures.CreateCluster(t, env.repo, testfixtures.LargeCluster)
	startedAt := testfixtures.BaseTime
	broken := testfixtures.InsertDeployment(t, env.repo, &model.Deployment{
		Priority:  1,
		Required:  model.Resources{Cpu: 1, Ram: 1, Gpu: 1},
		ClusterId: cluster.Id,
		Status:    model.DeploymentCompleted,
		StartedAt: &startedAt,
	})
	healthy := testfixtures.RunningDeployment(t, env.repo, cluster.Id, model.Resources{Cpu: 1, Ram: 1, Gpu: 1})
	testfixtures.SetStatus(t, env.repo, healthy, model.DeploymentFailed)

	report, err := env.cleanup.Run(env.ctx)
	require.Error(t, err)
	assert.Equal(t, []int64{broken.Id}, report.Inconsistent)
	assert.Equal(t, []int64{healthy.Id}, report.Released)

	untouched, err := env.repo.GetDeployment(env.ctx, broken.Id)
	require.NoError(t, err)
	assert.Nil(t, untouched.CompletedAt)
}

// Drives admission-like state changes, both passes and external completions over several rounds, checking the
// invariants after every pass.
func TestPasses_InvariantsHoldAcrossRounds(t *testing.T) {
	env := newTestEnv(t)
	cluster := testfixtures.CreateCluster(t, env.repo, model.Resources{Cpu: 4, Ram: 4096, Gpu: 2})
	var deployments []*model.Deployment
	for i := 0; i < 6; i++ {
		deployments = append(deployments, env.queueDeployment(t, cluster.Id, int32(i%3), model.Resources{Cpu: 2, Ram: 1024, Gpu: 1}))
	}

	for round := 0; round < 4; round++ {
		t.Run("round "+strconv.Itoa(round), func(t *testing.T) {
			_, err := env.scheduling.Run(env.ctx)
			require.NoError(t, err)
			env.assertInvariants(t)

			running, err := env.repo.ListDeployments(env.ctx, database.DeploymentFilter{
				Statuses: []model.DeploymentStatus{model.DeploymentInProgress},
			})
			require.NoError(t, err)
			assert.LessOrEqual(t, len(running), 2)
			for _, d := range running {
				testfixtures.SetStatus(t, env.repo, d, model.DeploymentCompleted)
			}

			_, err = env.cleanup.Run(env.ctx)
			require.NoError(t, err)
			env.assertInvariants(t)
		})
	}

	for _, d := range deployments {
		assert.Equal(t, model.DeploymentCompleted, env.status(t, d.Id))
	}
}

// Overlapping scheduling passes, cleanup passes, admissions and external completions against one cluster.
func TestPasses_ConcurrentWithAdmission(t *testing.T) {
	env := newTestEnv(t)
	total := model.Resources{Cpu: 5, Ram: 5, Gpu: 5}
	unit := model.Resources{Cpu: 1, Ram: 1, Gpu: 1}
	cluster := testfixtures.CreateCluster(t, env.repo, total)
	for i := 0; i < 30; i++ {
		env.queueDeployment(t, cluster.Id, int32(i%4), unit)
	}

	store := allocation.NewStore(env.clock)
	m := metrics.NewMetrics(prometheus.NewRegistry())
	controller := admission.NewController(
		env.repo, env.queue, store, env.clock, m, configuration.RetryConfig{Attempts: 3, Delay: time.Millisecond})
	deployments := deployment.NewService(env.repo, store)

	const workers = 8
	const admissionsPerWorker = 3
	g, ctx := hvcontext.ErrGroup(env.ctx)
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			for round := 0; round < 3; round++ {
				if _, err := env.scheduling.Run(ctx); err != nil {
					return err
				}
				if _, err := env.cleanup.Run(ctx); err != nil {
					return err
				}
			}
			return nil
		})
		g.Go(func() error {
			for j := 0; j < admissionsPerWorker; j++ {
				_, err := controller.Admit(ctx, admission.DeploymentRequest{
					ClusterId: cluster.Id,
					Priority:  int32(j),
					Cpu:       unit.Cpu,
					Ram:       unit.Ram,
					Gpu:       unit.Gpu,
					ImagePath: testfixtures.TestImage,
				})
				if err != nil {
					return err
				}
			}
			return nil
		})
	}
	g.Go(func() error {
		for round := 0; round < 10; round++ {
			running, err := deployments.List(ctx, database.DeploymentFilter{
				Statuses: []model.DeploymentStatus{model.DeploymentInProgress},
			})
			if err != nil {
				return err
			}
			for _, d := range running {
				if _, err := deployments.UpdateStatus(ctx, d.Id, model.DeploymentCompleted); err != nil {
					return err
				}
			}
			time.Sleep(time.Millisecond)
		}
		return nil
	})
	require.NoError(t, g.Wait())

	// A quiet cleanup and scheduling pass settles the queue.
	_, err := env.cleanup.Run(env.ctx)
	require.NoError(t, err)
	_, err = env.scheduling.Run(env.ctx)
	require.NoError(t, err)
	env.assertInvariants(t)

	all, err := env.repo.ListDeployments(env.ctx, database.DeploymentFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 30+workers*admissionsPerWorker)

	running := 0
	for _, d := range all {
		_, err := env.repo.GetAllocationByDeployment(env.ctx, d.Id)
		switch d.Status {
		case model.DeploymentInProgress:
			running++
			assert.NoError(t, err, "deployment %d", d.Id)
		case model.DeploymentCompleted:
			assert.True(t, hverrors.IsNotFound(err), "deployment %d", d.Id)
			assert.NotNil(t, d.CompletedAt, "deployment %d", d.Id)
		}
	}
	assert.LessOrEqual(t, running, 5)
	sum, err := env.repo.SumAllocations(env.ctx, cluster.Id)
	require.NoError(t, err)
	assert.Equal(t, model.Resources{Cpu: int64(running), Ram: int64(running), Gpu: int64(running)}, sum)
}
