package testfixtures

// This file contains test fixtures to be used throughout the tests of the hypervisor packages.
import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"k8s.io/utils/clock"
	testclock "k8s.io/utils/clock/testing"

	"github.com/hypervisor-io/hypervisor/internal/common/hvcontext"
	"github.com/hypervisor-io/hypervisor/internal/hypervisor/database"
	"github.com/hypervisor-io/hypervisor/internal/hypervisor/model"
	"github.com/hypervisor-io/hypervisor/internal/hypervisor/queue"
)

const (
	TestOrganization = int64(1)
	TestImage        = "registry.example.com/workload:latest"
	TestQueueKey     = "test_deployment_queue"
)

var (
	BaseTime, _ = time.Parse("2006-01-02T15:04:05.000Z", "2023-03-01T15:04:05.000Z")
	// LargeCluster matches the cluster used in the admission scenarios.
	LargeCluster = model.Resources{Cpu: 16, Ram: 65536, Gpu: 4}
)

func NewClock() *testclock.FakeClock {
	return testclock.NewFakeClock(BaseTime)
}

func NewRepository(t *testing.T, clock clock.PassiveClock) *database.MemRepository {
	repo, err := database.NewMemRepository(clock)
	require.NoError(t, err)
	return repo
}

// NewQueue starts a miniredis server that's shut down at the end of the test.
func NewQueue(t *testing.T) (*queue.RedisPriorityQueue, *miniredis.Miniredis) {
	server := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = rc.Close() })
	return queue.NewRedisPriorityQueue(rc, TestQueueKey), server
}

func CreateCluster(t *testing.T, repo database.Repository, total model.Resources) *model.Cluster {
	cluster := &model.Cluster{Name: "test-cluster", OrganizationId: TestOrganization, Total: total}
	require.NoError(t, repo.CreateCluster(hvcontext.Background(), cluster))
	return cluster
}

// InsertDeployment writes a deployment directly to the store without going through admission.
func InsertDeployment(t *testing.T, repo database.Repository, deployment *model.Deployment) *model.Deployment {
	ctx := hvcontext.Background()
	if deployment.ImagePath == "" {
		deployment.ImagePath = TestImage
	}
	if deployment.QueuedAt.IsZero() {
		deployment.QueuedAt = BaseTime
	}
	err := repo.WithClusterLock(ctx, deployment.ClusterId, func(tx database.Tx) error {
		return tx.CreateDeployment(ctx, deployment)
	})
	require.NoError(t, err)
	return deployment
}

// InsertAllocation reserves the deployment's required resources without checking capacity.
func InsertAllocation(t *testing.T, repo database.Repository, deployment *model.Deployment) *model.ResourceAllocation {
	ctx := hvcontext.Background()
	allocation := &model.ResourceAllocation{
		ClusterId:    deployment.ClusterId,
		DeploymentId: deployment.Id,
		Allocated:    deployment.Required,
		AllocatedAt:  BaseTime,
	}
	err := repo.WithClusterLock(ctx, deployment.ClusterId, func(tx database.Tx) error {
		return tx.CreateAllocation(ctx, allocation)
	})
	require.NoError(t, err)
	return allocation
}

// RunningDeployment inserts an IN_PROGRESS deployment together with its allocation.
func RunningDeployment(t *testing.T, repo database.Repository, clusterId int64, required model.Resources) *model.Deployment {
	startedAt := BaseTime
	d := InsertDeployment(t, repo, &model.Deployment{
		Priority:  1,
		Required:  required,
		ClusterId: clusterId,
		Status:    model.DeploymentInProgress,
		StartedAt: &startedAt,
	})
	InsertAllocation(t, repo, d)
	return d
}

// SetStatus overwrites the status of a deployment as an external actor would.
func SetStatus(t *testing.T, repo database.Repository, deployment *model.Deployment, status model.DeploymentStatus) *model.Deployment {
	ctx := hvcontext.Background()
	var updated *model.Deployment
	err := repo.WithClusterLock(ctx, deployment.ClusterId, func(tx database.Tx) error {
		d, err := tx.GetDeployment(ctx, deployment.Id)
		if err != nil {
			return err
		}
		d.Status = status
		updated = d
		return tx.UpdateDeployment(ctx, d)
	})
	require.NoError(t, err)
	return updated
}
