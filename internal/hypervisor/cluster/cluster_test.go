package cluster

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hypervisor-io/hypervisor/internal/common/hvcontext"
	"github.com/hypervisor-io/hypervisor/internal/common/hverrors"
	"github.com/hypervisor-io/hypervisor/internal/hypervisor/model"
	"github.com/hypervisor-io/hypervisor/internal/hypervisor/testfixtures"
)

func TestService_Create(t *testing.T) {
	tests := map[string]struct {
		request       ClusterRequest
		expectedError bool
	}{
		"valid": {
			request: ClusterRequest{OrganizationId: 1, Name: "gpu-pool", Cpu: 16, Ram: 65536, Gpu: 4},
		},
		"no gpus": {
			request: ClusterRequest{OrganizationId: 1, Name: "cpu-pool", Cpu: 16, Ram: 65536},
		},
		"missing organization": {
			request:       ClusterRequest{Name: "pool", Cpu: 1, Ram: 1, Gpu: 1},
			expectedError: true,
		},
		"missing name": {
			request:       ClusterRequest{OrganizationId: 1, Cpu: 1, Ram: 1, Gpu: 1},
			expectedError: true,
		},
		"negative cpu": {
			request:       ClusterRequest{OrganizationId: 1, Name: "pool", Cpu: -1, Ram: 1, Gpu: 1},
			expectedError: true,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			ctx := hvcontext.Background()
			service := NewService(testfixtures.NewRepository(t, testfixtures.NewClock()))
			cluster, err := service.Create(ctx, tc.request)
			if tc.expectedError {
				var e *hverrors.ErrInvalidArgument
				assert.ErrorAs(t, err, &e)
				return
			}
			require.NoError(t, err)
			loaded, err := service.Get(ctx, cluster.Id)
			require.NoError(t, err)
			assert.Equal(t, tc.request.Name, loaded.Name)
			assert.Equal(t, model.Resources{Cpu: tc.request.Cpu, Ram: tc.request.Ram, Gpu: tc.request.Gpu}, loaded.Total)
		})
	}
}

func TestService_DeleteAndRestore(t *testing.T) {
	ctx := hvcontext.Background()
	service := NewService(testfixtures.NewRepository(t, testfixtures.NewClock()))
	a, err := service.Create(ctx, ClusterRequest{OrganizationId: 1, Name: "a", Cpu: 1, Ram: 1, Gpu: 1})
	require.NoError(t, err)
	b, err := service.Create(ctx, ClusterRequest{OrganizationId: 1, Name: "b", Cpu: 1, Ram: 1, Gpu: 1})
	require.NoError(t, err)

	require.NoError(t, service.Delete(ctx, a.Id))
	_, err = service.Get(ctx, a.Id)
	assert.True(t, hverrors.IsNotFound(err))
	_, err = service.Available(ctx, a.Id)
	assert.True(t, hverrors.IsNotFound(err))

	visible, err := service.List(ctx, false)
	require.NoError(t, err)
	require.Len(t, visible, 1)
	assert.Equal(t, b.Id, visible[0].Id)
	all, err := service.List(ctx, true)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, service.Restore(ctx, a.Id))
	_, err = service.Get(ctx, a.Id)
	assert.NoError(t, err)

	assert.True(t, hverrors.IsNotFound(service.Delete(ctx, 999)))
}

func TestService_Available(t *testing.T) {
	ctx := hvcontext.Background()
	repo := testfixtures.NewRepository(t, testfixtures.NewClock())
	service := NewService(repo)
	cluster, err := service.Create(ctx, ClusterRequest{OrganizationId: 1, Name: "pool", Cpu: 16, Ram: 65536, Gpu: 4})
	require.NoError(t, err)
	testfixtures.RunningDeployment(t, repo, cluster.Id, model.Resources{Cpu: 4, Ram: 16384, Gpu: 1})

	availability, err := service.Available(ctx, cluster.Id)
	require.NoError(t, err)
	assert.Equal(t, model.Resources{Cpu: 12, Ram: 49152, Gpu: 3}, availability.Available)
	assert.Equal(t, model.Resources{Cpu: 4, Ram: 16384, Gpu: 1}, availability.Allocated)
}
