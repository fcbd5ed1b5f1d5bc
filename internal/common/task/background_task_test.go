package task

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hypervisor-io/hypervisor/internal/common/hvcontext"
)

func TestBackgroundTaskManager_RunsUntilStopped(t *testing.T) {
	registry := prometheus.NewRegistry()
	manager := NewBackgroundTaskManager(hvcontext.Background(), "test_", registry)

	var runs int32
	manager.Register(func(_ *hvcontext.Context) { atomic.AddInt32(&runs, 1) }, 10*time.Millisecond, "counter")

	assert.Eventually(t, func() bool { return atomic.LoadInt32(&runs) >= 3 }, 5*time.Second, 5*time.Millisecond)
	assert.False(t, manager.StopAll(time.Second))

	stoppedAt := atomic.LoadInt32(&runs)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, stoppedAt, atomic.LoadInt32(&runs))

	count, err := testutil.GatherAndCount(registry, "test_counter_latency_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestBackgroundTaskManager_StopAllCancelsRunningTask(t *testing.T) {
	manager := NewBackgroundTaskManager(hvcontext.Background(), "test_", prometheus.NewRegistry())

	started := make(chan struct{})
	var cancelled atomic.Bool
	manager.Register(func(ctx *hvcontext.Context) {
		close(started)
		<-ctx.Done()
		cancelled.Store(true)
	}, time.Hour, "blocking")
	<-started

	assert.False(t, manager.StopAll(time.Second))
	assert.True(t, cancelled.Load())
}

func TestBackgroundTaskManager_StopAllTimesOut(t *testing.T) {
	manager := NewBackgroundTaskManager(hvcontext.Background(), "test_", prometheus.NewRegistry())

	release := make(chan struct{})
	defer close(release)
	started := make(chan struct{})
	manager.Register(func(_ *hvcontext.Context) {
		close(started)
		<-release
	}, time.Hour, "stuck")
	<-started

	assert.True(t, manager.StopAll(20*time.Millisecond))
}
