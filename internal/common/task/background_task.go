package task

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/hypervisor-io/hypervisor/internal/common/hvcontext"
)

type task struct {
	name     string
	run      func(ctx *hvcontext.Context)
	interval time.Duration
	latency  prometheus.Histogram
}

// BackgroundTaskManager runs registered functions periodically until stopped. Every run receives a context that
// is cancelled by StopAll, so long runs can abort early.
// It is not threadsafe, it should only be accessed from a single thread.
type BackgroundTaskManager struct {
	ctx           *hvcontext.Context
	cancel        func()
	metricsPrefix string
	registerer    prometheus.Registerer
	wg            sync.WaitGroup
}

func NewBackgroundTaskManager(ctx *hvcontext.Context, metricsPrefix string, registerer prometheus.Registerer) *BackgroundTaskManager {
	ctx, cancel := hvcontext.WithCancel(ctx)
	return &BackgroundTaskManager{
		ctx:           ctx,
		cancel:        cancel,
		metricsPrefix: metricsPrefix,
		registerer:    registerer,
	}
}

// Register starts run immediately and then again every interval, measured from the end of the previous run.
// Runs of the same task never overlap.
func (m *BackgroundTaskManager) Register(run func(ctx *hvcontext.Context), interval time.Duration, name string) {
	t := &task{
		name:     name,
		run:      run,
		interval: interval,
		latency: promauto.With(m.registerer).NewHistogram(prometheus.HistogramOpts{
			Name:    m.metricsPrefix + name + "_latency_seconds",
			Help:    "Background task " + name + " latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 15),
		}),
	}
	m.wg.Add(1)
	go m.loop(t)
}

func (m *BackgroundTaskManager) loop(t *task) {
	defer m.wg.Done()
	ctx := hvcontext.WithLogField(m.ctx, "task", t.name)
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		start := time.Now()
		t.run(ctx)
		t.latency.Observe(time.Since(start).Seconds())
		timer.Reset(t.interval)
	}
}

// StopAll cancels the context of in-flight runs, prevents further runs and waits up to timeout for the
// in-flight runs to return. Returns true if the timeout was hit.
func (m *BackgroundTaskManager) StopAll(timeout time.Duration) bool {
	m.cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.wg.Wait()
	}()
	select {
	case <-done:
		return false
	case <-time.After(timeout):
		return true
	}
}
