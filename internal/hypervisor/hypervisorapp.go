package hypervisor

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/hypervisor-io/hypervisor/internal/common"
	"github.com/hypervisor-io/hypervisor/internal/common/app"
	commonconfig "github.com/hypervisor-io/hypervisor/internal/common/config"
	dbcommon "github.com/hypervisor-io/hypervisor/internal/common/database"
	"github.com/hypervisor-io/hypervisor/internal/common/health"
	"github.com/hypervisor-io/hypervisor/internal/common/hvcontext"
	"github.com/hypervisor-io/hypervisor/internal/common/logging"
	"github.com/hypervisor-io/hypervisor/internal/common/task"
	"github.com/hypervisor-io/hypervisor/internal/hypervisor/admission"
	"github.com/hypervisor-io/hypervisor/internal/hypervisor/allocation"
	"github.com/hypervisor-io/hypervisor/internal/hypervisor/cluster"
	"github.com/hypervisor-io/hypervisor/internal/hypervisor/configuration"
	"github.com/hypervisor-io/hypervisor/internal/hypervisor/database"
	"github.com/hypervisor-io/hypervisor/internal/hypervisor/deployment"
	"github.com/hypervisor-io/hypervisor/internal/hypervisor/metrics"
	"github.com/hypervisor-io/hypervisor/internal/hypervisor/queue"
	"github.com/hypervisor-io/hypervisor/internal/hypervisor/scheduler"
)

const pingTimeout = 5 * time.Second

// Components holds every service of the core, wired against the stores named in the configuration.
type Components struct {
	Repository     database.Repository
	Queue          *queue.RedisPriorityQueue
	Metrics        *metrics.Metrics
	Admission      *admission.Controller
	Clusters       *cluster.Service
	Deployments    *deployment.Service
	Allocations    *allocation.Service
	SchedulingPass *scheduler.SchedulingPass
	CleanupPass    *scheduler.CleanupPass
	// Liveness checks for the external stores in use
	Checkers []health.Checker

	closers []func()
}

// NewComponents connects to the configured stores and builds the services on top of them.
// Callers must call Close once done.
func NewComponents(config configuration.Configuration, registerer prometheus.Registerer) (*Components, error) {
	c := &Components{}
	clk := clock.RealClock{}

	switch config.Storage {
	case commonconfig.PostgresStorage:
		db, err := dbcommon.OpenPgxPool(config.Postgres)
		if err != nil {
			return nil, errors.WithMessage(err, "error opening connection to postgres")
		}
		c.closers = append(c.closers, db.Close)
		c.Checkers = append(c.Checkers, health.NewPingChecker("postgres", pingTimeout, db.Ping))
		c.Repository = database.NewPostgresRepository(db, config.Postgres.LockTimeout, clk)
	case commonconfig.MemoryStorage:
		log.Warn("Using in-memory storage; state is lost when the process exits")
		repo, err := database.NewMemRepository(clk)
		if err != nil {
			return nil, err
		}
		c.Repository = repo
	default:
		return nil, errors.Errorf("unknown storage backend %q", config.Storage)
	}

	redisClient := redis.NewUniversalClient(config.Redis.AsUniversalOptions())
	c.closers = append(c.closers, func() {
		if err := redisClient.Close(); err != nil {
			log.WithError(errors.WithStack(err)).Warn("Redis client didn't close down cleanly")
		}
	})
	c.Queue = queue.NewRedisPriorityQueue(redisClient, config.Queue.Key)
	c.Checkers = append(c.Checkers, health.NewPingChecker("redis", pingTimeout, func(ctx context.Context) error {
		return c.Queue.Ping(hvcontext.New(ctx, log.NewEntry(log.StandardLogger())))
	}))

	store := allocation.NewStore(clk)
	c.Metrics = metrics.NewMetrics(registerer)
	c.Admission = admission.NewController(c.Repository, c.Queue, store, clk, c.Metrics, config.Queue.PushRetry)
	c.Clusters = cluster.NewService(c.Repository)
	c.Deployments = deployment.NewService(c.Repository, store)
	c.Allocations = allocation.NewService(c.Repository, store, clk)
	c.SchedulingPass = scheduler.NewSchedulingPass(c.Repository, c.Queue, store, clk, c.Metrics)
	c.CleanupPass = scheduler.NewCleanupPass(c.Repository, store, c.Metrics)
	return c, nil
}

// Close releases the store connections in reverse order of creation.
func (c *Components) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
}

// Run sets up the hypervisor core and runs the scheduling and cleanup passes until a SIGTERM is received
func Run(config configuration.Configuration) error {
	g, ctx := hvcontext.ErrGroup(app.CreateContextWithShutdown())
	ctx = hvcontext.WithLogField(ctx, "service", "hypervisor")

	log.AddHook(logging.NewPrometheusHook(prometheus.DefaultRegisterer))

	//////////////////////////////////////////////////////////////////////////
	// Health Checks
	//////////////////////////////////////////////////////////////////////////
	mux := http.NewServeMux()

	startupCompleteCheck := health.NewStartupCompleteChecker()
	healthChecks := health.NewMultiChecker(startupCompleteCheck)
	health.SetupHttpMux(mux, healthChecks)
	shutdownHttpServer := common.ServeHttp(config.Metrics.HealthPort, mux)
	defer shutdownHttpServer()

	//////////////////////////////////////////////////////////////////////////
	// Storage (postgres or memory) and queue (redis)
	//////////////////////////////////////////////////////////////////////////
	log.Infof("Setting up %s storage and redis queue", config.Storage)
	components, err := NewComponents(config, prometheus.DefaultRegisterer)
	if err != nil {
		return err
	}
	defer components.Close()
	for _, checker := range components.Checkers {
		healthChecks.Add(checker)
	}

	//////////////////////////////////////////////////////////////////////////
	// Background passes
	//////////////////////////////////////////////////////////////////////////
	log.Infof("Starting scheduling pass every %s and cleanup pass every %s",
		config.Scheduling.SchedulePeriod, config.Scheduling.CleanupPeriod)
	taskManager := task.NewBackgroundTaskManager(ctx, metrics.NAMESPACE+"_", prometheus.DefaultRegisterer)
	taskManager.Register(
		func(ctx *hvcontext.Context) {
			runPass(ctx, config.Scheduling.MaxPassDuration, metrics.SchedulingPass, func(ctx *hvcontext.Context) error {
				_, err := components.SchedulingPass.Run(ctx)
				return err
			})
		},
		config.Scheduling.SchedulePeriod,
		"scheduling_pass",
	)
	taskManager.Register(
		func(ctx *hvcontext.Context) {
			runPass(ctx, config.Scheduling.MaxPassDuration, metrics.CleanupPass, func(ctx *hvcontext.Context) error {
				_, err := components.CleanupPass.Run(ctx)
				return err
			})
		},
		config.Scheduling.CleanupPeriod,
		"cleanup_pass",
	)
	g.Go(func() error {
		<-ctx.Done()
		if taskManager.StopAll(config.Scheduling.MaxPassDuration) {
			log.Warn("Background passes didn't stop within the timeout")
		}
		return nil
	})

	//////////////////////////////////////////////////////////////////////////
	// Metrics
	//////////////////////////////////////////////////////////////////////////
	shutdownMetricServer := common.ServeMetrics(config.Metrics.Port)
	defer shutdownMetricServer()

	startupCompleteCheck.MarkComplete()
	return g.Wait()
}

// runPass runs a single pass bounded by timeout. A failed pass is logged and retried on the next tick.
func runPass(parent *hvcontext.Context, timeout time.Duration, name string, pass func(ctx *hvcontext.Context) error) {
	ctx, cancel := hvcontext.WithTimeout(hvcontext.WithLogField(parent, "pass", name), timeout)
	defer cancel()
	if err := pass(ctx); err != nil {
		logging.WithStacktrace(ctx.Log, err).Warnf("%s pass finished with errors", name)
	}
}
