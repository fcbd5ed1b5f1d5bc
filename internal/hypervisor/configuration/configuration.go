package configuration

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"

	"github.com/hypervisor-io/hypervisor/internal/common/config"
	"github.com/hypervisor-io/hypervisor/internal/common/logging"
)

type Configuration struct {
	// Which store backs clusters, deployments and allocations: postgres or memory
	Storage config.StorageBackend `validate:"required,oneof=postgres memory"`
	// Database configuration. Only used when Storage is postgres
	Postgres config.PostgresConfig `validate:"-"`
	// Redis holding the deployment priority queue
	Redis      config.RedisConfig
	Queue      QueueConfig
	Scheduling SchedulingConfig
	Metrics    MetricsConfig
	Logging    logging.Config
}

type QueueConfig struct {
	// Key of the sorted set holding queued deployments
	Key string `validate:"required"`
	// Retry policy for pushing newly queued deployments after admission commits
	PushRetry RetryConfig
}

type RetryConfig struct {
	Attempts uint          `validate:"gte=1"`
	Delay    time.Duration `validate:"gte=0"`
}

type SchedulingConfig struct {
	// How often the scheduling pass drains the priority queue
	SchedulePeriod time.Duration `validate:"required"`
	// How often the cleanup pass releases the allocations of finished deployments
	CleanupPeriod time.Duration `validate:"required"`
	// Upper bound on a single pass
	MaxPassDuration time.Duration `validate:"required"`
}

type MetricsConfig struct {
	Port uint16 `validate:"required"`
	// Port for the /health endpoint
	HealthPort uint16 `validate:"required"`
}

func (c Configuration) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return err
	}
	if c.Storage == config.PostgresStorage {
		if err := validate.Struct(c.Postgres); err != nil {
			return err
		}
	}
	if err := c.Logging.Validate(); err != nil {
		return errors.WithMessage(err, "invalid logging configuration")
	}
	return nil
}
