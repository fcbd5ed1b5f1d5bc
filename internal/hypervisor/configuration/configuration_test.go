package configuration

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/hypervisor-io/hypervisor/internal/common/config"
	"github.com/hypervisor-io/hypervisor/internal/common/logging"
)

func validConfig() Configuration {
	return Configuration{
		Storage: config.PostgresStorage,
		Postgres: config.PostgresConfig{
			Connection:  map[string]string{"host": "localhost"},
			LockTimeout: 5 * time.Second,
		},
		Redis: config.RedisConfig{Addrs: []string{"localhost:6379"}, PoolSize: 10},
		Queue: QueueConfig{
			Key:       "deployment_queue",
			PushRetry: RetryConfig{Attempts: 3, Delay: 100 * time.Millisecond},
		},
		Scheduling: SchedulingConfig{
			SchedulePeriod:  time.Minute,
			CleanupPeriod:   2 * time.Minute,
			MaxPassDuration: 30 * time.Second,
		},
		Metrics: MetricsConfig{Port: 9000, HealthPort: 8080},
		Logging: logging.Config{Level: "info", Format: "text"},
	}
}

func TestConfiguration_Validate(t *testing.T) {
	tests := map[string]struct {
		modify func(c *Configuration)
		valid  bool
	}{
		"valid": {
			modify: func(c *Configuration) {},
			valid:  true,
		},
		"memory storage ignores postgres": {
			modify: func(c *Configuration) {
				c.Storage = config.MemoryStorage
				c.Postgres = config.PostgresConfig{}
			},
			valid: true,
		},
		"postgres storage requires connection": {
			modify: func(c *Configuration) { c.Postgres = config.PostgresConfig{} },
		},
		"unknown storage": {
			modify: func(c *Configuration) { c.Storage = "sqlite" },
		},
		"missing queue key": {
			modify: func(c *Configuration) { c.Queue.Key = "" },
		},
		"zero push attempts": {
			modify: func(c *Configuration) { c.Queue.PushRetry.Attempts = 0 },
		},
		"missing schedule period": {
			modify: func(c *Configuration) { c.Scheduling.SchedulePeriod = 0 },
		},
		"missing redis address": {
			modify: func(c *Configuration) { c.Redis.Addrs = nil },
		},
		"bad log level": {
			modify: func(c *Configuration) { c.Logging.Level = "loud" },
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			c := validConfig()
			tc.modify(&c)
			err := c.Validate()
			if tc.valid {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}
