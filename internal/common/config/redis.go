package config

import (
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig describes the Redis deployment holding the priority queue. A single address connects to a
// standalone server, several to a cluster, and MasterName switches to sentinel failover.
type RedisConfig struct {
	Addrs      []string `validate:"required,min=1"`
	MasterName string
	DB         int `validate:"gte=0,lte=15"`
	Password   string
	// Retries of a single command. Negative disables retries
	MaxRetries   int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int `validate:"gte=0"`
	// Zero keeps pooled connections until the server closes them
	ConnMaxIdleTime time.Duration
	ConnMaxLifetime time.Duration
}

func (rc RedisConfig) AsUniversalOptions() *redis.UniversalOptions {
	return &redis.UniversalOptions{
		Addrs:           rc.Addrs,
		MasterName:      rc.MasterName,
		DB:              rc.DB,
		Password:        rc.Password,
		MaxRetries:      rc.MaxRetries,
		DialTimeout:     rc.DialTimeout,
		ReadTimeout:     rc.ReadTimeout,
		WriteTimeout:    rc.WriteTimeout,
		PoolSize:        rc.PoolSize,
		ConnMaxIdleTime: rc.ConnMaxIdleTime,
		ConnMaxLifetime: rc.ConnMaxLifetime,
	}
}
