package health

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

// Checker is implemented by anything that can report on the health of a dependency.
type Checker interface {
	Check() error
}

// StartupCompleteChecker reports unhealthy until MarkComplete has been called.
type StartupCompleteChecker struct {
	complete atomic.Bool
}

func NewStartupCompleteChecker() *StartupCompleteChecker {
	return &StartupCompleteChecker{}
}

func (c *StartupCompleteChecker) MarkComplete() {
	c.complete.Store(true)
}

func (c *StartupCompleteChecker) Check() error {
	if c.complete.Load() {
		return nil
	}
	return errors.New("startup is not complete")
}

// PingChecker wraps a ping function, e.g. a redis or postgres client's Ping, bounding it by timeout.
type PingChecker struct {
	name    string
	timeout time.Duration
	ping    func(ctx context.Context) error
}

func NewPingChecker(name string, timeout time.Duration, ping func(ctx context.Context) error) *PingChecker {
	return &PingChecker{
		name:    name,
		timeout: timeout,
		ping:    ping,
	}
}

func (c *PingChecker) Check() error {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	if err := c.ping(ctx); err != nil {
		return errors.Wrapf(err, "%s is unreachable", c.name)
	}
	return nil
}
