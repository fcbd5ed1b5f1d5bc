package app

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/hypervisor-io/hypervisor/internal/common/hvcontext"
)

// CreateContextWithShutdown returns a context, carrying the standard logger, that is cancelled when the process
// receives SIGINT or SIGTERM.
func CreateContextWithShutdown() *hvcontext.Context {
	ctx, cancel := context.WithCancel(context.Background())
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		defer signal.Stop(signals)
		select {
		case sig := <-signals:
			log.Infof("Received %s, shutting down", sig)
			cancel()
		case <-ctx.Done():
		}
	}()
	return hvcontext.New(ctx, log.NewEntry(log.StandardLogger()))
}
