package common

import (
	gocontext "context"
	"time"

	"github.com/hypervisor-io/hypervisor/internal/common/hvcontext"
)

// ContextWithDefaultTimeout returns a context suitable for a single CLI round trip to the data stores.
func ContextWithDefaultTimeout() (*hvcontext.Context, gocontext.CancelFunc) {
	return hvcontext.WithTimeout(hvcontext.Background(), 10*time.Second)
}
