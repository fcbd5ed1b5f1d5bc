package hypervisorctl

import (
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/hypervisor-io/hypervisor/internal/hypervisor"
)

// App is the operator's handle on the core. Every method prints its result to Out.
type App struct {
	Components *hypervisor.Components
	// Bounds a single scheduling or cleanup pass triggered from the command line
	PassTimeout time.Duration
	// Destination for the output of every command
	Out io.Writer
}

func New(components *hypervisor.Components, passTimeout time.Duration) *App {
	return &App{
		Components:  components,
		PassTimeout: passTimeout,
		Out:         os.Stdout,
	}
}

func (a *App) newTabWriter() *tabwriter.Writer {
	return tabwriter.NewWriter(a.Out, 1, 1, 2, ' ', 0)
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format(time.RFC3339)
}
