package worker

import (
	"time"

	"github.com/uppehq/node/pkg/types"
)

type Job struct {
	MonitorID    string
	Monitor      types.Monitor
	ScheduledFor time.Time
	// Abandon is closed when the monitor is disabled or removed while the job runs.
	Abandon    <-chan struct{}
	Generation uint64
}

// Abandoned reports whether the job's monitor was withdrawn.
func (j Job) Abandoned() bool {
	if j.Abandon == nil {
		return false
	}
	select {
	case <-j.Abandon:
		return true
	default:
		return false
	}
}
