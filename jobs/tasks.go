// Package jobs holds the background worker and its task definitions.
package jobs

import (
	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskOrphanSweep removes assignments whose scope resource was deleted.
	TaskOrphanSweep = "authz:orphan_sweep"
)

// NewOrphanSweepTask constructs the sweep task. It carries no payload: the
// sweep always scans the whole assignment table.
func NewOrphanSweepTask() *asynq.Task {
	return asynq.NewTask(TaskOrphanSweep, nil)
}
