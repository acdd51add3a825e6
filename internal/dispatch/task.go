// File: internal/dispatch/task.go
package dispatch

import (
	"time"

	"github.com/google/uuid"
)

// Task is one identifier scan request flowing through the queues.
type Task struct {
	ID          uuid.UUID
	Identifier  uint64
	Generation  uint64
	Attempt     int
	IgnoreCache bool
	// FirstEnqueued anchors the overall deadline; retries never reset it.
	FirstEnqueued time.Time
	// ExecuteNotBefore parks the task until a retry delay elapses. Zero for
	// fresh tasks.
	ExecuteNotBefore time.Time
}

// NewTask creates a fresh generation-stamped task.
func NewTask(identifier uint64, generation uint64, ignoreCache bool, now time.Time) Task {
	return Task{
		ID:            uuid.New(),
		Identifier:    identifier,
		Generation:    generation,
		IgnoreCache:   ignoreCache,
		FirstEnqueued: now,
	}
}

// Expired reports whether the task has outlived the overall deadline.
func (t Task) Expired(now time.Time, deadline time.Duration) bool {
	return now.Sub(t.FirstEnqueued) > deadline
}
