// File: internal/dispatch/queue.go
package dispatch

import (
	"sync"
	"time"
)

// taskQueue is a mutex-guarded FIFO. The retry queue additionally relies on
// PeekEarliest, which scans for the soonest-runnable task; queue depths stay
// small enough that a heap is not worth the ceremony.
type taskQueue struct {
	mu    sync.Mutex
	tasks []Task
}

func (q *taskQueue) Push(t Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = append(q.tasks, t)
}

// Pop removes and returns the head of the queue.
func (q *taskQueue) Pop() (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.tasks) == 0 {
		return Task{}, false
	}
	t := q.tasks[0]
	q.tasks = q.tasks[1:]
	return t, true
}

// PeekEarliest returns the task with the smallest ExecuteNotBefore without
// removing it.
func (q *taskQueue) PeekEarliest() (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.tasks) == 0 {
		return Task{}, false
	}
	best := 0
	for i := 1; i < len(q.tasks); i++ {
		if q.tasks[i].ExecuteNotBefore.Before(q.tasks[best].ExecuteNotBefore) {
			best = i
		}
	}
	return q.tasks[best], true
}

// Remove deletes the task with the given ID. Reports whether it was present.
func (q *taskQueue) Remove(t Task) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.tasks {
		if q.tasks[i].ID == t.ID {
			q.tasks = append(q.tasks[:i], q.tasks[i+1:]...)
			return true
		}
	}
	return false
}

// TakeRunnable removes and returns the earliest task whose ExecuteNotBefore
// has passed.
func (q *taskQueue) TakeRunnable(now time.Time) (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	best := -1
	for i := range q.tasks {
		if q.tasks[i].ExecuteNotBefore.After(now) {
			continue
		}
		if best == -1 || q.tasks[i].ExecuteNotBefore.Before(q.tasks[best].ExecuteNotBefore) {
			best = i
		}
	}
	if best == -1 {
		return Task{}, false
	}
	t := q.tasks[best]
	q.tasks = append(q.tasks[:best], q.tasks[best+1:]...)
	return t, true
}

func (q *taskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Clear empties the queue and returns how many tasks were dropped.
func (q *taskQueue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.tasks)
	q.tasks = nil
	return n
}
