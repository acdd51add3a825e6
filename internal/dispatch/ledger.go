// File: internal/dispatch/ledger.go
package dispatch

import (
	"sync"

	"github.com/xkilldash9x/steamprobe/internal/fetcher"
)

// Ledger tracks the generation counter and the per-generation completed and
// cancelled identifier sets. Advancing the generation and clearing the sets
// happen under one lock, so an in-flight task from the old generation can
// never write into the new one: it re-reads the counter after finishing and
// self-discards on mismatch.
//
// Identifiers are recorded in both the 64-bit community and 32-bit account
// form, since callers enqueue either.
type Ledger struct {
	mu         sync.Mutex
	generation uint64
	completed  map[uint64]struct{}
	cancelled  map[uint64]struct{}
}

func NewLedger() *Ledger {
	return &Ledger{
		completed: make(map[uint64]struct{}),
		cancelled: make(map[uint64]struct{}),
	}
}

// Generation returns the current epoch.
func (l *Ledger) Generation() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.generation
}

// Advance increments the epoch and wipes both sets atomically.
func (l *Ledger) Advance() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.generation++
	l.completed = make(map[uint64]struct{})
	l.cancelled = make(map[uint64]struct{})
	return l.generation
}

// MarkCompleted records a terminal success. Returns false when the epoch has
// moved on and the result must be discarded.
func (l *Ledger) MarkCompleted(id uint64, generation uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if generation != l.generation {
		return false
	}
	l.completed[fetcher.ToCommunityID(id)] = struct{}{}
	l.completed[fetcher.ToAccountID(id)] = struct{}{}
	return true
}

// MarkCancelled records a terminal failure or abandonment.
func (l *Ledger) MarkCancelled(id uint64, generation uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if generation != l.generation {
		return false
	}
	l.cancelled[fetcher.ToCommunityID(id)] = struct{}{}
	l.cancelled[fetcher.ToAccountID(id)] = struct{}{}
	return true
}

// Done reports whether the identifier already reached a terminal state in the
// current epoch, in either numeric form.
func (l *Ledger) Done(id uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.completed[id]; ok {
		return true
	}
	if _, ok := l.cancelled[id]; ok {
		return true
	}
	return false
}

// Cancelled reports whether the identifier was cancelled or abandoned in the
// current epoch. Unlike completion, cancellation suppresses even cache-bypass
// re-enqueues.
func (l *Ledger) Cancelled(id uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.cancelled[id]
	return ok
}
