// File: internal/history/history.go
// Description: Append-only scan history with a live follower. Results are
// recorded as tab-separated lines; a Watcher tails the same file so that
// lookups reflect prior runs and anything appended while we run. Used by the
// resolver to short-circuit identifiers already valued.
package history

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hpcloud/tail"
	"go.uber.org/zap"
)

// Entry is one recorded scan result.
type Entry struct {
	When       time.Time
	Identifier uint64
	Name       string
	Price      float64
}

// Recorder appends results to the history file.
type Recorder struct {
	mu   sync.Mutex
	f    *os.File
	path string
}

// NewRecorder opens (or creates) the history file for appending.
func NewRecorder(path string) (*Recorder, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open history file: %w", err)
	}
	return &Recorder{f: f, path: path}, nil
}

// Record appends one entry. Lines never interleave; writes are serialized.
func (r *Recorder) Record(e Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	line := fmt.Sprintf("%s\t%d\t%s\t%.2f\n",
		e.When.UTC().Format(time.RFC3339), e.Identifier, sanitizeName(e.Name), e.Price)
	if _, err := r.f.WriteString(line); err != nil {
		return fmt.Errorf("failed to append history entry: %w", err)
	}
	return nil
}

// Close flushes and closes the underlying file.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.f.Close()
}

func sanitizeName(s string) string {
	return strings.ReplaceAll(strings.ReplaceAll(s, "\t", " "), "\n", " ")
}

// Watcher keeps an in-memory index of the history file and follows appends.
// Newest entry per key wins.
type Watcher struct {
	mu     sync.RWMutex
	byID   map[uint64]Entry
	byName map[string]Entry

	t      *tail.Tail
	logger *zap.Logger
	done   chan struct{}
}

// NewWatcher loads the existing file (if any) and starts tailing it. It is
// safe to start the watcher before the file exists; entries appear once the
// recorder creates it.
func NewWatcher(path string, logger *zap.Logger) (*Watcher, error) {
	w := &Watcher{
		byID:   make(map[uint64]Entry),
		byName: make(map[string]Entry),
		logger: logger.Named("history"),
		done:   make(chan struct{}),
	}

	// Preload synchronously so lookups are warm before the first dispatch.
	if f, err := os.Open(path); err == nil {
		sc := bufio.NewScanner(f)
		for sc.Scan() {
			if e, ok := parseLine(sc.Text()); ok {
				w.store(e)
			}
		}
		f.Close()
	}

	t, err := tail.TailFile(path, tail.Config{
		Follow:    true,
		ReOpen:    true,
		MustExist: false,
		Poll:      true,
		Location:  &tail.SeekInfo{Offset: 0, Whence: io.SeekEnd},
		Logger:    tail.DiscardingLogger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to tail history file: %w", err)
	}
	w.t = t
	go w.follow()
	return w, nil
}

func (w *Watcher) follow() {
	defer close(w.done)
	for line := range w.t.Lines {
		if line.Err != nil {
			w.logger.Warn("History tail error", zap.Error(line.Err))
			continue
		}
		if e, ok := parseLine(line.Text); ok {
			w.store(e)
			w.logger.Debug("History entry observed",
				zap.Uint64("id", e.Identifier), zap.Float64("price", e.Price))
		}
	}
}

func (w *Watcher) store(e Entry) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if prev, ok := w.byID[e.Identifier]; !ok || !e.When.Before(prev.When) {
		w.byID[e.Identifier] = e
	}
	key := strings.ToLower(e.Name)
	if key != "" {
		if prev, ok := w.byName[key]; !ok || !e.When.Before(prev.When) {
			w.byName[key] = e
		}
	}
}

// FindID returns the newest entry for an identifier.
func (w *Watcher) FindID(id uint64) (Entry, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	e, ok := w.byID[id]
	return e, ok
}

// FindName returns the newest entry for a nickname, case-insensitively.
func (w *Watcher) FindName(name string) (Entry, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	e, ok := w.byName[strings.ToLower(name)]
	return e, ok
}

// Len reports how many distinct identifiers are indexed.
func (w *Watcher) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.byID)
}

// Stop ends the tail goroutine. Blocks until the follower drains.
func (w *Watcher) Stop() {
	w.t.Kill(nil)
	<-w.done
	w.t.Cleanup()
}

func parseLine(line string) (Entry, bool) {
	parts := strings.Split(strings.TrimRight(line, "\r\n"), "\t")
	if len(parts) != 4 {
		return Entry{}, false
	}
	when, err := time.Parse(time.RFC3339, parts[0])
	if err != nil {
		return Entry{}, false
	}
	id, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return Entry{}, false
	}
	price, err := strconv.ParseFloat(parts[3], 64)
	if err != nil {
		return Entry{}, false
	}
	return Entry{When: when, Identifier: id, Name: parts[2], Price: price}, true
}
