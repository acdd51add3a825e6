// File: internal/dispatch/dispatcher.go
// Description: The dispatcher loop. Owns the two-tier task queues, the
// generation ledger, a bounded fetch executor and the session pool, and
// applies the retry policy to fetch outcomes. One loop goroutine selects
// (task, session) pairs; a semaphore bounds concurrent fetches; a pinger
// keeps idle proxy connections warm.
package dispatch

import (
	"context"
	"fmt"
	"math/rand/v2"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/steamprobe/internal/config"
	"github.com/xkilldash9x/steamprobe/internal/fetcher"
	"github.com/xkilldash9x/steamprobe/internal/history"
	"github.com/xkilldash9x/steamprobe/internal/notify"
	"github.com/xkilldash9x/steamprobe/internal/resolver"
	"github.com/xkilldash9x/steamprobe/internal/session"
)

// SideTask is an ancillary one-off job run on a borrowed session. Side tasks
// preempt identifier fetches but only one may be in flight at a time.
type SideTask func(ctx context.Context, s *session.Session) error

// Dispatcher wires the queues, sessions, fetcher and sinks together.
type Dispatcher struct {
	cfg      config.DispatchConfig
	sessions []*session.Session
	fetch    *fetcher.Fetcher
	resolver *resolver.Resolver // may be nil
	recorder *history.Recorder  // may be nil
	sink     notify.Sink
	logger   *zap.Logger
	now      func() time.Time

	fresh  taskQueue
	retry  taskQueue
	ledger *Ledger

	// sem bounds concurrent fetches at cfg.MaxConcurrentSessions.
	sem chan struct{}

	sideMu       sync.Mutex
	sideTasks    []SideTask
	sideInFlight bool

	panicMu    sync.Mutex
	panicUntil time.Time

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	startMu sync.Mutex
}

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

// WithClock overrides the dispatcher's time source for tests.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// WithResolver attaches the nickname side-pool.
func WithResolver(r *resolver.Resolver) Option {
	return func(d *Dispatcher) { d.resolver = r }
}

// WithRecorder attaches the history recorder for terminal valuations.
func WithRecorder(r *history.Recorder) Option {
	return func(d *Dispatcher) { d.recorder = r }
}

// New creates a Dispatcher over an already-built session pool.
func New(cfg config.DispatchConfig, sessions []*session.Session, f *fetcher.Fetcher, sink notify.Sink, logger *zap.Logger, opts ...Option) *Dispatcher {
	if sink == nil {
		sink = notify.NopSink{}
	}
	workers := cfg.MaxConcurrentSessions
	if workers <= 0 {
		workers = 1
	}
	d := &Dispatcher{
		cfg:      cfg,
		sessions: sessions,
		fetch:    f,
		sink:     sink,
		logger:   logger.Named("dispatch"),
		now:      time.Now,
		ledger:   NewLedger(),
		sem:      make(chan struct{}, workers),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Enqueue adds an identifier to the fresh queue and, when a resolver is
// attached, submits a nickname lookup that may pre-empt the fetch via the
// history oracle.
func (d *Dispatcher) Enqueue(identifier uint64, ignoreCache bool) {
	id64 := fetcher.ToCommunityID(identifier)
	// A cache-bypass enqueue re-fetches an already-completed identifier;
	// cancelled ones stay suppressed either way.
	if d.suppressed(id64, ignoreCache) {
		d.logger.Debug("Identifier already settled this generation",
			zap.Uint64("id", id64))
		return
	}
	gen := d.ledger.Generation()
	task := NewTask(id64, gen, ignoreCache, d.now())
	d.fresh.Push(task)
	d.logger.Debug("Task enqueued", zap.Uint64("id", id64), zap.Uint64("gen", gen))

	if d.resolver != nil {
		d.resolver.Submit(resolver.Job{
			ID:          id64,
			IgnoreCache: ignoreCache,
			OnCacheHit: func(id uint64, e history.Entry) {
				if !d.ledger.MarkCompleted(id, gen) {
					return
				}
				d.fresh.Remove(task)
				d.retry.Remove(task)
				d.logger.Info("Fetch suppressed by history cache",
					zap.Uint64("id", id), zap.Float64("price", e.Price))
			},
		})
	}
}

// EnqueueSideTask queues an ancillary job. Serviced one per tick, one in
// flight at most.
func (d *Dispatcher) EnqueueSideTask(t SideTask) {
	d.sideMu.Lock()
	defer d.sideMu.Unlock()
	d.sideTasks = append(d.sideTasks, t)
}

// ClearAllQueues advances the generation and flushes both queues. In-flight
// fetches run to completion; their results are discarded at the generation
// check.
func (d *Dispatcher) ClearAllQueues() {
	gen := d.ledger.Advance()
	dropped := d.fresh.Clear() + d.retry.Clear()
	d.logger.Info("Queues cleared", zap.Uint64("generation", gen), zap.Int("dropped", dropped))
}

// suppressed decides whether the ledger blocks dispatch for an identifier.
// Completion suppresses normal work but yields to a cache bypass; a cancelled
// identifier is settled for the rest of the generation.
func (d *Dispatcher) suppressed(id64 uint64, ignoreCache bool) bool {
	if ignoreCache {
		return d.ledger.Cancelled(id64)
	}
	return d.ledger.Done(id64)
}

// Settled reports whether the identifier reached a terminal state in the
// current generation, in either numeric form.
func (d *Dispatcher) Settled(identifier uint64) bool {
	return d.ledger.Done(fetcher.ToCommunityID(identifier))
}

// QueueDepths reports (fresh, retry) queue lengths.
func (d *Dispatcher) QueueDepths() (int, int) {
	return d.fresh.Len(), d.retry.Len()
}

// SessionSnapshots returns a monitoring view of every session.
func (d *Dispatcher) SessionSnapshots() []session.Snapshot {
	out := make([]session.Snapshot, 0, len(d.sessions))
	for _, s := range d.sessions {
		out = append(out, s.Snapshot())
	}
	return out
}

// SetPanic opens a global window during which no dispatch happens.
func (d *Dispatcher) SetPanic(dur time.Duration) {
	d.panicMu.Lock()
	d.panicUntil = d.now().Add(dur)
	d.panicMu.Unlock()
	d.sink.Publish(notify.Message{Type: notify.TypePanic,
		Text: fmt.Sprintf("pausing dispatch for %s", dur)})
}

func (d *Dispatcher) inPanic() bool {
	d.panicMu.Lock()
	defer d.panicMu.Unlock()
	return d.now().Before(d.panicUntil)
}

// Start launches the dispatcher loop and the pinger.
func (d *Dispatcher) Start(ctx context.Context) {
	d.startMu.Lock()
	defer d.startMu.Unlock()
	if d.started {
		return
	}
	d.started = true
	ctx, d.cancel = context.WithCancel(ctx)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for ctx.Err() == nil {
			d.runLoop(ctx)
		}
	}()
	if d.cfg.PingInterval > 0 {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.pinger(ctx)
		}()
	}
}

// Stop cancels the loop and waits for in-flight work to finish.
func (d *Dispatcher) Stop() {
	d.startMu.Lock()
	defer d.startMu.Unlock()
	if !d.started {
		return
	}
	d.cancel()
	d.wg.Wait()
	d.started = false
}

// runLoop contains one life of the dispatcher loop. A panic inside the loop
// body is logged and the loop is restarted after a short pause rather than
// taking the whole process down.
func (d *Dispatcher) runLoop(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Dispatcher loop panicked, restarting",
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			d.sleep(ctx, d.cfg.IdleSleep)
		}
	}()
	d.loop(ctx)
}

func (d *Dispatcher) loop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if d.inPanic() {
			if !d.sleep(ctx, d.cfg.IdleSleep) {
				return
			}
			continue
		}

		if d.serviceSideTask(ctx) {
			continue
		}

		task, ok := d.nextTask(ctx)
		if !ok {
			if !d.sleep(ctx, d.cfg.IdleSleep) {
				return
			}
			continue
		}

		// Stale tasks from a cleared generation are dropped silently.
		if task.Generation != d.ledger.Generation() {
			d.logger.Debug("Discarding stale-generation task",
				zap.Uint64("id", task.Identifier), zap.Uint64("gen", task.Generation))
			continue
		}
		if d.suppressed(task.Identifier, task.IgnoreCache) {
			continue
		}

		s := d.selectSession()
		if s == nil {
			// Nothing ready; re-park and back off.
			task.ExecuteNotBefore = d.now().Add(d.cfg.RetryDelayFirst)
			d.retry.Push(task)
			if !d.sleep(ctx, d.cfg.NoSessionSleep) {
				return
			}
			continue
		}

		select {
		case d.sem <- struct{}{}:
		case <-ctx.Done():
			s.Release(0)
			return
		}
		d.wg.Add(1)
		go func(task Task, s *session.Session) {
			defer d.wg.Done()
			defer func() { <-d.sem }()
			d.run(ctx, task, s)
		}(task, s)

		if !d.sleep(ctx, d.randBetween(d.cfg.DispatchDelayMin, d.cfg.DispatchDelayMax)) {
			return
		}
	}
}

// nextTask implements the two-tier pull: runnable retry tasks first, expired
// ones abandoned, then the fresh queue.
func (d *Dispatcher) nextTask(ctx context.Context) (Task, bool) {
	now := d.now()

	for {
		earliest, ok := d.retry.PeekEarliest()
		if !ok {
			break
		}
		if earliest.Expired(now, d.cfg.TaskDeadline) {
			if d.retry.Remove(earliest) {
				d.abandon(earliest)
			}
			continue
		}
		if t, ok := d.retry.TakeRunnable(now); ok {
			return t, true
		}
		break
	}
	return d.fresh.Pop()
}

func (d *Dispatcher) abandon(t Task) {
	d.ledger.MarkCancelled(t.Identifier, t.Generation)
	d.sink.Publish(notify.Message{
		Type: notify.TypeNotFound,
		Text: fmt.Sprintf("%d Timeout", t.Identifier),
	})
	d.logger.Warn("Task abandoned past deadline",
		zap.Uint64("id", t.Identifier),
		zap.Duration("age", d.now().Sub(t.FirstEnqueued)))
}

// selectSession picks the best ready session and acquires it, or nil. Ready
// sessions are ordered by score descending, then least recently used first.
// A secondary-mode session is passed over when a primary alternative exists;
// it is reserved for its side-task.
func (d *Dispatcher) selectSession() *session.Session {
	candidates := make([]*session.Session, 0, len(d.sessions))
	for _, s := range d.sessions {
		if s.Ready() {
			candidates = append(candidates, s)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		si, sj := candidates[i].Score(), candidates[j].Score()
		if si != sj {
			return si > sj
		}
		return candidates[i].LastUsage().Before(candidates[j].LastUsage())
	})
	if candidates[0].Mode() == session.ModeSecondary {
		for _, alt := range candidates[1:] {
			if alt.Mode() == session.ModePrimary && alt.TryAcquire() {
				return alt
			}
		}
	}
	for _, c := range candidates {
		if c.TryAcquire() {
			return c
		}
	}
	return nil
}

// run executes one fetch on an acquired session and applies the retry policy.
func (d *Dispatcher) run(ctx context.Context, task Task, s *session.Session) {
	released := false
	release := func() {
		if !released {
			released = true
			s.Release(d.randBetween(d.cfg.TaskCooldownMin, d.cfg.TaskCooldownMax))
		}
	}
	defer release()
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Fetch task panicked",
				zap.Uint64("id", task.Identifier),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			s.RecordFail()
			if d.ledger.MarkCancelled(task.Identifier, task.Generation) {
				d.sink.Publish(notify.Message{
					Type: notify.TypeNotFound,
					Text: fmt.Sprintf("%d Err Crash", task.Identifier),
				})
			}
			release()
		}
	}()

	out := d.fetch.Fetch(ctx, s, task.Identifier)

	// Generation check: results from a cleared epoch are discarded whole.
	if task.Generation != d.ledger.Generation() {
		d.logger.Debug("Discarding result from stale generation",
			zap.Uint64("id", task.Identifier), zap.String("tag", out.Tag))
		return
	}

	switch out.Kind {
	case fetcher.KindSuccess:
		d.ledger.MarkCompleted(task.Identifier, task.Generation)
		s.RecordSuccess()
		s.SaveCookies()
		d.recordValuation(task, out)
		d.sink.Publish(notify.Message{
			Type:  notify.TypePrice,
			Text:  fmt.Sprintf("%d %s", task.Identifier, out.Tag),
			Price: out.Price,
		})
		d.logger.Info("Scan complete",
			zap.Uint64("id", task.Identifier),
			zap.String("tag", out.Tag),
			zap.Float64("price", out.Price),
			zap.Int("items", out.ItemCount),
			zap.Duration("elapsed", out.Elapsed))

	case fetcher.KindRateLimited:
		s.MarkRateLimited(d.cfg.RateLimitCooldown)
		s.RecordFail()
		d.requeue(task, d.cfg.RateLimitCooldown, out.Tag)
		d.escalateIfAllLimited()

	case fetcher.KindAuthFailed:
		s.DeleteCookies()
		s.RecordFail()
		d.ledger.MarkCancelled(task.Identifier, task.Generation)
		d.sink.Publish(notify.Message{
			Type: notify.TypeScanning,
			Text: fmt.Sprintf("%d auth failed on %s", task.Identifier, s.Name()),
		})
		d.logger.Warn("Session credentials rejected",
			zap.Uint64("id", task.Identifier), zap.String("session", s.Name()))

	case fetcher.KindFatal:
		s.RecordFail()
		d.ledger.MarkCancelled(task.Identifier, task.Generation)
		d.sink.Publish(notify.Message{
			Type: notify.TypeNotFound,
			Text: fmt.Sprintf("%d %s", task.Identifier, out.Tag),
		})
		d.logger.Warn("Terminal failure",
			zap.Uint64("id", task.Identifier), zap.String("tag", out.Tag), zap.Error(out.Err))

	case fetcher.KindRetryable:
		s.RecordFail()
		if out.Timeout {
			s.ReportTimeout()
		}
		if out.ResetTransport {
			s.ResetConnection()
		}
		if out.NoRetry {
			d.ledger.MarkCancelled(task.Identifier, task.Generation)
			d.sink.Publish(notify.Message{
				Type: notify.TypeNotFound,
				Text: fmt.Sprintf("%d %s", task.Identifier, out.Tag),
			})
			d.logger.Warn("Session-level failure, not retrying",
				zap.Uint64("id", task.Identifier),
				zap.String("tag", out.Tag),
				zap.String("session", s.Name()))
			return
		}
		delay := d.cfg.RetryDelayFirst
		if task.Attempt >= 2 {
			delay = d.cfg.RetryDelaySecond
		}
		if task.Expired(d.now().Add(delay), d.cfg.TaskDeadline) {
			d.abandon(task)
			return
		}
		d.requeue(task, delay, out.Tag)
	}
}

func (d *Dispatcher) requeue(task Task, delay time.Duration, tag string) {
	task.Attempt++
	task.ExecuteNotBefore = d.now().Add(delay)
	d.retry.Push(task)
	d.logger.Debug("Task requeued",
		zap.Uint64("id", task.Identifier),
		zap.String("tag", tag),
		zap.Int("attempt", task.Attempt),
		zap.Duration("delay", delay))
}

func (d *Dispatcher) recordValuation(task Task, out fetcher.Outcome) {
	if d.recorder == nil {
		return
	}
	name := ""
	if d.resolver != nil {
		name, _ = d.resolver.NameOf(task.Identifier)
	}
	if err := d.recorder.Record(history.Entry{
		When:       d.now(),
		Identifier: task.Identifier,
		Name:       name,
		Price:      out.Price,
	}); err != nil {
		d.logger.Warn("Failed to record valuation", zap.Error(err))
	}
}

// escalateIfAllLimited arms the global panic window when every session sits
// in a rate-limit window at once. Single throttled sessions never pause the
// whole loop.
func (d *Dispatcher) escalateIfAllLimited() {
	now := d.now()
	for _, s := range d.sessions {
		if !now.Before(s.RateLimitedUntil()) {
			return
		}
	}
	d.logger.Warn("All sessions rate limited, pausing dispatch")
	d.SetPanic(d.cfg.RateLimitCooldown)
}

// serviceSideTask runs at most one queued side task, preempting fetches.
func (d *Dispatcher) serviceSideTask(ctx context.Context) bool {
	d.sideMu.Lock()
	if d.sideInFlight || len(d.sideTasks) == 0 {
		d.sideMu.Unlock()
		return false
	}
	t := d.sideTasks[0]
	d.sideTasks = d.sideTasks[1:]
	d.sideInFlight = true
	d.sideMu.Unlock()

	s := d.selectSession()
	if s == nil {
		// Put it back; sessions may free up next tick.
		d.sideMu.Lock()
		d.sideTasks = append([]SideTask{t}, d.sideTasks...)
		d.sideInFlight = false
		d.sideMu.Unlock()
		return false
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			d.sideMu.Lock()
			d.sideInFlight = false
			d.sideMu.Unlock()
			s.Release(d.randBetween(d.cfg.TaskCooldownMin, d.cfg.TaskCooldownMax))
		}()
		defer func() {
			if r := recover(); r != nil {
				d.logger.Error("Side task panicked", zap.Any("panic", r))
			}
		}()
		if err := t(ctx, s); err != nil {
			d.logger.Warn("Side task failed", zap.Error(err))
		}
	}()
	return true
}

func (d *Dispatcher) randBetween(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + rand.N(max-min)
}

// sleep waits for d or cancellation; false means the context ended.
func (d *Dispatcher) sleep(ctx context.Context, dur time.Duration) bool {
	if dur <= 0 {
		// Still poll the context so a tight loop can be cancelled.
		select {
		case <-ctx.Done():
			return false
		default:
			return true
		}
	}
	t := time.NewTimer(dur)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
