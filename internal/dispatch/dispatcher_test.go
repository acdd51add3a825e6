package dispatch

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/xkilldash9x/steamprobe/internal/config"
	"github.com/xkilldash9x/steamprobe/internal/diagnostic"
	"github.com/xkilldash9x/steamprobe/internal/fetcher"
	"github.com/xkilldash9x/steamprobe/internal/netx"
	"github.com/xkilldash9x/steamprobe/internal/notify"
	"github.com/xkilldash9x/steamprobe/internal/pricing"
	"github.com/xkilldash9x/steamprobe/internal/scores"
	"github.com/xkilldash9x/steamprobe/internal/session"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// The HTTP client keeps idle connections with background readers.
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
	)
}

const testID uint64 = 76561198000000001

func fastDispatchConfig() config.DispatchConfig {
	return config.DispatchConfig{
		MaxConcurrentSessions: 2,
		DispatchDelayMin:      time.Millisecond,
		DispatchDelayMax:      2 * time.Millisecond,
		RateLimitCooldown:     time.Minute,
		RetryDelayFirst:       10 * time.Millisecond,
		RetryDelaySecond:      20 * time.Millisecond,
		TaskDeadline:          10 * time.Second,
		IdleSleep:             time.Millisecond,
		NoSessionSleep:        time.Millisecond,
	}
}

func newTestSessions(t *testing.T, home string, n int) []*session.Session {
	t.Helper()
	dir := t.TempDir()
	store, err := session.NewCookieStore(dir)
	require.NoError(t, err)
	sc := scores.NewStore(filepath.Join(dir, "scores.json"), zap.NewNop())
	out := make([]*session.Session, 0, n)
	for i := 0; i < n; i++ {
		cfg := netx.NewDefaultClientConfig()
		cfg.Logger = zap.NewNop()
		s := session.New(fmt.Sprintf("Worker-%d_Local", i+1), "", "tok", cfg, store, sc,
			time.Minute, zap.NewNop(), session.WithHome(home))
		// Pre-seeded token skips the warmup leg in tests.
		s.SetCookie("sessionid", "abc123")
		out = append(out, s)
	}
	return out
}

func newTestDispatcher(t *testing.T, home string, n int, sink notify.Sink, opts ...Option) *Dispatcher {
	t.Helper()
	f := fetcher.New(config.FetchConfig{
		PageCountMin: 10, PageCountMax: 10, MaxPages: 5,
	}, pricing.NewTable(nil), diagnostic.NopSink{}, zap.NewNop())
	return New(fastDispatchConfig(), newTestSessions(t, home, n), f, sink, zap.NewNop(), opts...)
}

func emptyInventoryServer() *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/inventory/", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"assets":[],"descriptions":[],"success":1,"more_items":0}`)
	})
	return httptest.NewServer(mux)
}

func TestLedgerAdvanceClearsBothSets(t *testing.T) {
	l := NewLedger()
	require.True(t, l.MarkCompleted(testID, 0))
	require.True(t, l.MarkCancelled(42, 0))
	assert.True(t, l.Done(testID))
	assert.True(t, l.Done(42))

	gen := l.Advance()
	assert.Equal(t, uint64(1), gen)
	assert.False(t, l.Done(testID))
	assert.False(t, l.Done(42))

	// Writes stamped with the old generation must be rejected.
	assert.False(t, l.MarkCompleted(testID, 0))
	assert.False(t, l.Done(testID))
}

func TestLedgerRecordsBothIDForms(t *testing.T) {
	l := NewLedger()
	l.MarkCompleted(testID, 0)
	assert.True(t, l.Done(testID))
	assert.True(t, l.Done(fetcher.ToAccountID(testID)))
}

func TestEnqueueSuppressedBySettledLedger(t *testing.T) {
	d := newTestDispatcher(t, "http://127.0.0.1:0", 1, notify.NopSink{})
	d.ledger.MarkCompleted(testID, 0)
	d.Enqueue(testID, false)
	fresh, retry := d.QueueDepths()
	assert.Equal(t, 0, fresh+retry)

	// The 32-bit form of the same account is settled too.
	d.Enqueue(fetcher.ToAccountID(testID), false)
	fresh, retry = d.QueueDepths()
	assert.Equal(t, 0, fresh+retry)
}

func TestIgnoreCacheBypassesCompletedLedger(t *testing.T) {
	var hits atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("/inventory/", func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		fmt.Fprint(w, `{"assets":[],"descriptions":[],"success":1,"more_items":0}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	d := newTestDispatcher(t, srv.URL, 1, notify.NopSink{})
	d.Start(context.Background())
	defer d.Stop()

	d.Enqueue(testID, false)
	require.Eventually(t, func() bool { return d.ledger.Done(testID) },
		5*time.Second, 5*time.Millisecond)
	require.Equal(t, int64(1), hits.Load())

	// A plain re-enqueue of the completed identifier stays suppressed.
	d.Enqueue(testID, false)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int64(1), hits.Load())

	// The cache bypass re-fetches it inside the same generation.
	d.Enqueue(testID, true)
	require.Eventually(t, func() bool { return hits.Load() == 2 },
		5*time.Second, 5*time.Millisecond)
}

func TestIgnoreCacheDoesNotResurrectCancelled(t *testing.T) {
	d := newTestDispatcher(t, "http://127.0.0.1:0", 1, notify.NopSink{})
	d.ledger.MarkCancelled(testID, 0)

	d.Enqueue(testID, true)
	fresh, retry := d.QueueDepths()
	assert.Equal(t, 0, fresh+retry)
}

func TestWarmupFailureNotRetried(t *testing.T) {
	var hits atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("/profiles/", func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		fmt.Fprint(w, "<html>no token issued</html>")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	sink := notify.NewChannelSink(16, zap.NewNop())
	f := fetcher.New(config.FetchConfig{
		PageCountMin: 10, PageCountMax: 10, MaxPages: 5,
	}, pricing.NewTable(nil), diagnostic.NopSink{}, zap.NewNop())
	sessions := newTestSessions(t, srv.URL, 1)
	// An empty jar forces the warmup leg.
	sessions[0].DeleteCookies()
	d := New(fastDispatchConfig(), sessions, f, sink, zap.NewNop())
	d.Start(context.Background())
	defer d.Stop()

	d.Enqueue(testID, false)

	require.Eventually(t, func() bool { return d.ledger.Done(testID) },
		5*time.Second, 5*time.Millisecond)
	d.Stop()

	_, retry := d.QueueDepths()
	assert.Equal(t, 0, retry, "a session-level warmup failure must not requeue the task")
	assert.Equal(t, int64(1), hits.Load())
	assert.True(t, d.ledger.Cancelled(testID))

	select {
	case msg := <-sink.Messages():
		assert.Equal(t, notify.TypeNotFound, msg.Type)
		assert.Contains(t, msg.Text, "Warmup Fail")
	case <-time.After(time.Second):
		t.Fatal("no abandonment notification")
	}
}

func TestScanCompletes(t *testing.T) {
	srv := emptyInventoryServer()
	defer srv.Close()

	sink := notify.NewChannelSink(16, zap.NewNop())
	d := newTestDispatcher(t, srv.URL, 1, sink)
	d.Start(context.Background())
	defer d.Stop()

	d.Enqueue(testID, false)

	require.Eventually(t, func() bool { return d.ledger.Done(testID) },
		5*time.Second, 5*time.Millisecond)

	select {
	case msg := <-sink.Messages():
		assert.Equal(t, notify.TypePrice, msg.Type)
		assert.Equal(t, 0.0, msg.Price)
		assert.Contains(t, msg.Text, "Empty")
	case <-time.After(time.Second):
		t.Fatal("no price notification")
	}
}

func TestRateLimitedTaskReparked(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/inventory/", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	d := newTestDispatcher(t, srv.URL, 1, notify.NopSink{})
	d.Start(context.Background())
	defer d.Stop()

	before := time.Now()
	d.Enqueue(testID, false)

	require.Eventually(t, func() bool { return d.retry.Len() == 1 },
		5*time.Second, 5*time.Millisecond)
	d.Stop()

	// The session entered its rate-limit window.
	snap := d.SessionSnapshots()[0]
	assert.True(t, snap.RateLimited)

	// The task is parked roughly one cooldown out and the ledger is untouched.
	parked, ok := d.retry.PeekEarliest()
	require.True(t, ok)
	assert.Equal(t, 1, parked.Attempt)
	assert.WithinDuration(t,
		before.Add(fastDispatchConfig().RateLimitCooldown),
		parked.ExecuteNotBefore, 5*time.Second)
	assert.False(t, d.ledger.Done(testID))
}

func TestClearWhileInFlightDiscardsResult(t *testing.T) {
	started := make(chan struct{})
	proceed := make(chan struct{})
	var once sync.Once
	mux := http.NewServeMux()
	mux.HandleFunc("/inventory/", func(w http.ResponseWriter, _ *http.Request) {
		once.Do(func() { close(started) })
		<-proceed
		fmt.Fprint(w, `{"assets":[],"descriptions":[],"success":1,"more_items":0}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	sink := notify.NewChannelSink(16, zap.NewNop())
	d := newTestDispatcher(t, srv.URL, 1, sink)
	d.Start(context.Background())

	d.Enqueue(testID, false)
	<-started
	d.ClearAllQueues()
	close(proceed)
	d.Stop()

	assert.False(t, d.ledger.Done(testID), "old-generation result must be discarded")
	select {
	case msg := <-sink.Messages():
		t.Fatalf("unexpected notification after clear: %+v", msg)
	default:
	}
}

func TestAtMostOneInFlightPerSession(t *testing.T) {
	var inFlight, peak atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("/inventory/", func(w http.ResponseWriter, _ *http.Request) {
		cur := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			old := peak.Load()
			if cur <= old || peak.CompareAndSwap(old, cur) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		fmt.Fprint(w, `{"assets":[],"descriptions":[],"success":1,"more_items":0}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	d := newTestDispatcher(t, srv.URL, 1, notify.NopSink{})
	d.Start(context.Background())
	defer d.Stop()

	for i := 0; i < 5; i++ {
		d.Enqueue(testID+uint64(i), false)
	}
	require.Eventually(t, func() bool {
		for i := 0; i < 5; i++ {
			if !d.ledger.Done(testID + uint64(i)) {
				return false
			}
		}
		return true
	}, 10*time.Second, 10*time.Millisecond)

	assert.LessOrEqual(t, peak.Load(), int64(1), "one session must never run two fetches at once")
}

func TestExpiredRetryTaskAbandonedOnce(t *testing.T) {
	sink := notify.NewChannelSink(16, zap.NewNop())
	d := newTestDispatcher(t, "http://127.0.0.1:0", 1, sink)

	stale := NewTask(testID, 0, false, time.Now().Add(-time.Hour))
	stale.ExecuteNotBefore = time.Now().Add(-time.Minute)
	d.retry.Push(stale)

	ctx, cancel := context.WithCancel(context.Background())
	d.Start(ctx)

	require.Eventually(t, func() bool { return d.retry.Len() == 0 },
		5*time.Second, 5*time.Millisecond)
	cancel()
	d.Stop()

	var notFound int
	for {
		select {
		case msg := <-sink.Messages():
			if msg.Type == notify.TypeNotFound {
				notFound++
			}
			continue
		default:
		}
		break
	}
	assert.Equal(t, 1, notFound, "abandonment must notify exactly once")
	assert.True(t, d.ledger.Done(testID))
}

func TestSideTaskPreemptsAndRunsAlone(t *testing.T) {
	srv := emptyInventoryServer()
	defer srv.Close()

	d := newTestDispatcher(t, srv.URL, 2, notify.NopSink{})
	d.Start(context.Background())
	defer d.Stop()

	var ran atomic.Int64
	done := make(chan struct{})
	d.EnqueueSideTask(func(_ context.Context, s *session.Session) error {
		require.NotNil(t, s)
		ran.Add(1)
		close(done)
		return nil
	})

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("side task never ran")
	}
	assert.Equal(t, int64(1), ran.Load())
}

func TestPingParksSessionOnCooldown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	defer srv.Close()

	d := newTestDispatcher(t, srv.URL, 1, notify.NopSink{})
	s := d.sessions[0]
	require.True(t, s.Ready())

	d.pingSession(context.Background(), s)

	assert.False(t, s.Ready(), "a just-pinged session must sit out its cooldown")
	assert.False(t, s.TryAcquire())
}

func TestQueueTakeRunnable(t *testing.T) {
	var q taskQueue
	now := time.Now()

	future := NewTask(1, 0, false, now)
	future.ExecuteNotBefore = now.Add(time.Hour)
	ready := NewTask(2, 0, false, now)
	ready.ExecuteNotBefore = now.Add(-time.Second)
	readier := NewTask(3, 0, false, now)
	readier.ExecuteNotBefore = now.Add(-time.Minute)

	q.Push(future)
	q.Push(ready)
	q.Push(readier)

	got, ok := q.TakeRunnable(now)
	require.True(t, ok)
	assert.Equal(t, uint64(3), got.Identifier, "earliest runnable first")

	got, ok = q.TakeRunnable(now)
	require.True(t, ok)
	assert.Equal(t, uint64(2), got.Identifier)

	_, ok = q.TakeRunnable(now)
	assert.False(t, ok, "future task must not be taken")
	assert.Equal(t, 1, q.Len())
}

func TestPanicWindowPausesDispatch(t *testing.T) {
	srv := emptyInventoryServer()
	defer srv.Close()

	d := newTestDispatcher(t, srv.URL, 1, notify.NopSink{})
	d.SetPanic(time.Hour)
	d.Start(context.Background())
	defer d.Stop()

	d.Enqueue(testID, false)
	time.Sleep(100 * time.Millisecond)
	fresh, _ := d.QueueDepths()
	assert.Equal(t, 1, fresh, "no dispatch during a panic window")
	assert.False(t, d.ledger.Done(testID))
}
