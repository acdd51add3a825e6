// File: internal/resolver/resolver.go
// Description: Nickname resolution side-pool. Resolves identifiers to display
// names via the lightweight XML profile endpoint, then consults the history
// oracle for a prior valuation of that name. A hit suppresses the expensive
// inventory fetch through a caller-supplied callback. Strictly a fast path:
// any failure here simply leaves the main fetch to run.
package resolver

import (
	"context"
	"fmt"
	"html"
	"io"
	"net/http"
	"regexp"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/steamprobe/internal/config"
	"github.com/xkilldash9x/steamprobe/internal/history"
	"github.com/xkilldash9x/steamprobe/internal/notify"
)

var nicknameRe = regexp.MustCompile(`<steamID><!\[CDATA\[(.*?)\]\]></steamID>`)

// Oracle answers "have we valued this name before".
type Oracle interface {
	FindName(name string) (history.Entry, bool)
}

// Job is one resolution request.
type Job struct {
	ID          uint64
	IgnoreCache bool
	// OnCacheHit fires when the oracle already holds a valuation for the
	// resolved name and the job did not opt out of the cache.
	OnCacheHit func(id uint64, e history.Entry)
}

// Resolver runs a small fixed-size pool independent of the fetch executor.
type Resolver struct {
	cfg     config.ResolverConfig
	client  *http.Client
	oracle  Oracle
	sink    notify.Sink
	logger  *zap.Logger
	limiter *rate.Limiter
	baseURL string

	jobs   chan Job
	cancel context.CancelFunc
	g      *errgroup.Group

	mu    sync.RWMutex
	names map[uint64]string
}

// Option customizes a Resolver.
type Option func(*Resolver)

// WithBaseURL points resolution at another origin. Tests use this.
func WithBaseURL(u string) Option {
	return func(r *Resolver) { r.baseURL = u }
}

// New creates a Resolver. The client should be a plain direct client; name
// resolution does not need the sticky proxy sessions.
func New(cfg config.ResolverConfig, client *http.Client, oracle Oracle, sink notify.Sink, logger *zap.Logger, opts ...Option) *Resolver {
	rps := cfg.RatePerSecond
	if rps <= 0 {
		rps = 1
	}
	r := &Resolver{
		cfg:     cfg,
		client:  client,
		oracle:  oracle,
		sink:    sink,
		logger:  logger.Named("resolver"),
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
		baseURL: "https://steamcommunity.com",
		jobs:    make(chan Job, 128),
		names:   make(map[uint64]string),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start launches the worker pool. Call Stop to drain and join it.
func (r *Resolver) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	g, ctx := errgroup.WithContext(ctx)
	r.g = g
	workers := r.cfg.MaxThreads
	if workers <= 0 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case job, ok := <-r.jobs:
					if !ok {
						return nil
					}
					r.process(ctx, job)
				}
			}
		})
	}
}

// Stop cancels in-flight work and joins the pool.
func (r *Resolver) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	if r.g != nil {
		_ = r.g.Wait()
	}
}

// Submit enqueues a job without blocking. When the pool is saturated the job
// is dropped; the main fetch does not depend on it.
func (r *Resolver) Submit(job Job) {
	if _, ok := r.NameOf(job.ID); ok && job.IgnoreCache {
		// Already resolved and the caller wants a fresh fetch anyway.
		return
	}
	select {
	case r.jobs <- job:
	default:
		r.logger.Debug("Resolver pool saturated, dropping job", zap.Uint64("id", job.ID))
	}
}

// NameOf returns the cached display name for an identifier.
func (r *Resolver) NameOf(id uint64) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.names[id]
	return name, ok
}

func (r *Resolver) process(ctx context.Context, job Job) {
	name, ok := r.NameOf(job.ID)
	if !ok {
		var err error
		name, err = r.resolve(ctx, job.ID)
		if err != nil {
			r.logger.Debug("Nickname resolution failed",
				zap.Uint64("id", job.ID), zap.Error(err))
			return
		}
		r.mu.Lock()
		r.names[job.ID] = name
		r.mu.Unlock()
		r.sink.Publish(notify.Message{
			Type: notify.TypeTranslation,
			Text: fmt.Sprintf("%d -> %s", job.ID, name),
		})
	}

	if job.IgnoreCache || name == "" || r.oracle == nil {
		return
	}
	entry, found := r.oracle.FindName(name)
	if !found {
		return
	}
	r.logger.Debug("History hit, suppressing fetch",
		zap.Uint64("id", job.ID), zap.String("name", name), zap.Float64("price", entry.Price))
	r.sink.Publish(notify.Message{
		Type:  notify.TypeCache,
		Text:  name,
		Price: entry.Price,
	})
	if job.OnCacheHit != nil {
		job.OnCacheHit(job.ID, entry)
	}
}

func (r *Resolver) resolve(ctx context.Context, id uint64) (string, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return "", err
	}
	timeout := r.cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	u := fmt.Sprintf("%s/profiles/%d?xml=1", r.baseURL, id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("profile xml returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	m := nicknameRe.FindSubmatch(body)
	if m == nil {
		return "", fmt.Errorf("no nickname element in profile xml")
	}
	return html.UnescapeString(string(m[1])), nil
}
