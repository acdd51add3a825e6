// File: internal/dispatch/pinger.go
package dispatch

import (
	"context"
	"math/rand/v2"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/steamprobe/internal/session"
)

// pingProbability keeps warm-up traffic sparse; each eligible session is
// pinged on roughly one interval in seven.
const pingProbability = 0.15

// pingCooldown holds a just-pinged session out of selection briefly so the
// pinger never steals a dispatch slot back-to-back.
const pingCooldown = time.Second

// pinger periodically exercises idle sessions so proxy connections stay warm.
// It only runs while the fresh queue is shallow, and never touches a session
// that is busy or reserved for a side task.
func (d *Dispatcher) pinger(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if d.fresh.Len() >= 2 || d.inPanic() {
			continue
		}
		for _, s := range d.sessions {
			if s.Busy() || s.HeldForSideTask() {
				continue
			}
			if rand.Float64() >= pingProbability {
				continue
			}
			d.wg.Add(1)
			go func(s *session.Session) {
				defer d.wg.Done()
				d.pingSession(ctx, s)
			}(s)
		}
	}
}

// pingSession acquires the session for the probe and parks it on a short
// cooldown afterwards.
func (d *Dispatcher) pingSession(ctx context.Context, s *session.Session) {
	if !s.TryAcquire() {
		return
	}
	defer s.Release(pingCooldown)
	d.ping(ctx, s)
}

func (d *Dispatcher) ping(ctx context.Context, s *session.Session) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, s.Home().String(), nil)
	if err != nil {
		return
	}
	began := time.Now()
	resp, err := s.Client().Do(req)
	if err != nil {
		d.logger.Debug("Ping failed", zap.String("session", s.Name()), zap.Error(err))
		return
	}
	resp.Body.Close()
	s.UpdateLatency(time.Since(began).Seconds())
	d.logger.Debug("Ping ok",
		zap.String("session", s.Name()),
		zap.Duration("rtt", time.Since(began)))
}
