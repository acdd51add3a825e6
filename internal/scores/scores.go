// File: internal/scores/scores.go
// Description: Persistent per-proxy reliability counters. The score feeds the
// dispatcher's session selection; a proxy that keeps failing sinks to the
// bottom of the candidate list without ever being removed outright.
package scores

import (
	"math"
	"os"
	"sort"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// localKey is the sentinel used for sessions without a proxy.
const localKey = "LOCAL"

// counters holds the raw success/failure tallies for one proxy.
type counters struct {
	Success int `json:"s"`
	Fail    int `json:"f"`
}

// Store keeps success/failure counters per proxy key and persists them to a
// JSON file, rewritten wholesale on each update.
type Store struct {
	mu     sync.Mutex
	stats  map[string]counters
	path   string
	logger *zap.Logger
}

// NewStore creates a score store backed by the given file. A missing or
// unreadable file is not an error; the store simply starts empty.
func NewStore(path string, logger *zap.Logger) *Store {
	s := &Store{
		stats:  make(map[string]counters),
		path:   path,
		logger: logger.Named("scores"),
	}
	s.load()
	return s
}

func (s *Store) load() {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return
	}
	if err := json.Unmarshal(data, &s.stats); err != nil {
		s.logger.Warn("Discarding unreadable score file", zap.String("path", s.path), zap.Error(err))
		s.stats = make(map[string]counters)
	}
}

// save rewrites the whole file. Persistence failures are logged, never fatal:
// losing counters only costs selection quality.
func (s *Store) save(snapshot map[string]counters) {
	data, err := json.Marshal(snapshot)
	if err != nil {
		s.logger.Warn("Failed to encode score file", zap.Error(err))
		return
	}
	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		s.logger.Warn("Failed to write score file", zap.String("path", s.path), zap.Error(err))
	}
}

func key(proxyURL string) string {
	if proxyURL == "" {
		return localKey
	}
	return proxyURL
}

// RecordSuccess increments the success counter for the proxy and persists.
func (s *Store) RecordSuccess(proxyURL string) {
	s.bump(proxyURL, true)
}

// RecordFail increments the failure counter for the proxy and persists.
func (s *Store) RecordFail(proxyURL string) {
	s.bump(proxyURL, false)
}

func (s *Store) bump(proxyURL string, success bool) {
	k := key(proxyURL)

	s.mu.Lock()
	c := s.stats[k]
	if success {
		c.Success++
	} else {
		c.Fail++
	}
	s.stats[k] = c

	snapshot := make(map[string]counters, len(s.stats))
	for k, v := range s.stats {
		snapshot[k] = v
	}
	s.mu.Unlock()

	s.save(snapshot)
}

// Score returns the reliability score in [0, 2] for the proxy:
// 2 * successes / (successes + failures), rounded to three decimals.
// Unseen proxies get the neutral prior 1.0 rather than the worst case.
func (s *Store) Score(proxyURL string) float64 {
	s.mu.Lock()
	c, ok := s.stats[key(proxyURL)]
	s.mu.Unlock()

	total := c.Success + c.Fail
	if !ok || total == 0 {
		return 1.0
	}
	ratio := float64(c.Success) / float64(total)
	return math.Round(ratio*2.0*1000) / 1000
}

// SortProxies returns the proxy list ordered best-score-first. The sort is
// stable so equally scored proxies keep their configured order.
func (s *Store) SortProxies(proxies []string) []string {
	out := make([]string, len(proxies))
	copy(out, proxies)
	sort.SliceStable(out, func(i, j int) bool {
		return s.Score(out[i]) > s.Score(out[j])
	})
	return out
}
