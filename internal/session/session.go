// File: internal/session/session.go
// Description: A sticky session binds one proxy+credential pair to one HTTP
// client with a persistent cookie jar. The dispatcher reuses the same session
// across many identifier fetches so the remote service sees a consistent
// browser-like context.
package session

import (
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/steamprobe/internal/netx"
	"github.com/xkilldash9x/steamprobe/internal/scores"
)

// Mode selects which protocol context the session currently holds.
type Mode string

const (
	// ModePrimary is the normal inventory-scanning context.
	ModePrimary Mode = "primary"
	// ModeSecondary is the side-task context with its own cookie space.
	// A session in this mode is reserved for side work until its hold
	// window expires.
	ModeSecondary Mode = "secondary"
)

// DefaultHome is the landing origin sessions navigate against.
const DefaultHome = "https://steamcommunity.com"

// initialLatency seeds the EMA so brand-new sessions are not treated as
// either instant or dead.
const initialLatency = 0.5

var nameSanitizer = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// Session is one stateful HTTP client bound to a single proxy+credential pair.
// All mutable fields are guarded by mu; the readiness predicate and the
// acquire/release pair are the only coordination the dispatcher needs.
type Session struct {
	name  string
	proxy string // raw proxy URL, "" = direct
	token string

	home      *url.URL
	clientCfg *netx.ClientConfig
	scores    *scores.Store
	logger    *zap.Logger
	store     *CookieStore
	now       func() time.Time

	defaultRateLimitCooldown time.Duration

	mu                  sync.Mutex
	client              *http.Client
	mode                Mode
	alive               bool
	rateLimitedUntil    time.Time
	nextAvailableTime   time.Time
	keepRoleUntil       time.Time
	lastUsage           time.Time
	activeRequests      int
	consecutiveTimeouts int
	latency             float64 // seconds, EMA
	savedPrimary        map[string]string
}

// Option customizes session construction.
type Option func(*Session)

// WithClock overrides the session's time source. Tests use this to step
// through cooldown and rate-limit windows deterministically.
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// WithHome overrides the landing origin. Tests point it at httptest servers.
func WithHome(home string) Option {
	return func(s *Session) {
		if u, err := url.Parse(home); err == nil {
			s.home = u
		}
	}
}

// New creates a session. clientCfg carries the timeouts and the proxy URL;
// the session owns the resulting client and its cookie jar for its lifetime.
func New(name, proxy, token string, clientCfg *netx.ClientConfig, store *CookieStore, scoreStore *scores.Store, rateLimitCooldown time.Duration, logger *zap.Logger, opts ...Option) *Session {
	home, _ := url.Parse(DefaultHome)
	s := &Session{
		name:                     name,
		proxy:                    proxy,
		token:                    token,
		home:                     home,
		clientCfg:                clientCfg,
		scores:                   scoreStore,
		logger:                   logger.Named("session").With(zap.String("session", name)),
		store:                    store,
		now:                      time.Now,
		defaultRateLimitCooldown: rateLimitCooldown,
		mode:                     ModePrimary,
		alive:                    true,
		latency:                  initialLatency,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.client = netx.NewClient(clientCfg)
	s.restorePrimaryLocked()
	return s
}

// Name returns the stable session name.
func (s *Session) Name() string { return s.name }

// Proxy returns the raw proxy URL bound to this session ("" = direct).
func (s *Session) Proxy() string { return s.proxy }

// Token returns the credential token bound to this session.
func (s *Session) Token() string { return s.token }

// Client returns the underlying HTTP client. The caller must hold the session
// via Acquire while using it.
func (s *Session) Client() *http.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client
}

// Home returns the landing origin for this session.
func (s *Session) Home() *url.URL { return s.home }

// Mode returns the current protocol mode.
func (s *Session) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// Ready reports whether the session may accept a new request right now:
// not rate limited, not cooling down, alive, and idle.
func (s *Session) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readyLocked()
}

func (s *Session) readyLocked() bool {
	now := s.now()
	if now.Before(s.rateLimitedUntil) {
		return false
	}
	if now.Before(s.nextAvailableTime) {
		return false
	}
	if !s.alive {
		return false
	}
	return s.activeRequests == 0
}

// TryAcquire atomically checks readiness and marks the session busy. It is the
// only way work may be placed on a session: the check and the increment happen
// under one lock, which is what guarantees at most one in-flight request.
func (s *Session) TryAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.readyLocked() {
		return false
	}
	s.activeRequests++
	s.lastUsage = s.now()
	return true
}

// Release ends the in-flight request and arms the post-task cooldown. It must
// be called on every path out of a fetch, success or failure.
func (s *Session) Release(cooldown time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeRequests > 0 {
		s.activeRequests--
	}
	s.nextAvailableTime = s.now().Add(cooldown)
}

// SetCooldown arms the availability timer without touching activeRequests.
func (s *Session) SetCooldown(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextAvailableTime = s.now().Add(d)
}

// MarkRateLimited opens the session's rate-limit window. A non-positive
// duration uses the configured default cooldown.
func (s *Session) MarkRateLimited(d time.Duration) {
	if d <= 0 {
		d = s.defaultRateLimitCooldown
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rateLimitedUntil = s.now().Add(d)
}

// RateLimitedUntil exposes the window end for monitoring.
func (s *Session) RateLimitedUntil() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rateLimitedUntil
}

// LastUsage returns the time the session last started a request.
func (s *Session) LastUsage() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUsage
}

// HeldForSideTask reports whether the session is in secondary mode and still
// inside its hold window.
func (s *Session) HeldForSideTask() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode == ModeSecondary && s.now().Before(s.keepRoleUntil)
}

// Busy reports whether a request is currently in flight.
func (s *Session) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeRequests > 0
}

// ResetConnection tears down and recreates the underlying transport while
// preserving the cookie jar and session identity. Used when the proxy's TCP
// path is judged dead.
func (s *Session) ResetConnection() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tr, ok := s.client.Transport.(*http.Transport); ok {
		tr.CloseIdleConnections()
	}
	jar := s.client.Jar
	s.client = netx.NewClient(s.clientCfg)
	s.client.Jar = jar
	s.logger.Debug("Session transport reset")
}

// SwitchSecondary snapshots the primary cookies, clears the jar and flips the
// session into secondary mode for the given hold window.
func (s *Session) SwitchSecondary(hold time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.savedPrimary = cookieMap(s.client.Jar, s.home)
	jar, _ := cookiejar.New(nil)
	s.client.Jar = jar
	s.mode = ModeSecondary
	s.keepRoleUntil = s.now().Add(hold)
}

// RestorePrimaryContext reverses SwitchSecondary: the jar is rebuilt from the
// in-memory snapshot, or from the persisted cookie file if no snapshot exists.
func (s *Session) RestorePrimaryContext() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.restorePrimaryLocked()
}

func (s *Session) restorePrimaryLocked() {
	jar, _ := cookiejar.New(nil)
	s.client.Jar = jar
	s.mode = ModePrimary

	cookies := s.savedPrimary
	if len(cookies) == 0 && s.store != nil {
		cookies = s.store.Load(s.name)
	}
	setCookieMap(jar, s.home, cookies)
}

// SetCookie forces a single cookie into the jar for the home origin.
func (s *Session) SetCookie(name, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.client.Jar.SetCookies(s.home, []*http.Cookie{{Name: name, Value: value}})
}

// HasCookie reports whether the jar currently holds a cookie with the name.
func (s *Session) HasCookie(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.client.Jar.Cookies(s.home) {
		if c.Name == name {
			return true
		}
	}
	return false
}

// SaveCookies persists the current jar to the session-scoped cookie file.
// Only the primary context is worth saving.
func (s *Session) SaveCookies() {
	s.mu.Lock()
	if s.mode != ModePrimary || s.store == nil {
		s.mu.Unlock()
		return
	}
	cookies := cookieMap(s.client.Jar, s.home)
	s.mu.Unlock()

	if len(cookies) == 0 {
		return
	}
	if err := s.store.Save(s.name, cookies); err != nil {
		s.logger.Warn("Failed to save cookies", zap.Error(err))
	}
}

// DeleteCookies wipes the jar, the snapshot and the persisted file. Called on
// authentication failure so the next warmup starts from a clean slate.
func (s *Session) DeleteCookies() {
	s.mu.Lock()
	jar, _ := cookiejar.New(nil)
	s.client.Jar = jar
	s.savedPrimary = nil
	s.mu.Unlock()

	if s.store != nil {
		s.store.Delete(s.name)
	}
}

// RecordSuccess feeds the proxy score and clears the timeout streak.
func (s *Session) RecordSuccess() {
	if s.scores != nil {
		s.scores.RecordSuccess(s.proxy)
	}
	s.mu.Lock()
	s.consecutiveTimeouts = 0
	s.mu.Unlock()
}

// RecordFail feeds the proxy score.
func (s *Session) RecordFail() {
	if s.scores != nil {
		s.scores.RecordFail(s.proxy)
	}
}

// ReportTimeout bumps the consecutive timeout counter.
func (s *Session) ReportTimeout() {
	s.mu.Lock()
	s.consecutiveTimeouts++
	s.mu.Unlock()
}

// ConsecutiveTimeouts returns the current timeout streak.
func (s *Session) ConsecutiveTimeouts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consecutiveTimeouts
}

// UpdateLatency folds a latency sample (seconds) into the EMA.
func (s *Session) UpdateLatency(sample float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latency = s.latency*0.7 + sample*0.3
}

// Latency returns the smoothed latency in seconds.
func (s *Session) Latency() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latency
}

// Score returns the reliability score of the session's proxy.
func (s *Session) Score() float64 {
	if s.scores == nil {
		return 1.0
	}
	return s.scores.Score(s.proxy)
}

// Snapshot is a read-only view of session state for monitoring.
type Snapshot struct {
	Name        string  `json:"name"`
	Proxy       string  `json:"proxy"` // masked
	Mode        Mode    `json:"mode"`
	Score       float64 `json:"score"`
	Latency     float64 `json:"latency"`
	Alive       bool    `json:"alive"`
	RateLimited bool    `json:"rate_limited"`
	Busy        bool    `json:"busy"`
	Timeouts    int     `json:"timeouts"`
}

// Snapshot captures the current state for monitoring surfaces.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Name:        s.name,
		Proxy:       MaskProxy(s.proxy),
		Mode:        s.mode,
		Score:       s.Score(),
		Latency:     s.latency,
		Alive:       s.alive,
		RateLimited: s.now().Before(s.rateLimitedUntil),
		Busy:        s.activeRequests > 0,
		Timeouts:    s.consecutiveTimeouts,
	}
}

// SanitizeName strips anything that cannot appear in a cookie file name.
func SanitizeName(name string) string {
	return nameSanitizer.ReplaceAllString(name, "")
}

var proxyIPPattern = regexp.MustCompile(`(\d{1,3})\.\d{1,3}\.\d{1,3}\.(\d{1,3})`)

// MaskProxy shortens a proxy URL to a display form that does not leak the full
// address: first and last IPv4 octets, or the tail of the URL otherwise.
func MaskProxy(proxy string) string {
	if proxy == "" {
		return "Local"
	}
	if m := proxyIPPattern.FindStringSubmatch(proxy); m != nil {
		return fmt.Sprintf("%s...%s", m[1], m[2])
	}
	if len(proxy) > 10 {
		return "..." + proxy[len(proxy)-10:]
	}
	return proxy
}

// NormalizeProxy ensures the proxy address carries a scheme.
func NormalizeProxy(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if !strings.Contains(raw, "://") {
		return "http://" + raw
	}
	return raw
}

func cookieMap(jar http.CookieJar, origin *url.URL) map[string]string {
	out := make(map[string]string)
	if jar == nil {
		return out
	}
	for _, c := range jar.Cookies(origin) {
		out[c.Name] = c.Value
	}
	return out
}

func setCookieMap(jar http.CookieJar, origin *url.URL, cookies map[string]string) {
	if len(cookies) == 0 {
		return
	}
	list := make([]*http.Cookie, 0, len(cookies))
	for name, value := range cookies {
		list = append(list, &http.Cookie{Name: name, Value: value})
	}
	jar.SetCookies(origin, list)
}
