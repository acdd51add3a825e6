// File: internal/fetcher/fetcher.go
// Description: Stateless inventory fetch protocol. Given an acquired session
// and a 64-bit identifier it performs the cookie warmup, walks the paginated
// inventory endpoint and aggregates a value from the price table, returning a
// structured Outcome. All session state changes beyond latency/cookies are
// signalled through the Outcome for the dispatcher to apply.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/steamprobe/internal/config"
	"github.com/xkilldash9x/steamprobe/internal/diagnostic"
	"github.com/xkilldash9x/steamprobe/internal/pricing"
	"github.com/xkilldash9x/steamprobe/internal/session"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"

	// Response bodies past this size are cut off; a legitimate inventory
	// page is far smaller.
	maxBodyBytes = 24 << 20

	defaultAppID     = 570
	defaultContextID = 2
)

// Fetcher runs the fetch protocol. Safe for concurrent use; all mutable state
// lives on the session.
type Fetcher struct {
	cfg       config.FetchConfig
	table     *pricing.Table
	diag      diagnostic.Sink
	logger    *zap.Logger
	appID     int
	contextID int
}

// Option customizes a Fetcher.
type Option func(*Fetcher)

// WithApp overrides the inventory app/context pair.
func WithApp(appID, contextID int) Option {
	return func(f *Fetcher) {
		f.appID = appID
		f.contextID = contextID
	}
}

// New creates a Fetcher. diag may be diagnostic.NopSink{}.
func New(cfg config.FetchConfig, table *pricing.Table, diag diagnostic.Sink, logger *zap.Logger, opts ...Option) *Fetcher {
	f := &Fetcher{
		cfg:       cfg,
		table:     table,
		diag:      diag,
		logger:    logger.Named("fetcher"),
		appID:     defaultAppID,
		contextID: defaultContextID,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

type inventoryPage struct {
	Assets       []asset       `json:"assets"`
	Descriptions []description `json:"descriptions"`
	MoreItems    int           `json:"more_items"`
	LastAssetID  string        `json:"last_assetid"`
	Success      int           `json:"success"`
}

type asset struct {
	ClassID    string `json:"classid"`
	InstanceID string `json:"instanceid"`
	Amount     string `json:"amount"`
}

type description struct {
	ClassID        string `json:"classid"`
	InstanceID     string `json:"instanceid"`
	Marketable     int    `json:"marketable"`
	MarketHashName string `json:"market_hash_name"`
	MarketName     string `json:"market_name"`
	Name           string `json:"name"`
}

func (d description) displayName() string {
	if d.MarketHashName != "" {
		return d.MarketHashName
	}
	if d.MarketName != "" {
		return d.MarketName
	}
	return d.Name
}

// Fetch runs the full protocol for one identifier on an already-acquired
// session. It never retries internally; classification is the caller's job.
func (f *Fetcher) Fetch(ctx context.Context, s *session.Session, id uint64) Outcome {
	start := time.Now()
	out := f.fetch(ctx, s, id)
	out.Elapsed = time.Since(start)
	return out
}

func (f *Fetcher) fetch(ctx context.Context, s *session.Session, id uint64) Outcome {
	log := f.logger.With(zap.String("session", s.Name()), zap.Uint64("id", id))

	if !s.HasCookie("sessionid") {
		if out, ok := f.warmup(ctx, s, id, log); !ok {
			return out
		}
		if err := f.pause(ctx, f.cfg.WarmupDelayMin, f.cfg.WarmupDelayMax); err != nil {
			return retryable("Cancelled", err)
		}
	}
	s.SetCookie("Steam_Language", "english")

	var (
		total  float64
		count  int
		pages  int
		cursor string
		descs  = make(map[string]description)
		assets []asset
	)

	for pages < f.cfg.MaxPages {
		if pages > 0 {
			if err := f.pause(ctx, f.cfg.PaginationDelayMin, f.cfg.PaginationDelayMax); err != nil {
				return retryable("Cancelled", err)
			}
		}

		page, status, body, err := f.fetchPage(ctx, s, id, cursor, log)
		if err != nil {
			return f.classifyTransportErr(err, pages == 0)
		}
		pages++

		if status != http.StatusOK {
			if pages == 1 {
				return f.classifyFirstPageStatus(status, id, body, log)
			}
			// Later pages are best-effort; keep what we have.
			log.Warn("Pagination cut short", zap.Int("status", status), zap.Int("page", pages))
			break
		}

		assets = append(assets, page.Assets...)
		for _, d := range page.Descriptions {
			descs[d.ClassID+"_"+d.InstanceID] = d
		}
		if page.MoreItems != 1 || page.LastAssetID == "" {
			break
		}
		cursor = page.LastAssetID
	}

	if len(assets) == 0 {
		return success("Empty", 0, 0, pages)
	}

	for _, a := range assets {
		count++
		d, ok := descs[a.ClassID+"_"+a.InstanceID]
		if !ok || d.Marketable != 1 {
			continue
		}
		price := f.table.Lookup(d.displayName())
		if price <= 0 {
			continue
		}
		amount := 1
		if n, err := strconv.Atoi(a.Amount); err == nil && n > 1 {
			amount = n
		}
		total += price * float64(amount)
	}

	out := success(fmt.Sprintf("OK (%d itm)", count), total, count, pages)
	out.Partial = pages >= f.cfg.MaxPages
	log.Debug("Inventory valued",
		zap.Float64("price", total), zap.Int("items", count), zap.Int("pages", pages))
	return out
}

// warmup requests the profile landing page to obtain a server-issued session
// token. Returns (outcome, false) when the fetch must stop here.
func (f *Fetcher) warmup(ctx context.Context, s *session.Session, id uint64, log *zap.Logger) (Outcome, bool) {
	u := fmt.Sprintf("%s/profiles/%d", s.Home(), id)
	status, body, err := f.get(ctx, s, u)
	if err != nil {
		out := f.classifyTransportErr(err, true)
		out.Tag = "Warmup Fail"
		return out, false
	}

	if isPrivateProfile(body) {
		log.Debug("Profile is private")
		return success("Hidden", 0, 0, 0), false
	}
	if status == http.StatusTooManyRequests {
		return Outcome{Kind: KindRateLimited, Tag: "Rate Limit"}, false
	}
	if !s.HasCookie("sessionid") {
		log.Debug("Warmup yielded no session token", zap.Int("status", status))
		// The session could not establish a token; retrying the same
		// identifier would just burn the session again.
		out := retryable("Warmup Fail", fmt.Errorf("no session token after warmup (status %d)", status))
		out.NoRetry = true
		return out, false
	}
	return Outcome{}, true
}

func (f *Fetcher) fetchPage(ctx context.Context, s *session.Session, id uint64, cursor string, log *zap.Logger) (*inventoryPage, int, []byte, error) {
	count := f.cfg.PageCountMin
	if f.cfg.PageCountMax > f.cfg.PageCountMin {
		count += rand.IntN(f.cfg.PageCountMax - f.cfg.PageCountMin + 1)
	}
	u := fmt.Sprintf("%s/inventory/%d/%d/%d?l=english&count=%d",
		s.Home(), id, f.appID, f.contextID, count)
	if cursor != "" {
		u += "&start_assetid=" + cursor
	}

	status, body, err := f.get(ctx, s, u)
	if err != nil {
		return nil, 0, nil, err
	}
	if status != http.StatusOK {
		return nil, status, body, nil
	}

	var page inventoryPage
	if err := json.Unmarshal(body, &page); err != nil {
		f.diag.Dump("inventory", "undecodable payload", strconv.FormatUint(id, 10), nil, body)
		log.Warn("Inventory payload did not decode", zap.Error(err))
		return nil, 0, nil, errUndecodable
	}
	return &page, status, body, nil
}

var errUndecodable = errors.New("undecodable inventory payload")

func (f *Fetcher) get(ctx context.Context, s *session.Session, rawURL string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "*/*")

	began := time.Now()
	resp, err := s.Client().Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	s.UpdateLatency(time.Since(began).Seconds())
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, body, nil
}

func (f *Fetcher) classifyFirstPageStatus(status int, id uint64, body []byte, log *zap.Logger) Outcome {
	switch status {
	case http.StatusTooManyRequests:
		log.Debug("Rate limited")
		return Outcome{Kind: KindRateLimited, Tag: "Rate Limit"}
	case http.StatusUnauthorized:
		f.diag.Dump("inventory", "auth rejected", strconv.FormatUint(id, 10), nil, body)
		return Outcome{
			Kind: KindAuthFailed, Tag: "Http 401", PurgeCredentials: true,
			Err: errors.New("session credentials rejected"),
		}
	case http.StatusForbidden:
		// Hidden inventory; a legitimate terminal answer.
		return success("Hidden", 0, 0, 1)
	case http.StatusBadRequest:
		return Outcome{Kind: KindFatal, Tag: "BadReq (400)",
			Err: errors.New("inventory endpoint rejected the identifier")}
	default:
		return retryable(fmt.Sprintf("Http %d", status),
			fmt.Errorf("unexpected status %d on first page", status))
	}
}

func (f *Fetcher) classifyTransportErr(err error, firstPage bool) Outcome {
	if errors.Is(err, errUndecodable) {
		return retryable("Err Crash", err)
	}
	if errors.Is(err, context.Canceled) {
		return retryable("Cancelled", err)
	}
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		out := retryable("Timeout", err)
		out.Timeout = true
		return out
	}
	if isConnectionDrop(err) {
		out := retryable("ProxyDrop", err)
		out.ResetTransport = true
		return out
	}
	return retryable("Net Err", err)
}

// isConnectionDrop matches error signatures of a proxy or peer tearing down
// the connection mid-flight.
func isConnectionDrop(err error) bool {
	msg := err.Error()
	for _, sig := range []string{
		"connection reset",
		"broken pipe",
		"unexpected EOF",
		"proxyconnect",
		"EOF",
		"tls: ",
		"connection refused",
	} {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}

func isPrivateProfile(body []byte) bool {
	s := string(body)
	return strings.Contains(s, "profileprivateinfo") ||
		strings.Contains(s, "This profile is private")
}

func (f *Fetcher) pause(ctx context.Context, min, max time.Duration) error {
	d := min
	if max > min {
		d += rand.N(max - min)
	}
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
