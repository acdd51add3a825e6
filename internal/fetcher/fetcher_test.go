package fetcher

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/steamprobe/internal/config"
	"github.com/xkilldash9x/steamprobe/internal/diagnostic"
	"github.com/xkilldash9x/steamprobe/internal/netx"
	"github.com/xkilldash9x/steamprobe/internal/pricing"
	"github.com/xkilldash9x/steamprobe/internal/scores"
	"github.com/xkilldash9x/steamprobe/internal/session"
)

const testID uint64 = 76561198000000001

func fastFetchConfig() config.FetchConfig {
	return config.FetchConfig{
		PageCountMin: 450,
		PageCountMax: 500,
		MaxPages:     50,
	}
}

func newTestSession(t *testing.T, home string) *session.Session {
	t.Helper()
	dir := t.TempDir()
	store, err := session.NewCookieStore(dir)
	require.NoError(t, err)
	sc := scores.NewStore(filepath.Join(dir, "scores.json"), zap.NewNop())
	cfg := netx.NewDefaultClientConfig()
	cfg.Logger = zap.NewNop()
	return session.New("Worker-1_Local", "", "tok", cfg, store, sc, time.Minute,
		zap.NewNop(), session.WithHome(home))
}

func newFetcher(t *testing.T, table *pricing.Table) *Fetcher {
	t.Helper()
	if table == nil {
		table = pricing.NewTable(nil)
	}
	return New(fastFetchConfig(), table, diagnostic.NopSink{}, zap.NewNop())
}

// warmupHandler issues a session token like the real landing page would.
func warmupHandler(w http.ResponseWriter, _ *http.Request) {
	http.SetCookie(w, &http.Cookie{Name: "sessionid", Value: "abc123", Path: "/"})
	fmt.Fprint(w, "<html>profile</html>")
}

func TestEmptyInventory(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/profiles/", warmupHandler)
	mux.HandleFunc("/inventory/", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"assets":[],"descriptions":[],"success":1,"more_items":0}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	s := newTestSession(t, srv.URL)
	out := newFetcher(t, nil).Fetch(context.Background(), s, testID)

	assert.Equal(t, KindSuccess, out.Kind)
	assert.Equal(t, "Empty", out.Tag)
	assert.Equal(t, 0.0, out.Price)
	assert.True(t, out.Terminal())
}

func TestPrivateProfileDuringWarmup(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/profiles/", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `<div class="profileprivateinfo">This profile is private</div>`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	s := newTestSession(t, srv.URL)
	out := newFetcher(t, nil).Fetch(context.Background(), s, testID)

	assert.Equal(t, KindSuccess, out.Kind)
	assert.Equal(t, "Hidden", out.Tag)
	assert.Equal(t, 0.0, out.Price)
}

func TestHiddenInventoryVia403(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/profiles/", warmupHandler)
	mux.HandleFunc("/inventory/", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	s := newTestSession(t, srv.URL)
	out := newFetcher(t, nil).Fetch(context.Background(), s, testID)

	assert.Equal(t, KindSuccess, out.Kind)
	assert.Equal(t, "Hidden", out.Tag)
	assert.True(t, out.Terminal())
}

func TestRateLimited(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/profiles/", warmupHandler)
	mux.HandleFunc("/inventory/", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	s := newTestSession(t, srv.URL)
	out := newFetcher(t, nil).Fetch(context.Background(), s, testID)

	assert.Equal(t, KindRateLimited, out.Kind)
	assert.Equal(t, "Rate Limit", out.Tag)
	assert.False(t, out.Terminal())
}

func TestAuthFailurePurgesCredentials(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/profiles/", warmupHandler)
	mux.HandleFunc("/inventory/", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	s := newTestSession(t, srv.URL)
	out := newFetcher(t, nil).Fetch(context.Background(), s, testID)

	assert.Equal(t, KindAuthFailed, out.Kind)
	assert.True(t, out.PurgeCredentials)
}

func TestBadRequestIsFatal(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/profiles/", warmupHandler)
	mux.HandleFunc("/inventory/", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	s := newTestSession(t, srv.URL)
	out := newFetcher(t, nil).Fetch(context.Background(), s, testID)

	assert.Equal(t, KindFatal, out.Kind)
	assert.Equal(t, "BadReq (400)", out.Tag)
	assert.True(t, out.Terminal())
}

func TestWarmupFailWithoutToken(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/profiles/", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "<html>no cookie for you</html>")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	s := newTestSession(t, srv.URL)
	out := newFetcher(t, nil).Fetch(context.Background(), s, testID)

	assert.Equal(t, KindRetryable, out.Kind)
	assert.Equal(t, "Warmup Fail", out.Tag)
	assert.True(t, out.NoRetry, "a token-less warmup is a session problem, not a task retry")
}

func TestTwoPagePricing(t *testing.T) {
	var sawCursor string
	mux := http.NewServeMux()
	mux.HandleFunc("/profiles/", warmupHandler)
	mux.HandleFunc("/inventory/", func(w http.ResponseWriter, r *http.Request) {
		if cursor := r.URL.Query().Get("start_assetid"); cursor == "" {
			fmt.Fprint(w, `{
				"assets":[{"classid":"10","instanceid":"0","amount":"1"}],
				"descriptions":[{"classid":"10","instanceid":"0","marketable":1,"market_hash_name":"Dragonclaw Hook"}],
				"success":1,"more_items":1,"last_assetid":"555"}`)
		} else {
			sawCursor = cursor
			fmt.Fprint(w, `{
				"assets":[{"classid":"20","instanceid":"0","amount":"1"}],
				"descriptions":[{"classid":"20","instanceid":"0","marketable":0,"market_hash_name":"Untradable Trinket"}],
				"success":1,"more_items":0}`)
		}
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	table := pricing.NewTable(map[string]float64{"Dragonclaw Hook": 10.0})
	s := newTestSession(t, srv.URL)
	out := newFetcher(t, table).Fetch(context.Background(), s, testID)

	assert.Equal(t, KindSuccess, out.Kind)
	assert.Equal(t, 10.0, out.Price)
	assert.Equal(t, 2, out.ItemCount)
	assert.Equal(t, 2, out.Pages)
	assert.Equal(t, "OK (2 itm)", out.Tag)
	assert.Equal(t, "555", sawCursor)
}

func TestLaterPageFailureKeepsPartial(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/profiles/", warmupHandler)
	mux.HandleFunc("/inventory/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("start_assetid") == "" {
			fmt.Fprint(w, `{
				"assets":[{"classid":"10","instanceid":"0","amount":"1"}],
				"descriptions":[{"classid":"10","instanceid":"0","marketable":1,"market_hash_name":"Dragonclaw Hook"}],
				"success":1,"more_items":1,"last_assetid":"555"}`)
		} else {
			w.WriteHeader(http.StatusInternalServerError)
		}
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	table := pricing.NewTable(map[string]float64{"Dragonclaw Hook": 10.0})
	s := newTestSession(t, srv.URL)
	out := newFetcher(t, table).Fetch(context.Background(), s, testID)

	assert.Equal(t, KindSuccess, out.Kind)
	assert.Equal(t, 10.0, out.Price)
	assert.Equal(t, 1, out.ItemCount)
}

func TestPaginationCap(t *testing.T) {
	var pagesServed int
	mux := http.NewServeMux()
	mux.HandleFunc("/profiles/", warmupHandler)
	mux.HandleFunc("/inventory/", func(w http.ResponseWriter, _ *http.Request) {
		pagesServed++
		fmt.Fprintf(w, `{
			"assets":[{"classid":"%d","instanceid":"0","amount":"1"}],
			"descriptions":[],"success":1,"more_items":1,"last_assetid":"%d"}`,
			pagesServed, pagesServed)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	cfg := fastFetchConfig()
	cfg.MaxPages = 3
	table := pricing.NewTable(nil)
	f := New(cfg, table, diagnostic.NopSink{}, zap.NewNop())
	s := newTestSession(t, srv.URL)
	out := f.Fetch(context.Background(), s, testID)

	assert.Equal(t, KindSuccess, out.Kind)
	assert.Equal(t, 3, pagesServed)
	assert.Equal(t, 3, out.ItemCount)
	assert.True(t, out.Partial)
}

func TestProxyDropOnDeadServer(t *testing.T) {
	srv := httptest.NewServer(http.NewServeMux())
	home := srv.URL
	srv.Close()

	s := newTestSession(t, home)
	// Pre-seeded token skips warmup so the pagination path is exercised.
	s.SetCookie("sessionid", "abc123")
	out := newFetcher(t, nil).Fetch(context.Background(), s, testID)

	assert.Equal(t, KindRetryable, out.Kind)
	assert.Equal(t, "ProxyDrop", out.Tag)
	assert.True(t, out.ResetTransport)
}

func TestUndecodablePayload(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/profiles/", warmupHandler)
	mux.HandleFunc("/inventory/", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "<html>maintenance</html>")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	s := newTestSession(t, srv.URL)
	out := newFetcher(t, nil).Fetch(context.Background(), s, testID)

	assert.Equal(t, KindRetryable, out.Kind)
	assert.Equal(t, "Err Crash", out.Tag)
}

func TestCommunityIDConversion(t *testing.T) {
	assert.Equal(t, uint64(76561197960265728+42), ToCommunityID(42))
	assert.Equal(t, uint64(42), ToAccountID(76561197960265728+42))
	assert.Equal(t, testID, ToCommunityID(testID))
	assert.Equal(t, uint64(42), ToAccountID(42))
}
