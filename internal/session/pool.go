// File: internal/session/pool.go
package session

import (
	"fmt"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/steamprobe/internal/netx"
	"github.com/xkilldash9x/steamprobe/internal/scores"
)

// PoolConfig carries everything needed to stamp out the session pool.
type PoolConfig struct {
	Proxies           []string // raw proxy addresses, scheme optional
	Tokens            []string // credential tokens
	ClientTemplate    *netx.ClientConfig
	CookieStore       *CookieStore
	Scores            *scores.Store
	RateLimitCooldown time.Duration
	Logger            *zap.Logger
	Options           []Option
}

// BuildPool creates one session per proxy×credential combination,
// count = max(proxies, tokens). Proxies are ordered best-score-first so the
// lowest indexes, which the dispatcher prefers on ties, get the most reliable
// paths.
func BuildPool(cfg PoolConfig) ([]*Session, error) {
	proxies := make([]string, 0, len(cfg.Proxies))
	for _, p := range cfg.Proxies {
		if n := NormalizeProxy(p); n != "" {
			proxies = append(proxies, n)
		}
	}
	if cfg.Scores != nil {
		proxies = cfg.Scores.SortProxies(proxies)
	}

	tokens := make([]string, 0, len(cfg.Tokens))
	for _, t := range cfg.Tokens {
		if len(t) > 5 {
			tokens = append(tokens, t)
		}
	}
	if len(tokens) == 0 {
		tokens = []string{"GenericToken"}
	}

	count := len(tokens)
	if len(proxies) > count {
		count = len(proxies)
	}
	if count == 0 {
		count = 1
	}

	sessions := make([]*Session, 0, count)
	for i := 0; i < count; i++ {
		proxy := ""
		if len(proxies) > 0 {
			proxy = proxies[i%len(proxies)]
		}
		token := tokens[i%len(tokens)]

		clientCfg := *cfg.ClientTemplate
		if proxy != "" {
			proxyURL, err := url.Parse(proxy)
			if err != nil {
				return nil, fmt.Errorf("invalid proxy %q: %w", MaskProxy(proxy), err)
			}
			clientCfg.ProxyURL = proxyURL
		}

		name := fmt.Sprintf("Worker-%d_%s", i+1, SanitizeName(MaskProxy(proxy)))
		sessions = append(sessions, New(
			name, proxy, token, &clientCfg,
			cfg.CookieStore, cfg.Scores, cfg.RateLimitCooldown,
			cfg.Logger, cfg.Options...,
		))
	}
	return sessions, nil
}
