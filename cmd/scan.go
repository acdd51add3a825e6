package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/steamprobe/internal/config"
	"github.com/xkilldash9x/steamprobe/internal/diagnostic"
	"github.com/xkilldash9x/steamprobe/internal/dispatch"
	"github.com/xkilldash9x/steamprobe/internal/fetcher"
	"github.com/xkilldash9x/steamprobe/internal/history"
	"github.com/xkilldash9x/steamprobe/internal/netx"
	"github.com/xkilldash9x/steamprobe/internal/notify"
	"github.com/xkilldash9x/steamprobe/internal/observability"
	"github.com/xkilldash9x/steamprobe/internal/pricing"
	"github.com/xkilldash9x/steamprobe/internal/resolver"
	"github.com/xkilldash9x/steamprobe/internal/scores"
	"github.com/xkilldash9x/steamprobe/internal/session"
)

// newScanCmd creates and configures the `scan` command.
func newScanCmd() *cobra.Command {
	scanCmd := &cobra.Command{
		Use:     "scan [identifiers...]",
		Aliases: []string{"run"},
		Short:   "Values the inventories of the given account identifiers",
		Args:    cobra.ArbitraryArgs,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			// Bind flags to their Viper keys so command-line flags correctly
			// override values from the config file and environment.
			if err := viper.BindPFlag("dispatch.max_concurrent_sessions", cmd.Flags().Lookup("concurrency")); err != nil {
				return err
			}
			if err := viper.BindPFlag("sessions.proxies_file", cmd.Flags().Lookup("proxies")); err != nil {
				return err
			}
			return viper.BindPFlags(cmd.Flags())
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			// Use the context passed from main.go (signal-aware).
			ctx := cmd.Context()
			logger := observability.GetLogger()

			cfg, err := config.NewConfigFromViper(viper.GetViper())
			if err != nil {
				return err
			}

			identifiers, err := collectIdentifiers(args, viper.GetString("input"))
			if err != nil {
				return err
			}
			if len(identifiers) == 0 {
				return fmt.Errorf("no identifiers given; pass them as arguments or via --input")
			}
			ignoreCache := viper.GetBool("ignore-cache")

			logger.Info("Starting scan",
				zap.Int("identifiers", len(identifiers)),
				zap.Int("concurrency", cfg.Dispatch.MaxConcurrentSessions),
				zap.Bool("ignore_cache", ignoreCache),
			)

			components, err := initializeScanComponents(ctx, cfg, logger)
			if err != nil {
				if components != nil {
					components.Shutdown()
				}
				return fmt.Errorf("failed to initialize scan components: %w", err)
			}
			defer components.Shutdown()

			components.Resolver.Start(ctx)
			components.Dispatcher.Start(ctx)

			for _, id := range identifiers {
				components.Dispatcher.Enqueue(id, ignoreCache)
			}

			if err := waitForCompletion(ctx, components.Dispatcher, identifiers); err != nil {
				logger.Warn("Scan aborted", zap.Error(err))
			}

			printSummary(components.Dispatcher)
			return nil
		},
	}

	scanCmd.Flags().StringP("input", "i", "", "File with one identifier per line.")
	scanCmd.Flags().Bool("ignore-cache", false, "Fetch even when the history holds a prior valuation.")
	scanCmd.Flags().IntP("concurrency", "j", 0, "Max concurrent sessions. (Overrides config/env)")
	scanCmd.Flags().String("proxies", "", "Proxy list file, one address per line. (Overrides config/env)")

	return scanCmd
}

func init() {
	rootCmd.AddCommand(newScanCmd())
}

// scanComponents holds initialized services.
type scanComponents struct {
	Scores     *scores.Store
	Sessions   []*session.Session
	Table      *pricing.Table
	Watcher    *history.Watcher
	Recorder   *history.Recorder
	Resolver   *resolver.Resolver
	Dispatcher *dispatch.Dispatcher
	Sink       notify.Sink
	cancelSink context.CancelFunc
}

// Shutdown gracefully closes all components.
func (sc *scanComponents) Shutdown() {
	if sc.Dispatcher != nil {
		sc.Dispatcher.Stop()
	}
	if sc.Resolver != nil {
		sc.Resolver.Stop()
	}
	if sc.Watcher != nil {
		sc.Watcher.Stop()
	}
	if sc.Recorder != nil {
		if err := sc.Recorder.Close(); err != nil {
			observability.GetLogger().Warn("Error closing history recorder", zap.Error(err))
		}
	}
	if sc.cancelSink != nil {
		sc.cancelSink()
	}
}

// initializeScanComponents handles dependency injection.
func initializeScanComponents(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*scanComponents, error) {
	components := &scanComponents{}

	dataDir, err := cfg.DataDir()
	if err != nil {
		return nil, err
	}

	// 1. Score store and cookie store
	components.Scores = scores.NewStore(filepath.Join(dataDir, "proxy_scores.json"), logger)
	cookieStore, err := session.NewCookieStore(filepath.Join(dataDir, "cookies"))
	if err != nil {
		return components, fmt.Errorf("failed to open cookie store: %w", err)
	}

	// 2. Session pool
	proxies, err := readLines(cfg.Sessions.ProxiesFile)
	if err != nil {
		return components, fmt.Errorf("failed to read proxies file: %w", err)
	}
	clientTemplate := netx.NewDefaultClientConfig()
	clientTemplate.DialTimeout = cfg.Network.ConnectTimeout
	clientTemplate.RequestTimeout = cfg.Network.ReadTimeout
	clientTemplate.IgnoreTLSErrors = cfg.Network.IgnoreTLSErrors
	clientTemplate.Logger = logger.Named("httpclient")

	components.Sessions, err = session.BuildPool(session.PoolConfig{
		Proxies:           proxies,
		Tokens:            cfg.Sessions.Tokens,
		ClientTemplate:    clientTemplate,
		CookieStore:       cookieStore,
		Scores:            components.Scores,
		RateLimitCooldown: cfg.Dispatch.RateLimitCooldown,
		Logger:            logger,
	})
	if err != nil {
		return components, fmt.Errorf("failed to build session pool: %w", err)
	}

	// 3. Price table
	loader := &pricing.Loader{
		Path:            filepath.Join(dataDir, cfg.Pricing.File),
		APIURL:          cfg.Pricing.APIURL,
		RefreshInterval: cfg.Pricing.RefreshInterval,
		Client:          netx.NewClient(netx.NewDefaultClientConfig()),
		Logger:          logger,
	}
	components.Table, err = loader.Load(ctx)
	if err != nil {
		return components, fmt.Errorf("failed to load price table: %w", err)
	}

	// 4. History oracle
	historyPath := filepath.Join(dataDir, "history.tsv")
	components.Recorder, err = history.NewRecorder(historyPath)
	if err != nil {
		return components, fmt.Errorf("failed to open history: %w", err)
	}
	components.Watcher, err = history.NewWatcher(historyPath, logger)
	if err != nil {
		return components, fmt.Errorf("failed to watch history: %w", err)
	}

	// 5. Notification sink
	sinkCtx, cancel := context.WithCancel(context.Background())
	components.cancelSink = cancel
	if cfg.Notify.RedisAddr != "" {
		sink, err := notify.NewRedisSink(sinkCtx, cfg.Notify.RedisAddr, cfg.Notify.RedisChannel, cfg.Notify.Buffer, logger)
		if err != nil {
			return components, fmt.Errorf("failed to connect notification sink: %w", err)
		}
		components.Sink = sink
	} else {
		sink := notify.NewChannelSink(cfg.Notify.Buffer, logger)
		go printNotifications(sinkCtx, sink)
		components.Sink = sink
	}

	// 6. Resolver side-pool
	components.Resolver = resolver.New(cfg.Resolver, netx.NewClient(netx.NewDefaultClientConfig()),
		components.Watcher, components.Sink, logger)

	// 7. Fetcher and dispatcher
	diagSink, err := diagnostic.NewFileSink(filepath.Join(dataDir, "dumps"), logger)
	if err != nil {
		return components, fmt.Errorf("failed to open diagnostic sink: %w", err)
	}
	f := fetcher.New(cfg.Fetch, components.Table, diagSink, logger)
	components.Dispatcher = dispatch.New(cfg.Dispatch, components.Sessions, f, components.Sink, logger,
		dispatch.WithResolver(components.Resolver),
		dispatch.WithRecorder(components.Recorder),
	)

	return components, nil
}

// waitForCompletion polls until every identifier settled or the context ends.
func waitForCompletion(ctx context.Context, d *dispatch.Dispatcher, identifiers []uint64) error {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		done := true
		for _, id := range identifiers {
			if !d.Settled(id) {
				done = false
				break
			}
		}
		if done {
			return nil
		}
	}
}

func printNotifications(ctx context.Context, sink *notify.ChannelSink) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-sink.Messages():
			switch msg.Type {
			case notify.TypePrice, notify.TypeCache:
				fmt.Printf("%-12s %s  %.2f\n", msg.Type, msg.Text, msg.Price)
			default:
				fmt.Printf("%-12s %s\n", msg.Type, msg.Text)
			}
		}
	}
}

func printSummary(d *dispatch.Dispatcher) {
	fresh, retry := d.QueueDepths()
	fmt.Printf("\nQueues at shutdown: fresh=%d retry=%d\n", fresh, retry)
	fmt.Println("Sessions:")
	for _, snap := range d.SessionSnapshots() {
		state := "ok"
		if snap.RateLimited {
			state = "rate-limited"
		} else if !snap.Alive {
			state = "dead"
		}
		fmt.Printf("  %-24s proxy=%-14s mode=%-9s score=%.3f latency=%.2fs timeouts=%d %s\n",
			snap.Name, snap.Proxy, snap.Mode, snap.Score, snap.Latency, snap.Timeouts, state)
	}
}

// collectIdentifiers merges CLI args with an optional input file. Accepts the
// 64-bit community form, the 32-bit account form, or full profile URLs.
func collectIdentifiers(args []string, inputPath string) ([]uint64, error) {
	raw := append([]string{}, args...)
	if inputPath != "" {
		lines, err := readLines(inputPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read input file: %w", err)
		}
		raw = append(raw, lines...)
	}

	seen := make(map[uint64]struct{})
	out := make([]uint64, 0, len(raw))
	for _, r := range raw {
		id, err := parseIdentifier(r)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out, nil
}

func parseIdentifier(raw string) (uint64, error) {
	s := strings.TrimSpace(raw)
	// Accept pasted profile URLs like .../profiles/7656...
	if i := strings.LastIndex(s, "/profiles/"); i >= 0 {
		s = strings.Trim(s[i+len("/profiles/"):], "/")
	}
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unrecognized identifier %q", raw)
	}
	return fetcher.ToCommunityID(id), nil
}

// readLines returns non-empty, non-comment lines. An empty path yields nil.
func readLines(path string) ([]string, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	return out, sc.Err()
}
