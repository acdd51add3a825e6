// File: internal/pricing/table.go
// Description: Read-only price lookup table. Loaded from a local JSON file
// that is refreshed out-of-band from a public price API when stale. A missing
// entry is always price 0, never an error.
package pricing

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// rarityPrefixes are the cosmetic prefixes stripped before a second lookup
// attempt when the verbatim name misses.
var rarityPrefixes = []string{
	"Inscribed ", "Corrupted ", "Autographed ", "Auspicious ", "Frozen ",
	"Cursed ", "Exalted ", "Elder ", "Heroic ", "Genuine ", "Infused ",
}

// apiItem is one entry of the price API payload.
type apiItem struct {
	Name  string   `json:"name"`
	Price *float64 `json:"price"`
}

// Table maps canonical item display names to prices.
type Table struct {
	mu     sync.RWMutex
	prices map[string]float64
}

// NewTable wraps an in-memory price map. Used directly by tests and by
// callers that already hold a map.
func NewTable(prices map[string]float64) *Table {
	if prices == nil {
		prices = make(map[string]float64)
	}
	return &Table{prices: prices}
}

// Len returns the number of priced items.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.prices)
}

// Lookup returns the price for the display name. On a miss the known
// cosmetic-rarity prefixes are stripped and the lookup retried. Absent
// entries are worth 0.
func (t *Table) Lookup(name string) float64 {
	name = strings.TrimSpace(name)

	t.mu.RLock()
	defer t.mu.RUnlock()

	if p, ok := t.prices[name]; ok {
		return p
	}
	clean := StripRarityPrefixes(name)
	if clean != name {
		if p, ok := t.prices[clean]; ok {
			return p
		}
	}
	return 0
}

// StripRarityPrefixes removes at most one occurrence of each known prefix
// from the front of the name.
func StripRarityPrefixes(name string) string {
	clean := name
	for _, prefix := range rarityPrefixes {
		clean = strings.TrimPrefix(clean, prefix)
	}
	return clean
}

// Loader owns the price file lifecycle: load, staleness check, refresh.
type Loader struct {
	Path            string
	APIURL          string
	RefreshInterval time.Duration
	Client          *http.Client
	Logger          *zap.Logger
}

// Load returns a price table from the configured file, refreshing it from the
// API first when the file is missing or older than the refresh interval.
// Refresh failures are non-fatal as long as a previous file exists.
func (l *Loader) Load(ctx context.Context) (*Table, error) {
	logger := l.Logger.Named("pricing")

	stale := false
	info, err := os.Stat(l.Path)
	switch {
	case err != nil:
		logger.Info("Price file not found, downloading", zap.String("path", l.Path))
		stale = true
	case time.Since(info.ModTime()) > l.RefreshInterval:
		logger.Info("Price file is stale, refreshing", zap.String("path", l.Path))
		stale = true
	}

	if stale {
		if err := l.refresh(ctx); err != nil {
			logger.Warn("Price refresh failed, falling back to existing file", zap.Error(err))
		}
	}

	data, err := os.ReadFile(l.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read price file: %w", err)
	}
	prices, err := parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse price file: %w", err)
	}

	logger.Info("Price table loaded", zap.Int("items", len(prices)))
	return NewTable(prices), nil
}

// refresh downloads the raw API payload and rewrites the file wholesale.
func (l *Loader) refresh(ctx context.Context) error {
	client := l.Client
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.APIURL, nil)
	if err != nil {
		return fmt.Errorf("failed to build price request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("price API request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("price API returned HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read price payload: %w", err)
	}
	// Validate before replacing the file so a bad payload cannot clobber a
	// good one.
	if _, err := parse(body); err != nil {
		return fmt.Errorf("price payload rejected: %w", err)
	}
	if err := os.WriteFile(l.Path, body, 0o644); err != nil {
		return fmt.Errorf("failed to write price file: %w", err)
	}
	return nil
}

// parse accepts either the API's array form ([{name, price}]) or the legacy
// flat map form ({name: price}).
func parse(data []byte) (map[string]float64, error) {
	var items []apiItem
	if err := json.Unmarshal(data, &items); err == nil {
		prices := make(map[string]float64, len(items))
		for _, it := range items {
			if it.Name != "" && it.Price != nil {
				prices[it.Name] = *it.Price
			}
		}
		return prices, nil
	}

	var flat map[string]float64
	if err := json.Unmarshal(data, &flat); err != nil {
		return nil, fmt.Errorf("unrecognized price data format: %w", err)
	}
	return flat, nil
}
