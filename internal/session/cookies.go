// File: internal/session/cookies.go
package session

import (
	"fmt"
	"os"
	"path/filepath"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// CookieStore persists per-session cookie jars as opaque JSON name/value maps,
// one file per session under the cookie directory.
type CookieStore struct {
	dir string
}

// NewCookieStore returns a store rooted at dir, creating it if needed.
func NewCookieStore(dir string) (*CookieStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cookie dir: %w", err)
	}
	return &CookieStore{dir: dir}, nil
}

func (cs *CookieStore) path(name string) string {
	return filepath.Join(cs.dir, SanitizeName(name)+".json")
}

// Load reads the persisted cookies for the named session. Missing or
// unreadable files yield an empty map; cookies are a cache, not a contract.
func (cs *CookieStore) Load(name string) map[string]string {
	data, err := os.ReadFile(cs.path(name))
	if err != nil {
		return nil
	}
	var cookies map[string]string
	if err := json.Unmarshal(data, &cookies); err != nil {
		return nil
	}
	return cookies
}

// Save writes the cookie map for the named session, replacing any prior file.
func (cs *CookieStore) Save(name string, cookies map[string]string) error {
	data, err := json.Marshal(cookies)
	if err != nil {
		return fmt.Errorf("failed to encode cookies: %w", err)
	}
	if err := os.WriteFile(cs.path(name), data, 0o600); err != nil {
		return fmt.Errorf("failed to write cookie file: %w", err)
	}
	return nil
}

// Delete removes the persisted cookie file, if any.
func (cs *CookieStore) Delete(name string) {
	_ = os.Remove(cs.path(name))
}
