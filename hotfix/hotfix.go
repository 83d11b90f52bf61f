// Package hotfix downloads the CSS and string patches published for a
// release, so broken selectors can be fixed without shipping a new build.
//
// Patches live in a GitHub repository and are read through the contents
// API. Results are cached in SQLite: fresh for MaxAge, then served stale
// while a background refresh runs, until the stale window ends.
package hotfix

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"
)

// DefaultBaseURL is the contents endpoint of the hotfix repository.
const DefaultBaseURL = "https://api.github.com/repos/refined-github/yolo/contents/"

// Schema creates the cache table.
const Schema = `
CREATE TABLE IF NOT EXISTS hotfix_cache (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	fetched_at INTEGER NOT NULL
);`

// JSONFetcher is the part of internal/fetcher the cache needs.
type JSONFetcher interface {
	FetchJSON(ctx context.Context, url string, v any) error
}

// Config tunes a Cache.
type Config struct {
	BaseURL string
	// MaxAge of a cached style patch. Default: 6h.
	MaxAge time.Duration
	// StyleStale is how long an expired style patch is still served while
	// it refreshes. Default: 300 days.
	StyleStale time.Duration
	// StringsStale is the same window for string patches. Default: 30 days.
	StringsStale time.Duration
	Logger       *slog.Logger
	Now          func() time.Time
}

func (c *Config) defaults() {
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	if !strings.HasSuffix(c.BaseURL, "/") {
		c.BaseURL += "/"
	}
	if c.MaxAge <= 0 {
		c.MaxAge = 6 * time.Hour
	}
	if c.StyleStale <= 0 {
		c.StyleStale = 300 * 24 * time.Hour
	}
	if c.StringsStale <= 0 {
		c.StringsStale = 30 * 24 * time.Hour
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Cache serves hotfixes.
type Cache struct {
	db    *sql.DB
	fetch JSONFetcher
	cfg   Config

	mu         sync.Mutex
	refreshing map[string]bool
	wg         sync.WaitGroup
}

// New creates the cache table if needed.
func New(db *sql.DB, fetch JSONFetcher, cfg Config) (*Cache, error) {
	cfg.defaults()
	if _, err := db.Exec(Schema); err != nil {
		return nil, fmt.Errorf("hotfix: schema: %w", err)
	}
	return &Cache{db: db, fetch: fetch, cfg: cfg, refreshing: make(map[string]bool)}, nil
}

// IsDevelopmentVersion reports whether version is a local build, which
// never receives hotfixes.
func IsDevelopmentVersion(version string) bool {
	return version == "" || version == "dev" || version == "0.0.0" || strings.HasSuffix(version, "-dev")
}

// Applicable reports whether hotfixes apply to a page: released builds on
// github.com only, GitHub Enterprise ships its own markup.
func Applicable(version, pageURL string) bool {
	if IsDevelopmentVersion(version) {
		return false
	}
	u, err := url.Parse(pageURL)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	return host == "github.com" || strings.HasSuffix(host, ".github.com")
}

// Styles returns the CSS patch of version, empty when there is none.
func (c *Cache) Styles(ctx context.Context, version string) (string, error) {
	if IsDevelopmentVersion(version) {
		return "", nil
	}
	return c.get(ctx, "style/"+version+".css", c.cfg.StyleStale)
}

// Strings returns the replacement table for UI strings.
func (c *Cache) Strings(ctx context.Context, version string) (map[string]string, error) {
	out := map[string]string{}
	if IsDevelopmentVersion(version) {
		return out, nil
	}
	raw, err := c.get(ctx, "strings.json", c.cfg.StringsStale)
	if err != nil || raw == "" {
		return out, err
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return map[string]string{}, fmt.Errorf("hotfix: strings.json: %w", err)
	}
	return out, nil
}

// Clear drops every cached patch.
func (c *Cache) Clear(ctx context.Context) error {
	if _, err := c.db.ExecContext(ctx, `DELETE FROM hotfix_cache`); err != nil {
		return fmt.Errorf("hotfix: clear: %w", err)
	}
	return nil
}

// Wait blocks until background refreshes finished.
func (c *Cache) Wait() { c.wg.Wait() }

func (c *Cache) get(ctx context.Context, path string, stale time.Duration) (string, error) {
	value, fetchedAt, found, err := c.lookup(ctx, path)
	if err != nil {
		return "", err
	}
	if found {
		age := c.cfg.Now().Sub(fetchedAt)
		switch {
		case age < c.cfg.MaxAge:
			return value, nil
		case age < c.cfg.MaxAge+stale:
			c.refresh(path)
			return value, nil
		}
	}
	return c.update(ctx, path)
}

func (c *Cache) lookup(ctx context.Context, key string) (string, time.Time, bool, error) {
	var value string
	var at int64
	err := c.db.QueryRowContext(ctx, `SELECT value, fetched_at FROM hotfix_cache WHERE key = ?`, key).Scan(&value, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return "", time.Time{}, false, nil
	}
	if err != nil {
		return "", time.Time{}, false, fmt.Errorf("hotfix: lookup %s: %w", key, err)
	}
	return value, time.UnixMilli(at), true, nil
}

func (c *Cache) refresh(path string) {
	c.mu.Lock()
	if c.refreshing[path] {
		c.mu.Unlock()
		return
	}
	c.refreshing[path] = true
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			c.mu.Lock()
			delete(c.refreshing, path)
			c.mu.Unlock()
		}()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := c.update(ctx, path); err != nil {
			c.cfg.Logger.Warn("hotfix: background refresh failed", "path", path, "error", err)
		}
	}()
}

type contents struct {
	Content string `json:"content"`
}

// update downloads path and stores it. A response without content (the
// API answers that way when rate limited) is cached as empty.
func (c *Cache) update(ctx context.Context, path string) (string, error) {
	var body contents
	if err := c.fetch.FetchJSON(ctx, c.cfg.BaseURL+path, &body); err != nil {
		return "", fmt.Errorf("hotfix: fetch %s: %w", path, err)
	}

	value := ""
	if body.Content != "" {
		// The contents API wraps base64 at 60 columns.
		raw, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(body.Content, "\n", ""))
		if err != nil {
			return "", fmt.Errorf("hotfix: decode %s: %w", path, err)
		}
		value = strings.TrimSpace(string(raw))
	}

	_, err := c.db.ExecContext(ctx, `
		INSERT INTO hotfix_cache (key, value, fetched_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, fetched_at = excluded.fetched_at`,
		path, value, c.cfg.Now().UnixMilli())
	if err != nil {
		return "", fmt.Errorf("hotfix: store %s: %w", path, err)
	}
	c.cfg.Logger.Debug("hotfix: updated", "path", path, "size", len(value))
	return value, nil
}

// Localizer replaces UI strings with their hotfixed version.
type Localizer struct {
	mu      sync.RWMutex
	strings map[string]string
}

// Load swaps the replacement table.
func (l *Localizer) Load(m map[string]string) {
	l.mu.Lock()
	l.strings = m
	l.mu.Unlock()
}

// T returns the replacement of s, or s.
func (l *Localizer) T(s string) string {
	if l == nil {
		return s
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if r, ok := l.strings[s]; ok {
		return r
	}
	return s
}
