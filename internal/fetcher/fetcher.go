// Package fetcher performs the HTTP requests features cannot make from the
// page itself (raw file contents on another origin, API calls carrying the
// personal token).
package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// MaxBody caps every response read.
const MaxBody = 10 << 20

// ErrTooLarge is returned for bodies over MaxBody.
var ErrTooLarge = errors.New("response body exceeds 10MB")

// TokenFunc returns the token to send for url, empty for none.
type TokenFunc func(ctx context.Context, url string) string

// Fetcher performs GETs and memoises text bodies per URL.
type Fetcher struct {
	client  *http.Client
	ua      string
	logger  *slog.Logger
	token   TokenFunc
	logHTTP atomic.Bool

	mu   sync.Mutex
	memo map[string]*entry
}

type entry struct {
	done chan struct{}
	body string
	err  error
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithClient sets a custom HTTP client.
func WithClient(c *http.Client) Option {
	return func(f *Fetcher) { f.client = c }
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(f *Fetcher) { f.ua = ua }
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(f *Fetcher) { f.logger = l }
}

// WithToken sends `Authorization: token <t>` when fn returns a token.
func WithToken(fn TokenFunc) Option {
	return func(f *Fetcher) { f.token = fn }
}

// New creates a Fetcher with a 30s timeout.
func New(opts ...Option) *Fetcher {
	f := &Fetcher{
		client: &http.Client{Timeout: 30 * time.Second},
		ua:     "Mozilla/5.0 (compatible; ghpreview/1.0)",
		logger: slog.Default(),
		memo:   make(map[string]*entry),
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// SetLogHTTP toggles per-request logging (the LogHTTP option).
func (f *Fetcher) SetLogHTTP(on bool) { f.logHTTP.Store(on) }

// StatusError is a non-200 response.
type StatusError struct {
	URL    string
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fetcher: %s: HTTP %d", e.URL, e.Status)
}

// FetchText returns the body of url. Concurrent and later calls for the
// same URL share the first successful result; failures are not kept.
func (f *Fetcher) FetchText(ctx context.Context, url string) (string, error) {
	f.mu.Lock()
	e, ok := f.memo[url]
	if !ok {
		e = &entry{done: make(chan struct{})}
		f.memo[url] = e
	}
	f.mu.Unlock()

	if !ok {
		// The request outlives the caller that started it: others may be
		// waiting on the same entry. The client timeout bounds it.
		go func(ctx context.Context) {
			body, err := f.get(ctx, url)
			e.body, e.err = string(body), err
			if err != nil {
				f.mu.Lock()
				if f.memo[url] == e {
					delete(f.memo, url)
				}
				f.mu.Unlock()
			}
			close(e.done)
		}(context.WithoutCancel(ctx))
	}

	select {
	case <-e.done:
		return e.body, e.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// FetchJSON decodes the body of url into v. It is not memoised.
func (f *Fetcher) FetchJSON(ctx context.Context, url string, v any) error {
	body, err := f.get(ctx, url)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("fetcher: decode %s: %w", url, err)
	}
	return nil
}

// Forget drops every memoised body.
func (f *Fetcher) Forget() {
	f.mu.Lock()
	f.memo = make(map[string]*entry)
	f.mu.Unlock()
}

func (f *Fetcher) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("fetcher: new request: %w", err)
	}
	req.Header.Set("User-Agent", f.ua)
	if f.token != nil {
		if t := f.token(ctx, url); t != "" {
			req.Header.Set("Authorization", "token "+t)
		}
	}

	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetcher: do: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxBody+1))
	if err != nil {
		return nil, fmt.Errorf("fetcher: read body: %w", err)
	}
	if len(body) > MaxBody {
		return nil, fmt.Errorf("fetcher: %s: %w", url, ErrTooLarge)
	}

	if f.logHTTP.Load() {
		f.logger.Info("fetcher: http", "url", url, "status", resp.StatusCode,
			"size", len(body), "duration", time.Since(start))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{URL: url, Status: resp.StatusCode}
	}
	return body, nil
}
