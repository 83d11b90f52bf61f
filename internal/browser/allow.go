package browser

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/gobwas/glob"
)

// DefaultHosts are the hosts features run on when none are configured.
var DefaultHosts = []string{"github.com", "gist.github.com"}

// ErrEverywhere rejects host patterns matching every website.
var ErrEverywhere = errors.New("browser: ghpreview is not meant to run on every website; list your GitHub Enterprise hosts instead")

// Allowlist decides which documents are web pages features may touch.
// Patterns are host globs where '*' stops at dots and '**' does not.
type Allowlist struct {
	patterns []string
	globs    []glob.Glob
}

// NewAllowlist compiles host patterns. Empty patterns mean DefaultHosts.
func NewAllowlist(patterns []string) (*Allowlist, error) {
	if len(patterns) == 0 {
		patterns = DefaultHosts
	}
	a := &Allowlist{}
	for _, p := range patterns {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		if strings.Trim(p, "*.") == "" {
			return nil, fmt.Errorf("%w: %q", ErrEverywhere, p)
		}
		g, err := glob.Compile(p, '.')
		if err != nil {
			return nil, fmt.Errorf("browser: invalid host pattern %q: %w", p, err)
		}
		a.patterns = append(a.patterns, p)
		a.globs = append(a.globs, g)
	}
	return a, nil
}

// Patterns returns the compiled patterns.
func (a *Allowlist) Patterns() []string { return append([]string(nil), a.patterns...) }

// Allows reports whether rawURL is an http(s) document on an allowed host.
func (a *Allowlist) Allows(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") {
		return false
	}
	host := strings.ToLower(u.Hostname())
	for _, g := range a.globs {
		if g.Match(host) {
			return true
		}
	}
	return false
}
