// Package pagedetect classifies GitHub pages. Every classifier is a named
// predicate usable as a feature run condition.
package pagedetect

import (
	"context"
	"net/url"
	"regexp"
	"strings"

	"github.com/hazyhaar/ghpreview/dom"
)

// Detector is a named page predicate.
type Detector struct {
	name string
	fn   func(ctx context.Context, p dom.Page) bool
}

// Name identifies the detector.
func (d Detector) Name() string { return d.name }

// Match runs the predicate. A page that cannot be inspected never matches.
func (d Detector) Match(ctx context.Context, p dom.Page) bool { return d.fn(ctx, p) }

func path(p dom.Page) (*url.URL, bool) {
	u, err := url.Parse(p.URL())
	if err != nil {
		return nil, false
	}
	return u, true
}

func title(ctx context.Context, p dom.Page) string {
	t, err := p.Title(ctx)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(t)
}

var (
	notFoundTitle     = regexp.MustCompile(`^(Page|File) not found · GitHub`)
	serverErrorTitles = []string{"Server Error · GitHub", "Unicorn! · GitHub", "504 Gateway Time-out"}
)

var (
	// IsGlobalSearchResults matches the code search result list.
	IsGlobalSearchResults = Detector{"isGlobalSearchResults", func(_ context.Context, p dom.Page) bool {
		u, ok := path(p)
		return ok && strings.TrimSuffix(u.Path, "/") == "/search" && u.Query().Get("q") != ""
	}}

	// Is404 matches GitHub's not-found pages.
	Is404 = Detector{"is404", func(ctx context.Context, p dom.Page) bool {
		return notFoundTitle.MatchString(title(ctx, p))
	}}

	// Is500 matches server error pages.
	Is500 = Detector{"is500", func(ctx context.Context, p dom.Page) bool {
		t := title(ctx, p)
		for _, s := range serverErrorTitles {
			if t == s {
				return true
			}
		}
		return false
	}}

	// IsPasswordConfirmation matches the sudo-mode prompt.
	IsPasswordConfirmation = Detector{"isPasswordConfirmation", func(ctx context.Context, p dom.Page) bool {
		if u, ok := path(p); ok && strings.HasPrefix(u.Path, "/sessions/sudo") {
			return true
		}
		t := title(ctx, p)
		return strings.HasPrefix(t, "Confirm access") || strings.HasPrefix(t, "Confirm password")
	}}

	// IsLoggedOut matches pages rendered for anonymous visitors.
	IsLoggedOut = Detector{"isLoggedOut", func(ctx context.Context, p dom.Page) bool {
		ok, err := p.Exists(ctx, "body.logged-out")
		return err == nil && ok
	}}
)

// ErrorPages close the feature gate.
var ErrorPages = []Detector{Is500, IsPasswordConfirmation}
