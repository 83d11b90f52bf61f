package browser

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"github.com/hazyhaar/ghpreview/idgen"
)

// NavigateTimeout bounds the first navigation of a tab.
const NavigateTimeout = 30 * time.Second

// TabOptions tunes OpenTab.
type TabOptions struct {
	// Background opens the tab without focusing it.
	Background bool
	// Stealth hides the automation fingerprints GitHub could notice.
	Stealth bool
	Host    HostConfig
	// OnHost is called before the first navigation, so subscribers see the
	// first document's events.
	OnHost func(t *Tab)
}

// Tab is a Chrome tab with its Host.
type Tab struct {
	ID   string
	Page *rod.Page
	Host *Host
}

// OpenTab creates a tab, attaches a Host and navigates to pageURL. The host
// is attached before navigating so the first document is observed too.
func OpenTab(ctx context.Context, mgr *Manager, pageURL string, opts TabOptions) (*Tab, error) {
	b := mgr.Browser()
	if b == nil {
		return nil, errors.New("browser: no active browser")
	}

	page, err := b.Page(proto.TargetCreateTarget{URL: "about:blank", Background: opts.Background})
	if err != nil {
		return nil, fmt.Errorf("browser: create tab: %w", err)
	}
	if opts.Stealth {
		if _, err := page.EvalOnNewDocument(stealth.JS); err != nil {
			page.Close()
			return nil, fmt.Errorf("browser: stealth: %w", err)
		}
	}

	host, err := NewHost(ctx, page, opts.Host)
	if err != nil {
		page.Close()
		return nil, err
	}
	t := &Tab{ID: idgen.New(), Page: page, Host: host}
	if opts.OnHost != nil {
		opts.OnHost(t)
	}

	navCtx, cancel := context.WithTimeout(ctx, NavigateTimeout)
	defer cancel()
	if err := page.Context(navCtx).Navigate(pageURL); err != nil {
		t.Close()
		return nil, fmt.Errorf("browser: navigate %s: %w", pageURL, err)
	}
	if err := page.Context(navCtx).WaitLoad(); err != nil {
		mgr.cfg.Logger.Warn("browser: wait load timeout", "url", pageURL, "error", err)
	}
	return t, nil
}

// AttachTabs adopts the tabs already open in the browser, such as those of
// a remote Chrome the user was browsing with.
func AttachTabs(ctx context.Context, mgr *Manager, opts HostConfig, onHost func(t *Tab)) ([]*Tab, error) {
	b := mgr.Browser()
	if b == nil {
		return nil, errors.New("browser: no active browser")
	}
	pages, err := b.Pages()
	if err != nil {
		return nil, fmt.Errorf("browser: list tabs: %w", err)
	}

	var tabs []*Tab
	for _, page := range pages {
		host, err := NewHost(ctx, page, opts)
		if err != nil {
			mgr.cfg.Logger.Warn("browser: attach tab", "error", err)
			continue
		}
		t := &Tab{ID: idgen.New(), Page: page, Host: host}
		if onHost != nil {
			onHost(t)
		}
		if err := host.Attach(ctx); err != nil {
			mgr.cfg.Logger.Warn("browser: attach tab", "url", host.URL(), "error", err)
			host.Close()
			continue
		}
		tabs = append(tabs, t)
	}
	return tabs, nil
}

// URL is the tab's current location.
func (t *Tab) URL() string { return t.Host.URL() }

// Close detaches the host and closes the tab.
func (t *Tab) Close() error {
	if t.Host != nil {
		t.Host.Close()
	}
	if t.Page != nil {
		return t.Page.Close()
	}
	return nil
}
