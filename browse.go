package ghpreview

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"

	"github.com/hazyhaar/ghpreview/internal/browser"
)

// BrowseConfig points the App at a Chrome instance.
type BrowseConfig struct {
	Manager *browser.Manager
	// Pages are opened at start. With a remote browser the tabs already
	// open are adopted as well.
	Pages   []string
	Allow   *browser.Allowlist
	Stealth bool
}

type browsing struct {
	ctx context.Context
	app *App
	cfg BrowseConfig

	mu   sync.Mutex
	tabs map[string]*browser.Tab
}

// Browse starts Chrome, attaches its tabs and keeps them attached across
// browser recycles. It blocks until ctx is done.
func (a *App) Browse(ctx context.Context, cfg BrowseConfig) error {
	bw := &browsing{ctx: ctx, app: a, cfg: cfg, tabs: make(map[string]*browser.Tab)}

	cfg.Manager.SetRecycleCallback(&browser.RecycleCallback{
		BeforeRecycle: bw.detachAll,
		AfterRecycle: func(b *rod.Browser) {
			urls := bw.urls()
			bw.reset()
			go func() {
				if err := bw.start(ctx, b, urls); err != nil {
					a.logger.Error("ghpreview: reopen tabs after recycle", "error", err)
				}
			}()
		},
	})

	b, err := cfg.Manager.Start(ctx)
	if err != nil {
		return err
	}
	if err := bw.start(ctx, b, cfg.Pages); err != nil {
		return err
	}

	<-ctx.Done()
	bw.detachAll()
	return cfg.Manager.Close()
}

func (bw *browsing) hostConfig(ctx context.Context) browser.HostConfig {
	return browser.HostConfig{
		Allow:  bw.cfg.Allow,
		Logger: bw.app.logger,
		Opener: func(_ context.Context, url string) error {
			_, err := bw.open(ctx, url, true)
			return err
		},
	}
}

// start adopts the existing tabs, opens the pages not already open and
// follows tab closings.
func (bw *browsing) start(ctx context.Context, b *rod.Browser, pages []string) error {
	if err := (proto.TargetSetDiscoverTargets{Discover: true}).Call(b); err != nil {
		bw.app.logger.Warn("ghpreview: target discovery", "error", err)
	}
	go b.Context(ctx).EachEvent(func(e *proto.TargetTargetDestroyed) {
		bw.closed(e.TargetID)
	})()

	adopted, err := browser.AttachTabs(ctx, bw.cfg.Manager, bw.hostConfig(ctx), bw.attach)
	if err != nil {
		bw.app.logger.Warn("ghpreview: adopt tabs", "error", err)
	}
	kept := make(map[string]bool, len(adopted))
	open := make(map[string]bool, len(adopted))
	for _, t := range adopted {
		kept[t.ID] = true
		open[t.URL()] = true
	}
	bw.mu.Lock()
	for id := range bw.tabs {
		if !kept[id] {
			delete(bw.tabs, id)
			bw.app.Detach(id)
		}
	}
	bw.mu.Unlock()

	for _, u := range pages {
		if open[u] {
			continue
		}
		if _, err := bw.open(ctx, u, false); err != nil {
			return err
		}
	}
	return nil
}

func (bw *browsing) attach(t *browser.Tab) {
	bw.mu.Lock()
	bw.tabs[t.ID] = t
	bw.mu.Unlock()
	bw.app.Attach(bw.ctx, t.ID, t.Host)
}

func (bw *browsing) open(ctx context.Context, url string, background bool) (*browser.Tab, error) {
	t, err := browser.OpenTab(ctx, bw.cfg.Manager, url, browser.TabOptions{
		Background: background,
		Stealth:    bw.cfg.Stealth,
		Host:       bw.hostConfig(ctx),
		OnHost:     bw.attach,
	})
	if err != nil {
		return nil, fmt.Errorf("ghpreview: open %s: %w", url, err)
	}
	return t, nil
}

// closed forgets a tab the user closed.
func (bw *browsing) closed(target proto.TargetTargetID) {
	bw.mu.Lock()
	var id string
	for tid, t := range bw.tabs {
		if t.Page.TargetID == target {
			id = tid
			break
		}
	}
	t := bw.tabs[id]
	delete(bw.tabs, id)
	bw.mu.Unlock()
	if t == nil {
		return
	}
	t.Host.Close()
	bw.app.Detach(id)
}

func (bw *browsing) urls() []string {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	out := make([]string, 0, len(bw.tabs))
	for _, t := range bw.tabs {
		out = append(out, t.URL())
	}
	return out
}

func (bw *browsing) reset() {
	bw.mu.Lock()
	bw.tabs = make(map[string]*browser.Tab)
	bw.mu.Unlock()
}

func (bw *browsing) detachAll() {
	bw.mu.Lock()
	tabs := bw.tabs
	bw.mu.Unlock()
	for id, t := range tabs {
		t.Host.Close()
		bw.app.Detach(id)
	}
}
