package browser

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hazyhaar/ghpreview/dom"
)

// newDetachedHost builds a Host without a page, enough to exercise what
// the binding delivers.
func newDetachedHost(t *testing.T, url string) *Host {
	t.Helper()
	allow, err := NewAllowlist(nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	h := &Host{
		bus:     dom.NewBus(nil),
		allow:   allow,
		logger:  testLogger(),
		ctx:     ctx,
		cancel:  cancel,
		url:     url,
		watches: make(map[string]dom.Watch),
	}
	go h.bus.Run(ctx)
	return h
}

type collector struct {
	mu     sync.Mutex
	events []dom.Event
}

func (c *collector) on(h *Host, kinds ...dom.EventKind) {
	for _, k := range kinds {
		h.bus.On(k, func(e dom.Event) {
			c.mu.Lock()
			c.events = append(c.events, e)
			c.mu.Unlock()
		})
	}
}

func (c *collector) all() []dom.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]dom.Event(nil), c.events...)
}

func flush(t *testing.T, h *Host) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.bus.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
}

func TestHost_BindingPublishesEvents(t *testing.T) {
	h := newDetachedHost(t, "https://github.com/")
	var c collector
	c.on(h, dom.Match, dom.Action, dom.Render, dom.PageError)

	h.onBinding(`{"kind":"match","watch":"w_1","url":"https://github.com/search?q=x","element":{"ref":"ab-1","tag":"a","href":"https://github.com/o/r/blob/main/a.go","pseudo":""}}`)
	h.onBinding(`{"kind":"action","name":"preview","payload":"ab-1"}`)
	h.onBinding(`{"kind":"render","url":"https://github.com/search?q=y"}`)
	h.onBinding(`{"kind":"page_error","message":"boom","stack":"at x"}`)
	flush(t, h)

	got := c.all()
	if len(got) != 4 {
		t.Fatalf("events: got %d, want 4", len(got))
	}
	if got[0].Kind != dom.Match || got[0].Watch != "w_1" || got[0].Element.Ref != "ab-1" || got[0].Element.Tag != "a" {
		t.Errorf("match: %+v", got[0])
	}
	if got[1].Kind != dom.Action || got[1].Name != "preview" || got[1].Payload != "ab-1" {
		t.Errorf("action: %+v", got[1])
	}
	if got[3].Message != "boom" || got[3].Stack != "at x" {
		t.Errorf("page error: %+v", got[3])
	}
	if h.URL() != "https://github.com/search?q=y" {
		t.Errorf("URL not tracked: %q", h.URL())
	}
}

func TestHost_BindingRejectsGarbage(t *testing.T) {
	h := newDetachedHost(t, "https://github.com/")
	var c collector
	c.on(h, dom.Match, dom.Action)

	h.onBinding(`not json`)
	h.onBinding(`{"kind":"barrier"}`)
	h.onBinding(`{"kind":"teleport"}`)
	flush(t, h)

	if n := len(c.all()); n != 0 {
		t.Fatalf("published %d events from garbage", n)
	}
	if !strings.Contains(logs.String(), "unknown page event") {
		t.Errorf("unknown kind not logged: %s", logs.String())
	}
}

func TestHost_NavigationDropsWatches(t *testing.T) {
	h := newDetachedHost(t, "https://github.com/search?q=x")
	h.watches["w_1"] = dom.Watch{ID: "w_1", Selector: "a", Mark: "m"}
	var c collector
	c.on(h, dom.BeforeFetch, dom.Load)

	h.onNavigated("https://github.com/o/r")
	flush(t, h)

	got := c.all()
	if len(got) != 2 || got[0].Kind != dom.BeforeFetch || got[1].Kind != dom.Load {
		t.Fatalf("events: %+v", got)
	}
	if got[0].URL != "https://github.com/search?q=x" || got[1].URL != "https://github.com/o/r" {
		t.Errorf("urls: %q then %q", got[0].URL, got[1].URL)
	}
	if n := len(h.Watches()); n != 0 {
		t.Errorf("watches survived navigation: %d", n)
	}
	// The watch died with its document: removing it must not touch the page.
	if err := h.RemoveWatch(context.Background(), "w_1"); err != nil {
		t.Errorf("RemoveWatch: %v", err)
	}
}

func TestHost_IsWebPage(t *testing.T) {
	h := newDetachedHost(t, "https://github.com/search?q=x")
	if !h.IsWebPage() {
		t.Error("github.com rejected")
	}
	h.onNavigated("chrome://settings/")
	if h.IsWebPage() {
		t.Error("chrome:// accepted")
	}
}

func TestHostScript(t *testing.T) {
	for _, want := range []string{bindingName, "animationstart", "turbo:before-fetch-request", "turbo:visit", "turbo:render", "data-ghp-action", dom.RefAttr} {
		if !strings.Contains(hostJS, want) {
			t.Errorf("host.js does not mention %q", want)
		}
	}
}
