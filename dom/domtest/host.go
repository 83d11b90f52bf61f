// Package domtest provides an in-memory dom.Host for tests.
//
// Nodes declare the selectors they match instead of being parsed from HTML.
// Watches behave like the browser host: a node matching a watch's selector
// is reported once per watch as a Match event, unless it already carries the
// watch's seen class. MarkSeen sets that class.
package domtest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/hazyhaar/ghpreview/dom"
)

// Node is one fake element.
type Node struct {
	Element   dom.Element
	Selectors []string
	classes   map[string]bool
	reported  map[string]bool
}

func (n *Node) matches(selector string) bool {
	for _, part := range strings.Split(selector, ",") {
		part = strings.TrimSpace(part)
		for _, s := range n.Selectors {
			if s == part {
				return true
			}
		}
	}
	return false
}

// HasClass reports whether the node carries class c.
func (n *Node) HasClass(c string) bool { return n.classes[c] }

// Host is a fake dom.Host. The zero value is not usable; call New.
type Host struct {
	bus *dom.Bus

	mu       sync.Mutex
	url      string
	title    string
	web      bool
	body     bool
	bodyCh   chan struct{}
	ready    bool
	attrs    map[string]string
	nodes    []*Node
	watches  map[string]dom.Watch
	styles   map[string]string
	captured int
	removed  []string
	opened   []string
	evals    []string
	nextRef  int

	// EvalFunc answers Eval calls. Nil returns "null".
	EvalFunc func(js string, args []any) (json.RawMessage, error)
}

// New returns a Host on url with a body and a running bus that stops when
// the test ends.
func New(t testing.TB, url string) *Host {
	t.Helper()
	h := &Host{
		bus:     dom.NewBus(nil),
		url:     url,
		web:     true,
		body:    true,
		bodyCh:  make(chan struct{}),
		attrs:   make(map[string]string),
		watches: make(map[string]dom.Watch),
		styles:  make(map[string]string),
	}
	close(h.bodyCh)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.bus.Run(ctx)
	return h
}

// SetWebPage toggles IsWebPage.
func (h *Host) SetWebPage(ok bool) {
	h.mu.Lock()
	h.web = ok
	h.mu.Unlock()
}

// DropBody makes WaitBody block until AddBody is called.
func (h *Host) DropBody() {
	h.mu.Lock()
	h.body = false
	h.bodyCh = make(chan struct{})
	h.mu.Unlock()
}

// AddBody releases WaitBody callers.
func (h *Host) AddBody() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.body {
		h.body = true
		close(h.bodyCh)
	}
}

// SetTitle sets the document title.
func (h *Host) SetTitle(title string) {
	h.mu.Lock()
	h.title = title
	h.mu.Unlock()
}

// SetURL changes the location without emitting events.
func (h *Host) SetURL(url string) {
	h.mu.Lock()
	h.url = url
	h.mu.Unlock()
}

// Insert adds a node and reports it to every watch it matches.
func (h *Host) Insert(el dom.Element, selectors ...string) *Node {
	h.mu.Lock()
	if el.Ref == "" {
		h.nextRef++
		el.Ref = fmt.Sprintf("n%d", h.nextRef)
	}
	n := &Node{Element: el, Selectors: selectors, classes: make(map[string]bool), reported: make(map[string]bool)}
	h.nodes = append(h.nodes, n)
	events := h.scanLocked(n, h.watchIDsLocked())
	h.mu.Unlock()

	for _, e := range events {
		h.bus.Publish(e)
	}
	return n
}

// InsertPseudo reports a match whose notification came from a
// pseudo-element of el, without marking anything.
func (h *Host) InsertPseudo(watchID string, el dom.Element, pseudo string) {
	el.Pseudo = pseudo
	h.bus.Publish(dom.Event{Kind: dom.Match, Watch: watchID, Element: el, URL: h.URL()})
}

// Remove drops a node by ref.
func (h *Host) Remove(ref string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, n := range h.nodes {
		if n.Element.Ref == ref {
			h.nodes = append(h.nodes[:i], h.nodes[i+1:]...)
			return
		}
	}
}

// Clear drops every node, like a body swap.
func (h *Host) Clear() {
	h.mu.Lock()
	h.nodes = nil
	h.mu.Unlock()
}

// Navigate simulates a soft navigation: Visit, new URL and nodes cleared,
// then Render.
func (h *Host) Navigate(url, title string) {
	h.bus.Publish(dom.Event{Kind: dom.Visit, URL: url})
	h.mu.Lock()
	h.url = url
	h.title = title
	h.nodes = nil
	h.mu.Unlock()
	h.bus.Publish(dom.Event{Kind: dom.Render, URL: url})
}

// NewDocument simulates a full page load: root attributes, nodes, watches
// and styles of the old document are dropped, then BeforeFetch for the old
// URL and Load for the new one are published.
func (h *Host) NewDocument(url, title string) {
	h.mu.Lock()
	prev := h.url
	h.url = url
	h.title = title
	h.ready = false
	h.attrs = make(map[string]string)
	h.nodes = nil
	h.watches = make(map[string]dom.Watch)
	h.styles = make(map[string]string)
	h.mu.Unlock()
	h.bus.Publish(dom.Event{Kind: dom.BeforeFetch, URL: prev})
	h.bus.Publish(dom.Event{Kind: dom.Load, URL: url})
}

// Publish forwards an arbitrary event.
func (h *Host) Publish(e dom.Event) { h.bus.Publish(e) }

// Flush waits for every published event to be dispatched.
func (h *Host) Flush(t testing.TB) {
	t.Helper()
	if err := h.bus.Flush(context.Background()); err != nil {
		t.Fatalf("domtest: flush: %v", err)
	}
}

// MarkReady flips DOMReady and publishes the event.
func (h *Host) MarkReady() {
	h.mu.Lock()
	h.ready = true
	url := h.url
	h.mu.Unlock()
	h.bus.Publish(dom.Event{Kind: dom.DOMReady, URL: url})
}

// Watches lists installed watch IDs.
func (h *Host) Watches() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.watchIDsLocked()
}

// RemovedWatches lists watch IDs in removal order.
func (h *Host) RemovedWatches() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.removed...)
}

// CaptureCalls counts CaptureErrors calls.
func (h *Host) CaptureCalls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.captured
}

// Style returns an injected style sheet by id.
func (h *Host) Style(id string) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	css, ok := h.styles[id]
	return css, ok
}

// Opened lists URLs passed to OpenBackground.
func (h *Host) Opened() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.opened...)
}

// Evals lists scripts passed to Eval.
func (h *Host) Evals() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.evals...)
}

func (h *Host) watchIDsLocked() []string {
	ids := make([]string, 0, len(h.watches))
	for id := range h.watches {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (h *Host) scanLocked(n *Node, ids []string) []dom.Event {
	var events []dom.Event
	for _, id := range ids {
		w := h.watches[id]
		if n.reported[id] || n.classes[dom.SeenClass(w.Mark)] || !n.matches(w.Selector) {
			continue
		}
		n.reported[id] = true
		events = append(events, dom.Event{Kind: dom.Match, Watch: id, Element: n.Element, URL: h.url})
	}
	return events
}

// dom.Host implementation.

func (h *Host) URL() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.url
}

func (h *Host) Title(ctx context.Context) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.title, nil
}

func (h *Host) Exists(ctx context.Context, selector string) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, n := range h.nodes {
		if n.matches(selector) {
			return true, nil
		}
	}
	return false, nil
}

func (h *Host) IsWebPage() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.web
}

func (h *Host) WaitBody(ctx context.Context) error {
	h.mu.Lock()
	ch := h.bodyCh
	h.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Host) RootAttr(ctx context.Context, name string) (string, bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	v, ok := h.attrs[name]
	return v, ok, nil
}

func (h *Host) SetRootAttr(ctx context.Context, name, value string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.attrs[name] = value
	return nil
}

func (h *Host) DOMReady(ctx context.Context) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ready, nil
}

func (h *Host) InstallWatch(ctx context.Context, w dom.Watch) error {
	if w.ID == "" || w.Selector == "" {
		return errors.New("domtest: watch needs an id and a selector")
	}
	h.mu.Lock()
	h.watches[w.ID] = w
	var events []dom.Event
	for _, n := range h.nodes {
		events = append(events, h.scanLocked(n, []string{w.ID})...)
	}
	h.mu.Unlock()

	for _, e := range events {
		h.bus.Publish(e)
	}
	return nil
}

func (h *Host) RemoveWatch(ctx context.Context, id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.watches[id]; ok {
		delete(h.watches, id)
		h.removed = append(h.removed, id)
	}
	return nil
}

func (h *Host) MarkSeen(ctx context.Context, ref, mark string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, n := range h.nodes {
		if n.Element.Ref == ref {
			n.classes[dom.SeenClass(mark)] = true
		}
	}
	return nil
}

func (h *Host) CaptureErrors(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.captured++
	return nil
}

func (h *Host) InjectStyle(ctx context.Context, id, css string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.styles[id] = css
	return nil
}

func (h *Host) Eval(ctx context.Context, js string, args ...any) (json.RawMessage, error) {
	h.mu.Lock()
	h.evals = append(h.evals, js)
	fn := h.EvalFunc
	h.mu.Unlock()
	if fn == nil {
		return json.RawMessage("null"), nil
	}
	return fn(js, args)
}

func (h *Host) OpenBackground(ctx context.Context, url string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.opened = append(h.opened, url)
	return nil
}

func (h *Host) Bus() *dom.Bus { return h.bus }

var _ dom.Host = (*Host)(nil)
