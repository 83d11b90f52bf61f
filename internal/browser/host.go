package browser

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"

	"github.com/hazyhaar/ghpreview/dom"
)

// bindingName is the single page → Go channel. Every page event goes
// through it, in the order the page produced them.
const bindingName = "__ghp_binding"

//go:embed host.js
var hostJS string

// HostConfig configures a Host.
type HostConfig struct {
	// Allow decides IsWebPage. Default: NewAllowlist(nil).
	Allow *Allowlist
	// Opener opens background tabs. Default: a bare Chrome tab.
	Opener func(ctx context.Context, url string) error
	Logger *slog.Logger
}

// Host is a dom.Host backed by a Chrome tab.
type Host struct {
	page   *rod.Page
	bus    *dom.Bus
	allow  *Allowlist
	opener func(ctx context.Context, url string) error
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	remove func() error

	mu      sync.RWMutex
	url     string
	watches map[string]dom.Watch
}

// hostEvent is the JSON the page script sends through the binding.
type hostEvent struct {
	Kind    string      `json:"kind"`
	URL     string      `json:"url"`
	Watch   string      `json:"watch"`
	Element dom.Element `json:"element"`
	Name    string      `json:"name"`
	Payload string      `json:"payload"`
	Message string      `json:"message"`
	Stack   string      `json:"stack"`
}

// NewHost attaches to page. The page script is installed for every future
// document; call Attach to also install it in the current one. The host
// lives until ctx is done or Close is called.
func NewHost(ctx context.Context, page *rod.Page, cfg HostConfig) (*Host, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Allow == nil {
		a, err := NewAllowlist(nil)
		if err != nil {
			return nil, err
		}
		cfg.Allow = a
	}

	if err := (proto.RuntimeAddBinding{Name: bindingName}).Call(page); err != nil {
		return nil, fmt.Errorf("browser: add binding: %w", err)
	}
	remove, err := page.EvalOnNewDocument("(" + hostJS + ")()")
	if err != nil {
		return nil, fmt.Errorf("browser: install host script: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	h := &Host{
		page:    page,
		bus:     dom.NewBus(cfg.Logger),
		allow:   cfg.Allow,
		opener:  cfg.Opener,
		logger:  cfg.Logger,
		ctx:     ctx,
		cancel:  cancel,
		remove:  remove,
		watches: make(map[string]dom.Watch),
	}
	if info, err := page.Info(); err == nil {
		h.url = info.URL
	}

	go h.bus.Run(ctx)
	go h.listen()
	return h, nil
}

// Attach installs the page script in the current document and reports it
// as loaded. It is for tabs that were open before the host existed.
func (h *Host) Attach(ctx context.Context) error {
	if _, err := h.page.Context(ctx).Eval(hostJS); err != nil {
		return fmt.Errorf("browser: attach: %w", err)
	}
	h.bus.Publish(dom.Event{Kind: dom.Load, URL: h.URL()})
	return nil
}

// Close detaches from the page. It does not close the tab.
func (h *Host) Close() error {
	h.cancel()
	if h.remove != nil {
		return h.remove()
	}
	return nil
}

func (h *Host) listen() {
	h.page.Context(h.ctx).EachEvent(
		func(e *proto.RuntimeBindingCalled) {
			if e.Name == bindingName {
				h.onBinding(e.Payload)
			}
		},
		func(e *proto.PageFrameNavigated) {
			if e.Frame.ParentID == "" {
				h.onNavigated(e.Frame.URL)
			}
		},
	)()
}

func (h *Host) onBinding(payload string) {
	var ev hostEvent
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		h.logger.Warn("browser: parse binding payload", "error", err)
		return
	}
	kind, ok := dom.ParseEventKind(ev.Kind)
	if !ok {
		h.logger.Warn("browser: unknown page event", "kind", ev.Kind)
		return
	}
	if ev.URL != "" {
		h.mu.Lock()
		h.url = ev.URL
		h.mu.Unlock()
	}
	h.bus.Publish(dom.Event{
		Kind:    kind,
		URL:     ev.URL,
		Watch:   ev.Watch,
		Element: ev.Element,
		Name:    ev.Name,
		Payload: ev.Payload,
		Message: ev.Message,
		Stack:   ev.Stack,
	})
}

// onNavigated handles a new document in the main frame. Every watch of the
// previous document is gone with it.
func (h *Host) onNavigated(url string) {
	h.mu.Lock()
	prev := h.url
	h.url = url
	h.watches = make(map[string]dom.Watch)
	h.mu.Unlock()

	h.logger.Debug("browser: document loaded", "url", url)
	h.bus.Publish(dom.Event{Kind: dom.BeforeFetch, URL: prev})
	h.bus.Publish(dom.Event{Kind: dom.Load, URL: url})
}

func (h *Host) URL() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.url
}

func (h *Host) Title(ctx context.Context) (string, error) {
	res, err := h.page.Context(ctx).Eval(`() => document.title`)
	if err != nil {
		return "", err
	}
	return res.Value.Str(), nil
}

func (h *Host) Exists(ctx context.Context, selector string) (bool, error) {
	has, _, err := h.page.Context(ctx).Has(selector)
	return has, err
}

func (h *Host) IsWebPage() bool { return h.allow.Allows(h.URL()) }

func (h *Host) WaitBody(ctx context.Context) error {
	_, err := h.page.Context(ctx).Element("body")
	return err
}

func (h *Host) RootAttr(ctx context.Context, name string) (string, bool, error) {
	res, err := h.page.Context(ctx).Eval(`(n) => document.documentElement.getAttribute(n)`, name)
	if err != nil {
		return "", false, err
	}
	if res.Value.Nil() {
		return "", false, nil
	}
	return res.Value.Str(), true, nil
}

func (h *Host) SetRootAttr(ctx context.Context, name, value string) error {
	_, err := h.page.Context(ctx).Eval(`(n, v) => document.documentElement.setAttribute(n, v)`, name, value)
	return err
}

func (h *Host) DOMReady(ctx context.Context) (bool, error) {
	res, err := h.page.Context(ctx).Eval(`() => document.readyState !== 'loading'`)
	if err != nil {
		return false, err
	}
	return res.Value.Bool(), nil
}

func (h *Host) InstallWatch(ctx context.Context, w dom.Watch) error {
	_, err := h.page.Context(ctx).Eval(`(id, sel, seen) => window.__ghpHost.addWatch(id, sel, seen)`,
		w.ID, w.Selector, dom.SeenClass(w.Mark))
	if err != nil {
		return fmt.Errorf("browser: install watch %s: %w", w.ID, err)
	}
	h.mu.Lock()
	h.watches[w.ID] = w
	h.mu.Unlock()
	return nil
}

func (h *Host) RemoveWatch(ctx context.Context, id string) error {
	h.mu.Lock()
	_, ok := h.watches[id]
	delete(h.watches, id)
	h.mu.Unlock()
	if !ok {
		return nil
	}
	_, err := h.page.Context(ctx).Eval(`(id) => window.__ghpHost && window.__ghpHost.removeWatch(id)`, id)
	return err
}

func (h *Host) MarkSeen(ctx context.Context, ref, mark string) error {
	_, err := h.page.Context(ctx).Eval(`(ref, seen) => window.__ghpHost && window.__ghpHost.markSeen(ref, seen)`,
		ref, dom.SeenClass(mark))
	return err
}

// Watches returns the watches installed in the current document.
func (h *Host) Watches() []dom.Watch {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]dom.Watch, 0, len(h.watches))
	for _, w := range h.watches {
		out = append(out, w)
	}
	return out
}

func (h *Host) CaptureErrors(ctx context.Context) error {
	_, err := h.page.Context(ctx).Eval(`() => window.__ghpHost.captureErrors()`)
	return err
}

func (h *Host) InjectStyle(ctx context.Context, id, css string) error {
	_, err := h.page.Context(ctx).Eval(`(id, css) => {
		let s = document.getElementById(id);
		if (!s) {
			s = document.createElement('style');
			s.id = id;
			document.head.append(s);
		}
		s.textContent = css;
		return true;
	}`, id, css)
	return err
}

func (h *Host) Eval(ctx context.Context, js string, args ...any) (json.RawMessage, error) {
	res, err := h.page.Context(ctx).Eval(js, args...)
	if err != nil {
		return nil, err
	}
	return json.Marshal(res.Value)
}

var errNoBrowser = errors.New("browser: tab has no browser")

func (h *Host) OpenBackground(ctx context.Context, url string) error {
	if h.opener != nil {
		return h.opener(ctx, url)
	}
	b := h.page.Browser()
	if b == nil {
		return errNoBrowser
	}
	_, err := b.Context(ctx).Page(proto.TargetCreateTarget{URL: url, Background: true})
	return err
}

func (h *Host) Bus() *dom.Bus { return h.bus }

var _ dom.Host = (*Host)(nil)
