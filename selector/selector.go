// Package selector reports elements matching CSS selectors as they enter a
// page, once per element, for as long as a context lives.
//
// One host watch backs each Observe call no matter how many selectors are
// given: they are joined into a single compound selector. Each delivered
// element gets a seen class so it cannot fire again.
package selector

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/hazyhaar/ghpreview/dom"
	"github.com/hazyhaar/ghpreview/idgen"
)

// DOMReadyGrace is how long a StopAtDOMReady watch outlives the load event,
// so notifications already in flight still get delivered.
const DOMReadyGrace = 100 * time.Millisecond

// ErrNoSelector is returned when Observe is called without selectors.
var ErrNoSelector = errors.New("selector: no selector given")

var newWatchID = idgen.Prefixed("w_", idgen.NanoID(10))

// Options tunes a watch.
type Options struct {
	// StopAtDOMReady cancels the watch shortly after the document loaded.
	StopAtDOMReady bool
	// Once detaches the watch after the first delivered element. The caller
	// still owns ctx.
	Once bool
	// Mark scopes the seen class. Watches sharing a mark never report the
	// same element twice, even across contexts. Empty means a fresh mark.
	Mark string
}

// Func receives each matching element. ctx is the watch's context.
type Func func(ctx context.Context, el dom.Element)

// Observe calls fn for every element matching any of selectors, already in
// the document or inserted later, until ctx is cancelled. A cancelled ctx
// makes Observe a no-op.
//
// fn runs on the host's bus goroutine and must not wait for other page
// events.
func Observe(ctx context.Context, host dom.Host, selectors []string, fn Func, opts Options) error {
	_, err := observe(ctx, host, selectors, fn, opts)
	return err
}

// WaitForElement returns the first element matching selectors. It returns
// false when ctx is cancelled, or when StopAtDOMReady is set and the
// document finished loading first. It must not be called from a bus handler.
func WaitForElement(ctx context.Context, host dom.Host, selectors []string, opts Options) (dom.Element, bool) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	found := make(chan dom.Element, 1)
	opts.Once = true
	watchCtx, err := observe(ctx, host, selectors, func(_ context.Context, el dom.Element) {
		select {
		case found <- el:
		default:
		}
	}, opts)
	if err != nil || watchCtx == nil {
		return dom.Element{}, false
	}

	select {
	case el := <-found:
		return el, true
	case <-watchCtx.Done():
		// A match may have raced the cancellation.
		select {
		case el := <-found:
			return el, true
		default:
			return dom.Element{}, false
		}
	}
}

type watcher struct {
	ctx    context.Context
	cancel context.CancelFunc
	host   dom.Host
	mark   string
	fn     Func
	once   bool

	mu     sync.Mutex
	seen   map[string]bool
	fired  bool
	detach func()
}

func observe(ctx context.Context, host dom.Host, selectors []string, fn Func, opts Options) (context.Context, error) {
	if ctx.Err() != nil {
		return nil, nil
	}

	parts := make([]string, 0, len(selectors))
	for _, s := range selectors {
		if s = strings.TrimSpace(s); s != "" {
			parts = append(parts, s)
		}
	}
	if len(parts) == 0 {
		return nil, ErrNoSelector
	}

	ctx, cancel := context.WithCancel(ctx)
	if opts.StopAtDOMReady {
		stopAtDOMReady(ctx, host, cancel)
	}

	id := newWatchID()
	mark := opts.Mark
	if mark == "" {
		mark = id
	}

	w := &watcher{ctx: ctx, cancel: cancel, host: host, mark: mark, fn: fn, once: opts.Once, seen: make(map[string]bool)}
	off := host.Bus().On(dom.Match, func(e dom.Event) {
		if e.Watch == id {
			w.deliver(e.Element)
		}
	})

	var detachOnce sync.Once
	w.detach = func() {
		detachOnce.Do(func() {
			off()
			// The watch context may be gone by now; removal must still reach the page.
			host.RemoveWatch(context.WithoutCancel(ctx), id)
		})
	}
	dom.OnCancel(ctx, w.detach)

	err := host.InstallWatch(ctx, dom.Watch{
		ID:       id,
		Selector: strings.Join(parts, ",\n"),
		Mark:     mark,
	})
	if err != nil {
		w.cancel()
		w.detach()
		return nil, err
	}
	return ctx, nil
}

func (w *watcher) deliver(el dom.Element) {
	if w.ctx.Err() != nil || el.Pseudo != "" {
		return
	}

	w.mu.Lock()
	if w.seen[el.Ref] || (w.once && w.fired) {
		w.mu.Unlock()
		return
	}
	w.seen[el.Ref] = true
	w.fired = true
	w.mu.Unlock()

	if w.once {
		w.detach()
	}
	// Only delivered elements are marked: a match dropped by Once or by
	// cancellation stays visible to later watches sharing the mark.
	w.host.MarkSeen(w.ctx, el.Ref, w.mark)
	w.fn(w.ctx, el)
}

// stopAtDOMReady cancels the watch DOMReadyGrace after the document loaded.
func stopAtDOMReady(ctx context.Context, host dom.Host, cancel context.CancelFunc) {
	var once sync.Once
	fire := func() {
		once.Do(func() {
			t := time.AfterFunc(DOMReadyGrace, cancel)
			context.AfterFunc(ctx, func() { t.Stop() })
		})
	}

	off := host.Bus().On(dom.DOMReady, func(dom.Event) { fire() })
	context.AfterFunc(ctx, off)

	if ready, err := host.DOMReady(ctx); err == nil && ready {
		fire()
	}
}
