package feature

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hazyhaar/ghpreview/dom"
	"github.com/hazyhaar/ghpreview/options"
)

// Reasons the gate stays closed. None of them is a failure: the page is
// simply not one the engine runs on.
var (
	ErrNotWebPage      = errors.New("feature: not a web page")
	ErrErrorPage       = errors.New("feature: error page")
	ErrDoubleInjection = errors.New("feature: already injected in this page")
	ErrNoBody          = errors.New("feature: document never got a body")
)

// gate opens at most once per engine. When the page turns out to be one
// the engine must not touch it settles without opening.
type gate struct {
	ready   chan struct{}
	settled chan struct{}
	once    sync.Once

	opts   options.Options
	reason error
}

func newGate() *gate {
	return &gate{ready: make(chan struct{}), settled: make(chan struct{})}
}

func (g *gate) settle(opts options.Options, reason error) {
	g.once.Do(func() {
		g.opts = opts
		g.reason = reason
		if reason == nil {
			close(g.ready)
		}
		close(g.settled)
	})
}

// open runs the gate sequence. Its return value is the reason the gate
// stays closed, nil when it opens.
func (e *Engine) open(ctx context.Context) (options.Options, error) {
	h := e.host

	if !h.IsWebPage() {
		return options.Options{}, ErrNotWebPage
	}

	opts := options.Defaults()
	if e.cfg.Options != nil {
		var err error
		opts, err = e.cfg.Options.GetAll(ctx, options.Origin(h.URL()))
		if err != nil {
			return options.Options{}, fmt.Errorf("feature: load options: %w", err)
		}
	}

	if err := h.WaitBody(ctx); err != nil {
		return options.Options{}, fmt.Errorf("%w: %v", ErrNoBody, err)
	}

	for _, c := range e.cfg.ErrorPages {
		if c.Match(ctx, h) {
			return options.Options{}, fmt.Errorf("%w: %s", ErrErrorPage, c.Name())
		}
	}

	_, injected, err := h.RootAttr(ctx, e.cfg.Marker)
	if err != nil {
		return options.Options{}, fmt.Errorf("feature: read marker: %w", err)
	}
	if injected {
		e.logger.Warn("feature: GitHub Search Preview has been loaded twice",
			"url", h.URL(),
			"hint", "a developer build is loaded next to the released one, or the extension just updated")
		return options.Options{}, ErrDoubleInjection
	}
	if err := h.SetRootAttr(ctx, e.cfg.Marker, ""); err != nil {
		return options.Options{}, fmt.Errorf("feature: set marker: %w", err)
	}

	if !opts.Logging {
		e.level.Set(slog.LevelWarn)
	}

	if e.cfg.LoggedOut != nil && e.cfg.LoggedOut.Match(ctx, h) {
		e.logger.Warn("GitHub Search Preview is only expected to work when you're logged in to GitHub. Errors will not be shown.")
	} else {
		if err := h.CaptureErrors(ctx); err != nil {
			return options.Options{}, fmt.Errorf("feature: capture errors: %w", err)
		}
		e.subscribe(dom.PageError, e.reporter.ReportPage)
		e.subscribe(dom.Rejection, e.reporter.ReportPage)
	}

	// Clicks fire BeforeFetch, back/forward fires Visit.
	e.subscribe(dom.BeforeFetch, e.unloadAll)
	e.subscribe(dom.Visit, e.unloadAll)

	return opts, nil
}

func (e *Engine) unloadAll(ev dom.Event) {
	if n := e.lifecycle.UnloadAll(); n > 0 {
		e.logger.Debug("feature: unloaded", "instances", n, "trigger", ev.Kind.String())
	}
}

// Ready blocks until the gate opened and returns the page's options. It
// only returns early when ctx is done; a page the engine skips never
// becomes ready.
func (e *Engine) Ready(ctx context.Context) (options.Options, error) {
	select {
	case <-e.gate.ready:
		return e.gate.opts, nil
	case <-ctx.Done():
		return options.Options{}, ctx.Err()
	}
}

// Settled is closed once the gate either opened or gave up.
func (e *Engine) Settled() <-chan struct{} { return e.gate.settled }

// Reason reports why the gate stayed closed, nil while pending or once
// open. Diagnostics only.
func (e *Engine) Reason() error {
	select {
	case <-e.gate.settled:
		return e.gate.reason
	default:
		return nil
	}
}

// awaitGate reports whether the gate opened before ctx or the engine ended.
func (e *Engine) awaitGate(ctx context.Context) (options.Options, bool) {
	select {
	case <-e.gate.ready:
		return e.gate.opts, true
	case <-e.gate.settled:
		select {
		case <-e.gate.ready:
			return e.gate.opts, true
		default:
			return options.Options{}, false
		}
	case <-ctx.Done():
	case <-e.ctx.Done():
	}
	return options.Options{}, false
}
