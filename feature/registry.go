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

// OptionsProvider loads the settings of a storage origin.
type OptionsProvider interface {
	GetAll(ctx context.Context, origin string) (options.Options, error)
}

// Config wires an Engine to one page.
type Config struct {
	Host dom.Host
	// Options defaults to options.Defaults() for every origin.
	Options OptionsProvider

	// ErrorPages close the gate when any of them matches.
	ErrorPages []Condition
	// NotFound pages only run loaders that name this condition in Include
	// or AsLongAs.
	NotFound Condition
	// LoggedOut pages get no error capture.
	LoggedOut Condition

	// Lifecycle defaults to a fresh one.
	Lifecycle *Lifecycle
	// Shortcuts is shared by every engine of the session.
	Shortcuts *Shortcuts

	Logger  *slog.Logger
	Version string
	// Marker is the root attribute that detects a second injection.
	// Default: "github-search-preview".
	Marker string
}

func (c *Config) defaults() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Lifecycle == nil {
		c.Lifecycle = NewLifecycle()
	}
	if c.Shortcuts == nil {
		c.Shortcuts = NewShortcuts()
	}
	if c.Marker == "" {
		c.Marker = "github-search-preview"
	}
	if c.Version == "" {
		c.Version = "dev"
	}
}

// Engine schedules the features of one page load.
type Engine struct {
	cfg       Config
	host      dom.Host
	logger    *slog.Logger
	level     *slog.LevelVar
	lifecycle *Lifecycle
	shortcuts *Shortcuts
	reporter  *Reporter
	gate      *gate

	ctx    context.Context
	cancel context.CancelFunc

	startOnce sync.Once
	pending   counter

	mu     sync.Mutex
	offs   []func()
	closed bool
}

// New creates an Engine. Call Start to open the gate.
func New(cfg Config) *Engine {
	cfg.defaults()
	if cfg.Host == nil {
		panic("feature: Config.Host is required")
	}
	level := new(slog.LevelVar)
	level.Set(slog.LevelDebug)
	logger := slog.New(&levelHandler{level: level, next: cfg.Logger.Handler()})

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:       cfg,
		host:      cfg.Host,
		logger:    logger,
		level:     level,
		lifecycle: cfg.Lifecycle,
		shortcuts: cfg.Shortcuts,
		reporter:  NewReporter(logger, cfg.Version),
		gate:      newGate(),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start runs the gate in the background. Only the first call does anything.
func (e *Engine) Start(ctx context.Context) {
	e.startOnce.Do(func() {
		e.pending.add()
		go func() {
			defer e.pending.done()
			opts, reason := e.open(ctx)
			if reason != nil {
				e.logger.Debug("feature: gate closed", "url", e.host.URL(), "reason", reason)
			}
			e.gate.settle(opts, reason)
		}()
	})
}

// Logger is the engine's logger; it goes quiet below Warn when the
// Logging option is off.
func (e *Engine) Logger() *slog.Logger { return e.logger }

// Lifecycle returns the instance table.
func (e *Engine) Lifecycle() *Lifecycle { return e.lifecycle }

// Shortcuts returns the session's shortcut table.
func (e *Engine) Shortcuts() *Shortcuts { return e.shortcuts }

// Report logs a failure of feature id that happened outside its
// initializers, in an event handler for instance.
func (e *Engine) Report(id ID, err error) { e.reporter.Report(id, err) }

// Register adds a feature. Loaders are validated before anything else
// happens; an invalid loader fails the whole call and nothing runs.
// Scheduling then waits for the gate in the background, bounded by ctx.
func (e *Engine) Register(ctx context.Context, id ID, loaders ...Loader) error {
	if len(loaders) == 0 {
		return fmt.Errorf("feature: %s: no loader", id)
	}
	for _, l := range loaders {
		if err := l.validate(id); err != nil {
			return err
		}
	}

	e.pending.add()
	go func() {
		defer e.pending.done()
		if _, ok := e.awaitGate(ctx); !ok {
			return
		}
		for _, l := range loaders {
			e.setup(id, l)
		}
	}()
	return nil
}

// setup schedules the first instance and the rerun on every in-page
// render. It runs on the bus goroutine so no navigation can slip between
// the check and the schedule.
func (e *Engine) setup(id ID, l Loader) {
	err := e.host.Bus().Exec(e.ctx, func() {
		if e.isClosed() {
			return
		}
		if e.blockedByNotFound(l) {
			e.logger.Debug("feature: skipped on not-found page", "feature", id)
			return
		}
		e.schedule(id, l)
		e.subscribe(dom.Render, func(dom.Event) {
			if l.Deduplicate != "" {
				if ok, _ := e.host.Exists(e.ctx, l.Deduplicate); ok {
					e.logger.Debug("feature: still present, not rerun", "feature", id, "marker", l.Deduplicate)
					return
				}
			}
			if e.blockedByNotFound(l) {
				return
			}
			e.schedule(id, l)
		})
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		e.logger.Warn("feature: setup", "feature", id, "error", err)
	}
}

func (e *Engine) blockedByNotFound(l Loader) bool {
	nf := e.cfg.NotFound
	return nf != nil && nf.Match(e.ctx, e.host) && !l.mentions(nf)
}

// schedule evaluates the run conditions and starts an instance when they
// allow it. Conditions are never re-evaluated once the instance runs.
func (e *Engine) schedule(id ID, l Loader) {
	if !l.Allows(e.ctx, e.host) {
		e.logger.Debug("feature: conditions not met", "feature", id, "url", e.host.URL())
		return
	}
	e.runInstance(id, l)
}

// runInstance tracks a fresh scope synchronously, then runs the
// initializers one after the other in the background.
func (e *Engine) runInstance(id ID, l Loader) {
	inst := e.lifecycle.Track(e.ctx, id)
	e.pending.add()
	go func() {
		defer e.pending.done()
		e.runInits(inst, l)
	}()
}

func (e *Engine) runInits(inst *Instance, l Loader) {
	ctx := inst.Context()
	id := inst.Feature

	if l.AwaitDOMReady {
		if err := waitDOMReady(ctx, e.host); err != nil {
			return
		}
	}

	applied := false
	for _, fn := range l.Init {
		if ctx.Err() != nil {
			return
		}
		res, err := call(ctx, fn)
		if err != nil {
			if ctx.Err() != nil && errors.Is(err, context.Canceled) {
				e.logger.Debug("feature: cancelled", "feature", id)
				return
			}
			e.reporter.Report(id, err)
			return
		}
		if res != NotApplicable {
			applied = true
			e.shortcuts.Merge(l.Shortcuts)
		}
	}

	if !applied {
		e.logger.Debug("feature: not applicable", "feature", id)
		e.lifecycle.Release(inst)
	}
}

func call(ctx context.Context, fn Init) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx)
}

func waitDOMReady(ctx context.Context, h dom.Host) error {
	ch := make(chan struct{})
	var once sync.Once
	off := h.Bus().On(dom.DOMReady, func(dom.Event) { once.Do(func() { close(ch) }) })
	defer off()

	if ok, err := h.DOMReady(ctx); err != nil {
		return err
	} else if ok {
		return nil
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) subscribe(kind dom.EventKind, fn dom.Handler) {
	off := e.host.Bus().On(kind, fn)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		off()
		return
	}
	e.offs = append(e.offs, off)
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// Wait blocks until the gate settled and every registration and running
// initializer returned, or ctx is done.
func (e *Engine) Wait(ctx context.Context) error {
	return e.pending.wait(ctx)
}

// Close detaches the engine from the page and cancels every instance.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	offs := e.offs
	e.offs = nil
	e.mu.Unlock()

	for _, off := range offs {
		off()
	}
	e.lifecycle.UnloadAll()
	e.cancel()
}

// counter is a WaitGroup whose Wait honours a context and may race with
// Add at zero.
type counter struct {
	mu   sync.Mutex
	n    int
	idle chan struct{}
}

func (c *counter) add() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.n == 0 {
		c.idle = make(chan struct{})
	}
	c.n++
}

func (c *counter) done() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n--
	if c.n == 0 {
		close(c.idle)
	}
}

func (c *counter) wait(ctx context.Context) error {
	c.mu.Lock()
	if c.n == 0 {
		c.mu.Unlock()
		return nil
	}
	ch := c.idle
	c.mu.Unlock()

	select {
	case <-ch:
		return c.wait(ctx)
	case <-ctx.Done():
		return ctx.Err()
	}
}
