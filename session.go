package ghpreview

import (
	"context"
	"sync"

	"github.com/hazyhaar/ghpreview/dom"
	"github.com/hazyhaar/ghpreview/feature"
	"github.com/hazyhaar/ghpreview/helpapi"
)

// Session is one attached tab. It owns the engine of the current document.
type Session struct {
	ID string

	app    *App
	host   dom.Host
	ctx    context.Context
	cancel context.CancelFunc
	off    func()

	mu     sync.Mutex
	engine *feature.Engine
	stop   context.CancelFunc
	loads  int
}

// Engine returns the engine of the current document, nil before the first
// load.
func (s *Session) Engine() *feature.Engine {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine
}

// Loads counts the documents the session built an engine for.
func (s *Session) Loads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loads
}

// reload replaces the engine after a full page load.
func (s *Session) reload() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return
	}
	s.closeEngineLocked()

	logger := s.app.logger.With("tab", s.ID)
	e := feature.New(s.app.engineConfig(s.host, logger))
	ctx, stop := context.WithCancel(s.ctx)
	e.Start(ctx)
	if err := s.app.registerFeatures(ctx, e, s.host); err != nil {
		logger.Error("ghpreview: register features", "error", err)
	}
	s.engine, s.stop = e, stop
	s.loads++

	go s.afterGate(ctx, e)
}

// afterGate decorates the page once the engine decided to run on it.
func (s *Session) afterGate(ctx context.Context, e *feature.Engine) {
	select {
	case <-e.Settled():
	case <-ctx.Done():
		return
	}
	if reason := e.Reason(); reason != nil {
		s.app.logger.Debug("ghpreview: page skipped", "tab", s.ID, "url", s.host.URL(), "reason", reason)
		return
	}
	opts, err := e.Ready(ctx)
	if err != nil {
		return
	}
	s.app.decorate(ctx, s.host, opts)
}

func (s *Session) stopEngine() {
	s.mu.Lock()
	s.closeEngineLocked()
	s.mu.Unlock()
}

func (s *Session) closeEngineLocked() {
	if s.engine == nil {
		return
	}
	s.engine.Close()
	s.stop()
	s.engine, s.stop = nil, nil
}

func (s *Session) close() {
	s.off()
	s.cancel()
	s.mu.Lock()
	s.closeEngineLocked()
	s.mu.Unlock()
}

func (s *Session) status() helpapi.Tab {
	t := helpapi.Tab{ID: s.ID, URL: s.host.URL(), State: feature.Idle.String(), Features: map[feature.ID]int{}}
	if e := s.Engine(); e != nil {
		t.State = e.Lifecycle().State().String()
		t.Features = e.Lifecycle().Active()
		t.Instances = e.Lifecycle().Instances()
	}
	return t
}
