package dom

import (
	"context"
	"sync"
)

// Scope is the cancellation token of one feature instance. Unlike a bare
// context, cleanups registered on a Scope run synchronously inside Cancel,
// so a watch belonging to the instance is gone before Cancel returns.
type Scope struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	cleanups []func()
	done     bool
}

type scopeKey struct{}

// NewScope derives a Scope from parent. Cancelling parent does not run the
// cleanups synchronously; callers fall back on context.AfterFunc for that.
func NewScope(parent context.Context) *Scope {
	s := &Scope{}
	ctx, cancel := context.WithCancel(parent)
	s.ctx = context.WithValue(ctx, scopeKey{}, s)
	s.cancel = cancel
	return s
}

// Context returns the context carrying the scope.
func (s *Scope) Context() context.Context { return s.ctx }

// Cancel cancels the context then runs every cleanup, newest first.
func (s *Scope) Cancel() {
	s.cancel()

	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	s.done = true
	fns := s.cleanups
	s.cleanups = nil
	s.mu.Unlock()

	for i := len(fns) - 1; i >= 0; i-- {
		fns[i]()
	}
}

// Cancelled reports whether Cancel was called.
func (s *Scope) Cancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

func (s *Scope) addCleanup(fn func()) {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		fn()
		return
	}
	s.cleanups = append(s.cleanups, fn)
	s.mu.Unlock()
}

// ScopeFrom returns the Scope ctx descends from, if any.
func ScopeFrom(ctx context.Context) *Scope {
	s, _ := ctx.Value(scopeKey{}).(*Scope)
	return s
}

// OnCancel runs fn once when ctx is done: synchronously when the enclosing
// Scope is cancelled, asynchronously when ctx ends any other way.
func OnCancel(ctx context.Context, fn func()) {
	var once sync.Once
	run := func() { once.Do(fn) }
	if s := ScopeFrom(ctx); s != nil {
		s.addCleanup(run)
	}
	context.AfterFunc(ctx, run)
}
