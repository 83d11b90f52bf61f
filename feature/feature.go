// Package feature schedules page features: it decides when each feature
// runs, reruns it after in-page navigations and cancels every running
// instance when the page navigates away.
//
// A feature is registered once per tab with one or more Loaders. Each
// scheduling pass creates an instance owning a dom.Scope; the scope's
// context is what the feature's initializers receive.
package feature

import (
	"context"
	"errors"
	"fmt"

	"github.com/hazyhaar/ghpreview/dom"
)

// ID names a feature. It is chosen by the feature's author. Registering the
// same ID twice adds loaders; their instances share the ID's slot in the
// lifecycle table.
type ID string

// Result is what an initializer reports about the current page.
type Result int

const (
	// Applied means the feature did its work; its shortcuts get listed.
	Applied Result = iota
	// NotApplicable means the feature decided the page is not for it.
	NotApplicable
)

func (r Result) String() string {
	if r == NotApplicable {
		return "not_applicable"
	}
	return "applied"
}

// Init runs a feature on the current page. ctx is cancelled when the page
// navigates away; every side effect must check it first.
type Init func(ctx context.Context) (Result, error)

// Condition is a named predicate on the current page. Names identify
// conditions: two conditions with the same name are the same condition.
type Condition interface {
	Name() string
	Match(ctx context.Context, p dom.Page) bool
}

type condFunc struct {
	name string
	fn   func(ctx context.Context, p dom.Page) bool
}

func (c condFunc) Name() string                               { return c.name }
func (c condFunc) Match(ctx context.Context, p dom.Page) bool { return c.fn(ctx, p) }

// Cond adapts a function into a Condition.
func Cond(name string, fn func(ctx context.Context, p dom.Page) bool) Condition {
	return condFunc{name: name, fn: fn}
}

// RunConditions gate a loader. They are evaluated each time the loader is
// about to be scheduled, never while it runs.
type RunConditions struct {
	// AsLongAs: every condition must hold.
	AsLongAs []Condition
	// Include: at least one condition must hold. Nil means no restriction;
	// a non-nil empty slice is rejected at registration.
	Include []Condition
	// Exclude: no condition may hold.
	Exclude []Condition
}

// Allows evaluates the conditions against p.
func (rc RunConditions) Allows(ctx context.Context, p dom.Page) bool {
	for _, c := range rc.AsLongAs {
		if !c.Match(ctx, p) {
			return false
		}
	}
	if rc.Include != nil {
		matched := false
		for _, c := range rc.Include {
			if c.Match(ctx, p) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	for _, c := range rc.Exclude {
		if c.Match(ctx, p) {
			return false
		}
	}
	return true
}

// mentions reports whether c appears in Include or AsLongAs.
func (rc RunConditions) mentions(c Condition) bool {
	for _, list := range [][]Condition{rc.Include, rc.AsLongAs} {
		for _, x := range list {
			if x.Name() == c.Name() {
				return true
			}
		}
	}
	return false
}

// Loader describes one way a feature runs.
type Loader struct {
	RunConditions

	// Init runs sequentially; a single initializer is a one-element slice.
	Init []Init
	// Shortcuts are listed in the help overlay once the feature applied.
	// They are descriptions only; the feature binds the keys itself.
	Shortcuts map[string]string
	// Deduplicate is a selector. When an element matching it survives an
	// in-page navigation the feature is not rerun.
	Deduplicate string
	// AwaitDOMReady delays the initializers until the document finished
	// loading instead of starting as soon as the body exists.
	AwaitDOMReady bool
}

// Inits is shorthand for building Loader.Init.
func Inits(fns ...Init) []Init { return fns }

// ErrEmptyInclude rejects a loader that could never run.
var ErrEmptyInclude = errors.New("`include` cannot be an empty list, it means \"run nowhere\"")

// ErrNoInit rejects a loader without initializers.
var ErrNoInit = errors.New("loader has no initializer")

func (l Loader) validate(id ID) error {
	if id == "" {
		return errors.New("feature: empty feature id")
	}
	if l.Include != nil && len(l.Include) == 0 {
		return fmt.Errorf("feature: %s: %w", id, ErrEmptyInclude)
	}
	if len(l.Init) == 0 {
		return fmt.Errorf("feature: %s: %w", id, ErrNoInit)
	}
	return nil
}
