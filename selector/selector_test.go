package selector

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hazyhaar/ghpreview/dom"
	"github.com/hazyhaar/ghpreview/dom/domtest"
)

type recorder struct {
	mu  sync.Mutex
	els []dom.Element
}

func (r *recorder) fn(_ context.Context, el dom.Element) {
	r.mu.Lock()
	r.els = append(r.els, el)
	r.mu.Unlock()
}

func (r *recorder) refs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.els))
	for i, el := range r.els {
		out[i] = el.Ref
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestObserve_ExistingAndInsertedElements(t *testing.T) {
	h := domtest.New(t, "https://github.com/search?q=x")
	h.Insert(dom.Element{Ref: "a"}, "a.result")

	var rec recorder
	if err := Observe(context.Background(), h, []string{"a.result"}, rec.fn, Options{}); err != nil {
		t.Fatalf("observe: %v", err)
	}
	h.Insert(dom.Element{Ref: "b"}, "a.result")
	h.Insert(dom.Element{Ref: "c"}, "div.other")
	h.Flush(t)

	got := rec.refs()
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("delivered: got %v, want [a b]", got)
	}
}

func TestObserve_OnceDeliversAtMostOnce(t *testing.T) {
	h := domtest.New(t, "https://github.com/")

	var rec recorder
	if err := Observe(context.Background(), h, []string{"li"}, rec.fn, Options{Once: true}); err != nil {
		t.Fatalf("observe: %v", err)
	}
	for i := 0; i < 10; i++ {
		h.Insert(dom.Element{}, "li")
	}
	h.Flush(t)

	if got := rec.refs(); len(got) != 1 {
		t.Fatalf("once: got %d deliveries, want 1", len(got))
	}
	if len(h.Watches()) != 0 {
		t.Errorf("once: watch still installed: %v", h.Watches())
	}
}

func TestObserve_NeverTwiceForSameElement(t *testing.T) {
	h := domtest.New(t, "https://github.com/")

	var rec recorder
	Observe(context.Background(), h, []string{"li"}, rec.fn, Options{})
	ids := h.Watches()
	if len(ids) != 1 {
		t.Fatalf("watches: got %v", ids)
	}

	h.Insert(dom.Element{Ref: "x"}, "li")
	// A host that fires again for the same node must not cause a second call.
	h.Publish(dom.Event{Kind: dom.Match, Watch: ids[0], Element: dom.Element{Ref: "x"}})
	h.Publish(dom.Event{Kind: dom.Match, Watch: ids[0], Element: dom.Element{Ref: "x"}})
	h.Flush(t)

	if got := rec.refs(); len(got) != 1 {
		t.Fatalf("got %v, want a single delivery", got)
	}
}

func TestObserve_PseudoElementFiltered(t *testing.T) {
	h := domtest.New(t, "https://github.com/")

	var rec recorder
	Observe(context.Background(), h, []string{"span.icon"}, rec.fn, Options{})
	id := h.Watches()[0]

	h.InsertPseudo(id, dom.Element{Ref: "p"}, "::before")
	h.Flush(t)

	if got := rec.refs(); len(got) != 0 {
		t.Fatalf("pseudo-element delivered: %v", got)
	}
}

func TestObserve_CancelledContextIsNoop(t *testing.T) {
	h := domtest.New(t, "https://github.com/")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var rec recorder
	if err := Observe(ctx, h, []string{"li"}, rec.fn, Options{}); err != nil {
		t.Fatalf("observe: %v", err)
	}
	if len(h.Watches()) != 0 {
		t.Fatalf("watch installed for cancelled context")
	}
}

func TestObserve_CancelStopsDeliveryAndRemovesRule(t *testing.T) {
	h := domtest.New(t, "https://github.com/")
	ctx, cancel := context.WithCancel(context.Background())

	var rec recorder
	Observe(ctx, h, []string{"li"}, rec.fn, Options{})
	id := h.Watches()[0]

	cancel()
	h.Insert(dom.Element{}, "li")
	h.Flush(t)

	if got := rec.refs(); len(got) != 0 {
		t.Fatalf("delivered after cancel: %v", got)
	}
	waitFor(t, "rule removal", func() bool {
		removed := h.RemovedWatches()
		return len(removed) == 1 && removed[0] == id
	})
}

func TestObserve_CompoundSelectorSingleWatch(t *testing.T) {
	h := domtest.New(t, "https://github.com/")

	var rec recorder
	Observe(context.Background(), h, []string{"a.one", " a.two "}, rec.fn, Options{})
	if n := len(h.Watches()); n != 1 {
		t.Fatalf("watches: got %d, want 1", n)
	}

	h.Insert(dom.Element{Ref: "1"}, "a.one")
	h.Insert(dom.Element{Ref: "2"}, "a.two")
	h.Flush(t)

	if got := rec.refs(); len(got) != 2 {
		t.Fatalf("got %v, want both elements", got)
	}
}

func TestObserve_NoSelector(t *testing.T) {
	h := domtest.New(t, "https://github.com/")
	err := Observe(context.Background(), h, []string{" ", ""}, func(context.Context, dom.Element) {}, Options{})
	if !errors.Is(err, ErrNoSelector) {
		t.Fatalf("got %v, want ErrNoSelector", err)
	}
}

func TestObserve_SharedMarkAcrossScopes(t *testing.T) {
	h := domtest.New(t, "https://github.com/")
	h.Insert(dom.Element{Ref: "kept"}, "a.result")

	first := dom.NewScope(context.Background())
	var rec1 recorder
	Observe(first.Context(), h, []string{"a.result"}, rec1.fn, Options{Mark: "preview"})
	h.Flush(t)
	first.Cancel()
	if n := len(h.Watches()); n != 0 {
		t.Fatalf("scope cancel left %d watches installed", n)
	}

	var rec2 recorder
	Observe(context.Background(), h, []string{"a.result"}, rec2.fn, Options{Mark: "preview"})
	h.Insert(dom.Element{Ref: "fresh"}, "a.result")
	h.Flush(t)

	if got := rec1.refs(); len(got) != 1 || got[0] != "kept" {
		t.Fatalf("first scope: got %v", got)
	}
	if got := rec2.refs(); len(got) != 1 || got[0] != "fresh" {
		t.Fatalf("second scope: got %v, want only the new element", got)
	}
}

func TestObserve_OnceLeavesOthersForSharedMark(t *testing.T) {
	h := domtest.New(t, "https://github.com/")
	var nodes []*domtest.Node
	for _, ref := range []string{"a", "b", "c"} {
		nodes = append(nodes, h.Insert(dom.Element{Ref: ref}, "a.result"))
	}

	var first recorder
	Observe(context.Background(), h, []string{"a.result"}, first.fn, Options{Once: true, Mark: "preview"})
	h.Flush(t)
	got := first.refs()
	if len(got) != 1 || got[0] != "a" {
		t.Fatalf("once: got %v, want [a]", got)
	}

	seen := dom.SeenClass("preview")
	for _, n := range nodes {
		if want := n.Element.Ref == "a"; n.HasClass(seen) != want {
			t.Errorf("node %s: marked %v, want %v", n.Element.Ref, n.HasClass(seen), want)
		}
	}

	var second recorder
	Observe(context.Background(), h, []string{"a.result"}, second.fn, Options{Mark: "preview"})
	h.Flush(t)
	if got := second.refs(); len(got) != 2 || got[0] != "b" || got[1] != "c" {
		t.Fatalf("shared mark: got %v, want [b c]", got)
	}
}

func TestObserve_StopAtDOMReady(t *testing.T) {
	h := domtest.New(t, "https://github.com/")

	var rec recorder
	Observe(context.Background(), h, []string{"li"}, rec.fn, Options{StopAtDOMReady: true})

	h.Insert(dom.Element{Ref: "early"}, "li")
	h.MarkReady()
	h.Flush(t)

	waitFor(t, "watch removal after DOM ready", func() bool { return len(h.Watches()) == 0 })

	h.Insert(dom.Element{Ref: "late"}, "li")
	h.Flush(t)

	if got := rec.refs(); len(got) != 1 || got[0] != "early" {
		t.Fatalf("got %v, want [early]", got)
	}
}

func TestWaitForElement_Found(t *testing.T) {
	h := domtest.New(t, "https://github.com/")

	go func() {
		time.Sleep(10 * time.Millisecond)
		h.Insert(dom.Element{Ref: "target"}, "#dialog")
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	el, ok := WaitForElement(ctx, h, []string{"#dialog"}, Options{})
	if !ok {
		t.Fatal("WaitForElement: not found")
	}
	if el.Ref != "target" {
		t.Errorf("Ref: got %q, want target", el.Ref)
	}
}

func TestWaitForElement_GivesUpAtDOMReady(t *testing.T) {
	h := domtest.New(t, "https://github.com/")
	h.MarkReady()
	h.Flush(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, ok := WaitForElement(ctx, h, []string{"#missing"}, Options{StopAtDOMReady: true})
	if ok {
		t.Fatal("WaitForElement: found a missing element")
	}
	if ctx.Err() != nil {
		t.Fatal("WaitForElement: returned only because the test deadline expired")
	}
}
