package dom

import (
	"context"
	"testing"
)

func runBus(t *testing.T) *Bus {
	t.Helper()
	b := NewBus(nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go b.Run(ctx)
	return b
}

func TestBus_DispatchOrder(t *testing.T) {
	b := runBus(t)

	var got []EventKind
	b.On(Visit, func(e Event) { got = append(got, e.Kind) })
	b.On(Render, func(e Event) { got = append(got, e.Kind) })

	b.Publish(Event{Kind: Visit})
	b.Publish(Event{Kind: Render})
	b.Publish(Event{Kind: Visit})
	if err := b.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}

	want := []EventKind{Visit, Render, Visit}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d: got %s, want %s", i, got[i], want[i])
		}
	}
}

func TestBus_Off(t *testing.T) {
	b := runBus(t)

	calls := 0
	off := b.On(Render, func(Event) { calls++ })
	b.Publish(Event{Kind: Render})
	b.Flush(context.Background())

	off()
	off() // second call is harmless
	b.Publish(Event{Kind: Render})
	b.Flush(context.Background())

	if calls != 1 {
		t.Fatalf("calls: got %d, want 1", calls)
	}
}

func TestBus_PanicIsolated(t *testing.T) {
	b := runBus(t)

	reached := false
	b.On(PageError, func(Event) { panic("boom") })
	b.On(PageError, func(Event) { reached = true })

	b.Publish(Event{Kind: PageError})
	b.Flush(context.Background())

	if !reached {
		t.Fatal("second handler not called after first panicked")
	}
}

func TestBus_SubscribeFromHandler(t *testing.T) {
	b := runBus(t)

	inner := 0
	b.On(Load, func(Event) {
		b.On(Render, func(Event) { inner++ })
	})

	b.Publish(Event{Kind: Load})
	b.Publish(Event{Kind: Render})
	b.Flush(context.Background())

	if inner != 1 {
		t.Fatalf("inner: got %d, want 1", inner)
	}
}

func TestSeenClass(t *testing.T) {
	if got := SeenClass("preview-results"); got != "ghp-seen-preview-results" {
		t.Errorf("SeenClass: got %q", got)
	}
}

func TestBus_ExecRunsAfterQueuedEvents(t *testing.T) {
	b := runBus(t)

	var got []string
	b.On(Visit, func(Event) { got = append(got, "visit") })
	b.Publish(Event{Kind: Visit})
	if err := b.Exec(context.Background(), func() { got = append(got, "exec") }); err != nil {
		t.Fatalf("exec: %v", err)
	}
	if len(got) != 2 || got[0] != "visit" || got[1] != "exec" {
		t.Fatalf("got %v, want [visit exec]", got)
	}
}

func TestBus_ExecPanicIsolated(t *testing.T) {
	b := runBus(t)
	if err := b.Exec(context.Background(), func() { panic("boom") }); err != nil {
		t.Fatalf("exec: %v", err)
	}
	if err := b.Flush(context.Background()); err != nil {
		t.Fatalf("bus stopped after panic: %v", err)
	}
}

func TestParseEventKind(t *testing.T) {
	for _, k := range []EventKind{BeforeFetch, Visit, Render, Load, DOMReady, Match, PageError, Rejection, Action} {
		got, ok := ParseEventKind(k.String())
		if !ok || got != k {
			t.Errorf("ParseEventKind(%q) = %v, %v", k.String(), got, ok)
		}
	}
	for _, s := range []string{"barrier", "unknown", ""} {
		if _, ok := ParseEventKind(s); ok {
			t.Errorf("ParseEventKind(%q) accepted", s)
		}
	}
}
