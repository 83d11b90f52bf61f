package dom

import (
	"context"
	"testing"
	"time"
)

func TestScope_CancelRunsCleanupsSynchronously(t *testing.T) {
	s := NewScope(context.Background())

	var order []int
	OnCancel(s.Context(), func() { order = append(order, 1) })
	OnCancel(s.Context(), func() { order = append(order, 2) })

	s.Cancel()
	if len(order) != 2 || order[0] != 2 || order[1] != 1 {
		t.Fatalf("cleanups: got %v, want [2 1]", order)
	}
	if s.Context().Err() == nil {
		t.Error("context not cancelled")
	}

	s.Cancel()
	if len(order) != 2 {
		t.Fatalf("second Cancel re-ran cleanups: %v", order)
	}
}

func TestScope_LateCleanupRunsImmediately(t *testing.T) {
	s := NewScope(context.Background())
	s.Cancel()

	ran := false
	OnCancel(s.Context(), func() { ran = true })
	if !ran {
		t.Fatal("cleanup registered after Cancel did not run")
	}
}

func TestScope_DerivedContextFindsScope(t *testing.T) {
	s := NewScope(context.Background())
	child, cancel := context.WithCancel(s.Context())
	defer cancel()

	if ScopeFrom(child) != s {
		t.Fatal("ScopeFrom: derived context lost the scope")
	}
	if ScopeFrom(context.Background()) != nil {
		t.Fatal("ScopeFrom: background context has a scope")
	}
}

func TestOnCancel_PlainContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	OnCancel(ctx, func() { close(done) })

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("cleanup did not run after context cancellation")
	}
}
