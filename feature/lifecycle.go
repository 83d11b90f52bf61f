package feature

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hazyhaar/ghpreview/dom"
)

// State is the lifecycle state of a page.
type State int

const (
	Idle State = iota
	Active
	Cancelling
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case Cancelling:
		return "cancelling"
	default:
		return "idle"
	}
}

// Instance is one run of one feature on one page.
type Instance struct {
	Feature ID        `json:"feature"`
	Seq     uint64    `json:"seq"`
	Started time.Time `json:"started"`

	scope *dom.Scope
}

// Context is the instance's cancellation token.
func (i *Instance) Context() context.Context { return i.scope.Context() }

// Lifecycle tracks the scope of every live instance so a navigation can
// cancel them all at once.
type Lifecycle struct {
	mu     sync.Mutex
	seq    uint64
	state  State
	active map[ID][]*Instance
	now    func() time.Time
}

// NewLifecycle returns an idle Lifecycle.
func NewLifecycle() *Lifecycle {
	return &Lifecycle{active: make(map[ID][]*Instance), now: time.Now}
}

// Track creates and registers a new instance of id whose scope derives
// from parent.
func (l *Lifecycle) Track(parent context.Context, id ID) *Instance {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seq++
	inst := &Instance{Feature: id, Seq: l.seq, Started: l.now(), scope: dom.NewScope(parent)}
	l.active[id] = append(l.active[id], inst)
	l.state = Active
	return inst
}

// Release cancels one instance and forgets it.
func (l *Lifecycle) Release(inst *Instance) {
	l.mu.Lock()
	list := l.active[inst.Feature]
	for i, x := range list {
		if x == inst {
			list = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(l.active, inst.Feature)
	} else {
		l.active[inst.Feature] = list
	}
	if len(l.active) == 0 {
		l.state = Idle
	}
	l.mu.Unlock()

	inst.scope.Cancel()
}

// UnloadAll cancels every tracked instance and clears the table. Scope
// cleanups run before it returns. It returns how many instances it cancelled.
func (l *Lifecycle) UnloadAll() int {
	l.mu.Lock()
	l.state = Cancelling
	var victims []*Instance
	for _, list := range l.active {
		victims = append(victims, list...)
	}
	l.active = make(map[ID][]*Instance)
	l.mu.Unlock()

	for _, inst := range victims {
		inst.scope.Cancel()
	}

	l.mu.Lock()
	if l.state == Cancelling {
		l.state = Idle
	}
	l.mu.Unlock()
	return len(victims)
}

// State returns the current state.
func (l *Lifecycle) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Active returns how many instances each feature has alive.
func (l *Lifecycle) Active() map[ID]int {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[ID]int, len(l.active))
	for id, list := range l.active {
		out[id] = len(list)
	}
	return out
}

// Instances returns a snapshot of live instances ordered by sequence.
func (l *Lifecycle) Instances() []Instance {
	l.mu.Lock()
	var out []Instance
	for _, list := range l.active {
		for _, inst := range list {
			out = append(out, Instance{Feature: inst.Feature, Seq: inst.Seq, Started: inst.Started})
		}
	}
	l.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}
