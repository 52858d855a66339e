// Package lifecycle carries foreground/background transitions of the host application.
package lifecycle

import "sync"

type State int

const (
	Foreground State = iota
	Background
)

func (s State) String() string {
	if s == Background {
		return "background"
	}
	return "foreground"
}

// Bus is an explicit lifecycle-event source injected into components that react to
// foreground and background transitions.
type Bus struct {
	mu      sync.Mutex
	current State
	subs    map[int]func(State)
	nextID  int
}

func NewBus() *Bus {
	return &Bus{current: Foreground, subs: make(map[int]func(State))}
}

func (b *Bus) Current() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

// Publish records the new state and notifies subscribers synchronously.
// Publishing the current state again is ignored.
func (b *Bus) Publish(s State) {
	b.mu.Lock()
	if b.current == s {
		b.mu.Unlock()
		return
	}
	b.current = s
	subs := make([]func(State), 0, len(b.subs))
	for _, fn := range b.subs {
		subs = append(subs, fn)
	}
	b.mu.Unlock()

	for _, fn := range subs {
		fn(s)
	}
}

func (b *Bus) Subscribe(fn func(State)) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	b.subs[id] = fn
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs, id)
	}
}
