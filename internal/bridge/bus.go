package bridge

import (
	"sync"

	"go.uber.org/zap"
)

// Handler consumes one event.
type Handler func(Envelope)

type subscription struct {
	id    int
	types map[string]bool // nil means all types
	fn    Handler
}

// Bus fans inbound events out to subscribers in registration order.
// A panicking handler is recovered and reported; later handlers still run.
type Bus struct {
	mu      sync.RWMutex
	nextID  int
	subs    []subscription
	onPanic func(eventType string, recovered any)
	log     *zap.Logger
}

// NewBus creates an empty bus.
func NewBus(log *zap.Logger) *Bus {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bus{log: log.Named("bus")}
}

// Subscribe registers fn for the given event types, or for all events when
// none are given. The returned func removes the subscription; calling it
// more than once is harmless.
func (b *Bus) Subscribe(fn Handler, types ...string) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := subscription{id: b.nextID, fn: fn}
	if len(types) > 0 {
		sub.types = make(map[string]bool, len(types))
		for _, t := range types {
			sub.types[t] = true
		}
	}
	b.subs = append(b.subs, sub)

	id := sub.id
	var once sync.Once
	return func() {
		once.Do(func() { b.remove(id) })
	}
}

func (b *Bus) remove(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return
		}
	}
}

// OnPanic installs a hook called after a handler panic has been recovered.
func (b *Bus) OnPanic(fn func(eventType string, recovered any)) {
	b.mu.Lock()
	b.onPanic = fn
	b.mu.Unlock()
}

// Publish delivers env to every matching subscriber, synchronously.
func (b *Bus) Publish(env Envelope) {
	b.mu.RLock()
	subs := make([]subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if s.types == nil || s.types[env.Type] {
			subs = append(subs, s)
		}
	}
	hook := b.onPanic
	b.mu.RUnlock()

	for _, s := range subs {
		b.invoke(s.fn, env, hook)
	}
}

// Len returns the number of active subscriptions.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *Bus) invoke(fn Handler, env Envelope, hook func(string, any)) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("event handler panicked", zap.String("type", env.Type), zap.Any("panic", r))
			if hook != nil {
				hook(env.Type, r)
			}
		}
	}()
	fn(env)
}
