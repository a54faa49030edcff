package dagrun

import (
	"context"
	"sync"
)

// SelectHandle is a derived, equality-gated view onto an atom: it
// recomputes selector(value) on every upstream Set/Update but only
// notifies its own subscribers when eq reports the projected value
// actually changed. This is spec.md §4.6's Select operation.
//
// Per §4.6's Lifecycle, the handle only holds an upstream subscription
// while it has at least one live subscriber of its own: the first On
// call lazily establishes it, and the upstream subscription is torn
// down the moment the last subscriber unsubscribes (or Close is
// called), so an unused handle never leaks a registration on the
// source atom.
type SelectHandle[S any] struct {
	mu                sync.Mutex
	current           S
	eq                func(S, S) bool
	subscribers       []func(S)
	liveSubscribers   int
	subscribeUpstream func() func()
	unsubscribeUpstream func()
}

// Select projects atom through selector, starting from its current
// (or freshly-resolved) value. The projection stays live only once a
// subscriber is attached via On — see SelectHandle's Lifecycle note.
func Select[T, S any](ctx context.Context, s *Scope, atom *Atom[T], selector func(T) S, eq func(S, S) bool) (*SelectHandle[S], error) {
	initial, err := Resolve(ctx, s, atom)
	if err != nil {
		return nil, err
	}

	h := &SelectHandle[S]{
		current: selector(initial),
		eq:      eq,
	}

	ctrl := NewController(s, atom)
	h.subscribeUpstream = func() func() {
		return ctrl.On(func(v T) {
			next := selector(v)
			h.mu.Lock()
			if h.eq(h.current, next) {
				h.mu.Unlock()
				return
			}
			h.current = next
			subs := append([]func(S){}, h.subscribers...)
			h.mu.Unlock()
			for _, fn := range subs {
				if fn != nil {
					fn(next)
				}
			}
		})
	}

	return h, nil
}

// Get returns the current projected value.
func (h *SelectHandle[S]) Get() S {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.current
}

// On subscribes fn to every future projected-value change, returning
// an unsubscribe function. The handle's upstream subscription is
// established lazily on the first call and released once the last
// live subscriber unsubscribes.
func (h *SelectHandle[S]) On(fn func(S)) func() {
	h.mu.Lock()
	if h.unsubscribeUpstream == nil {
		h.unsubscribeUpstream = h.subscribeUpstream()
	}
	h.subscribers = append(h.subscribers, fn)
	idx := len(h.subscribers) - 1
	h.liveSubscribers++
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			if idx < len(h.subscribers) {
				h.subscribers[idx] = nil
			}
			h.liveSubscribers--
			var upstream func()
			if h.liveSubscribers == 0 && h.unsubscribeUpstream != nil {
				upstream = h.unsubscribeUpstream
				h.unsubscribeUpstream = nil
			}
			h.mu.Unlock()
			if upstream != nil {
				upstream()
			}
		})
	}
}

// Close releases the handle's upstream subscription (if any) early,
// regardless of how many subscribers are still attached.
func (h *SelectHandle[S]) Close() {
	h.mu.Lock()
	upstream := h.unsubscribeUpstream
	h.unsubscribeUpstream = nil
	h.mu.Unlock()
	if upstream != nil {
		upstream()
	}
}
