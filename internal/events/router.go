// Package events implements the lifecycle event router. Producers emit
// category-prefixed events ("turn.started", "mutex.released"); listeners
// subscribe with an exact type, a "category.*" wildcard, or the global "*".
package events

import (
	"context"
	"strings"
	"sync"

	"acf/internal/logging"
	"acf/internal/types"
)

// Listener receives routed events. Handle errors are logged and swallowed:
// audit and analytics consumers must never fail a turn.
type Listener interface {
	Name() string
	Handle(ctx context.Context, ev types.Event) error
}

type subscription struct {
	pattern  string
	listener Listener
}

// Router fans events out to matching listeners. The registry is written at
// startup and read on every emit, so reads take a shared lock.
type Router struct {
	mu   sync.RWMutex
	subs []subscription
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{}
}

// Subscribe registers a listener for a pattern: an exact event type,
// "category.*", or "*".
func (r *Router) Subscribe(pattern string, l Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs = append(r.subs, subscription{pattern: pattern, listener: l})
	logging.Events("subscribed %s to %s", l.Name(), pattern)
}

// Emit delivers the event synchronously to every matching listener.
func (r *Router) Emit(ctx context.Context, ev types.Event) {
	r.mu.RLock()
	subs := r.subs
	r.mu.RUnlock()

	for _, s := range subs {
		if !Match(s.pattern, ev.Type) {
			continue
		}
		if err := s.listener.Handle(ctx, ev); err != nil {
			logging.Events("listener %s failed on %s: %v", s.listener.Name(), ev.Type, err)
		}
	}
}

// Match reports whether an event type matches a subscription pattern.
func Match(pattern, eventType string) bool {
	switch {
	case pattern == "*":
		return true
	case strings.HasSuffix(pattern, ".*"):
		category := strings.TrimSuffix(pattern, ".*")
		return types.Event{Type: eventType}.Category() == category
	default:
		return pattern == eventType
	}
}
