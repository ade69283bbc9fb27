package signaling

import (
	"sync"
	"sync/atomic"
)

// seqGen hands out request and subscription ids, starting at 1.
type seqGen struct {
	val atomic.Uint32
}

func (s *seqGen) next() uint32 {
	return s.val.Add(1)
}

// routeTable maps an id to its handler. The client uses one table for
// pending requests and one for live subscriptions.
type routeTable[V any] struct {
	mu     sync.Mutex
	routes map[uint32]V
}

func newRouteTable[V any]() *routeTable[V] {
	return &routeTable[V]{routes: make(map[uint32]V)}
}

func (t *routeTable[V]) register(id uint32, v V) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.routes[id] = v
}

// unregister removes id and reports whether it was present.
func (t *routeTable[V]) unregister(id uint32) (V, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.routes[id]
	delete(t.routes, id)
	return v, ok
}

func (t *routeTable[V]) route(id uint32) (V, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.routes[id]
	return v, ok
}

// drain empties the table and returns what it held.
func (t *routeTable[V]) drain() []V {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]V, 0, len(t.routes))
	for id, v := range t.routes {
		out = append(out, v)
		delete(t.routes, id)
	}
	return out
}
