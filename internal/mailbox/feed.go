package mailbox

import "sync"

// Feed is an unbounded FIFO that delivers pushed values to a channel in
// order. Backends use one Feed per watcher so a slow reader never blocks
// the writer that produced the change.
type Feed[T any] struct {
	mu     sync.Mutex
	items  []T
	notify chan struct{}
	out    chan T
	done   chan struct{}
	once   sync.Once
}

func NewFeed[T any]() *Feed[T] {
	f := &Feed[T]{
		notify: make(chan struct{}, 1),
		out:    make(chan T),
		done:   make(chan struct{}),
	}
	go f.run()
	return f
}

// C is closed after Close once the delivery goroutine exits.
func (f *Feed[T]) C() <-chan T { return f.out }

// Push queues v. Pushing to a closed feed is a no-op.
func (f *Feed[T]) Push(v T) {
	select {
	case <-f.done:
		return
	default:
	}

	f.mu.Lock()
	f.items = append(f.items, v)
	f.mu.Unlock()

	select {
	case f.notify <- struct{}{}:
	default:
	}
}

// Close stops delivery. Queued values that were not yet received are dropped.
func (f *Feed[T]) Close() {
	f.once.Do(func() { close(f.done) })
}

// Done is closed when the feed is closed.
func (f *Feed[T]) Done() <-chan struct{} { return f.done }

func (f *Feed[T]) run() {
	defer close(f.out)
	for {
		f.mu.Lock()
		if len(f.items) == 0 {
			f.mu.Unlock()
			select {
			case <-f.notify:
				continue
			case <-f.done:
				return
			}
		}
		v := f.items[0]
		var zero T
		f.items[0] = zero
		f.items = f.items[1:]
		f.mu.Unlock()

		select {
		case f.out <- v:
		case <-f.done:
			return
		}
	}
}
