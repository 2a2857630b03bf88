package session

// buffer is a bounded FIFO with drop-from-front eviction: once capacity
// is exceeded the oldest entries go first. Lossy on purpose; the buffers
// feed a live monitoring view, not a durable log.
type buffer[T any] struct {
	capacity int
	items    []T
}

func newBuffer[T any](capacity int) *buffer[T] {
	if capacity <= 0 {
		capacity = defaultBufferCapacity
	}
	return &buffer[T]{capacity: capacity}
}

func (b *buffer[T]) push(v T) {
	b.items = append(b.items, v)
	if len(b.items) > b.capacity {
		drop := len(b.items) - b.capacity
		// reallocate so the evicted prefix does not pin the backing array
		b.items = append(make([]T, 0, b.capacity), b.items[drop:]...)
	}
}

func (b *buffer[T]) snapshot() []T {
	out := make([]T, len(b.items))
	copy(out, b.items)
	return out
}

func (b *buffer[T]) clear() {
	b.items = nil
}
