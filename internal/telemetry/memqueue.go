package telemetry

const DefaultCapacity = 48

// MemoryQueue is bounded FIFO. Push never overwrites: it reports false
// when full and the owner applies its overflow policy.
type MemoryQueue[T any] struct {
	items    []T
	capacity int
}

func NewMemoryQueue[T any](capacity int) *MemoryQueue[T] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &MemoryQueue[T]{items: make([]T, 0, capacity), capacity: capacity}
}

func (self *MemoryQueue[T]) Len() int   { return len(self.items) }
func (self *MemoryQueue[T]) Cap() int   { return self.capacity }
func (self *MemoryQueue[T]) Full() bool { return len(self.items) >= self.capacity }

func (self *MemoryQueue[T]) Push(v T) bool {
	if self.Full() {
		return false
	}
	self.items = append(self.items, v)
	return true
}

// PushFront returns item to the head, used when delivery of Front was
// not attempted.
func (self *MemoryQueue[T]) PushFront(v T) bool {
	if self.Full() {
		return false
	}
	var zero T
	self.items = append(self.items, zero)
	copy(self.items[1:], self.items)
	self.items[0] = v
	return true
}

func (self *MemoryQueue[T]) Front() (T, bool) {
	if len(self.items) == 0 {
		var zero T
		return zero, false
	}
	return self.items[0], true
}

func (self *MemoryQueue[T]) Pop() (T, bool) {
	v, ok := self.Front()
	if !ok {
		return v, false
	}
	n := len(self.items)
	copy(self.items, self.items[1:])
	var zero T
	self.items[n-1] = zero
	self.items = self.items[:n-1]
	return v, true
}

// Drain removes and returns all items in order.
func (self *MemoryQueue[T]) Drain() []T {
	out := self.items
	self.items = make([]T, 0, self.capacity)
	return out
}
