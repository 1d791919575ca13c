package sequence

// OrderedSet is a de-duplicating collection that preserves insertion order.
// It is not safe for concurrent use; callers synchronize externally.
type OrderedSet[T comparable] struct {
	index map[T]struct{}
	items []T
}

// NewOrderedSet creates an OrderedSet seeded with the given items.
func NewOrderedSet[T comparable](items ...T) *OrderedSet[T] {
	s := &OrderedSet[T]{index: make(map[T]struct{})}
	for _, item := range items {
		s.Add(item)
	}
	return s
}

// Add appends item unless it is already present.
// Returns true if the set grew.
func (s *OrderedSet[T]) Add(item T) bool {
	if _, ok := s.index[item]; ok {
		return false
	}
	s.index[item] = struct{}{}
	s.items = append(s.items, item)
	return true
}

// Has reports whether item is in the set.
func (s *OrderedSet[T]) Has(item T) bool {
	_, ok := s.index[item]
	return ok
}

// Remove deletes item, preserving the order of the remaining items.
// Returns true if the item was present.
func (s *OrderedSet[T]) Remove(item T) bool {
	if _, ok := s.index[item]; !ok {
		return false
	}
	delete(s.index, item)
	for i, existing := range s.items {
		if existing == item {
			s.items = append(s.items[:i], s.items[i+1:]...)
			break
		}
	}
	return true
}

// Len returns the number of items in the set.
func (s *OrderedSet[T]) Len() int {
	return len(s.items)
}

// Values returns the items in insertion order. The slice is a copy.
func (s *OrderedSet[T]) Values() []T {
	out := make([]T, len(s.items))
	copy(out, s.items)
	return out
}

// Clear removes all items.
func (s *OrderedSet[T]) Clear() {
	s.index = make(map[T]struct{})
	s.items = s.items[:0]
}
