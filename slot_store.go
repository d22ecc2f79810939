package racelab

import "github.com/puzpuzpuz/xsync/v3"

// SlotStore keeps one value per worker [Slot]. It plays the role of
// per-thread storage: whatever a task leaves in its slot is still there for
// the next task the same worker picks up, unless the owner clears it.
//
// Owners should prefer [SlotStore.Scoped], which guarantees the slot is
// cleared on every exit path.
type SlotStore[V any] struct {
	m *xsync.MapOf[int, V]
}

// NewSlotStore returns an empty store.
func NewSlotStore[V any]() *SlotStore[V] {
	return &SlotStore[V]{m: xsync.NewMapOf[int, V]()}
}

// Set assigns v to slot, replacing any previous value.
func (s *SlotStore[V]) Set(slot Slot, v V) {
	s.m.Store(slot.ID, v)
}

// Get returns the value currently held by slot, if any.
func (s *SlotStore[V]) Get(slot Slot) (V, bool) {
	return s.m.Load(slot.ID)
}

// Clear removes the value held by slot.
func (s *SlotStore[V]) Clear(slot Slot) {
	s.m.Delete(slot.ID)
}

// Len returns the number of slots currently holding a value.
func (s *SlotStore[V]) Len() int {
	return s.m.Size()
}

// Scoped sets v on slot, runs fn, and clears the slot when fn returns,
// fails or panics. A panic from fn is re-raised after the slot is cleared.
func (s *SlotStore[V]) Scoped(slot Slot, v V, fn func() error) error {
	s.Set(slot, v)
	defer s.Clear(slot)
	return fn()
}
