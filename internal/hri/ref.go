package hri

// Ref is a non-owning reference to a tracked entity. It does not keep the
// entity alive: once the entity's ID vanishes from a reconciled snapshot the
// Ref reports expired, even if the holder never re-queries the store. The
// zero Ref is valid and always expired.
//
// A Ref is a (store, ID, generation) tuple; Get compares the captured
// generation against the store's current generation for the ID, so a Ref
// taken before a removal can never resurrect against a later entity that
// happens to reuse the same ID.
type Ref[T entity] struct {
	st  *store[T]
	id  ID
	gen uint64
}

// ID returns the identifier this reference was issued for. It stays
// meaningful after expiry, e.g. for logging.
func (r Ref[T]) ID() ID { return r.id }

// Get returns the live entity and true while the reference is valid, or the
// zero value and false once the entity has been destroyed. The check is
// race-free with respect to concurrent reconciliation.
func (r Ref[T]) Get() (T, bool) {
	var zero T
	if r.st == nil {
		return zero, false
	}
	r.st.mu.RLock()
	defer r.st.mu.RUnlock()
	e, ok := r.st.entities[r.id]
	if !ok || r.st.gen[r.id] != r.gen {
		return zero, false
	}
	return e, true
}

// Expired reports whether the referenced entity has been destroyed.
func (r Ref[T]) Expired() bool {
	_, ok := r.Get()
	return !ok
}
