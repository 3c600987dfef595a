package hri

import (
	"sort"
	"sync"

	"github.com/banshee-data/presence.report/internal/monitoring"
)

// entity is the contract every tracked feature kind satisfies for store
// management. init performs the one-time detail hydration before the entity
// becomes visible to readers; close tears down its subscriptions on removal.
type entity interface {
	ID() ID
	Feature() FeatureType
	init() error
	close()
}

// store owns one feature type's entities and keeps them consistent with the
// most recently reconciled snapshot. Entities are exclusively owned by the
// store between creation and removal; readers only ever hold generational
// Refs issued by ref/refs.
type store[T entity] struct {
	kind      FeatureType
	construct func(ID) (T, error)

	mu       sync.RWMutex
	entities map[ID]T
	// gen holds a per-ID generation counter, bumped on every insertion and
	// removal. A Ref captures the generation at issue time; any later bump
	// makes the Ref observably expired even if the ID is re-announced.
	gen map[ID]uint64
}

func newStore[T entity](kind FeatureType, construct func(ID) (T, error)) *store[T] {
	return &store[T]{
		kind:      kind,
		construct: construct,
		entities:  make(map[ID]T),
		gen:       make(map[ID]uint64),
	}
}

// reconcile applies a full tracked-ID snapshot to the store and returns the
// IDs that were created and removed, each in ascending order. IDs present in
// both the previous and the new snapshot keep their entity instance and all
// accumulated detail state. Removals are applied before additions. An entity
// whose hydration fails is not inserted; its ID stays absent until a later
// snapshot announces it again.
func (s *store[T]) reconcile(ids []ID) (added, removed []ID) {
	want := make(map[ID]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for id := range s.entities {
		if _, ok := want[id]; !ok {
			removed = append(removed, id)
		}
	}
	for _, id := range removed {
		e := s.entities[id]
		delete(s.entities, id)
		s.gen[id]++
		e.close()
	}

	for id := range want {
		if _, ok := s.entities[id]; ok {
			continue
		}
		e, err := s.construct(id)
		if err != nil {
			monitoring.Logf("hri: constructing %s %s failed: %v", s.kind, id, err)
			continue
		}
		if err := e.init(); err != nil {
			monitoring.Logf("hri: hydrating %s %s failed, dropping: %v", s.kind, id, err)
			e.close()
			continue
		}
		s.entities[id] = e
		s.gen[id]++
		added = append(added, id)
	}

	sortIDs(added)
	sortIDs(removed)
	return added, removed
}

// get returns the live entity for an ID, if present.
func (s *store[T]) get(id ID) (T, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entities[id]
	return e, ok
}

// ref issues a non-owning generational reference for an ID. The Ref expires
// as soon as the ID is removed, whether or not the caller re-queries the
// store.
func (s *store[T]) ref(id ID) Ref[T] {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Ref[T]{st: s, id: id, gen: s.gen[id]}
}

// refs returns a fresh snapshot of the current ID set as generational
// references. The result does not stay valid: entities may be destroyed by a
// reconciliation running concurrently with the caller's use of the map.
func (s *store[T]) refs() map[ID]Ref[T] {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make(map[ID]Ref[T], len(s.entities))
	for id := range s.entities {
		result[id] = Ref[T]{st: s, id: id, gen: s.gen[id]}
	}
	return result
}

// snapshot returns a fresh copy of the current ID-to-entity mapping.
func (s *store[T]) snapshot() map[ID]T {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make(map[ID]T, len(s.entities))
	for id, e := range s.entities {
		result[id] = e
	}
	return result
}

// len reports the number of live entities.
func (s *store[T]) len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entities)
}

func sortIDs(ids []ID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
