package hri

import (
	"sync"

	"github.com/banshee-data/presence.report/internal/monitoring"
)

// observers fans out "new entity" notifications for one feature type.
// Registration is append-only for the lifetime of the Listener; there is no
// unregistration. Callbacks run in registration order, synchronously within
// the reconciliation call, after the entity is queryable in its store.
type observers[T any] struct {
	kind FeatureType
	mu   sync.Mutex
	cbs  []func(T)
}

func (o *observers[T]) add(cb func(T)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cbs = append(o.cbs, cb)
}

// notify invokes every registered callback. Each callback is isolated: a
// panicking observer is logged and skipped so it cannot abort the remaining
// notifications or corrupt store state.
func (o *observers[T]) notify(v T) {
	o.mu.Lock()
	cbs := make([]func(T), len(o.cbs))
	copy(cbs, o.cbs)
	o.mu.Unlock()

	for _, cb := range cbs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					monitoring.Logf("hri: %s observer panicked: %v", o.kind, r)
				}
			}()
			cb(v)
		}()
	}
}
