package hri

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/presence.report/internal/monitoring"
)

// fakeEntity lets store tests control hydration outcomes without a
// transport.
type fakeEntity struct {
	id      ID
	initErr error
	closed  bool
}

func (f *fakeEntity) ID() ID               { return f.id }
func (f *fakeEntity) Feature() FeatureType { return FeatureFace }
func (f *fakeEntity) init() error          { return f.initErr }
func (f *fakeEntity) close()               { f.closed = true }

func newFakeStore(initErrs map[ID]error) *store[*fakeEntity] {
	return newStore(FeatureFace, func(id ID) (*fakeEntity, error) {
		return &fakeEntity{id: id, initErr: initErrs[id]}, nil
	})
}

func TestStoreReconcileDiff(t *testing.T) {
	s := newFakeStore(nil)

	added, removed := s.reconcile([]ID{"a", "b"})
	assert.Equal(t, []ID{"a", "b"}, added)
	assert.Empty(t, removed)
	assert.Equal(t, 2, s.len())

	// Overlapping snapshot: only the difference changes.
	added, removed = s.reconcile([]ID{"b", "c"})
	assert.Equal(t, []ID{"c"}, added)
	assert.Equal(t, []ID{"a"}, removed)
	assert.Equal(t, 2, s.len())

	// Empty snapshot removes everything.
	added, removed = s.reconcile(nil)
	assert.Empty(t, added)
	assert.Equal(t, []ID{"b", "c"}, removed)
	assert.Equal(t, 0, s.len())
}

func TestStoreReconcileIdempotent(t *testing.T) {
	s := newFakeStore(nil)

	s.reconcile([]ID{"a"})
	before, ok := s.get("a")
	require.True(t, ok)

	added, removed := s.reconcile([]ID{"a"})
	assert.Empty(t, added)
	assert.Empty(t, removed)

	after, ok := s.get("a")
	require.True(t, ok)
	assert.Same(t, before, after, "stable ID must keep its entity instance")
}

func TestStoreReconcileDuplicateIDs(t *testing.T) {
	s := newFakeStore(nil)

	added, _ := s.reconcile([]ID{"a", "a", "a"})
	assert.Equal(t, []ID{"a"}, added)
	assert.Equal(t, 1, s.len())
}

func TestStoreReconcileClosesRemoved(t *testing.T) {
	s := newFakeStore(nil)

	s.reconcile([]ID{"a"})
	e, ok := s.get("a")
	require.True(t, ok)

	s.reconcile(nil)
	assert.True(t, e.closed, "removed entity must be closed")
}

func TestStoreHydrationFailureIsFailedAdd(t *testing.T) {
	defer monitoring.Mute()()

	failures := map[ID]error{"bad": errors.New("no detail topics")}
	s := newFakeStore(failures)

	added, removed := s.reconcile([]ID{"good", "bad"})
	assert.Equal(t, []ID{"good"}, added)
	assert.Empty(t, removed)

	_, ok := s.get("bad")
	assert.False(t, ok, "entity whose hydration failed must not be inserted")
	assert.Equal(t, 1, s.len())

	// A later snapshot announcing the ID again retries from scratch.
	delete(failures, "bad")
	added, _ = s.reconcile([]ID{"good", "bad"})
	assert.Equal(t, []ID{"bad"}, added)
	assert.Equal(t, 2, s.len())
}

func TestRefExpiry(t *testing.T) {
	s := newFakeStore(nil)

	s.reconcile([]ID{"a"})
	ref := s.ref("a")

	e, ok := ref.Get()
	require.True(t, ok)
	assert.Equal(t, ID("a"), e.ID())
	assert.False(t, ref.Expired())

	s.reconcile(nil)
	_, ok = ref.Get()
	assert.False(t, ok)
	assert.True(t, ref.Expired())
	assert.Equal(t, ID("a"), ref.ID(), "ID stays readable after expiry")
}

func TestRefDoesNotResurrectOnIDReuse(t *testing.T) {
	s := newFakeStore(nil)

	s.reconcile([]ID{"a"})
	stale := s.ref("a")

	s.reconcile(nil)
	s.reconcile([]ID{"a"})

	assert.True(t, stale.Expired(), "ref from before a removal must stay expired when the ID is reused")
	assert.False(t, s.ref("a").Expired())
}

func TestZeroRefIsExpired(t *testing.T) {
	var ref Ref[*fakeEntity]
	_, ok := ref.Get()
	assert.False(t, ok)
	assert.True(t, ref.Expired())
}

func TestStoreRefsSnapshot(t *testing.T) {
	s := newFakeStore(nil)
	s.reconcile([]ID{"a", "b"})

	refs := s.refs()
	require.Len(t, refs, 2)
	for id, ref := range refs {
		assert.Equal(t, id, ref.ID())
		assert.False(t, ref.Expired())
	}

	// The snapshot map is a copy: later reconciliation does not mutate it,
	// but the refs inside observe the removal.
	s.reconcile([]ID{"b"})
	assert.Len(t, refs, 2)
	assert.True(t, refs["a"].Expired())
	assert.False(t, refs["b"].Expired())
}
