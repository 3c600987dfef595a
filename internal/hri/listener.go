package hri

import (
	"encoding/json"
	"sync"

	"github.com/banshee-data/presence.report/internal/monitoring"
)

// Listener is the main entry point to the registry. It owns one store per
// feature type, routes tracked-ID snapshots from the transport into the
// matching store, and exposes read access plus creation observers.
//
// Faces, bodies and voices are exposed as non-owning Refs because they may
// disappear at any point. Persons are exposed as shared pointers: person
// cross-referencing code may need to retain a person beyond the store's own
// lifetime. This asymmetry is intentional.
type Listener struct {
	tr Transport

	faces   *store[*Face]
	bodies  *store[*Body]
	voices  *store[*Voice]
	persons *store[*Person]

	faceObservers   observers[Ref[*Face]]
	bodyObservers   observers[Ref[*Body]]
	voiceObservers  observers[Ref[*Voice]]
	personObservers observers[*Person]

	// featureMu serializes snapshot processing per feature type. The
	// transport routers already deliver one snapshot at a time per topic,
	// but OnTrackedIDs is also callable directly (replay tooling, tests),
	// so the lock keeps reconcile-then-notify atomic per feature either way.
	featureMu [4]sync.Mutex

	routerSubs []sub
	wg         sync.WaitGroup
	done       chan struct{}
	closeOnce  sync.Once
}

// NewListener creates a Listener and subscribes it to the four tracked-ID
// topics on the transport. Close must be called to release the
// subscriptions.
func NewListener(tr Transport) *Listener {
	l := &Listener{
		tr:   tr,
		done: make(chan struct{}),
	}
	l.faceObservers.kind = FeatureFace
	l.bodyObservers.kind = FeatureBody
	l.voiceObservers.kind = FeatureVoice
	l.personObservers.kind = FeaturePerson

	l.faces = newStore(FeatureFace, func(id ID) (*Face, error) {
		return newFace(id, tr), nil
	})
	l.bodies = newStore(FeatureBody, func(id ID) (*Body, error) {
		return newBody(id, tr), nil
	})
	l.voices = newStore(FeatureVoice, func(id ID) (*Voice, error) {
		return newVoice(id, tr), nil
	})
	l.persons = newStore(FeaturePerson, func(id ID) (*Person, error) {
		return newPerson(id, l, tr), nil
	})

	for _, ft := range AllFeatures {
		l.route(ft)
	}
	return l
}

// route subscribes to one feature's tracked topic and feeds decoded
// snapshots into OnTrackedIDs on a dedicated goroutine, so snapshots for a
// feature are always processed one at a time.
func (l *Listener) route(ft FeatureType) {
	topic := ft.TrackedTopic()
	id, ch := l.tr.Subscribe(topic)
	l.routerSubs = append(l.routerSubs, sub{topic: topic, id: id})

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		for {
			select {
			case <-l.done:
				return
			case payload, ok := <-ch:
				if !ok {
					return
				}
				var msg IDList
				if err := json.Unmarshal([]byte(payload), &msg); err != nil {
					monitoring.Logf("hri: malformed %s snapshot: %v", ft, err)
					continue
				}
				l.OnTrackedIDs(ft, msg.IDs)
			}
		}
	}()
}

// OnTrackedIDs applies a full tracked-ID snapshot for one feature type:
// reconcile the store, then notify creation observers for every new entity.
// Duplicate IDs in the input are collapsed by set semantics; an empty input
// removes all current entities. Calls for the same feature are serialized.
func (l *Listener) OnTrackedIDs(ft FeatureType, ids []ID) (added, removed []ID) {
	l.featureMu[ft].Lock()
	defer l.featureMu[ft].Unlock()

	switch ft {
	case FeatureFace:
		added, removed = l.faces.reconcile(ids)
		for _, id := range added {
			l.faceObservers.notify(l.faces.ref(id))
		}
	case FeatureBody:
		added, removed = l.bodies.reconcile(ids)
		for _, id := range added {
			l.bodyObservers.notify(l.bodies.ref(id))
		}
	case FeatureVoice:
		added, removed = l.voices.reconcile(ids)
		for _, id := range added {
			l.voiceObservers.notify(l.voices.ref(id))
		}
	case FeaturePerson:
		added, removed = l.persons.reconcile(ids)
		for _, id := range added {
			if p, ok := l.persons.get(id); ok {
				l.personObservers.notify(p)
			}
		}
	}
	return added, removed
}

// Faces returns the currently detected faces, mapped to their IDs. Faces are
// returned as non-owning Refs as they may disappear at any point.
func (l *Listener) Faces() map[ID]Ref[*Face] { return l.faces.refs() }

// Bodies returns the currently detected bodies, mapped to their IDs. Bodies
// are returned as non-owning Refs as they may disappear at any point.
func (l *Listener) Bodies() map[ID]Ref[*Body] { return l.bodies.refs() }

// Voices returns the currently detected voices, mapped to their IDs. Voices
// are returned as non-owning Refs as they may disappear at any point.
func (l *Listener) Voices() map[ID]Ref[*Voice] { return l.voices.refs() }

// Persons returns the currently detected persons, mapped to their IDs.
func (l *Listener) Persons() map[ID]*Person { return l.persons.snapshot() }

// OnFace registers a callback invoked every time a new face is detected.
func (l *Listener) OnFace(cb func(Ref[*Face])) { l.faceObservers.add(cb) }

// OnBody registers a callback invoked every time a new body is detected.
func (l *Listener) OnBody(cb func(Ref[*Body])) { l.bodyObservers.add(cb) }

// OnVoice registers a callback invoked every time a new voice is detected.
func (l *Listener) OnVoice(cb func(Ref[*Voice])) { l.voiceObservers.add(cb) }

// OnPerson registers a callback invoked every time a new person is detected.
func (l *Listener) OnPerson(cb func(*Person)) { l.personObservers.add(cb) }

// Count returns the number of live entities for a feature type.
func (l *Listener) Count(ft FeatureType) int {
	switch ft {
	case FeatureFace:
		return l.faces.len()
	case FeatureBody:
		return l.bodies.len()
	case FeatureVoice:
		return l.voices.len()
	case FeaturePerson:
		return l.persons.len()
	}
	return 0
}

// Close releases the tracked-topic subscriptions and destroys all live
// entities. Safe to call more than once.
func (l *Listener) Close() {
	l.closeOnce.Do(func() {
		close(l.done)
		for _, s := range l.routerSubs {
			l.tr.Unsubscribe(s.topic, s.id)
		}
		l.wg.Wait()
		for _, ft := range AllFeatures {
			l.OnTrackedIDs(ft, nil)
		}
	})
}
