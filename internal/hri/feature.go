package hri

import (
	"fmt"
	"sync"
)

// ID is the opaque identifier the perception pipeline assigns to a tracked
// feature. IDs compare and order by value and never change once assigned.
type ID string

// FeatureType enumerates the kinds of tracked human features. The set is
// closed: there is no dynamic feature registration.
type FeatureType int

const (
	FeatureFace FeatureType = iota
	FeatureBody
	FeatureVoice
	FeaturePerson
)

// AllFeatures lists every feature type in a stable order.
var AllFeatures = []FeatureType{FeatureFace, FeatureBody, FeatureVoice, FeaturePerson}

func (f FeatureType) String() string {
	switch f {
	case FeatureFace:
		return "face"
	case FeatureBody:
		return "body"
	case FeatureVoice:
		return "voice"
	case FeaturePerson:
		return "person"
	}
	return fmt.Sprintf("FeatureType(%d)", int(f))
}

// plural returns the topic path segment for the feature type.
func (f FeatureType) plural() string {
	switch f {
	case FeatureFace:
		return "faces"
	case FeatureBody:
		return "bodies"
	case FeatureVoice:
		return "voices"
	case FeaturePerson:
		return "persons"
	}
	return "unknown"
}

// TrackedTopic returns the transport topic on which the perception pipeline
// announces the full set of currently tracked IDs for the feature type.
func (f FeatureType) TrackedTopic() string {
	return fmt.Sprintf("humans/%s/tracked", f.plural())
}

// ParseFeatureType converts a feature name ("face", "body", "voice",
// "person") to its FeatureType.
func ParseFeatureType(s string) (FeatureType, error) {
	switch s {
	case "face":
		return FeatureFace, nil
	case "body":
		return FeatureBody, nil
	case "voice":
		return FeatureVoice, nil
	case "person":
		return FeaturePerson, nil
	}
	return 0, fmt.Errorf("unknown feature type %q", s)
}

// detailTopic returns the per-entity detail topic for the given leaf, e.g.
// humans/faces/f1/roi.
func detailTopic(kind FeatureType, id ID, leaf string) string {
	return fmt.Sprintf("humans/%s/%s/%s", kind.plural(), id, leaf)
}

// sub records an active transport subscription so it can be torn down when
// the owning entity is destroyed.
type sub struct {
	topic string
	id    string
}

// tracked is the common state shared by all entity kinds: identity, the
// transport handle used for detail hydration, and the bookkeeping for
// per-entity subscriptions. ID and feature kind are immutable after
// construction; detail state in the embedding struct is guarded by mu.
type tracked struct {
	id   ID
	kind FeatureType
	tr   Transport

	mu   sync.RWMutex
	subs []sub
	done chan struct{}
}

func newTracked(id ID, kind FeatureType, tr Transport) tracked {
	return tracked{
		id:   id,
		kind: kind,
		tr:   tr,
		done: make(chan struct{}),
	}
}

// ID returns the entity's identifier.
func (t *tracked) ID() ID { return t.id }

// Feature returns the entity's feature type.
func (t *tracked) Feature() FeatureType { return t.kind }

// listen subscribes to a detail topic and applies each received payload on a
// dedicated goroutine. Subscribing never blocks; payload application runs
// outside the reconciliation path.
func (t *tracked) listen(leaf string, apply func(payload string)) {
	topic := detailTopic(t.kind, t.id, leaf)
	id, ch := t.tr.Subscribe(topic)
	t.subs = append(t.subs, sub{topic: topic, id: id})
	go func() {
		for {
			select {
			case <-t.done:
				return
			case payload, ok := <-ch:
				if !ok {
					return
				}
				apply(payload)
			}
		}
	}()
}

// close tears down all detail subscriptions. Called by the owning store when
// the entity's ID vanishes from a snapshot.
func (t *tracked) close() {
	select {
	case <-t.done:
		return
	default:
	}
	close(t.done)
	for _, s := range t.subs {
		t.tr.Unsubscribe(s.topic, s.id)
	}
	t.subs = nil
}

// checkHydratable validates the preconditions for detail hydration.
func (t *tracked) checkHydratable() error {
	if t.id == "" {
		return fmt.Errorf("%s entity has empty ID", t.kind)
	}
	if t.tr == nil {
		return fmt.Errorf("%s %s: no transport for detail hydration", t.kind, t.id)
	}
	return nil
}
