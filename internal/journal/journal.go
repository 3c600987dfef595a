// Package journal records presence transitions durably. The Recorder keeps
// its own subscription to the tracked-ID topics and derives appearances and
// disappearances from consecutive snapshots, independently of the live
// registry: the registry answers "who is here now", the journal answers
// "who was here when".
package journal

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/presence.report/internal/db"
	"github.com/banshee-data/presence.report/internal/hri"
	"github.com/banshee-data/presence.report/internal/monitoring"
)

// Recorder turns tracked-ID snapshots into presence events and dwell
// sessions. Every daemon run gets a fresh run ID; sessions left open by an
// earlier run are swept closed at startup.
type Recorder struct {
	db    *db.DB
	tr    hri.Transport
	runID string

	// now is the clock, replaceable in tests.
	now func() time.Time

	mu   sync.Mutex
	prev map[hri.FeatureType]map[hri.ID]struct{}

	subscriberMu sync.Mutex
	subscribers  map[string]chan db.PresenceEvent

	routerSubs []routerSub
	wg         sync.WaitGroup
	done       chan struct{}
	closeOnce  sync.Once
}

type routerSub struct {
	topic string
	id    string
}

// NewRecorder creates a Recorder, sweeps sessions abandoned by previous
// runs, and subscribes to the four tracked-ID topics. Close must be called
// to release the subscriptions.
func NewRecorder(database *db.DB, tr hri.Transport) (*Recorder, error) {
	r := &Recorder{
		db:          database,
		tr:          tr,
		runID:       uuid.NewString(),
		now:         time.Now,
		prev:        make(map[hri.FeatureType]map[hri.ID]struct{}),
		subscribers: make(map[string]chan db.PresenceEvent),
		done:        make(chan struct{}),
	}

	swept, err := database.CloseStaleSessions(r.runID, r.now())
	if err != nil {
		return nil, err
	}
	if swept > 0 {
		monitoring.Logf("journal: swept %d sessions left open by earlier runs", swept)
	}

	for _, ft := range hri.AllFeatures {
		r.route(ft)
	}
	return r, nil
}

// RunID returns the identifier of this recording run.
func (r *Recorder) RunID() string { return r.runID }

func (r *Recorder) route(ft hri.FeatureType) {
	topic := ft.TrackedTopic()
	id, ch := r.tr.Subscribe(topic)
	r.routerSubs = append(r.routerSubs, routerSub{topic: topic, id: id})

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			select {
			case <-r.done:
				return
			case payload, ok := <-ch:
				if !ok {
					return
				}
				var msg hri.IDList
				if err := json.Unmarshal([]byte(payload), &msg); err != nil {
					monitoring.Logf("journal: malformed %s snapshot: %v", ft, err)
					continue
				}
				r.apply(ft, msg.IDs)
			}
		}
	}()
}

// apply diffs one snapshot against the previous one for the feature type
// and journals the transitions. Disappearances are recorded before
// appearances, matching the registry's reconciliation order.
func (r *Recorder) apply(ft hri.FeatureType, ids []hri.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current := make(map[hri.ID]struct{}, len(ids))
	for _, id := range ids {
		current[id] = struct{}{}
	}
	previous := r.prev[ft]
	now := r.now()

	for id := range previous {
		if _, ok := current[id]; !ok {
			r.record(ft, id, db.EventDisappear, now)
		}
	}
	for id := range current {
		if _, ok := previous[id]; !ok {
			r.record(ft, id, db.EventAppear, now)
		}
	}

	r.prev[ft] = current
}

func (r *Recorder) record(ft hri.FeatureType, id hri.ID, kind db.EventKind, at time.Time) {
	feature := ft.String()

	if err := r.db.RecordEvent(r.runID, feature, string(id), kind, at); err != nil {
		monitoring.Logf("journal: %v", err)
	}

	switch kind {
	case db.EventAppear:
		if _, err := r.db.OpenSession(r.runID, feature, string(id), at); err != nil {
			monitoring.Logf("journal: %v", err)
		}
	case db.EventDisappear:
		if err := r.db.CloseSession(feature, string(id), at); err != nil {
			monitoring.Logf("journal: %v", err)
		}
	}

	r.publish(db.PresenceEvent{
		RunID:     r.runID,
		Feature:   feature,
		FeatureID: string(id),
		Kind:      kind,
		AtUnixMs:  at.UnixMilli(),
	})
}

// Subscribe creates a channel receiving every journaled event as it is
// recorded. Slow consumers drop events rather than stalling the recorder.
func (r *Recorder) Subscribe() (string, <-chan db.PresenceEvent) {
	r.subscriberMu.Lock()
	defer r.subscriberMu.Unlock()
	id := uuid.NewString()
	ch := make(chan db.PresenceEvent, 64)
	r.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes a subscription and closes its channel.
func (r *Recorder) Unsubscribe(id string) {
	r.subscriberMu.Lock()
	defer r.subscriberMu.Unlock()
	if ch, ok := r.subscribers[id]; ok {
		close(ch)
		delete(r.subscribers, id)
	}
}

func (r *Recorder) publish(e db.PresenceEvent) {
	r.subscriberMu.Lock()
	defer r.subscriberMu.Unlock()
	for _, ch := range r.subscribers {
		select {
		case ch <- e:
		default:
		}
	}
}

// Close releases the tracked-topic subscriptions, journals a disappearance
// for everything still present, and closes all event subscribers.
func (r *Recorder) Close() {
	r.closeOnce.Do(func() {
		close(r.done)
		for _, s := range r.routerSubs {
			r.tr.Unsubscribe(s.topic, s.id)
		}
		r.wg.Wait()

		for _, ft := range hri.AllFeatures {
			r.apply(ft, nil)
		}

		r.subscriberMu.Lock()
		for id, ch := range r.subscribers {
			close(ch)
			delete(r.subscribers, id)
		}
		r.subscriberMu.Unlock()
	})
}
