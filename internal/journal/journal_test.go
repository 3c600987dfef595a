package journal

import (
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/banshee-data/presence.report/internal/db"
	"github.com/banshee-data/presence.report/internal/hri"
)

// fakeTransport implements hri.Transport for recorder tests.
type fakeTransport struct {
	mu   sync.Mutex
	subs map[string]map[string]chan string
	next int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{subs: make(map[string]map[string]chan string)}
}

func (f *fakeTransport) Subscribe(topic string) (string, <-chan string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	id := fmt.Sprintf("sub-%d", f.next)
	ch := make(chan string, 16)
	if f.subs[topic] == nil {
		f.subs[topic] = make(map[string]chan string)
	}
	f.subs[topic][id] = ch
	return id, ch
}

func (f *fakeTransport) Unsubscribe(topic string, id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ch, ok := f.subs[topic][id]; ok {
		close(ch)
		delete(f.subs[topic], id)
	}
}

func (f *fakeTransport) publish(topic, payload string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs[topic] {
		ch <- payload
	}
}

func setupTestDB(t *testing.T) *db.DB {
	t.Helper()
	fname := t.Name() + ".db"
	_ = os.Remove(fname)

	database, err := db.NewDB(fname)
	if err != nil {
		t.Fatalf("failed to create test DB: %v", err)
	}
	t.Cleanup(func() {
		database.Close()
		_ = os.Remove(fname)
		_ = os.Remove(fname + "-shm")
		_ = os.Remove(fname + "-wal")
	})
	return database
}

func setupRecorder(t *testing.T) (*Recorder, *db.DB, *fakeTransport) {
	t.Helper()
	database := setupTestDB(t)
	tr := newFakeTransport()
	rec, err := NewRecorder(database, tr)
	if err != nil {
		t.Fatalf("NewRecorder failed: %v", err)
	}
	t.Cleanup(rec.Close)
	return rec, database, tr
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

func TestRecorderJournalsTransitions(t *testing.T) {
	rec, database, _ := setupRecorder(t)

	start := time.Now().Add(-time.Minute)
	rec.now = func() time.Time { return start }
	rec.apply(hri.FeatureFace, []hri.ID{"f1", "f2"})

	active, err := database.ActiveSessions()
	if err != nil {
		t.Fatalf("ActiveSessions failed: %v", err)
	}
	if len(active) != 2 {
		t.Fatalf("Expected 2 open sessions, got %d", len(active))
	}

	end := start.Add(30 * time.Second)
	rec.now = func() time.Time { return end }
	rec.apply(hri.FeatureFace, []hri.ID{"f2"})

	active, err = database.ActiveSessions()
	if err != nil {
		t.Fatalf("ActiveSessions failed: %v", err)
	}
	if len(active) != 1 || active[0].FeatureID != "f2" {
		t.Errorf("Expected only f2 to stay open, got %+v", active)
	}

	events, err := database.Events("face", start.Add(-time.Minute), end.Add(time.Minute), 0)
	if err != nil {
		t.Fatalf("Events failed: %v", err)
	}
	// Two appearances plus one disappearance.
	if len(events) != 3 {
		t.Fatalf("Expected 3 events, got %d", len(events))
	}
	if events[0].Kind != db.EventDisappear || events[0].FeatureID != "f1" {
		t.Errorf("Newest event should be f1 disappearing, got %+v", events[0])
	}

	samples, err := database.DwellSamples("face", start.Add(-time.Minute), end.Add(time.Minute))
	if err != nil {
		t.Fatalf("DwellSamples failed: %v", err)
	}
	if len(samples) != 1 || samples[0] < 29.9 || samples[0] > 30.1 {
		t.Errorf("Expected one ~30s dwell sample, got %v", samples)
	}
}

func TestRecorderRedundantSnapshotIsSilent(t *testing.T) {
	rec, database, _ := setupRecorder(t)

	rec.apply(hri.FeaturePerson, []hri.ID{"p1"})
	rec.apply(hri.FeaturePerson, []hri.ID{"p1"})

	events, err := database.Events("person", time.Now().Add(-time.Minute), time.Now().Add(time.Minute), 0)
	if err != nil {
		t.Fatalf("Events failed: %v", err)
	}
	if len(events) != 1 {
		t.Errorf("Redundant snapshot must journal nothing, got %d events", len(events))
	}
}

func TestRecorderFeatureTypesAreIndependent(t *testing.T) {
	rec, database, _ := setupRecorder(t)

	rec.apply(hri.FeatureFace, []hri.ID{"x1"})
	rec.apply(hri.FeatureBody, []hri.ID{"x1"})
	rec.apply(hri.FeatureFace, nil)

	active, err := database.ActiveSessions()
	if err != nil {
		t.Fatalf("ActiveSessions failed: %v", err)
	}
	if len(active) != 1 || active[0].Feature != "body" {
		t.Errorf("Body session must survive face removal, got %+v", active)
	}
}

func TestRecorderRoutesTrackedTopics(t *testing.T) {
	rec, database, tr := setupRecorder(t)

	tr.publish(hri.FeatureVoice.TrackedTopic(), `{"ids":["v1"]}`)
	waitFor(t, "journaled appearance", func() bool {
		active, err := database.ActiveSessions()
		return err == nil && len(active) == 1
	})

	// Malformed snapshots are skipped.
	tr.publish(hri.FeatureVoice.TrackedTopic(), `{{{`)
	tr.publish(hri.FeatureVoice.TrackedTopic(), `{"ids":[]}`)
	waitFor(t, "journaled disappearance", func() bool {
		active, err := database.ActiveSessions()
		return err == nil && len(active) == 0
	})
	_ = rec
}

func TestRecorderSweepsStaleSessions(t *testing.T) {
	database := setupTestDB(t)

	if _, err := database.OpenSession("dead-run", "face", "f1", time.Now().Add(-time.Hour)); err != nil {
		t.Fatalf("OpenSession failed: %v", err)
	}

	rec, err := NewRecorder(database, newFakeTransport())
	if err != nil {
		t.Fatalf("NewRecorder failed: %v", err)
	}
	defer rec.Close()

	active, err := database.ActiveSessions()
	if err != nil {
		t.Fatalf("ActiveSessions failed: %v", err)
	}
	if len(active) != 0 {
		t.Errorf("Stale session should be swept at startup, got %+v", active)
	}
}

func TestRecorderSubscribeFanOut(t *testing.T) {
	rec, _, _ := setupRecorder(t)

	id, ch := rec.Subscribe()
	defer rec.Unsubscribe(id)

	rec.apply(hri.FeatureBody, []hri.ID{"b1"})

	select {
	case e := <-ch:
		if e.Feature != "body" || e.FeatureID != "b1" || e.Kind != db.EventAppear {
			t.Errorf("Unexpected event %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for fanned-out event")
	}
}

func TestRecorderCloseEndsOpenSessions(t *testing.T) {
	database := setupTestDB(t)
	tr := newFakeTransport()
	rec, err := NewRecorder(database, tr)
	if err != nil {
		t.Fatalf("NewRecorder failed: %v", err)
	}

	rec.apply(hri.FeatureFace, []hri.ID{"f1"})
	rec.Close()

	active, err := database.ActiveSessions()
	if err != nil {
		t.Fatalf("ActiveSessions failed: %v", err)
	}
	if len(active) != 0 {
		t.Errorf("Close must end open sessions, got %+v", active)
	}

	// Close is idempotent.
	rec.Close()
}
