package api

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/banshee-data/presence.report/internal/db"
	"github.com/banshee-data/presence.report/internal/hri"
	"github.com/banshee-data/presence.report/internal/journal"
	"github.com/banshee-data/presence.report/internal/snapmux"
)

// testTransport implements hri.Transport for server tests.
type testTransport struct {
	mu   sync.Mutex
	subs map[string]map[string]chan string
	next int
}

func newTestTransport() *testTransport {
	return &testTransport{subs: make(map[string]map[string]chan string)}
}

func (f *testTransport) Subscribe(topic string) (string, <-chan string) {
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

func (f *testTransport) Unsubscribe(topic string, id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ch, ok := f.subs[topic][id]; ok {
		close(ch)
		delete(f.subs[topic], id)
	}
}

func (f *testTransport) publish(topic, payload string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs[topic] {
		ch <- payload
	}
}

type testServer struct {
	server   *Server
	db       *db.DB
	listener *hri.Listener
	tr       *testTransport
	commands func() []byte
}

func setupTestServer(t *testing.T) *testServer {
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

	tr := newTestTransport()
	listener := hri.NewListener(tr)
	t.Cleanup(listener.Close)

	recorder, err := journal.NewRecorder(database, tr)
	if err != nil {
		t.Fatalf("failed to create recorder: %v", err)
	}
	t.Cleanup(recorder.Close)

	src, _, commands := snapmux.NewScriptedSource()
	mux := snapmux.NewMux(src)
	t.Cleanup(func() { mux.Close() })

	return &testServer{
		server:   NewServer(mux, listener, database, recorder),
		db:       database,
		listener: listener,
		tr:       tr,
		commands: commands,
	}
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

func TestListFaces(t *testing.T) {
	ts := setupTestServer(t)

	ts.listener.OnTrackedIDs(hri.FeatureFace, []hri.ID{"f2", "f1"})
	ts.tr.publish("humans/faces/f1/roi", `{"x":0.1,"y":0.2,"width":0.3,"height":0.4}`)
	ts.tr.publish("humans/faces/f1/softbiometrics", `{"age":28}`)
	waitFor(t, "face hydration", func() bool {
		face, ok := ts.listener.Faces()["f1"].Get()
		if !ok {
			return false
		}
		_, hasROI := face.ROI()
		return hasROI
	})

	req := httptest.NewRequest(http.MethodGet, "/api/features/faces", nil)
	w := httptest.NewRecorder()
	ts.server.ServeMux().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	var faces []FaceAPI
	if err := json.NewDecoder(w.Body).Decode(&faces); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(faces) != 2 {
		t.Fatalf("Expected 2 faces, got %d", len(faces))
	}
	// Sorted by ID.
	if faces[0].ID != "f1" || faces[1].ID != "f2" {
		t.Errorf("Faces out of order: %+v", faces)
	}
	if faces[0].ROI == nil || math.Abs(float64(faces[0].ROI.Width)-0.3) > 1e-6 {
		t.Errorf("f1 should carry its ROI, got %+v", faces[0].ROI)
	}
	if faces[0].Age == nil || *faces[0].Age != 28 {
		t.Errorf("f1 should carry its age, got %+v", faces[0].Age)
	}
	if faces[1].ROI != nil {
		t.Errorf("f2 has no hydrated ROI, got %+v", faces[1].ROI)
	}
}

func TestListUnknownFeature(t *testing.T) {
	ts := setupTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/features/gestures", nil)
	w := httptest.NewRecorder()
	ts.server.ServeMux().ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}
}

func TestListPersons(t *testing.T) {
	ts := setupTestServer(t)

	ts.listener.OnTrackedIDs(hri.FeaturePerson, []hri.ID{"p1"})
	ts.tr.publish("humans/persons/p1/face_id", `"f1"`)
	ts.tr.publish("humans/persons/p1/anonymous", `true`)
	waitFor(t, "person hydration", func() bool {
		person := ts.listener.Persons()["p1"]
		if person == nil {
			return false
		}
		_, ok := person.FaceID()
		return ok && person.Anonymous()
	})

	req := httptest.NewRequest(http.MethodGet, "/api/persons", nil)
	w := httptest.NewRecorder()
	ts.server.ServeMux().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	var persons []PersonAPI
	if err := json.NewDecoder(w.Body).Decode(&persons); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(persons) != 1 {
		t.Fatalf("Expected 1 person, got %d", len(persons))
	}
	if persons[0].FaceID == nil || *persons[0].FaceID != "f1" {
		t.Errorf("Expected face association f1, got %+v", persons[0].FaceID)
	}
	if persons[0].BodyID != nil {
		t.Errorf("Expected no body association, got %+v", persons[0].BodyID)
	}
	if !persons[0].Anonymous {
		t.Error("Expected anonymous person")
	}
}

func TestShowCounts(t *testing.T) {
	ts := setupTestServer(t)

	ts.listener.OnTrackedIDs(hri.FeatureFace, []hri.ID{"f1", "f2"})
	ts.listener.OnTrackedIDs(hri.FeatureVoice, []hri.ID{"v1"})

	req := httptest.NewRequest(http.MethodGet, "/api/counts", nil)
	w := httptest.NewRecorder()
	ts.server.ServeMux().ServeHTTP(w, req)

	var counts map[string]int
	if err := json.NewDecoder(w.Body).Decode(&counts); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	want := map[string]int{"face": 2, "body": 0, "voice": 1, "person": 0}
	if diff := cmp.Diff(want, counts); diff != "" {
		t.Errorf("Counts mismatch (-want +got):\n%s", diff)
	}
}

func TestShowDwellStats(t *testing.T) {
	ts := setupTestServer(t)

	base := time.Now().Add(-time.Hour)
	for i, d := range []time.Duration{10 * time.Second, 30 * time.Second, 120 * time.Second} {
		start := base.Add(time.Duration(i) * 5 * time.Minute)
		if _, err := ts.db.OpenSession("run-1", "face", fmt.Sprintf("f%d", i), start); err != nil {
			t.Fatalf("OpenSession failed: %v", err)
		}
		if err := ts.db.CloseSession("face", fmt.Sprintf("f%d", i), start.Add(d)); err != nil {
			t.Fatalf("CloseSession failed: %v", err)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/api/stats?feature=face&hours=48", nil)
	w := httptest.NewRecorder()
	ts.server.ServeMux().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	var stats DwellStats
	if err := json.NewDecoder(w.Body).Decode(&stats); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if stats.Samples != 3 {
		t.Fatalf("Expected 3 samples, got %d", stats.Samples)
	}
	if math.Abs(stats.MeanSeconds-160.0/3) > 0.1 {
		t.Errorf("MeanSeconds = %f, want ~53.3", stats.MeanSeconds)
	}
	if math.Abs(stats.P50Seconds-30) > 0.1 {
		t.Errorf("P50Seconds = %f, want 30", stats.P50Seconds)
	}
	if math.Abs(stats.P95Seconds-120) > 0.1 {
		t.Errorf("P95Seconds = %f, want 120", stats.P95Seconds)
	}
	if math.Abs(stats.MaxSeconds-120) > 0.1 {
		t.Errorf("MaxSeconds = %f, want 120", stats.MaxSeconds)
	}
}

func TestShowDwellStats_BadParams(t *testing.T) {
	ts := setupTestServer(t)
	mux := ts.server.ServeMux()

	for _, url := range []string{
		"/api/stats?hours=abc",
		"/api/stats?hours=0",
		"/api/stats?feature=gesture",
	} {
		req := httptest.NewRequest(http.MethodGet, url, nil)
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, req)
		if w.Code != http.StatusBadRequest {
			t.Errorf("GET %s: expected status 400, got %d", url, w.Code)
		}
	}
}

func TestListActiveSessions(t *testing.T) {
	ts := setupTestServer(t)

	if _, err := ts.db.OpenSession("run-1", "person", "p1", time.Now()); err != nil {
		t.Fatalf("OpenSession failed: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/sessions?active=true", nil)
	w := httptest.NewRecorder()
	ts.server.ServeMux().ServeHTTP(w, req)

	var sessions []db.PresenceSession
	if err := json.NewDecoder(w.Body).Decode(&sessions); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(sessions) != 1 || sessions[0].FeatureID != "p1" || sessions[0].EndUnixMs != nil {
		t.Errorf("Unexpected active sessions: %+v", sessions)
	}
}

func TestSendCommand(t *testing.T) {
	ts := setupTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/command", strings.NewReader("command=STATUS"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	ts.server.ServeMux().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if !strings.Contains(string(ts.commands()), "STATUS\n") {
		t.Error("Expected STATUS command to reach the device")
	}
}

func TestStreamEvents(t *testing.T) {
	ts := setupTestServer(t)

	srv := httptest.NewServer(ts.server.ServeMux())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/events", nil)
	if err != nil {
		t.Fatalf("NewRequest failed: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /api/events failed: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}

	reader := bufio.NewReader(resp.Body)
	// First frame is the ping comment.
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("Failed to read ping: %v", err)
	}
	if !strings.HasPrefix(line, ": ping") {
		t.Errorf("Expected ping comment, got %q", line)
	}

	// A tracked snapshot produces a journaled event on the stream.
	ts.tr.publish(hri.FeatureBody.TrackedTopic(), `{"ids":["b1"]}`)

	var event db.PresenceEvent
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("Failed to read event: %v", err)
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(strings.TrimSpace(line), "data: ")
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			t.Fatalf("Failed to decode event %q: %v", payload, err)
		}
		break
	}
	if event.Feature != "body" || event.FeatureID != "b1" || event.Kind != db.EventAppear {
		t.Errorf("Unexpected streamed event: %+v", event)
	}
}

func TestPresenceTimeline(t *testing.T) {
	ts := setupTestServer(t)

	if _, err := ts.db.OpenSession("run-1", "face", "f1", time.Now().Add(-time.Minute)); err != nil {
		t.Fatalf("OpenSession failed: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/debug/presence-timeline", nil)
	w := httptest.NewRecorder()
	ts.server.ServeMux().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("Content-Type = %q, want text/html", ct)
	}
}

func TestDwellHistogram(t *testing.T) {
	ts := setupTestServer(t)
	mux := ts.server.ServeMux()

	// No closed sessions yet.
	req := httptest.NewRequest(http.MethodGet, "/debug/dwell-histogram", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404 with no samples, got %d", w.Code)
	}

	start := time.Now().Add(-10 * time.Minute)
	if _, err := ts.db.OpenSession("run-1", "face", "f1", start); err != nil {
		t.Fatalf("OpenSession failed: %v", err)
	}
	if err := ts.db.CloseSession("face", "f1", start.Add(time.Minute)); err != nil {
		t.Fatalf("CloseSession failed: %v", err)
	}

	req = httptest.NewRequest(http.MethodGet, "/debug/dwell-histogram", nil)
	w = httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "image/png" {
		t.Errorf("Content-Type = %q, want image/png", ct)
	}
}
