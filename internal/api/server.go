// Package api exposes the live registry and the presence journal over HTTP.
package api

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sort"
	"strconv"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/presence.report/internal/db"
	"github.com/banshee-data/presence.report/internal/hri"
	"github.com/banshee-data/presence.report/internal/journal"
	"github.com/banshee-data/presence.report/internal/snapmux"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

type Server struct {
	m        snapmux.MuxInterface
	listener *hri.Listener
	db       *db.DB
	recorder *journal.Recorder
}

func NewServer(m snapmux.MuxInterface, listener *hri.Listener, database *db.DB, recorder *journal.Recorder) *Server {
	return &Server{
		m:        m,
		listener: listener,
		db:       database,
		recorder: recorder,
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/features/", s.listFeatures)
	mux.HandleFunc("/api/persons", s.listPersons)
	mux.HandleFunc("/api/sessions", s.listSessions)
	mux.HandleFunc("/api/stats", s.showDwellStats)
	mux.HandleFunc("/api/events", s.streamEvents)
	mux.HandleFunc("/api/counts", s.showCounts)
	mux.HandleFunc("/command", s.sendCommandHandler)
	mux.HandleFunc("/debug/presence-timeline", s.showPresenceTimeline)
	mux.HandleFunc("/debug/dwell-histogram", s.showDwellHistogram)
	return mux
}

func (s *Server) writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func (s *Server) sendCommandHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	command := r.FormValue("command")

	if err := s.m.SendCommand(command); err != nil {
		http.Error(w, "Failed to send command", http.StatusInternalServerError)
		return
	}
	io.WriteString(w, "Command sent successfully")
}

// FaceAPI is the wire form of one tracked face.
type FaceAPI struct {
	ID        hri.ID                `json:"id"`
	ROI       *hri.RegionOfInterest `json:"roi,omitempty"`
	Age       *float32              `json:"age,omitempty"`
	Landmarks int                   `json:"landmarks"`
}

// BodyAPI is the wire form of one tracked body.
type BodyAPI struct {
	ID             hri.ID                `json:"id"`
	ROI            *hri.RegionOfInterest `json:"roi,omitempty"`
	SkeletonJoints int                   `json:"skeleton_joints"`
}

// VoiceAPI is the wire form of one tracked voice.
type VoiceAPI struct {
	ID          hri.ID `json:"id"`
	IsSpeaking  bool   `json:"is_speaking"`
	Speech      string `json:"speech,omitempty"`
	Incremental string `json:"incremental_speech,omitempty"`
}

// PersonAPI is the wire form of one tracked person with its associations.
type PersonAPI struct {
	ID                 hri.ID  `json:"id"`
	FaceID             *hri.ID `json:"face_id,omitempty"`
	BodyID             *hri.ID `json:"body_id,omitempty"`
	VoiceID            *hri.ID `json:"voice_id,omitempty"`
	Anonymous          bool    `json:"anonymous"`
	LocationConfidence float32 `json:"location_confidence"`
}

func (s *Server) listFeatures(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	switch r.URL.Path {
	case "/api/features/faces":
		out := []FaceAPI{}
		for id, ref := range s.listener.Faces() {
			face, ok := ref.Get()
			if !ok {
				continue
			}
			entry := FaceAPI{ID: id, Landmarks: len(face.Landmarks())}
			if roi, ok := face.ROI(); ok {
				entry.ROI = &roi
			}
			if age, ok := face.Age(); ok {
				entry.Age = &age
			}
			out = append(out, entry)
		}
		sortByID(out, func(f FaceAPI) hri.ID { return f.ID })
		json.NewEncoder(w).Encode(out)

	case "/api/features/bodies":
		out := []BodyAPI{}
		for id, ref := range s.listener.Bodies() {
			body, ok := ref.Get()
			if !ok {
				continue
			}
			entry := BodyAPI{ID: id, SkeletonJoints: len(body.Skeleton())}
			if roi, ok := body.ROI(); ok {
				entry.ROI = &roi
			}
			out = append(out, entry)
		}
		sortByID(out, func(b BodyAPI) hri.ID { return b.ID })
		json.NewEncoder(w).Encode(out)

	case "/api/features/voices":
		out := []VoiceAPI{}
		for id, ref := range s.listener.Voices() {
			voice, ok := ref.Get()
			if !ok {
				continue
			}
			out = append(out, VoiceAPI{
				ID:          id,
				IsSpeaking:  voice.IsSpeaking(),
				Speech:      voice.Speech(),
				Incremental: voice.IncrementalSpeech(),
			})
		}
		sortByID(out, func(v VoiceAPI) hri.ID { return v.ID })
		json.NewEncoder(w).Encode(out)

	case "/api/features/persons":
		s.listPersons(w, r)

	default:
		s.writeJSONError(w, http.StatusNotFound, fmt.Sprintf("Unknown feature collection %q", r.URL.Path))
	}
}

func (s *Server) listPersons(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	out := []PersonAPI{}
	for id, person := range s.listener.Persons() {
		entry := PersonAPI{
			ID:                 id,
			Anonymous:          person.Anonymous(),
			LocationConfidence: person.LocationConfidence(),
		}
		if faceID, ok := person.FaceID(); ok {
			entry.FaceID = &faceID
		}
		if bodyID, ok := person.BodyID(); ok {
			entry.BodyID = &bodyID
		}
		if voiceID, ok := person.VoiceID(); ok {
			entry.VoiceID = &voiceID
		}
		out = append(out, entry)
	}
	sortByID(out, func(p PersonAPI) hri.ID { return p.ID })
	json.NewEncoder(w).Encode(out)
}

func (s *Server) showCounts(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	counts := make(map[string]int, len(hri.AllFeatures))
	for _, ft := range hri.AllFeatures {
		counts[ft.String()] = s.listener.Count(ft)
	}
	json.NewEncoder(w).Encode(counts)
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	if r.URL.Query().Get("active") == "true" {
		sessions, err := s.db.ActiveSessions()
		if err != nil {
			s.writeJSONError(w, http.StatusInternalServerError,
				fmt.Sprintf("Failed to retrieve sessions: %v", err))
			return
		}
		json.NewEncoder(w).Encode(sessions)
		return
	}

	feature, hours, ok := s.parseStatsParams(w, r)
	if !ok {
		return
	}

	until := time.Now()
	since := until.Add(-time.Duration(hours) * time.Hour)
	sessions, err := s.db.Sessions(feature, since, until)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to retrieve sessions: %v", err))
		return
	}
	json.NewEncoder(w).Encode(sessions)
}

// DwellStats summarises how long features of a type stay tracked.
type DwellStats struct {
	Feature     string  `json:"feature,omitempty"`
	WindowHours int     `json:"window_hours"`
	Samples     int     `json:"samples"`
	ActiveNow   int     `json:"active_now"`
	MeanSeconds float64 `json:"mean_seconds"`
	P50Seconds  float64 `json:"p50_seconds"`
	P85Seconds  float64 `json:"p85_seconds"`
	P95Seconds  float64 `json:"p95_seconds"`
	MaxSeconds  float64 `json:"max_seconds"`
}

func (s *Server) showDwellStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	feature, hours, ok := s.parseStatsParams(w, r)
	if !ok {
		return
	}

	until := time.Now()
	since := until.Add(-time.Duration(hours) * time.Hour)
	samples, err := s.db.DwellSamples(feature, since, until)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to retrieve dwell samples: %v", err))
		return
	}

	active, err := s.db.ActiveSessions()
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to retrieve active sessions: %v", err))
		return
	}
	activeNow := 0
	for _, sess := range active {
		if feature == "" || sess.Feature == feature {
			activeNow++
		}
	}

	stats := DwellStats{
		Feature:     feature,
		WindowHours: hours,
		Samples:     len(samples),
		ActiveNow:   activeNow,
	}
	if len(samples) > 0 {
		sort.Float64s(samples)
		stats.MeanSeconds = stat.Mean(samples, nil)
		stats.P50Seconds = stat.Quantile(0.50, stat.Empirical, samples, nil)
		stats.P85Seconds = stat.Quantile(0.85, stat.Empirical, samples, nil)
		stats.P95Seconds = stat.Quantile(0.95, stat.Empirical, samples, nil)
		stats.MaxSeconds = samples[len(samples)-1]
	}

	if err := json.NewEncoder(w).Encode(stats); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to write dwell stats")
		return
	}
}

// parseStatsParams validates the shared feature/hours query parameters.
// feature is empty when not constrained to one type.
func (s *Server) parseStatsParams(w http.ResponseWriter, r *http.Request) (feature string, hours int, ok bool) {
	hours = 24
	if h := r.URL.Query().Get("hours"); h != "" {
		parsed, err := strconv.Atoi(h)
		if err != nil || parsed < 1 {
			s.writeJSONError(w, http.StatusBadRequest, "Invalid 'hours' parameter")
			return "", 0, false
		}
		hours = parsed
	}

	feature = r.URL.Query().Get("feature")
	if feature != "" {
		if _, err := hri.ParseFeatureType(feature); err != nil {
			s.writeJSONError(w, http.StatusBadRequest, "Invalid 'feature' parameter")
			return "", 0, false
		}
	}
	return feature, hours, true
}

// streamEvents pushes journaled presence events to the client as
// server-sent events.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable buffering for nginx

	id, ch := s.recorder.Subscribe()
	defer s.recorder.Unsubscribe(id)

	// Initial ping to establish the stream.
	w.Write([]byte(": ping\n\n"))
	flusher.Flush()

	for {
		select {
		case event, ok := <-ch:
			if !ok {
				return
			}
			payload, err := json.Marshal(event)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

// sortByID keeps feature listings in a stable order for clients and tests.
func sortByID[T any](items []T, id func(T) hri.ID) {
	sort.Slice(items, func(i, j int) bool { return id(items[i]) < id(items[j]) })
}
