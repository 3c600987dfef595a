// Package snapmux multiplexes the line-oriented message stream of a
// perception pipeline to multiple topic subscribers. One source (a serial
// device, a UDP socket or a mock) emits one JSON envelope per line,
// {"topic": "...", "data": ...}; the mux fans the payload of each envelope
// out to every subscriber of its topic, and the raw line to every tap
// subscriber.
package snapmux

import (
	"bufio"
	"bytes"
	"context"
	crand "crypto/rand"
	"embed"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"strings"
	"sync"

	"tailscale.com/tsweb"

	"github.com/banshee-data/presence.report/internal/monitoring"
)

// ErrWriteFailed reports a short write to the underlying source.
var ErrWriteFailed = fmt.Errorf("failed to write to message source")

// TopicTap subscribes to every raw line the source emits, before envelope
// decoding. Used by the debug tail endpoint.
const TopicTap = "*"

//go:embed templates/*
var adminTemplateFS embed.FS

var sendCommandTemplate = template.Must(template.ParseFS(adminTemplateFS, "templates/send-command.html.tmpl"))

// LineSource is the minimal interface a message source must satisfy: a
// line-oriented reader plus a writer for device commands.
type LineSource interface {
	io.ReadWriter
	io.Closer
}

// Envelope is the wire form of one transport message.
type Envelope struct {
	Topic string          `json:"topic"`
	Data  json.RawMessage `json:"data"`
}

// Mux is a generic message multiplexer over a single LineSource with
// per-topic subscriber fan-out.
type Mux[T LineSource] struct {
	source       T
	subscribers  map[string]map[string]chan string // topic -> sub ID -> channel
	subscriberMu sync.Mutex
	commandMu    sync.Mutex
	closing      bool
	closingMu    sync.Mutex
}

// MuxInterface defines the operations the daemon and the registry consume
// from a Mux, independent of the source type parameter.
type MuxInterface interface {
	// Subscribe creates a channel receiving the payload of every message
	// published on the topic. TopicTap receives raw lines instead. The
	// returned ID identifies the subscription for Unsubscribe.
	Subscribe(topic string) (string, <-chan string)
	// Unsubscribe removes a subscription and closes its channel.
	Unsubscribe(topic string, id string)
	// SendCommand writes a command line to the source device.
	SendCommand(string) error
	// Monitor reads lines from the source and fans them out until the
	// context is cancelled or the source fails.
	Monitor(context.Context) error
	// Close closes all subscriber channels and the source.
	Close() error

	// AttachAdminRoutes attaches debug endpoints (live tail, send-command)
	// to the given HTTP mux under /debug/. These routes are reachable only
	// over localhost or the tailnet.
	AttachAdminRoutes(*http.ServeMux)
}

// NewMux creates a Mux over the given source.
func NewMux[T LineSource](source T) *Mux[T] {
	return &Mux[T]{
		source:      source,
		subscribers: make(map[string]map[string]chan string),
	}
}

// randomID generates a random subscription ID (8 byte random hex value).
func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

func (m *Mux[T]) Subscribe(topic string) (string, <-chan string) {
	id := randomID()
	ch := make(chan string, 16)
	m.subscriberMu.Lock()
	defer m.subscriberMu.Unlock()
	if m.subscribers[topic] == nil {
		m.subscribers[topic] = make(map[string]chan string)
	}
	m.subscribers[topic][id] = ch
	return id, ch
}

func (m *Mux[T]) Unsubscribe(topic string, id string) {
	m.subscriberMu.Lock()
	defer m.subscriberMu.Unlock()
	subs := m.subscribers[topic]
	if ch, ok := subs[id]; ok {
		close(ch)
		delete(subs, id)
		if len(subs) == 0 {
			delete(m.subscribers, topic)
		}
	}
}

// SendCommand sends a command line to the source device.
func (m *Mux[T]) SendCommand(command string) error {
	m.commandMu.Lock()
	defer m.commandMu.Unlock()
	if !strings.HasSuffix(command, "\n") {
		command += "\n"
	}
	n, err := m.source.Write([]byte(command))
	if err != nil {
		return err
	}
	if n != len(command) {
		return ErrWriteFailed
	}
	return nil
}

// Monitor reads lines from the source and dispatches them to subscribers.
// Lines that do not decode as envelopes still reach tap subscribers; they
// are otherwise logged and skipped, leaving registry state at its
// last-known-good snapshot.
func (m *Mux[T]) Monitor(ctx context.Context) error {
	scan := bufio.NewScanner(m.source)
	scan.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	lineChan := make(chan string)
	scanErrChan := make(chan error, 1)

	// The blocking scan.Scan runs on its own goroutine so the outer loop
	// can await lines and context cancellation together.
	go func() {
		defer close(lineChan)
		for scan.Scan() {
			select {
			case lineChan <- scan.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scan.Err(); err != nil {
			select {
			case scanErrChan <- err:
			case <-ctx.Done():
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-scanErrChan:
			return err

		case line, ok := <-lineChan:
			if !ok {
				if err := scan.Err(); err != nil {
					return err
				}
				return nil
			}
			m.closingMu.Lock()
			if m.closing {
				m.closingMu.Unlock()
				return nil
			}
			m.closingMu.Unlock()

			m.dispatch(line)
		}
	}
}

// dispatch routes one raw line: tap subscribers get the line verbatim, topic
// subscribers get the decoded payload. Sends never block; a slow subscriber
// drops messages rather than stalling the source.
func (m *Mux[T]) dispatch(line string) {
	if strings.TrimSpace(line) == "" {
		return
	}

	m.subscriberMu.Lock()
	for _, ch := range m.subscribers[TopicTap] {
		select {
		case ch <- line:
		default:
		}
	}
	m.subscriberMu.Unlock()

	var env Envelope
	if err := json.Unmarshal([]byte(line), &env); err != nil || env.Topic == "" {
		monitoring.Logf("snapmux: skipping malformed line %q", truncate(line, 120))
		return
	}
	payload := string(env.Data)

	m.subscriberMu.Lock()
	for _, ch := range m.subscribers[env.Topic] {
		select {
		case ch <- payload:
		default:
			// subscriber is full; skip so the source loop never stalls
		}
	}
	m.subscriberMu.Unlock()
}

func (m *Mux[T]) Close() error {
	m.closingMu.Lock()
	m.closing = true
	m.closingMu.Unlock()

	m.subscriberMu.Lock()
	defer m.subscriberMu.Unlock()
	for topic, subs := range m.subscribers {
		for id, ch := range subs {
			close(ch)
			delete(subs, id)
		}
		delete(m.subscribers, topic)
	}
	return m.source.Close()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}

func (m *Mux[T]) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	// Command form / live tail monitor built on the two endpoints below.
	debug.HandleFunc("send-command", "send a command to the perception device", func(w http.ResponseWriter, r *http.Request) {
		buf := bytes.NewBuffer(nil)
		if err := sendCommandTemplate.Execute(buf, nil); err != nil {
			http.Error(w, "Failed to render template", http.StatusInternalServerError)
			return
		}
		io.Copy(w, buf)
	})

	debug.HandleSilentFunc("send-command-api", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		command := strings.TrimSpace(r.FormValue("command"))
		if command == "" {
			http.Error(w, "Missing command", http.StatusBadRequest)
			return
		}
		if err := m.SendCommand(command); err != nil {
			http.Error(w, "Failed to write command", http.StatusInternalServerError)
			return
		}
		io.WriteString(w, fmt.Sprintf("Wrote command %q to perception device", command))
	})

	// SSE stream of raw transport lines.
	debug.HandleSilentFunc("tail", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no") // Disable buffering for nginx

		id, c := m.Subscribe(TopicTap)
		defer m.Unsubscribe(TopicTap, id)

		// Initial ping to establish the stream.
		w.Write([]byte(": ping\n\n"))
		w.(http.Flusher).Flush()

		for {
			select {
			case payload, ok := <-c:
				if !ok {
					return
				}
				if _, err := w.Write([]byte(fmt.Sprintf("data: %s\n\n", payload))); err != nil {
					return
				}
				w.(http.Flusher).Flush()
			case <-r.Context().Done():
				return
			}
		}
	})

	debug.HandleSilentFunc("tail.js", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/javascript")
		w.Header().Set("Cache-Control", "no-cache")

		f, err := adminTemplateFS.Open("templates/tail.js")
		if err != nil {
			http.Error(w, "Failed to open tail.js", http.StatusInternalServerError)
			return
		}
		defer f.Close()
		io.Copy(w, f)
	})
}
