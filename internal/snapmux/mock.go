package snapmux

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"time"
)

// MockSource implements LineSource for dev mode and tests. It replays the
// given fixture lines on an interval and captures written commands.
type MockSource struct {
	reader *io.PipeReader
	writer *io.PipeWriter

	mu       sync.Mutex
	commands bytes.Buffer
	closed   bool
}

// NewMockSource creates a MockSource replaying fixture (one or more
// newline-terminated lines) every interval until closed.
func NewMockSource(fixture []byte, interval time.Duration) *MockSource {
	r, w := io.Pipe()
	s := &MockSource{reader: r, writer: w}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for range ticker.C {
			if _, err := w.Write(fixture); err != nil {
				return
			}
		}
	}()

	return s
}

func (s *MockSource) Read(p []byte) (int, error) {
	return s.reader.Read(p)
}

func (s *MockSource) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, errors.New("mock source closed")
	}
	return s.commands.Write(p)
}

// Close stops replay. Only the write side is closed so a reader blocked in
// Read observes a clean EOF rather than a closed-pipe error.
func (s *MockSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.writer.Close()
}

// Commands returns all command bytes written to the source.
func (s *MockSource) Commands() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.commands.Bytes()...)
}

// NewMockMux creates a Mux backed by a MockSource replaying the fixture
// every 500ms, matching the cadence of a live pipeline in dev mode.
func NewMockMux(fixture []byte) *Mux[*MockSource] {
	return NewMux[*MockSource](NewMockSource(fixture, 500*time.Millisecond))
}

// scriptedSource is a LineSource fed explicitly by tests.
type scriptedSource struct {
	reader *io.PipeReader
	writer *io.PipeWriter

	mu       sync.Mutex
	commands bytes.Buffer
}

// NewScriptedSource returns a source plus a push function delivering one
// line at a time, for tests that need precise control over message order.
func NewScriptedSource() (LineSource, func(line string), func() []byte) {
	r, w := io.Pipe()
	s := &scriptedSource{reader: r, writer: w}
	push := func(line string) {
		s.writer.Write([]byte(line + "\n"))
	}
	commands := func() []byte {
		s.mu.Lock()
		defer s.mu.Unlock()
		return append([]byte(nil), s.commands.Bytes()...)
	}
	return s, push, commands
}

func (s *scriptedSource) Read(p []byte) (int, error) { return s.reader.Read(p) }

func (s *scriptedSource) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commands.Write(p)
}

func (s *scriptedSource) Close() error {
	return s.writer.Close()
}
