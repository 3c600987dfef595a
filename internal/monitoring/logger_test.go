package monitoring

import (
	"fmt"
	"log"
	"testing"
)

func TestSetLoggerRedirects(t *testing.T) {
	t.Cleanup(func() { Logf = log.Printf })

	var got string
	SetLogger(func(format string, v ...interface{}) {
		got = fmt.Sprintf(format, v...)
	})
	Logf("hello %s", "world")
	if got != "hello world" {
		t.Errorf("expected redirected log output, got %q", got)
	}
}

func TestSetLoggerNilIsNoop(t *testing.T) {
	t.Cleanup(func() { Logf = log.Printf })
	SetLogger(nil)
	// Must not panic.
	Logf("dropped %d", 1)
}

func TestMuteRestores(t *testing.T) {
	t.Cleanup(func() { Logf = log.Printf })
	var count int
	SetLogger(func(string, ...interface{}) { count++ })

	restore := Mute()
	Logf("silenced")
	if count != 0 {
		t.Fatalf("expected muted logger, got %d calls", count)
	}
	restore()
	Logf("audible")
	if count != 1 {
		t.Errorf("expected restored logger to fire once, got %d calls", count)
	}
}
