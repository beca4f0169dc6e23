package logging

import (
	"bytes"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/timeshift92/emperium-sub001/internal/world"
)

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	log, err := NewLogger("trace", &buf)
	if err != nil {
		t.Fatal(err)
	}
	log.Log(t.Context(), LevelTrace, "prompt sent", "character", "c1")
	log.Debug("debug line")
	out := buf.String()
	if !strings.Contains(out, "level=TRACE") || !strings.Contains(out, "character=c1") || !strings.Contains(out, "debug line") {
		t.Fatalf("output=%q", out)
	}

	buf.Reset()
	log, _ = NewLogger("info", &buf)
	log.Debug("hidden")
	log.Log(t.Context(), LevelTrace, "hidden too")
	if buf.Len() != 0 {
		t.Fatalf("info logger wrote %q", buf.String())
	}

	if _, err := NewLogger("loud", &buf); err == nil {
		t.Fatal("expected error for unknown level")
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"":      slog.LevelInfo,
		"INFO":  slog.LevelInfo,
		"debug": slog.LevelDebug,
		"trace": LevelTrace,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	}
	for name, want := range tests {
		got, err := ParseLevel(name)
		if err != nil || got != want {
			t.Fatalf("ParseLevel(%q)=%v,%v want %v", name, got, err, want)
		}
	}
}

func TestEventArchiveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	a := NewEventArchive(dir, 16)
	for i := range 5 {
		a.Publish(world.NewEvent(uint64(i), world.EventTrade, "mill", map[string]any{"quantity": i}))
	}
	if err := a.Close(); err != nil {
		t.Fatal(err)
	}

	files, err := filepath.Glob(filepath.Join(dir, "events-*.jsonl.zst"))
	if err != nil || len(files) == 0 {
		t.Fatalf("files=%v err=%v", files, err)
	}
	var got []world.Event
	for _, f := range files {
		evs, err := ReadArchive(f)
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, evs...)
	}
	if len(got) != 5 {
		t.Fatalf("archived %d events want 5", len(got))
	}
	for i, e := range got {
		if e.Tick != uint64(i) || e.Type != world.EventTrade {
			t.Fatalf("event %d=%+v", i, e)
		}
		if q, _ := e.PayloadInt("quantity"); q != int64(i) {
			t.Fatalf("event %d quantity=%d", i, q)
		}
	}
	if a.Dropped() != 0 {
		t.Fatalf("dropped=%d", a.Dropped())
	}
}
