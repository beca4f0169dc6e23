package logging

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/timeshift92/emperium-sub001/internal/world"
)

// EventArchive writes every published event as one JSON line into hourly
// zstd-compressed files named events-YYYY-MM-DD-HH.jsonl.zst. Publish hands
// events to a background writer and drops them when it falls behind.
type EventArchive struct {
	dir string
	now func() time.Time

	ch      chan world.Event
	done    chan struct{}
	once    sync.Once
	dropped atomic.Uint64

	// owned by the writer goroutine
	curHour string
	f       *os.File
	enc     *zstd.Encoder
	w       *bufio.Writer
}

// NewEventArchive starts an archive rooted at dir.
func NewEventArchive(dir string, buffer int) *EventArchive {
	if buffer <= 0 {
		buffer = 1024
	}
	a := &EventArchive{
		dir:  dir,
		now:  time.Now,
		ch:   make(chan world.Event, buffer),
		done: make(chan struct{}),
	}
	go a.run()
	return a
}

// Publish implements events.Publisher.
func (a *EventArchive) Publish(e world.Event) {
	select {
	case a.ch <- e:
	default:
		a.dropped.Add(1)
	}
}

// Dropped counts events the archive could not keep up with.
func (a *EventArchive) Dropped() uint64 { return a.dropped.Load() }

// Close flushes pending events and closes the current file. Publish must
// not be called after Close.
func (a *EventArchive) Close() error {
	a.once.Do(func() { close(a.ch) })
	<-a.done
	return a.closeFile()
}

func (a *EventArchive) run() {
	defer close(a.done)
	for e := range a.ch {
		if err := a.write(e); err != nil {
			slog.Warn("event archive write failed", "event", e.ID, "error", err)
		}
		if len(a.ch) == 0 && a.w != nil {
			if err := a.w.Flush(); err != nil {
				slog.Warn("event archive flush failed", "error", err)
			}
		}
	}
}

func (a *EventArchive) write(e world.Event) error {
	hour := a.now().UTC().Format("2006-01-02-15")
	if hour != a.curHour {
		if err := a.rotate(hour); err != nil {
			return err
		}
	}
	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := a.w.Write(b); err != nil {
		return err
	}
	return a.w.WriteByte('\n')
}

func (a *EventArchive) rotate(hour string) error {
	if err := a.closeFile(); err != nil {
		return err
	}
	if err := os.MkdirAll(a.dir, 0o755); err != nil {
		return fmt.Errorf("create archive dir: %w", err)
	}
	f, err := os.OpenFile(a.pathForHour(hour), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("zstd writer: %w", err)
	}
	a.f, a.enc = f, enc
	a.w = bufio.NewWriterSize(enc, 64*1024)
	a.curHour = hour
	return nil
}

func (a *EventArchive) closeFile() error {
	var err error
	if a.w != nil {
		err = a.w.Flush()
		a.w = nil
	}
	if a.enc != nil {
		if cerr := a.enc.Close(); err == nil {
			err = cerr
		}
		a.enc = nil
	}
	if a.f != nil {
		_ = a.f.Close()
		a.f = nil
	}
	a.curHour = ""
	return err
}

func (a *EventArchive) pathForHour(hour string) string {
	return filepath.Join(a.dir, fmt.Sprintf("events-%s.jsonl.zst", hour))
}

// ReadArchive decodes every event in one archive file.
func ReadArchive(path string) ([]world.Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("zstd reader: %w", err)
	}
	defer dec.Close()

	var out []world.Event
	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var e world.Event
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return out, fmt.Errorf("decode line: %w", err)
		}
		out = append(out, e)
	}
	return out, sc.Err()
}
