// Package events moves world events from producers to the store and to
// live subscribers without ever blocking the producer.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/timeshift92/emperium-sub001/internal/world"
)

// Store is where events are persisted before anyone else sees them.
type Store interface {
	AppendEvent(ctx context.Context, e world.Event) error
}

// Publisher receives events after they are persisted. Publish must not block.
type Publisher interface {
	Publish(e world.Event)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(e world.Event)

func (f PublisherFunc) Publish(e world.Event) { f(e) }

// OverflowPolicy decides what a full queue gives up.
type OverflowPolicy string

const (
	// DropNewest rejects the incoming event.
	DropNewest OverflowPolicy = "drop_newest"
	// DropOldest evicts the oldest queued event to make room.
	DropOldest OverflowPolicy = "drop_oldest"
)

// Config tunes a Dispatcher.
type Config struct {
	BufferSize   int
	Overflow     OverflowPolicy
	MaxRetries   int           // extra persist attempts per event
	RetryBackoff time.Duration // doubled after each failed attempt
}

// Stats are the dispatcher's counters.
type Stats struct {
	Enqueued      uint64 `json:"enqueued"`
	Persisted     uint64 `json:"persisted"`
	Published     uint64 `json:"published"`
	Dropped       uint64 `json:"dropped"`
	Failed        uint64 `json:"failed"`
	QueueDepth    int    `json:"queue_depth"`
	QueueCapacity int    `json:"queue_capacity"`
}

// Dispatcher accepts events through a bounded queue and drains them in FIFO
// order on a single goroutine: persist first, then publish.
type Dispatcher struct {
	cfg        Config
	store      Store
	publishers []Publisher
	queue      chan world.Event

	stop       chan struct{} // closed by Close: drain and exit
	hard       context.Context
	hardCancel context.CancelFunc
	done       chan struct{}
	startOnce  sync.Once
	closeOnce  sync.Once
	closed     atomic.Bool

	enqueued  atomic.Uint64
	persisted atomic.Uint64
	published atomic.Uint64
	dropped   atomic.Uint64
	failed    atomic.Uint64
	lastWarn  atomic.Int64
}

// NewDispatcher creates a dispatcher. Call Start to begin draining.
func NewDispatcher(cfg Config, store Store, publishers ...Publisher) *Dispatcher {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1024
	}
	if cfg.Overflow == "" {
		cfg.Overflow = DropNewest
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 50 * time.Millisecond
	}
	hard, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		cfg:        cfg,
		store:      store,
		publishers: publishers,
		queue:      make(chan world.Event, cfg.BufferSize),
		stop:       make(chan struct{}),
		hard:       hard,
		hardCancel: cancel,
		done:       make(chan struct{}),
	}
}

// Enqueue offers an event without blocking and reports whether it was
// accepted. Under DropOldest the incoming event is accepted at the cost of
// the oldest queued one.
func (d *Dispatcher) Enqueue(e world.Event) bool {
	if d.closed.Load() {
		d.drop(e, "closed")
		return false
	}
	select {
	case d.queue <- e:
		d.enqueued.Add(1)
		return true
	default:
	}

	if d.cfg.Overflow != DropOldest {
		d.drop(e, "queue full")
		return false
	}
	select {
	case old := <-d.queue:
		d.drop(old, "evicted")
	default:
	}
	select {
	case d.queue <- e:
		d.enqueued.Add(1)
		return true
	default:
		d.drop(e, "queue full")
		return false
	}
}

func (d *Dispatcher) drop(e world.Event, reason string) {
	d.dropped.Add(1)
	// Rate-limit the warning; a full queue drops many events at once.
	now := time.Now().UnixNano()
	last := d.lastWarn.Load()
	if now-last >= int64(5*time.Second) && d.lastWarn.CompareAndSwap(last, now) {
		slog.Warn("event dropped", "type", e.Type, "tick", e.Tick, "reason", reason,
			"dropped_total", d.dropped.Load())
	}
}

// Start launches the drain goroutine. It is safe to call more than once.
func (d *Dispatcher) Start() {
	d.startOnce.Do(func() {
		go d.run()
	})
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for {
		select {
		case e := <-d.queue:
			d.deliver(e)
		case <-d.stop:
			for {
				select {
				case e := <-d.queue:
					d.deliver(e)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) deliver(e world.Event) {
	if !d.persist(e) {
		return
	}
	for _, p := range d.publishers {
		p.Publish(e)
	}
	d.published.Add(1)
}

func (d *Dispatcher) persist(e world.Event) bool {
	backoff := d.cfg.RetryBackoff
	for attempt := 0; ; attempt++ {
		err := d.store.AppendEvent(d.hard, e)
		if err == nil {
			d.persisted.Add(1)
			return true
		}
		if attempt >= d.cfg.MaxRetries || d.hard.Err() != nil {
			d.failed.Add(1)
			slog.Error("event persist failed", "id", e.ID, "type", e.Type, "attempts", attempt+1, "error", err)
			return false
		}
		slog.Debug("event persist retry", "id", e.ID, "attempt", attempt+1, "error", err)
		select {
		case <-time.After(backoff):
		case <-d.hard.Done():
		}
		backoff *= 2
	}
}

// Close stops accepting events and drains what is queued. If ctx ends first
// the drain is abandoned and the remaining events are lost.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.closeOnce.Do(func() {
		d.closed.Store(true)
		d.Start() // a never-started dispatcher still drains
		close(d.stop)
	})
	select {
	case <-d.done:
		d.hardCancel()
		return nil
	case <-ctx.Done():
		d.hardCancel()
		return fmt.Errorf("event drain abandoned with %d queued: %w", len(d.queue), ctx.Err())
	}
}

// Stats returns a snapshot of the counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Enqueued:      d.enqueued.Load(),
		Persisted:     d.persisted.Load(),
		Published:     d.published.Load(),
		Dropped:       d.dropped.Load(),
		Failed:        d.failed.Load(),
		QueueDepth:    len(d.queue),
		QueueCapacity: cap(d.queue),
	}
}
