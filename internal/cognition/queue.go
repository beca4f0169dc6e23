// Package cognition runs NPC generation requests off the tick loop. Requests
// are queued per character, sent through the router with a bounded number
// of reasks, sanitized, and always completed: either with a valid reply or
// with the fallback reply.
package cognition

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/timeshift92/emperium-sub001/internal/llm"
	"github.com/timeshift92/emperium-sub001/internal/persistence"
	"github.com/timeshift92/emperium-sub001/internal/sanitize"
	"github.com/timeshift92/emperium-sub001/internal/world"
)

var (
	ErrQueueFull = errors.New("cognition queue full")
	ErrClosed    = errors.New("cognition queue closed")
)

// FallbackReply is the reply recorded when no valid generation was obtained.
const FallbackReply = "no reply"

// completionTimeout bounds the store writes made after a cancelled request.
const completionTimeout = 5 * time.Second

// Sender delivers a role-tagged prompt and returns the generated text.
type Sender interface {
	Send(ctx context.Context, prompt string) (string, error)
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, prompt string) (string, error)

func (f SenderFunc) Send(ctx context.Context, prompt string) (string, error) { return f(ctx, prompt) }

// Emitter accepts events without blocking.
type Emitter interface {
	Enqueue(e world.Event) bool
}

// Clock is the read side of the world clock.
type Clock interface {
	Tick() uint64
	Now() world.Calendar
}

// Options tunes a Queue.
type Options struct {
	Workers   int // default 4
	QueueSize int // total capacity across workers, default 256
	// MaxReasks is how many extra attempts follow a malformed or empty
	// reply. Negative values mean 0.
	MaxReasks  int
	Sanitizer  *sanitize.Sanitizer
	OnComplete func(Outcome)
}

// DefaultOptions returns the defaults used by the run command.
func DefaultOptions() Options {
	return Options{Workers: 4, QueueSize: 256, MaxReasks: 2}
}

// Request is one queued generation for a character.
type Request struct {
	CharacterID string
	Role        string
	Attempt     int
	Submitted   time.Time

	ctx    context.Context
	cancel context.CancelFunc
	stop   func() bool
}

// Outcome describes how a request completed.
type Outcome struct {
	CharacterID    string
	Role           string
	Reply          string
	Action         string
	Delta          world.EssenceDelta
	Attempts       int
	ReaskCount     int
	SanitizedCount int
	Fallback       bool
	Cancelled      bool
	Duration       time.Duration
}

// Stats is a snapshot of queue counters.
type Stats struct {
	Submitted uint64 `json:"submitted"`
	Rejected  uint64 `json:"rejected"`
	Completed uint64 `json:"completed"`
	Fallbacks uint64 `json:"fallbacks"`
	Reasks    uint64 `json:"reasks"`
	Cancelled uint64 `json:"cancelled"`
	Queued    int    `json:"queued"`
	InFlight  int    `json:"in_flight"`
}

// Queue is the cognition queue.
type Queue struct {
	store  persistence.Store
	sender Sender
	events Emitter
	clock  Clock
	opts   Options

	base   context.Context
	cancel context.CancelFunc
	shards []chan *Request
	wg     sync.WaitGroup

	mu       sync.RWMutex
	closed   bool
	started  bool
	inflight map[string]int

	submitted, rejected, completed atomic.Uint64
	fallbacks, reasks, cancelled   atomic.Uint64
}

// NewQueue creates a queue. Call Start to launch its workers.
func NewQueue(store persistence.Store, sender Sender, events Emitter, clock Clock, opts Options) *Queue {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.MaxReasks < 0 {
		opts.MaxReasks = 0
	}
	if opts.Sanitizer == nil {
		opts.Sanitizer = sanitize.New(nil, 0)
	}
	per := max(opts.QueueSize/opts.Workers, 1)

	base, cancel := context.WithCancel(context.Background())
	q := &Queue{
		store:    store,
		sender:   sender,
		events:   events,
		clock:    clock,
		opts:     opts,
		base:     base,
		cancel:   cancel,
		shards:   make([]chan *Request, opts.Workers),
		inflight: map[string]int{},
	}
	for i := range q.shards {
		q.shards[i] = make(chan *Request, per)
	}
	return q
}

// Start launches the worker pool.
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started || q.closed {
		return
	}
	q.started = true
	for _, ch := range q.shards {
		q.wg.Add(1)
		go q.worker(ch)
	}
	slog.Info("cognition queue started", "workers", len(q.shards), "max_reasks", q.opts.MaxReasks)
}

func (q *Queue) shard(characterID string) chan *Request {
	h := fnv.New32a()
	h.Write([]byte(characterID))
	return q.shards[h.Sum32()%uint32(len(q.shards))]
}

// Submit queues a request and returns immediately. Requests for the same
// character complete in submission order. Cancelling ctx cancels the request
// at its next attempt boundary.
func (q *Queue) Submit(ctx context.Context, characterID, role string) error {
	if role == "" {
		role = llm.RoleNPC
	}
	reqCtx, cancel := context.WithCancel(q.base)
	req := &Request{
		CharacterID: characterID,
		Role:        role,
		Submitted:   time.Now(),
		ctx:         reqCtx,
		cancel:      cancel,
		stop:        context.AfterFunc(ctx, cancel),
	}
	// AfterFunc fires on its own goroutine; a dead ctx must cancel before a
	// worker can see the request.
	if ctx.Err() != nil {
		cancel()
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		req.release()
		return ErrClosed
	}
	select {
	case q.shard(characterID) <- req:
		q.inflight[characterID]++
		q.submitted.Add(1)
		return nil
	default:
		req.release()
		q.rejected.Add(1)
		return ErrQueueFull
	}
}

func (r *Request) release() {
	r.stop()
	r.cancel()
}

// InFlight reports whether the character has a queued or running request.
func (q *Queue) InFlight(characterID string) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.inflight[characterID] > 0
}

func (q *Queue) worker(ch chan *Request) {
	defer q.wg.Done()
	for req := range ch {
		out := q.process(req)
		req.release()

		q.mu.Lock()
		if q.inflight[req.CharacterID]--; q.inflight[req.CharacterID] <= 0 {
			delete(q.inflight, req.CharacterID)
		}
		q.mu.Unlock()

		if q.opts.OnComplete != nil {
			q.opts.OnComplete(out)
		}
	}
}

// process runs the bounded attempt loop and completes the request.
func (q *Queue) process(req *Request) Outcome {
	ctx := req.ctx
	out := Outcome{CharacterID: req.CharacterID, Role: req.Role, Fallback: true, Reply: FallbackReply}

	pc, err := gather(ctx, q.store, q.clock.Now(), req.CharacterID)
	if err != nil {
		if ctx.Err() != nil {
			out.Cancelled = true
		} else {
			slog.Warn("cognition context unavailable", "character", req.CharacterID, "error", err)
		}
		return q.complete(req, pc, out)
	}
	base := BuildPrompt(pc)
	prompt := base

	for req.Attempt = 0; req.Attempt <= q.opts.MaxReasks; req.Attempt++ {
		if ctx.Err() != nil {
			out.Cancelled = true
			break
		}
		out.Attempts++
		text, err := q.sender.Send(ctx, llm.Tag(req.Role, prompt))
		if err != nil {
			if ctx.Err() != nil {
				out.Cancelled = true
			} else {
				slog.Warn("cognition send failed", "character", req.CharacterID, "error", err)
			}
			break
		}

		res := ParseReply(text)
		if res.Kind == Valid {
			clean, n := q.opts.Sanitizer.Clean(res.Reply)
			out.SanitizedCount += n
			if clean == "" {
				res = Result{Kind: Empty}
			} else {
				res.Reply = clean
			}
		}
		if res.Kind == Valid {
			out.Reply = res.Reply
			out.Action = res.Action
			out.Delta = res.Delta
			out.Fallback = false
			break
		}
		slog.Debug("unusable generation", "character", req.CharacterID, "attempt", out.Attempts, "kind", res.Kind, "error", res.Err)
		prompt = reaskPrompt(base, res)
	}
	return q.complete(req, pc, out)
}

// complete applies the outcome to the NPC's essence and emits npc_reply.
// It runs on every path, including cancellation.
func (q *Queue) complete(req *Request, pc PromptContext, out Outcome) Outcome {
	out.ReaskCount = max(out.Attempts-1, 0)
	out.Duration = time.Since(req.Submitted)
	if out.Fallback {
		out.Delta = world.EssenceDelta{}
		if out.Action == "" {
			out.Action = "silent"
		}
	} else if out.Action == "" {
		out.Action = "talk"
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(req.ctx), completionTimeout)
	defer cancel()
	tick := q.clock.Tick()
	if pc.Character.ID != "" {
		q.saveEssence(ctx, req.CharacterID, out, tick)
	}

	payload := map[string]any{
		"character_id":    req.CharacterID,
		"name":            pc.Character.Name,
		"role":            req.Role,
		"reply":           out.Reply,
		"action":          out.Action,
		"reask_count":     out.ReaskCount,
		"sanitized_count": out.SanitizedCount,
		"fallback":        out.Fallback,
		"attempts":        out.Attempts,
	}
	if out.Cancelled {
		payload["cancelled"] = true
	}
	if q.events != nil {
		q.events.Enqueue(world.NewEvent(tick, world.EventNpcReply, pc.Character.LocationID, payload))
	}

	q.completed.Add(1)
	q.reasks.Add(uint64(out.ReaskCount))
	if out.Fallback {
		q.fallbacks.Add(1)
	}
	if out.Cancelled {
		q.cancelled.Add(1)
	}
	return out
}

// Close stops accepting requests and drains the queue. If ctx ends first,
// every queued and in-flight request is cancelled; those still complete
// with the fallback reply before Close returns.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	started := q.started
	for _, ch := range q.shards {
		close(ch)
	}
	q.mu.Unlock()

	if !started {
		// Queued requests still complete, as cancelled.
		q.cancel()
		for _, ch := range q.shards {
			q.wg.Add(1)
			go q.worker(ch)
		}
		q.wg.Wait()
		return nil
	}

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		q.cancel()
		return nil
	case <-ctx.Done():
		q.cancel()
		<-done
		return fmt.Errorf("cognition drain: %w", ctx.Err())
	}
}

// Stats returns a snapshot of queue counters.
func (q *Queue) Stats() Stats {
	s := Stats{
		Submitted: q.submitted.Load(),
		Rejected:  q.rejected.Load(),
		Completed: q.completed.Load(),
		Fallbacks: q.fallbacks.Load(),
		Reasks:    q.reasks.Load(),
		Cancelled: q.cancelled.Load(),
	}
	q.mu.RLock()
	for _, ch := range q.shards {
		s.Queued += len(ch)
	}
	for _, n := range q.inflight {
		s.InFlight += n
	}
	q.mu.RUnlock()
	return s
}

func (q *Queue) saveEssence(ctx context.Context, characterID string, out Outcome, tick uint64) {
	err := q.store.RunInTx(ctx, func(ctx context.Context) error {
		ess, err := q.store.Essence(ctx, characterID)
		if errors.Is(err, persistence.ErrNotFound) {
			ess = world.NewEssence(characterID)
		} else if err != nil {
			return err
		}
		ess.Apply(out.Delta)
		ess.LastAction = out.Action
		ess.UpdatedTick = tick
		return q.store.SaveEssence(ctx, ess)
	})
	if err != nil {
		slog.Warn("cognition essence update failed", "character", characterID, "error", err)
	}
}
