package engine

import (
	"context"

	"github.com/timeshift92/emperium-sub001/internal/economy"
	"github.com/timeshift92/emperium-sub001/internal/persistence"
	"github.com/timeshift92/emperium-sub001/internal/world"
)

// Emitter accepts events without blocking.
type Emitter interface {
	Enqueue(e world.Event) bool
}

// Cognition is the agent-facing side of the cognition queue.
type Cognition interface {
	Submit(ctx context.Context, characterID, role string) error
	InFlight(characterID string) bool
}

// Generator sends a role-tagged prompt to a generation backend.
type Generator interface {
	Send(ctx context.Context, prompt string) (string, error)
}

// Services is everything an agent may touch during its tick. Agents share
// state only through Store; Clock is read-only to them.
type Services struct {
	Store     persistence.Store
	Events    Emitter
	Market    *economy.Market
	Cognition Cognition
	Router    Generator
	Clock     *world.Clock
}

// Emit enqueues an event stamped with the current tick. It reports false
// when the dispatcher dropped it.
func (s *Services) Emit(typ, location string, payload map[string]any) bool {
	if s.Events == nil {
		return false
	}
	return s.Events.Enqueue(world.NewEvent(s.Clock.Tick(), typ, location, payload))
}
