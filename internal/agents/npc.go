package agents

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/timeshift92/emperium-sub001/internal/cognition"
	"github.com/timeshift92/emperium-sub001/internal/engine"
	"github.com/timeshift92/emperium-sub001/internal/llm"
	"github.com/timeshift92/emperium-sub001/internal/world"
)

// exhaustedBelow is the energy under which an NPC stays silent.
const exhaustedBelow = 0.1

// NPCAgent hands living characters to the cognition queue in round-robin
// order, a few per round, and never waits for their replies.
type NPCAgent struct {
	Batch int
	Every uint64

	cursor string // id of the last character submitted
}

func (*NPCAgent) Name() string { return NameNPC }

func (a *NPCAgent) Tick(ctx context.Context, svc *engine.Services) error {
	if svc.Cognition == nil || !due(svc.Clock.Tick(), a.Every) {
		return nil
	}
	chars, err := svc.Store.Characters(ctx)
	if err != nil {
		return fmt.Errorf("list characters: %w", err)
	}
	chars = slices.DeleteFunc(chars, func(c world.Character) bool { return !c.Alive })
	if len(chars) == 0 {
		return nil
	}
	slices.SortFunc(chars, func(x, y world.Character) int { return strings.Compare(x.ID, y.ID) })

	start, _ := slices.BinarySearchFunc(chars, a.cursor, func(c world.Character, id string) int { return strings.Compare(c.ID, id) })
	if start < len(chars) && chars[start].ID == a.cursor {
		start++
	}

	submitted := 0
	for i := 0; i < len(chars) && submitted < a.Batch; i++ {
		c := chars[(start+i)%len(chars)]
		if svc.Cognition.InFlight(c.ID) {
			continue
		}
		if ess, err := svc.Store.Essence(ctx, c.ID); err == nil && ess.Energy < exhaustedBelow {
			continue
		}
		err := svc.Cognition.Submit(ctx, c.ID, llm.RoleNPC)
		switch {
		case errors.Is(err, cognition.ErrQueueFull):
			slog.Debug("cognition queue full, deferring NPCs", "tick", svc.Clock.Tick())
			return nil
		case errors.Is(err, cognition.ErrClosed):
			return nil
		case err != nil:
			return fmt.Errorf("submit %s: %w", c.ID, err)
		}
		a.cursor = c.ID
		submitted++
	}
	return nil
}
