package agents

import (
	"context"
	"errors"
	"fmt"

	"github.com/timeshift92/emperium-sub001/internal/economy"
	"github.com/timeshift92/emperium-sub001/internal/engine"
	"github.com/timeshift92/emperium-sub001/internal/persistence"
	"github.com/timeshift92/emperium-sub001/internal/world"
)

// Essence upkeep rates per run (one sim-hour by default).
const (
	energyDrain   = 0.02 // waking hours
	energyRestore = 0.08 // night
	driftRate     = 0.05 // share of the gap to the target closed per run
	hungryBelow   = 3    // food units
)

// EssenceAgent drains energy by day, restores it at night, and drifts mood
// and motivation toward targets set by the character's circumstances.
type EssenceAgent struct {
	Every uint64
}

func (*EssenceAgent) Name() string { return NameEssence }

func (a *EssenceAgent) Tick(ctx context.Context, svc *engine.Services) error {
	tick := svc.Clock.Tick()
	if !due(tick, a.Every) {
		return nil
	}
	night := isNight(world.CalendarAt(tick).Hour)

	chars, err := svc.Store.Characters(ctx)
	if err != nil {
		return fmt.Errorf("list characters: %w", err)
	}
	return svc.Store.RunInTx(ctx, func(ctx context.Context) error {
		for _, c := range chars {
			if !c.Alive {
				continue
			}
			ess, err := svc.Store.Essence(ctx, c.ID)
			if errors.Is(err, persistence.ErrNotFound) {
				ess = world.NewEssence(c.ID)
			} else if err != nil {
				return err
			}
			inv, err := svc.Store.Inventories(ctx, c.ID)
			if err != nil {
				return err
			}
			Decay(&ess, c, inv, night)
			ess.UpdatedTick = tick
			if err := svc.Store.SaveEssence(ctx, ess); err != nil {
				return fmt.Errorf("save essence %s: %w", c.ID, err)
			}
		}
		return nil
	})
}

func isNight(hour int) bool { return hour >= 22 || hour < 6 }

// Decay applies one upkeep step to an essence.
func Decay(ess *world.NpcEssence, c world.Character, inv map[string]int64, night bool) {
	var d world.EssenceDelta
	if night {
		d.Energy = energyRestore
	} else {
		d.Energy = -energyDrain
	}

	food := inv[economy.ItemGrain] + inv[economy.ItemFish]
	fed := food >= hungryBelow
	solvent := c.Balance >= 20

	// Mood target maps circumstances onto -1..1.
	moodTarget := -0.6
	switch {
	case fed && solvent:
		moodTarget = 0.4
	case fed || solvent:
		moodTarget = 0
	}
	d.Mood = (moodTarget - ess.Mood) * driftRate

	motivationTarget := 0.7
	if !fed {
		motivationTarget = 0.3
	}
	d.Motivation = (motivationTarget - ess.Motivation) * driftRate

	ess.Apply(d)
}
