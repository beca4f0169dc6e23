package agents

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/timeshift92/emperium-sub001/internal/engine"
	"github.com/timeshift92/emperium-sub001/internal/persistence"
	"github.com/timeshift92/emperium-sub001/internal/world"
)

// ClockAgent persists the tick so a restarted world resumes where it
// stopped, and announces day and season boundaries.
type ClockAgent struct{}

func (*ClockAgent) Name() string { return NameClock }

func (*ClockAgent) Tick(ctx context.Context, svc *engine.Services) error {
	tick := svc.Clock.Tick()
	cal := world.CalendarAt(tick)

	if err := svc.Store.SetMeta(ctx, persistence.MetaLastTick, strconv.FormatUint(tick, 10)); err != nil {
		return fmt.Errorf("persist tick: %w", err)
	}

	if tick%world.TicksPerSimDay == 0 {
		svc.Emit(world.EventDayStarted, "", map[string]any{
			"day":    cal.Day,
			"season": world.SeasonName(cal.Season),
			"year":   cal.Year,
			"time":   cal.String(),
		})
	}
	if tick%world.TicksPerSimSeason == 0 {
		name := world.SeasonName(cal.Season)
		if err := svc.Store.SetMeta(ctx, persistence.MetaSeason, name); err != nil {
			return fmt.Errorf("persist season: %w", err)
		}
		svc.Emit(world.EventSeasonChanged, "", map[string]any{"season": name, "year": cal.Year})
	}
	return nil
}

// RestoreTick reads the last persisted tick, or 0 for a fresh world.
func RestoreTick(ctx context.Context, store persistence.Store) (uint64, error) {
	v, err := store.Meta(ctx, persistence.MetaLastTick)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}
	tick, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s %q: %w", persistence.MetaLastTick, v, err)
	}
	return tick, nil
}
