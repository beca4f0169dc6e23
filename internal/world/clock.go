// Package world holds the simulation's domain records: the tick clock,
// events, characters, places and market records shared by every component.
package world

import (
	"errors"
	"fmt"
	"sync"
)

// Tick layout: one tick is one sim-minute.
const (
	TicksPerSimHour   = 60
	TicksPerSimDay    = 1440 // 24 hours × 60
	DaysPerSeason     = 90
	TicksPerSimSeason = TicksPerSimDay * DaysPerSeason
	TicksPerSimYear   = TicksPerSimSeason * 4
)

// Season constants.
const (
	SeasonSpring uint8 = iota
	SeasonSummer
	SeasonAutumn
	SeasonWinter
)

var (
	// ErrAlreadyAdvanced is returned when the clock is advanced twice for the same tick.
	ErrAlreadyAdvanced = errors.New("clock already advanced to this tick")
	// ErrClockRegression is returned when advancing would skip or rewind ticks.
	ErrClockRegression = errors.New("clock may only advance one tick at a time")
)

// SeasonName returns a human-readable season name.
func SeasonName(season uint8) string {
	switch season {
	case SeasonSpring:
		return "Spring"
	case SeasonSummer:
		return "Summer"
	case SeasonAutumn:
		return "Autumn"
	case SeasonWinter:
		return "Winter"
	default:
		return "Unknown"
	}
}

// Calendar is the derived view of a tick.
type Calendar struct {
	Tick   uint64 `json:"tick"`
	Minute int    `json:"minute"`
	Hour   int    `json:"hour"`
	Day    int    `json:"day"` // 1-based day within the season
	Season uint8  `json:"season"`
	Year   int    `json:"year"` // 1-based
}

// CalendarAt derives calendar fields from a tick number.
func CalendarAt(tick uint64) Calendar {
	totalHours := tick / 60
	totalDays := totalHours / 24
	seasons := totalDays / DaysPerSeason
	return Calendar{
		Tick:   tick,
		Minute: int(tick % 60),
		Hour:   int(totalHours % 24),
		Day:    int(totalDays%DaysPerSeason) + 1,
		Season: uint8(seasons % 4),
		Year:   int(seasons/4) + 1,
	}
}

// String renders the calendar as "Spring Day 1, 6:05 Year 1".
func (c Calendar) String() string {
	return fmt.Sprintf("%s Day %d, %d:%02d Year %d",
		SeasonName(c.Season), c.Day, c.Hour, c.Minute, c.Year)
}

// SimTime returns a human-readable simulation time string from a tick number.
func SimTime(tick uint64) string {
	return CalendarAt(tick).String()
}

// Clock is the world's single tick counter. Only the scheduler advances it;
// everything else reads it through Now or Tick.
type Clock struct {
	mu   sync.RWMutex
	tick uint64
}

// NewClock returns a clock positioned at tick, e.g. the last persisted tick.
func NewClock(tick uint64) *Clock {
	return &Clock{tick: tick}
}

// Tick returns the current tick.
func (c *Clock) Tick() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tick
}

// Now returns the calendar for the current tick.
func (c *Clock) Now() Calendar {
	return CalendarAt(c.Tick())
}

// Advance moves the clock to next, which must be exactly the current tick + 1.
func (c *Clock) Advance(next uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case next == c.tick:
		return fmt.Errorf("advance to %d: %w", next, ErrAlreadyAdvanced)
	case next != c.tick+1:
		return fmt.Errorf("advance from %d to %d: %w", c.tick, next, ErrClockRegression)
	}
	c.tick = next
	return nil
}
