package world

import (
	"errors"
	"testing"
)

func TestCalendarAt(t *testing.T) {
	tests := []struct {
		tick uint64
		want string
	}{
		{0, "Spring Day 1, 0:00 Year 1"},
		{61, "Spring Day 1, 1:01 Year 1"},
		{TicksPerSimDay, "Spring Day 2, 0:00 Year 1"},
		{TicksPerSimSeason, "Summer Day 1, 0:00 Year 1"},
		{TicksPerSimYear + 3*TicksPerSimSeason + 23*60 + 59, "Winter Day 1, 23:59 Year 2"},
	}
	for _, tt := range tests {
		if got := SimTime(tt.tick); got != tt.want {
			t.Errorf("SimTime(%d)=%q want=%q", tt.tick, got, tt.want)
		}
	}
}

func TestClockAdvance(t *testing.T) {
	c := NewClock(10)
	if err := c.Advance(11); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if err := c.Advance(11); !errors.Is(err, ErrAlreadyAdvanced) {
		t.Fatalf("second advance err=%v want ErrAlreadyAdvanced", err)
	}
	if err := c.Advance(13); !errors.Is(err, ErrClockRegression) {
		t.Fatalf("skip err=%v want ErrClockRegression", err)
	}
	if err := c.Advance(5); !errors.Is(err, ErrClockRegression) {
		t.Fatalf("rewind err=%v want ErrClockRegression", err)
	}
	if c.Tick() != 11 {
		t.Fatalf("tick=%d want=11", c.Tick())
	}
}

func TestEssenceApplyClamps(t *testing.T) {
	e := NewEssence("c1")
	e.Apply(EssenceDelta{Mood: -3, Energy: 5, Motivation: -5})
	if e.Mood != -1 || e.Energy != 1 || e.Motivation != 0 {
		t.Fatalf("essence=%+v not clamped", e)
	}
}

func TestPayloadAccessors(t *testing.T) {
	e := NewEvent(1, EventTrade, "loc", map[string]any{"qty": float64(3), "item": "grain", "ok": true})
	if n, ok := e.PayloadInt("qty"); !ok || n != 3 {
		t.Fatalf("qty=%d ok=%v", n, ok)
	}
	if _, ok := e.PayloadInt("missing"); ok {
		t.Fatal("missing field reported present")
	}
	if e.PayloadString("item") != "grain" || e.PayloadString("qty") != "" {
		t.Fatal("string accessor mismatch")
	}
	if !e.PayloadBool("ok") {
		t.Fatal("bool accessor mismatch")
	}
}
