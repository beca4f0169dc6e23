package main

import (
	"bytes"
	"context"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/timeshift92/emperium-sub001/internal/config"
	"github.com/timeshift92/emperium-sub001/internal/persistence"
	"github.com/timeshift92/emperium-sub001/internal/world"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Store.Path = filepath.Join(t.TempDir(), "world.db")
	cfg.API.Addr = ""
	return cfg
}

func TestSeedDemoWorldOnce(t *testing.T) {
	ctx := context.Background()
	store := persistence.NewMemoryStore()

	n, err := seedDemoWorld(ctx, store, 7)
	if err != nil || n != len(demoResidents) {
		t.Fatalf("seeded %d err=%v", n, err)
	}
	if n, err := seedDemoWorld(ctx, store, 7); err != nil || n != 0 {
		t.Fatalf("reseed created %d err=%v", n, err)
	}
	chars, _ := store.Characters(ctx)
	if len(chars) != len(demoResidents) {
		t.Fatalf("characters=%d", len(chars))
	}
	grain, _ := store.Inventory(ctx, "asel", "grain")
	if grain != 14 {
		t.Fatalf("asel grain=%d", grain)
	}
}

func TestBatchRunResumes(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	if err := run(ctx, cfg, true, world.TicksPerSimHour+1); err != nil {
		t.Fatal(err)
	}

	rt, err := assemble(ctx, cfg, true)
	if err != nil {
		t.Fatal(err)
	}
	defer rt.shutdown()
	if got := rt.sched.CurrentTick(); got != world.TicksPerSimHour+1 {
		t.Fatalf("resumed at tick %d", got)
	}
	weather, err := rt.store.RecentEvents(ctx, world.EventWeather, 10)
	if err != nil || len(weather) == 0 {
		t.Fatalf("weather events=%d err=%v", len(weather), err)
	}
	replies, err := rt.store.RecentEvents(ctx, world.EventNpcReply, 10)
	if err != nil || len(replies) == 0 {
		t.Fatalf("npc replies=%d err=%v", len(replies), err)
	}
}

func TestFilterTail(t *testing.T) {
	evs := []world.Event{
		{Tick: 1, Type: world.EventTrade},
		{Tick: 2, Type: world.EventWeather},
		{Tick: 3, Type: world.EventTrade},
		{Tick: 4, Type: world.EventTrade},
	}
	got := filterTail(slices.Clone(evs), world.EventTrade, 2)
	if len(got) != 2 || got[0].Tick != 3 || got[1].Tick != 4 {
		t.Fatalf("got=%v", got)
	}
	if got := filterTail(slices.Clone(evs), "", 0); len(got) != 4 {
		t.Fatalf("unfiltered=%d", len(got))
	}
}

func TestPrintEvents(t *testing.T) {
	var buf bytes.Buffer
	err := printEvents(&buf, []world.Event{{Tick: 61, Type: world.EventWeather, Payload: map[string]any{"description": "fog"}}}, false)
	if err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	if !strings.Contains(out, "weather") || !strings.Contains(out, `"description":"fog"`) {
		t.Fatalf("output=%q", out)
	}

	buf.Reset()
	printEvents(&buf, nil, false)
	if strings.TrimSpace(buf.String()) != "no events" {
		t.Fatalf("empty output=%q", buf.String())
	}
}
