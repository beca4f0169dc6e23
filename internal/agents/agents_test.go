package agents

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/timeshift92/emperium-sub001/internal/cognition"
	"github.com/timeshift92/emperium-sub001/internal/economy"
	"github.com/timeshift92/emperium-sub001/internal/engine"
	"github.com/timeshift92/emperium-sub001/internal/llm"
	"github.com/timeshift92/emperium-sub001/internal/persistence"
	"github.com/timeshift92/emperium-sub001/internal/world"
)

type recorder struct {
	mu     sync.Mutex
	events []world.Event
}

func (r *recorder) Enqueue(e world.Event) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return true
}

func (r *recorder) ofType(typ string) []world.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []world.Event
	for _, e := range r.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

// fakeCognition records submissions and reports chosen characters as busy.
type fakeCognition struct {
	submitted []string
	busy      map[string]bool
	err       error
}

func (f *fakeCognition) Submit(ctx context.Context, characterID, role string) error {
	if f.err != nil {
		return f.err
	}
	f.submitted = append(f.submitted, characterID)
	return nil
}

func (f *fakeCognition) InFlight(characterID string) bool { return f.busy[characterID] }

func newServices(t *testing.T, tick uint64) (*engine.Services, *recorder) {
	t.Helper()
	rec := &recorder{}
	store := persistence.NewMemoryStore()
	market := economy.NewMarket(store, rec)
	return &engine.Services{
		Store:  store,
		Events: rec,
		Market: market,
		Clock:  world.NewClock(tick),
	}, rec
}

func seed(t *testing.T, svc *engine.Services, chars ...world.Character) {
	t.Helper()
	for _, c := range chars {
		if err := svc.Store.SaveCharacter(context.Background(), c); err != nil {
			t.Fatal(err)
		}
	}
}

func TestBuild(t *testing.T) {
	all, err := Build(nil, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != len(Names()) {
		t.Fatalf("built %d agents, registry has %d", len(all), len(Names()))
	}
	if _, err := Build([]string{"clock", "astrologer"}, Options{}); !errors.Is(err, ErrUnknownAgent) {
		t.Fatalf("err=%v want ErrUnknownAgent", err)
	}
	if _, err := engine.NewScheduler(&engine.Services{Clock: world.NewClock(0)}, all...); err != nil {
		t.Fatalf("registry agents rejected by scheduler: %v", err)
	}
}

func TestClockAgent(t *testing.T) {
	svc, rec := newServices(t, world.TicksPerSimSeason)
	if err := (&ClockAgent{}).Tick(context.Background(), svc); err != nil {
		t.Fatal(err)
	}
	if len(rec.ofType(world.EventDayStarted)) != 1 {
		t.Fatal("no day_started event at a day boundary")
	}
	sc := rec.ofType(world.EventSeasonChanged)
	if len(sc) != 1 || sc[0].PayloadString("season") != "Summer" {
		t.Fatalf("season events=%v", sc)
	}
	tick, err := RestoreTick(context.Background(), svc.Store)
	if err != nil || tick != world.TicksPerSimSeason {
		t.Fatalf("restored tick=%d err=%v", tick, err)
	}

	fresh, _ := newServices(t, 0)
	if tick, err := RestoreTick(context.Background(), fresh.Store); err != nil || tick != 0 {
		t.Fatalf("fresh tick=%d err=%v", tick, err)
	}
}

func TestDecay(t *testing.T) {
	tests := []struct {
		name           string
		balance        int64
		inv            map[string]int64
		night          bool
		wantEnergyUp   bool
		wantMoodUp     bool
		wantMotivation func(float64) bool
	}{
		{"fed and solvent by day", 100, map[string]int64{economy.ItemGrain: 5}, false, false, true, func(m float64) bool { return m > 0.6 }},
		{"hungry and poor at night", 0, nil, true, true, false, func(m float64) bool { return m < 0.6 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ess := world.NewEssence("c1")
			before := ess
			Decay(&ess, world.Character{ID: "c1", Balance: tt.balance}, tt.inv, tt.night)
			if (ess.Energy > before.Energy) != tt.wantEnergyUp {
				t.Fatalf("energy %v -> %v", before.Energy, ess.Energy)
			}
			if (ess.Mood > before.Mood) != tt.wantMoodUp {
				t.Fatalf("mood %v -> %v", before.Mood, ess.Mood)
			}
			if !tt.wantMotivation(ess.Motivation) {
				t.Fatalf("motivation %v", ess.Motivation)
			}
		})
	}
}

func TestEssenceAgentCreatesAndUpdates(t *testing.T) {
	svc, _ := newServices(t, world.TicksPerSimHour*12) // noon
	seed(t, svc,
		world.Character{ID: "a", Alive: true, Balance: 50},
		world.Character{ID: "dead", Alive: false},
	)
	if err := (&EssenceAgent{Every: world.TicksPerSimHour}).Tick(context.Background(), svc); err != nil {
		t.Fatal(err)
	}
	ess, err := svc.Store.Essence(context.Background(), "a")
	if err != nil {
		t.Fatal(err)
	}
	if ess.Energy >= world.NewEssence("a").Energy || ess.UpdatedTick != world.TicksPerSimHour*12 {
		t.Fatalf("essence=%+v", ess)
	}
	if _, err := svc.Store.Essence(context.Background(), "dead"); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("dead character got an essence: %v", err)
	}
}

func TestTraderAgentTrades(t *testing.T) {
	ctx := context.Background()
	svc, rec := newServices(t, world.TicksPerSimHour)
	seed(t, svc,
		world.Character{ID: "buyer", LocationID: "mill", Occupation: "miller", Balance: 50, Alive: true},
		world.Character{ID: "farmer", LocationID: "mill", Occupation: "farmer", Balance: 0, Alive: true},
	)
	if _, err := svc.Store.AdjustInventory(ctx, "farmer", economy.ItemGrain, 10); err != nil {
		t.Fatal(err)
	}

	trader := &TraderAgent{Every: world.TicksPerSimHour, TTL: time.Minute}
	if err := trader.Tick(ctx, svc); err != nil {
		t.Fatal(err)
	}

	trades := rec.ofType(world.EventTrade)
	if len(trades) != 1 {
		t.Fatalf("trades=%d want 1", len(trades))
	}
	price := economy.FairPrice(world.SeasonSpring, economy.ItemGrain)
	if q, _ := trades[0].PayloadInt("quantity"); q != 3 {
		t.Fatalf("trade quantity=%d", q)
	}
	if got, _ := svc.Store.Inventory(ctx, "buyer", economy.ItemGrain); got != 3 {
		t.Fatalf("buyer grain=%d", got)
	}
	farmer, _ := svc.Store.Character(ctx, "farmer")
	if farmer.Balance != 3*price {
		t.Fatalf("farmer balance=%d want %d", farmer.Balance, 3*price)
	}

	// A second round must not stack orders on the same slots.
	before, _ := svc.Store.OrdersByOwner(ctx, "farmer")
	if err := trader.Tick(ctx, svc); err != nil {
		t.Fatal(err)
	}
	after, _ := svc.Store.OrdersByOwner(ctx, "farmer")
	if len(after) != len(before) {
		t.Fatalf("farmer orders %d -> %d", len(before), len(after))
	}
}

func TestDemand(t *testing.T) {
	wants := Demand("smith", map[string]int64{economy.ItemGrain: 1, economy.ItemTools: 1})
	if len(wants) != 2 || wants[0] != (Want{economy.ItemGrain, 2}) || wants[1] != (Want{economy.ItemIronOre, 2}) {
		t.Fatalf("wants=%v", wants)
	}
	if got := keepThreshold("farmer", economy.ItemFish); got != 5 {
		t.Fatalf("farmer keeps %d fish", got)
	}
}

func TestMarketAgentExpires(t *testing.T) {
	ctx := context.Background()
	svc, rec := newServices(t, 1)
	seed(t, svc, world.Character{ID: "s", LocationID: "mill", Alive: true})
	svc.Store.AdjustInventory(ctx, "s", economy.ItemFish, 4)
	if _, err := svc.Market.Place(ctx, economy.PlaceRequest{
		Owner: "s", Side: world.Sell, Item: economy.ItemFish, Location: "mill", Price: 3, Quantity: 4, TTL: time.Minute,
	}); err != nil {
		t.Fatal(err)
	}
	svc.Market.Now = func() time.Time { return time.Now().Add(time.Hour) }

	if err := (&MarketAgent{}).Tick(ctx, svc); err != nil {
		t.Fatal(err)
	}
	if len(rec.ofType(world.EventOrderExpired)) != 1 {
		t.Fatal("order not expired")
	}
	if got, _ := svc.Store.Inventory(ctx, "s", economy.ItemFish); got != 4 {
		t.Fatalf("fish=%d want 4 after release", got)
	}
}

func TestNPCAgentRoundRobin(t *testing.T) {
	ctx := context.Background()
	svc, _ := newServices(t, 10)
	cog := &fakeCognition{busy: map[string]bool{}}
	svc.Cognition = cog
	seed(t, svc,
		world.Character{ID: "c1", Alive: true},
		world.Character{ID: "c2", Alive: true},
		world.Character{ID: "c3", Alive: true},
		world.Character{ID: "c4", Alive: false},
	)
	tired := world.NewEssence("c3")
	tired.Energy = 0.05
	svc.Store.SaveEssence(ctx, tired)

	npc := &NPCAgent{Batch: 2, Every: 1}
	npc.Tick(ctx, svc)
	cog.busy["c1"] = true
	npc.Tick(ctx, svc)

	want := []string{"c1", "c2", "c2"}
	if len(cog.submitted) != len(want) {
		t.Fatalf("submitted=%v want %v", cog.submitted, want)
	}
	for i := range want {
		if cog.submitted[i] != want[i] {
			t.Fatalf("submitted=%v want %v", cog.submitted, want)
		}
	}

	cog.err = cognition.ErrQueueFull
	if err := npc.Tick(ctx, svc); err != nil {
		t.Fatalf("queue full should not fail the agent: %v", err)
	}
}

func TestWeatherAgent(t *testing.T) {
	ctx := context.Background()

	svc, rec := newServices(t, world.TicksPerSimHour)
	svc.Router = llm.NewRouter(nil, nil, llm.Route{}, llm.NewMockGenerator(3))
	if err := (&WeatherAgent{Every: world.TicksPerSimHour}).Tick(ctx, svc); err != nil {
		t.Fatal(err)
	}
	ev := rec.ofType(world.EventWeather)
	if len(ev) != 1 || ev[0].PayloadString("source") != "generated" {
		t.Fatalf("events=%v", ev)
	}
	if w, err := svc.Store.Meta(ctx, persistence.MetaWeather); err != nil || w != ev[0].PayloadString("description") {
		t.Fatalf("meta weather=%q err=%v", w, err)
	}

	svc, rec = newServices(t, world.TicksPerSimHour)
	svc.Router = engineGenerator(func(ctx context.Context, prompt string) (string, error) { return "sunny-ish?", nil })
	if err := (&WeatherAgent{Every: world.TicksPerSimHour}).Tick(ctx, svc); err != nil {
		t.Fatal(err)
	}
	ev = rec.ofType(world.EventWeather)
	if len(ev) != 1 || ev[0].PayloadString("description") != "mild spring weather" || ev[0].PayloadString("source") != "default" {
		t.Fatalf("events=%v", ev)
	}
}

type engineGenerator func(ctx context.Context, prompt string) (string, error)

func (g engineGenerator) Send(ctx context.Context, prompt string) (string, error) { return g(ctx, prompt) }
