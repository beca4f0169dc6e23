// Package agents holds the closed set of simulation agents. Each agent owns
// one concern (time keeping, essence upkeep, market clearing, trading, NPC
// speech, weather) and touches the world only through engine.Services.
package agents

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/timeshift92/emperium-sub001/internal/engine"
	"github.com/timeshift92/emperium-sub001/internal/weather"
	"github.com/timeshift92/emperium-sub001/internal/world"
)

// ErrUnknownAgent is returned by Build for names outside the registry.
var ErrUnknownAgent = errors.New("unknown agent")

// Agent names.
const (
	NameClock   = "clock"
	NameEssence = "essence"
	NameMarket  = "market"
	NameNPC     = "npc"
	NameTrader  = "trader"
	NameWeather = "weather"
)

// Options tunes the agents Build creates. Zero fields take defaults.
type Options struct {
	NpcBatch     int    // characters submitted per NPC round, default 2
	NpcEvery     uint64 // ticks between NPC rounds, default 10
	TraderEvery  uint64 // ticks between trading rounds, default 60
	EssenceEvery uint64 // default one sim-hour
	WeatherEvery uint64 // default one sim-hour
	// OrderTTL is the wall-clock life of trader orders, default 2 minutes.
	OrderTTL time.Duration
	// Weather supplies real observations; nil uses seasonal defaults.
	Weather *weather.Client
}

func (o Options) withDefaults() Options {
	if o.NpcBatch <= 0 {
		o.NpcBatch = 2
	}
	if o.NpcEvery == 0 {
		o.NpcEvery = 10
	}
	if o.TraderEvery == 0 {
		o.TraderEvery = world.TicksPerSimHour
	}
	if o.EssenceEvery == 0 {
		o.EssenceEvery = world.TicksPerSimHour
	}
	if o.WeatherEvery == 0 {
		o.WeatherEvery = world.TicksPerSimHour
	}
	if o.OrderTTL <= 0 {
		o.OrderTTL = 2 * time.Minute
	}
	return o
}

var constructors = map[string]func(Options) engine.Agent{
	NameClock:   func(Options) engine.Agent { return &ClockAgent{} },
	NameEssence: func(o Options) engine.Agent { return &EssenceAgent{Every: o.EssenceEvery} },
	NameMarket:  func(Options) engine.Agent { return &MarketAgent{} },
	NameNPC:     func(o Options) engine.Agent { return &NPCAgent{Batch: o.NpcBatch, Every: o.NpcEvery} },
	NameTrader:  func(o Options) engine.Agent { return &TraderAgent{Every: o.TraderEvery, TTL: o.OrderTTL} },
	NameWeather: func(o Options) engine.Agent { return &WeatherAgent{Every: o.WeatherEvery, Observer: o.Weather} },
}

// Names lists every registered agent.
func Names() []string {
	names := make([]string, 0, len(constructors))
	for n := range constructors {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// Build creates the named agents. An empty list builds all of them.
func Build(names []string, opts Options) ([]engine.Agent, error) {
	if len(names) == 0 {
		names = Names()
	}
	opts = opts.withDefaults()
	out := make([]engine.Agent, 0, len(names))
	for _, n := range names {
		ctor, ok := constructors[n]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownAgent, n)
		}
		out = append(out, ctor(opts))
	}
	return out, nil
}

// due reports whether an agent with the given period runs on tick.
func due(tick, every uint64) bool {
	return every <= 1 || tick%every == 0
}
