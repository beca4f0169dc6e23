package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/timeshift92/emperium-sub001/internal/engine"
	"github.com/timeshift92/emperium-sub001/internal/llm"
	"github.com/timeshift92/emperium-sub001/internal/persistence"
	"github.com/timeshift92/emperium-sub001/internal/weather"
	"github.com/timeshift92/emperium-sub001/internal/world"
)

// WeatherAgent asks the generation router how the weather evolves, seeded
// with the previous weather and, when configured, a real observation.
type WeatherAgent struct {
	Every    uint64
	Observer *weather.Client
}

func (*WeatherAgent) Name() string { return NameWeather }

// Forecast is the generated weather.
type Forecast struct {
	Description string  `json:"description"`
	Temperature float64 `json:"temperature"`
	Wind        float64 `json:"wind"`
}

func (a *WeatherAgent) Tick(ctx context.Context, svc *engine.Services) error {
	tick := svc.Clock.Tick()
	if !due(tick, a.Every) {
		return nil
	}
	cal := world.CalendarAt(tick)

	var obs *weather.Conditions
	if a.Observer != nil {
		var err error
		if obs, err = a.Observer.Fetch(ctx); err != nil {
			slog.Debug("weather observation unavailable", "error", err)
		}
	}
	prev, _ := svc.Store.Meta(ctx, persistence.MetaWeather)

	f := Forecast{Description: weather.Describe(obs, cal.Season)}
	if obs != nil {
		f.Temperature, f.Wind = obs.Temp, obs.WindSpeed
	}
	source := "default"
	if svc.Router != nil {
		text, err := svc.Router.Send(ctx, llm.Tag(llm.RoleWeather, weatherPrompt(cal, prev, obs)))
		if err != nil {
			return fmt.Errorf("weather generation: %w", err)
		}
		if g, ok := parseForecast(text); ok {
			f, source = g, "generated"
		} else {
			slog.Debug("unusable weather generation", "text", text)
		}
	}

	if err := svc.Store.SetMeta(ctx, persistence.MetaWeather, f.Description); err != nil {
		return fmt.Errorf("persist weather: %w", err)
	}
	svc.Emit(world.EventWeather, "", map[string]any{
		"description": f.Description,
		"temperature": f.Temperature,
		"wind":        f.Wind,
		"season":      world.SeasonName(cal.Season),
		"source":      source,
		"observed":    obs != nil,
	})
	return nil
}

func weatherPrompt(cal world.Calendar, prev string, obs *weather.Conditions) string {
	var b strings.Builder
	fmt.Fprintf(&b, "It is %s.\n", cal)
	if prev != "" {
		fmt.Fprintf(&b, "The weather has been: %s\n", prev)
	}
	if obs != nil {
		fmt.Fprintf(&b, "A traveller reports: %s\n", weather.Describe(obs, cal.Season))
	}
	b.WriteString(`Describe the weather for the next hour. Respond ONLY with a JSON object:
{"description": "<a few words>", "temperature": <celsius>, "wind": <m/s>}`)
	return b.String()
}

func parseForecast(text string) (Forecast, bool) {
	obj := llm.ExtractJSON(text)
	if obj == "" {
		return Forecast{}, false
	}
	var f Forecast
	if err := json.Unmarshal([]byte(obj), &f); err != nil {
		return Forecast{}, false
	}
	f.Description = strings.TrimSpace(f.Description)
	return f, f.Description != ""
}
