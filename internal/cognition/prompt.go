package cognition

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/timeshift92/emperium-sub001/internal/persistence"
	"github.com/timeshift92/emperium-sub001/internal/world"
)

// PromptContext is the situational data an NPC prompt is built from.
type PromptContext struct {
	Character world.Character
	Essence   world.NpcEssence
	Location  string
	Time      world.Calendar
	Weather   string
	Recent    []string // short descriptions, newest first
}

// maxRecent bounds how many recent events reach a prompt.
const maxRecent = 5

// gather loads the prompt context for a character from the store.
func gather(ctx context.Context, store persistence.Store, now world.Calendar, characterID string) (PromptContext, error) {
	c, err := store.Character(ctx, characterID)
	if err != nil {
		return PromptContext{}, fmt.Errorf("load character %s: %w", characterID, err)
	}
	pc := PromptContext{Character: c, Location: c.LocationID, Time: now}

	pc.Essence, err = store.Essence(ctx, characterID)
	if errors.Is(err, persistence.ErrNotFound) {
		pc.Essence = world.NewEssence(characterID)
	} else if err != nil {
		return PromptContext{}, fmt.Errorf("load essence %s: %w", characterID, err)
	}

	if loc, err := store.Location(ctx, c.LocationID); err == nil {
		pc.Location = loc.Name
	}
	if w, err := store.Meta(ctx, persistence.MetaWeather); err == nil {
		pc.Weather = w
	}

	recent, err := store.RecentEvents(ctx, "", 50)
	if err != nil {
		return PromptContext{}, fmt.Errorf("recent events: %w", err)
	}
	for _, e := range recent {
		if len(pc.Recent) == maxRecent {
			break
		}
		if d := describe(e, c); d != "" {
			pc.Recent = append(pc.Recent, d)
		}
	}
	return pc, nil
}

// describe renders an event the character would know about, or "".
func describe(e world.Event, c world.Character) string {
	if e.Location != "" && e.Location != c.LocationID {
		return ""
	}
	switch e.Type {
	case world.EventTrade:
		qty, _ := e.PayloadInt("quantity")
		price, _ := e.PayloadInt("price")
		return fmt.Sprintf("%d %s sold at %d crowns each", qty, e.PayloadString("item"), price)
	case world.EventNpcReply:
		if e.PayloadString("character_id") == c.ID || e.PayloadBool("fallback") {
			return ""
		}
		return fmt.Sprintf("%s said: %q", e.PayloadString("name"), e.PayloadString("reply"))
	case world.EventWeather:
		return "the weather turned: " + e.PayloadString("description")
	case world.EventSeasonChanged:
		return e.PayloadString("season") + " has begun"
	}
	return ""
}

func systemLine(pc PromptContext) string {
	return fmt.Sprintf(
		`You are %s, a %s living in %s. You feel %s (energy %.2f, motivation %.2f). You have %d crowns.`,
		pc.Character.Name, pc.Character.Occupation, pc.Location, pc.Essence.MoodLabel(),
		pc.Essence.Energy, pc.Essence.Motivation, pc.Character.Balance,
	)
}

// BuildPrompt renders the untagged NPC prompt.
func BuildPrompt(pc PromptContext) string {
	var b strings.Builder
	b.WriteString(systemLine(pc))
	b.WriteString("\n\n")

	fmt.Fprintf(&b, "It is %s, %02d:%02d.\n", world.SeasonName(pc.Time.Season), pc.Time.Hour, pc.Time.Minute)
	if pc.Weather != "" {
		fmt.Fprintf(&b, "Weather: %s\n", pc.Weather)
	}
	if pc.Essence.LastAction != "" {
		fmt.Fprintf(&b, "Your last action: %s\n", pc.Essence.LastAction)
	}
	if len(pc.Recent) > 0 {
		b.WriteString("\nRecently:\n")
		for _, r := range pc.Recent {
			fmt.Fprintf(&b, "- %s\n", r)
		}
	}

	b.WriteString(`
Say one or two sentences in character. Respond ONLY with a JSON object:
{"reply": "<what you say>", "mood_delta": <-1..1>, "energy_delta": <-1..1>, "motivation_delta": <-1..1>, "action": "<one word>"}`)
	return b.String()
}

// reaskPrompt repeats the prompt with a correction for the previous answer.
func reaskPrompt(base string, prev Result) string {
	var why string
	switch prev.Kind {
	case Empty:
		why = "Your previous answer was empty."
	default:
		why = "Your previous answer was not a valid JSON object of the requested shape."
	}
	return base + "\n\n" + why + " Answer again with the JSON object only."
}
