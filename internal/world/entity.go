package world

// Character is a person in the world. Balance is in crowns and never negative.
type Character struct {
	ID         string `json:"id" db:"id"`
	Name       string `json:"name" db:"name"`
	LocationID string `json:"location_id" db:"location_id"`
	FactionID  string `json:"faction_id,omitempty" db:"faction_id"`
	Occupation string `json:"occupation" db:"occupation"`
	Balance    int64  `json:"balance" db:"balance"`
	Alive      bool   `json:"alive" db:"alive"`
}

// Location is a named place where markets and characters live.
type Location struct {
	ID   string `json:"id" db:"id"`
	Name string `json:"name" db:"name"`
	Kind string `json:"kind" db:"kind"` // village, town, city
}

// Faction groups characters.
type Faction struct {
	ID   string `json:"id" db:"id"`
	Name string `json:"name" db:"name"`
}

// NpcEssence is the mutable inner state an NPC's replies feed back into.
type NpcEssence struct {
	CharacterID string  `json:"character_id" db:"character_id"`
	Mood        float64 `json:"mood" db:"mood"`             // [-1, 1]
	Energy      float64 `json:"energy" db:"energy"`         // [0, 1]
	Motivation  float64 `json:"motivation" db:"motivation"` // [0, 1]
	LastAction  string  `json:"last_action" db:"last_action"`
	UpdatedTick uint64  `json:"updated_tick" db:"updated_tick"`
}

// NewEssence returns a neutral essence for a character.
func NewEssence(characterID string) NpcEssence {
	return NpcEssence{
		CharacterID: characterID,
		Energy:      0.8,
		Motivation:  0.6,
	}
}

// EssenceDelta is a relative change to an essence.
type EssenceDelta struct {
	Mood       float64
	Energy     float64
	Motivation float64
}

// Apply adds d to the essence, keeping every field inside its bounds.
func (e *NpcEssence) Apply(d EssenceDelta) {
	e.Mood = clamp(e.Mood+d.Mood, -1, 1)
	e.Energy = clamp(e.Energy+d.Energy, 0, 1)
	e.Motivation = clamp(e.Motivation+d.Motivation, 0, 1)
}

// MoodLabel describes the mood in a word, for prompts.
func (e NpcEssence) MoodLabel() string {
	switch {
	case e.Mood > 0.5:
		return "content"
	case e.Mood > 0.1:
		return "hopeful"
	case e.Mood > -0.1:
		return "neutral"
	case e.Mood > -0.5:
		return "uneasy"
	default:
		return "miserable"
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
