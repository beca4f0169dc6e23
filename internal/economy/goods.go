// Package economy provides the item catalogue and the double-auction
// market where characters trade goods for crowns.
package economy

import (
	"math"
	"sort"

	"github.com/timeshift92/emperium-sub001/internal/world"
)

// Item names traded on the markets.
const (
	ItemGrain    = "grain"
	ItemFish     = "fish"
	ItemTimber   = "timber"
	ItemIronOre  = "iron_ore"
	ItemStone    = "stone"
	ItemHerbs    = "herbs"
	ItemFurs     = "furs"
	ItemTools    = "tools"
	ItemClothing = "clothing"
	ItemMedicine = "medicine"
)

// basePrices is the production cost floor of each item, in crowns.
var basePrices = map[string]int64{
	ItemGrain:    2,
	ItemFish:     2,
	ItemTimber:   3,
	ItemIronOre:  4,
	ItemStone:    3,
	ItemHerbs:    5,
	ItemFurs:     6,
	ItemTools:    10,
	ItemClothing: 8,
	ItemMedicine: 12,
}

// Food items satisfy hunger; traders keep a reserve of them.
var foodItems = map[string]bool{ItemGrain: true, ItemFish: true}

// Items returns every catalogued item in name order.
func Items() []string {
	out := make([]string, 0, len(basePrices))
	for item := range basePrices {
		out = append(out, item)
	}
	sort.Strings(out)
	return out
}

// Known reports whether item is catalogued.
func Known(item string) bool {
	_, ok := basePrices[item]
	return ok
}

// IsFood reports whether item is food.
func IsFood(item string) bool { return foodItems[item] }

// BasePrice returns the item's base price, or 0 for unknown items.
func BasePrice(item string) int64 { return basePrices[item] }

// SeasonalMod returns a price modifier for an item in a season.
// Food is dear in winter and cheap after the autumn harvest; furs follow the cold.
func SeasonalMod(season uint8, item string) float64 {
	switch season {
	case world.SeasonWinter:
		switch item {
		case ItemGrain, ItemFish:
			return 1.5
		case ItemFurs:
			return 1.8
		case ItemHerbs:
			return 1.4
		default:
			return 1.1
		}
	case world.SeasonSpring:
		switch item {
		case ItemGrain, ItemFish:
			return 1.2
		case ItemHerbs:
			return 0.8
		default:
			return 1.0
		}
	case world.SeasonSummer:
		switch item {
		case ItemHerbs, ItemFurs:
			return 0.7
		default:
			return 0.9
		}
	case world.SeasonAutumn:
		switch item {
		case ItemGrain:
			return 0.7
		case ItemFish:
			return 0.8
		case ItemHerbs:
			return 0.9
		default:
			return 1.0
		}
	}
	return 1.0
}

// FairPrice is the seasonal price of an item, never below 1 crown.
func FairPrice(season uint8, item string) int64 {
	p := int64(math.Round(float64(BasePrice(item)) * SeasonalMod(season, item)))
	if p < 1 {
		p = 1
	}
	return p
}
