package main

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/timeshift92/emperium-sub001/internal/economy"
	"github.com/timeshift92/emperium-sub001/internal/persistence"
	"github.com/timeshift92/emperium-sub001/internal/world"
)

type demoResident struct {
	id, name, occupation, location string
	balance                        int64
	goods                          map[string]int64
}

var demoLocations = []world.Location{
	{ID: "mill", Name: "Old Mill", Kind: "village"},
	{ID: "harbor", Name: "Salt Harbor", Kind: "town"},
}

var demoResidents = []demoResident{
	{"asel", "Asel", "farmer", "mill", 20, map[string]int64{economy.ItemGrain: 14}},
	{"bakyt", "Bakyt", "miller", "mill", 60, map[string]int64{economy.ItemGrain: 2, economy.ItemTools: 1}},
	{"dilnoza", "Dilnoza", "healer", "mill", 45, map[string]int64{economy.ItemHerbs: 9, economy.ItemMedicine: 2}},
	{"erlan", "Erlan", "smith", "mill", 80, map[string]int64{economy.ItemIronOre: 1, economy.ItemTools: 6}},
	{"gulnara", "Gulnara", "fisher", "harbor", 25, map[string]int64{economy.ItemFish: 12}},
	{"murat", "Murat", "carpenter", "harbor", 55, map[string]int64{economy.ItemTimber: 8}},
	{"saule", "Saule", "merchant", "harbor", 120, map[string]int64{economy.ItemClothing: 4}},
}

// seedDemoWorld populates an empty store with two settlements and their
// residents. Starting balances vary with seed. It returns how many
// characters were created; a store with characters is left alone.
func seedDemoWorld(ctx context.Context, store persistence.Store, seed int64) (int, error) {
	existing, err := store.Characters(ctx)
	if err != nil {
		return 0, fmt.Errorf("list characters: %w", err)
	}
	if len(existing) > 0 {
		return 0, nil
	}

	rng := rand.New(rand.NewSource(seed))
	err = store.RunInTx(ctx, func(ctx context.Context) error {
		for _, l := range demoLocations {
			if err := store.SaveLocation(ctx, l); err != nil {
				return err
			}
		}
		for _, r := range demoResidents {
			c := world.Character{
				ID:         r.id,
				Name:       r.name,
				LocationID: r.location,
				Occupation: r.occupation,
				Balance:    r.balance + rng.Int63n(20),
				Alive:      true,
			}
			if err := store.SaveCharacter(ctx, c); err != nil {
				return err
			}
			for item, qty := range r.goods {
				if _, err := store.AdjustInventory(ctx, r.id, item, qty); err != nil {
					return fmt.Errorf("stock %s: %w", r.id, err)
				}
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(demoResidents), nil
}
