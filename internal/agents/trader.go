package agents

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/timeshift92/emperium-sub001/internal/economy"
	"github.com/timeshift92/emperium-sub001/internal/engine"
	"github.com/timeshift92/emperium-sub001/internal/world"
)

// TraderAgent has living characters sell surplus goods and bid for what
// they lack, at the seasonal fair price. It places at most one live order
// per character, item and side.
type TraderAgent struct {
	Every uint64
	TTL   time.Duration
}

func (*TraderAgent) Name() string { return NameTrader }

func (a *TraderAgent) Tick(ctx context.Context, svc *engine.Services) error {
	tick := svc.Clock.Tick()
	if svc.Market == nil || !due(tick, a.Every) {
		return nil
	}
	season := world.CalendarAt(tick).Season

	chars, err := svc.Store.Characters(ctx)
	if err != nil {
		return fmt.Errorf("list characters: %w", err)
	}
	placed := 0
	for _, c := range chars {
		if !c.Alive || c.LocationID == "" {
			continue
		}
		inv, err := svc.Store.Inventories(ctx, c.ID)
		if err != nil {
			return fmt.Errorf("inventory %s: %w", c.ID, err)
		}
		open, err := liveOrders(ctx, svc, c.ID)
		if err != nil {
			return err
		}

		for _, item := range economy.Items() {
			surplus := inv[item] - keepThreshold(c.Occupation, item)
			if surplus <= 0 || open[orderSlot{item, world.Sell}] {
				continue
			}
			if a.place(ctx, svc, c, world.Sell, item, economy.FairPrice(season, item), surplus) {
				placed++
			}
		}

		balance := c.Balance
		for _, want := range Demand(c.Occupation, inv) {
			if open[orderSlot{want.Item, world.Buy}] {
				continue
			}
			price := economy.FairPrice(season, want.Item)
			if price*want.Quantity > balance {
				continue
			}
			if a.place(ctx, svc, c, world.Buy, want.Item, price, want.Quantity) {
				placed++
				balance -= price * want.Quantity
			}
		}
	}
	if placed > 0 {
		slog.Debug("trader placed orders", "tick", tick, "orders", placed)
	}
	return nil
}

func (a *TraderAgent) place(ctx context.Context, svc *engine.Services, c world.Character, side world.Side, item string, price, qty int64) bool {
	_, err := svc.Market.Place(ctx, economy.PlaceRequest{
		Owner:    c.ID,
		Side:     side,
		Item:     item,
		Location: c.LocationID,
		Price:    price,
		Quantity: qty,
		TTL:      a.TTL,
	})
	if err != nil {
		if economy.IsRejection(err) {
			slog.Debug("trader order rejected", "character", c.ID, "item", item, "side", side, "error", err)
		} else {
			slog.Warn("trader order failed", "character", c.ID, "item", item, "error", err)
		}
		return false
	}
	return true
}

type orderSlot struct {
	item string
	side world.Side
}

func liveOrders(ctx context.Context, svc *engine.Services, owner string) (map[orderSlot]bool, error) {
	orders, err := svc.Store.OrdersByOwner(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("orders of %s: %w", owner, err)
	}
	open := map[orderSlot]bool{}
	for _, o := range orders {
		if o.Live() {
			open[orderSlot{o.Item, o.Side}] = true
		}
	}
	return open, nil
}

// keepThreshold returns how many of an item a character keeps before selling.
func keepThreshold(occupation, item string) int64 {
	switch item {
	case economy.ItemGrain, economy.ItemFish:
		if occupation == "farmer" || occupation == "fisher" {
			return 5
		}
		return 3
	case economy.ItemIronOre, economy.ItemTimber:
		if occupation == "smith" || occupation == "carpenter" {
			return 5
		}
		return 1
	case economy.ItemHerbs:
		if occupation == "healer" {
			return 4
		}
		return 1
	default:
		return 1
	}
}

// Want is one item a character intends to buy.
type Want struct {
	Item     string
	Quantity int64
}

// Demand returns what a character wants to buy given its inventory.
func Demand(occupation string, inv map[string]int64) []Want {
	var wants []Want

	if food := inv[economy.ItemGrain] + inv[economy.ItemFish]; food < hungryBelow {
		wants = append(wants, Want{economy.ItemGrain, hungryBelow - food})
	}
	switch occupation {
	case "smith":
		if inv[economy.ItemIronOre] < 2 {
			wants = append(wants, Want{economy.ItemIronOre, 2 - inv[economy.ItemIronOre]})
		}
	case "carpenter":
		if inv[economy.ItemTimber] < 2 {
			wants = append(wants, Want{economy.ItemTimber, 2 - inv[economy.ItemTimber]})
		}
	case "healer":
		if inv[economy.ItemHerbs] < 2 {
			wants = append(wants, Want{economy.ItemHerbs, 2 - inv[economy.ItemHerbs]})
		}
	}
	if inv[economy.ItemTools] < 1 {
		wants = append(wants, Want{economy.ItemTools, 1})
	}
	return wants
}
