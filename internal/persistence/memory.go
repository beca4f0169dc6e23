package persistence

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/timeshift92/emperium-sub001/internal/world"
)

type memTxKey struct{}

// MemoryStore is a Store held entirely in process memory. Transactions take
// the store lock and restore a snapshot on failure, so units are serialized.
type MemoryStore struct {
	mu   sync.RWMutex
	data memData
}

type memData struct {
	characters map[string]world.Character
	locations  map[string]world.Location
	factions   map[string]world.Faction
	inventory  map[string]map[string]int64
	orders     map[string]world.Order
	trades     []world.Trade
	events     []world.Event
	essence    map[string]world.NpcEssence
	meta       map[string]string
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: memData{
		characters: map[string]world.Character{},
		locations:  map[string]world.Location{},
		factions:   map[string]world.Faction{},
		inventory:  map[string]map[string]int64{},
		orders:     map[string]world.Order{},
		essence:    map[string]world.NpcEssence{},
		meta:       map[string]string{},
	}}
}

func (d memData) clone() memData {
	inv := make(map[string]map[string]int64, len(d.inventory))
	for owner, items := range d.inventory {
		inv[owner] = maps.Clone(items)
	}
	return memData{
		characters: maps.Clone(d.characters),
		locations:  maps.Clone(d.locations),
		factions:   maps.Clone(d.factions),
		inventory:  inv,
		orders:     maps.Clone(d.orders),
		trades:     slices.Clone(d.trades),
		events:     slices.Clone(d.events),
		essence:    maps.Clone(d.essence),
		meta:       maps.Clone(d.meta),
	}
}

func (s *MemoryStore) inTx(ctx context.Context) bool {
	v, _ := ctx.Value(memTxKey{}).(*MemoryStore)
	return v == s
}

func (s *MemoryStore) read(ctx context.Context) func() {
	if s.inTx(ctx) {
		return func() {}
	}
	s.mu.RLock()
	return s.mu.RUnlock
}

func (s *MemoryStore) write(ctx context.Context) func() {
	if s.inTx(ctx) {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

// RunInTx implements TxRunner. Calls nested inside fn join the outer unit.
func (s *MemoryStore) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.inTx(ctx) {
		return fn(ctx)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := s.data.clone()
	if err := fn(context.WithValue(ctx, memTxKey{}, s)); err != nil {
		s.data = snapshot
		return err
	}
	return nil
}

func (s *MemoryStore) Character(ctx context.Context, id string) (world.Character, error) {
	defer s.read(ctx)()
	c, ok := s.data.characters[id]
	if !ok {
		return world.Character{}, fmt.Errorf("character %s: %w", id, ErrNotFound)
	}
	return c, nil
}

func (s *MemoryStore) Characters(ctx context.Context) ([]world.Character, error) {
	defer s.read(ctx)()
	out := slices.Collect(maps.Values(s.data.characters))
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) SaveCharacter(ctx context.Context, c world.Character) error {
	defer s.write(ctx)()
	s.data.characters[c.ID] = c
	return nil
}

func (s *MemoryStore) AdjustBalance(ctx context.Context, characterID string, delta int64) (int64, error) {
	defer s.write(ctx)()
	c, ok := s.data.characters[characterID]
	if !ok {
		return 0, fmt.Errorf("character %s: %w", characterID, ErrNotFound)
	}
	if c.Balance+delta < 0 {
		return c.Balance, fmt.Errorf("balance of %s: %w", characterID, ErrInsufficient)
	}
	c.Balance += delta
	s.data.characters[characterID] = c
	return c.Balance, nil
}

func (s *MemoryStore) Location(ctx context.Context, id string) (world.Location, error) {
	defer s.read(ctx)()
	l, ok := s.data.locations[id]
	if !ok {
		return world.Location{}, fmt.Errorf("location %s: %w", id, ErrNotFound)
	}
	return l, nil
}

func (s *MemoryStore) Locations(ctx context.Context) ([]world.Location, error) {
	defer s.read(ctx)()
	out := slices.Collect(maps.Values(s.data.locations))
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) SaveLocation(ctx context.Context, l world.Location) error {
	defer s.write(ctx)()
	s.data.locations[l.ID] = l
	return nil
}

func (s *MemoryStore) Factions(ctx context.Context) ([]world.Faction, error) {
	defer s.read(ctx)()
	out := slices.Collect(maps.Values(s.data.factions))
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) SaveFaction(ctx context.Context, f world.Faction) error {
	defer s.write(ctx)()
	s.data.factions[f.ID] = f
	return nil
}

func (s *MemoryStore) Inventory(ctx context.Context, owner, item string) (int64, error) {
	defer s.read(ctx)()
	return s.data.inventory[owner][item], nil
}

func (s *MemoryStore) Inventories(ctx context.Context, owner string) (map[string]int64, error) {
	defer s.read(ctx)()
	out := map[string]int64{}
	for item, n := range s.data.inventory[owner] {
		if n > 0 {
			out[item] = n
		}
	}
	return out, nil
}

func (s *MemoryStore) AdjustInventory(ctx context.Context, owner, item string, delta int64) (int64, error) {
	defer s.write(ctx)()
	items := s.data.inventory[owner]
	if items == nil {
		items = map[string]int64{}
		s.data.inventory[owner] = items
	}
	if items[item]+delta < 0 {
		return items[item], fmt.Errorf("%s of %s: %w", item, owner, ErrInsufficient)
	}
	items[item] += delta
	return items[item], nil
}

func (s *MemoryStore) InsertOrder(ctx context.Context, o world.Order) error {
	defer s.write(ctx)()
	if _, ok := s.data.orders[o.ID]; ok {
		return fmt.Errorf("order %s already exists", o.ID)
	}
	s.data.orders[o.ID] = o
	return nil
}

func (s *MemoryStore) UpdateOrder(ctx context.Context, o world.Order) error {
	defer s.write(ctx)()
	if _, ok := s.data.orders[o.ID]; !ok {
		return fmt.Errorf("order %s: %w", o.ID, ErrNotFound)
	}
	s.data.orders[o.ID] = o
	return nil
}

func (s *MemoryStore) Order(ctx context.Context, id string) (world.Order, error) {
	defer s.read(ctx)()
	o, ok := s.data.orders[id]
	if !ok {
		return world.Order{}, fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	return o, nil
}

func (s *MemoryStore) LiveOrders(ctx context.Context, key world.BookKey, side world.Side) ([]world.Order, error) {
	defer s.read(ctx)()
	var out []world.Order
	for _, o := range s.data.orders {
		if o.Live() && o.Side == side && o.Key() == key {
			out = append(out, o)
		}
	}
	SortBook(out, side)
	return out, nil
}

func (s *MemoryStore) LiveBooks(ctx context.Context) ([]world.BookKey, error) {
	defer s.read(ctx)()
	seen := map[world.BookKey]bool{}
	for _, o := range s.data.orders {
		if o.Live() {
			seen[o.Key()] = true
		}
	}
	out := slices.Collect(maps.Keys(seen))
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out, nil
}

func (s *MemoryStore) ExpiredOrders(ctx context.Context, now time.Time) ([]world.Order, error) {
	defer s.read(ctx)()
	var out []world.Order
	for _, o := range s.data.orders {
		if o.Live() && o.ExpiredAt(now) {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) OrdersByOwner(ctx context.Context, owner string) ([]world.Order, error) {
	defer s.read(ctx)()
	var out []world.Order
	for _, o := range s.data.orders {
		if o.Owner == owner {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) InsertTrade(ctx context.Context, t world.Trade) error {
	defer s.write(ctx)()
	s.data.trades = append(s.data.trades, t)
	return nil
}

func (s *MemoryStore) RecentTrades(ctx context.Context, key world.BookKey, limit int) ([]world.Trade, error) {
	defer s.read(ctx)()
	var out []world.Trade
	for i := len(s.data.trades) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		t := s.data.trades[i]
		if t.Location == key.Location && t.Item == key.Item {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *MemoryStore) AppendEvent(ctx context.Context, e world.Event) error {
	defer s.write(ctx)()
	s.data.events = append(s.data.events, e)
	return nil
}

func (s *MemoryStore) RecentEvents(ctx context.Context, typ string, limit int) ([]world.Event, error) {
	defer s.read(ctx)()
	var out []world.Event
	for i := len(s.data.events) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		e := s.data.events[i]
		if typ == "" || e.Type == typ {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *MemoryStore) Essence(ctx context.Context, characterID string) (world.NpcEssence, error) {
	defer s.read(ctx)()
	e, ok := s.data.essence[characterID]
	if !ok {
		return world.NpcEssence{}, fmt.Errorf("essence %s: %w", characterID, ErrNotFound)
	}
	return e, nil
}

func (s *MemoryStore) SaveEssence(ctx context.Context, e world.NpcEssence) error {
	defer s.write(ctx)()
	s.data.essence[e.CharacterID] = e
	return nil
}

func (s *MemoryStore) SetMeta(ctx context.Context, key, value string) error {
	defer s.write(ctx)()
	s.data.meta[key] = value
	return nil
}

func (s *MemoryStore) Meta(ctx context.Context, key string) (string, error) {
	defer s.read(ctx)()
	v, ok := s.data.meta[key]
	if !ok {
		return "", fmt.Errorf("meta %s: %w", key, ErrNotFound)
	}
	return v, nil
}

func (s *MemoryStore) Close() error { return nil }

// SortBook orders one side of a book by price-time priority.
func SortBook(orders []world.Order, side world.Side) {
	sort.SliceStable(orders, func(i, j int) bool {
		a, b := orders[i], orders[j]
		if a.Price != b.Price {
			if side == world.Buy {
				return a.Price > b.Price
			}
			return a.Price < b.Price
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return strings.Compare(a.ID, b.ID) < 0
	})
}
