// Package persistence defines the world state store every component reads
// and writes through, plus an in-memory implementation. SQL backends live in
// the sqlite and postgres subpackages.
package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/timeshift92/emperium-sub001/internal/world"
)

var (
	// ErrNotFound is returned when a keyed record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInsufficient is returned when an adjustment would drive a balance
	// or inventory count below zero. The stored value is left unchanged.
	ErrInsufficient = errors.New("insufficient amount")
)

// Meta keys shared by components.
const (
	MetaLastTick = "last_tick"
	MetaWeather  = "weather"
	MetaSeason   = "season"
)

// TxRunner runs fn as one atomic unit. The ctx passed to fn carries the
// transaction; store calls made with it join the unit. If fn returns an
// error every write made through that ctx is rolled back.
type TxRunner interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Store is the world state store.
type Store interface {
	TxRunner

	Character(ctx context.Context, id string) (world.Character, error)
	Characters(ctx context.Context) ([]world.Character, error)
	SaveCharacter(ctx context.Context, c world.Character) error
	// AdjustBalance adds delta to a character's balance and returns the new
	// balance, or ErrInsufficient if the result would be negative.
	AdjustBalance(ctx context.Context, characterID string, delta int64) (int64, error)

	Location(ctx context.Context, id string) (world.Location, error)
	Locations(ctx context.Context) ([]world.Location, error)
	SaveLocation(ctx context.Context, l world.Location) error
	Factions(ctx context.Context) ([]world.Faction, error)
	SaveFaction(ctx context.Context, f world.Faction) error

	// Inventory returns the owner's count of item; missing rows count as 0.
	Inventory(ctx context.Context, owner, item string) (int64, error)
	Inventories(ctx context.Context, owner string) (map[string]int64, error)
	// AdjustInventory adds delta and returns the new count, or
	// ErrInsufficient if the result would be negative.
	AdjustInventory(ctx context.Context, owner, item string, delta int64) (int64, error)

	InsertOrder(ctx context.Context, o world.Order) error
	UpdateOrder(ctx context.Context, o world.Order) error
	Order(ctx context.Context, id string) (world.Order, error)
	// LiveOrders returns open and partial orders on one side of a book in
	// priority order: bids by price descending, asks by price ascending,
	// then by creation time and id.
	LiveOrders(ctx context.Context, key world.BookKey, side world.Side) ([]world.Order, error)
	// LiveBooks lists every book holding at least one live order.
	LiveBooks(ctx context.Context) ([]world.BookKey, error)
	// ExpiredOrders returns live orders whose expiry lies before now.
	ExpiredOrders(ctx context.Context, now time.Time) ([]world.Order, error)
	OrdersByOwner(ctx context.Context, owner string) ([]world.Order, error)

	InsertTrade(ctx context.Context, t world.Trade) error
	// RecentTrades returns the newest trades of a book, newest first.
	RecentTrades(ctx context.Context, key world.BookKey, limit int) ([]world.Trade, error)

	AppendEvent(ctx context.Context, e world.Event) error
	// RecentEvents returns the newest events, newest first. An empty typ
	// matches every type.
	RecentEvents(ctx context.Context, typ string, limit int) ([]world.Event, error)

	// Essence returns ErrNotFound for characters without one yet.
	Essence(ctx context.Context, characterID string) (world.NpcEssence, error)
	SaveEssence(ctx context.Context, e world.NpcEssence) error

	SetMeta(ctx context.Context, key, value string) error
	// Meta returns ErrNotFound for unknown keys.
	Meta(ctx context.Context, key string) (string, error)

	Close() error
}
