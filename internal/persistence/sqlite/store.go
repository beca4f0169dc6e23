package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/timeshift92/emperium-sub001/internal/persistence"
	"github.com/timeshift92/emperium-sub001/internal/world"
)

var _ persistence.Store = (*DB)(nil)

func notFound(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, persistence.ErrNotFound)
	}
	return fmt.Errorf("%s: %w", what, err)
}

func sqlLimit(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}

// Character returns a character by id.
func (db *DB) Character(ctx context.Context, id string) (world.Character, error) {
	var c world.Character
	err := db.q(ctx).GetContext(ctx, &c,
		"SELECT id, name, location_id, faction_id, occupation, balance, alive FROM characters WHERE id = ?", id)
	if err != nil {
		return world.Character{}, notFound(err, "character "+id)
	}
	return c, nil
}

// Characters returns every character ordered by id.
func (db *DB) Characters(ctx context.Context) ([]world.Character, error) {
	var out []world.Character
	err := db.q(ctx).SelectContext(ctx, &out,
		"SELECT id, name, location_id, faction_id, occupation, balance, alive FROM characters ORDER BY id")
	return out, err
}

// SaveCharacter inserts or replaces a character.
func (db *DB) SaveCharacter(ctx context.Context, c world.Character) error {
	_, err := db.q(ctx).ExecContext(ctx, `INSERT INTO characters
		(id, name, location_id, faction_id, occupation, balance, alive)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, location_id = excluded.location_id,
			faction_id = excluded.faction_id, occupation = excluded.occupation,
			balance = excluded.balance, alive = excluded.alive`,
		c.ID, c.Name, c.LocationID, c.FactionID, c.Occupation, c.Balance, c.Alive)
	if err != nil {
		return fmt.Errorf("save character %s: %w", c.ID, err)
	}
	return nil
}

// AdjustBalance adds delta to a character's balance.
func (db *DB) AdjustBalance(ctx context.Context, characterID string, delta int64) (int64, error) {
	var balance int64
	err := db.RunInTx(ctx, func(ctx context.Context) error {
		if err := db.q(ctx).GetContext(ctx, &balance, "SELECT balance FROM characters WHERE id = ?", characterID); err != nil {
			return notFound(err, "character "+characterID)
		}
		if balance+delta < 0 {
			return fmt.Errorf("balance of %s: %w", characterID, persistence.ErrInsufficient)
		}
		balance += delta
		_, err := db.q(ctx).ExecContext(ctx, "UPDATE characters SET balance = ? WHERE id = ?", balance, characterID)
		return err
	})
	return balance, err
}

// Location returns a location by id.
func (db *DB) Location(ctx context.Context, id string) (world.Location, error) {
	var l world.Location
	if err := db.q(ctx).GetContext(ctx, &l, "SELECT id, name, kind FROM locations WHERE id = ?", id); err != nil {
		return world.Location{}, notFound(err, "location "+id)
	}
	return l, nil
}

// Locations returns every location ordered by id.
func (db *DB) Locations(ctx context.Context) ([]world.Location, error) {
	var out []world.Location
	err := db.q(ctx).SelectContext(ctx, &out, "SELECT id, name, kind FROM locations ORDER BY id")
	return out, err
}

// SaveLocation inserts or replaces a location.
func (db *DB) SaveLocation(ctx context.Context, l world.Location) error {
	_, err := db.q(ctx).ExecContext(ctx,
		"INSERT OR REPLACE INTO locations (id, name, kind) VALUES (?, ?, ?)", l.ID, l.Name, l.Kind)
	return err
}

// Factions returns every faction ordered by id.
func (db *DB) Factions(ctx context.Context) ([]world.Faction, error) {
	var out []world.Faction
	err := db.q(ctx).SelectContext(ctx, &out, "SELECT id, name FROM factions ORDER BY id")
	return out, err
}

// SaveFaction inserts or replaces a faction.
func (db *DB) SaveFaction(ctx context.Context, f world.Faction) error {
	_, err := db.q(ctx).ExecContext(ctx, "INSERT OR REPLACE INTO factions (id, name) VALUES (?, ?)", f.ID, f.Name)
	return err
}

// Inventory returns the owner's count of item.
func (db *DB) Inventory(ctx context.Context, owner, item string) (int64, error) {
	var qty int64
	err := db.q(ctx).GetContext(ctx, &qty, "SELECT qty FROM inventory WHERE owner = ? AND item = ?", owner, item)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return qty, err
}

// Inventories returns every positive count the owner holds.
func (db *DB) Inventories(ctx context.Context, owner string) (map[string]int64, error) {
	var rows []struct {
		Item string `db:"item"`
		Qty  int64  `db:"qty"`
	}
	if err := db.q(ctx).SelectContext(ctx, &rows,
		"SELECT item, qty FROM inventory WHERE owner = ? AND qty > 0", owner); err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		out[r.Item] = r.Qty
	}
	return out, nil
}

// AdjustInventory adds delta to the owner's count of item.
func (db *DB) AdjustInventory(ctx context.Context, owner, item string, delta int64) (int64, error) {
	var qty int64
	err := db.RunInTx(ctx, func(ctx context.Context) error {
		var err error
		if qty, err = db.Inventory(ctx, owner, item); err != nil {
			return err
		}
		if qty+delta < 0 {
			return fmt.Errorf("%s of %s: %w", item, owner, persistence.ErrInsufficient)
		}
		qty += delta
		_, err = db.q(ctx).ExecContext(ctx, `INSERT INTO inventory (owner, item, qty) VALUES (?, ?, ?)
			ON CONFLICT(owner, item) DO UPDATE SET qty = excluded.qty`, owner, item, qty)
		return err
	})
	return qty, err
}

type orderRow struct {
	ID            string        `db:"id"`
	Owner         string        `db:"owner"`
	Side          string        `db:"side"`
	Item          string        `db:"item"`
	Location      string        `db:"location"`
	Price         int64         `db:"price"`
	Quantity      int64         `db:"quantity"`
	Remaining     int64         `db:"remaining"`
	ReservedFunds int64         `db:"reserved_funds"`
	ReservedQty   int64         `db:"reserved_qty"`
	Status        string        `db:"status"`
	CreatedAt     int64         `db:"created_at"`
	Expiry        sql.NullInt64 `db:"expiry"`
}

const orderColumns = `id, owner, side, item, location, price, quantity, remaining,
	reserved_funds, reserved_qty, status, created_at, expiry`

func toOrderRow(o world.Order) orderRow {
	r := orderRow{
		ID: o.ID, Owner: o.Owner, Side: string(o.Side), Item: o.Item, Location: o.Location,
		Price: o.Price, Quantity: o.Quantity, Remaining: o.Remaining,
		ReservedFunds: o.ReservedFunds, ReservedQty: o.ReservedQty,
		Status: string(o.Status), CreatedAt: o.CreatedAt.UnixNano(),
	}
	if o.Expiry != nil {
		r.Expiry = sql.NullInt64{Int64: o.Expiry.UnixNano(), Valid: true}
	}
	return r
}

func (r orderRow) order() world.Order {
	o := world.Order{
		ID: r.ID, Owner: r.Owner, Side: world.Side(r.Side), Item: r.Item, Location: r.Location,
		Price: r.Price, Quantity: r.Quantity, Remaining: r.Remaining,
		ReservedFunds: r.ReservedFunds, ReservedQty: r.ReservedQty,
		Status: world.OrderStatus(r.Status), CreatedAt: time.Unix(0, r.CreatedAt).UTC(),
	}
	if r.Expiry.Valid {
		t := time.Unix(0, r.Expiry.Int64).UTC()
		o.Expiry = &t
	}
	return o
}

func orders(rows []orderRow) []world.Order {
	out := make([]world.Order, len(rows))
	for i, r := range rows {
		out[i] = r.order()
	}
	return out
}

// InsertOrder stores a new order.
func (db *DB) InsertOrder(ctx context.Context, o world.Order) error {
	r := toOrderRow(o)
	_, err := db.q(ctx).ExecContext(ctx, "INSERT INTO orders ("+orderColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Owner, r.Side, r.Item, r.Location, r.Price, r.Quantity, r.Remaining,
		r.ReservedFunds, r.ReservedQty, r.Status, r.CreatedAt, r.Expiry)
	if err != nil {
		return fmt.Errorf("insert order %s: %w", o.ID, err)
	}
	return nil
}

// UpdateOrder writes the mutable fields of an order.
func (db *DB) UpdateOrder(ctx context.Context, o world.Order) error {
	res, err := db.q(ctx).ExecContext(ctx, `UPDATE orders SET remaining = ?, reserved_funds = ?,
		reserved_qty = ?, status = ? WHERE id = ?`,
		o.Remaining, o.ReservedFunds, o.ReservedQty, string(o.Status), o.ID)
	if err != nil {
		return fmt.Errorf("update order %s: %w", o.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("order %s: %w", o.ID, persistence.ErrNotFound)
	}
	return nil
}

// Order returns an order by id.
func (db *DB) Order(ctx context.Context, id string) (world.Order, error) {
	var r orderRow
	if err := db.q(ctx).GetContext(ctx, &r, "SELECT "+orderColumns+" FROM orders WHERE id = ?", id); err != nil {
		return world.Order{}, notFound(err, "order "+id)
	}
	return r.order(), nil
}

// LiveOrders returns one side of a book in price-time priority.
func (db *DB) LiveOrders(ctx context.Context, key world.BookKey, side world.Side) ([]world.Order, error) {
	dir := "ASC"
	if side == world.Buy {
		dir = "DESC"
	}
	var rows []orderRow
	err := db.q(ctx).SelectContext(ctx, &rows, "SELECT "+orderColumns+` FROM orders
		WHERE location = ? AND item = ? AND side = ? AND status IN ('open', 'partial')
		ORDER BY price `+dir+`, created_at ASC, id ASC`,
		key.Location, key.Item, string(side))
	if err != nil {
		return nil, fmt.Errorf("live orders %s: %w", key, err)
	}
	return orders(rows), nil
}

// LiveBooks lists books with live orders.
func (db *DB) LiveBooks(ctx context.Context) ([]world.BookKey, error) {
	var out []world.BookKey
	err := db.q(ctx).SelectContext(ctx, &out, `SELECT DISTINCT location, item FROM orders
		WHERE status IN ('open', 'partial') ORDER BY location, item`)
	return out, err
}

// ExpiredOrders returns live orders whose expiry lies before now.
func (db *DB) ExpiredOrders(ctx context.Context, now time.Time) ([]world.Order, error) {
	var rows []orderRow
	err := db.q(ctx).SelectContext(ctx, &rows, "SELECT "+orderColumns+` FROM orders
		WHERE status IN ('open', 'partial') AND expiry IS NOT NULL AND expiry < ?
		ORDER BY id`, now.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("expired orders: %w", err)
	}
	return orders(rows), nil
}

// OrdersByOwner returns the owner's orders, oldest first.
func (db *DB) OrdersByOwner(ctx context.Context, owner string) ([]world.Order, error) {
	var rows []orderRow
	err := db.q(ctx).SelectContext(ctx, &rows,
		"SELECT "+orderColumns+" FROM orders WHERE owner = ? ORDER BY created_at, id", owner)
	if err != nil {
		return nil, fmt.Errorf("orders of %s: %w", owner, err)
	}
	return orders(rows), nil
}

type tradeRow struct {
	ID          string `db:"id"`
	TS          int64  `db:"ts"`
	Item        string `db:"item"`
	Location    string `db:"location"`
	Price       int64  `db:"price"`
	Quantity    int64  `db:"quantity"`
	BuyOrderID  string `db:"buy_order_id"`
	SellOrderID string `db:"sell_order_id"`
	BuyerID     string `db:"buyer_id"`
	SellerID    string `db:"seller_id"`
}

// InsertTrade appends a trade.
func (db *DB) InsertTrade(ctx context.Context, t world.Trade) error {
	_, err := db.q(ctx).ExecContext(ctx, `INSERT INTO trades
		(id, ts, item, location, price, quantity, buy_order_id, sell_order_id, buyer_id, seller_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Timestamp.UnixNano(), t.Item, t.Location, t.Price, t.Quantity,
		t.BuyOrderID, t.SellOrderID, t.BuyerID, t.SellerID)
	if err != nil {
		return fmt.Errorf("insert trade: %w", err)
	}
	return nil
}

// RecentTrades returns the newest trades of a book.
func (db *DB) RecentTrades(ctx context.Context, key world.BookKey, limit int) ([]world.Trade, error) {
	var rows []tradeRow
	err := db.q(ctx).SelectContext(ctx, &rows, `SELECT id, ts, item, location, price, quantity,
		buy_order_id, sell_order_id, buyer_id, seller_id FROM trades
		WHERE location = ? AND item = ? ORDER BY seq DESC LIMIT ?`,
		key.Location, key.Item, sqlLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("recent trades %s: %w", key, err)
	}
	out := make([]world.Trade, len(rows))
	for i, r := range rows {
		out[i] = world.Trade{
			ID: r.ID, Timestamp: time.Unix(0, r.TS).UTC(), Item: r.Item, Location: r.Location,
			Price: r.Price, Quantity: r.Quantity, BuyOrderID: r.BuyOrderID, SellOrderID: r.SellOrderID,
			BuyerID: r.BuyerID, SellerID: r.SellerID,
		}
	}
	return out, nil
}

// AppendEvent persists an event.
func (db *DB) AppendEvent(ctx context.Context, e world.Event) error {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("encode payload of %s: %w", e.ID, err)
	}
	_, err = db.q(ctx).ExecContext(ctx,
		"INSERT INTO events (id, ts, tick, type, location, payload) VALUES (?, ?, ?, ?, ?, ?)",
		e.ID, e.Timestamp.UnixNano(), e.Tick, e.Type, e.Location, string(payload))
	if err != nil {
		return fmt.Errorf("append event %s: %w", e.ID, err)
	}
	return nil
}

// RecentEvents returns the most recent events, optionally of one type.
func (db *DB) RecentEvents(ctx context.Context, typ string, limit int) ([]world.Event, error) {
	var rows []struct {
		ID       string `db:"id"`
		TS       int64  `db:"ts"`
		Tick     uint64 `db:"tick"`
		Type     string `db:"type"`
		Location string `db:"location"`
		Payload  string `db:"payload"`
	}
	err := db.q(ctx).SelectContext(ctx, &rows, `SELECT id, ts, tick, type, location, payload FROM events
		WHERE (? = '' OR type = ?) ORDER BY seq DESC LIMIT ?`, typ, typ, sqlLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("recent events: %w", err)
	}
	out := make([]world.Event, 0, len(rows))
	for _, r := range rows {
		e := world.Event{ID: r.ID, Timestamp: time.Unix(0, r.TS).UTC(), Tick: r.Tick, Type: r.Type, Location: r.Location}
		if err := json.Unmarshal([]byte(r.Payload), &e.Payload); err != nil {
			slog.Warn("skipping event with unreadable payload", "id", r.ID, "error", err)
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// Essence returns a character's essence.
func (db *DB) Essence(ctx context.Context, characterID string) (world.NpcEssence, error) {
	var e world.NpcEssence
	err := db.q(ctx).GetContext(ctx, &e, `SELECT character_id, mood, energy, motivation, last_action, updated_tick
		FROM npc_essence WHERE character_id = ?`, characterID)
	if err != nil {
		return world.NpcEssence{}, notFound(err, "essence "+characterID)
	}
	return e, nil
}

// SaveEssence inserts or replaces a character's essence.
func (db *DB) SaveEssence(ctx context.Context, e world.NpcEssence) error {
	_, err := db.q(ctx).ExecContext(ctx, `INSERT OR REPLACE INTO npc_essence
		(character_id, mood, energy, motivation, last_action, updated_tick) VALUES (?, ?, ?, ?, ?, ?)`,
		e.CharacterID, e.Mood, e.Energy, e.Motivation, e.LastAction, e.UpdatedTick)
	return err
}

// SetMeta stores a key-value pair in world metadata.
func (db *DB) SetMeta(ctx context.Context, key, value string) error {
	_, err := db.q(ctx).ExecContext(ctx,
		"INSERT OR REPLACE INTO world_meta (key, value) VALUES (?, ?)", key, value)
	return err
}

// Meta retrieves a metadata value.
func (db *DB) Meta(ctx context.Context, key string) (string, error) {
	var value string
	if err := db.q(ctx).GetContext(ctx, &value, "SELECT value FROM world_meta WHERE key = ?", key); err != nil {
		return "", notFound(err, "meta "+key)
	}
	return value, nil
}
