package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/timeshift92/emperium-sub001/internal/persistence"
	"github.com/timeshift92/emperium-sub001/internal/world"
)

var _ persistence.Store = (*DB)(nil)

func notFound(err error, what string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s: %w", what, persistence.ErrNotFound)
	}
	return fmt.Errorf("%s: %w", what, err)
}

var upsert = clause.OnConflict{UpdateAll: true}

func (s *DB) Character(ctx context.Context, id string) (world.Character, error) {
	var m characterModel
	if err := s.conn(ctx).First(&m, "id = ?", id).Error; err != nil {
		return world.Character{}, notFound(err, "character "+id)
	}
	return world.Character(m), nil
}

func (s *DB) Characters(ctx context.Context) ([]world.Character, error) {
	var rows []characterModel
	if err := s.conn(ctx).Order("id").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]world.Character, len(rows))
	for i, m := range rows {
		out[i] = world.Character(m)
	}
	return out, nil
}

func (s *DB) SaveCharacter(ctx context.Context, c world.Character) error {
	m := characterModel(c)
	return s.conn(ctx).Clauses(upsert).Create(&m).Error
}

func (s *DB) AdjustBalance(ctx context.Context, characterID string, delta int64) (int64, error) {
	var balance int64
	err := s.RunInTx(ctx, func(ctx context.Context) error {
		var m characterModel
		err := s.conn(ctx).Clauses(clause.Locking{Strength: "UPDATE"}).First(&m, "id = ?", characterID).Error
		if err != nil {
			return notFound(err, "character "+characterID)
		}
		balance = m.Balance
		if balance+delta < 0 {
			return fmt.Errorf("balance of %s: %w", characterID, persistence.ErrInsufficient)
		}
		balance += delta
		return s.conn(ctx).Model(&characterModel{}).Where("id = ?", characterID).Update("balance", balance).Error
	})
	return balance, err
}

func (s *DB) Location(ctx context.Context, id string) (world.Location, error) {
	var m locationModel
	if err := s.conn(ctx).First(&m, "id = ?", id).Error; err != nil {
		return world.Location{}, notFound(err, "location "+id)
	}
	return world.Location(m), nil
}

func (s *DB) Locations(ctx context.Context) ([]world.Location, error) {
	var rows []locationModel
	if err := s.conn(ctx).Order("id").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]world.Location, len(rows))
	for i, m := range rows {
		out[i] = world.Location(m)
	}
	return out, nil
}

func (s *DB) SaveLocation(ctx context.Context, l world.Location) error {
	m := locationModel(l)
	return s.conn(ctx).Clauses(upsert).Create(&m).Error
}

func (s *DB) Factions(ctx context.Context) ([]world.Faction, error) {
	var rows []factionModel
	if err := s.conn(ctx).Order("id").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]world.Faction, len(rows))
	for i, m := range rows {
		out[i] = world.Faction(m)
	}
	return out, nil
}

func (s *DB) SaveFaction(ctx context.Context, f world.Faction) error {
	m := factionModel(f)
	return s.conn(ctx).Clauses(upsert).Create(&m).Error
}

func (s *DB) Inventory(ctx context.Context, owner, item string) (int64, error) {
	var m inventoryModel
	err := s.conn(ctx).First(&m, "owner = ? AND item = ?", owner, item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	return m.Qty, err
}

func (s *DB) Inventories(ctx context.Context, owner string) (map[string]int64, error) {
	var rows []inventoryModel
	if err := s.conn(ctx).Where("owner = ? AND qty > 0", owner).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(rows))
	for _, m := range rows {
		out[m.Item] = m.Qty
	}
	return out, nil
}

func (s *DB) AdjustInventory(ctx context.Context, owner, item string, delta int64) (int64, error) {
	var qty int64
	err := s.RunInTx(ctx, func(ctx context.Context) error {
		var m inventoryModel
		err := s.conn(ctx).Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&m, "owner = ? AND item = ?", owner, item).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if m.Qty+delta < 0 {
			return fmt.Errorf("%s of %s: %w", item, owner, persistence.ErrInsufficient)
		}
		qty = m.Qty + delta
		row := inventoryModel{Owner: owner, Item: item, Qty: qty}
		return s.conn(ctx).Clauses(upsert).Create(&row).Error
	})
	return qty, err
}

func toOrderModel(o world.Order) orderModel {
	return orderModel{
		ID: o.ID, Owner: o.Owner, Side: string(o.Side), Item: o.Item, Location: o.Location,
		Price: o.Price, Quantity: o.Quantity, Remaining: o.Remaining,
		ReservedFunds: o.ReservedFunds, ReservedQty: o.ReservedQty,
		Status: string(o.Status), CreatedAt: o.CreatedAt, Expiry: o.Expiry,
	}
}

func (m orderModel) order() world.Order {
	o := world.Order{
		ID: m.ID, Owner: m.Owner, Side: world.Side(m.Side), Item: m.Item, Location: m.Location,
		Price: m.Price, Quantity: m.Quantity, Remaining: m.Remaining,
		ReservedFunds: m.ReservedFunds, ReservedQty: m.ReservedQty,
		Status: world.OrderStatus(m.Status), CreatedAt: m.CreatedAt.UTC(),
	}
	if m.Expiry != nil {
		t := m.Expiry.UTC()
		o.Expiry = &t
	}
	return o
}

func orderList(rows []orderModel) []world.Order {
	out := make([]world.Order, len(rows))
	for i, m := range rows {
		out[i] = m.order()
	}
	return out
}

var liveStatuses = []string{string(world.StatusOpen), string(world.StatusPartial)}

func (s *DB) InsertOrder(ctx context.Context, o world.Order) error {
	m := toOrderModel(o)
	if err := s.conn(ctx).Create(&m).Error; err != nil {
		return fmt.Errorf("insert order %s: %w", o.ID, err)
	}
	return nil
}

func (s *DB) UpdateOrder(ctx context.Context, o world.Order) error {
	res := s.conn(ctx).Model(&orderModel{}).Where("id = ?", o.ID).Updates(map[string]any{
		"remaining":      o.Remaining,
		"reserved_funds": o.ReservedFunds,
		"reserved_qty":   o.ReservedQty,
		"status":         string(o.Status),
	})
	if res.Error != nil {
		return fmt.Errorf("update order %s: %w", o.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("order %s: %w", o.ID, persistence.ErrNotFound)
	}
	return nil
}

func (s *DB) Order(ctx context.Context, id string) (world.Order, error) {
	var m orderModel
	if err := s.conn(ctx).First(&m, "id = ?", id).Error; err != nil {
		return world.Order{}, notFound(err, "order "+id)
	}
	return m.order(), nil
}

func (s *DB) LiveOrders(ctx context.Context, key world.BookKey, side world.Side) ([]world.Order, error) {
	price := "price ASC"
	if side == world.Buy {
		price = "price DESC"
	}
	var rows []orderModel
	err := s.conn(ctx).
		Where("location = ? AND item = ? AND side = ? AND status IN ?", key.Location, key.Item, string(side), liveStatuses).
		Order(price).Order("created_at ASC").Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("live orders %s: %w", key, err)
	}
	return orderList(rows), nil
}

func (s *DB) LiveBooks(ctx context.Context) ([]world.BookKey, error) {
	var out []world.BookKey
	err := s.conn(ctx).Model(&orderModel{}).
		Distinct("location", "item").
		Where("status IN ?", liveStatuses).
		Order("location").Order("item").
		Scan(&out).Error
	return out, err
}

func (s *DB) ExpiredOrders(ctx context.Context, now time.Time) ([]world.Order, error) {
	var rows []orderModel
	err := s.conn(ctx).
		Where("status IN ? AND expiry IS NOT NULL AND expiry < ?", liveStatuses, now).
		Order("id").Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("expired orders: %w", err)
	}
	return orderList(rows), nil
}

func (s *DB) OrdersByOwner(ctx context.Context, owner string) ([]world.Order, error) {
	var rows []orderModel
	if err := s.conn(ctx).Where("owner = ?", owner).Order("created_at").Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("orders of %s: %w", owner, err)
	}
	return orderList(rows), nil
}

func (s *DB) InsertTrade(ctx context.Context, t world.Trade) error {
	m := tradeModel{
		ID: t.ID, Timestamp: t.Timestamp, Item: t.Item, Location: t.Location, Price: t.Price,
		Quantity: t.Quantity, BuyOrderID: t.BuyOrderID, SellOrderID: t.SellOrderID,
		BuyerID: t.BuyerID, SellerID: t.SellerID,
	}
	if err := s.conn(ctx).Create(&m).Error; err != nil {
		return fmt.Errorf("insert trade: %w", err)
	}
	return nil
}

func (s *DB) RecentTrades(ctx context.Context, key world.BookKey, limit int) ([]world.Trade, error) {
	var rows []tradeModel
	q := s.conn(ctx).Where("location = ? AND item = ?", key.Location, key.Item).Order("seq DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("recent trades %s: %w", key, err)
	}
	out := make([]world.Trade, len(rows))
	for i, m := range rows {
		out[i] = world.Trade{
			ID: m.ID, Timestamp: m.Timestamp.UTC(), Item: m.Item, Location: m.Location, Price: m.Price,
			Quantity: m.Quantity, BuyOrderID: m.BuyOrderID, SellOrderID: m.SellOrderID,
			BuyerID: m.BuyerID, SellerID: m.SellerID,
		}
	}
	return out, nil
}

func (s *DB) AppendEvent(ctx context.Context, e world.Event) error {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("encode payload of %s: %w", e.ID, err)
	}
	m := eventModel{
		ID: e.ID, Timestamp: e.Timestamp, Tick: int64(e.Tick), Type: e.Type,
		Location: e.Location, Payload: payload,
	}
	if err := s.conn(ctx).Create(&m).Error; err != nil {
		return fmt.Errorf("append event %s: %w", e.ID, err)
	}
	return nil
}

func (s *DB) RecentEvents(ctx context.Context, typ string, limit int) ([]world.Event, error) {
	var rows []eventModel
	q := s.conn(ctx).Order("seq DESC")
	if typ != "" {
		q = q.Where("type = ?", typ)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("recent events: %w", err)
	}
	out := make([]world.Event, 0, len(rows))
	for _, m := range rows {
		e := world.Event{ID: m.ID, Timestamp: m.Timestamp.UTC(), Tick: uint64(m.Tick), Type: m.Type, Location: m.Location}
		if err := json.Unmarshal(m.Payload, &e.Payload); err != nil {
			slog.Warn("skipping event with unreadable payload", "id", m.ID, "error", err)
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *DB) Essence(ctx context.Context, characterID string) (world.NpcEssence, error) {
	var m essenceModel
	if err := s.conn(ctx).First(&m, "character_id = ?", characterID).Error; err != nil {
		return world.NpcEssence{}, notFound(err, "essence "+characterID)
	}
	return world.NpcEssence{
		CharacterID: m.CharacterID, Mood: m.Mood, Energy: m.Energy, Motivation: m.Motivation,
		LastAction: m.LastAction, UpdatedTick: uint64(m.UpdatedTick),
	}, nil
}

func (s *DB) SaveEssence(ctx context.Context, e world.NpcEssence) error {
	m := essenceModel{
		CharacterID: e.CharacterID, Mood: e.Mood, Energy: e.Energy, Motivation: e.Motivation,
		LastAction: e.LastAction, UpdatedTick: int64(e.UpdatedTick),
	}
	return s.conn(ctx).Clauses(upsert).Create(&m).Error
}

func (s *DB) SetMeta(ctx context.Context, key, value string) error {
	m := metaModel{Key: key, Value: value}
	return s.conn(ctx).Clauses(upsert).Create(&m).Error
}

func (s *DB) Meta(ctx context.Context, key string) (string, error) {
	var m metaModel
	if err := s.conn(ctx).First(&m, "key = ?", key).Error; err != nil {
		return "", notFound(err, "meta "+key)
	}
	return m.Value, nil
}
