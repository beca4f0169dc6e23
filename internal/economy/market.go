package economy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/timeshift92/emperium-sub001/internal/persistence"
	"github.com/timeshift92/emperium-sub001/internal/world"
)

// Rejection reasons. A rejected placement creates no order and moves nothing.
var (
	ErrInvalidOrder          = errors.New("invalid order")
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrInsufficientInventory = errors.New("insufficient inventory")
)

// Cancellation failures.
var (
	// ErrNotOwner is returned when the caller does not own the order.
	ErrNotOwner = errors.New("order belongs to another owner")
	// ErrNotCancellable is returned for orders already filled, cancelled or expired.
	ErrNotCancellable = errors.New("order is no longer open")
)

// Rejection is a business-rule refusal, as opposed to a storage fault.
type Rejection struct {
	Reason error
	Detail string
}

func (r *Rejection) Error() string {
	if r.Detail == "" {
		return r.Reason.Error()
	}
	return r.Reason.Error() + ": " + r.Detail
}

func (r *Rejection) Unwrap() error { return r.Reason }

func reject(reason error, format string, args ...any) error {
	return &Rejection{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// IsRejection reports whether err is a business-rule refusal.
func IsRejection(err error) bool {
	var r *Rejection
	return errors.As(err, &r)
}

// Emitter accepts events without blocking.
type Emitter interface {
	Enqueue(e world.Event) bool
}

// PlaceRequest describes a new order.
type PlaceRequest struct {
	Owner    string
	Side     world.Side
	Item     string
	Location string
	Price    int64
	Quantity int64
	// TTL bounds the order's life; zero means no expiry.
	TTL time.Duration
}

// PlaceResult is the order as it stands after immediate matching, plus the
// trades the placement produced.
type PlaceResult struct {
	Order  world.Order
	Trades []world.Trade
}

// BookView is a snapshot of one book.
type BookView struct {
	Key  world.BookKey `json:"key"`
	Bids []world.Order `json:"bids"`
	Asks []world.Order `json:"asks"`
}

// Market is the matching engine. Every unit of work on one (location, item)
// book runs under that book's lock and inside one store transaction.
type Market struct {
	store  persistence.Store
	events Emitter

	// Now and Tick are replaceable for tests.
	Now  func() time.Time
	Tick func() uint64

	locks sync.Map // world.BookKey -> *sync.Mutex
}

// NewMarket creates a matching engine over store. events may be nil.
func NewMarket(store persistence.Store, events Emitter) *Market {
	return &Market{
		store:  store,
		events: events,
		Now:    func() time.Time { return time.Now().UTC() },
		Tick:   func() uint64 { return 0 },
	}
}

func (m *Market) lock(key world.BookKey) func() {
	v, _ := m.locks.LoadOrStore(key, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (m *Market) emit(typ, location string, payload map[string]any) {
	if m.events == nil {
		return
	}
	m.events.Enqueue(world.NewEvent(m.Tick(), typ, location, payload))
}

func (m *Market) emitTrades(trades []world.Trade) {
	for _, t := range trades {
		m.emit(world.EventTrade, t.Location, map[string]any{
			"trade_id":      t.ID,
			"item":          t.Item,
			"price":         t.Price,
			"quantity":      t.Quantity,
			"buyer_id":      t.BuyerID,
			"seller_id":     t.SellerID,
			"buy_order_id":  t.BuyOrderID,
			"sell_order_id": t.SellOrderID,
		})
	}
}

func validate(req PlaceRequest) error {
	switch {
	case !req.Side.Valid():
		return reject(ErrInvalidOrder, "unknown side %q", req.Side)
	case req.Owner == "" || req.Item == "" || req.Location == "":
		return reject(ErrInvalidOrder, "owner, item and location are required")
	case req.Price <= 0:
		return reject(ErrInvalidOrder, "price %d must be positive", req.Price)
	case req.Quantity <= 0:
		return reject(ErrInvalidOrder, "quantity %d must be positive", req.Quantity)
	case req.Quantity > math.MaxInt64/req.Price:
		return reject(ErrInvalidOrder, "order value overflows")
	case req.TTL < 0:
		return reject(ErrInvalidOrder, "negative ttl")
	}
	return nil
}

// Place reserves the order's funds or goods, records it and matches its
// book, all as one unit.
func (m *Market) Place(ctx context.Context, req PlaceRequest) (PlaceResult, error) {
	if err := validate(req); err != nil {
		return PlaceResult{}, err
	}
	o := world.Order{
		Owner:     req.Owner,
		Side:      req.Side,
		Item:      req.Item,
		Location:  req.Location,
		Price:     req.Price,
		Quantity:  req.Quantity,
		Remaining: req.Quantity,
		Status:    world.StatusOpen,
	}

	unlock := m.lock(o.Key())
	defer unlock()

	// Stamped under the book lock so arrival order, CreatedAt and ID all
	// agree. Version 7 IDs sort by creation even when timestamps collide.
	id, err := uuid.NewV7()
	if err != nil {
		return PlaceResult{}, fmt.Errorf("order id: %w", err)
	}
	now := m.Now()
	o.ID, o.CreatedAt = id.String(), now
	if req.TTL > 0 {
		exp := now.Add(req.TTL)
		o.Expiry = &exp
	}

	var res PlaceResult
	err = m.store.RunInTx(ctx, func(ctx context.Context) error {
		switch o.Side {
		case world.Buy:
			funds := o.Price * o.Quantity
			if _, err := m.store.AdjustBalance(ctx, o.Owner, -funds); err != nil {
				if errors.Is(err, persistence.ErrInsufficient) {
					return reject(ErrInsufficientFunds, "%s needs %d crowns", o.Owner, funds)
				}
				return fmt.Errorf("reserve funds: %w", err)
			}
			o.ReservedFunds = funds
		case world.Sell:
			if _, err := m.store.AdjustInventory(ctx, o.Owner, o.Item, -o.Quantity); err != nil {
				if errors.Is(err, persistence.ErrInsufficient) {
					return reject(ErrInsufficientInventory, "%s needs %d %s", o.Owner, o.Quantity, o.Item)
				}
				return fmt.Errorf("reserve goods: %w", err)
			}
			o.ReservedQty = o.Quantity
		}
		if err := m.store.InsertOrder(ctx, o); err != nil {
			return err
		}

		trades, err := m.matchBook(ctx, o.Key())
		if err != nil {
			return err
		}
		res.Trades = trades
		res.Order, err = m.store.Order(ctx, o.ID)
		return err
	})
	if err != nil {
		return PlaceResult{}, err
	}

	m.emit(world.EventOrderPlaced, o.Location, map[string]any{
		"order_id": o.ID,
		"owner":    o.Owner,
		"side":     string(o.Side),
		"item":     o.Item,
		"price":    o.Price,
		"quantity": o.Quantity,
	})
	m.emitTrades(res.Trades)
	return res, nil
}

// matchBook crosses the book until the best bid is below the best ask.
// Callers hold the book lock and a transaction.
func (m *Market) matchBook(ctx context.Context, key world.BookKey) ([]world.Trade, error) {
	bids, err := m.store.LiveOrders(ctx, key, world.Buy)
	if err != nil {
		return nil, err
	}
	asks, err := m.store.LiveOrders(ctx, key, world.Sell)
	if err != nil {
		return nil, err
	}
	// Expired orders stay reserved until SweepExpired releases them, but
	// never trade.
	now := m.Now()
	stale := func(o world.Order) bool { return o.ExpiredAt(now) }
	bids = slices.DeleteFunc(bids, stale)
	asks = slices.DeleteFunc(asks, stale)

	var trades []world.Trade
	i, j := 0, 0
	for i < len(bids) && j < len(asks) && bids[i].Price >= asks[j].Price {
		t, err := m.settle(ctx, &bids[i], &asks[j])
		if err != nil {
			return nil, fmt.Errorf("settle %s: %w", key, err)
		}
		trades = append(trades, t)
		if bids[i].Remaining == 0 {
			i++
		}
		if asks[j].Remaining == 0 {
			j++
		}
	}
	return trades, nil
}

// restingPrice is the price of whichever order reached the book first. Order
// IDs break CreatedAt ties, which backends with coarse timestamps produce.
func restingPrice(bid, ask *world.Order) int64 {
	if bid.CreatedAt.Before(ask.CreatedAt) || (bid.CreatedAt.Equal(ask.CreatedAt) && bid.ID < ask.ID) {
		return bid.Price
	}
	return ask.Price
}

func fill(o *world.Order) {
	if o.Remaining == 0 {
		o.Status = world.StatusFilled
	} else {
		o.Status = world.StatusPartial
	}
}

// settle executes one match between crossing orders.
func (m *Market) settle(ctx context.Context, bid, ask *world.Order) (world.Trade, error) {
	qty := min(bid.Remaining, ask.Remaining)
	price := restingPrice(bid, ask)

	bid.Remaining -= qty
	bid.ReservedFunds -= bid.Price * qty
	ask.Remaining -= qty
	ask.ReservedQty -= qty
	fill(bid)
	fill(ask)

	if refund := (bid.Price - price) * qty; refund > 0 {
		if _, err := m.store.AdjustBalance(ctx, bid.Owner, refund); err != nil {
			return world.Trade{}, fmt.Errorf("refund buyer: %w", err)
		}
	}
	if _, err := m.store.AdjustInventory(ctx, bid.Owner, bid.Item, qty); err != nil {
		return world.Trade{}, fmt.Errorf("deliver goods: %w", err)
	}
	if _, err := m.store.AdjustBalance(ctx, ask.Owner, price*qty); err != nil {
		return world.Trade{}, fmt.Errorf("pay seller: %w", err)
	}
	if err := m.store.UpdateOrder(ctx, *bid); err != nil {
		return world.Trade{}, err
	}
	if err := m.store.UpdateOrder(ctx, *ask); err != nil {
		return world.Trade{}, err
	}

	t := world.Trade{
		ID:          uuid.NewString(),
		Timestamp:   m.Now(),
		Item:        bid.Item,
		Location:    bid.Location,
		Price:       price,
		Quantity:    qty,
		BuyOrderID:  bid.ID,
		SellOrderID: ask.ID,
		BuyerID:     bid.Owner,
		SellerID:    ask.Owner,
	}
	if err := m.store.InsertTrade(ctx, t); err != nil {
		return world.Trade{}, err
	}
	slog.Debug("trade", "book", bid.Key().String(), "price", price, "qty", qty,
		"buyer", bid.Owner, "seller", ask.Owner)
	return t, nil
}

// release returns an order's remaining reservation to its owner and moves
// it to a terminal status.
func (m *Market) release(ctx context.Context, o *world.Order, status world.OrderStatus) error {
	if o.ReservedFunds > 0 {
		if _, err := m.store.AdjustBalance(ctx, o.Owner, o.ReservedFunds); err != nil {
			return fmt.Errorf("release funds: %w", err)
		}
	}
	if o.ReservedQty > 0 {
		if _, err := m.store.AdjustInventory(ctx, o.Owner, o.Item, o.ReservedQty); err != nil {
			return fmt.Errorf("release goods: %w", err)
		}
	}
	o.ReservedFunds = 0
	o.ReservedQty = 0
	o.Status = status
	return m.store.UpdateOrder(ctx, *o)
}

// MatchAll matches every book that has live orders. A failing book does not
// stop the others.
func (m *Market) MatchAll(ctx context.Context) ([]world.Trade, error) {
	books, err := m.store.LiveBooks(ctx)
	if err != nil {
		return nil, fmt.Errorf("list books: %w", err)
	}
	var all []world.Trade
	var errs []error
	for _, key := range books {
		trades, err := m.matchKey(ctx, key)
		if err != nil {
			errs = append(errs, fmt.Errorf("match %s: %w", key, err))
			continue
		}
		m.emitTrades(trades)
		all = append(all, trades...)
	}
	return all, errors.Join(errs...)
}

func (m *Market) matchKey(ctx context.Context, key world.BookKey) ([]world.Trade, error) {
	unlock := m.lock(key)
	defer unlock()
	var trades []world.Trade
	err := m.store.RunInTx(ctx, func(ctx context.Context) error {
		var err error
		trades, err = m.matchBook(ctx, key)
		return err
	})
	return trades, err
}

// Cancel withdraws a live order on behalf of its owner and releases the
// remaining reservation.
func (m *Market) Cancel(ctx context.Context, owner, orderID string) (world.Order, error) {
	o, err := m.store.Order(ctx, orderID)
	if err != nil {
		return world.Order{}, err
	}
	unlock := m.lock(o.Key())
	defer unlock()

	err = m.store.RunInTx(ctx, func(ctx context.Context) error {
		// Re-read under the lock; matching may have moved it on.
		var err error
		if o, err = m.store.Order(ctx, orderID); err != nil {
			return err
		}
		if o.Owner != owner {
			return ErrNotOwner
		}
		if !o.Live() {
			return fmt.Errorf("order %s is %s: %w", o.ID, o.Status, ErrNotCancellable)
		}
		return m.release(ctx, &o, world.StatusCancelled)
	})
	if err != nil {
		return world.Order{}, err
	}
	m.emit(world.EventOrderCancelled, o.Location, map[string]any{
		"order_id": o.ID, "owner": o.Owner, "item": o.Item, "remaining": o.Remaining,
	})
	return o, nil
}

// SweepExpired moves every live order whose expiry has passed to expired and
// releases its reservation. Running it again is a no-op.
func (m *Market) SweepExpired(ctx context.Context) (int, error) {
	now := m.Now()
	candidates, err := m.store.ExpiredOrders(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("find expired: %w", err)
	}

	swept := 0
	var errs []error
	for _, c := range candidates {
		expired, err := m.expire(ctx, c, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("expire %s: %w", c.ID, err))
			continue
		}
		if expired {
			swept++
		}
	}
	return swept, errors.Join(errs...)
}

func (m *Market) expire(ctx context.Context, c world.Order, now time.Time) (bool, error) {
	unlock := m.lock(c.Key())
	defer unlock()

	var o world.Order
	expired := false
	err := m.store.RunInTx(ctx, func(ctx context.Context) error {
		var err error
		if o, err = m.store.Order(ctx, c.ID); err != nil {
			return err
		}
		if !o.Live() || !o.ExpiredAt(now) {
			return nil
		}
		expired = true
		return m.release(ctx, &o, world.StatusExpired)
	})
	if err != nil || !expired {
		return false, err
	}
	m.emit(world.EventOrderExpired, o.Location, map[string]any{
		"order_id": o.ID, "owner": o.Owner, "item": o.Item, "remaining": o.Remaining,
	})
	return true, nil
}

// Book returns a snapshot of one book's live orders.
func (m *Market) Book(ctx context.Context, location, item string) (BookView, error) {
	key := world.BookKey{Location: location, Item: item}
	bids, err := m.store.LiveOrders(ctx, key, world.Buy)
	if err != nil {
		return BookView{}, err
	}
	asks, err := m.store.LiveOrders(ctx, key, world.Sell)
	if err != nil {
		return BookView{}, err
	}
	return BookView{Key: key, Bids: bids, Asks: asks}, nil
}
