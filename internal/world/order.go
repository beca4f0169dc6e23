package world

import "time"

// Side is the direction of an order.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// Valid reports whether s is a known side.
func (s Side) Valid() bool { return s == Buy || s == Sell }

// OrderStatus is an order's lifecycle state.
type OrderStatus string

const (
	StatusOpen      OrderStatus = "open"
	StatusPartial   OrderStatus = "partial"
	StatusFilled    OrderStatus = "filled"
	StatusCancelled OrderStatus = "cancelled"
	StatusExpired   OrderStatus = "expired"
)

// Terminal reports whether no further transitions are possible.
func (s OrderStatus) Terminal() bool {
	return s == StatusFilled || s == StatusCancelled || s == StatusExpired
}

// BookKey identifies one order book.
type BookKey struct {
	Location string `json:"location" db:"location"`
	Item     string `json:"item" db:"item"`
}

func (k BookKey) String() string { return k.Location + "/" + k.Item }

// Order is a standing request to buy or sell Quantity units of Item at
// Location for Price crowns each. While the order is live, a buy holds
// ReservedFunds == Remaining*Price and a sell holds ReservedQty == Remaining.
type Order struct {
	ID            string      `json:"id" db:"id"`
	Owner         string      `json:"owner" db:"owner"`
	Side          Side        `json:"side" db:"side"`
	Item          string      `json:"item" db:"item"`
	Location      string      `json:"location" db:"location"`
	Price         int64       `json:"price" db:"price"`
	Quantity      int64       `json:"quantity" db:"quantity"`
	Remaining     int64       `json:"remaining" db:"remaining"`
	ReservedFunds int64       `json:"reserved_funds" db:"reserved_funds"`
	ReservedQty   int64       `json:"reserved_qty" db:"reserved_qty"`
	Status        OrderStatus `json:"status" db:"status"`
	CreatedAt     time.Time   `json:"created_at" db:"created_at"`
	Expiry        *time.Time  `json:"expiry,omitempty" db:"expiry"`
}

// Key returns the book the order belongs to.
func (o Order) Key() BookKey { return BookKey{Location: o.Location, Item: o.Item} }

// Live reports whether the order can still trade.
func (o Order) Live() bool { return !o.Status.Terminal() }

// ExpiredAt reports whether the order's expiry lies before now.
func (o Order) ExpiredAt(now time.Time) bool {
	return o.Expiry != nil && o.Expiry.Before(now)
}

// Trade is an immutable record of a match between a buy and a sell order.
type Trade struct {
	ID          string    `json:"id" db:"id"`
	Timestamp   time.Time `json:"timestamp" db:"timestamp"`
	Item        string    `json:"item" db:"item"`
	Location    string    `json:"location" db:"location"`
	Price       int64     `json:"price" db:"price"`
	Quantity    int64     `json:"quantity" db:"quantity"`
	BuyOrderID  string    `json:"buy_order_id" db:"buy_order_id"`
	SellOrderID string    `json:"sell_order_id" db:"sell_order_id"`
	BuyerID     string    `json:"buyer_id" db:"buyer_id"`
	SellerID    string    `json:"seller_id" db:"seller_id"`
}
