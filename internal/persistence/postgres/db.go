// Package postgres stores world state in PostgreSQL through gorm.
package postgres

import (
	"context"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type characterModel struct {
	ID         string `gorm:"primaryKey"`
	Name       string `gorm:"not null"`
	LocationID string `gorm:"not null"`
	FactionID  string
	Occupation string
	Balance    int64 `gorm:"not null;check:balance >= 0"`
	Alive      bool
}

func (characterModel) TableName() string { return "characters" }

type locationModel struct {
	ID   string `gorm:"primaryKey"`
	Name string `gorm:"not null"`
	Kind string
}

func (locationModel) TableName() string { return "locations" }

type factionModel struct {
	ID   string `gorm:"primaryKey"`
	Name string `gorm:"not null"`
}

func (factionModel) TableName() string { return "factions" }

type inventoryModel struct {
	Owner string `gorm:"primaryKey"`
	Item  string `gorm:"primaryKey"`
	Qty   int64  `gorm:"not null;check:qty >= 0"`
}

func (inventoryModel) TableName() string { return "inventory" }

type orderModel struct {
	ID            string `gorm:"primaryKey"`
	Owner         string `gorm:"index;not null"`
	Side          string `gorm:"not null"`
	Item          string `gorm:"index:idx_orders_book;not null"`
	Location      string `gorm:"index:idx_orders_book;not null"`
	Price         int64
	Quantity      int64
	Remaining     int64
	ReservedFunds int64
	ReservedQty   int64
	Status        string    `gorm:"index:idx_orders_book;not null"`
	CreatedAt     time.Time `gorm:"autoCreateTime:false"`
	Expiry        *time.Time
}

func (orderModel) TableName() string { return "orders" }

type tradeModel struct {
	Seq         int64  `gorm:"primaryKey;autoIncrement"`
	ID          string `gorm:"uniqueIndex;not null"`
	Timestamp   time.Time
	Item        string `gorm:"index:idx_trades_book"`
	Location    string `gorm:"index:idx_trades_book"`
	Price       int64
	Quantity    int64
	BuyOrderID  string
	SellOrderID string
	BuyerID     string
	SellerID    string
}

func (tradeModel) TableName() string { return "trades" }

type eventModel struct {
	Seq       int64  `gorm:"primaryKey;autoIncrement"`
	ID        string `gorm:"uniqueIndex;not null"`
	Timestamp time.Time
	Tick      int64
	Type      string `gorm:"index;not null"`
	Location  string
	Payload   []byte `gorm:"type:jsonb"`
}

func (eventModel) TableName() string { return "events" }

type essenceModel struct {
	CharacterID string `gorm:"primaryKey"`
	Mood        float64
	Energy      float64
	Motivation  float64
	LastAction  string
	UpdatedTick int64
}

func (essenceModel) TableName() string { return "npc_essence" }

type metaModel struct {
	Key   string `gorm:"primaryKey"`
	Value string `gorm:"not null"`
}

func (metaModel) TableName() string { return "world_meta" }

// DB is a Store backed by PostgreSQL.
type DB struct {
	db *gorm.DB
}

// Open connects to dsn and creates missing tables.
func Open(dsn string) (*DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	err = db.AutoMigrate(&characterModel{}, &locationModel{}, &factionModel{}, &inventoryModel{},
		&orderModel{}, &tradeModel{}, &eventModel{}, &essenceModel{}, &metaModel{})
	if err != nil {
		return nil, fmt.Errorf("migrate postgres: %w", err)
	}
	return &DB{db: db}, nil
}

// Close releases the connection pool.
func (s *DB) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

type txKeyType struct{}

var txKey = txKeyType{}

func withTx(ctx context.Context, tx *gorm.DB) context.Context {
	return context.WithValue(ctx, txKey, tx)
}

func (s *DB) conn(ctx context.Context) *gorm.DB {
	if v := ctx.Value(txKey); v != nil {
		if tx, ok := v.(*gorm.DB); ok && tx != nil {
			return tx.WithContext(ctx)
		}
	}
	return s.db.WithContext(ctx)
}

// RunInTx runs fn in one transaction; nested calls join it.
func (s *DB) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey).(*gorm.DB); ok {
		return fn(ctx)
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(withTx(ctx, tx))
	})
}
