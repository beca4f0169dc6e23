// Package storetest is a conformance suite every persistence.Store backend runs.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/timeshift92/emperium-sub001/internal/persistence"
	"github.com/timeshift92/emperium-sub001/internal/world"
)

// Run exercises a fresh store returned by open for every subtest.
func Run(t *testing.T, open func(t *testing.T) persistence.Store) {
	t.Helper()
	tests := []struct {
		name string
		fn   func(t *testing.T, s persistence.Store)
	}{
		{"Characters", testCharacters},
		{"BalanceNeverNegative", testBalance},
		{"InventoryNeverNegative", testInventory},
		{"OrderPriority", testOrderPriority},
		{"ExpiredOrders", testExpiredOrders},
		{"TxRollback", testTxRollback},
		{"Events", testEvents},
		{"EssenceAndMeta", testEssenceAndMeta},
		{"Trades", testTrades},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := open(t)
			t.Cleanup(func() { s.Close() })
			tt.fn(t, s)
		})
	}
}

var base = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func testCharacters(t *testing.T, s persistence.Store) {
	ctx := context.Background()
	want := world.Character{ID: "c1", Name: "Mara", LocationID: "l1", Occupation: "farmer", Balance: 50, Alive: true}
	if err := s.SaveCharacter(ctx, want); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := s.Character(ctx, "c1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("character mismatch (-want +got):\n%s", diff)
	}
	if _, err := s.Character(ctx, "nobody"); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("missing character err=%v want ErrNotFound", err)
	}
	if err := s.SaveLocation(ctx, world.Location{ID: "l1", Name: "Ashford", Kind: "village"}); err != nil {
		t.Fatalf("save location: %v", err)
	}
	l, err := s.Location(ctx, "l1")
	if err != nil || l.Name != "Ashford" {
		t.Fatalf("location=%+v err=%v", l, err)
	}
	if err := s.SaveFaction(ctx, world.Faction{ID: "f1", Name: "Guild"}); err != nil {
		t.Fatalf("save faction: %v", err)
	}
	fs, err := s.Factions(ctx)
	if err != nil || len(fs) != 1 {
		t.Fatalf("factions=%v err=%v", fs, err)
	}
}

func testBalance(t *testing.T, s persistence.Store) {
	ctx := context.Background()
	if err := s.SaveCharacter(ctx, world.Character{ID: "c1", Name: "A", LocationID: "l1", Balance: 10, Alive: true}); err != nil {
		t.Fatal(err)
	}
	if b, err := s.AdjustBalance(ctx, "c1", -4); err != nil || b != 6 {
		t.Fatalf("balance=%d err=%v want=6", b, err)
	}
	if _, err := s.AdjustBalance(ctx, "c1", -7); !errors.Is(err, persistence.ErrInsufficient) {
		t.Fatalf("overdraw err=%v want ErrInsufficient", err)
	}
	c, _ := s.Character(ctx, "c1")
	if c.Balance != 6 {
		t.Fatalf("balance after rejected overdraw=%d want=6", c.Balance)
	}
	if _, err := s.AdjustBalance(ctx, "ghost", 1); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("unknown character err=%v want ErrNotFound", err)
	}
}

func testInventory(t *testing.T, s persistence.Store) {
	ctx := context.Background()
	if _, err := s.AdjustInventory(ctx, "c1", "grain", -1); !errors.Is(err, persistence.ErrInsufficient) {
		t.Fatalf("empty withdraw err=%v want ErrInsufficient", err)
	}
	if n, err := s.AdjustInventory(ctx, "c1", "grain", 5); err != nil || n != 5 {
		t.Fatalf("deposit n=%d err=%v", n, err)
	}
	if n, err := s.AdjustInventory(ctx, "c1", "grain", -5); err != nil || n != 0 {
		t.Fatalf("withdraw n=%d err=%v", n, err)
	}
	if _, err := s.AdjustInventory(ctx, "c1", "tools", 2); err != nil {
		t.Fatal(err)
	}
	inv, err := s.Inventories(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(map[string]int64{"tools": 2}, inv); diff != "" {
		t.Fatalf("inventories (-want +got):\n%s", diff)
	}
}

func order(id string, side world.Side, price int64, created time.Time) world.Order {
	return world.Order{
		ID: id, Owner: "c1", Side: side, Item: "grain", Location: "l1",
		Price: price, Quantity: 1, Remaining: 1, Status: world.StatusOpen, CreatedAt: created,
	}
}

func testOrderPriority(t *testing.T, s persistence.Store) {
	ctx := context.Background()
	in := []world.Order{
		order("b1", world.Buy, 10, base.Add(2*time.Second)),
		order("b2", world.Buy, 12, base.Add(3*time.Second)),
		order("b3", world.Buy, 10, base.Add(1*time.Second)),
		order("s1", world.Sell, 9, base.Add(2*time.Second)),
		order("s2", world.Sell, 8, base.Add(4*time.Second)),
		order("s3", world.Sell, 9, base.Add(1*time.Second)),
	}
	for _, o := range in {
		if err := s.InsertOrder(ctx, o); err != nil {
			t.Fatalf("insert %s: %v", o.ID, err)
		}
	}
	filled := order("b0", world.Buy, 99, base)
	filled.Status = world.StatusFilled
	if err := s.InsertOrder(ctx, filled); err != nil {
		t.Fatal(err)
	}

	key := world.BookKey{Location: "l1", Item: "grain"}
	ids := func(os []world.Order) []string {
		var out []string
		for _, o := range os {
			out = append(out, o.ID)
		}
		return out
	}
	bids, err := s.LiveOrders(ctx, key, world.Buy)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"b2", "b3", "b1"}, ids(bids)); diff != "" {
		t.Fatalf("bid priority (-want +got):\n%s", diff)
	}
	asks, err := s.LiveOrders(ctx, key, world.Sell)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"s2", "s3", "s1"}, ids(asks)); diff != "" {
		t.Fatalf("ask priority (-want +got):\n%s", diff)
	}
	books, err := s.LiveBooks(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]world.BookKey{key}, books); diff != "" {
		t.Fatalf("books (-want +got):\n%s", diff)
	}

	b1 := bids[2]
	b1.Status = world.StatusCancelled
	if err := s.UpdateOrder(ctx, b1); err != nil {
		t.Fatal(err)
	}
	got, err := s.Order(ctx, "b1")
	if err != nil || got.Status != world.StatusCancelled {
		t.Fatalf("order=%+v err=%v", got, err)
	}
	if !got.CreatedAt.Equal(b1.CreatedAt) {
		t.Fatalf("created_at=%v want=%v", got.CreatedAt, b1.CreatedAt)
	}
}

func testExpiredOrders(t *testing.T, s persistence.Store) {
	ctx := context.Background()
	past := base.Add(-time.Hour)
	future := base.Add(time.Hour)
	a := order("a", world.Buy, 5, base)
	a.Expiry = &past
	b := order("b", world.Buy, 5, base)
	b.Expiry = &future
	c := order("c", world.Sell, 5, base)
	c.Expiry = &past
	c.Status = world.StatusExpired
	for _, o := range []world.Order{a, b, c, order("d", world.Sell, 6, base)} {
		if err := s.InsertOrder(ctx, o); err != nil {
			t.Fatal(err)
		}
	}
	got, err := s.ExpiredOrders(ctx, base)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "a" {
		t.Fatalf("expired=%v want only a", got)
	}
	if got[0].Expiry == nil || !got[0].Expiry.Equal(past) {
		t.Fatalf("expiry=%v want=%v", got[0].Expiry, past)
	}
}

func testTxRollback(t *testing.T, s persistence.Store) {
	ctx := context.Background()
	if err := s.SaveCharacter(ctx, world.Character{ID: "c1", Name: "A", LocationID: "l1", Balance: 10, Alive: true}); err != nil {
		t.Fatal(err)
	}
	boom := errors.New("boom")
	err := s.RunInTx(ctx, func(ctx context.Context) error {
		if _, err := s.AdjustBalance(ctx, "c1", -10); err != nil {
			return err
		}
		if _, err := s.AdjustInventory(ctx, "c1", "grain", 3); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err=%v want boom", err)
	}
	c, _ := s.Character(ctx, "c1")
	n, _ := s.Inventory(ctx, "c1", "grain")
	if c.Balance != 10 || n != 0 {
		t.Fatalf("after rollback balance=%d grain=%d want 10/0", c.Balance, n)
	}

	err = s.RunInTx(ctx, func(ctx context.Context) error {
		_, err := s.AdjustBalance(ctx, "c1", 5)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	c, _ = s.Character(ctx, "c1")
	if c.Balance != 15 {
		t.Fatalf("after commit balance=%d want=15", c.Balance)
	}
}

func testEvents(t *testing.T, s persistence.Store) {
	ctx := context.Background()
	for i, typ := range []string{world.EventTrade, world.EventNpcReply, world.EventTrade} {
		e := world.NewEvent(uint64(i), typ, "l1", map[string]any{"n": i})
		if err := s.AppendEvent(ctx, e); err != nil {
			t.Fatal(err)
		}
	}
	trades, err := s.RecentEvents(ctx, world.EventTrade, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(trades) != 2 || trades[0].Tick != 2 || trades[1].Tick != 0 {
		t.Fatalf("trade events=%+v want ticks [2 0]", trades)
	}
	if n, ok := trades[0].PayloadInt("n"); !ok || n != 2 {
		t.Fatalf("payload n=%d ok=%v", n, ok)
	}
	all, err := s.RecentEvents(ctx, "", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 || all[0].Tick != 2 || all[1].Tick != 1 {
		t.Fatalf("recent=%+v want ticks [2 1]", all)
	}
}

func testEssenceAndMeta(t *testing.T, s persistence.Store) {
	ctx := context.Background()
	if _, err := s.Essence(ctx, "c1"); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("essence err=%v want ErrNotFound", err)
	}
	want := world.NpcEssence{CharacterID: "c1", Mood: 0.25, Energy: 0.5, Motivation: 0.75, LastAction: "spoke", UpdatedTick: 7}
	if err := s.SaveEssence(ctx, want); err != nil {
		t.Fatal(err)
	}
	got, err := s.Essence(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("essence (-want +got):\n%s", diff)
	}

	if _, err := s.Meta(ctx, persistence.MetaLastTick); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("meta err=%v want ErrNotFound", err)
	}
	if err := s.SetMeta(ctx, persistence.MetaLastTick, "41"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetMeta(ctx, persistence.MetaLastTick, "42"); err != nil {
		t.Fatal(err)
	}
	if v, err := s.Meta(ctx, persistence.MetaLastTick); err != nil || v != "42" {
		t.Fatalf("meta=%q err=%v", v, err)
	}
}

func testTrades(t *testing.T, s persistence.Store) {
	ctx := context.Background()
	key := world.BookKey{Location: "l1", Item: "grain"}
	for i := int64(1); i <= 3; i++ {
		tr := world.Trade{ID: string(rune('a' + i)), Timestamp: base, Item: "grain", Location: "l1", Price: i, Quantity: 1}
		if err := s.InsertTrade(ctx, tr); err != nil {
			t.Fatal(err)
		}
	}
	got, err := s.RecentTrades(ctx, key, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Price != 3 || got[1].Price != 2 {
		t.Fatalf("recent trades=%+v want prices [3 2]", got)
	}
}
