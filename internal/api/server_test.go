package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/timeshift92/emperium-sub001/internal/cognition"
	"github.com/timeshift92/emperium-sub001/internal/economy"
	"github.com/timeshift92/emperium-sub001/internal/engine"
	"github.com/timeshift92/emperium-sub001/internal/events"
	"github.com/timeshift92/emperium-sub001/internal/persistence"
	"github.com/timeshift92/emperium-sub001/internal/world"
)

const adminKey = "test-admin-key"

type fixture struct {
	srv        *httptest.Server
	svc        *engine.Services
	dispatcher *events.Dispatcher
	sched      *engine.Scheduler
	api        *Server
}

func newFixture(t *testing.T, perMinute int) *fixture {
	t.Helper()
	ctx := context.Background()
	store := persistence.NewMemoryStore()
	hub := events.NewHub()
	d := events.NewDispatcher(events.Config{BufferSize: 64}, store, hub)
	d.Start()

	clock := world.NewClock(60)
	market := economy.NewMarket(store, d)
	q := cognition.NewQueue(store, cognition.SenderFunc(func(ctx context.Context, prompt string) (string, error) {
		return `{"reply": "Добрый день."}`, nil
	}), d, clock, cognition.DefaultOptions())
	q.Start()

	svc := &engine.Services{Store: store, Events: d, Market: market, Cognition: q, Clock: clock}
	sched, err := engine.NewScheduler(svc)
	if err != nil {
		t.Fatal(err)
	}

	store.SaveLocation(ctx, world.Location{ID: "mill", Name: "Old Mill"})
	store.SaveCharacter(ctx, world.Character{ID: "c1", Name: "Asel", LocationID: "mill", Occupation: "farmer", Alive: true, Balance: 100})
	store.AdjustInventory(ctx, "c1", economy.ItemGrain, 10)

	s := &Server{
		Scheduler:          sched,
		Services:           svc,
		Hub:                hub,
		Dispatcher:         d,
		Cognition:          q,
		AdminKey:           adminKey,
		CognitionPerMinute: perMinute,
	}
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		q.Close(context.Background())
		d.Close(context.Background())
	})
	return &fixture{srv: ts, svc: svc, dispatcher: d, sched: sched, api: s}
}

func (f *fixture) post(t *testing.T, path, key string, body any) *http.Response {
	t.Helper()
	b, _ := json.Marshal(body)
	req, _ := http.NewRequest(http.MethodPost, f.srv.URL+path, strings.NewReader(string(b)))
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (f *fixture) get(t *testing.T, path string, v any) {
	t.Helper()
	resp, err := http.Get(f.srv.URL + path)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET %s status=%d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatal(err)
	}
}

func TestStatus(t *testing.T) {
	f := newFixture(t, 10)
	var status map[string]any
	f.get(t, "/api/v1/status", &status)
	if status["tick"].(float64) != 60 || status["sim_time"] == "" || status["season"] != "Spring" {
		t.Fatalf("status=%v", status)
	}
	if _, ok := status["cognition"]; !ok {
		t.Fatal("status lacks cognition stats")
	}
}

func TestAdminAuth(t *testing.T) {
	f := newFixture(t, 10)
	if resp := f.post(t, "/api/v1/speed", "", map[string]float64{"speed": 2}); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no token status=%d", resp.StatusCode)
	}
	if resp := f.post(t, "/api/v1/speed", "wrong", map[string]float64{"speed": 2}); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong token status=%d", resp.StatusCode)
	}
	if resp := f.post(t, "/api/v1/speed", adminKey, map[string]float64{"speed": 2}); resp.StatusCode != http.StatusOK {
		t.Fatalf("admin status=%d", resp.StatusCode)
	}
	if f.sched.Speed() != 2 {
		t.Fatalf("speed=%v", f.sched.Speed())
	}
	if resp := f.post(t, "/api/v1/speed", adminKey, map[string]float64{"speed": -1}); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("negative speed status=%d", resp.StatusCode)
	}

	disabled := &Server{Scheduler: f.sched, Services: f.svc}
	ts := httptest.NewServer(disabled.Handler())
	defer ts.Close()
	resp, err := http.Post(ts.URL+"/api/v1/speed", "application/json", strings.NewReader(`{"speed":1}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("no admin key status=%d", resp.StatusCode)
	}
}

func TestOrderLifecycle(t *testing.T) {
	f := newFixture(t, 10)

	resp := f.post(t, "/api/v1/orders", adminKey, placeOrderRequest{
		Owner: "c1", Side: world.Sell, Item: economy.ItemGrain, Location: "mill", Price: 4, Quantity: 6,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("place status=%d", resp.StatusCode)
	}
	var placed struct {
		Order world.Order `json:"order"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&placed); err != nil {
		t.Fatal(err)
	}
	if placed.Order.ReservedQty != 6 || placed.Order.Status != world.StatusOpen {
		t.Fatalf("order=%+v", placed.Order)
	}

	// Only 4 grain remain unreserved.
	resp = f.post(t, "/api/v1/orders", adminKey, placeOrderRequest{
		Owner: "c1", Side: world.Sell, Item: economy.ItemGrain, Location: "mill", Price: 4, Quantity: 5,
	})
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("over-reserve status=%d", resp.StatusCode)
	}

	var book struct {
		Book economy.BookView `json:"book"`
	}
	f.get(t, "/api/v1/market?location=mill&item=grain", &book)
	if len(book.Book.Asks) != 1 || len(book.Book.Bids) != 0 {
		t.Fatalf("book=%+v", book.Book)
	}

	cancel := map[string]string{"owner": "someone", "order_id": placed.Order.ID}
	if resp := f.post(t, "/api/v1/orders/cancel", adminKey, cancel); resp.StatusCode != http.StatusForbidden {
		t.Fatalf("foreign cancel status=%d", resp.StatusCode)
	}
	cancel["owner"] = "c1"
	if resp := f.post(t, "/api/v1/orders/cancel", adminKey, cancel); resp.StatusCode != http.StatusOK {
		t.Fatalf("cancel status=%d", resp.StatusCode)
	}
	if resp := f.post(t, "/api/v1/orders/cancel", adminKey, cancel); resp.StatusCode != http.StatusConflict {
		t.Fatalf("second cancel status=%d", resp.StatusCode)
	}
	cancel["order_id"] = "missing"
	if resp := f.post(t, "/api/v1/orders/cancel", adminKey, cancel); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing cancel status=%d", resp.StatusCode)
	}
}

func TestCognitionSubmitAndRateLimit(t *testing.T) {
	f := newFixture(t, 1)

	if resp := f.post(t, "/api/v1/cognition", adminKey, map[string]string{"character_id": "c1"}); resp.StatusCode != http.StatusAccepted {
		t.Fatalf("submit status=%d", resp.StatusCode)
	}
	resp := f.post(t, "/api/v1/cognition", adminKey, map[string]string{"character_id": "c1"})
	if resp.StatusCode != http.StatusTooManyRequests || resp.Header.Get("Retry-After") == "" {
		t.Fatalf("second submit status=%d retry=%q", resp.StatusCode, resp.Header.Get("Retry-After"))
	}

	g := newFixture(t, 10)
	if resp := g.post(t, "/api/v1/cognition", adminKey, map[string]string{"character_id": "ghost"}); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown character status=%d", resp.StatusCode)
	}
}

func TestEventsAndStream(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()

	f.svc.Emit(world.EventWeather, "", map[string]any{"description": "fog"})
	waitForEvents(t, f.svc.Store, world.EventWeather, 1)

	var evs []world.Event
	f.get(t, "/api/v1/events?type=weather", &evs)
	if len(evs) != 1 || evs[0].PayloadString("description") != "fog" {
		t.Fatalf("events=%v", evs)
	}

	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/api/v1/stream?type=weather"
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var got world.Event
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatal(err)
	}
	if got.PayloadString("description") != "fog" {
		t.Fatalf("history event=%+v", got)
	}

	// Live events of other types are filtered out.
	f.svc.Emit(world.EventTrade, "mill", nil)
	f.svc.Emit(world.EventWeather, "", map[string]any{"description": "rain"})
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatal(err)
	}
	if got.Type != world.EventWeather || got.PayloadString("description") != "rain" {
		t.Fatalf("live event=%+v", got)
	}
}

func TestCloseStreamsEndsOpenStreams(t *testing.T) {
	f := newFixture(t, 10)
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/api/v1/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	f.api.CloseStreams()
	f.api.CloseStreams()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
			t.Fatalf("read err=%v want going away", err)
		}
		break
	}

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil || resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("dial after close err=%v resp=%v", err, resp)
	}
}

func waitForEvents(t *testing.T, store persistence.Store, typ string, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		evs, err := store.RecentEvents(context.Background(), typ, n)
		if err == nil && len(evs) >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d %s events", n, typ)
}

func TestRateLimiter(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(2)
	rl.now = func() time.Time { return now }

	if rl.Reserve("a") != 0 || rl.Reserve("a") != 0 {
		t.Fatal("burst rejected")
	}
	if wait := rl.Reserve("a"); wait <= 0 || wait > 30*time.Second {
		t.Fatalf("third request wait=%v", wait)
	}
	if rl.Reserve("b") != 0 {
		t.Fatal("clients share a bucket")
	}

	now = now.Add(30 * time.Second)
	if rl.Reserve("a") != 0 {
		t.Fatal("token not refilled")
	}

	now = now.Add(time.Hour)
	rl.Cleanup(time.Minute)
	if len(rl.clients) != 0 {
		t.Fatalf("clients=%d after cleanup", len(rl.clients))
	}
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.0.0.1:5555"
	if got := clientIP(r); got != "10.0.0.1" {
		t.Fatalf("ip=%q", got)
	}
	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	if got := clientIP(r); got != "203.0.113.9" {
		t.Fatalf("forwarded ip=%q", got)
	}
}
