package weather

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/timeshift92/emperium-sub001/internal/world"
)

func TestFetchParsesAndCaches(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.URL.Query().Get("appid") != "key" || r.URL.Query().Get("units") != "metric" {
			http.Error(w, "bad query", http.StatusBadRequest)
			return
		}
		w.Write([]byte(`{"main":{"temp":4.5},"weather":[{"main":"Rain","description":"light rain"}],"wind":{"speed":3}}`))
	}))
	defer srv.Close()

	c := NewClient("key", "Bukhara,UZ").WithBaseURL(srv.URL)
	got, err := c.Fetch(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got.Temp != 4.5 || !got.IsRain || got.IsStorm || got.Description != "light rain" {
		t.Fatalf("conditions=%+v", got)
	}
	if _, err := c.Fetch(context.Background()); err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 1 {
		t.Fatalf("calls=%d want 1 (cached)", calls.Load())
	}
	if d := Describe(got, world.SeasonWinter); !strings.Contains(d, "light rain") || !strings.Contains(d, "raining") {
		t.Fatalf("describe=%q", d)
	}
}

func TestFetchBacksOff(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient("key", "").WithBaseURL(srv.URL)
	if _, err := c.Fetch(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if _, err := c.Fetch(context.Background()); err == nil || !strings.Contains(err.Error(), "backoff") {
		t.Fatalf("err=%v want backoff", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("calls=%d want 1", calls.Load())
	}
}

func TestNilClient(t *testing.T) {
	var c *Client = NewClient("", "")
	if c != nil {
		t.Fatal("client without key should be nil")
	}
	if _, err := c.Fetch(context.Background()); err == nil {
		t.Fatal("nil client fetched")
	}
	if Describe(nil, world.SeasonSummer) != "warm summer sun" {
		t.Fatal("season default")
	}
}
