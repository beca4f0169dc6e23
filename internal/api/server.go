// Package api provides the HTTP control surface of a running world.
// GET endpoints are public (read-only observation).
// POST endpoints require a bearer token (admin control plane).
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/timeshift92/emperium-sub001/internal/cognition"
	"github.com/timeshift92/emperium-sub001/internal/economy"
	"github.com/timeshift92/emperium-sub001/internal/engine"
	"github.com/timeshift92/emperium-sub001/internal/events"
	"github.com/timeshift92/emperium-sub001/internal/llm"
	"github.com/timeshift92/emperium-sub001/internal/persistence"
	"github.com/timeshift92/emperium-sub001/internal/world"
)

const (
	maxStreams   = 8
	catchUp      = 50
	writeTimeout = 5 * time.Second
	pingEvery    = 15 * time.Second
)

// Server serves the world over HTTP. Scheduler and Services are required;
// the rest are optional and their sections are omitted when nil.
type Server struct {
	Scheduler  *engine.Scheduler
	Services   *engine.Services
	Hub        *events.Hub
	Dispatcher *events.Dispatcher
	Cognition  *cognition.Queue
	Router     *llm.Router

	AdminKey           string // Bearer token for POST endpoints. Empty = POST disabled.
	CORSOrigins        []string
	CognitionPerMinute int

	streams     atomic.Int32
	stopOnce    sync.Once
	stopStreams chan struct{}
	closeOnce   sync.Once
}

// Handler builds the routed handler.
func (s *Server) Handler() http.Handler {
	cognitionLimiter := NewRateLimiter(s.CognitionPerMinute)

	mux := http.NewServeMux()

	// Public endpoints.
	mux.HandleFunc("GET /api/v1/status", s.handleStatus)
	mux.HandleFunc("GET /api/v1/events", s.handleEvents)
	mux.HandleFunc("GET /api/v1/market", s.handleMarket)
	mux.HandleFunc("GET /api/v1/speed", s.handleSpeed)
	mux.HandleFunc("GET /api/v1/stream", s.handleStream)

	// Admin endpoints.
	mux.HandleFunc("POST /api/v1/orders", s.adminOnly(s.handlePlaceOrder))
	mux.HandleFunc("POST /api/v1/orders/cancel", s.adminOnly(s.handleCancelOrder))
	mux.HandleFunc("POST /api/v1/cognition", s.adminOnly(RateLimitMiddleware(cognitionLimiter, s.handleCognition)))
	mux.HandleFunc("POST /api/v1/speed", s.adminOnly(s.handleSpeed))

	return corsMiddleware(s.CORSOrigins, mux)
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	// Shutdown neither closes nor waits for hijacked websocket connections.
	srv.RegisterOnShutdown(s.CloseStreams)
	slog.Info("HTTP API starting", "addr", addr, "admin_auth", s.AdminKey != "")

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()

	select {
	case err := <-errc:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	}
}

func (s *Server) streamsStopped() chan struct{} {
	s.stopOnce.Do(func() { s.stopStreams = make(chan struct{}) })
	return s.stopStreams
}

// CloseStreams sends a going-away frame to every open stream, ends it, and
// refuses new ones.
func (s *Server) CloseStreams() {
	ch := s.streamsStopped()
	s.closeOnce.Do(func() { close(ch) })
}

// corsMiddleware adds CORS headers for allowed frontend origins. Localhost
// dev servers are always allowed.
func corsMiddleware(origins []string, next http.Handler) http.Handler {
	allowed := map[string]bool{
		"http://localhost:5173": true,
		"http://localhost:3000": true,
	}
	for _, o := range origins {
		allowed[o] = true
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if allowed[origin] {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// adminOnly requires the admin bearer token on POST requests.
func (s *Server) adminOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			if s.AdminKey == "" {
				http.Error(w, "admin endpoints disabled (no admin key set)", http.StatusForbidden)
				return
			}
			if r.Header.Get("Authorization") != "Bearer "+s.AdminKey {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		next(w, r)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	tick := s.Scheduler.CurrentTick()
	cal := world.CalendarAt(tick)
	weather, _ := s.Services.Store.Meta(r.Context(), persistence.MetaWeather)

	status := map[string]any{
		"tick":     tick,
		"sim_time": world.SimTime(tick),
		"season":   world.SeasonName(cal.Season),
		"day":      cal.Day,
		"speed":    s.Scheduler.Speed(),
		"running":  s.Scheduler.Running(),
		"agents":   s.Scheduler.Agents(),
		"weather":  weather,
	}
	if s.Dispatcher != nil {
		status["events"] = s.Dispatcher.Stats()
	}
	if s.Cognition != nil {
		status["cognition"] = s.Cognition.Stats()
	}
	if s.Router != nil {
		status["generation"] = s.Router.Stats()
	}
	if s.Hub != nil {
		status["subscribers"] = s.Hub.Subscribers()
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50, 500)
	evs, err := s.Services.Store.RecentEvents(r.Context(), r.URL.Query().Get("type"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if evs == nil {
		evs = []world.Event{}
	}
	writeJSON(w, http.StatusOK, evs)
}

func (s *Server) handleMarket(w http.ResponseWriter, r *http.Request) {
	location, item := r.URL.Query().Get("location"), r.URL.Query().Get("item")
	if location == "" || item == "" {
		http.Error(w, "location and item are required", http.StatusBadRequest)
		return
	}
	book, err := s.Services.Market.Book(r.Context(), location, item)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	trades, err := s.Services.Store.RecentTrades(r.Context(), book.Key, queryInt(r, "trades", 20, 200))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	season := world.CalendarAt(s.Scheduler.CurrentTick()).Season
	writeJSON(w, http.StatusOK, map[string]any{
		"book":       book,
		"trades":     trades,
		"fair_price": economy.FairPrice(season, item),
	})
}

type placeOrderRequest struct {
	Owner      string     `json:"owner"`
	Side       world.Side `json:"side"`
	Item       string     `json:"item"`
	Location   string     `json:"location"`
	Price      int64      `json:"price"`
	Quantity   int64      `json:"quantity"`
	TTLSeconds int64      `json:"ttl_seconds,omitempty"`
}

func (s *Server) handlePlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req placeOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	res, err := s.Services.Market.Place(r.Context(), economy.PlaceRequest{
		Owner:    req.Owner,
		Side:     req.Side,
		Item:     req.Item,
		Location: req.Location,
		Price:    req.Price,
		Quantity: req.Quantity,
		TTL:      time.Duration(req.TTLSeconds) * time.Second,
	})
	if err != nil {
		writeError(w, orderStatus(err), err)
		return
	}
	slog.Info("order placed via API", "order", res.Order.ID, "owner", req.Owner, "trades", len(res.Trades))
	writeJSON(w, http.StatusCreated, map[string]any{"order": res.Order, "trades": res.Trades})
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Owner   string `json:"owner"`
		OrderID string `json:"order_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	o, err := s.Services.Market.Cancel(r.Context(), req.Owner, req.OrderID)
	if err != nil {
		writeError(w, orderStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func orderStatus(err error) int {
	switch {
	case economy.IsRejection(err):
		return http.StatusUnprocessableEntity
	case errors.Is(err, persistence.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, economy.ErrNotOwner):
		return http.StatusForbidden
	case errors.Is(err, economy.ErrNotCancellable):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleCognition(w http.ResponseWriter, r *http.Request) {
	if s.Cognition == nil {
		http.Error(w, "cognition disabled", http.StatusServiceUnavailable)
		return
	}
	var req struct {
		CharacterID string `json:"character_id"`
		Role        string `json:"role,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if _, err := s.Services.Store.Character(r.Context(), req.CharacterID); err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	// The request must outlive this HTTP call.
	err := s.Cognition.Submit(context.WithoutCancel(r.Context()), req.CharacterID, req.Role)
	switch {
	case errors.Is(err, cognition.ErrQueueFull), errors.Is(err, cognition.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, err)
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
	default:
		writeJSON(w, http.StatusAccepted, map[string]any{"character_id": req.CharacterID, "queued": true})
	}
}

func (s *Server) handleSpeed(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodPost {
		var req struct {
			Speed float64 `json:"speed"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		if req.Speed < 0 || req.Speed > 1000 {
			http.Error(w, "speed must be 0-1000", http.StatusBadRequest)
			return
		}
		s.Scheduler.SetSpeed(req.Speed)
		slog.Info("speed changed", "speed", req.Speed)
	}
	writeJSON(w, http.StatusOK, map[string]float64{"speed": s.Scheduler.Speed()})
}

// handleStream upgrades to a websocket and streams persisted events as JSON
// text messages, starting with recent history. ?type= filters by event type.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.Hub == nil {
		http.Error(w, "streaming disabled", http.StatusServiceUnavailable)
		return
	}
	stopped := s.streamsStopped()
	select {
	case <-stopped:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}
	if s.streams.Add(1) > maxStreams {
		s.streams.Add(-1)
		http.Error(w, "too many stream connections", http.StatusServiceUnavailable)
		return
	}
	defer s.streams.Add(-1)

	allowed := append([]string{"http://localhost:5173", "http://localhost:3000"}, s.CORSOrigins...)
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 16 * 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || origin == "http://"+r.Host || slices.Contains(allowed, origin)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	typ := r.URL.Query().Get("type")
	subID, ch := s.Hub.Subscribe(256)
	defer s.Hub.Unsubscribe(subID)

	// Subscribe first so nothing falls between history and live events.
	history, err := s.Services.Store.RecentEvents(r.Context(), typ, catchUp)
	if err != nil {
		slog.Warn("stream history unavailable", "error", err)
	}
	seen := make(map[string]bool, len(history))
	slices.Reverse(history)
	for _, e := range history {
		seen[e.ID] = true
		if err := writeEvent(conn, e); err != nil {
			return
		}
	}

	// Reader: handles control frames and notices the client leaving.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	slog.Info("stream client connected", "sub_id", subID, "type", typ)
	ping := time.NewTicker(pingEvery)
	defer ping.Stop()
	for {
		select {
		case e, ok := <-ch:
			if !ok {
				return
			}
			if seen[e.ID] || (typ != "" && e.Type != typ) {
				continue
			}
			if err := writeEvent(conn, e); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		case <-gone:
			slog.Info("stream client disconnected", "sub_id", subID)
			return
		case <-stopped:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(time.Second))
			return
		case <-r.Context().Done():
			return
		}
	}
}

func writeEvent(conn *websocket.Conn, e world.Event) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(e)
}

func queryInt(r *http.Request, key string, def, upper int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= upper {
			return n
		}
	}
	return def
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
