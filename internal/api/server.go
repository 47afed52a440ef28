// Package api exposes the market over HTTP: order submission and
// cancellation, paginated book views, per-listing market data, and a
// WebSocket feed of settled trades.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"bazaar/internal/matcher"
	"bazaar/internal/store"
)

type Server struct {
	store   *store.Store
	matcher *matcher.Matcher
	hub     *Hub
	limiter *RateLimiter
	log     *zap.Logger

	corsOrigins []string
	trendDays   int
	upgrader    websocket.Upgrader
}

func NewServer(st *store.Store, m *matcher.Matcher, trendDays int, corsOrigins []string, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		store:       st,
		matcher:     m,
		hub:         NewHub(),
		limiter:     NewRateLimiter(100, time.Minute),
		log:         log,
		corsOrigins: corsOrigins,
		trendDays:   trendDays,
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return s.originAllowed(r.Header.Get("Origin"))
		},
	}
	return s
}

func (s *Server) originAllowed(origin string) bool {
	if len(s.corsOrigins) == 0 || origin == "" {
		return true
	}
	for _, allowed := range s.corsOrigins {
		if origin == allowed {
			return true
		}
	}
	return false
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)

	allowedOrigins := s.corsOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Route("/api", func(r chi.Router) {
		r.With(s.limiter.Middleware).Post("/orders", s.submitOrder)
		r.With(s.limiter.Middleware).Delete("/orders/{side}/{id}", s.cancelOrder)
		r.Get("/orders/{side}/{id}", s.getOrder)
		r.Get("/book/{side}", s.getBook)
		r.Get("/market/{currency}/{listing}", s.getMarket)
		r.Get("/health", s.health)
	})

	r.Get("/ws", s.handleWebSocket)

	return r
}

type orderRequest struct {
	Listing   string `json:"listing"`
	Category  string `json:"category"`
	Side      string `json:"side"`
	Issuer    string `json:"issuer"`
	Price     string `json:"price"`
	Currency  string `json:"currency"`
	Amount    int64  `json:"amount"`
	Temporary bool   `json:"temporary"`
}

func (s *Server) submitOrder(w http.ResponseWriter, r *http.Request) {
	var req orderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	side, err := store.ParseSide(req.Side)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	listing, err := uuid.Parse(req.Listing)
	if err != nil {
		http.Error(w, "invalid listing id", http.StatusBadRequest)
		return
	}
	issuer, err := uuid.Parse(req.Issuer)
	if err != nil {
		http.Error(w, "invalid issuer id", http.StatusBadRequest)
		return
	}
	currency, err := uuid.Parse(req.Currency)
	if err != nil {
		http.Error(w, "invalid currency id", http.StatusBadRequest)
		return
	}
	price, err := decimal.NewFromString(req.Price)
	if err != nil {
		http.Error(w, "invalid price", http.StatusBadRequest)
		return
	}
	if req.Category == "" {
		http.Error(w, "category required", http.StatusBadRequest)
		return
	}

	id, err := s.store.AddOrder(listing, req.Category, side, issuer, price, currency, req.Amount, req.Temporary)
	if errors.Is(err, store.ErrInvalidPrice) || errors.Is(err, store.ErrInvalidStock) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err == nil {
		err = s.store.Commit()
	}
	if err != nil {
		s.store.Rollback()
		s.log.Error("order submit failed", zap.Error(err))
		http.Error(w, "order could not be stored", http.StatusInternalServerError)
		return
	}

	writeJSON(w, map[string]any{"order_id": id})
}

func (s *Server) cancelOrder(w http.ResponseWriter, r *http.Request) {
	side, err := store.ParseSide(chi.URLParam(r, "side"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid order id", http.StatusBadRequest)
		return
	}

	var cancelled int64
	err = s.store.CancelOrder(id, side, func(got int64) { cancelled = got })
	if err == nil {
		err = s.store.Commit()
	}
	if err != nil {
		s.store.Rollback()
		s.log.Error("order cancel failed", zap.Int64("order", id), zap.Error(err))
		http.Error(w, "order could not be cancelled", http.StatusInternalServerError)
		return
	}

	// cancelled == 0 means the order was already gone; that is a no-op,
	// not an error.
	writeJSON(w, map[string]any{"cancelled": cancelled})
}

func (s *Server) getOrder(w http.ResponseWriter, r *http.Request) {
	side, err := store.ParseSide(chi.URLParam(r, "side"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid order id", http.StatusBadRequest)
		return
	}

	order, err := s.store.GetInfo(id, side)
	if errors.Is(err, store.ErrOrderNotFound) {
		http.Error(w, "order not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "lookup failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, order)
}

func (s *Server) getBook(w http.ResponseWriter, r *http.Request) {
	side, err := store.ParseSide(chi.URLParam(r, "side"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	category := store.AllCategories
	if name := r.URL.Query().Get("category"); name != "" {
		id, ok := s.store.Categories().Lookup(name)
		if !ok {
			writeJSON(w, map[string]any{"total": 0, "orders": []store.Order{}})
			return
		}
		category = id
	}

	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 || limit > 500 {
		limit = 50
	}

	view := s.store.ListedOrders(side, category)
	total, err := view.Size()
	if err != nil {
		http.Error(w, "book query failed", http.StatusInternalServerError)
		return
	}
	orders, err := view.Get(offset, limit)
	if err != nil {
		http.Error(w, "book query failed", http.StatusInternalServerError)
		return
	}
	if orders == nil {
		orders = []store.Order{}
	}

	writeJSON(w, map[string]any{"total": total, "orders": orders})
}

type marketResponse struct {
	LowestAsk  *store.Order     `json:"lowest_ask,omitempty"`
	HighestBid *store.Order     `json:"highest_bid,omitempty"`
	Crossing   *crossingPreview `json:"crossing,omitempty"`
	LastPrice  string           `json:"last_price,omitempty"`
	Average    string           `json:"average,omitempty"`
	High       string           `json:"high,omitempty"`
	Low        string           `json:"low,omitempty"`
}

// crossingPreview describes the trade the settlement loop would execute next
// for this listing, if any.
type crossingPreview struct {
	SellOrderID int64  `json:"sell_order_id"`
	BuyOrderID  int64  `json:"buy_order_id"`
	Price       string `json:"price"`
	Amount      int64  `json:"amount"`
}

func (s *Server) getMarket(w http.ResponseWriter, r *http.Request) {
	currency, err := uuid.Parse(chi.URLParam(r, "currency"))
	if err != nil {
		http.Error(w, "invalid currency id", http.StatusBadRequest)
		return
	}
	listing, err := uuid.Parse(chi.URLParam(r, "listing"))
	if err != nil {
		http.Error(w, "invalid listing id", http.StatusBadRequest)
		return
	}

	var resp marketResponse
	if ask, err := s.store.LowestAsk(currency, listing); err == nil {
		resp.LowestAsk = ask
	}
	if bid, err := s.store.HighestBid(currency, listing); err == nil {
		resp.HighestBid = bid
	}
	if last, err := s.store.LastTradingPrice(currency, listing, s.trendDays); err == nil {
		resp.LastPrice = last.String()
	}
	if avg, err := s.store.LastTradingAverage(currency, listing, s.trendDays); err == nil {
		resp.Average = avg.String()
	}
	if high, err := s.store.HighestPoint(currency, listing, s.trendDays); err == nil {
		resp.High = high.String()
	}
	if low, err := s.store.LowestPoint(currency, listing, s.trendDays); err == nil {
		resp.Low = low.String()
	}
	_ = s.matcher.PeekListing(currency, listing, func(ti *matcher.TradeInfo) {
		if ti != nil {
			resp.Crossing = &crossingPreview{
				SellOrderID: ti.SellOrderID,
				BuyOrderID:  ti.BuyOrderID,
				Price:       ti.AskPrice.String(),
				Amount:      ti.Amount,
			}
		}
	})

	writeJSON(w, resp)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	client := &Client{
		hub:  s.hub,
		conn: conn,
		send: make(chan []byte, 256),
	}
	s.hub.Register(client)

	go client.WritePump()
	go client.ReadPump()
}

// HandleTrade broadcasts a settled trade to the feed; the settlement engine
// calls it through its OnTrade hook.
func (s *Server) HandleTrade(entry store.TradeLogEntry) {
	s.hub.Broadcast(map[string]any{
		"type":  "trade",
		"trade": entry,
	})
}

// Shutdown stops the server's internal goroutines.
func (s *Server) Shutdown() {
	s.limiter.Stop()
	s.hub.Stop()
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
