// Package api exposes the trading core over REST and WebSocket.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/mrxshz77/mrxcoin/pkg/engine"
	"github.com/mrxshz77/mrxcoin/pkg/engine/events"
	"github.com/mrxshz77/mrxcoin/pkg/engine/flashloan"
	"github.com/mrxshz77/mrxcoin/pkg/engine/margin"
	"github.com/mrxshz77/mrxcoin/pkg/engine/market"
	"github.com/mrxshz77/mrxcoin/pkg/engine/oracle"
	"github.com/mrxshz77/mrxcoin/pkg/engine/orderbook"
)

const defaultDepth = 20

// Server handles REST API and WebSocket connections. All account state goes
// through the engine, never the ledger directly, so requests hold the engine
// gate and cannot observe or disturb an exclusive session.
type Server struct {
	engine  *engine.Engine
	markets *market.Registry
	oracle  oracle.Oracle
	loans   *flashloan.Coordinator
	bus     *events.Bus
	router  *mux.Router
	hub     *Hub
	log     *zap.Logger
}

// NewServer wires the REST router and the WebSocket hub.
func NewServer(eng *engine.Engine, reg *market.Registry, px oracle.Oracle, loans *flashloan.Coordinator, bus *events.Bus, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		engine:  eng,
		markets: reg,
		oracle:  px,
		loans:   loans,
		bus:     bus,
		router:  mux.NewRouter(),
		hub:     NewHub(log),
		log:     log,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Market endpoints
	api.HandleFunc("/markets", s.handleGetMarkets).Methods("GET")
	api.HandleFunc("/markets/{symbol}", s.handleGetMarket).Methods("GET")
	api.HandleFunc("/markets/{symbol}/orderbook", s.handleGetOrderbook).Methods("GET")
	api.HandleFunc("/markets/{symbol}/trades", s.handleGetTrades).Methods("GET")

	// Account endpoints
	api.HandleFunc("/accounts/{address}", s.handleGetAccount).Methods("GET")
	api.HandleFunc("/accounts/{address}/positions", s.handleGetPositions).Methods("GET")
	api.HandleFunc("/accounts/{address}/orders", s.handleGetOrders).Methods("GET")
	api.HandleFunc("/accounts/deposit", s.handleDeposit).Methods("POST")

	// Order submission
	api.HandleFunc("/orders", s.handleSubmitOrder).Methods("POST")
	api.HandleFunc("/orders/cancel", s.handleCancelOrder).Methods("POST")

	// Flash loans
	api.HandleFunc("/flashloans", s.handleFlashLoan).Methods("POST")
	api.HandleFunc("/flashloans/pool/{asset}", s.handleGetPool).Methods("GET")

	// WebSocket endpoint
	s.router.HandleFunc("/ws", s.handleWebSocket)

	// Health check
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Start runs the hub, the event bridge and the HTTP listener.
func (s *Server) Start(addr string) error {
	go s.hub.Run()
	go s.bridgeEvents()

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"http://localhost:3000", "http://localhost:3001"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})
	handler := c.Handler(s.router)

	s.log.Info("api server starting", zap.String("addr", addr))
	return http.ListenAndServe(addr, handler)
}

// ==============================
// REST Handlers
// ==============================

func (s *Server) handleGetMarkets(w http.ResponseWriter, r *http.Request) {
	markets := s.markets.List()
	response := make([]MarketInfo, len(markets))
	for i, m := range markets {
		response[i] = marketInfo(m)
	}
	respondJSON(w, response)
}

func (s *Server) handleGetMarket(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	m, ok := s.markets.Get(symbol)
	if !ok {
		respondError(w, http.StatusNotFound, "unknown_symbol", symbol)
		return
	}
	respondJSON(w, marketInfo(m))
}

func marketInfo(m *market.Market) MarketInfo {
	return MarketInfo{
		Symbol:      m.Symbol,
		BaseAsset:   m.BaseAsset,
		QuoteAsset:  m.QuoteAsset,
		Status:      m.Status.String(),
		PriceScale:  m.PriceScale,
		MaxLeverage: m.MaxLeverage,
		MakerFeeBps: m.MakerFeeBps,
		TakerFeeBps: m.TakerFeeBps,
		MinNotional: m.MinNotional,
	}
}

func (s *Server) handleGetOrderbook(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	depth := defaultDepth
	if d, err := strconv.Atoi(r.URL.Query().Get("depth")); err == nil && d > 0 {
		depth = d
	}

	bids, asks, err := s.engine.Snapshot(symbol, depth)
	if err != nil {
		respondError(w, http.StatusNotFound, engine.Reason(err), err.Error())
		return
	}
	respondJSON(w, snapshotDTO(symbol, bids, asks))
}

func snapshotDTO(symbol string, bids, asks []orderbook.Level) OrderbookSnapshot {
	toLevels := func(in []orderbook.Level) []PriceLevel {
		out := make([]PriceLevel, len(in))
		for i, lv := range in {
			out[i] = PriceLevel{Price: lv.Price, Size: lv.Qty}
		}
		return out
	}
	return OrderbookSnapshot{
		Symbol:    symbol,
		Bids:      toLevels(bids),
		Asks:      toLevels(asks),
		Timestamp: time.Now().UnixMilli(),
	}
}

func (s *Server) handleGetTrades(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	limit := 100
	if n, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && n > 0 {
		limit = n
	}

	trades, err := s.engine.RecentTrades(symbol, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	response := make([]TradeInfo, len(trades))
	for i, t := range trades {
		response[i] = TradeInfo{
			ID:        t.ID,
			Symbol:    t.Symbol,
			Price:     t.Price,
			Qty:       t.Qty,
			TakerSide: t.TakerSide.String(),
			Timestamp: t.Timestamp,
		}
	}
	respondJSON(w, response)
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	addr, ok := parseAddress(w, mux.Vars(r)["address"])
	if !ok {
		return
	}

	balances := s.engine.Balances(addr)
	response := AccountInfo{Address: addr.Hex()}
	for asset, e := range balances {
		response.Balances = append(response.Balances, BalanceInfo{
			Asset:     asset,
			Available: e.Available,
			Locked:    e.Locked,
		})
	}
	respondJSON(w, response)
}

func (s *Server) handleGetPositions(w http.ResponseWriter, r *http.Request) {
	addr, ok := parseAddress(w, mux.Vars(r)["address"])
	if !ok {
		return
	}

	positions := make([]PositionInfo, 0)
	for _, pos := range s.engine.Positions(addr) {
		mark := pos.EntryPrice
		if mid, _, err := s.oracle.MidPrice(pos.Symbol); err == nil {
			mark = mid
		}
		positions = append(positions, PositionInfo{
			Symbol:        pos.Symbol,
			Size:          pos.Size,
			EntryPrice:    pos.EntryPrice,
			MarkPrice:     mark,
			UnrealizedPnL: pos.UnrealizedPnL(mark),
			Margin:        pos.Margin,
			Leverage:      pos.Leverage,
		})
	}
	respondJSON(w, positions)
}

func (s *Server) handleGetOrders(w http.ResponseWriter, r *http.Request) {
	addr, ok := parseAddress(w, mux.Vars(r)["address"])
	if !ok {
		return
	}

	orders := s.engine.OpenOrders(addr)
	response := make([]OrderInfo, len(orders))
	for i, o := range orders {
		response[i] = orderInfo(o)
	}
	respondJSON(w, response)
}

func orderInfo(o orderbook.Order) OrderInfo {
	return OrderInfo{
		OrderID:      o.ID,
		Symbol:       o.Symbol,
		Side:         o.Side.String(),
		Type:         o.Type.String(),
		Price:        o.Price,
		TriggerPrice: o.TriggerPrice,
		Qty:          o.Qty,
		Remaining:    o.Remaining,
		Leverage:     o.Leverage,
		Status:       o.Status.String(),
		CreatedAt:    o.CreatedAt,
	}
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var req DepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_order", err.Error())
		return
	}
	addr, ok := parseAddress(w, req.Address)
	if !ok {
		return
	}
	if err := s.engine.Deposit(addr, req.Asset, req.Amount); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_order", err.Error())
		return
	}
	respondJSON(w, s.engine.Balance(addr, req.Asset))
}

func (s *Server) handleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req SubmitOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_order", err.Error())
		return
	}
	addr, ok := parseAddress(w, req.Address)
	if !ok {
		return
	}
	side, err := parseSide(req.Side)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_order", err.Error())
		return
	}
	typ, err := parseType(req.Type)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_order", err.Error())
		return
	}

	result, err := s.engine.SubmitOrder(engine.OrderRequest{
		Account:      addr,
		Symbol:       req.Symbol,
		Side:         side,
		Type:         typ,
		Price:        req.Price,
		TriggerPrice: req.TriggerPrice,
		Qty:          req.Qty,
		Leverage:     req.Leverage,
	})
	if err != nil {
		respondError(w, rejectionStatus(err), engine.Reason(err), err.Error())
		return
	}

	response := SubmitOrderResponse{OrderID: result.OrderID, Status: result.Status.String()}
	for _, t := range result.Trades {
		response.Trades = append(response.Trades, TradeInfo{
			ID:        t.ID,
			Symbol:    t.Symbol,
			Price:     t.Price,
			Qty:       t.Qty,
			TakerSide: t.TakerSide.String(),
			Timestamp: t.Timestamp,
		})
	}
	respondJSON(w, response)
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	var req CancelOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_order", err.Error())
		return
	}
	addr, ok := parseAddress(w, req.Address)
	if !ok {
		return
	}

	status := "not_found"
	if s.engine.CancelOrder(addr, req.OrderID) {
		status = "cancelled"
	}
	respondJSON(w, CancelOrderResponse{OrderID: req.OrderID, Status: status})
}

func (s *Server) handleFlashLoan(w http.ResponseWriter, r *http.Request) {
	var req FlashLoanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_order", err.Error())
		return
	}
	addr, ok := parseAddress(w, req.Address)
	if !ok {
		return
	}

	receipt, err := s.loans.RequestRef(addr, req.Asset, req.Principal, req.StrategyRef)
	if err != nil {
		respondError(w, http.StatusUnprocessableEntity, loanReason(err), err.Error())
		return
	}
	respondJSON(w, FlashLoanResponse{
		LoanID:    receipt.LoanID,
		Principal: receipt.Principal,
		Fee:       receipt.Fee,
		State:     flashloan.StateCommitted,
	})
}

func (s *Server) handleGetPool(w http.ResponseWriter, r *http.Request) {
	asset := mux.Vars(r)["asset"]
	respondJSON(w, PoolInfo{Asset: asset, Liquidity: s.loans.PoolLiquidity(asset)})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{"status": "ok"}
	for _, m := range s.markets.List() {
		if halted, cause := s.engine.Halted(m.Symbol); halted {
			status["status"] = "degraded"
			status[m.Symbol] = "halted: " + cause.Error()
		}
	}
	respondJSON(w, status)
}

// ==============================
// Event Bridge
// ==============================

// bridgeEvents fans the engine event stream out to WebSocket channels.
func (s *Server) bridgeEvents() {
	for ev := range s.bus.Subscribe(1024) {
		switch ev.Type {
		case events.TradeExecuted:
			s.hub.BroadcastToChannel("trades:"+ev.Symbol, ev)
			s.broadcastOrderbook(ev.Symbol)
		case events.OrderAccepted:
			if p, ok := ev.Payload.(events.OrderAcceptedPayload); ok {
				s.hub.BroadcastToChannel("account:"+p.Account.Hex(), ev)
			}
			s.broadcastOrderbook(ev.Symbol)
		case events.OrderRejected:
			if p, ok := ev.Payload.(events.OrderRejectedPayload); ok {
				s.hub.BroadcastToChannel("account:"+p.Account.Hex(), ev)
			}
		case events.PositionUpdated:
			if p, ok := ev.Payload.(events.PositionPayload); ok {
				s.hub.BroadcastToChannel("account:"+p.Account.Hex(), ev)
			}
		case events.FlashLoanStateChanged:
			s.hub.BroadcastToChannel("flashloan", ev)
		}
	}
}

func (s *Server) broadcastOrderbook(symbol string) {
	bids, asks, err := s.engine.Snapshot(symbol, defaultDepth)
	if err != nil {
		return
	}
	s.hub.BroadcastToChannel("orderbook:"+symbol, snapshotDTO(symbol, bids, asks))
}

// ==============================
// Helper Functions
// ==============================

func parseAddress(w http.ResponseWriter, raw string) (common.Address, bool) {
	if !common.IsHexAddress(raw) {
		respondError(w, http.StatusBadRequest, "invalid_order", "invalid address")
		return common.Address{}, false
	}
	return common.HexToAddress(raw), true
}

func parseSide(raw string) (orderbook.Side, error) {
	switch raw {
	case "buy":
		return orderbook.Buy, nil
	case "sell":
		return orderbook.Sell, nil
	default:
		return 0, errors.New("side must be buy or sell")
	}
}

func parseType(raw string) (orderbook.Type, error) {
	switch raw {
	case "limit", "":
		return orderbook.Limit, nil
	case "market":
		return orderbook.Market, nil
	case "stop":
		return orderbook.Stop, nil
	case "take_profit":
		return orderbook.TakeProfit, nil
	default:
		return 0, errors.New("unknown order type " + raw)
	}
}

// rejectionStatus maps engine rejections to HTTP codes: client mistakes are
// 4xx, halted shards 503.
func rejectionStatus(err error) int {
	switch {
	case errors.Is(err, engine.ErrShardHalted):
		return http.StatusServiceUnavailable
	case errors.Is(err, engine.ErrUnknownSymbol):
		return http.StatusNotFound
	case errors.Is(err, margin.ErrInsufficientMargin), errors.Is(err, engine.ErrInsufficientLiquidity):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusBadRequest
	}
}

func loanReason(err error) string {
	for _, sentinel := range []error{
		flashloan.ErrInsufficientLiquidity,
		flashloan.ErrTimeout,
		flashloan.ErrUnknownStrategy,
		flashloan.ErrRepayment,
	} {
		if errors.Is(err, sentinel) {
			return sentinel.Error()
		}
	}
	return engine.Reason(err)
}

func respondJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, reason string, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   reason,
		Message: message,
	})
}
