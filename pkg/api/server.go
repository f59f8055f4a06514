// Package api exposes the engine over REST and WebSocket.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/perpengine/pkg/app/core"
	"github.com/uhyunpark/perpengine/pkg/app/perp"
	"github.com/uhyunpark/perpengine/pkg/metrics"
	"github.com/uhyunpark/perpengine/pkg/oracle"
)

const (
	defaultDepth      = 20
	defaultTradeLimit = 100
	defaultRiskPct    = 10
)

// Server handles REST API and WebSocket connections
type Server struct {
	app     *perp.App
	router  *mux.Router
	hub     *Hub
	logger  *zap.Logger
	origins []string
}

type ServerOption func(*Server)

func WithLogger(l *zap.Logger) ServerOption { return func(s *Server) { s.logger = l } }

// WithAllowedOrigins sets the CORS allow list. Empty allows any origin.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) { s.origins = origins }
}

func NewServer(app *perp.App, hub *Hub, opts ...ServerOption) *Server {
	s := &Server{
		app:    app,
		router: mux.NewRouter(),
		hub:    hub,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(metrics.Middleware)

	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Market endpoints
	api.HandleFunc("/markets", s.handleGetMarkets).Methods("GET")
	api.HandleFunc("/markets/{symbol}", s.handleGetMarket).Methods("GET")
	api.HandleFunc("/markets/{symbol}/orderbook", s.handleGetOrderbook).Methods("GET")
	api.HandleFunc("/markets/{symbol}/trades", s.handleGetTrades).Methods("GET")
	api.HandleFunc("/markets/{symbol}/funding", s.handleGetFunding).Methods("GET")
	api.HandleFunc("/markets/{symbol}/index-price", s.handleSetIndexPrice).Methods("POST")

	// Account endpoints
	api.HandleFunc("/accounts/{address}/balances", s.handleGetBalances).Methods("GET")
	api.HandleFunc("/accounts/{address}/positions", s.handleGetPositions).Methods("GET")
	api.HandleFunc("/accounts/{address}/orders", s.handleGetOrders).Methods("GET")
	api.HandleFunc("/accounts/{address}/deposit", s.handleDeposit).Methods("POST")
	api.HandleFunc("/accounts/{address}/withdraw", s.handleWithdraw).Methods("POST")

	// Order and position commands
	api.HandleFunc("/orders", s.handleSubmitOrder).Methods("POST")
	api.HandleFunc("/orders/cancel", s.handleCancelOrder).Methods("POST")
	api.HandleFunc("/positions/close", s.handleClosePosition).Methods("POST")

	// Risk
	api.HandleFunc("/risk/at-risk", s.handleAtRisk).Methods("GET")
	api.HandleFunc("/risk/liquidations", s.handleLiquidations).Methods("GET")

	if s.hub != nil {
		s.router.Handle("/ws", s.hub)
	}
	s.router.Handle("/metrics", metrics.Handler()).Methods("GET")
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Handler is the router wrapped in CORS.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   s.origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: len(s.origins) > 0,
	})
	return c.Handler(s.router)
}

// Start serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api_listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// ==============================
// Market handlers
// ==============================

func (s *Server) marketInfo(sym string) (MarketInfo, error) {
	m, err := s.app.Market(sym)
	if err != nil {
		return MarketInfo{}, err
	}
	info := MarketInfo{Market: m}
	if mark, ok := s.app.MarkPrice(sym); ok {
		info.MarkPrice = &mark
	}
	if rate, err := s.app.AnnualizedRate(sym); err == nil {
		info.AnnualizedFundingRate = &rate
	}
	return info, nil
}

func (s *Server) handleGetMarkets(w http.ResponseWriter, r *http.Request) {
	markets := s.app.Markets()
	response := make([]MarketInfo, 0, len(markets))
	for _, m := range markets {
		info, err := s.marketInfo(m.Symbol)
		if err != nil {
			continue
		}
		response = append(response, info)
	}
	respondJSON(w, response)
}

func (s *Server) handleGetMarket(w http.ResponseWriter, r *http.Request) {
	info, err := s.marketInfo(mux.Vars(r)["symbol"])
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, info)
}

func (s *Server) handleGetOrderbook(w http.ResponseWriter, r *http.Request) {
	depth, ok := intParam(w, r, "depth", defaultDepth)
	if !ok {
		return
	}
	view, err := s.app.Depth(mux.Vars(r)["symbol"], depth)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, view)
}

func (s *Server) handleGetTrades(w http.ResponseWriter, r *http.Request) {
	limit, ok := intParam(w, r, "limit", defaultTradeLimit)
	if !ok {
		return
	}
	trades, err := s.app.Trades(r.Context(), mux.Vars(r)["symbol"], limit)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, trades)
}

func (s *Server) handleGetFunding(w http.ResponseWriter, r *http.Request) {
	limit, ok := intParam(w, r, "limit", defaultTradeLimit)
	if !ok {
		return
	}
	history, err := s.app.FundingHistory(r.Context(), mux.Vars(r)["symbol"], limit)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, history)
}

// handleSetIndexPrice feeds the static oracle. Other sources are read-only.
func (s *Server) handleSetIndexPrice(w http.ResponseWriter, r *http.Request) {
	static, ok := s.app.Oracle().(*oracle.Static)
	if !ok {
		respondError(w, http.StatusConflict, string(perp.CodeInvalidRequest), "index price is managed by an external oracle")
		return
	}
	sym := mux.Vars(r)["symbol"]
	if _, err := s.app.Market(sym); err != nil {
		s.respondErr(w, err)
		return
	}
	var req IndexPriceRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if !req.Price.IsPositive() {
		respondError(w, http.StatusBadRequest, string(perp.CodeInvalidRequest), "price must be positive")
		return
	}
	static.Set(sym, req.Price)
	s.logger.Info("index_price_set", zap.String("market", sym), zap.String("price", req.Price.String()))
	respondJSON(w, map[string]string{"market": sym, "price": req.Price.String()})
}

// ==============================
// Account handlers
// ==============================

func (s *Server) handleGetBalances(w http.ResponseWriter, r *http.Request) {
	addr, ok := addressParam(w, r)
	if !ok {
		return
	}
	balances := s.app.Balances(addr)
	if balances == nil {
		balances = []core.Balance{}
	}
	respondJSON(w, balances)
}

func (s *Server) handleGetPositions(w http.ResponseWriter, r *http.Request) {
	addr, ok := addressParam(w, r)
	if !ok {
		return
	}
	risks := s.app.PositionRisks(addr)
	positions := make([]PositionInfo, 0, len(risks))
	for _, rk := range risks {
		positions = append(positions, positionInfo(rk))
	}
	respondJSON(w, positions)
}

func (s *Server) handleGetOrders(w http.ResponseWriter, r *http.Request) {
	addr, ok := addressParam(w, r)
	if !ok {
		return
	}
	var statuses []core.OrderStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		for _, st := range strings.Split(raw, ",") {
			statuses = append(statuses, core.OrderStatus(strings.TrimSpace(st)))
		}
	}
	orders, err := s.app.Orders(r.Context(), addr, statuses...)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, orders)
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	s.handleTransfer(w, r, s.app.Deposit)
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	s.handleTransfer(w, r, s.app.Withdraw)
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request, apply func(context.Context, common.Address, string, decimal.Decimal) error) {
	addr, ok := addressParam(w, r)
	if !ok {
		return
	}
	var req TransferRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := apply(r.Context(), addr, req.Asset, req.Amount); err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, s.app.Ledger().Balance(addr, req.Asset))
}

// ==============================
// Order handlers
// ==============================

func (s *Server) handleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req SubmitOrderRequest
	if !decodeBody(w, r, &req) {
		return
	}
	addr, ok := parseAddress(w, req.Address)
	if !ok {
		return
	}
	side, err := core.ParseSide(req.Side)
	if err != nil {
		respondError(w, http.StatusBadRequest, string(perp.CodeInvalidRequest), err.Error())
		return
	}
	typ, err := core.ParseOrderType(req.Type)
	if err != nil {
		respondError(w, http.StatusBadRequest, string(perp.CodeInvalidRequest), err.Error())
		return
	}

	res, err := s.app.PlaceOrder(r.Context(), perp.OrderRequest{
		User:       addr,
		Market:     req.Market,
		Side:       side,
		Type:       typ,
		Price:      req.Price,
		Quantity:   req.Quantity,
		PostOnly:   req.PostOnly,
		ReduceOnly: req.ReduceOnly,
		Leverage:   req.Leverage,
	})
	if err != nil {
		s.respondErr(w, err)
		return
	}
	if res.Trades == nil {
		res.Trades = []*core.Trade{}
	}
	respondJSON(w, res)
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	var req CancelOrderRequest
	if !decodeBody(w, r, &req) {
		return
	}
	addr, ok := parseAddress(w, req.Address)
	if !ok {
		return
	}
	if req.OrderID == "" {
		respondError(w, http.StatusBadRequest, string(perp.CodeInvalidRequest), "missing orderId")
		return
	}
	o, err := s.app.CancelOrder(r.Context(), addr, req.OrderID)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, o)
}

func (s *Server) handleClosePosition(w http.ResponseWriter, r *http.Request) {
	var req ClosePositionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	addr, ok := parseAddress(w, req.Address)
	if !ok {
		return
	}
	res, err := s.app.ClosePosition(r.Context(), addr, req.Market, req.Quantity)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, res)
}

// ==============================
// Risk handlers
// ==============================

func (s *Server) handleAtRisk(w http.ResponseWriter, r *http.Request) {
	threshold := decimal.NewFromInt(defaultRiskPct)
	if raw := r.URL.Query().Get("threshold"); raw != "" {
		v, err := decimal.NewFromString(raw)
		if err != nil || v.IsNegative() {
			respondError(w, http.StatusBadRequest, string(perp.CodeInvalidRequest), "threshold must be a non-negative number")
			return
		}
		threshold = v
	}
	risks := s.app.AtRisk(threshold)
	out := make([]PositionInfo, 0, len(risks))
	for _, rk := range risks {
		out = append(out, positionInfo(rk))
	}
	respondJSON(w, out)
}

func (s *Server) handleLiquidations(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, s.app.LiquidationStats())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{"status": "ok", "markets": len(s.app.Markets())}
	if s.hub != nil {
		status["wsClients"] = s.hub.Clients()
	}
	respondJSON(w, status)
}

// ==============================
// Helper Functions
// ==============================

// statusFor maps an engine error code to its HTTP status.
func statusFor(code perp.Code) int {
	switch code {
	case perp.CodeInvalidRequest:
		return http.StatusBadRequest
	case perp.CodeNotFound:
		return http.StatusNotFound
	case perp.CodeOrderFailed, perp.CodeInsufficientBalance:
		return http.StatusUnprocessableEntity
	case perp.CodeCancelFailed, perp.CodeClosePending:
		return http.StatusConflict
	case perp.CodeMarketHalted:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) respondErr(w http.ResponseWriter, err error) {
	code := perp.CodeOf(err)
	status := statusFor(code)
	if code == "" {
		code = "INTERNAL"
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request_failed", zap.String("code", string(code)), zap.Error(err))
	}
	respondError(w, status, string(code), err.Error())
}

func respondJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, code string, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   code,
		Message: message,
	})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		respondError(w, http.StatusBadRequest, string(perp.CodeInvalidRequest), "invalid request body: "+err.Error())
		return false
	}
	return true
}

func parseAddress(w http.ResponseWriter, raw string) (common.Address, bool) {
	if !common.IsHexAddress(raw) {
		respondError(w, http.StatusBadRequest, string(perp.CodeInvalidRequest), "invalid address")
		return common.Address{}, false
	}
	return common.HexToAddress(raw), true
}

func addressParam(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	return parseAddress(w, mux.Vars(r)["address"])
}

func intParam(w http.ResponseWriter, r *http.Request, name string, def int) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		respondError(w, http.StatusBadRequest, string(perp.CodeInvalidRequest), name+" must be a non-negative integer")
		return 0, false
	}
	return v, true
}
