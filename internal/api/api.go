// Package api exposes the market engine over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/forecastex/market-core/internal/engine"
	"github.com/forecastex/market-core/internal/ledger"
	"github.com/forecastex/market-core/internal/metrics"
	"github.com/forecastex/market-core/internal/model"
	"github.com/forecastex/market-core/internal/risk"
	"github.com/forecastex/market-core/internal/store"
)

// Server wires the engine and store into an HTTP handler.
type Server struct {
	st  store.Store
	eng *engine.Engine
	log *slog.Logger
}

// NewServer creates the API server.
func NewServer(st store.Store, eng *engine.Engine, log *slog.Logger) *Server {
	return &Server{st: st, eng: eng, log: log}
}

// Router builds the chi route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/wallets", s.createWallet)
		r.Get("/wallets/{id}", s.getWallet)
		r.Get("/wallets/{id}/balances", s.listBalances)

		r.Post("/transfers", s.createTransfer)
		r.Post("/transfers/{id}/confirm", s.confirmTransfer)

		r.Post("/markets", s.createMarket)
		r.Get("/markets", s.listMarkets)
		r.Get("/markets/{id}", s.getMarket)
		r.Get("/markets/{id}/trades", s.listTrades)
		r.Post("/markets/{id}/quote", s.quote)
		r.Post("/markets/{id}/buy", s.buy)
		r.Post("/markets/{id}/close", s.closeMarket)
		r.Post("/markets/{id}/resolve", s.resolveMarket)
		r.Post("/markets/{id}/settle", s.settleMarket)
		r.Post("/markets/{id}/cancel", s.cancelMarket)

		r.Post("/orders", s.placeOrder)
		r.Get("/orders/{id}", s.getOrder)
		r.Delete("/orders/{id}", s.cancelOrder)
	})
	return r
}

// --- wallets ---

func (s *Server) createWallet(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OwnerID string           `json:"owner_id"`
		Kind    model.WalletKind `json:"kind"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if req.Kind == "" {
		req.Kind = model.WalletAvailable
	}

	wallet := &model.Wallet{
		ID:        uuid.New().String(),
		OwnerID:   req.OwnerID,
		Kind:      req.Kind,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.st.CreateWallet(r.Context(), wallet); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, wallet)
}

func (s *Server) getWallet(w http.ResponseWriter, r *http.Request) {
	wallet, err := s.st.GetWallet(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, wallet)
}

func (s *Server) listBalances(w http.ResponseWriter, r *http.Request) {
	balances, err := s.st.ListBalancesByWallet(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, balances)
}

// --- transfers ---

func (s *Server) createTransfer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		From            *string            `json:"from_wallet_id"`
		To              *string            `json:"to_wallet_id"`
		TokenID         string             `json:"token_id"`
		Amount          decimal.Decimal    `json:"amount"`
		Fee             decimal.Decimal    `json:"fee"`
		Kind            model.TransferKind `json:"kind"`
		Note            string             `json:"note"`
		ExternalAddress string             `json:"external_address"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if req.Kind == "" {
		req.Kind = model.TransferInternal
	}

	t, err := s.eng.Transfer(r.Context(), ledger.Request{
		From:            req.From,
		To:              req.To,
		TokenID:         req.TokenID,
		Amount:          req.Amount,
		Fee:             req.Fee,
		Kind:            req.Kind,
		Note:            req.Note,
		ExternalAddress: req.ExternalAddress,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, t)
}

func (s *Server) confirmTransfer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ExternalTxRef string `json:"external_tx_ref"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.eng.ConfirmTransfer(r.Context(), chi.URLParam(r, "id"), req.ExternalTxRef); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- markets ---

func (s *Server) createMarket(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Question        string          `json:"question"`
		CreatorWalletID string          `json:"creator_wallet_id"`
		BaseTokenSymbol string          `json:"base_token_symbol"`
		BaseTokenID     string          `json:"base_token_id"`
		B               decimal.Decimal `json:"b"`
		LiquidityB      decimal.Decimal `json:"liquidity_b"`
		MinTradeAmount  decimal.Decimal `json:"min_trade_amount"`
		MaxTradeAmount  decimal.Decimal `json:"max_trade_amount"`
		Outcomes        []string        `json:"outcomes"`
	}
	if !s.decode(w, r, &req) {
		return
	}

	baseTokenID := req.BaseTokenID
	if baseTokenID == "" && req.BaseTokenSymbol != "" {
		tok, err := s.st.GetTokenBySymbol(r.Context(), req.BaseTokenSymbol)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		baseTokenID = tok.ID
	}

	market, outcomes, err := s.eng.CreateMarket(r.Context(), engine.CreateMarketRequest{
		Question:        req.Question,
		CreatorWalletID: req.CreatorWalletID,
		BaseTokenID:     baseTokenID,
		B:               req.B,
		LiquidityB:      req.LiquidityB,
		MinTradeAmount:  req.MinTradeAmount,
		MaxTradeAmount:  req.MaxTradeAmount,
		Outcomes:        req.Outcomes,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]any{
		"market":   market,
		"outcomes": outcomes,
	})
}

func (s *Server) listMarkets(w http.ResponseWriter, r *http.Request) {
	markets, err := s.st.ListMarkets(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, markets)
}

func (s *Server) getMarket(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	market, err := s.st.GetMarket(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	outcomes, err := s.st.ListOutcomes(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"market":   market,
		"outcomes": outcomes,
	})
}

func (s *Server) listTrades(w http.ResponseWriter, r *http.Request) {
	trades, err := s.st.ListTradesByMarket(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, trades)
}

func (s *Server) quote(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OutcomeID   string          `json:"outcome_id"`
		ShareAmount decimal.Decimal `json:"share_amount"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	q, err := s.eng.Quote(r.Context(), chi.URLParam(r, "id"), req.OutcomeID, req.ShareAmount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, q)
}

func (s *Server) buy(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WalletID    string          `json:"wallet_id"`
		OutcomeID   string          `json:"outcome_id"`
		ShareAmount decimal.Decimal `json:"share_amount"`
		QuotedPrice decimal.Decimal `json:"quoted_price"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	result, err := s.eng.Buy(r.Context(), req.WalletID, chi.URLParam(r, "id"), req.OutcomeID, req.ShareAmount, req.QuotedPrice)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if !result.Executed {
		// The price moved; the client must confirm the fresh quote.
		status = http.StatusConflict
	}
	s.writeJSON(w, status, result)
}

func (s *Server) closeMarket(w http.ResponseWriter, r *http.Request) {
	if err := s.eng.CloseMarket(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) resolveMarket(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WinningOutcomeID string `json:"winning_outcome_id"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.eng.ResolveMarket(r.Context(), chi.URLParam(r, "id"), req.WinningOutcomeID); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) settleMarket(w http.ResponseWriter, r *http.Request) {
	if err := s.eng.SettleMarket(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) cancelMarket(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.eng.CancelMarket(r.Context(), chi.URLParam(r, "id"), req.Reason); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- orders ---

func (s *Server) placeOrder(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WalletID    string          `json:"wallet_id"`
		MarketID    string          `json:"market_id"`
		OutcomeID   string          `json:"outcome_id"`
		Side        model.OrderSide `json:"side"`
		LimitPrice  decimal.Decimal `json:"limit_price"`
		ShareAmount decimal.Decimal `json:"share_amount"`
		ValidUntil  *time.Time      `json:"valid_until"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	order, err := s.eng.PlaceLimitOrder(r.Context(), engine.PlaceOrderRequest{
		WalletID:    req.WalletID,
		MarketID:    req.MarketID,
		OutcomeID:   req.OutcomeID,
		Side:        req.Side,
		LimitPrice:  req.LimitPrice,
		ShareAmount: req.ShareAmount,
		ValidUntil:  req.ValidUntil,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, order)
}

func (s *Server) getOrder(w http.ResponseWriter, r *http.Request) {
	order, err := s.st.GetOrder(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, order)
}

func (s *Server) cancelOrder(w http.ResponseWriter, r *http.Request) {
	order, err := s.eng.CancelOrder(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, order)
}

// --- plumbing ---

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return false
	}
	return true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("encode response", "error", err)
	}
}

// writeError maps domain errors to HTTP status codes. Unrecognized errors
// are logged and surfaced as 500 with a generic body.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, store.ErrDuplicate):
		status = http.StatusConflict
	case errors.Is(err, ledger.ErrInsufficientBalance),
		errors.Is(err, ledger.ErrReservedWalletDebit),
		errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrNoEndpoints),
		errors.Is(err, risk.ErrAmountBelowMinimum),
		errors.Is(err, risk.ErrAmountAboveMaximum),
		errors.Is(err, engine.ErrInvalidOrder),
		errors.Is(err, engine.ErrTooFewOutcomes):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, engine.ErrMarketNotOpen),
		errors.Is(err, engine.ErrInvalidStateTransition),
		errors.Is(err, ledger.ErrNotPending):
		status = http.StatusConflict
	case errors.Is(err, engine.ErrInvalidOutcome):
		status = http.StatusBadRequest
	}

	if status == http.StatusInternalServerError {
		s.log.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		s.writeJSON(w, status, map[string]string{"error": "internal error"})
		return
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}
