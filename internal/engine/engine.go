// Package engine implements the market core: order book and reservations,
// the continuous double-auction matching sweep, instant AMM buys, and the
// market lifecycle state machine through settlement.
//
// Concurrency model: every operation that mutates a market's state first
// takes that market's mutex from the engine's lock registry, then opens one
// store transaction. The market lock establishes a total order of
// conflicting operations per market; operations on different markets
// proceed independently. Inside the transaction, balance mutations go
// through the ledger package exclusively.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/forecastex/market-core/internal/ledger"
	"github.com/forecastex/market-core/internal/lmsr"
	"github.com/forecastex/market-core/internal/metrics"
	"github.com/forecastex/market-core/internal/model"
	"github.com/forecastex/market-core/internal/risk"
	"github.com/forecastex/market-core/internal/store"
)

var (
	// ErrMarketNotOpen is returned when trading is attempted on a market
	// that is not in the open state.
	ErrMarketNotOpen = errors.New("engine: market is not open")

	// ErrInvalidOutcome is returned when an outcome does not belong to the
	// market being operated on.
	ErrInvalidOutcome = errors.New("engine: outcome does not belong to market")

	// ErrInvalidStateTransition is returned when a market or order is in
	// the wrong state for the requested operation.
	ErrInvalidStateTransition = errors.New("engine: invalid state transition")

	// ErrInvalidOrder is returned for malformed order parameters.
	ErrInvalidOrder = errors.New("engine: invalid order parameters")

	// ErrTooFewOutcomes is returned when creating a market with fewer than
	// two outcomes.
	ErrTooFewOutcomes = errors.New("engine: market needs at least two outcomes")
)

// Config carries the injected references the settlement paths need: the
// administrative wallet receiving fees and dust, the AMM fee rate, and the
// fraction of collected fees rebated to the market creator at settlement.
type Config struct {
	AdminWalletID string
	FeeRate       decimal.Decimal
	FeeRebate     decimal.Decimal
}

// Engine executes core market operations against a store.
type Engine struct {
	st     store.Store
	ledger *ledger.Ledger
	limits *risk.TradeLimiter
	cfg    Config

	mu       sync.Mutex
	marketMu map[string]*sync.Mutex
}

// New creates an engine. Collected fees accrue in cfg.AdminWalletID.
func New(st store.Store, cfg Config) *Engine {
	return &Engine{
		st:       st,
		ledger:   ledger.New(cfg.AdminWalletID),
		limits:   risk.NewTradeLimiter(),
		cfg:      cfg,
		marketMu: make(map[string]*sync.Mutex),
	}
}

// lockMarket acquires the per-market mutex, creating it on first use, and
// returns the unlock function. Matching, trading and lifecycle operations
// for one market are serialized behind this lock.
func (e *Engine) lockMarket(id string) func() {
	e.mu.Lock()
	m, ok := e.marketMu[id]
	if !ok {
		m = &sync.Mutex{}
		e.marketMu[id] = m
	}
	e.mu.Unlock()

	m.Lock()
	return m.Unlock
}

// invalidate drops cached reads after a committed mutation.
func (e *Engine) invalidate(ctx context.Context, marketID string, tokenIDs ...string) {
	inv, ok := e.st.(store.Invalidator)
	if !ok {
		return
	}
	if marketID != "" {
		inv.InvalidateMarket(ctx, marketID)
	}
	for _, id := range tokenIDs {
		inv.InvalidateToken(ctx, id)
	}
}

// Note tags grouping related transfer legs.

func ammBuyNote(marketID string) string    { return "amm:buy:" + marketID }
func matchNote(marketID string) string     { return "match:" + marketID }
func seedNote(marketID string) string      { return "seed:" + marketID }
func settleNote(marketID string) string    { return "settle:" + marketID }
func refundNote(marketID string) string    { return "cancel:refund:" + marketID }
func sweepNote(marketID string) string     { return "sweep:" + marketID }
func dustNote(marketID string) string      { return "dust:" + marketID }
func feeRebateNote(marketID string) string { return "fee:rebate:" + marketID }

// --- Market creation ---

// CreateMarketRequest describes a new market. Outcomes are ordered labels;
// each gets its own SHARE token. LiquidityB seeds the pooled wallet from
// the creator and is owed back at settlement.
type CreateMarketRequest struct {
	Question        string
	CreatorWalletID string
	BaseTokenID     string
	B               decimal.Decimal
	LiquidityB      decimal.Decimal
	MinTradeAmount  decimal.Decimal
	MaxTradeAmount  decimal.Decimal
	Outcomes        []string
}

// CreateMarket creates the market row, its pooled wallet, one outcome and
// SHARE token per label, and moves the creator's seed liquidity into the
// pool. Everything happens in one transaction.
func (e *Engine) CreateMarket(ctx context.Context, req CreateMarketRequest) (*model.Market, []model.Outcome, error) {
	if len(req.Outcomes) < 2 {
		return nil, nil, ErrTooFewOutcomes
	}
	if !req.B.IsPositive() {
		req.B = decimal.NewFromInt(100)
	}

	now := time.Now().UTC()
	marketID := uuid.New().String()

	pool := &model.Wallet{
		ID:        uuid.New().String(),
		OwnerID:   marketID,
		Kind:      model.WalletReserved, // only system movements may debit the pool
		CreatedAt: now,
	}

	market := &model.Market{
		ID:              marketID,
		Question:        req.Question,
		CreatorWalletID: req.CreatorWalletID,
		WalletID:        pool.ID,
		BaseTokenID:     req.BaseTokenID,
		B:               req.B,
		LiquidityB:      req.LiquidityB,
		MinTradeAmount:  req.MinTradeAmount,
		MaxTradeAmount:  req.MaxTradeAmount,
		Status:          model.MarketOpen,
		CreatedAt:       now,
	}

	var outcomes []model.Outcome

	err := e.st.WithTx(ctx, func(st store.Store) error {
		if _, err := st.GetToken(ctx, req.BaseTokenID); err != nil {
			return fmt.Errorf("engine: base token: %w", err)
		}
		if _, err := st.GetWallet(ctx, req.CreatorWalletID); err != nil {
			return fmt.Errorf("engine: creator wallet: %w", err)
		}
		if err := st.CreateWallet(ctx, pool); err != nil {
			return err
		}
		if err := st.CreateMarket(ctx, market); err != nil {
			return err
		}

		prefix := strings.ToUpper(strings.ReplaceAll(marketID[:8], "-", ""))
		for i, label := range req.Outcomes {
			shareToken := &model.Token{
				ID:        uuid.New().String(),
				Symbol:    fmt.Sprintf("%s-%d", prefix, i),
				Type:      model.TokenShare,
				Decimals:  0,
				StepSize:  decimal.NewFromInt(1),
				Supply:    decimal.Zero,
				CreatedAt: now,
			}
			if err := st.CreateToken(ctx, shareToken); err != nil {
				return err
			}
			outcome := &model.Outcome{
				ID:           uuid.New().String(),
				MarketID:     marketID,
				Label:        label,
				ShareTokenID: shareToken.ID,
				SortOrder:    i,
				CreatedAt:    now,
			}
			if err := st.CreateOutcome(ctx, outcome); err != nil {
				return err
			}
			outcomes = append(outcomes, *outcome)
		}

		if req.LiquidityB.IsPositive() {
			from := req.CreatorWalletID
			to := pool.ID
			_, err := e.ledger.Transfer(ctx, st, ledger.Request{
				From:    &from,
				To:      &to,
				TokenID: req.BaseTokenID,
				Amount:  req.LiquidityB,
				Fee:     decimal.Zero,
				Kind:    model.TransferInternal,
				Note:    seedNote(marketID),
			})
			return err
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	metrics.OpenMarkets.Inc()
	return market, outcomes, nil
}

// --- Quoting ---

// marketSnapshot is the consistent view of one market the pricing and
// matching paths read: outcome order, outstanding share supplies, and the
// pooled base balance.
type marketSnapshot struct {
	market     *model.Market
	baseToken  *model.Token
	outcomes   []model.Outcome
	shareByOut map[string]*model.Token // outcomeID → share token
	quantities []decimal.Decimal       // outstanding supply per outcome, in outcome order
	poolBase   decimal.Decimal         // market wallet base-token quantity
}

func (s *marketSnapshot) outcomeIndex(outcomeID string) int {
	for i, o := range s.outcomes {
		if o.ID == outcomeID {
			return i
		}
	}
	return -1
}

func (e *Engine) snapshot(ctx context.Context, st store.Store, marketID string) (*marketSnapshot, error) {
	market, err := st.GetMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}
	baseToken, err := st.GetToken(ctx, market.BaseTokenID)
	if err != nil {
		return nil, err
	}
	outcomes, err := st.ListOutcomes(ctx, marketID)
	if err != nil {
		return nil, err
	}

	snap := &marketSnapshot{
		market:     market,
		baseToken:  baseToken,
		outcomes:   outcomes,
		shareByOut: make(map[string]*model.Token, len(outcomes)),
		quantities: make([]decimal.Decimal, len(outcomes)),
	}
	for i, o := range outcomes {
		tok, err := st.GetToken(ctx, o.ShareTokenID)
		if err != nil {
			return nil, err
		}
		snap.shareByOut[o.ID] = tok
		snap.quantities[i] = tok.Supply
	}

	poolBal, err := st.GetBalance(ctx, market.WalletID, market.BaseTokenID)
	switch {
	case err == nil:
		snap.poolBase = poolBal.Quantity
	case errors.Is(err, store.ErrNotFound):
		snap.poolBase = decimal.Zero
	default:
		return nil, err
	}
	return snap, nil
}

// Quote prices a hypothetical buy without executing it. Read-only; quoting
// and execution share the same pricing path, so a quote re-submitted
// against an unchanged snapshot executes at exactly the quoted price.
func (e *Engine) Quote(ctx context.Context, marketID, outcomeID string, shareAmount decimal.Decimal) (*lmsr.Quote, error) {
	snap, err := e.snapshot(ctx, e.st, marketID)
	if err != nil {
		return nil, err
	}
	idx := snap.outcomeIndex(outcomeID)
	if idx < 0 {
		return nil, ErrInvalidOutcome
	}
	return lmsr.PriceQuote(snap.quantities, idx, shareAmount, snap.poolBase, snap.baseToken.Decimals)
}

// --- Generic ledger surface (§ external interfaces) ---

// Transfer executes one ledger movement in its own transaction. This is
// the deposit/withdrawal surface the blockchain plumbing calls.
func (e *Engine) Transfer(ctx context.Context, req ledger.Request) (*model.Transfer, error) {
	var out *model.Transfer
	err := e.st.WithTx(ctx, func(st store.Store) error {
		t, err := e.ledger.Transfer(ctx, st, req)
		if err != nil {
			return err
		}
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ConfirmTransfer completes a pending on-chain withdrawal once the
// external reconciliation job observes it on the chain.
func (e *Engine) ConfirmTransfer(ctx context.Context, transferID, externalTxRef string) error {
	return e.st.WithTx(ctx, func(st store.Store) error {
		return e.ledger.ConfirmTransfer(ctx, st, transferID, externalTxRef)
	})
}
