package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/forecastex/market-core/internal/ledger"
	"github.com/forecastex/market-core/internal/lmsr"
	"github.com/forecastex/market-core/internal/metrics"
	"github.com/forecastex/market-core/internal/model"
	"github.com/forecastex/market-core/internal/store"
)

// BuyResult is the outcome of an instant buy attempt. When the market
// moved and the quoted price no longer covers the current cost, Executed
// is false and Quote carries the fresh price for the caller to confirm.
type BuyResult struct {
	Executed bool               `json:"executed"`
	Quote    *lmsr.Quote        `json:"quote"`
	Trade    *model.MarketTrade `json:"trade,omitempty"`
}

// Buy executes an instant purchase against the automated market maker:
// price the amount on the current share supplies, charge the buyer, mint
// the shares into the pool and hand them over. The buyer's quotedPrice is
// the slippage guard; execution always happens at the current price.
//
// A successful buy shifts the book's context, so a matching sweep runs
// after the transaction commits.
func (e *Engine) Buy(ctx context.Context, buyerWalletID, marketID, outcomeID string, shareAmount, quotedPrice decimal.Decimal) (*BuyResult, error) {
	result := &BuyResult{}
	var shareTokenID string

	unlock := e.lockMarket(marketID)
	err := e.st.WithTx(ctx, func(st store.Store) error {
		snap, err := e.snapshot(ctx, st, marketID)
		if err != nil {
			return err
		}
		if snap.market.Status != model.MarketOpen {
			return ErrMarketNotOpen
		}
		idx := snap.outcomeIndex(outcomeID)
		if idx < 0 {
			return ErrInvalidOutcome
		}
		shareToken := snap.shareByOut[outcomeID]
		shareTokenID = shareToken.ID
		if err := e.limits.CheckAmount(*shareToken, *snap.market, shareAmount); err != nil {
			return err
		}

		quote, err := lmsr.PriceQuote(snap.quantities, idx, shareAmount, snap.poolBase, snap.baseToken.Decimals)
		if err != nil {
			return err
		}
		result.Quote = quote

		// Stale quote: the price moved above what the buyer agreed to.
		// Return the fresh quote instead of executing.
		if quotedPrice.LessThan(quote.Price) {
			return nil
		}

		// Truncate the fee at the base token's precision, never round up.
		fee := quote.Price.Mul(e.cfg.FeeRate).RoundDown(snap.baseToken.Decimals)
		hash := ledger.TransferHash(marketID, outcomeID, buyerWalletID, uuid.New().String())

		// Base leg: buyer pays the current price (plus fee) into the pool.
		from, to := buyerWalletID, snap.market.WalletID
		if _, err := e.ledger.Transfer(ctx, st, ledger.Request{
			From:    &from,
			To:      &to,
			TokenID: snap.market.BaseTokenID,
			Amount:  quote.Price,
			Fee:     fee,
			Kind:    model.TransferInternal,
			Note:    ammBuyNote(marketID),
			Hash:    hash,
		}); err != nil {
			return err
		}

		// Share legs: mint into the pool, then hand over. Two records so
		// the supply change and the custody change audit separately.
		poolID := snap.market.WalletID
		if _, err := e.ledger.Transfer(ctx, st, ledger.Request{
			To:              &poolID,
			TokenID:         shareToken.ID,
			Amount:          shareAmount,
			Fee:             decimal.Zero,
			Kind:            model.TransferInternal,
			Note:            ammBuyNote(marketID),
			Hash:            hash,
			SystemInitiated: true,
		}); err != nil {
			return err
		}
		if _, err := e.ledger.Transfer(ctx, st, ledger.Request{
			From:            &poolID,
			To:              &buyerWalletID,
			TokenID:         shareToken.ID,
			Amount:          shareAmount,
			Fee:             decimal.Zero,
			Kind:            model.TransferInternal,
			Note:            ammBuyNote(marketID),
			Hash:            hash,
			SystemInitiated: true,
		}); err != nil {
			return err
		}

		trade := &model.MarketTrade{
			ID:          uuid.New().String(),
			MarketID:    marketID,
			OutcomeID:   outcomeID,
			WalletID:    buyerWalletID,
			Type:        model.TradeBuy,
			ShareAmount: shareAmount,
			PriceNum:    quote.Price,
			PriceDen:    shareAmount,
			Hash:        hash,
			CreatedAt:   time.Now().UTC(),
		}
		if err := st.CreateTrade(ctx, trade); err != nil {
			return err
		}

		result.Executed = true
		result.Trade = trade
		return nil
	})
	unlock()
	if err != nil {
		metrics.OrdersRejected.WithLabelValues(rejectReason(err)).Inc()
		return nil, err
	}

	if !result.Executed {
		metrics.StaleQuotes.Inc()
		return result, nil
	}

	metrics.TradesTotal.WithLabelValues(string(model.TradeBuy)).Inc()
	e.invalidate(ctx, marketID, shareTokenID)

	// The purchase changed supplies and pool depth; give resting orders a
	// chance to cross.
	if err := e.Match(ctx, marketID, outcomeID); err != nil {
		slog.Error("post-buy matching sweep failed",
			"market_id", marketID, "outcome_id", outcomeID, "error", err)
	}
	return result, nil
}
