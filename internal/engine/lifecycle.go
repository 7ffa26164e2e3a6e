package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/forecastex/market-core/internal/ledger"
	"github.com/forecastex/market-core/internal/metrics"
	"github.com/forecastex/market-core/internal/model"
	"github.com/forecastex/market-core/internal/store"
)

// CloseMarket stops trading: every resting order is canceled with its
// reservation released, then the market moves to closed.
func (e *Engine) CloseMarket(ctx context.Context, marketID string) error {
	unlock := e.lockMarket(marketID)
	defer unlock()

	err := e.st.WithTx(ctx, func(st store.Store) error {
		market, err := st.GetMarket(ctx, marketID)
		if err != nil {
			return err
		}
		if !market.Status.CanTransition(model.MarketClosed) {
			return ErrInvalidStateTransition
		}
		if err := e.cancelRestingOrders(ctx, st, marketID); err != nil {
			return err
		}
		return st.UpdateMarketStatus(ctx, marketID, model.MarketClosed, market.WinningOutcomeID, "")
	})
	if err != nil {
		return err
	}

	metrics.OpenMarkets.Dec()
	e.invalidate(ctx, marketID)
	return nil
}

// ResolveMarket records the winning outcome. The market must be closed and
// the outcome must belong to it.
func (e *Engine) ResolveMarket(ctx context.Context, marketID, winningOutcomeID string) error {
	unlock := e.lockMarket(marketID)
	defer unlock()

	err := e.st.WithTx(ctx, func(st store.Store) error {
		market, err := st.GetMarket(ctx, marketID)
		if err != nil {
			return err
		}
		if !market.Status.CanTransition(model.MarketResolved) {
			return ErrInvalidStateTransition
		}
		outcome, err := st.GetOutcome(ctx, winningOutcomeID)
		if err != nil {
			return err
		}
		if outcome.MarketID != marketID {
			return ErrInvalidOutcome
		}
		return st.UpdateMarketStatus(ctx, marketID, model.MarketResolved, winningOutcomeID, "")
	})
	if err != nil {
		return err
	}

	e.invalidate(ctx, marketID)
	return nil
}

// SettleMarket distributes the pool to winning shareholders and winds the
// market down:
//
//  1. pool = market wallet base quantity − liquidity_b
//  2. liquidity_b principal returns to the creator
//  3. each winning holder gets floor(shares/totalWinning * pool)
//  4. every share balance, winning and losing, is swept back and burned
//  5. leftover dust goes to the administrative wallet
//  6. a configured fraction of the market's collected fees is rebated to
//     the creator
//
// One transaction covers all of it; a failure anywhere rolls the whole
// settlement back.
func (e *Engine) SettleMarket(ctx context.Context, marketID string) error {
	unlock := e.lockMarket(marketID)
	defer unlock()

	var shareTokenIDs []string

	err := e.st.WithTx(ctx, func(st store.Store) error {
		market, err := st.GetMarket(ctx, marketID)
		if err != nil {
			return err
		}
		if !market.Status.CanTransition(model.MarketSettled) || market.WinningOutcomeID == "" {
			return ErrInvalidStateTransition
		}

		outcomes, err := st.ListOutcomes(ctx, marketID)
		if err != nil {
			return err
		}
		var winning *model.Outcome
		for i := range outcomes {
			shareTokenIDs = append(shareTokenIDs, outcomes[i].ShareTokenID)
			if outcomes[i].ID == market.WinningOutcomeID {
				winning = &outcomes[i]
			}
		}
		if winning == nil {
			return ErrInvalidOutcome
		}

		poolBase := decimal.Zero
		if bal, err := st.GetBalance(ctx, market.WalletID, market.BaseTokenID); err == nil {
			poolBase = bal.Quantity
		}
		pool := poolBase.Sub(market.LiquidityB)
		if pool.IsNegative() {
			pool = decimal.Zero
		}

		// Principal back to the creator before payouts touch the pool.
		if market.LiquidityB.IsPositive() {
			principal := decimal.Min(market.LiquidityB, poolBase)
			if principal.IsPositive() {
				if err := e.payFromPool(ctx, st, market, market.CreatorWalletID, principal, settleNote(marketID), model.TradeSettle, ""); err != nil {
					return err
				}
			}
		}

		// Pro-rata payouts over winning holders, excluding the pool's own
		// balance. Flooring leaves dust behind, swept below.
		holders, err := st.ListBalancesByToken(ctx, winning.ShareTokenID)
		if err != nil {
			return err
		}
		totalWinning := decimal.Zero
		for _, h := range holders {
			if h.WalletID == market.WalletID {
				continue
			}
			totalWinning = totalWinning.Add(h.Quantity)
		}
		if totalWinning.IsPositive() && pool.IsPositive() {
			for _, h := range holders {
				if h.WalletID == market.WalletID || !h.Quantity.IsPositive() {
					continue
				}
				payout := h.Quantity.Mul(pool).Div(totalWinning).Floor()
				if !payout.IsPositive() {
					continue
				}
				if err := e.payFromPool(ctx, st, market, h.WalletID, payout, settleNote(marketID), model.TradeSettle, winning.ID); err != nil {
					return err
				}
				metrics.SettlementPayouts.Inc()
			}
		}

		if err := e.sweepAndBurnShares(ctx, st, market, outcomes); err != nil {
			return err
		}

		// Whatever base remains in the pool after principal and payouts is
		// rounding dust.
		if bal, err := st.GetBalance(ctx, market.WalletID, market.BaseTokenID); err == nil && bal.Quantity.IsPositive() {
			if e.cfg.AdminWalletID != "" {
				if err := e.payFromPool(ctx, st, market, e.cfg.AdminWalletID, bal.Quantity, dustNote(marketID), model.TradeAdjust, ""); err != nil {
					return err
				}
			}
		}

		if err := e.rebateFees(ctx, st, market); err != nil {
			return err
		}

		return st.UpdateMarketStatus(ctx, marketID, model.MarketSettled, market.WinningOutcomeID, "")
	})
	if err != nil {
		return err
	}

	e.invalidate(ctx, marketID, shareTokenIDs...)
	return nil
}

// CancelMarket unwinds a market: resting orders are canceled, every
// wallet's net AMM contribution is refunded from the pool, shares are
// swept and burned, and the market is marked canceled with a reason.
func (e *Engine) CancelMarket(ctx context.Context, marketID, reason string) error {
	unlock := e.lockMarket(marketID)
	defer unlock()

	var shareTokenIDs []string

	err := e.st.WithTx(ctx, func(st store.Store) error {
		market, err := st.GetMarket(ctx, marketID)
		if err != nil {
			return err
		}
		wasOpen := market.Status == model.MarketOpen
		if !market.Status.CanTransition(model.MarketCanceled) {
			return ErrInvalidStateTransition
		}

		if err := e.cancelRestingOrders(ctx, st, marketID); err != nil {
			return err
		}

		// Net contribution per wallet: every completed base inflow tagged
		// as an AMM purchase, grouped by sender. Fees are not refunded;
		// they left the pool at purchase time.
		purchases, err := st.ListTransfersByNote(ctx, ammBuyNote(marketID))
		if err != nil {
			return err
		}
		contributions := make(map[string]decimal.Decimal)
		var order []string
		for _, t := range purchases {
			if t.FromWalletID == nil || t.TokenID != market.BaseTokenID {
				continue
			}
			if t.ToWalletID == nil || *t.ToWalletID != market.WalletID {
				continue
			}
			w := *t.FromWalletID
			if _, seen := contributions[w]; !seen {
				order = append(order, w)
			}
			contributions[w] = contributions[w].Add(t.Amount)
		}
		for _, w := range order {
			amount := contributions[w]
			if !amount.IsPositive() {
				continue
			}
			if err := e.payFromPool(ctx, st, market, w, amount, refundNote(marketID), model.TradeCancel, ""); err != nil {
				return err
			}
		}

		outcomes, err := st.ListOutcomes(ctx, marketID)
		if err != nil {
			return err
		}
		for _, o := range outcomes {
			shareTokenIDs = append(shareTokenIDs, o.ShareTokenID)
		}
		if err := e.sweepAndBurnShares(ctx, st, market, outcomes); err != nil {
			return err
		}

		if err := st.UpdateMarketStatus(ctx, marketID, model.MarketCanceled, market.WinningOutcomeID, reason); err != nil {
			return err
		}
		if wasOpen {
			metrics.OpenMarkets.Dec()
		}
		return nil
	})
	if err != nil {
		return err
	}

	e.invalidate(ctx, marketID, shareTokenIDs...)
	return nil
}

// cancelRestingOrders retires every open or partial order of a market,
// releasing each reservation.
func (e *Engine) cancelRestingOrders(ctx context.Context, st store.Store, marketID string) error {
	orders, err := st.ListRestingOrders(ctx, marketID, "")
	if err != nil {
		return err
	}
	for i := range orders {
		if err := e.retireOrder(ctx, st, &orders[i], model.OrderCanceled); err != nil {
			return err
		}
	}
	return nil
}

// payFromPool moves base tokens out of the market wallet and records the
// matching trade row. Pool debits are always system-initiated; the pooled
// wallet is reserved-kind and refuses anything else.
func (e *Engine) payFromPool(ctx context.Context, st store.Store, market *model.Market, toWalletID string, amount decimal.Decimal, note string, tradeType model.TradeType, outcomeID string) error {
	from, to := market.WalletID, toWalletID
	t, err := e.ledger.Transfer(ctx, st, ledger.Request{
		From:            &from,
		To:              &to,
		TokenID:         market.BaseTokenID,
		Amount:          amount,
		Fee:             decimal.Zero,
		Kind:            model.TransferInternal,
		Note:            note,
		SystemInitiated: true,
	})
	if err != nil {
		return err
	}

	trade := &model.MarketTrade{
		ID:          uuid.New().String(),
		MarketID:    market.ID,
		OutcomeID:   outcomeID,
		WalletID:    toWalletID,
		Type:        tradeType,
		ShareAmount: decimal.Zero,
		PriceNum:    amount,
		PriceDen:    decimal.NewFromInt(1),
		Hash:        t.Hash,
		CreatedAt:   time.Now().UTC(),
	}
	if err := st.CreateTrade(ctx, trade); err != nil {
		return err
	}
	metrics.TradesTotal.WithLabelValues(string(tradeType)).Inc()
	return nil
}

// sweepAndBurnShares pulls every outstanding share balance back into the
// market wallet and burns the lot, leaving all share supplies at zero.
// Orders are already retired by this point, so no share is reserved.
func (e *Engine) sweepAndBurnShares(ctx context.Context, st store.Store, market *model.Market, outcomes []model.Outcome) error {
	for _, o := range outcomes {
		holders, err := st.ListBalancesByToken(ctx, o.ShareTokenID)
		if err != nil {
			return err
		}
		for _, h := range holders {
			if h.WalletID == market.WalletID || !h.Quantity.IsPositive() {
				continue
			}
			from, to := h.WalletID, market.WalletID
			if _, err := e.ledger.Transfer(ctx, st, ledger.Request{
				From:            &from,
				To:              &to,
				TokenID:         o.ShareTokenID,
				Amount:          h.Quantity,
				Fee:             decimal.Zero,
				Kind:            model.TransferInternal,
				Note:            sweepNote(market.ID),
				SystemInitiated: true,
			}); err != nil {
				return err
			}
		}

		// Burn the pooled total out of existence.
		bal, err := st.GetBalance(ctx, market.WalletID, o.ShareTokenID)
		if err != nil {
			continue // no shares ever minted for this outcome
		}
		if bal.Quantity.IsPositive() {
			from := market.WalletID
			if _, err := e.ledger.Transfer(ctx, st, ledger.Request{
				From:            &from,
				TokenID:         o.ShareTokenID,
				Amount:          bal.Quantity,
				Fee:             decimal.Zero,
				Kind:            model.TransferInternal,
				Note:            sweepNote(market.ID),
				SystemInitiated: true,
			}); err != nil {
				return err
			}
		}
	}
	return nil
}

// rebateFees returns the configured fraction of this market's collected
// trading fees to the creator out of the administrative fee wallet.
func (e *Engine) rebateFees(ctx context.Context, st store.Store, market *model.Market) error {
	if e.cfg.AdminWalletID == "" || !e.cfg.FeeRebate.IsPositive() {
		return nil
	}
	purchases, err := st.ListTransfersByNote(ctx, ammBuyNote(market.ID))
	if err != nil {
		return err
	}
	totalFees := decimal.Zero
	for _, t := range purchases {
		totalFees = totalFees.Add(t.Fee)
	}
	rebate := totalFees.Mul(e.cfg.FeeRebate).Floor()
	if !rebate.IsPositive() {
		return nil
	}

	from, to := e.cfg.AdminWalletID, market.CreatorWalletID
	_, err = e.ledger.Transfer(ctx, st, ledger.Request{
		From:            &from,
		To:              &to,
		TokenID:         market.BaseTokenID,
		Amount:          rebate,
		Fee:             decimal.Zero,
		Kind:            model.TransferInternal,
		Note:            feeRebateNote(market.ID),
		SystemInitiated: true,
	})
	return err
}
