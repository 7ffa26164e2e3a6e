package engine

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/forecastex/market-core/internal/ledger"
	"github.com/forecastex/market-core/internal/metrics"
	"github.com/forecastex/market-core/internal/model"
	"github.com/forecastex/market-core/internal/store"
)

// Match runs one matching sweep over the resting orders of a market.
// outcomeID narrows the sweep to one outcome's book; empty sweeps every
// outcome. The whole sweep commits atomically: every fill's four effects
// (share leg, base leg, order updates, trade records) land together.
//
// Fills execute at the resting SELL's limit price. Price-time priority:
// buys are ranked by price descending then time, sells by price ascending
// then time.
func (e *Engine) Match(ctx context.Context, marketID, outcomeID string) error {
	unlock := e.lockMarket(marketID)
	defer unlock()

	start := time.Now()
	fills := 0

	err := e.st.WithTx(ctx, func(st store.Store) error {
		market, err := st.GetMarket(ctx, marketID)
		if err != nil {
			return err
		}
		if market.Status != model.MarketOpen {
			// Lifecycle raced ahead of the trigger; nothing to do.
			return nil
		}

		orders, err := st.ListRestingOrders(ctx, marketID, outcomeID)
		if err != nil {
			return err
		}

		// Orders never cross outcome books.
		byOutcome := make(map[string][]*model.LimitOrder)
		for i := range orders {
			o := &orders[i]
			byOutcome[o.OutcomeID] = append(byOutcome[o.OutcomeID], o)
		}

		for oid, book := range byOutcome {
			outcome, err := st.GetOutcome(ctx, oid)
			if err != nil {
				return err
			}
			n, err := e.sweep(ctx, st, market, outcome, book)
			if err != nil {
				return err
			}
			fills += n
		}
		return nil
	})
	if err != nil {
		return err
	}

	metrics.MatchLatency.Observe(time.Since(start).Seconds())
	if fills > 0 {
		e.invalidate(ctx, marketID)
	}
	return nil
}

// sweep matches one outcome's book with two cursors until no further pair
// is price-compatible.
func (e *Engine) sweep(ctx context.Context, st store.Store, market *model.Market, outcome *model.Outcome, book []*model.LimitOrder) (int, error) {
	var buys, sells []*model.LimitOrder
	for _, o := range book {
		switch o.Side {
		case model.SideBuy:
			buys = append(buys, o)
		case model.SideSell:
			sells = append(sells, o)
		}
	}
	sort.SliceStable(buys, func(i, j int) bool {
		if !buys[i].LimitPrice.Equal(buys[j].LimitPrice) {
			return buys[i].LimitPrice.GreaterThan(buys[j].LimitPrice)
		}
		return buys[i].CreatedAt.Before(buys[j].CreatedAt)
	})
	sort.SliceStable(sells, func(i, j int) bool {
		if !sells[i].LimitPrice.Equal(sells[j].LimitPrice) {
			return sells[i].LimitPrice.LessThan(sells[j].LimitPrice)
		}
		return sells[i].CreatedAt.Before(sells[j].CreatedAt)
	})

	fills := 0
	bi, si := 0, 0
	for bi < len(buys) && si < len(sells) {
		buy, sell := buys[bi], sells[si]

		if buy.LimitPrice.LessThan(sell.LimitPrice) {
			// Best remaining sell is too expensive for this buy; the next
			// buy bids even less, so the sweep is done.
			break
		}

		tradeShares, err := e.fillSize(ctx, st, buy, sell, outcome.ShareTokenID)
		if err != nil {
			return fills, err
		}
		if !tradeShares.IsPositive() {
			// This pair cannot trade (exhausted funds or shares); move past
			// the buy and retry the sell against the next one.
			bi++
			continue
		}

		if err := e.executeFill(ctx, st, market, outcome, buy, sell, tradeShares); err != nil {
			return fills, err
		}
		fills++
		metrics.MatchFills.Inc()

		if buy.Status == model.OrderFilled {
			bi++
		}
		if sell.Status == model.OrderFilled {
			si++
		}
	}
	return fills, nil
}

// fillSize computes how many shares one buy/sell pair can exchange: the
// smaller of both orders' remainders, capped by the seller's reserved
// shares and by what the buyer's remaining funds afford at the sell price.
func (e *Engine) fillSize(ctx context.Context, st store.Store, buy, sell *model.LimitOrder, shareTokenID string) (decimal.Decimal, error) {
	size := decimal.Min(buy.Remaining(), sell.Remaining())

	sellerBal, err := st.GetBalance(ctx, sell.WalletID, shareTokenID)
	if err != nil {
		return decimal.Zero, ledger.ErrMissingBalance
	}
	size = decimal.Min(size, sellerBal.Reserved)

	funds := buy.ShareAmount.Mul(buy.LimitPrice).Sub(buy.SpentAmount)
	if funds.IsNegative() {
		funds = decimal.Zero
	}
	affordable := funds.Div(sell.LimitPrice).Floor()
	return decimal.Min(size, affordable), nil
}

// executeFill settles one fill at the resting sell's limit price: shares
// move seller→buyer, base moves buyer→seller, both orders advance, and a
// trade record is written per side sharing one hash.
//
// The buyer reserved at their own (higher or equal) limit, so the price
// difference tradeShares*(buyLimit − sellLimit) is released immediately;
// the buyer's reserved base stays at exactly remaining*limit_price.
func (e *Engine) executeFill(ctx context.Context, st store.Store, market *model.Market, outcome *model.Outcome, buy, sell *model.LimitOrder, tradeShares decimal.Decimal) error {
	baseCost := tradeShares.Mul(sell.LimitPrice)
	hash := ledger.TransferHash(buy.ID, sell.ID, uuid.New().String())
	note := matchNote(market.ID)

	if _, err := e.ledger.TransferReserved(ctx, st, ledger.ReservedMove{
		From:    sell.WalletID,
		To:      buy.WalletID,
		TokenID: outcome.ShareTokenID,
		Amount:  tradeShares,
		Note:    note,
		Hash:    hash,
	}); err != nil {
		return err
	}
	if _, err := e.ledger.TransferReserved(ctx, st, ledger.ReservedMove{
		From:    buy.WalletID,
		To:      sell.WalletID,
		TokenID: market.BaseTokenID,
		Amount:  baseCost,
		Note:    note,
		Hash:    hash,
	}); err != nil {
		return err
	}

	surplus := tradeShares.Mul(buy.LimitPrice).Sub(baseCost)
	if surplus.IsPositive() {
		if err := ledger.Release(ctx, st, buy.WalletID, market.BaseTokenID, surplus); err != nil {
			return err
		}
	}

	now := time.Now().UTC()
	for _, upd := range []struct {
		order *model.LimitOrder
		spent decimal.Decimal
	}{{buy, baseCost}, {sell, baseCost}} {
		upd.order.Filled = upd.order.Filled.Add(tradeShares)
		upd.order.SpentAmount = upd.order.SpentAmount.Add(upd.spent)
		if upd.order.Remaining().IsPositive() {
			upd.order.Status = model.OrderPartial
		} else {
			upd.order.Status = model.OrderFilled
		}
		if err := st.UpdateOrder(ctx, upd.order); err != nil {
			return err
		}
	}

	for _, side := range []struct {
		walletID string
		typ      model.TradeType
	}{{buy.WalletID, model.TradeBuy}, {sell.WalletID, model.TradeSell}} {
		trade := &model.MarketTrade{
			ID:          uuid.New().String(),
			MarketID:    market.ID,
			OutcomeID:   outcome.ID,
			WalletID:    side.walletID,
			Type:        side.typ,
			ShareAmount: tradeShares,
			PriceNum:    baseCost,
			PriceDen:    tradeShares,
			Hash:        hash,
			CreatedAt:   now,
		}
		if err := st.CreateTrade(ctx, trade); err != nil {
			return err
		}
		metrics.TradesTotal.WithLabelValues(string(side.typ)).Inc()
	}
	return nil
}
