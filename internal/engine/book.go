package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/forecastex/market-core/internal/ledger"
	"github.com/forecastex/market-core/internal/metrics"
	"github.com/forecastex/market-core/internal/model"
	"github.com/forecastex/market-core/internal/risk"
	"github.com/forecastex/market-core/internal/store"
)

// PlaceOrderRequest describes a new limit order.
type PlaceOrderRequest struct {
	WalletID    string
	MarketID    string
	OutcomeID   string
	Side        model.OrderSide
	LimitPrice  decimal.Decimal
	ShareAmount decimal.Decimal
	ValidUntil  *time.Time
}

// PlaceLimitOrder validates the order, reserves the collateral it needs
// (base tokens at limit_price*share_amount for a BUY, the shares
// themselves for a SELL), records it, and triggers a matching sweep.
//
// The returned order reflects any fills the immediate sweep produced.
func (e *Engine) PlaceLimitOrder(ctx context.Context, req PlaceOrderRequest) (*model.LimitOrder, error) {
	if !req.LimitPrice.IsPositive() || !req.ShareAmount.IsPositive() {
		return nil, ErrInvalidOrder
	}
	if req.Side != model.SideBuy && req.Side != model.SideSell {
		return nil, ErrInvalidOrder
	}
	if req.ValidUntil != nil && !req.ValidUntil.After(time.Now()) {
		return nil, ErrInvalidOrder
	}

	order := &model.LimitOrder{
		ID:          uuid.New().String(),
		WalletID:    req.WalletID,
		MarketID:    req.MarketID,
		OutcomeID:   req.OutcomeID,
		Side:        req.Side,
		LimitPrice:  req.LimitPrice,
		ShareAmount: req.ShareAmount,
		Filled:      decimal.Zero,
		SpentAmount: decimal.Zero,
		Status:      model.OrderOpen,
		ValidUntil:  req.ValidUntil,
		CreatedAt:   time.Now().UTC(),
	}

	unlock := e.lockMarket(req.MarketID)
	err := e.st.WithTx(ctx, func(st store.Store) error {
		snap, err := e.snapshot(ctx, st, req.MarketID)
		if err != nil {
			return err
		}
		if snap.market.Status != model.MarketOpen {
			return ErrMarketNotOpen
		}
		shareToken, ok := snap.shareByOut[req.OutcomeID]
		if !ok {
			return ErrInvalidOutcome
		}
		if err := e.limits.CheckAmount(*shareToken, *snap.market, req.ShareAmount); err != nil {
			return err
		}

		// Collateral reservation: a BUY encumbers the worst-case base
		// spend, a SELL encumbers the shares on offer.
		switch req.Side {
		case model.SideBuy:
			cost := req.ShareAmount.Mul(req.LimitPrice)
			if err := ledger.Reserve(ctx, st, req.WalletID, snap.market.BaseTokenID, cost); err != nil {
				return err
			}
		case model.SideSell:
			if err := ledger.Reserve(ctx, st, req.WalletID, shareToken.ID, req.ShareAmount); err != nil {
				return err
			}
		}
		return st.CreateOrder(ctx, order)
	})
	unlock()
	if err != nil {
		metrics.OrdersRejected.WithLabelValues(rejectReason(err)).Inc()
		return nil, err
	}

	metrics.OrdersPlaced.WithLabelValues(string(req.Side)).Inc()

	// The order is committed; a failing sweep must not unplace it.
	if err := e.Match(ctx, req.MarketID, req.OutcomeID); err != nil {
		slog.Error("post-placement matching sweep failed",
			"market_id", req.MarketID, "outcome_id", req.OutcomeID, "error", err)
	}
	return e.st.GetOrder(ctx, order.ID)
}

// CancelOrder cancels a resting order and releases its remaining
// reservation. Canceling an already-canceled or expired order is a no-op;
// canceling a filled order fails.
func (e *Engine) CancelOrder(ctx context.Context, orderID string) (*model.LimitOrder, error) {
	probe, err := e.st.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	unlock := e.lockMarket(probe.MarketID)
	defer unlock()

	var out *model.LimitOrder
	err = e.st.WithTx(ctx, func(st store.Store) error {
		order, err := st.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if order.Status == model.OrderCanceled || order.Status == model.OrderExpired {
			out = order
			return nil
		}
		if order.Status == model.OrderFilled {
			return ErrInvalidStateTransition
		}
		if err := e.retireOrder(ctx, st, order, model.OrderCanceled); err != nil {
			return err
		}
		out = order
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// retireOrder releases a resting order's remaining reservation and moves
// it to the given terminal status. Per-fill surplus releases keep a BUY's
// reserved base at exactly remaining*limit_price, so that is the precise
// amount to return.
func (e *Engine) retireOrder(ctx context.Context, st store.Store, order *model.LimitOrder, status model.OrderStatus) error {
	market, err := st.GetMarket(ctx, order.MarketID)
	if err != nil {
		return err
	}

	remaining := order.Remaining()
	if remaining.IsPositive() {
		switch order.Side {
		case model.SideBuy:
			release := remaining.Mul(order.LimitPrice)
			if err := ledger.Release(ctx, st, order.WalletID, market.BaseTokenID, release); err != nil {
				return err
			}
		case model.SideSell:
			outcome, err := st.GetOutcome(ctx, order.OutcomeID)
			if err != nil {
				return err
			}
			if err := ledger.Release(ctx, st, order.WalletID, outcome.ShareTokenID, remaining); err != nil {
				return err
			}
		}
	}

	order.Status = status
	return st.UpdateOrder(ctx, order)
}

// ExpireOrders retires every resting order whose valid_until has passed.
// Called periodically by the server's sweep ticker.
func (e *Engine) ExpireOrders(ctx context.Context, now time.Time) (int, error) {
	expired, err := e.st.ListExpiredOrders(ctx, now)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, ord := range expired {
		order := ord
		unlock := e.lockMarket(order.MarketID)
		err := e.st.WithTx(ctx, func(st store.Store) error {
			fresh, err := st.GetOrder(ctx, order.ID)
			if err != nil {
				return err
			}
			if fresh.Status.Terminal() {
				return nil
			}
			return e.retireOrder(ctx, st, fresh, model.OrderExpired)
		})
		unlock()
		if err != nil {
			return count, err
		}
		count++
		metrics.ExpiredOrders.Inc()
	}
	return count, nil
}

// rejectReason maps a placement error to a bounded metric label.
func rejectReason(err error) string {
	switch {
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ErrMarketNotOpen):
		return "market_not_open"
	case errors.Is(err, ErrInvalidOutcome):
		return "invalid_outcome"
	case errors.Is(err, ErrInvalidOrder):
		return "invalid_order"
	case errors.Is(err, risk.ErrAmountBelowMinimum):
		return "amount_below_minimum"
	case errors.Is(err, risk.ErrAmountAboveMaximum):
		return "amount_above_maximum"
	default:
		return "other"
	}
}
