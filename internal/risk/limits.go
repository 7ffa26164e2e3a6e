// Package risk enforces per-trade amount limits: the token's minimum
// tradable step and the market's configured minimum and maximum trade
// sizes. Every order placement and instant buy passes through here before
// touching the ledger.
package risk

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/forecastex/market-core/internal/model"
)

var (
	// ErrAmountBelowMinimum is returned when a trade is smaller than the
	// token's step size or the market's minimum, or not step-aligned.
	ErrAmountBelowMinimum = errors.New("risk: amount below minimum tradable size")

	// ErrAmountAboveMaximum is returned when a trade exceeds the market's
	// configured maximum.
	ErrAmountAboveMaximum = errors.New("risk: amount above maximum tradable size")
)

// TradeLimiter validates trade sizes against token and market constraints.
type TradeLimiter struct{}

// NewTradeLimiter creates a trade limiter.
func NewTradeLimiter() *TradeLimiter {
	return &TradeLimiter{}
}

// CheckAmount validates a share amount against the share token's step size
// and the market's min/max trade bounds. A zero MaxTradeAmount means
// unbounded.
func (l *TradeLimiter) CheckAmount(shareToken model.Token, market model.Market, amount decimal.Decimal) error {
	if amount.LessThan(shareToken.StepSize) {
		return ErrAmountBelowMinimum
	}
	if shareToken.StepSize.IsPositive() && !amount.Mod(shareToken.StepSize).IsZero() {
		return ErrAmountBelowMinimum
	}
	if market.MinTradeAmount.IsPositive() && amount.LessThan(market.MinTradeAmount) {
		return ErrAmountBelowMinimum
	}
	if market.MaxTradeAmount.IsPositive() && amount.GreaterThan(market.MaxTradeAmount) {
		return ErrAmountAboveMaximum
	}
	return nil
}
