// Package lmsr implements the Logarithmic Market Scoring Rule (LMSR)
// automated market maker for multi-outcome prediction markets.
//
// The LMSR was proposed by Robin Hanson and provides:
//   - Bounded loss for the market maker (capped at b * ln(n))
//   - Continuous pricing with infinite liquidity
//   - Path-independent cost function
//
// All monetary values use shopspring/decimal — never float64 for money.
// Internal transcendental math uses the log-sum-exp trick for numerical
// stability, with results immediately converted to decimal.
//
// Two liquidity parameters are in play. The cost parameter bPrice scales
// with both outstanding supply and trade size, so large trades move price
// more and illiquid markets are steeper. The display parameter bProb is
// derived from the market's base-token pool instead, so quoted odds stay
// smooth even while a large single trade is being priced.
//
// Reference: Hanson, R. (2003) "Combinatorial Information Market Design"
package lmsr

import (
	"errors"
	"math"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidOutcome is returned when the outcome index is out of range.
	ErrInvalidOutcome = errors.New("lmsr: outcome index out of range")

	// ErrInvalidAmount is returned when the buy amount is negative.
	ErrInvalidAmount = errors.New("lmsr: buy amount must not be negative")
)

const (
	// supplyWeight scales total outstanding shares into the cost-liquidity
	// parameter bPrice.
	supplyWeight = 0.15

	// tradeDivisor scales the trade size into the bPrice floor.
	tradeDivisor = 20.0

	// poolWeight scales the real-unit base pool into the display-liquidity
	// parameter bProb.
	poolWeight = 0.005
)

// Quote is the result of pricing a hypothetical buy. Quote and execution
// use the same code path with identical inputs, so a quote is bit-identical
// to the price charged for the same outstanding-quantity snapshot.
type Quote struct {
	// Price is the display/charge price rounded to the base token's
	// decimals (ceil to a whole unit, minimum 1, when decimals == 0).
	Price decimal.Decimal `json:"price"`

	// RealPrice is the unrounded LMSR cost.
	RealPrice decimal.Decimal `json:"real_price"`

	// BeforeProbs and AfterProbs are the per-outcome probabilities before
	// and after the hypothetical trade.
	BeforeProbs []decimal.Decimal `json:"before_probs"`
	AfterProbs  []decimal.Decimal `json:"after_probs"`

	// Chance is price / beforeProbs[outcome] (1 when the prior is zero).
	Chance decimal.Decimal `json:"chance"`

	// MinPrice is the smallest representable price: 1 / 10^decimals.
	MinPrice decimal.Decimal `json:"min_price"`

	// TotalValue is max(Price, MinPrice).
	TotalValue decimal.Decimal `json:"total_value"`
}

// logSumExp computes ln(Σ exp(x_i)) using the log-sum-exp trick to prevent
// floating-point overflow. Without this trick, exp(x) overflows float64
// when x > ~709.
//
// Algorithm: LSE(x) = max(x) + ln(Σ exp(x_i - max(x)))
// Since (x_i - max(x)) <= 0, all exp arguments are in [0, 1].
func logSumExp(xs []float64) float64 {
	if len(xs) == 0 {
		return math.Inf(-1)
	}

	maxVal := xs[0]
	for _, x := range xs[1:] {
		if x > maxVal {
			maxVal = x
		}
	}

	if math.IsInf(maxVal, -1) {
		return math.Inf(-1)
	}

	var sum float64
	for _, x := range xs {
		sum += math.Exp(x - maxVal)
	}
	return maxVal + math.Log(sum)
}

// softmax returns exp(q_i/b) / Σ exp(q_j/b) with max-subtraction for
// numerical stability.
func softmax(qs []float64, b float64) []float64 {
	maxVal := qs[0]
	for _, q := range qs[1:] {
		if q > maxVal {
			maxVal = q
		}
	}

	exps := make([]float64, len(qs))
	var sum float64
	for i, q := range qs {
		exps[i] = math.Exp((q - maxVal) / b)
		sum += exps[i]
	}

	probs := make([]float64, len(qs))
	for i := range exps {
		probs[i] = exps[i] / sum
	}
	return probs
}

// bPrice derives the cost-liquidity parameter from outstanding supply and
// trade size: max(totalShares * 0.15, max(1, buyAmount / 20)).
func bPrice(totalShares, buyAmount float64) float64 {
	floor := math.Max(1.0, buyAmount/tradeDivisor)
	return math.Max(totalShares*supplyWeight, floor)
}

// bProb derives the display-liquidity parameter from the market's base
// pool in real (decimal-adjusted) units: max(pool * 0.005, 1).
func bProb(poolLiquidity float64) float64 {
	return math.Max(poolLiquidity*poolWeight, 1.0)
}

// PriceQuote prices a hypothetical purchase of buyAmount shares of outcome
// against the outstanding-quantity snapshot q. poolLiquidity is the
// market's base-token pool in smallest units; decimals is the base token's
// precision. The function is pure and read-only.
func PriceQuote(q []decimal.Decimal, outcome int, buyAmount, poolLiquidity decimal.Decimal, decimals int32) (*Quote, error) {
	if outcome < 0 || outcome >= len(q) {
		return nil, ErrInvalidOutcome
	}
	if buyAmount.IsNegative() {
		return nil, ErrInvalidAmount
	}

	n := len(q)
	before := make([]float64, n)
	after := make([]float64, n)
	var totalShares float64
	for i, qi := range q {
		f := qi.InexactFloat64()
		before[i] = f
		after[i] = f
		totalShares += f
	}
	buyF := buyAmount.InexactFloat64()
	after[outcome] += buyF

	// Cost: C(q_after) - C(q_before) under the trade-sensitive parameter.
	bp := bPrice(totalShares, buyF)
	scaledBefore := make([]float64, n)
	scaledAfter := make([]float64, n)
	for i := 0; i < n; i++ {
		scaledBefore[i] = before[i] / bp
		scaledAfter[i] = after[i] / bp
	}
	cost := bp * (logSumExp(scaledAfter) - logSumExp(scaledBefore))

	// Probabilities use the pool-derived parameter so displayed odds do not
	// jump with the size of the trade being quoted.
	poolReal := poolLiquidity.InexactFloat64() / math.Pow(10, float64(decimals))
	bq := bProb(poolReal)
	beforeProbs := softmax(before, bq)
	afterProbs := softmax(after, bq)

	realPrice := decimal.NewFromFloat(cost)
	price := roundPrice(realPrice, decimals)
	minPrice := decimal.New(1, -decimals)

	beforeDec := make([]decimal.Decimal, n)
	afterDec := make([]decimal.Decimal, n)
	for i := 0; i < n; i++ {
		beforeDec[i] = decimal.NewFromFloat(beforeProbs[i])
		afterDec[i] = decimal.NewFromFloat(afterProbs[i])
	}

	chance := decimal.NewFromInt(1)
	if !beforeDec[outcome].IsZero() {
		chance = price.Div(beforeDec[outcome])
	}

	totalValue := price
	if minPrice.GreaterThan(totalValue) {
		totalValue = minPrice
	}

	return &Quote{
		Price:       price,
		RealPrice:   realPrice,
		BeforeProbs: beforeDec,
		AfterProbs:  afterDec,
		Chance:      chance,
		MinPrice:    minPrice,
		TotalValue:  totalValue,
	}, nil
}

// roundPrice rounds the raw cost to the token's precision. Zero-decimal
// tokens round up to the next whole unit with a floor of 1 so no purchase
// is ever free.
func roundPrice(cost decimal.Decimal, decimals int32) decimal.Decimal {
	if decimals > 0 {
		return cost.Round(decimals)
	}
	rounded := cost.Ceil()
	one := decimal.NewFromInt(1)
	if rounded.LessThan(one) {
		return one
	}
	return rounded
}

// Probabilities returns the current per-outcome probabilities for display,
// without any hypothetical trade applied.
func Probabilities(q []decimal.Decimal, poolLiquidity decimal.Decimal, decimals int32) []decimal.Decimal {
	if len(q) == 0 {
		return nil
	}
	qf := make([]float64, len(q))
	for i, qi := range q {
		qf[i] = qi.InexactFloat64()
	}
	poolReal := poolLiquidity.InexactFloat64() / math.Pow(10, float64(decimals))
	probs := softmax(qf, bProb(poolReal))

	out := make([]decimal.Decimal, len(probs))
	for i, p := range probs {
		out[i] = decimal.NewFromFloat(p)
	}
	return out
}

// MaxLoss returns the theoretical maximum market-maker loss b * ln(n) for
// an n-outcome market with liquidity parameter b.
func MaxLoss(b decimal.Decimal, n int) decimal.Decimal {
	loss := b.InexactFloat64() * math.Log(float64(n))
	return decimal.NewFromFloat(loss)
}
