// Package model defines the core domain types shared across the market engine:
// wallets, tokens, balances, transfers, markets, outcomes, limit orders and
// executed trades. All monetary values use shopspring/decimal — never float64
// for money. Amounts are expressed in the smallest unit of their token.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// WalletKind classifies a wallet's role in the ledger.
type WalletKind string

const (
	// WalletAvailable is a regular user-facing wallet.
	WalletAvailable WalletKind = "available"

	// WalletReserved holds funds earmarked by the system. A reserved wallet
	// may never be the funding source of a user-initiated transfer.
	WalletReserved WalletKind = "reserved"

	// WalletDeposit receives on-chain inflows before they are swept.
	WalletDeposit WalletKind = "deposit"
)

// Wallet is an ownership container for balances. One is created per user,
// and one per market holding its pooled liquidity. Wallets are never
// mutated after creation, only soft-deleted.
type Wallet struct {
	ID        string     `json:"id" db:"id"`
	OwnerID   string     `json:"owner_id" db:"owner_id"`
	Kind      WalletKind `json:"kind" db:"kind"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty" db:"deleted_at"`
}

// TokenType distinguishes settlement currency from outcome shares.
type TokenType string

const (
	TokenBase  TokenType = "BASE"
	TokenShare TokenType = "SHARE"
)

// Token is a fungible asset type. Supply is the cumulative quantity minted
// net of burns; for SHARE tokens it doubles as the outstanding share count
// the pricing engine reads. Everything except Supply is immutable once the
// first unit is minted.
type Token struct {
	ID          string          `json:"id" db:"id"`
	Symbol      string          `json:"symbol" db:"symbol"`
	Fingerprint string          `json:"fingerprint" db:"fingerprint"`
	Type        TokenType       `json:"type" db:"type"`
	Decimals    int32           `json:"decimals" db:"decimals"`
	StepSize    decimal.Decimal `json:"step_size" db:"step_size"`
	Supply      decimal.Decimal `json:"supply" db:"supply"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// MinPrice returns the smallest representable price in real units:
// 1 / 10^decimals.
func (t Token) MinPrice() decimal.Decimal {
	return decimal.New(1, -t.Decimals)
}

// Balance is the (wallet × token) quantity record. Reserved is the portion
// earmarked for open orders or pending on-chain withdrawals; it is always
// <= Quantity. Version increments on every mutation and exists purely as an
// audit trail — conflict safety comes from the lock discipline, not from
// version checks.
type Balance struct {
	WalletID string          `json:"wallet_id" db:"wallet_id"`
	TokenID  string          `json:"token_id" db:"token_id"`
	Quantity decimal.Decimal `json:"quantity" db:"quantity"`
	Reserved decimal.Decimal `json:"reserved" db:"reserved"`
	Version  int64           `json:"version" db:"version"`
}

// Available returns the spendable portion: quantity - reserved.
func (b Balance) Available() decimal.Decimal {
	return b.Quantity.Sub(b.Reserved)
}

// TransferKind classifies how a transfer moves value.
type TransferKind string

const (
	// TransferInternal moves value between two ledger wallets atomically.
	TransferInternal TransferKind = "internal"

	// TransferOnchainIn credits value arriving from the external chain.
	TransferOnchainIn TransferKind = "onchain_in"

	// TransferOnchainOut records a pending withdrawal. Balances stay
	// encumbered via Reserved until reconciliation completes it.
	TransferOnchainOut TransferKind = "onchain_out"
)

// TransferOp tags the ledger operation explicitly instead of relying on
// nullable endpoints: a nil sender is a mint, a nil receiver is a burn.
type TransferOp string

const (
	OpMint TransferOp = "mint"
	OpBurn TransferOp = "burn"
	OpMove TransferOp = "move"
)

// TransferStatus tracks on-chain reconciliation. Internal transfers are
// completed immediately.
type TransferStatus string

const (
	TransferPending   TransferStatus = "pending"
	TransferCompleted TransferStatus = "completed"
)

// Transfer is an immutable ledger entry. Only Status may change, and only
// pending → completed on external confirmation.
type Transfer struct {
	ID              string          `json:"id" db:"id"`
	FromWalletID    *string         `json:"from_wallet_id,omitempty" db:"from_wallet_id"`
	ToWalletID      *string         `json:"to_wallet_id,omitempty" db:"to_wallet_id"`
	TokenID         string          `json:"token_id" db:"token_id"`
	Amount          decimal.Decimal `json:"amount" db:"amount"`
	Fee             decimal.Decimal `json:"fee" db:"fee"`
	Kind            TransferKind    `json:"kind" db:"kind"`
	Op              TransferOp      `json:"op" db:"op"`
	Status          TransferStatus  `json:"status" db:"status"`
	Note            string          `json:"note" db:"note"`
	Hash            string          `json:"hash" db:"hash"`
	ExternalAddress string          `json:"external_address,omitempty" db:"external_address"`
	ExternalTxRef   string          `json:"external_tx_ref,omitempty" db:"external_tx_ref"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
}

// MarketStatus is the market lifecycle state machine:
// open → closed → resolved → settled, or open|closed → canceled.
type MarketStatus string

const (
	MarketOpen     MarketStatus = "open"
	MarketClosed   MarketStatus = "closed"
	MarketResolved MarketStatus = "resolved"
	MarketSettled  MarketStatus = "settled"
	MarketCanceled MarketStatus = "canceled"
)

// CanTransition reports whether the lifecycle allows moving to the target
// status from the current one.
func (s MarketStatus) CanTransition(to MarketStatus) bool {
	switch to {
	case MarketClosed:
		return s == MarketOpen
	case MarketResolved:
		return s == MarketClosed
	case MarketSettled:
		return s == MarketResolved
	case MarketCanceled:
		return s == MarketOpen || s == MarketClosed
	default:
		return false
	}
}

// Market is a tradable event. It owns exactly one pooled wallet whose base
// balance backs settlement. LiquidityB is the principal owed back to the
// creator at settlement. Rows are immutable except for the status fields.
type Market struct {
	ID               string          `json:"id" db:"id"`
	Question         string          `json:"question" db:"question"`
	CreatorWalletID  string          `json:"creator_wallet_id" db:"creator_wallet_id"`
	WalletID         string          `json:"wallet_id" db:"wallet_id"` // pooled liquidity wallet
	BaseTokenID      string          `json:"base_token_id" db:"base_token_id"`
	B                decimal.Decimal `json:"b" db:"b"` // liquidity parameter
	LiquidityB       decimal.Decimal `json:"liquidity_b" db:"liquidity_b"`
	MinTradeAmount   decimal.Decimal `json:"min_trade_amount" db:"min_trade_amount"`
	MaxTradeAmount   decimal.Decimal `json:"max_trade_amount" db:"max_trade_amount"`
	Status           MarketStatus    `json:"status" db:"status"`
	WinningOutcomeID string          `json:"winning_outcome_id,omitempty" db:"winning_outcome_id"`
	CancelReason     string          `json:"cancel_reason,omitempty" db:"cancel_reason"`
	CreatedAt        time.Time       `json:"created_at" db:"created_at"`
}

// Outcome is one of 2–N mutually exclusive results of a market. Each owns
// exactly one SHARE token whose balances represent claims on that result.
type Outcome struct {
	ID           string    `json:"id" db:"id"`
	MarketID     string    `json:"market_id" db:"market_id"`
	Label        string    `json:"label" db:"label"`
	ShareTokenID string    `json:"share_token_id" db:"share_token_id"`
	SortOrder    int       `json:"sort_order" db:"sort_order"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// OrderSide is the direction of a limit order.
type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

// OrderStatus is the limit-order state machine:
// open → partial → filled (terminal); open|partial → canceled|expired.
type OrderStatus string

const (
	OrderOpen     OrderStatus = "open"
	OrderPartial  OrderStatus = "partial"
	OrderFilled   OrderStatus = "filled"
	OrderCanceled OrderStatus = "canceled"
	OrderExpired  OrderStatus = "expired"
)

// Resting reports whether the order can still participate in matching.
func (s OrderStatus) Resting() bool {
	return s == OrderOpen || s == OrderPartial
}

// Terminal reports whether the order can never change again.
func (s OrderStatus) Terminal() bool {
	return s == OrderFilled || s == OrderCanceled || s == OrderExpired
}

// LimitOrder is a resting order at a chosen price. LimitPrice is expressed
// in smallest base-token units per share. SpentAmount tracks the capital
// actually consumed at execution prices, used to release reservation
// surplus when a BUY fills below its limit.
type LimitOrder struct {
	ID          string          `json:"id" db:"id"`
	WalletID    string          `json:"wallet_id" db:"wallet_id"`
	MarketID    string          `json:"market_id" db:"market_id"`
	OutcomeID   string          `json:"outcome_id" db:"outcome_id"`
	Side        OrderSide       `json:"side" db:"side"`
	LimitPrice  decimal.Decimal `json:"limit_price" db:"limit_price"`
	ShareAmount decimal.Decimal `json:"share_amount" db:"share_amount"`
	Filled      decimal.Decimal `json:"filled" db:"filled"`
	SpentAmount decimal.Decimal `json:"spent_amount" db:"spent_amount"`
	Status      OrderStatus     `json:"status" db:"status"`
	ValidUntil  *time.Time      `json:"valid_until,omitempty" db:"valid_until"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// Remaining returns the unfilled share amount.
func (o LimitOrder) Remaining() decimal.Decimal {
	return o.ShareAmount.Sub(o.Filled)
}

// TradeType tags an executed fill or settlement movement.
type TradeType string

const (
	TradeBuy    TradeType = "BUY"
	TradeSell   TradeType = "SELL"
	TradeRefund TradeType = "REFUND"
	TradeSettle TradeType = "SETTLE"
	TradeAdjust TradeType = "ADJUST"
	TradeCancel TradeType = "CANCEL"
)

// MarketTrade is an immutable record of an executed fill or settlement leg.
// Price is carried as PriceNum/PriceDen (total base cost over share count)
// to avoid rounding loss; the two legs of one match share a Hash.
type MarketTrade struct {
	ID          string          `json:"id" db:"id"`
	MarketID    string          `json:"market_id" db:"market_id"`
	OutcomeID   string          `json:"outcome_id,omitempty" db:"outcome_id"`
	WalletID    string          `json:"wallet_id" db:"wallet_id"`
	Type        TradeType       `json:"type" db:"type"`
	ShareAmount decimal.Decimal `json:"share_amount" db:"share_amount"`
	PriceNum    decimal.Decimal `json:"price_num" db:"price_num"`
	PriceDen    decimal.Decimal `json:"price_den" db:"price_den"`
	Hash        string          `json:"hash" db:"hash"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}
