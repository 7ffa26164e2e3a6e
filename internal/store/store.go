// Package store defines the persistence interface for the market engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/forecastex/market-core/internal/model"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// ErrDuplicate is returned when a unique constraint would be violated.
var ErrDuplicate = errors.New("store: duplicate")

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer for hot market reads.
//
// WithTx runs fn against a transaction-scoped store. For PostgreSQL this is
// a real transaction whose row reads take update locks; the in-memory
// implementation serializes transactional sections behind one mutex. Engine
// operations perform all their mutations inside a single WithTx scope.
type Store interface {
	// --- Wallets ---

	CreateWallet(ctx context.Context, w *model.Wallet) error
	GetWallet(ctx context.Context, id string) (*model.Wallet, error)

	// --- Tokens ---

	CreateToken(ctx context.Context, t *model.Token) error
	GetToken(ctx context.Context, id string) (*model.Token, error)
	GetTokenBySymbol(ctx context.Context, symbol string) (*model.Token, error)

	// UpdateTokenSupply replaces the supply counter after a mint or burn.
	UpdateTokenSupply(ctx context.Context, id string, supply decimal.Decimal) error

	// --- Balances ---

	GetBalance(ctx context.Context, walletID, tokenID string) (*model.Balance, error)

	// PutBalance upserts a (wallet, token) balance row.
	PutBalance(ctx context.Context, b *model.Balance) error

	ListBalancesByToken(ctx context.Context, tokenID string) ([]model.Balance, error)
	ListBalancesByWallet(ctx context.Context, walletID string) ([]model.Balance, error)

	// --- Transfers (immutable ledger) ---

	CreateTransfer(ctx context.Context, t *model.Transfer) error
	GetTransfer(ctx context.Context, id string) (*model.Transfer, error)

	// CompleteTransfer transitions a pending transfer to completed and
	// records the external transaction reference.
	CompleteTransfer(ctx context.Context, id, externalTxRef string) error

	// ListTransfersByNote returns all transfers carrying the exact note
	// tag, oldest first. Notes group related legs (AMM purchases for a
	// market, cancellation refunds).
	ListTransfersByNote(ctx context.Context, note string) ([]model.Transfer, error)

	// --- Markets & outcomes ---

	CreateMarket(ctx context.Context, m *model.Market) error
	GetMarket(ctx context.Context, id string) (*model.Market, error)
	ListMarkets(ctx context.Context) ([]model.Market, error)

	// UpdateMarketStatus applies a lifecycle transition. The caller is
	// responsible for having validated the transition.
	UpdateMarketStatus(ctx context.Context, id string, status model.MarketStatus, winningOutcomeID, cancelReason string) error

	CreateOutcome(ctx context.Context, o *model.Outcome) error
	GetOutcome(ctx context.Context, id string) (*model.Outcome, error)
	ListOutcomes(ctx context.Context, marketID string) ([]model.Outcome, error)

	// --- Limit orders ---

	CreateOrder(ctx context.Context, o *model.LimitOrder) error
	GetOrder(ctx context.Context, id string) (*model.LimitOrder, error)
	UpdateOrder(ctx context.Context, o *model.LimitOrder) error

	// ListRestingOrders returns OPEN/PARTIAL orders for a market, oldest
	// first. An empty outcomeID returns orders for every outcome.
	ListRestingOrders(ctx context.Context, marketID, outcomeID string) ([]model.LimitOrder, error)

	// ListExpiredOrders returns resting orders whose valid_until has
	// passed, for the expiry sweep.
	ListExpiredOrders(ctx context.Context, now time.Time) ([]model.LimitOrder, error)

	// --- Executed trades ---

	CreateTrade(ctx context.Context, t *model.MarketTrade) error
	ListTradesByMarket(ctx context.Context, marketID string) ([]model.MarketTrade, error)

	// --- Transaction scope ---

	WithTx(ctx context.Context, fn func(Store) error) error
}

// Invalidator is implemented by caching stores. The engine calls it after
// committing a mutation so cached market snapshots are not served stale.
type Invalidator interface {
	InvalidateMarket(ctx context.Context, marketID string)
	InvalidateToken(ctx context.Context, tokenID string)
}
