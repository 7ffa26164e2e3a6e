package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/forecastex/market-core/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for the quote path's hot reads: market rows, token metadata and
// outcome lists. Balance and order rows are never cached — they are the
// mutable shared state the lock discipline protects.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{primary: primary, rdb: rdb, ttl: ttl}
}

func marketKey(id string) string   { return fmt.Sprintf("market:%s", id) }
func tokenKey(id string) string    { return fmt.Sprintf("token:%s", id) }
func outcomesKey(id string) string { return fmt.Sprintf("outcomes:%s", id) }

// --- Read-through (check cache first) ---

func (s *CachedStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	data, err := s.rdb.Get(ctx, marketKey(id)).Bytes()
	if err == nil {
		var m model.Market
		if json.Unmarshal(data, &m) == nil {
			return &m, nil
		}
	}

	m, err := s.primary.GetMarket(ctx, id)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(m); err == nil {
		s.rdb.Set(ctx, marketKey(id), data, s.ttl)
	}
	return m, nil
}

func (s *CachedStore) GetToken(ctx context.Context, id string) (*model.Token, error) {
	data, err := s.rdb.Get(ctx, tokenKey(id)).Bytes()
	if err == nil {
		var t model.Token
		if json.Unmarshal(data, &t) == nil {
			return &t, nil
		}
	}

	t, err := s.primary.GetToken(ctx, id)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(t); err == nil {
		s.rdb.Set(ctx, tokenKey(id), data, s.ttl)
	}
	return t, nil
}

func (s *CachedStore) ListOutcomes(ctx context.Context, marketID string) ([]model.Outcome, error) {
	data, err := s.rdb.Get(ctx, outcomesKey(marketID)).Bytes()
	if err == nil {
		var outcomes []model.Outcome
		if json.Unmarshal(data, &outcomes) == nil {
			return outcomes, nil
		}
	}

	outcomes, err := s.primary.ListOutcomes(ctx, marketID)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(outcomes); err == nil {
		s.rdb.Set(ctx, outcomesKey(marketID), data, s.ttl)
	}
	return outcomes, nil
}

// --- Invalidation (called by the engine after committed mutations) ---

func (s *CachedStore) InvalidateMarket(ctx context.Context, marketID string) {
	s.rdb.Del(ctx, marketKey(marketID), outcomesKey(marketID))
}

func (s *CachedStore) InvalidateToken(ctx context.Context, tokenID string) {
	s.rdb.Del(ctx, tokenKey(tokenID))
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) UpdateMarketStatus(ctx context.Context, id string, status model.MarketStatus, winningOutcomeID, cancelReason string) error {
	if err := s.primary.UpdateMarketStatus(ctx, id, status, winningOutcomeID, cancelReason); err != nil {
		return err
	}
	s.rdb.Del(ctx, marketKey(id))
	return nil
}

func (s *CachedStore) UpdateTokenSupply(ctx context.Context, id string, supply decimal.Decimal) error {
	if err := s.primary.UpdateTokenSupply(ctx, id, supply); err != nil {
		return err
	}
	s.rdb.Del(ctx, tokenKey(id))
	return nil
}

func (s *CachedStore) CreateOutcome(ctx context.Context, o *model.Outcome) error {
	if err := s.primary.CreateOutcome(ctx, o); err != nil {
		return err
	}
	s.rdb.Del(ctx, outcomesKey(o.MarketID))
	return nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) CreateWallet(ctx context.Context, w *model.Wallet) error {
	return s.primary.CreateWallet(ctx, w)
}

func (s *CachedStore) GetWallet(ctx context.Context, id string) (*model.Wallet, error) {
	return s.primary.GetWallet(ctx, id)
}

func (s *CachedStore) CreateToken(ctx context.Context, t *model.Token) error {
	return s.primary.CreateToken(ctx, t)
}

func (s *CachedStore) GetTokenBySymbol(ctx context.Context, symbol string) (*model.Token, error) {
	return s.primary.GetTokenBySymbol(ctx, symbol)
}

func (s *CachedStore) GetBalance(ctx context.Context, walletID, tokenID string) (*model.Balance, error) {
	return s.primary.GetBalance(ctx, walletID, tokenID)
}

func (s *CachedStore) PutBalance(ctx context.Context, b *model.Balance) error {
	return s.primary.PutBalance(ctx, b)
}

func (s *CachedStore) ListBalancesByToken(ctx context.Context, tokenID string) ([]model.Balance, error) {
	return s.primary.ListBalancesByToken(ctx, tokenID)
}

func (s *CachedStore) ListBalancesByWallet(ctx context.Context, walletID string) ([]model.Balance, error) {
	return s.primary.ListBalancesByWallet(ctx, walletID)
}

func (s *CachedStore) CreateTransfer(ctx context.Context, t *model.Transfer) error {
	return s.primary.CreateTransfer(ctx, t)
}

func (s *CachedStore) GetTransfer(ctx context.Context, id string) (*model.Transfer, error) {
	return s.primary.GetTransfer(ctx, id)
}

func (s *CachedStore) CompleteTransfer(ctx context.Context, id, externalTxRef string) error {
	return s.primary.CompleteTransfer(ctx, id, externalTxRef)
}

func (s *CachedStore) ListTransfersByNote(ctx context.Context, note string) ([]model.Transfer, error) {
	return s.primary.ListTransfersByNote(ctx, note)
}

func (s *CachedStore) CreateMarket(ctx context.Context, m *model.Market) error {
	return s.primary.CreateMarket(ctx, m)
}

func (s *CachedStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	return s.primary.ListMarkets(ctx)
}

func (s *CachedStore) GetOutcome(ctx context.Context, id string) (*model.Outcome, error) {
	return s.primary.GetOutcome(ctx, id)
}

func (s *CachedStore) CreateOrder(ctx context.Context, o *model.LimitOrder) error {
	return s.primary.CreateOrder(ctx, o)
}

func (s *CachedStore) GetOrder(ctx context.Context, id string) (*model.LimitOrder, error) {
	return s.primary.GetOrder(ctx, id)
}

func (s *CachedStore) UpdateOrder(ctx context.Context, o *model.LimitOrder) error {
	return s.primary.UpdateOrder(ctx, o)
}

func (s *CachedStore) ListRestingOrders(ctx context.Context, marketID, outcomeID string) ([]model.LimitOrder, error) {
	return s.primary.ListRestingOrders(ctx, marketID, outcomeID)
}

func (s *CachedStore) ListExpiredOrders(ctx context.Context, now time.Time) ([]model.LimitOrder, error) {
	return s.primary.ListExpiredOrders(ctx, now)
}

func (s *CachedStore) CreateTrade(ctx context.Context, t *model.MarketTrade) error {
	return s.primary.CreateTrade(ctx, t)
}

func (s *CachedStore) ListTradesByMarket(ctx context.Context, marketID string) ([]model.MarketTrade, error) {
	return s.primary.ListTradesByMarket(ctx, marketID)
}

// WithTx hands fn the raw transaction-scoped store. Reads inside a
// transaction must hit the database to take row locks, so no caching
// happens within the scope; the engine invalidates after commit.
func (s *CachedStore) WithTx(ctx context.Context, fn func(Store) error) error {
	return s.primary.WithTx(ctx, fn)
}
