package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/forecastex/market-core/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing and
// development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu   sync.RWMutex
	txMu sync.Mutex

	wallets   map[string]*model.Wallet
	tokens    map[string]*model.Token
	balances  map[string]*model.Balance // key: walletID + "/" + tokenID
	transfers []model.Transfer
	markets   map[string]*model.Market
	outcomes  map[string]*model.Outcome
	orders    map[string]*model.LimitOrder
	trades    []model.MarketTrade
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		wallets:  make(map[string]*model.Wallet),
		tokens:   make(map[string]*model.Token),
		balances: make(map[string]*model.Balance),
		markets:  make(map[string]*model.Market),
		outcomes: make(map[string]*model.Outcome),
		orders:   make(map[string]*model.LimitOrder),
	}
}

func balanceKey(walletID, tokenID string) string { return walletID + "/" + tokenID }

// --- Wallets ---

func (s *MemoryStore) CreateWallet(_ context.Context, w *model.Wallet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.wallets[w.ID]; ok {
		return ErrDuplicate
	}
	cp := *w
	s.wallets[w.ID] = &cp
	return nil
}

func (s *MemoryStore) GetWallet(_ context.Context, id string) (*model.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.wallets[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *w
	return &cp, nil
}

// --- Tokens ---

func (s *MemoryStore) CreateToken(_ context.Context, t *model.Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tokens[t.ID]; ok {
		return ErrDuplicate
	}
	for _, existing := range s.tokens {
		if existing.Symbol == t.Symbol {
			return ErrDuplicate
		}
	}
	cp := *t
	s.tokens[t.ID] = &cp
	return nil
}

func (s *MemoryStore) GetToken(_ context.Context, id string) (*model.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tokens[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) GetTokenBySymbol(_ context.Context, symbol string) (*model.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, t := range s.tokens {
		if t.Symbol == symbol {
			cp := *t
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) UpdateTokenSupply(_ context.Context, id string, supply decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tokens[id]
	if !ok {
		return ErrNotFound
	}
	t.Supply = supply
	return nil
}

// --- Balances ---

func (s *MemoryStore) GetBalance(_ context.Context, walletID, tokenID string) (*model.Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.balances[balanceKey(walletID, tokenID)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (s *MemoryStore) PutBalance(_ context.Context, b *model.Balance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *b
	s.balances[balanceKey(b.WalletID, b.TokenID)] = &cp
	return nil
}

func (s *MemoryStore) ListBalancesByToken(_ context.Context, tokenID string) ([]model.Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Balance
	for _, b := range s.balances {
		if b.TokenID == tokenID {
			result = append(result, *b)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].WalletID < result[j].WalletID })
	return result, nil
}

func (s *MemoryStore) ListBalancesByWallet(_ context.Context, walletID string) ([]model.Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Balance
	for _, b := range s.balances {
		if b.WalletID == walletID {
			result = append(result, *b)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].TokenID < result[j].TokenID })
	return result, nil
}

// --- Transfers ---

func (s *MemoryStore) CreateTransfer(_ context.Context, t *model.Transfer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.transfers = append(s.transfers, *t)
	return nil
}

func (s *MemoryStore) GetTransfer(_ context.Context, id string) (*model.Transfer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := range s.transfers {
		if s.transfers[i].ID == id {
			cp := s.transfers[i]
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) CompleteTransfer(_ context.Context, id, externalTxRef string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.transfers {
		if s.transfers[i].ID == id {
			s.transfers[i].Status = model.TransferCompleted
			s.transfers[i].ExternalTxRef = externalTxRef
			return nil
		}
	}
	return ErrNotFound
}

func (s *MemoryStore) ListTransfersByNote(_ context.Context, note string) ([]model.Transfer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Transfer
	for _, t := range s.transfers {
		if t.Note == note {
			result = append(result, t)
		}
	}
	return result, nil
}

// --- Markets & outcomes ---

func (s *MemoryStore) CreateMarket(_ context.Context, m *model.Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.markets[m.ID]; ok {
		return ErrDuplicate
	}
	cp := *m
	s.markets[m.ID] = &cp
	return nil
}

func (s *MemoryStore) GetMarket(_ context.Context, id string) (*model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.markets[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *MemoryStore) ListMarkets(_ context.Context) ([]model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	markets := make([]model.Market, 0, len(s.markets))
	for _, m := range s.markets {
		markets = append(markets, *m)
	}
	sort.Slice(markets, func(i, j int) bool { return markets[i].CreatedAt.After(markets[j].CreatedAt) })
	return markets, nil
}

func (s *MemoryStore) UpdateMarketStatus(_ context.Context, id string, status model.MarketStatus, winningOutcomeID, cancelReason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.markets[id]
	if !ok {
		return ErrNotFound
	}
	m.Status = status
	if winningOutcomeID != "" {
		m.WinningOutcomeID = winningOutcomeID
	}
	if cancelReason != "" {
		m.CancelReason = cancelReason
	}
	return nil
}

func (s *MemoryStore) CreateOutcome(_ context.Context, o *model.Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.outcomes[o.ID]; ok {
		return ErrDuplicate
	}
	cp := *o
	s.outcomes[o.ID] = &cp
	return nil
}

func (s *MemoryStore) GetOutcome(_ context.Context, id string) (*model.Outcome, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.outcomes[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (s *MemoryStore) ListOutcomes(_ context.Context, marketID string) ([]model.Outcome, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Outcome
	for _, o := range s.outcomes {
		if o.MarketID == marketID {
			result = append(result, *o)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].SortOrder < result[j].SortOrder })
	return result, nil
}

// --- Limit orders ---

func (s *MemoryStore) CreateOrder(_ context.Context, o *model.LimitOrder) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.orders[o.ID]; ok {
		return ErrDuplicate
	}
	cp := *o
	s.orders[o.ID] = &cp
	return nil
}

func (s *MemoryStore) GetOrder(_ context.Context, id string) (*model.LimitOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (s *MemoryStore) UpdateOrder(_ context.Context, o *model.LimitOrder) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.orders[o.ID]; !ok {
		return ErrNotFound
	}
	cp := *o
	s.orders[o.ID] = &cp
	return nil
}

func (s *MemoryStore) ListRestingOrders(_ context.Context, marketID, outcomeID string) ([]model.LimitOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.LimitOrder
	for _, o := range s.orders {
		if o.MarketID != marketID || !o.Status.Resting() {
			continue
		}
		if outcomeID != "" && o.OutcomeID != outcomeID {
			continue
		}
		result = append(result, *o)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (s *MemoryStore) ListExpiredOrders(_ context.Context, now time.Time) ([]model.LimitOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.LimitOrder
	for _, o := range s.orders {
		if !o.Status.Resting() || o.ValidUntil == nil {
			continue
		}
		if o.ValidUntil.Before(now) {
			result = append(result, *o)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

// --- Executed trades ---

func (s *MemoryStore) CreateTrade(_ context.Context, t *model.MarketTrade) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.trades = append(s.trades, *t)
	return nil
}

func (s *MemoryStore) ListTradesByMarket(_ context.Context, marketID string) ([]model.MarketTrade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.MarketTrade
	for _, t := range s.trades {
		if t.MarketID == marketID {
			result = append(result, t)
		}
	}
	return result, nil
}

// --- Transaction scope ---

// memorySnapshot is a deep copy of the store's state, taken at the start
// of a transactional section and restored if the section fails.
type memorySnapshot struct {
	wallets   map[string]*model.Wallet
	tokens    map[string]*model.Token
	balances  map[string]*model.Balance
	transfers []model.Transfer
	markets   map[string]*model.Market
	outcomes  map[string]*model.Outcome
	orders    map[string]*model.LimitOrder
	trades    []model.MarketTrade
}

func copyMap[V any](src map[string]*V) map[string]*V {
	dst := make(map[string]*V, len(src))
	for k, v := range src {
		cp := *v
		dst[k] = &cp
	}
	return dst
}

func (s *MemoryStore) snapshot() *memorySnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return &memorySnapshot{
		wallets:   copyMap(s.wallets),
		tokens:    copyMap(s.tokens),
		balances:  copyMap(s.balances),
		transfers: append([]model.Transfer(nil), s.transfers...),
		markets:   copyMap(s.markets),
		outcomes:  copyMap(s.outcomes),
		orders:    copyMap(s.orders),
		trades:    append([]model.MarketTrade(nil), s.trades...),
	}
}

func (s *MemoryStore) restore(snap *memorySnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.wallets = snap.wallets
	s.tokens = snap.tokens
	s.balances = snap.balances
	s.transfers = snap.transfers
	s.markets = snap.markets
	s.outcomes = snap.outcomes
	s.orders = snap.orders
	s.trades = snap.trades
}

// WithTx serializes transactional sections behind a dedicated mutex and
// restores the pre-transaction snapshot when fn fails, so a multi-step
// operation that errors out mid-way leaves no partial state behind.
func (s *MemoryStore) WithTx(_ context.Context, fn func(Store) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	snap := s.snapshot()
	if err := fn(s); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}
