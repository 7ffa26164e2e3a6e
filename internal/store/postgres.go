package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/forecastex/market-core/internal/model"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx, so the same query
// methods serve pooled and transaction-scoped stores.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
// Inside a transaction, single-row reads take FOR UPDATE locks so the
// engine's read-then-write sections cannot lose updates.
type PostgresStore struct {
	q    querier
	pool *pgxpool.Pool
	inTx bool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{q: pool, pool: pool}
}

// forUpdate appends a row lock clause when inside a transaction.
func (s *PostgresStore) forUpdate() string {
	if s.inTx {
		return " FOR UPDATE"
	}
	return ""
}

func mapPgErr(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrDuplicate
	}
	return err
}

// --- Wallets ---

func (s *PostgresStore) CreateWallet(ctx context.Context, w *model.Wallet) error {
	_, err := s.q.Exec(ctx,
		`INSERT INTO wallets (id, owner_id, kind, created_at)
		 VALUES ($1, $2, $3, $4)`,
		w.ID, w.OwnerID, string(w.Kind), w.CreatedAt,
	)
	return mapPgErr(err)
}

func (s *PostgresStore) GetWallet(ctx context.Context, id string) (*model.Wallet, error) {
	var w model.Wallet
	var kind string
	err := s.q.QueryRow(ctx,
		`SELECT id, owner_id, kind, created_at, deleted_at
		 FROM wallets WHERE id = $1`+s.forUpdate(), id).
		Scan(&w.ID, &w.OwnerID, &kind, &w.CreatedAt, &w.DeletedAt)
	if err != nil {
		return nil, mapPgErr(err)
	}
	w.Kind = model.WalletKind(kind)
	return &w, nil
}

// --- Tokens ---

func (s *PostgresStore) CreateToken(ctx context.Context, t *model.Token) error {
	_, err := s.q.Exec(ctx,
		`INSERT INTO tokens (id, symbol, fingerprint, type, decimals, step_size, supply, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8)`,
		t.ID, t.Symbol, t.Fingerprint, string(t.Type), t.Decimals,
		t.StepSize.String(), t.Supply.String(), t.CreatedAt,
	)
	return mapPgErr(err)
}

func (s *PostgresStore) scanToken(row pgx.Row) (*model.Token, error) {
	var t model.Token
	var typ, stepS, supplyS string
	err := row.Scan(&t.ID, &t.Symbol, &t.Fingerprint, &typ, &t.Decimals, &stepS, &supplyS, &t.CreatedAt)
	if err != nil {
		return nil, mapPgErr(err)
	}
	t.Type = model.TokenType(typ)
	t.StepSize, _ = decimal.NewFromString(stepS)
	t.Supply, _ = decimal.NewFromString(supplyS)
	return &t, nil
}

func (s *PostgresStore) GetToken(ctx context.Context, id string) (*model.Token, error) {
	return s.scanToken(s.q.QueryRow(ctx,
		`SELECT id, symbol, fingerprint, type, decimals, step_size::TEXT, supply::TEXT, created_at
		 FROM tokens WHERE id = $1`+s.forUpdate(), id))
}

func (s *PostgresStore) GetTokenBySymbol(ctx context.Context, symbol string) (*model.Token, error) {
	return s.scanToken(s.q.QueryRow(ctx,
		`SELECT id, symbol, fingerprint, type, decimals, step_size::TEXT, supply::TEXT, created_at
		 FROM tokens WHERE symbol = $1`+s.forUpdate(), symbol))
}

func (s *PostgresStore) UpdateTokenSupply(ctx context.Context, id string, supply decimal.Decimal) error {
	tag, err := s.q.Exec(ctx,
		`UPDATE tokens SET supply = $2::NUMERIC WHERE id = $1`,
		id, supply.String(),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Balances ---

func (s *PostgresStore) GetBalance(ctx context.Context, walletID, tokenID string) (*model.Balance, error) {
	var b model.Balance
	var qtyS, resS string
	err := s.q.QueryRow(ctx,
		`SELECT wallet_id, token_id, quantity::TEXT, reserved::TEXT, version
		 FROM balances WHERE wallet_id = $1 AND token_id = $2`+s.forUpdate(),
		walletID, tokenID).
		Scan(&b.WalletID, &b.TokenID, &qtyS, &resS, &b.Version)
	if err != nil {
		return nil, mapPgErr(err)
	}
	b.Quantity, _ = decimal.NewFromString(qtyS)
	b.Reserved, _ = decimal.NewFromString(resS)
	return &b, nil
}

func (s *PostgresStore) PutBalance(ctx context.Context, b *model.Balance) error {
	_, err := s.q.Exec(ctx,
		`INSERT INTO balances (wallet_id, token_id, quantity, reserved, version)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5)
		 ON CONFLICT (wallet_id, token_id)
		 DO UPDATE SET quantity = $3::NUMERIC, reserved = $4::NUMERIC, version = $5`,
		b.WalletID, b.TokenID, b.Quantity.String(), b.Reserved.String(), b.Version,
	)
	return err
}

func (s *PostgresStore) listBalances(ctx context.Context, sql string, arg string) ([]model.Balance, error) {
	rows, err := s.q.Query(ctx, sql, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.Balance
	for rows.Next() {
		var b model.Balance
		var qtyS, resS string
		if err := rows.Scan(&b.WalletID, &b.TokenID, &qtyS, &resS, &b.Version); err != nil {
			return nil, err
		}
		b.Quantity, _ = decimal.NewFromString(qtyS)
		b.Reserved, _ = decimal.NewFromString(resS)
		result = append(result, b)
	}
	return result, rows.Err()
}

func (s *PostgresStore) ListBalancesByToken(ctx context.Context, tokenID string) ([]model.Balance, error) {
	return s.listBalances(ctx,
		`SELECT wallet_id, token_id, quantity::TEXT, reserved::TEXT, version
		 FROM balances WHERE token_id = $1 ORDER BY wallet_id`+s.forUpdate(), tokenID)
}

func (s *PostgresStore) ListBalancesByWallet(ctx context.Context, walletID string) ([]model.Balance, error) {
	return s.listBalances(ctx,
		`SELECT wallet_id, token_id, quantity::TEXT, reserved::TEXT, version
		 FROM balances WHERE wallet_id = $1 ORDER BY token_id`, walletID)
}

// --- Transfers ---

func (s *PostgresStore) CreateTransfer(ctx context.Context, t *model.Transfer) error {
	_, err := s.q.Exec(ctx,
		`INSERT INTO transfers
		 (id, from_wallet_id, to_wallet_id, token_id, amount, fee, kind, op, status, note, hash, external_address, external_tx_ref, created_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7, $8, $9, $10, $11, $12, $13, $14)`,
		t.ID, t.FromWalletID, t.ToWalletID, t.TokenID,
		t.Amount.String(), t.Fee.String(),
		string(t.Kind), string(t.Op), string(t.Status),
		t.Note, t.Hash, t.ExternalAddress, t.ExternalTxRef, t.CreatedAt,
	)
	return mapPgErr(err)
}

func scanTransfers(rows pgx.Rows) ([]model.Transfer, error) {
	var result []model.Transfer
	for rows.Next() {
		var t model.Transfer
		var amountS, feeS, kind, op, status string
		if err := rows.Scan(&t.ID, &t.FromWalletID, &t.ToWalletID, &t.TokenID,
			&amountS, &feeS, &kind, &op, &status,
			&t.Note, &t.Hash, &t.ExternalAddress, &t.ExternalTxRef, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Amount, _ = decimal.NewFromString(amountS)
		t.Fee, _ = decimal.NewFromString(feeS)
		t.Kind = model.TransferKind(kind)
		t.Op = model.TransferOp(op)
		t.Status = model.TransferStatus(status)
		result = append(result, t)
	}
	return result, rows.Err()
}

const transferColumns = `id, from_wallet_id, to_wallet_id, token_id,
	amount::TEXT, fee::TEXT, kind, op, status,
	note, hash, external_address, external_tx_ref, created_at`

func (s *PostgresStore) GetTransfer(ctx context.Context, id string) (*model.Transfer, error) {
	rows, err := s.q.Query(ctx,
		`SELECT `+transferColumns+` FROM transfers WHERE id = $1`+s.forUpdate(), id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	transfers, err := scanTransfers(rows)
	if err != nil {
		return nil, err
	}
	if len(transfers) == 0 {
		return nil, ErrNotFound
	}
	return &transfers[0], nil
}

func (s *PostgresStore) CompleteTransfer(ctx context.Context, id, externalTxRef string) error {
	tag, err := s.q.Exec(ctx,
		`UPDATE transfers SET status = $2, external_tx_ref = $3
		 WHERE id = $1 AND status = $4`,
		id, string(model.TransferCompleted), externalTxRef, string(model.TransferPending),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListTransfersByNote(ctx context.Context, note string) ([]model.Transfer, error) {
	rows, err := s.q.Query(ctx,
		`SELECT `+transferColumns+` FROM transfers WHERE note = $1 ORDER BY created_at`, note)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTransfers(rows)
}

// --- Markets & outcomes ---

func (s *PostgresStore) CreateMarket(ctx context.Context, m *model.Market) error {
	_, err := s.q.Exec(ctx,
		`INSERT INTO markets
		 (id, question, creator_wallet_id, wallet_id, base_token_id, b, liquidity_b,
		  min_trade_amount, max_trade_amount, status, winning_outcome_id, cancel_reason, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10, $11, $12, $13)`,
		m.ID, m.Question, m.CreatorWalletID, m.WalletID, m.BaseTokenID,
		m.B.String(), m.LiquidityB.String(),
		m.MinTradeAmount.String(), m.MaxTradeAmount.String(),
		string(m.Status), m.WinningOutcomeID, m.CancelReason, m.CreatedAt,
	)
	return mapPgErr(err)
}

const marketColumns = `id, question, creator_wallet_id, wallet_id, base_token_id,
	b::TEXT, liquidity_b::TEXT, min_trade_amount::TEXT, max_trade_amount::TEXT,
	status, COALESCE(winning_outcome_id, ''), COALESCE(cancel_reason, ''), created_at`

func scanMarket(row pgx.Row) (*model.Market, error) {
	var m model.Market
	var bS, liqS, minS, maxS, status string
	err := row.Scan(&m.ID, &m.Question, &m.CreatorWalletID, &m.WalletID, &m.BaseTokenID,
		&bS, &liqS, &minS, &maxS,
		&status, &m.WinningOutcomeID, &m.CancelReason, &m.CreatedAt)
	if err != nil {
		return nil, mapPgErr(err)
	}
	m.B, _ = decimal.NewFromString(bS)
	m.LiquidityB, _ = decimal.NewFromString(liqS)
	m.MinTradeAmount, _ = decimal.NewFromString(minS)
	m.MaxTradeAmount, _ = decimal.NewFromString(maxS)
	m.Status = model.MarketStatus(status)
	return &m, nil
}

func (s *PostgresStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	return scanMarket(s.q.QueryRow(ctx,
		`SELECT `+marketColumns+` FROM markets WHERE id = $1`+s.forUpdate(), id))
}

func (s *PostgresStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	rows, err := s.q.Query(ctx,
		`SELECT `+marketColumns+` FROM markets ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var markets []model.Market
	for rows.Next() {
		m, err := scanMarketRows(rows)
		if err != nil {
			return nil, err
		}
		markets = append(markets, *m)
	}
	return markets, rows.Err()
}

func scanMarketRows(rows pgx.Rows) (*model.Market, error) {
	var m model.Market
	var bS, liqS, minS, maxS, status string
	if err := rows.Scan(&m.ID, &m.Question, &m.CreatorWalletID, &m.WalletID, &m.BaseTokenID,
		&bS, &liqS, &minS, &maxS,
		&status, &m.WinningOutcomeID, &m.CancelReason, &m.CreatedAt); err != nil {
		return nil, err
	}
	m.B, _ = decimal.NewFromString(bS)
	m.LiquidityB, _ = decimal.NewFromString(liqS)
	m.MinTradeAmount, _ = decimal.NewFromString(minS)
	m.MaxTradeAmount, _ = decimal.NewFromString(maxS)
	m.Status = model.MarketStatus(status)
	return &m, nil
}

func (s *PostgresStore) UpdateMarketStatus(ctx context.Context, id string, status model.MarketStatus, winningOutcomeID, cancelReason string) error {
	tag, err := s.q.Exec(ctx,
		`UPDATE markets
		 SET status = $2,
		     winning_outcome_id = COALESCE(NULLIF($3, ''), winning_outcome_id),
		     cancel_reason = COALESCE(NULLIF($4, ''), cancel_reason)
		 WHERE id = $1`,
		id, string(status), winningOutcomeID, cancelReason,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) CreateOutcome(ctx context.Context, o *model.Outcome) error {
	_, err := s.q.Exec(ctx,
		`INSERT INTO outcomes (id, market_id, label, share_token_id, sort_order, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		o.ID, o.MarketID, o.Label, o.ShareTokenID, o.SortOrder, o.CreatedAt,
	)
	return mapPgErr(err)
}

func (s *PostgresStore) GetOutcome(ctx context.Context, id string) (*model.Outcome, error) {
	var o model.Outcome
	err := s.q.QueryRow(ctx,
		`SELECT id, market_id, label, share_token_id, sort_order, created_at
		 FROM outcomes WHERE id = $1`, id).
		Scan(&o.ID, &o.MarketID, &o.Label, &o.ShareTokenID, &o.SortOrder, &o.CreatedAt)
	if err != nil {
		return nil, mapPgErr(err)
	}
	return &o, nil
}

func (s *PostgresStore) ListOutcomes(ctx context.Context, marketID string) ([]model.Outcome, error) {
	rows, err := s.q.Query(ctx,
		`SELECT id, market_id, label, share_token_id, sort_order, created_at
		 FROM outcomes WHERE market_id = $1 ORDER BY sort_order`, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.Outcome
	for rows.Next() {
		var o model.Outcome
		if err := rows.Scan(&o.ID, &o.MarketID, &o.Label, &o.ShareTokenID, &o.SortOrder, &o.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, o)
	}
	return result, rows.Err()
}

// --- Limit orders ---

const orderColumns = `id, wallet_id, market_id, outcome_id, side,
	limit_price::TEXT, share_amount::TEXT, filled::TEXT, spent_amount::TEXT,
	status, valid_until, created_at`

func (s *PostgresStore) CreateOrder(ctx context.Context, o *model.LimitOrder) error {
	_, err := s.q.Exec(ctx,
		`INSERT INTO limit_orders
		 (id, wallet_id, market_id, outcome_id, side, limit_price, share_amount, filled, spent_amount, status, valid_until, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10, $11, $12)`,
		o.ID, o.WalletID, o.MarketID, o.OutcomeID, string(o.Side),
		o.LimitPrice.String(), o.ShareAmount.String(), o.Filled.String(), o.SpentAmount.String(),
		string(o.Status), o.ValidUntil, o.CreatedAt,
	)
	return mapPgErr(err)
}

func scanOrders(rows pgx.Rows) ([]model.LimitOrder, error) {
	var result []model.LimitOrder
	for rows.Next() {
		var o model.LimitOrder
		var side, priceS, shareS, filledS, spentS, status string
		if err := rows.Scan(&o.ID, &o.WalletID, &o.MarketID, &o.OutcomeID, &side,
			&priceS, &shareS, &filledS, &spentS,
			&status, &o.ValidUntil, &o.CreatedAt); err != nil {
			return nil, err
		}
		o.Side = model.OrderSide(side)
		o.LimitPrice, _ = decimal.NewFromString(priceS)
		o.ShareAmount, _ = decimal.NewFromString(shareS)
		o.Filled, _ = decimal.NewFromString(filledS)
		o.SpentAmount, _ = decimal.NewFromString(spentS)
		o.Status = model.OrderStatus(status)
		result = append(result, o)
	}
	return result, rows.Err()
}

func (s *PostgresStore) GetOrder(ctx context.Context, id string) (*model.LimitOrder, error) {
	rows, err := s.q.Query(ctx,
		`SELECT `+orderColumns+` FROM limit_orders WHERE id = $1`+s.forUpdate(), id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	orders, err := scanOrders(rows)
	if err != nil {
		return nil, err
	}
	if len(orders) == 0 {
		return nil, ErrNotFound
	}
	return &orders[0], nil
}

func (s *PostgresStore) UpdateOrder(ctx context.Context, o *model.LimitOrder) error {
	tag, err := s.q.Exec(ctx,
		`UPDATE limit_orders
		 SET filled = $2::NUMERIC, spent_amount = $3::NUMERIC, status = $4
		 WHERE id = $1`,
		o.ID, o.Filled.String(), o.SpentAmount.String(), string(o.Status),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListRestingOrders(ctx context.Context, marketID, outcomeID string) ([]model.LimitOrder, error) {
	sql := `SELECT ` + orderColumns + `
		 FROM limit_orders
		 WHERE market_id = $1 AND status IN ('open', 'partial')`
	args := []any{marketID}
	if outcomeID != "" {
		sql += ` AND outcome_id = $2`
		args = append(args, outcomeID)
	}
	sql += ` ORDER BY created_at` + s.forUpdate()

	rows, err := s.q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOrders(rows)
}

func (s *PostgresStore) ListExpiredOrders(ctx context.Context, now time.Time) ([]model.LimitOrder, error) {
	rows, err := s.q.Query(ctx,
		`SELECT `+orderColumns+`
		 FROM limit_orders
		 WHERE status IN ('open', 'partial') AND valid_until IS NOT NULL AND valid_until < $1
		 ORDER BY created_at`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOrders(rows)
}

// --- Executed trades ---

func (s *PostgresStore) CreateTrade(ctx context.Context, t *model.MarketTrade) error {
	_, err := s.q.Exec(ctx,
		`INSERT INTO market_trades
		 (id, market_id, outcome_id, wallet_id, type, share_amount, price_num, price_den, hash, created_at)
		 VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9, $10)`,
		t.ID, t.MarketID, t.OutcomeID, t.WalletID, string(t.Type),
		t.ShareAmount.String(), t.PriceNum.String(), t.PriceDen.String(),
		t.Hash, t.CreatedAt,
	)
	return mapPgErr(err)
}

func (s *PostgresStore) ListTradesByMarket(ctx context.Context, marketID string) ([]model.MarketTrade, error) {
	rows, err := s.q.Query(ctx,
		`SELECT id, market_id, COALESCE(outcome_id, ''), wallet_id, type,
		        share_amount::TEXT, price_num::TEXT, price_den::TEXT, hash, created_at
		 FROM market_trades WHERE market_id = $1 ORDER BY created_at`, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.MarketTrade
	for rows.Next() {
		var t model.MarketTrade
		var typ, shareS, numS, denS string
		if err := rows.Scan(&t.ID, &t.MarketID, &t.OutcomeID, &t.WalletID, &typ,
			&shareS, &numS, &denS, &t.Hash, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Type = model.TradeType(typ)
		t.ShareAmount, _ = decimal.NewFromString(shareS)
		t.PriceNum, _ = decimal.NewFromString(numS)
		t.PriceDen, _ = decimal.NewFromString(denS)
		result = append(result, t)
	}
	return result, rows.Err()
}

// --- Transaction scope ---

// WithTx runs fn against a transaction-bound store whose single-row reads
// take SELECT ... FOR UPDATE locks. The transaction commits if fn returns
// nil and rolls back otherwise, so a failed engine operation leaves no
// partial application behind.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(Store) error) error {
	if s.inTx {
		return fn(s)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	txStore := &PostgresStore{q: tx, pool: s.pool, inTx: true}
	if err := fn(txStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}
