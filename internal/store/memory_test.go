package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/forecastex/market-core/internal/model"
)

func TestMemoryStoreWallets(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	w := &model.Wallet{ID: "w1", OwnerID: "u1", Kind: model.WalletAvailable, CreatedAt: time.Now()}
	if err := st.CreateWallet(ctx, w); err != nil {
		t.Fatal(err)
	}
	if err := st.CreateWallet(ctx, w); !errors.Is(err, ErrDuplicate) {
		t.Errorf("duplicate: got %v, want ErrDuplicate", err)
	}
	if _, err := st.GetWallet(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing: got %v, want ErrNotFound", err)
	}

	got, err := st.GetWallet(ctx, "w1")
	if err != nil {
		t.Fatal(err)
	}
	// Reads return copies; mutating one must not leak into the store.
	got.OwnerID = "tampered"
	again, _ := st.GetWallet(ctx, "w1")
	if again.OwnerID != "u1" {
		t.Error("store leaked internal pointer")
	}
}

func TestMemoryStoreTokenSymbolUnique(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	a := &model.Token{ID: "t1", Symbol: "USD", Type: model.TokenBase}
	b := &model.Token{ID: "t2", Symbol: "USD", Type: model.TokenBase}
	if err := st.CreateToken(ctx, a); err != nil {
		t.Fatal(err)
	}
	if err := st.CreateToken(ctx, b); !errors.Is(err, ErrDuplicate) {
		t.Errorf("duplicate symbol: got %v, want ErrDuplicate", err)
	}

	bySym, err := st.GetTokenBySymbol(ctx, "USD")
	if err != nil {
		t.Fatal(err)
	}
	if bySym.ID != "t1" {
		t.Errorf("symbol lookup = %s, want t1", bySym.ID)
	}

	if err := st.UpdateTokenSupply(ctx, "t1", decimal.NewFromInt(42)); err != nil {
		t.Fatal(err)
	}
	tok, _ := st.GetToken(ctx, "t1")
	if !tok.Supply.Equal(decimal.NewFromInt(42)) {
		t.Errorf("supply = %s, want 42", tok.Supply)
	}
}

func TestMemoryStoreRestingOrderFilters(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	mk := func(id, outcomeID string, status model.OrderStatus, createdAt time.Time) *model.LimitOrder {
		return &model.LimitOrder{
			ID: id, MarketID: "m1", OutcomeID: outcomeID, Side: model.SideBuy,
			LimitPrice: decimal.NewFromInt(5), ShareAmount: decimal.NewFromInt(10),
			Status: status, CreatedAt: createdAt,
		}
	}
	for _, o := range []*model.LimitOrder{
		mk("o1", "a", model.OrderOpen, now),
		mk("o2", "a", model.OrderPartial, now.Add(time.Second)),
		mk("o3", "a", model.OrderFilled, now),
		mk("o4", "b", model.OrderOpen, now),
		mk("o5", "a", model.OrderCanceled, now),
	} {
		if err := st.CreateOrder(ctx, o); err != nil {
			t.Fatal(err)
		}
	}

	scoped, err := st.ListRestingOrders(ctx, "m1", "a")
	if err != nil {
		t.Fatal(err)
	}
	if len(scoped) != 2 || scoped[0].ID != "o1" || scoped[1].ID != "o2" {
		t.Errorf("scoped resting = %v", ids(scoped))
	}

	all, err := st.ListRestingOrders(ctx, "m1", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Errorf("all resting = %v, want 3 orders", ids(all))
	}
}

func TestMemoryStoreExpiredOrders(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	orders := []*model.LimitOrder{
		{ID: "expired", MarketID: "m1", Status: model.OrderOpen, ValidUntil: &past, CreatedAt: now},
		{ID: "live", MarketID: "m1", Status: model.OrderOpen, ValidUntil: &future, CreatedAt: now},
		{ID: "forever", MarketID: "m1", Status: model.OrderOpen, CreatedAt: now},
		{ID: "done", MarketID: "m1", Status: model.OrderFilled, ValidUntil: &past, CreatedAt: now},
	}
	for _, o := range orders {
		o.LimitPrice = decimal.NewFromInt(1)
		o.ShareAmount = decimal.NewFromInt(1)
		if err := st.CreateOrder(ctx, o); err != nil {
			t.Fatal(err)
		}
	}

	expired, err := st.ListExpiredOrders(ctx, now)
	if err != nil {
		t.Fatal(err)
	}
	if len(expired) != 1 || expired[0].ID != "expired" {
		t.Errorf("expired = %v, want [expired]", ids(expired))
	}
}

func TestMemoryStoreUpdateMarketStatus(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	m := &model.Market{ID: "m1", Status: model.MarketOpen, CreatedAt: time.Now()}
	if err := st.CreateMarket(ctx, m); err != nil {
		t.Fatal(err)
	}
	if err := st.UpdateMarketStatus(ctx, "m1", model.MarketResolved, "out1", ""); err != nil {
		t.Fatal(err)
	}

	got, err := st.GetMarket(ctx, "m1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != model.MarketResolved || got.WinningOutcomeID != "out1" {
		t.Errorf("market = %+v", got)
	}

	if err := st.UpdateMarketStatus(ctx, "missing", model.MarketClosed, "", ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing market: got %v, want ErrNotFound", err)
	}
}

func TestMemoryStoreTransfersByNote(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	for i, note := range []string{"amm:buy:m1", "amm:buy:m1", "seed:m1"} {
		from := "w1"
		if err := st.CreateTransfer(ctx, &model.Transfer{
			ID: string(rune('a' + i)), FromWalletID: &from, TokenID: "t1",
			Amount: decimal.NewFromInt(int64(i + 1)), Note: note,
			Status: model.TransferCompleted, CreatedAt: time.Now(),
		}); err != nil {
			t.Fatal(err)
		}
	}

	got, err := st.ListTransfersByNote(ctx, "amm:buy:m1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Errorf("transfers = %d, want 2", len(got))
	}
}

func TestMemoryStoreWithTxRollsBackOnError(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	w := &model.Wallet{ID: "w1", OwnerID: "u1", Kind: model.WalletAvailable, CreatedAt: time.Now()}
	if err := st.CreateWallet(ctx, w); err != nil {
		t.Fatal(err)
	}
	if err := st.PutBalance(ctx, &model.Balance{
		WalletID: "w1", TokenID: "t1", Quantity: decimal.NewFromInt(100),
	}); err != nil {
		t.Fatal(err)
	}

	boom := errors.New("boom")
	err := st.WithTx(ctx, func(tx Store) error {
		// Mutate several tables, then fail: none of it may stick.
		if err := tx.PutBalance(ctx, &model.Balance{
			WalletID: "w1", TokenID: "t1", Quantity: decimal.NewFromInt(1),
		}); err != nil {
			return err
		}
		if err := tx.CreateWallet(ctx, &model.Wallet{ID: "w2", CreatedAt: time.Now()}); err != nil {
			return err
		}
		if err := tx.CreateTransfer(ctx, &model.Transfer{ID: "tr1", TokenID: "t1",
			Amount: decimal.NewFromInt(1), CreatedAt: time.Now()}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("got %v, want the section's own error", err)
	}

	bal, err := st.GetBalance(ctx, "w1", "t1")
	if err != nil {
		t.Fatal(err)
	}
	if !bal.Quantity.Equal(decimal.NewFromInt(100)) {
		t.Errorf("balance = %s, want restored 100", bal.Quantity)
	}
	if _, err := st.GetWallet(ctx, "w2"); !errors.Is(err, ErrNotFound) {
		t.Errorf("wallet created in failed section survived: %v", err)
	}
	if _, err := st.GetTransfer(ctx, "tr1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("transfer created in failed section survived: %v", err)
	}

	// A successful section commits normally.
	if err := st.WithTx(ctx, func(tx Store) error {
		return tx.PutBalance(ctx, &model.Balance{
			WalletID: "w1", TokenID: "t1", Quantity: decimal.NewFromInt(7),
		})
	}); err != nil {
		t.Fatal(err)
	}
	bal, _ = st.GetBalance(ctx, "w1", "t1")
	if !bal.Quantity.Equal(decimal.NewFromInt(7)) {
		t.Errorf("balance = %s, want committed 7", bal.Quantity)
	}
}

func ids(orders []model.LimitOrder) []string {
	out := make([]string, len(orders))
	for i, o := range orders {
		out[i] = o.ID
	}
	return out
}
