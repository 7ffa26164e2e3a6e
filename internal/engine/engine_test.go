package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/forecastex/market-core/internal/ledger"
	"github.com/forecastex/market-core/internal/model"
	"github.com/forecastex/market-core/internal/store"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

type fixture struct {
	st      *store.MemoryStore
	eng     *Engine
	base    *model.Token
	admin   string
	creator string
	market  *model.Market
	outA    model.Outcome
	outB    model.Outcome
}

// newFixture builds a two-outcome market on a zero-decimal base token.
// The base token prices in whole units, matching integer limit prices.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemoryStore()

	base := &model.Token{
		ID:        uuid.New().String(),
		Symbol:    "USD",
		Type:      model.TokenBase,
		Decimals:  0,
		StepSize:  d("1"),
		Supply:    decimal.Zero,
		CreatedAt: time.Now(),
	}
	if err := st.CreateToken(ctx, base); err != nil {
		t.Fatal(err)
	}

	f := &fixture{st: st, base: base}
	f.admin = f.newWallet(t, st)
	f.creator = f.newWallet(t, st)

	f.eng = New(st, Config{
		AdminWalletID: f.admin,
		FeeRate:       decimal.Zero,
		FeeRebate:     d("0.5"),
	})

	f.fundBase(t, f.creator, "100")
	market, outcomes, err := f.eng.CreateMarket(ctx, CreateMarketRequest{
		Question:        "Will it rain tomorrow?",
		CreatorWalletID: f.creator,
		BaseTokenID:     base.ID,
		B:               d("100"),
		LiquidityB:      d("100"),
		Outcomes:        []string{"Yes", "No"},
	})
	if err != nil {
		t.Fatal(err)
	}
	f.market = market
	f.outA = outcomes[0]
	f.outB = outcomes[1]
	return f
}

func (f *fixture) newWallet(t *testing.T, st store.Store) string {
	t.Helper()
	w := &model.Wallet{
		ID:        uuid.New().String(),
		OwnerID:   "test",
		Kind:      model.WalletAvailable,
		CreatedAt: time.Now(),
	}
	if err := st.CreateWallet(context.Background(), w); err != nil {
		t.Fatal(err)
	}
	return w.ID
}

func (f *fixture) fundBase(t *testing.T, walletID, amount string) {
	t.Helper()
	f.fund(t, walletID, f.base.ID, amount)
}

func (f *fixture) fund(t *testing.T, walletID, tokenID, amount string) {
	t.Helper()
	_, err := f.eng.Transfer(context.Background(), ledger.Request{
		To:      &walletID,
		TokenID: tokenID,
		Amount:  d(amount),
		Kind:    model.TransferOnchainIn,
	})
	if err != nil {
		t.Fatalf("fund %s: %v", walletID, err)
	}
}

func (f *fixture) balance(t *testing.T, walletID, tokenID string) *model.Balance {
	t.Helper()
	bal, err := f.st.GetBalance(context.Background(), walletID, tokenID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return &model.Balance{WalletID: walletID, TokenID: tokenID}
		}
		t.Fatal(err)
	}
	return bal
}

func TestCreateMarketSeedsPool(t *testing.T) {
	f := newFixture(t)

	if f.market.Status != model.MarketOpen {
		t.Errorf("status = %s, want open", f.market.Status)
	}
	// The creator's seed moved into the pooled wallet.
	if got := f.balance(t, f.market.WalletID, f.base.ID).Quantity; !got.Equal(d("100")) {
		t.Errorf("pool = %s, want 100", got)
	}
	if got := f.balance(t, f.creator, f.base.ID).Quantity; !got.IsZero() {
		t.Errorf("creator = %s, want 0", got)
	}
}

func TestCreateMarketNeedsTwoOutcomes(t *testing.T) {
	f := newFixture(t)
	_, _, err := f.eng.CreateMarket(context.Background(), CreateMarketRequest{
		CreatorWalletID: f.creator,
		BaseTokenID:     f.base.ID,
		Outcomes:        []string{"only one"},
	})
	if !errors.Is(err, ErrTooFewOutcomes) {
		t.Errorf("got %v, want ErrTooFewOutcomes", err)
	}
}

func TestInstantBuy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	buyer := f.newWallet(t, f.st)
	f.fundBase(t, buyer, "1000")

	quote, err := f.eng.Quote(ctx, f.market.ID, f.outA.ID, d("10"))
	if err != nil {
		t.Fatal(err)
	}

	result, err := f.eng.Buy(ctx, buyer, f.market.ID, f.outA.ID, d("10"), quote.Price)
	if err != nil {
		t.Fatal(err)
	}
	if !result.Executed {
		t.Fatal("buy did not execute at its own quote")
	}
	if !result.Trade.PriceNum.Equal(quote.Price) {
		t.Errorf("trade price = %s, want %s", result.Trade.PriceNum, quote.Price)
	}

	// Buyer holds the shares, the pool holds the price.
	if got := f.balance(t, buyer, f.outA.ShareTokenID).Quantity; !got.Equal(d("10")) {
		t.Errorf("buyer shares = %s, want 10", got)
	}
	if got := f.balance(t, buyer, f.base.ID).Quantity; !got.Equal(d("1000").Sub(quote.Price)) {
		t.Errorf("buyer base = %s, want %s", got, d("1000").Sub(quote.Price))
	}
	if got := f.balance(t, f.market.WalletID, f.base.ID).Quantity; !got.Equal(d("100").Add(quote.Price)) {
		t.Errorf("pool base = %s, want seed+price", got)
	}

	// Supply tracks outstanding shares.
	tok, err := f.st.GetToken(ctx, f.outA.ShareTokenID)
	if err != nil {
		t.Fatal(err)
	}
	if !tok.Supply.Equal(d("10")) {
		t.Errorf("supply = %s, want 10", tok.Supply)
	}
}

func TestInstantBuyStaleQuote(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	buyer := f.newWallet(t, f.st)
	f.fundBase(t, buyer, "1000")

	// Agreeing to less than the current price returns a re-quote.
	result, err := f.eng.Buy(ctx, buyer, f.market.ID, f.outA.ID, d("10"), d("0"))
	if err != nil {
		t.Fatal(err)
	}
	if result.Executed {
		t.Fatal("stale quote must not execute")
	}
	if result.Quote == nil || !result.Quote.Price.IsPositive() {
		t.Fatal("expected a fresh quote")
	}
	if got := f.balance(t, buyer, f.base.ID).Quantity; !got.Equal(d("1000")) {
		t.Errorf("buyer base = %s, want untouched 1000", got)
	}
}

func TestInstantBuyFeePrecision(t *testing.T) {
	// On a fractional-precision base token the fee keeps the token's
	// decimals instead of truncating to whole units, so small fees do not
	// vanish to zero.
	ctx := context.Background()
	st := store.NewMemoryStore()

	base := &model.Token{
		ID:        uuid.New().String(),
		Symbol:    "ADA",
		Type:      model.TokenBase,
		Decimals:  2,
		StepSize:  d("0.01"),
		Supply:    decimal.Zero,
		CreatedAt: time.Now(),
	}
	if err := st.CreateToken(ctx, base); err != nil {
		t.Fatal(err)
	}

	f := &fixture{st: st, base: base}
	f.admin = f.newWallet(t, st)
	f.creator = f.newWallet(t, st)
	f.eng = New(st, Config{
		AdminWalletID: f.admin,
		FeeRate:       d("0.01"),
		FeeRebate:     d("0.5"),
	})

	market, outcomes, err := f.eng.CreateMarket(ctx, CreateMarketRequest{
		Question:        "Fractional fees?",
		CreatorWalletID: f.creator,
		BaseTokenID:     base.ID,
		Outcomes:        []string{"Yes", "No"},
	})
	if err != nil {
		t.Fatal(err)
	}

	buyer := f.newWallet(t, st)
	f.fundBase(t, buyer, "1000")

	result, err := f.eng.Buy(ctx, buyer, market.ID, outcomes[0].ID, d("10"), d("1000"))
	if err != nil {
		t.Fatal(err)
	}
	if !result.Executed {
		t.Fatal("buy did not execute")
	}

	price := result.Trade.PriceNum
	wantFee := price.Mul(d("0.01")).RoundDown(2)
	if !wantFee.IsPositive() {
		t.Fatalf("scenario produced zero fee (price %s), pick a larger trade", price)
	}
	if got := f.balance(t, f.admin, base.ID).Quantity; !got.Equal(wantFee) {
		t.Errorf("collected fee = %s, want %s of price %s", got, wantFee, price)
	}
	// The buyer paid price plus the fractional fee.
	if got := f.balance(t, buyer, base.ID).Quantity; !got.Equal(d("1000").Sub(price).Sub(wantFee)) {
		t.Errorf("buyer base = %s, want 1000 - %s - %s", got, price, wantFee)
	}
}

func TestMatchScenario(t *testing.T) {
	// BUY 100 @ 5 meets SELL 60 @ 4: one fill of 60 shares at the resting
	// sell's price. The buy stays partial, the sell fills, and the buyer's
	// reserved base drops to exactly remaining*limit.
	f := newFixture(t)
	ctx := context.Background()

	buyer := f.newWallet(t, f.st)
	seller := f.newWallet(t, f.st)
	f.fundBase(t, buyer, "500")
	f.fund(t, seller, f.outA.ShareTokenID, "60")

	sellOrder, err := f.eng.PlaceLimitOrder(ctx, PlaceOrderRequest{
		WalletID: seller, MarketID: f.market.ID, OutcomeID: f.outA.ID,
		Side: model.SideSell, LimitPrice: d("4"), ShareAmount: d("60"),
	})
	if err != nil {
		t.Fatal(err)
	}
	buyOrder, err := f.eng.PlaceLimitOrder(ctx, PlaceOrderRequest{
		WalletID: buyer, MarketID: f.market.ID, OutcomeID: f.outA.ID,
		Side: model.SideBuy, LimitPrice: d("5"), ShareAmount: d("100"),
	})
	if err != nil {
		t.Fatal(err)
	}

	if buyOrder.Status != model.OrderPartial {
		t.Errorf("buy status = %s, want partial", buyOrder.Status)
	}
	if !buyOrder.Filled.Equal(d("60")) || !buyOrder.SpentAmount.Equal(d("240")) {
		t.Errorf("buy filled=%s spent=%s, want 60/240", buyOrder.Filled, buyOrder.SpentAmount)
	}

	sellOrder, err = f.st.GetOrder(ctx, sellOrder.ID)
	if err != nil {
		t.Fatal(err)
	}
	if sellOrder.Status != model.OrderFilled {
		t.Errorf("sell status = %s, want filled", sellOrder.Status)
	}

	// Buyer: paid 60*4, surplus 60*(5-4) released, 40*5 still reserved.
	buyerBase := f.balance(t, buyer, f.base.ID)
	if !buyerBase.Quantity.Equal(d("260")) {
		t.Errorf("buyer base quantity = %s, want 260", buyerBase.Quantity)
	}
	if !buyerBase.Reserved.Equal(d("200")) {
		t.Errorf("buyer base reserved = %s, want 200", buyerBase.Reserved)
	}
	if got := f.balance(t, buyer, f.outA.ShareTokenID).Quantity; !got.Equal(d("60")) {
		t.Errorf("buyer shares = %s, want 60", got)
	}

	// Seller: all shares gone, proceeds at the sell price.
	sellerShares := f.balance(t, seller, f.outA.ShareTokenID)
	if !sellerShares.Quantity.IsZero() || !sellerShares.Reserved.IsZero() {
		t.Errorf("seller shares quantity=%s reserved=%s, want 0/0", sellerShares.Quantity, sellerShares.Reserved)
	}
	if got := f.balance(t, seller, f.base.ID).Quantity; !got.Equal(d("240")) {
		t.Errorf("seller base = %s, want 240", got)
	}

	// Both trade legs share one hash.
	trades, err := f.st.ListTradesByMarket(ctx, f.market.ID)
	if err != nil {
		t.Fatal(err)
	}
	var buyLeg, sellLeg *model.MarketTrade
	for i := range trades {
		switch trades[i].Type {
		case model.TradeBuy:
			buyLeg = &trades[i]
		case model.TradeSell:
			sellLeg = &trades[i]
		}
	}
	if buyLeg == nil || sellLeg == nil {
		t.Fatal("expected one trade record per side")
	}
	if buyLeg.Hash != sellLeg.Hash {
		t.Error("fill legs must share a hash")
	}
	if !buyLeg.PriceNum.Equal(d("240")) || !buyLeg.PriceDen.Equal(d("60")) {
		t.Errorf("price = %s/%s, want 240/60", buyLeg.PriceNum, buyLeg.PriceDen)
	}
}

func TestMatchDeterministicNoDoubleFill(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	buyer := f.newWallet(t, f.st)
	seller := f.newWallet(t, f.st)
	f.fundBase(t, buyer, "500")
	f.fund(t, seller, f.outA.ShareTokenID, "60")

	if _, err := f.eng.PlaceLimitOrder(ctx, PlaceOrderRequest{
		WalletID: seller, MarketID: f.market.ID, OutcomeID: f.outA.ID,
		Side: model.SideSell, LimitPrice: d("4"), ShareAmount: d("60"),
	}); err != nil {
		t.Fatal(err)
	}
	buyOrder, err := f.eng.PlaceLimitOrder(ctx, PlaceOrderRequest{
		WalletID: buyer, MarketID: f.market.ID, OutcomeID: f.outA.ID,
		Side: model.SideBuy, LimitPrice: d("5"), ShareAmount: d("100"),
	})
	if err != nil {
		t.Fatal(err)
	}

	// Re-running the sweep on the same book produces no further fills.
	if err := f.eng.Match(ctx, f.market.ID, ""); err != nil {
		t.Fatal(err)
	}
	again, err := f.st.GetOrder(ctx, buyOrder.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !again.Filled.Equal(buyOrder.Filled) {
		t.Errorf("filled moved from %s to %s on idle sweep", buyOrder.Filled, again.Filled)
	}
}

func TestOrdersDoNotCrossOutcomes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	buyer := f.newWallet(t, f.st)
	seller := f.newWallet(t, f.st)
	f.fundBase(t, buyer, "500")
	f.fund(t, seller, f.outB.ShareTokenID, "60")

	// Sell on outcome B, buy on outcome A: compatible prices, no match.
	if _, err := f.eng.PlaceLimitOrder(ctx, PlaceOrderRequest{
		WalletID: seller, MarketID: f.market.ID, OutcomeID: f.outB.ID,
		Side: model.SideSell, LimitPrice: d("4"), ShareAmount: d("60"),
	}); err != nil {
		t.Fatal(err)
	}
	buyOrder, err := f.eng.PlaceLimitOrder(ctx, PlaceOrderRequest{
		WalletID: buyer, MarketID: f.market.ID, OutcomeID: f.outA.ID,
		Side: model.SideBuy, LimitPrice: d("5"), ShareAmount: d("100"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if buyOrder.Status != model.OrderOpen || !buyOrder.Filled.IsZero() {
		t.Errorf("cross-outcome fill: status=%s filled=%s", buyOrder.Status, buyOrder.Filled)
	}
}

func TestCancelOrderIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	buyer := f.newWallet(t, f.st)
	f.fundBase(t, buyer, "500")

	order, err := f.eng.PlaceLimitOrder(ctx, PlaceOrderRequest{
		WalletID: buyer, MarketID: f.market.ID, OutcomeID: f.outA.ID,
		Side: model.SideBuy, LimitPrice: d("5"), ShareAmount: d("100"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := f.balance(t, buyer, f.base.ID).Reserved; !got.Equal(d("500")) {
		t.Fatalf("reserved = %s, want 500", got)
	}

	canceled, err := f.eng.CancelOrder(ctx, order.ID)
	if err != nil {
		t.Fatal(err)
	}
	if canceled.Status != model.OrderCanceled {
		t.Errorf("status = %s, want canceled", canceled.Status)
	}
	if got := f.balance(t, buyer, f.base.ID).Reserved; !got.IsZero() {
		t.Errorf("reserved = %s, want 0 after cancel", got)
	}

	// A second cancel is a no-op, not a double release.
	if _, err := f.eng.CancelOrder(ctx, order.ID); err != nil {
		t.Errorf("second cancel: %v", err)
	}
	if got := f.balance(t, buyer, f.base.ID).Reserved; !got.IsZero() {
		t.Errorf("reserved = %s after double cancel, want 0", got)
	}
}

func TestExpireOrders(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	buyer := f.newWallet(t, f.st)
	f.fundBase(t, buyer, "500")

	until := time.Now().Add(time.Hour)
	order, err := f.eng.PlaceLimitOrder(ctx, PlaceOrderRequest{
		WalletID: buyer, MarketID: f.market.ID, OutcomeID: f.outA.ID,
		Side: model.SideBuy, LimitPrice: d("5"), ShareAmount: d("100"),
		ValidUntil: &until,
	})
	if err != nil {
		t.Fatal(err)
	}

	n, err := f.eng.ExpireOrders(ctx, time.Now().Add(2*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expired %d orders, want 1", n)
	}

	expired, err := f.st.GetOrder(ctx, order.ID)
	if err != nil {
		t.Fatal(err)
	}
	if expired.Status != model.OrderExpired {
		t.Errorf("status = %s, want expired", expired.Status)
	}
	if got := f.balance(t, buyer, f.base.ID).Reserved; !got.IsZero() {
		t.Errorf("reserved = %s, want 0 after expiry", got)
	}
}

func TestTradingClosedMarket(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	buyer := f.newWallet(t, f.st)
	f.fundBase(t, buyer, "500")

	if err := f.eng.CloseMarket(ctx, f.market.ID); err != nil {
		t.Fatal(err)
	}

	if _, err := f.eng.Buy(ctx, buyer, f.market.ID, f.outA.ID, d("10"), d("100")); !errors.Is(err, ErrMarketNotOpen) {
		t.Errorf("buy: got %v, want ErrMarketNotOpen", err)
	}
	if _, err := f.eng.PlaceLimitOrder(ctx, PlaceOrderRequest{
		WalletID: buyer, MarketID: f.market.ID, OutcomeID: f.outA.ID,
		Side: model.SideBuy, LimitPrice: d("5"), ShareAmount: d("10"),
	}); !errors.Is(err, ErrMarketNotOpen) {
		t.Errorf("place: got %v, want ErrMarketNotOpen", err)
	}
}

func TestCloseCancelsRestingOrders(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	buyer := f.newWallet(t, f.st)
	f.fundBase(t, buyer, "500")
	order, err := f.eng.PlaceLimitOrder(ctx, PlaceOrderRequest{
		WalletID: buyer, MarketID: f.market.ID, OutcomeID: f.outA.ID,
		Side: model.SideBuy, LimitPrice: d("5"), ShareAmount: d("100"),
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := f.eng.CloseMarket(ctx, f.market.ID); err != nil {
		t.Fatal(err)
	}

	closed, err := f.st.GetOrder(ctx, order.ID)
	if err != nil {
		t.Fatal(err)
	}
	if closed.Status != model.OrderCanceled {
		t.Errorf("order status = %s, want canceled", closed.Status)
	}
	if got := f.balance(t, buyer, f.base.ID).Reserved; !got.IsZero() {
		t.Errorf("reserved = %s, want 0", got)
	}
}

func TestLifecycleGuards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Resolve requires closed.
	if err := f.eng.ResolveMarket(ctx, f.market.ID, f.outA.ID); !errors.Is(err, ErrInvalidStateTransition) {
		t.Errorf("resolve open: got %v, want ErrInvalidStateTransition", err)
	}
	// Settle requires a resolved winner.
	if err := f.eng.SettleMarket(ctx, f.market.ID); !errors.Is(err, ErrInvalidStateTransition) {
		t.Errorf("settle open: got %v, want ErrInvalidStateTransition", err)
	}

	if err := f.eng.CloseMarket(ctx, f.market.ID); err != nil {
		t.Fatal(err)
	}
	// Closing twice fails.
	if err := f.eng.CloseMarket(ctx, f.market.ID); !errors.Is(err, ErrInvalidStateTransition) {
		t.Errorf("double close: got %v, want ErrInvalidStateTransition", err)
	}

	// Resolving with another market's outcome fails.
	_, otherOutcomes, err := f.eng.CreateMarket(ctx, CreateMarketRequest{
		Question:        "Other?",
		CreatorWalletID: f.creator,
		BaseTokenID:     f.base.ID,
		Outcomes:        []string{"Yes", "No"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := f.eng.ResolveMarket(ctx, f.market.ID, otherOutcomes[0].ID); !errors.Is(err, ErrInvalidOutcome) {
		t.Errorf("foreign outcome: got %v, want ErrInvalidOutcome", err)
	}
}

func TestSettleMarket(t *testing.T) {
	// Pool of 1000 over winning holders with 30 and 70 shares: payouts of
	// 300 and 700, principal back to the creator, all shares burned.
	f := newFixture(t)
	ctx := context.Background()

	holder1 := f.newWallet(t, f.st)
	holder2 := f.newWallet(t, f.st)
	loser := f.newWallet(t, f.st)
	f.fund(t, holder1, f.outA.ShareTokenID, "30")
	f.fund(t, holder2, f.outA.ShareTokenID, "70")
	f.fund(t, loser, f.outB.ShareTokenID, "50")

	// Trading proceeds on top of the 100 seed: pool quantity 1100, payout
	// pool 1000 after the principal is carved out.
	f.fundBase(t, f.market.WalletID, "1000")

	if err := f.eng.CloseMarket(ctx, f.market.ID); err != nil {
		t.Fatal(err)
	}
	if err := f.eng.ResolveMarket(ctx, f.market.ID, f.outA.ID); err != nil {
		t.Fatal(err)
	}
	if err := f.eng.SettleMarket(ctx, f.market.ID); err != nil {
		t.Fatal(err)
	}

	market, err := f.st.GetMarket(ctx, f.market.ID)
	if err != nil {
		t.Fatal(err)
	}
	if market.Status != model.MarketSettled {
		t.Errorf("status = %s, want settled", market.Status)
	}

	if got := f.balance(t, f.creator, f.base.ID).Quantity; !got.Equal(d("100")) {
		t.Errorf("creator principal = %s, want 100", got)
	}
	if got := f.balance(t, holder1, f.base.ID).Quantity; !got.Equal(d("300")) {
		t.Errorf("holder1 payout = %s, want 300", got)
	}
	if got := f.balance(t, holder2, f.base.ID).Quantity; !got.Equal(d("700")) {
		t.Errorf("holder2 payout = %s, want 700", got)
	}

	// Every share balance is swept and burned, winners and losers alike.
	for _, check := range []struct {
		wallet, token string
	}{
		{holder1, f.outA.ShareTokenID},
		{holder2, f.outA.ShareTokenID},
		{loser, f.outB.ShareTokenID},
		{f.market.WalletID, f.outA.ShareTokenID},
		{f.market.WalletID, f.outB.ShareTokenID},
	} {
		if got := f.balance(t, check.wallet, check.token).Quantity; !got.IsZero() {
			t.Errorf("share balance %s/%s = %s, want 0", check.wallet, check.token, got)
		}
	}
	for _, tokID := range []string{f.outA.ShareTokenID, f.outB.ShareTokenID} {
		tok, err := f.st.GetToken(ctx, tokID)
		if err != nil {
			t.Fatal(err)
		}
		if !tok.Supply.IsZero() {
			t.Errorf("share supply %s = %s, want 0", tokID, tok.Supply)
		}
	}

	// The pool is empty; the exact split left no dust.
	if got := f.balance(t, f.market.WalletID, f.base.ID).Quantity; !got.IsZero() {
		t.Errorf("pool residue = %s, want 0", got)
	}

	// Settling twice fails.
	if err := f.eng.SettleMarket(ctx, f.market.ID); !errors.Is(err, ErrInvalidStateTransition) {
		t.Errorf("double settle: got %v, want ErrInvalidStateTransition", err)
	}
}

func TestSettleDustGoesToAdmin(t *testing.T) {
	// Pool of 1000 over three equal holders: 3*333 pays out, 1 unit of
	// rounding dust lands in the admin wallet.
	f := newFixture(t)
	ctx := context.Background()

	holders := make([]string, 3)
	for i := range holders {
		holders[i] = f.newWallet(t, f.st)
		f.fund(t, holders[i], f.outA.ShareTokenID, "10")
	}
	f.fundBase(t, f.market.WalletID, "1000")

	if err := f.eng.CloseMarket(ctx, f.market.ID); err != nil {
		t.Fatal(err)
	}
	if err := f.eng.ResolveMarket(ctx, f.market.ID, f.outA.ID); err != nil {
		t.Fatal(err)
	}
	if err := f.eng.SettleMarket(ctx, f.market.ID); err != nil {
		t.Fatal(err)
	}

	for _, h := range holders {
		if got := f.balance(t, h, f.base.ID).Quantity; !got.Equal(d("333")) {
			t.Errorf("payout = %s, want 333", got)
		}
	}
	if got := f.balance(t, f.admin, f.base.ID).Quantity; !got.Equal(d("1")) {
		t.Errorf("admin dust = %s, want 1", got)
	}
}

func TestCancelMarketRefunds(t *testing.T) {
	// Two buyers purchase through the AMM; canceling refunds each exactly
	// their net contribution and burns every share.
	f := newFixture(t)
	ctx := context.Background()

	buyers := []string{f.newWallet(t, f.st), f.newWallet(t, f.st)}
	paid := make([]decimal.Decimal, 2)
	for i, b := range buyers {
		f.fundBase(t, b, "1000")
		quote, err := f.eng.Quote(ctx, f.market.ID, f.outA.ID, d("10"))
		if err != nil {
			t.Fatal(err)
		}
		result, err := f.eng.Buy(ctx, b, f.market.ID, f.outA.ID, d("10"), quote.Price.Add(d("1000")))
		if err != nil {
			t.Fatal(err)
		}
		if !result.Executed {
			t.Fatal("buy did not execute")
		}
		paid[i] = result.Trade.PriceNum
	}

	if err := f.eng.CancelMarket(ctx, f.market.ID, "event voided"); err != nil {
		t.Fatal(err)
	}

	market, err := f.st.GetMarket(ctx, f.market.ID)
	if err != nil {
		t.Fatal(err)
	}
	if market.Status != model.MarketCanceled {
		t.Errorf("status = %s, want canceled", market.Status)
	}
	if market.CancelReason != "event voided" {
		t.Errorf("reason = %q", market.CancelReason)
	}

	for i, b := range buyers {
		if got := f.balance(t, b, f.base.ID).Quantity; !got.Equal(d("1000")) {
			t.Errorf("buyer %d base = %s, want full refund to 1000 (paid %s)", i, got, paid[i])
		}
		if got := f.balance(t, b, f.outA.ShareTokenID).Quantity; !got.IsZero() {
			t.Errorf("buyer %d shares = %s, want 0", i, got)
		}
	}
	tok, err := f.st.GetToken(ctx, f.outA.ShareTokenID)
	if err != nil {
		t.Fatal(err)
	}
	if !tok.Supply.IsZero() {
		t.Errorf("share supply = %s, want 0", tok.Supply)
	}

	// A settled/canceled market cannot be canceled again.
	if err := f.eng.CancelMarket(ctx, f.market.ID, "again"); !errors.Is(err, ErrInvalidStateTransition) {
		t.Errorf("double cancel: got %v, want ErrInvalidStateTransition", err)
	}
}

func TestQuoteMatchesExecution(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	buyer := f.newWallet(t, f.st)
	f.fundBase(t, buyer, "1000")

	quote, err := f.eng.Quote(ctx, f.market.ID, f.outA.ID, d("25"))
	if err != nil {
		t.Fatal(err)
	}
	result, err := f.eng.Buy(ctx, buyer, f.market.ID, f.outA.ID, d("25"), quote.Price)
	if err != nil {
		t.Fatal(err)
	}
	if !result.Executed {
		t.Fatal("expected execution at quoted price")
	}
	if !result.Quote.Price.Equal(quote.Price) {
		t.Errorf("executed at %s, quoted %s", result.Quote.Price, quote.Price)
	}
}
