// Package ledger implements the balance store and its atomic Transfer
// primitive. Every movement of value in the system — AMM purchases, order
// fills, reservations, settlement payouts, refunds, on-chain withdrawals —
// funnels through this package, which is the only code allowed to mutate
// Balance rows.
//
// A transfer with a nil sender mints, a nil receiver burns; both cases are
// tagged with an explicit operation kind so the supply invariant (token
// supply == sum of balances) is mechanically checkable.
//
// All monetary values use shopspring/decimal — never float64 for money.
package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/forecastex/market-core/internal/model"
	"github.com/forecastex/market-core/internal/store"
)

var (
	// ErrInsufficientBalance is returned when the sender's available
	// balance cannot cover amount + fee.
	ErrInsufficientBalance = errors.New("ledger: insufficient available balance")

	// ErrReservedWalletDebit is returned when a user-initiated transfer
	// tries to spend from a reserved wallet.
	ErrReservedWalletDebit = errors.New("ledger: reserved wallet cannot fund user-initiated transfers")

	// ErrMissingWallet indicates a wallet referenced mid-operation does not
	// exist. This is a data-integrity failure, not a validation error.
	ErrMissingWallet = errors.New("ledger: wallet missing")

	// ErrMissingBalance indicates a balance row the lock discipline should
	// have guaranteed is absent. Fatal; the enclosing operation aborts.
	ErrMissingBalance = errors.New("ledger: balance missing")

	// ErrInvalidAmount is returned for non-positive amounts or negative fees.
	ErrInvalidAmount = errors.New("ledger: amount must be positive")

	// ErrNoEndpoints is returned when both transfer endpoints are nil.
	ErrNoEndpoints = errors.New("ledger: transfer requires a sender or a receiver")

	// ErrNotPending is returned when confirming a transfer that is not in
	// the pending state.
	ErrNotPending = errors.New("ledger: transfer is not pending")
)

// Ledger executes transfers against a store. FeeWalletID, when set,
// receives collected fees; otherwise fees are burned out of supply.
type Ledger struct {
	FeeWalletID string
}

// New creates a ledger crediting fees to the given wallet.
func New(feeWalletID string) *Ledger {
	return &Ledger{FeeWalletID: feeWalletID}
}

// Request describes one transfer. From == nil mints, To == nil burns.
// SystemInitiated marks movements originated by the engine itself, which
// are allowed to debit reserved wallets.
type Request struct {
	From            *string
	To              *string
	TokenID         string
	Amount          decimal.Decimal
	Fee             decimal.Decimal
	Kind            model.TransferKind
	Note            string
	Hash            string // optional; derived when empty
	SystemInitiated bool
	ExternalAddress string
}

// Transfer validates and applies one ledger movement atomically with
// respect to the enclosing store transaction. Either the whole step —
// record plus every balance mutation — applies, or nothing does.
//
// Semantics per kind:
//   - internal, onchain_in: both balances mutate immediately; the sender's
//     quantity drops by amount+fee, the receiver's rises by amount. The
//     record is created completed.
//   - onchain_out: the record is created pending and the sender's funds are
//     encumbered via reserved; quantity only drops when reconciliation
//     confirms the withdrawal (ConfirmTransfer).
func (l *Ledger) Transfer(ctx context.Context, st store.Store, req Request) (*model.Transfer, error) {
	if !req.Amount.IsPositive() || req.Fee.IsNegative() {
		return nil, ErrInvalidAmount
	}
	if req.From == nil && req.To == nil {
		return nil, ErrNoEndpoints
	}
	if req.Kind == model.TransferOnchainOut && req.From == nil {
		return nil, ErrNoEndpoints
	}

	op := model.OpMove
	switch {
	case req.From == nil:
		// A mint has no payer; a fee here would credit the fee wallet out
		// of thin air and break supply == sum of balances.
		if req.Fee.IsPositive() {
			return nil, ErrInvalidAmount
		}
		op = model.OpMint
	case req.To == nil:
		op = model.OpBurn
	}

	token, err := st.GetToken(ctx, req.TokenID)
	if err != nil {
		return nil, fmt.Errorf("ledger: token %s: %w", req.TokenID, err)
	}

	debit := req.Amount.Add(req.Fee)

	// Sender-side validation applies to user-reachable kinds only; an
	// onchain_in credit has no ledger-side sender to validate.
	if req.From != nil && (req.Kind == model.TransferInternal || req.Kind == model.TransferOnchainOut) {
		wallet, err := st.GetWallet(ctx, *req.From)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, ErrMissingWallet
			}
			return nil, err
		}
		if wallet.Kind == model.WalletReserved && !req.SystemInitiated {
			return nil, ErrReservedWalletDebit
		}

		fromBal, err := st.GetBalance(ctx, *req.From, req.TokenID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				if req.SystemInitiated {
					return nil, ErrMissingBalance
				}
				return nil, ErrInsufficientBalance
			}
			return nil, err
		}
		if fromBal.Available().LessThan(debit) {
			return nil, ErrInsufficientBalance
		}
	}

	status := model.TransferCompleted

	switch req.Kind {
	case model.TransferOnchainOut:
		// Encumber; quantity is untouched until reconciliation confirms.
		fromBal, err := st.GetBalance(ctx, *req.From, req.TokenID)
		if err != nil {
			return nil, ErrMissingBalance
		}
		fromBal.Reserved = fromBal.Reserved.Add(debit)
		fromBal.Version++
		if err := st.PutBalance(ctx, fromBal); err != nil {
			return nil, err
		}
		status = model.TransferPending

	default: // internal, onchain_in
		if req.From != nil {
			fromBal, err := st.GetBalance(ctx, *req.From, req.TokenID)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					return nil, ErrMissingBalance
				}
				return nil, err
			}
			fromBal.Quantity = fromBal.Quantity.Sub(debit)
			if fromBal.Available().IsNegative() {
				return nil, ErrInsufficientBalance
			}
			fromBal.Version++
			if err := st.PutBalance(ctx, fromBal); err != nil {
				return nil, err
			}
		}
		if req.To != nil {
			toBal, err := l.balanceOrZero(ctx, st, *req.To, req.TokenID)
			if err != nil {
				return nil, err
			}
			toBal.Quantity = toBal.Quantity.Add(req.Amount)
			toBal.Version++
			if err := st.PutBalance(ctx, toBal); err != nil {
				return nil, err
			}
		}
		if req.Fee.IsPositive() {
			if err := l.collectFee(ctx, st, token, req.Fee); err != nil {
				return nil, err
			}
		}
		if err := adjustSupply(ctx, st, token, op, req.Amount); err != nil {
			return nil, err
		}
	}

	t := &model.Transfer{
		ID:              uuid.New().String(),
		FromWalletID:    req.From,
		ToWalletID:      req.To,
		TokenID:         req.TokenID,
		Amount:          req.Amount,
		Fee:             req.Fee,
		Kind:            req.Kind,
		Op:              op,
		Status:          status,
		Note:            req.Note,
		Hash:            req.Hash,
		ExternalAddress: req.ExternalAddress,
		CreatedAt:       time.Now().UTC(),
	}
	if t.Hash == "" {
		t.Hash = TransferHash(t.ID, req.TokenID, req.Amount.String())
	}
	if err := st.CreateTransfer(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// ReservedMove is a system movement that consumes previously reserved
// funds: the sender's quantity AND reserved drop together while the
// receiver's quantity rises. Order fills use this for both legs.
type ReservedMove struct {
	From    string
	To      string
	TokenID string
	Amount  decimal.Decimal
	Note    string
	Hash    string
}

// TransferReserved applies a reserved-funds movement and records it as a
// system-initiated internal transfer. A sender balance that cannot cover
// the movement is a data-integrity failure: the reservation made at order
// placement should have guaranteed capacity.
func (l *Ledger) TransferReserved(ctx context.Context, st store.Store, mv ReservedMove) (*model.Transfer, error) {
	if !mv.Amount.IsPositive() {
		return nil, ErrInvalidAmount
	}

	fromBal, err := st.GetBalance(ctx, mv.From, mv.TokenID)
	if err != nil {
		return nil, ErrMissingBalance
	}
	if fromBal.Quantity.LessThan(mv.Amount) || fromBal.Reserved.LessThan(mv.Amount) {
		return nil, ErrInsufficientBalance
	}
	fromBal.Quantity = fromBal.Quantity.Sub(mv.Amount)
	fromBal.Reserved = fromBal.Reserved.Sub(mv.Amount)
	fromBal.Version++
	if err := st.PutBalance(ctx, fromBal); err != nil {
		return nil, err
	}

	toBal, err := l.balanceOrZero(ctx, st, mv.To, mv.TokenID)
	if err != nil {
		return nil, err
	}
	toBal.Quantity = toBal.Quantity.Add(mv.Amount)
	toBal.Version++
	if err := st.PutBalance(ctx, toBal); err != nil {
		return nil, err
	}

	from, to := mv.From, mv.To
	t := &model.Transfer{
		ID:           uuid.New().String(),
		FromWalletID: &from,
		ToWalletID:   &to,
		TokenID:      mv.TokenID,
		Amount:       mv.Amount,
		Fee:          decimal.Zero,
		Kind:         model.TransferInternal,
		Op:           model.OpMove,
		Status:       model.TransferCompleted,
		Note:         mv.Note,
		Hash:         mv.Hash,
		CreatedAt:    time.Now().UTC(),
	}
	if t.Hash == "" {
		t.Hash = TransferHash(t.ID, mv.TokenID, mv.Amount.String())
	}
	if err := st.CreateTransfer(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// Reserve earmarks amount on a balance for an open order. Quantity is
// untouched; only the reserved counter grows.
func Reserve(ctx context.Context, st store.Store, walletID, tokenID string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	bal, err := st.GetBalance(ctx, walletID, tokenID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrInsufficientBalance
		}
		return err
	}
	if bal.Available().LessThan(amount) {
		return ErrInsufficientBalance
	}
	bal.Reserved = bal.Reserved.Add(amount)
	bal.Version++
	return st.PutBalance(ctx, bal)
}

// Release returns previously reserved funds to the available pool. The
// counter is clamped at zero so racing releases (cancel vs. expiry sweep)
// never drive it negative.
func Release(ctx context.Context, st store.Store, walletID, tokenID string, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return ErrInvalidAmount
	}
	if amount.IsZero() {
		return nil
	}
	bal, err := st.GetBalance(ctx, walletID, tokenID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrMissingBalance
		}
		return err
	}
	bal.Reserved = bal.Reserved.Sub(amount)
	if bal.Reserved.IsNegative() {
		bal.Reserved = decimal.Zero
	}
	bal.Version++
	return st.PutBalance(ctx, bal)
}

// ConfirmTransfer completes a pending onchain_out withdrawal once the
// external chain has confirmed it: the encumbered amount finally leaves
// the sender's quantity and reservation together.
func (l *Ledger) ConfirmTransfer(ctx context.Context, st store.Store, transferID, externalTxRef string) error {
	t, err := st.GetTransfer(ctx, transferID)
	if err != nil {
		return err
	}
	if t.Status != model.TransferPending {
		return ErrNotPending
	}

	if t.Kind == model.TransferOnchainOut && t.FromWalletID != nil {
		debit := t.Amount.Add(t.Fee)
		bal, err := st.GetBalance(ctx, *t.FromWalletID, t.TokenID)
		if err != nil {
			return ErrMissingBalance
		}
		bal.Quantity = bal.Quantity.Sub(debit)
		bal.Reserved = bal.Reserved.Sub(debit)
		if bal.Quantity.IsNegative() || bal.Reserved.IsNegative() {
			return ErrInsufficientBalance
		}
		bal.Version++
		if err := st.PutBalance(ctx, bal); err != nil {
			return err
		}

		// Amount and fee both left circulation; burn the full debit so
		// supply stays equal to the sum of balances.
		token, err := st.GetToken(ctx, t.TokenID)
		if err != nil {
			return err
		}
		if err := adjustSupply(ctx, st, token, model.OpBurn, debit); err != nil {
			return err
		}
	}

	return st.CompleteTransfer(ctx, transferID, externalTxRef)
}

// collectFee credits the configured fee wallet, or burns the fee out of
// supply when none is configured.
func (l *Ledger) collectFee(ctx context.Context, st store.Store, token *model.Token, fee decimal.Decimal) error {
	if l.FeeWalletID == "" {
		token.Supply = token.Supply.Sub(fee)
		return st.UpdateTokenSupply(ctx, token.ID, token.Supply)
	}
	feeBal, err := l.balanceOrZero(ctx, st, l.FeeWalletID, token.ID)
	if err != nil {
		return err
	}
	feeBal.Quantity = feeBal.Quantity.Add(fee)
	feeBal.Version++
	return st.PutBalance(ctx, feeBal)
}

func (l *Ledger) balanceOrZero(ctx context.Context, st store.Store, walletID, tokenID string) (*model.Balance, error) {
	bal, err := st.GetBalance(ctx, walletID, tokenID)
	if err == nil {
		return bal, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	return &model.Balance{
		WalletID: walletID,
		TokenID:  tokenID,
		Quantity: decimal.Zero,
		Reserved: decimal.Zero,
	}, nil
}

// adjustSupply keeps the token's supply counter in step with mints and
// burns. Moves never change supply.
func adjustSupply(ctx context.Context, st store.Store, token *model.Token, op model.TransferOp, amount decimal.Decimal) error {
	switch op {
	case model.OpMint:
		token.Supply = token.Supply.Add(amount)
	case model.OpBurn:
		token.Supply = token.Supply.Sub(amount)
	default:
		return nil
	}
	return st.UpdateTokenSupply(ctx, token.ID, token.Supply)
}

// TransferHash derives the grouping hash linking the legs of one logical
// movement.
func TransferHash(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
