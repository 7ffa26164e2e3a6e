// Package token provides the injected token registry: base-currency
// metadata keyed by symbol. It replaces hard-coded currency fingerprints
// with a lookup table, so settlement code never branches on literals.
package token

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/shopspring/decimal"
)

var (
	// ErrUnknownSymbol is returned when no token is registered under the
	// requested symbol.
	ErrUnknownSymbol = errors.New("token: unknown symbol")

	// ErrInvalidDefinition is returned when a definition fails validation.
	ErrInvalidDefinition = errors.New("token: invalid definition")

	// ErrDuplicateSymbol is returned when registering a symbol twice.
	ErrDuplicateSymbol = errors.New("token: symbol already registered")
)

// symbolRegex constrains symbols to short uppercase tickers.
var symbolRegex = regexp.MustCompile(`^[A-Z][A-Z0-9]{1,11}$`)

// Definition is the immutable metadata for one base currency.
type Definition struct {
	Symbol      string          `json:"symbol" toml:"symbol"`
	Fingerprint string          `json:"fingerprint" toml:"fingerprint"`
	Decimals    int32           `json:"decimals" toml:"decimals"`
	StepSize    decimal.Decimal `json:"step_size" toml:"step_size"`
}

// Validate checks a definition for registration.
func (d Definition) Validate() error {
	if !symbolRegex.MatchString(d.Symbol) {
		return fmt.Errorf("%w: symbol %q", ErrInvalidDefinition, d.Symbol)
	}
	if d.Decimals < 0 || d.Decimals > 18 {
		return fmt.Errorf("%w: decimals %d out of range", ErrInvalidDefinition, d.Decimals)
	}
	if !d.StepSize.IsPositive() {
		return fmt.Errorf("%w: step size must be positive", ErrInvalidDefinition)
	}
	return nil
}

// MinPrice returns the smallest representable price: 1 / 10^decimals.
func (d Definition) MinPrice() decimal.Decimal {
	return decimal.New(1, -d.Decimals)
}

// Registry maps symbols to definitions. It is built once at startup from
// configuration and read-only afterwards, so no locking is needed.
type Registry struct {
	bySymbol      map[string]Definition
	byFingerprint map[string]Definition
}

// NewRegistry builds a registry from the given definitions.
func NewRegistry(defs []Definition) (*Registry, error) {
	r := &Registry{
		bySymbol:      make(map[string]Definition, len(defs)),
		byFingerprint: make(map[string]Definition, len(defs)),
	}
	for _, d := range defs {
		if err := d.Validate(); err != nil {
			return nil, err
		}
		if _, ok := r.bySymbol[d.Symbol]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateSymbol, d.Symbol)
		}
		r.bySymbol[d.Symbol] = d
		if d.Fingerprint != "" {
			r.byFingerprint[d.Fingerprint] = d
		}
	}
	return r, nil
}

// Lookup returns the definition for a symbol.
func (r *Registry) Lookup(symbol string) (Definition, error) {
	d, ok := r.bySymbol[symbol]
	if !ok {
		return Definition{}, fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}
	return d, nil
}

// LookupFingerprint returns the definition for an on-chain fingerprint.
func (r *Registry) LookupFingerprint(fp string) (Definition, error) {
	d, ok := r.byFingerprint[fp]
	if !ok {
		return Definition{}, fmt.Errorf("%w: fingerprint %s", ErrUnknownSymbol, fp)
	}
	return d, nil
}

// Symbols returns every registered symbol.
func (r *Registry) Symbols() []string {
	out := make([]string, 0, len(r.bySymbol))
	for s := range r.bySymbol {
		out = append(out, s)
	}
	return out
}
