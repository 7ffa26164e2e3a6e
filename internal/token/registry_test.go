package token

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func def(symbol string) Definition {
	return Definition{
		Symbol:   symbol,
		Decimals: 2,
		StepSize: decimal.New(1, -2),
	}
}

func TestDefinitionValidate(t *testing.T) {
	cases := []struct {
		name string
		d    Definition
		ok   bool
	}{
		{"valid", def("USD"), true},
		{"lowercase", def("usd"), false},
		{"too short", def("U"), false},
		{"too long", def("ABCDEFGHIJKLM"), false},
		{"leading digit", def("1USD"), false},
		{"negative decimals", Definition{Symbol: "USD", Decimals: -1, StepSize: decimal.New(1, 0)}, false},
		{"decimals too high", Definition{Symbol: "USD", Decimals: 19, StepSize: decimal.New(1, 0)}, false},
		{"zero step", Definition{Symbol: "USD", Decimals: 2}, false},
	}
	for _, tc := range cases {
		err := tc.d.Validate()
		if tc.ok && err != nil {
			t.Errorf("%s: unexpected error %v", tc.name, err)
		}
		if !tc.ok && !errors.Is(err, ErrInvalidDefinition) {
			t.Errorf("%s: got %v, want ErrInvalidDefinition", tc.name, err)
		}
	}
}

func TestRegistryLookup(t *testing.T) {
	usd := def("USD")
	usd.Fingerprint = "asset1usdfp"
	r, err := NewRegistry([]Definition{usd, def("ADA")})
	if err != nil {
		t.Fatal(err)
	}

	got, err := r.Lookup("USD")
	if err != nil {
		t.Fatal(err)
	}
	if got.Symbol != "USD" {
		t.Errorf("symbol = %s", got.Symbol)
	}

	if _, err := r.Lookup("EUR"); !errors.Is(err, ErrUnknownSymbol) {
		t.Errorf("got %v, want ErrUnknownSymbol", err)
	}

	byFp, err := r.LookupFingerprint("asset1usdfp")
	if err != nil {
		t.Fatal(err)
	}
	if byFp.Symbol != "USD" {
		t.Errorf("fingerprint lookup = %s, want USD", byFp.Symbol)
	}
	if _, err := r.LookupFingerprint("asset1missing"); !errors.Is(err, ErrUnknownSymbol) {
		t.Errorf("got %v, want ErrUnknownSymbol", err)
	}

	if n := len(r.Symbols()); n != 2 {
		t.Errorf("symbols = %d, want 2", n)
	}
}

func TestRegistryDuplicate(t *testing.T) {
	_, err := NewRegistry([]Definition{def("USD"), def("USD")})
	if !errors.Is(err, ErrDuplicateSymbol) {
		t.Errorf("got %v, want ErrDuplicateSymbol", err)
	}
}

func TestMinPrice(t *testing.T) {
	d := def("USD")
	if got := d.MinPrice(); !got.Equal(decimal.New(1, -2)) {
		t.Errorf("min price = %s, want 0.01", got)
	}
}
