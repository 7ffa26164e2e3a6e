package risk

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/forecastex/market-core/internal/model"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func TestCheckAmount(t *testing.T) {
	token := model.Token{StepSize: d("1")}
	market := model.Market{MinTradeAmount: d("5"), MaxTradeAmount: d("1000")}
	l := NewTradeLimiter()

	cases := []struct {
		name   string
		amount string
		want   error
	}{
		{"below step", "0.5", ErrAmountBelowMinimum},
		{"misaligned", "5.5", ErrAmountBelowMinimum},
		{"below market min", "4", ErrAmountBelowMinimum},
		{"at market min", "5", nil},
		{"at market max", "1000", nil},
		{"above market max", "1001", ErrAmountAboveMaximum},
	}
	for _, tc := range cases {
		err := l.CheckAmount(token, market, d(tc.amount))
		if !errors.Is(err, tc.want) {
			t.Errorf("%s: got %v, want %v", tc.name, err, tc.want)
		}
	}
}

func TestCheckAmountUnboundedMax(t *testing.T) {
	token := model.Token{StepSize: d("1")}
	market := model.Market{} // zero max means no cap
	l := NewTradeLimiter()

	if err := l.CheckAmount(token, market, d("1000000")); err != nil {
		t.Errorf("unexpected error %v", err)
	}
}
