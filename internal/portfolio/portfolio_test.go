package portfolio

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/atmx/market-game/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestValuate_LongPosition(t *testing.T) {
	// 50 X marked at 120 with 5000 cash.
	v, err := Valuate(d(5000), []model.Position{{Symbol: "X", Quantity: 50, AveragePrice: d(100)}},
		map[string]decimal.Decimal{"X": d(120)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !v.Equity.Equal(d(6000)) {
		t.Errorf("expected equity=6000, got %s", v.Equity)
	}
	if !v.Total.Equal(d(11000)) {
		t.Errorf("expected total=11000, got %s", v.Total)
	}
}

func TestValuate_ShortContributesNegatively(t *testing.T) {
	v, err := Valuate(d(2000), []model.Position{
		{Symbol: "X", Quantity: 10},
		{Symbol: "Y", Quantity: -4},
	}, map[string]decimal.Decimal{"X": d(10), "Y": d(25)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !v.Equity.Equal(d(0)) {
		t.Errorf("expected equity=0 (100 long - 100 short), got %s", v.Equity)
	}
	if !v.Total.Equal(d(2000)) {
		t.Errorf("expected total=2000, got %s", v.Total)
	}
}

func TestValuate_FlatPositionNeedsNoPrice(t *testing.T) {
	v, err := Valuate(d(10), []model.Position{{Symbol: "GONE", Quantity: 0}}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !v.Total.Equal(d(10)) {
		t.Errorf("expected total=10, got %s", v.Total)
	}
}

func TestValuate_MissingPrice(t *testing.T) {
	_, err := Valuate(d(10), []model.Position{{Symbol: "X", Quantity: 1}}, map[string]decimal.Decimal{})
	if !errors.Is(err, ErrMissingPrice) {
		t.Errorf("expected ErrMissingPrice, got %v", err)
	}
}

func TestMark_StampsRound(t *testing.T) {
	st := &model.PlayerGameState{Cash: d(100)}
	if err := Mark(st, []model.Position{{Symbol: "X", Quantity: 2}}, map[string]decimal.Decimal{"X": d(5)}, 3); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if st.ValuedRound != 3 {
		t.Errorf("expected valued_round=3, got %d", st.ValuedRound)
	}
	if !st.EquityValue.Equal(d(10)) || !st.TotalValue.Equal(d(110)) {
		t.Errorf("unexpected valuation: equity=%s total=%s", st.EquityValue, st.TotalValue)
	}
}

func TestView_UnrealizedPnL(t *testing.T) {
	views := View([]model.Position{
		{Symbol: "X", Quantity: 50, AveragePrice: d(100)},
		{Symbol: "Y", Quantity: -10, AveragePrice: d(20)},
	}, map[string]decimal.Decimal{"X": d(120), "Y": d(25)})

	if len(views) != 2 {
		t.Fatalf("expected 2 views, got %d", len(views))
	}
	if !views[0].MarketValue.Equal(d(6000)) || !views[0].UnrealizedPnL.Equal(d(1000)) {
		t.Errorf("long view: value=%s pnl=%s", views[0].MarketValue, views[0].UnrealizedPnL)
	}
	// Short 10 at 20, now 25: value -250, basis -200, pnl -50.
	if !views[1].MarketValue.Equal(d(-250)) || !views[1].UnrealizedPnL.Equal(d(-50)) {
		t.Errorf("short view: value=%s pnl=%s", views[1].MarketValue, views[1].UnrealizedPnL)
	}
}
