package engine

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestRoundTripCost(t *testing.T) {
	// 75 contracts bought at 100, sold at 110:
	//  buy leg:  20 + 7500*0.000495 + 7500*0.000001 = 23.72, *1.18 = 27.9896,
	//            + stamp 7500*0.00003 = 28.2146
	//  sell leg: 20 + 8250*0.000495 + 8250*0.000001 = 24.092, *1.18 = 28.42856,
	//            + STT 8250*0.000125 = 29.45981
	got := RoundTripCost(75, 100, 110)
	want := decimal.NewFromFloat(57.67441)
	if !got.Sub(want).Abs().LessThan(decimal.NewFromFloat(0.0001)) {
		t.Errorf("RoundTripCost = %s, want %s", got, want)
	}
}

func TestNetPnL(t *testing.T) {
	gross, costs, net := NetPnL(75, 100, 110)
	if !gross.Equal(decimal.NewFromInt(750)) {
		t.Errorf("gross = %s, want 750", gross)
	}
	if !net.Equal(gross.Sub(costs)) {
		t.Errorf("net %s != gross %s - costs %s", net, gross, costs)
	}
	if !costs.IsPositive() {
		t.Errorf("costs must be positive, got %s", costs)
	}

	// A losing round trip still pays costs.
	gross, _, net = NetPnL(75, 100, 95)
	if !gross.Equal(decimal.NewFromInt(-375)) {
		t.Errorf("losing gross = %s, want -375", gross)
	}
	if !net.LessThan(gross) {
		t.Errorf("net %s should be below gross %s", net, gross)
	}
}

func TestCostScalesWithQty(t *testing.T) {
	small := RoundTripCost(75, 100, 110)
	big := RoundTripCost(1500, 100, 110)
	if !big.GreaterThan(small) {
		t.Errorf("bigger size should cost more: %s vs %s", big, small)
	}
}
