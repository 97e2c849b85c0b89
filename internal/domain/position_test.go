package domain

import "testing"

func TestPositionPnL(t *testing.T) {
	tests := []struct {
		name    string
		pos     Position
		wantPnL float64
		wantPct float64
	}{
		{"long in profit", Position{Side: PositionLong, Quantity: 2, EntryPrice: 100, LastPrice: 101}, 2, 0.01},
		{"long in loss", Position{Side: PositionLong, Quantity: 1, EntryPrice: 200, LastPrice: 190}, -10, -0.05},
		{"short in profit", Position{Side: PositionShort, Quantity: 4, EntryPrice: 50, LastPrice: 45}, 20, 0.1},
		{"zero notional", Position{Side: PositionLong, LastPrice: 10}, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.pos.UnrealizedPnL(); got != tt.wantPnL {
				t.Errorf("UnrealizedPnL = %v, want %v", got, tt.wantPnL)
			}
			if got := tt.pos.PnLPercent(); got != tt.wantPct {
				t.Errorf("PnLPercent = %v, want %v", got, tt.wantPct)
			}
		})
	}
}

func TestPositionSides(t *testing.T) {
	if PositionLong.OpenSide() != OrderSideBuy || PositionLong.CloseSide() != OrderSideSell {
		t.Fatal("long sides")
	}
	if PositionShort.OpenSide() != OrderSideSell || PositionShort.CloseSide() != OrderSideBuy {
		t.Fatal("short sides")
	}
}
