package regime

import (
	"errors"
	"testing"
)

func TestResolveDefaultsToNormal(t *testing.T) {
	r := NewResolver()

	res, err := r.Resolve("NIFTY")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Regime != RegimeNormal {
		t.Errorf("regime = %s, want normal", res.Regime)
	}
	if got := res.Parameters.SLPctRange.Midpoint(); got != 25 {
		t.Errorf("NIFTY normal SL midpoint = %.2f, want 25", got)
	}
	if got := res.Parameters.TPPctRange.Midpoint(); got != 50 {
		t.Errorf("NIFTY normal TP midpoint = %.2f, want 50", got)
	}
}

func TestResolveNormalizesKey(t *testing.T) {
	r := NewResolver()
	res, err := r.Resolve(" nifty ")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.IndexKey != "NIFTY" {
		t.Errorf("index key = %s, want NIFTY", res.IndexKey)
	}
}

func TestResolveUnknownIndex(t *testing.T) {
	r := NewResolver()
	_, err := r.Resolve("MIDCPNIFTY")
	if !errors.Is(err, ErrUnknownIndex) {
		t.Errorf("expected ErrUnknownIndex, got %v", err)
	}
}

func TestSetRegimeScalesBands(t *testing.T) {
	r := NewResolver()
	r.SetRegime("NIFTY", RegimeElevated)

	res, err := r.Resolve("NIFTY")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Regime != RegimeElevated {
		t.Errorf("regime = %s, want elevated", res.Regime)
	}
	if got := res.Parameters.SLPctRange.Midpoint(); got != 31.25 {
		t.Errorf("elevated SL midpoint = %.4f, want 31.25", got)
	}
	if res.Condition != "expanding_volatility" {
		t.Errorf("condition = %s", res.Condition)
	}
}

func TestSetRegimeIgnoresUnknownIndex(t *testing.T) {
	r := NewResolver()
	r.SetRegime("MIDCPNIFTY", RegimeExtreme)
	if _, err := r.Resolve("MIDCPNIFTY"); err == nil {
		t.Error("unknown index must stay unresolvable")
	}
}
