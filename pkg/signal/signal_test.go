package signal

import (
	"testing"
	"time"

	"github.com/gregtusar/tradepipe/pkg/models"
)

func snapshot(prices map[string]float64) models.Snapshot {
	syms := make([]string, 0, len(prices))
	for s := range prices {
		syms = append(syms, s)
	}
	snap := models.NewSnapshot(syms, "paper", time.Unix(0, 0))
	for s, px := range prices {
		snap.Resolve(s, px)
	}
	return snap
}

func TestHashEngineDeterministicAndBounded(t *testing.T) {
	snap := snapshot(map[string]float64{"AAPL": 100, "MSFT": 200, "BTC_EUR": 42000.5, "X": 0})
	a := HashEngine{}.Compute(snap)
	b := HashEngine{}.Compute(snap)

	for sym, score := range a.Scores {
		if score < -1 || score > 1 {
			t.Errorf("%s score %v out of range", sym, score)
		}
		if b.Scores[sym] != score {
			t.Errorf("%s not deterministic: %v vs %v", sym, score, b.Scores[sym])
		}
	}
	if len(a.Scores) != 4 {
		t.Fatalf("expected a score per symbol, got %v", a.Scores)
	}
}

func TestHashEngineKnownValue(t *testing.T) {
	// fnv32a("A") = 0xc40bf6cc = 3289118412; %200 = 12 -> base -0.88
	// price 7 -> 7 mod 7 = 0 -> score -0.88 - 0.175
	sig := HashEngine{}.Compute(snapshot(map[string]float64{"A": 7}))
	want := -0.88 - 0.175
	if diff := sig.Scores["A"] - want; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("score = %v, want %v", sig.Scores["A"], want)
	}
}

func TestFixedClampsAndDefaults(t *testing.T) {
	f := NewFixed(map[string]float64{"aapl": 0.8, "MSFT": -3})
	sig := f.Compute(snapshot(map[string]float64{"AAPL": 1, "MSFT": 1, "TSLA": 1}))

	want := map[string]float64{"AAPL": 0.8, "MSFT": -1, "TSLA": 0}
	for sym, w := range want {
		if sig.Scores[sym] != w {
			t.Errorf("%s = %v, want %v", sym, sig.Scores[sym], w)
		}
	}
}

func TestNewByName(t *testing.T) {
	for _, name := range []string{"", "hash", "FIXED"} {
		if _, err := New(name, nil); err != nil {
			t.Errorf("New(%q): %v", name, err)
		}
	}
	if _, err := New("llm", nil); err == nil {
		t.Errorf("expected error for unknown engine")
	}
}
