// Package signal turns a price snapshot into per-symbol scores in [-1, 1].
// Engines are pure: no I/O, same snapshot in, same signal out.
package signal

import (
	"fmt"
	"hash/fnv"
	"math"
	"strings"

	"github.com/gregtusar/tradepipe/pkg/models"
)

type Engine interface {
	Compute(snap models.Snapshot) models.Signal
	Name() string
}

// HashEngine is a deterministic placeholder: a per-symbol bias from the
// FNV-1a hash of the symbol, nudged by the price modulo 7.
type HashEngine struct{}

func (HashEngine) Name() string { return "hash" }

func (HashEngine) Compute(snap models.Snapshot) models.Signal {
	symbols := snap.OrderedSymbols()
	sig := models.Signal{
		Symbols: append([]string(nil), symbols...),
		Scores:  make(map[string]float64, len(symbols)),
	}
	for _, sym := range symbols {
		h := fnv.New32a()
		h.Write([]byte(sym))
		base := float64(h.Sum32()%200)/100 - 1
		px := snap.Prices[sym]
		sig.Scores[sym] = models.ClampScore(base + math.Mod(px, 7)/20 - 0.175)
	}
	return sig
}

// Fixed replays a configured score table. Symbols without an entry score 0.
type Fixed struct {
	scores map[string]float64
}

func NewFixed(scores map[string]float64) *Fixed {
	table := make(map[string]float64, len(scores))
	for sym, v := range scores {
		table[strings.ToUpper(sym)] = v
	}
	return &Fixed{scores: table}
}

func (f *Fixed) Name() string { return "fixed" }

func (f *Fixed) Compute(snap models.Snapshot) models.Signal {
	symbols := snap.OrderedSymbols()
	sig := models.Signal{
		Symbols: append([]string(nil), symbols...),
		Scores:  make(map[string]float64, len(symbols)),
	}
	for _, sym := range symbols {
		sig.Scores[sym] = models.ClampScore(f.scores[strings.ToUpper(sym)])
	}
	return sig
}

// New resolves an engine by its configured name.
func New(name string, fixedScores map[string]float64) (Engine, error) {
	switch strings.ToLower(name) {
	case "", "hash":
		return HashEngine{}, nil
	case "fixed":
		return NewFixed(fixedScores), nil
	default:
		return nil, fmt.Errorf("unknown signal engine %q", name)
	}
}
