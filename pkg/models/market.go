package models

import (
	"sort"
	"time"
)

type PriceStatus string

const (
	PriceResolved   PriceStatus = "resolved"
	PriceUnresolved PriceStatus = "unresolved"
)

// Snapshot is one point-in-time capture of prices. Every requested symbol is
// present in Prices; symbols that could not be priced carry 0 and are marked
// unresolved in Status.
type Snapshot struct {
	Symbols    []string               `json:"symbols" yaml:"symbols"`
	Prices     map[string]float64     `json:"prices" yaml:"prices"`
	Status     map[string]PriceStatus `json:"status" yaml:"status"`
	Source     string                 `json:"source" yaml:"source"`
	CapturedAt time.Time              `json:"capturedAt" yaml:"capturedAt"`
}

// NewSnapshot returns a snapshot with every symbol present and unresolved.
func NewSnapshot(symbols []string, source string, at time.Time) Snapshot {
	s := Snapshot{
		Symbols:    append([]string(nil), symbols...),
		Prices:     make(map[string]float64, len(symbols)),
		Status:     make(map[string]PriceStatus, len(symbols)),
		Source:     source,
		CapturedAt: at,
	}
	for _, sym := range symbols {
		s.Prices[sym] = 0
		s.Status[sym] = PriceUnresolved
	}
	return s
}

// Resolve records a price for sym.
func (s *Snapshot) Resolve(sym string, price float64) {
	s.Prices[sym] = price
	s.Status[sym] = PriceResolved
}

// Price returns the snapshot price and whether it was resolved.
func (s Snapshot) Price(sym string) (float64, bool) {
	px, ok := s.Prices[sym]
	return px, ok && s.Status[sym] == PriceResolved
}

// Unresolved lists symbols that degraded to price 0, in request order.
func (s Snapshot) Unresolved() []string {
	var out []string
	for _, sym := range s.OrderedSymbols() {
		if s.Status[sym] != PriceResolved {
			out = append(out, sym)
		}
	}
	return out
}

// OrderedSymbols returns Symbols, or the sorted price keys when Symbols is empty.
func (s Snapshot) OrderedSymbols() []string {
	if len(s.Symbols) > 0 {
		return s.Symbols
	}
	return sortedKeys(s.Prices)
}

// Signal holds a directional score in [-1, 1] per symbol.
type Signal struct {
	Symbols []string           `json:"symbols" yaml:"symbols"`
	Scores  map[string]float64 `json:"scores" yaml:"scores"`
}

func (s Signal) OrderedSymbols() []string {
	if len(s.Symbols) > 0 {
		return s.Symbols
	}
	return sortedKeys(s.Scores)
}

// ClampScore bounds a score into [-1, 1]. NaN scores become 0.
func ClampScore(v float64) float64 {
	if v != v {
		return 0
	}
	if v > 1 {
		return 1
	}
	if v < -1 {
		return -1
	}
	return v
}

type Ticker struct {
	Symbol    string
	LastPrice float64
	Timestamp time.Time
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
