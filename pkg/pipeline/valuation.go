package pipeline

import (
	"context"
	"sort"

	"github.com/gregtusar/tradepipe/pkg/ledger"
	"github.com/gregtusar/tradepipe/pkg/models"
)

// Valuate marks every held position of mode at a fresh snapshot from the
// configured source. Unpriced symbols contribute nothing to the value.
func (c *Coordinator) Valuate(ctx context.Context, mode models.Mode) (*ledger.Valuation, error) {
	positions, err := c.ledger.GetAll(ctx, mode)
	if err != nil {
		return nil, err
	}
	if len(positions) == 0 {
		return c.ledger.Value(ctx, mode, nil)
	}

	symbols := make([]string, 0, len(positions))
	for sym := range positions {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	snap, err := c.caps.Source.Snapshot(ctx, symbols)
	if err != nil {
		return nil, err
	}
	prices := make(map[string]float64, len(symbols))
	for _, sym := range symbols {
		if px, ok := snap.Price(sym); ok {
			prices[sym] = px
		}
	}
	return c.ledger.Value(ctx, mode, prices)
}
