package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/gregtusar/tradepipe/pkg/models"
)

type Valuation struct {
	Mode      models.Mode        `json:"mode" yaml:"mode"`
	Positions map[string]float64 `json:"positions" yaml:"positions"`
	Value     decimal.Decimal    `json:"value" yaml:"value"`
	Time      time.Time          `json:"ts" yaml:"ts"`
}

// MarkToMarket values positions at prices. Symbols without a price count as 0.
func MarkToMarket(positions, prices map[string]float64) decimal.Decimal {
	total := decimal.Zero
	for sym, qty := range positions {
		px, ok := prices[sym]
		if !ok {
			continue
		}
		total = total.Add(decimal.NewFromFloat(qty).Mul(decimal.NewFromFloat(px)))
	}
	return total
}

// Value reads every position of mode and marks it at prices.
func (l *Ledger) Value(ctx context.Context, mode models.Mode, prices map[string]float64) (*Valuation, error) {
	positions, err := l.GetAll(ctx, mode)
	if err != nil {
		return nil, err
	}
	return &Valuation{
		Mode:      mode,
		Positions: positions,
		Value:     MarkToMarket(positions, prices),
		Time:      time.Now().UTC(),
	}, nil
}
