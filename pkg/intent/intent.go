// Package intent converts signals into proposed orders.
package intent

import (
	"errors"
	"math"

	"github.com/gregtusar/tradepipe/pkg/models"
)

var ErrMissingThreshold = errors.New("signal threshold is not configured")

type Generator interface {
	Generate(sig models.Signal, threshold *float64) ([]models.TradeIntent, error)
}

// ThresholdGenerator buys above +threshold and sells below -threshold, one
// unit at market. Scores inside the band produce nothing.
type ThresholdGenerator struct {
	Size float64
}

func NewThresholdGenerator() *ThresholdGenerator {
	return &ThresholdGenerator{Size: 1}
}

func (g *ThresholdGenerator) Generate(sig models.Signal, threshold *float64) ([]models.TradeIntent, error) {
	if threshold == nil || math.IsNaN(*threshold) {
		return nil, ErrMissingThreshold
	}
	size := g.Size
	if size <= 0 {
		size = 1
	}

	t := *threshold
	var out []models.TradeIntent
	for _, sym := range sig.OrderedSymbols() {
		score, ok := sig.Scores[sym]
		if !ok {
			continue
		}
		var side models.OrderSide
		switch {
		case score > t:
			side = models.OrderSideBuy
		case score < -t:
			side = models.OrderSideSell
		default:
			continue
		}
		out = append(out, models.TradeIntent{
			Symbol: sym,
			Side:   side,
			Size:   size,
			Type:   models.OrderTypeMarket,
		})
	}
	return out, nil
}
