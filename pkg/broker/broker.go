// Package broker executes approved intents and reports one fill per intent.
package broker

import (
	"context"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/gregtusar/tradepipe/pkg/models"
)

// Executor places orders. Implementations return exactly one fill per
// intent, in input order; a failed order is an error fill, not an error.
type Executor interface {
	PlaceOrders(ctx context.Context, intents []models.TradeIntent, snap models.Snapshot) ([]models.Fill, error)
	Mode() models.Mode
}

// PaperExecutor fills every intent instantly.
type PaperExecutor struct {
	logger *logrus.Logger
}

func NewPaperExecutor(logger *logrus.Logger) *PaperExecutor {
	return &PaperExecutor{logger: logger}
}

func (p *PaperExecutor) Mode() models.Mode { return models.ModePaper }

func (p *PaperExecutor) PlaceOrders(ctx context.Context, intents []models.TradeIntent, snap models.Snapshot) ([]models.Fill, error) {
	fills := make([]models.Fill, 0, len(intents))
	for _, in := range intents {
		f := models.Fill{
			ID:     uuid.NewString(),
			Symbol: in.Symbol,
			Side:   in.Side,
			Size:   in.Size,
			Price:  fillPrice(in, snap),
			Status: models.FillStatusFilled,
			Mode:   models.ModePaper,
		}
		p.logger.WithFields(logrus.Fields{
			"symbol": f.Symbol,
			"side":   f.Side,
			"size":   f.Size,
			"price":  f.Price,
		}).Info("Paper fill")
		fills = append(fills, f)
	}
	return fills, nil
}

// fillPrice is the snapshot price, else the limit price, else 0.
func fillPrice(in models.TradeIntent, snap models.Snapshot) float64 {
	if px, ok := snap.Price(in.Symbol); ok {
		return px
	}
	if in.Type == models.OrderTypeLimit && in.LimitPrice > 0 {
		return in.LimitPrice
	}
	return 0
}
