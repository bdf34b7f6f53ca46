// Package risk approves or rejects trade intents.
package risk

import (
	"errors"

	"github.com/gregtusar/tradepipe/pkg/models"
)

var ErrMissingSizeCap = errors.New("risk size cap is not configured")

type Gate interface {
	Evaluate(intents []models.TradeIntent, sizeCap *float64) (models.RiskDecision, error)
}

// SizeCapGate rejects malformed intents and intents larger than the cap.
// Everything else is approved unmodified, in input order.
type SizeCapGate struct{}

func (SizeCapGate) Evaluate(intents []models.TradeIntent, sizeCap *float64) (models.RiskDecision, error) {
	if sizeCap == nil {
		return models.RiskDecision{}, ErrMissingSizeCap
	}

	d := models.RiskDecision{
		Approved: []models.TradeIntent{},
		Rejected: []models.Rejection{},
	}
	for _, in := range intents {
		switch {
		case in.Validate() != nil:
			d.Rejected = append(d.Rejected, models.Rejection{Intent: in, Reason: models.ReasonInvalidIntent})
		case in.Size > *sizeCap:
			d.Rejected = append(d.Rejected, models.Rejection{Intent: in, Reason: models.ReasonSizeExceedsCap})
		default:
			d.Approved = append(d.Approved, in)
		}
	}
	return d, nil
}
