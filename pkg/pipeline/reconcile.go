package pipeline

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/gregtusar/tradepipe/pkg/ledger"
	"github.com/gregtusar/tradepipe/pkg/models"
	"github.com/gregtusar/tradepipe/pkg/store"
)

// StatusChecker reports the filled amount of an exchange order and whether
// it reached a final state.
type StatusChecker interface {
	OrderStatus(ctx context.Context, orderID string) (filled float64, final bool, err error)
}

type ReconcileResult struct {
	Confirmed []models.Fill      `json:"confirmed" yaml:"confirmed"`
	Cancelled []models.Fill      `json:"cancelled" yaml:"cancelled"`
	Pending   int                `json:"pending" yaml:"pending"`
	Errors    int                `json:"errors" yaml:"errors"`
	Positions map[string]float64 `json:"positions" yaml:"positions"`
}

// Reconciler moves submitted LIVE orders into the ledger once the exchange
// reports them final. Fills are applied by ID, so running it twice is safe.
type Reconciler struct {
	checker StatusChecker
	pending store.PendingStore
	ledger  *ledger.Ledger
	logger  *logrus.Logger
}

func NewReconciler(checker StatusChecker, pending store.PendingStore, l *ledger.Ledger, logger *logrus.Logger) *Reconciler {
	return &Reconciler{
		checker: checker,
		pending: pending,
		ledger:  l,
		logger:  logger,
	}
}

func (r *Reconciler) Reconcile(ctx context.Context) (*ReconcileResult, error) {
	ns := models.ModeLive.Namespace()
	fills, err := r.pending.ListPending(ctx, ns)
	if err != nil {
		return nil, fmt.Errorf("list pending fills: %w", err)
	}

	res := &ReconcileResult{
		Confirmed: []models.Fill{},
		Cancelled: []models.Fill{},
	}
	for _, f := range fills {
		log := r.logger.WithFields(logrus.Fields{"fill_id": f.ID, "order_id": f.OrderID})

		filled, final, err := r.checker.OrderStatus(ctx, f.OrderID)
		if err != nil {
			res.Errors++
			log.WithError(err).Warn("Order status unavailable, keeping pending")
			continue
		}
		if !final {
			res.Pending++
			continue
		}

		if filled > 0 {
			confirmed := f
			confirmed.Size = filled
			confirmed.Status = models.FillStatusFilled
			confirmed.Mode = models.ModeLive
			if _, err := r.ledger.ApplyFills(ctx, models.ModeLive, []models.Fill{confirmed}); err != nil {
				return res, &Error{Code: CodeLedgerWrite, Stage: StateLedgerApply, Err: err}
			}
			res.Confirmed = append(res.Confirmed, confirmed)
			log.WithField("filled", filled).Info("Order confirmed")
		} else {
			res.Cancelled = append(res.Cancelled, f)
			log.Info("Order closed without fill")
		}

		// a crash here leaves the row; the next pass re-applies it as a no-op
		if err := r.pending.DeletePending(ctx, ns, f.ID); err != nil {
			return res, fmt.Errorf("delete pending fill %s: %w", f.ID, err)
		}
	}

	positions, err := r.ledger.GetAll(ctx, models.ModeLive)
	if err != nil {
		return res, fmt.Errorf("read positions: %w", err)
	}
	res.Positions = positions
	return res, nil
}
