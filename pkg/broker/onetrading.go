package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/gregtusar/tradepipe/pkg/models"
	"github.com/gregtusar/tradepipe/pkg/onetrading"
)

// OrderClient is the slice of the exchange client order placement needs.
type OrderClient interface {
	CreateOrder(ctx context.Context, req onetrading.CreateOrderRequest) (*onetrading.Order, error)
	GetOrder(ctx context.Context, orderID string) (*onetrading.Order, error)
}

var _ OrderClient = (*onetrading.Client)(nil)

var ErrNoPrice = errors.New("no usable price for order")

// OneTradingExecutor submits LIVE orders. Accepted orders come back as
// submitted fills; they move the ledger only once reconciled.
type OneTradingExecutor struct {
	client      OrderClient
	logger      *logrus.Logger
	concurrency int
	timeout     time.Duration
}

func NewOneTradingExecutor(client OrderClient, logger *logrus.Logger, concurrency int, timeout time.Duration) *OneTradingExecutor {
	if concurrency < 1 {
		concurrency = 1
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &OneTradingExecutor{
		client:      client,
		logger:      logger,
		concurrency: concurrency,
		timeout:     timeout,
	}
}

func (e *OneTradingExecutor) Mode() models.Mode { return models.ModeLive }

func (e *OneTradingExecutor) PlaceOrders(ctx context.Context, intents []models.TradeIntent, snap models.Snapshot) ([]models.Fill, error) {
	fills := make([]models.Fill, len(intents))

	// each worker owns fills[i]; nothing returns an error so one failed
	// order never cancels its siblings
	var g errgroup.Group
	g.SetLimit(e.concurrency)
	for i, in := range intents {
		i, in := i, in
		g.Go(func() error {
			fills[i] = e.place(ctx, in, snap)
			return nil
		})
	}
	_ = g.Wait()
	return fills, nil
}

func (e *OneTradingExecutor) place(ctx context.Context, in models.TradeIntent, snap models.Snapshot) models.Fill {
	fill := models.Fill{
		ID:     uuid.NewString(),
		Symbol: in.Symbol,
		Side:   in.Side,
		Size:   in.Size,
		Price:  fillPrice(in, snap),
		Mode:   models.ModeLive,
	}
	log := e.logger.WithFields(logrus.Fields{
		"fill_id": fill.ID,
		"symbol":  in.Symbol,
		"side":    in.Side,
		"size":    in.Size,
	})

	if fill.Price <= 0 {
		fill.Status = models.FillStatusError
		fill.Error = ErrNoPrice.Error()
		log.Warn("Refusing to submit order without a price")
		return fill
	}

	tif := onetrading.ImmediateOrCancelled
	if in.Type == models.OrderTypeLimit {
		tif = onetrading.GoodTillCancelled
	}
	req := onetrading.NewLimitOrder(in.Symbol, in.Side, in.Size, fill.Price, tif, fill.ID)

	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	order, err := e.client.CreateOrder(callCtx, req)
	if err != nil {
		fill.Status = models.FillStatusError
		fill.Error = err.Error()
		log.WithError(err).Error("Order submission failed")
		return fill
	}

	fill.Status = models.FillStatusSubmitted
	fill.OrderID = order.OrderID
	log.WithField("order_id", order.OrderID).Info("Order submitted")
	return fill
}

// OrderStatus asks the exchange how far a submitted fill has progressed.
// It returns the filled amount and whether the order reached a final state.
func (e *OneTradingExecutor) OrderStatus(ctx context.Context, orderID string) (filled float64, final bool, err error) {
	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	order, err := e.client.GetOrder(callCtx, orderID)
	if err != nil {
		return 0, false, fmt.Errorf("get order %s: %w", orderID, err)
	}
	filled, err = parseAmount(order.FilledAmount)
	if err != nil {
		return 0, false, fmt.Errorf("order %s filled_amount: %w", orderID, err)
	}
	switch order.Status {
	case onetrading.OrderStatusFilled, onetrading.OrderStatusClosed,
		onetrading.OrderStatusCancelled, onetrading.OrderStatusRejected:
		return filled, true, nil
	default:
		return filled, false, nil
	}
}
