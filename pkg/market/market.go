// Package market captures point-in-time price snapshots.
package market

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/gregtusar/tradepipe/pkg/metrics"
	"github.com/gregtusar/tradepipe/pkg/models"
	"github.com/gregtusar/tradepipe/pkg/onetrading"
)

// Source produces a snapshot covering every requested symbol. Sources never
// fail on a single symbol: unpriceable symbols come back as 0 and unresolved.
type Source interface {
	Snapshot(ctx context.Context, symbols []string) (models.Snapshot, error)
	Name() string
}

// PaperSource serves prices from a fixed table.
type PaperSource struct {
	prices map[string]float64
	now    func() time.Time
}

func NewPaperSource(prices map[string]float64) *PaperSource {
	table := make(map[string]float64, len(prices))
	for sym, px := range prices {
		table[strings.ToUpper(sym)] = px
	}
	return &PaperSource{prices: table, now: time.Now}
}

func (p *PaperSource) Name() string { return "paper" }

func (p *PaperSource) Snapshot(ctx context.Context, symbols []string) (models.Snapshot, error) {
	snap := models.NewSnapshot(symbols, p.Name(), p.now().UTC())
	for _, sym := range symbols {
		if px, ok := p.prices[strings.ToUpper(sym)]; ok && px >= 0 {
			snap.Resolve(sym, px)
		}
	}
	return snap, nil
}

// TickerClient is the slice of the exchange client a snapshot needs.
type TickerClient interface {
	Ticker(ctx context.Context, instrument string) (*models.Ticker, error)
}

// OneTradingSource fetches last prices from the exchange in parallel.
type OneTradingSource struct {
	client      TickerClient
	logger      *logrus.Logger
	concurrency int
	timeout     time.Duration
}

var _ TickerClient = (*onetrading.Client)(nil)

func NewOneTradingSource(client TickerClient, logger *logrus.Logger, concurrency int, timeout time.Duration) *OneTradingSource {
	if concurrency < 1 {
		concurrency = 4
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &OneTradingSource{
		client:      client,
		logger:      logger,
		concurrency: concurrency,
		timeout:     timeout,
	}
}

func (o *OneTradingSource) Name() string { return "onetrading" }

// Snapshot degrades per symbol. Source is "onetrading:error" when any symbol
// failed, so callers can tell a partial snapshot apart.
func (o *OneTradingSource) Snapshot(ctx context.Context, symbols []string) (models.Snapshot, error) {
	prices := make([]float64, len(symbols))
	ok := make([]bool, len(symbols))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.concurrency)
	for i, sym := range symbols {
		i, sym := i, sym
		g.Go(func() error {
			callCtx, cancel := context.WithTimeout(gctx, o.timeout)
			defer cancel()

			// instrument codes are upper case on the exchange
			t, err := o.client.Ticker(callCtx, strings.ToUpper(sym))
			if err == nil && t.LastPrice < 0 {
				err = fmt.Errorf("negative price %v", t.LastPrice)
			}
			if err != nil {
				metrics.SnapshotFailures.WithLabelValues(o.Name()).Inc()
				o.logger.WithError(err).WithField("symbol", sym).Warn("Price unavailable, degrading to 0")
				return nil
			}
			prices[i] = t.LastPrice
			ok[i] = true
			return nil
		})
	}
	// workers swallow their own errors; Wait only reports cancellation
	_ = g.Wait()

	snap := models.NewSnapshot(symbols, o.Name(), time.Now().UTC())
	failed := false
	for i, sym := range symbols {
		if ok[i] {
			snap.Resolve(sym, prices[i])
		} else {
			failed = true
		}
	}
	if failed {
		snap.Source = o.Name() + ":error"
	}
	return snap, ctx.Err()
}
