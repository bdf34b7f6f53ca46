// Package ledger is the single source of truth for holdings: a durable signed
// quantity per (mode, symbol).
package ledger

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/gregtusar/tradepipe/pkg/models"
	"github.com/gregtusar/tradepipe/pkg/store"
)

const stripes = 64

// Ledger serializes mutations per (mode, symbol) inside the process with
// striped mutexes; the store's atomic upserts do the same across processes.
// Every mutating call returns only after the store has committed.
type Ledger struct {
	store  store.PositionStore
	logger *logrus.Logger
	locks  [stripes]sync.Mutex
}

func New(s store.PositionStore, logger *logrus.Logger) *Ledger {
	return &Ledger{store: s, logger: logger}
}

// Get returns the quantity held, 0 if the symbol was never traded.
func (l *Ledger) Get(ctx context.Context, mode models.Mode, symbol string) (float64, error) {
	return l.store.Position(ctx, mode.Namespace(), symbol)
}

func (l *Ledger) GetAll(ctx context.Context, mode models.Mode) (map[string]float64, error) {
	return l.store.Positions(ctx, mode.Namespace())
}

// ApplyDelta adds delta to the position and returns the new quantity.
func (l *Ledger) ApplyDelta(ctx context.Context, mode models.Mode, symbol string, delta float64) (float64, error) {
	ns := mode.Namespace()
	unlock := l.lock(ns, []string{symbol})
	defer unlock()

	out, err := l.store.ApplyDeltas(ctx, ns, []store.Delta{{Symbol: symbol, Amount: delta}})
	if err != nil {
		return 0, fmt.Errorf("apply delta %s/%s: %w", ns, symbol, err)
	}
	return out[symbol], nil
}

// ApplyFills moves positions for every filled fill of the given mode in one
// transaction. Submitted and errored fills never touch the ledger; they are
// confirmed (or not) by reconciliation. Fill IDs make replays harmless.
func (l *Ledger) ApplyFills(ctx context.Context, mode models.Mode, fills []models.Fill) (map[string]float64, error) {
	ns := mode.Namespace()

	deltas := make([]store.Delta, 0, len(fills))
	symbols := make([]string, 0, len(fills))
	for _, f := range fills {
		if f.Status != models.FillStatusFilled {
			continue
		}
		if f.Mode != "" && f.Mode != mode {
			l.logger.WithFields(logrus.Fields{
				"fill_id":   f.ID,
				"fill_mode": f.Mode,
				"mode":      mode,
			}).Warn("Skipping fill from another mode")
			continue
		}
		deltas = append(deltas, store.Delta{FillID: f.ID, Symbol: f.Symbol, Amount: f.Delta()})
		symbols = append(symbols, f.Symbol)
	}
	if len(deltas) == 0 {
		return map[string]float64{}, nil
	}

	unlock := l.lock(ns, symbols)
	defer unlock()

	out, err := l.store.ApplyDeltas(ctx, ns, deltas)
	if err != nil {
		return nil, fmt.Errorf("apply %d fills to %s: %w", len(deltas), ns, err)
	}

	l.logger.WithFields(logrus.Fields{
		"namespace": ns,
		"fills":     len(deltas),
	}).Debug("Applied fills to ledger")
	return out, nil
}

// lock takes the stripes covering symbols in ascending order so two batches
// can never deadlock each other.
func (l *Ledger) lock(ns string, symbols []string) func() {
	idx := make(map[int]struct{}, len(symbols))
	for _, sym := range symbols {
		h := fnv.New32a()
		h.Write([]byte(ns))
		h.Write([]byte{0})
		h.Write([]byte(sym))
		idx[int(h.Sum32()%stripes)] = struct{}{}
	}
	order := make([]int, 0, len(idx))
	for i := range idx {
		order = append(order, i)
	}
	sort.Ints(order)

	for _, i := range order {
		l.locks[i].Lock()
	}
	return func() {
		for j := len(order) - 1; j >= 0; j-- {
			l.locks[order[j]].Unlock()
		}
	}
}
