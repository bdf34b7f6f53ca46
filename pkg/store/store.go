// Package store persists positions, run locks and pending LIVE submissions.
//
// Two backends implement Store:
//   - SQLite (default): a single file shared by every process on the host.
//   - PostgreSQL: shared across hosts.
//
// All mutations are single atomic statements or transactions so that callers
// in different processes never observe a lost update.
package store

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/gregtusar/tradepipe/pkg/models"
)

var ErrClosed = errors.New("store is closed")

// Delta is one signed position change. A non-empty FillID makes the change
// idempotent: a second delta carrying the same FillID in the same namespace is
// skipped.
type Delta struct {
	FillID string
	Symbol string
	Amount float64
}

type PositionStore interface {
	Position(ctx context.Context, namespace, symbol string) (float64, error)
	Positions(ctx context.Context, namespace string) (map[string]float64, error)
	// ApplyDeltas commits every delta in one transaction and returns the new
	// quantity of each touched symbol.
	ApplyDeltas(ctx context.Context, namespace string, deltas []Delta) (map[string]float64, error)
}

type LockStore interface {
	// AcquireLock writes {expires, token} for key unless an unexpired record
	// exists at now. The check and the write are a single statement.
	AcquireLock(ctx context.Context, key string, now, expires time.Time, token string) (bool, error)
}

type PendingStore interface {
	SavePending(ctx context.Context, namespace string, fills []models.Fill) error
	ListPending(ctx context.Context, namespace string) ([]models.Fill, error)
	DeletePending(ctx context.Context, namespace, fillID string) error
}

type Store interface {
	PositionStore
	LockStore
	PendingStore
	Close() error
}

// lockOrder returns deltas sorted by symbol, fill order kept within a symbol.
// Writers that touch rows in the same order cannot deadlock each other.
func lockOrder(deltas []Delta) []Delta {
	out := append([]Delta(nil), deltas...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}
