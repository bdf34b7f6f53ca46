// Package pipeline sequences one trading run: lock, snapshot, signal,
// intents, gating, execution, ledger update and notification.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/gregtusar/tradepipe/pkg/broker"
	"github.com/gregtusar/tradepipe/pkg/intent"
	"github.com/gregtusar/tradepipe/pkg/ledger"
	"github.com/gregtusar/tradepipe/pkg/market"
	"github.com/gregtusar/tradepipe/pkg/metrics"
	"github.com/gregtusar/tradepipe/pkg/models"
	"github.com/gregtusar/tradepipe/pkg/notify"
	"github.com/gregtusar/tradepipe/pkg/policy"
	"github.com/gregtusar/tradepipe/pkg/risk"
	"github.com/gregtusar/tradepipe/pkg/runlock"
	"github.com/gregtusar/tradepipe/pkg/signal"
	"github.com/gregtusar/tradepipe/pkg/store"
)

type State string

const (
	StateLocking      State = "Locking"
	StateSnapshotting State = "Snapshotting"
	StateSignaling    State = "Signaling"
	StateIntentGen    State = "IntentGen"
	StateGating       State = "Gating"
	StateExecuting    State = "Executing"
	StateLedgerApply  State = "LedgerApply"
	StateNotifying    State = "Notifying"
	StateDone         State = "Done"
	StateAborted      State = "Aborted"
	// StateFailed marks a run whose fills could not be recorded.
	StateFailed State = "Failed"
)

// Capabilities are the typed collaborators of a run, resolved once.
type Capabilities struct {
	Source   market.Source
	Signals  signal.Engine
	Intents  intent.Generator
	Risk     risk.Gate
	Executor broker.Executor
	Notifier notify.Sink
}

// Settings are the configured defaults a Request may override.
type Settings struct {
	RunKey             string
	LockTTL            time.Duration
	Symbols            []string
	Threshold          *float64
	SizeCap            *float64
	Allowlist          []string
	Window             string
	RefuseUnpricedLive bool
}

// Request carries call-site overrides. Zero values fall back to Settings.
type Request struct {
	RunKey    string   `json:"runKey,omitempty"`
	Symbols   []string `json:"symbols,omitempty"`
	Threshold *float64 `json:"threshold,omitempty"`
	SizeCap   *float64 `json:"sizeCap,omitempty"`
	Allowlist []string `json:"allowlist,omitempty"`
	Window    string   `json:"window,omitempty"`
}

// Notice records one notification attempt.
type Notice struct {
	Event     models.Event `json:"event" yaml:"event"`
	Sink      string       `json:"sink" yaml:"sink"`
	Delivered bool         `json:"delivered" yaml:"delivered"`
	Error     string       `json:"error,omitempty" yaml:"error,omitempty"`
}

type RunResult struct {
	RunID      string               `json:"runId" yaml:"runId"`
	RunKey     string               `json:"runKey" yaml:"runKey"`
	Mode       models.Mode          `json:"mode" yaml:"mode"`
	State      State                `json:"state" yaml:"state"`
	Code       Code                 `json:"code,omitempty" yaml:"code,omitempty"`
	Error      string               `json:"error,omitempty" yaml:"error,omitempty"`
	Snapshot   *models.Snapshot     `json:"snapshot,omitempty" yaml:"snapshot,omitempty"`
	Signal     *models.Signal       `json:"signal,omitempty" yaml:"signal,omitempty"`
	Intents    []models.TradeIntent `json:"intents" yaml:"intents"`
	Approved   []models.TradeIntent `json:"approved" yaml:"approved"`
	Rejected   []models.Rejection   `json:"rejected" yaml:"rejected"`
	Fills      []models.Fill        `json:"fills" yaml:"fills"`
	Positions  map[string]float64   `json:"positions" yaml:"positions"`
	Notices    []Notice             `json:"notices" yaml:"notices"`
	Degraded   []string             `json:"degraded,omitempty" yaml:"degraded,omitempty"`
	StartedAt  time.Time            `json:"startedAt" yaml:"startedAt"`
	FinishedAt time.Time            `json:"finishedAt" yaml:"finishedAt"`
}

// Observer is told about every finished run, aborted ones included.
type Observer func(*RunResult)

type Coordinator struct {
	caps     Capabilities
	settings Settings
	ledger   *ledger.Ledger
	locker   *runlock.Locker
	pending  store.PendingStore
	logger   *logrus.Logger
	now      func() time.Time

	mu        sync.RWMutex
	observers []Observer
}

type Option func(*Coordinator)

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

func New(caps Capabilities, settings Settings, l *ledger.Ledger, locker *runlock.Locker, pending store.PendingStore, logger *logrus.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		caps:     caps,
		settings: settings,
		ledger:   l,
		locker:   locker,
		pending:  pending,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Coordinator) Mode() models.Mode { return c.caps.Executor.Mode() }

func (c *Coordinator) Ledger() *ledger.Ledger { return c.ledger }

// Subscribe registers fn for finished runs.
func (c *Coordinator) Subscribe(fn Observer) {
	c.mu.Lock()
	c.observers = append(c.observers, fn)
	c.mu.Unlock()
}

// Run executes one pipeline run. The result is always non-nil; a non-nil
// error is a *Error whose Code says why the run aborted or failed.
func (c *Coordinator) Run(ctx context.Context, req Request) (*RunResult, error) {
	params := c.resolve(req)
	res := &RunResult{
		RunID:     uuid.NewString(),
		RunKey:    params.RunKey,
		Mode:      c.Mode(),
		State:     StateLocking,
		Intents:   []models.TradeIntent{},
		Approved:  []models.TradeIntent{},
		Rejected:  []models.Rejection{},
		Fills:     []models.Fill{},
		Positions: map[string]float64{},
		Notices:   []Notice{},
		StartedAt: c.now().UTC(),
	}
	log := c.logger.WithFields(logrus.Fields{
		"run_id":  res.RunID,
		"run_key": params.RunKey,
		"mode":    res.Mode,
	})

	err := c.run(ctx, params, res, log)
	res.FinishedAt = c.now().UTC()
	if err != nil {
		var pe *Error
		if errors.As(err, &pe) {
			res.Code = pe.Code
		}
		res.Error = err.Error()
	}

	outcome := strings.ToLower(string(res.State))
	if res.Code != "" {
		outcome = string(res.Code)
	}
	metrics.RunsTotal.WithLabelValues(string(res.Mode), outcome).Inc()
	metrics.RunDuration.WithLabelValues(string(res.Mode)).Observe(res.FinishedAt.Sub(res.StartedAt).Seconds())

	c.mu.RLock()
	observers := append([]Observer(nil), c.observers...)
	c.mu.RUnlock()
	for _, fn := range observers {
		fn(res)
	}
	return res, err
}

func (c *Coordinator) resolve(req Request) Settings {
	p := c.settings
	if req.RunKey != "" {
		p.RunKey = req.RunKey
	}
	if len(req.Symbols) > 0 {
		p.Symbols = req.Symbols
	}
	if req.Threshold != nil {
		p.Threshold = req.Threshold
	}
	if req.SizeCap != nil {
		p.SizeCap = req.SizeCap
	}
	if req.Allowlist != nil {
		p.Allowlist = req.Allowlist
	}
	if req.Window != "" {
		p.Window = req.Window
	}
	return p
}

func (c *Coordinator) abort(res *RunResult, code Code, err error) error {
	stage := res.State
	res.State = StateAborted
	return &Error{Code: code, Stage: stage, Err: err}
}

func (c *Coordinator) run(ctx context.Context, p Settings, res *RunResult, log *logrus.Entry) error {
	lease, err := c.locker.TryAcquire(ctx, p.RunKey, p.LockTTL)
	switch {
	case errors.Is(err, runlock.ErrInvalidTTL):
		return c.abort(res, CodeConfig, err)
	case err != nil:
		return c.abort(res, CodeLockUnavailable, err)
	case lease == nil:
		metrics.LockContention.Inc()
		return c.abort(res, CodeLockContention, ErrLockHeld)
	}
	// the lease is never released; it expires after LockTTL
	log.WithField("lock_expires", lease.Expires).Debug("Run lock held")

	res.State = StateSnapshotting
	if len(p.Symbols) == 0 {
		return c.abort(res, CodeConfig, errors.New("no symbols configured"))
	}
	snap, err := c.caps.Source.Snapshot(ctx, p.Symbols)
	if err != nil {
		return c.abort(res, CodeSnapshot, err)
	}
	res.Snapshot = &snap
	res.Degraded = snap.Unresolved()
	if len(res.Degraded) > 0 {
		log.WithField("symbols", res.Degraded).Warn("Snapshot degraded to unresolved prices")
	}

	res.State = StateSignaling
	sig := c.caps.Signals.Compute(snap)
	res.Signal = &sig

	res.State = StateIntentGen
	intents, err := c.caps.Intents.Generate(sig, p.Threshold)
	if err != nil {
		if errors.Is(err, intent.ErrMissingThreshold) {
			return c.abort(res, CodeConfig, err)
		}
		return c.abort(res, CodeValidation, err)
	}
	res.Intents = append(res.Intents, intents...)

	res.State = StateGating
	if err := c.gate(p, snap, res); err != nil {
		return err
	}
	for _, r := range res.Rejected {
		metrics.RejectionsTotal.WithLabelValues(r.Reason).Inc()
	}
	log.WithFields(logrus.Fields{
		"intents":  len(res.Intents),
		"approved": len(res.Approved),
		"rejected": len(res.Rejected),
	}).Info("Gating complete")

	res.State = StateExecuting
	res.Fills = c.execute(ctx, res.Approved, snap, log)

	res.State = StateLedgerApply
	if err := c.record(ctx, res, log); err != nil {
		res.State = StateFailed
		log.WithError(err).Error("Fills were reported but not recorded; reconcile the ledger")
		return &Error{Code: CodeLedgerWrite, Stage: StateLedgerApply, Err: err}
	}

	res.State = StateNotifying
	res.Notices = c.notify(ctx, res, log)

	res.State = StateDone
	log.WithField("fills", len(res.Fills)).Info("Run complete")
	return nil
}

// gate applies policy, then risk, then the unpriced LIVE guard.
func (c *Coordinator) gate(p Settings, snap models.Snapshot, res *RunResult) error {
	if p.SizeCap == nil {
		return c.abort(res, CodeConfig, risk.ErrMissingSizeCap)
	}

	symbols := make([]string, len(res.Intents))
	for i, in := range res.Intents {
		symbols[i] = in.Symbol
	}
	allowed, err := policy.FilterSymbols(symbols, p.Allowlist)
	if err != nil {
		return c.abort(res, CodeConfig, err)
	}
	allowedSet := make(map[string]struct{}, len(allowed))
	for _, s := range allowed {
		allowedSet[s] = struct{}{}
	}

	windowOpen := true
	if p.Window != "" {
		windowOpen, err = policy.WindowOpen(c.now(), p.Window)
		if err != nil {
			return c.abort(res, CodeConfig, err)
		}
	}

	var candidates []models.TradeIntent
	for _, in := range res.Intents {
		switch {
		case !contains(allowedSet, in.Symbol):
			res.Rejected = append(res.Rejected, models.Rejection{Intent: in, Reason: models.ReasonSymbolNotAllowed})
		case !windowOpen:
			res.Rejected = append(res.Rejected, models.Rejection{Intent: in, Reason: models.ReasonWindowClosed})
		default:
			candidates = append(candidates, in)
		}
	}

	decision, err := c.caps.Risk.Evaluate(candidates, p.SizeCap)
	if err != nil {
		return c.abort(res, CodeConfig, err)
	}
	res.Rejected = append(res.Rejected, decision.Rejected...)

	for _, in := range decision.Approved {
		if c.Mode() == models.ModeLive && p.RefuseUnpricedLive && in.Type == models.OrderTypeMarket {
			if _, ok := snap.Price(in.Symbol); !ok {
				res.Rejected = append(res.Rejected, models.Rejection{Intent: in, Reason: models.ReasonUnresolvedPrice})
				continue
			}
		}
		res.Approved = append(res.Approved, in)
	}
	return nil
}

func contains(set map[string]struct{}, s string) bool {
	_, ok := set[s]
	return ok
}

// execute never fails the run: an executor error turns every approved
// intent into an error fill.
func (c *Coordinator) execute(ctx context.Context, approved []models.TradeIntent, snap models.Snapshot, log *logrus.Entry) []models.Fill {
	if len(approved) == 0 {
		return []models.Fill{}
	}
	fills, err := c.caps.Executor.PlaceOrders(ctx, approved, snap)
	if err != nil {
		log.WithError(err).Error("Executor failed, recording error fills")
		fills = make([]models.Fill, len(approved))
		for i, in := range approved {
			fills[i] = models.Fill{
				ID:     uuid.NewString(),
				Symbol: in.Symbol,
				Side:   in.Side,
				Size:   in.Size,
				Status: models.FillStatusError,
				Mode:   c.Mode(),
				Error:  err.Error(),
			}
		}
	}
	for _, f := range fills {
		metrics.OrdersTotal.WithLabelValues(string(f.Mode), string(f.Side), string(f.Status)).Inc()
	}
	return fills
}

// record is the only durable mutation of a run: confirmed fills move the
// ledger, submitted ones are parked for reconciliation.
func (c *Coordinator) record(ctx context.Context, res *RunResult, log *logrus.Entry) error {
	mode := res.Mode

	if _, err := c.ledger.ApplyFills(ctx, mode, res.Fills); err != nil {
		return err
	}

	var submitted []models.Fill
	for _, f := range res.Fills {
		if f.Status == models.FillStatusSubmitted {
			submitted = append(submitted, f)
		}
	}
	if len(submitted) > 0 {
		if c.pending == nil {
			return fmt.Errorf("%d submitted fills but no pending store", len(submitted))
		}
		if err := c.pending.SavePending(ctx, mode.Namespace(), submitted); err != nil {
			return fmt.Errorf("save pending fills: %w", err)
		}
		log.WithField("pending", len(submitted)).Info("Submitted orders awaiting confirmation")
	}

	positions, err := c.ledger.GetAll(ctx, mode)
	if err != nil {
		// the write committed; only the read-back failed
		log.WithError(err).Warn("Failed to read positions after update")
		return nil
	}
	res.Positions = positions
	return nil
}

func (c *Coordinator) notify(ctx context.Context, res *RunResult, log *logrus.Entry) []Notice {
	var events []models.Event
	for _, f := range res.Fills {
		switch f.Status {
		case models.FillStatusFilled:
			typ := models.EventBought
			if f.Side == models.OrderSideSell {
				typ = models.EventSold
			}
			events = append(events, notify.NewEvent(typ, f.Symbol,
				fmt.Sprintf("%s %g %s @ %g (%s)", f.Side, f.Size, f.Symbol, f.Price, f.Mode)))
		case models.FillStatusSubmitted:
			events = append(events, notify.NewEvent(models.EventHold, f.Symbol,
				fmt.Sprintf("%s %g %s submitted as order %s, awaiting confirmation", f.Side, f.Size, f.Symbol, f.OrderID)))
		default:
			events = append(events, notify.NewEvent(models.EventHold, f.Symbol,
				fmt.Sprintf("%s %g %s failed: %s", f.Side, f.Size, f.Symbol, f.Error)))
		}
	}
	if len(events) == 0 {
		events = append(events, notify.NewEvent(models.EventHold, "No trades",
			fmt.Sprintf("%d intents, %d rejected", len(res.Intents), len(res.Rejected))))
	}

	notices := make([]Notice, 0, len(events))
	for _, ev := range events {
		n := Notice{Event: ev, Sink: c.caps.Notifier.Name(), Delivered: true}
		if err := c.caps.Notifier.Notify(ctx, ev); err != nil {
			n.Delivered = false
			n.Error = err.Error()
			metrics.NotifyFailures.WithLabelValues(n.Sink).Inc()
			log.WithError(err).WithField("event_id", ev.ID).Warn("Notification not delivered")
		}
		notices = append(notices, n)
	}
	return notices
}
