// Package trader drives the pipeline on a timer for long-running processes.
package trader

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gregtusar/tradepipe/pkg/pipeline"
)

// Runner is the part of the coordinator the loop needs.
type Runner interface {
	Run(ctx context.Context, req pipeline.Request) (*pipeline.RunResult, error)
}

type Reconciler interface {
	Reconcile(ctx context.Context) (*pipeline.ReconcileResult, error)
}

// Trader runs the pipeline every RunInterval and, when a reconciler is set,
// reconciles LIVE submissions every ReconcileInterval. Overlap between
// processes is still prevented by the run lock.
type Trader struct {
	runner            Runner
	reconciler        Reconciler
	runInterval       time.Duration
	reconcileInterval time.Duration
	logger            *logrus.Logger
	stopCh            chan struct{}
	stopOnce          sync.Once
	wg                sync.WaitGroup
}

func New(runner Runner, reconciler Reconciler, runInterval, reconcileInterval time.Duration, logger *logrus.Logger) *Trader {
	return &Trader{
		runner:            runner,
		reconciler:        reconciler,
		runInterval:       runInterval,
		reconcileInterval: reconcileInterval,
		logger:            logger,
		stopCh:            make(chan struct{}),
	}
}

func (t *Trader) Start(ctx context.Context) error {
	t.logger.WithFields(logrus.Fields{
		"run_interval":       t.runInterval,
		"reconcile_interval": t.reconcileInterval,
	}).Info("Starting scheduled trader")

	if t.runInterval > 0 {
		t.wg.Add(1)
		go t.loop(ctx, t.runInterval, t.runOnce)
	}
	if t.reconciler != nil && t.reconcileInterval > 0 {
		t.wg.Add(1)
		go t.loop(ctx, t.reconcileInterval, t.reconcileOnce)
	}
	return nil
}

// Stop ends both loops and waits for an in-flight tick to finish.
func (t *Trader) Stop() {
	t.stopOnce.Do(func() {
		t.logger.Info("Stopping scheduled trader")
		close(t.stopCh)
	})
	t.wg.Wait()
}

func (t *Trader) loop(ctx context.Context, every time.Duration, tick func(context.Context)) {
	defer t.wg.Done()
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stopCh:
			return
		case <-ticker.C:
			tick(ctx)
		}
	}
}

func (t *Trader) runOnce(ctx context.Context) {
	res, err := t.runner.Run(ctx, pipeline.Request{})
	if err != nil {
		entry := t.logger.WithError(err).WithField("code", pipeline.CodeOf(err))
		if pipeline.CodeOf(err) == pipeline.CodeLockContention {
			entry.Info("Skipped scheduled run")
			return
		}
		entry.Error("Scheduled run failed")
		return
	}
	t.logger.WithFields(logrus.Fields{
		"run_id": res.RunID,
		"fills":  len(res.Fills),
	}).Info("Scheduled run complete")
}

func (t *Trader) reconcileOnce(ctx context.Context) {
	res, err := t.reconciler.Reconcile(ctx)
	if err != nil {
		t.logger.WithError(err).Error("Reconciliation failed")
		return
	}
	if len(res.Confirmed)+len(res.Cancelled) > 0 {
		t.logger.WithFields(logrus.Fields{
			"confirmed": len(res.Confirmed),
			"cancelled": len(res.Cancelled),
			"pending":   res.Pending,
		}).Info("Reconciled LIVE orders")
	}
}
