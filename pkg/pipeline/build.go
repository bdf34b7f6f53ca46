package pipeline

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/gregtusar/tradepipe/internal/config"
	"github.com/gregtusar/tradepipe/pkg/broker"
	"github.com/gregtusar/tradepipe/pkg/intent"
	"github.com/gregtusar/tradepipe/pkg/ledger"
	"github.com/gregtusar/tradepipe/pkg/market"
	"github.com/gregtusar/tradepipe/pkg/models"
	"github.com/gregtusar/tradepipe/pkg/notify"
	"github.com/gregtusar/tradepipe/pkg/onetrading"
	"github.com/gregtusar/tradepipe/pkg/risk"
	"github.com/gregtusar/tradepipe/pkg/runlock"
	"github.com/gregtusar/tradepipe/pkg/signal"
	"github.com/gregtusar/tradepipe/pkg/store"
)

// Build resolves the configured capability names into a coordinator. Names
// are looked up here once; runs only see typed values.
func Build(cfg *config.Config, st store.Store, logger *logrus.Logger) (*Coordinator, error) {
	mode, err := models.ParseMode(cfg.Mode)
	if err != nil {
		return nil, &Error{Code: CodeConfig, Stage: StateLocking, Err: err}
	}

	caps, err := BuildCapabilities(cfg, mode, logger)
	if err != nil {
		return nil, &Error{Code: CodeConfig, Stage: StateLocking, Err: err}
	}

	settings := Settings{
		RunKey:             cfg.Run.Key,
		LockTTL:            cfg.Run.LockTTL,
		Symbols:            cfg.Symbols,
		Threshold:          cfg.Signal.Threshold,
		SizeCap:            cfg.Risk.SizeCap,
		Allowlist:          cfg.Policy.Allowlist,
		Window:             cfg.Policy.Window,
		RefuseUnpricedLive: cfg.Pipeline.RefuseUnpricedLive,
	}

	return New(caps, settings,
		ledger.New(st, logger),
		runlock.New(st, logger),
		st,
		logger,
	), nil
}

func BuildCapabilities(cfg *config.Config, mode models.Mode, logger *logrus.Logger) (Capabilities, error) {
	var caps Capabilities

	client := NewOneTradingClient(cfg)

	switch cfg.Snapshot.Source {
	case "", "paper":
		caps.Source = market.NewPaperSource(cfg.Snapshot.PaperPrices)
	case "onetrading":
		caps.Source = market.NewOneTradingSource(client, logger, cfg.Snapshot.Concurrency, cfg.Snapshot.Timeout)
	default:
		return caps, fmt.Errorf("unknown snapshot source %q", cfg.Snapshot.Source)
	}

	engine, err := signal.New(cfg.Signal.Engine, cfg.Signal.FixedScores)
	if err != nil {
		return caps, err
	}
	caps.Signals = engine
	caps.Intents = intent.NewThresholdGenerator()
	caps.Risk = risk.SizeCapGate{}

	switch mode {
	case models.ModePaper:
		caps.Executor = broker.NewPaperExecutor(logger)
	case models.ModeLive:
		if cfg.Broker.APIKey == "" {
			return caps, fmt.Errorf("LIVE mode needs broker.api_key or ONETRADING_API_KEY")
		}
		caps.Executor = broker.NewOneTradingExecutor(client, logger, cfg.Broker.Concurrency, cfg.Broker.Timeout)
	}

	sink, err := notify.New(cfg.Notify.Method, cfg.Notify.Telegram, logger)
	if err != nil {
		return caps, err
	}
	caps.Notifier = sink
	return caps, nil
}

// NewOneTradingClient builds the exchange client shared by snapshots,
// order placement and reconciliation.
func NewOneTradingClient(cfg *config.Config) *onetrading.Client {
	opts := []onetrading.Option{
		onetrading.WithRateLimit(cfg.Snapshot.RatePerSec, cfg.Snapshot.Concurrency),
	}
	if cfg.Broker.APIKey != "" {
		opts = append(opts, onetrading.WithAuthenticator(
			onetrading.NewAPIKeyAuthenticator(cfg.Broker.APIKey, cfg.Broker.Passphrase)))
	}
	return onetrading.NewClient(cfg.Broker.BaseURL, opts...)
}
