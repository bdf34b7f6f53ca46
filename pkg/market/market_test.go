package market

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gregtusar/tradepipe/pkg/models"
)

func TestPaperSource(t *testing.T) {
	src := NewPaperSource(map[string]float64{"aapl": 100, "MSFT": 200})
	snap, err := src.Snapshot(context.Background(), []string{"AAPL", "MSFT", "TSLA"})
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(snap.Prices) != 3 {
		t.Fatalf("every requested symbol must be present: %v", snap.Prices)
	}
	if px, ok := snap.Price("AAPL"); !ok || px != 100 {
		t.Errorf("AAPL = %v, %v", px, ok)
	}
	if px, ok := snap.Price("TSLA"); ok || px != 0 {
		t.Errorf("TSLA = %v, %v; want unresolved 0", px, ok)
	}
	if got := snap.Unresolved(); len(got) != 1 || got[0] != "TSLA" {
		t.Errorf("Unresolved = %v", got)
	}
}

type fakeTickers struct {
	mu     sync.Mutex
	prices map[string]float64
	calls  int
}

func (f *fakeTickers) Ticker(ctx context.Context, sym string) (*models.Ticker, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	px, ok := f.prices[sym]
	if !ok {
		return nil, errors.New("503 service unavailable")
	}
	return &models.Ticker{Symbol: sym, LastPrice: px, Timestamp: time.Now()}, nil
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestOneTradingSourceDegrades(t *testing.T) {
	client := &fakeTickers{prices: map[string]float64{"BTC_EUR": 42000}}
	src := NewOneTradingSource(client, quietLogger(), 2, time.Second)

	snap, err := src.Snapshot(context.Background(), []string{"BTC_EUR", "ETH_EUR"})
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if client.calls != 2 {
		t.Errorf("expected one call per symbol, got %d", client.calls)
	}
	if px, ok := snap.Price("BTC_EUR"); !ok || px != 42000 {
		t.Errorf("BTC_EUR = %v, %v", px, ok)
	}
	if px, ok := snap.Price("ETH_EUR"); ok || px != 0 {
		t.Errorf("ETH_EUR = %v, %v", px, ok)
	}
	if snap.Source != "onetrading:error" {
		t.Errorf("Source = %q", snap.Source)
	}
}

func TestOneTradingSourceAllResolved(t *testing.T) {
	client := &fakeTickers{prices: map[string]float64{"BTC_EUR": 1, "ETH_EUR": 2}}
	snap, err := NewOneTradingSource(client, quietLogger(), 0, 0).Snapshot(context.Background(), []string{"BTC_EUR", "ETH_EUR"})
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.Source != "onetrading" || len(snap.Unresolved()) != 0 {
		t.Errorf("unexpected snapshot %+v", snap)
	}
}

func TestOneTradingSourceUppercasesInstruments(t *testing.T) {
	client := &fakeTickers{prices: map[string]float64{"BTC_EUR": 42000}}
	snap, err := NewOneTradingSource(client, quietLogger(), 1, time.Second).Snapshot(context.Background(), []string{"btc_eur"})
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	// the snapshot keeps the caller's spelling
	if px, ok := snap.Price("btc_eur"); !ok || px != 42000 {
		t.Fatalf("btc_eur = %v, %v", px, ok)
	}
}

func TestNegativePricesStayUnresolved(t *testing.T) {
	paper, _ := NewPaperSource(map[string]float64{"AAPL": -1}).Snapshot(context.Background(), []string{"AAPL"})
	if px, ok := paper.Price("AAPL"); ok || px != 0 {
		t.Errorf("paper AAPL = %v, %v; want unresolved 0", px, ok)
	}

	client := &fakeTickers{prices: map[string]float64{"BTC_EUR": -3}}
	snap, err := NewOneTradingSource(client, quietLogger(), 1, time.Second).Snapshot(context.Background(), []string{"BTC_EUR"})
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if px, ok := snap.Price("BTC_EUR"); ok || px != 0 {
		t.Errorf("BTC_EUR = %v, %v; want unresolved 0", px, ok)
	}
	if snap.Source != "onetrading:error" {
		t.Errorf("Source = %q", snap.Source)
	}
}
