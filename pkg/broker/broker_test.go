package broker

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gregtusar/tradepipe/pkg/models"
	"github.com/gregtusar/tradepipe/pkg/onetrading"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func testSnapshot() models.Snapshot {
	snap := models.NewSnapshot([]string{"AAPL", "MSFT", "TSLA"}, "paper", time.Now())
	snap.Resolve("AAPL", 100)
	snap.Resolve("MSFT", 200)
	return snap
}

func TestPaperExecutorPricing(t *testing.T) {
	intents := []models.TradeIntent{
		{Symbol: "AAPL", Side: models.OrderSideBuy, Size: 1, Type: models.OrderTypeMarket},
		{Symbol: "TSLA", Side: models.OrderSideSell, Size: 2, Type: models.OrderTypeLimit, LimitPrice: 250},
		{Symbol: "TSLA", Side: models.OrderSideBuy, Size: 1, Type: models.OrderTypeMarket},
	}

	fills, err := NewPaperExecutor(quietLogger()).PlaceOrders(context.Background(), intents, testSnapshot())
	if err != nil {
		t.Fatalf("PlaceOrders: %v", err)
	}
	wantPrices := []float64{100, 250, 0}
	for i, f := range fills {
		if f.Status != models.FillStatusFilled || f.Mode != models.ModePaper {
			t.Errorf("fill %d: %+v", i, f)
		}
		if f.Price != wantPrices[i] {
			t.Errorf("fill %d price = %v, want %v", i, f.Price, wantPrices[i])
		}
		if f.ID == "" {
			t.Errorf("fill %d has no id", i)
		}
	}
}

func TestOneTradingExecutorIsolatesFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		var req onetrading.CreateOrderRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.InstrumentCode == "MSFT" {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error":"INSUFFICIENT_FUNDS"}`))
			return
		}
		if req.TimeInForce != onetrading.ImmediateOrCancelled {
			t.Errorf("market order sent with %s", req.TimeInForce)
		}
		w.Write([]byte(`{"order_id":"OID-` + req.InstrumentCode + `"}`))
	}))
	defer srv.Close()

	client := onetrading.NewClient(srv.URL, onetrading.WithAuthenticator(onetrading.NewAPIKeyAuthenticator("key", "")))
	exec := NewOneTradingExecutor(client, quietLogger(), 2, time.Second)

	intents := []models.TradeIntent{
		{Symbol: "MSFT", Side: models.OrderSideSell, Size: 1, Type: models.OrderTypeMarket},
		{Symbol: "AAPL", Side: models.OrderSideBuy, Size: 1, Type: models.OrderTypeMarket},
		{Symbol: "TSLA", Side: models.OrderSideBuy, Size: 1, Type: models.OrderTypeMarket},
	}
	fills, err := exec.PlaceOrders(context.Background(), intents, testSnapshot())
	if err != nil {
		t.Fatalf("PlaceOrders: %v", err)
	}
	if len(fills) != 3 {
		t.Fatalf("expected 3 fills, got %d", len(fills))
	}
	if fills[0].Status != models.FillStatusError || !strings.Contains(fills[0].Error, "400") {
		t.Errorf("MSFT fill = %+v", fills[0])
	}
	if fills[1].Status != models.FillStatusSubmitted || fills[1].OrderID != "OID-AAPL" {
		t.Errorf("AAPL fill = %+v", fills[1])
	}
	// unpriced market order never reaches the exchange
	if fills[2].Status != models.FillStatusError || fills[2].Error != ErrNoPrice.Error() {
		t.Errorf("TSLA fill = %+v", fills[2])
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("exchange calls = %d, want 2", got)
	}
}

func TestOneTradingExecutorTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	client := onetrading.NewClient(srv.URL, onetrading.WithAuthenticator(onetrading.NewAPIKeyAuthenticator("key", "")))
	exec := NewOneTradingExecutor(client, quietLogger(), 1, 50*time.Millisecond)

	fills, _ := exec.PlaceOrders(context.Background(), []models.TradeIntent{
		{Symbol: "AAPL", Side: models.OrderSideBuy, Size: 1, Type: models.OrderTypeMarket},
	}, testSnapshot())
	if fills[0].Status != models.FillStatusError {
		t.Fatalf("timed out order should be an error fill, got %+v", fills[0])
	}
}

func TestOrderStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/account/orders/done":
			w.Write([]byte(`{"order_id":"done","status":"FILLED_FULLY","filled_amount":"1.5"}`))
		default:
			w.Write([]byte(`{"order_id":"open","status":"OPEN","filled_amount":"0"}`))
		}
	}))
	defer srv.Close()

	client := onetrading.NewClient(srv.URL, onetrading.WithAuthenticator(onetrading.NewAPIKeyAuthenticator("key", "")))
	exec := NewOneTradingExecutor(client, quietLogger(), 1, time.Second)

	filled, final, err := exec.OrderStatus(context.Background(), "done")
	if err != nil || !final || filled != 1.5 {
		t.Fatalf("done = %v, %v, %v", filled, final, err)
	}
	filled, final, err = exec.OrderStatus(context.Background(), "open")
	if err != nil || final || filled != 0 {
		t.Fatalf("open = %v, %v, %v", filled, final, err)
	}
}
