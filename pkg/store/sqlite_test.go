package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gregtusar/tradepipe/pkg/models"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStore_ApplyDeltas(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	got, err := s.ApplyDeltas(ctx, "pos:paper", []Delta{
		{Symbol: "AAPL", Amount: 2},
		{Symbol: "MSFT", Amount: -1},
		{Symbol: "AAPL", Amount: -0.5},
	})
	if err != nil {
		t.Fatalf("ApplyDeltas: %v", err)
	}
	if got["AAPL"] != 1.5 || got["MSFT"] != -1 {
		t.Fatalf("unexpected result: %v", got)
	}

	qty, err := s.Position(ctx, "pos:paper", "AAPL")
	if err != nil {
		t.Fatalf("Position: %v", err)
	}
	if qty != 1.5 {
		t.Errorf("Position(AAPL) = %v, want 1.5", qty)
	}

	missing, err := s.Position(ctx, "pos:paper", "TSLA")
	if err != nil || missing != 0 {
		t.Errorf("Position(TSLA) = %v, %v; want 0, nil", missing, err)
	}
}

func TestSQLiteStore_ApplyDeltasIdempotentByFillID(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	deltas := []Delta{{FillID: "F-1", Symbol: "BTC_EUR", Amount: 3}}
	if _, err := s.ApplyDeltas(ctx, "pos:live", deltas); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	got, err := s.ApplyDeltas(ctx, "pos:live", deltas)
	if err != nil {
		t.Fatalf("second apply: %v", err)
	}
	if got["BTC_EUR"] != 3 {
		t.Fatalf("replayed fill changed position: %v", got)
	}

	// the same fill id in another namespace is a different fill
	if _, err := s.ApplyDeltas(ctx, "pos:paper", deltas); err != nil {
		t.Fatalf("paper apply: %v", err)
	}
	paper, _ := s.Position(ctx, "pos:paper", "BTC_EUR")
	if paper != 3 {
		t.Errorf("paper position = %v, want 3", paper)
	}
}

func TestSQLiteStore_AcquireLock(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)

	ok, err := s.AcquireLock(ctx, "run", now, now.Add(time.Minute), "a")
	if err != nil || !ok {
		t.Fatalf("first acquire = %v, %v", ok, err)
	}
	ok, err = s.AcquireLock(ctx, "run", now.Add(30*time.Second), now.Add(90*time.Second), "b")
	if err != nil || ok {
		t.Fatalf("acquire while held = %v, %v", ok, err)
	}
	ok, err = s.AcquireLock(ctx, "run", now.Add(time.Minute), now.Add(2*time.Minute), "c")
	if err != nil || !ok {
		t.Fatalf("acquire after expiry = %v, %v", ok, err)
	}

	var token string
	if err := s.db.QueryRowContext(ctx, "SELECT token FROM run_locks WHERE lock_key = ?", "run").Scan(&token); err != nil {
		t.Fatalf("read lock record: %v", err)
	}
	if token != "c" {
		t.Fatalf("lock token = %q, want c", token)
	}
}

func TestSQLiteStore_ConcurrentDeltas(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.ApplyDeltas(ctx, "pos:paper", []Delta{{Symbol: "ETH_EUR", Amount: 1}}); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent apply: %v", err)
	}

	qty, _ := s.Position(ctx, "pos:paper", "ETH_EUR")
	if qty != n {
		t.Errorf("Position = %v, want %d", qty, n)
	}
}

func TestSQLiteStore_PendingFills(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	fills := []models.Fill{
		{ID: "F-1", OrderID: "o-1", Symbol: "BTC_EUR", Side: models.OrderSideBuy, Size: 1, Price: 100, Mode: models.ModeLive},
		{ID: "F-2", OrderID: "o-2", Symbol: "ETH_EUR", Side: models.OrderSideSell, Size: 2, Price: 10, Mode: models.ModeLive},
	}
	if err := s.SavePending(ctx, "pos:live", fills); err != nil {
		t.Fatalf("SavePending: %v", err)
	}
	// saving twice must not duplicate
	if err := s.SavePending(ctx, "pos:live", fills[:1]); err != nil {
		t.Fatalf("SavePending again: %v", err)
	}

	pending, err := s.ListPending(ctx, "pos:live")
	if err != nil {
		t.Fatalf("ListPending: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending fills, got %d", len(pending))
	}
	if pending[0].Status != models.FillStatusSubmitted || pending[0].OrderID != "o-1" {
		t.Errorf("unexpected pending fill: %+v", pending[0])
	}

	if err := s.DeletePending(ctx, "pos:live", "F-1"); err != nil {
		t.Fatalf("DeletePending: %v", err)
	}
	pending, _ = s.ListPending(ctx, "pos:live")
	if len(pending) != 1 || pending[0].ID != "F-2" {
		t.Errorf("unexpected pending after delete: %+v", pending)
	}
}

func TestLockOrder(t *testing.T) {
	in := []Delta{
		{FillID: "1", Symbol: "MSFT", Amount: 1},
		{FillID: "2", Symbol: "AAPL", Amount: 2},
		{FillID: "3", Symbol: "MSFT", Amount: 3},
		{FillID: "4", Symbol: "AAPL", Amount: 4},
	}
	got := lockOrder(in)

	want := []string{"2", "4", "1", "3"}
	for i, d := range got {
		if d.FillID != want[i] {
			t.Fatalf("order = %+v, want fill ids %v", got, want)
		}
	}
	if in[0].FillID != "1" {
		t.Fatalf("input slice was reordered")
	}
}
