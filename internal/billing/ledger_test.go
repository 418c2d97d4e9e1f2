package billing_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/basket/datakiln/internal/billing"
	"github.com/basket/datakiln/internal/persistence"
)

func openTestLedger(t *testing.T) *billing.Ledger {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "datakiln.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return billing.New(store.DB())
}

func TestEnsureOwnerSeedsOnce(t *testing.T) {
	ledger := openTestLedger(t)
	ctx := context.Background()

	if err := ledger.EnsureOwner(ctx, "alice", 100); err != nil {
		t.Fatalf("provision: %v", err)
	}
	// Second call must not top the balance back up.
	if err := ledger.EnsureOwner(ctx, "alice", 100); err != nil {
		t.Fatalf("reprovision: %v", err)
	}
	if err := ledger.Debit(ctx, "alice", "t1", 30); err != nil {
		t.Fatalf("debit: %v", err)
	}
	if err := ledger.EnsureOwner(ctx, "alice", 100); err != nil {
		t.Fatalf("reprovision after debit: %v", err)
	}

	balance, err := ledger.Balance(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if balance != 70 {
		t.Errorf("balance = %d, want 70", balance)
	}
}

func TestDebitInsufficientCredits(t *testing.T) {
	ledger := openTestLedger(t)
	ctx := context.Background()

	if err := ledger.EnsureOwner(ctx, "alice", 5); err != nil {
		t.Fatal(err)
	}
	err := ledger.Debit(ctx, "alice", "t1", 10)
	if !errors.Is(err, billing.ErrInsufficientCredits) {
		t.Fatalf("err = %v, want ErrInsufficientCredits", err)
	}

	// Balance untouched by the failed charge.
	balance, err := ledger.Balance(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if balance != 5 {
		t.Errorf("balance = %d, want 5", balance)
	}
}

func TestDebitUnknownOwner(t *testing.T) {
	ledger := openTestLedger(t)
	if err := ledger.Debit(context.Background(), "nobody", "t1", 1); !errors.Is(err, billing.ErrUnknownOwner) {
		t.Fatalf("err = %v, want ErrUnknownOwner", err)
	}
	if _, err := ledger.Balance(context.Background(), "nobody"); !errors.Is(err, billing.ErrUnknownOwner) {
		t.Fatalf("balance err = %v, want ErrUnknownOwner", err)
	}
}

func TestConcurrentDebitsNeverOverdraw(t *testing.T) {
	ledger := openTestLedger(t)
	ctx := context.Background()

	if err := ledger.EnsureOwner(ctx, "alice", 50); err != nil {
		t.Fatal(err)
	}

	// 10 racers each charging 10 against a balance of 50: exactly 5
	// can win.
	var wg sync.WaitGroup
	var mu sync.Mutex
	var succeeded int
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := ledger.Debit(ctx, "alice", "t", 10)
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
				return
			}
			if !errors.Is(err, billing.ErrInsufficientCredits) {
				t.Errorf("unexpected debit error: %v", err)
			}
		}()
	}
	wg.Wait()

	if succeeded != 5 {
		t.Errorf("%d debits succeeded, want 5", succeeded)
	}
	balance, err := ledger.Balance(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if balance != 0 {
		t.Errorf("balance = %d, want 0", balance)
	}
}

func TestCreditAndHistory(t *testing.T) {
	ledger := openTestLedger(t)
	ctx := context.Background()

	if err := ledger.EnsureOwner(ctx, "alice", 10); err != nil {
		t.Fatal(err)
	}
	if err := ledger.Credit(ctx, "alice", 40, ""); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if err := ledger.Debit(ctx, "alice", "t1", 25); err != nil {
		t.Fatalf("debit: %v", err)
	}

	balance, err := ledger.Balance(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if balance != 25 {
		t.Errorf("balance = %d, want 25", balance)
	}

	history, err := ledger.History(ctx, "alice", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 3 {
		t.Fatalf("history entries = %d, want 3", len(history))
	}
	// Newest first.
	if history[0].Reason != billing.ReasonToolCharge || history[0].Delta != -25 {
		t.Errorf("latest entry = %+v", history[0])
	}
	if history[0].TaskID != "t1" {
		t.Errorf("latest entry task_id = %q", history[0].TaskID)
	}
}

func TestCreditRejectsNonPositive(t *testing.T) {
	ledger := openTestLedger(t)
	ctx := context.Background()
	if err := ledger.EnsureOwner(ctx, "alice", 10); err != nil {
		t.Fatal(err)
	}
	if err := ledger.Credit(ctx, "alice", 0, ""); err == nil {
		t.Error("zero credit accepted")
	}
	if err := ledger.Credit(ctx, "alice", -5, ""); err == nil {
		t.Error("negative credit accepted")
	}
}

func TestDebitOnceChargesExactlyOnce(t *testing.T) {
	ledger := openTestLedger(t)
	ctx := context.Background()
	if err := ledger.EnsureOwner(ctx, "alice", 100); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		if err := ledger.DebitOnce(ctx, "alice", "t1", 30); err != nil {
			t.Fatalf("debit attempt %d: %v", i, err)
		}
	}

	balance, err := ledger.Balance(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if balance != 70 {
		t.Errorf("balance = %d, want 70", balance)
	}

	history, err := ledger.History(ctx, "alice", 10)
	if err != nil {
		t.Fatal(err)
	}
	charges := 0
	for _, e := range history {
		if e.Reason == billing.ReasonToolCharge && e.TaskID == "t1" {
			charges++
		}
	}
	if charges != 1 {
		t.Errorf("charge entries = %d, want 1", charges)
	}

	// A different task still charges.
	if err := ledger.DebitOnce(ctx, "alice", "t2", 80); err != billing.ErrInsufficientCredits {
		t.Errorf("second task debit err = %v, want ErrInsufficientCredits", err)
	}
}
