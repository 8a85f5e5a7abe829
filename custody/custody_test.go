package custody

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"

	"escrowflow/audit"
	"escrowflow/authz"
	"escrowflow/escrow"
	"escrowflow/store"
	"escrowflow/transfer"
)

type fixture struct {
	store   *store.Memory
	ledger  *transfer.Ledger
	audit   *audit.Log
	custody *Custody
	denied  map[string]bool
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:  store.NewMemory(),
		ledger: transfer.NewLedger(),
		denied: map[string]bool{},
	}
	logger := zaptest.NewLogger(t)
	f.audit = audit.New(f.store, nil, logger)
	verifier := authz.VerifierFunc(func(_ context.Context, call authz.Call) error {
		if f.denied[call.Principal] {
			return authz.ErrUnauthorized
		}
		return nil
	})
	f.custody = New(f.store, f.ledger, verifier, f.audit, "escrow", logger)
	if err := f.ledger.Mint("USD", "buyer", escrow.NewAmount(1000)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	return f
}

func (f *fixture) seed(t *testing.T, id string, amount int64, state escrow.TransactionState) escrow.Transaction {
	t.Helper()
	tr := escrow.Transaction{ID: id, Buyer: "buyer", Seller: "seller", Amount: escrow.NewAmount(amount), Token: "USD", State: state}
	err := f.store.Update(context.Background(), id, func(ctx context.Context, tx store.Txn) error {
		if err := store.InsertAgreement(ctx, tx, escrow.Agreement{ID: id, Buyer: tr.Buyer, Seller: tr.Seller, Amount: tr.Amount, State: state}); err != nil {
			return err
		}
		return store.InsertTransaction(ctx, tx, tr)
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	return tr
}

func (f *fixture) state(t *testing.T, id string) escrow.TransactionState {
	t.Helper()
	var st escrow.TransactionState
	_ = f.store.View(context.Background(), id, func(ctx context.Context, tx store.Txn) error {
		tr, err := store.GetTransaction(ctx, tx)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		a, err := store.GetAgreement(ctx, tx)
		if err != nil {
			t.Fatalf("get agreement: %v", err)
		}
		if a.State != tr.State {
			t.Fatalf("agreement state %s diverged from transaction %s", a.State, tr.State)
		}
		st = tr.State
		return nil
	})
	return st
}

func (f *fixture) actions(t *testing.T, id string) []string {
	t.Helper()
	entries, err := f.audit.GetAuditLogs(context.Background(), id)
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Action)
	}
	return out
}

func TestDepositThenRelease(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tr := f.seed(t, "tx-1", 400, escrow.StateSetup)

	if err := f.custody.DepositFunds(ctx, tr); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if got := f.state(t, "tx-1"); got != escrow.StateDeposit {
		t.Fatalf("state = %s, want deposit", got)
	}
	if got := f.ledger.Balance("USD", "escrow"); !got.Equal(escrow.NewAmount(400)) {
		t.Fatalf("custody balance = %s, want 400", got)
	}

	if err := f.custody.DepositFunds(ctx, tr); !errors.Is(err, escrow.ErrInvalidTransactionState) {
		t.Fatalf("second deposit: expected invalid state, got %v", err)
	}

	if err := f.custody.ReleaseFunds(ctx, tr); err != nil {
		t.Fatalf("release: %v", err)
	}
	if got := f.state(t, "tx-1"); got != escrow.StateComplete {
		t.Fatalf("state = %s, want complete", got)
	}
	if got := f.ledger.Balance("USD", "seller"); !got.Equal(escrow.NewAmount(400)) {
		t.Fatalf("seller balance = %s, want 400", got)
	}
	if got := f.ledger.Balance("USD", "escrow"); !got.IsZero() {
		t.Fatalf("custody balance = %s, want 0", got)
	}

	if err := f.custody.ReleaseFunds(ctx, tr); !errors.Is(err, escrow.ErrInvalidTransactionState) {
		t.Fatalf("release on complete: expected invalid state, got %v", err)
	}

	got := f.actions(t, "tx-1")
	if len(got) != 2 || got[0] != escrow.ActionDepositFunds || got[1] != escrow.ActionReleaseFunds {
		t.Fatalf("unexpected audit trail %v", got)
	}
}

func TestReleaseRequiresDeposit(t *testing.T) {
	f := newFixture(t)
	tr := f.seed(t, "tx-1", 100, escrow.StateSetup)
	if err := f.custody.ReleaseFunds(context.Background(), tr); !errors.Is(err, escrow.ErrInvalidTransactionState) {
		t.Fatalf("expected invalid state, got %v", err)
	}
}

func TestDepositUsesStoredStateNotCaller(t *testing.T) {
	f := newFixture(t)
	tr := f.seed(t, "tx-1", 100, escrow.StateDeposit)
	tr.State = escrow.StateSetup // stale copy held by the caller
	if err := f.custody.DepositFunds(context.Background(), tr); !errors.Is(err, escrow.ErrInvalidTransactionState) {
		t.Fatalf("expected invalid state, got %v", err)
	}
}

func TestDepositUnauthorized(t *testing.T) {
	f := newFixture(t)
	f.denied["buyer"] = true
	tr := f.seed(t, "tx-1", 100, escrow.StateSetup)

	err := f.custody.DepositFunds(context.Background(), tr)
	if !errors.Is(err, escrow.ErrUnauthorized) || !errors.Is(err, authz.ErrUnauthorized) {
		t.Fatalf("expected unauthorized with cause preserved, got %v", err)
	}
	if got := f.state(t, "tx-1"); got != escrow.StateSetup {
		t.Fatalf("state = %s, want setup", got)
	}
	if got := f.ledger.Balance("USD", "buyer"); !got.Equal(escrow.NewAmount(1000)) {
		t.Fatalf("funds moved on unauthorized call: %s", got)
	}
}

func TestDepositInsufficientFundsIsAllOrNothing(t *testing.T) {
	f := newFixture(t)
	tr := f.seed(t, "tx-1", 5000, escrow.StateSetup)

	err := f.custody.DepositFunds(context.Background(), tr)
	if !errors.Is(err, escrow.ErrInsufficientFunds) || !errors.Is(err, transfer.ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
	if got := f.state(t, "tx-1"); got != escrow.StateSetup {
		t.Fatalf("state = %s, want setup", got)
	}
	if got := f.actions(t, "tx-1"); len(got) != 0 {
		t.Fatalf("audit written for failed deposit: %v", got)
	}
}

func TestDepositMissingTransaction(t *testing.T) {
	f := newFixture(t)
	err := f.custody.DepositFunds(context.Background(), escrow.Transaction{ID: "nope"})
	if !errors.Is(err, escrow.ErrTransactionNotFound) {
		t.Fatalf("expected transaction not found, got %v", err)
	}
}

func TestSettle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tr := f.seed(t, "tx-1", 300, escrow.StateSetup)
	if err := f.custody.DepositFunds(ctx, tr); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	if err := f.custody.Settle(ctx, tr, "buyer"); !errors.Is(err, escrow.ErrInvalidTransactionState) {
		t.Fatalf("settle outside dispute: expected invalid state, got %v", err)
	}

	err := f.store.Update(ctx, "tx-1", func(ctx context.Context, tx store.Txn) error {
		_, err := store.Advance(ctx, tx, escrow.StateDispute)
		return err
	})
	if err != nil {
		t.Fatalf("advance to dispute: %v", err)
	}

	if err := f.custody.Settle(ctx, tr, "stranger"); !errors.Is(err, escrow.ErrInvalidInput) {
		t.Fatalf("expected invalid payee, got %v", err)
	}
	if err := f.custody.Settle(ctx, tr, "buyer"); err != nil {
		t.Fatalf("settle: %v", err)
	}
	if got := f.ledger.Balance("USD", "buyer"); !got.Equal(escrow.NewAmount(1000)) {
		t.Fatalf("refund not applied, buyer holds %s", got)
	}
	if got := f.state(t, "tx-1"); got != escrow.StateComplete {
		t.Fatalf("state = %s, want complete", got)
	}
	if got := f.actions(t, "tx-1"); len(got) != 1 {
		t.Fatalf("settle must not audit on its own, got %v", got)
	}
}

func TestConcurrentDepositsSucceedOnce(t *testing.T) {
	f := newFixture(t)
	tr := f.seed(t, "tx-1", 100, escrow.StateSetup)

	var wins atomic.Int32
	var g errgroup.Group
	for i := 0; i < 20; i++ {
		g.Go(func() error {
			err := f.custody.DepositFunds(context.Background(), tr)
			switch {
			case err == nil:
				wins.Add(1)
				return nil
			case errors.Is(err, escrow.ErrInvalidTransactionState):
				return nil
			default:
				return err
			}
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if wins.Load() != 1 {
		t.Fatalf("expected one successful deposit, got %d", wins.Load())
	}
	if got := f.ledger.Balance("USD", "buyer"); !got.Equal(escrow.NewAmount(900)) {
		t.Fatalf("buyer debited more than once: %s", got)
	}
	if got := f.actions(t, "tx-1"); len(got) != 1 {
		t.Fatalf("expected one audit entry, got %v", got)
	}
}
