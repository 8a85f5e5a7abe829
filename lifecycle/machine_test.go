package lifecycle

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"

	"escrowflow/agreement"
	"escrowflow/audit"
	"escrowflow/authz"
	"escrowflow/clock"
	"escrowflow/custody"
	"escrowflow/dispute"
	"escrowflow/escrow"
	"escrowflow/store"
	"escrowflow/transfer"
)

const (
	secret = "test-secret"
	start  = clock.Timestamp(1_700_000_000)
)

type system struct {
	store    *store.Memory
	ledger   *transfer.Ledger
	audit    *audit.Log
	registry *agreement.Registry
	custody  *custody.Custody
	disputes *dispute.Arbitration
	confirms *Confirmations
	machine  *Machine
	issuer   *authz.Issuer
}

func newSystem(t *testing.T, opts ...Option) *system {
	t.Helper()
	src := clock.NewManual(start)
	s := &system{
		store:    store.NewMemory(),
		ledger:   transfer.NewLedger(),
		confirms: NewConfirmations(),
		issuer:   authz.NewIssuer(secret, time.Hour),
	}
	verifier := authz.NewJWTVerifier(secret)
	logger := zaptest.NewLogger(t)
	s.audit = audit.New(s.store, src, logger)
	s.registry = agreement.NewRegistry(s.store, src, "token", nil)
	s.custody = custody.New(s.store, s.ledger, verifier, s.audit, "escrow", logger)
	s.disputes = dispute.New(s.store, s.custody, verifier, s.audit, dispute.WithClock(src), dispute.WithLogger(logger))
	s.machine = New(s.store, s.custody, s.disputes, s.audit, append([]Option{WithPredicate(s.confirms), WithLogger(logger)}, opts...)...)

	if err := s.ledger.Mint("token", "B", escrow.NewAmount(5000)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	return s
}

func (s *system) create(t *testing.T, id string) escrow.Transaction {
	t.Helper()
	err := s.registry.CreateAgreement(context.Background(), agreement.CreateParams{
		ID:       id,
		Buyer:    "B",
		Seller:   "S",
		Amount:   escrow.NewAmount(1000),
		Deadline: start + 10_000,
	})
	if err != nil {
		t.Fatalf("create agreement: %v", err)
	}
	tr, err := s.registry.GetTransaction(context.Background(), id)
	if err != nil {
		t.Fatalf("get transaction: %v", err)
	}
	return tr
}

// as returns a context carrying a proof for principal to perform op on id.
func (s *system) as(t *testing.T, principal, op, id string, role authz.Role) context.Context {
	t.Helper()
	proof, err := s.issuer.Issue(authz.Call{Principal: principal, Operation: op, TransactionID: id, Role: role})
	if err != nil {
		t.Fatalf("issue proof: %v", err)
	}
	return authz.WithProofs(context.Background(), proof)
}

func (s *system) actions(t *testing.T, id string) []string {
	t.Helper()
	entries, err := s.audit.GetAuditLogs(context.Background(), id)
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	out := make([]string, 0, len(entries))
	for i, e := range entries {
		if e.Seq != int64(i)+1 {
			t.Fatalf("entry %d has seq %d", i, e.Seq)
		}
		out = append(out, e.Action)
	}
	return out
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestDisputeScenario(t *testing.T) {
	s := newSystem(t)
	tr := s.create(t, "txn1")

	if err := s.custody.DepositFunds(s.as(t, "B", escrow.ActionDepositFunds, "txn1", ""), tr); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if got, _ := s.registry.GetAgreement(context.Background(), "txn1"); got.State != escrow.StateDeposit {
		t.Fatalf("agreement state = %s, want deposit", got.State)
	}

	if err := s.disputes.RaiseDispute(s.as(t, "B", escrow.ActionRaiseDispute, "txn1", ""), "txn1", "B"); err != nil {
		t.Fatalf("raise: %v", err)
	}
	d, _ := s.disputes.GetDispute(context.Background(), "txn1")
	if d.State != escrow.DisputeOpen {
		t.Fatalf("dispute state = %s, want open", d.State)
	}

	if err := s.disputes.ResolveDispute(s.as(t, "A", escrow.ActionResolveDispute, "txn1", authz.RoleArbitrator), "txn1", "A"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	tr, _ = s.registry.GetTransaction(context.Background(), "txn1")
	d, _ = s.disputes.GetDispute(context.Background(), "txn1")
	if tr.State != escrow.StateComplete || d.State != escrow.DisputeResolved {
		t.Fatalf("transaction %s dispute %s, want complete/resolved", tr.State, d.State)
	}

	want := []string{escrow.ActionDepositFunds, escrow.ActionRaiseDispute, escrow.ActionResolveDispute}
	if got := s.actions(t, "txn1"); !equal(got, want) {
		t.Fatalf("audit trail = %v, want %v", got, want)
	}
	entries, _ := s.audit.GetAuditLogs(context.Background(), "txn1")
	if entries[1].String() != "Transaction: txn1, Action: raise_dispute" {
		t.Fatalf("unexpected rendering %q", entries[1].String())
	}
	if got := s.ledger.Balance("token", "S"); !got.Equal(escrow.NewAmount(1000)) {
		t.Fatalf("seller balance = %s, want 1000", got)
	}
}

func TestExecuteTransactionHappyPath(t *testing.T) {
	s := newSystem(t)
	s.create(t, "txn1")
	ctx := s.as(t, "B", escrow.ActionDepositFunds, "txn1", "")

	step, err := s.machine.ExecuteTransaction(ctx, "txn1")
	if err != nil || step != StepDeposited {
		t.Fatalf("first execute = %s, %v; want deposited", step, err)
	}

	step, err = s.machine.ExecuteTransaction(ctx, "txn1")
	if err != nil || step != StepWaiting {
		t.Fatalf("unfulfilled execute = %s, %v; want waiting", step, err)
	}

	s.confirms.Confirm("txn1")
	step, err = s.machine.ExecuteTransaction(context.Background(), "txn1")
	if err != nil || step != StepReleased {
		t.Fatalf("fulfilled execute = %s, %v; want released", step, err)
	}

	want := []string{
		escrow.ActionDepositFunds, escrow.ActionExecuteTransaction,
		escrow.ActionReleaseFunds, escrow.ActionExecuteTransaction,
	}
	if got := s.actions(t, "txn1"); !equal(got, want) {
		t.Fatalf("audit trail = %v, want %v", got, want)
	}

	if _, err := s.machine.ExecuteTransaction(context.Background(), "txn1"); !errors.Is(err, escrow.ErrInvalidTransactionState) {
		t.Fatalf("execute on complete: expected invalid state, got %v", err)
	}
	if got := s.actions(t, "txn1"); len(got) != 4 {
		t.Fatalf("failed execute appended audit: %v", got)
	}
}

func TestReleaseFundsRequiresFulfillment(t *testing.T) {
	s := newSystem(t)
	s.create(t, "txn1")

	if err := s.machine.ReleaseFunds(context.Background(), "txn1"); !errors.Is(err, escrow.ErrInvalidTransactionState) {
		t.Fatalf("release in setup: expected invalid state, got %v", err)
	}
	if _, err := s.machine.ExecuteTransaction(s.as(t, "B", escrow.ActionDepositFunds, "txn1", ""), "txn1"); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	if err := s.machine.ReleaseFunds(context.Background(), "txn1"); !errors.Is(err, escrow.ErrInvalidTransactionState) {
		t.Fatalf("unconfirmed release: expected invalid state, got %v", err)
	}
	if got := s.ledger.Balance("token", "S"); !got.IsZero() {
		t.Fatalf("seller paid before confirmation: %s", got)
	}

	s.confirms.Confirm("txn1")
	if err := s.machine.ReleaseFunds(context.Background(), "txn1"); err != nil {
		t.Fatalf("confirmed release: %v", err)
	}
	if got := s.ledger.Balance("token", "S"); !got.Equal(escrow.NewAmount(1000)) {
		t.Fatalf("seller balance = %s, want 1000", got)
	}
	want := []string{escrow.ActionDepositFunds, escrow.ActionExecuteTransaction, escrow.ActionReleaseFunds}
	if got := s.actions(t, "txn1"); !equal(got, want) {
		t.Fatalf("audit trail = %v, want %v", got, want)
	}
	if err := s.machine.ReleaseFunds(context.Background(), "missing"); !errors.Is(err, escrow.ErrTransactionNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestExecuteTransactionNotFound(t *testing.T) {
	s := newSystem(t)
	if _, err := s.machine.ExecuteTransaction(context.Background(), "nope"); !errors.Is(err, escrow.ErrTransactionNotFound) {
		t.Fatalf("expected transaction not found, got %v", err)
	}
}

func TestExecuteTransactionUnauthorizedDeposit(t *testing.T) {
	s := newSystem(t)
	s.create(t, "txn1")

	ctx := s.as(t, "S", escrow.ActionDepositFunds, "txn1", "")
	if _, err := s.machine.ExecuteTransaction(ctx, "txn1"); !errors.Is(err, escrow.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if got := s.actions(t, "txn1"); len(got) != 0 {
		t.Fatalf("audit written for rejected execute: %v", got)
	}
}

func TestExecuteTransactionWaitsInDispute(t *testing.T) {
	s := newSystem(t)
	tr := s.create(t, "txn1")
	if err := s.custody.DepositFunds(s.as(t, "B", escrow.ActionDepositFunds, "txn1", ""), tr); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := s.disputes.RaiseDispute(s.as(t, "S", escrow.ActionRaiseDispute, "txn1", ""), "txn1", "S"); err != nil {
		t.Fatalf("raise: %v", err)
	}

	s.confirms.Confirm("txn1")
	step, err := s.machine.ExecuteTransaction(context.Background(), "txn1")
	if err != nil || step != StepWaiting {
		t.Fatalf("execute in dispute = %s, %v; want waiting", step, err)
	}
	if got := s.actions(t, "txn1"); len(got) != 2 {
		t.Fatalf("waiting execute appended audit: %v", got)
	}
}

func TestExecuteTransactionFulfillmentError(t *testing.T) {
	boom := errors.New("oracle offline")
	s := newSystem(t, WithPredicate(PredicateFunc(func(context.Context, escrow.Transaction) (bool, error) {
		return false, boom
	})))
	tr := s.create(t, "txn1")
	if err := s.custody.DepositFunds(s.as(t, "B", escrow.ActionDepositFunds, "txn1", ""), tr); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := s.machine.ExecuteTransaction(context.Background(), "txn1"); !errors.Is(err, boom) {
		t.Fatalf("expected predicate error, got %v", err)
	}
}

func TestConcurrentExecuteDepositsOnce(t *testing.T) {
	s := newSystem(t)
	s.create(t, "txn1")
	ctx := s.as(t, "B", escrow.ActionDepositFunds, "txn1", "")

	var deposited atomic.Int32
	var g errgroup.Group
	for i := 0; i < 16; i++ {
		g.Go(func() error {
			step, err := s.machine.ExecuteTransaction(ctx, "txn1")
			if err != nil {
				return err
			}
			if step == StepDeposited {
				deposited.Add(1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if deposited.Load() != 1 {
		t.Fatalf("expected exactly one deposit, got %d", deposited.Load())
	}
	if got := s.ledger.Balance("token", "B"); !got.Equal(escrow.NewAmount(4000)) {
		t.Fatalf("buyer balance = %s, want 4000", got)
	}
}

func TestIndependentTransactionsInParallel(t *testing.T) {
	s := newSystem(t)
	ids := []string{"a", "b", "c", "d"}
	for _, id := range ids {
		s.create(t, id)
	}

	ctxs := make(map[string]context.Context, len(ids))
	for _, id := range ids {
		ctxs[id] = s.as(t, "B", escrow.ActionDepositFunds, id, "")
	}

	var g errgroup.Group
	for _, id := range ids {
		id := id
		g.Go(func() error {
			_, err := s.machine.ExecuteTransaction(ctxs[id], id)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("parallel execute: %v", err)
	}
	for _, id := range ids {
		tr, _ := s.registry.GetTransaction(context.Background(), id)
		if tr.State != escrow.StateDeposit {
			t.Fatalf("%s state = %s, want deposit", id, tr.State)
		}
	}
}

type fakeArbitration struct {
	open     bool
	resolved escrow.Address
}

func (f *fakeArbitration) HasOpenDispute(context.Context, string) (bool, error) { return f.open, nil }

func (f *fakeArbitration) ResolveDispute(_ context.Context, _ string, arbitrator escrow.Address) error {
	f.resolved = arbitrator
	return nil
}

type noCustody struct{}

func (noCustody) DepositFunds(context.Context, escrow.Transaction) error { return nil }
func (noCustody) ReleaseFunds(context.Context, escrow.Transaction) error { return nil }

func TestExecuteResolvesOpenDisputeWithSystemArbitrator(t *testing.T) {
	st := store.NewMemory()
	err := st.Update(context.Background(), "txn1", func(ctx context.Context, tx store.Txn) error {
		return store.InsertTransaction(ctx, tx, escrow.Transaction{ID: "txn1", Buyer: "B", Seller: "S", Amount: escrow.NewAmount(1), State: escrow.StateDeposit})
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	log := audit.New(st, nil, nil)
	arb := &fakeArbitration{open: true}

	step, err := New(st, noCustody{}, arb, log).ExecuteTransaction(context.Background(), "txn1")
	if err != nil || step != StepWaiting || arb.resolved != "" {
		t.Fatalf("without arbitrator = %s, %v, resolved by %q", step, err, arb.resolved)
	}

	step, err = New(st, noCustody{}, arb, log, WithSystemArbitrator("system")).ExecuteTransaction(context.Background(), "txn1")
	if err != nil || step != StepResolved || arb.resolved != "system" {
		t.Fatalf("with arbitrator = %s, %v, resolved by %q", step, err, arb.resolved)
	}
}
