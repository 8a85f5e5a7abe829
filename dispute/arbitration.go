// Package dispute raises and resolves disputes over deposited transactions.
package dispute

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"escrowflow/audit"
	"escrowflow/authz"
	"escrowflow/clock"
	"escrowflow/escrow"
	"escrowflow/store"
)

// Settler pays a disputed transaction out of custody and completes it.
type Settler interface {
	Settle(ctx context.Context, t escrow.Transaction, payee escrow.Address) error
}

// Arbitration owns the dispute keyspace.
type Arbitration struct {
	store    store.Store
	settler  Settler
	verifier authz.Verifier
	audit    *audit.Log
	policy   Policy
	clock    clock.Source
	logger   *zap.Logger
}

type Option func(*Arbitration)

// WithPolicy replaces the default SellerWins policy.
func WithPolicy(p Policy) Option {
	return func(a *Arbitration) {
		if p != nil {
			a.policy = p
		}
	}
}

func WithClock(src clock.Source) Option {
	return func(a *Arbitration) {
		if src != nil {
			a.clock = src
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(a *Arbitration) {
		if l != nil {
			a.logger = l
		}
	}
}

func New(s store.Store, settler Settler, v authz.Verifier, log *audit.Log, opts ...Option) *Arbitration {
	a := &Arbitration{
		store:    s,
		settler:  settler,
		verifier: v,
		audit:    log,
		policy:   SellerWins(),
		clock:    clock.System{},
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// RaiseDispute opens a dispute on a deposited transaction. raiser must be the buyer or the
// seller and present a proof for this call.
func (a *Arbitration) RaiseDispute(ctx context.Context, id string, raiser escrow.Address) error {
	const op = escrow.ActionRaiseDispute
	return a.store.Update(ctx, id, func(ctx context.Context, tx store.Txn) error {
		t, err := store.GetTransaction(ctx, tx)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return escrow.E(op, escrow.KindTransactionNotFound, err)
			}
			return fmt.Errorf("dispute: %s: load %s: %w", op, id, err)
		}
		if t.State != escrow.StateDeposit {
			a.rejected(op, id, string(t.State))
			return escrow.Errorf(op, escrow.KindInvalidTransactionState, "state is %s, want %s", t.State, escrow.StateDeposit)
		}
		if !t.IsParty(raiser) {
			a.rejected(op, id, string(t.State))
			return escrow.Errorf(op, escrow.KindUnauthorized, "%s is not a party to %s", raiser, id)
		}
		if err := a.authorize(ctx, op, id, raiser, ""); err != nil {
			return err
		}

		existing, err := store.GetDispute(ctx, tx)
		switch {
		case err == nil && existing.State == escrow.DisputeOpen:
			return escrow.Errorf(op, escrow.KindInvalidDisputeState, "dispute already open")
		case err != nil && !errors.Is(err, store.ErrNotFound):
			return fmt.Errorf("dispute: %s: load dispute %s: %w", op, id, err)
		}

		d := escrow.Dispute{
			TransactionID: id,
			Raiser:        raiser,
			State:         escrow.DisputeOpen,
			RaisedAt:      a.clock.Now(),
		}
		if err := store.PutDispute(ctx, tx, d); err != nil {
			return err
		}
		if _, err := store.Advance(ctx, tx, escrow.StateDispute); err != nil {
			return err
		}
		if err := a.audit.RecordActor(ctx, id, op, raiser); err != nil {
			return err
		}
		a.logger.Info("dispute raised",
			zap.String("transaction_id", id),
			zap.String("operation", op),
			zap.String("state", string(escrow.StateDispute)),
			zap.String("raiser", string(raiser)),
		)
		return nil
	})
}

// ResolveDispute rules on an open dispute. The arbitrator must present a proof carrying
// the arbitrator role. Funds move according to the policy and the transaction completes.
func (a *Arbitration) ResolveDispute(ctx context.Context, id string, arbitrator escrow.Address) error {
	const op = escrow.ActionResolveDispute
	return a.store.Update(ctx, id, func(ctx context.Context, tx store.Txn) error {
		d, err := store.GetDispute(ctx, tx)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return escrow.E(op, escrow.KindDisputeNotFound, err)
			}
			return fmt.Errorf("dispute: %s: load %s: %w", op, id, err)
		}
		if d.State != escrow.DisputeOpen {
			a.rejected(op, id, string(d.State))
			return escrow.Errorf(op, escrow.KindInvalidDisputeState, "dispute is %s, want %s", d.State, escrow.DisputeOpen)
		}
		if err := a.authorize(ctx, op, id, arbitrator, authz.RoleArbitrator); err != nil {
			return err
		}

		t, err := store.GetTransaction(ctx, tx)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return escrow.E(op, escrow.KindTransactionNotFound, err)
			}
			return fmt.Errorf("dispute: %s: load transaction %s: %w", op, id, err)
		}

		outcome, err := a.policy.Decide(ctx, d, t)
		if err != nil {
			return fmt.Errorf("dispute: %s: decide %s: %w", op, id, err)
		}
		var payee escrow.Address
		switch outcome {
		case escrow.OutcomeReleaseSeller:
			payee = t.Seller
		case escrow.OutcomeRefundBuyer:
			payee = t.Buyer
		default:
			return fmt.Errorf("dispute: %s: unknown outcome %q", op, outcome)
		}

		if err := a.settler.Settle(ctx, t, payee); err != nil {
			return err
		}

		d.State = escrow.DisputeResolved
		d.ResolvedAt = a.clock.Now()
		d.Arbitrator = arbitrator
		d.Outcome = outcome
		if err := store.PutDispute(ctx, tx, d); err != nil {
			return err
		}
		if err := a.audit.RecordActor(ctx, id, op, arbitrator); err != nil {
			return err
		}
		a.logger.Info("dispute resolved",
			zap.String("transaction_id", id),
			zap.String("operation", op),
			zap.String("state", string(escrow.StateComplete)),
			zap.String("outcome", string(outcome)),
		)
		return nil
	})
}

// GetDispute returns the dispute recorded for id.
func (a *Arbitration) GetDispute(ctx context.Context, id string) (escrow.Dispute, error) {
	var d escrow.Dispute
	err := a.store.View(ctx, id, func(ctx context.Context, tx store.Txn) error {
		var err error
		d, err = store.GetDispute(ctx, tx)
		return err
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return escrow.Dispute{}, escrow.E("get_dispute", escrow.KindDisputeNotFound, err)
		}
		return escrow.Dispute{}, fmt.Errorf("dispute: get %s: %w", id, err)
	}
	return d, nil
}

// HasOpenDispute reports whether id has an unresolved dispute. It joins the caller's unit
// of work when one is active.
func (a *Arbitration) HasOpenDispute(ctx context.Context, id string) (bool, error) {
	var open bool
	err := a.store.View(ctx, id, func(ctx context.Context, tx store.Txn) error {
		d, err := store.GetDispute(ctx, tx)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil
			}
			return err
		}
		open = d.State == escrow.DisputeOpen
		return nil
	})
	return open, err
}

func (a *Arbitration) authorize(ctx context.Context, op, id string, principal escrow.Address, role authz.Role) error {
	err := a.verifier.Verify(ctx, authz.Call{
		Principal:     string(principal),
		Operation:     op,
		TransactionID: id,
		Role:          role,
	})
	if err == nil {
		return nil
	}
	a.logger.Debug("authorization denied", zap.String("transaction_id", id), zap.String("operation", op), zap.Error(err))
	return escrow.E(op, escrow.KindUnauthorized, err)
}

func (a *Arbitration) rejected(op, id, state string) {
	a.logger.Debug("precondition failed",
		zap.String("transaction_id", id),
		zap.String("operation", op),
		zap.String("state", state),
	)
}
