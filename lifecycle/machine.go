// Package lifecycle drives a transaction through its next step based purely on its
// stored state.
package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"escrowflow/audit"
	"escrowflow/escrow"
	"escrowflow/store"
)

// Step reports what ExecuteTransaction did.
type Step string

const (
	StepDeposited Step = "deposited"
	StepReleased  Step = "released"
	StepResolved  Step = "resolved"
	// StepWaiting means nothing could happen yet; no state changed.
	StepWaiting Step = "waiting"
)

// Custody is the fund movement surface the machine delegates to.
type Custody interface {
	DepositFunds(ctx context.Context, t escrow.Transaction) error
	ReleaseFunds(ctx context.Context, t escrow.Transaction) error
}

// Arbitration is the dispute surface the machine delegates to.
type Arbitration interface {
	HasOpenDispute(ctx context.Context, id string) (bool, error)
	ResolveDispute(ctx context.Context, id string, arbitrator escrow.Address) error
}

// Machine orchestrates custody and arbitration for one transaction per call.
type Machine struct {
	store      store.Store
	custody    Custody
	disputes   Arbitration
	audit      *audit.Log
	fulfilled  FulfillmentPredicate
	arbitrator escrow.Address
	logger     *zap.Logger
}

type Option func(*Machine)

// WithPredicate replaces the default Never predicate.
func WithPredicate(p FulfillmentPredicate) Option {
	return func(m *Machine) {
		if p != nil {
			m.fulfilled = p
		}
	}
}

// WithSystemArbitrator names the arbitrator used when execution finds an open dispute on a
// deposited transaction. Its proof must still be attached to the call context.
func WithSystemArbitrator(addr escrow.Address) Option {
	return func(m *Machine) { m.arbitrator = addr }
}

func WithLogger(l *zap.Logger) Option {
	return func(m *Machine) {
		if l != nil {
			m.logger = l
		}
	}
}

func New(s store.Store, c Custody, d Arbitration, log *audit.Log, opts ...Option) *Machine {
	m := &Machine{
		store:     s,
		custody:   c,
		disputes:  d,
		audit:     log,
		fulfilled: Never(),
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ExecuteTransaction performs the next legal step for id. Every delegated operation and its
// execute_transaction audit entry commit in one unit of work.
func (m *Machine) ExecuteTransaction(ctx context.Context, id string) (Step, error) {
	const op = escrow.ActionExecuteTransaction
	step := StepWaiting
	err := m.store.Update(ctx, id, func(ctx context.Context, tx store.Txn) error {
		t, err := store.GetTransaction(ctx, tx)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return escrow.E(op, escrow.KindTransactionNotFound, err)
			}
			return fmt.Errorf("lifecycle: load %s: %w", id, err)
		}

		step, err = m.dispatch(ctx, t)
		if err != nil {
			return err
		}
		if step == StepWaiting {
			return nil
		}
		return m.audit.RecordAction(ctx, id, op)
	})
	if err != nil {
		m.logger.Debug("execution failed", zap.String("transaction_id", id), zap.String("operation", op), zap.Error(err))
		return StepWaiting, err
	}

	m.logger.Info("transaction executed",
		zap.String("transaction_id", id),
		zap.String("operation", op),
		zap.String("step", string(step)),
	)
	return step, nil
}

// ReleaseFunds pays the seller of a deposited transaction only when the fulfillment
// predicate holds for its stored state. A transaction whose conditions are not met yet fails
// with InvalidTransactionState and nothing moves.
func (m *Machine) ReleaseFunds(ctx context.Context, id string) error {
	const op = escrow.ActionReleaseFunds
	err := m.store.Update(ctx, id, func(ctx context.Context, tx store.Txn) error {
		t, err := store.GetTransaction(ctx, tx)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return escrow.E(op, escrow.KindTransactionNotFound, err)
			}
			return fmt.Errorf("lifecycle: load %s: %w", id, err)
		}
		if t.State != escrow.StateDeposit {
			return escrow.Errorf(op, escrow.KindInvalidTransactionState, "state is %s", t.State)
		}
		ok, err := m.fulfilled.Evaluate(ctx, t)
		if err != nil {
			return fmt.Errorf("lifecycle: evaluate fulfillment %s: %w", id, err)
		}
		if !ok {
			return escrow.Errorf(op, escrow.KindInvalidTransactionState, "conditions for %s are not fulfilled", id)
		}
		return m.custody.ReleaseFunds(ctx, t)
	})
	if err != nil {
		m.logger.Debug("release refused", zap.String("transaction_id", id), zap.String("operation", op), zap.Error(err))
		return err
	}
	return nil
}

func (m *Machine) dispatch(ctx context.Context, t escrow.Transaction) (Step, error) {
	switch t.State {
	case escrow.StateSetup:
		if err := m.custody.DepositFunds(ctx, t); err != nil {
			return StepWaiting, err
		}
		return StepDeposited, nil

	case escrow.StateDeposit:
		ok, err := m.fulfilled.Evaluate(ctx, t)
		if err != nil {
			return StepWaiting, fmt.Errorf("lifecycle: evaluate fulfillment %s: %w", t.ID, err)
		}
		if ok {
			if err := m.custody.ReleaseFunds(ctx, t); err != nil {
				return StepWaiting, err
			}
			return StepReleased, nil
		}
		open, err := m.disputes.HasOpenDispute(ctx, t.ID)
		if err != nil {
			return StepWaiting, fmt.Errorf("lifecycle: check dispute %s: %w", t.ID, err)
		}
		if open && m.arbitrator != "" {
			if err := m.disputes.ResolveDispute(ctx, t.ID, m.arbitrator); err != nil {
				return StepWaiting, err
			}
			return StepResolved, nil
		}
		return StepWaiting, nil

	case escrow.StateDispute:
		// resolution needs an explicit call from an authorized arbitrator
		return StepWaiting, nil

	case escrow.StateComplete:
		return StepWaiting, escrow.Errorf(escrow.ActionExecuteTransaction, escrow.KindInvalidTransactionState, "transaction %s is complete", t.ID)

	default:
		return StepWaiting, escrow.Errorf(escrow.ActionExecuteTransaction, escrow.KindInvalidTransactionState, "unknown state %q", t.State)
	}
}
