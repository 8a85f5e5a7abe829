// Package custody moves escrowed funds and advances the transaction state with them.
// Each operation runs in one unit of work: the transfer, the state change and the audit
// entry commit together or not at all.
package custody

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"escrowflow/audit"
	"escrowflow/authz"
	"escrowflow/escrow"
	"escrowflow/store"
	"escrowflow/transfer"
)

// Custody holds funds under the holder address between deposit and release.
type Custody struct {
	store     store.Store
	transfers transfer.Transferer
	verifier  authz.Verifier
	audit     *audit.Log
	holder    escrow.Address
	logger    *zap.Logger
}

func New(s store.Store, t transfer.Transferer, v authz.Verifier, log *audit.Log, holder escrow.Address, logger *zap.Logger) *Custody {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Custody{store: s, transfers: t, verifier: v, audit: log, holder: holder, logger: logger}
}

// Holder is the address that holds funds while a transaction is in Deposit or Dispute.
func (c *Custody) Holder() escrow.Address { return c.holder }

// DepositFunds moves the amount from the buyer into custody. The buyer must present a
// proof for this call.
func (c *Custody) DepositFunds(ctx context.Context, t escrow.Transaction) error {
	const op = escrow.ActionDepositFunds
	return c.store.Update(ctx, t.ID, func(ctx context.Context, tx store.Txn) error {
		cur, err := c.load(ctx, tx, op, escrow.StateSetup)
		if err != nil {
			return err
		}
		if err := c.authorize(ctx, op, cur, cur.Buyer); err != nil {
			return err
		}
		if err := c.move(ctx, op, cur, cur.Buyer, c.holder); err != nil {
			return err
		}
		if _, err := store.Advance(ctx, tx, escrow.StateDeposit); err != nil {
			return err
		}
		if err := c.audit.RecordActor(ctx, cur.ID, op, cur.Buyer); err != nil {
			return err
		}
		c.logger.Info("funds deposited",
			zap.String("transaction_id", cur.ID),
			zap.String("operation", op),
			zap.String("state", string(escrow.StateDeposit)),
			zap.String("amount", cur.Amount.String()),
		)
		return nil
	})
}

// ReleaseFunds pays the seller out of custody. It carries no authorization of its own;
// callers reach it only after the fulfillment predicate holds (lifecycle.Machine).
func (c *Custody) ReleaseFunds(ctx context.Context, t escrow.Transaction) error {
	const op = escrow.ActionReleaseFunds
	return c.store.Update(ctx, t.ID, func(ctx context.Context, tx store.Txn) error {
		cur, err := c.load(ctx, tx, op, escrow.StateDeposit)
		if err != nil {
			return err
		}
		if err := c.move(ctx, op, cur, c.holder, cur.Seller); err != nil {
			return err
		}
		if _, err := store.Advance(ctx, tx, escrow.StateComplete); err != nil {
			return err
		}
		if err := c.audit.RecordAction(ctx, cur.ID, op); err != nil {
			return err
		}
		c.logger.Info("funds released",
			zap.String("transaction_id", cur.ID),
			zap.String("operation", op),
			zap.String("state", string(escrow.StateComplete)),
		)
		return nil
	})
}

// Settle pays payee out of custody for a disputed transaction and completes it. The caller
// records the audit entry for the ruling that led here.
func (c *Custody) Settle(ctx context.Context, t escrow.Transaction, payee escrow.Address) error {
	const op = "settle"
	return c.store.Update(ctx, t.ID, func(ctx context.Context, tx store.Txn) error {
		cur, err := c.load(ctx, tx, op, escrow.StateDispute)
		if err != nil {
			return err
		}
		if !cur.IsParty(payee) {
			return escrow.Errorf(op, escrow.KindInvalidInput, "payee %s is not a party to %s", payee, cur.ID)
		}
		if err := c.move(ctx, op, cur, c.holder, payee); err != nil {
			return err
		}
		if _, err := store.Advance(ctx, tx, escrow.StateComplete); err != nil {
			return err
		}
		c.logger.Info("funds settled",
			zap.String("transaction_id", cur.ID),
			zap.String("operation", op),
			zap.String("payee", string(payee)),
		)
		return nil
	})
}

// load re-reads the transaction inside the unit and checks it is in want.
func (c *Custody) load(ctx context.Context, tx store.Txn, op string, want escrow.TransactionState) (escrow.Transaction, error) {
	cur, err := store.GetTransaction(ctx, tx)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return escrow.Transaction{}, escrow.E(op, escrow.KindTransactionNotFound, err)
		}
		return escrow.Transaction{}, fmt.Errorf("custody: %s: load %s: %w", op, tx.ID(), err)
	}
	if cur.State != want {
		c.logger.Debug("precondition failed",
			zap.String("transaction_id", cur.ID),
			zap.String("operation", op),
			zap.String("state", string(cur.State)),
		)
		return escrow.Transaction{}, escrow.Errorf(op, escrow.KindInvalidTransactionState, "state is %s, want %s", cur.State, want)
	}
	return cur, nil
}

func (c *Custody) authorize(ctx context.Context, op string, t escrow.Transaction, principal escrow.Address) error {
	err := c.verifier.Verify(ctx, authz.Call{
		Principal:     string(principal),
		Operation:     op,
		TransactionID: t.ID,
	})
	if err == nil {
		return nil
	}
	c.logger.Debug("authorization denied", zap.String("transaction_id", t.ID), zap.String("operation", op), zap.Error(err))
	return escrow.E(op, escrow.KindUnauthorized, err)
}

func (c *Custody) move(ctx context.Context, op string, t escrow.Transaction, from, to escrow.Address) error {
	err := c.transfers.Transfer(ctx, transfer.Request{
		Token:          t.Token,
		From:           from,
		To:             to,
		Amount:         t.Amount,
		IdempotencyKey: t.ID + ":" + op,
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, transfer.ErrInsufficientFunds) {
		return escrow.E(op, escrow.KindInsufficientFunds, err)
	}
	return fmt.Errorf("custody: %s: transfer %s: %w", op, t.ID, err)
}
