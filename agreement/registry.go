package agreement

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"escrowflow/clock"
	"escrowflow/escrow"
	"escrowflow/store"
)

// CreateParams carries the terms of a new agreement.
type CreateParams struct {
	ID       string          `json:"id"`
	Buyer    escrow.Address  `json:"buyer"`
	Seller   escrow.Address  `json:"seller"`
	Amount   decimal.Decimal `json:"amount"`
	Deadline clock.Timestamp `json:"deadline"`
	// Token selects the value type held in custody. Empty means the registry default.
	Token string `json:"token,omitempty"`
}

// Registry creates agreements and the transactions that carry them.
type Registry struct {
	store        store.Store
	clock        clock.Source
	defaultToken string
	logger       *zap.Logger
}

func NewRegistry(s store.Store, src clock.Source, defaultToken string, logger *zap.Logger) *Registry {
	if src == nil {
		src = clock.System{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{store: s, clock: src, defaultToken: defaultToken, logger: logger}
}

func (p CreateParams) validate(now clock.Timestamp) error {
	if p.ID == "" {
		return fmt.Errorf("agreement id required")
	}
	if p.Buyer == "" || p.Seller == "" {
		return fmt.Errorf("buyer and seller required")
	}
	if p.Buyer == p.Seller {
		return fmt.Errorf("buyer and seller must differ")
	}
	if err := escrow.ValidateAmount(p.Amount); err != nil {
		return err
	}
	if !p.Amount.IsPositive() {
		return fmt.Errorf("amount must be positive")
	}
	if p.Deadline <= now {
		return fmt.Errorf("deadline %d is not after %d", p.Deadline, now)
	}
	return nil
}

// CreateAgreement stores the agreement and its transaction in Setup. Both records are
// written in one unit of work or not at all.
func (r *Registry) CreateAgreement(ctx context.Context, p CreateParams) error {
	const op = "create_agreement"

	now := r.clock.Now()
	if err := p.validate(now); err != nil {
		r.logger.Debug("agreement rejected", zap.String("transaction_id", p.ID), zap.String("operation", op), zap.Error(err))
		return escrow.E(op, escrow.KindInvalidInput, err)
	}
	token := p.Token
	if token == "" {
		token = r.defaultToken
	}

	err := r.store.Update(ctx, p.ID, func(ctx context.Context, tx store.Txn) error {
		err := store.InsertAgreement(ctx, tx, escrow.Agreement{
			ID:        p.ID,
			Buyer:     p.Buyer,
			Seller:    p.Seller,
			Amount:    p.Amount,
			Deadline:  p.Deadline,
			State:     escrow.StateSetup,
			CreatedAt: now,
		})
		if err != nil {
			return err
		}
		return store.InsertTransaction(ctx, tx, escrow.Transaction{
			ID:     p.ID,
			Buyer:  p.Buyer,
			Seller: p.Seller,
			Amount: p.Amount,
			Token:  token,
			State:  escrow.StateSetup,
		})
	})
	if err != nil {
		if errors.Is(err, store.ErrExists) {
			r.logger.Debug("agreement rejected", zap.String("transaction_id", p.ID), zap.String("operation", op), zap.Error(err))
			return escrow.E(op, escrow.KindAgreementAlreadyExists, err)
		}
		return fmt.Errorf("agreement: create %s: %w", p.ID, err)
	}

	r.logger.Info("agreement created",
		zap.String("transaction_id", p.ID),
		zap.String("operation", op),
		zap.String("state", string(escrow.StateSetup)),
		zap.String("amount", p.Amount.String()),
		zap.String("token", token),
	)
	return nil
}

// GetAgreement returns the stored agreement for id.
func (r *Registry) GetAgreement(ctx context.Context, id string) (escrow.Agreement, error) {
	var a escrow.Agreement
	err := r.store.View(ctx, id, func(ctx context.Context, tx store.Txn) error {
		var err error
		a, err = store.GetAgreement(ctx, tx)
		return err
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return escrow.Agreement{}, escrow.E("get_agreement", escrow.KindAgreementNotFound, err)
		}
		return escrow.Agreement{}, fmt.Errorf("agreement: get %s: %w", id, err)
	}
	return a, nil
}

// GetTransaction returns the custody record created alongside the agreement.
func (r *Registry) GetTransaction(ctx context.Context, id string) (escrow.Transaction, error) {
	var t escrow.Transaction
	err := r.store.View(ctx, id, func(ctx context.Context, tx store.Txn) error {
		var err error
		t, err = store.GetTransaction(ctx, tx)
		return err
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return escrow.Transaction{}, escrow.E("get_transaction", escrow.KindTransactionNotFound, err)
		}
		return escrow.Transaction{}, fmt.Errorf("agreement: get transaction %s: %w", id, err)
	}
	return t, nil
}
