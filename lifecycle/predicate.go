package lifecycle

import (
	"context"
	"sync"

	"escrowflow/escrow"
)

// FulfillmentPredicate judges whether a deposited transaction's conditions are met.
type FulfillmentPredicate interface {
	Evaluate(ctx context.Context, t escrow.Transaction) (bool, error)
}

// PredicateFunc adapts a function to FulfillmentPredicate.
type PredicateFunc func(ctx context.Context, t escrow.Transaction) (bool, error)

func (f PredicateFunc) Evaluate(ctx context.Context, t escrow.Transaction) (bool, error) {
	return f(ctx, t)
}

func Always() FulfillmentPredicate {
	return PredicateFunc(func(context.Context, escrow.Transaction) (bool, error) { return true, nil })
}

func Never() FulfillmentPredicate {
	return PredicateFunc(func(context.Context, escrow.Transaction) (bool, error) { return false, nil })
}

// Confirmations holds fulfillment once delivery has been confirmed for a transaction.
type Confirmations struct {
	mu        sync.RWMutex
	confirmed map[string]bool
}

var _ FulfillmentPredicate = (*Confirmations)(nil)

func NewConfirmations() *Confirmations {
	return &Confirmations{confirmed: make(map[string]bool)}
}

// Confirm marks delivery for id as confirmed.
func (c *Confirmations) Confirm(id string) {
	c.mu.Lock()
	c.confirmed[id] = true
	c.mu.Unlock()
}

func (c *Confirmations) Evaluate(_ context.Context, t escrow.Transaction) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.confirmed[t.ID], nil
}
