package dispute

import (
	"context"

	"escrowflow/escrow"
)

// Policy decides who receives the custodied funds when a dispute is resolved.
type Policy interface {
	Decide(ctx context.Context, d escrow.Dispute, t escrow.Transaction) (escrow.Outcome, error)
}

// PolicyFunc adapts a function to Policy.
type PolicyFunc func(ctx context.Context, d escrow.Dispute, t escrow.Transaction) (escrow.Outcome, error)

func (f PolicyFunc) Decide(ctx context.Context, d escrow.Dispute, t escrow.Transaction) (escrow.Outcome, error) {
	return f(ctx, d, t)
}

// SellerWins always pays the seller.
func SellerWins() Policy {
	return PolicyFunc(func(context.Context, escrow.Dispute, escrow.Transaction) (escrow.Outcome, error) {
		return escrow.OutcomeReleaseSeller, nil
	})
}

// RefundBuyer always returns the funds to the buyer.
func RefundBuyer() Policy {
	return PolicyFunc(func(context.Context, escrow.Dispute, escrow.Transaction) (escrow.Outcome, error) {
		return escrow.OutcomeRefundBuyer, nil
	})
}
