// Package transfer moves value between addresses on behalf of the custody layer.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"escrowflow/escrow"
)

var (
	// ErrInsufficientFunds signals the source address cannot cover the amount.
	ErrInsufficientFunds = errors.New("transfer: insufficient funds")
	// ErrInvalidRequest signals a malformed request.
	ErrInvalidRequest = errors.New("transfer: invalid request")
)

// Request moves Amount of Token from From to To. Requests sharing an IdempotencyKey are
// applied at most once.
type Request struct {
	Token          string
	From           escrow.Address
	To             escrow.Address
	Amount         decimal.Decimal
	IdempotencyKey string
}

func (r Request) sameAs(o Request) bool {
	return r.Token == o.Token && r.From == o.From && r.To == o.To && r.Amount.Equal(o.Amount)
}

// Transferer is the value-transfer primitive. Implementations must be safe for concurrent use.
type Transferer interface {
	Transfer(ctx context.Context, req Request) error
}

type balanceKey struct {
	token string
	addr  escrow.Address
}

// Ledger is an in-process token ledger.
type Ledger struct {
	mu       sync.Mutex
	balances map[balanceKey]decimal.Decimal
	applied  map[string]Request
}

var _ Transferer = (*Ledger)(nil)

func NewLedger() *Ledger {
	return &Ledger{
		balances: make(map[balanceKey]decimal.Decimal),
		applied:  make(map[string]Request),
	}
}

// Mint credits amount of token to addr.
func (l *Ledger) Mint(token string, addr escrow.Address, amount decimal.Decimal) error {
	if err := escrow.ValidateAmount(amount); err != nil {
		return fmt.Errorf("%w: mint: %v", ErrInvalidRequest, err)
	}
	if amount.IsNegative() {
		return fmt.Errorf("%w: mint amount is negative", ErrInvalidRequest)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	k := balanceKey{token, addr}
	l.balances[k] = l.balances[k].Add(amount)
	return nil
}

func (l *Ledger) Balance(token string, addr escrow.Address) decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[balanceKey{token, addr}]
}

func (l *Ledger) Transfer(ctx context.Context, req Request) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if req.From == "" || req.To == "" || !req.Amount.IsPositive() {
		return fmt.Errorf("%w: %s -> %s amount %s", ErrInvalidRequest, req.From, req.To, req.Amount)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if req.IdempotencyKey != "" {
		if prev, ok := l.applied[req.IdempotencyKey]; ok {
			if !prev.sameAs(req) {
				return fmt.Errorf("%w: idempotency key %s reused for a different transfer", ErrInvalidRequest, req.IdempotencyKey)
			}
			return nil
		}
	}

	from := balanceKey{req.Token, req.From}
	if l.balances[from].LessThan(req.Amount) {
		return fmt.Errorf("%w: %s holds %s %s, needs %s", ErrInsufficientFunds, req.From, l.balances[from], req.Token, req.Amount)
	}
	to := balanceKey{req.Token, req.To}
	l.balances[from] = l.balances[from].Sub(req.Amount)
	l.balances[to] = l.balances[to].Add(req.Amount)

	if req.IdempotencyKey != "" {
		l.applied[req.IdempotencyKey] = req
	}
	return nil
}
