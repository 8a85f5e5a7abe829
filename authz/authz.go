// Package authz verifies that a principal may perform an operation on a transaction.
// Callers attach signed call proofs to the context; a Verifier checks them.
package authz

import (
	"context"
	"errors"
)

var (
	// ErrUnauthorized signals that no attached proof authorizes the call.
	ErrUnauthorized = errors.New("authz: unauthorized")
	// ErrInvalidCredentials signals a wrong principal or password.
	ErrInvalidCredentials = errors.New("authz: invalid credentials")
	// ErrPrincipalExists signals a second registration under the same name.
	ErrPrincipalExists = errors.New("authz: principal already registered")
)

type Role string

const (
	RoleParty      Role = "party"
	RoleArbitrator Role = "arbitrator"
)

// Call describes one authorization-gated operation.
type Call struct {
	Principal     string
	Operation     string
	TransactionID string
	// Role, when set, must be carried by the proof.
	Role Role
}

// Verifier decides whether the proofs in ctx authorize call. It returns nil or an error
// wrapping ErrUnauthorized.
type Verifier interface {
	Verify(ctx context.Context, call Call) error
}

// VerifierFunc adapts a function to Verifier.
type VerifierFunc func(ctx context.Context, call Call) error

func (f VerifierFunc) Verify(ctx context.Context, call Call) error { return f(ctx, call) }

type proofsKey struct{}

// WithProofs returns a context carrying proofs in addition to any already attached.
func WithProofs(ctx context.Context, proofs ...string) context.Context {
	if len(proofs) == 0 {
		return ctx
	}
	existing := ProofsFrom(ctx)
	all := make([]string, 0, len(existing)+len(proofs))
	all = append(all, existing...)
	all = append(all, proofs...)
	return context.WithValue(ctx, proofsKey{}, all)
}

func ProofsFrom(ctx context.Context) []string {
	proofs, _ := ctx.Value(proofsKey{}).([]string)
	return proofs
}
