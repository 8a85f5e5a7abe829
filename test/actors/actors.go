package actors

import (
	"context"
	"math/rand"
	"sync/atomic"
	"time"

	"escrowflow/agreement"
	"escrowflow/authz"
	"escrowflow/custody"
	"escrowflow/dispute"
	"escrowflow/escrow"
	"escrowflow/lifecycle"
)

// Env is the set of escrow components every actor drives. All of them share one store.
type Env struct {
	Registry      *agreement.Registry
	Custody       *custody.Custody
	Disputes      *dispute.Arbitration
	Machine       *lifecycle.Machine
	Confirmations *lifecycle.Confirmations
	Issuer        *authz.Issuer
	Arbitrator    escrow.Address
	// IDs are the transactions actors contend over.
	IDs   []string
	Stats *Stats
}

// Stats counts outcomes across all actors.
type Stats struct {
	Succeeded atomic.Int64
	// Rejected counts typed escrow errors: losing a race or acting in the wrong state.
	Rejected atomic.Int64
	// Faults counts everything else, mostly connections killed by chaos.
	Faults atomic.Int64
}

func (s *Stats) observe(err error) {
	switch {
	case err == nil:
		s.Succeeded.Add(1)
	case escrow.KindOf(err) != escrow.KindUnknown:
		s.Rejected.Add(1)
	default:
		s.Faults.Add(1)
	}
}

type action func(ctx context.Context, env *Env, rng *rand.Rand, id string) error

// loop runs act against random transactions until ctx ends or stop closes.
func loop(ctx context.Context, env *Env, rng *rand.Rand, stop <-chan struct{}, pause time.Duration, act action) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		id := env.IDs[rng.Intn(len(env.IDs))]
		err := act(ctx, env, rng, id)
		if ctx.Err() != nil {
			return nil
		}
		env.Stats.observe(err)
		time.Sleep(pause + time.Duration(rng.Int63n(int64(pause))))
	}
}

func withProof(ctx context.Context, env *Env, call authz.Call) (context.Context, error) {
	proof, err := env.Issuer.Issue(call)
	if err != nil {
		return ctx, err
	}
	return authz.WithProofs(ctx, proof), nil
}

// Depositor moves funds into custody on behalf of the buyer.
func Depositor(ctx context.Context, env *Env, rng *rand.Rand, stop <-chan struct{}) error {
	return loop(ctx, env, rng, stop, 10*time.Millisecond, func(ctx context.Context, env *Env, _ *rand.Rand, id string) error {
		t, err := env.Registry.GetTransaction(ctx, id)
		if err != nil {
			return err
		}
		ctx, err = withProof(ctx, env, authz.Call{Principal: string(t.Buyer), Operation: escrow.ActionDepositFunds, TransactionID: id})
		if err != nil {
			return err
		}
		return env.Custody.DepositFunds(ctx, t)
	})
}

// Executor drives transactions with ExecuteTransaction, carrying the buyer's deposit proof
// so a setup transaction can advance.
func Executor(ctx context.Context, env *Env, rng *rand.Rand, stop <-chan struct{}) error {
	return loop(ctx, env, rng, stop, 10*time.Millisecond, func(ctx context.Context, env *Env, _ *rand.Rand, id string) error {
		t, err := env.Registry.GetTransaction(ctx, id)
		if err != nil {
			return err
		}
		ctx, err = withProof(ctx, env, authz.Call{Principal: string(t.Buyer), Operation: escrow.ActionDepositFunds, TransactionID: id})
		if err != nil {
			return err
		}
		_, err = env.Machine.ExecuteTransaction(ctx, id)
		return err
	})
}

// Confirmer marks delivery for random transactions, which lets Executor release them.
func Confirmer(ctx context.Context, env *Env, rng *rand.Rand, stop <-chan struct{}) error {
	return loop(ctx, env, rng, stop, 40*time.Millisecond, func(_ context.Context, env *Env, _ *rand.Rand, id string) error {
		env.Confirmations.Confirm(id)
		return nil
	})
}

// Disputer raises disputes as a randomly chosen party.
func Disputer(ctx context.Context, env *Env, rng *rand.Rand, stop <-chan struct{}) error {
	return loop(ctx, env, rng, stop, 20*time.Millisecond, func(ctx context.Context, env *Env, rng *rand.Rand, id string) error {
		t, err := env.Registry.GetTransaction(ctx, id)
		if err != nil {
			return err
		}
		raiser := t.Buyer
		if rng.Intn(2) == 0 {
			raiser = t.Seller
		}
		ctx, err = withProof(ctx, env, authz.Call{Principal: string(raiser), Operation: escrow.ActionRaiseDispute, TransactionID: id})
		if err != nil {
			return err
		}
		return env.Disputes.RaiseDispute(ctx, id, raiser)
	})
}

// Arbiter resolves open disputes.
func Arbiter(ctx context.Context, env *Env, rng *rand.Rand, stop <-chan struct{}) error {
	return loop(ctx, env, rng, stop, 15*time.Millisecond, func(ctx context.Context, env *Env, _ *rand.Rand, id string) error {
		ctx, err := withProof(ctx, env, authz.Call{
			Principal:     string(env.Arbitrator),
			Operation:     escrow.ActionResolveDispute,
			TransactionID: id,
			Role:          authz.RoleArbitrator,
		})
		if err != nil {
			return err
		}
		return env.Disputes.ResolveDispute(ctx, id, env.Arbitrator)
	})
}
