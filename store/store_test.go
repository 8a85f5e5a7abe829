package store

import (
	"context"
	"errors"
	"testing"

	"escrowflow/escrow"
)

func seedTransaction(t *testing.T, s Store, id string, state escrow.TransactionState) {
	t.Helper()
	err := s.Update(context.Background(), id, func(ctx context.Context, tx Txn) error {
		if err := InsertAgreement(ctx, tx, escrow.Agreement{ID: id, Buyer: "buyer", Seller: "seller", Amount: escrow.NewAmount(100), State: state}); err != nil {
			return err
		}
		return InsertTransaction(ctx, tx, escrow.Transaction{ID: id, Buyer: "buyer", Seller: "seller", Amount: escrow.NewAmount(100), Token: "USD", State: state})
	})
	if err != nil {
		t.Fatalf("seed %s: %v", id, err)
	}
}

// runContract exercises the behaviour every adapter must share.
func runContract(t *testing.T, s Store) {
	ctx := context.Background()

	t.Run("insert rejects existing key", func(t *testing.T) {
		seedTransaction(t, s, "tx-insert", escrow.StateSetup)
		err := s.Update(ctx, "tx-insert", func(ctx context.Context, tx Txn) error {
			return InsertAgreement(ctx, tx, escrow.Agreement{ID: "tx-insert"})
		})
		if !errors.Is(err, ErrExists) {
			t.Fatalf("expected ErrExists, got %v", err)
		}
	})

	t.Run("keyspaces do not alias", func(t *testing.T) {
		seedTransaction(t, s, "tx-alias", escrow.StateSetup)
		err := s.View(ctx, "tx-alias", func(ctx context.Context, tx Txn) error {
			if _, err := GetDispute(ctx, tx); !errors.Is(err, ErrNotFound) {
				t.Errorf("expected no dispute, got %v", err)
			}
			a, err := GetAgreement(ctx, tx)
			if err != nil {
				return err
			}
			tr, err := GetTransaction(ctx, tx)
			if err != nil {
				return err
			}
			if a.ID != tr.ID || tr.Token != "USD" {
				t.Errorf("unexpected records: %+v %+v", a, tr)
			}
			return nil
		})
		if err != nil {
			t.Fatalf("view: %v", err)
		}
	})

	t.Run("failed unit commits nothing", func(t *testing.T) {
		seedTransaction(t, s, "tx-abort", escrow.StateSetup)
		boom := errors.New("boom")
		err := s.Update(ctx, "tx-abort", func(ctx context.Context, tx Txn) error {
			if _, err := Advance(ctx, tx, escrow.StateDeposit); err != nil {
				return err
			}
			if _, err := tx.Append(ctx, []byte(`{"action":"deposit_funds"}`)); err != nil {
				return err
			}
			return boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("expected boom, got %v", err)
		}
		_ = s.View(ctx, "tx-abort", func(ctx context.Context, tx Txn) error {
			tr, err := GetTransaction(ctx, tx)
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if tr.State != escrow.StateSetup {
				t.Errorf("state = %s, want setup", tr.State)
			}
			log, err := tx.Log(ctx)
			if err != nil {
				t.Fatalf("log: %v", err)
			}
			if len(log) != 0 {
				t.Errorf("expected empty log, got %d records", len(log))
			}
			return nil
		})
	})

	t.Run("advance mirrors agreement and rejects illegal edges", func(t *testing.T) {
		seedTransaction(t, s, "tx-advance", escrow.StateSetup)
		err := s.Update(ctx, "tx-advance", func(ctx context.Context, tx Txn) error {
			_, err := Advance(ctx, tx, escrow.StateDeposit)
			return err
		})
		if err != nil {
			t.Fatalf("advance: %v", err)
		}
		err = s.Update(ctx, "tx-advance", func(ctx context.Context, tx Txn) error {
			_, err := Advance(ctx, tx, escrow.StateSetup)
			return err
		})
		if !errors.Is(err, escrow.ErrInvalidTransactionState) {
			t.Fatalf("expected invalid state, got %v", err)
		}
		_ = s.View(ctx, "tx-advance", func(ctx context.Context, tx Txn) error {
			a, _ := GetAgreement(ctx, tx)
			tr, _ := GetTransaction(ctx, tx)
			if a.State != escrow.StateDeposit || tr.State != escrow.StateDeposit {
				t.Errorf("agreement %s transaction %s, want deposit for both", a.State, tr.State)
			}
			return nil
		})
	})

	t.Run("advance on missing transaction", func(t *testing.T) {
		err := s.Update(ctx, "tx-missing", func(ctx context.Context, tx Txn) error {
			_, err := Advance(ctx, tx, escrow.StateDeposit)
			return err
		})
		if !errors.Is(err, escrow.ErrTransactionNotFound) {
			t.Fatalf("expected transaction not found, got %v", err)
		}
	})

	t.Run("log sequence is monotonic per id", func(t *testing.T) {
		for i := 0; i < 3; i++ {
			err := s.Update(ctx, "tx-log", func(ctx context.Context, tx Txn) error {
				seq, err := tx.Append(ctx, []byte(`{"n":1}`))
				if err != nil {
					return err
				}
				if seq != int64(i)+1 {
					t.Errorf("seq = %d, want %d", seq, i+1)
				}
				return nil
			})
			if err != nil {
				t.Fatalf("append %d: %v", i, err)
			}
		}
		_ = s.View(ctx, "tx-log-other", func(ctx context.Context, tx Txn) error {
			log, _ := tx.Log(ctx)
			if len(log) != 0 {
				t.Errorf("other id sees %d records", len(log))
			}
			return nil
		})
	})

	t.Run("nested update joins active unit", func(t *testing.T) {
		seedTransaction(t, s, "tx-nested", escrow.StateSetup)
		err := s.Update(ctx, "tx-nested", func(ctx context.Context, outer Txn) error {
			if !InUnit(ctx, s, "tx-nested") {
				t.Errorf("expected active unit")
			}
			if _, err := Advance(ctx, outer, escrow.StateDeposit); err != nil {
				return err
			}
			return s.Update(ctx, "tx-nested", func(ctx context.Context, inner Txn) error {
				tr, err := GetTransaction(ctx, inner)
				if err != nil {
					return err
				}
				if tr.State != escrow.StateDeposit {
					t.Errorf("inner unit sees %s, want staged deposit", tr.State)
				}
				return nil
			})
		})
		if err != nil {
			t.Fatalf("nested: %v", err)
		}
	})

	t.Run("write inside view is rejected", func(t *testing.T) {
		err := s.View(ctx, "tx-ro", func(ctx context.Context, tx Txn) error {
			return s.Update(ctx, "tx-ro", func(ctx context.Context, tx Txn) error { return nil })
		})
		if !errors.Is(err, ErrReadOnly) {
			t.Fatalf("expected ErrReadOnly, got %v", err)
		}
	})
}
