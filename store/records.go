package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"escrowflow/escrow"
)

func getJSON(ctx context.Context, tx Txn, ks Keyspace, out any) error {
	raw, err := tx.Get(ctx, ks)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("store: decode %s/%s: %w", ks, tx.ID(), err)
	}
	return nil
}

func encode(ks Keyspace, id string, v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("store: encode %s/%s: %w", ks, id, err)
	}
	return raw, nil
}

func putJSON(ctx context.Context, tx Txn, ks Keyspace, v any) error {
	raw, err := encode(ks, tx.ID(), v)
	if err != nil {
		return err
	}
	return tx.Put(ctx, ks, raw)
}

func insertJSON(ctx context.Context, tx Txn, ks Keyspace, v any) error {
	raw, err := encode(ks, tx.ID(), v)
	if err != nil {
		return err
	}
	return tx.Insert(ctx, ks, raw)
}

func GetAgreement(ctx context.Context, tx Txn) (escrow.Agreement, error) {
	var a escrow.Agreement
	err := getJSON(ctx, tx, KeyspaceAgreement, &a)
	return a, err
}

// InsertAgreement fails with ErrExists when the identifier already has an agreement.
func InsertAgreement(ctx context.Context, tx Txn, a escrow.Agreement) error {
	return insertJSON(ctx, tx, KeyspaceAgreement, a)
}

func GetTransaction(ctx context.Context, tx Txn) (escrow.Transaction, error) {
	var t escrow.Transaction
	err := getJSON(ctx, tx, KeyspaceTransaction, &t)
	return t, err
}

// InsertTransaction fails with ErrExists when the identifier already has a transaction.
func InsertTransaction(ctx context.Context, tx Txn, t escrow.Transaction) error {
	return insertJSON(ctx, tx, KeyspaceTransaction, t)
}

// PutTransaction overwrites the transaction record without checking the lifecycle.
// Only seeding and repair tooling should call it; state changes go through Advance.
func PutTransaction(ctx context.Context, tx Txn, t escrow.Transaction) error {
	return putJSON(ctx, tx, KeyspaceTransaction, t)
}

func GetDispute(ctx context.Context, tx Txn) (escrow.Dispute, error) {
	var d escrow.Dispute
	err := getJSON(ctx, tx, KeyspaceDispute, &d)
	return d, err
}

func PutDispute(ctx context.Context, tx Txn, d escrow.Dispute) error {
	return putJSON(ctx, tx, KeyspaceDispute, d)
}

// Advance moves the transaction to next and mirrors the state onto its agreement in the
// same unit. Edges outside the lifecycle fail with escrow.ErrInvalidTransactionState.
func Advance(ctx context.Context, tx Txn, next escrow.TransactionState) (escrow.Transaction, error) {
	t, err := GetTransaction(ctx, tx)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return escrow.Transaction{}, escrow.E("advance", escrow.KindTransactionNotFound, err)
		}
		return escrow.Transaction{}, err
	}
	if !escrow.CanAdvance(t.State, next) {
		return escrow.Transaction{}, escrow.Errorf("advance", escrow.KindInvalidTransactionState, "%s -> %s", t.State, next)
	}

	t.State = next
	if err := putJSON(ctx, tx, KeyspaceTransaction, t); err != nil {
		return escrow.Transaction{}, err
	}

	a, err := GetAgreement(ctx, tx)
	switch {
	case err == nil:
		a.State = next
		if err := putJSON(ctx, tx, KeyspaceAgreement, a); err != nil {
			return escrow.Transaction{}, err
		}
	case errors.Is(err, ErrNotFound):
		// transactions seeded without agreement terms have nothing to mirror
	default:
		return escrow.Transaction{}, err
	}
	return t, nil
}
