package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"escrowflow/clock"
	"escrowflow/escrow"
	"escrowflow/store"
)

func TestRecordAndList(t *testing.T) {
	ctx := context.Background()
	src := clock.NewManual(1_000)
	log := New(store.NewMemory(), src, zaptest.NewLogger(t))

	if err := log.RecordAction(ctx, "tx-1", escrow.ActionDepositFunds); err != nil {
		t.Fatalf("record deposit: %v", err)
	}
	src.Advance(5 * time.Second)
	if err := log.RecordActor(ctx, "tx-1", escrow.ActionRaiseDispute, "buyer"); err != nil {
		t.Fatalf("record dispute: %v", err)
	}
	if err := log.RecordAction(ctx, "tx-2", escrow.ActionDepositFunds); err != nil {
		t.Fatalf("record other: %v", err)
	}

	entries, err := log.GetAuditLogs(ctx, "tx-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Seq != 1 || entries[1].Seq != 2 {
		t.Errorf("unexpected seqs %d, %d", entries[0].Seq, entries[1].Seq)
	}
	if entries[0].Action != escrow.ActionDepositFunds || entries[1].Actor != "buyer" {
		t.Errorf("unexpected entries %+v", entries)
	}
	if entries[1].RecordedAt != 1_005 {
		t.Errorf("recorded_at = %d, want 1005", entries[1].RecordedAt)
	}
	if entries[0].ID == "" || entries[0].ID == entries[1].ID {
		t.Errorf("expected distinct entry ids")
	}
	if got := entries[0].String(); got != "Transaction: tx-1, Action: deposit_funds" {
		t.Errorf("String() = %q", got)
	}
}

func TestEmptyLog(t *testing.T) {
	entries, err := New(store.NewMemory(), nil, nil).GetAuditLogs(context.Background(), "unknown")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if entries == nil || len(entries) != 0 {
		t.Fatalf("expected empty non-nil slice, got %#v", entries)
	}
}

func TestRecordJoinsActiveUnit(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	log := New(s, nil, zaptest.NewLogger(t))
	boom := errors.New("boom")

	err := s.Update(ctx, "tx-1", func(ctx context.Context, _ store.Txn) error {
		if err := log.RecordAction(ctx, "tx-1", escrow.ActionReleaseFunds); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	entries, _ := log.GetAuditLogs(ctx, "tx-1")
	if len(entries) != 0 {
		t.Fatalf("entry survived aborted unit: %+v", entries)
	}
}

func TestRecordRejectsEmptyInput(t *testing.T) {
	err := New(store.NewMemory(), nil, nil).RecordAction(context.Background(), "", "deposit_funds")
	if !errors.Is(err, escrow.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}
