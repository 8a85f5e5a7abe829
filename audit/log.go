// Package audit keeps the append-only trail of state-mutating actions per transaction.
package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"escrowflow/clock"
	"escrowflow/escrow"
	"escrowflow/store"
)

// Log appends and lists audit entries. Entries are never updated or removed.
type Log struct {
	store  store.Store
	clock  clock.Source
	logger *zap.Logger
}

func New(s store.Store, src clock.Source, logger *zap.Logger) *Log {
	if src == nil {
		src = clock.System{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{store: s, clock: src, logger: logger}
}

// record is the stored payload; the sequence number is owned by the log storage.
type record struct {
	ID         string          `json:"id"`
	Action     string          `json:"action"`
	Actor      escrow.Address  `json:"actor,omitempty"`
	RecordedAt clock.Timestamp `json:"recorded_at"`
}

// RecordAction appends action for id without an acting principal.
func (l *Log) RecordAction(ctx context.Context, id, action string) error {
	return l.RecordActor(ctx, id, action, "")
}

// RecordActor appends action for id. Called inside an active unit of work for id, the entry
// commits or rolls back with that unit.
func (l *Log) RecordActor(ctx context.Context, id, action string, actor escrow.Address) error {
	if id == "" || action == "" {
		return escrow.Errorf("record_action", escrow.KindInvalidInput, "transaction id and action are required")
	}

	rec := record{
		ID:         uuid.NewString(),
		Action:     action,
		Actor:      actor,
		RecordedAt: l.clock.Now(),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("audit: marshal entry: %w", err)
	}

	var seq int64
	err = l.store.Update(ctx, id, func(ctx context.Context, tx store.Txn) error {
		seq, err = tx.Append(ctx, data)
		return err
	})
	if err != nil {
		return fmt.Errorf("audit: append %s: %w", action, err)
	}

	l.logger.Debug("audit entry appended",
		zap.String("transaction_id", id),
		zap.String("operation", action),
		zap.Int64("seq", seq),
	)
	return nil
}

// GetAuditLogs returns the entries for id in append order, or an empty slice.
func (l *Log) GetAuditLogs(ctx context.Context, id string) ([]escrow.AuditEntry, error) {
	var out []escrow.AuditEntry
	err := l.store.View(ctx, id, func(ctx context.Context, tx store.Txn) error {
		recs, err := tx.Log(ctx)
		if err != nil {
			return err
		}
		out = make([]escrow.AuditEntry, 0, len(recs))
		for _, r := range recs {
			var rec record
			if err := json.Unmarshal(r.Data, &rec); err != nil {
				return fmt.Errorf("audit: decode entry %d: %w", r.Seq, err)
			}
			out = append(out, escrow.AuditEntry{
				ID:            rec.ID,
				TransactionID: id,
				Seq:           r.Seq,
				Action:        rec.Action,
				Actor:         rec.Actor,
				RecordedAt:    rec.RecordedAt,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
