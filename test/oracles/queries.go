package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Oracle is a query that returns no rows while its invariant holds.
type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_audit_seq_contiguous",
			SQL: `SELECT transaction_id, MIN(seq), MAX(seq), COUNT(*) FROM escrow_audit
                  GROUP BY transaction_id
                  HAVING MIN(seq) <> 1 OR MAX(seq) <> COUNT(*)`,
		},
		{
			Name: "O2_agreement_mirrors_transaction",
			SQL: `SELECT t.id, t.value->>'state' AS txn_state, a.value->>'state' AS agreement_state
                  FROM escrow_records t
                  JOIN escrow_records a ON a.keyspace = 'agreement' AND a.id = t.id
                  WHERE t.keyspace = 'transaction'
                    AND t.value->>'state' <> a.value->>'state'`,
		},
		{
			Name: "O3_dispute_state_matches",
			SQL: `SELECT t.id, t.value->>'state' AS txn_state, d.value->>'state' AS dispute_state
                  FROM escrow_records t
                  LEFT JOIN escrow_records d ON d.keyspace = 'dispute' AND d.id = t.id
                  WHERE t.keyspace = 'transaction'
                    AND (   (t.value->>'state' = 'dispute' AND COALESCE(d.value->>'state', '') <> 'open')
                         OR (d.value->>'state' = 'open' AND t.value->>'state' <> 'dispute'))`,
		},
		{
			Name: "O4_resolved_dispute_complete",
			SQL: `SELECT d.id FROM escrow_records d
                  JOIN escrow_records t ON t.keyspace = 'transaction' AND t.id = d.id
                  WHERE d.keyspace = 'dispute'
                    AND d.value->>'state' = 'resolved'
                    AND (t.value->>'state' <> 'complete'
                         OR COALESCE(d.value->>'outcome', '') = ''
                         OR COALESCE(d.value->>'arbitrator', '') = '')`,
		},
		{
			Name: "O5_setup_has_no_history",
			SQL: `SELECT t.id FROM escrow_records t
                  WHERE t.keyspace = 'transaction'
                    AND t.value->>'state' = 'setup'
                    AND EXISTS (SELECT 1 FROM escrow_audit a WHERE a.transaction_id = t.id)`,
		},
		{
			Name: "O6_single_deposit",
			SQL: `SELECT transaction_id, COUNT(*) FROM escrow_audit
                  WHERE payload->>'action' = 'deposit_funds'
                  GROUP BY transaction_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O7_single_settlement",
			SQL: `SELECT t.id, t.value->>'state',
                         (SELECT COUNT(*) FROM escrow_audit a
                          WHERE a.transaction_id = t.id
                            AND a.payload->>'action' IN ('release_funds', 'resolve_dispute')) AS settlements
                  FROM escrow_records t
                  WHERE t.keyspace = 'transaction'
                    AND (SELECT COUNT(*) FROM escrow_audit a
                         WHERE a.transaction_id = t.id
                           AND a.payload->>'action' IN ('release_funds', 'resolve_dispute'))
                        <> CASE WHEN t.value->>'state' = 'complete' THEN 1 ELSE 0 END`,
		},
		{
			Name: "O8_audit_has_transaction",
			SQL: `SELECT DISTINCT a.transaction_id FROM escrow_audit a
                  WHERE NOT EXISTS (SELECT 1 FROM escrow_records t
                                    WHERE t.keyspace = 'transaction' AND t.id = a.transaction_id)`,
		},
		{
			Name: "O9_audit_append_only_guard",
			SQL: `SELECT 'missing_no_mutate_trigger' AS detail
                  WHERE NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname = 'no_mutate_escrow_audit')`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text), or an
// empty name when every invariant holds.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		if rows.Next() {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
	}
	return "", "", nil
}
