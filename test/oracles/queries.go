package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

// All returns the invariants checked while the stress actors run. Each query
// returns the offending rows.
func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_one_active_agreement",
			SQL: `SELECT deal_id, COUNT(*) FROM agreements
                  WHERE status <> 'superseded'
                  GROUP BY deal_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_signature_order",
			SQL: `SELECT id, deal_id FROM agreements
                  WHERE agent_signed_at IS NOT NULL AND investor_signed_at IS NULL`,
		},
		{
			Name: "O3_fully_signed_has_both_signatures",
			SQL: `SELECT id FROM agreements
                  WHERE status = 'fully_signed'
                    AND (investor_signed_at IS NULL OR agent_signed_at IS NULL)`,
		},
		{
			Name: "O4_unlock_is_sticky",
			SQL: `SELECT d.id FROM deals d
                  WHERE d.unlocked_at IS NULL
                    AND EXISTS (SELECT 1 FROM agreements a
                                WHERE a.deal_id = d.id AND a.agent_signed_at IS NOT NULL
                                  AND a.investor_signed_at IS NOT NULL)`,
		},
		{
			Name: "O5_one_pending_counter_offer",
			SQL: `SELECT deal_id, COUNT(*) FROM counter_offers
                  WHERE status = 'pending'
                  GROUP BY deal_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O6_one_active_escrow",
			SQL: `SELECT room_id, COUNT(*) FROM escrow_transactions
                  WHERE status NOT IN ('completed', 'cancelled', 'rejected')
                  GROUP BY room_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O7_versions_contiguous",
			SQL: `SELECT deal_id FROM agreements
                  GROUP BY deal_id HAVING MAX(version) <> COUNT(*)`,
		},
		{
			Name: "O8_counterparty_matches_room",
			SQL: `SELECT d.id FROM deals d
                  JOIN rooms r ON r.deal_id = d.id AND r.request_status = 'accepted'
                  WHERE d.counterparty_id IS DISTINCT FROM r.counterparty_id`,
		},
		{
			Name: "O9_outbox_drains",
			SQL: `SELECT id, topic, attempts FROM outbox
                  WHERE status NOT IN ('processed', 'dead')
                    AND now() - created_at > interval '5 minutes'`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
