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

// All holds the invariants that must hold at any instant of a run.
func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_one_saga_per_business_key",
			SQL: `SELECT external_id, COUNT(*) FROM sagas
                  GROUP BY external_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_terminal_without_emission",
			SQL: `SELECT s.correlation_id, s.state FROM sagas s
                  WHERE s.state <> 'initial'
                    AND NOT EXISTS (SELECT 1 FROM stress_emissions e
                                    WHERE e.correlation_id = s.correlation_id
                                      AND e.kind = s.state)`,
		},
		{
			Name: "O3_emission_kind_mismatch",
			SQL: `SELECT e.correlation_id, e.kind, s.state FROM stress_emissions e
                  JOIN sagas s ON s.correlation_id = e.correlation_id
                  WHERE s.state <> 'initial' AND e.kind <> s.state`,
		},
		{
			Name: "O4_verdict_matches_state",
			SQL: `SELECT correlation_id, state, is_valid, validation_errors FROM sagas
                  WHERE (state = 'processed' AND (NOT is_valid OR cardinality(validation_errors) > 0))
                     OR (state = 'invalid' AND (is_valid OR cardinality(validation_errors) = 0))
                     OR (state <> 'initial' AND lease_until IS NOT NULL)`,
		},
		{
			Name: "O5_terminal_guard_installed",
			SQL: `SELECT 'missing_sagas_terminal_guard' AS detail
                  WHERE NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname = 'sagas_terminal_guard')`,
		},
	}
}

// AfterDrain holds the invariants that only hold once every record was
// redelivered to completion.
func AfterDrain() []Oracle {
	return []Oracle{
		{
			Name: "D1_no_unresolved_sagas",
			SQL:  `SELECT correlation_id, external_id, version, lease_until FROM sagas WHERE state = 'initial'`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	return RunSet(ctx, pool, All())
}

// RunSet is Run over an explicit oracle list.
func RunSet(ctx context.Context, pool *pgxpool.Pool, set []Oracle) (string, string, error) {
	for _, o := range set {
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
