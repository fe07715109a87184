package store

import (
	"context"
	"database/sql"
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// Property: after canonicalization every signal-bearing row carries its
// canonical key, each signal identity owns exactly one row, and a second pass
// changes nothing.
func TestProperty_CanonicalizationConverges(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 25
	properties := gopter.NewProperties(parameters)

	signalIDs := []string{"S1", "S2", "S3"}

	properties.Property("canonicalize converges", prop.ForAll(
		func(picks []int, canonicalMask int) bool {
			s, _ := openTestStore(t)
			ctx := context.Background()

			want := map[string]bool{}
			for i, p := range picks {
				id := signalIDs[p%len(signalIDs)]
				want["signal_entry:"+id] = true
				insertLegacyRow(t, s, fmt.Sprintf("r%d", i), fmt.Sprintf("legacy-%d", i), "signal_entry",
					fmt.Sprintf(`{"signalId":%q,"n":%d}`, id, i), int64(10+i))
			}
			for i, id := range signalIDs {
				if canonicalMask&(1<<i) != 0 {
					key := "signal_entry:" + id
					want[key] = true
					insertLegacyRow(t, s, "canon-"+id, key, "signal_entry", fmt.Sprintf(`{"signalId":%q}`, id), 1)
				}
			}

			if _, err := s.CanonicalizeCases(ctx); err != nil {
				t.Logf("canonicalize: %v", err)
				return false
			}

			rows, err := s.db.QueryContext(ctx, `SELECT key FROM agent_memories WHERE kind = 'signal_entry'`)
			if err != nil {
				return false
			}
			got := map[string]int{}
			for rows.Next() {
				var key string
				if err := rows.Scan(&key); err != nil {
					rows.Close()
					return false
				}
				got[key]++
			}
			rows.Close()

			if len(got) != len(want) {
				t.Logf("keys %v, want %v", got, want)
				return false
			}
			for key, n := range got {
				if !want[key] || n != 1 {
					t.Logf("key %s appears %d times", key, n)
					return false
				}
			}

			var again RepairSummary
			err = s.mutate(ctx, "recanonicalize", func(ctx context.Context, tx *sql.Tx) error {
				return s.canonicalizeCases(ctx, tx, &again)
			})
			return err == nil && again.Repaired == 0
		},
		gen.SliceOfN(6, gen.IntRange(0, 2)),
		gen.IntRange(0, 7),
	))

	properties.TestingRun(t)
}
