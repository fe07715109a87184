package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"tradedesk/internal/logging"
)

// RetentionPolicy bounds the active agent memory table.
type RetentionPolicy struct {
	// Cap is the global row cap of the active table.
	Cap int
	// Floors is the minimum retained row count per protected kind.
	Floors map[Kind]int
	// Ceilings is the hard per-kind maximum for noisy kinds.
	Ceilings map[Kind]int
	// NonPrunable kinds are never deleted by retention.
	NonPrunable []Kind
}

// DefaultRetentionPolicy returns the shipped retention rules.
func DefaultRetentionPolicy() RetentionPolicy {
	return RetentionPolicy{
		Cap: DefaultLimits().AgentMemories,
		Floors: map[Kind]int{
			KindSignalHistory:   500,
			KindLesson:          200,
			KindSetup:           100,
			KindBacktestSummary: 50,
			KindAcademyCase:     100,
		},
		Ceilings: map[Kind]int{
			KindChartEvent:  200,
			KindUIEvent:     200,
			KindActionTrace: 300,
		},
		NonPrunable: []Kind{KindSignal, KindSignalEntry, KindAcademyCase},
	}
}

func (p RetentionPolicy) isZero() bool {
	return p.Cap == 0 && len(p.Floors) == 0 && len(p.Ceilings) == 0 && len(p.NonPrunable) == 0
}

func (p RetentionPolicy) nonPrunable(k Kind) bool {
	for _, np := range p.NonPrunable {
		if np == k {
			return true
		}
	}
	return false
}

// RetentionReport counts rows removed by each cascade step.
type RetentionReport struct {
	Ceiling     int64 `json:"ceiling"`
	Unprotected int64 `json:"unprotected"`
	Floor       int64 `json:"floor"`
	Emergency   int64 `json:"emergency"`
	Remaining   int64 `json:"remaining"`
	OverCap     bool  `json:"overCap"`
}

// Total is the number of rows removed.
func (r RetentionReport) Total() int64 {
	return r.Ceiling + r.Unprotected + r.Floor + r.Emergency
}

// retention runs the eviction cascade against the active agent memory table.
type retention struct {
	policy RetentionPolicy
	log    zerolog.Logger
}

// apply runs the cascade inside tx. Ceilings are always enforced; the
// remaining steps run in order only while the table is over its cap, and a
// step is skipped as soon as the cap is met.
func (r retention) apply(ctx context.Context, q queryer) (RetentionReport, error) {
	var rep RetentionReport

	for _, kind := range sortedKinds(r.policy.Ceilings) {
		if r.policy.nonPrunable(kind) {
			continue
		}
		n, err := trimKind(ctx, q, kind, r.policy.Ceilings[kind])
		if err != nil {
			return rep, err
		}
		rep.Ceiling += n
	}

	steps := []struct {
		name string
		dst  *int64
		run  func(excess int64) (int64, error)
	}{
		{"unprotected", &rep.Unprotected, func(excess int64) (int64, error) {
			exclude := append(sortedKinds(r.policy.Floors), r.policy.NonPrunable...)
			return trimOldestExcept(ctx, q, exclude, excess)
		}},
		{"floor", &rep.Floor, func(excess int64) (int64, error) {
			return r.trimAboveFloors(ctx, q, excess)
		}},
		{"emergency", &rep.Emergency, func(excess int64) (int64, error) {
			return trimOldestExcept(ctx, q, r.policy.NonPrunable, excess)
		}},
	}

	for _, step := range steps {
		count, err := countRows(ctx, q, "agent_memories")
		if err != nil {
			return rep, fmt.Errorf("failed to count agent memories: %w", err)
		}
		rep.Remaining = count
		excess := count - int64(r.policy.Cap)
		if r.policy.Cap <= 0 || excess <= 0 {
			return rep, r.report(rep)
		}
		n, err := step.run(excess)
		if err != nil {
			return rep, fmt.Errorf("retention %s step: %w", step.name, err)
		}
		*step.dst += n
	}

	count, err := countRows(ctx, q, "agent_memories")
	if err != nil {
		return rep, fmt.Errorf("failed to count agent memories: %w", err)
	}
	rep.Remaining = count
	if count > int64(r.policy.Cap) {
		rep.OverCap = true
		r.log.Warn().
			Int64("rows", count).
			Int("cap", r.policy.Cap).
			Msg("Agent memory over cap; remaining rows are non-prunable")
	}
	return rep, r.report(rep)
}

func (r retention) report(rep RetentionReport) error {
	if rep.Total() > 0 {
		r.log.Info().
			Int64("ceiling", rep.Ceiling).
			Int64("unprotected", rep.Unprotected).
			Int64("floor", rep.Floor).
			Int64("emergency", rep.Emergency).
			Int64("remaining", rep.Remaining).
			Msg("Retention cascade trimmed agent memory")
	}
	return nil
}

// trimAboveFloors deletes up to excess of the oldest protected rows that sit
// above their kind's floor. Non-prunable kinds are skipped even if floored.
func (r retention) trimAboveFloors(ctx context.Context, q queryer, excess int64) (int64, error) {
	type candidate struct {
		id        string
		updatedAt int64
	}
	var candidates []candidate

	for _, kind := range sortedKinds(r.policy.Floors) {
		if r.policy.nonPrunable(kind) {
			continue
		}
		rows, err := q.QueryContext(ctx, `
			SELECT id, updated_at FROM agent_memories
			WHERE kind = ?
			ORDER BY updated_at DESC, id DESC
			LIMIT -1 OFFSET ?
		`, string(kind), r.policy.Floors[kind])
		if err != nil {
			return 0, err
		}
		for rows.Next() {
			var c candidate
			if err := rows.Scan(&c.id, &c.updatedAt); err != nil {
				rows.Close()
				return 0, err
			}
			candidates = append(candidates, c)
		}
		if err := rows.Close(); err != nil {
			return 0, err
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].updatedAt != candidates[j].updatedAt {
			return candidates[i].updatedAt < candidates[j].updatedAt
		}
		return candidates[i].id < candidates[j].id
	})
	if int64(len(candidates)) > excess {
		candidates = candidates[:excess]
	}

	var deleted int64
	for _, c := range candidates {
		res, err := q.ExecContext(ctx, `DELETE FROM agent_memories WHERE id = ?`, c.id)
		if err != nil {
			return deleted, err
		}
		n, _ := res.RowsAffected()
		deleted += n
	}
	return deleted, nil
}

// trimKind deletes the oldest rows of kind beyond keep.
func trimKind(ctx context.Context, q queryer, kind Kind, keep int) (int64, error) {
	if keep < 0 {
		keep = 0
	}
	res, err := q.ExecContext(ctx, `
		DELETE FROM agent_memories WHERE id IN (
			SELECT id FROM agent_memories WHERE kind = ?
			ORDER BY updated_at DESC, id DESC LIMIT -1 OFFSET ?
		)`, string(kind), keep)
	if err != nil {
		return 0, fmt.Errorf("failed to trim %s: %w", kind, err)
	}
	return res.RowsAffected()
}

// trimOldestExcept deletes up to n of the oldest rows whose kind is not in exclude.
func trimOldestExcept(ctx context.Context, q queryer, exclude []Kind, n int64) (int64, error) {
	if n <= 0 {
		return 0, nil
	}
	where, args := kindNotIn(exclude)
	args = append(args, n)
	res, err := q.ExecContext(ctx, `
		DELETE FROM agent_memories WHERE id IN (
			SELECT id FROM agent_memories`+where+`
			ORDER BY updated_at ASC, id ASC LIMIT ?
		)`, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func kindNotIn(kinds []Kind) (string, []any) {
	if len(kinds) == 0 {
		return "", nil
	}
	args := make([]any, len(kinds))
	for i, k := range kinds {
		args[i] = string(k)
	}
	return " WHERE kind IS NULL OR kind NOT IN (" + placeholders(len(kinds)) + ")", args
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func sortedKinds(m map[Kind]int) []Kind {
	out := make([]Kind, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// EnforceRetention runs the retention cascade outside of an upsert.
func (s *SQLiteStore) EnforceRetention(ctx context.Context) (RetentionReport, error) {
	var rep RetentionReport
	err := s.mutate(ctx, "enforce_retention", func(ctx context.Context, tx *sql.Tx) error {
		var err error
		rep, err = s.retention().apply(ctx, tx)
		return err
	})
	return rep, err
}

func (s *SQLiteStore) retention() retention {
	return retention{
		policy: s.opts.Retention,
		log:    logging.Component(s.log, "retention"),
	}
}
