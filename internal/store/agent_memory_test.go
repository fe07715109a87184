package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "tradedesk/internal/errors"
)

func TestUpsertAgentMemory_ConvergesOnCanonicalKey(t *testing.T) {
	s, clock := openTestStore(t)
	ctx := context.Background()

	first, err := s.UpsertAgentMemory(ctx, AgentMemory{
		Key:     "signal:S1",
		Symbol:  "INFY",
		Tags:    []string{"Breakout"},
		Payload: Object(map[string]any{"signalId": "S1", "entryPrice": 1510.0}),
	})
	require.NoError(t, err)
	assert.Equal(t, KindSignal, first.Kind)
	assert.Equal(t, "signal:S1", first.Key)
	assert.Equal(t, []string{"breakout"}, first.Tags)

	clock.Advance(time.Second)
	second, err := s.UpsertAgentMemory(ctx, AgentMemory{
		Key:     "ui-generated-7f3a",
		Kind:    KindSignal,
		Payload: Object(map[string]any{"signalId": "S1", "action": "BUY"}),
	})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "signal:S1", second.Key)
	assert.Equal(t, "INFY", second.Symbol)
	assert.Equal(t, "BUY", second.Payload.Fields["action"])
	assert.Equal(t, 1510.0, second.Payload.Fields["entryPrice"])
	assert.Equal(t, first.CreatedAtMs, second.CreatedAtMs)
	assert.Greater(t, second.UpdatedAtMs, first.UpdatedAtMs)

	list, err := s.ListAgentMemory(ctx, AgentMemoryFilter{})
	require.NoError(t, err)
	require.Len(t, list, 1)

	got, err := s.GetAgentMemory(ctx, "signal:S1", false)
	require.NoError(t, err)
	assert.Equal(t, "BUY", got.Signal().Action)
	assert.Equal(t, "1510", got.Signal().EntryPrice.String())
}

func TestUpsertAgentMemory_DifferentIDPrefersExisting(t *testing.T) {
	s, clock := openTestStore(t)
	ctx := context.Background()

	existing, err := s.UpsertAgentMemory(ctx, AgentMemory{
		Key:     "signal_entry:S9",
		Summary: "long from VWAP reclaim",
		Tags:    []string{"vwap"},
		Payload: Object(map[string]any{"status": "open"}),
	})
	require.NoError(t, err)

	clock.Advance(time.Second)
	merged, err := s.UpsertAgentMemory(ctx, AgentMemory{
		ID:          "client-generated",
		Key:         "signal_entry_S9",
		Summary:     "different summary",
		Tags:        []string{"scalp"},
		Payload:     Object(map[string]any{"status": "closed", "pnl": 12.5}),
		CreatedAtMs: existing.CreatedAtMs - 60_000,
	})
	require.NoError(t, err)
	assert.Equal(t, existing.ID, merged.ID)
	assert.Equal(t, "signal_entry:S9", merged.Key)
	assert.Equal(t, "long from VWAP reclaim", merged.Summary)
	assert.Equal(t, []string{"scalp", "vwap"}, merged.Tags)
	assert.Equal(t, "open", merged.Payload.Fields["status"])
	assert.Equal(t, 12.5, merged.Payload.Fields["pnl"])
	assert.Equal(t, existing.CreatedAtMs-60_000, merged.CreatedAtMs)

	_, err = s.GetAgentMemory(ctx, "client-generated", false)
	require.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestUpsertAgentMemory_SameIDIncomingWins(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	m, err := s.UpsertAgentMemory(ctx, AgentMemory{Key: "lesson:patience", Summary: "v1"})
	require.NoError(t, err)
	assert.Equal(t, KindLesson, m.Kind)

	m, err = s.UpsertAgentMemory(ctx, AgentMemory{ID: m.ID, Key: "lesson:patience", Summary: "v2"})
	require.NoError(t, err)
	assert.Equal(t, "v2", m.Summary)

	m, err = s.UpsertAgentMemory(ctx, AgentMemory{Key: "lesson:patience", Summary: "v3"})
	require.NoError(t, err)
	assert.Equal(t, "v3", m.Summary)
}

func TestUpsertAgentMemory_ResolvedOutcomeKeyKeptVerbatim(t *testing.T) {
	s, _ := openTestStore(t)
	m, err := s.UpsertAgentMemory(context.Background(), AgentMemory{
		Key:     "signal_outcome_resolved:S1",
		Payload: Object(map[string]any{"outcome": "win"}),
	})
	require.NoError(t, err)
	assert.Equal(t, "signal_outcome_resolved:S1", m.Key)
	assert.Equal(t, KindSignalHistory, m.Kind)
}

func TestUpsertAgentMemory_Validation(t *testing.T) {
	s, _ := openTestStore(t)
	_, err := s.UpsertAgentMemory(context.Background(), AgentMemory{Summary: "no identity"})
	require.ErrorIs(t, err, apperrors.ErrValidation)

	m, err := s.UpsertAgentMemory(context.Background(), AgentMemory{ID: "only-id"})
	require.NoError(t, err)
	assert.Equal(t, "note:only-id", m.Key)
}

func TestGetAgentMemory_Touch(t *testing.T) {
	s, clock := openTestStore(t)
	ctx := context.Background()

	m, err := s.UpsertAgentMemory(ctx, AgentMemory{Key: "setup:orb"})
	require.NoError(t, err)
	assert.Zero(t, m.LastAccessedAtMs)

	clock.Advance(time.Minute)
	got, err := s.GetAgentMemory(ctx, m.ID, true)
	require.NoError(t, err)
	assert.Equal(t, clock.Now().UnixMilli(), got.LastAccessedAtMs)

	again, err := s.GetAgentMemory(ctx, "setup:orb", false)
	require.NoError(t, err)
	assert.Equal(t, got.LastAccessedAtMs, again.LastAccessedAtMs)
	assert.Equal(t, m.UpdatedAtMs, again.UpdatedAtMs)

	_, err = s.GetAgentMemory(ctx, "setup:none", false)
	require.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestListAgentMemory_Filters(t *testing.T) {
	s, clock := openTestStore(t)
	ctx := context.Background()

	seed := []AgentMemory{
		{Key: "lesson:1", Symbol: "INFY", Timeframe: "5m", Tags: []string{"trend", "morning"}},
		{Key: "lesson:2", Symbol: "INFY", Timeframe: "15m", Tags: []string{"trend"}},
		{Key: "setup:1", Symbol: "TCS", Timeframe: "5m", Tags: []string{"trend", "morning"}},
	}
	var stamps []int64
	for _, m := range seed {
		out, err := s.UpsertAgentMemory(ctx, m)
		require.NoError(t, err)
		stamps = append(stamps, out.UpdatedAtMs)
		clock.Advance(time.Second)
	}

	bySymbol, err := s.ListAgentMemory(ctx, AgentMemoryFilter{Symbol: "infy"})
	require.NoError(t, err)
	require.Len(t, bySymbol, 2)
	assert.Equal(t, "lesson:2", bySymbol[0].Key)

	byTags, err := s.ListAgentMemory(ctx, AgentMemoryFilter{Tags: []string{"Morning", "trend"}})
	require.NoError(t, err)
	assert.Len(t, byTags, 2)

	byKind, err := s.ListAgentMemory(ctx, AgentMemoryFilter{Kind: KindSetup, Timeframe: "5M"})
	require.NoError(t, err)
	require.Len(t, byKind, 1)
	assert.Equal(t, "setup:1", byKind[0].Key)

	recent, err := s.ListAgentMemory(ctx, AgentMemoryFilter{UpdatedAfterMs: stamps[0]})
	require.NoError(t, err)
	assert.Len(t, recent, 2)

	limited, err := s.ListAgentMemory(ctx, AgentMemoryFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestArchiveAgentMemories_Exemptions(t *testing.T) {
	s, clock := openTestStore(t)
	ctx := context.Background()

	var stamps []int64
	for i := 1; i <= 4; i++ {
		m, err := s.UpsertAgentMemory(ctx, AgentMemory{Key: fmt.Sprintf("lesson:%d", i)})
		require.NoError(t, err)
		stamps = append(stamps, m.UpdatedAtMs)
		clock.Advance(time.Second)
	}
	require.NoError(t, s.SetAgentMemoryLocked(ctx, "lesson:2", true))

	res, err := s.ArchiveAgentMemories(ctx, ArchiveOptions{CutoffMs: stamps[3], KeepRecentPerKind: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Archived)

	active, err := s.ListAgentMemory(ctx, AgentMemoryFilter{})
	require.NoError(t, err)
	var keys []string
	for _, m := range active {
		keys = append(keys, m.Key)
	}
	assert.ElementsMatch(t, []string{"lesson:2", "lesson:4"}, keys)

	all, err := s.ListAgentMemory(ctx, AgentMemoryFilter{IncludeArchived: true})
	require.NoError(t, err)
	assert.Len(t, all, 4)

	archived, err := s.GetAgentMemory(ctx, "lesson:1", true)
	require.NoError(t, err)
	assert.True(t, archived.Archived())
	assert.Zero(t, archived.LastAccessedAtMs)

	// Writing to an archived record brings it back.
	restored, err := s.UpsertAgentMemory(ctx, AgentMemory{Key: "lesson:1", Summary: "still true"})
	require.NoError(t, err)
	assert.Equal(t, archived.ID, restored.ID)
	assert.False(t, restored.Archived())

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), st.Counts["agent_memories"])
	assert.Equal(t, int64(1), st.Counts["agent_memory_archive"])
}

func TestArchiveAgentMemories_Validation(t *testing.T) {
	s, _ := openTestStore(t)
	_, err := s.ArchiveAgentMemories(context.Background(), ArchiveOptions{})
	require.ErrorIs(t, err, apperrors.ErrValidation)
	_, err = s.ArchiveAgentMemories(context.Background(), ArchiveOptions{CutoffMs: 1, KeepRecentPerKind: -1})
	require.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestDeleteAndClearAgentMemory(t *testing.T) {
	s, clock := openTestStore(t)
	ctx := context.Background()

	for _, k := range []string{"lesson:a", "lesson:b", "lesson:c"} {
		_, err := s.UpsertAgentMemory(ctx, AgentMemory{Key: k})
		require.NoError(t, err)
		clock.Advance(time.Second)
	}
	_, err := s.ArchiveAgentMemories(ctx, ArchiveOptions{CutoffMs: clock.Now().UnixMilli() - 1500})
	require.NoError(t, err)

	ok, err := s.DeleteAgentMemory(ctx, "lesson:a")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.DeleteAgentMemory(ctx, "lesson:a")
	require.NoError(t, err)
	assert.False(t, ok)

	n, err := s.ClearAgentMemory(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	all, err := s.ListAgentMemory(ctx, AgentMemoryFilter{IncludeArchived: true})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "lesson:b", all[0].Key)

	n, err = s.ClearAgentMemory(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	err = s.SetAgentMemoryLocked(ctx, "lesson:b", true)
	require.ErrorIs(t, err, apperrors.ErrNotFound)
}

// Property: no record is ever present in both the active table and the
// archive, whatever mix of upserts and archive passes runs.
func TestProperty_ArchiveDisjoint(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 25

	properties := gopter.NewProperties(parameters)

	properties.Property("active and archive are disjoint", prop.ForAll(
		func(ops []int) bool {
			s, clock := openTestStore(t)
			ctx := context.Background()
			for _, op := range ops {
				clock.Advance(time.Second)
				if op%5 == 0 {
					_, err := s.ArchiveAgentMemories(ctx, ArchiveOptions{CutoffMs: clock.Now().UnixMilli()})
					if err != nil {
						return false
					}
					continue
				}
				key := fmt.Sprintf("signal:S%d", op%4)
				if op%2 == 0 {
					key = fmt.Sprintf("lesson:%d", op%3)
				}
				if _, err := s.UpsertAgentMemory(ctx, AgentMemory{Key: key}); err != nil {
					return false
				}
			}

			var overlap int
			err := s.db.QueryRowContext(ctx, `
				SELECT COUNT(*) FROM agent_memories a
				JOIN agent_memory_archive r ON r.id = a.id OR r.key = a.key
			`).Scan(&overlap)
			return err == nil && overlap == 0
		},
		gen.SliceOfN(12, gen.IntRange(0, 20)),
	))

	properties.TestingRun(t)
}

func TestRetention_CeilingsAlwaysApply(t *testing.T) {
	s, clock := openTestStore(t, func(o *Options) {
		o.Retention = RetentionPolicy{Cap: 100, Ceilings: map[Kind]int{KindUIEvent: 2}}
	})
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := s.UpsertAgentMemory(ctx, AgentMemory{Key: fmt.Sprintf("ui_event:%d", i)})
		require.NoError(t, err)
		clock.Advance(time.Second)
	}
	list, err := s.ListAgentMemory(ctx, AgentMemoryFilter{Kind: KindUIEvent})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "ui_event:3", list[0].Key)
	assert.Equal(t, "ui_event:2", list[1].Key)
}

func TestRetention_Cascade(t *testing.T) {
	s, clock := openTestStore(t, func(o *Options) {
		o.Retention = RetentionPolicy{
			Cap:         4,
			Floors:      map[Kind]int{KindLesson: 1},
			NonPrunable: []Kind{KindSignal},
		}
	})
	ctx := context.Background()

	upsert := func(key string) {
		t.Helper()
		_, err := s.UpsertAgentMemory(ctx, AgentMemory{Key: key})
		require.NoError(t, err)
		clock.Advance(time.Second)
	}
	keys := func() []string {
		t.Helper()
		list, err := s.ListAgentMemory(ctx, AgentMemoryFilter{})
		require.NoError(t, err)
		var out []string
		for _, m := range list {
			out = append(out, m.Key)
		}
		return out
	}

	upsert("lesson:a")
	upsert("lesson:b")
	upsert("note:1")
	upsert("signal:S1")

	// Unprotected rows go first.
	upsert("signal:S2")
	assert.ElementsMatch(t, []string{"lesson:a", "lesson:b", "signal:S1", "signal:S2"}, keys())

	// Then floored kinds down to their floor.
	upsert("signal:S3")
	assert.ElementsMatch(t, []string{"lesson:b", "signal:S1", "signal:S2", "signal:S3"}, keys())

	// Then anything prunable.
	upsert("signal:S4")
	assert.ElementsMatch(t, []string{"signal:S1", "signal:S2", "signal:S3", "signal:S4"}, keys())

	// Non-prunable rows are never deleted; the store accepts going over cap.
	upsert("signal:S5")
	assert.Len(t, keys(), 5)

	rep, err := s.EnforceRetention(ctx)
	require.NoError(t, err)
	assert.True(t, rep.OverCap)
	assert.Equal(t, int64(5), rep.Remaining)
	assert.Zero(t, rep.Total())
}

// Property: after any upsert the active table is within its cap unless every
// row over the cap is non-prunable.
func TestProperty_RetentionCap(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 20

	properties := gopter.NewProperties(parameters)

	prefixes := []string{"lesson", "note", "chart_event", "setup", "signal"}
	properties.Property("cap holds for prunable rows", prop.ForAll(
		func(ops []int) bool {
			s, clock := openTestStore(t, func(o *Options) {
				o.Retention = RetentionPolicy{
					Cap:         6,
					Floors:      map[Kind]int{KindLesson: 2, KindSetup: 1},
					Ceilings:    map[Kind]int{KindChartEvent: 2},
					NonPrunable: []Kind{KindSignal},
				}
			})
			ctx := context.Background()
			for i, op := range ops {
				clock.Advance(time.Second)
				key := fmt.Sprintf("%s:%d", prefixes[op%len(prefixes)], i)
				if _, err := s.UpsertAgentMemory(ctx, AgentMemory{Key: key}); err != nil {
					return false
				}
				var total, signals int64
				if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(SUM(kind = 'signal'), 0) FROM agent_memories`).
					Scan(&total, &signals); err != nil {
					return false
				}
				if total > 6 && total != signals {
					return false
				}
				var charts int64
				if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM agent_memories WHERE kind = 'chart_event'`).
					Scan(&charts); err != nil || charts > 2 {
					return false
				}
			}
			return true
		},
		gen.SliceOfN(20, gen.IntRange(0, 100)),
	))

	properties.TestingRun(t)
}
