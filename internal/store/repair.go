package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"

	"tradedesk/internal/logging"
)

// Repair job names. Each is recorded in meta_kv once it has run.
const (
	RepairKindInference    = "kind_inference"
	RepairSignalHistory    = "signal_history_backfill"
	RepairCaseCanonicalize = "case_canonicalization"
)

const (
	repairMarkerPrefix     = "repair."
	repairDoneSuffix       = ".done"
	repairSummarySuffix    = ".summary"
	backfillEntryScanLimit = 25
	backfilledTag          = "backfilled"
)

// RepairSummary reports one repair job.
type RepairSummary struct {
	Job           string `json:"job"`
	Scanned       int    `json:"scanned"`
	Repaired      int    `json:"repaired"`
	Skipped       bool   `json:"skipped,omitempty"`
	CompletedAtMs int64  `json:"completedAtMs,omitempty"`
}

type repairJob struct {
	name string
	run  func(ctx context.Context, tx *sql.Tx, sum *RepairSummary) error
}

func (s *SQLiteStore) repairJobs() []repairJob {
	return []repairJob{
		{RepairKindInference, s.repairKinds},
		{RepairSignalHistory, s.backfillSignalHistory},
		{RepairCaseCanonicalize, s.canonicalizeCases},
	}
}

// RunRepairs runs every repair job that has not run before, in order.
func (s *SQLiteStore) RunRepairs(ctx context.Context) ([]RepairSummary, error) {
	var out []RepairSummary
	for _, job := range s.repairJobs() {
		sum, err := s.runRepair(ctx, job)
		if err != nil {
			return out, err
		}
		out = append(out, sum)
	}
	return out, nil
}

// RepairKinds infers a kind for active rows that have none.
func (s *SQLiteStore) RepairKinds(ctx context.Context) (RepairSummary, error) {
	return s.runRepair(ctx, repairJob{RepairKindInference, s.repairKinds})
}

// BackfillSignalHistory synthesizes canonical signal_history rows from legacy
// resolved-outcome markers.
func (s *SQLiteStore) BackfillSignalHistory(ctx context.Context) (RepairSummary, error) {
	return s.runRepair(ctx, repairJob{RepairSignalHistory, s.backfillSignalHistory})
}

// CanonicalizeCases rewrites legacy signal_entry and academy_case keys onto
// their canonical keys.
func (s *SQLiteStore) CanonicalizeCases(ctx context.Context) (RepairSummary, error) {
	return s.runRepair(ctx, repairJob{RepairCaseCanonicalize, s.canonicalizeCases})
}

// runRepair executes job at most once across the store's lifetime. The
// marker is written in the same transaction as the repair itself.
func (s *SQLiteStore) runRepair(ctx context.Context, job repairJob) (RepairSummary, error) {
	sum := RepairSummary{Job: job.name}
	log := logging.WithOperation(logging.Component(s.log, "repair"), job.name)

	err := s.mutate(ctx, "repair_"+job.name, func(ctx context.Context, tx *sql.Tx) error {
		done, ok, err := getMeta(ctx, tx, repairMarkerPrefix+job.name+repairDoneSuffix)
		if err != nil {
			return err
		}
		if ok {
			sum.Skipped = true
			sum.CompletedAtMs, _ = strconv.ParseInt(done, 10, 64)
			return nil
		}

		if err := job.run(ctx, tx, &sum); err != nil {
			return err
		}
		if sum.Repaired > 0 {
			if _, err := s.retention().apply(ctx, tx); err != nil {
				return err
			}
		}

		sum.CompletedAtMs = s.nowMs()
		summary, _ := json.Marshal(map[string]int{"scanned": sum.Scanned, "repaired": sum.Repaired})
		if err := setMeta(ctx, tx, repairMarkerPrefix+job.name+repairSummarySuffix, string(summary)); err != nil {
			return err
		}
		return setMeta(ctx, tx, repairMarkerPrefix+job.name+repairDoneSuffix, strconv.FormatInt(sum.CompletedAtMs, 10))
	})
	if err != nil {
		return sum, fmt.Errorf("repair %s: %w", job.name, err)
	}
	if !sum.Skipped {
		log.Info().Int("scanned", sum.Scanned).Int("repaired", sum.Repaired).Msg("Repair job completed")
	}
	return sum, nil
}

func selectAgentMemories(ctx context.Context, q queryer, where string, args ...any) ([]AgentMemory, error) {
	rows, err := q.QueryContext(ctx, "SELECT "+agentMemoryColumns+" FROM agent_memories WHERE "+where+
		" ORDER BY updated_at ASC, id ASC", args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []AgentMemory
	for rows.Next() {
		m, err := scanAgentMemory(rows, false)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) repairKinds(ctx context.Context, tx *sql.Tx, sum *RepairSummary) error {
	rows, err := selectAgentMemories(ctx, tx, "kind IS NULL OR TRIM(kind) = ''")
	if err != nil {
		return err
	}
	sum.Scanned = len(rows)
	for _, m := range rows {
		raw, _ := m.Payload.MarshalJSON()
		kind := InferKind(m.Key, raw)
		if _, err := tx.ExecContext(ctx, `UPDATE agent_memories SET kind = ? WHERE id = ?`, string(kind), m.ID); err != nil {
			return fmt.Errorf("failed to update kind: %w", err)
		}
		sum.Repaired++
	}
	return nil
}

func (s *SQLiteStore) backfillSignalHistory(ctx context.Context, tx *sql.Tx, sum *RepairSummary) error {
	markers, err := selectAgentMemories(ctx, tx, "LOWER(key) LIKE ?", resolvedOutcomePrefix+"%")
	if err != nil {
		return err
	}
	log := logging.Component(s.log, "repair")
	now := s.nowMs()

	for _, marker := range markers {
		if !IsResolvedOutcomeKey(marker.Key) {
			continue
		}
		sum.Scanned++

		raw, _ := marker.Payload.MarshalJSON()
		signalID := ResolveSignalID(marker.Key, raw)
		if signalID == "" {
			continue
		}
		key := CanonicalKey(KindSignalHistory, signalID)
		for _, table := range []string{"agent_memories", "agent_memory_archive"} {
			existing, err := getAgentMemoryBy(ctx, tx, table, "key", key)
			if err != nil {
				return err
			}
			if existing != nil {
				key = ""
				break
			}
		}
		if key == "" {
			continue
		}

		view := marker.SignalHistory()
		view.SignalID = signalID
		if view.ResolvedAtMs == 0 {
			view.ResolvedAtMs = marker.UpdatedAtMs
		}

		signal, err := findSignalRow(ctx, tx, signalID)
		if err != nil {
			return err
		}
		if signal != nil {
			fillSignalView(&view.SignalView, signal.Signal())
		}

		entries, err := entriesMentioning(ctx, tx, signalID, backfillEntryScanLimit)
		if err != nil {
			return err
		}
		var entryIDs []any
		for _, e := range entries {
			entryIDs = append(entryIDs, e.ID)
			o := e.Order()
			fillSignalView(&view.SignalView, SignalView{
				Symbol:     o.Symbol,
				Action:     o.Side,
				EntryPrice: o.Price,
				StopLoss:   o.Stop,
				TakeProfit: o.Target,
			})
		}

		fields := view.fields()
		if len(entryIDs) > 0 {
			fields["entryIds"] = entryIDs
		}
		rec := AgentMemory{
			ID:          newID(),
			Key:         CanonicalKey(KindSignalHistory, signalID),
			FamilyKey:   marker.FamilyKey,
			Kind:        KindSignalHistory,
			Symbol:      view.Symbol,
			Timeframe:   view.Timeframe,
			Summary:     marker.Summary,
			Tags:        unionTags(marker.Tags, []string{backfilledTag}),
			Payload:     mergePayload(Object(fields), marker.Payload, true),
			Source:      marker.Source,
			CreatedAtMs: marker.CreatedAtMs,
			UpdatedAtMs: now,
		}
		if rec.Source == "" {
			rec.Source = "backfill"
		}
		if err := insertAgentMemory(ctx, tx, rec); err != nil {
			return err
		}
		sum.Repaired++
		log.Debug().Str("signal_id", signalID).Int("entries", len(entries)).Msg("Backfilled signal history")
	}
	return nil
}

// findSignalRow returns the canonical signal row for id, or the most recent
// signal-kind row whose key mentions it.
func findSignalRow(ctx context.Context, q queryer, signalID string) (*AgentMemory, error) {
	for _, key := range []string{CanonicalKey(KindSignal, signalID), CanonicalKey(KindSignalEntry, signalID)} {
		m, err := getAgentMemoryBy(ctx, q, "agent_memories", "key", key)
		if err != nil || m != nil {
			return m, err
		}
	}
	rows, err := selectAgentMemories(ctx, q, "kind IN (?, ?) AND (instr(key, ?) > 0 OR instr(payload, ?) > 0)",
		string(KindSignal), string(KindSignalEntry), signalID, signalID)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	last := rows[len(rows)-1]
	return &last, nil
}

// fillSignalView copies fields from src that dst lacks.
func fillSignalView(dst *SignalView, src SignalView) {
	fill := func(d *string, v string) {
		if *d == "" {
			*d = v
		}
	}
	fill(&dst.Symbol, src.Symbol)
	fill(&dst.Timeframe, src.Timeframe)
	fill(&dst.Action, src.Action)
	fill(&dst.Status, src.Status)
	if dst.EntryPrice.IsZero() {
		dst.EntryPrice = src.EntryPrice
	}
	if dst.StopLoss.IsZero() {
		dst.StopLoss = src.StopLoss
	}
	if dst.TakeProfit.IsZero() {
		dst.TakeProfit = src.TakeProfit
	}
}

// historyFields are the outcome fields a resolved history row contributes
// when a legacy case is merged.
var historyFields = []string{"outcome", "result", "exitPrice", "pnl", "resolvedAtMs"}

func (s *SQLiteStore) canonicalizeCases(ctx context.Context, tx *sql.Tx, sum *RepairSummary) error {
	rows, err := selectAgentMemories(ctx, tx, "kind IN (?, ?)", string(KindSignalEntry), string(KindAcademyCase))
	if err != nil {
		return err
	}
	log := logging.Component(s.log, "repair")

	for _, legacy := range rows {
		sum.Scanned++
		raw, _ := legacy.Payload.MarshalJSON()
		signalID := ResolveSignalID(legacy.Key, raw)
		canonical := CanonicalKey(legacy.Kind, signalID)
		if canonical == "" || legacy.Key == canonical {
			continue
		}

		// The row may already have been absorbed by an earlier iteration.
		cur, err := getAgentMemoryBy(ctx, tx, "agent_memories", "id", legacy.ID)
		if err != nil {
			return err
		}
		if cur == nil {
			continue
		}

		merged := *cur
		existing, err := getAgentMemoryBy(ctx, tx, "agent_memories", "key", canonical)
		if err != nil {
			return err
		}
		if existing != nil {
			merged = mergeAgentMemory(*existing, *cur)
		}
		// An archived row holding the canonical key is restored into the
		// merged row so the key never lives in both tiers.
		var archived []AgentMemory
		for _, lookup := range [][2]string{{"key", canonical}, {"id", cur.ID}} {
			m, err := getAgentMemoryBy(ctx, tx, "agent_memory_archive", lookup[0], lookup[1])
			if err != nil {
				return err
			}
			if m != nil && (len(archived) == 0 || archived[0].ID != m.ID) {
				archived = append(archived, *m)
			}
		}
		for _, m := range archived {
			m.ArchivedAtMs = 0
			merged = mergeAgentMemory(merged, m)
		}
		merged.ArchivedAtMs = 0
		history, err := getAgentMemoryBy(ctx, tx, "agent_memories", "key", CanonicalKey(KindSignalHistory, signalID))
		if err != nil {
			return err
		}
		if history != nil {
			merged.Payload = mergePayload(pickFields(history.Payload, historyFields), merged.Payload, true)
		}
		merged.Key = canonical
		merged.UpdatedAtMs = max(merged.UpdatedAtMs, cur.UpdatedAtMs)

		ids := []any{cur.ID}
		if existing != nil {
			ids = append(ids, existing.ID)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM agent_memories WHERE id IN ("+placeholders(len(ids))+")", ids...); err != nil {
			return fmt.Errorf("failed to remove legacy case: %w", err)
		}
		if len(archived) > 0 {
			archivedIDs := make([]any, 0, len(archived))
			for _, m := range archived {
				archivedIDs = append(archivedIDs, m.ID)
			}
			if _, err := tx.ExecContext(ctx, "DELETE FROM agent_memory_archive WHERE id IN ("+placeholders(len(archivedIDs))+")", archivedIDs...); err != nil {
				return fmt.Errorf("failed to restore archived case: %w", err)
			}
		}
		if err := insertAgentMemory(ctx, tx, merged); err != nil {
			return err
		}
		sum.Repaired++
		log.Debug().Str("from", cur.Key).Str("to", canonical).Bool("merged", existing != nil).Int("restored", len(archived)).Msg("Canonicalized legacy key")
	}
	return nil
}

func pickFields(p Payload, keys []string) Payload {
	if p.Fields == nil {
		return Payload{}
	}
	out := map[string]any{}
	for _, k := range keys {
		if v, ok := p.Fields[k]; ok && v != nil {
			out[k] = cloneValue(v)
		}
	}
	if len(out) == 0 {
		return Payload{}
	}
	return Object(out)
}

// RepairStatus returns the recorded summary of a job, if it has run.
func (s *SQLiteStore) RepairStatus(ctx context.Context, job string) (RepairSummary, bool, error) {
	done, ok, err := getMeta(ctx, s.db, repairMarkerPrefix+job+repairDoneSuffix)
	if err != nil || !ok {
		return RepairSummary{}, false, err
	}
	sum := RepairSummary{Job: job}
	sum.CompletedAtMs, _ = strconv.ParseInt(done, 10, 64)
	if raw, ok, err := getMeta(ctx, s.db, repairMarkerPrefix+job+repairSummarySuffix); err == nil && ok {
		var counts map[string]int
		if json.Unmarshal([]byte(raw), &counts) == nil {
			sum.Scanned, sum.Repaired = counts["scanned"], counts["repaired"]
		}
	}
	return sum, true, nil
}

func repairJobNames() []string {
	return []string{RepairKindInference, RepairSignalHistory, RepairCaseCanonicalize}
}

// RepairStatuses returns the summary of every job that has run.
func (s *SQLiteStore) RepairStatuses(ctx context.Context) ([]RepairSummary, error) {
	var out []RepairSummary
	for _, name := range repairJobNames() {
		sum, ok, err := s.RepairStatus(ctx, name)
		if err != nil {
			return nil, s.fail("repair_status", "meta_kv", err)
		}
		if ok {
			out = append(out, sum)
		}
	}
	return out, nil
}
