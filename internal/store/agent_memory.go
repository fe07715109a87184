package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	apperrors "tradedesk/internal/errors"
)

const agentMemoryColumns = `id, key, family_key, kind, symbol, timeframe, summary, tags, payload, source,
	locked, created_at, updated_at, last_accessed_at`

// AgentMemoryFilter narrows ListAgentMemory.
type AgentMemoryFilter struct {
	Symbol          string
	Timeframe       string
	Kind            Kind
	Tags            []string
	UpdatedAfterMs  int64
	Limit           int
	IncludeArchived bool
}

// ArchiveOptions selects rows for ArchiveAgentMemories.
type ArchiveOptions struct {
	// CutoffMs exempts rows updated at or after it.
	CutoffMs int64
	// Kinds restricts archival to these kinds when non-empty.
	Kinds []Kind
	// KeepRecentPerKind exempts the N most recently updated rows of each kind.
	KeepRecentPerKind int
	// IncludeLocked archives locked rows too.
	IncludeLocked bool
}

// ArchiveResult reports an archive pass.
type ArchiveResult struct {
	Archived     int   `json:"archived"`
	ArchivedAtMs int64 `json:"archivedAtMs"`
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgentMemory(sc rowScanner, archived bool) (AgentMemory, error) {
	var (
		m                                                AgentMemory
		family, symbol, timeframe, summary, source, kind sql.NullString
		tags, payload                                    string
		locked                                           int
		lastAccessed, archivedAt                         sql.NullInt64
	)
	dest := []any{&m.ID, &m.Key, &family, &kind, &symbol, &timeframe, &summary, &tags, &payload, &source,
		&locked, &m.CreatedAtMs, &m.UpdatedAtMs, &lastAccessed}
	if archived {
		dest = append(dest, &archivedAt)
	}
	if err := sc.Scan(dest...); err != nil {
		return AgentMemory{}, err
	}
	m.FamilyKey = family.String
	m.Kind = Kind(kind.String)
	m.Symbol = symbol.String
	m.Timeframe = timeframe.String
	m.Summary = summary.String
	m.Source = source.String
	m.Tags = decodeTags(tags)
	m.Payload = decodePayload(payload)
	m.Locked = locked != 0
	m.LastAccessedAtMs = lastAccessed.Int64
	m.ArchivedAtMs = archivedAt.Int64
	return m, nil
}

func getAgentMemoryBy(ctx context.Context, q queryer, table, column, value string) (*AgentMemory, error) {
	if value == "" {
		return nil, nil
	}
	archived := table == "agent_memory_archive"
	cols := agentMemoryColumns
	if archived {
		cols += ", archived_at"
	}
	row := q.QueryRowContext(ctx, "SELECT "+cols+" FROM "+table+" WHERE "+column+" = ?", value)
	m, err := scanAgentMemory(row, archived)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get agent memory: %w", err)
	}
	return &m, nil
}

func insertAgentMemory(ctx context.Context, q queryer, m AgentMemory) error {
	payload, err := encodePayload(m.Payload)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO agent_memories (`+agentMemoryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, m.ID, m.Key, nullString(m.FamilyKey), string(m.Kind), nullString(m.Symbol), nullString(m.Timeframe),
		nullString(m.Summary), encodeTags(m.Tags), payload, nullString(m.Source),
		boolToInt(m.Locked), m.CreatedAtMs, m.UpdatedAtMs, nullInt(m.LastAccessedAtMs))
	if err != nil {
		return fmt.Errorf("failed to insert agent memory: %w", err)
	}
	return nil
}

// mergeAgentMemory combines two rows describing the same record. The
// preferred side wins every non-empty scalar; tags and payload are unioned.
func mergeAgentMemory(preferred, other AgentMemory) AgentMemory {
	out := preferred
	pick := func(a, b string) string {
		if a != "" {
			return a
		}
		return b
	}
	out.FamilyKey = pick(preferred.FamilyKey, other.FamilyKey)
	out.Symbol = pick(preferred.Symbol, other.Symbol)
	out.Timeframe = pick(preferred.Timeframe, other.Timeframe)
	out.Summary = pick(preferred.Summary, other.Summary)
	out.Source = pick(preferred.Source, other.Source)
	if out.Kind == "" {
		out.Kind = other.Kind
	}
	out.Tags = unionTags(preferred.Tags, other.Tags)
	out.Payload = mergePayload(preferred.Payload, other.Payload, true)
	out.Locked = preferred.Locked || other.Locked
	out.CreatedAtMs = minPositive(preferred.CreatedAtMs, other.CreatedAtMs)
	if other.LastAccessedAtMs > out.LastAccessedAtMs {
		out.LastAccessedAtMs = other.LastAccessedAtMs
	}
	return out
}

// applyIncoming overlays an update onto the stored row; incoming values win.
func applyIncoming(stored, in AgentMemory) AgentMemory {
	out := stored
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&out.FamilyKey, in.FamilyKey)
	set(&out.Symbol, in.Symbol)
	set(&out.Timeframe, in.Timeframe)
	set(&out.Summary, in.Summary)
	set(&out.Source, in.Source)
	if in.Kind != "" {
		out.Kind = in.Kind
	}
	if in.Tags != nil {
		out.Tags = normalizeTags(in.Tags)
	}
	out.Payload = mergePayload(stored.Payload, in.Payload, false)
	out.Locked = stored.Locked || in.Locked
	return out
}

func minPositive(a, b int64) int64 {
	switch {
	case a <= 0:
		return b
	case b <= 0:
		return a
	case a < b:
		return a
	}
	return b
}

// UpsertAgentMemory creates or updates a record. Records that describe the
// same signal converge onto one canonical row: an existing row under a
// different identifier is merged with the incoming record (existing fields
// preferred) and any absorbed duplicates are removed. A record that currently
// sits in the archive is restored to the active table. The retention cascade
// runs in the same transaction.
func (s *SQLiteStore) UpsertAgentMemory(ctx context.Context, rec AgentMemory) (AgentMemory, error) {
	rec.Key = strings.TrimSpace(rec.Key)
	rec.ID = strings.TrimSpace(rec.ID)
	if rec.Key == "" && rec.ID == "" {
		return AgentMemory{}, apperrors.NewValidationError("key", "", "key or id is required")
	}

	raw, err := json.Marshal(rec.Payload)
	if err != nil {
		return AgentMemory{}, apperrors.NewValidationError("payload", "", err.Error())
	}
	if rec.Kind == "" {
		rec.Kind = InferKind(rec.Key, raw)
	} else if k, ok := ParseKind(string(rec.Kind)); ok {
		rec.Kind = k
	} else {
		rec.Kind = Kind(trimLower(string(rec.Kind)))
	}
	canonical := ""
	if !IsResolvedOutcomeKey(rec.Key) {
		canonical = CanonicalKey(rec.Kind, ResolveSignalID(rec.Key, raw))
	}

	var out AgentMemory
	err = s.mutate(ctx, "upsert_agent_memory", func(ctx context.Context, tx *sql.Tx) error {
		now := s.nowMs()

		var found []AgentMemory
		seen := map[string]bool{}
		collect := func(table, column, value string) error {
			m, err := getAgentMemoryBy(ctx, tx, table, column, value)
			if err != nil || m == nil || seen[m.ID] {
				return err
			}
			seen[m.ID] = true
			found = append(found, *m)
			return nil
		}
		for _, lookup := range [][2]string{{"key", canonical}, {"key", rec.Key}, {"id", rec.ID}} {
			if err := collect("agent_memories", lookup[0], lookup[1]); err != nil {
				return err
			}
		}
		activeFound := len(found)
		for _, lookup := range [][2]string{{"key", canonical}, {"key", rec.Key}, {"id", rec.ID}} {
			if err := collect("agent_memory_archive", lookup[0], lookup[1]); err != nil {
				return err
			}
		}

		targetKey := canonical
		if targetKey == "" {
			targetKey = rec.Key
		}

		if len(found) == 0 {
			out = rec
			if out.ID == "" {
				out.ID = newID()
			}
			if targetKey == "" {
				targetKey = string(out.Kind) + ":" + out.ID
			}
			out.Key = targetKey
			out.Tags = normalizeTags(rec.Tags)
			out.Payload = rec.Payload.Clone()
			if out.CreatedAtMs <= 0 || out.CreatedAtMs > now {
				out.CreatedAtMs = now
			}
			out.UpdatedAtMs = now
			out.ArchivedAtMs = 0
		} else {
			primary := found[0]
			primary.ArchivedAtMs = 0
			if rec.ID != "" && rec.ID != primary.ID {
				out = mergeAgentMemory(primary, rec)
			} else {
				out = applyIncoming(primary, rec)
			}
			for _, other := range found[1:] {
				out = mergeAgentMemory(out, other)
			}
			if targetKey != "" {
				out.Key = targetKey
			}
			if rec.CreatedAtMs > 0 {
				out.CreatedAtMs = minPositive(out.CreatedAtMs, rec.CreatedAtMs)
			}
			out.UpdatedAtMs = now
			out.ArchivedAtMs = 0

			for i, m := range found {
				table := "agent_memories"
				if i >= activeFound {
					table = "agent_memory_archive"
				}
				if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE id = ?", m.ID); err != nil {
					return fmt.Errorf("failed to remove merged agent memory: %w", err)
				}
			}
		}

		// The target key may still be held by an archived row with another id.
		if _, err := tx.ExecContext(ctx, `DELETE FROM agent_memory_archive WHERE key = ? OR id = ?`, out.Key, out.ID); err != nil {
			return fmt.Errorf("failed to clear archived duplicate: %w", err)
		}
		if err := insertAgentMemory(ctx, tx, out); err != nil {
			return err
		}
		_, err := s.retention().apply(ctx, tx)
		return err
	})
	if err != nil {
		return AgentMemory{}, err
	}
	return out, nil
}

// GetAgentMemory looks a record up by key, then id, in the active table and
// then the archive. touch stamps lastAccessedAtMs on active rows.
func (s *SQLiteStore) GetAgentMemory(ctx context.Context, keyOrID string, touch bool) (AgentMemory, error) {
	keyOrID = strings.TrimSpace(keyOrID)
	if keyOrID == "" {
		return AgentMemory{}, apperrors.NewValidationError("key", "", "key or id is required")
	}

	m, err := s.lookupAgentMemory(ctx, keyOrID)
	if err != nil {
		return AgentMemory{}, s.fail("get_agent_memory", "agent_memories", err)
	}
	if m == nil {
		return AgentMemory{}, apperrors.NotFound("agent memory", keyOrID)
	}
	if !touch || m.Archived() {
		return *m, nil
	}

	now := s.nowMs()
	err = s.mutate(ctx, "touch_agent_memory", func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE agent_memories SET last_accessed_at = ? WHERE id = ?`, now, m.ID)
		return err
	})
	if err != nil {
		return AgentMemory{}, err
	}
	m.LastAccessedAtMs = now
	return *m, nil
}

func (s *SQLiteStore) lookupAgentMemory(ctx context.Context, keyOrID string) (*AgentMemory, error) {
	for _, table := range []string{"agent_memories", "agent_memory_archive"} {
		for _, column := range []string{"key", "id"} {
			m, err := getAgentMemoryBy(ctx, s.db, table, column, keyOrID)
			if err != nil || m != nil {
				return m, err
			}
		}
	}
	return nil, nil
}

// ListAgentMemory returns records matching f, de-duplicated by identity
// (latest wins) and ordered most recently updated first.
func (s *SQLiteStore) ListAgentMemory(ctx context.Context, f AgentMemoryFilter) ([]AgentMemory, error) {
	limit := clampLimit(f.Limit, 200, 5000)

	rows, err := s.queryAgentMemories(ctx, "agent_memories", f)
	if err != nil {
		return nil, s.fail("list_agent_memory", "agent_memories", err)
	}
	if f.IncludeArchived {
		archived, err := s.queryAgentMemories(ctx, "agent_memory_archive", f)
		if err != nil {
			return nil, s.fail("list_agent_memory", "agent_memory_archive", err)
		}
		rows = append(rows, archived...)
	}

	// Active rows precede archived ones on equal timestamps.
	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].UpdatedAtMs > rows[j].UpdatedAtMs
	})

	seen := make(map[string]bool, len(rows))
	out := make([]AgentMemory, 0, min(limit, len(rows)))
	for _, m := range rows {
		id := identityKey(m)
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, m)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

const maxListScan = 10000

func (s *SQLiteStore) queryAgentMemories(ctx context.Context, table string, f AgentMemoryFilter) ([]AgentMemory, error) {
	archived := table == "agent_memory_archive"
	cols := agentMemoryColumns
	if archived {
		cols += ", archived_at"
	}

	var (
		where []string
		args  []any
	)
	if f.Symbol != "" {
		where = append(where, "symbol = ? COLLATE NOCASE")
		args = append(args, f.Symbol)
	}
	if f.Timeframe != "" {
		where = append(where, "timeframe = ? COLLATE NOCASE")
		args = append(args, f.Timeframe)
	}
	if f.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, trimLower(string(f.Kind)))
	}
	if f.UpdatedAfterMs > 0 {
		where = append(where, "updated_at > ?")
		args = append(args, f.UpdatedAfterMs)
	}
	for _, tag := range normalizeTags(f.Tags) {
		where = append(where, "EXISTS (SELECT 1 FROM json_each("+table+".tags) WHERE json_each.value = ?)")
		args = append(args, tag)
	}

	query := "SELECT " + cols + " FROM " + table
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY updated_at DESC, id DESC LIMIT ?"
	args = append(args, maxListScan)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list agent memories: %w", err)
	}
	defer rows.Close()

	var out []AgentMemory
	for rows.Next() {
		m, err := scanAgentMemory(rows, archived)
		if err != nil {
			return nil, fmt.Errorf("failed to scan agent memory: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// DeleteAgentMemory removes a record by key or id from both tiers. It reports
// whether anything was deleted.
func (s *SQLiteStore) DeleteAgentMemory(ctx context.Context, keyOrID string) (bool, error) {
	keyOrID = strings.TrimSpace(keyOrID)
	if keyOrID == "" {
		return false, apperrors.NewValidationError("key", "", "key or id is required")
	}
	var deleted int64
	err := s.mutate(ctx, "delete_agent_memory", func(ctx context.Context, tx *sql.Tx) error {
		for _, table := range []string{"agent_memories", "agent_memory_archive"} {
			res, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE key = ? OR id = ?", keyOrID, keyOrID)
			if err != nil {
				return err
			}
			n, _ := res.RowsAffected()
			deleted += n
		}
		return nil
	})
	return deleted > 0, err
}

// ClearAgentMemory deletes every active record, and the archive when
// includeArchive is set. It returns the number of rows removed.
func (s *SQLiteStore) ClearAgentMemory(ctx context.Context, includeArchive bool) (int64, error) {
	var deleted int64
	err := s.mutate(ctx, "clear_agent_memory", func(ctx context.Context, tx *sql.Tx) error {
		tables := []string{"agent_memories"}
		if includeArchive {
			tables = append(tables, "agent_memory_archive")
		}
		for _, table := range tables {
			res, err := tx.ExecContext(ctx, "DELETE FROM "+table)
			if err != nil {
				return err
			}
			n, _ := res.RowsAffected()
			deleted += n
		}
		return nil
	})
	return deleted, err
}

// SetAgentMemoryLocked sets or clears the locked flag, which exempts a row
// from archival.
func (s *SQLiteStore) SetAgentMemoryLocked(ctx context.Context, keyOrID string, locked bool) error {
	keyOrID = strings.TrimSpace(keyOrID)
	if keyOrID == "" {
		return apperrors.NewValidationError("key", "", "key or id is required")
	}
	return s.mutate(ctx, "lock_agent_memory", func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE agent_memories SET locked = ? WHERE key = ? OR id = ?`,
			boolToInt(locked), keyOrID, keyOrID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return apperrors.NotFound("agent memory", keyOrID)
		}
		return nil
	})
}

// ArchiveAgentMemories moves matching active rows into the archive tier.
// Rows updated at or after the cutoff, the most recent KeepRecentPerKind rows
// of each kind and locked rows (unless IncludeLocked) stay active.
func (s *SQLiteStore) ArchiveAgentMemories(ctx context.Context, opts ArchiveOptions) (ArchiveResult, error) {
	if opts.KeepRecentPerKind < 0 {
		return ArchiveResult{}, apperrors.NewValidationError("keepRecentPerKind", fmt.Sprint(opts.KeepRecentPerKind), "must not be negative")
	}
	if opts.CutoffMs <= 0 {
		return ArchiveResult{}, apperrors.NewValidationError("cutoffMs", fmt.Sprint(opts.CutoffMs), "must be positive")
	}

	res := ArchiveResult{ArchivedAtMs: s.nowMs()}
	err := s.mutate(ctx, "archive_agent_memories", func(ctx context.Context, tx *sql.Tx) error {
		where := []string{"updated_at < ?", "rn > ?"}
		args := []any{opts.CutoffMs, opts.KeepRecentPerKind}
		if !opts.IncludeLocked {
			where = append(where, "locked = 0")
		}
		if len(opts.Kinds) > 0 {
			where = append(where, "kind IN ("+placeholders(len(opts.Kinds))+")")
			for _, k := range opts.Kinds {
				args = append(args, trimLower(string(k)))
			}
		}

		rows, err := tx.QueryContext(ctx, `
			SELECT id FROM (
				SELECT id, updated_at, locked, kind,
					ROW_NUMBER() OVER (PARTITION BY kind ORDER BY updated_at DESC, id DESC) AS rn
				FROM agent_memories
			) WHERE `+strings.Join(where, " AND "), args...)
		if err != nil {
			return fmt.Errorf("failed to select archive candidates: %w", err)
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			ids = append(ids, id)
		}
		if err := rows.Close(); err != nil {
			return err
		}

		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, `
				INSERT OR REPLACE INTO agent_memory_archive (`+agentMemoryColumns+`, archived_at)
				SELECT `+agentMemoryColumns+`, ? FROM agent_memories WHERE id = ?
			`, res.ArchivedAtMs, id); err != nil {
				return fmt.Errorf("failed to archive agent memory: %w", err)
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM agent_memories WHERE id = ?`, id); err != nil {
				return fmt.Errorf("failed to remove archived agent memory: %w", err)
			}
		}
		res.Archived = len(ids)
		return nil
	})
	if err != nil {
		return ArchiveResult{}, err
	}
	if res.Archived > 0 {
		s.log.Info().Int("archived", res.Archived).Int64("cutoff_ms", opts.CutoffMs).Msg("Archived agent memories")
	}
	return res, nil
}
