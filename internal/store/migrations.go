package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	apperrors "tradedesk/internal/errors"
)

const metaSchemaVersion = "schema_version"

// migration upgrades the schema to version.
type migration struct {
	version int
	name    string
	apply   func(ctx context.Context, tx *sql.Tx) error
}

// migrations is the ordered upgrade path. Every version from 1 to
// LatestSchemaVersion must have exactly one entry.
var migrations = []migration{
	{1, "entries and memories", migrateV1},
	{2, "agent memory and archive", migrateV2},
	{3, "optimizer eval cache", migrateV3},
	{4, "experiment notes and optimizer winners", migrateV4},
	{5, "research sessions, steps and playbook runs", migrateV5},
	{6, "agent memory lock and access tracking", migrateV6},
}

// LatestSchemaVersion is the version migrateToLatest converges to.
const LatestSchemaVersion = 6

func migrateV1(ctx context.Context, tx *sql.Tx) error {
	return execAll(ctx, tx,
		`CREATE TABLE IF NOT EXISTS meta_kv (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS entries (
			id TEXT PRIMARY KEY,
			dedupe_key TEXT,
			kind TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT '',
			broker TEXT,
			source TEXT,
			symbol TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			payload TEXT NOT NULL DEFAULT '{}'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_entries_dedupe ON entries(dedupe_key, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_entries_created ON entries(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_entries_symbol ON entries(symbol)`,
		`CREATE TABLE IF NOT EXISTS memories (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			text TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_updated ON memories(updated_at)`,
	)
}

const agentMemoryColumnsDDL = `
			id TEXT PRIMARY KEY,
			key TEXT NOT NULL UNIQUE,
			family_key TEXT,
			kind TEXT NOT NULL DEFAULT '',
			symbol TEXT,
			timeframe TEXT,
			summary TEXT,
			tags TEXT NOT NULL DEFAULT '[]',
			payload TEXT NOT NULL DEFAULT '{}',
			source TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL`

func migrateV2(ctx context.Context, tx *sql.Tx) error {
	return execAll(ctx, tx,
		`CREATE TABLE IF NOT EXISTS agent_memories (`+agentMemoryColumnsDDL+`
		)`,
		`CREATE INDEX IF NOT EXISTS idx_agent_memories_kind ON agent_memories(kind, updated_at)`,
		`CREATE INDEX IF NOT EXISTS idx_agent_memories_symbol ON agent_memories(symbol, timeframe)`,
		`CREATE INDEX IF NOT EXISTS idx_agent_memories_updated ON agent_memories(updated_at)`,
		`CREATE TABLE IF NOT EXISTS agent_memory_archive (`+agentMemoryColumnsDDL+`,
			archived_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_agent_memory_archive_kind ON agent_memory_archive(kind, updated_at)`,
	)
}

func migrateV3(ctx context.Context, tx *sql.Tx) error {
	return execAll(ctx, tx,
		`CREATE TABLE IF NOT EXISTS optimizer_eval_cache (
			cache_key TEXT PRIMARY KEY,
			payload BLOB NOT NULL,
			engine_version TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			expires_at INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_eval_cache_expires ON optimizer_eval_cache(expires_at)`,
	)
}

func migrateV4(ctx context.Context, tx *sql.Tx) error {
	return execAll(ctx, tx,
		`CREATE TABLE IF NOT EXISTS experiment_notes (
			id TEXT PRIMARY KEY,
			symbol TEXT,
			timeframe TEXT,
			strategy TEXT,
			title TEXT,
			payload TEXT NOT NULL DEFAULT '{}',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_experiment_notes_scope ON experiment_notes(symbol, timeframe, strategy)`,
		`CREATE TABLE IF NOT EXISTS optimizer_winners (
			id TEXT PRIMARY KEY,
			session_id TEXT,
			round INTEGER NOT NULL DEFAULT 0,
			symbol TEXT,
			timeframe TEXT,
			strategy TEXT,
			payload TEXT NOT NULL DEFAULT '{}',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_optimizer_winners_session ON optimizer_winners(session_id, round)`,
	)
}

func migrateV5(ctx context.Context, tx *sql.Tx) error {
	return execAll(ctx, tx,
		`CREATE TABLE IF NOT EXISTS research_sessions (
			session_id TEXT PRIMARY KEY,
			symbol TEXT,
			timeframe TEXT,
			strategy TEXT,
			status TEXT,
			payload TEXT NOT NULL DEFAULT '{}',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS research_steps (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			step_index INTEGER NOT NULL DEFAULT 0,
			kind TEXT,
			payload TEXT NOT NULL DEFAULT '{}',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_research_steps_session ON research_steps(session_id, step_index)`,
		`CREATE TABLE IF NOT EXISTS playbook_runs (
			run_id TEXT PRIMARY KEY,
			playbook_id TEXT,
			symbol TEXT,
			timeframe TEXT,
			status TEXT,
			payload TEXT NOT NULL DEFAULT '{}',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_playbook_runs_playbook ON playbook_runs(playbook_id, updated_at)`,
	)
}

func migrateV6(ctx context.Context, tx *sql.Tx) error {
	return addColumns(ctx, tx,
		`ALTER TABLE agent_memories ADD COLUMN locked INTEGER NOT NULL DEFAULT 0`,
		`ALTER TABLE agent_memories ADD COLUMN last_accessed_at INTEGER`,
		`ALTER TABLE agent_memory_archive ADD COLUMN locked INTEGER NOT NULL DEFAULT 0`,
		`ALTER TABLE agent_memory_archive ADD COLUMN last_accessed_at INTEGER`,
	)
}

func execAll(ctx context.Context, tx *sql.Tx, stmts ...string) error {
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%s: %w", firstLine(stmt), err)
		}
	}
	return nil
}

// addColumns applies ALTER TABLE ADD COLUMN statements, tolerating columns
// that already exist.
func addColumns(ctx context.Context, tx *sql.Tx, stmts ...string) error {
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil && !strings.Contains(err.Error(), "duplicate column name") {
			return fmt.Errorf("%s: %w", stmt, err)
		}
	}
	return nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}

// CurrentVersion returns the schema version recorded on disk, 0 for a fresh store.
func (s *SQLiteStore) CurrentVersion(ctx context.Context) (int, error) {
	return currentVersion(ctx, s.db)
}

func currentVersion(ctx context.Context, q queryer) (int, error) {
	var name string
	err := q.QueryRowContext(ctx, `SELECT name FROM sqlite_master WHERE type='table' AND name='meta_kv'`).Scan(&name)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to inspect schema: %w", err)
	}

	var raw string
	err = q.QueryRowContext(ctx, `SELECT value FROM meta_kv WHERE key = ?`, metaSchemaVersion).Scan(&raw)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("corrupt schema version %q: %w", raw, err)
	}
	return v, nil
}

// MigrateToLatest applies pending migrations through the serializer.
func (s *SQLiteStore) MigrateToLatest(ctx context.Context) error {
	return s.queue.Do(ctx, func() error {
		return s.migrateToLatest(ctx)
	})
}

// migrateToLatest applies each pending version in its own transaction; the
// version bump commits with the schema change or not at all.
func (s *SQLiteStore) migrateToLatest(ctx context.Context) error {
	return runMigrations(ctx, s.db, migrations, LatestSchemaVersion, func(m migration) {
		s.log.Info().Int("version", m.version).Str("migration", m.name).Msg("Applied schema migration")
	})
}

func runMigrations(ctx context.Context, db *sql.DB, steps []migration, latest int, applied func(migration)) error {
	byVersion := make(map[int]migration, len(steps))
	for _, m := range steps {
		if _, dup := byVersion[m.version]; dup {
			return fmt.Errorf("%w: duplicate migration for version %d", apperrors.ErrMigration, m.version)
		}
		byVersion[m.version] = m
	}

	current, err := currentVersion(ctx, db)
	if err != nil {
		return apperrors.NewStoreError("migrate", "", err)
	}
	if current > latest {
		return fmt.Errorf("%w: store schema v%d is newer than supported v%d", apperrors.ErrMigration, current, latest)
	}

	for v := current + 1; v <= latest; v++ {
		m, ok := byVersion[v]
		if !ok {
			return fmt.Errorf("%w: no migration registered for version %d", apperrors.ErrMigration, v)
		}
		err := withTransaction(ctx, db, func(tx *sql.Tx) error {
			if err := m.apply(ctx, tx); err != nil {
				return err
			}
			return setMeta(ctx, tx, metaSchemaVersion, strconv.Itoa(v))
		})
		if err != nil {
			return fmt.Errorf("%w: version %d (%s): %v", apperrors.ErrMigration, v, m.name, err)
		}
		if applied != nil {
			applied(m)
		}
	}
	return nil
}

func setMeta(ctx context.Context, q queryer, key, value string) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO meta_kv (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("failed to set meta %s: %w", key, err)
	}
	return nil
}

func getMeta(ctx context.Context, q queryer, key string) (string, bool, error) {
	var v string
	err := q.QueryRowContext(ctx, `SELECT value FROM meta_kv WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get meta %s: %w", key, err)
	}
	return v, true, nil
}

// Meta returns a metadata value.
func (s *SQLiteStore) Meta(ctx context.Context, key string) (string, bool, error) {
	v, ok, err := getMeta(ctx, s.db, key)
	if err != nil {
		return "", false, s.fail("meta", "meta_kv", err)
	}
	return v, ok, nil
}
