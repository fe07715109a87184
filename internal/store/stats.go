package store

import (
	"context"

	"github.com/shirou/gopsutil/v3/disk"
)

// countedTables are the tables reported by Stats.
var countedTables = []string{
	"entries",
	"memories",
	"agent_memories",
	"agent_memory_archive",
	"optimizer_eval_cache",
	"experiment_notes",
	"optimizer_winners",
	"research_sessions",
	"research_steps",
	"playbook_runs",
}

// Stats returns row counts, engine selection, mirror state and the last
// engine error.
func (s *SQLiteStore) Stats(ctx context.Context) (Stats, error) {
	st := Stats{
		Engine:  s.engine.Name(),
		Path:    s.engine.Path(),
		Counts:  make(map[string]int64, len(countedTables)),
		Adopted: s.adopted,
	}

	version, err := currentVersion(ctx, s.db)
	if err != nil {
		return Stats{}, s.fail("stats", "meta_kv", err)
	}
	st.SchemaVersion = version

	for _, table := range countedTables {
		n, err := countRows(ctx, s.db, table)
		if err != nil {
			return Stats{}, s.fail("stats", table, err)
		}
		st.Counts[table] = n
	}

	s.errMu.Lock()
	st.LastError, st.LastErrorAtMs = s.lastErr, s.lastErrAt
	s.errMu.Unlock()

	if s.mirror != nil {
		st.Mirror = s.mirror.State()
	}

	if usage, err := disk.UsageWithContext(ctx, s.opts.DataDir); err == nil {
		st.DiskFreeBytes = usage.Free
	} else {
		s.log.Debug().Err(err).Msg("Disk usage unavailable")
	}
	return st, nil
}
