package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"

	apperrors "tradedesk/internal/errors"
)

// SnapshotVersion is the mirror file format version.
const SnapshotVersion = 1

// Snapshot is the flat export of the store written to the mirror file.
type Snapshot struct {
	Version            int               `json:"version"`
	ExportedAtMs       int64             `json:"exportedAtMs"`
	SchemaVersion      int               `json:"schemaVersion"`
	Entries            []LedgerEntry     `json:"entries"`
	Memories           []SimpleMemory    `json:"memories"`
	AgentMemories      []AgentMemory     `json:"agentMemories"`
	AgentMemoryArchive []AgentMemory     `json:"agentMemoryArchive,omitempty"`
	ExperimentNotes    []ExperimentNote  `json:"experimentNotes"`
	OptimizerWinners   []OptimizerWinner `json:"optimizerWinners"`
	ResearchSessions   []ResearchSession `json:"researchSessions"`
	ResearchSteps      []ResearchStep    `json:"researchSteps"`
	PlaybookRuns       []PlaybookRun     `json:"playbookRuns"`
}

// ImportResult counts the rows an import wrote per collection.
type ImportResult struct {
	Entries          int `json:"entries"`
	Memories         int `json:"memories"`
	AgentMemories    int `json:"agentMemories"`
	ExperimentNotes  int `json:"experimentNotes"`
	OptimizerWinners int `json:"optimizerWinners"`
	ResearchSessions int `json:"researchSessions"`
	ResearchSteps    int `json:"researchSteps"`
	PlaybookRuns     int `json:"playbookRuns"`
}

func scanMemory(sc rowScanner) (SimpleMemory, error) {
	var m SimpleMemory
	var typ string
	if err := sc.Scan(&m.ID, &typ, &m.Text, &m.CreatedAtMs, &m.UpdatedAtMs); err != nil {
		return SimpleMemory{}, err
	}
	m.Type = MemoryType(typ)
	return m, nil
}

func scanActive(sc rowScanner) (AgentMemory, error)   { return scanAgentMemory(sc, false) }
func scanArchived(sc rowScanner) (AgentMemory, error) { return scanAgentMemory(sc, true) }

// BuildSnapshot reads every collection, newest first, up to limits. All
// reads share one read-only transaction so the tables agree with each other.
func (s *SQLiteStore) BuildSnapshot(ctx context.Context, limits ExportLimits) (Snapshot, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return Snapshot{}, s.fail("snapshot", "", err)
	}
	defer func() { _ = tx.Rollback() }()

	snap := Snapshot{Version: SnapshotVersion, ExportedAtMs: s.nowMs()}
	if snap.SchemaVersion, err = currentVersion(ctx, tx); err != nil {
		return Snapshot{}, err
	}

	var none conditions
	if snap.Entries, err = listFrom(ctx, s, tx, "entries", entryColumns, none, "created_at DESC, id DESC", limits.Entries, scanEntry); err != nil {
		return Snapshot{}, err
	}
	if snap.Memories, err = listFrom(ctx, s, tx, "memories", "id, type, text, created_at, updated_at", none, "updated_at DESC, id DESC", limits.Memories, scanMemory); err != nil {
		return Snapshot{}, err
	}
	if snap.AgentMemories, err = listFrom(ctx, s, tx, "agent_memories", agentMemoryColumns, none, "updated_at DESC, id DESC", limits.AgentMemories, scanActive); err != nil {
		return Snapshot{}, err
	}
	if snap.AgentMemoryArchive, err = listFrom(ctx, s, tx, "agent_memory_archive", agentMemoryColumns+", archived_at", none, "archived_at DESC, id DESC", limits.AgentArchive, scanArchived); err != nil {
		return Snapshot{}, err
	}
	if snap.ExperimentNotes, err = listFrom(ctx, s, tx, "experiment_notes", noteColumns, none, "created_at DESC, id DESC", limits.ExperimentNotes, scanNote); err != nil {
		return Snapshot{}, err
	}
	if snap.OptimizerWinners, err = listFrom(ctx, s, tx, "optimizer_winners", winnerColumns, none, "created_at DESC, id DESC", limits.OptimizerWinners, scanWinner); err != nil {
		return Snapshot{}, err
	}
	if snap.ResearchSessions, err = listFrom(ctx, s, tx, "research_sessions", sessionColumns, none, "updated_at DESC, session_id DESC", limits.ResearchSessions, scanSession); err != nil {
		return Snapshot{}, err
	}
	if snap.ResearchSteps, err = listFrom(ctx, s, tx, "research_steps", stepColumns, none, "created_at DESC, id DESC", limits.ResearchSteps, scanStep); err != nil {
		return Snapshot{}, err
	}
	if snap.PlaybookRuns, err = listFrom(ctx, s, tx, "playbook_runs", runColumns, none, "updated_at DESC, run_id DESC", limits.PlaybookRuns, scanRun); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

// ImportMirror loads a snapshot into the store in one transaction. Rows in
// the snapshot replace stored rows with the same identity. Archived agent
// memories go back to the archive tier.
func (s *SQLiteStore) ImportMirror(ctx context.Context, snap Snapshot) (ImportResult, error) {
	if snap.Version > SnapshotVersion {
		return ImportResult{}, apperrors.NewValidationError("version", fmt.Sprint(snap.Version), "unsupported mirror version")
	}
	var res ImportResult
	err := s.mutate(ctx, "import_mirror", func(ctx context.Context, tx *sql.Tx) error {
		for _, e := range snap.Entries {
			if e.ID == "" {
				continue
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM entries WHERE id = ?`, e.ID); err != nil {
				return err
			}
			if err := insertEntry(ctx, tx, e); err != nil {
				return err
			}
			res.Entries++
		}
		for _, m := range snap.Memories {
			if m.ID == "" || m.Text == "" {
				continue
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT OR REPLACE INTO memories (id, type, text, created_at, updated_at) VALUES (?, ?, ?, ?, ?)
			`, m.ID, string(m.Type), m.Text, m.CreatedAtMs, m.UpdatedAtMs); err != nil {
				return err
			}
			res.Memories++
		}
		for _, m := range snap.AgentMemories {
			if m.ID == "" || m.Key == "" {
				continue
			}
			for _, table := range []string{"agent_memories", "agent_memory_archive"} {
				if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE id = ? OR key = ?", m.ID, m.Key); err != nil {
					return err
				}
			}
			if err := insertAgentMemory(ctx, tx, m); err != nil {
				return err
			}
			res.AgentMemories++
		}
		for _, m := range snap.AgentMemoryArchive {
			if m.ID == "" || m.Key == "" {
				continue
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM agent_memories WHERE id = ? OR key = ?`, m.ID, m.Key); err != nil {
				return err
			}
			if err := insertAgentMemory(ctx, tx, m); err != nil {
				return err
			}
			archivedAt := m.ArchivedAtMs
			if archivedAt <= 0 {
				archivedAt = s.nowMs()
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT OR REPLACE INTO agent_memory_archive (`+agentMemoryColumns+`, archived_at)
				SELECT `+agentMemoryColumns+`, ? FROM agent_memories WHERE id = ?
			`, archivedAt, m.ID); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM agent_memories WHERE id = ?`, m.ID); err != nil {
				return err
			}
		}
		for _, n := range snap.ExperimentNotes {
			if n.ID == "" {
				continue
			}
			if err := writeNote(ctx, tx, n); err != nil {
				return err
			}
			res.ExperimentNotes++
		}
		for _, w := range snap.OptimizerWinners {
			if w.ID == "" {
				continue
			}
			if err := writeWinner(ctx, tx, w); err != nil {
				return err
			}
			res.OptimizerWinners++
		}
		for _, r := range snap.ResearchSessions {
			if r.SessionID == "" {
				continue
			}
			if err := writeSession(ctx, tx, r); err != nil {
				return err
			}
			res.ResearchSessions++
		}
		for _, r := range snap.ResearchSteps {
			if r.ID == "" || r.SessionID == "" {
				continue
			}
			if err := writeStep(ctx, tx, r); err != nil {
				return err
			}
			res.ResearchSteps++
		}
		for _, r := range snap.PlaybookRuns {
			if r.RunID == "" {
				continue
			}
			if err := writeRun(ctx, tx, r); err != nil {
				return err
			}
			res.PlaybookRuns++
		}
		return nil
	})
	if err != nil {
		return ImportResult{}, err
	}
	return res, nil
}

// ReadMirrorFile decodes a mirror file.
func ReadMirrorFile(path string) (Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Snapshot{}, err
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("%w: failed to decode %s: %v", apperrors.ErrMirror, path, err)
	}
	return snap, nil
}

// loadMirrorFile hydrates the store from the mirror at path, if present.
func (s *SQLiteStore) loadMirrorFile(ctx context.Context, path string) error {
	snap, err := ReadMirrorFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	res, err := s.ImportMirror(ctx, snap)
	if err != nil {
		return err
	}
	s.log.Info().
		Int("entries", res.Entries).
		Int("agent_memories", res.AgentMemories).
		Str("path", path).
		Msg("Hydrated store from mirror")
	return nil
}
