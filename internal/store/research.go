package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	apperrors "tradedesk/internal/errors"
)

// ScopeFilter narrows the research listings by symbol/timeframe/strategy.
type ScopeFilter struct {
	Symbol    string
	Timeframe string
	Strategy  string
	Status    string
	Limit     int
}

// PlaybookRunFilter narrows ListPlaybookRuns.
type PlaybookRunFilter struct {
	PlaybookID string
	Symbol     string
	Timeframe  string
	Status     string
	Limit      int
}

// conditions accumulates a WHERE clause.
type conditions struct {
	clauses []string
	args    []any
}

func (c *conditions) add(clause string, args ...any) {
	c.clauses = append(c.clauses, clause)
	c.args = append(c.args, args...)
}

func (c *conditions) eq(col, v string) {
	if v != "" {
		c.add(col+" = ?", v)
	}
}

func (c *conditions) eqFold(col, v string) {
	if v != "" {
		c.add(col+" = ? COLLATE NOCASE", v)
	}
}

func (c conditions) sql() string {
	if len(c.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(c.clauses, " AND ")
}

// stamp assigns an id when absent and returns creation/update timestamps.
func (s *SQLiteStore) stamp(id string, createdAtMs int64) (string, int64, int64) {
	now := s.nowMs()
	if id = strings.TrimSpace(id); id == "" {
		id = newID()
	}
	if createdAtMs <= 0 {
		createdAtMs = now
	}
	return id, createdAtMs, now
}

func getOne[T any](ctx context.Context, s *SQLiteStore, table, pk, id, entity, cols string, scan func(rowScanner) (T, error)) (T, error) {
	var zero T
	id = strings.TrimSpace(id)
	if id == "" {
		return zero, apperrors.NewValidationError(pk, "", "is required")
	}
	v, err := scan(s.db.QueryRowContext(ctx, "SELECT "+cols+" FROM "+table+" WHERE "+pk+" = ?", id))
	if err == sql.ErrNoRows {
		return zero, apperrors.NotFound(entity, id)
	}
	if err != nil {
		return zero, s.fail("get", table, err)
	}
	return v, nil
}

func listAll[T any](ctx context.Context, s *SQLiteStore, table, cols string, w conditions, order string, limit int, scan func(rowScanner) (T, error)) ([]T, error) {
	return listFrom(ctx, s, s.db, table, cols, w, order, limit, scan)
}

// listFrom is listAll against q, so several reads can share one transaction.
func listFrom[T any](ctx context.Context, s *SQLiteStore, q queryer, table, cols string, w conditions, order string, limit int, scan func(rowScanner) (T, error)) ([]T, error) {
	query := "SELECT " + cols + " FROM " + table + w.sql() + " ORDER BY " + order + " LIMIT ?"
	rows, err := q.QueryContext(ctx, query, append(w.args, limit)...)
	if err != nil {
		return nil, s.fail("list", table, err)
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, s.fail("list", table, err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, s.fail("list", table, err)
	}
	return out, nil
}

// Experiment notes

const noteColumns = `id, symbol, timeframe, strategy, title, payload, created_at, updated_at`

func scanNote(sc rowScanner) (ExperimentNote, error) {
	var (
		n                                  ExperimentNote
		symbol, timeframe, strategy, title sql.NullString
		payload                            string
	)
	if err := sc.Scan(&n.ID, &symbol, &timeframe, &strategy, &title, &payload, &n.CreatedAtMs, &n.UpdatedAtMs); err != nil {
		return ExperimentNote{}, err
	}
	n.Symbol, n.Timeframe, n.Strategy, n.Title = symbol.String, timeframe.String, strategy.String, title.String
	n.Payload = decodePayload(payload)
	return n, nil
}

func writeNote(ctx context.Context, q queryer, n ExperimentNote) error {
	payload, err := encodePayload(n.Payload)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO experiment_notes (`+noteColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			symbol = excluded.symbol, timeframe = excluded.timeframe, strategy = excluded.strategy,
			title = excluded.title, payload = excluded.payload, updated_at = excluded.updated_at
	`, n.ID, nullString(n.Symbol), nullString(n.Timeframe), nullString(n.Strategy), nullString(n.Title),
		payload, n.CreatedAtMs, n.UpdatedAtMs)
	if err != nil {
		return fmt.Errorf("failed to write experiment note: %w", err)
	}
	return nil
}

// CreateExperimentNote stores a research observation.
func (s *SQLiteStore) CreateExperimentNote(ctx context.Context, n ExperimentNote) (ExperimentNote, error) {
	n.ID, n.CreatedAtMs, n.UpdatedAtMs = s.stamp(n.ID, n.CreatedAtMs)
	n.Payload = n.Payload.Clone()
	err := s.mutate(ctx, "create_experiment_note", func(ctx context.Context, tx *sql.Tx) error {
		if err := writeNote(ctx, tx, n); err != nil {
			return err
		}
		_, err := enforceCap(ctx, tx, "experiment_notes", "id", "created_at", s.opts.Limits.ExperimentNotes)
		return err
	})
	if err != nil {
		return ExperimentNote{}, err
	}
	return n, nil
}

// GetExperimentNote returns one note by id.
func (s *SQLiteStore) GetExperimentNote(ctx context.Context, id string) (ExperimentNote, error) {
	return getOne(ctx, s, "experiment_notes", "id", id, "experiment note", noteColumns, scanNote)
}

// ListExperimentNotes returns notes, newest first.
func (s *SQLiteStore) ListExperimentNotes(ctx context.Context, f ScopeFilter) ([]ExperimentNote, error) {
	var w conditions
	w.eqFold("symbol", f.Symbol)
	w.eqFold("timeframe", f.Timeframe)
	w.eq("strategy", f.Strategy)
	return listAll(ctx, s, "experiment_notes", noteColumns, w, "created_at DESC, id DESC",
		clampLimit(f.Limit, 200, s.opts.Limits.ExperimentNotes), scanNote)
}

// Research sessions

const sessionColumns = `session_id, symbol, timeframe, strategy, status, payload, created_at, updated_at`

func scanSession(sc rowScanner) (ResearchSession, error) {
	var (
		r                                   ResearchSession
		symbol, timeframe, strategy, status sql.NullString
		payload                             string
	)
	if err := sc.Scan(&r.SessionID, &symbol, &timeframe, &strategy, &status, &payload, &r.CreatedAtMs, &r.UpdatedAtMs); err != nil {
		return ResearchSession{}, err
	}
	r.Symbol, r.Timeframe, r.Strategy, r.Status = symbol.String, timeframe.String, strategy.String, status.String
	r.Payload = decodePayload(payload)
	return r, nil
}

func writeSession(ctx context.Context, q queryer, r ResearchSession) error {
	payload, err := encodePayload(r.Payload)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `
		INSERT OR REPLACE INTO research_sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, r.SessionID, nullString(r.Symbol), nullString(r.Timeframe), nullString(r.Strategy), nullString(r.Status),
		payload, r.CreatedAtMs, r.UpdatedAtMs)
	if err != nil {
		return fmt.Errorf("failed to write research session: %w", err)
	}
	return nil
}

// CreateResearchSession creates a session or updates it when the id exists.
// An update keeps createdAtMs and merges the payload.
func (s *SQLiteStore) CreateResearchSession(ctx context.Context, r ResearchSession) (ResearchSession, error) {
	r.SessionID, r.CreatedAtMs, r.UpdatedAtMs = s.stamp(r.SessionID, r.CreatedAtMs)
	err := s.mutate(ctx, "create_research_session", func(ctx context.Context, tx *sql.Tx) error {
		cur, err := scanSession(tx.QueryRowContext(ctx,
			"SELECT "+sessionColumns+" FROM research_sessions WHERE session_id = ?", r.SessionID))
		switch {
		case err == sql.ErrNoRows:
		case err != nil:
			return err
		default:
			r.CreatedAtMs = cur.CreatedAtMs
			r.Payload = mergePayload(cur.Payload, r.Payload, false)
			if r.Symbol == "" {
				r.Symbol = cur.Symbol
			}
			if r.Timeframe == "" {
				r.Timeframe = cur.Timeframe
			}
			if r.Strategy == "" {
				r.Strategy = cur.Strategy
			}
			if r.Status == "" {
				r.Status = cur.Status
			}
		}
		if err := writeSession(ctx, tx, r); err != nil {
			return err
		}
		_, err = enforceCap(ctx, tx, "research_sessions", "session_id", "updated_at", s.opts.Limits.ResearchSessions)
		return err
	})
	if err != nil {
		return ResearchSession{}, err
	}
	return r, nil
}

// GetResearchSession returns one session by id.
func (s *SQLiteStore) GetResearchSession(ctx context.Context, sessionID string) (ResearchSession, error) {
	return getOne(ctx, s, "research_sessions", "session_id", sessionID, "research session", sessionColumns, scanSession)
}

// ListResearchSessions returns sessions, most recently updated first.
func (s *SQLiteStore) ListResearchSessions(ctx context.Context, f ScopeFilter) ([]ResearchSession, error) {
	var w conditions
	w.eqFold("symbol", f.Symbol)
	w.eqFold("timeframe", f.Timeframe)
	w.eq("strategy", f.Strategy)
	w.eq("status", f.Status)
	return listAll(ctx, s, "research_sessions", sessionColumns, w, "updated_at DESC, session_id DESC",
		clampLimit(f.Limit, 100, s.opts.Limits.ResearchSessions), scanSession)
}

// Research steps

const stepColumns = `id, session_id, step_index, kind, payload, created_at, updated_at`

func scanStep(sc rowScanner) (ResearchStep, error) {
	var (
		r       ResearchStep
		kind    sql.NullString
		payload string
	)
	if err := sc.Scan(&r.ID, &r.SessionID, &r.StepIndex, &kind, &payload, &r.CreatedAtMs, &r.UpdatedAtMs); err != nil {
		return ResearchStep{}, err
	}
	r.Kind = kind.String
	r.Payload = decodePayload(payload)
	return r, nil
}

func writeStep(ctx context.Context, q queryer, r ResearchStep) error {
	payload, err := encodePayload(r.Payload)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO research_steps (`+stepColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			step_index = excluded.step_index, kind = excluded.kind,
			payload = excluded.payload, updated_at = excluded.updated_at
	`, r.ID, r.SessionID, r.StepIndex, nullString(r.Kind), payload, r.CreatedAtMs, r.UpdatedAtMs)
	if err != nil {
		return fmt.Errorf("failed to write research step: %w", err)
	}
	return nil
}

// CreateResearchStep appends a step to a session.
func (s *SQLiteStore) CreateResearchStep(ctx context.Context, r ResearchStep) (ResearchStep, error) {
	r.SessionID = strings.TrimSpace(r.SessionID)
	if r.SessionID == "" {
		return ResearchStep{}, apperrors.NewValidationError("sessionId", "", "is required")
	}
	if r.StepIndex < 0 {
		return ResearchStep{}, apperrors.NewValidationError("stepIndex", fmt.Sprint(r.StepIndex), "must not be negative")
	}
	r.ID, r.CreatedAtMs, r.UpdatedAtMs = s.stamp(r.ID, r.CreatedAtMs)
	r.Payload = r.Payload.Clone()
	err := s.mutate(ctx, "create_research_step", func(ctx context.Context, tx *sql.Tx) error {
		if err := writeStep(ctx, tx, r); err != nil {
			return err
		}
		_, err := enforceCap(ctx, tx, "research_steps", "id", "created_at", s.opts.Limits.ResearchSteps)
		return err
	})
	if err != nil {
		return ResearchStep{}, err
	}
	return r, nil
}

// GetResearchStep returns one step by id.
func (s *SQLiteStore) GetResearchStep(ctx context.Context, id string) (ResearchStep, error) {
	return getOne(ctx, s, "research_steps", "id", id, "research step", stepColumns, scanStep)
}

// ListResearchSteps returns the steps of a session in step order.
func (s *SQLiteStore) ListResearchSteps(ctx context.Context, sessionID string, limit int) ([]ResearchStep, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, apperrors.NewValidationError("sessionId", "", "is required")
	}
	var w conditions
	w.eq("session_id", sessionID)
	return listAll(ctx, s, "research_steps", stepColumns, w, "step_index ASC, created_at ASC, id ASC",
		clampLimit(limit, 500, s.opts.Limits.ResearchSteps), scanStep)
}

// Playbook runs

const runColumns = `run_id, playbook_id, symbol, timeframe, status, payload, created_at, updated_at`

func scanRun(sc rowScanner) (PlaybookRun, error) {
	var (
		r                                   PlaybookRun
		playbook, symbol, timeframe, status sql.NullString
		payload                             string
	)
	if err := sc.Scan(&r.RunID, &playbook, &symbol, &timeframe, &status, &payload, &r.CreatedAtMs, &r.UpdatedAtMs); err != nil {
		return PlaybookRun{}, err
	}
	r.PlaybookID, r.Symbol, r.Timeframe, r.Status = playbook.String, symbol.String, timeframe.String, status.String
	r.Payload = decodePayload(payload)
	return r, nil
}

func writeRun(ctx context.Context, q queryer, r PlaybookRun) error {
	payload, err := encodePayload(r.Payload)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `
		INSERT OR REPLACE INTO playbook_runs (`+runColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, r.RunID, nullString(r.PlaybookID), nullString(r.Symbol), nullString(r.Timeframe), nullString(r.Status),
		payload, r.CreatedAtMs, r.UpdatedAtMs)
	if err != nil {
		return fmt.Errorf("failed to write playbook run: %w", err)
	}
	return nil
}

// CreatePlaybookRun creates a run or updates it when the run id exists.
func (s *SQLiteStore) CreatePlaybookRun(ctx context.Context, r PlaybookRun) (PlaybookRun, error) {
	r.RunID, r.CreatedAtMs, r.UpdatedAtMs = s.stamp(r.RunID, r.CreatedAtMs)
	err := s.mutate(ctx, "create_playbook_run", func(ctx context.Context, tx *sql.Tx) error {
		cur, err := scanRun(tx.QueryRowContext(ctx, "SELECT "+runColumns+" FROM playbook_runs WHERE run_id = ?", r.RunID))
		switch {
		case err == sql.ErrNoRows:
		case err != nil:
			return err
		default:
			r.CreatedAtMs = cur.CreatedAtMs
			r.Payload = mergePayload(cur.Payload, r.Payload, false)
			if r.PlaybookID == "" {
				r.PlaybookID = cur.PlaybookID
			}
			if r.Symbol == "" {
				r.Symbol = cur.Symbol
			}
			if r.Timeframe == "" {
				r.Timeframe = cur.Timeframe
			}
			if r.Status == "" {
				r.Status = cur.Status
			}
		}
		if err := writeRun(ctx, tx, r); err != nil {
			return err
		}
		_, err = enforceCap(ctx, tx, "playbook_runs", "run_id", "updated_at", s.opts.Limits.PlaybookRuns)
		return err
	})
	if err != nil {
		return PlaybookRun{}, err
	}
	return r, nil
}

// GetPlaybookRun returns one run by id.
func (s *SQLiteStore) GetPlaybookRun(ctx context.Context, runID string) (PlaybookRun, error) {
	return getOne(ctx, s, "playbook_runs", "run_id", runID, "playbook run", runColumns, scanRun)
}

// ListPlaybookRuns returns runs, most recently updated first.
func (s *SQLiteStore) ListPlaybookRuns(ctx context.Context, f PlaybookRunFilter) ([]PlaybookRun, error) {
	var w conditions
	w.eq("playbook_id", f.PlaybookID)
	w.eqFold("symbol", f.Symbol)
	w.eqFold("timeframe", f.Timeframe)
	w.eq("status", f.Status)
	return listAll(ctx, s, "playbook_runs", runColumns, w, "updated_at DESC, run_id DESC",
		clampLimit(f.Limit, 100, s.opts.Limits.PlaybookRuns), scanRun)
}
