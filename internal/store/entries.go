package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	apperrors "tradedesk/internal/errors"
)

const entryColumns = `id, dedupe_key, kind, status, broker, source, symbol, created_at, updated_at, payload`

// EventFilter narrows ListEvents.
type EventFilter struct {
	Kind        string
	Status      EntryStatus
	Broker      string
	Symbol      string
	Source      string
	DedupeKey   string
	SinceMs     int64
	UntilMs     int64
	Limit       int
	OldestFirst bool
}

func scanEntry(sc rowScanner) (LedgerEntry, error) {
	var (
		e                              LedgerEntry
		dedupe, broker, source, symbol sql.NullString
		status, payload                string
	)
	if err := sc.Scan(&e.ID, &dedupe, &e.Kind, &status, &broker, &source, &symbol,
		&e.CreatedAtMs, &e.UpdatedAtMs, &payload); err != nil {
		return LedgerEntry{}, err
	}
	e.DedupeKey = dedupe.String
	e.Status = EntryStatus(status)
	e.Broker = broker.String
	e.Source = source.String
	e.Symbol = symbol.String
	e.Payload = decodePayload(payload)
	return e, nil
}

func insertEntry(ctx context.Context, q queryer, e LedgerEntry) error {
	payload, err := encodePayload(e.Payload)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO entries (`+entryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, nullString(e.DedupeKey), e.Kind, string(e.Status), nullString(e.Broker), nullString(e.Source),
		nullString(e.Symbol), e.CreatedAtMs, e.UpdatedAtMs, payload)
	if err != nil {
		return fmt.Errorf("failed to insert entry: %w", err)
	}
	return nil
}

// prepareEntry assigns an id and timestamps to a new entry.
func (s *SQLiteStore) prepareEntry(e LedgerEntry) LedgerEntry {
	now := s.nowMs()
	e.ID = strings.TrimSpace(e.ID)
	if e.ID == "" {
		e.ID = newID()
	}
	if e.CreatedAtMs <= 0 {
		e.CreatedAtMs = now
	}
	e.UpdatedAtMs = now
	e.Status = EntryStatus(strings.ToUpper(strings.TrimSpace(string(e.Status))))
	if e.Symbol == "" {
		e.Symbol = e.Payload.String("symbol")
	}
	e.Payload = e.Payload.Clone()
	return e
}

// Append persists a new ledger entry and trims the table to its cap.
func (s *SQLiteStore) Append(ctx context.Context, e LedgerEntry) (LedgerEntry, error) {
	e = s.prepareEntry(e)
	err := s.mutate(ctx, "append", func(ctx context.Context, tx *sql.Tx) error {
		if err := insertEntry(ctx, tx, e); err != nil {
			return err
		}
		_, err := enforceCap(ctx, tx, "entries", "id", "created_at", s.opts.Limits.Entries)
		return err
	})
	if err != nil {
		return LedgerEntry{}, err
	}
	return e, nil
}

// Reserve is the idempotency primitive for trade execution. When an entry
// with the same dedupe key and a non-terminal status exists inside the
// window, it is returned with Reserved=false and the caller must not resubmit.
// Otherwise entry is inserted and returned with Reserved=true. windowMs <= 0
// uses the configured reserve window.
func (s *SQLiteStore) Reserve(ctx context.Context, dedupeKey string, windowMs int64, e LedgerEntry) (ReserveResult, error) {
	dedupeKey = strings.TrimSpace(dedupeKey)
	if dedupeKey == "" {
		return ReserveResult{}, apperrors.NewValidationError("dedupeKey", "", "is required")
	}
	if windowMs <= 0 {
		windowMs = s.opts.ReserveWindow.Milliseconds()
	}
	e.DedupeKey = dedupeKey
	e.CreatedAtMs = 0
	if e.Status == "" {
		e.Status = StatusPending
	}

	var result ReserveResult
	err := s.mutate(ctx, "reserve", func(ctx context.Context, tx *sql.Tx) error {
		existing, err := findRecent(ctx, tx, dedupeKey, s.nowMs()-windowMs, "")
		if err != nil {
			return err
		}
		if existing != nil {
			result = ReserveResult{Reserved: false, Entry: *existing}
			return nil
		}
		entry := s.prepareEntry(e)
		if err := insertEntry(ctx, tx, entry); err != nil {
			return err
		}
		if _, err := enforceCap(ctx, tx, "entries", "id", "created_at", s.opts.Limits.Entries); err != nil {
			return err
		}
		result = ReserveResult{Reserved: true, Entry: entry}
		return nil
	})
	if err != nil {
		return ReserveResult{}, err
	}
	if !result.Reserved {
		s.log.Debug().Str("dedupe_key", dedupeKey).Str("entry_id", result.Entry.ID).Msg("Reservation already held")
	}
	return result, nil
}

// findRecent returns the newest non-terminal entry for dedupeKey created at
// or after sinceMs, optionally restricted to one broker.
func findRecent(ctx context.Context, q queryer, dedupeKey string, sinceMs int64, broker string) (*LedgerEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM entries
		WHERE dedupe_key = ? AND created_at >= ?
		AND status NOT IN (?, ?, ?)`
	args := []any{dedupeKey, sinceMs, string(StatusRejected), string(StatusCancelled), string(StatusClosed)}
	if broker != "" {
		query += ` AND broker = ? COLLATE NOCASE`
		args = append(args, broker)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT 1`

	e, err := scanEntry(q.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find recent entry: %w", err)
	}
	return &e, nil
}

// FindRecent returns the newest non-terminal entry for dedupeKey within the
// window, or ErrNotFound.
func (s *SQLiteStore) FindRecent(ctx context.Context, dedupeKey string, windowMs int64, broker string) (LedgerEntry, error) {
	dedupeKey = strings.TrimSpace(dedupeKey)
	if dedupeKey == "" {
		return LedgerEntry{}, apperrors.NewValidationError("dedupeKey", "", "is required")
	}
	if windowMs <= 0 {
		windowMs = s.opts.ReserveWindow.Milliseconds()
	}
	e, err := findRecent(ctx, s.db, dedupeKey, s.nowMs()-windowMs, strings.TrimSpace(broker))
	if err != nil {
		return LedgerEntry{}, s.fail("find_recent", "entries", err)
	}
	if e == nil {
		return LedgerEntry{}, apperrors.NotFound("entry", dedupeKey)
	}
	return *e, nil
}

// Update merges patch onto an existing entry. id and createdAtMs never change.
func (s *SQLiteStore) Update(ctx context.Context, id string, patch EntryPatch) (LedgerEntry, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return LedgerEntry{}, apperrors.NewValidationError("id", "", "is required")
	}

	var out LedgerEntry
	err := s.mutate(ctx, "update", func(ctx context.Context, tx *sql.Tx) error {
		cur, err := scanEntry(tx.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM entries WHERE id = ?`, id))
		if err == sql.ErrNoRows {
			return apperrors.NotFound("entry", id)
		}
		if err != nil {
			return fmt.Errorf("failed to load entry: %w", err)
		}

		if patch.DedupeKey != nil {
			cur.DedupeKey = strings.TrimSpace(*patch.DedupeKey)
		}
		if patch.Kind != nil {
			cur.Kind = *patch.Kind
		}
		if patch.Status != nil {
			cur.Status = EntryStatus(strings.ToUpper(strings.TrimSpace(string(*patch.Status))))
		}
		if patch.Broker != nil {
			cur.Broker = *patch.Broker
		}
		if patch.Source != nil {
			cur.Source = *patch.Source
		}
		if patch.Symbol != nil {
			cur.Symbol = *patch.Symbol
		}
		cur.Payload = mergePayload(cur.Payload, patch.Payload, false)
		cur.UpdatedAtMs = s.nowMs()

		payload, err := encodePayload(cur.Payload)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE entries SET dedupe_key = ?, kind = ?, status = ?, broker = ?, source = ?, symbol = ?,
				updated_at = ?, payload = ?
			WHERE id = ?
		`, nullString(cur.DedupeKey), cur.Kind, string(cur.Status), nullString(cur.Broker),
			nullString(cur.Source), nullString(cur.Symbol), cur.UpdatedAtMs, payload, id)
		if err != nil {
			return fmt.Errorf("failed to update entry: %w", err)
		}
		out = cur
		return nil
	})
	if err != nil {
		return LedgerEntry{}, err
	}
	return out, nil
}

// List returns the newest entries first.
func (s *SQLiteStore) List(ctx context.Context, limit int) ([]LedgerEntry, error) {
	return s.ListEvents(ctx, EventFilter{Limit: limit})
}

// ListEvents returns entries matching f, newest first unless OldestFirst.
func (s *SQLiteStore) ListEvents(ctx context.Context, f EventFilter) ([]LedgerEntry, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, v any) {
		where = append(where, clause)
		args = append(args, v)
	}
	if f.Kind != "" {
		add("kind = ?", f.Kind)
	}
	if f.Status != "" {
		add("status = ?", strings.ToUpper(string(f.Status)))
	}
	if f.Broker != "" {
		add("broker = ? COLLATE NOCASE", f.Broker)
	}
	if f.Symbol != "" {
		add("symbol = ? COLLATE NOCASE", f.Symbol)
	}
	if f.Source != "" {
		add("source = ?", f.Source)
	}
	if f.DedupeKey != "" {
		add("dedupe_key = ?", f.DedupeKey)
	}
	if f.SinceMs > 0 {
		add("created_at >= ?", f.SinceMs)
	}
	if f.UntilMs > 0 {
		add("created_at <= ?", f.UntilMs)
	}

	query := `SELECT ` + entryColumns + ` FROM entries`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	if f.OldestFirst {
		query += " ORDER BY created_at ASC, id ASC"
	} else {
		query += " ORDER BY created_at DESC, id DESC"
	}
	query += " LIMIT ?"
	args = append(args, clampLimit(f.Limit, 200, s.opts.Limits.Entries))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, s.fail("list_events", "entries", err)
	}
	defer rows.Close()

	var out []LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, s.fail("list_events", "entries", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, s.fail("list_events", "entries", err)
	}
	return out, nil
}

// entriesMentioning returns recent entries whose payload contains needle.
func entriesMentioning(ctx context.Context, q queryer, needle string, limit int) ([]LedgerEntry, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+entryColumns+` FROM entries
		WHERE instr(payload, ?) > 0 OR instr(IFNULL(dedupe_key, ''), ?) > 0
		ORDER BY created_at DESC, id DESC LIMIT ?
	`, needle, needle, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
