package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	apperrors "tradedesk/internal/errors"
)

func parseMemoryType(t MemoryType) (MemoryType, error) {
	switch MemoryType(strings.ToUpper(strings.TrimSpace(string(t)))) {
	case MemoryWin:
		return MemoryWin, nil
	case MemoryLoss:
		return MemoryLoss, nil
	}
	return "", apperrors.NewValidationError("type", string(t), "must be WIN or LOSS")
}

// AddMemory stores a win/loss lesson.
func (s *SQLiteStore) AddMemory(ctx context.Context, m SimpleMemory) (SimpleMemory, error) {
	typ, err := parseMemoryType(m.Type)
	if err != nil {
		return SimpleMemory{}, err
	}
	m.Text = strings.TrimSpace(m.Text)
	if m.Text == "" {
		return SimpleMemory{}, apperrors.NewValidationError("text", "", "is required")
	}
	m.Type = typ
	if m.ID = strings.TrimSpace(m.ID); m.ID == "" {
		m.ID = newID()
	}
	now := s.nowMs()
	if m.CreatedAtMs <= 0 {
		m.CreatedAtMs = now
	}
	m.UpdatedAtMs = now

	err = s.mutate(ctx, "add_memory", func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO memories (id, type, text, created_at, updated_at) VALUES (?, ?, ?, ?, ?)
		`, m.ID, string(m.Type), m.Text, m.CreatedAtMs, m.UpdatedAtMs)
		if err != nil {
			return fmt.Errorf("failed to insert memory: %w", err)
		}
		_, err = enforceCap(ctx, tx, "memories", "id", "updated_at", s.opts.Limits.Memories)
		return err
	})
	if err != nil {
		return SimpleMemory{}, err
	}
	return m, nil
}

// UpdateMemory changes the type and/or text of a lesson.
func (s *SQLiteStore) UpdateMemory(ctx context.Context, id string, typ *MemoryType, text *string) (SimpleMemory, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return SimpleMemory{}, apperrors.NewValidationError("id", "", "is required")
	}
	if typ != nil {
		t, err := parseMemoryType(*typ)
		if err != nil {
			return SimpleMemory{}, err
		}
		typ = &t
	}
	if text != nil && strings.TrimSpace(*text) == "" {
		return SimpleMemory{}, apperrors.NewValidationError("text", "", "must not be empty")
	}

	var out SimpleMemory
	err := s.mutate(ctx, "update_memory", func(ctx context.Context, tx *sql.Tx) error {
		var typeStr string
		err := tx.QueryRowContext(ctx, `SELECT id, type, text, created_at FROM memories WHERE id = ?`, id).
			Scan(&out.ID, &typeStr, &out.Text, &out.CreatedAtMs)
		if err == sql.ErrNoRows {
			return apperrors.NotFound("memory", id)
		}
		if err != nil {
			return err
		}
		out.Type = MemoryType(typeStr)
		if typ != nil {
			out.Type = *typ
		}
		if text != nil {
			out.Text = strings.TrimSpace(*text)
		}
		out.UpdatedAtMs = s.nowMs()
		_, err = tx.ExecContext(ctx, `UPDATE memories SET type = ?, text = ?, updated_at = ? WHERE id = ?`,
			string(out.Type), out.Text, out.UpdatedAtMs, id)
		return err
	})
	if err != nil {
		return SimpleMemory{}, err
	}
	return out, nil
}

// DeleteMemory removes a lesson. It reports whether a row was deleted.
func (s *SQLiteStore) DeleteMemory(ctx context.Context, id string) (bool, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return false, apperrors.NewValidationError("id", "", "is required")
	}
	var n int64
	err := s.mutate(ctx, "delete_memory", func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM memories WHERE id = ?`, id)
		if err != nil {
			return err
		}
		n, _ = res.RowsAffected()
		return nil
	})
	return n > 0, err
}

// ListMemories returns lessons, most recently updated first.
func (s *SQLiteStore) ListMemories(ctx context.Context, limit int) ([]SimpleMemory, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, text, created_at, updated_at FROM memories
		ORDER BY updated_at DESC, id DESC LIMIT ?
	`, clampLimit(limit, s.opts.Limits.Memories, s.opts.Limits.Memories))
	if err != nil {
		return nil, s.fail("list_memories", "memories", err)
	}
	defer rows.Close()

	var out []SimpleMemory
	for rows.Next() {
		var m SimpleMemory
		var typ string
		if err := rows.Scan(&m.ID, &typ, &m.Text, &m.CreatedAtMs, &m.UpdatedAtMs); err != nil {
			return nil, s.fail("list_memories", "memories", err)
		}
		m.Type = MemoryType(typ)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, s.fail("list_memories", "memories", err)
	}
	return out, nil
}

// ClearMemories deletes every lesson.
func (s *SQLiteStore) ClearMemories(ctx context.Context) (int64, error) {
	var n int64
	err := s.mutate(ctx, "clear_memories", func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM memories`)
		if err != nil {
			return err
		}
		n, _ = res.RowsAffected()
		return nil
	})
	return n, err
}
