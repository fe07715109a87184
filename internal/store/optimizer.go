package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	apperrors "tradedesk/internal/errors"
)

// PruneCacheOptions controls PruneOptimizerEvalCache.
type PruneCacheOptions struct {
	// MaxEntries trims the cache to this many rows; 0 uses the configured cap.
	MaxEntries int
	// EngineVersion, when set, drops entries produced by any other version.
	EngineVersion string
}

// PruneCacheResult reports what a prune removed.
type PruneCacheResult struct {
	Expired   int64 `json:"expired"`
	Stale     int64 `json:"stale"`
	Trimmed   int64 `json:"trimmed"`
	Remaining int64 `json:"remaining"`
}

// GetOptimizerEvalCache returns a live cache entry. Expired entries are
// purged and reported as not found.
func (s *SQLiteStore) GetOptimizerEvalCache(ctx context.Context, cacheKey string) (OptimizerCacheEntry, error) {
	cacheKey = strings.TrimSpace(cacheKey)
	if cacheKey == "" {
		return OptimizerCacheEntry{}, apperrors.NewValidationError("cacheKey", "", "is required")
	}

	var (
		e       OptimizerCacheEntry
		blob    []byte
		version sql.NullString
		expires sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT cache_key, payload, engine_version, created_at, updated_at, expires_at
		FROM optimizer_eval_cache WHERE cache_key = ?
	`, cacheKey).Scan(&e.CacheKey, &blob, &version, &e.CreatedAtMs, &e.UpdatedAtMs, &expires)
	if err == sql.ErrNoRows {
		return OptimizerCacheEntry{}, apperrors.NotFound("eval cache entry", cacheKey)
	}
	if err != nil {
		return OptimizerCacheEntry{}, s.fail("get_eval_cache", "optimizer_eval_cache", err)
	}
	e.EngineVersion = version.String
	e.ExpiresAtMs = expires.Int64

	now := s.nowMs()
	if e.ExpiresAtMs > 0 && e.ExpiresAtMs <= now {
		err := s.mutate(ctx, "purge_eval_cache", func(ctx context.Context, tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, `
				DELETE FROM optimizer_eval_cache WHERE cache_key = ? AND expires_at IS NOT NULL AND expires_at <= ?
			`, cacheKey, now)
			return err
		})
		if err != nil {
			s.log.Warn().Err(err).Str("cache_key", cacheKey).Msg("Failed to purge expired eval cache entry")
		}
		return OptimizerCacheEntry{}, apperrors.NotFound("eval cache entry", cacheKey)
	}

	if err := msgpack.Unmarshal(blob, &e.Payload); err != nil {
		return OptimizerCacheEntry{}, s.fail("get_eval_cache", "optimizer_eval_cache",
			fmt.Errorf("failed to decode eval cache payload: %w", err))
	}
	return e, nil
}

// PutOptimizerEvalCache stores an evaluation result. ttl > 0 sets the expiry
// relative to now; otherwise e.ExpiresAtMs is kept as given. Expired rows are
// purged and the cache is trimmed to its cap in the same transaction.
func (s *SQLiteStore) PutOptimizerEvalCache(ctx context.Context, e OptimizerCacheEntry, ttl time.Duration) (OptimizerCacheEntry, error) {
	e.CacheKey = strings.TrimSpace(e.CacheKey)
	if e.CacheKey == "" {
		return OptimizerCacheEntry{}, apperrors.NewValidationError("cacheKey", "", "is required")
	}
	blob, err := msgpack.Marshal(e.Payload)
	if err != nil {
		return OptimizerCacheEntry{}, apperrors.NewValidationError("payload", "", err.Error())
	}

	now := s.nowMs()
	if ttl > 0 {
		e.ExpiresAtMs = now + ttl.Milliseconds()
	}
	e.UpdatedAtMs = now
	if e.CreatedAtMs <= 0 {
		e.CreatedAtMs = now
	}

	err = s.mutate(ctx, "put_eval_cache", func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO optimizer_eval_cache (cache_key, payload, engine_version, created_at, updated_at, expires_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(cache_key) DO UPDATE SET
				payload = excluded.payload,
				engine_version = excluded.engine_version,
				updated_at = excluded.updated_at,
				expires_at = excluded.expires_at
		`, e.CacheKey, blob, nullString(e.EngineVersion), e.CreatedAtMs, e.UpdatedAtMs, nullInt(e.ExpiresAtMs))
		if err != nil {
			return fmt.Errorf("failed to write eval cache: %w", err)
		}
		if _, err := purgeExpired(ctx, tx, now); err != nil {
			return err
		}
		_, err = enforceCap(ctx, tx, "optimizer_eval_cache", "cache_key", "updated_at", s.opts.Limits.EvalCache)
		return err
	})
	if err != nil {
		return OptimizerCacheEntry{}, err
	}
	return e, nil
}

// PruneOptimizerEvalCache purges expired and stale entries and trims the cache.
func (s *SQLiteStore) PruneOptimizerEvalCache(ctx context.Context, opts PruneCacheOptions) (PruneCacheResult, error) {
	limit := opts.MaxEntries
	if limit <= 0 {
		limit = s.opts.Limits.EvalCache
	}
	var res PruneCacheResult
	err := s.mutate(ctx, "prune_eval_cache", func(ctx context.Context, tx *sql.Tx) error {
		var err error
		if res.Expired, err = purgeExpired(ctx, tx, s.nowMs()); err != nil {
			return err
		}
		if opts.EngineVersion != "" {
			r, err := tx.ExecContext(ctx, `
				DELETE FROM optimizer_eval_cache WHERE engine_version IS NULL OR engine_version != ?
			`, opts.EngineVersion)
			if err != nil {
				return fmt.Errorf("failed to drop stale eval cache: %w", err)
			}
			res.Stale, _ = r.RowsAffected()
		}
		if res.Trimmed, err = enforceCap(ctx, tx, "optimizer_eval_cache", "cache_key", "updated_at", limit); err != nil {
			return err
		}
		res.Remaining, err = countRows(ctx, tx, "optimizer_eval_cache")
		return err
	})
	if err != nil {
		return PruneCacheResult{}, err
	}
	return res, nil
}

func purgeExpired(ctx context.Context, q queryer, now int64) (int64, error) {
	res, err := q.ExecContext(ctx, `
		DELETE FROM optimizer_eval_cache WHERE expires_at IS NOT NULL AND expires_at <= ?
	`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to purge expired eval cache: %w", err)
	}
	return res.RowsAffected()
}

// WinnerFilter narrows ListOptimizerWinners.
type WinnerFilter struct {
	SessionID string
	Round     *int
	Symbol    string
	Timeframe string
	Strategy  string
	Limit     int
}

const winnerColumns = `id, session_id, round, symbol, timeframe, strategy, payload, created_at, updated_at`

func scanWinner(sc rowScanner) (OptimizerWinner, error) {
	var (
		w                                    OptimizerWinner
		session, symbol, timeframe, strategy sql.NullString
		payload                              string
	)
	if err := sc.Scan(&w.ID, &session, &w.Round, &symbol, &timeframe, &strategy, &payload,
		&w.CreatedAtMs, &w.UpdatedAtMs); err != nil {
		return OptimizerWinner{}, err
	}
	w.SessionID = session.String
	w.Symbol = symbol.String
	w.Timeframe = timeframe.String
	w.Strategy = strategy.String
	w.Payload = decodePayload(payload)
	return w, nil
}

func writeWinner(ctx context.Context, q queryer, w OptimizerWinner) error {
	payload, err := encodePayload(w.Payload)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO optimizer_winners (`+winnerColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			session_id = excluded.session_id, round = excluded.round, symbol = excluded.symbol,
			timeframe = excluded.timeframe, strategy = excluded.strategy, payload = excluded.payload,
			updated_at = excluded.updated_at
	`, w.ID, nullString(w.SessionID), w.Round, nullString(w.Symbol), nullString(w.Timeframe),
		nullString(w.Strategy), payload, w.CreatedAtMs, w.UpdatedAtMs)
	if err != nil {
		return fmt.Errorf("failed to write optimizer winner: %w", err)
	}
	return nil
}

// CreateOptimizerWinner records the best parameter set of a round.
func (s *SQLiteStore) CreateOptimizerWinner(ctx context.Context, w OptimizerWinner) (OptimizerWinner, error) {
	if w.Round < 0 {
		return OptimizerWinner{}, apperrors.NewValidationError("round", fmt.Sprint(w.Round), "must not be negative")
	}
	w.ID, w.CreatedAtMs, w.UpdatedAtMs = s.stamp(w.ID, w.CreatedAtMs)
	w.Payload = w.Payload.Clone()
	err := s.mutate(ctx, "create_optimizer_winner", func(ctx context.Context, tx *sql.Tx) error {
		if err := writeWinner(ctx, tx, w); err != nil {
			return err
		}
		_, err := enforceCap(ctx, tx, "optimizer_winners", "id", "created_at", s.opts.Limits.OptimizerWinners)
		return err
	})
	if err != nil {
		return OptimizerWinner{}, err
	}
	return w, nil
}

// GetOptimizerWinner returns one winner by id.
func (s *SQLiteStore) GetOptimizerWinner(ctx context.Context, id string) (OptimizerWinner, error) {
	return getOne(ctx, s, "optimizer_winners", "id", id, "optimizer winner", winnerColumns, scanWinner)
}

// ListOptimizerWinners returns winners, newest first. A session filter
// orders by round instead.
func (s *SQLiteStore) ListOptimizerWinners(ctx context.Context, f WinnerFilter) ([]OptimizerWinner, error) {
	var w conditions
	w.eq("session_id", f.SessionID)
	if f.Round != nil {
		w.add("round = ?", *f.Round)
	}
	w.eqFold("symbol", f.Symbol)
	w.eqFold("timeframe", f.Timeframe)
	w.eq("strategy", f.Strategy)

	order := "created_at DESC, id DESC"
	if f.SessionID != "" {
		order = "round DESC, created_at DESC, id DESC"
	}
	return listAll(ctx, s, "optimizer_winners", winnerColumns, w, order,
		clampLimit(f.Limit, 200, s.opts.Limits.OptimizerWinners), scanWinner)
}
