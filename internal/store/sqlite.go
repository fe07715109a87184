package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	apperrors "tradedesk/internal/errors"
	"tradedesk/internal/logging"
	"tradedesk/internal/security"
	"tradedesk/pkg/utils"
)

// Default file names inside the data directory.
const (
	DefaultDBFile     = "ledger.db"
	DefaultMirrorFile = "ledger.json"
)

// Limits caps the row count of every bounded table.
type Limits struct {
	Entries          int
	Memories         int
	AgentMemories    int
	EvalCache        int
	ExperimentNotes  int
	OptimizerWinners int
	ResearchSessions int
	ResearchSteps    int
	PlaybookRuns     int
}

// DefaultLimits returns the default table caps.
func DefaultLimits() Limits {
	return Limits{
		Entries:          5000,
		Memories:         500,
		AgentMemories:    4000,
		EvalCache:        2000,
		ExperimentNotes:  1000,
		OptimizerWinners: 1000,
		ResearchSessions: 300,
		ResearchSteps:    5000,
		PlaybookRuns:     500,
	}
}

// LegacyOptions describes where earlier installs may have left a store.
type LegacyOptions struct {
	// AppNames are the base directory names the application has shipped under.
	AppNames []string
	// Parents are extra directories searched besides the data dir's parent.
	Parents []string
}

// Options configures a store.
type Options struct {
	DataDir        string
	DBFile         string
	MirrorFile     string
	Legacy         LegacyOptions
	AllowFallback  bool
	DisableMirror  bool
	DisableRepairs bool
	Limits         Limits
	Retention      RetentionPolicy
	ReserveWindow  time.Duration
	Mirror         MirrorOptions
	Logger         *zerolog.Logger
	Clock          func() time.Time
}

func (o *Options) applyDefaults() {
	if o.DBFile == "" {
		o.DBFile = DefaultDBFile
	}
	if o.MirrorFile == "" {
		o.MirrorFile = DefaultMirrorFile
	}
	def := DefaultLimits()
	fill := func(v *int, d int) {
		if *v <= 0 {
			*v = d
		}
	}
	fill(&o.Limits.Entries, def.Entries)
	fill(&o.Limits.Memories, def.Memories)
	fill(&o.Limits.AgentMemories, def.AgentMemories)
	fill(&o.Limits.EvalCache, def.EvalCache)
	fill(&o.Limits.ExperimentNotes, def.ExperimentNotes)
	fill(&o.Limits.OptimizerWinners, def.OptimizerWinners)
	fill(&o.Limits.ResearchSessions, def.ResearchSessions)
	fill(&o.Limits.ResearchSteps, def.ResearchSteps)
	fill(&o.Limits.PlaybookRuns, def.PlaybookRuns)
	if o.Retention.isZero() {
		o.Retention = DefaultRetentionPolicy()
	}
	if o.Retention.Cap <= 0 {
		o.Retention.Cap = o.Limits.AgentMemories
	}
	if o.ReserveWindow <= 0 {
		o.ReserveWindow = 5 * time.Minute
	}
	o.Mirror.applyDefaults()
	if o.Clock == nil {
		o.Clock = time.Now
	}
}

// SQLiteStore implements Ledger on an embedded SQLite engine.
type SQLiteStore struct {
	db      *sql.DB
	engine  engine
	opts    Options
	log     zerolog.Logger
	queue   *Serializer
	mirror  *MirrorWriter
	adopted bool
	closed  atomic.Bool

	errMu     sync.Mutex
	lastErr   string
	lastErrAt int64
}

// Open bootstraps, opens and migrates a store. Startup order: legacy
// adoption, engine open, migrations, repair jobs, mirror bootstrap.
func Open(ctx context.Context, opts Options) (*SQLiteStore, error) {
	if opts.DataDir == "" {
		return nil, apperrors.NewValidationError("data_dir", "", "is required")
	}
	opts.applyDefaults()

	log := zerolog.Nop()
	if opts.Logger != nil {
		log = *opts.Logger
	}
	log = logging.Component(log, "store")

	if err := os.MkdirAll(opts.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(opts.DataDir, opts.DBFile)
	mirrorPath := filepath.Join(opts.DataDir, opts.MirrorFile)

	boot := NewBootstrapper(dbPath, mirrorPath, opts.Legacy, log)
	adopted, err := boot.Adopt()
	if err != nil {
		log.Warn().Err(security.RedactError(err)).Msg("Legacy store adoption failed")
	}

	var eng engine = &fileEngine{path: dbPath}
	db, err := eng.Open(ctx)
	if err != nil {
		if !opts.AllowFallback {
			return nil, apperrors.NewStoreError("open", "", err)
		}
		log.Error().Err(security.RedactError(err)).Str("path", dbPath).Msg("Database unavailable, falling back to in-memory engine")
		eng = newMemoryEngine()
		if db, err = eng.Open(ctx); err != nil {
			return nil, apperrors.NewStoreError("open", "", err)
		}
	}

	s := &SQLiteStore{
		db:      db,
		engine:  eng,
		opts:    opts,
		log:     log,
		adopted: adopted,
	}

	if err := s.migrateToLatest(ctx); err != nil {
		db.Close()
		return nil, err
	}

	s.queue = NewSerializer(64)

	if eng.Name() == EngineMemory {
		if err := s.loadMirrorFile(ctx, mirrorPath); err != nil {
			log.Warn().Err(security.RedactError(err)).Msg("Failed to hydrate memory engine from mirror")
		}
	}

	if !opts.DisableRepairs {
		if _, err := s.RunRepairs(ctx); err != nil {
			log.Warn().Err(security.RedactError(err)).Msg("Legacy repair jobs failed")
		}
	}

	if !opts.DisableMirror {
		s.mirror = NewMirrorWriter(mirrorPath, s, opts.Mirror, log)
		if _, statErr := os.Stat(mirrorPath); os.IsNotExist(statErr) {
			s.mirror.MarkDirty()
		}
	}

	log.Info().
		Str("engine", eng.Name()).
		Str("path", eng.Path()).
		Bool("adopted", adopted).
		Msg("Store opened")

	return s, nil
}

// Close flushes the mirror synchronously and releases the engine.
func (s *SQLiteStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.queue.Close()

	var errs []error
	if s.mirror != nil {
		s.mirror.Stop()
		if err := s.mirror.WriteSync(context.Background()); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.engine.Checkpoint(context.Background(), s.db); err != nil {
		errs = append(errs, err)
	}
	if err := s.db.Close(); err != nil {
		errs = append(errs, err)
	}
	return apperrors.Join(errs...)
}

// Checkpoint folds the write-ahead log into the database file.
func (s *SQLiteStore) Checkpoint(ctx context.Context) error {
	if s.closed.Load() {
		return apperrors.ErrClosed
	}
	err := s.queue.Do(ctx, func() error {
		return s.engine.Checkpoint(ctx, s.db)
	})
	if err != nil {
		return s.fail("checkpoint", "", err)
	}
	return nil
}

// Flush checkpoints the engine and writes the mirror synchronously.
func (s *SQLiteStore) Flush(ctx context.Context) error {
	if err := s.Checkpoint(ctx); err != nil {
		return err
	}
	if s.mirror != nil {
		if err := s.mirror.WriteSync(ctx); err != nil {
			return fmt.Errorf("%w: %v", apperrors.ErrMirror, security.Redact(err.Error()))
		}
	}
	return nil
}

// FlushSync is Flush without a caller context, for shutdown paths.
func (s *SQLiteStore) FlushSync() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return s.Flush(ctx)
}

// mutate runs fn inside a transaction on the serializer, then marks the
// mirror dirty. Busy errors retry the whole transaction. Once accepted by the
// serializer the mutation is not cancelled by ctx.
func (s *SQLiteStore) mutate(ctx context.Context, op string, fn func(ctx context.Context, tx *sql.Tx) error) error {
	if s.closed.Load() {
		return apperrors.ErrClosed
	}
	runCtx := context.WithoutCancel(ctx)
	err := s.queue.Do(ctx, func() error {
		return utils.Retry(context.Background(), utils.RetryConfig{
			MaxAttempts:   3,
			InitialDelay:  25 * time.Millisecond,
			MaxDelay:      250 * time.Millisecond,
			BackoffFactor: 2,
			Retryable:     isBusy,
		}, func() error {
			return withTransaction(runCtx, s.db, func(tx *sql.Tx) error {
				return fn(runCtx, tx)
			})
		})
	})
	if err != nil {
		// Cancelled while waiting for the queue: nothing reached the engine.
		if ctxErr := ctx.Err(); ctxErr != nil && apperrors.Is(err, ctxErr) {
			return ctxErr
		}
		return s.fail(op, "", err)
	}
	if s.mirror != nil {
		s.mirror.MarkDirty()
	}
	return nil
}

// fail records engine failures for Stats and normalises the error.
func (s *SQLiteStore) fail(op, table string, err error) error {
	err = apperrors.NewStoreError(op, table, err)
	if apperrors.Is(err, apperrors.ErrEngine) {
		s.errMu.Lock()
		s.lastErr = security.Redact(err.Error())
		s.lastErrAt = s.nowMs()
		s.errMu.Unlock()
		s.log.Error().Err(security.RedactError(err)).Str("operation", op).Msg("Store operation failed")
	}
	return err
}

// withTransaction executes fn within a transaction, rolling back on error or
// panic and committing otherwise.
func withTransaction(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			err = fmt.Errorf("panic in transaction: %v", p)
		} else if err != nil {
			if rollbackErr := tx.Rollback(); rollbackErr != nil {
				err = fmt.Errorf("%w (rollback also failed: %v)", err, rollbackErr)
			}
		} else if commitErr := tx.Commit(); commitErr != nil {
			err = fmt.Errorf("failed to commit transaction: %w", commitErr)
		}
	}()

	return fn(tx)
}

func (s *SQLiteStore) nowMs() int64 {
	return s.opts.Clock().UnixMilli()
}

func newID() string {
	return uuid.NewString()
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// enforceCap deletes the oldest rows of table beyond limit.
func enforceCap(ctx context.Context, q queryer, table, pk, orderCol string, limit int) (int64, error) {
	if limit <= 0 {
		return 0, nil
	}
	res, err := q.ExecContext(ctx, fmt.Sprintf(`
		DELETE FROM %[1]s WHERE %[2]s IN (
			SELECT %[2]s FROM %[1]s ORDER BY %[3]s DESC, %[2]s DESC LIMIT -1 OFFSET ?
		)`, table, pk, orderCol), limit)
	if err != nil {
		return 0, fmt.Errorf("failed to enforce %s cap: %w", table, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func countRows(ctx context.Context, q queryer, table string) (int64, error) {
	var n int64
	if err := q.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// clampLimit bounds a caller-supplied list limit.
func clampLimit(limit, def, max int) int {
	if limit <= 0 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}
