package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "tradedesk/internal/errors"
)

// testClock is a settable clock shared by a store and its test.
type testClock struct{ ms atomic.Int64 }

func newTestClock() *testClock {
	c := &testClock{}
	c.ms.Store(time.Date(2026, 3, 2, 9, 15, 0, 0, time.UTC).UnixMilli())
	return c
}

func (c *testClock) Now() time.Time          { return time.UnixMilli(c.ms.Load()) }
func (c *testClock) Advance(d time.Duration) { c.ms.Add(d.Milliseconds()) }

// openTestStore opens a store in a temp dir with repairs and the mirror off
// unless configure turns them on.
func openTestStore(t *testing.T, configure ...func(*Options)) (*SQLiteStore, *testClock) {
	t.Helper()
	clock := newTestClock()
	opts := Options{
		DataDir:        t.TempDir(),
		DisableMirror:  true,
		DisableRepairs: true,
		Clock:          clock.Now,
	}
	for _, fn := range configure {
		fn(&opts)
	}
	s, err := Open(context.Background(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, clock
}

func TestOpen_RequiresDataDir(t *testing.T) {
	_, err := Open(context.Background(), Options{})
	require.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestOpen_MigratesToLatest(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	v, err := s.CurrentVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, LatestSchemaVersion, v)

	require.NoError(t, s.MigrateToLatest(ctx))
	v, err = s.CurrentVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, LatestSchemaVersion, v)

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, EngineFile, st.Engine)
	assert.Equal(t, LatestSchemaVersion, st.SchemaVersion)
	assert.Contains(t, st.Counts, "agent_memory_archive")
	assert.False(t, st.Mirror.Enabled)
}

func TestOpen_ReopenKeepsData(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := Open(ctx, Options{DataDir: dir, DisableMirror: true, DisableRepairs: true})
	require.NoError(t, err)
	e, err := s.Append(ctx, LedgerEntry{Kind: "order", Status: StatusPending, Symbol: "INFY"})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(ctx, Options{DataDir: dir, DisableMirror: true, DisableRepairs: true})
	require.NoError(t, err)
	defer s.Close()
	list, err := s.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, e.ID, list[0].ID)
}

func TestMigrations_RejectsNewerSchema(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, setMeta(ctx, s.db, metaSchemaVersion, "99"))

	err := s.MigrateToLatest(ctx)
	require.ErrorIs(t, err, apperrors.ErrMigration)
}

func TestMigrations_MissingStepFails(t *testing.T) {
	s, _ := openTestStore(t)
	err := runMigrations(context.Background(), s.db, migrations[:2], LatestSchemaVersion+1, nil)
	require.ErrorIs(t, err, apperrors.ErrMigration)
}

func TestClose_RejectsMutations(t *testing.T) {
	s, _ := openTestStore(t)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err := s.Append(context.Background(), LedgerEntry{Kind: "order"})
	require.ErrorIs(t, err, apperrors.ErrClosed)
}

func TestOpen_FallsBackToMemoryEngine(t *testing.T) {
	dir := t.TempDir()
	// A directory where the database file should be cannot be opened.
	require.NoError(t, os.Mkdir(filepath.Join(dir, DefaultDBFile), 0755))

	_, err := Open(context.Background(), Options{DataDir: dir, DisableMirror: true, DisableRepairs: true})
	require.Error(t, err)

	s, err := Open(context.Background(), Options{DataDir: dir, AllowFallback: true, DisableMirror: true, DisableRepairs: true})
	require.NoError(t, err)
	defer s.Close()

	st, err := s.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, EngineMemory, st.Engine)

	_, err = s.AddMemory(context.Background(), SimpleMemory{Type: MemoryWin, Text: "waited for the retest"})
	require.NoError(t, err)
}

func TestStats_RecordsEngineErrors(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	_, err := s.db.ExecContext(ctx, `DROP TABLE memories`)
	require.NoError(t, err)

	_, err = s.AddMemory(ctx, SimpleMemory{Type: MemoryLoss, Text: "chased the gap"})
	require.ErrorIs(t, err, apperrors.ErrEngine)

	s.errMu.Lock()
	lastErr, lastErrAt := s.lastErr, s.lastErrAt
	s.errMu.Unlock()
	assert.Contains(t, lastErr, "add_memory")
	assert.NotZero(t, lastErrAt)

	_, err = s.Stats(ctx)
	require.ErrorIs(t, err, apperrors.ErrEngine)
}

func TestMutate_CancelledWhileQueuedIsNotAnEngineError(t *testing.T) {
	s, _ := openTestStore(t)
	prev := s.queue
	s.queue = NewSerializer(0)
	prev.Close()

	release := make(chan struct{})
	started := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.queue.Do(context.Background(), func() error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.AddMemory(ctx, SimpleMemory{Type: MemoryWin, Text: "held the runner"})
	close(release)
	<-done

	require.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, apperrors.ErrEngine)

	st, err := s.Stats(context.Background())
	require.NoError(t, err)
	assert.Empty(t, st.LastError)
}

func TestIsBusy(t *testing.T) {
	assert.True(t, isBusy(sqlite3.Error{Code: sqlite3.ErrBusy}))
	assert.True(t, isBusy(fmt.Errorf("commit: %w", sqlite3.Error{Code: sqlite3.ErrLocked})))
	assert.False(t, isBusy(sqlite3.Error{Code: sqlite3.ErrConstraint}))
	assert.False(t, isBusy(errors.New("database is locked")))
	assert.False(t, isBusy(nil))
}
