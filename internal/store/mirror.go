package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"tradedesk/internal/logging"
	"tradedesk/internal/resilience"
	"tradedesk/internal/security"
)

// Scheduler arms a single debounced callback. Arm replaces any pending
// callback; Stop cancels it.
type Scheduler interface {
	Arm(delay time.Duration, fn func())
	Stop()
}

// timerScheduler is the production Scheduler.
type timerScheduler struct {
	mu    sync.Mutex
	timer *time.Timer
}

// NewTimerScheduler returns a Scheduler backed by time.AfterFunc.
func NewTimerScheduler() Scheduler {
	return &timerScheduler{}
}

func (t *timerScheduler) Arm(delay time.Duration, fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = time.AfterFunc(delay, fn)
}

func (t *timerScheduler) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

// ExportLimits caps the rows per collection written to the mirror.
type ExportLimits struct {
	Entries          int
	Memories         int
	AgentMemories    int
	AgentArchive     int
	ExperimentNotes  int
	OptimizerWinners int
	ResearchSessions int
	ResearchSteps    int
	PlaybookRuns     int
}

// DefaultExportLimits returns the default mirror export caps.
func DefaultExportLimits() ExportLimits {
	return ExportLimits{
		Entries:          2000,
		Memories:         500,
		AgentMemories:    4000,
		AgentArchive:     1000,
		ExperimentNotes:  1000,
		OptimizerWinners: 1000,
		ResearchSessions: 1000,
		ResearchSteps:    1000,
		PlaybookRuns:     1000,
	}
}

// MirrorOptions configures the mirror writer.
type MirrorOptions struct {
	Debounce  time.Duration
	Limits    ExportLimits
	Scheduler Scheduler
	// FailureThreshold consecutive failed writes pause background writes for
	// BackoffTimeout.
	FailureThreshold int
	BackoffTimeout   time.Duration
}

func (o *MirrorOptions) applyDefaults() {
	if o.Debounce <= 0 {
		o.Debounce = 750 * time.Millisecond
	}
	def := DefaultExportLimits()
	fill := func(v *int, d int) {
		if *v <= 0 {
			*v = d
		}
	}
	fill(&o.Limits.Entries, def.Entries)
	fill(&o.Limits.Memories, def.Memories)
	fill(&o.Limits.AgentMemories, def.AgentMemories)
	fill(&o.Limits.AgentArchive, def.AgentArchive)
	fill(&o.Limits.ExperimentNotes, def.ExperimentNotes)
	fill(&o.Limits.OptimizerWinners, def.OptimizerWinners)
	fill(&o.Limits.ResearchSessions, def.ResearchSessions)
	fill(&o.Limits.ResearchSteps, def.ResearchSteps)
	fill(&o.Limits.PlaybookRuns, def.PlaybookRuns)
	if o.FailureThreshold <= 0 {
		o.FailureThreshold = 5
	}
	if o.BackoffTimeout <= 0 {
		o.BackoffTimeout = 30 * time.Second
	}
}

// MirrorState describes the mirror for Stats.
type MirrorState struct {
	Enabled       bool   `json:"enabled"`
	Path          string `json:"path,omitempty"`
	Dirty         bool   `json:"dirty"`
	Generation    uint64 `json:"generation"`
	LastWriteAtMs int64  `json:"lastWriteAtMs,omitempty"`
	LastError     string `json:"lastError,omitempty"`
	Circuit       string `json:"circuit,omitempty"`
	// Failures and Rejected count background and forced writes since open.
	Failures    int64   `json:"failures,omitempty"`
	Rejected    int64   `json:"rejected,omitempty"`
	FailureRate float64 `json:"failureRate,omitempty"`
}

// snapshotSource builds the snapshot the mirror writes.
type snapshotSource interface {
	BuildSnapshot(ctx context.Context, limits ExportLimits) (Snapshot, error)
}

// errStaleWrite marks a write superseded by a newer generation.
var errStaleWrite = errors.New("mirror write superseded")

// MirrorWriter exports snapshots to a flat JSON file. Every write takes a
// new generation token before it starts; a write whose token is no longer
// the latest when its temp file is complete discards that file instead of
// promoting it.
type MirrorWriter struct {
	path    string
	source  snapshotSource
	opts    MirrorOptions
	log     zerolog.Logger
	breaker *resilience.CircuitBreaker

	generation atomic.Uint64
	writeMu    sync.Mutex

	mu            sync.Mutex
	dirty         bool
	dirtySeq      uint64
	stopped       bool
	lastWriteAtMs int64
	lastErr       string
}

// NewMirrorWriter creates a writer for path.
func NewMirrorWriter(path string, source snapshotSource, opts MirrorOptions, log zerolog.Logger) *MirrorWriter {
	opts.applyDefaults()
	if opts.Scheduler == nil {
		opts.Scheduler = NewTimerScheduler()
	}
	return &MirrorWriter{
		path:   path,
		source: source,
		opts:   opts,
		log:    logging.Component(log, "mirror"),
		breaker: resilience.NewCircuitBreaker("mirror", resilience.CircuitBreakerConfig{
			FailureThreshold: opts.FailureThreshold,
			Timeout:          opts.BackoffTimeout,
		}),
	}
}

// MarkDirty records a mutation and (re)arms the debounce timer.
func (w *MirrorWriter) MarkDirty() {
	w.mu.Lock()
	w.dirty = true
	w.dirtySeq++
	stopped := w.stopped
	w.mu.Unlock()
	if !stopped {
		w.opts.Scheduler.Arm(w.opts.Debounce, w.fire)
	}
}

// fire is the debounced background write.
func (w *MirrorWriter) fire() {
	if err := w.breaker.Allow(); err != nil {
		w.log.Debug().Dur("retry_after", w.breaker.RetryAfter()).Msg("Mirror writes paused after repeated failures")
		w.rearm(w.breaker.RetryAfter())
		return
	}
	err := w.write(context.Background(), false)
	if errors.Is(err, errStaleWrite) {
		return
	}
	if w.breaker.Record(err) != nil {
		w.rearm(w.opts.Debounce)
	}
}

func (w *MirrorWriter) rearm(delay time.Duration) {
	w.mu.Lock()
	stopped := w.stopped
	w.mu.Unlock()
	if !stopped {
		if delay <= 0 {
			delay = w.opts.Debounce
		}
		w.opts.Scheduler.Arm(delay, w.fire)
	}
}

// WriteSync writes a snapshot now, regardless of the dirty flag and the
// failure backoff.
func (w *MirrorWriter) WriteSync(ctx context.Context) error {
	for {
		err := w.write(ctx, true)
		if !errors.Is(err, errStaleWrite) {
			return w.breaker.Record(err)
		}
		// A concurrent background write took a newer token; write again so the
		// caller observes a file at least as new as its own call.
	}
}

// Stop cancels pending background writes. WriteSync still works.
func (w *MirrorWriter) Stop() {
	w.mu.Lock()
	w.stopped = true
	w.mu.Unlock()
	w.opts.Scheduler.Stop()
}

// State returns a copy of the writer state.
func (w *MirrorWriter) State() MirrorState {
	w.mu.Lock()
	defer w.mu.Unlock()
	cs := w.breaker.Stats()
	return MirrorState{
		Enabled:       true,
		Path:          w.path,
		Dirty:         w.dirty,
		Generation:    w.generation.Load(),
		LastWriteAtMs: w.lastWriteAtMs,
		LastError:     w.lastErr,
		Circuit:       string(cs.State),
		Failures:      cs.TotalFailures,
		Rejected:      cs.TotalRejected,
		FailureRate:   cs.FailureRate(),
	}
}

func (w *MirrorWriter) write(ctx context.Context, force bool) error {
	token := w.generation.Add(1)

	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	w.mu.Lock()
	stopped, seq := w.stopped, w.dirtySeq
	w.mu.Unlock()
	if stopped && !force {
		return errStaleWrite
	}
	if w.generation.Load() != token {
		return errStaleWrite
	}

	err := w.writeToken(ctx, token)
	if errors.Is(err, errStaleWrite) {
		w.log.Debug().Uint64("generation", token).Msg("Discarded superseded mirror write")
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if err != nil {
		w.lastErr = security.Redact(err.Error())
		w.log.Warn().Err(security.RedactError(err)).Str("path", w.path).Msg("Mirror write failed")
		return fmt.Errorf("mirror write: %w", err)
	}
	w.lastErr = ""
	w.lastWriteAtMs = time.Now().UnixMilli()
	if w.dirtySeq == seq {
		w.dirty = false
	}
	return nil
}

func (w *MirrorWriter) writeToken(ctx context.Context, token uint64) error {
	snap, err := w.source.BuildSnapshot(ctx, w.opts.Limits)
	if err != nil {
		return err
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(w.path), 0755); err != nil {
		return fmt.Errorf("failed to create mirror directory: %w", err)
	}
	tmp := w.path + ".tmp-" + strconv.FormatUint(token, 10)
	if err := writeFileSync(tmp, data); err != nil {
		os.Remove(tmp)
		return err
	}

	if w.generation.Load() != token {
		os.Remove(tmp)
		return errStaleWrite
	}

	if err := os.Rename(tmp, w.path); err != nil {
		// The target may be held open elsewhere; replace it outright.
		if rmErr := os.Remove(w.path); rmErr != nil && !os.IsNotExist(rmErr) {
			os.Remove(tmp)
			return fmt.Errorf("failed to replace mirror: %w", err)
		}
		if err := os.Rename(tmp, w.path); err != nil {
			os.Remove(tmp)
			return fmt.Errorf("failed to promote mirror: %w", err)
		}
	}
	return nil
}

func writeFileSync(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to create mirror temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("failed to write mirror temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("failed to sync mirror temp file: %w", err)
	}
	return f.Close()
}
