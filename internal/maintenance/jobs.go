package maintenance

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"tradedesk/internal/config"
	"tradedesk/internal/store"
)

// Job names.
const (
	JobArchive    = "archive"
	JobPruneCache = "prune-cache"
	JobCheckpoint = "checkpoint"
)

// Target is the part of the ledger the jobs use.
type Target interface {
	ArchiveAgentMemories(ctx context.Context, opts store.ArchiveOptions) (store.ArchiveResult, error)
	PruneOptimizerEvalCache(ctx context.Context, opts store.PruneCacheOptions) (store.PruneCacheResult, error)
	Flush(ctx context.Context) error
}

// ArchiveJob moves agent memories untouched for OlderThan to the archive.
type ArchiveJob struct {
	Target            Target
	OlderThan         time.Duration
	KeepRecentPerKind int
	Clock             func() time.Time
	Log               zerolog.Logger
}

func (j *ArchiveJob) Name() string { return JobArchive }

func (j *ArchiveJob) Run(ctx context.Context) error {
	now := time.Now
	if j.Clock != nil {
		now = j.Clock
	}
	res, err := j.Target.ArchiveAgentMemories(ctx, store.ArchiveOptions{
		CutoffMs:          now().Add(-j.OlderThan).UnixMilli(),
		KeepRecentPerKind: j.KeepRecentPerKind,
	})
	if err != nil {
		return err
	}
	if res.Archived > 0 {
		j.Log.Info().Int("archived", res.Archived).Msg("Archived stale agent memories")
	}
	return nil
}

// PruneCacheJob purges expired and stale optimizer evaluations.
type PruneCacheJob struct {
	Target        Target
	EngineVersion string
	Log           zerolog.Logger
}

func (j *PruneCacheJob) Name() string { return JobPruneCache }

func (j *PruneCacheJob) Run(ctx context.Context) error {
	res, err := j.Target.PruneOptimizerEvalCache(ctx, store.PruneCacheOptions{EngineVersion: j.EngineVersion})
	if err != nil {
		return err
	}
	if removed := res.Expired + res.Stale + res.Trimmed; removed > 0 {
		j.Log.Info().
			Int64("expired", res.Expired).
			Int64("stale", res.Stale).
			Int64("trimmed", res.Trimmed).
			Int64("remaining", res.Remaining).
			Msg("Pruned optimizer eval cache")
	}
	return nil
}

// CheckpointJob checkpoints the engine and rewrites the mirror.
type CheckpointJob struct {
	Target Target
}

func (j *CheckpointJob) Name() string { return JobCheckpoint }

func (j *CheckpointJob) Run(ctx context.Context) error {
	return j.Target.Flush(ctx)
}

// Setup builds a scheduler with the jobs enabled in cfg. The scheduler is
// returned unstarted.
func Setup(cfg config.MaintenanceConfig, target Target, log zerolog.Logger) (*Scheduler, error) {
	s := New(log)
	jobLog := s.log
	jobs := []struct {
		spec string
		job  Job
	}{
		{cfg.ArchiveSpec, &ArchiveJob{Target: target, OlderThan: cfg.ArchiveAfter, KeepRecentPerKind: cfg.KeepRecentPerKind, Log: jobLog}},
		{cfg.PruneSpec, &PruneCacheJob{Target: target, EngineVersion: cfg.EngineVersion, Log: jobLog}},
		{cfg.CheckpointSpec, &CheckpointJob{Target: target}},
	}
	for _, j := range jobs {
		if err := s.AddJob(j.spec, j.job); err != nil {
			return nil, err
		}
	}
	return s, nil
}
